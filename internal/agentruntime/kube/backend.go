// Package kube runs agents in Kubernetes pods: the pod backend, a pod
// lifecycle watcher and an optional warm pod pool.
package kube

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"

	"github.com/cnap-oss/tmux-agents/internal/agentruntime"
	"github.com/cnap-oss/tmux-agents/internal/tmux"
)

var (
	// ErrPodFailed is returned when a pod reaches Failed or Unknown while starting.
	ErrPodFailed = errors.New("pod failed to start")
	// ErrPodTimeout is returned when a pod does not reach Running in time.
	ErrPodTimeout = errors.New("timed out waiting for pod")
	// ErrSessionTimeout is returned when the tmux session in the pod never appears.
	ErrSessionTimeout = errors.New("timed out waiting for tmux session")
)

// GPUResource is the extended resource name requested for GPUs.
const GPUResource corev1.ResourceName = "nvidia.com/gpu"

// Config holds backend-level defaults.
type Config struct {
	Namespace       string
	Image           string
	ServiceAccount  string
	SessionName     string
	WorkDir         string
	Defaults        agentruntime.Resources
	GPUNodeSelector map[string]string

	PollInterval   time.Duration
	PodTimeout     time.Duration
	SessionTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.SessionName == "" {
		c.SessionName = agentruntime.DefaultSessionName
	}
	if c.WorkDir == "" {
		c.WorkDir = "/workspace"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.PodTimeout <= 0 {
		c.PodTimeout = 60 * time.Second
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.GPUNodeSelector == nil {
		c.GPUNodeSelector = map[string]string{"nvidia.com/gpu.present": "true"}
	}
}

// Backend runs each agent in its own pod, driving tmux through kubectl exec.
type Backend struct {
	id     string
	cfg    Config
	client kubernetes.Interface
	exec   tmux.Executor
	pool   *Pool
	logger *zap.Logger
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
}

var _ agentruntime.Runtime = (*Backend)(nil)

// NewBackend returns a Kubernetes backend. exec runs the kubectl exec
// command lines; nil uses the local shell.
func NewBackend(id string, cfg Config, client kubernetes.Interface, exec tmux.Executor, logger *zap.Logger) *Backend {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		id:     id,
		cfg:    cfg,
		client: client,
		exec:   exec,
		logger: logger.Named("runtime").With(zap.String("backend", id), zap.String("type", string(agentruntime.BackendKubernetes))),
		now:    time.Now,
		sleep:  agentruntime.Sleep,
	}
}

// WithPool lets SpawnAgent claim warm pods before cold spawning.
func (b *Backend) WithPool(p *Pool) *Backend {
	b.pool = p
	return b
}

// Namespace is where agent pods are created.
func (b *Backend) Namespace() string { return b.cfg.Namespace }

// ID returns the backend id.
func (b *Backend) ID() string { return b.id }

// Type returns BackendKubernetes.
func (b *Backend) Type() agentruntime.BackendType { return agentruntime.BackendKubernetes }

// SessionClient returns the tmux client for a pod.
func (b *Backend) SessionClient(pod string) *tmux.Client {
	return tmux.NewClient(b.id, agentruntime.KubectlPrefix(pod, b.cfg.Namespace), b.exec)
}

// SpawnAgent claims a warm pod or creates one, waits for it and its tmux
// session, then launches the provider and types the prompt.
func (b *Backend) SpawnAgent(ctx context.Context, cfg agentruntime.SpawnConfig) (*agentruntime.Handle, error) {
	podName := ""
	claimed := false
	if b.pool != nil {
		name, err := b.pool.ClaimPod(ctx, cfg)
		if err != nil {
			b.logger.Warn("Warm pool claim failed, cold spawning", zap.Error(err))
		}
		podName, claimed = name, name != ""
	}

	if podName == "" {
		pod, err := b.buildPod(cfg)
		if err != nil {
			return nil, err
		}
		if _, err := b.client.CoreV1().Pods(b.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
			return nil, fmt.Errorf("create pod %s: %w", pod.Name, err)
		}
		podName = pod.Name
		if err := b.waitForRunning(ctx, podName); err != nil {
			b.abandon(ctx, podName, false)
			return nil, err
		}
	}

	session := b.cfg.SessionName
	client := b.SessionClient(podName)
	if err := b.waitForSession(ctx, client, session); err != nil {
		b.abandon(ctx, podName, claimed)
		return nil, err
	}
	if err := agentruntime.Launch(ctx, client, session, cfg, b.sleep); err != nil {
		b.abandon(ctx, podName, claimed)
		return nil, err
	}

	b.logger.Info("Agent pod ready",
		zap.String("pod", podName),
		zap.String("task_id", cfg.TaskID),
		zap.String("provider", cfg.Provider),
		zap.Bool("warm", claimed),
	)
	return &agentruntime.Handle{
		RuntimeID: b.id + "/" + podName,
		AgentID:   cfg.AgentID,
		TaskID:    cfg.TaskID,
		Locator:   podName,
		CreatedAt: b.now(),
	}, nil
}

// cleanupTimeout bounds the API calls made after a failed spawn.
const cleanupTimeout = 30 * time.Second

// abandon undoes a spawn that failed after the pod was created or claimed.
// It runs on a context detached from ctx so a cancelled spawn still cleans up.
func (b *Backend) abandon(ctx context.Context, podName string, claimed bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if claimed {
		err := b.pool.ReleasePod(ctx, podName)
		if err == nil {
			return
		}
		b.logger.Warn("Release of claimed pod failed, deleting it", zap.String("pod", podName), zap.Error(err))
	}
	if err := b.deletePod(ctx, podName); err != nil {
		b.logger.Warn("Cleanup of failed spawn failed", zap.String("pod", podName), zap.Error(err))
	}
}

func (b *Backend) deletePod(ctx context.Context, name string) error {
	err := b.client.CoreV1().Pods(b.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete pod %s: %w", name, err)
	}
	return nil
}

func (b *Backend) waitForRunning(ctx context.Context, name string) error {
	pods := b.client.CoreV1().Pods(b.cfg.Namespace)
	err := wait.PollUntilContextTimeout(ctx, b.cfg.PollInterval, b.cfg.PodTimeout, true, func(ctx context.Context) (bool, error) {
		pod, err := pods.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		switch pod.Status.Phase {
		case corev1.PodRunning:
			return true, nil
		case corev1.PodFailed, corev1.PodUnknown:
			return false, fmt.Errorf("%w: %s is %s: %s", ErrPodFailed, name, pod.Status.Phase, pod.Status.Message)
		}
		return false, nil
	})
	if err != nil && ctx.Err() == nil && wait.Interrupted(err) {
		return fmt.Errorf("%w: %s", ErrPodTimeout, name)
	}
	return err
}

func (b *Backend) waitForSession(ctx context.Context, client *tmux.Client, session string) error {
	err := wait.PollUntilContextTimeout(ctx, b.cfg.PollInterval, b.cfg.SessionTimeout, true, func(ctx context.Context) (bool, error) {
		ok, err := client.HasSession(ctx, session)
		if err != nil {
			b.logger.Debug("Session probe failed", zap.Error(err))
			return false, nil
		}
		return ok, nil
	})
	if err != nil && ctx.Err() == nil && wait.Interrupted(err) {
		return fmt.Errorf("%w: %s", ErrSessionTimeout, session)
	}
	return err
}

func (b *Backend) buildPod(cfg agentruntime.SpawnConfig) (*corev1.Pod, error) {
	resources, err := buildResources(cfg.Resources, b.cfg.Defaults)
	if err != nil {
		return nil, err
	}
	image := cfg.Image
	if image == "" {
		image = b.cfg.Image
	}

	name := "agent-" + uuid.NewString()[:8]
	if cfg.TaskID != "" {
		name = PodName(cfg.TaskID)
	}

	env := make([]corev1.EnvVar, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	sort.Slice(env, func(i, j int) bool { return env[i].Name < env[j].Name })

	workDir := cfg.WorkingDirectory
	if workDir == "" {
		workDir = b.cfg.WorkDir
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: b.cfg.Namespace,
			Labels: map[string]string{
				LabelApp:      AppName,
				LabelManaged:  "true",
				LabelTaskID:   LabelValue(cfg.TaskID),
				LabelTaskName: LabelValue(cfg.TaskName),
				LabelProvider: LabelValue(cfg.Provider),
				LabelAgentID:  LabelValue(cfg.AgentID),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:      corev1.RestartPolicyNever,
			ServiceAccountName: b.cfg.ServiceAccount,
			Containers: []corev1.Container{{
				Name:       "agent",
				Image:      image,
				WorkingDir: workDir,
				Command:    []string{"sh", "-c", SessionScript(b.cfg.SessionName, workDir)},
				Env:        env,
				Resources:  resources,
				TTY:        true,
				Stdin:      true,
			}},
		},
	}

	gpus := cfg.Resources.GPU
	if gpus == 0 {
		gpus = b.cfg.Defaults.GPU
	}
	if gpus > 0 {
		pod.Spec.NodeSelector = make(map[string]string, len(b.cfg.GPUNodeSelector))
		for k, v := range b.cfg.GPUNodeSelector {
			pod.Spec.NodeSelector[k] = v
		}
		pod.Spec.Tolerations = append(pod.Spec.Tolerations, corev1.Toleration{
			Key:      string(GPUResource),
			Operator: corev1.TolerationOpExists,
			Effect:   corev1.TaintEffectNoSchedule,
		})
	}
	return pod, nil
}

// PodName derives a DNS-1123 pod name from a task id plus a random suffix.
func PodName(taskID string) string {
	short := strings.TrimPrefix(tmux.WindowName(taskID), "task-")
	short = strings.Trim(invalidNameChars.ReplaceAllString(short, "-"), "-")
	if short == "" {
		short = "task"
	}
	return "agent-" + short + "-" + uuid.NewString()[:5]
}

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// SessionScript keeps the container alive for as long as the tmux session exists.
func SessionScript(session, dir string) string {
	s := tmux.Quote(session)
	return fmt.Sprintf("tmux new-session -d -s %s -c %s && while tmux has-session -t %s 2>/dev/null; do sleep 5; done",
		s, tmux.Quote(dir), s)
}

func buildResources(override, defaults agentruntime.Resources) (corev1.ResourceRequirements, error) {
	req := corev1.ResourceRequirements{
		Requests: corev1.ResourceList{},
		Limits:   corev1.ResourceList{},
	}
	set := func(list corev1.ResourceList, name corev1.ResourceName, value, fallback string) error {
		if value == "" {
			value = fallback
		}
		if value == "" {
			return nil
		}
		q, err := resource.ParseQuantity(value)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", name, value, err)
		}
		list[name] = q
		return nil
	}
	if err := set(req.Requests, corev1.ResourceCPU, override.CPURequest, defaults.CPURequest); err != nil {
		return req, err
	}
	if err := set(req.Limits, corev1.ResourceCPU, override.CPULimit, defaults.CPULimit); err != nil {
		return req, err
	}
	if err := set(req.Requests, corev1.ResourceMemory, override.MemoryRequest, defaults.MemoryRequest); err != nil {
		return req, err
	}
	if err := set(req.Limits, corev1.ResourceMemory, override.MemoryLimit, defaults.MemoryLimit); err != nil {
		return req, err
	}
	gpus := override.GPU
	if gpus == 0 {
		gpus = defaults.GPU
	}
	if gpus > 0 {
		req.Limits[GPUResource] = *resource.NewQuantity(int64(gpus), resource.DecimalSI)
	}
	return req, nil
}

// KillAgent deletes the agent's pod, or hands a warm pool pod back to the
// pool. A pod that is already gone is success.
func (b *Backend) KillAgent(ctx context.Context, h *agentruntime.Handle) error {
	pod, err := b.client.CoreV1().Pods(b.cfg.Namespace).Get(ctx, h.Locator, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get pod %s: %w", h.Locator, err)
	}

	if b.pool != nil && pod.Labels[LabelPool] == "true" {
		err := b.pool.ReleasePod(ctx, h.Locator)
		if err == nil {
			return nil
		}
		// A pod whose session could not be reset must not be claimed again;
		// the Deployment replaces it.
		b.logger.Warn("Release of pool pod failed, deleting it", zap.String("pod", h.Locator), zap.Error(err))
	}

	if err := b.deletePod(ctx, h.Locator); err != nil {
		return err
	}
	b.logger.Info("Agent pod deleted", zap.String("pod", h.Locator))
	return nil
}

// ListAgents reports every managed pod with its phase mapped to a run state.
func (b *Backend) ListAgents(ctx context.Context) ([]agentruntime.AgentSnapshot, error) {
	pods, err := b.client.CoreV1().Pods(b.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: ManagedSelector})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}
	out := make([]agentruntime.AgentSnapshot, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		out = append(out, agentruntime.AgentSnapshot{
			Handle:   b.handleFor(pod),
			State:    PhaseToState(pod.Status.Phase),
			Phase:    string(pod.Status.Phase),
			Provider: pod.Labels[LabelProvider],
		})
	}
	return out, nil
}

// GetAttachCommand returns the kubectl command attaching to the pod's session.
func (b *Backend) GetAttachCommand(h *agentruntime.Handle) string {
	return b.SessionClient(h.Locator).AttachCommand(b.cfg.SessionName, "")
}

// Ping checks the API server is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	if _, err := b.client.Discovery().ServerVersion(); err != nil {
		return fmt.Errorf("ping %s: %w", b.id, err)
	}
	return ctx.Err()
}

// Reconcile rebuilds handles by listing the real pods.
func (b *Backend) Reconcile(ctx context.Context) ([]*agentruntime.Handle, error) {
	snaps, err := b.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", b.id, err)
	}
	out := make([]*agentruntime.Handle, 0, len(snaps))
	for i := range snaps {
		h := snaps[i].Handle
		out = append(out, &h)
	}
	return out, nil
}

func (b *Backend) handleFor(pod *corev1.Pod) agentruntime.Handle {
	return agentruntime.Handle{
		RuntimeID: b.id + "/" + pod.Name,
		AgentID:   pod.Labels[LabelAgentID],
		TaskID:    pod.Labels[LabelTaskID],
		Locator:   pod.Name,
		CreatedAt: pod.CreationTimestamp.Time,
	}
}
