package kube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/cnap-oss/tmux-agents/internal/agentruntime"
	"github.com/cnap-oss/tmux-agents/internal/tmux"
)

// PoolSelector selects the pods of the warm pool.
const PoolSelector = LabelPool + "=true"

// PoolConfig sizes the warm pool.
type PoolConfig struct {
	Namespace   string
	Deployment  string
	Image       string
	SessionName string
	WorkDir     string
	Min         int32
	Max         int32
	Replicas    int32
}

// PoolStats are recomputed from pod labels on every call.
type PoolStats struct {
	Total   int `json:"total"`
	Idle    int `json:"idle"`
	Claimed int `json:"claimed"`
}

// Pool keeps a Deployment of idle pods that backends can claim instead of
// cold spawning.
type Pool struct {
	client  kubernetes.Interface
	cfg     PoolConfig
	exec    tmux.Executor
	logger  *zap.Logger
	metrics *Metrics
}

// NewPool returns a pool over cfg.Deployment.
func NewPool(client kubernetes.Interface, cfg PoolConfig, exec tmux.Executor, logger *zap.Logger, m *Metrics) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.Deployment == "" {
		cfg.Deployment = AppName + "-pool"
	}
	if cfg.SessionName == "" {
		cfg.SessionName = agentruntime.DefaultSessionName
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "/workspace"
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	return &Pool{
		client:  client,
		cfg:     cfg,
		exec:    exec,
		logger:  logger.Named("warm-pool").With(zap.String("deployment", cfg.Deployment)),
		metrics: m,
	}
}

// Clamp bounds replicas to [Min, Max].
func (p *Pool) Clamp(replicas int32) int32 {
	if replicas < p.cfg.Min {
		return p.cfg.Min
	}
	if p.cfg.Max > 0 && replicas > p.cfg.Max {
		return p.cfg.Max
	}
	return replicas
}

// EnsureDeployment creates the pool Deployment when it does not exist.
func (p *Pool) EnsureDeployment(ctx context.Context) error {
	deployments := p.client.AppsV1().Deployments(p.cfg.Namespace)
	_, err := deployments.Get(ctx, p.cfg.Deployment, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("get pool deployment: %w", err)
	}

	replicas := p.Clamp(p.cfg.Replicas)
	labels := map[string]string{LabelApp: AppName + "-pool", LabelPool: "true"}
	d := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: p.cfg.Deployment, Namespace: p.cfg.Namespace, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:       "agent",
						Image:      p.cfg.Image,
						WorkingDir: p.cfg.WorkDir,
						Command:    []string{"sh", "-c", "tmux new-session -d -s " + tmux.Quote(p.cfg.SessionName) + " && sleep infinity"},
						TTY:        true,
						Stdin:      true,
					}},
				},
			},
		},
	}
	if _, err := deployments.Create(ctx, d, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create pool deployment: %w", err)
	}
	p.logger.Info("Warm pool deployment created", zap.Int32("replicas", replicas))
	return nil
}

// ClaimPod picks the first idle pool pod and labels it as claimed by the
// task in cfg.
// The patch carries the observed resourceVersion, so a concurrent claimer
// makes it fail with a conflict. A lost race, or no idle pod, returns ""
// without retrying; the caller falls back to a cold spawn.
func (p *Pool) ClaimPod(ctx context.Context, cfg agentruntime.SpawnConfig) (string, error) {
	pods := p.client.CoreV1().Pods(p.cfg.Namespace)
	list, err := pods.List(ctx, metav1.ListOptions{LabelSelector: PoolSelector})
	if err != nil {
		return "", fmt.Errorf("list pool pods: %w", err)
	}

	labels := claimLabels(cfg)
	taskID := cfg.TaskID
	for i := range list.Items {
		pod := &list.Items[i]
		if !isIdle(pod) {
			continue
		}
		patch, err := json.Marshal(map[string]any{
			"metadata": map[string]any{
				"resourceVersion": pod.ResourceVersion,
				"labels":          labels,
			},
		})
		if err != nil {
			return "", err
		}
		if _, err := pods.Patch(ctx, pod.Name, types.MergePatchType, patch, metav1.PatchOptions{}); err != nil {
			p.metrics.claim("lost")
			p.logger.Info("Warm pod claim lost",
				zap.String("pod", pod.Name),
				zap.String("task_id", taskID),
				zap.Error(err),
			)
			return "", nil
		}
		p.metrics.claim("claimed")
		p.logger.Info("Warm pod claimed", zap.String("pod", pod.Name), zap.String("task_id", taskID))
		return pod.Name, nil
	}
	p.metrics.claim("empty")
	return "", nil
}

// claimLabels stamps the claimant's identity so a claimed pod lists and
// reconciles like a cold spawned one.
func claimLabels(cfg agentruntime.SpawnConfig) map[string]any {
	labels := map[string]any{
		LabelClaimedBy: LabelValue(cfg.TaskID),
		LabelTaskID:    LabelValue(cfg.TaskID),
		LabelManaged:   "true",
	}
	for key, value := range map[string]string{
		LabelTaskName: cfg.TaskName,
		LabelProvider: cfg.Provider,
		LabelAgentID:  cfg.AgentID,
	} {
		if v := LabelValue(value); v != "" {
			labels[key] = v
		}
	}
	return labels
}

func isIdle(pod *corev1.Pod) bool {
	return pod.DeletionTimestamp == nil &&
		pod.Status.Phase == corev1.PodRunning &&
		pod.Labels[LabelClaimedBy] == ""
}

// ReleasePod clears the claim labels and resets the pod's tmux session so
// the next claimant starts clean.
func (p *Pool) ReleasePod(ctx context.Context, podName string) error {
	patch, err := json.Marshal(map[string]any{
		"metadata": map[string]any{
			"labels": map[string]any{
				LabelClaimedBy: nil,
				LabelTaskID:    nil,
				LabelTaskName:  nil,
				LabelProvider:  nil,
				LabelAgentID:   nil,
				LabelManaged:   nil,
			},
		},
	})
	if err != nil {
		return err
	}
	if _, err := p.client.CoreV1().Pods(p.cfg.Namespace).Patch(ctx, podName, types.MergePatchType, patch, metav1.PatchOptions{}); err != nil {
		return fmt.Errorf("release pod %s: %w", podName, err)
	}

	client := tmux.NewClient(podName, agentruntime.KubectlPrefix(podName, p.cfg.Namespace), p.exec)
	exists, err := client.HasSession(ctx, p.cfg.SessionName)
	if err != nil {
		return fmt.Errorf("check session in %s: %w", podName, err)
	}
	if exists {
		if err := client.KillSession(ctx, p.cfg.SessionName); err != nil && !errors.Is(err, tmux.ErrSessionNotFound) {
			return fmt.Errorf("kill session in %s: %w", podName, err)
		}
	}
	if err := client.NewSession(ctx, p.cfg.SessionName, p.cfg.WorkDir); err != nil {
		return fmt.Errorf("recreate session in %s: %w", podName, err)
	}
	p.logger.Info("Warm pod released", zap.String("pod", podName))
	return nil
}

// Scale clamps replicas to [Min, Max] and patches the Deployment. It
// returns the replica count applied.
func (p *Pool) Scale(ctx context.Context, replicas int32) (int32, error) {
	n := p.Clamp(replicas)
	patch, err := json.Marshal(map[string]any{"spec": map[string]any{"replicas": n}})
	if err != nil {
		return 0, err
	}
	if _, err := p.client.AppsV1().Deployments(p.cfg.Namespace).Patch(ctx, p.cfg.Deployment, types.MergePatchType, patch, metav1.PatchOptions{}); err != nil {
		return 0, fmt.Errorf("scale pool: %w", err)
	}
	p.logger.Info("Warm pool scaled", zap.Int32("requested", replicas), zap.Int32("replicas", n))
	return n, nil
}

// GetPoolStats counts pool pods from their current labels.
func (p *Pool) GetPoolStats(ctx context.Context) (PoolStats, error) {
	list, err := p.client.CoreV1().Pods(p.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: PoolSelector})
	if err != nil {
		return PoolStats{}, fmt.Errorf("list pool pods: %w", err)
	}
	var stats PoolStats
	for i := range list.Items {
		pod := &list.Items[i]
		if pod.DeletionTimestamp != nil {
			continue
		}
		stats.Total++
		if pod.Labels[LabelClaimedBy] != "" {
			stats.Claimed++
		} else {
			stats.Idle++
		}
	}
	return stats, nil
}
