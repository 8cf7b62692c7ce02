package kube

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/cnap-oss/tmux-agents/internal/agentruntime"
)

func newTestBackend(t *testing.T, client *fake.Clientset, exec *scriptedExecutor) *Backend {
	t.Helper()
	b := NewBackend("k8s", Config{
		Namespace:      "agents",
		Image:          "ghcr.io/tmux-agents/agent:latest",
		PollInterval:   time.Millisecond,
		PodTimeout:     50 * time.Millisecond,
		SessionTimeout: 50 * time.Millisecond,
	}, client, exec, zaptest.NewLogger(t))
	b.sleep = noSleep
	return b
}

func TestBackend_SpawnAgent_ColdPod(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("create", "pods", setPhaseOnCreate(corev1.PodRunning))
	exec := &scriptedExecutor{}
	b := newTestBackend(t, client, exec)

	h, err := b.SpawnAgent(context.Background(), agentruntime.SpawnConfig{
		AgentID:  "agent-1",
		TaskID:   "ABCDEF123456",
		TaskName: "Fix flaky tests",
		Provider: "claude",
		Prompt:   "fix the tests",
		Env:      map[string]string{"B": "2", "A": "1"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(h.Locator, "agent-abcdef12-"), h.Locator)
	assert.Equal(t, "k8s/"+h.Locator, h.RuntimeID)
	assert.Equal(t, "ABCDEF123456", h.TaskID)

	pod, err := client.CoreV1().Pods("agents").Get(context.Background(), h.Locator, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "true", pod.Labels[LabelManaged])
	assert.Equal(t, "ABCDEF123456", pod.Labels[LabelTaskID])
	assert.Equal(t, "Fix-flaky-tests", pod.Labels[LabelTaskName])
	assert.Equal(t, "claude", pod.Labels[LabelProvider])
	assert.Equal(t, corev1.RestartPolicyNever, pod.Spec.RestartPolicy)
	require.Len(t, pod.Spec.Containers, 1)
	c := pod.Spec.Containers[0]
	assert.True(t, c.TTY)
	assert.Equal(t, "/workspace", c.WorkingDir)
	assert.Equal(t, []corev1.EnvVar{{Name: "A", Value: "1"}, {Name: "B", Value: "2"}}, c.Env)

	cmds := exec.Commands()
	require.GreaterOrEqual(t, len(cmds), 5)
	prefix := "kubectl exec " + h.Locator + " -n agents -- tmux "
	assert.Equal(t, prefix+"has-session -t tmux-agents", cmds[0])
	assert.Equal(t, prefix+"send-keys -t tmux-agents -l claude", cmds[1])
	assert.Equal(t, prefix+"send-keys -t tmux-agents -l 'fix the tests'", cmds[3])
}

func TestBackend_SpawnAgent_PodFailed(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("create", "pods", setPhaseOnCreate(corev1.PodFailed))
	b := newTestBackend(t, client, &scriptedExecutor{})

	_, err := b.SpawnAgent(context.Background(), agentruntime.SpawnConfig{TaskID: "t1", Provider: "claude"})
	require.ErrorIs(t, err, ErrPodFailed)
	assert.Contains(t, err.Error(), "scheduled by test")
	assertNoPods(t, client)
}

func assertNoPods(t *testing.T, client *fake.Clientset) {
	t.Helper()
	pods, err := client.CoreV1().Pods("agents").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, pods.Items, "a failed spawn must not leave its pod behind")
}

func TestBackend_SpawnAgent_PodNotYetVisible(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("create", "pods", setPhaseOnCreate(corev1.PodRunning))
	// The first reads race the create and miss the pod.
	var gets atomic.Int32
	client.PrependReactor("get", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if gets.Add(1) <= 3 {
			return true, nil, apierrors.NewNotFound(corev1.Resource("pods"), action.(k8stesting.GetAction).GetName())
		}
		return false, nil, nil
	})
	b := newTestBackend(t, client, &scriptedExecutor{})

	h, err := b.SpawnAgent(context.Background(), agentruntime.SpawnConfig{TaskID: "t1", Provider: "claude"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, gets.Load(), int32(4))

	_, err = client.CoreV1().Pods("agents").Get(context.Background(), h.Locator, metav1.GetOptions{})
	require.NoError(t, err)
}

func TestBackend_SpawnAgent_PodTimeout(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("create", "pods", setPhaseOnCreate(corev1.PodPending))
	b := newTestBackend(t, client, &scriptedExecutor{})

	_, err := b.SpawnAgent(context.Background(), agentruntime.SpawnConfig{TaskID: "t1"})
	require.ErrorIs(t, err, ErrPodTimeout)
	assertNoPods(t, client)
}

func TestBackend_SpawnAgent_SessionTimeout(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("create", "pods", setPhaseOnCreate(corev1.PodRunning))
	exec := &scriptedExecutor{replies: map[string]func() (string, error){
		"has-session": func() (string, error) {
			return "", assert.AnError
		},
	}}
	b := newTestBackend(t, client, exec)

	_, err := b.SpawnAgent(context.Background(), agentruntime.SpawnConfig{TaskID: "t1"})
	require.ErrorIs(t, err, ErrSessionTimeout)
	assertNoPods(t, client)
}

func TestBackend_SpawnAgent_CancelledStillCleansUp(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("create", "pods", setPhaseOnCreate(corev1.PodPending))
	b := newTestBackend(t, client, &scriptedExecutor{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := b.SpawnAgent(ctx, agentruntime.SpawnConfig{TaskID: "t1"})
	require.Error(t, err)
	assertNoPods(t, client)
}

func TestBackend_SpawnAgent_LaunchFailureReleasesWarmPod(t *testing.T) {
	client := fake.NewSimpleClientset(poolPod("warm-1", corev1.PodRunning, ""))
	exec := &scriptedExecutor{replies: map[string]func() (string, error){
		"send-keys": func() (string, error) { return "", assert.AnError },
	}}
	b := newTestBackend(t, client, exec)
	b.WithPool(NewPool(client, PoolConfig{Namespace: "agents", Min: 1, Max: 3}, exec, zaptest.NewLogger(t), nil))

	_, err := b.SpawnAgent(context.Background(), agentruntime.SpawnConfig{TaskID: "task-42", Provider: "claude"})
	require.Error(t, err)

	pod, err := client.CoreV1().Pods("agents").Get(context.Background(), "warm-1", metav1.GetOptions{})
	require.NoError(t, err, "a warm pod goes back to the pool, it is not deleted")
	assert.NotContains(t, pod.Labels, LabelClaimedBy)
	assert.NotContains(t, pod.Labels, LabelTaskID)
	assert.Contains(t, exec.Commands(), "kubectl exec warm-1 -n agents -- tmux new-session -d -s tmux-agents -c /workspace")
}

func TestBackend_SpawnAgent_ClaimsWarmPod(t *testing.T) {
	client := fake.NewSimpleClientset(poolPod("warm-1", corev1.PodRunning, ""))
	exec := &scriptedExecutor{}
	b := newTestBackend(t, client, exec)
	b.WithPool(NewPool(client, PoolConfig{Namespace: "agents", Min: 1, Max: 3}, exec, zaptest.NewLogger(t), nil))

	h, err := b.SpawnAgent(context.Background(), agentruntime.SpawnConfig{TaskID: "task-42", Provider: "codex"})
	require.NoError(t, err)
	assert.Equal(t, "warm-1", h.Locator)

	pods, err := client.CoreV1().Pods("agents").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, pods.Items, 1, "a claimed warm pod must not be cold spawned")
	assert.Equal(t, "task-42", pods.Items[0].Labels[LabelClaimedBy])
	assert.Equal(t, "codex", pods.Items[0].Labels[LabelProvider])

	snaps, err := b.ListAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1, "a claimed pod reconciles like a cold spawned one")
	assert.Equal(t, "task-42", snaps[0].Handle.TaskID)
}

func TestBackend_KillAgent_MissingPod(t *testing.T) {
	b := newTestBackend(t, fake.NewSimpleClientset(), &scriptedExecutor{})
	require.NoError(t, b.KillAgent(context.Background(), &agentruntime.Handle{Locator: "gone"}))
}

func TestBackend_KillAgent(t *testing.T) {
	tests := []struct {
		name        string
		pod         *corev1.Pod
		withPool    bool
		sessionErr  error
		wantDeleted bool
	}{
		{
			name:        "cold pod is deleted",
			pod:         &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "agent-a", Namespace: "agents", Labels: map[string]string{LabelManaged: "true"}}},
			withPool:    true,
			wantDeleted: true,
		},
		{
			name:        "pool pod is released",
			pod:         poolPod("warm-1", corev1.PodRunning, "task-1"),
			withPool:    true,
			wantDeleted: false,
		},
		{
			name:        "pool pod with broken session is deleted",
			pod:         poolPod("warm-1", corev1.PodRunning, "task-1"),
			withPool:    true,
			sessionErr:  assert.AnError,
			wantDeleted: true,
		},
		{
			name:        "pool pod without a pool is deleted",
			pod:         poolPod("warm-1", corev1.PodRunning, "task-1"),
			wantDeleted: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := fake.NewSimpleClientset(tt.pod)
			exec := &scriptedExecutor{}
			if tt.sessionErr != nil {
				exec.replies = map[string]func() (string, error){
					"has-session": func() (string, error) { return "", tt.sessionErr },
				}
			}
			b := newTestBackend(t, client, exec)
			if tt.withPool {
				b.WithPool(NewPool(client, PoolConfig{Namespace: "agents", Min: 1, Max: 3}, exec, zaptest.NewLogger(t), nil))
			}

			require.NoError(t, b.KillAgent(context.Background(), &agentruntime.Handle{Locator: tt.pod.Name}))

			pod, err := client.CoreV1().Pods("agents").Get(context.Background(), tt.pod.Name, metav1.GetOptions{})
			if tt.wantDeleted {
				assert.True(t, apierrors.IsNotFound(err), "pod should be deleted, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.NotContains(t, pod.Labels, LabelClaimedBy)
			assert.Equal(t, "true", pod.Labels[LabelPool])
		})
	}
}

func TestBackend_ListAndReconcile(t *testing.T) {
	managed := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "agent-a", Namespace: "agents", Labels: map[string]string{
			LabelManaged: "true", LabelTaskID: "t-a", LabelProvider: "claude", LabelAgentID: "ag-a",
		}},
		Status: corev1.PodStatus{Phase: corev1.PodSucceeded},
	}
	other := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "agents"}}
	b := newTestBackend(t, fake.NewSimpleClientset(managed, other), &scriptedExecutor{})

	snaps, err := b.ListAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, agentruntime.RunCompleted, snaps[0].State)
	assert.Equal(t, "claude", snaps[0].Provider)
	assert.Equal(t, "t-a", snaps[0].Handle.TaskID)

	handles, err := b.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, handles, 1)
	assert.Equal(t, "k8s/agent-a", handles[0].RuntimeID)
	assert.Equal(t, "ag-a", handles[0].AgentID)

	assert.Equal(t, "kubectl exec -it agent-a -n agents -- tmux attach-session -t tmux-agents",
		b.GetAttachCommand(handles[0]))
}

func TestBuildPod_ResourcesAndGPU(t *testing.T) {
	b := NewBackend("k8s", Config{
		Namespace: "agents",
		Defaults:  agentruntime.Resources{CPURequest: "500m", MemoryLimit: "2Gi"},
	}, fake.NewSimpleClientset(), nil, nil)

	pod, err := b.buildPod(agentruntime.SpawnConfig{
		TaskID:    "t1",
		Image:     "custom:1",
		Resources: agentruntime.Resources{CPURequest: "2", GPU: 1},
	})
	require.NoError(t, err)

	c := pod.Spec.Containers[0]
	assert.Equal(t, "custom:1", c.Image)
	assert.True(t, c.Resources.Requests[corev1.ResourceCPU].Equal(resource.MustParse("2")))
	assert.True(t, c.Resources.Limits[corev1.ResourceMemory].Equal(resource.MustParse("2Gi")))
	assert.True(t, c.Resources.Limits[GPUResource].Equal(resource.MustParse("1")))
	assert.Equal(t, "true", pod.Spec.NodeSelector["nvidia.com/gpu.present"])
	require.Len(t, pod.Spec.Tolerations, 1)
	assert.Equal(t, string(GPUResource), pod.Spec.Tolerations[0].Key)

	_, err = b.buildPod(agentruntime.SpawnConfig{Resources: agentruntime.Resources{CPULimit: "lots"}})
	assert.Error(t, err)
}

func TestPodName(t *testing.T) {
	name := PodName("Task_With.Odd/Chars")
	assert.True(t, strings.HasPrefix(name, "agent-task-wit-"), name)
	assert.LessOrEqual(t, len(name), 63)
	assert.True(t, strings.HasPrefix(PodName("___"), "agent-task-"))
}

func TestSessionScript(t *testing.T) {
	assert.Equal(t,
		"tmux new-session -d -s tmux-agents -c '/my work' && while tmux has-session -t tmux-agents 2>/dev/null; do sleep 5; done",
		SessionScript("tmux-agents", "/my work"))
}
