package kube

import (
	"context"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	k8stesting "k8s.io/client-go/testing"

	"github.com/cnap-oss/tmux-agents/internal/tmux"
)

// scriptedExecutor records command lines and answers them by substring match.
type scriptedExecutor struct {
	mu       sync.Mutex
	commands []string
	replies  map[string]func() (string, error)
}

func (s *scriptedExecutor) Run(_ context.Context, command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, command)
	for key, reply := range s.replies {
		if strings.Contains(command, key) {
			return reply()
		}
	}
	return "", nil
}

func (s *scriptedExecutor) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

var _ tmux.Executor = (*scriptedExecutor)(nil)

func noSleep(context.Context, time.Duration) error { return nil }

// setPhaseOnCreate makes newly created pods report phase.
func setPhaseOnCreate(phase corev1.PodPhase) k8stesting.ReactionFunc {
	return func(action k8stesting.Action) (bool, runtime.Object, error) {
		pod := action.(k8stesting.CreateAction).GetObject().(*corev1.Pod)
		pod.Status.Phase = phase
		pod.Status.Message = "scheduled by test"
		return false, nil, nil
	}
}

func poolPod(name string, phase corev1.PodPhase, claimedBy string) *corev1.Pod {
	labels := map[string]string{LabelApp: AppName + "-pool", LabelPool: "true"}
	if claimedBy != "" {
		labels[LabelClaimedBy] = claimedBy
		labels[LabelManaged] = "true"
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "agents", Labels: labels},
		Status:     corev1.PodStatus{Phase: phase},
	}
}
