package kube

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func agentPod(phase corev1.PodPhase) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "agent-x", Namespace: "agents", Labels: map[string]string{
			LabelManaged:  "true",
			LabelTaskID:   "task-1",
			LabelTaskName: "build",
			LabelProvider: "claude",
		}},
		Status: corev1.PodStatus{Phase: phase},
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name  string
		event watch.Event
		want  EventType
		ok    bool
	}{
		{"added pending", watch.Event{Type: watch.Added, Object: agentPod(corev1.PodPending)}, EventCreated, true},
		{"added running", watch.Event{Type: watch.Added, Object: agentPod(corev1.PodRunning)}, EventCreated, true},
		{"modified running", watch.Event{Type: watch.Modified, Object: agentPod(corev1.PodRunning)}, EventRunning, true},
		{"modified succeeded", watch.Event{Type: watch.Modified, Object: agentPod(corev1.PodSucceeded)}, EventCompleted, true},
		{"modified failed", watch.Event{Type: watch.Modified, Object: agentPod(corev1.PodFailed)}, EventFailed, true},
		{"modified pending", watch.Event{Type: watch.Modified, Object: agentPod(corev1.PodPending)}, "", false},
		{"modified unknown", watch.Event{Type: watch.Modified, Object: agentPod(corev1.PodUnknown)}, "", false},
		{"deleted running", watch.Event{Type: watch.Deleted, Object: agentPod(corev1.PodRunning)}, EventDeleted, true},
		{"bookmark", watch.Event{Type: watch.Bookmark, Object: agentPod(corev1.PodRunning)}, "", false},
		{"not a pod", watch.Event{Type: watch.Added, Object: &corev1.Service{}}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := Translate(tt.event)
			assert.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.want, ev.Type)
			assert.Equal(t, "agent-x", ev.PodName)
			assert.Equal(t, "task-1", ev.TaskID)
			assert.Equal(t, "build", ev.TaskName)
			assert.Equal(t, "claude", ev.Provider)
			assert.Equal(t, "true", ev.Labels[LabelManaged])
		})
	}
}

// watchSource hands out a fresh fake watch for every Watch call.
func watchSource(client *fake.Clientset) <-chan *watch.FakeWatcher {
	streams := make(chan *watch.FakeWatcher, 8)
	client.PrependWatchReactor("pods", func(k8stesting.Action) (bool, watch.Interface, error) {
		w := watch.NewFake()
		streams <- w
		return true, w, nil
	})
	return streams
}

func nextStream(t *testing.T, streams <-chan *watch.FakeWatcher) *watch.FakeWatcher {
	t.Helper()
	select {
	case w := <-streams:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("watch was not (re)opened")
		return nil
	}
}

func nextEvent(t *testing.T, events <-chan AgentEvent) AgentEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no agent event received")
		return AgentEvent{}
	}
}

func TestWatcher_ReconnectsAfterStreamEnds(t *testing.T) {
	client := fake.NewSimpleClientset()
	streams := watchSource(client)
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	w := NewWatcher(client, "agents", "", zaptest.NewLogger(t),
		WithReconnectDelay(time.Millisecond), WithWatcherMetrics(m))

	all := make(chan AgentEvent, 8)
	running := make(chan AgentEvent, 8)
	errs := make(chan error, 8)
	w.Subscribe(func(ev AgentEvent) { all <- ev })
	w.SubscribeType(EventRunning, func(ev AgentEvent) { running <- ev })
	w.OnError(func(err error) { errs <- err })

	w.Start(context.Background())
	defer w.Stop()

	first := nextStream(t, streams)
	first.Add(agentPod(corev1.PodPending))
	assert.Equal(t, EventCreated, nextEvent(t, all).Type)

	// A clean close is followed by a new watch.
	first.Stop()
	second := nextStream(t, streams)
	second.Modify(agentPod(corev1.PodRunning))
	assert.Equal(t, EventRunning, nextEvent(t, all).Type)
	assert.Equal(t, "agent-x", nextEvent(t, running).PodName)

	// An error event surfaces through OnError and the watcher keeps going.
	second.Error(&metav1.Status{Status: metav1.StatusFailure, Reason: metav1.StatusReasonExpired, Message: "too old", Code: 410})
	select {
	case err := <-errs:
		assert.True(t, apierrors.IsResourceExpired(err), err.Error())
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}
	third := nextStream(t, streams)
	third.Delete(agentPod(corev1.PodSucceeded))
	assert.Equal(t, EventDeleted, nextEvent(t, all).Type)

	assert.GreaterOrEqual(t, promtest.ToFloat64(m.reconnects), 2.0)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.events.WithLabelValues(string(EventRunning))))
}

func TestWatcher_WatchOpenErrorRetries(t *testing.T) {
	client := fake.NewSimpleClientset()
	calls := make(chan struct{}, 8)
	client.PrependWatchReactor("pods", func(k8stesting.Action) (bool, watch.Interface, error) {
		calls <- struct{}{}
		return true, nil, apierrors.NewServiceUnavailable("api down")
	})

	w := NewWatcher(client, "agents", "", zaptest.NewLogger(t), WithReconnectDelay(time.Millisecond))
	errs := make(chan error, 8)
	w.OnError(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})
	w.Start(context.Background())

	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatal("watch was not retried")
		}
	}
	w.Stop()

	err := <-errs
	assert.True(t, apierrors.IsServiceUnavailable(err))
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	client := fake.NewSimpleClientset()
	_ = watchSource(client)
	w := NewWatcher(client, "agents", "", nil)
	w.Stop()
	w.Start(context.Background())
	w.Start(context.Background())
	w.Stop()
	w.Stop()
}
