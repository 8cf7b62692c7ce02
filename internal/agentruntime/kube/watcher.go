package kube

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/cnap-oss/tmux-agents/internal/agentruntime"
)

// EventType is the agent lifecycle derived from pod events.
type EventType string

const (
	EventCreated   EventType = "created"
	EventRunning   EventType = "running"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventDeleted   EventType = "deleted"
)

// AgentEvent is a notification about an agent pod. It is not persisted.
type AgentEvent struct {
	Type     EventType         `json:"eventType"`
	PodName  string            `json:"podName"`
	TaskID   string            `json:"taskId"`
	TaskName string            `json:"taskName"`
	Provider string            `json:"provider"`
	Phase    corev1.PodPhase   `json:"phase"`
	Labels   map[string]string `json:"labels"`
}

// DefaultReconnectDelay is the fixed pause before re-opening a closed watch.
const DefaultReconnectDelay = 5 * time.Second

// Translate maps a raw watch event onto an AgentEvent. ADDED is always
// created and DELETED always deleted; MODIFIED yields running, completed or
// failed only for the Running, Succeeded and Failed phases.
func Translate(ev watch.Event) (AgentEvent, bool) {
	pod, ok := ev.Object.(*corev1.Pod)
	if !ok {
		return AgentEvent{}, false
	}
	var t EventType
	switch ev.Type {
	case watch.Added:
		t = EventCreated
	case watch.Deleted:
		t = EventDeleted
	case watch.Modified:
		switch pod.Status.Phase {
		case corev1.PodRunning:
			t = EventRunning
		case corev1.PodSucceeded:
			t = EventCompleted
		case corev1.PodFailed:
			t = EventFailed
		default:
			return AgentEvent{}, false
		}
	default:
		return AgentEvent{}, false
	}
	labels := make(map[string]string, len(pod.Labels))
	for k, v := range pod.Labels {
		labels[k] = v
	}
	return AgentEvent{
		Type:     t,
		PodName:  pod.Name,
		TaskID:   pod.Labels[LabelTaskID],
		TaskName: pod.Labels[LabelTaskName],
		Provider: pod.Labels[LabelProvider],
		Phase:    pod.Status.Phase,
		Labels:   labels,
	}, true
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithReconnectDelay overrides the fixed reconnect delay.
func WithReconnectDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.reconnectDelay = d }
}

// WithWatcherMetrics attaches Prometheus collectors.
func WithWatcherMetrics(m *Metrics) WatcherOption {
	return func(w *Watcher) { w.metrics = m }
}

// Watcher streams pod events for one namespace and label selector and
// reconnects after a fixed delay whenever the stream ends, until stopped.
type Watcher struct {
	client         kubernetes.Interface
	namespace      string
	selector       string
	reconnectDelay time.Duration
	logger         *zap.Logger
	metrics        *Metrics

	mu       sync.Mutex
	handlers []func(AgentEvent)
	typed    map[EventType][]func(AgentEvent)
	onError  []func(error)
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWatcher creates a stopped watcher. An empty selector watches managed pods.
func NewWatcher(client kubernetes.Interface, namespace, selector string, logger *zap.Logger, opts ...WatcherOption) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if selector == "" {
		selector = ManagedSelector
	}
	w := &Watcher{
		client:         client,
		namespace:      namespace,
		selector:       selector,
		reconnectDelay: DefaultReconnectDelay,
		logger:         logger.Named("pod-watcher").With(zap.String("namespace", namespace)),
		typed:          make(map[EventType][]func(AgentEvent)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Subscribe registers a handler for every event.
func (w *Watcher) Subscribe(fn func(AgentEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, fn)
}

// SubscribeType registers a handler for one event type.
func (w *Watcher) SubscribeType(t EventType, fn func(AgentEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.typed[t] = append(w.typed[t], fn)
}

// OnError registers a handler for stream errors. Errors never stop the watcher.
func (w *Watcher) OnError(fn func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onError = append(w.onError, fn)
}

// Start runs the watch loop in the background. It is a no-op while running.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go func() {
		defer close(done)
		w.Run(ctx)
	}()
}

// Stop ends the watch loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run watches until ctx is done. Every stream end, clean or not, is
// followed by the reconnect delay and a fresh watch.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info("Pod watcher started", zap.String("selector", w.selector))
	for {
		err := w.watchOnce(ctx)
		if ctx.Err() != nil {
			w.logger.Info("Pod watcher stopped")
			return
		}
		if err != nil {
			w.logger.Warn("Pod watch ended with error", zap.Error(err))
			w.emitError(err)
		} else {
			w.logger.Debug("Pod watch stream closed")
		}
		w.metrics.reconnect()
		if agentruntime.Sleep(ctx, w.reconnectDelay) != nil {
			w.logger.Info("Pod watcher stopped")
			return
		}
	}
}

func (w *Watcher) watchOnce(ctx context.Context) error {
	stream, err := w.client.CoreV1().Pods(w.namespace).Watch(ctx, metav1.ListOptions{LabelSelector: w.selector})
	if err != nil {
		return fmt.Errorf("open pod watch: %w", err)
	}
	defer stream.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-stream.ResultChan():
			if !ok {
				return nil
			}
			if ev.Type == watch.Error {
				return fmt.Errorf("pod watch: %w", apierrors.FromObject(ev.Object))
			}
			if agentEv, ok := Translate(ev); ok {
				w.emit(agentEv)
			}
		}
	}
}

func (w *Watcher) emit(ev AgentEvent) {
	w.mu.Lock()
	generic := append([]func(AgentEvent){}, w.handlers...)
	typed := append([]func(AgentEvent){}, w.typed[ev.Type]...)
	w.mu.Unlock()

	w.metrics.event(ev.Type)
	w.logger.Debug("Agent event",
		zap.String("type", string(ev.Type)),
		zap.String("pod", ev.PodName),
		zap.String("task_id", ev.TaskID),
	)
	for _, fn := range generic {
		fn(ev)
	}
	for _, fn := range typed {
		fn(ev)
	}
}

func (w *Watcher) emitError(err error) {
	w.mu.Lock()
	handlers := append([]func(error){}, w.onError...)
	w.mu.Unlock()
	for _, fn := range handlers {
		fn(err)
	}
}
