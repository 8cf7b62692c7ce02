package taskrunner

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cnap-oss/tmux-agents/internal/agentruntime"
)

// RunnerStatus represents the lifecycle status of a task runner.
type RunnerStatus string

const (
	StatusPending   RunnerStatus = "Pending"
	StatusRunning   RunnerStatus = "Running"
	StatusCompleted RunnerStatus = "Completed"
	StatusFailed    RunnerStatus = "Failed"
	StatusCanceled  RunnerStatus = "Canceled"
	StatusUnknown   RunnerStatus = "Unknown"
)

// TaskRunnerObserver allows callers to observe status and handle events.
type TaskRunnerObserver interface {
	OnStatusChange(taskID string, status RunnerStatus)
	OnHandle(taskID string, h *agentruntime.Handle)
}

// Runner는 하나의 태스크를 실행하는 에이전트와 그 런타임 핸들을 추적합니다.
type Runner struct {
	ID      string
	AgentID string
	Status  RunnerStatus

	logger    *zap.Logger
	runtime   agentruntime.Runtime
	cfg       agentruntime.SpawnConfig
	handle    *agentruntime.Handle
	observers []TaskRunnerObserver
	mu        sync.Mutex
}

// NewRunner는 아직 시작되지 않은 Runner를 생성합니다.
func NewRunner(taskID string, rt agentruntime.Runtime, cfg agentruntime.SpawnConfig, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.TaskID = taskID
	return &Runner{
		ID:      taskID,
		AgentID: cfg.AgentID,
		Status:  StatusPending,
		logger:  logger.With(zap.String("task_id", taskID), zap.String("runtime", rt.ID())),
		runtime: rt,
		cfg:     cfg,
	}
}

// adoptRunner는 런타임 조정에서 발견된 살아있는 에이전트를 Runner로 감쌉니다.
func adoptRunner(rt agentruntime.Runtime, h *agentruntime.Handle, logger *zap.Logger) *Runner {
	r := NewRunner(h.TaskID, rt, agentruntime.SpawnConfig{AgentID: h.AgentID}, logger)
	r.Status = StatusRunning
	r.handle = h
	return r
}

// Start는 런타임에 에이전트를 띄웁니다. 실패하면 Failed 상태가 됩니다.
func (r *Runner) Start(ctx context.Context) (*agentruntime.Handle, error) {
	r.logger.Info("Spawning agent",
		zap.String("agent_id", r.cfg.AgentID),
		zap.String("provider", r.cfg.Provider),
	)
	h, err := r.runtime.SpawnAgent(ctx, r.cfg)
	if err != nil {
		r.setStatus(StatusFailed)
		return nil, fmt.Errorf("spawn agent for %s: %w", r.ID, err)
	}

	r.mu.Lock()
	r.handle = h
	observers := append([]TaskRunnerObserver(nil), r.observers...)
	r.mu.Unlock()
	for _, ob := range observers {
		ob.OnHandle(r.ID, h)
	}
	r.setStatus(StatusRunning)
	return h, nil
}

// Stop은 에이전트를 종료합니다.
func (r *Runner) Stop(ctx context.Context) error {
	h := r.Handle()
	if h == nil {
		r.setStatus(StatusCanceled)
		return nil
	}
	if err := r.runtime.KillAgent(ctx, h); err != nil {
		return fmt.Errorf("kill agent for %s: %w", r.ID, err)
	}
	r.setStatus(StatusCanceled)
	return nil
}

// Handle은 현재 런타임 핸들을 반환합니다. 아직 시작 전이면 nil입니다.
func (r *Runner) Handle() *agentruntime.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle == nil {
		return nil
	}
	h := *r.handle
	return &h
}

// Runtime은 Runner가 사용하는 런타임입니다.
func (r *Runner) Runtime() agentruntime.Runtime { return r.runtime }

// CurrentStatus는 마지막으로 알려진 상태를 반환합니다.
func (r *Runner) CurrentStatus() RunnerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status
}

// CheckStatus는 런타임으로부터 상태를 조회하고 반환합니다.
// 런타임 목록에 핸들이 없으면 Unknown입니다.
func (r *Runner) CheckStatus(ctx context.Context) RunnerStatus {
	h := r.Handle()
	if h == nil {
		return r.CurrentStatus()
	}
	snaps, err := r.runtime.ListAgents(ctx)
	if err != nil {
		r.logger.Warn("runtime status 조회 실패", zap.Error(err))
		return r.CurrentStatus()
	}
	status := StatusUnknown
	for _, s := range snaps {
		if s.RuntimeID == h.RuntimeID {
			status = statusFromRunState(s.State)
			break
		}
	}
	r.setStatus(status)
	return status
}

// AttachCommand는 사람이 세션에 붙을 수 있는 명령을 반환합니다.
func (r *Runner) AttachCommand() string {
	h := r.Handle()
	if h == nil {
		return ""
	}
	return r.runtime.GetAttachCommand(h)
}

// Subscribe는 옵저버를 등록합니다.
func (r *Runner) Subscribe(o TaskRunnerObserver) {
	if o == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Unsubscribe는 옵저버 등록을 해제합니다.
func (r *Runner) Unsubscribe(o TaskRunnerObserver) {
	if o == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ob := range r.observers {
		if ob == o {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			break
		}
	}
}

func (r *Runner) setStatus(status RunnerStatus) {
	r.mu.Lock()
	changed := r.Status != status
	r.Status = status
	observers := append([]TaskRunnerObserver(nil), r.observers...)
	r.mu.Unlock()

	if changed {
		for _, ob := range observers {
			ob.OnStatusChange(r.ID, status)
		}
	}
}

func statusFromRunState(s agentruntime.RunState) RunnerStatus {
	switch s {
	case agentruntime.RunStarting:
		return StatusPending
	case agentruntime.RunRunning:
		return StatusRunning
	case agentruntime.RunCompleted:
		return StatusCompleted
	case agentruntime.RunFailed:
		return StatusFailed
	}
	return StatusUnknown
}
