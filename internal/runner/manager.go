package taskrunner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/cnap-oss/tmux-agents/internal/agentruntime"
	"github.com/cnap-oss/tmux-agents/internal/model"
	"github.com/cnap-oss/tmux-agents/internal/orchestrator"
)

// RunnerManager는 태스크별 Runner를 관리하고 큐의 태스크를 런타임에 배치합니다.
type RunnerManager struct {
	runners   map[string]*Runner
	mu        sync.RWMutex
	registry  *agentruntime.Registry
	orch      *orchestrator.Orchestrator
	place     Placer
	observers []TaskRunnerObserver
	logger    *zap.Logger
}

// NewRunnerManager는 RunnerManager를 생성합니다.
func NewRunnerManager(registry *agentruntime.Registry, orch *orchestrator.Orchestrator, place Placer, logger *zap.Logger) *RunnerManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunnerManager{
		runners:  make(map[string]*Runner),
		registry: registry,
		orch:     orch,
		place:    place,
		logger:   logger.Named("runner"),
	}
}

// Subscribe는 모든 Runner에 붙는 옵저버를 등록합니다.
func (rm *RunnerManager) Subscribe(o TaskRunnerObserver) {
	if o == nil {
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.observers = append(rm.observers, o)
	for _, r := range rm.runners {
		r.Subscribe(o)
	}
}

// CreateRunner creates a new Runner and adds it to the manager.
func (rm *RunnerManager) CreateRunner(taskID string, rt agentruntime.Runtime, cfg agentruntime.SpawnConfig) *Runner {
	return rm.add(NewRunner(taskID, rt, cfg, rm.logger))
}

func (rm *RunnerManager) add(r *Runner) *Runner {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for _, o := range rm.observers {
		r.Subscribe(o)
	}
	rm.runners[r.ID] = r
	return r
}

// GetRunner returns the runner of a task, or nil.
func (rm *RunnerManager) GetRunner(taskID string) *Runner {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.runners[taskID]
}

// ListRunner returns every runner sorted by task id.
func (rm *RunnerManager) ListRunner() []*Runner {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	runnersList := make([]*Runner, 0, len(rm.runners))
	for _, runner := range rm.runners {
		runnersList = append(runnersList, runner)
	}
	sort.Slice(runnersList, func(i, j int) bool { return runnersList[i].ID < runnersList[j].ID })
	return runnersList
}

// DeleteRunner removes a runner by task id.
func (rm *RunnerManager) DeleteRunner(taskID string) *Runner {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	runner, exists := rm.runners[taskID]
	if !exists {
		return nil
	}
	delete(rm.runners, taskID)
	return runner
}

// DispatchOnce는 준비된 Pending 태스크마다 Idle 에이전트를 고르거나 새로 등록하고 할당한 뒤 런타임에 띄웁니다.
// 띄우기에 실패한 태스크는 Failed가 되고 에이전트는 제거됩니다. 시작한 Runner 수를 반환합니다.
func (rm *RunnerManager) DispatchOnce(ctx context.Context) (int, error) {
	started := 0
	for _, task := range rm.orch.ReadyTasks() {
		if err := ctx.Err(); err != nil {
			return started, err
		}
		if rm.GetRunner(task.ID) != nil {
			continue
		}
		placement, ok := rm.place(ctx, task)
		if !ok {
			continue
		}
		rt, err := rm.registry.Get(placement.RuntimeID)
		if err != nil {
			rm.logger.Warn("Task placement refers to unknown runtime",
				zap.String("task_id", task.ID),
				zap.String("runtime", placement.RuntimeID),
			)
			continue
		}
		if rm.dispatch(ctx, task, rt, placement) {
			started++
		}
	}
	return started, nil
}

func (rm *RunnerManager) dispatch(ctx context.Context, task *model.Task, rt agentruntime.Runtime, p Placement) bool {
	role := model.RoleCoder
	if task.TargetRole != nil {
		role = *task.TargetRole
	}
	provider := p.Provider
	if provider == "" {
		provider = DefaultProvider
	}

	agent, reused := rm.idleAgent(role, rt.ID())
	if !reused {
		agent = rm.orch.RegisterAgent(&model.Agent{
			Name:        fmt.Sprintf("%s-%s", role, shortID(task.ID)),
			Role:        role,
			Provider:    provider,
			ServerID:    rt.ID(),
			SessionName: p.SessionName,
		})
	} else if agent.Provider != "" && p.Provider == "" {
		provider = agent.Provider
	}
	if !rm.orch.AssignTask(task.ID, agent.ID) {
		if !reused {
			rm.orch.RemoveAgent(agent.ID)
		}
		return false
	}

	runner := rm.CreateRunner(task.ID, rt, agentruntime.SpawnConfig{
		AgentID:          agent.ID,
		TaskName:         task.Description,
		Provider:         provider,
		LaunchCommand:    p.LaunchCommand,
		Prompt:           Prompt(task),
		WorkingDirectory: p.WorkingDirectory,
		SessionName:      p.SessionName,
		Image:            p.Image,
		Env:              p.Env,
		Resources:        p.Resources,
	})
	if _, err := runner.Start(ctx); err != nil {
		rm.logger.Error("Agent spawn failed", zap.String("task_id", task.ID), zap.Error(err))
		rm.DeleteRunner(task.ID)
		rm.orch.FailTask(task.ID, err.Error())
		if !reused {
			rm.orch.RemoveAgent(agent.ID)
		}
		return false
	}
	return true
}

// idleAgent는 같은 런타임에 등록된 Idle 에이전트 중 Runner가 없는 것을 고릅니다.
func (rm *RunnerManager) idleAgent(role model.AgentRole, runtimeID string) (*model.Agent, bool) {
	busy := make(map[string]bool)
	for _, r := range rm.ListRunner() {
		busy[r.AgentID] = true
	}
	for _, a := range rm.orch.GetIdleAgents(&role) {
		if a.ServerID == runtimeID && !busy[a.ID] {
			return a, true
		}
	}
	return nil, false
}

// Kill은 태스크의 에이전트를 종료하고 Runner를 제거합니다.
func (rm *RunnerManager) Kill(ctx context.Context, taskID string) error {
	runner := rm.GetRunner(taskID)
	if runner == nil {
		return fmt.Errorf("%w: task %s", agentruntime.ErrHandleNotFound, taskID)
	}
	if err := runner.Stop(ctx); err != nil {
		return err
	}
	rm.DeleteRunner(taskID)
	if runner.AgentID != "" {
		rm.orch.RemoveAgent(runner.AgentID)
	}
	return nil
}

// Recover는 모든 런타임의 Reconcile 결과로 Runner 목록을 다시 만듭니다.
// 캐시된 Runner보다 백엔드가 보고한 핸들이 우선합니다. 조정에 실패한 런타임의 Runner는 건드리지 않습니다.
func (rm *RunnerManager) Recover(ctx context.Context) (adopted, dropped int, err error) {
	var errs []error
	for _, rt := range rm.registry.All() {
		handles, rerr := rt.Reconcile(ctx)
		if rerr != nil {
			errs = append(errs, rerr)
			continue
		}
		live := make(map[string]*agentruntime.Handle, len(handles))
		for _, h := range handles {
			live[h.RuntimeID] = h
		}

		tracked := make(map[string]bool)
		for _, r := range rm.ListRunner() {
			if r.Runtime().ID() != rt.ID() {
				continue
			}
			h := r.Handle()
			if h == nil {
				continue
			}
			if _, ok := live[h.RuntimeID]; ok {
				tracked[h.RuntimeID] = true
				continue
			}
			rm.DeleteRunner(r.ID)
			r.setStatus(StatusUnknown)
			dropped++
		}

		for id, h := range live {
			if tracked[id] || h.TaskID == "" || rm.GetRunner(h.TaskID) != nil {
				continue
			}
			rm.add(adoptRunner(rt, h, rm.logger))
			adopted++
		}
	}
	if adopted > 0 || dropped > 0 {
		rm.logger.Info("Runners recovered from runtimes",
			zap.Int("adopted", adopted),
			zap.Int("dropped", dropped),
		)
	}
	if len(errs) > 0 {
		return adopted, dropped, fmt.Errorf("recover runners: %v", errs)
	}
	return adopted, dropped, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
