// Package controller는 오케스트레이터, 런타임, 조정기와 자동 종료 모니터를 하나로 묶어 실행합니다.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cnap-oss/tmux-agents/internal/agentruntime"
	"github.com/cnap-oss/tmux-agents/internal/agentruntime/kube"
	"github.com/cnap-oss/tmux-agents/internal/autoclose"
	"github.com/cnap-oss/tmux-agents/internal/connector"
	"github.com/cnap-oss/tmux-agents/internal/model"
	"github.com/cnap-oss/tmux-agents/internal/orchestrator"
	"github.com/cnap-oss/tmux-agents/internal/pipeline"
	"github.com/cnap-oss/tmux-agents/internal/reconciler"
	taskrunner "github.com/cnap-oss/tmux-agents/internal/runner"
	"github.com/cnap-oss/tmux-agents/internal/storage"
	"github.com/cnap-oss/tmux-agents/internal/supervisor"
)

// ErrAlreadyRunning은 이미 실행 중인 Controller를 다시 시작할 때 반환됩니다.
var ErrAlreadyRunning = errors.New("controller already running")

// Store는 Controller가 쓰는 영속성 계층입니다. *storage.Repository가 구현합니다.
type Store interface {
	reconciler.Store
}

// Intervals는 주기 작업의 간격입니다. 0 이하이면 해당 루프를 돌리지 않습니다.
type Intervals struct {
	Reconcile      time.Duration
	AutoClose      time.Duration
	AutoCloseDelay time.Duration
	Dispatch       time.Duration
}

// Option은 Controller 설정 함수입니다.
type Option func(*Controller)

// WithConnector는 Discord 알림을 연결합니다.
func WithConnector(c *connector.Server) Option {
	return func(ctrl *Controller) { ctrl.connector = c }
}

// WithReconcilerOptions는 조정기 생성 옵션을 전달합니다.
func WithReconcilerOptions(opts ...reconciler.Option) Option {
	return func(ctrl *Controller) { ctrl.reconcilerOpts = append(ctrl.reconcilerOpts, opts...) }
}

type stageRef struct {
	runID   string
	stageID string
}

// Controller는 에이전트 실행과 세션 상태 유지를 담당하며, supervisor 기능도 포함합니다.
type Controller struct {
	logger     *zap.Logger
	store      Store
	orch       *orchestrator.Orchestrator
	pipelines  *pipeline.Engine
	runtimes   *Runtimes
	runners    *taskrunner.RunnerManager
	reconciler *reconciler.Reconciler
	autoclose  *autoclose.Monitor
	supervisor *supervisor.Server
	connector  *connector.Server
	intervals  Intervals
	now        func() time.Time

	reconcilerOpts []reconciler.Option

	mu      sync.Mutex
	stages  map[string]stageRef
	runVars map[string]runContext
	cancel  context.CancelFunc
	done    chan struct{}
}

type runContext struct {
	laneID string
	vars   map[string]string
}

// NewController는 새로운 Controller를 생성합니다.
func NewController(logger *zap.Logger, store Store, orch *orchestrator.Orchestrator, pipelines *pipeline.Engine, runtimes *Runtimes, intervals Intervals, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		logger:    logger.Named("controller"),
		store:     store,
		orch:      orch,
		pipelines: pipelines,
		runtimes:  runtimes,
		intervals: intervals,
		now:       time.Now,
		stages:    make(map[string]stageRef),
		runVars:   make(map[string]runContext),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.runners = taskrunner.NewRunnerManager(runtimes.Registry, orch, c.place, logger)
	c.runners.Subscribe(c)
	c.reconciler = reconciler.New(store, runtimes.ReconcileSessions, logger, c.reconcilerOpts...)
	c.autoclose = autoclose.New(store, runtimes.AutoCloseSessions, logger)

	var source watcherSet
	if len(runtimes.Watchers) > 0 {
		source = watcherSet(runtimes.Watchers)
		c.supervisor = supervisor.NewServer(logger, orch, source)
		c.supervisor.Attach()
	}
	orch.Subscribe(c.onEvent)
	if c.connector != nil {
		c.connector.Attach(source, orch)
	}
	return c
}

// watcherSet은 여러 워처를 하나의 이벤트 소스로 묶습니다.
type watcherSet []*kube.Watcher

func (ws watcherSet) Subscribe(fn func(kube.AgentEvent)) {
	for _, w := range ws {
		w.Subscribe(fn)
	}
}

func (ws watcherSet) OnError(fn func(error)) {
	for _, w := range ws {
		w.OnError(fn)
	}
}

// Orchestrator는 에이전트 레지스트리와 태스크 큐를 반환합니다.
func (c *Controller) Orchestrator() *orchestrator.Orchestrator { return c.orch }

// Pipelines는 파이프라인 엔진을 반환합니다.
func (c *Controller) Pipelines() *pipeline.Engine { return c.pipelines }

// Runners는 태스크별 Runner 관리자를 반환합니다.
func (c *Controller) Runners() *taskrunner.RunnerManager { return c.runners }

// Runtimes는 설정된 런타임 묶음을 반환합니다.
func (c *Controller) Runtimes() *Runtimes { return c.runtimes }

// Start는 controller 서버를 시작합니다. ctx가 끝나거나 Stop이 불릴 때까지 블록합니다.
func (c *Controller) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		cancel()
		return ErrAlreadyRunning
	}
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		c.cancel, c.done = nil, nil
		c.mu.Unlock()
		close(done)
	}()

	c.logger.Info("Starting controller server")
	if _, _, err := c.runners.Recover(ctx); err != nil {
		c.logger.Warn("Runner recovery incomplete", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	c.every(g, gctx, "reconcile", c.intervals.Reconcile, func(ctx context.Context) error {
		_, err := c.ReconcileNow(ctx)
		return err
	})
	c.every(g, gctx, "autoclose", c.intervals.AutoClose, func(ctx context.Context) error {
		_, err := c.AutoCloseNow(ctx)
		return err
	})
	c.every(g, gctx, "dispatch", c.intervals.Dispatch, func(ctx context.Context) error {
		_, err := c.DispatchNow(ctx)
		return err
	})
	for _, w := range c.runtimes.Watchers {
		w := w
		g.Go(func() error {
			w.Run(gctx)
			return nil
		})
	}
	if c.supervisor != nil {
		g.Go(func() error { return ignoreCanceled(c.supervisor.Start(gctx)) })
	}
	if c.connector != nil {
		g.Go(func() error { return ignoreCanceled(c.connector.Start(gctx)) })
	}

	err := g.Wait()
	c.logger.Info("Controller server shutting down")
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (c *Controller) every(g *errgroup.Group, ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		return
	}
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("Periodic task failed", zap.String("loop", name), zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Stop은 controller 서버를 정상적으로 종료합니다.
func (c *Controller) Stop(ctx context.Context) error {
	c.logger.Info("Stopping controller server")

	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-ctx.Done():
			return fmt.Errorf("shutdown timeout exceeded")
		case <-done:
		}
	}
	if c.connector != nil {
		if err := c.connector.Stop(ctx); err != nil {
			return err
		}
	}
	c.logger.Info("Controller server stopped")
	return nil
}

// ReconcileNow는 세션 조정을 한 번 실행합니다.
func (c *Controller) ReconcileNow(ctx context.Context) (reconciler.Result, error) {
	return c.reconciler.SyncTaskListAttachments(ctx)
}

// AutoCloseNow는 자동 종료 검사를 한 번 실행합니다.
func (c *Controller) AutoCloseNow(ctx context.Context) (int, error) {
	return c.autoclose.CheckAutoCloseTimers(ctx, c.intervals.AutoCloseDelay)
}

// DispatchNow는 저장소의 새 태스크를 큐로 가져온 뒤 준비된 태스크를 한 번 배치합니다.
func (c *Controller) DispatchNow(ctx context.Context) (int, error) {
	if _, err := c.IngestPending(ctx); err != nil {
		c.logger.Warn("Failed to ingest stored tasks", zap.Error(err))
	}
	return c.runners.DispatchOnce(ctx)
}

// IngestPending은 오케스트레이터가 모르는 Pending 태스크를 저장소에서 읽어 큐에 넣습니다.
// 저장소에서 취소된 태스크는 큐에서도 취소합니다.
func (c *Controller) IngestPending(ctx context.Context) (int, error) {
	tasks, err := c.store.GetAllTasks(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		known := c.orch.GetTask(t.ID)
		switch {
		case known == nil && t.Status == model.TaskPending && t.KanbanColumn != model.ColumnBacklog:
			c.orch.SubmitTask(t)
			n++
		case known != nil && known.Status == model.TaskPending && t.Status == model.TaskCancelled:
			c.orch.CancelTask(t.ID)
		}
	}
	return n, nil
}

// SubmitTask는 태스크를 큐에 넣습니다. 저장은 오케스트레이터 이벤트에서 이뤄집니다.
func (c *Controller) SubmitTask(task *model.Task) *model.Task {
	return c.orch.SubmitTask(task)
}

// KillTask는 태스크의 에이전트를 종료하고 태스크를 취소합니다.
func (c *Controller) KillTask(ctx context.Context, taskID string) error {
	if err := c.runners.Kill(ctx, taskID); err != nil {
		return err
	}
	c.orch.CancelTask(taskID)
	return nil
}

// SubmitPipelineRun은 파이프라인 실행을 시작하고 준비된 스테이지를 태스크로 제출합니다.
// laneID가 있으면 모든 스테이지 태스크가 그 레인에서 실행됩니다.
func (c *Controller) SubmitPipelineRun(ctx context.Context, pipelineID, laneID string, vars map[string]string) (*pipeline.Run, error) {
	run, err := c.pipelines.StartRun(pipelineID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.runVars[run.ID] = runContext{laneID: laneID, vars: vars}
	c.mu.Unlock()

	if _, err := c.submitReadyStages(ctx, run); err != nil {
		return nil, err
	}
	return c.pipelines.GetRun(run.ID)
}

func (c *Controller) submitReadyStages(_ context.Context, run *pipeline.Run) ([]*model.Task, error) {
	stages, err := c.pipelines.GetReadyStages(run)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	rc := c.runVars[run.ID]
	c.mu.Unlock()

	submitted := make([]*model.Task, 0, len(stages))
	for _, stage := range stages {
		role := stage.AgentRole
		if role == "" {
			role = model.RoleCoder
		}
		taskID := uuid.NewString()
		c.mu.Lock()
		c.stages[taskID] = stageRef{runID: run.ID, stageID: stage.ID}
		c.mu.Unlock()

		if err := c.pipelines.MarkStageStarted(run.ID, stage.ID, ""); err != nil {
			return submitted, err
		}
		task := c.orch.SubmitTask(&model.Task{
			ID:              taskID,
			Description:     pipeline.RenderStageDescription(stage, rc.vars),
			TargetRole:      &role,
			Input:           c.dependencyOutputs(run.ID, stage),
			PipelineStageID: stage.ID,
			SwimLaneID:      rc.laneID,
		})
		c.logger.Info("Pipeline stage submitted",
			zap.String("run_id", run.ID),
			zap.String("stage_id", stage.ID),
			zap.String("task_id", task.ID),
		)
		submitted = append(submitted, task)
	}
	return submitted, nil
}

// dependencyOutputs는 선행 스테이지의 출력을 다음 스테이지 입력으로 모읍니다.
func (c *Controller) dependencyOutputs(runID string, stage pipeline.Stage) string {
	if len(stage.DependsOn) == 0 {
		return ""
	}
	run, err := c.pipelines.GetRun(runID)
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, dep := range stage.DependsOn {
		done, ok := run.Result(dep).(pipeline.Completed)
		if !ok || done.Output == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n%s", dep, done.Output)
	}
	return b.String()
}

// OnTaskCompleted는 스테이지 태스크의 완료를 기록하고 새로 준비된 스테이지를 제출합니다.
// 파이프라인 태스크가 아니면 아무것도 하지 않습니다.
func (c *Controller) OnTaskCompleted(ctx context.Context, task *model.Task) error {
	c.runners.DeleteRunner(task.ID)
	ref, ok := c.takeStage(task.ID)
	if !ok {
		return nil
	}
	if err := c.pipelines.MarkStageCompleted(ref.runID, ref.stageID, task.Output); err != nil {
		return err
	}
	run, err := c.pipelines.GetRun(ref.runID)
	if err != nil {
		return err
	}
	if run.Status != pipeline.RunRunning {
		return nil
	}
	_, err = c.submitReadyStages(ctx, run)
	return err
}

func (c *Controller) onTaskFailed(task *model.Task) error {
	c.runners.DeleteRunner(task.ID)
	ref, ok := c.takeStage(task.ID)
	if !ok {
		return nil
	}
	return c.pipelines.MarkStageFailed(ref.runID, ref.stageID, task.ErrorMessage)
}

func (c *Controller) takeStage(taskID string) (stageRef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.stages[taskID]
	delete(c.stages, taskID)
	return ref, ok
}

func (c *Controller) stageOf(taskID string) (stageRef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.stages[taskID]
	return ref, ok
}

func (c *Controller) onEvent(ev orchestrator.Event) {
	if ev.Task == nil {
		return
	}
	ctx := context.Background()
	if err := c.persist(ctx, ev.Task); err != nil {
		c.logger.Warn("Failed to persist task", zap.String("task_id", ev.Task.ID), zap.Error(err))
	}

	var err error
	switch ev.Type {
	case orchestrator.EventTaskAssigned:
		if ref, ok := c.stageOf(ev.Task.ID); ok {
			err = c.pipelines.MarkStageStarted(ref.runID, ref.stageID, ev.Task.AssignedAgentID)
		}
	case orchestrator.EventTaskCompleted:
		err = c.OnTaskCompleted(ctx, ev.Task)
	case orchestrator.EventTaskFailed:
		err = c.onTaskFailed(ev.Task)
	case orchestrator.EventTaskCancelled:
		c.runners.DeleteRunner(ev.Task.ID)
	}
	if err != nil {
		c.logger.Warn("Pipeline update failed", zap.String("task_id", ev.Task.ID), zap.Error(err))
	}
}

// persist는 오케스트레이터의 태스크 상태를 저장소에 반영합니다.
// 세션 바인딩과 입력은 저장소 쪽 값을 유지합니다. 완료된 태스크는 done 컬럼으로 옮겨집니다.
func (c *Controller) persist(ctx context.Context, task *model.Task) error {
	stored, err := c.store.GetTask(ctx, task.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return c.store.SaveTask(ctx, task.Clone())
	}
	if err != nil {
		return err
	}

	from := stored.Status
	fromColumn := stored.KanbanColumn
	stored.Description = task.Description
	stored.TargetRole = task.TargetRole
	stored.Priority = task.Priority
	stored.Status = task.Status
	stored.AssignedAgentID = task.AssignedAgentID
	stored.StartedAt = task.StartedAt
	stored.CompletedAt = task.CompletedAt
	stored.ErrorMessage = task.ErrorMessage
	if task.Output != "" {
		stored.Output = task.Output
	}
	switch {
	case task.Status == model.TaskCompleted && stored.KanbanColumn != model.ColumnDone:
		now := c.now()
		stored.KanbanColumn = model.ColumnDone
		stored.DoneAt = &now
	case task.KanbanColumn == model.ColumnInProgress &&
		(stored.KanbanColumn == model.ColumnTodo || stored.KanbanColumn == model.ColumnBacklog):
		stored.KanbanColumn = model.ColumnInProgress
	}
	if err := c.store.SaveTask(ctx, stored); err != nil {
		return err
	}
	if from == stored.Status && fromColumn == stored.KanbanColumn {
		return nil
	}
	return c.store.AddStatusHistory(ctx, &model.StatusHistoryEntry{
		TaskID:     stored.ID,
		FromStatus: from,
		ToStatus:   stored.Status,
		FromColumn: fromColumn,
		ToColumn:   stored.KanbanColumn,
		Reason:     model.ReasonDispatch,
		ChangedAt:  c.now(),
	})
}

// place는 태스크 레인의 런타임, 작업 디렉터리, 세션을 사용합니다.
// 레인이 없는 태스크는 기본 백엔드에서 실행됩니다.
func (c *Controller) place(ctx context.Context, task *model.Task) (taskrunner.Placement, bool) {
	if task.SwimLaneID != "" {
		lanes, err := c.store.GetAllSwimLanes(ctx)
		if err != nil {
			c.logger.Warn("Failed to load swim lanes", zap.Error(err))
			return taskrunner.Placement{}, false
		}
		for _, lane := range lanes {
			if lane.ID != task.SwimLaneID {
				continue
			}
			if lane.ServerID == "" {
				break
			}
			return taskrunner.Placement{
				RuntimeID:        lane.ServerID,
				Provider:         lane.AIProvider,
				WorkingDirectory: lane.WorkingDirectory,
				SessionName:      lane.SessionName,
			}, true
		}
	}
	if c.runtimes.Default == "" {
		return taskrunner.Placement{}, false
	}
	return taskrunner.Placement{RuntimeID: c.runtimes.Default}, true
}

// OnStatusChange implements taskrunner.TaskRunnerObserver.
func (c *Controller) OnStatusChange(taskID string, status taskrunner.RunnerStatus) {
	c.logger.Debug("Runner status changed", zap.String("task_id", taskID), zap.String("status", string(status)))
}

// OnHandle은 tmux 백엔드에서 띄운 에이전트의 윈도우를 태스크에 바인딩합니다.
func (c *Controller) OnHandle(taskID string, h *agentruntime.Handle) {
	r := c.runners.GetRunner(taskID)
	if r == nil {
		return
	}
	serverID := r.Runtime().ID()
	if _, ok := c.runtimes.Sessions[serverID]; !ok {
		return
	}
	i := strings.LastIndexByte(h.Locator, ':')
	if i <= 0 {
		return
	}

	ctx := context.Background()
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		c.logger.Warn("Cannot bind task window", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	task.ServerID = serverID
	task.SessionName = h.Locator[:i]
	task.WindowIndex = h.Locator[i+1:]
	if err := c.store.SaveTask(ctx, task); err != nil {
		c.logger.Warn("Cannot bind task window", zap.String("task_id", taskID), zap.Error(err))
	}
}

// RunnerView는 CLI 표시에 쓰는 Runner 요약입니다.
type RunnerView struct {
	TaskID  string
	AgentID string
	Runtime string
	Status  taskrunner.RunnerStatus
	Attach  string
}

// ListRunners는 실행 중인 Runner 요약을 태스크 id 순으로 반환합니다.
func (c *Controller) ListRunners() []RunnerView {
	runners := c.runners.ListRunner()
	out := make([]RunnerView, 0, len(runners))
	for _, r := range runners {
		out = append(out, RunnerView{
			TaskID:  r.ID,
			AgentID: r.AgentID,
			Runtime: r.Runtime().ID(),
			Status:  r.CurrentStatus(),
			Attach:  r.AttachCommand(),
		})
	}
	return out
}
