package controller_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm/logger"

	"github.com/cnap-oss/tmux-agents/internal/agentruntime"
	"github.com/cnap-oss/tmux-agents/internal/controller"
	"github.com/cnap-oss/tmux-agents/internal/model"
	"github.com/cnap-oss/tmux-agents/internal/orchestrator"
	"github.com/cnap-oss/tmux-agents/internal/pipeline"
	"github.com/cnap-oss/tmux-agents/internal/storage"
	"github.com/cnap-oss/tmux-agents/internal/testutil"
	"github.com/cnap-oss/tmux-agents/internal/testutil/mocks"
	"github.com/cnap-oss/tmux-agents/internal/tmux"
)

// nopExec는 모든 tmux 명령에 빈 출력으로 성공합니다.
type nopExec struct{}

func (nopExec) Run(context.Context, string) (string, error) { return "", nil }

type fixture struct {
	ctrl    *controller.Controller
	orch    *orchestrator.Orchestrator
	engine  *pipeline.Engine
	runtime *mocks.MockRuntime
}

func newFixture(t *testing.T, store controller.Store, intervals controller.Intervals) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)

	rt := mocks.NewMockRuntime("local")
	reg := agentruntime.NewRegistry()
	reg.Register(rt)
	runtimes := &controller.Runtimes{
		Registry: reg,
		Sessions: map[string]*tmux.Client{"local": tmux.NewClient("local", "", nopExec{})},
		Default:  "local",
	}
	orch := orchestrator.New(log)
	engine := pipeline.NewEngine(log)
	return &fixture{
		ctrl:    controller.NewController(log, store, orch, engine, runtimes, intervals),
		orch:    orch,
		engine:  engine,
		runtime: rt,
	}
}

func newTestRepository(t *testing.T) *storage.Repository {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := storage.Open(storage.Config{
		DSN:      "file:" + name + "?mode=memory&cache=shared",
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)
	require.NoError(t, storage.AutoMigrate(db))
	t.Cleanup(func() {
		require.NoError(t, storage.Close(db))
	})

	repo, err := storage.NewRepository(db)
	require.NoError(t, err)
	return repo
}

func completeTask(t *testing.T, orch *orchestrator.Orchestrator, taskID string) {
	t.Helper()
	task := orch.GetTask(taskID)
	require.NotNil(t, task)
	require.NotEmpty(t, task.AssignedAgentID)
	orch.UpdateAgentState(task.AssignedAgentID, model.AgentIdle, nil)
}

func TestController_DispatchPersistsAndBindsWindow(t *testing.T) {
	tc := testutil.NewTestContext(t)
	repo := newTestRepository(t)
	require.NoError(t, repo.SaveSwimLane(tc.Ctx, &model.SwimLane{
		ID:               "lane-1",
		Name:             "api",
		ServerID:         "local",
		SessionName:      "work",
		WorkingDirectory: "/src/api",
		AIProvider:       "codex",
	}))
	f := newFixture(t, repo, controller.Intervals{})

	f.ctrl.SubmitTask(&model.Task{ID: "task-1", Description: "fix login", SwimLaneID: "lane-1"})
	stored, err := repo.GetTask(tc.Ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, stored.Status)
	assert.Equal(t, model.ColumnTodo, stored.KanbanColumn)

	n, err := f.ctrl.DispatchNow(tc.Ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	spawn := f.runtime.LastSpawn()
	assert.Equal(t, "/src/api", spawn.WorkingDirectory)
	assert.Equal(t, "work", spawn.SessionName)
	assert.Equal(t, "codex", spawn.Provider)

	stored, err = repo.GetTask(tc.Ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskInProgress, stored.Status)
	assert.Equal(t, model.ColumnInProgress, stored.KanbanColumn)
	assert.Equal(t, "local", stored.ServerID)
	assert.Equal(t, "work", stored.SessionName)
	assert.Equal(t, "1", stored.WindowIndex)

	views := f.ctrl.ListRunners()
	require.Len(t, views, 1)
	assert.Equal(t, "mock attach work:1", views[0].Attach)

	completeTask(t, f.orch, "task-1")

	stored, err = repo.GetTask(tc.Ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, stored.Status)
	assert.Equal(t, model.ColumnDone, stored.KanbanColumn)
	require.NotNil(t, stored.DoneAt)
	assert.True(t, stored.IsBound(), "binding is kept for auto-close")
	assert.Nil(t, f.ctrl.Runners().GetRunner("task-1"))

	history, err := repo.ListStatusHistory(tc.Ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.TaskPending, history[0].FromStatus)
	assert.Equal(t, model.TaskInProgress, history[0].ToStatus)
	assert.Equal(t, model.ReasonDispatch, history[0].Reason)
	assert.Equal(t, model.ColumnDone, history[1].ToColumn)
}

func TestController_PipelineRunAdvances(t *testing.T) {
	tc := testutil.NewTestContext(t)
	store := testutil.NewMemoryStore()
	f := newFixture(t, store, controller.Intervals{})
	f.engine.RegisterPipeline(&pipeline.Pipeline{
		ID:   "ship",
		Name: "ship",
		Stages: []pipeline.Stage{
			{ID: "build", Name: "Build", AgentRole: model.RoleCoder, TaskDescription: "build {{repo}}"},
			{ID: "review", Name: "Review", AgentRole: model.RoleReviewer, TaskDescription: "review {{repo}}", DependsOn: []string{"build"}},
		},
	})

	run, err := f.ctrl.SubmitPipelineRun(tc.Ctx, "ship", "", map[string]string{"repo": "api"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateStarted, run.Result("build").State())
	assert.Equal(t, pipeline.StateNotStarted, run.Result("review").State())

	queue := f.orch.GetTaskQueue()
	require.Len(t, queue, 1)
	assert.Equal(t, "build api", queue[0].Description)
	assert.Equal(t, "build", queue[0].PipelineStageID)

	_, err = f.ctrl.DispatchNow(tc.Ctx)
	require.NoError(t, err)
	buildTask := f.runtime.LastSpawn().TaskID

	run, err = f.engine.GetRun(run.ID)
	require.NoError(t, err)
	started, ok := run.Result("build").(pipeline.Started)
	require.True(t, ok)
	assert.NotEmpty(t, started.AgentID)

	completeTask(t, f.orch, buildTask)

	run, err = f.engine.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateCompleted, run.Result("build").State())
	assert.Equal(t, pipeline.StateStarted, run.Result("review").State())

	_, err = f.ctrl.DispatchNow(tc.Ctx)
	require.NoError(t, err)
	reviewTask := f.runtime.LastSpawn().TaskID
	require.NotEqual(t, buildTask, reviewTask)
	reviewer := f.orch.GetAgent(f.orch.GetTask(reviewTask).AssignedAgentID)
	assert.Equal(t, model.RoleReviewer, reviewer.Role)

	completeTask(t, f.orch, reviewTask)

	run, err = f.engine.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunCompleted, run.Status)
	assert.NotNil(t, run.CompletedAt)
}

func TestController_SpawnFailurePausesRun(t *testing.T) {
	tc := testutil.NewTestContext(t)
	f := newFixture(t, testutil.NewMemoryStore(), controller.Intervals{})
	f.engine.RegisterPipeline(&pipeline.Pipeline{
		ID:     "one",
		Stages: []pipeline.Stage{{ID: "only", AgentRole: model.RoleTester, TaskDescription: "test"}},
	})

	run, err := f.ctrl.SubmitPipelineRun(tc.Ctx, "one", "", nil)
	require.NoError(t, err)
	queue := f.orch.GetTaskQueue()
	require.Len(t, queue, 1)
	f.runtime.SpawnErrors[queue[0].ID] = errors.New("no tmux server")

	n, err := f.ctrl.DispatchNow(tc.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	run, err = f.engine.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunPaused, run.Status)
	failed, ok := run.Result("only").(pipeline.Failed)
	require.True(t, ok)
	assert.Contains(t, failed.Error, "no tmux server")
}

func TestController_SubmitPipelineRunUnknown(t *testing.T) {
	f := newFixture(t, testutil.NewMemoryStore(), controller.Intervals{})
	_, err := f.ctrl.SubmitPipelineRun(context.Background(), "missing", "", nil)
	require.ErrorIs(t, err, pipeline.ErrPipelineNotFound)
}

func TestController_KillTask(t *testing.T) {
	tc := testutil.NewTestContext(t)
	f := newFixture(t, testutil.NewMemoryStore(), controller.Intervals{})

	require.ErrorIs(t, f.ctrl.KillTask(tc.Ctx, "nope"), agentruntime.ErrHandleNotFound)

	f.ctrl.SubmitTask(&model.Task{ID: "task-1"})
	_, err := f.ctrl.DispatchNow(tc.Ctx)
	require.NoError(t, err)

	require.NoError(t, f.ctrl.KillTask(tc.Ctx, "task-1"))
	assert.Equal(t, model.TaskCancelled, f.orch.GetTask("task-1").Status)
	assert.Len(t, f.runtime.KilledHandles, 1)
	assert.Empty(t, f.ctrl.ListRunners())
}

func TestController_StartStop(t *testing.T) {
	store := testutil.NewMemoryStore()
	f := newFixture(t, store, controller.Intervals{
		Reconcile:      10 * time.Millisecond,
		AutoClose:      10 * time.Millisecond,
		AutoCloseDelay: time.Minute,
		Dispatch:       10 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() { done <- f.ctrl.Start(context.Background()) }()

	f.ctrl.SubmitTask(&model.Task{ID: "task-1"})
	testutil.WaitForCondition(t, 2*time.Second, func() bool { return f.runtime.SpawnCount() == 1 })
	require.ErrorIs(t, f.ctrl.Start(context.Background()), controller.ErrAlreadyRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.ctrl.Stop(ctx))
	require.ErrorIs(t, <-done, context.Canceled)

	// 정지 후에는 다시 시작할 수 있다.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	require.ErrorIs(t, f.ctrl.Start(ctx2), context.DeadlineExceeded)
}

func TestController_IngestPending(t *testing.T) {
	tc := testutil.NewTestContext(t)
	store := testutil.NewMemoryStore()
	store.PutTask(&model.Task{ID: "cli-1", Status: model.TaskPending, KanbanColumn: model.ColumnTodo, Priority: 2})
	store.PutTask(&model.Task{ID: "parked", Status: model.TaskPending, KanbanColumn: model.ColumnBacklog})
	store.PutTask(&model.Task{ID: "old", Status: model.TaskCompleted, KanbanColumn: model.ColumnDone})
	f := newFixture(t, store, controller.Intervals{})

	n, err := f.ctrl.IngestPending(tc.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NotNil(t, f.orch.GetTask("cli-1"))
	assert.Nil(t, f.orch.GetTask("parked"))
	assert.Nil(t, f.orch.GetTask("old"))

	n, err = f.ctrl.IngestPending(tc.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	cancelled := store.Task("cli-1")
	cancelled.Status = model.TaskCancelled
	store.PutTask(cancelled)
	_, err = f.ctrl.IngestPending(tc.Ctx)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCancelled, f.orch.GetTask("cli-1").Status)
}
