package orchestrator_test

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cnap-oss/tmux-agents/internal/model"
	"github.com/cnap-oss/tmux-agents/internal/orchestrator"
)

func newTestOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	o := orchestrator.New(zaptest.NewLogger(t),
		orchestrator.WithMetrics(orchestrator.MustNewMetrics(prometheus.NewRegistry())))
	t.Cleanup(o.Dispose)
	return o
}

func TestSubmitTask_PriorityOrder(t *testing.T) {
	o := newTestOrchestrator(t)

	o.SubmitTask(&model.Task{ID: "low", Priority: 3})
	o.SubmitTask(&model.Task{ID: "high", Priority: 8})
	o.SubmitTask(&model.Task{ID: "mid", Priority: 5})

	queue := o.GetTaskQueue()
	require.Len(t, queue, 3)
	assert.Equal(t, []string{"high", "mid", "low"}, ids(queue))
}

func TestSubmitTask_StableTieBreak(t *testing.T) {
	o := newTestOrchestrator(t)

	o.SubmitTask(&model.Task{ID: "a", Priority: 5})
	o.SubmitTask(&model.Task{ID: "b", Priority: 5})
	o.SubmitTask(&model.Task{ID: "c", Priority: 9})
	o.SubmitTask(&model.Task{ID: "d", Priority: 5})

	assert.Equal(t, []string{"c", "a", "b", "d"}, ids(o.GetTaskQueue()))
}

func TestSubmitTask_Defaults(t *testing.T) {
	o := newTestOrchestrator(t)

	got := o.SubmitTask(&model.Task{Description: "write tests"})
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, model.TaskPending, got.Status)
	assert.Equal(t, model.ColumnTodo, got.KanbanColumn)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestCancelTask(t *testing.T) {
	o := newTestOrchestrator(t)
	o.SubmitTask(&model.Task{ID: "t1", Priority: 1})
	o.SubmitTask(&model.Task{ID: "t2", Priority: 2})

	t.Run("unknown id is a no-op", func(t *testing.T) {
		assert.NotPanics(t, func() { o.CancelTask("missing") })
		assert.Len(t, o.GetTaskQueue(), 2)
	})

	t.Run("known id leaves the queue", func(t *testing.T) {
		o.CancelTask("t1")
		assert.Equal(t, []string{"t2"}, ids(o.GetTaskQueue()))
		assert.Equal(t, model.TaskCancelled, o.GetTask("t1").Status)
	})
}

func TestUpdateAgentState_IdleCompletesCurrentTask(t *testing.T) {
	o := newTestOrchestrator(t)
	agent := o.RegisterAgent(&model.Agent{Role: model.RoleCoder, Provider: "claude"})
	o.SubmitTask(&model.Task{ID: "t1", Priority: 1})

	require.True(t, o.AssignTask("t1", agent.ID))
	assert.Equal(t, model.AgentWorking, o.GetAgent(agent.ID).State)
	assert.Equal(t, "t1", o.GetAgent(agent.ID).CurrentTaskID)

	o.UpdateAgentState(agent.ID, model.AgentIdle, nil)

	task := o.GetTask("t1")
	assert.Equal(t, model.TaskCompleted, task.Status)
	assert.NotNil(t, task.CompletedAt)
	assert.Empty(t, o.GetAgent(agent.ID).CurrentTaskID)
	assert.Empty(t, o.GetTaskQueue(), "completed task must leave the queue")
}

func TestUpdateAgentState_ErrorKeepsTask(t *testing.T) {
	o := newTestOrchestrator(t)
	agent := o.RegisterAgent(&model.Agent{Role: model.RoleCoder})
	o.SubmitTask(&model.Task{ID: "t1"})
	require.True(t, o.AssignTask("t1", agent.ID))

	msg := "provider crashed"
	o.UpdateAgentState(agent.ID, model.AgentError, &msg)

	got := o.GetAgent(agent.ID)
	assert.Equal(t, model.AgentError, got.State)
	assert.Equal(t, msg, got.ErrorMessage)
	assert.Equal(t, "t1", got.CurrentTaskID)
	assert.Equal(t, model.TaskInProgress, o.GetTask("t1").Status)
}

func TestUpdateAgentState_UnknownAgent(t *testing.T) {
	o := newTestOrchestrator(t)
	assert.NotPanics(t, func() { o.UpdateAgentState("ghost", model.AgentIdle, nil) })
}

func TestAgentQueries(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	o := orchestrator.New(zaptest.NewLogger(t), orchestrator.WithClock(func() time.Time {
		tick++
		return now.Add(time.Duration(tick) * time.Second)
	}))

	coder := o.RegisterAgent(&model.Agent{ID: "c1", Role: model.RoleCoder, TeamID: "alpha"})
	o.RegisterAgent(&model.Agent{ID: "r1", Role: model.RoleReviewer, TeamID: "alpha"})
	o.RegisterAgent(&model.Agent{ID: "c2", Role: model.RoleCoder, State: model.AgentWorking})

	assert.Len(t, o.GetAllAgents(), 3)
	assert.Equal(t, []string{"c1", "c2"}, agentIDs(o.GetAgentsByRole(model.RoleCoder)))
	assert.Equal(t, []string{"c1", "r1"}, agentIDs(o.GetAgentsByTeam("alpha")))

	role := model.RoleCoder
	assert.Equal(t, []string{"c1"}, agentIDs(o.GetIdleAgents(&role)))
	assert.Equal(t, []string{"c1", "r1"}, agentIDs(o.GetIdleAgents(nil)))

	var removed *model.Agent
	o.Subscribe(func(ev orchestrator.Event) {
		if ev.Type == orchestrator.EventAgentRemoved {
			removed = ev.Agent
		}
	})
	o.RemoveAgent(coder.ID)
	assert.Nil(t, o.GetAgent(coder.ID))
	require.NotNil(t, removed)
	assert.Equal(t, model.AgentTerminated, removed.State)
}

func TestNextTask_RespectsRole(t *testing.T) {
	o := newTestOrchestrator(t)
	reviewer := model.RoleReviewer
	o.SubmitTask(&model.Task{ID: "review", Priority: 9, TargetRole: &reviewer})
	o.SubmitTask(&model.Task{ID: "any", Priority: 1})

	assert.Equal(t, "review", o.NextTask(model.RoleReviewer).ID)
	assert.Equal(t, "any", o.NextTask(model.RoleCoder).ID)
}

func TestMetrics_QueueDepth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := orchestrator.MustNewMetrics(reg)
	o := orchestrator.New(zaptest.NewLogger(t), orchestrator.WithMetrics(m))

	o.SubmitTask(&model.Task{ID: "a"})
	o.SubmitTask(&model.Task{ID: "b"})
	o.CancelTask("a")

	expected := `
# HELP tmux_agents_orchestrator_queue_depth Number of non-terminal tasks in the priority queue.
# TYPE tmux_agents_orchestrator_queue_depth gauge
tmux_agents_orchestrator_queue_depth 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"tmux_agents_orchestrator_queue_depth"))

	// a second registration against the same registry reuses the collectors
	assert.NotPanics(t, func() { orchestrator.MustNewMetrics(reg) })
}

func TestDispose(t *testing.T) {
	o := newTestOrchestrator(t)
	o.RegisterAgent(&model.Agent{ID: "a"})
	o.SubmitTask(&model.Task{ID: "t"})

	o.Dispose()
	assert.Empty(t, o.GetAllAgents())
	assert.Empty(t, o.GetTaskQueue())
	assert.Nil(t, o.GetTask("t"))
}

func ids(tasks []*model.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}

func agentIDs(agents []*model.Agent) []string {
	out := make([]string, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.ID)
	}
	return out
}

func TestReadyTasks_SkipsBlockedDependencies(t *testing.T) {
	o := newTestOrchestrator(t)
	o.SubmitTask(&model.Task{ID: "build", Priority: 1})
	o.SubmitTask(&model.Task{ID: "test", Priority: 9, DependsOn: []string{"build"}})
	o.SubmitTask(&model.Task{ID: "loop-a", DependsOn: []string{"loop-b"}})
	o.SubmitTask(&model.Task{ID: "loop-b", DependsOn: []string{"loop-a"}})

	assert.Equal(t, []string{"build"}, ids(o.ReadyTasks()))

	agent := o.RegisterAgent(&model.Agent{Role: model.RoleCoder})
	require.True(t, o.AssignTask("build", agent.ID))
	assert.Empty(t, o.ReadyTasks())

	o.UpdateAgentState(agent.ID, model.AgentIdle, nil)
	assert.Equal(t, []string{"test"}, ids(o.ReadyTasks()))
}

func TestFailTask(t *testing.T) {
	o := newTestOrchestrator(t)
	var events []orchestrator.EventType
	o.Subscribe(func(ev orchestrator.Event) { events = append(events, ev.Type) })

	o.SubmitTask(&model.Task{ID: "t1"})
	agent := o.RegisterAgent(&model.Agent{Role: model.RoleCoder})
	require.True(t, o.AssignTask("t1", agent.ID))

	o.FailTask("t1", "pod failed to start")
	o.FailTask("t1", "ignored")
	o.FailTask("unknown", "ignored")

	task := o.GetTask("t1")
	assert.Equal(t, model.TaskFailed, task.Status)
	assert.Equal(t, "pod failed to start", task.ErrorMessage)
	assert.NotNil(t, task.CompletedAt)
	assert.Empty(t, o.GetTaskQueue())

	a := o.GetAgent(agent.ID)
	assert.Equal(t, model.AgentError, a.State)
	assert.Empty(t, a.CurrentTaskID)
	assert.Equal(t, orchestrator.EventTaskFailed, events[len(events)-1])
}
