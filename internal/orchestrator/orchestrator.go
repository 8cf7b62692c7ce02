// Package orchestrator는 에이전트 레지스트리, 우선순위 태스크 큐, 에이전트/태스크 상태 머신을 제공합니다.
package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cnap-oss/tmux-agents/internal/depgraph"
	"github.com/cnap-oss/tmux-agents/internal/model"
)

// EventType은 오케스트레이터가 구독자에게 알리는 변경 종류입니다.
type EventType string

const (
	EventTaskSubmitted     EventType = "task_submitted"
	EventTaskAssigned      EventType = "task_assigned"
	EventTaskCompleted     EventType = "task_completed"
	EventTaskCancelled     EventType = "task_cancelled"
	EventTaskFailed        EventType = "task_failed"
	EventAgentRegistered   EventType = "agent_registered"
	EventAgentStateChanged EventType = "agent_state_changed"
	EventAgentRemoved      EventType = "agent_removed"
)

// Event는 구독자에게 전달되는 변경 알림입니다. Task/Agent는 사본입니다.
type Event struct {
	Type  EventType
	Task  *model.Task
	Agent *model.Agent
}

// Listener는 오케스트레이터 이벤트 콜백입니다.
type Listener func(Event)

// Option은 Orchestrator 생성 옵션입니다.
type Option func(*Orchestrator)

// WithMetrics는 Prometheus 메트릭을 연결합니다.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock은 시간 함수를 교체합니다. 테스트에서 사용합니다.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator는 에이전트와 태스크 큐를 관리합니다.
// 인스턴스마다 독립적인 레지스트리를 가지므로 여러 인스턴스가 공존할 수 있습니다.
type Orchestrator struct {
	mu        sync.RWMutex
	agents    map[string]*model.Agent
	tasks     map[string]*model.Task
	queue     []*model.Task
	listeners []Listener
	logger    *zap.Logger
	metrics   *Metrics
	now       func() time.Time
}

// New는 빈 레지스트리를 가진 Orchestrator를 생성합니다.
func New(logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		agents: make(map[string]*model.Agent),
		tasks:  make(map[string]*model.Task),
		logger: logger.Named("orchestrator"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Subscribe는 변경 알림 리스너를 등록합니다.
func (o *Orchestrator) Subscribe(l Listener) {
	if l == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, l)
}

// RegisterAgent는 에이전트를 레지스트리에 추가합니다. ID가 비어 있으면 새로 발급합니다.
func (o *Orchestrator) RegisterAgent(agent *model.Agent) *model.Agent {
	now := o.now()
	a := *agent
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.State == "" {
		a.State = model.AgentIdle
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.LastActivityAt = now

	o.mu.Lock()
	o.agents[a.ID] = &a
	o.observeLocked()
	o.mu.Unlock()

	o.logger.Info("Agent registered",
		zap.String("agent_id", a.ID),
		zap.String("role", string(a.Role)),
		zap.String("provider", a.Provider),
	)
	out := a
	o.emit(Event{Type: EventAgentRegistered, Agent: &out})
	return &out
}

// RemoveAgent는 에이전트를 Terminated로 전환한 뒤 레지스트리에서 삭제합니다.
func (o *Orchestrator) RemoveAgent(id string) {
	o.mu.Lock()
	a, ok := o.agents[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	a.State = model.AgentTerminated
	a.LastActivityAt = o.now()
	removed := *a
	delete(o.agents, id)
	o.observeLocked()
	o.mu.Unlock()

	o.logger.Info("Agent removed", zap.String("agent_id", id))
	o.emit(Event{Type: EventAgentRemoved, Agent: &removed})
}

// GetAgent는 에이전트 사본을 반환합니다. 없으면 nil입니다.
func (o *Orchestrator) GetAgent(id string) *model.Agent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.agents[id]
	if !ok {
		return nil
	}
	c := *a
	return &c
}

// GetAllAgents는 등록된 모든 에이전트를 생성 시각 순으로 반환합니다.
func (o *Orchestrator) GetAllAgents() []*model.Agent {
	return o.filterAgents(func(*model.Agent) bool { return true })
}

// GetAgentsByRole은 역할이 일치하는 에이전트를 반환합니다.
func (o *Orchestrator) GetAgentsByRole(role model.AgentRole) []*model.Agent {
	return o.filterAgents(func(a *model.Agent) bool { return a.Role == role })
}

// GetIdleAgents는 Idle 상태 에이전트를 반환합니다. role이 nil이면 역할을 가리지 않습니다.
func (o *Orchestrator) GetIdleAgents(role *model.AgentRole) []*model.Agent {
	return o.filterAgents(func(a *model.Agent) bool {
		return a.State == model.AgentIdle && (role == nil || a.Role == *role)
	})
}

// GetAgentsByTeam은 팀에 속한 에이전트를 반환합니다.
func (o *Orchestrator) GetAgentsByTeam(teamID string) []*model.Agent {
	return o.filterAgents(func(a *model.Agent) bool { return a.TeamID == teamID })
}

func (o *Orchestrator) filterAgents(keep func(*model.Agent) bool) []*model.Agent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*model.Agent, 0, len(o.agents))
	for _, a := range o.agents {
		if keep(a) {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SubmitTask는 태스크를 우선순위 큐에 넣습니다.
// 우선순위 내림차순이며 같은 우선순위는 제출 순서를 유지합니다.
func (o *Orchestrator) SubmitTask(task *model.Task) *model.Task {
	t := task.Clone()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Status = model.TaskPending
	if t.CreatedAt.IsZero() {
		t.CreatedAt = o.now()
	}
	if t.KanbanColumn == "" {
		t.KanbanColumn = model.ColumnTodo
	}

	o.mu.Lock()
	if _, exists := o.tasks[t.ID]; exists {
		o.removeFromQueueLocked(t.ID)
	}
	o.tasks[t.ID] = t
	idx := sort.Search(len(o.queue), func(i int) bool {
		return o.queue[i].Priority < t.Priority
	})
	o.queue = append(o.queue, nil)
	copy(o.queue[idx+1:], o.queue[idx:])
	o.queue[idx] = t
	o.observeLocked()
	out := t.Clone()
	o.mu.Unlock()

	o.metrics.transition(model.TaskPending)
	o.logger.Debug("Task submitted",
		zap.String("task_id", out.ID),
		zap.Int("priority", out.Priority),
	)
	o.emit(Event{Type: EventTaskSubmitted, Task: out.Clone()})
	return out
}

// CancelTask는 태스크를 큐에서 제거하고 Cancelled로 표시합니다. 모르는 ID는 무시합니다.
func (o *Orchestrator) CancelTask(id string) {
	o.mu.Lock()
	t, ok := o.tasks[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	o.removeFromQueueLocked(id)
	t.Status = model.TaskCancelled
	o.observeLocked()
	out := t.Clone()
	o.mu.Unlock()

	o.metrics.transition(model.TaskCancelled)
	o.logger.Info("Task cancelled", zap.String("task_id", id))
	o.emit(Event{Type: EventTaskCancelled, Task: out})
}

// GetTask는 태스크 사본을 반환합니다. 없으면 nil입니다.
func (o *Orchestrator) GetTask(id string) *model.Task {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.tasks[id].Clone()
}

// GetTaskQueue는 종료되지 않은 태스크를 큐 순서대로 반환합니다.
func (o *Orchestrator) GetTaskQueue() []*model.Task {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*model.Task, 0, len(o.queue))
	for _, t := range o.queue {
		out = append(out, t.Clone())
	}
	return out
}

// NextTask는 role에 맞는 가장 높은 우선순위의 Pending 태스크를 반환합니다.
// TargetRole이 없는 태스크는 어떤 역할에도 맞습니다.
func (o *Orchestrator) NextTask(role model.AgentRole) *model.Task {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, t := range o.queue {
		if t.Status != model.TaskPending {
			continue
		}
		if t.TargetRole == nil || *t.TargetRole == role {
			return t.Clone()
		}
	}
	return nil
}

// ReadyTasks는 의존성이 막히지 않은 Pending 태스크를 큐 순서대로 반환합니다.
// 완료 집합은 이 오케스트레이터가 Completed로 기록한 태스크입니다.
func (o *Orchestrator) ReadyTasks() []*model.Task {
	o.mu.RLock()
	defer o.mu.RUnlock()
	completed := make(depgraph.Set)
	for id, t := range o.tasks {
		if t.Status == model.TaskCompleted {
			completed[id] = struct{}{}
		}
	}
	var out []*model.Task
	for _, t := range o.queue {
		if t.Status != model.TaskPending {
			continue
		}
		if depgraph.Classify(t.DependsOn, completed) == depgraph.Blocked {
			continue
		}
		out = append(out, t.Clone())
	}
	return out
}

// AssignTask는 Pending 태스크를 에이전트에게 할당합니다.
// 태스크는 InProgress, 에이전트는 Working이 되고 CurrentTaskID가 설정됩니다.
func (o *Orchestrator) AssignTask(taskID, agentID string) bool {
	o.mu.Lock()
	t, ok := o.tasks[taskID]
	a, aok := o.agents[agentID]
	if !ok || !aok || t.Status != model.TaskPending {
		o.mu.Unlock()
		return false
	}
	now := o.now()
	t.Status = model.TaskInProgress
	t.AssignedAgentID = agentID
	t.StartedAt = &now
	if t.KanbanColumn == model.ColumnTodo || t.KanbanColumn == model.ColumnBacklog {
		t.KanbanColumn = model.ColumnInProgress
	}
	a.State = model.AgentWorking
	a.CurrentTaskID = taskID
	a.LastActivityAt = now
	o.observeLocked()
	outTask := t.Clone()
	outAgent := *a
	o.mu.Unlock()

	o.metrics.transition(model.TaskInProgress)
	o.logger.Info("Task assigned",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID),
	)
	o.emit(Event{Type: EventTaskAssigned, Task: outTask, Agent: &outAgent})
	return true
}

// UpdateAgentState는 에이전트 상태를 변경합니다. 모르는 ID는 무시합니다.
// Idle로 돌아온 에이전트가 태스크를 들고 있으면 그 태스크를 Completed로 표시하고
// CurrentTaskID를 비웁니다. 완료는 별도 신호 없이 Idle 복귀로부터 추론됩니다.
func (o *Orchestrator) UpdateAgentState(id string, state model.AgentState, errorMessage *string) {
	o.mu.Lock()
	a, ok := o.agents[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	now := o.now()
	a.State = state
	a.LastActivityAt = now
	if errorMessage != nil {
		a.ErrorMessage = *errorMessage
	}

	var completed *model.Task
	if state == model.AgentIdle && a.CurrentTaskID != "" {
		if t, ok := o.tasks[a.CurrentTaskID]; ok && !t.Status.IsTerminal() {
			t.Status = model.TaskCompleted
			t.CompletedAt = &now
			o.removeFromQueueLocked(t.ID)
			completed = t.Clone()
		}
		a.CurrentTaskID = ""
	}
	o.observeLocked()
	outAgent := *a
	o.mu.Unlock()

	o.logger.Debug("Agent state updated",
		zap.String("agent_id", id),
		zap.String("state", string(state)),
	)
	o.emit(Event{Type: EventAgentStateChanged, Agent: &outAgent})
	if completed != nil {
		o.metrics.transition(model.TaskCompleted)
		o.logger.Info("Task completed", zap.String("task_id", completed.ID), zap.String("agent_id", id))
		o.emit(Event{Type: EventTaskCompleted, Task: completed, Agent: &outAgent})
	}
}

// FailTask는 종료되지 않은 태스크를 Failed로 표시하고 큐에서 제거합니다. 모르는 ID는 무시합니다.
// 태스크를 들고 있던 에이전트는 Error 상태가 되고 CurrentTaskID가 비워집니다.
func (o *Orchestrator) FailTask(id, message string) {
	o.mu.Lock()
	t, ok := o.tasks[id]
	if !ok || t.Status.IsTerminal() {
		o.mu.Unlock()
		return
	}
	now := o.now()
	t.Status = model.TaskFailed
	t.ErrorMessage = message
	t.CompletedAt = &now
	o.removeFromQueueLocked(id)

	var agent *model.Agent
	if a, ok := o.agents[t.AssignedAgentID]; ok && a.CurrentTaskID == id {
		a.State = model.AgentError
		a.ErrorMessage = message
		a.CurrentTaskID = ""
		a.LastActivityAt = now
		c := *a
		agent = &c
	}
	o.observeLocked()
	out := t.Clone()
	o.mu.Unlock()

	o.metrics.transition(model.TaskFailed)
	o.logger.Warn("Task failed", zap.String("task_id", id), zap.String("error", message))
	o.emit(Event{Type: EventTaskFailed, Task: out, Agent: agent})
}

// Dispose는 에이전트 레지스트리와 태스크 큐를 모두 비웁니다. 진행 중인 작업을 기다리지 않습니다.
func (o *Orchestrator) Dispose() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.agents = make(map[string]*model.Agent)
	o.tasks = make(map[string]*model.Task)
	o.queue = nil
	o.observeLocked()
}

func (o *Orchestrator) removeFromQueueLocked(id string) {
	for i, t := range o.queue {
		if t.ID == id {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			return
		}
	}
}

func (o *Orchestrator) observeLocked() {
	o.metrics.observe(len(o.queue), o.agents)
}

func (o *Orchestrator) emit(ev Event) {
	o.mu.RLock()
	listeners := append([]Listener(nil), o.listeners...)
	o.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}
