package model

import "time"

// TaskStatus는 태스크의 실행 상태입니다.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// IsTerminal은 더 이상 큐에 머무를 수 없는 상태인지 확인합니다.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// KanbanColumn은 칸반 보드의 컬럼 라벨입니다. 태스크 상태와 느슨하게 연관됩니다.
type KanbanColumn string

const (
	ColumnBacklog    KanbanColumn = "backlog"
	ColumnTodo       KanbanColumn = "todo"
	ColumnInProgress KanbanColumn = "in_progress"
	ColumnInReview   KanbanColumn = "in_review"
	ColumnDone       KanbanColumn = "done"
)

// IsActive는 세션 조정 대상이 되는 컬럼인지 확인합니다.
func (c KanbanColumn) IsActive() bool {
	return c == ColumnInProgress || c == ColumnInReview
}

// Task는 에이전트에게 할당되는 작업 단위입니다.
type Task struct {
	ID              string       `json:"id" gorm:"primaryKey;size:64"`
	Description     string       `json:"description"`
	TargetRole      *AgentRole   `json:"targetRole,omitempty"`
	AssignedAgentID string       `json:"assignedAgentId,omitempty" gorm:"size:64"`
	Status          TaskStatus   `json:"status" gorm:"size:32;index"`
	Priority        int          `json:"priority"`
	Input           string       `json:"input,omitempty"`
	Output          string       `json:"output,omitempty"`
	PipelineStageID string       `json:"pipelineStageId,omitempty" gorm:"size:64"`
	CreatedAt       time.Time    `json:"createdAt"`
	StartedAt       *time.Time   `json:"startedAt,omitempty"`
	CompletedAt     *time.Time   `json:"completedAt,omitempty"`
	DoneAt          *time.Time   `json:"doneAt,omitempty"`
	ErrorMessage    string       `json:"errorMessage,omitempty"`
	KanbanColumn    KanbanColumn `json:"kanbanColumn" gorm:"size:32;index"`
	SwimLaneID      string       `json:"swimLaneId,omitempty" gorm:"size:64;index"`
	ParentTaskID    string       `json:"parentTaskId,omitempty" gorm:"size:64"`
	SubtaskIDs      []string     `json:"subtaskIds,omitempty" gorm:"serializer:json"`
	DependsOn       []string     `json:"dependsOn,omitempty" gorm:"serializer:json"`
	ServerID        string       `json:"tmuxServerId,omitempty" gorm:"size:64"`
	SessionName     string       `json:"tmuxSessionName,omitempty"`
	WindowIndex     string       `json:"tmuxWindowIndex,omitempty"`
	PaneIndex       string       `json:"tmuxPaneIndex,omitempty"`
	AutoStart       bool         `json:"autoStart"`
	AutoPilot       bool         `json:"autoPilot"`
	AutoClose       bool         `json:"autoClose"`
	UseWorktree     bool         `json:"useWorktree"`
	UseMemory       bool         `json:"useMemory"`
}

// IsBound는 태스크가 세션 윈도우에 연결되어 있는지 확인합니다.
func (t *Task) IsBound() bool {
	return t.SessionName != "" && t.WindowIndex != ""
}

// ClearBinding은 세션 연결 필드를 모두 비웁니다.
func (t *Task) ClearBinding() {
	t.ServerID = ""
	t.SessionName = ""
	t.WindowIndex = ""
	t.PaneIndex = ""
}

// IsDone은 태스크가 완료 컬럼 또는 종료 상태에 있는지 확인합니다.
func (t *Task) IsDone() bool {
	return t.KanbanColumn == ColumnDone || t.Status.IsTerminal()
}

// Clone은 슬라이스와 포인터 필드까지 복사한 사본을 반환합니다.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.TargetRole != nil {
		r := *t.TargetRole
		c.TargetRole = &r
	}
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.DoneAt = cloneTime(t.DoneAt)
	if t.SubtaskIDs != nil {
		c.SubtaskIDs = append([]string(nil), t.SubtaskIDs...)
	}
	if t.DependsOn != nil {
		c.DependsOn = append([]string(nil), t.DependsOn...)
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
