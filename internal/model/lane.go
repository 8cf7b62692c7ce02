package model

import "time"

// SwimLane은 작업 디렉터리, 백엔드, 세션 이름으로 구성된 실행 컨텍스트입니다.
type SwimLane struct {
	ID               string    `json:"id" gorm:"primaryKey;size:64"`
	Name             string    `json:"name"`
	ServerID         string    `json:"serverId" gorm:"size:64"`
	WorkingDirectory string    `json:"workingDirectory"`
	SessionName      string    `json:"sessionName"`
	SessionActive    bool      `json:"sessionActive"`
	AIProvider       string    `json:"aiProvider,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// HasBackend는 레인에 세션을 조회할 백엔드가 지정되어 있는지 확인합니다.
func (l *SwimLane) HasBackend() bool {
	return l.ServerID != "" && l.SessionName != ""
}

// 상태 이력에 남기는 변경 사유
const (
	ReasonOrphaned   = "orphaned"
	ReasonAutoClosed = "auto_closed"
	ReasonDispatch   = "dispatch"
	ReasonManual     = "manual"
)

// OrphanedSessionMessage는 세션이 사라져 실패 처리된 태스크의 에러 메시지입니다.
const OrphanedSessionMessage = "Tmux session no longer exists"

// StatusHistoryEntry는 태스크 상태/컬럼 변경 이력입니다.
type StatusHistoryEntry struct {
	ID         uint         `json:"id" gorm:"primaryKey;autoIncrement"`
	TaskID     string       `json:"taskId" gorm:"size:64;index"`
	FromStatus TaskStatus   `json:"fromStatus"`
	ToStatus   TaskStatus   `json:"toStatus"`
	FromColumn KanbanColumn `json:"fromColumn"`
	ToColumn   KanbanColumn `json:"toColumn"`
	Reason     string       `json:"reason"`
	ChangedAt  time.Time    `json:"changedAt"`
}
