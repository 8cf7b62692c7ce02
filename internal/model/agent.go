package model

import "time"

// AgentRole은 에이전트가 맡는 역할입니다.
type AgentRole string

const (
	RoleCoder      AgentRole = "coder"
	RoleReviewer   AgentRole = "reviewer"
	RoleTester     AgentRole = "tester"
	RoleDevOps     AgentRole = "devops"
	RoleResearcher AgentRole = "researcher"
	RoleCustom     AgentRole = "custom"
)

// AgentState는 에이전트 상태 머신의 상태입니다.
// Terminated는 흡수 상태이며, 종료된 에이전트는 레지스트리에서 제거됩니다.
type AgentState string

const (
	AgentIdle       AgentState = "idle"
	AgentWorking    AgentState = "working"
	AgentError      AgentState = "error"
	AgentTerminated AgentState = "terminated"
)

// Agent는 터미널 세션 안에서 실행되는 AI 코딩 에이전트입니다.
type Agent struct {
	ID             string     `json:"id"`
	TemplateID     string     `json:"templateId"`
	Name           string     `json:"name"`
	Role           AgentRole  `json:"role"`
	Provider       string     `json:"aiProvider"`
	State          AgentState `json:"state"`
	ServerID       string     `json:"serverId"`
	SessionName    string     `json:"sessionName"`
	WindowIndex    string     `json:"windowIndex"`
	PaneIndex      string     `json:"paneIndex"`
	TeamID         string     `json:"teamId,omitempty"`
	CurrentTaskID  string     `json:"currentTaskId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
}
