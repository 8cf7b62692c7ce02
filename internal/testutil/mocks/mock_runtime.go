package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cnap-oss/tmux-agents/internal/agentruntime"
)

// MockRuntime는 테스트용 agentruntime.Runtime 구현입니다.
type MockRuntime struct {
	mu sync.Mutex

	RuntimeID   string
	BackendType agentruntime.BackendType

	// SpawnErrors는 taskID별 SpawnAgent 에러를 정의합니다.
	SpawnErrors map[string]error
	// KillErr, ListErr, PingErr, ReconcileErr는 해당 호출이 반환할 에러입니다.
	KillErr      error
	ListErr      error
	PingErr      error
	ReconcileErr error

	// Spawned는 SpawnAgent 호출 기록입니다.
	Spawned []agentruntime.SpawnConfig
	// KilledHandles는 KillAgent 호출 기록입니다.
	KilledHandles []agentruntime.Handle

	live map[string]agentruntime.AgentSnapshot
	seq  int
}

// ensure MockRuntime implements Runtime
var _ agentruntime.Runtime = (*MockRuntime)(nil)

// NewMockRuntime은 비어 있는 MockRuntime을 생성합니다.
func NewMockRuntime(id string) *MockRuntime {
	return &MockRuntime{
		RuntimeID:   id,
		BackendType: agentruntime.BackendLocal,
		SpawnErrors: make(map[string]error),
		live:        make(map[string]agentruntime.AgentSnapshot),
	}
}

func (m *MockRuntime) ID() string                     { return m.RuntimeID }
func (m *MockRuntime) Type() agentruntime.BackendType { return m.BackendType }

// SpawnAgent implements Runtime interface.
func (m *MockRuntime) SpawnAgent(_ context.Context, cfg agentruntime.SpawnConfig) (*agentruntime.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Spawned = append(m.Spawned, cfg)
	if err, ok := m.SpawnErrors[cfg.TaskID]; ok {
		return nil, err
	}
	m.seq++
	session := cfg.SessionName
	if session == "" {
		session = "mock"
	}
	h := agentruntime.Handle{
		RuntimeID: fmt.Sprintf("%s/agent-%d", m.RuntimeID, m.seq),
		AgentID:   cfg.AgentID,
		TaskID:    cfg.TaskID,
		Locator:   fmt.Sprintf("%s:%d", session, m.seq),
		CreatedAt: time.Now(),
	}
	m.live[h.RuntimeID] = agentruntime.AgentSnapshot{Handle: h, State: agentruntime.RunRunning, Provider: cfg.Provider}
	return &h, nil
}

// KillAgent implements Runtime interface.
func (m *MockRuntime) KillAgent(_ context.Context, h *agentruntime.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.KillErr != nil {
		return m.KillErr
	}
	m.KilledHandles = append(m.KilledHandles, *h)
	delete(m.live, h.RuntimeID)
	return nil
}

// ListAgents implements Runtime interface.
func (m *MockRuntime) ListAgents(context.Context) ([]agentruntime.AgentSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	out := make([]agentruntime.AgentSnapshot, 0, len(m.live))
	for _, s := range m.live {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuntimeID < out[j].RuntimeID })
	return out, nil
}

// GetAttachCommand implements Runtime interface.
func (m *MockRuntime) GetAttachCommand(h *agentruntime.Handle) string {
	return "mock attach " + h.Locator
}

// Ping implements Runtime interface.
func (m *MockRuntime) Ping(context.Context) error { return m.PingErr }

// Reconcile implements Runtime interface.
func (m *MockRuntime) Reconcile(ctx context.Context) ([]*agentruntime.Handle, error) {
	if m.ReconcileErr != nil {
		return nil, m.ReconcileErr
	}
	snaps, err := m.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*agentruntime.Handle, 0, len(snaps))
	for i := range snaps {
		h := snaps[i].Handle
		out = append(out, &h)
	}
	return out, nil
}

// SetState는 살아있는 에이전트의 상태를 바꿉니다.
func (m *MockRuntime) SetState(runtimeID string, state agentruntime.RunState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.live[runtimeID]; ok {
		s.State = state
		m.live[runtimeID] = s
	}
}

// AddLive는 백엔드에만 존재하는 에이전트를 추가합니다.
func (m *MockRuntime) AddLive(h agentruntime.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[h.RuntimeID] = agentruntime.AgentSnapshot{Handle: h, State: agentruntime.RunRunning}
}

// Vanish는 백엔드에서 에이전트를 사라지게 합니다.
func (m *MockRuntime) Vanish(runtimeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, runtimeID)
}

// SpawnCount는 SpawnAgent 호출 횟수를 반환합니다.
func (m *MockRuntime) SpawnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Spawned)
}

// LastSpawn은 마지막 SpawnAgent 설정을 반환합니다.
func (m *MockRuntime) LastSpawn() *agentruntime.SpawnConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Spawned) == 0 {
		return nil
	}
	cfg := m.Spawned[len(m.Spawned)-1]
	return &cfg
}
