package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cnap-oss/tmux-agents/internal/model"
	"github.com/cnap-oss/tmux-agents/internal/storage"
)

// ErrNotFound는 MemoryStore에 없는 레코드를 조회할 때 반환됩니다. 저장소와 같은 값입니다.
var ErrNotFound = storage.ErrNotFound

// MemoryStore는 쓰기 횟수를 세는 인메모리 저장소입니다.
// 조정기와 자동 종료 모니터의 Store 인터페이스를 구현합니다.
type MemoryStore struct {
	mu      sync.Mutex
	tasks   map[string]*model.Task
	lanes   map[string]*model.SwimLane
	history []*model.StatusHistoryEntry
	writes  int

	// OnGetTask는 GetTask가 값을 읽기 직전에 호출됩니다. 스캔과 쓰기 사이의 동시 변경을 흉내낼 때 사용합니다.
	OnGetTask func(id string)
}

// NewMemoryStore는 빈 저장소를 생성합니다.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*model.Task),
		lanes: make(map[string]*model.SwimLane),
	}
}

// PutTask는 쓰기 횟수에 포함하지 않고 태스크를 넣습니다.
func (s *MemoryStore) PutTask(t *model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t.Clone()
}

// PutSwimLane은 쓰기 횟수에 포함하지 않고 레인을 넣습니다.
func (s *MemoryStore) PutSwimLane(l *model.SwimLane) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *l
	s.lanes[l.ID] = &c
}

// Writes는 지금까지의 Save/Add 호출 수를 반환합니다.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Task는 저장된 태스크 사본을 반환합니다. 없으면 nil입니다.
func (s *MemoryStore) Task(id string) *model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].Clone()
}

// Lane은 저장된 레인 사본을 반환합니다. 없으면 nil입니다.
func (s *MemoryStore) Lane(id string) *model.SwimLane {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[id]
	if !ok {
		return nil
	}
	c := *l
	return &c
}

// History는 기록된 상태 이력을 반환합니다.
func (s *MemoryStore) History() []model.StatusHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.StatusHistoryEntry, 0, len(s.history))
	for _, h := range s.history {
		out = append(out, *h)
	}
	return out
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*model.Task, error) {
	if s.OnGetTask != nil {
		s.OnGetTask(id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) GetAllTasks(context.Context) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveTask(_ context.Context, t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t.Clone()
	s.writes++
	return nil
}

func (s *MemoryStore) GetAllSwimLanes(context.Context) ([]*model.SwimLane, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.SwimLane, 0, len(s.lanes))
	for _, l := range s.lanes {
		c := *l
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveSwimLane(_ context.Context, l *model.SwimLane) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *l
	s.lanes[l.ID] = &c
	s.writes++
	return nil
}

func (s *MemoryStore) AddStatusHistory(_ context.Context, e *model.StatusHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *e
	c.ID = uint(len(s.history) + 1)
	s.history = append(s.history, &c)
	s.writes++
	return nil
}
