// Package reconciler heals the binding between tasks and live tmux windows.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cnap-oss/tmux-agents/internal/model"
	"github.com/cnap-oss/tmux-agents/internal/tmux"
)

// Store는 조정기가 사용하는 영속성 계층입니다.
type Store interface {
	GetTask(ctx context.Context, id string) (*model.Task, error)
	GetAllTasks(ctx context.Context) ([]*model.Task, error)
	SaveTask(ctx context.Context, task *model.Task) error
	GetAllSwimLanes(ctx context.Context) ([]*model.SwimLane, error)
	SaveSwimLane(ctx context.Context, lane *model.SwimLane) error
	AddStatusHistory(ctx context.Context, entry *model.StatusHistoryEntry) error
}

// SessionProvider는 한 서버의 라이브 세션 트리를 제공합니다. *tmux.Client가 구현합니다.
type SessionProvider interface {
	GetSessionTree(ctx context.Context) ([]tmux.Session, error)
}

// SessionLookup은 serverId에 해당하는 세션 제공자를 찾습니다.
type SessionLookup func(serverID string) (SessionProvider, bool)

// Result는 한 번의 조정 결과 요약입니다.
type Result struct {
	LanesChecked int `json:"lanesChecked"`
	LanesUpdated int `json:"lanesUpdated"`
	Bound        int `json:"bound"`
	Orphaned     int `json:"orphaned"`
	Skipped      int `json:"skipped"`
	Writes       int `json:"writes"`
}

// Option은 Reconciler 설정 함수입니다.
type Option func(*Reconciler)

// WithMetrics는 Prometheus 메트릭을 연결합니다.
func WithMetrics(m *Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithClock은 시간 함수를 교체합니다. 테스트에서 사용합니다.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler는 태스크 바인딩을 라이브 세션 상태에 맞춥니다.
type Reconciler struct {
	store    Store
	sessions SessionLookup
	logger   *zap.Logger
	metrics  *Metrics
	now      func() time.Time
}

// New는 새로운 Reconciler를 생성합니다.
func New(store Store, sessions SessionLookup, logger *zap.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{
		store:    store,
		sessions: sessions,
		logger:   logger.Named("reconciler"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SyncTaskListAttachments는 활성 컬럼 태스크 전체를 한 번 훑어 세션 바인딩을 맞춥니다.
// 레인마다 세션 트리는 한 번만 조회합니다. 외부 변화가 없으면 두 번째 실행은 아무것도 쓰지 않습니다.
func (r *Reconciler) SyncTaskListAttachments(ctx context.Context) (Result, error) {
	start := r.now()
	var res Result

	lanes, err := r.store.GetAllSwimLanes(ctx)
	if err != nil {
		return res, fmt.Errorf("load swim lanes: %w", err)
	}
	tasks, err := r.store.GetAllTasks(ctx)
	if err != nil {
		return res, fmt.Errorf("load tasks: %w", err)
	}

	byLane := make(map[string][]*model.Task)
	for _, t := range tasks {
		if t.SwimLaneID == "" || !t.KanbanColumn.IsActive() || t.IsDone() {
			continue
		}
		byLane[t.SwimLaneID] = append(byLane[t.SwimLaneID], t)
	}

	for _, lane := range lanes {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !lane.HasBackend() {
			continue
		}
		if err := r.syncLane(ctx, lane, byLane[lane.ID], &res); err != nil {
			res.Skipped++
			r.logger.Warn("Lane skipped",
				zap.String("lane_id", lane.ID),
				zap.String("server_id", lane.ServerID),
				zap.Error(err),
			)
		}
	}

	r.metrics.sweep(r.now().Sub(start), res)
	if res.Writes > 0 {
		r.logger.Info("Session reconciliation applied",
			zap.Int("lanes", res.LanesChecked),
			zap.Int("bound", res.Bound),
			zap.Int("orphaned", res.Orphaned),
			zap.Int("writes", res.Writes),
		)
	}
	return res, nil
}

func (r *Reconciler) syncLane(ctx context.Context, lane *model.SwimLane, tasks []*model.Task, res *Result) error {
	provider, ok := r.sessions(lane.ServerID)
	if !ok {
		return fmt.Errorf("no session provider for server %q", lane.ServerID)
	}
	// 조회 실패는 세션 소멸이 아닙니다. 레인 전체를 건너뜁니다.
	tree, err := provider.GetSessionTree(ctx)
	if err != nil {
		return fmt.Errorf("get session tree: %w", err)
	}
	res.LanesChecked++

	var session *tmux.Session
	for i := range tree {
		if tree[i].Name == lane.SessionName {
			session = &tree[i]
			break
		}
	}
	live := session != nil

	if lane.SessionActive != live {
		lane.SessionActive = live
		if err := r.store.SaveSwimLane(ctx, lane); err != nil {
			return fmt.Errorf("save swim lane: %w", err)
		}
		res.LanesUpdated++
		res.Writes++
	}

	for _, task := range tasks {
		// 다른 서버에 바인딩된 태스크는 그쪽 세션 소관입니다.
		if task.ServerID != "" && task.ServerID != lane.ServerID {
			continue
		}
		var err error
		if live {
			err = r.attach(ctx, lane, session, task, res)
		} else {
			err = r.orphan(ctx, lane, task, res)
		}
		if err != nil {
			r.logger.Warn("Task reconciliation failed",
				zap.String("task_id", task.ID),
				zap.String("lane_id", lane.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// attach는 바인딩이 없거나 사라진 윈도우를 가리키는 태스크를 이름 규칙에 맞는 윈도우에 다시 연결합니다.
func (r *Reconciler) attach(ctx context.Context, lane *model.SwimLane, session *tmux.Session, task *model.Task, res *Result) error {
	if task.IsBound() && task.SessionName == session.Name && session.Window(task.WindowIndex) != nil {
		return nil
	}
	if !session.IsAttached {
		return nil
	}

	var match *tmux.Window
	for i := range session.Windows {
		if tmux.MatchesTaskWindow(session.Windows[i].Name, task.ID) {
			match = &session.Windows[i]
			break
		}
	}
	if match == nil {
		return nil
	}

	fresh, err := r.revalidate(ctx, task)
	if err != nil || fresh == nil {
		return err
	}

	fresh.ServerID = lane.ServerID
	fresh.SessionName = session.Name
	fresh.WindowIndex = match.Index
	fresh.PaneIndex = ""
	if len(match.Panes) > 0 {
		fresh.PaneIndex = match.Panes[0].Index
	}
	if err := r.store.SaveTask(ctx, fresh); err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	res.Bound++
	res.Writes++
	r.logger.Info("Task bound to window",
		zap.String("task_id", fresh.ID),
		zap.String("session", session.Name),
		zap.String("window", match.Index),
		zap.String("window_name", match.Name),
	)
	return nil
}

// orphan은 세션이 사라진 레인에서 같은 서버에 바인딩된 태스크를 실패 처리합니다.
func (r *Reconciler) orphan(ctx context.Context, lane *model.SwimLane, task *model.Task, res *Result) error {
	if !hasBinding(task) || task.ServerID != lane.ServerID {
		return nil
	}

	fresh, err := r.revalidate(ctx, task)
	if err != nil || fresh == nil {
		return err
	}

	from, fromColumn := fresh.Status, fresh.KanbanColumn
	fresh.Status = model.TaskFailed
	fresh.ErrorMessage = model.OrphanedSessionMessage
	fresh.ClearBinding()
	if err := r.store.SaveTask(ctx, fresh); err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	res.Orphaned++
	res.Writes++

	entry := &model.StatusHistoryEntry{
		TaskID:     fresh.ID,
		FromStatus: from,
		ToStatus:   fresh.Status,
		FromColumn: fromColumn,
		ToColumn:   fresh.KanbanColumn,
		Reason:     model.ReasonOrphaned,
		ChangedAt:  r.now(),
	}
	if err := r.store.AddStatusHistory(ctx, entry); err != nil {
		r.logger.Warn("Status history not recorded", zap.String("task_id", fresh.ID), zap.Error(err))
	} else {
		res.Writes++
	}

	r.logger.Warn("Task orphaned by dead session",
		zap.String("task_id", fresh.ID),
		zap.String("lane_id", lane.ID),
		zap.String("session", lane.SessionName),
	)
	return nil
}

// revalidate는 쓰기 직전에 태스크를 다시 읽습니다. 스캔 이후 다른 주체가 바꿨으면 nil을 반환합니다.
func (r *Reconciler) revalidate(ctx context.Context, seen *model.Task) (*model.Task, error) {
	fresh, err := r.store.GetTask(ctx, seen.ID)
	if err != nil {
		return nil, fmt.Errorf("reload task: %w", err)
	}
	if !fresh.KanbanColumn.IsActive() || fresh.IsDone() || !sameBinding(fresh, seen) {
		r.logger.Debug("Task changed since scan, skipping", zap.String("task_id", seen.ID))
		return nil, nil
	}
	return fresh, nil
}

func hasBinding(t *model.Task) bool {
	return t.SessionName != "" || t.WindowIndex != ""
}

func sameBinding(a, b *model.Task) bool {
	return a.ServerID == b.ServerID &&
		a.SessionName == b.SessionName &&
		a.WindowIndex == b.WindowIndex &&
		a.PaneIndex == b.PaneIndex
}
