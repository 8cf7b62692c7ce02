// Package autoclose closes the tmux windows of tasks that have sat in the
// done column longer than a grace period, keeping a summary of their output.
package autoclose

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cnap-oss/tmux-agents/internal/model"
	"github.com/cnap-oss/tmux-agents/internal/tmux"
)

// CaptureLines is how much scrollback is read before closing a window.
const CaptureLines = 200

// Store is the persistence the monitor needs.
type Store interface {
	GetTask(ctx context.Context, id string) (*model.Task, error)
	GetAllTasks(ctx context.Context) ([]*model.Task, error)
	SaveTask(ctx context.Context, task *model.Task) error
}

// Session captures and closes windows on one server. *tmux.Client implements it.
type Session interface {
	CapturePane(ctx context.Context, target string, lines int) (string, error)
	KillWindow(ctx context.Context, session, window string) error
}

// SessionLookup resolves a server id to its Session.
type SessionLookup func(serverID string) (Session, bool)

// Monitor closes done tasks' windows after a delay.
type Monitor struct {
	store    Store
	sessions SessionLookup
	logger   *zap.Logger
	now      func() time.Time
}

// New returns a Monitor.
func New(store Store, sessions SessionLookup, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		store:    store,
		sessions: sessions,
		logger:   logger.Named("autoclose"),
		now:      time.Now,
	}
}

// CheckAutoCloseTimers closes every done, still-bound task whose DoneAt is
// older than delay. It returns how many tasks were closed. Failures on one
// task are logged and do not stop the others.
func (m *Monitor) CheckAutoCloseTimers(ctx context.Context, delay time.Duration) (int, error) {
	tasks, err := m.store.GetAllTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("load tasks: %w", err)
	}
	now := m.now()
	closed := 0
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		if !due(t, now, delay) {
			continue
		}
		ok, err := m.close(ctx, t)
		if err != nil {
			m.logger.Warn("Auto-close failed", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		if ok {
			closed++
		}
	}
	return closed, nil
}

func due(t *model.Task, now time.Time, delay time.Duration) bool {
	return t.KanbanColumn == model.ColumnDone &&
		t.DoneAt != nil &&
		t.IsBound() &&
		now.Sub(*t.DoneAt) > delay
}

func (m *Monitor) close(ctx context.Context, seen *model.Task) (bool, error) {
	session, ok := m.sessions(seen.ServerID)
	if !ok {
		return false, fmt.Errorf("no session for server %q", seen.ServerID)
	}

	target := tmux.Target(seen.SessionName, seen.WindowIndex, seen.PaneIndex)
	output, err := session.CapturePane(ctx, target, CaptureLines)
	if err != nil {
		m.logger.Debug("Capture failed, summarizing empty output", zap.String("target", target), zap.Error(err))
		output = ""
	}
	summary := Summarize(output)

	fresh, err := m.store.GetTask(ctx, seen.ID)
	if err != nil {
		return false, fmt.Errorf("reload task: %w", err)
	}
	if fresh.KanbanColumn != model.ColumnDone ||
		fresh.SessionName != seen.SessionName ||
		fresh.WindowIndex != seen.WindowIndex {
		m.logger.Info("Task left done column before close, skipping", zap.String("task_id", seen.ID))
		return false, nil
	}

	err = session.KillWindow(ctx, fresh.SessionName, fresh.WindowIndex)
	if err != nil && !errors.Is(err, tmux.ErrWindowNotFound) && !errors.Is(err, tmux.ErrSessionNotFound) {
		return false, fmt.Errorf("kill window %s: %w", target, err)
	}

	fresh.Input += SummaryHeader + summary
	fresh.ClearBinding()
	if err := m.store.SaveTask(ctx, fresh); err != nil {
		return false, fmt.Errorf("save task: %w", err)
	}
	m.logger.Info("Task window auto-closed",
		zap.String("task_id", fresh.ID),
		zap.String("target", target),
		zap.Duration("done_for", m.now().Sub(*seen.DoneAt)),
	)
	return true, nil
}
