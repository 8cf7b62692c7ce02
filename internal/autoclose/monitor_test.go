package autoclose

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cnap-oss/tmux-agents/internal/model"
	"github.com/cnap-oss/tmux-agents/internal/testutil"
	"github.com/cnap-oss/tmux-agents/internal/tmux"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func doneTask(id string, doneAgo time.Duration) *model.Task {
	doneAt := now.Add(-doneAgo)
	return &model.Task{
		ID:           id,
		Description:  "write the docs",
		Input:        "original input",
		Status:       model.TaskCompleted,
		KanbanColumn: model.ColumnDone,
		DoneAt:       &doneAt,
		ServerID:     "local",
		SessionName:  "work",
		WindowIndex:  "2",
		PaneIndex:    "0",
	}
}

func newMonitor(t *testing.T, store *testutil.MemoryStore, servers testutil.Servers) *Monitor {
	t.Helper()
	m := New(store, func(id string) (Session, bool) {
		f, ok := servers.Lookup(id)
		if !ok {
			return nil, false
		}
		return f, true
	}, zaptest.NewLogger(t))
	m.now = func() time.Time { return now }
	return m
}

func TestCheckAutoCloseTimers_ClosesExpiredTasks(t *testing.T) {
	store := testutil.NewMemoryStore()
	store.PutTask(doneTask("old", 10*time.Minute))
	store.PutTask(doneTask("fresh", 10*time.Second))
	notDone := doneTask("review", time.Hour)
	notDone.KanbanColumn = model.ColumnInReview
	store.PutTask(notDone)
	noDoneAt := doneTask("nodoneat", 0)
	noDoneAt.DoneAt = nil
	store.PutTask(noDoneAt)

	fake := testutil.NewFakeTmux()
	fake.SetCapture("work:2.0", "building...\nall 12 tests passed\n")
	m := newMonitor(t, store, testutil.Servers{"local": fake})

	closed, err := m.CheckAutoCloseTimers(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)
	assert.Equal(t, []string{"work:2"}, fake.Killed())

	got := store.Task("old")
	assert.Equal(t, "original input\n\n---\n**Session Summary**\nall 12 tests passed", got.Input)
	assert.Equal(t, "write the docs", got.Description)
	assert.False(t, got.IsBound())
	assert.Empty(t, got.ServerID)
	assert.Empty(t, got.PaneIndex)

	assert.True(t, store.Task("fresh").IsBound())
	assert.True(t, store.Task("review").IsBound())
	assert.True(t, store.Task("nodoneat").IsBound())
	assert.Equal(t, 1, store.Writes())

	// 바인딩이 지워졌으므로 다시 닫지 않습니다.
	closed, err = m.CheckAutoCloseTimers(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, closed)
	assert.Equal(t, 1, store.Writes())
}

func TestCheckAutoCloseTimers_WindowAlreadyGone(t *testing.T) {
	store := testutil.NewMemoryStore()
	store.PutTask(doneTask("t1", time.Hour))

	fake := testutil.NewFakeTmux()
	fake.KillErr = fmt.Errorf("%w: can't find window: 2", tmux.ErrWindowNotFound)
	m := newMonitor(t, store, testutil.Servers{"local": fake})

	closed, err := m.CheckAutoCloseTimers(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	got := store.Task("t1")
	assert.False(t, got.IsBound())
	assert.True(t, strings.HasSuffix(got.Input, "**Session Summary**\n"+NoOutputPlaceholder))
}

func TestCheckAutoCloseTimers_KillFailureLeavesTask(t *testing.T) {
	store := testutil.NewMemoryStore()
	store.PutTask(doneTask("t1", time.Hour))

	fake := testutil.NewFakeTmux()
	fake.KillErr = errors.New("ssh: connection reset")
	m := newMonitor(t, store, testutil.Servers{"local": fake})

	closed, err := m.CheckAutoCloseTimers(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, closed)
	assert.Zero(t, store.Writes())
	assert.Equal(t, "original input", store.Task("t1").Input)
}

func TestCheckAutoCloseTimers_AbortsWhenMovedOutOfDone(t *testing.T) {
	store := testutil.NewMemoryStore()
	store.PutTask(doneTask("t1", time.Hour))
	store.OnGetTask = func(id string) {
		store.OnGetTask = nil
		reopened := store.Task(id)
		reopened.KanbanColumn = model.ColumnInProgress
		store.PutTask(reopened)
	}

	fake := testutil.NewFakeTmux()
	m := newMonitor(t, store, testutil.Servers{"local": fake})

	closed, err := m.CheckAutoCloseTimers(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, closed)
	assert.Empty(t, fake.Killed())
	assert.Zero(t, store.Writes())

	got := store.Task("t1")
	assert.True(t, got.IsBound())
	assert.Equal(t, "original input", got.Input)
}

func TestCheckAutoCloseTimers_UnknownServer(t *testing.T) {
	store := testutil.NewMemoryStore()
	store.PutTask(doneTask("t1", time.Hour))
	m := newMonitor(t, store, testutil.Servers{})

	closed, err := m.CheckAutoCloseTimers(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, closed)
	assert.True(t, store.Task("t1").IsBound())
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"empty", "", NoOutputPlaceholder},
		{"blank lines", "\n   \n\t\n", NoOutputPlaceholder},
		{"errors win", "compiling\nTests passed: 3\nError: cannot open file\nFAILED main_test.go\n", "Error: cannot open file\nFAILED main_test.go"},
		{"success lines", "step 1\nstep 2\nBuild completed successfully\n", "Build completed successfully"},
		{"checkmark", "lint ✓\nformat\n", "lint ✓"},
		{"raw tail", "alpha\nbeta\ngamma", "alpha\nbeta\ngamma"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Summarize(tt.output))
		})
	}
}

func TestSummarize_TailIsBounded(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 25; i++ {
		fmt.Fprintf(&b, "line %02d\n", i)
	}
	got := strings.Split(Summarize(b.String()), "\n")
	require.Len(t, got, 10)
	assert.Equal(t, "line 15", got[0])
	assert.Equal(t, "line 24", got[9])
}
