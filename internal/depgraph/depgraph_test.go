package depgraph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnap-oss/tmux-agents/internal/model"
)

func TestClassify(t *testing.T) {
	completed := CompletedSet("a", "b")

	tests := []struct {
		name string
		deps []string
		want Status
	}{
		{name: "nil deps", deps: nil, want: NoDependencies},
		{name: "empty deps", deps: []string{}, want: NoDependencies},
		{name: "all completed", deps: []string{"a", "b"}, want: Unblocked},
		{name: "one missing", deps: []string{"a", "c"}, want: Blocked},
		{name: "unknown id", deps: []string{"ghost"}, want: Blocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.deps, completed))
		})
	}
}

func TestClassifyTasks_TwoCycleIsBlocked(t *testing.T) {
	tasks := []*model.Task{
		{ID: "A", Status: model.TaskPending, DependsOn: []string{"B"}},
		{ID: "B", Status: model.TaskPending, DependsOn: []string{"A"}},
		{ID: "self", Status: model.TaskPending, DependsOn: []string{"self"}},
	}

	got := ClassifyTasks(tasks)
	assert.Equal(t, Blocked, got["A"])
	assert.Equal(t, Blocked, got["B"])
	assert.Equal(t, Blocked, got["self"])
}

func TestClassifyTasks_LargeCycle(t *testing.T) {
	const n = 500
	tasks := make([]*model.Task, 0, n)
	for i := 0; i < n; i++ {
		tasks = append(tasks, &model.Task{
			ID:        fmt.Sprintf("t%d", i),
			Status:    model.TaskPending,
			DependsOn: []string{fmt.Sprintf("t%d", (i+1)%n)},
		})
	}

	got := ClassifyTasks(tasks)
	require.Len(t, got, n)
	for id, status := range got {
		assert.Equal(t, Blocked, status, id)
	}
}

func TestClassifyTasks_Chain(t *testing.T) {
	tasks := []*model.Task{
		{ID: "1", Status: model.TaskCompleted},
		{ID: "2", Status: model.TaskPending, DependsOn: []string{"1"}},
		{ID: "3", Status: model.TaskPending, DependsOn: []string{"2"}},
	}

	got := ClassifyTasks(tasks)
	assert.Equal(t, NoDependencies, got["1"])
	assert.Equal(t, Unblocked, got["2"])
	assert.Equal(t, Blocked, got["3"])
}
