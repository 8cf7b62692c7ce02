package taskrunner

import (
	"context"

	"github.com/cnap-oss/tmux-agents/internal/agentruntime"
	"github.com/cnap-oss/tmux-agents/internal/model"
)

// TaskRunner defines the contract for one task's agent.
type TaskRunner interface {
	Start(ctx context.Context) (*agentruntime.Handle, error)
	Stop(ctx context.Context) error
	CheckStatus(ctx context.Context) RunnerStatus
	Subscribe(o TaskRunnerObserver)
	Unsubscribe(o TaskRunnerObserver)
}

// ensure Runner implements TaskRunner.
var _ TaskRunner = (*Runner)(nil)

// Placement says where and how a task's agent is spawned.
type Placement struct {
	RuntimeID        string
	Provider         string
	LaunchCommand    string
	WorkingDirectory string
	SessionName      string
	Image            string
	Env              map[string]string
	Resources        agentruntime.Resources
}

// Placer picks a placement for a task. ok=false leaves the task queued.
type Placer func(ctx context.Context, task *model.Task) (Placement, bool)

// DefaultProvider is launched when a placement names no provider.
const DefaultProvider = "claude"

// StaticPlacer places every task on one runtime.
func StaticPlacer(runtimeID, provider string) Placer {
	return func(context.Context, *model.Task) (Placement, bool) {
		return Placement{RuntimeID: runtimeID, Provider: provider}, true
	}
}

// Prompt builds the text typed into the agent after launch.
func Prompt(task *model.Task) string {
	if task.Input == "" {
		return task.Description
	}
	if task.Description == "" {
		return task.Input
	}
	return task.Description + "\n\n" + task.Input
}
