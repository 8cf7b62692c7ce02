// Package agentruntime unifies the execution backends agents run on.
//
// Every backend drives tmux and differs mainly in the exec prefix put in
// front of each tmux command: nothing for a local server, ssh for a remote
// host, docker exec for a container and kubectl exec for a pod.
package agentruntime

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownBackend is returned when no runtime is registered under an id.
	ErrUnknownBackend = errors.New("unknown runtime backend")
	// ErrInvalidHandle is returned for a handle whose locator cannot be parsed.
	ErrInvalidHandle = errors.New("invalid runtime handle")
	// ErrHandleNotFound is returned when no live handle is tracked for a task.
	ErrHandleNotFound = errors.New("runtime handle not found")
)

// BackendType identifies a runtime implementation.
type BackendType string

const (
	BackendLocal      BackendType = "local"
	BackendSSH        BackendType = "ssh"
	BackendDocker     BackendType = "docker"
	BackendKubernetes BackendType = "kubernetes"
)

// Handle is an opaque cross-backend reference to a running agent.
// Locator is backend specific: session:window for tmux backends, the pod
// name for Kubernetes.
type Handle struct {
	RuntimeID string    `json:"runtimeId"`
	AgentID   string    `json:"agentId"`
	TaskID    string    `json:"taskId"`
	Locator   string    `json:"locator"`
	CreatedAt time.Time `json:"createdAt"`
}

// RunState is the backend view of an agent.
type RunState string

const (
	RunStarting  RunState = "starting"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
)

// AgentSnapshot is one agent as reported by the backend.
type AgentSnapshot struct {
	Handle
	State    RunState `json:"state"`
	Phase    string   `json:"phase,omitempty"`
	Provider string   `json:"provider,omitempty"`
	Command  string   `json:"command,omitempty"`
}

// Resources are per-spawn resource overrides. Empty fields fall back to the
// backend defaults.
type Resources struct {
	CPURequest    string `json:"cpuRequest,omitempty" mapstructure:"cpuRequest"`
	CPULimit      string `json:"cpuLimit,omitempty" mapstructure:"cpuLimit"`
	MemoryRequest string `json:"memoryRequest,omitempty" mapstructure:"memoryRequest"`
	MemoryLimit   string `json:"memoryLimit,omitempty" mapstructure:"memoryLimit"`
	GPU           int    `json:"gpu,omitempty" mapstructure:"gpu"`
}

// SpawnConfig describes an agent to start.
type SpawnConfig struct {
	AgentID          string
	TaskID           string
	TaskName         string
	Provider         string
	LaunchCommand    string
	Prompt           string
	WorkingDirectory string
	SessionName      string
	Image            string
	Env              map[string]string
	Resources        Resources
	// SettleDelay is how long to wait after the launch command before the
	// prompt is typed. Zero means the backend default.
	SettleDelay time.Duration
}

// Runtime is the contract every backend implements.
type Runtime interface {
	ID() string
	Type() BackendType
	SpawnAgent(ctx context.Context, cfg SpawnConfig) (*Handle, error)
	KillAgent(ctx context.Context, h *Handle) error
	ListAgents(ctx context.Context) ([]AgentSnapshot, error)
	GetAttachCommand(h *Handle) string
	Ping(ctx context.Context) error
	// Reconcile re-derives the live handle set from backend truth, never
	// from cached expectations.
	Reconcile(ctx context.Context) ([]*Handle, error)
}

// DefaultSettleDelay is the pause between the launch command and the prompt.
const DefaultSettleDelay = 2 * time.Second

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
