package agentruntime

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cnap-oss/tmux-agents/internal/tmux"
)

// scriptedExecutor answers commands by substring match and records them.
type scriptedExecutor struct {
	commands []string
	replies  map[string]func() (string, error)
}

func (s *scriptedExecutor) Run(_ context.Context, command string) (string, error) {
	s.commands = append(s.commands, command)
	for key, reply := range s.replies {
		if strings.Contains(command, key) {
			return reply()
		}
	}
	return "", nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestPrefixes(t *testing.T) {
	assert.Equal(t, "", LocalPrefix())
	assert.Equal(t, "ssh dev", SSHPrefix("dev", 0, ""))
	assert.Equal(t, "ssh dev -p 2222 -F /etc/ssh/cfg", SSHPrefix("dev", 2222, "/etc/ssh/cfg"))
	assert.Equal(t, "docker exec box", DockerPrefix("box"))
	assert.Equal(t, "kubectl exec pod-1 -n agents --", KubectlPrefix("pod-1", "agents"))
}

func TestTmuxBackend_SpawnAgent(t *testing.T) {
	exec := &scriptedExecutor{replies: map[string]func() (string, error){
		"has-session": func() (string, error) {
			return "", &tmux.CommandError{Stderr: "can't find session: work", ExitCode: 1}
		},
		"new-window": func() (string, error) { return "4\n", nil },
	}}
	b := NewDocker("box", "work", "agent-box", exec, zaptest.NewLogger(t))
	var slept time.Duration
	b.sleep = func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}

	h, err := b.SpawnAgent(context.Background(), SpawnConfig{
		AgentID:          "agent-1",
		TaskID:           "abcdef123456",
		Provider:         "claude",
		Prompt:           "fix tests",
		WorkingDirectory: "/repo",
	})
	require.NoError(t, err)

	assert.Equal(t, "work:4", h.Locator)
	assert.Equal(t, "box/work:4", h.RuntimeID)
	assert.Equal(t, "abcdef123456", h.TaskID)
	assert.Equal(t, DefaultSettleDelay, slept)

	require.Len(t, exec.commands, 9)
	assert.Equal(t, "docker exec agent-box tmux new-session -d -s work -c /repo", exec.commands[1])
	assert.Equal(t, "docker exec agent-box tmux new-window -d -P -F '#{window_index}' -t work: -n task-abcdef12 -c /repo", exec.commands[2])
	assert.Equal(t, "docker exec agent-box tmux set-option -w -t work:4 @tmux_agents_task abcdef123456", exec.commands[3])
	assert.Equal(t, "docker exec agent-box tmux set-option -w -t work:4 @tmux_agents_agent agent-1", exec.commands[4])
	assert.Equal(t, "docker exec agent-box tmux send-keys -t work:4 -l claude", exec.commands[5])
	assert.Equal(t, "docker exec agent-box tmux send-keys -t work:4 -l 'fix tests'", exec.commands[7])
}

func TestTmuxBackend_SpawnAgent_LaunchFailureKillsWindow(t *testing.T) {
	tests := []struct {
		name    string
		failing string
	}{
		{name: "tagging fails", failing: "set-option"},
		{name: "launch fails", failing: "send-keys"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &scriptedExecutor{replies: map[string]func() (string, error){
				"new-window": func() (string, error) { return "6", nil },
				tt.failing:   func() (string, error) { return "", assert.AnError },
			}}
			b := NewLocal("local", "main", exec, zaptest.NewLogger(t))
			b.sleep = noSleep

			_, err := b.SpawnAgent(context.Background(), SpawnConfig{TaskID: "t1", Provider: "claude", Prompt: "go"})
			require.ErrorIs(t, err, assert.AnError)
			assert.Equal(t, "tmux kill-window -t main:6", exec.commands[len(exec.commands)-1])
		})
	}
}

func TestTmuxBackend_SpawnAgent_CancelledKillsWindow(t *testing.T) {
	exec := &scriptedExecutor{replies: map[string]func() (string, error){
		"new-window": func() (string, error) { return "2", nil },
	}}
	b := NewLocal("local", "main", exec, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	b.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := b.SpawnAgent(ctx, SpawnConfig{TaskID: "t1", Provider: "claude", Prompt: "go"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "tmux kill-window -t main:2", exec.commands[len(exec.commands)-1])
}

func TestTmuxBackend_SpawnAgent_CustomSettleDelay(t *testing.T) {
	exec := &scriptedExecutor{replies: map[string]func() (string, error){
		"new-window": func() (string, error) { return "1", nil },
	}}
	b := NewLocal("local", "", exec, zaptest.NewLogger(t))
	var slept time.Duration
	b.sleep = func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}

	_, err := b.SpawnAgent(context.Background(), SpawnConfig{
		TaskID: "t1", LaunchCommand: "aider --yes", Prompt: "go", SettleDelay: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, slept)
	assert.Equal(t, "tmux has-session -t tmux-agents", exec.commands[0])
}

func TestTmuxBackend_KillAgent_WindowGone(t *testing.T) {
	exec := &scriptedExecutor{replies: map[string]func() (string, error){
		"kill-window": func() (string, error) {
			return "", &tmux.CommandError{Stderr: "can't find window: 9", ExitCode: 1}
		},
	}}
	b := NewSSH("remote", "main", SSHOptions{Host: "dev"}, exec, zaptest.NewLogger(t))

	require.NoError(t, b.KillAgent(context.Background(), &Handle{Locator: "main:9"}))
	assert.Equal(t, []string{"ssh dev 'tmux kill-window -t main:9'"}, exec.commands)

	assert.ErrorIs(t, b.KillAgent(context.Background(), &Handle{Locator: "broken"}), ErrInvalidHandle)
}

func TestTmuxBackend_ReconcileFromLiveTree(t *testing.T) {
	tree := "main\t1\t0\tshell\t0\tzsh\t/home\t1\t%0\t\t\n" +
		"main\t1\t2\ttask-aaaa1111\t0\tclaude\t/repo\t2\t%1\taaaa1111-2222-3333-4444-555566667777\tagent-7\n" +
		"other\t0\t5\ttask-bbbb2222\t0\tcodex\t/repo\t3\t%2\t\t\n" +
		"other\t0\t6\tnotes\t0\tvim\t/repo\t4\t%3\tcccc3333-0000-0000-0000-000000000000\t\n"
	exec := &scriptedExecutor{replies: map[string]func() (string, error){
		"list-panes": func() (string, error) { return tree, nil },
	}}
	b := NewLocal("local", "main", exec, zaptest.NewLogger(t))
	b.sleep = noSleep

	handles, err := b.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, handles, 3)
	assert.Equal(t, "main:2", handles[0].Locator)
	assert.Equal(t, "aaaa1111-2222-3333-4444-555566667777", handles[0].TaskID, "full id from the window option")
	assert.Equal(t, "agent-7", handles[0].AgentID)
	assert.Equal(t, "local/other:5", handles[1].RuntimeID)
	assert.Equal(t, "bbbb2222", handles[1].TaskID, "untagged windows fall back to the name")
	assert.Empty(t, handles[1].AgentID)
	assert.Equal(t, "cccc3333-0000-0000-0000-000000000000", handles[2].TaskID, "renamed but tagged windows still count")

	snaps, err := b.ListAgents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunRunning, snaps[0].State)
	assert.Equal(t, "claude", snaps[0].Command)
}

func TestTmuxBackend_AttachAndPing(t *testing.T) {
	exec := &scriptedExecutor{}
	b := NewSSH("remote", "main", SSHOptions{Host: "dev", Port: 2200}, exec, zaptest.NewLogger(t))

	assert.Equal(t, "ssh -t dev -p 2200 'tmux attach-session -t main:3'",
		b.GetAttachCommand(&Handle{Locator: "main:3"}))

	require.NoError(t, b.Ping(context.Background()))
	assert.Equal(t, []string{"ssh dev -p 2200 'tmux -V'"}, exec.commands)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewLocal("b", "", &scriptedExecutor{}, nil))
	r.Register(NewLocal("a", "", &scriptedExecutor{}, nil))

	rt, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, BackendLocal, rt.Type())

	_, err = r.Get("zzz")
	assert.ErrorIs(t, err, ErrUnknownBackend)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID())
	assert.Empty(t, r.PingAll(context.Background()))
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
