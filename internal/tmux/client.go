// Package tmux talks to tmux servers through an exec prefix, so the same
// client drives a local server, one reached over ssh, or one inside a
// container or pod.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrSessionNotFound is returned when the target session does not exist.
	ErrSessionNotFound = errors.New("tmux session not found")
	// ErrWindowNotFound is returned when the target window does not exist.
	ErrWindowNotFound = errors.New("tmux window not found")
)

// Window options carrying the full ids of the task and agent that own a window.
// Window names only hold the short id.
const (
	OptionTaskID  = "@tmux_agents_task"
	OptionAgentID = "@tmux_agents_agent"
)

const paneFormat = "#{session_name}\t#{session_attached}\t#{window_index}\t#{window_name}\t" +
	"#{pane_index}\t#{pane_current_command}\t#{pane_current_path}\t#{pane_pid}\t#{pane_id}\t" +
	"#{" + OptionTaskID + "}\t#{" + OptionAgentID + "}"

// Pane is one pane of a window.
type Pane struct {
	Index       string `json:"index"`
	Command     string `json:"command"`
	CurrentPath string `json:"currentPath"`
	PID         int    `json:"pid"`
	PaneID      string `json:"paneId,omitempty"`
}

// Window is one window of a session.
type Window struct {
	Index string `json:"index"`
	Name  string `json:"name"`
	// TaskID and AgentID are empty for windows not created by SpawnAgent.
	TaskID  string `json:"taskId,omitempty"`
	AgentID string `json:"agentId,omitempty"`
	Panes   []Pane `json:"panes"`
}

// Session is one live tmux session.
type Session struct {
	Name       string   `json:"name"`
	IsAttached bool     `json:"isAttached"`
	Windows    []Window `json:"windows"`
}

// Window returns the window with the given index, or nil.
func (s *Session) Window(index string) *Window {
	for i := range s.Windows {
		if s.Windows[i].Index == index {
			return &s.Windows[i]
		}
	}
	return nil
}

// Client runs tmux commands on one server.
type Client struct {
	ServerID string
	Prefix   string
	exec     Executor
}

// NewClient returns a client for serverID whose commands are prefixed with prefix.
func NewClient(serverID, prefix string, exec Executor) *Client {
	if exec == nil {
		exec = ShellExecutor{}
	}
	return &Client{ServerID: serverID, Prefix: strings.TrimSpace(prefix), exec: exec}
}

// Wrap routes a command line through the exec prefix. ssh hands its
// arguments to a remote shell, so the command is quoted once more for it.
func (c *Client) Wrap(command string) string {
	switch {
	case c.Prefix == "":
		return command
	case strings.HasPrefix(c.Prefix, "ssh "):
		return c.Prefix + " " + Quote(command)
	default:
		return c.Prefix + " " + command
	}
}

func (c *Client) tmux(args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, "tmux")
	for _, a := range args {
		parts = append(parts, Quote(a))
	}
	return strings.Join(parts, " ")
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	out, err := c.exec.Run(ctx, c.Wrap(c.tmux(args...)))
	if err != nil {
		return out, classify(err)
	}
	return out, nil
}

func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "can't find window"), strings.Contains(msg, "window not found"):
		return fmt.Errorf("%w: %w", ErrWindowNotFound, err)
	case strings.Contains(msg, "can't find session"), strings.Contains(msg, "session not found"),
		strings.Contains(msg, "no server running"), strings.Contains(msg, "no sessions"):
		return fmt.Errorf("%w: %w", ErrSessionNotFound, err)
	}
	return err
}

// ExecCommand runs an arbitrary command line through the exec prefix.
func (c *Client) ExecCommand(ctx context.Context, command string) (string, error) {
	return c.exec.Run(ctx, c.Wrap(command))
}

// GetSessionTree lists every session, window and pane on the server.
// A server with no sessions yields an empty tree.
func (c *Client) GetSessionTree(ctx context.Context) ([]Session, error) {
	out, err := c.run(ctx, "list-panes", "-a", "-F", paneFormat)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return []Session{}, nil
		}
		return nil, fmt.Errorf("list panes: %w", err)
	}
	return ParseSessionTree(out), nil
}

// ParseSessionTree parses list-panes output in paneFormat.
func ParseSessionTree(out string) []Session {
	sessions := make([]Session, 0)
	index := make(map[string]int)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		f := strings.Split(line, "\t")
		if len(f) < 8 {
			continue
		}
		si, ok := index[f[0]]
		if !ok {
			attached, _ := strconv.Atoi(f[1])
			sessions = append(sessions, Session{Name: f[0], IsAttached: attached > 0})
			si = len(sessions) - 1
			index[f[0]] = si
		}
		s := &sessions[si]
		w := s.Window(f[2])
		if w == nil {
			win := Window{Index: f[2], Name: f[3]}
			if len(f) > 9 {
				win.TaskID = strings.TrimSpace(f[9])
			}
			if len(f) > 10 {
				win.AgentID = strings.TrimSpace(f[10])
			}
			s.Windows = append(s.Windows, win)
			w = &s.Windows[len(s.Windows)-1]
		}
		pid, _ := strconv.Atoi(f[7])
		pane := Pane{Index: f[4], Command: f[5], CurrentPath: f[6], PID: pid}
		if len(f) > 8 {
			pane.PaneID = f[8]
		}
		w.Panes = append(w.Panes, pane)
	}
	return sessions
}

// HasSession reports whether the named session exists. Only tmux's own
// "no such session" answer (exit status 1) means false; transport failures
// of the prefix (ssh 255, docker 125-127) are returned as errors.
func (c *Client) HasSession(ctx context.Context, name string) (bool, error) {
	if _, err := c.run(ctx, "has-session", "-t", name); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return false, nil
		}
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && cmdErr.ExitCode == 1 {
			return false, nil
		}
		return false, fmt.Errorf("has-session %s: %w", name, err)
	}
	return true, nil
}

// NewSession creates a detached session rooted at dir.
func (c *Client) NewSession(ctx context.Context, name, dir string) error {
	args := []string{"new-session", "-d", "-s", name}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	_, err := c.run(ctx, args...)
	return err
}

// KillSession kills the named session.
func (c *Client) KillSession(ctx context.Context, name string) error {
	_, err := c.run(ctx, "kill-session", "-t", name)
	return err
}

// NewWindow creates a detached window and returns its index.
func (c *Client) NewWindow(ctx context.Context, session, name, dir string) (string, error) {
	args := []string{"new-window", "-d", "-P", "-F", "#{window_index}", "-t", session + ":", "-n", name}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// SetWindowOption sets a window-scoped option on target (session:window).
func (c *Client) SetWindowOption(ctx context.Context, target, option, value string) error {
	_, err := c.run(ctx, "set-option", "-w", "-t", target, option, value)
	return err
}

// KillWindow kills session:window. A missing window yields ErrWindowNotFound.
func (c *Client) KillWindow(ctx context.Context, session, window string) error {
	_, err := c.run(ctx, "kill-window", "-t", Target(session, window, ""))
	return err
}

// SendKeys types keys into target followed by Enter.
func (c *Client) SendKeys(ctx context.Context, target, keys string) error {
	if _, err := c.run(ctx, "send-keys", "-t", target, "-l", keys); err != nil {
		return err
	}
	_, err := c.run(ctx, "send-keys", "-t", target, "Enter")
	return err
}

// SendKeysToSession types keys into the active pane of session.
func (c *Client) SendKeysToSession(ctx context.Context, session, keys string) error {
	return c.SendKeys(ctx, session, keys)
}

// CapturePane returns the last lines of target's scrollback.
func (c *Client) CapturePane(ctx context.Context, target string, lines int) (string, error) {
	args := []string{"capture-pane", "-p", "-J", "-t", target}
	if lines > 0 {
		args = append(args, "-S", "-"+strconv.Itoa(lines))
	}
	return c.run(ctx, args...)
}

// AttachCommand returns a shell command a human can run to attach to session:window.
func (c *Client) AttachCommand(session, window string) string {
	attach := c.tmux("attach-session", "-t", Target(session, window, ""))
	switch {
	case c.Prefix == "":
		return attach
	case strings.HasPrefix(c.Prefix, "ssh "):
		return "ssh -t" + strings.TrimPrefix(c.Prefix, "ssh") + " " + Quote(attach)
	case strings.HasPrefix(c.Prefix, "docker exec "):
		return "docker exec -it " + strings.TrimPrefix(c.Prefix, "docker exec ") + " " + attach
	case strings.HasPrefix(c.Prefix, "kubectl exec "):
		return "kubectl exec -it " + strings.TrimPrefix(c.Prefix, "kubectl exec ") + " " + attach
	}
	return c.Prefix + " " + attach
}

// Target formats a tmux target. Empty window or pane parts are omitted.
func Target(session, window, pane string) string {
	t := session
	if window != "" {
		t += ":" + window
		if pane != "" {
			t += "." + pane
		}
	}
	return t
}
