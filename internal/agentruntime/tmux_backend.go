package agentruntime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cnap-oss/tmux-agents/internal/tmux"
)

// DefaultSessionName is used when neither the backend nor the spawn config names a session.
const DefaultSessionName = "tmux-agents"

// TmuxBackend serves the local, ssh and docker backends. They share every
// operation and differ only in the exec prefix of the tmux client.
type TmuxBackend struct {
	id      string
	typ     BackendType
	session string
	client  *tmux.Client
	logger  *zap.Logger
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
}

// NewLocal returns a backend driving the local tmux server.
func NewLocal(id, session string, exec tmux.Executor, logger *zap.Logger) *TmuxBackend {
	return newTmuxBackend(id, BackendLocal, LocalPrefix(), session, exec, logger)
}

// SSHOptions locate a remote host.
type SSHOptions struct {
	Host       string
	Port       int
	ConfigFile string
}

// NewSSH returns a backend driving tmux on a remote host over ssh.
func NewSSH(id, session string, opts SSHOptions, exec tmux.Executor, logger *zap.Logger) *TmuxBackend {
	return newTmuxBackend(id, BackendSSH, SSHPrefix(opts.Host, opts.Port, opts.ConfigFile), session, exec, logger)
}

// NewDocker returns a backend driving tmux inside a running container.
func NewDocker(id, session, container string, exec tmux.Executor, logger *zap.Logger) *TmuxBackend {
	return newTmuxBackend(id, BackendDocker, DockerPrefix(container), session, exec, logger)
}

func newTmuxBackend(id string, typ BackendType, prefix, session string, exec tmux.Executor, logger *zap.Logger) *TmuxBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if session == "" {
		session = DefaultSessionName
	}
	return &TmuxBackend{
		id:      id,
		typ:     typ,
		session: session,
		client:  tmux.NewClient(id, prefix, exec),
		logger:  logger.Named("runtime").With(zap.String("backend", id), zap.String("type", string(typ))),
		now:     time.Now,
		sleep:   Sleep,
	}
}

// ID returns the backend id (the server id of its sessions).
func (b *TmuxBackend) ID() string { return b.id }

// Type returns the backend type.
func (b *TmuxBackend) Type() BackendType { return b.typ }

// Client exposes the session collaborator of this backend.
func (b *TmuxBackend) Client() *tmux.Client { return b.client }

// SpawnAgent opens a task window in the session, starts the provider and
// types the prompt once the provider has settled.
func (b *TmuxBackend) SpawnAgent(ctx context.Context, cfg SpawnConfig) (*Handle, error) {
	session := cfg.SessionName
	if session == "" {
		session = b.session
	}

	exists, err := b.client.HasSession(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("check session %s: %w", session, err)
	}
	if !exists {
		if err := b.client.NewSession(ctx, session, cfg.WorkingDirectory); err != nil {
			return nil, fmt.Errorf("create session %s: %w", session, err)
		}
	}

	name := tmux.WindowName(firstNonEmpty(cfg.TaskID, cfg.AgentID))
	window, err := b.client.NewWindow(ctx, session, name, cfg.WorkingDirectory)
	if err != nil {
		return nil, fmt.Errorf("create window %s: %w", name, err)
	}
	target := tmux.Target(session, window, "")

	if err := b.launchWindow(ctx, target, cfg); err != nil {
		b.discardWindow(ctx, session, window)
		return nil, err
	}

	h := &Handle{
		RuntimeID: b.runtimeID(session, window),
		AgentID:   cfg.AgentID,
		TaskID:    cfg.TaskID,
		Locator:   target,
		CreatedAt: b.now(),
	}
	b.logger.Info("Agent spawned",
		zap.String("task_id", cfg.TaskID),
		zap.String("target", target),
		zap.String("provider", cfg.Provider),
	)
	return h, nil
}

// launchWindow records the full ids on the window, since its name only
// carries a short prefix, then starts the agent.
func (b *TmuxBackend) launchWindow(ctx context.Context, target string, cfg SpawnConfig) error {
	for _, opt := range [...][2]string{
		{tmux.OptionTaskID, cfg.TaskID},
		{tmux.OptionAgentID, cfg.AgentID},
	} {
		if opt[1] == "" {
			continue
		}
		if err := b.client.SetWindowOption(ctx, target, opt[0], opt[1]); err != nil {
			return fmt.Errorf("tag window %s: %w", target, err)
		}
	}
	return Launch(ctx, b.client, target, cfg, b.sleep)
}

// discardWindow kills a window whose launch failed. It runs detached from
// ctx so a cancelled spawn does not leave the window behind.
func (b *TmuxBackend) discardWindow(ctx context.Context, session, window string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := b.client.KillWindow(ctx, session, window); err != nil &&
		!errors.Is(err, tmux.ErrWindowNotFound) && !errors.Is(err, tmux.ErrSessionNotFound) {
		b.logger.Warn("Cleanup of failed spawn failed", zap.String("target", tmux.Target(session, window, "")), zap.Error(err))
	}
}

// Launch sends the provider command, waits for it to settle and types the prompt.
func Launch(ctx context.Context, c *tmux.Client, target string, cfg SpawnConfig, sleep func(context.Context, time.Duration) error) error {
	if sleep == nil {
		sleep = Sleep
	}
	command := firstNonEmpty(cfg.LaunchCommand, cfg.Provider)
	if command != "" {
		if err := c.SendKeys(ctx, target, command); err != nil {
			return fmt.Errorf("send launch command: %w", err)
		}
	}
	if cfg.Prompt == "" {
		return nil
	}
	delay := cfg.SettleDelay
	if delay <= 0 {
		delay = DefaultSettleDelay
	}
	if err := sleep(ctx, delay); err != nil {
		return err
	}
	if err := c.SendKeys(ctx, target, cfg.Prompt); err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	return nil
}

// KillAgent kills the agent's window. A window that is already gone is success.
func (b *TmuxBackend) KillAgent(ctx context.Context, h *Handle) error {
	session, window, err := splitLocator(h.Locator)
	if err != nil {
		return err
	}
	if err := b.client.KillWindow(ctx, session, window); err != nil {
		if errors.Is(err, tmux.ErrWindowNotFound) || errors.Is(err, tmux.ErrSessionNotFound) {
			return nil
		}
		return fmt.Errorf("kill window %s: %w", h.Locator, err)
	}
	b.logger.Info("Agent killed", zap.String("target", h.Locator))
	return nil
}

// ListAgents reports every task window on the server. Ids come from the
// window options set at spawn; windows without them fall back to the short
// id in the window name.
func (b *TmuxBackend) ListAgents(ctx context.Context) ([]AgentSnapshot, error) {
	tree, err := b.client.GetSessionTree(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AgentSnapshot, 0)
	for _, s := range tree {
		for _, w := range s.Windows {
			short, ok := tmux.TaskIDFromWindow(w.Name)
			tagged := w.TaskID != "" || w.AgentID != ""
			if !ok && !tagged {
				continue
			}
			taskID := w.TaskID
			if !tagged {
				taskID = short
			}
			snap := AgentSnapshot{
				Handle: Handle{
					RuntimeID: b.runtimeID(s.Name, w.Index),
					AgentID:   w.AgentID,
					TaskID:    taskID,
					Locator:   tmux.Target(s.Name, w.Index, ""),
				},
				State: RunRunning,
			}
			if len(w.Panes) > 0 {
				snap.Command = w.Panes[0].Command
			}
			out = append(out, snap)
		}
	}
	return out, nil
}

// GetAttachCommand returns the shell command that attaches to the agent's window.
func (b *TmuxBackend) GetAttachCommand(h *Handle) string {
	session, window, err := splitLocator(h.Locator)
	if err != nil {
		return b.client.AttachCommand(h.Locator, "")
	}
	return b.client.AttachCommand(session, window)
}

// Ping checks that tmux can be reached through the prefix.
func (b *TmuxBackend) Ping(ctx context.Context) error {
	if _, err := b.client.ExecCommand(ctx, "tmux -V"); err != nil {
		return fmt.Errorf("ping %s: %w", b.id, err)
	}
	return nil
}

// Reconcile rebuilds handles from the live session tree.
func (b *TmuxBackend) Reconcile(ctx context.Context) ([]*Handle, error) {
	snaps, err := b.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", b.id, err)
	}
	out := make([]*Handle, 0, len(snaps))
	for i := range snaps {
		h := snaps[i].Handle
		out = append(out, &h)
	}
	return out, nil
}

func (b *TmuxBackend) runtimeID(session, window string) string {
	return b.id + "/" + session + ":" + window
}

func splitLocator(locator string) (string, string, error) {
	i := strings.LastIndexByte(locator, ':')
	if i <= 0 || i == len(locator)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidHandle, locator)
	}
	return locator[:i], locator[i+1:], nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
