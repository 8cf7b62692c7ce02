package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Executor runs one shell command line and returns its stdout.
type Executor interface {
	Run(ctx context.Context, command string) (string, error)
}

// CommandError carries the stderr of a failed command.
type CommandError struct {
	Command  string
	Stderr   string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("command %q failed (exit %d): %s", e.Command, e.ExitCode, msg)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ShellExecutor runs commands with sh -c on the local host.
type ShellExecutor struct{}

// Run executes command and returns stdout. A non-zero exit becomes a *CommandError.
func (ShellExecutor) Run(ctx context.Context, command string) (string, error) {
	//nolint:gosec // commands are assembled from quoted tmux arguments
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return stdout.String(), &CommandError{Command: command, Stderr: stderr.String(), ExitCode: code, Err: err}
	}
	return stdout.String(), nil
}

// Quote wraps s in single quotes for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("-_./:=@%+,", r):
		return false
	}
	return true
}
