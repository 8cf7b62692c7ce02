package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/cnap-oss/tmux-agents/internal/tmux"
)

// FakeTmux는 한 서버의 tmux 상태를 흉내냅니다.
type FakeTmux struct {
	mu       sync.Mutex
	sessions []tmux.Session
	captures map[string]string
	killed   []string

	// TreeErr가 설정되면 GetSessionTree가 실패합니다.
	TreeErr error
	// KillErr가 설정되면 KillWindow가 실패합니다.
	KillErr error
}

// NewFakeTmux는 주어진 세션을 가진 서버를 생성합니다.
func NewFakeTmux(sessions ...tmux.Session) *FakeTmux {
	return &FakeTmux{sessions: sessions, captures: make(map[string]string)}
}

// SetSessions는 라이브 세션 목록을 교체합니다.
func (f *FakeTmux) SetSessions(sessions ...tmux.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = sessions
}

// SetCapture는 target의 capture-pane 출력을 지정합니다.
func (f *FakeTmux) SetCapture(target, output string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures[target] = output
}

// Killed는 종료된 윈도우 target 목록을 반환합니다.
func (f *FakeTmux) Killed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killed...)
}

func (f *FakeTmux) GetSessionTree(context.Context) ([]tmux.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TreeErr != nil {
		return nil, f.TreeErr
	}
	out := make([]tmux.Session, len(f.sessions))
	copy(out, f.sessions)
	return out, nil
}

func (f *FakeTmux) CapturePane(_ context.Context, target string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.captures[target]
	if !ok {
		return "", fmt.Errorf("%w: %s", tmux.ErrWindowNotFound, target)
	}
	return out, nil
}

func (f *FakeTmux) KillWindow(_ context.Context, session, window string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.KillErr != nil {
		return f.KillErr
	}
	target := tmux.Target(session, window, "")
	f.killed = append(f.killed, target)
	return nil
}

// Servers는 serverId별 FakeTmux 모음입니다.
type Servers map[string]*FakeTmux

// Lookup은 serverId로 FakeTmux를 찾습니다.
func (s Servers) Lookup(serverID string) (*FakeTmux, bool) {
	f, ok := s[serverID]
	return f, ok
}

// Session은 이름과 윈도우로 테스트용 세션을 만듭니다.
func Session(name string, attached bool, windows ...tmux.Window) tmux.Session {
	return tmux.Session{Name: name, IsAttached: attached, Windows: windows}
}

// Window는 패널 하나를 가진 테스트용 윈도우를 만듭니다.
func Window(index, name string) tmux.Window {
	return tmux.Window{Index: index, Name: name, Panes: []tmux.Pane{{Index: "0", Command: "claude"}}}
}
