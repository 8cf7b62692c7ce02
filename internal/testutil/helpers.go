// Package testutil는 패키지 테스트가 공유하는 컨텍스트, 가짜 세션 서버, 메모리 저장소를 제공합니다.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const (
	defaultTestTimeout = 30 * time.Second
	pollInterval       = 10 * time.Millisecond
)

// TestContext는 테스트 하나의 컨텍스트, 임시 디렉터리, 로거를 묶습니다.
type TestContext struct {
	Ctx     context.Context
	Cancel  context.CancelFunc
	TempDir string
	Logger  *zap.Logger
	T       *testing.T
}

// NewTestContext는 테스트 종료 시 취소되는 컨텍스트를 만듭니다.
func NewTestContext(t *testing.T) *TestContext {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), defaultTestTimeout)
	t.Cleanup(cancel)

	return &TestContext{
		Ctx:     ctx,
		Cancel:  cancel,
		TempDir: t.TempDir(),
		Logger:  zaptest.NewLogger(t),
		T:       t,
	}
}

// CreateTempFile은 TempDir 아래에 파일을 쓰고 경로를 반환합니다. 중간 디렉터리도 만듭니다.
func (tc *TestContext) CreateTempFile(name, content string) string {
	tc.T.Helper()

	path := filepath.Join(tc.TempDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tc.T.Fatalf("디렉토리 생성 실패: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		tc.T.Fatalf("파일 작성 실패: %v", err)
	}
	return path
}

// SetupTestEnvironment는 환경 변수를 설정하고 테스트가 끝나면 이전 값으로 되돌립니다.
func SetupTestEnvironment(t *testing.T, envVars map[string]string) {
	t.Helper()
	for key, value := range envVars {
		t.Setenv(key, value)
	}
}

// WaitForCondition은 condition이 참이 될 때까지 폴링하고, timeout이 지나면 테스트를 실패시킵니다.
func WaitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-deadline.C:
			t.Fatalf("조건 만족 대기 시간 초과 (%s)", timeout)
		case <-ticker.C:
		}
	}
}

// SkipIfShort는 -short 모드에서 sqlite 파일을 쓰는 느린 테스트를 건너뜁니다.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("짧은 테스트 모드에서 건너뜀")
	}
}
