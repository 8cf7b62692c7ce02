package storage

import (
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm/logger"
)

const (
	// DefaultDSN은 설정이 없을 때 사용하는 로컬 SQLite 파일입니다.
	DefaultDSN = "file:tmux-agents.db?_busy_timeout=5000"

	DefaultMaxIdleConns    = 2
	DefaultMaxOpenConns    = 10
	DefaultConnMaxLifetime = 30 * time.Minute
)

// Config는 데이터베이스 연결 설정입니다.
type Config struct {
	DSN                  string
	LogLevel             logger.LogLevel
	MaxIdleConns         int
	MaxOpenConns         int
	ConnMaxLifetime      time.Duration
	SkipDefaultTxn       bool
	PrepareStmt          bool
	DisableAutomaticPing bool
	// Logger가 있으면 GORM 로그를 zap으로 기록합니다.
	Logger        *zap.Logger
	SlowThreshold time.Duration
}

// DefaultConfig는 기본 연결 설정을 반환합니다.
func DefaultConfig() Config {
	return Config{
		DSN:             DefaultDSN,
		LogLevel:        logger.Warn,
		MaxIdleConns:    DefaultMaxIdleConns,
		MaxOpenConns:    DefaultMaxOpenConns,
		ConnMaxLifetime: DefaultConnMaxLifetime,
		SkipDefaultTxn:  true,
		SlowThreshold:   200 * time.Millisecond,
	}
}
