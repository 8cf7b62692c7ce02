package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/cnap-oss/tmux-agents/internal/model"
)

// Dialect는 DSN으로 고른 데이터베이스 종류입니다.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DetectDialect는 DSN 형태로 드라이버를 고릅니다.
// "file:", "sqlite:", ":memory:", ".db" 로 끝나는 경로는 SQLite, 나머지는 PostgreSQL입니다.
func DetectDialect(dsn string) Dialect {
	dsn = strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(dsn, "file:"),
		strings.HasPrefix(dsn, "sqlite:"),
		dsn == ":memory:",
		strings.HasSuffix(dsn, ".db"):
		return DialectSQLite
	}
	return DialectPostgres
}

func dialectorFor(dsn string) gorm.Dialector {
	if DetectDialect(dsn) == DialectSQLite {
		return sqlite.Open(strings.TrimPrefix(strings.TrimSpace(dsn), "sqlite:"))
	}
	return postgres.Open(dsn)
}

// gormLogger는 Config.Logger가 있으면 GORM 로그를 zap으로 보냅니다.
func gormLogger(cfg Config) logger.Interface {
	if cfg.Logger == nil {
		return logger.Default.LogMode(cfg.LogLevel)
	}
	return logger.New(zap.NewStdLog(cfg.Logger.Named("gorm")), logger.Config{
		SlowThreshold:             cfg.SlowThreshold,
		LogLevel:                  cfg.LogLevel,
		IgnoreRecordNotFoundError: true,
	})
}

// Open은 DSN에 맞는 드라이버로 연결하고 커넥션 풀을 설정합니다.
func Open(cfg Config) (*gorm.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("storage: empty DSN")
	}

	db, err := gorm.Open(dialectorFor(cfg.DSN), &gorm.Config{
		Logger:                 gormLogger(cfg),
		NamingStrategy:         schema.NamingStrategy{},
		SkipDefaultTransaction: cfg.SkipDefaultTxn,
		PrepareStmt:            cfg.PrepareStmt,
		DisableAutomaticPing:   cfg.DisableAutomaticPing,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", DetectDialect(cfg.DSN), err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("storage: get sql.DB: %w", err)
	}
	configurePool(sqlDB, cfg)
	return db, nil
}

func configurePool(sqlDB *sql.DB, cfg Config) {
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	// 메모리 SQLite는 연결마다 별도 DB가 되므로 단일 연결로 고정합니다.
	if strings.Contains(cfg.DSN, ":memory:") || strings.Contains(cfg.DSN, "mode=memory") {
		sqlDB.SetMaxOpenConns(1)
	}
}

// AutoMigrate는 태스크, 스윔레인, 상태 이력 테이블을 만들거나 갱신합니다.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("storage: nil database handle")
	}
	if err := db.AutoMigrate(&model.Task{}, &model.SwimLane{}, &model.StatusHistoryEntry{}); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

// Close는 연결 풀을 닫습니다. nil 핸들은 무시합니다.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("storage: close: %w", err)
	}
	return sqlDB.Close()
}
