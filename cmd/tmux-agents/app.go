package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cnap-oss/tmux-agents/internal/connector"
	"github.com/cnap-oss/tmux-agents/internal/controller"
	"github.com/cnap-oss/tmux-agents/internal/orchestrator"
	"github.com/cnap-oss/tmux-agents/internal/pipeline"
	"github.com/cnap-oss/tmux-agents/internal/reconciler"
	"github.com/cnap-oss/tmux-agents/internal/storage"
	"github.com/cnap-oss/tmux-agents/internal/tmux"
)

// openStore는 설정의 데이터베이스를 열고 스키마를 맞춥니다.
func (c *cliContext) openStore() (*storage.Repository, func(), error) {
	dbCfg := storage.DefaultConfig()
	dbCfg.Logger = c.logger
	db := c.cfg.Database
	if db.DSN != "" {
		dbCfg.DSN = db.DSN
	}
	if db.MaxIdleConns > 0 {
		dbCfg.MaxIdleConns = db.MaxIdleConns
	}
	if db.MaxOpenConns > 0 {
		dbCfg.MaxOpenConns = db.MaxOpenConns
	}
	if db.ConnMaxLifetime > 0 {
		dbCfg.ConnMaxLifetime = db.ConnMaxLifetime
	}

	gdb, err := storage.Open(dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("데이터베이스 연결 실패: %w", err)
	}
	closeDB := func() {
		if err := storage.Close(gdb); err != nil {
			c.logger.Warn("Failed to close database", zap.Error(err))
		}
	}
	if err := storage.AutoMigrate(gdb); err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("스키마 마이그레이션 실패: %w", err)
	}
	repo, err := storage.NewRepository(gdb)
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	return repo, closeDB, nil
}

// withStore는 저장소를 연 채로 fn을 실행합니다.
func (c *cliContext) withStore(fn func(repo *storage.Repository) error) error {
	repo, cleanup, err := c.openStore()
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(repo)
}

// newPipelineEngine은 내장 파이프라인과 설정 파일의 파이프라인을 등록한 엔진을 만듭니다.
func (c *cliContext) newPipelineEngine() (*pipeline.Engine, error) {
	engine := pipeline.NewEngine(c.logger)
	for _, p := range pipeline.GetBuiltInPipelines() {
		engine.RegisterPipeline(p)
	}
	if c.cfg.Pipelines.File != "" {
		if _, err := engine.LoadPipelines(c.cfg.Pipelines.File); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

// newRuntimes는 설정된 백엔드를 로컬 셸 실행기로 구성합니다.
func (c *cliContext) newRuntimes(reg prometheus.Registerer) (*controller.Runtimes, error) {
	return controller.BuildRuntimes(c.cfg, controller.BuildOptions{
		Exec:       tmux.ShellExecutor{},
		Registerer: reg,
		Logger:     c.logger,
	})
}

// newController는 저장소, 런타임, 오케스트레이터, 파이프라인 엔진을 묶은 Controller를 만듭니다.
// withConnector가 참이고 Discord 설정이 있으면 알림도 연결됩니다.
func (c *cliContext) newController(reg prometheus.Registerer, withConnector bool) (*controller.Controller, func(), error) {
	repo, cleanup, err := c.openStore()
	if err != nil {
		return nil, nil, err
	}
	runtimes, err := c.newRuntimes(reg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	engine, err := c.newPipelineEngine()
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	var orchOpts []orchestrator.Option
	var opts []controller.Option
	if reg != nil {
		orchOpts = append(orchOpts, orchestrator.WithMetrics(orchestrator.MustNewMetrics(reg)))
		opts = append(opts, controller.WithReconcilerOptions(reconciler.WithMetrics(reconciler.MustNewMetrics(reg))))
	}
	if withConnector && c.cfg.Discord.Token != "" && c.cfg.Discord.ChannelID != "" {
		dg, err := connector.OpenSession(c.cfg.Discord.Token)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		opts = append(opts, controller.WithConnector(connector.NewServer(c.logger, dg, c.cfg.Discord.ChannelID)))
	}

	ctrl := controller.NewController(c.logger, repo, orchestrator.New(c.logger, orchOpts...), engine, runtimes, controller.Intervals{
		Reconcile:      c.cfg.Reconcile.Interval,
		AutoClose:      c.cfg.AutoClose.Interval,
		AutoCloseDelay: c.cfg.AutoClose.Delay,
		Dispatch:       c.cfg.Dispatch.Interval,
	}, opts...)
	return ctrl, cleanup, nil
}
