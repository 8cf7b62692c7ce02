package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cnap-oss/tmux-agents/internal/controller"
	"github.com/cnap-oss/tmux-agents/internal/metrics"
)

const shutdownTimeout = 30 * time.Second

func buildServeCommand(cli *cliContext) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "컨트롤러 서버 실행",
		Long:  "태스크 디스패치, 세션 조정, 자동 정리, Pod 감시 루프를 실행하고 /metrics 와 /healthz 를 제공합니다.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if metricsAddr != "" {
				cli.cfg.Metrics.Addr = metricsAddr
			}
			return runServe(cmd.Context(), cli)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "metrics 서버 주소 (기본: 설정의 metrics.addr)")
	return cmd
}

func runServe(parent context.Context, cli *cliContext) error {
	logger := cli.logger
	logger.Info("Starting tmux-agents",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctrl, cleanup, err := cli.newController(reg, true)
	if err != nil {
		return fmt.Errorf("컨트롤러 초기화 실패: %w", err)
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	prepareRuntimes(ctx, logger, ctrl.Runtimes())

	var srv *http.Server
	if cli.cfg.Metrics.Addr != "" {
		srv = newMetricsServer(cli.cfg.Metrics.Addr, reg)
		go func() {
			logger.Info("Metrics server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server error", zap.Error(err))
				cancel()
			}
		}()
	}

	// Graceful shutdown을 위한 signal 처리
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errCh := make(chan error, 1)
	go func() {
		if err := ctrl.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Application error", zap.Error(err))
			errCh <- err
			cancel()
			return
		}
		errCh <- nil
	}()

	var runErr error
	select {
	case <-sigChan:
		logger.Info("Shutdown signal received")
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := ctrl.Stop(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
		return err
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown error", zap.Error(err))
		}
	}

	logger.Info("Application stopped gracefully")
	return runErr
}

// prepareRuntimes는 백엔드 연결을 확인하고 warm pool Deployment를 준비합니다.
// 실패는 경고만 남깁니다.
func prepareRuntimes(ctx context.Context, logger *zap.Logger, rts *controller.Runtimes) {
	for id, err := range rts.Registry.PingAll(ctx) {
		if err != nil {
			logger.Warn("Backend unreachable", zap.String("backend", id), zap.Error(err))
		}
	}
	if rts.Pool != nil {
		if err := rts.Pool.EnsureDeployment(ctx); err != nil {
			logger.Warn("Warm pool deployment not ready", zap.Error(err))
		}
	}
}

func newMetricsServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
