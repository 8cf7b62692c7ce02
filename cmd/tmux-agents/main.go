package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cnap-oss/tmux-agents/internal/config"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cliContext는 하위 명령이 공유하는 설정과 로거입니다.
type cliContext struct {
	configPath string
	jsonOut    bool
	cfg        *config.Config
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	cli := &cliContext{}
	root := &cobra.Command{
		Use:           "tmux-agents",
		Short:         "tmux 세션 위에서 AI 코딩 에이전트를 운영하는 컨트롤 플레인",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return cli.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if cli.logger != nil {
				_ = cli.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&cli.configPath, "config", "", "설정 파일 경로 (기본: ./tmux-agents.yaml, ~/.tmux-agents/tmux-agents.yaml)")
	root.PersistentFlags().BoolVar(&cli.jsonOut, "json", false, "JSON으로 출력")

	root.AddCommand(buildServeCommand(cli))
	root.AddCommand(buildTaskCommands(cli))
	root.AddCommand(buildLaneCommands(cli))
	root.AddCommand(buildPipelineCommands(cli))
	root.AddCommand(buildPoolCommands(cli))
	root.AddCommand(buildReconcileCommand(cli))
	root.AddCommand(buildVersionCommand())
	return root
}

// load는 .env, 설정 파일, 로거를 순서대로 준비합니다.
func (c *cliContext) load() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	logger, err := initLogger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	c.cfg = cfg
	c.logger = logger
	return nil
}

// initLogger는 zap logger를 초기화합니다.
// LOG_LEVEL 환경변수가 설정 파일의 레벨보다 우선합니다.
func initLogger(configLevel string) (*zap.Logger, error) {
	env := os.Getenv("ENV")
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = configLevel
	}

	var logCfg zap.Config
	if env == "production" {
		logCfg = zap.NewProductionConfig()
	} else {
		logCfg = zap.NewDevelopmentConfig()
	}

	if logLevel != "" {
		level, err := zap.ParseAtomicLevel(logLevel)
		if err == nil {
			logCfg.Level = level
		}
	}

	return logCfg.Build()
}

func buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "버전 정보 출력",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tmux-agents %s (built %s)\n", Version, BuildTime)
		},
	}
}
