package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cnap-oss/tmux-agents/internal/pipeline"
)

func buildPipelineCommands(cli *cliContext) *cobra.Command {
	pipelineCmd := &cobra.Command{
		Use:   "pipeline",
		Short: "파이프라인 명령어",
		Long:  "내장 파이프라인과 설정 파일의 파이프라인을 조회하고 실행합니다.",
	}

	pipelineListCmd := &cobra.Command{
		Use:   "list",
		Short: "파이프라인 목록 조회",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipelineList(cmd, cli)
		},
	}

	pipelineShowCmd := &cobra.Command{
		Use:   "show <pipeline-id>",
		Short: "파이프라인 스테이지 조회",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipelineShow(cmd, cli, args[0])
		},
	}

	var (
		lane    string
		vars    []string
		timeout time.Duration
	)
	pipelineRunCmd := &cobra.Command{
		Use:   "run <pipeline-id>",
		Short: "파이프라인 실행",
		Long:  "컨트롤러를 띄워 파이프라인을 실행하고 완료되거나 일시정지될 때까지 기다립니다.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseVars(vars)
			if err != nil {
				return err
			}
			return runPipelineRun(cmd, cli, args[0], lane, parsed, timeout)
		},
	}
	pipelineRunCmd.Flags().StringVar(&lane, "lane", "", "스테이지 태스크를 띄울 스윔레인 ID")
	pipelineRunCmd.Flags().StringArrayVar(&vars, "var", nil, "템플릿 변수 (key=value, 반복 가능)")
	pipelineRunCmd.Flags().DurationVar(&timeout, "timeout", 0, "최대 대기 시간 (0은 무제한)")

	pipelineCmd.AddCommand(pipelineListCmd)
	pipelineCmd.AddCommand(pipelineShowCmd)
	pipelineCmd.AddCommand(pipelineRunCmd)
	return pipelineCmd
}

// parseVars는 key=value 목록을 맵으로 바꿉니다.
func parseVars(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("잘못된 변수 형식: %q (key=value)", p)
		}
		out[k] = v
	}
	return out, nil
}

func runPipelineList(cmd *cobra.Command, cli *cliContext) error {
	engine, err := cli.newPipelineEngine()
	if err != nil {
		return err
	}
	pipelines := engine.GetAllPipelines()
	sort.Slice(pipelines, func(i, j int) bool { return pipelines[i].ID < pipelines[j].ID })

	if cli.jsonOut {
		return writeJSON(cmd.OutOrStdout(), pipelines)
	}
	t := newTable(cmd.OutOrStdout(), "ID", "NAME", "STAGES", "DESCRIPTION")
	for _, p := range pipelines {
		t.AppendRow(table.Row{p.ID, p.Name, len(p.Stages), orDash(p.Description)})
	}
	t.Render()
	return nil
}

func runPipelineShow(cmd *cobra.Command, cli *cliContext, id string) error {
	engine, err := cli.newPipelineEngine()
	if err != nil {
		return err
	}
	p, err := engine.GetPipeline(id)
	if err != nil {
		return err
	}
	if cli.jsonOut {
		return writeJSON(cmd.OutOrStdout(), p)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "=== Pipeline: %s (%s) ===\n", p.Name, p.ID)
	t := newTable(cmd.OutOrStdout(), "STAGE", "ROLE", "DEPENDS ON", "TASK")
	for _, s := range p.Stages {
		t.AppendRow(table.Row{s.ID, s.AgentRole, orDash(strings.Join(s.DependsOn, ", ")), truncate(s.TaskDescription, 60)})
	}
	t.Render()
	return nil
}

func runPipelineRun(cmd *cobra.Command, cli *cliContext, pipelineID, lane string, vars map[string]string, timeout time.Duration) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctrl, cleanup, err := cli.newController(nil, false)
	if err != nil {
		return fmt.Errorf("컨트롤러 초기화 실패: %w", err)
	}
	defer cleanup()

	run, err := ctrl.SubmitPipelineRun(ctx, pipelineID, lane, vars)
	if err != nil {
		return fmt.Errorf("파이프라인 실행 실패: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "▶ Pipeline '%s' 실행 시작 (Run: %s)\n", pipelineID, run.ID)

	errCh := make(chan error, 1)
	go func() { errCh <- ctrl.Start(ctx) }()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := ctrl.Stop(stopCtx); err != nil {
			cli.logger.Warn("Controller stop failed", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("파이프라인 대기 중단: %w", ctx.Err())
		case <-ticker.C:
		}

		current, err := ctrl.Pipelines().GetRun(run.ID)
		if err != nil {
			return err
		}
		switch current.Status {
		case pipeline.RunCompleted:
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Pipeline '%s' 완료\n", pipelineID)
			return nil
		case pipeline.RunPaused, pipeline.RunFailed:
			return fmt.Errorf("파이프라인 %s: run %s", current.Status, run.ID)
		}
	}
}
