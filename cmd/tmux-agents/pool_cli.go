package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/cnap-oss/tmux-agents/internal/agentruntime/kube"
)

var errPoolDisabled = errors.New("warm pool이 설정되지 않았습니다 (pool.enabled)")

func buildPoolCommands(cli *cliContext) *cobra.Command {
	poolCmd := &cobra.Command{
		Use:   "pool",
		Short: "Kubernetes warm pool 명령어",
	}

	poolStatusCmd := &cobra.Command{
		Use:   "status",
		Short: "warm pool 상태 조회",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := cli.pool()
			if err != nil {
				return err
			}
			stats, err := pool.GetPoolStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("pool 상태 조회 실패: %w", err)
			}
			if cli.jsonOut {
				return writeJSON(cmd.OutOrStdout(), stats)
			}
			t := newTable(cmd.OutOrStdout(), "TOTAL", "IDLE", "CLAIMED")
			t.AppendRow(table.Row{stats.Total, stats.Idle, stats.Claimed})
			t.Render()
			return nil
		},
	}

	poolScaleCmd := &cobra.Command{
		Use:   "scale <replicas>",
		Short: "warm pool 크기 조정",
		Long:  "Deployment replica 수를 설정합니다. 값은 pool.min과 pool.max 사이로 제한됩니다.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseInt(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("잘못된 replica 수: %q", args[0])
			}
			pool, err := cli.pool()
			if err != nil {
				return err
			}
			applied, err := pool.Scale(cmd.Context(), int32(n))
			if err != nil {
				return fmt.Errorf("pool 크기 조정 실패: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ warm pool replicas=%d\n", applied)
			return nil
		},
	}

	poolEnsureCmd := &cobra.Command{
		Use:   "ensure",
		Short: "warm pool Deployment 생성",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := cli.pool()
			if err != nil {
				return err
			}
			if err := pool.EnsureDeployment(cmd.Context()); err != nil {
				return fmt.Errorf("pool Deployment 생성 실패: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ warm pool Deployment 준비 완료")
			return nil
		},
	}

	poolCmd.AddCommand(poolStatusCmd)
	poolCmd.AddCommand(poolScaleCmd)
	poolCmd.AddCommand(poolEnsureCmd)
	return poolCmd
}

func (c *cliContext) pool() (*kube.Pool, error) {
	if !c.cfg.Pool.Enabled {
		return nil, errPoolDisabled
	}
	runtimes, err := c.newRuntimes(nil)
	if err != nil {
		return nil, err
	}
	if runtimes.Pool == nil {
		return nil, errPoolDisabled
	}
	return runtimes.Pool, nil
}
