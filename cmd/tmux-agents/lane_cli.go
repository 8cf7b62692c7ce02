package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/cnap-oss/tmux-agents/internal/model"
	"github.com/cnap-oss/tmux-agents/internal/storage"
)

func buildLaneCommands(cli *cliContext) *cobra.Command {
	laneCmd := &cobra.Command{
		Use:   "lane",
		Short: "스윔레인 관리 명령어",
		Long:  "백엔드, 세션, 작업 디렉터리를 묶은 스윔레인을 관리합니다.",
	}

	lane := &model.SwimLane{}
	laneCreateCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "새로운 스윔레인 생성",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lane.Name = args[0]
			return runLaneCreate(cmd, cli, lane)
		},
	}
	laneCreateCmd.Flags().StringVar(&lane.ID, "id", "", "레인 ID (기본: 자동 생성)")
	laneCreateCmd.Flags().StringVar(&lane.ServerID, "server", "", "백엔드 ID")
	laneCreateCmd.Flags().StringVar(&lane.SessionName, "session", "", "tmux 세션 이름")
	laneCreateCmd.Flags().StringVar(&lane.WorkingDirectory, "dir", "", "작업 디렉터리")
	laneCreateCmd.Flags().StringVar(&lane.AIProvider, "provider", "", "AI 프로바이더 (claude, codex, ...)")

	laneListCmd := &cobra.Command{
		Use:   "list",
		Short: "스윔레인 목록 조회",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLaneList(cmd, cli)
		},
	}

	laneCmd.AddCommand(laneCreateCmd)
	laneCmd.AddCommand(laneListCmd)
	return laneCmd
}

func runLaneCreate(cmd *cobra.Command, cli *cliContext, lane *model.SwimLane) error {
	if lane.ServerID != "" {
		if _, ok := cli.cfg.Backend(lane.ServerID); !ok {
			return fmt.Errorf("설정에 없는 백엔드입니다: %q", lane.ServerID)
		}
	}
	if lane.ID == "" {
		lane.ID = uuid.NewString()
	}
	lane.CreatedAt = time.Now()

	return cli.withStore(func(repo *storage.Repository) error {
		if err := repo.SaveSwimLane(cmd.Context(), lane); err != nil {
			return fmt.Errorf("스윔레인 생성 실패: %w", err)
		}
		if cli.jsonOut {
			return writeJSON(cmd.OutOrStdout(), lane)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ 스윔레인 '%s' 생성 완료 (ID: %s)\n", lane.Name, lane.ID)
		return nil
	})
}

func runLaneList(cmd *cobra.Command, cli *cliContext) error {
	return cli.withStore(func(repo *storage.Repository) error {
		lanes, err := repo.GetAllSwimLanes(cmd.Context())
		if err != nil {
			return fmt.Errorf("스윔레인 목록 조회 실패: %w", err)
		}
		sort.Slice(lanes, func(i, j int) bool { return lanes[i].Name < lanes[j].Name })

		if cli.jsonOut {
			return writeJSON(cmd.OutOrStdout(), lanes)
		}
		if len(lanes) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "등록된 스윔레인이 없습니다.")
			return nil
		}
		t := newTable(cmd.OutOrStdout(), "ID", "NAME", "SERVER", "SESSION", "ACTIVE", "DIR", "PROVIDER")
		for _, l := range lanes {
			t.AppendRow(table.Row{l.ID, l.Name, orDash(l.ServerID), orDash(l.SessionName), l.SessionActive, orDash(l.WorkingDirectory), orDash(l.AIProvider)})
		}
		t.Render()
		return nil
	})
}
