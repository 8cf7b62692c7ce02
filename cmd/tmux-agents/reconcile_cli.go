package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func buildReconcileCommand(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "세션 조정과 자동 정리를 한 번 실행",
		Long:  "스윔레인 세션 상태와 태스크 윈도우 연결을 실제 tmux 서버와 맞추고, 완료 후 지연 시간이 지난 윈도우를 정리합니다.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, cleanup, err := cli.newController(nil, false)
			if err != nil {
				return fmt.Errorf("컨트롤러 초기화 실패: %w", err)
			}
			defer cleanup()

			res, err := ctrl.ReconcileNow(cmd.Context())
			if err != nil {
				return fmt.Errorf("세션 조정 실패: %w", err)
			}
			closed, err := ctrl.AutoCloseNow(cmd.Context())
			if err != nil {
				return fmt.Errorf("자동 정리 실패: %w", err)
			}

			if cli.jsonOut {
				return writeJSON(cmd.OutOrStdout(), struct {
					Reconcile  any `json:"reconcile"`
					AutoClosed int `json:"autoClosed"`
				}{res, closed})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ 레인 %d개 확인 (갱신 %d), 연결 %d, 고아 %d, 건너뜀 %d, 자동 정리 %d\n",
				res.LanesChecked, res.LanesUpdated, res.Bound, res.Orphaned, res.Skipped, closed)
			return nil
		},
	}
}
