package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/cnap-oss/tmux-agents/internal/model"
	"github.com/cnap-oss/tmux-agents/internal/storage"
)

type taskCreateOptions struct {
	id          string
	description string
	lane        string
	role        string
	priority    int
	input       string
	dependsOn   []string
	backlog     bool
	autoClose   bool
}

func buildTaskCommands(cli *cliContext) *cobra.Command {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Task 관리 명령어",
		Long:  "저장소의 Task 생성, 조회, 컬럼 이동, 취소 기능을 제공합니다.",
	}

	opts := &taskCreateOptions{}
	taskCreateCmd := &cobra.Command{
		Use:   "create <description>",
		Short: "새로운 Task 생성",
		Long:  "Task를 todo 컬럼(또는 --backlog)에 pending 상태로 생성합니다. 실행 중인 serve가 다음 디스패치 주기에 가져갑니다.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.description = args[0]
			return runTaskCreate(cmd, cli, opts)
		},
	}
	taskCreateCmd.Flags().StringVar(&opts.id, "id", "", "Task ID (기본: 자동 생성)")
	taskCreateCmd.Flags().StringVar(&opts.lane, "lane", "", "스윔레인 ID")
	taskCreateCmd.Flags().StringVar(&opts.role, "role", string(model.RoleCoder), "대상 에이전트 역할")
	taskCreateCmd.Flags().IntVar(&opts.priority, "priority", 0, "우선순위 (클수록 먼저)")
	taskCreateCmd.Flags().StringVar(&opts.input, "input", "", "에이전트에게 전달할 추가 입력")
	taskCreateCmd.Flags().StringSliceVar(&opts.dependsOn, "depends-on", nil, "선행 Task ID 목록")
	taskCreateCmd.Flags().BoolVar(&opts.backlog, "backlog", false, "backlog 컬럼에 생성")
	taskCreateCmd.Flags().BoolVar(&opts.autoClose, "auto-close", false, "autoClose 표시 (정리 자체는 done 컬럼 기준)")

	var column string
	taskListCmd := &cobra.Command{
		Use:   "list",
		Short: "Task 목록 조회",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskList(cmd, cli, column)
		},
	}
	taskListCmd.Flags().StringVar(&column, "column", "", "칸반 컬럼으로 필터링")

	taskViewCmd := &cobra.Command{
		Use:   "view <task-id>",
		Short: "Task 상세 정보 조회",
		Long:  "Task의 상세 정보와 상태 변경 이력을 조회합니다.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskView(cmd, cli, args[0])
		},
	}

	taskCancelCmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Task 취소",
		Long:  "Task를 cancelled 상태로 변경합니다. 실행 중인 serve가 대기열에서 제거합니다.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskCancel(cmd, cli, args[0])
		},
	}

	taskMoveCmd := &cobra.Command{
		Use:   "move <task-id> <column>",
		Short: "Task 컬럼 이동",
		Long:  "Task를 칸반 컬럼(backlog, todo, in_progress, in_review, done)으로 이동합니다.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskMove(cmd, cli, args[0], args[1])
		},
	}

	taskDeleteCmd := &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Task 삭제",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskDelete(cmd, cli, args[0])
		},
	}

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskViewCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskMoveCmd)
	taskCmd.AddCommand(taskDeleteCmd)

	return taskCmd
}

func parseColumn(s string) (model.KanbanColumn, error) {
	col := model.KanbanColumn(strings.ToLower(strings.TrimSpace(s)))
	switch col {
	case model.ColumnBacklog, model.ColumnTodo, model.ColumnInProgress, model.ColumnInReview, model.ColumnDone:
		return col, nil
	}
	return "", fmt.Errorf("알 수 없는 컬럼: %q", s)
}

func parseRole(s string) (model.AgentRole, error) {
	role := model.AgentRole(strings.ToLower(strings.TrimSpace(s)))
	switch role {
	case model.RoleCoder, model.RoleReviewer, model.RoleTester, model.RoleDevOps, model.RoleResearcher, model.RoleCustom:
		return role, nil
	}
	return "", fmt.Errorf("알 수 없는 역할: %q", s)
}

func runTaskCreate(cmd *cobra.Command, cli *cliContext, opts *taskCreateOptions) error {
	role, err := parseRole(opts.role)
	if err != nil {
		return err
	}
	id := opts.id
	if id == "" {
		id = uuid.NewString()
	}
	column := model.ColumnTodo
	if opts.backlog {
		column = model.ColumnBacklog
	}
	task := &model.Task{
		ID:           id,
		Description:  opts.description,
		TargetRole:   &role,
		Status:       model.TaskPending,
		Priority:     opts.priority,
		Input:        opts.input,
		CreatedAt:    time.Now(),
		KanbanColumn: column,
		SwimLaneID:   opts.lane,
		DependsOn:    opts.dependsOn,
		AutoClose:    opts.autoClose,
	}

	return cli.withStore(func(repo *storage.Repository) error {
		ctx := cmd.Context()
		if _, err := repo.GetTask(ctx, id); err == nil {
			return fmt.Errorf("Task '%s'가 이미 존재합니다", id)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err := repo.SaveTask(ctx, task); err != nil {
			return fmt.Errorf("Task 생성 실패: %w", err)
		}
		if cli.jsonOut {
			return writeJSON(cmd.OutOrStdout(), task)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Task '%s' 생성 완료 (컬럼: %s)\n", id, column)
		return nil
	})
}

func runTaskList(cmd *cobra.Command, cli *cliContext, column string) error {
	var filter model.KanbanColumn
	if column != "" {
		col, err := parseColumn(column)
		if err != nil {
			return err
		}
		filter = col
	}

	return cli.withStore(func(repo *storage.Repository) error {
		tasks, err := repo.GetAllTasks(cmd.Context())
		if err != nil {
			return fmt.Errorf("Task 목록 조회 실패: %w", err)
		}
		out := make([]*model.Task, 0, len(tasks))
		for _, t := range tasks {
			if filter == "" || t.KanbanColumn == filter {
				out = append(out, t)
			}
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

		if cli.jsonOut {
			return writeJSON(cmd.OutOrStdout(), out)
		}
		if len(out) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "등록된 Task가 없습니다.")
			return nil
		}
		t := newTable(cmd.OutOrStdout(), "ID", "COLUMN", "STATUS", "LANE", "WINDOW", "DESCRIPTION")
		for _, task := range out {
			window := "-"
			if task.IsBound() {
				window = task.SessionName + ":" + task.WindowIndex
			}
			t.AppendRow(table.Row{task.ID, task.KanbanColumn, task.Status, orDash(task.SwimLaneID), window, truncate(task.Description, 48)})
		}
		t.Render()
		return nil
	})
}

func runTaskView(cmd *cobra.Command, cli *cliContext, taskID string) error {
	return cli.withStore(func(repo *storage.Repository) error {
		ctx := cmd.Context()
		task, err := repo.GetTask(ctx, taskID)
		if err != nil {
			return fmt.Errorf("Task 조회 실패: %w", err)
		}
		history, err := repo.ListStatusHistory(ctx, taskID)
		if err != nil {
			return fmt.Errorf("상태 이력 조회 실패: %w", err)
		}

		if cli.jsonOut {
			return writeJSON(cmd.OutOrStdout(), struct {
				*model.Task
				History []*model.StatusHistoryEntry `json:"history"`
			}{task, history})
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "=== Task 정보: %s ===\n", task.ID)
		fmt.Fprintf(w, "Description:  %s\n", task.Description)
		fmt.Fprintf(w, "Status:       %s\n", task.Status)
		fmt.Fprintf(w, "Column:       %s\n", task.KanbanColumn)
		fmt.Fprintf(w, "Lane:         %s\n", orDash(task.SwimLaneID))
		fmt.Fprintf(w, "Agent:        %s\n", orDash(task.AssignedAgentID))
		if task.IsBound() {
			fmt.Fprintf(w, "Window:       %s/%s:%s\n", task.ServerID, task.SessionName, task.WindowIndex)
		}
		if task.ErrorMessage != "" {
			fmt.Fprintf(w, "Error:        %s\n", task.ErrorMessage)
		}
		fmt.Fprintf(w, "Created:      %s\n", task.CreatedAt.Format(time.RFC3339))
		if task.DoneAt != nil {
			fmt.Fprintf(w, "Done:         %s\n", task.DoneAt.Format(time.RFC3339))
		}

		if len(history) == 0 {
			return nil
		}
		fmt.Fprintln(w)
		t := newTable(w, "CHANGED", "STATUS", "COLUMN", "REASON")
		for _, h := range history {
			t.AppendRow(table.Row{
				h.ChangedAt.Format(time.RFC3339),
				fmt.Sprintf("%s → %s", h.FromStatus, h.ToStatus),
				fmt.Sprintf("%s → %s", h.FromColumn, h.ToColumn),
				h.Reason,
			})
		}
		t.Render()
		return nil
	})
}

func runTaskCancel(cmd *cobra.Command, cli *cliContext, taskID string) error {
	return cli.withStore(func(repo *storage.Repository) error {
		ctx := cmd.Context()
		task, err := repo.GetTask(ctx, taskID)
		if err != nil {
			return fmt.Errorf("Task 조회 실패: %w", err)
		}
		if task.Status.IsTerminal() {
			return fmt.Errorf("Task '%s'는 이미 %s 상태입니다", taskID, task.Status)
		}
		from := task.Status
		task.Status = model.TaskCancelled
		if err := saveWithHistory(cmd, repo, task, from, task.KanbanColumn); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Task '%s' 취소 완료\n", taskID)
		return nil
	})
}

func runTaskMove(cmd *cobra.Command, cli *cliContext, taskID, column string) error {
	col, err := parseColumn(column)
	if err != nil {
		return err
	}
	return cli.withStore(func(repo *storage.Repository) error {
		task, err := repo.GetTask(cmd.Context(), taskID)
		if err != nil {
			return fmt.Errorf("Task 조회 실패: %w", err)
		}
		if task.KanbanColumn == col {
			fmt.Fprintf(cmd.OutOrStdout(), "Task '%s'는 이미 %s 컬럼에 있습니다.\n", taskID, col)
			return nil
		}
		fromColumn := task.KanbanColumn
		task.KanbanColumn = col
		if col == model.ColumnDone {
			now := time.Now()
			task.DoneAt = &now
		} else {
			task.DoneAt = nil
		}
		if err := saveWithHistory(cmd, repo, task, task.Status, fromColumn); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Task '%s' 이동 완료 (%s → %s)\n", taskID, fromColumn, col)
		return nil
	})
}

func runTaskDelete(cmd *cobra.Command, cli *cliContext, taskID string) error {
	return cli.withStore(func(repo *storage.Repository) error {
		if err := repo.DeleteTask(cmd.Context(), taskID); err != nil {
			return fmt.Errorf("Task 삭제 실패: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Task '%s' 삭제 완료\n", taskID)
		return nil
	})
}

func saveWithHistory(cmd *cobra.Command, repo *storage.Repository, task *model.Task, fromStatus model.TaskStatus, fromColumn model.KanbanColumn) error {
	ctx := cmd.Context()
	if err := repo.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("Task 저장 실패: %w", err)
	}
	return repo.AddStatusHistory(ctx, &model.StatusHistoryEntry{
		TaskID:     task.ID,
		FromStatus: fromStatus,
		ToStatus:   task.Status,
		FromColumn: fromColumn,
		ToColumn:   task.KanbanColumn,
		Reason:     model.ReasonManual,
		ChangedAt:  time.Now(),
	})
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
