package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"hermit/internal/protocol"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage scheduled tasks",
	}
	cmd.AddCommand(newTaskAddCmd(), newTaskListCmd(), newTaskRmCmd())
	return cmd
}

func newTaskAddCmd() *cobra.Command {
	var (
		group    string
		cronExpr string
	)

	cmd := &cobra.Command{
		Use:   "add [prompt...]",
		Short: "Add a scheduled task",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			if prompt == "" {
				return errors.New("no prompt provided")
			}
			resp, err := request(cmd.Context(), protocol.Request{
				Cmd:    protocol.CmdTaskAdd,
				Group:  group,
				Cron:   cronExpr,
				Prompt: prompt,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Task %s created. Next run: %s\n", resp.TaskID, resp.NextRun)
			return nil
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "default", "group name")
	cmd.Flags().StringVarP(&cronExpr, "cron", "c", "",
		"schedule: @hourly, @daily, @weekly, */N (minutes), once:+Nm, once:DATETIME, or 5-field cron")
	_ = cmd.MarkFlagRequired("cron")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := request(cmd.Context(), protocol.Request{Cmd: protocol.CmdTaskList})
			if err != nil {
				return err
			}
			if len(resp.Tasks) == 0 {
				fmt.Println("No scheduled tasks.")
				return nil
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Group", "Schedule", "Status", "Next Run", "Prompt", "Last Result"})
			tw.SetColumnConfigs([]table.ColumnConfig{
				{Name: "Prompt", WidthMax: 40, WidthMaxEnforcer: text.WrapSoft},
				{Name: "Last Result", WidthMax: 40, WidthMaxEnforcer: text.WrapSoft},
			})
			for _, t := range resp.Tasks {
				tw.AppendRow(table.Row{
					t.ID, t.GroupName, t.Cron, t.Status, t.NextRun, t.Prompt, t.LastResult,
				})
			}
			tw.Render()
			return nil
		},
	}
}

func newTaskRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <task-id>",
		Short: "Remove a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := request(cmd.Context(), protocol.Request{
				Cmd:    protocol.CmdTaskRm,
				TaskID: args[0],
			})
			if err != nil {
				return err
			}
			fmt.Println(resp.Message)
			return nil
		},
	}
}
