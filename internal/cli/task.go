package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fresh-milkshake/searcher-agent/internal/app"
	"github.com/fresh-milkshake/searcher-agent/internal/domain"
)

// withApp opens the application for a short-lived command and closes it
// afterwards.
func withApp(opts *options, fn func(ctx context.Context, cmd *cobra.Command, a *app.Application) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := opts.open(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, cmd, a)
	}
}

func newTaskCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, inspect and control research tasks",
	}
	cmd.AddCommand(
		newTaskCreateCommand(opts),
		newTaskListCommand(opts),
		newTaskStatusCommand(opts),
		newTaskReportCommand(opts),
		newTaskControlCommand(opts, "pause", "Stop scheduling a task"),
		newTaskControlCommand(opts, "resume", "Put a paused task back in the queue"),
		newTaskControlCommand(opts, "cancel", "Cancel a task for good"),
	)
	return cmd
}

func newTaskCreateCommand(opts *options) *cobra.Command {
	var userID, description string
	cmd := &cobra.Command{
		Use:   "create [description...]",
		Short: "Queue a new research task",
	}
	cmd.Flags().StringVar(&userID, "user", "", "owner user id")
	cmd.Flags().StringVar(&description, "description", "", "what to research")
	_ = cmd.MarkFlagRequired("user")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if description == "" {
			description = strings.Join(args, " ")
		}
		return withApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app.Application) error {
			task, err := a.Tasks().CreateTask(ctx, userID, description)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), task.ID)
			return nil
		})(cmd, args)
	}
	return cmd
}

func newTaskListCommand(opts *options) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's tasks",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&userID, "user", "", "owner user id")
	_ = cmd.MarkFlagRequired("user")

	cmd.RunE = withApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app.Application) error {
		tasks, err := a.Tasks().ListTasks(ctx, userID)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTasks(tasks))
		return nil
	})
	return cmd
}

func newTaskStatusCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status TASK_ID",
		Short: "Show progress for a task",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app.Application) error {
			report, err := a.Tasks().GetStatus(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(report))
			return nil
		})(cmd, args)
	}
	return cmd
}

func newTaskReportCommand(opts *options) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "report TASK_ID",
		Short: "Print the findings of a task",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print markdown without terminal styling")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app.Application) error {
			task, findings, err := a.Tasks().Findings(ctx, args[0])
			if err != nil {
				return err
			}
			md := reportMarkdown(task, findings)
			if !raw {
				if md, err = renderMarkdown(md); err != nil {
					return err
				}
			}
			fmt.Fprint(cmd.OutOrStdout(), md)
			return nil
		})(cmd, args)
	}
	return cmd
}

func newTaskControlCommand(opts *options, action, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   action + " TASK_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app.Application) error {
			var (
				task domain.Task
				err  error
			)
			switch action {
			case "pause":
				task, err = a.Tasks().PauseTask(ctx, args[0])
			case "resume":
				task, err = a.Tasks().ResumeTask(ctx, args[0])
			default:
				task, err = a.Tasks().CancelTask(ctx, args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", task.ID, task.Status)
			return nil
		})(cmd, args)
	}
	return cmd
}

func newUserCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	plan := &cobra.Command{
		Use:   "plan USER_ID TIER",
		Short: "Switch a user to the free or premium plan",
		Args:  cobra.ExactArgs(2),
	}
	plan.RunE = func(cmd *cobra.Command, args []string) error {
		tier, err := domain.ParsePlanTier(args[1])
		if err != nil {
			return err
		}
		return withApp(opts, func(ctx context.Context, cmd *cobra.Command, a *app.Application) error {
			user, err := a.Tasks().UpgradePlan(ctx, args[0], tier)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", user.ID, user.Plan.DisplayName())
			return nil
		})(cmd, args)
	}
	cmd.AddCommand(plan)
	return cmd
}
