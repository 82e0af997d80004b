package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"yesterday/internal/core"
	"yesterday/internal/store"
)

const displayLayout = "2006-01-02 15:04"

func newTaskCommand(ctx *commandContext) *cobra.Command {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Schedule and inspect tasks",
	}
	taskCmd.AddCommand(newTaskScheduleCommand(ctx))
	taskCmd.AddCommand(newTaskListCommand(ctx))
	taskCmd.AddCommand(newTaskCancelCommand(ctx))
	taskCmd.AddCommand(newTaskStatsCommand(ctx))
	taskCmd.AddCommand(newTaskCleanupCommand(ctx))
	return taskCmd
}

func newTaskScheduleCommand(ctx *commandContext) *cobra.Command {
	var (
		at             string
		priority       string
		recurrence     string
		maxRetries     int
		randomizeSeeds bool
		prompts        []string
	)

	cmd := &cobra.Command{
		Use:   "schedule <workflow-id>",
		Short: "Schedule a workflow to run at a given time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := parseWhen(at, ctx.location())
			if err != nil {
				return err
			}
			input := core.CreateTaskInput{
				WorkflowID:     args[0],
				ScheduledTime:  when,
				RecurrenceType: core.RecurrenceType(strings.ToLower(recurrence)),
			}
			if priority != "" {
				p, err := core.ParsePriority(priority)
				if err != nil {
					return err
				}
				input.Priority = &p
			}
			if cmd.Flags().Changed("max-retries") {
				input.MaxRetries = &maxRetries
			}
			overrides, err := buildOverrides(randomizeSeeds, prompts)
			if err != nil {
				return err
			}
			input.ParameterOverrides = overrides

			return ctx.withStore(cmd.Context(), func(st *store.Store) error {
				tasks, err := st.ScheduleTasks(cmd.Context(), input)
				if err != nil {
					return fmt.Errorf("schedule task: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), core.RecurrenceSummary(when, input.RecurrenceType))
				printTasks(cmd, tasks, ctx.location())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", `When to run, RFC 3339 or "YYYY-MM-DD HH:MM" local time`)
	cmd.Flags().StringVar(&priority, "priority", "", "low, normal, high or urgent")
	cmd.Flags().StringVar(&recurrence, "recurrence", string(core.RecurrenceNone), "none, daily, weekly or monthly")
	cmd.Flags().IntVar(&maxRetries, "max-retries", store.DefaultMaxRetries, "Attempts before the task is marked failed")
	cmd.Flags().BoolVar(&randomizeSeeds, "randomize-seeds", false, "Use fresh random seeds on every run")
	cmd.Flags().StringArrayVar(&prompts, "prompt", nil, "Prompt override as <node-id>=<text> (repeatable)")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func parseWhen(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.In(loc), nil
	}
	t, err := time.ParseInLocation(displayLayout, value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at %q: want RFC 3339 or %q", value, displayLayout)
	}
	return t, nil
}

func buildOverrides(randomizeSeeds bool, prompts []string) (*core.ParameterOverrides, error) {
	if !randomizeSeeds && len(prompts) == 0 {
		return nil, nil
	}
	overrides := &core.ParameterOverrides{RandomizeSeeds: randomizeSeeds}
	for _, p := range prompts {
		nodeID, text, ok := strings.Cut(p, "=")
		nodeID = strings.TrimSpace(nodeID)
		if !ok || nodeID == "" {
			return nil, fmt.Errorf("invalid --prompt %q: want <node-id>=<text>", p)
		}
		if overrides.PromptOverrides == nil {
			overrides.PromptOverrides = make(map[string]string)
		}
		overrides.PromptOverrides[nodeID] = text
	}
	return overrides, nil
}

func newTaskListCommand(ctx *commandContext) *cobra.Command {
	var (
		statuses   []string
		workflowID string
		date       string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			loc := ctx.location()
			var filter core.TaskFilter
			for _, s := range statuses {
				status := core.TaskStatus(strings.ToLower(strings.TrimSpace(s)))
				if !status.Valid() {
					return fmt.Errorf("unknown status %q", s)
				}
				filter.Statuses = append(filter.Statuses, status)
			}
			filter.WorkflowID = workflowID

			return ctx.withStore(cmd.Context(), func(st *store.Store) error {
				var (
					tasks []*core.Task
					err   error
				)
				if date != "" {
					day, perr := time.ParseInLocation(time.DateOnly, date, loc)
					if perr != nil {
						return fmt.Errorf("invalid --date %q: want YYYY-MM-DD", date)
					}
					tasks, err = st.TasksForDate(cmd.Context(), day)
				} else {
					tasks, err = st.ListTasks(cmd.Context(), filter)
				}
				if err != nil {
					return fmt.Errorf("list tasks: %w", err)
				}
				if len(tasks) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No tasks")
					return nil
				}
				printTasks(cmd, tasks, loc)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only tasks in these statuses")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "Only tasks of this workflow")
	cmd.Flags().StringVar(&date, "date", "", "Only tasks on this day (YYYY-MM-DD)")
	return cmd
}

func printTasks(cmd *cobra.Command, tasks []*core.Task, loc *time.Location) {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		errText := ""
		if t.Error != nil {
			errText = *t.Error
		}
		rows = append(rows, []string{
			t.ID,
			t.WorkflowName,
			t.ScheduledTime.In(loc).Format(displayLayout),
			string(t.Status),
			t.Priority.String(),
			fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries),
			errText,
		})
	}
	fmt.Fprint(cmd.OutOrStdout(), renderTable(
		[]string{"ID", "Workflow", "Scheduled", "Status", "Priority", "Retries", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
}

// newTaskCancelCommand marks pending tasks cancelled directly in the store. A
// running daemon drops them from its queue on the next refresh.
func newTaskCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>...",
		Short: "Cancel pending tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(st *store.Store) error {
				for _, id := range args {
					task, err := st.GetTask(cmd.Context(), id)
					if err != nil {
						return err
					}
					if task.Status != core.TaskStatusPending {
						return fmt.Errorf("%w: %s is %s", core.ErrTaskNotPending, id, task.Status)
					}
					if _, err := st.UpdateTaskStatus(cmd.Context(), id, core.TaskStatusCancelled, core.StatusMetadata{}); err != nil {
						return fmt.Errorf("cancel %s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", id)
				}
				return nil
			})
		},
	}
}

func newTaskStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show task counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(st *store.Store) error {
				stats, err := st.Statistics(cmd.Context())
				if err != nil {
					return fmt.Errorf("load statistics: %w", err)
				}
				rows := [][]string{
					{"pending", strconv.Itoa(stats.Pending)},
					{"running", strconv.Itoa(stats.Running)},
					{"completed", strconv.Itoa(stats.Completed)},
					{"failed", strconv.Itoa(stats.Failed)},
					{"cancelled", strconv.Itoa(stats.Cancelled)},
					{"missed", strconv.Itoa(stats.Missed)},
					{"total", strconv.Itoa(stats.Total)},
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
				return nil
			})
		},
	}
}

func newTaskCleanupCommand(ctx *commandContext) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed tasks older than --days",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 0 {
				return fmt.Errorf("--days must be non-negative")
			}
			return ctx.withStore(cmd.Context(), func(st *store.Store) error {
				n, err := st.CleanupOldTasks(cmd.Context(), days)
				if err != nil {
					return fmt.Errorf("clean up tasks: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d task(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "Age in days of completed tasks to delete")
	return cmd
}
