package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"yesterday/internal/core"
)

func newRecurrenceCommand(ctx *commandContext) *cobra.Command {
	recurrenceCmd := &cobra.Command{
		Use:   "recurrence",
		Short: "Inspect recurrence expansion",
	}

	var at string
	previewCmd := &cobra.Command{
		Use:   "preview <none|daily|weekly|monthly>",
		Short: "Show the occurrences a recurring request would create",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recurrence := core.RecurrenceType(strings.ToLower(args[0]))
			if !recurrence.Valid() {
				return fmt.Errorf("unknown recurrence %q", args[0])
			}
			loc := ctx.location()
			start, err := parseWhen(at, loc)
			if err != nil {
				return err
			}
			inputs := core.GenerateRecurringTasks(core.CreateTaskInput{ScheduledTime: start}, recurrence)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s\n", core.RecurrenceLabel(recurrence), core.RecurrenceSummary(start, recurrence))
			for i, in := range inputs {
				fmt.Fprintf(out, "%4d  %s\n", i+1, in.ScheduledTime.In(loc).Format("Mon 2006-01-02 15:04"))
			}
			return nil
		},
	}
	previewCmd.Flags().StringVar(&at, "at", "", `First occurrence, RFC 3339 or "YYYY-MM-DD HH:MM" local time`)
	_ = previewCmd.MarkFlagRequired("at")

	recurrenceCmd.AddCommand(previewCmd)
	return recurrenceCmd
}
