package main

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"yesterday/internal/config"
	"yesterday/internal/store"
)

type commandContext struct {
	stateDirFlag *string
	utcFlag      *bool
}

func newRootCommand() *cobra.Command {
	var stateDir string
	var useUTC bool
	ctx := &commandContext{stateDirFlag: &stateDir, utcFlag: &useUTC}

	rootCmd := &cobra.Command{
		Use:           "yesterdayctl",
		Short:         "Manage the workflow library and scheduled tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "Directory holding the database (defaults to YESTERDAY_STATE_DIR)")
	rootCmd.PersistentFlags().BoolVar(&useUTC, "utc", false, "Read and print times in UTC")

	rootCmd.AddCommand(newWorkflowCommand(ctx))
	rootCmd.AddCommand(newTaskCommand(ctx))
	rootCmd.AddCommand(newRecurrenceCommand(ctx))
	return rootCmd
}

// withStore opens the state database for the duration of fn.
func (c *commandContext) withStore(ctx context.Context, fn func(*store.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dir := cfg.StateDir
	if c.stateDirFlag != nil && strings.TrimSpace(*c.stateDirFlag) != "" {
		dir = strings.TrimSpace(*c.stateDirFlag)
	}
	st, err := store.Open(ctx, dir)
	if err != nil {
		return err
	}
	defer st.Close()
	st.MaxRetries = cfg.Scheduler.DefaultMaxRetries
	return fn(st)
}

func (c *commandContext) location() *time.Location {
	if c.utcFlag != nil && *c.utcFlag {
		return time.UTC
	}
	return time.Local
}
