package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"yesterday/internal/core"
	"yesterday/internal/store"
)

func newWorkflowCommand(ctx *commandContext) *cobra.Command {
	workflowCmd := &cobra.Command{
		Use:   "workflow",
		Short: "Manage the workflow library",
	}
	workflowCmd.AddCommand(newWorkflowImportCommand(ctx))
	workflowCmd.AddCommand(newWorkflowListCommand(ctx))
	workflowCmd.AddCommand(newWorkflowDeleteCommand(ctx))
	workflowCmd.AddCommand(newWorkflowTagsCommand(ctx))
	return workflowCmd
}

func newWorkflowImportCommand(ctx *commandContext) *cobra.Command {
	var name string
	var tags []string
	var description string

	cmd := &cobra.Command{
		Use:   "import <file.json>...",
		Short: "Import workflow graphs or an exported library",
		Long: `Import reads each file as either a single workflow graph or an
array of workflows as produced by an export. Graph files are named after
the file unless --name is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name != "" && len(args) > 1 {
				return errors.New("--name can only be used with a single file")
			}
			var inputs []core.CreateWorkflowInput
			for _, path := range args {
				parsed, err := readWorkflowFile(path, name, tags, description)
				if err != nil {
					return err
				}
				inputs = append(inputs, parsed...)
			}
			return ctx.withStore(cmd.Context(), func(st *store.Store) error {
				imported, err := st.BulkImportWorkflows(cmd.Context(), inputs)
				if err != nil {
					return fmt.Errorf("import workflows: %w", err)
				}
				for _, wf := range imported {
					fmt.Fprintf(cmd.OutOrStdout(), "Imported %s (%s, %d nodes)\n", wf.Name, wf.ID, wf.Metadata.NodeCount)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Workflow name (single graph file only)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tag to attach (repeatable)")
	cmd.Flags().StringVar(&description, "description", "", "Workflow description")
	return cmd
}

// readWorkflowFile accepts an exported array or a bare graph object.
func readWorkflowFile(path, name string, tags []string, description string) ([]core.CreateWorkflowInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var inputs []core.CreateWorkflowInput
		if err := json.Unmarshal(trimmed, &inputs); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return inputs, nil
	}

	graph, err := core.ParseGraph(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	fileName := filepath.Base(path)
	if name == "" {
		name = strings.TrimSuffix(fileName, filepath.Ext(fileName))
	}
	return []core.CreateWorkflowInput{{
		Name:        name,
		FileName:    fileName,
		Graph:       graph,
		Tags:        tags,
		Description: description,
	}}, nil
}

func newWorkflowListCommand(ctx *commandContext) *cobra.Command {
	var tags []string
	var search string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List library workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(st *store.Store) error {
				var (
					workflows []*core.Workflow
					err       error
				)
				switch {
				case search != "":
					workflows, err = st.SearchWorkflows(cmd.Context(), search)
				case len(tags) > 0:
					workflows, err = st.ListWorkflowsByTags(cmd.Context(), tags)
				default:
					workflows, err = st.ListWorkflows(cmd.Context())
				}
				if err != nil {
					return fmt.Errorf("list workflows: %w", err)
				}
				if len(workflows) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No workflows")
					return nil
				}
				loc := ctx.location()
				rows := make([][]string, 0, len(workflows))
				for _, wf := range workflows {
					lastRun := "never"
					if wf.Metadata.LastExecuted != nil {
						lastRun = wf.Metadata.LastExecuted.In(loc).Format("2006-01-02 15:04")
					}
					rows = append(rows, []string{
						wf.ID,
						wf.Name,
						strconv.Itoa(wf.Metadata.NodeCount),
						strings.Join(wf.Tags, ", "),
						strconv.Itoa(wf.Metadata.ExecutionCount),
						lastRun,
					})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Name", "Nodes", "Tags", "Runs", "Last run"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Only workflows carrying any of these tags")
	cmd.Flags().StringVar(&search, "search", "", "Case-insensitive search in name, file name and description")
	return cmd
}

func newWorkflowDeleteCommand(ctx *commandContext) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return ctx.withStore(cmd.Context(), func(st *store.Store) error {
				if force {
					n, err := st.DeleteTasksByWorkflow(cmd.Context(), id)
					if err != nil {
						return fmt.Errorf("delete tasks of %s: %w", id, err)
					}
					if n > 0 {
						fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d task(s)\n", n)
					}
				}
				if err := st.DeleteWorkflow(cmd.Context(), id); err != nil {
					if errors.Is(err, core.ErrWorkflowInUse) {
						return fmt.Errorf("%w (use --force to delete its tasks too)", err)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted workflow %s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Also delete every task scheduled from this workflow")
	return cmd
}

func newWorkflowTagsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "tags",
		Short: "List every tag in the library",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(st *store.Store) error {
				tags, err := st.AllTags(cmd.Context())
				if err != nil {
					return fmt.Errorf("list tags: %w", err)
				}
				for _, tag := range tags {
					fmt.Fprintln(cmd.OutOrStdout(), tag)
				}
				return nil
			})
		},
	}
}
