package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"yesterday/internal/core"
)

const workflowColumns = `id, name, file_name, graph, tags, description, node_count, estimated_duration,
	last_executed, execution_count, created_at, updated_at`

// CreateWorkflow adds a workflow to the library.
func (s *Store) CreateWorkflow(ctx context.Context, input core.CreateWorkflowInput) (*core.Workflow, error) {
	if err := core.ValidateCreateWorkflow(input); err != nil {
		return nil, err
	}
	wf := s.newWorkflow(input)
	if err := insertWorkflow(ctx, s.DB, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// BulkImportWorkflows adds every input in one transaction.
func (s *Store) BulkImportWorkflows(ctx context.Context, inputs []core.CreateWorkflowInput) ([]*core.Workflow, error) {
	for i, input := range inputs {
		if err := core.ValidateCreateWorkflow(input); err != nil {
			return nil, fmt.Errorf("workflow %d: %w", i, err)
		}
	}
	out := make([]*core.Workflow, 0, len(inputs))
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, input := range inputs {
			wf := s.newWorkflow(input)
			if err := insertWorkflow(ctx, tx, wf); err != nil {
				return err
			}
			out = append(out, wf)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) newWorkflow(input core.CreateWorkflowInput) *core.Workflow {
	now := s.now()
	tags := input.Tags
	if tags == nil {
		tags = []string{}
	}
	return &core.Workflow{
		ID:        core.NewID(),
		Name:      input.Name,
		FileName:  input.FileName,
		Graph:     input.Graph,
		Tags:      tags,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata: core.WorkflowMetadata{
			NodeCount:   len(input.Graph),
			Description: input.Description,
		},
	}
}

// GetWorkflow returns the workflow with the given id or ErrWorkflowNotFound.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*core.Workflow, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
		}
		return nil, err
	}
	return wf, nil
}

// ListWorkflows returns the whole library, newest first.
func (s *Store) ListWorkflows(ctx context.Context) ([]*core.Workflow, error) {
	return s.queryWorkflows(ctx, "")
}

// ListWorkflowsByTags returns workflows carrying any of tags. No tags means all.
func (s *Store) ListWorkflowsByTags(ctx context.Context, tags []string) ([]*core.Workflow, error) {
	if len(tags) == 0 {
		return s.ListWorkflows(ctx)
	}
	marks := make([]string, len(tags))
	args := make([]any, len(tags))
	for i, tag := range tags {
		marks[i] = "?"
		args[i] = tag
	}
	return s.queryWorkflows(ctx,
		"EXISTS (SELECT 1 FROM json_each(workflows.tags) WHERE json_each.value IN ("+strings.Join(marks, ", ")+"))",
		args...)
}

// SearchWorkflows matches query case-insensitively against name, file name
// and description.
func (s *Store) SearchWorkflows(ctx context.Context, query string) ([]*core.Workflow, error) {
	pattern := "%" + strings.ToLower(query) + "%"
	return s.queryWorkflows(ctx,
		"LOWER(name) LIKE ? OR LOWER(file_name) LIKE ? OR LOWER(description) LIKE ?",
		pattern, pattern, pattern)
}

func (s *Store) queryWorkflows(ctx context.Context, where string, args ...any) ([]*core.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY created_at DESC, id ASC"
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()
	var out []*core.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateWorkflow renames, retags or re-describes a workflow. Task snapshots of
// the old name are left as they are.
func (s *Store) UpdateWorkflow(ctx context.Context, id string, input core.UpdateWorkflowInput) (*core.Workflow, error) {
	wf, err := s.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if input.Name != nil {
		if strings.TrimSpace(*input.Name) == "" {
			return nil, &core.ValidationError{Field: "name", Message: "name is required"}
		}
		wf.Name = *input.Name
	}
	if input.Tags != nil {
		wf.Tags = append([]string{}, (*input.Tags)...)
	}
	if input.Description != nil {
		wf.Metadata.Description = *input.Description
	}
	wf.UpdatedAt = s.now()
	tags, err := json.Marshal(wf.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		UPDATE workflows SET name = ?, tags = ?, description = ?, updated_at = ? WHERE id = ?
	`, wf.Name, string(tags), wf.Metadata.Description, formatTime(wf.UpdatedAt), id)
	if err != nil {
		return nil, fmt.Errorf("update workflow: %w", err)
	}
	return wf, nil
}

// DeleteWorkflow removes a workflow that no task references.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var refs int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE workflow_id = ?`, id).Scan(&refs); err != nil {
			return fmt.Errorf("count workflow tasks: %w", err)
		}
		if refs > 0 {
			return fmt.Errorf("%w: %d scheduled task(s) are using it", core.ErrWorkflowInUse, refs)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete workflow: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
		}
		return nil
	})
}

// AllTags returns every tag used in the library, sorted and de-duplicated.
func (s *Store) AllTags(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT json_each.value FROM workflows, json_each(workflows.tags)`)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()
	tags := []string{}
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(tags)
	return tags, nil
}

// ExportWorkflows renders the selected workflows, or the whole library when
// ids is empty, as indented JSON. Unknown ids are skipped.
func (s *Store) ExportWorkflows(ctx context.Context, ids []string) ([]byte, error) {
	var (
		workflows []*core.Workflow
		err       error
	)
	if len(ids) == 0 {
		if workflows, err = s.ListWorkflows(ctx); err != nil {
			return nil, err
		}
	} else {
		for _, id := range ids {
			wf, err := s.GetWorkflow(ctx, id)
			if errors.Is(err, ErrWorkflowNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			workflows = append(workflows, wf)
		}
	}
	if workflows == nil {
		workflows = []*core.Workflow{}
	}
	return json.MarshalIndent(workflows, "", "  ")
}

// RecordWorkflowExecution bumps the execution counter after a successful submission.
func (s *Store) RecordWorkflowExecution(ctx context.Context, id string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE workflows SET execution_count = execution_count + 1, last_executed = ? WHERE id = ?
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("record workflow execution: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertWorkflow(ctx context.Context, db execer, wf *core.Workflow) error {
	graph, err := json.Marshal(wf.Graph)
	if err != nil {
		return fmt.Errorf("encode workflow graph: %w", err)
	}
	tags, err := json.Marshal(wf.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, wf.ID, wf.Name, wf.FileName, string(graph), string(tags), wf.Metadata.Description,
		wf.Metadata.NodeCount, nullableInt(wf.Metadata.EstimatedDuration), nullableTime(wf.Metadata.LastExecuted),
		wf.Metadata.ExecutionCount, formatTime(wf.CreatedAt), formatTime(wf.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

func scanWorkflow(scanner rowScanner) (*core.Workflow, error) {
	var (
		wf           core.Workflow
		graph        string
		tags         string
		estimated    sql.NullInt64
		lastExecuted sql.NullString
		createdAt    string
		updatedAt    string
	)
	if err := scanner.Scan(&wf.ID, &wf.Name, &wf.FileName, &graph, &tags, &wf.Metadata.Description,
		&wf.Metadata.NodeCount, &estimated, &lastExecuted, &wf.Metadata.ExecutionCount,
		&createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	if err := json.Unmarshal([]byte(graph), &wf.Graph); err != nil {
		return nil, fmt.Errorf("decode graph of %s: %w", wf.ID, err)
	}
	if err := json.Unmarshal([]byte(tags), &wf.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", wf.ID, err)
	}
	if estimated.Valid {
		v := int(estimated.Int64)
		wf.Metadata.EstimatedDuration = &v
	}
	var err error
	if wf.Metadata.LastExecuted, err = parseNullTime(lastExecuted); err != nil {
		return nil, err
	}
	if wf.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if wf.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &wf, nil
}
