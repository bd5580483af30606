package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"traceserver/internal/store"
	"traceserver/internal/traceerr"
)

const callColumns = `project_id, id, trace_id, parent_id, op_name, display_name, started_at, ended_at,
	inputs, output, exception, attributes, summary, thread_id, turn_id, input_refs, output_refs, deleted_at`

// visibleCall excludes tombstoned rows and ends still waiting for their start.
const visibleCall = "deleted_at IS NULL AND started_at IS NOT NULL"

func (c *Client) StartCall(ctx context.Context, call store.Call) (string, error) {
	inputRefs, err := listArg(call.InputRefs)
	if err != nil {
		return "", err
	}

	// A row that already started keeps its fields; an end-only row takes the
	// start fields and keeps its end.
	var traceID string
	err = c.db.QueryRowContext(ctx, `
	INSERT INTO calls (project_id, id, trace_id, parent_id, op_name, display_name, started_at,
	                   inputs, attributes, thread_id, turn_id, input_refs)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (project_id, id) DO UPDATE SET
		trace_id = excluded.trace_id,
		parent_id = excluded.parent_id,
		op_name = excluded.op_name,
		display_name = excluded.display_name,
		started_at = excluded.started_at,
		inputs = excluded.inputs,
		attributes = excluded.attributes,
		thread_id = excluded.thread_id,
		turn_id = excluded.turn_id,
		input_refs = excluded.input_refs
	WHERE calls.started_at IS NULL
	RETURNING trace_id
	`, call.ProjectID, call.ID, call.TraceID, call.ParentID, call.OpName, call.DisplayName, nanos(call.StartedAt),
		rawArg(call.Inputs), rawArg(call.Attributes), call.ThreadID, call.TurnID, inputRefs).Scan(&traceID)
	if err == nil {
		return traceID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", mapErr(fmt.Errorf("starting call %s: %w", call.ID, err))
	}

	if err := c.db.QueryRowContext(ctx, `
	SELECT trace_id FROM calls WHERE project_id = ? AND id = ?
	`, call.ProjectID, call.ID).Scan(&traceID); err != nil {
		return "", mapErr(fmt.Errorf("reading started call %s: %w", call.ID, err))
	}
	return traceID, nil
}

func (c *Client) EndCall(ctx context.Context, e store.CallEnd, allowOrphan bool) error {
	outputRefs, err := listArg(e.OutputRefs)
	if err != nil {
		return err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback()

	var (
		endedAt, deletedAt sql.NullInt64
		summary            sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
	SELECT ended_at, deleted_at, summary FROM calls WHERE project_id = ? AND id = ?
	`, e.ProjectID, e.ID).Scan(&endedAt, &deletedAt, &summary)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if !allowOrphan {
			return traceerr.NotFoundf("call %s", e.ID)
		}
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO calls (project_id, id, ended_at, output, exception, summary, output_refs)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		`, e.ProjectID, e.ID, nanos(e.EndedAt), rawArg(e.Output), e.Exception, rawArg(e.Summary), outputRefs); err != nil {
			return mapErr(fmt.Errorf("storing end of call %s: %w", e.ID, err))
		}
	case err != nil:
		return mapErr(fmt.Errorf("reading call %s: %w", e.ID, err))
	case deletedAt.Valid:
		return traceerr.NotFoundf("call %s", e.ID)
	case endedAt.Valid:
		return traceerr.Conflictf("call %s already ended", e.ID)
	default:
		merged, err := store.MergeSummary(fromRaw(summary), e.Summary)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
		UPDATE calls SET ended_at = ?, output = ?, exception = ?, summary = ?, output_refs = ?
		WHERE project_id = ? AND id = ?
		`, nanos(e.EndedAt), rawArg(e.Output), e.Exception, rawArg(merged), outputRefs, e.ProjectID, e.ID); err != nil {
			return mapErr(fmt.Errorf("ending call %s: %w", e.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return mapErr(fmt.Errorf("committing call end: %w", err))
	}
	return nil
}

func (c *Client) UpdateCall(ctx context.Context, u store.CallUpdate) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback()

	var (
		summary     sql.NullString
		displayName string
	)
	err = tx.QueryRowContext(ctx, `
	SELECT summary, display_name FROM calls WHERE project_id = ? AND id = ? AND `+visibleCall,
		u.ProjectID, u.ID).Scan(&summary, &displayName)
	if errors.Is(err, sql.ErrNoRows) {
		return traceerr.NotFoundf("call %s", u.ID)
	}
	if err != nil {
		return mapErr(fmt.Errorf("reading call %s: %w", u.ID, err))
	}

	merged, err := store.MergeSummary(fromRaw(summary), u.SummaryPatch)
	if err != nil {
		return err
	}
	if u.DisplayName != nil {
		displayName = *u.DisplayName
	}
	if _, err := tx.ExecContext(ctx, `
	UPDATE calls SET summary = ?, display_name = ? WHERE project_id = ? AND id = ?
	`, rawArg(merged), displayName, u.ProjectID, u.ID); err != nil {
		return mapErr(fmt.Errorf("updating call %s: %w", u.ID, err))
	}

	if err := tx.Commit(); err != nil {
		return mapErr(fmt.Errorf("committing call update: %w", err))
	}
	return nil
}

func (c *Client) GetCall(ctx context.Context, projectID, id string) (*store.Call, error) {
	row := c.db.QueryRowContext(ctx, `
	SELECT `+callColumns+` FROM calls WHERE project_id = ? AND id = ? AND `+visibleCall,
		projectID, id)

	call, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, traceerr.NotFoundf("call %s", id)
	}
	if err != nil {
		return nil, mapErr(fmt.Errorf("reading call %s: %w", id, err))
	}
	return &call, nil
}

// StreamCalls reads streamPageSize rows at a time and hands each page to fn
// after the cursor is closed, so fn may use the client mid-stream. Pages
// after the first continue from the last (started_at, id) seen.
func (c *Client) StreamCalls(ctx context.Context, q store.CallQuery, fn func(store.Call) error) error {
	where, args := callFilter(q)
	dir, cmp := "ASC", ">"
	if q.Desc {
		dir, cmp = "DESC", "<"
	}

	offset := q.Offset
	remaining := q.Limit
	var last *store.Call
	for {
		size := streamPageSize
		if q.Limit > 0 && remaining < size {
			size = remaining
		}

		cond, condArgs := where, slices.Clone(args)
		if last != nil {
			at := last.StartedAt.UnixNano()
			cond += fmt.Sprintf(" AND (started_at %s ? OR (started_at = ? AND id %s ?))", cmp, cmp)
			condArgs = append(condArgs, at, at, last.ID)
		}
		query := fmt.Sprintf("SELECT %s FROM calls WHERE %s ORDER BY started_at %s, id %s LIMIT ? OFFSET ?",
			callColumns, cond, dir, dir)
		condArgs = append(condArgs, size, offset)

		page, err := c.callPage(ctx, query, condArgs)
		if err != nil {
			return err
		}
		for _, call := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(call); err != nil {
				return err
			}
		}

		if len(page) < size {
			return nil
		}
		if q.Limit > 0 {
			if remaining -= len(page); remaining == 0 {
				return nil
			}
		}
		last = &page[len(page)-1]
		offset = 0
	}
}

func (c *Client) callPage(ctx context.Context, query string, args []any) ([]store.Call, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(fmt.Errorf("querying calls: %w", err))
	}
	defer rows.Close()

	page := make([]store.Call, 0, streamPageSize)
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning call: %w", err)
		}
		page = append(page, call)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(fmt.Errorf("iterating calls: %w", err))
	}
	return page, nil
}

func (c *Client) CountCalls(ctx context.Context, q store.CallQuery) (int64, error) {
	where, args := callFilter(q)
	var n int64
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM calls WHERE "+where, args...).Scan(&n); err != nil {
		return 0, mapErr(fmt.Errorf("counting calls: %w", err))
	}
	return n, nil
}

func callFilter(q store.CallQuery) (string, []any) {
	where := []string{"project_id = ?", visibleCall}
	args := []any{q.ProjectID}
	in := func(col string, vals []string) {
		if len(vals) == 0 {
			return
		}
		where = append(where, fmt.Sprintf("%s IN (%s)", col, placeholders(len(vals))))
		args = append(args, anyArgs(vals)...)
	}
	overlap := func(col string, vals []string) {
		if len(vals) == 0 {
			return
		}
		where = append(where, fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) WHERE value IN (%s))", col, placeholders(len(vals))))
		args = append(args, anyArgs(vals)...)
	}

	if len(q.OpNames) > 0 {
		var ops []string
		for _, p := range q.OpNames {
			if prefix, ok := strings.CutSuffix(p, ":*"); ok {
				ops = append(ops, "substr(op_name, 1, length(?)) = ?")
				args = append(args, prefix+":", prefix+":")
				continue
			}
			ops = append(ops, "op_name = ?")
			args = append(args, p)
		}
		where = append(where, "("+strings.Join(ops, " OR ")+")")
	}
	overlap("input_refs", q.InputRefs)
	overlap("output_refs", q.OutputRefs)
	in("trace_id", q.TraceIDs)
	in("parent_id", q.ParentIDs)
	in("id", q.CallIDs)
	in("thread_id", q.ThreadIDs)
	in("turn_id", q.TurnIDs)
	if q.TraceRootsOnly {
		where = append(where, "parent_id = ''")
	}
	if !q.StartedAfter.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, q.StartedAfter.UnixNano())
	}
	if !q.StartedBefore.IsZero() {
		where = append(where, "started_at < ?")
		args = append(args, q.StartedBefore.UnixNano())
	}
	return strings.Join(where, " AND "), args
}

func (c *Client) ChildCallIDs(ctx context.Context, projectID string, parentIDs []string) ([]string, error) {
	ids := []string{}
	if len(parentIDs) == 0 {
		return ids, nil
	}

	query := fmt.Sprintf(`
	SELECT id FROM calls
	WHERE project_id = ? AND deleted_at IS NULL AND parent_id <> '' AND parent_id IN (%s)
	ORDER BY id
	`, placeholders(len(parentIDs)))
	rows, err := c.db.QueryContext(ctx, query, append([]any{projectID}, anyArgs(parentIDs)...)...)
	if err != nil {
		return nil, mapErr(fmt.Errorf("querying child calls: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning child call: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(fmt.Errorf("iterating child calls: %w", err))
	}
	return ids, nil
}

func (c *Client) DeleteCalls(ctx context.Context, projectID string, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
	UPDATE calls SET deleted_at = ?
	WHERE project_id = ? AND deleted_at IS NULL AND id IN (%s)
	`, placeholders(len(ids)))
	result, err := c.db.ExecContext(ctx, query, append([]any{at.UnixNano(), projectID}, anyArgs(ids)...)...)
	if err != nil {
		return 0, mapErr(fmt.Errorf("deleting calls: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return affected, nil
}

func scanCall(s scanner) (store.Call, error) {
	var (
		call                           store.Call
		startedAt, endedAt, deletedAt  sql.NullInt64
		inputs, output, attrs, summary sql.NullString
		inputRefs, outputRefs          string
	)
	err := s.Scan(&call.ProjectID, &call.ID, &call.TraceID, &call.ParentID, &call.OpName, &call.DisplayName,
		&startedAt, &endedAt, &inputs, &output, &call.Exception, &attrs, &summary,
		&call.ThreadID, &call.TurnID, &inputRefs, &outputRefs, &deletedAt)
	if err != nil {
		return store.Call{}, err
	}

	call.StartedAt = fromNanos(startedAt)
	call.EndedAt = fromNanosPtr(endedAt)
	call.DeletedAt = fromNanosPtr(deletedAt)
	call.Inputs = fromRaw(inputs)
	call.Output = fromRaw(output)
	call.Attributes = fromRaw(attrs)
	call.Summary = fromRaw(summary)
	if call.InputRefs, err = fromList(inputRefs); err != nil {
		return store.Call{}, err
	}
	if call.OutputRefs, err = fromList(outputRefs); err != nil {
		return store.Call{}, err
	}
	return call, nil
}
