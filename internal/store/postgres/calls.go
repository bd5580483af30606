package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"traceserver/internal/store"
	"traceserver/internal/traceerr"
)

const callColumns = `project_id, id, trace_id, parent_id, op_name, display_name, started_at, ended_at,
	inputs, output, exception, attributes, summary, thread_id, turn_id, input_refs, output_refs, deleted_at`

const visibleCall = "deleted_at IS NULL AND started_at IS NOT NULL"

func (c *Client) StartCall(ctx context.Context, call store.Call) (string, error) {
	// An end-only row takes the start fields and keeps its end. A row that
	// already started is left alone and its trace id returned.
	var traceID string
	err := c.pool.QueryRow(ctx, `
	INSERT INTO calls (project_id, id, trace_id, parent_id, op_name, display_name, started_at,
	                   inputs, attributes, thread_id, turn_id, input_refs)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10, $11, $12)
	ON CONFLICT (project_id, id) DO UPDATE SET
	    trace_id = EXCLUDED.trace_id,
	    parent_id = EXCLUDED.parent_id,
	    op_name = EXCLUDED.op_name,
	    display_name = EXCLUDED.display_name,
	    started_at = EXCLUDED.started_at,
	    inputs = EXCLUDED.inputs,
	    attributes = EXCLUDED.attributes,
	    thread_id = EXCLUDED.thread_id,
	    turn_id = EXCLUDED.turn_id,
	    input_refs = EXCLUDED.input_refs
	WHERE calls.started_at IS NULL
	RETURNING trace_id
	`, call.ProjectID, call.ID, call.TraceID, call.ParentID, call.OpName, call.DisplayName, timeArg(call.StartedAt),
		rawArg(call.Inputs), rawArg(call.Attributes), call.ThreadID, call.TurnID, listArg(call.InputRefs)).Scan(&traceID)
	if err == nil {
		return traceID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", mapErr(fmt.Errorf("starting call %s: %w", call.ID, err))
	}

	if err := c.pool.QueryRow(ctx, `
	SELECT trace_id FROM calls WHERE project_id = $1 AND id = $2
	`, call.ProjectID, call.ID).Scan(&traceID); err != nil {
		return "", mapErr(fmt.Errorf("reading started call %s: %w", call.ID, err))
	}
	return traceID, nil
}

func (c *Client) EndCall(ctx context.Context, e store.CallEnd, allowOrphan bool) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return mapErr(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	var endedAt, deletedAt *time.Time
	err = tx.QueryRow(ctx, `
	SELECT ended_at, deleted_at FROM calls WHERE project_id = $1 AND id = $2 FOR UPDATE
	`, e.ProjectID, e.ID).Scan(&endedAt, &deletedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if !allowOrphan {
			return traceerr.NotFoundf("call %s", e.ID)
		}
		tag, err := tx.Exec(ctx, `
		INSERT INTO calls (project_id, id, ended_at, output, exception, summary, output_refs)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6::jsonb, $7)
		ON CONFLICT (project_id, id) DO NOTHING
		`, e.ProjectID, e.ID, e.EndedAt, rawArg(e.Output), e.Exception, rawArg(e.Summary), listArg(e.OutputRefs))
		if err != nil {
			return mapErr(fmt.Errorf("storing end of call %s: %w", e.ID, err))
		}
		if tag.RowsAffected() == 0 {
			return traceerr.Transient(fmt.Errorf("call %s was written concurrently", e.ID))
		}
	case err != nil:
		return mapErr(fmt.Errorf("reading call %s: %w", e.ID, err))
	case deletedAt != nil:
		return traceerr.NotFoundf("call %s", e.ID)
	case endedAt != nil:
		return traceerr.Conflictf("call %s already ended", e.ID)
	default:
		if _, err := tx.Exec(ctx, `
		UPDATE calls SET
		    ended_at = $3,
		    output = $4::jsonb,
		    exception = $5,
		    summary = CASE WHEN $6::jsonb IS NULL THEN summary ELSE COALESCE(summary, '{}'::jsonb) || $6::jsonb END,
		    output_refs = $7
		WHERE project_id = $1 AND id = $2
		`, e.ProjectID, e.ID, e.EndedAt, rawArg(e.Output), e.Exception, rawArg(e.Summary), listArg(e.OutputRefs)); err != nil {
			return mapErr(fmt.Errorf("ending call %s: %w", e.ID, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return mapErr(fmt.Errorf("committing call end: %w", err))
	}
	return nil
}

func (c *Client) UpdateCall(ctx context.Context, u store.CallUpdate) error {
	tag, err := c.pool.Exec(ctx, `
	UPDATE calls SET
	    summary = CASE WHEN $3::jsonb IS NULL THEN summary ELSE COALESCE(summary, '{}'::jsonb) || $3::jsonb END,
	    display_name = COALESCE($4, display_name)
	WHERE project_id = $1 AND id = $2 AND `+visibleCall,
		u.ProjectID, u.ID, rawArg(u.SummaryPatch), u.DisplayName)
	if err != nil {
		return mapErr(fmt.Errorf("updating call %s: %w", u.ID, err))
	}
	if tag.RowsAffected() == 0 {
		return traceerr.NotFoundf("call %s", u.ID)
	}
	return nil
}

func (c *Client) GetCall(ctx context.Context, projectID, id string) (*store.Call, error) {
	row := c.pool.QueryRow(ctx, `
	SELECT `+callColumns+` FROM calls WHERE project_id = $1 AND id = $2 AND `+visibleCall,
		projectID, id)

	call, err := scanCall(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, traceerr.NotFoundf("call %s", id)
	}
	if err != nil {
		return nil, mapErr(fmt.Errorf("reading call %s: %w", id, err))
	}
	return &call, nil
}

func (c *Client) StreamCalls(ctx context.Context, q store.CallQuery, fn func(store.Call) error) error {
	var p params
	where := callFilter(q, &p)
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	query := fmt.Sprintf("SELECT %s FROM calls WHERE %s ORDER BY started_at %s, id %s", callColumns, where, dir, dir) +
		p.page(q.Limit, q.Offset)

	rows, err := c.pool.Query(ctx, query, p...)
	if err != nil {
		return mapErr(fmt.Errorf("querying calls: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return fmt.Errorf("scanning call: %w", err)
		}
		if err := fn(call); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return mapErr(fmt.Errorf("iterating calls: %w", err))
	}
	return nil
}

func (c *Client) CountCalls(ctx context.Context, q store.CallQuery) (int64, error) {
	var p params
	where := callFilter(q, &p)
	var n int64
	if err := c.pool.QueryRow(ctx, "SELECT COUNT(*) FROM calls WHERE "+where, p...).Scan(&n); err != nil {
		return 0, mapErr(fmt.Errorf("counting calls: %w", err))
	}
	return n, nil
}

func callFilter(q store.CallQuery, p *params) string {
	where := []string{"project_id = " + p.add(q.ProjectID), visibleCall}
	in := func(col string, vals []string) {
		if len(vals) > 0 {
			where = append(where, fmt.Sprintf("%s = ANY(%s)", col, p.add(vals)))
		}
	}
	overlap := func(col string, vals []string) {
		if len(vals) > 0 {
			where = append(where, fmt.Sprintf("%s && %s::text[]", col, p.add(vals)))
		}
	}

	if len(q.OpNames) > 0 {
		var exact []string
		var ops []string
		for _, name := range q.OpNames {
			if prefix, ok := strings.CutSuffix(name, ":*"); ok {
				ops = append(ops, fmt.Sprintf("starts_with(op_name, %s)", p.add(prefix+":")))
				continue
			}
			exact = append(exact, name)
		}
		if len(exact) > 0 {
			ops = append(ops, fmt.Sprintf("op_name = ANY(%s)", p.add(exact)))
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
		where = append(where, "started_at >= "+p.add(q.StartedAfter))
	}
	if !q.StartedBefore.IsZero() {
		where = append(where, "started_at < "+p.add(q.StartedBefore))
	}
	return strings.Join(where, " AND ")
}

func (c *Client) ChildCallIDs(ctx context.Context, projectID string, parentIDs []string) ([]string, error) {
	ids := []string{}
	if len(parentIDs) == 0 {
		return ids, nil
	}

	rows, err := c.pool.Query(ctx, `
	SELECT id FROM calls
	WHERE project_id = $1 AND deleted_at IS NULL AND parent_id <> '' AND parent_id = ANY($2)
	ORDER BY id
	`, projectID, parentIDs)
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
	tag, err := c.pool.Exec(ctx, `
	UPDATE calls SET deleted_at = $3
	WHERE project_id = $1 AND deleted_at IS NULL AND id = ANY($2)
	`, projectID, ids, at)
	if err != nil {
		return 0, mapErr(fmt.Errorf("deleting calls: %w", err))
	}
	return tag.RowsAffected(), nil
}

func scanCall(row pgx.Row) (store.Call, error) {
	var (
		call                           store.Call
		startedAt                      *time.Time
		inputs, output, attrs, summary []byte
	)
	err := row.Scan(&call.ProjectID, &call.ID, &call.TraceID, &call.ParentID, &call.OpName, &call.DisplayName,
		&startedAt, &call.EndedAt, &inputs, &output, &call.Exception, &attrs, &summary,
		&call.ThreadID, &call.TurnID, &call.InputRefs, &call.OutputRefs, &call.DeletedAt)
	if err != nil {
		return store.Call{}, err
	}

	if startedAt != nil {
		call.StartedAt = startedAt.UTC()
	}
	call.EndedAt = utcPtr(call.EndedAt)
	call.DeletedAt = utcPtr(call.DeletedAt)
	call.Inputs = inputs
	call.Output = output
	call.Attributes = attrs
	call.Summary = summary
	call.InputRefs = listArg(call.InputRefs)
	call.OutputRefs = listArg(call.OutputRefs)
	return call, nil
}
