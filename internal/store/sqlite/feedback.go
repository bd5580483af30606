package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"traceserver/internal/store"
	"traceserver/internal/traceerr"
)

func (c *Client) PutFeedback(ctx context.Context, f store.Feedback) error {
	_, err := c.db.ExecContext(ctx, `
	INSERT INTO feedback (id, project_id, weave_ref, feedback_type, payload, creator, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.ProjectID, f.WeaveRef, f.FeedbackType, string(f.Payload), f.Creator, f.CreatedAt.UnixNano())
	if err != nil {
		return mapErr(fmt.Errorf("inserting feedback %s: %w", f.ID, err))
	}
	return nil
}

func (c *Client) QueryFeedback(ctx context.Context, q store.FeedbackQuery) ([]store.Feedback, error) {
	where, args := feedbackFilter(q)
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	query := fmt.Sprintf(`
	SELECT id, project_id, weave_ref, feedback_type, payload, creator, created_at
	FROM feedback WHERE %s ORDER BY created_at %s, id %s LIMIT ? OFFSET ?
	`, where, dir, dir)
	args = append(args, limitArgs(q.Limit, q.Offset)...)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(fmt.Errorf("querying feedback: %w", err))
	}
	defer rows.Close()

	out := []store.Feedback{}
	for rows.Next() {
		var (
			f         store.Feedback
			payload   string
			createdAt sql.NullInt64
		)
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.WeaveRef, &f.FeedbackType, &payload, &f.Creator, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning feedback: %w", err)
		}
		f.Payload = []byte(payload)
		f.CreatedAt = fromNanos(createdAt)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(fmt.Errorf("iterating feedback: %w", err))
	}
	return out, nil
}

func (c *Client) PurgeFeedback(ctx context.Context, q store.FeedbackQuery) (int64, error) {
	where, args := feedbackFilter(q)
	result, err := c.db.ExecContext(ctx, "DELETE FROM feedback WHERE "+where, args...)
	if err != nil {
		return 0, mapErr(fmt.Errorf("purging feedback: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return affected, nil
}

func feedbackFilter(q store.FeedbackQuery) (string, []any) {
	where := []string{"project_id = ?"}
	args := []any{q.ProjectID}
	in := func(col string, vals []string) {
		if len(vals) == 0 {
			return
		}
		where = append(where, fmt.Sprintf("%s IN (%s)", col, placeholders(len(vals))))
		args = append(args, anyArgs(vals)...)
	}
	in("id", q.IDs)
	in("weave_ref", q.WeaveRefs)
	in("feedback_type", q.FeedbackTypes)
	if !q.CreatedAfter.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.CreatedAfter.UnixNano())
	}
	if !q.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, q.CreatedBefore.UnixNano())
	}
	if q.HasCreator != nil {
		if *q.HasCreator {
			where = append(where, "creator <> ''")
		} else {
			where = append(where, "creator = ''")
		}
	}
	return strings.Join(where, " AND "), args
}

func (c *Client) PutCosts(ctx context.Context, costs []store.Cost) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO llm_token_prices (id, project_id, llm_id, provider_id, prompt_token_cost, completion_token_cost,
	                              prompt_token_cost_unit, completion_token_cost_unit, effective_date, created_by, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return mapErr(fmt.Errorf("preparing cost insert: %w", err))
	}
	defer stmt.Close()

	for _, cost := range costs {
		if _, err := stmt.ExecContext(ctx, cost.ID, cost.ProjectID, cost.LLMID, cost.ProviderID,
			cost.PromptTokenCost, cost.CompletionTokenCost, cost.PromptTokenCostUnit, cost.CompletionTokenCostUnit,
			cost.EffectiveDate.UnixNano(), cost.CreatedBy, cost.CreatedAt.UnixNano()); err != nil {
			return mapErr(fmt.Errorf("inserting cost %s: %w", cost.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return mapErr(fmt.Errorf("committing costs: %w", err))
	}
	return nil
}

func (c *Client) QueryCosts(ctx context.Context, q store.CostQuery) ([]store.Cost, error) {
	where, args := costFilter(q)
	query := fmt.Sprintf(`
	SELECT id, project_id, llm_id, provider_id, prompt_token_cost, completion_token_cost,
	       prompt_token_cost_unit, completion_token_cost_unit, effective_date, created_by, created_at
	FROM llm_token_prices WHERE %s
	ORDER BY llm_id ASC, effective_date DESC, id ASC LIMIT ? OFFSET ?
	`, where)
	args = append(args, limitArgs(q.Limit, q.Offset)...)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(fmt.Errorf("querying costs: %w", err))
	}
	defer rows.Close()

	out := []store.Cost{}
	for rows.Next() {
		var (
			cost                     store.Cost
			effectiveDate, createdAt sql.NullInt64
		)
		if err := rows.Scan(&cost.ID, &cost.ProjectID, &cost.LLMID, &cost.ProviderID,
			&cost.PromptTokenCost, &cost.CompletionTokenCost, &cost.PromptTokenCostUnit, &cost.CompletionTokenCostUnit,
			&effectiveDate, &cost.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning cost: %w", err)
		}
		cost.EffectiveDate = fromNanos(effectiveDate)
		cost.CreatedAt = fromNanos(createdAt)
		out = append(out, cost)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(fmt.Errorf("iterating costs: %w", err))
	}
	return out, nil
}

func (c *Client) PurgeCosts(ctx context.Context, q store.CostQuery) (int64, error) {
	where, args := costFilter(q)
	result, err := c.db.ExecContext(ctx, "DELETE FROM llm_token_prices WHERE "+where, args...)
	if err != nil {
		return 0, mapErr(fmt.Errorf("purging costs: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return affected, nil
}

func costFilter(q store.CostQuery) (string, []any) {
	where := []string{"project_id = ?"}
	args := []any{q.ProjectID}
	if len(q.IDs) > 0 {
		where = append(where, fmt.Sprintf("id IN (%s)", placeholders(len(q.IDs))))
		args = append(args, anyArgs(q.IDs)...)
	}
	if len(q.LLMIDs) > 0 {
		where = append(where, fmt.Sprintf("llm_id IN (%s)", placeholders(len(q.LLMIDs))))
		args = append(args, anyArgs(q.LLMIDs)...)
	}
	if !q.EffectiveBefore.IsZero() {
		where = append(where, "effective_date <= ?")
		args = append(args, q.EffectiveBefore.UnixNano())
	}
	return strings.Join(where, " AND "), args
}

func (c *Client) PutFile(ctx context.Context, f store.File) error {
	createdAt := f.CreatedAt
	if createdAt.IsZero() {
		createdAt = c.now().UTC()
	}
	content := f.Content
	if content == nil {
		content = []byte{}
	}
	_, err := c.db.ExecContext(ctx, `
	INSERT INTO files (project_id, digest, name, content, created_at) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (project_id, digest) DO NOTHING
	`, f.ProjectID, f.Digest, f.Name, content, createdAt.UnixNano())
	if err != nil {
		return mapErr(fmt.Errorf("inserting file %s: %w", f.Digest, err))
	}
	return nil
}

func (c *Client) GetFile(ctx context.Context, projectID, digest string) (*store.File, error) {
	var (
		f         store.File
		createdAt sql.NullInt64
	)
	err := c.db.QueryRowContext(ctx, `
	SELECT project_id, digest, name, content, created_at FROM files WHERE project_id = ? AND digest = ?
	`, projectID, digest).Scan(&f.ProjectID, &f.Digest, &f.Name, &f.Content, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, traceerr.NotFoundf("file %s", digest)
	}
	if err != nil {
		return nil, mapErr(fmt.Errorf("reading file %s: %w", digest, err))
	}
	f.CreatedAt = fromNanos(createdAt)
	return &f, nil
}
