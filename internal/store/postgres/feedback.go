package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"traceserver/internal/store"
	"traceserver/internal/traceerr"
)

func (c *Client) PutFeedback(ctx context.Context, f store.Feedback) error {
	_, err := c.pool.Exec(ctx, `
	INSERT INTO feedback (id, project_id, weave_ref, feedback_type, payload, creator, created_at)
	VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
	`, f.ID, f.ProjectID, f.WeaveRef, f.FeedbackType, string(f.Payload), f.Creator, f.CreatedAt)
	if err != nil {
		return mapErr(fmt.Errorf("inserting feedback %s: %w", f.ID, err))
	}
	return nil
}

func (c *Client) QueryFeedback(ctx context.Context, q store.FeedbackQuery) ([]store.Feedback, error) {
	var p params
	where := feedbackFilter(q, &p)
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	query := fmt.Sprintf(`
	SELECT id, project_id, weave_ref, feedback_type, payload, creator, created_at
	FROM feedback WHERE %s ORDER BY created_at %s, id %s`, where, dir, dir) + p.page(q.Limit, q.Offset)

	rows, err := c.pool.Query(ctx, query, p...)
	if err != nil {
		return nil, mapErr(fmt.Errorf("querying feedback: %w", err))
	}
	defer rows.Close()

	out := []store.Feedback{}
	for rows.Next() {
		var (
			f       store.Feedback
			payload []byte
		)
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.WeaveRef, &f.FeedbackType, &payload, &f.Creator, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning feedback: %w", err)
		}
		f.Payload = payload
		f.CreatedAt = f.CreatedAt.UTC()
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(fmt.Errorf("iterating feedback: %w", err))
	}
	return out, nil
}

func (c *Client) PurgeFeedback(ctx context.Context, q store.FeedbackQuery) (int64, error) {
	var p params
	where := feedbackFilter(q, &p)
	tag, err := c.pool.Exec(ctx, "DELETE FROM feedback WHERE "+where, p...)
	if err != nil {
		return 0, mapErr(fmt.Errorf("purging feedback: %w", err))
	}
	return tag.RowsAffected(), nil
}

func feedbackFilter(q store.FeedbackQuery, p *params) string {
	where := []string{"project_id = " + p.add(q.ProjectID)}
	in := func(col string, vals []string) {
		if len(vals) > 0 {
			where = append(where, fmt.Sprintf("%s = ANY(%s)", col, p.add(vals)))
		}
	}
	in("id", q.IDs)
	in("weave_ref", q.WeaveRefs)
	in("feedback_type", q.FeedbackTypes)
	if !q.CreatedAfter.IsZero() {
		where = append(where, "created_at >= "+p.add(q.CreatedAfter))
	}
	if !q.CreatedBefore.IsZero() {
		where = append(where, "created_at < "+p.add(q.CreatedBefore))
	}
	if q.HasCreator != nil {
		if *q.HasCreator {
			where = append(where, "creator <> ''")
		} else {
			where = append(where, "creator = ''")
		}
	}
	return strings.Join(where, " AND ")
}

func (c *Client) PutCosts(ctx context.Context, costs []store.Cost) error {
	batch := &pgx.Batch{}
	for _, cost := range costs {
		batch.Queue(`
		INSERT INTO llm_token_prices (id, project_id, llm_id, provider_id, prompt_token_cost, completion_token_cost,
		                              prompt_token_cost_unit, completion_token_cost_unit, effective_date, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, cost.ID, cost.ProjectID, cost.LLMID, cost.ProviderID, cost.PromptTokenCost, cost.CompletionTokenCost,
			cost.PromptTokenCostUnit, cost.CompletionTokenCostUnit, cost.EffectiveDate, cost.CreatedBy, cost.CreatedAt)
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return mapErr(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return mapErr(fmt.Errorf("inserting costs: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(fmt.Errorf("committing costs: %w", err))
	}
	return nil
}

func (c *Client) QueryCosts(ctx context.Context, q store.CostQuery) ([]store.Cost, error) {
	var p params
	where := costFilter(q, &p)
	query := fmt.Sprintf(`
	SELECT id, project_id, llm_id, provider_id, prompt_token_cost, completion_token_cost,
	       prompt_token_cost_unit, completion_token_cost_unit, effective_date, created_by, created_at
	FROM llm_token_prices WHERE %s
	ORDER BY llm_id ASC, effective_date DESC, id ASC`, where) + p.page(q.Limit, q.Offset)

	rows, err := c.pool.Query(ctx, query, p...)
	if err != nil {
		return nil, mapErr(fmt.Errorf("querying costs: %w", err))
	}
	defer rows.Close()

	out := []store.Cost{}
	for rows.Next() {
		var cost store.Cost
		if err := rows.Scan(&cost.ID, &cost.ProjectID, &cost.LLMID, &cost.ProviderID,
			&cost.PromptTokenCost, &cost.CompletionTokenCost, &cost.PromptTokenCostUnit, &cost.CompletionTokenCostUnit,
			&cost.EffectiveDate, &cost.CreatedBy, &cost.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning cost: %w", err)
		}
		cost.EffectiveDate = cost.EffectiveDate.UTC()
		cost.CreatedAt = cost.CreatedAt.UTC()
		out = append(out, cost)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(fmt.Errorf("iterating costs: %w", err))
	}
	return out, nil
}

func (c *Client) PurgeCosts(ctx context.Context, q store.CostQuery) (int64, error) {
	var p params
	where := costFilter(q, &p)
	tag, err := c.pool.Exec(ctx, "DELETE FROM llm_token_prices WHERE "+where, p...)
	if err != nil {
		return 0, mapErr(fmt.Errorf("purging costs: %w", err))
	}
	return tag.RowsAffected(), nil
}

func costFilter(q store.CostQuery, p *params) string {
	where := []string{"project_id = " + p.add(q.ProjectID)}
	if len(q.IDs) > 0 {
		where = append(where, "id = ANY("+p.add(q.IDs)+")")
	}
	if len(q.LLMIDs) > 0 {
		where = append(where, "llm_id = ANY("+p.add(q.LLMIDs)+")")
	}
	if !q.EffectiveBefore.IsZero() {
		where = append(where, "effective_date <= "+p.add(q.EffectiveBefore))
	}
	return strings.Join(where, " AND ")
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
	_, err := c.pool.Exec(ctx, `
	INSERT INTO files (project_id, digest, name, content, created_at) VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (project_id, digest) DO NOTHING
	`, f.ProjectID, f.Digest, f.Name, content, createdAt)
	if err != nil {
		return mapErr(fmt.Errorf("inserting file %s: %w", f.Digest, err))
	}
	return nil
}

func (c *Client) GetFile(ctx context.Context, projectID, digest string) (*store.File, error) {
	var f store.File
	err := c.pool.QueryRow(ctx, `
	SELECT project_id, digest, name, content, created_at FROM files WHERE project_id = $1 AND digest = $2
	`, projectID, digest).Scan(&f.ProjectID, &f.Digest, &f.Name, &f.Content, &f.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, traceerr.NotFoundf("file %s", digest)
	}
	if err != nil {
		return nil, mapErr(fmt.Errorf("reading file %s: %w", digest, err))
	}
	f.CreatedAt = f.CreatedAt.UTC()
	return &f, nil
}
