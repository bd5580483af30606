package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"traceserver/internal/store"
	"traceserver/internal/traceerr"
)

func (c *Client) PutTable(ctx context.Context, projectID, digest string, rowDigests []string, rows []store.TableRow) error {
	digests := make([]string, len(rows))
	vals := make([]string, len(rows))
	for i, row := range rows {
		digests[i] = row.Digest
		vals[i] = string(row.Val)
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return mapErr(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if len(rows) > 0 {
		if _, err := tx.Exec(ctx, `
		INSERT INTO table_rows (project_id, digest, val)
		SELECT $1, u.digest, u.val FROM unnest($2::text[], $3::text[]) AS u(digest, val)
		ON CONFLICT (project_id, digest) DO NOTHING
		`, projectID, digests, vals); err != nil {
			return mapErr(fmt.Errorf("inserting rows of table %s: %w", digest, err))
		}
	}
	if _, err := tx.Exec(ctx, `
	INSERT INTO tables (project_id, digest, row_digests) VALUES ($1, $2, $3)
	ON CONFLICT (project_id, digest) DO NOTHING
	`, projectID, digest, listArg(rowDigests)); err != nil {
		return mapErr(fmt.Errorf("inserting table %s: %w", digest, err))
	}

	if err := tx.Commit(ctx); err != nil {
		return mapErr(fmt.Errorf("committing table: %w", err))
	}
	return nil
}

func (c *Client) GetTableRowDigests(ctx context.Context, projectID, digest string) ([]string, error) {
	var digests []string
	err := c.pool.QueryRow(ctx, `
	SELECT row_digests FROM tables WHERE project_id = $1 AND digest = $2
	`, projectID, digest).Scan(&digests)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, traceerr.NotFoundf("table %s", digest)
	}
	if err != nil {
		return nil, mapErr(fmt.Errorf("reading table %s: %w", digest, err))
	}
	return listArg(digests), nil
}

func (c *Client) StreamTableRows(ctx context.Context, q store.TableQuery, fn func(store.TableRow) error) error {
	var exists bool
	if err := c.pool.QueryRow(ctx, `
	SELECT EXISTS (SELECT 1 FROM tables WHERE project_id = $1 AND digest = $2)
	`, q.ProjectID, q.Digest).Scan(&exists); err != nil {
		return mapErr(fmt.Errorf("checking table %s: %w", q.Digest, err))
	}
	if !exists {
		return traceerr.NotFoundf("table %s", q.Digest)
	}

	var p params
	query := fmt.Sprintf(`
	SELECT u.digest, r.val
	FROM tables t
	CROSS JOIN LATERAL unnest(t.row_digests) WITH ORDINALITY AS u(digest, ord)
	LEFT JOIN table_rows r ON r.project_id = t.project_id AND r.digest = u.digest
	WHERE t.project_id = %s AND t.digest = %s`, p.add(q.ProjectID), p.add(q.Digest))
	if len(q.RowDigests) > 0 {
		query += " AND u.digest = ANY(" + p.add(q.RowDigests) + ")"
	}
	query += " ORDER BY u.ord" + p.page(q.Limit, q.Offset)

	rows, err := c.pool.Query(ctx, query, p...)
	if err != nil {
		return mapErr(fmt.Errorf("querying table %s: %w", q.Digest, err))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			row store.TableRow
			val *string
		)
		if err := rows.Scan(&row.Digest, &val); err != nil {
			return fmt.Errorf("scanning table row: %w", err)
		}
		if val != nil {
			row.Val = []byte(*val)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return mapErr(fmt.Errorf("iterating table rows: %w", err))
	}
	return nil
}

func (c *Client) TableStats(ctx context.Context, projectID string, digests []string) ([]store.TableStats, error) {
	rows, err := c.pool.Query(ctx, `
	SELECT t.digest,
	       cardinality(t.row_digests),
	       COALESCE((SELECT SUM(octet_length(r.val))
	                 FROM unnest(t.row_digests) AS u(digest)
	                 JOIN table_rows r ON r.project_id = t.project_id AND r.digest = u.digest), 0)
	FROM tables t
	WHERE t.project_id = $1 AND t.digest = ANY($2)
	`, projectID, listArg(digests))
	if err != nil {
		return nil, mapErr(fmt.Errorf("querying table stats: %w", err))
	}
	defer rows.Close()

	found := make(map[string]store.TableStats, len(digests))
	for rows.Next() {
		var s store.TableStats
		if err := rows.Scan(&s.Digest, &s.RowCount, &s.StorageSizeBytes); err != nil {
			return nil, fmt.Errorf("scanning table stats: %w", err)
		}
		found[s.Digest] = s
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(fmt.Errorf("iterating table stats: %w", err))
	}

	stats := make([]store.TableStats, 0, len(found))
	for _, digest := range digests {
		if s, ok := found[digest]; ok {
			stats = append(stats, s)
		}
	}
	return stats, nil
}
