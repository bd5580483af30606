package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"traceserver/internal/store"
	"traceserver/internal/traceerr"
)

func (c *Client) PutTable(ctx context.Context, projectID, digest string, rowDigests []string, rows []store.TableRow) error {
	list, err := listArg(rowDigests)
	if err != nil {
		return err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO table_rows (project_id, digest, val) VALUES (?, ?, ?)
	ON CONFLICT (project_id, digest) DO NOTHING
	`)
	if err != nil {
		return mapErr(fmt.Errorf("preparing row insert: %w", err))
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, projectID, row.Digest, string(row.Val)); err != nil {
			return mapErr(fmt.Errorf("inserting row %s: %w", row.Digest, err))
		}
	}
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO tables (project_id, digest, row_digests) VALUES (?, ?, ?)
	ON CONFLICT (project_id, digest) DO NOTHING
	`, projectID, digest, list); err != nil {
		return mapErr(fmt.Errorf("inserting table %s: %w", digest, err))
	}

	if err := tx.Commit(); err != nil {
		return mapErr(fmt.Errorf("committing table: %w", err))
	}
	return nil
}

func (c *Client) GetTableRowDigests(ctx context.Context, projectID, digest string) ([]string, error) {
	var list string
	err := c.db.QueryRowContext(ctx, `
	SELECT row_digests FROM tables WHERE project_id = ? AND digest = ?
	`, projectID, digest).Scan(&list)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, traceerr.NotFoundf("table %s", digest)
	}
	if err != nil {
		return nil, mapErr(fmt.Errorf("reading table %s: %w", digest, err))
	}
	return fromList(list)
}

// StreamTableRows pages through the table in row order the same way
// StreamCalls does, continuing each page after the last array index seen.
func (c *Client) StreamTableRows(ctx context.Context, q store.TableQuery, fn func(store.TableRow) error) error {
	if _, err := c.GetTableRowDigests(ctx, q.ProjectID, q.Digest); err != nil {
		return err
	}

	offset := q.Offset
	remaining := q.Limit
	lastKey := int64(-1)
	for {
		size := streamPageSize
		if q.Limit > 0 && remaining < size {
			size = remaining
		}

		query := `
		SELECT j.key, j.value, r.val
		FROM tables t, json_each(t.row_digests) j
		LEFT JOIN table_rows r ON r.project_id = t.project_id AND r.digest = j.value
		WHERE t.project_id = ? AND t.digest = ? AND j.key > ?`
		args := []any{q.ProjectID, q.Digest, lastKey}
		if len(q.RowDigests) > 0 {
			query += fmt.Sprintf(" AND j.value IN (%s)", placeholders(len(q.RowDigests)))
			args = append(args, anyArgs(q.RowDigests)...)
		}
		query += " ORDER BY j.key LIMIT ? OFFSET ?"
		args = append(args, size, offset)

		page, keys, err := c.rowPage(ctx, q.Digest, query, args)
		if err != nil {
			return err
		}
		for _, row := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(row); err != nil {
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
		lastKey = keys[len(keys)-1]
		offset = 0
	}
}

func (c *Client) rowPage(ctx context.Context, digest, query string, args []any) ([]store.TableRow, []int64, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, mapErr(fmt.Errorf("querying table %s: %w", digest, err))
	}
	defer rows.Close()

	page := make([]store.TableRow, 0, streamPageSize)
	keys := make([]int64, 0, streamPageSize)
	for rows.Next() {
		var (
			key int64
			row store.TableRow
			val sql.NullString
		)
		if err := rows.Scan(&key, &row.Digest, &val); err != nil {
			return nil, nil, fmt.Errorf("scanning table row: %w", err)
		}
		row.Val = fromRaw(val)
		page = append(page, row)
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, mapErr(fmt.Errorf("iterating table rows: %w", err))
	}
	return page, keys, nil
}

// TableStats answers for every digest in one query. Unknown digests are left
// out and the rest keep the requested order.
func (c *Client) TableStats(ctx context.Context, projectID string, digests []string) ([]store.TableStats, error) {
	list, err := listArg(digests)
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, `
	SELECT t.digest,
	       json_array_length(t.row_digests),
	       COALESCE((SELECT SUM(length(CAST(r.val AS BLOB)))
	                 FROM json_each(t.row_digests) j
	                 JOIN table_rows r ON r.project_id = t.project_id AND r.digest = j.value), 0)
	FROM tables t
	WHERE t.project_id = ? AND t.digest IN (SELECT value FROM json_each(?))
	`, projectID, list)
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
