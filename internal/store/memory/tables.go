package memory

import (
	"context"
	"slices"

	"traceserver/internal/store"
	"traceserver/internal/traceerr"
)

func (c *Client) PutTable(ctx context.Context, projectID, digest string, rowDigests []string, rows []store.TableRow) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, row := range rows {
		key := projKey{projectID, row.Digest}
		if _, ok := c.rows[key]; !ok {
			c.rows[key] = row.Val
		}
	}
	key := projKey{projectID, digest}
	if _, ok := c.tables[key]; !ok {
		c.tables[key] = slices.Clone(rowDigests)
	}
	return nil
}

func (c *Client) GetTableRowDigests(ctx context.Context, projectID, digest string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	digests, ok := c.tables[projKey{projectID, digest}]
	if !ok {
		return nil, traceerr.NotFoundf("table %s", digest)
	}
	return slices.Clone(digests), nil
}

func (c *Client) StreamTableRows(ctx context.Context, q store.TableQuery, fn func(store.TableRow) error) error {
	c.mu.RLock()
	digests, ok := c.tables[projKey{q.ProjectID, q.Digest}]
	if !ok {
		c.mu.RUnlock()
		return traceerr.NotFoundf("table %s", q.Digest)
	}
	rows := make([]store.TableRow, 0, len(digests))
	for _, d := range digests {
		if len(q.RowDigests) > 0 && !slices.Contains(q.RowDigests, d) {
			continue
		}
		rows = append(rows, store.TableRow{Digest: d, Val: c.rows[projKey{q.ProjectID, d}]})
	}
	c.mu.RUnlock()

	start, end := page(len(rows), q.Offset, q.Limit)
	for _, row := range rows[start:end] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) TableStats(ctx context.Context, projectID string, digests []string) ([]store.TableStats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := make([]store.TableStats, 0, len(digests))
	for _, digest := range digests {
		rowDigests, ok := c.tables[projKey{projectID, digest}]
		if !ok {
			continue
		}
		s := store.TableStats{Digest: digest, RowCount: int64(len(rowDigests))}
		for _, d := range rowDigests {
			s.StorageSizeBytes += int64(len(c.rows[projKey{projectID, d}]))
		}
		stats = append(stats, s)
	}
	return stats, nil
}
