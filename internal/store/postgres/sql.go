package postgres

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
)

// RunSQL runs a read query with positional parameters keyed "1", "2" and so
// on. It runs in a read-only transaction.
func (c *Client) RunSQL(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	args := make([]any, 0, len(params))
	for i := 1; i <= len(params); i++ {
		key := strconv.Itoa(i)
		if val, ok := params[key]; ok {
			args = append(args, val)
		}
	}

	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, mapErr(fmt.Errorf("beginning read-only transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(fmt.Errorf("running sql: %w", err))
	}
	defer rows.Close()

	fieldDescriptions := rows.FieldDescriptions()
	results := make([]map[string]any, 0)

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("getting row values: %w", err)
		}

		row := make(map[string]any, len(fieldDescriptions))
		for i, fd := range fieldDescriptions {
			row[string(fd.Name)] = values[i]
		}
		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, mapErr(fmt.Errorf("iterating sql rows: %w", err))
	}

	return results, nil
}
