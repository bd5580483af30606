// Package postgres is the shared storage engine. Call payloads live in jsonb
// columns and ref lists in text arrays, so summary merges and ref overlap
// filters run in the database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"traceserver/internal/store"
	"traceserver/internal/traceerr"
)

var (
	_ store.Store     = (*Client)(nil)
	_ store.SQLRunner = (*Client)(nil)
)

type Client struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func New(ctx context.Context, dsn string) (*Client, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Client{pool: pool, now: time.Now}, nil
}

func (c *Client) Close(ctx context.Context) error {
	c.pool.Close()
	return nil
}

func (c *Client) EnsureProject(ctx context.Context, entity, project string) error {
	_, err := c.pool.Exec(ctx, `
	INSERT INTO projects (entity, project) VALUES ($1, $2)
	ON CONFLICT (entity, project) DO NOTHING
	`, entity, project)
	if err != nil {
		return mapErr(fmt.Errorf("ensuring project %s/%s: %w", entity, project, err))
	}
	return nil
}

// mapErr marks serialization failures, lock timeouts and dropped
// connections as transient so callers retry them.
func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03", pgErr.Code == "57P01":
			return traceerr.Transient(err)
		case strings.HasPrefix(pgErr.Code, "08"):
			return traceerr.Transient(err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) {
		return traceerr.Transient(err)
	}
	return err
}

// params collects positional query arguments and hands out their $n names.
type params []any

func (p *params) add(v any) string {
	*p = append(*p, v)
	return "$" + strconv.Itoa(len(*p))
}

// page appends LIMIT and OFFSET clauses. A zero limit reads everything.
func (p *params) page(limit, offset int) string {
	var lim any
	if limit > 0 {
		lim = limit
	}
	if offset < 0 {
		offset = 0
	}
	return fmt.Sprintf(" LIMIT %s OFFSET %s", p.add(lim), p.add(offset))
}

func rawArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func listArg(vals []string) []string {
	if vals == nil {
		return []string{}
	}
	return vals
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
