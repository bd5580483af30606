// Package sqlite is the embedded storage engine. Timestamps are stored as
// unix nanoseconds and list columns as JSON arrays so that ordering and
// membership tests stay inside SQL.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"traceserver/internal/store"
	"traceserver/internal/traceerr"
)

var (
	_ store.Store     = (*Client)(nil)
	_ store.SQLRunner = (*Client)(nil)
)

// streamPageSize bounds how many rows a stream holds in memory at once.
var streamPageSize = 500

type Client struct {
	db  *sql.DB
	now func() time.Time
}

func New(ctx context.Context, dsn string) (*Client, error) {
	driverDSN, err := parseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing sqlite DSN: %w", err)
	}

	db, err := sql.Open("sqlite", withTxLock(driverDSN))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if driverDSN == ":memory:" {
		// Every connection to :memory: opens its own database.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA busy_timeout = 30000;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}

	return &Client{db: db, now: time.Now}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.db.Close()
}

func (c *Client) EnsureProject(ctx context.Context, entity, project string) error {
	_, err := c.db.ExecContext(ctx, `
	INSERT INTO projects (entity, project, created_at) VALUES (?, ?, ?)
	ON CONFLICT (entity, project) DO NOTHING
	`, entity, project, c.now().UnixNano())
	if err != nil {
		return mapErr(fmt.Errorf("ensuring project %s/%s: %w", entity, project, err))
	}
	return nil
}

// mapErr marks lock contention as transient so callers retry it.
func mapErr(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return traceerr.Transient(err)
		}
	}
	return err
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func anyArgs(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func nanos(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}

func fromNanosPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromNanos(v)
	return &t
}

func rawArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func fromRaw(v sql.NullString) json.RawMessage {
	if !v.Valid {
		return nil
	}
	return json.RawMessage(v.String)
}

func listArg(vals []string) (string, error) {
	if vals == nil {
		vals = []string{}
	}
	data, err := json.Marshal(vals)
	if err != nil {
		return "", fmt.Errorf("encoding list: %w", err)
	}
	return string(data), nil
}

func fromList(s string) ([]string, error) {
	out := []string{}
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("decoding list: %w", err)
	}
	return out, nil
}

// limitArgs turns a zero limit into sqlite's unbounded -1.
func limitArgs(limit, offset int) []any {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	return []any{limit, offset}
}
