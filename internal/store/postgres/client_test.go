package postgres

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"traceserver/internal/traceerr"
)

func TestMapErr(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, retryable: true},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, retryable: true},
		{name: "connection failure", err: &pgconn.PgError{Code: "08006"}, retryable: true},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}},
		{name: "plain", err: errors.New("plain")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := traceerr.IsRetryable(mapErr(tt.err)); got != tt.retryable {
				t.Errorf("retryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestParamsPage(t *testing.T) {
	var p params
	where := "project_id = " + p.add("acme/evals")
	clause := p.page(0, -3)
	if where != "project_id = $1" || clause != " LIMIT $2 OFFSET $3" {
		t.Fatalf("unexpected sql %q %q", where, clause)
	}
	if p[1] != nil || p[2] != 0 {
		t.Fatalf("unexpected args %v", p)
	}

	p = nil
	p.page(25, 50)
	if p[0] != 25 || p[1] != 50 {
		t.Fatalf("unexpected args %v", p)
	}
}
