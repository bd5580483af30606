package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"traceserver/internal/store/storetest"
	"traceserver/internal/traceerr"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()
	client, err := New(ctx, "sqlite://"+filepath.Join(t.TempDir(), "traces.db"))
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(ctx) })
	if err := client.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return client
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, testClient(t))
}

func TestStoreContract_InMemory(t *testing.T) {
	ctx := context.Background()
	client, err := New(ctx, "sqlite://:memory:")
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(ctx) })
	if err := client.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	storetest.Run(t, client)
}

func TestStoreContract_SmallPages(t *testing.T) {
	defer func(size int) { streamPageSize = size }(streamPageSize)
	streamPageSize = 4

	t.Run("file", func(t *testing.T) {
		storetest.Run(t, testClient(t))
	})
	t.Run("in memory", func(t *testing.T) {
		ctx := context.Background()
		client, err := New(ctx, "sqlite://:memory:")
		if err != nil {
			t.Fatalf("opening sqlite: %v", err)
		}
		t.Cleanup(func() { _ = client.Close(ctx) })
		if err := client.EnsureSchema(ctx); err != nil {
			t.Fatalf("ensure schema: %v", err)
		}
		storetest.Run(t, client)
	})
}

func TestEnsureSchema_Idempotent(t *testing.T) {
	client := testClient(t)
	if err := client.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema (idempotent): %v", err)
	}
}

func TestRunSQL(t *testing.T) {
	ctx := context.Background()
	client := testClient(t)

	if err := client.EnsureProject(ctx, "acme", "evals"); err != nil {
		t.Fatalf("ensure project: %v", err)
	}
	rows, err := client.RunSQL(ctx, "SELECT entity, project FROM projects WHERE entity = ?", map[string]any{"1": "acme"})
	if err != nil {
		t.Fatalf("run sql: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0]["project"] != "evals" {
		t.Fatalf("unexpected row %v", rows[0])
	}

	if _, err := client.RunSQL(ctx, "SELECT nope FROM nowhere", nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMapErr(t *testing.T) {
	plain := errors.New("plain")
	if got := mapErr(plain); traceerr.IsRetryable(got) {
		t.Fatalf("plain error marked retryable")
	}
}
