package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"traceserver/internal/config"
	"traceserver/internal/store/memory"
	"traceserver/internal/store/sqlite"
	"traceserver/internal/trace"
)

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		st, err := openStore(ctx, "memory://")
		require.NoError(t, err)
		require.IsType(t, &memory.Client{}, st)
	})

	t.Run("sqlite", func(t *testing.T) {
		st, err := openStore(ctx, "sqlite://"+filepath.Join(t.TempDir(), "traces.db"))
		require.NoError(t, err)
		defer st.Close(ctx)
		require.IsType(t, &sqlite.Client{}, st)
		require.NoError(t, st.EnsureSchema(ctx))
	})

	t.Run("unknown scheme", func(t *testing.T) {
		_, err := openStore(ctx, "mysql://localhost/traces")
		require.ErrorContains(t, err, "unsupported database scheme")
	})

	t.Run("missing scheme", func(t *testing.T) {
		_, err := openStore(ctx, "traces.db")
		require.ErrorContains(t, err, "must have a scheme")
	})
}

func TestOpenServer(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Database.DSN = "sqlite://" + filepath.Join(t.TempDir(), "traces.db")

	srv, closeStore, err := openServer(ctx, cfg)
	require.NoError(t, err)
	defer closeStore()

	res, err := srv.EnsureProjectExists(ctx, "acme", "bots")
	require.NoError(t, err)
	require.Equal(t, "acme/bots", res.ProjectName)
}

func TestTraceOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Workers = 3
	cfg.Cache.RefCacheSize = 10
	cfg.Query.DefaultLimit = 20

	want := trace.Options{
		MaxRetries:      cfg.Retry.MaxRetries,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		RefCacheSize:    10,
		RefWorkers:      3,
		DefaultLimit:    20,
	}
	if diff := cmp.Diff(want, traceOptions(cfg)); diff != "" {
		t.Fatalf("traceOptions mismatch (-want +got):\n%s", diff)
	}
}

func TestParseParamPairs(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]any
		wantErr string
	}{
		{name: "none", pairs: nil, want: map[string]any{}},
		{name: "trims", pairs: []string{" op = predict ", ""}, want: map[string]any{"op": "predict"}},
		{name: "value keeps equals", pairs: []string{"expr=a=b"}, want: map[string]any{"expr": "a=b"}},
		{name: "missing equals", pairs: []string{"op"}, wantErr: "expected key=value"},
		{name: "empty key", pairs: []string{"=x"}, wantErr: "empty key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseParamPairs(tt.pairs)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("params mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSortFlag(t *testing.T) {
	require.Nil(t, sortFlag("", false))
	require.Equal(t, &trace.SortBy{Field: "object_id", Direction: trace.SortAsc}, sortFlag("object_id", false))
	require.Equal(t, &trace.SortBy{Field: "", Direction: trace.SortDesc}, sortFlag("", true))
}

func TestParseTimeFlag(t *testing.T) {
	got, err := parseTimeFlag("started-after", "")
	require.NoError(t, err)
	require.True(t, got.IsZero())

	got, err = parseTimeFlag("started-after", "2024-05-01T12:00:00+02:00")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), got)

	_, err = parseTimeFlag("started-after", "yesterday")
	require.ErrorContains(t, err, "--started-after")
}

func TestPrintTableStats(t *testing.T) {
	var buf bytes.Buffer
	printTableStats(&buf, []string{"b", "missing", "a"}, []trace.TableStats{
		{Digest: "a", RowCount: 1200, StorageSizeBytes: 2048},
		{Digest: "b", RowCount: 3, StorageSizeBytes: 42},
	})
	want := "b  3 rows  42 B\n" +
		"missing  not found\n" +
		"a  1,200 rows  2.0 kB\n"
	require.Equal(t, want, buf.String())
}
