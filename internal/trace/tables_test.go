package trace

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"traceserver/internal/traceerr"
)

func TestTableUpdateIsReversible(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)

	base, err := s.TableCreate(ctx, TableCreateReq{ProjectID: project, Rows: []json.RawMessage{raw(`{"n":1}`), raw(`{"n":2}`)}})
	require.NoError(t, err)
	require.Len(t, base.RowDigests, 2)

	appended, err := s.TableUpdate(ctx, TableUpdateReq{
		ProjectID:  project,
		BaseDigest: base.Digest,
		Updates:    []TableUpdateOp{{Append: &TableAppend{Row: raw(`{"n":3}`)}}},
	})
	require.NoError(t, err)
	require.NotEqual(t, base.Digest, appended.Digest)
	require.Len(t, appended.UpdatedRowDigests, 1)

	popped, err := s.TableUpdate(ctx, TableUpdateReq{
		ProjectID:  project,
		BaseDigest: appended.Digest,
		Updates:    []TableUpdateOp{{Pop: &TablePop{Index: 2}}},
	})
	require.NoError(t, err)
	require.Equal(t, base.Digest, popped.Digest, "append then pop restores the original digest")
	require.Empty(t, popped.UpdatedRowDigests)

	inserted, err := s.TableUpdate(ctx, TableUpdateReq{
		ProjectID:  project,
		BaseDigest: base.Digest,
		Updates: []TableUpdateOp{
			{Insert: &TableInsert{Index: 0, Row: raw(`{"n":0}`)}},
			{Pop: &TablePop{Index: 2}},
		},
	})
	require.NoError(t, err)

	rows, err := s.TableQuery(ctx, TableQueryReq{ProjectID: project, Digest: inserted.Digest})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.JSONEq(t, `{"n":0}`, string(rows[0].Val))
	require.JSONEq(t, `{"n":1}`, string(rows[1].Val))

	// The base table is unchanged by updates.
	rows, err = s.TableQuery(ctx, TableQueryReq{ProjectID: project, Digest: base.Digest})
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestTableUpdateErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)

	base, err := s.TableCreate(ctx, TableCreateReq{ProjectID: project, Rows: []json.RawMessage{raw(`{"n":1}`)}})
	require.NoError(t, err)

	tests := []struct {
		name    string
		req     TableUpdateReq
		wantErr error
	}{{
		name:    "missing base",
		req:     TableUpdateReq{ProjectID: project, BaseDigest: "nope", Updates: []TableUpdateOp{{Pop: &TablePop{Index: 0}}}},
		wantErr: traceerr.ErrConflict,
	}, {
		name:    "pop out of range",
		req:     TableUpdateReq{ProjectID: project, BaseDigest: base.Digest, Updates: []TableUpdateOp{{Pop: &TablePop{Index: 1}}}},
		wantErr: traceerr.ErrValidation,
	}, {
		name:    "insert past end",
		req:     TableUpdateReq{ProjectID: project, BaseDigest: base.Digest, Updates: []TableUpdateOp{{Insert: &TableInsert{Index: 2, Row: raw(`{"n":2}`)}}}},
		wantErr: traceerr.ErrValidation,
	}, {
		name:    "two ops in one update",
		req:     TableUpdateReq{ProjectID: project, BaseDigest: base.Digest, Updates: []TableUpdateOp{{Append: &TableAppend{Row: raw(`{"n":2}`)}, Pop: &TablePop{}}}},
		wantErr: traceerr.ErrValidation,
	}, {
		name:    "row is not an object",
		req:     TableUpdateReq{ProjectID: project, BaseDigest: base.Digest, Updates: []TableUpdateOp{{Append: &TableAppend{Row: raw(`[1]`)}}}},
		wantErr: traceerr.ErrValidation,
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.TableUpdate(ctx, tt.req)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err = s.TableCreate(ctx, TableCreateReq{ProjectID: project, Rows: []json.RawMessage{raw(`{}`)}})
	require.ErrorIs(t, err, traceerr.ErrValidation, "empty rows are rejected")
}

func TestTableQueryPagingAndStream(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)

	var rows []json.RawMessage
	for _, v := range []string{`{"n":0}`, `{"n":1}`, `{"n":2}`, `{"n":3}`} {
		rows = append(rows, raw(v))
	}
	tbl, err := s.TableCreate(ctx, TableCreateReq{ProjectID: project, Rows: rows})
	require.NoError(t, err)

	page, err := s.TableQuery(ctx, TableQueryReq{ProjectID: project, Digest: tbl.Digest, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, tbl.RowDigests[1], page[0].Digest)
	require.Equal(t, tbl.RowDigests[2], page[1].Digest)

	filtered, err := s.TableQuery(ctx, TableQueryReq{ProjectID: project, Digest: tbl.Digest, Filter: TableRowFilter{RowDigests: []string{tbl.RowDigests[3]}}})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	require.JSONEq(t, `{"n":3}`, string(filtered[0].Val))

	var streamed []string
	for row, err := range s.TableQueryStream(ctx, TableQueryReq{ProjectID: project, Digest: tbl.Digest}) {
		require.NoError(t, err)
		streamed = append(streamed, row.Digest)
		if len(streamed) == 3 {
			break
		}
	}
	require.Equal(t, tbl.RowDigests[:3], streamed)

	for _, err := range s.TableQueryStream(ctx, TableQueryReq{ProjectID: project, Digest: "missing"}) {
		require.ErrorIs(t, err, traceerr.ErrNotFound)
	}

	_, err = s.TableQuery(ctx, TableQueryReq{ProjectID: project, Digest: "missing"})
	require.ErrorIs(t, err, traceerr.ErrNotFound)
}

func TestTableStats(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)

	a, err := s.TableCreate(ctx, TableCreateReq{ProjectID: project, Rows: []json.RawMessage{raw(`{"n":1}`), raw(`{"n":2}`)}})
	require.NoError(t, err)
	b, err := s.TableCreate(ctx, TableCreateReq{ProjectID: project, Rows: []json.RawMessage{raw(`{"n":1}`)}})
	require.NoError(t, err)

	stats, err := s.TableQueryStats(ctx, TableQueryStatsReq{ProjectID: project, Digest: a.Digest})
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.RowCount)
	require.Positive(t, stats.StorageSizeBytes)

	batch, err := s.TableQueryStatsBatch(ctx, TableQueryStatsBatchReq{ProjectID: project, Digests: []string{a.Digest, "missing", b.Digest}})
	require.NoError(t, err)
	require.Len(t, batch, 2)

	_, err = s.TableQueryStats(ctx, TableQueryStatsReq{ProjectID: project, Digest: "missing"})
	require.ErrorIs(t, err, traceerr.ErrNotFound)
}
