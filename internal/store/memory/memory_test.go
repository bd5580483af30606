package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"traceserver/internal/store"
	"traceserver/internal/store/storetest"
	"traceserver/internal/traceerr"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestPutObjectVersionsAndLatest(t *testing.T) {
	ctx := context.Background()
	c := New()

	inserted, err := c.PutObject(ctx, store.Object{ProjectID: "p", ObjectID: "cfg", Digest: "d0", Val: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = c.PutObject(ctx, store.Object{ProjectID: "p", ObjectID: "cfg", Digest: "d0", Val: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	require.False(t, inserted)

	_, err = c.PutObject(ctx, store.Object{ProjectID: "p", ObjectID: "cfg", Digest: "d1", Val: json.RawMessage(`{"a":2}`)})
	require.NoError(t, err)

	latest, err := c.ResolveAlias(ctx, "p", "cfg", store.AliasLatest)
	require.NoError(t, err)
	require.Equal(t, "d1", latest)

	v0, err := c.ResolveAlias(ctx, "p", "cfg", "v0")
	require.NoError(t, err)
	require.Equal(t, "d0", v0)

	require.NoError(t, c.SetAlias(ctx, "p", "cfg", "production", "d0"))
	prod, err := c.ResolveAlias(ctx, "p", "cfg", "production")
	require.NoError(t, err)
	require.Equal(t, "d0", prod)

	n, err := c.DeleteObjects(ctx, "p", "cfg", []string{"d1"})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	latest, err = c.ResolveAlias(ctx, "p", "cfg", store.AliasLatest)
	require.NoError(t, err)
	require.Equal(t, "d0", latest)

	n, err = c.DeleteObjects(ctx, "p", "cfg", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = c.ResolveAlias(ctx, "p", "cfg", "production")
	require.ErrorIs(t, err, traceerr.ErrNotFound)
}

func TestEndBeforeStartMerges(t *testing.T) {
	ctx := context.Background()
	c := New()

	err := c.EndCall(ctx, store.CallEnd{ProjectID: "p", ID: "child", EndedAt: t0.Add(time.Second), Output: json.RawMessage(`1`)}, false)
	require.ErrorIs(t, err, traceerr.ErrNotFound)

	require.NoError(t, c.EndCall(ctx, store.CallEnd{ProjectID: "p", ID: "child", EndedAt: t0.Add(time.Second), Output: json.RawMessage(`1`)}, true))

	_, err = c.GetCall(ctx, "p", "child")
	require.ErrorIs(t, err, traceerr.ErrNotFound, "end-only rows stay hidden")

	traceID, err := c.StartCall(ctx, store.Call{ProjectID: "p", ID: "child", TraceID: "t", ParentID: "root", OpName: "op", StartedAt: t0})
	require.NoError(t, err)
	require.Equal(t, "t", traceID)

	got, err := c.GetCall(ctx, "p", "child")
	require.NoError(t, err)
	require.Equal(t, "root", got.ParentID)
	require.NotNil(t, got.EndedAt)
	require.JSONEq(t, `1`, string(got.Output))

	err = c.EndCall(ctx, store.CallEnd{ProjectID: "p", ID: "child", EndedAt: t0.Add(2 * time.Second), Output: json.RawMessage(`2`)}, true)
	require.ErrorIs(t, err, traceerr.ErrConflict)
}

func TestRetriedStartKeepsFirstTrace(t *testing.T) {
	ctx := context.Background()
	c := New()

	_, err := c.StartCall(ctx, store.Call{ProjectID: "p", ID: "c1", TraceID: "t1", OpName: "op", StartedAt: t0})
	require.NoError(t, err)
	traceID, err := c.StartCall(ctx, store.Call{ProjectID: "p", ID: "c1", TraceID: "t2", OpName: "op", StartedAt: t0})
	require.NoError(t, err)
	require.Equal(t, "t1", traceID)
}

func TestStreamCallsFiltersAndOrder(t *testing.T) {
	ctx := context.Background()
	c := New()

	for i, id := range []string{"a", "b", "c"} {
		_, err := c.StartCall(ctx, store.Call{
			ProjectID: "p", ID: id, TraceID: "t", OpName: "weave:///e/p/op/Greet:d" + id,
			StartedAt: t0.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	_, err := c.StartCall(ctx, store.Call{ProjectID: "p", ID: "x", TraceID: "t", OpName: "weave:///e/p/op/Other:d", StartedAt: t0})
	require.NoError(t, err)

	var ids []string
	err = c.StreamCalls(ctx, store.CallQuery{ProjectID: "p", OpNames: []string{"weave:///e/p/op/Greet:*"}, Desc: true}, func(call store.Call) error {
		ids = append(ids, call.ID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b", "a"}, ids)

	n, err := c.CountCalls(ctx, store.CallQuery{ProjectID: "p", StartedAfter: t0.Add(time.Minute)})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	deleted, err := c.DeleteCalls(ctx, "p", []string{"a", "missing"}, t0)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	n, err = c.CountCalls(ctx, store.CallQuery{ProjectID: "p"})
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestTableRowsAndStats(t *testing.T) {
	ctx := context.Background()
	c := New()

	rows := []store.TableRow{
		{Digest: "r1", Val: json.RawMessage(`{"a":1}`)},
		{Digest: "r2", Val: json.RawMessage(`{"a":22}`)},
	}
	require.NoError(t, c.PutTable(ctx, "p", "t1", []string{"r1", "r2"}, rows))

	var got []string
	err := c.StreamTableRows(ctx, store.TableQuery{ProjectID: "p", Digest: "t1", Offset: 1}, func(row store.TableRow) error {
		got = append(got, row.Digest)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"r2"}, got)

	stats, err := c.TableStats(ctx, "p", []string{"t1", "missing"})
	require.NoError(t, err)
	require.Equal(t, []store.TableStats{{Digest: "t1", RowCount: 2, StorageSizeBytes: int64(len(`{"a":1}`) + len(`{"a":22}`))}}, stats)

	err = c.StreamTableRows(ctx, store.TableQuery{ProjectID: "p", Digest: "missing"}, func(store.TableRow) error { return nil })
	require.ErrorIs(t, err, traceerr.ErrNotFound)
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, New())
}
