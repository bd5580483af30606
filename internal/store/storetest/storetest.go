// Package storetest holds the behavior every storage engine must share.
// Engine packages call Run from their own tests with a constructor for a
// fresh, schema-ready store.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"traceserver/internal/store"
	"traceserver/internal/traceerr"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// Run exercises s against the shared store contract. Each subtest works in
// its own project, so one database may back every subtest.
func Run(t *testing.T, s store.Store) {
	t.Run("objects", func(t *testing.T) { testObjects(t, s) })
	t.Run("object queries", func(t *testing.T) { testObjectQueries(t, s) })
	t.Run("tables", func(t *testing.T) { testTables(t, s) })
	t.Run("call lifecycle", func(t *testing.T) { testCallLifecycle(t, s) })
	t.Run("end before start", func(t *testing.T) { testEndBeforeStart(t, s) })
	t.Run("call queries", func(t *testing.T) { testCallQueries(t, s) })
	t.Run("call deletes", func(t *testing.T) { testCallDeletes(t, s) })
	t.Run("long streams", func(t *testing.T) { testLongStreams(t, s) })
	t.Run("feedback", func(t *testing.T) { testFeedback(t, s) })
	t.Run("costs", func(t *testing.T) { testCosts(t, s) })
	t.Run("files", func(t *testing.T) { testFiles(t, s) })
}

func newProject(t *testing.T, s store.Store) string {
	t.Helper()
	name := "p" + uuid.NewString()[:8]
	require.NoError(t, s.EnsureProject(context.Background(), "storetest", name))
	require.NoError(t, s.EnsureProject(context.Background(), "storetest", name))
	return "storetest/" + name
}

func putObject(t *testing.T, s store.Store, o store.Object) bool {
	t.Helper()
	inserted, err := s.PutObject(context.Background(), o)
	require.NoError(t, err)
	return inserted
}

func testObjects(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := newProject(t, s)

	require.True(t, putObject(t, s, store.Object{ProjectID: p, ObjectID: "cfg", Digest: "d0", Kind: store.KindObject, Val: json.RawMessage(`{"a":1}`), CreatedAt: t0}))
	require.False(t, putObject(t, s, store.Object{ProjectID: p, ObjectID: "cfg", Digest: "d0", Kind: store.KindObject, Val: json.RawMessage(`{"a":1}`), CreatedAt: t0}))
	require.True(t, putObject(t, s, store.Object{ProjectID: p, ObjectID: "cfg", Digest: "d1", Kind: store.KindObject, Val: json.RawMessage(`{"a":2}`), CreatedAt: t0.Add(time.Second)}))

	got, err := s.GetObject(ctx, p, "cfg", "d1")
	require.NoError(t, err)
	require.Equal(t, 1, got.VersionIndex)
	require.True(t, got.IsLatest)
	require.JSONEq(t, `{"a":2}`, string(got.Val))
	require.True(t, got.CreatedAt.Equal(t0.Add(time.Second)))

	first, err := s.GetObject(ctx, p, "cfg", "d0")
	require.NoError(t, err)
	require.Equal(t, 0, first.VersionIndex)
	require.False(t, first.IsLatest)

	_, err = s.GetObject(ctx, p, "cfg", "nope")
	require.ErrorIs(t, err, traceerr.ErrNotFound)

	latest, err := s.ResolveAlias(ctx, p, "cfg", store.AliasLatest)
	require.NoError(t, err)
	require.Equal(t, "d1", latest)

	v0, err := s.ResolveAlias(ctx, p, "cfg", "v0")
	require.NoError(t, err)
	require.Equal(t, "d0", v0)

	_, err = s.ResolveAlias(ctx, p, "cfg", "v7")
	require.ErrorIs(t, err, traceerr.ErrNotFound)

	require.NoError(t, s.SetAlias(ctx, p, "cfg", "production", "d0"))
	require.NoError(t, s.SetAlias(ctx, p, "cfg", "staging", "d1"))
	prod, err := s.ResolveAlias(ctx, p, "cfg", "production")
	require.NoError(t, err)
	require.Equal(t, "d0", prod)

	err = s.SetAlias(ctx, p, "cfg", "production", "missing")
	require.ErrorIs(t, err, traceerr.ErrNotFound)

	n, err := s.DeleteObjects(ctx, p, "cfg", []string{"d1"})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	latest, err = s.ResolveAlias(ctx, p, "cfg", store.AliasLatest)
	require.NoError(t, err)
	require.Equal(t, "d0", latest)

	_, err = s.ResolveAlias(ctx, p, "cfg", "staging")
	require.ErrorIs(t, err, traceerr.ErrNotFound, "aliases of deleted digests go away")

	n, err = s.DeleteObjects(ctx, p, "cfg", []string{"d1"})
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = s.DeleteObjects(ctx, p, "cfg", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = s.ResolveAlias(ctx, p, "cfg", "production")
	require.ErrorIs(t, err, traceerr.ErrNotFound)
	_, err = s.ResolveAlias(ctx, p, "cfg", store.AliasLatest)
	require.ErrorIs(t, err, traceerr.ErrNotFound)
}

func testObjectQueries(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := newProject(t, s)

	objs := []store.Object{
		{ObjectID: "model-b", Digest: "b0", Kind: store.KindObject, BaseObjectClass: "Model", LeafObjectClass: "Model"},
		{ObjectID: "model-a", Digest: "a0", Kind: store.KindObject, BaseObjectClass: "Model", LeafObjectClass: "Model"},
		{ObjectID: "model-a", Digest: "a1", Kind: store.KindObject, BaseObjectClass: "Model", LeafObjectClass: "Model"},
		{ObjectID: "greet", Digest: "g0", Kind: store.KindOp},
	}
	for i, o := range objs {
		o.ProjectID = p
		o.Val = json.RawMessage(`{"n":1}`)
		o.CreatedAt = t0.Add(time.Duration(i) * time.Second)
		require.True(t, putObject(t, s, o))
	}

	digests := func(q store.ObjectQuery) []string {
		t.Helper()
		q.ProjectID = p
		got, err := s.QueryObjects(ctx, q)
		require.NoError(t, err)
		out := []string{}
		for _, o := range got {
			out = append(out, o.Digest)
		}
		return out
	}

	require.Equal(t, []string{"b0", "a0", "a1", "g0"}, digests(store.ObjectQuery{}))
	require.Equal(t, []string{"g0", "a1", "a0", "b0"}, digests(store.ObjectQuery{Desc: true}))
	require.Equal(t, []string{"b0", "a1", "g0"}, digests(store.ObjectQuery{LatestOnly: true}))
	require.Equal(t, []string{"g0"}, digests(store.ObjectQuery{Kind: store.KindOp}))
	require.Equal(t, []string{"b0", "a0", "a1"}, digests(store.ObjectQuery{ObjectIDPrefix: "model-"}))
	require.Equal(t, []string{"a0", "a1"}, digests(store.ObjectQuery{ObjectIDs: []string{"model-a"}}))
	require.Equal(t, []string{"b0", "a0", "a1"}, digests(store.ObjectQuery{LeafObjectClasses: []string{"Model"}}))
	require.Equal(t, []string{"g0", "a0", "a1", "b0"}, digests(store.ObjectQuery{SortBy: store.SortObjectID}))
	require.Equal(t, []string{"a0", "a1"}, digests(store.ObjectQuery{Limit: 2, Offset: 1}))
	require.Equal(t, []string{"a1"}, digests(store.ObjectQuery{Digests: []string{"a1", "zz"}}))

	meta, err := s.QueryObjects(ctx, store.ObjectQuery{ProjectID: p, ObjectIDs: []string{"greet"}, MetadataOnly: true})
	require.NoError(t, err)
	require.Len(t, meta, 1)
	require.Nil(t, meta[0].Val)
	require.True(t, meta[0].IsLatest)

	none, err := s.QueryObjects(ctx, store.ObjectQuery{ProjectID: p, ObjectIDs: []string{"nothing"}})
	require.NoError(t, err)
	require.Empty(t, none)
}

func testTables(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := newProject(t, s)

	rows := []store.TableRow{
		{Digest: "r1", Val: json.RawMessage(`{"a":1}`)},
		{Digest: "r2", Val: json.RawMessage(`{"a":22}`)},
	}
	require.NoError(t, s.PutTable(ctx, p, "t1", []string{"r1", "r2", "r1"}, rows))
	require.NoError(t, s.PutTable(ctx, p, "t1", []string{"r1", "r2", "r1"}, rows))
	require.NoError(t, s.PutTable(ctx, p, "t2", []string{"r2"}, nil))

	digests, err := s.GetTableRowDigests(ctx, p, "t1")
	require.NoError(t, err)
	require.Equal(t, []string{"r1", "r2", "r1"}, digests)

	stream := func(q store.TableQuery) []string {
		t.Helper()
		q.ProjectID = p
		var got []string
		err := s.StreamTableRows(ctx, q, func(row store.TableRow) error {
			got = append(got, row.Digest)
			return nil
		})
		require.NoError(t, err)
		return got
	}
	require.Equal(t, []string{"r1", "r2", "r1"}, stream(store.TableQuery{Digest: "t1"}))
	require.Equal(t, []string{"r2", "r1"}, stream(store.TableQuery{Digest: "t1", Offset: 1}))
	require.Equal(t, []string{"r1"}, stream(store.TableQuery{Digest: "t1", Limit: 1}))
	require.Equal(t, []string{"r2"}, stream(store.TableQuery{Digest: "t1", RowDigests: []string{"r2"}}))
	require.Equal(t, []string{"r2"}, stream(store.TableQuery{Digest: "t2"}))

	var vals []string
	err = s.StreamTableRows(ctx, store.TableQuery{ProjectID: p, Digest: "t2"}, func(row store.TableRow) error {
		vals = append(vals, string(row.Val))
		return nil
	})
	require.NoError(t, err)
	require.Len(t, vals, 1)
	require.JSONEq(t, `{"a":22}`, vals[0])

	stats, err := s.TableStats(ctx, p, []string{"t2", "missing", "t1"})
	require.NoError(t, err)
	require.Equal(t, []store.TableStats{
		{Digest: "t2", RowCount: 1, StorageSizeBytes: int64(len(`{"a":22}`))},
		{Digest: "t1", RowCount: 3, StorageSizeBytes: int64(2*len(`{"a":1}`) + len(`{"a":22}`))},
	}, stats)

	err = s.StreamTableRows(ctx, store.TableQuery{ProjectID: p, Digest: "missing"}, func(store.TableRow) error { return nil })
	require.ErrorIs(t, err, traceerr.ErrNotFound)
	_, err = s.GetTableRowDigests(ctx, p, "missing")
	require.ErrorIs(t, err, traceerr.ErrNotFound)
}

func testCallLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := newProject(t, s)

	traceID, err := s.StartCall(ctx, store.Call{
		ProjectID: p, ID: "c1", TraceID: "t1", OpName: "op", DisplayName: "first", StartedAt: t0,
		Inputs: json.RawMessage(`{"q":"hi"}`), InputRefs: []string{"weave:///e/p/object/cfg:d0"},
	})
	require.NoError(t, err)
	require.Equal(t, "t1", traceID)

	traceID, err = s.StartCall(ctx, store.Call{ProjectID: p, ID: "c1", TraceID: "t2", OpName: "op", StartedAt: t0})
	require.NoError(t, err)
	require.Equal(t, "t1", traceID, "retried start keeps the first trace")

	got, err := s.GetCall(ctx, p, "c1")
	require.NoError(t, err)
	require.True(t, got.Running())
	require.Equal(t, "first", got.DisplayName)
	require.JSONEq(t, `{"q":"hi"}`, string(got.Inputs))
	require.Equal(t, []string{"weave:///e/p/object/cfg:d0"}, got.InputRefs)
	require.True(t, got.StartedAt.Equal(t0))

	name := "renamed"
	require.NoError(t, s.UpdateCall(ctx, store.CallUpdate{ProjectID: p, ID: "c1", DisplayName: &name, SummaryPatch: json.RawMessage(`{"a":1}`)}))

	err = s.EndCall(ctx, store.CallEnd{
		ProjectID: p, ID: "c1", EndedAt: t0.Add(time.Second), Output: json.RawMessage(`"done"`),
		Summary: json.RawMessage(`{"b":2}`), OutputRefs: []string{"weave:///e/p/object/out:d9"},
	}, false)
	require.NoError(t, err)

	got, err = s.GetCall(ctx, p, "c1")
	require.NoError(t, err)
	require.False(t, got.Running())
	require.False(t, got.Errored())
	require.Equal(t, "renamed", got.DisplayName)
	require.JSONEq(t, `"done"`, string(got.Output))
	require.JSONEq(t, `{"a":1,"b":2}`, string(got.Summary))
	require.Equal(t, []string{"weave:///e/p/object/out:d9"}, got.OutputRefs)
	require.True(t, got.EndedAt.Equal(t0.Add(time.Second)))

	err = s.EndCall(ctx, store.CallEnd{ProjectID: p, ID: "c1", EndedAt: t0.Add(2 * time.Second), Output: json.RawMessage(`null`)}, false)
	require.ErrorIs(t, err, traceerr.ErrConflict)

	err = s.EndCall(ctx, store.CallEnd{ProjectID: p, ID: "missing", EndedAt: t0, Output: json.RawMessage(`null`)}, false)
	require.ErrorIs(t, err, traceerr.ErrNotFound)

	err = s.UpdateCall(ctx, store.CallUpdate{ProjectID: p, ID: "missing", SummaryPatch: json.RawMessage(`{"a":1}`)})
	require.ErrorIs(t, err, traceerr.ErrNotFound)

	_, err = s.StartCall(ctx, store.Call{ProjectID: p, ID: "c2", TraceID: "t1", ParentID: "c1", OpName: "op", StartedAt: t0})
	require.NoError(t, err)
	require.NoError(t, s.EndCall(ctx, store.CallEnd{ProjectID: p, ID: "c2", EndedAt: t0, Output: json.RawMessage(`null`), Exception: "boom"}, false))
	got, err = s.GetCall(ctx, p, "c2")
	require.NoError(t, err)
	require.True(t, got.Errored())
}

func testEndBeforeStart(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := newProject(t, s)

	end := store.CallEnd{ProjectID: p, ID: "child", EndedAt: t0.Add(time.Second), Output: json.RawMessage(`1`), Summary: json.RawMessage(`{"x":1}`)}
	err := s.EndCall(ctx, end, false)
	require.ErrorIs(t, err, traceerr.ErrNotFound)

	require.NoError(t, s.EndCall(ctx, end, true))

	_, err = s.GetCall(ctx, p, "child")
	require.ErrorIs(t, err, traceerr.ErrNotFound, "end-only rows stay hidden")
	n, err := s.CountCalls(ctx, store.CallQuery{ProjectID: p})
	require.NoError(t, err)
	require.Zero(t, n)

	traceID, err := s.StartCall(ctx, store.Call{ProjectID: p, ID: "child", TraceID: "t", ParentID: "root", OpName: "op", StartedAt: t0})
	require.NoError(t, err)
	require.Equal(t, "t", traceID)

	got, err := s.GetCall(ctx, p, "child")
	require.NoError(t, err)
	require.Equal(t, "root", got.ParentID)
	require.Equal(t, "op", got.OpName)
	require.NotNil(t, got.EndedAt)
	require.JSONEq(t, `1`, string(got.Output))
	require.JSONEq(t, `{"x":1}`, string(got.Summary))

	err = s.EndCall(ctx, store.CallEnd{ProjectID: p, ID: "child", EndedAt: t0.Add(2 * time.Second), Output: json.RawMessage(`2`)}, true)
	require.ErrorIs(t, err, traceerr.ErrConflict)
}

func testCallQueries(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := newProject(t, s)

	start := func(c store.Call) {
		t.Helper()
		c.ProjectID = p
		_, err := s.StartCall(ctx, c)
		require.NoError(t, err)
	}
	for i, id := range []string{"a", "b", "c"} {
		start(store.Call{
			ID: id, TraceID: "t", ParentID: "x", OpName: "weave:///e/p/op/Greet:d" + id,
			StartedAt: t0.Add(time.Duration(i+1) * time.Minute), ThreadID: "th1",
			InputRefs: []string{"weave:///e/p/object/in:" + id},
		})
	}
	start(store.Call{ID: "x", TraceID: "t", OpName: "weave:///e/p/op/Other:d", StartedAt: t0})
	start(store.Call{ID: "y", TraceID: "u", OpName: "weave:///e/p/op/Greeter:d", StartedAt: t0})

	ids := func(q store.CallQuery) []string {
		t.Helper()
		q.ProjectID = p
		out := []string{}
		err := s.StreamCalls(ctx, q, func(call store.Call) error {
			out = append(out, call.ID)
			return nil
		})
		require.NoError(t, err)
		return out
	}

	require.Equal(t, []string{"x", "y", "a", "b", "c"}, ids(store.CallQuery{}))
	require.Equal(t, []string{"c", "b", "a"}, ids(store.CallQuery{OpNames: []string{"weave:///e/p/op/Greet:*"}, Desc: true}))
	require.Equal(t, []string{"x", "a"}, ids(store.CallQuery{OpNames: []string{"weave:///e/p/op/Other:d", "weave:///e/p/op/Greet:da"}}))
	require.Equal(t, []string{"x", "y"}, ids(store.CallQuery{TraceRootsOnly: true}))
	require.Equal(t, []string{"a", "c"}, ids(store.CallQuery{InputRefs: []string{"weave:///e/p/object/in:a", "weave:///e/p/object/in:c"}}))
	require.Equal(t, []string{"y"}, ids(store.CallQuery{TraceIDs: []string{"u"}}))
	require.Equal(t, []string{"a", "b", "c"}, ids(store.CallQuery{ParentIDs: []string{"x"}, ThreadIDs: []string{"th1"}}))
	require.Equal(t, []string{"b"}, ids(store.CallQuery{CallIDs: []string{"b", "zz"}}))
	require.Equal(t, []string{"a", "b"}, ids(store.CallQuery{StartedAfter: t0.Add(time.Minute), StartedBefore: t0.Add(3 * time.Minute)}))
	require.Equal(t, []string{"y", "a"}, ids(store.CallQuery{Limit: 2, Offset: 1}))

	n, err := s.CountCalls(ctx, store.CallQuery{ProjectID: p, StartedAfter: t0.Add(2 * time.Minute)})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	stop := errors.New("stop")
	err = s.StreamCalls(ctx, store.CallQuery{ProjectID: p}, func(store.Call) error { return stop })
	require.ErrorIs(t, err, stop)

	children, err := s.ChildCallIDs(ctx, p, []string{"x", "missing"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, children)

	children, err = s.ChildCallIDs(ctx, p, []string{"c"})
	require.NoError(t, err)
	require.Empty(t, children)
}

func testCallDeletes(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := newProject(t, s)

	for _, id := range []string{"root", "kid"} {
		parent := ""
		if id == "kid" {
			parent = "root"
		}
		_, err := s.StartCall(ctx, store.Call{ProjectID: p, ID: id, TraceID: "t", ParentID: parent, OpName: "op", StartedAt: t0})
		require.NoError(t, err)
	}

	deleted, err := s.DeleteCalls(ctx, p, []string{"kid", "missing"}, t0)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	deleted, err = s.DeleteCalls(ctx, p, []string{"kid"}, t0)
	require.NoError(t, err)
	require.Zero(t, deleted)

	_, err = s.GetCall(ctx, p, "kid")
	require.ErrorIs(t, err, traceerr.ErrNotFound)

	err = s.EndCall(ctx, store.CallEnd{ProjectID: p, ID: "kid", EndedAt: t0, Output: json.RawMessage(`null`)}, true)
	require.ErrorIs(t, err, traceerr.ErrNotFound)

	children, err := s.ChildCallIDs(ctx, p, []string{"root"})
	require.NoError(t, err)
	require.Empty(t, children)

	n, err := s.CountCalls(ctx, store.CallQuery{ProjectID: p})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func testFeedback(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := newProject(t, s)

	put := func(id, ref, kind, creator string, at time.Time) {
		t.Helper()
		require.NoError(t, s.PutFeedback(ctx, store.Feedback{
			ID: id, ProjectID: p, WeaveRef: ref, FeedbackType: kind, Payload: json.RawMessage(`{"emoji":"+1"}`),
			Creator: creator, CreatedAt: at,
		}))
	}
	put("f1", "weave:///e/p/call/c1", "wandb.reaction.1", "ann", t0)
	put("f2", "weave:///e/p/call/c1", "wandb.note.1", "", t0.Add(time.Minute))
	put("f3", "weave:///e/p/call/c2", "wandb.reaction.1", "bob", t0.Add(2*time.Minute))

	ids := func(q store.FeedbackQuery) []string {
		t.Helper()
		q.ProjectID = p
		got, err := s.QueryFeedback(ctx, q)
		require.NoError(t, err)
		out := []string{}
		for _, f := range got {
			out = append(out, f.ID)
		}
		return out
	}

	require.Equal(t, []string{"f1", "f2", "f3"}, ids(store.FeedbackQuery{}))
	require.Equal(t, []string{"f3", "f2", "f1"}, ids(store.FeedbackQuery{Desc: true}))
	require.Equal(t, []string{"f1", "f2"}, ids(store.FeedbackQuery{WeaveRefs: []string{"weave:///e/p/call/c1"}}))
	require.Equal(t, []string{"f1", "f3"}, ids(store.FeedbackQuery{FeedbackTypes: []string{"wandb.reaction.1"}}))
	require.Equal(t, []string{"f2", "f3"}, ids(store.FeedbackQuery{CreatedAfter: t0.Add(time.Minute)}))
	require.Equal(t, []string{"f1"}, ids(store.FeedbackQuery{CreatedBefore: t0.Add(time.Minute)}))
	hasCreator := false
	require.Equal(t, []string{"f2"}, ids(store.FeedbackQuery{HasCreator: &hasCreator}))
	require.Equal(t, []string{"f2"}, ids(store.FeedbackQuery{Limit: 1, Offset: 1}))

	got, err := s.QueryFeedback(ctx, store.FeedbackQuery{ProjectID: p, IDs: []string{"f1"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.JSONEq(t, `{"emoji":"+1"}`, string(got[0].Payload))
	require.True(t, got[0].CreatedAt.Equal(t0))

	purged, err := s.PurgeFeedback(ctx, store.FeedbackQuery{ProjectID: p, WeaveRefs: []string{"weave:///e/p/call/c1"}})
	require.NoError(t, err)
	require.Equal(t, int64(2), purged)
	require.Equal(t, []string{"f3"}, ids(store.FeedbackQuery{}))
}

func testCosts(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := newProject(t, s)

	cost := func(id, llm string, effective time.Time) store.Cost {
		return store.Cost{
			ID: id, ProjectID: p, LLMID: llm, ProviderID: "openai",
			PromptTokenCost: 0.5, CompletionTokenCost: 1.5,
			PromptTokenCostUnit: "USD", CompletionTokenCostUnit: "USD",
			EffectiveDate: effective, CreatedBy: "ann", CreatedAt: t0,
		}
	}
	require.NoError(t, s.PutCosts(ctx, []store.Cost{
		cost("k1", "gpt-b", t0),
		cost("k2", "gpt-a", t0),
		cost("k3", "gpt-a", t0.Add(time.Hour)),
	}))

	ids := func(q store.CostQuery) []string {
		t.Helper()
		q.ProjectID = p
		got, err := s.QueryCosts(ctx, q)
		require.NoError(t, err)
		out := []string{}
		for _, c := range got {
			out = append(out, c.ID)
		}
		return out
	}

	require.Equal(t, []string{"k3", "k2", "k1"}, ids(store.CostQuery{}))
	require.Equal(t, []string{"k2", "k1"}, ids(store.CostQuery{EffectiveBefore: t0}))
	require.Equal(t, []string{"k3", "k2"}, ids(store.CostQuery{LLMIDs: []string{"gpt-a"}}))
	require.Equal(t, []string{"k2"}, ids(store.CostQuery{Limit: 1, Offset: 1}))

	got, err := s.QueryCosts(ctx, store.CostQuery{ProjectID: p, IDs: []string{"k1"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.InDelta(t, 1.5, got[0].CompletionTokenCost, 1e-9)
	require.Equal(t, "USD", got[0].PromptTokenCostUnit)
	require.True(t, got[0].EffectiveDate.Equal(t0))

	purged, err := s.PurgeCosts(ctx, store.CostQuery{ProjectID: p, LLMIDs: []string{"gpt-a"}})
	require.NoError(t, err)
	require.Equal(t, int64(2), purged)
	require.Equal(t, []string{"k1"}, ids(store.CostQuery{}))
}

func testFiles(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := newProject(t, s)

	require.NoError(t, s.PutFile(ctx, store.File{ProjectID: p, Digest: "fd", Name: "first.txt", Content: []byte("hello")}))
	require.NoError(t, s.PutFile(ctx, store.File{ProjectID: p, Digest: "fd", Name: "second.txt", Content: []byte("hello")}))

	f, err := s.GetFile(ctx, p, "fd")
	require.NoError(t, err)
	require.Equal(t, "first.txt", f.Name)
	require.Equal(t, []byte("hello"), f.Content)
	require.False(t, f.CreatedAt.IsZero())

	_, err = s.GetFile(ctx, p, "missing")
	require.ErrorIs(t, err, traceerr.ErrNotFound)
}

// testLongStreams streams more rows than an engine is likely to read in one
// page, with ties on started_at, and uses the store from inside fn.
func testLongStreams(t *testing.T, s store.Store) {
	ctx := context.Background()
	p := newProject(t, s)

	const n = 23
	callIDs := make([]string, n)
	for i := range n {
		callIDs[i] = fmt.Sprintf("c%02d", i)
		_, err := s.StartCall(ctx, store.Call{
			ProjectID: p, ID: callIDs[i], TraceID: "t", OpName: "op",
			StartedAt: t0.Add(time.Duration(i/2) * time.Minute),
		})
		require.NoError(t, err)
	}
	reversed := slices.Clone(callIDs)
	slices.Reverse(reversed)

	calls := func(q store.CallQuery) []string {
		t.Helper()
		q.ProjectID = p
		out := []string{}
		err := s.StreamCalls(ctx, q, func(call store.Call) error {
			if _, err := s.GetCall(ctx, p, call.ID); err != nil {
				return err
			}
			out = append(out, call.ID)
			return nil
		})
		require.NoError(t, err)
		return out
	}
	require.Equal(t, callIDs, calls(store.CallQuery{}))
	require.Equal(t, reversed, calls(store.CallQuery{Desc: true}))
	require.Equal(t, callIDs[3:10], calls(store.CallQuery{Limit: 7, Offset: 3}))
	require.Equal(t, reversed[3:10], calls(store.CallQuery{Limit: 7, Offset: 3, Desc: true}))
	require.Equal(t, callIDs[20:], calls(store.CallQuery{Offset: 20}))
	require.Empty(t, calls(store.CallQuery{Offset: n}))

	stop := errors.New("stop")
	seen := 0
	err := s.StreamCalls(ctx, store.CallQuery{ProjectID: p}, func(store.Call) error {
		if seen++; seen == 6 {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 6, seen)

	rowDigests := make([]string, n)
	rows := make([]store.TableRow, n)
	for i := range n {
		rowDigests[i] = fmt.Sprintf("r%02d", i)
		rows[i] = store.TableRow{Digest: rowDigests[i], Val: json.RawMessage(fmt.Sprintf(`{"i":%d}`, i))}
	}
	require.NoError(t, s.PutTable(ctx, p, "big", rowDigests, rows))

	var even []string
	for i := 0; i < n; i += 2 {
		even = append(even, rowDigests[i])
	}

	tableRows := func(q store.TableQuery) []string {
		t.Helper()
		q.ProjectID = p
		q.Digest = "big"
		out := []string{}
		err := s.StreamTableRows(ctx, q, func(row store.TableRow) error {
			if _, err := s.GetTableRowDigests(ctx, p, "big"); err != nil {
				return err
			}
			out = append(out, row.Digest)
			return nil
		})
		require.NoError(t, err)
		return out
	}
	require.Equal(t, rowDigests, tableRows(store.TableQuery{}))
	require.Equal(t, rowDigests[4:13], tableRows(store.TableQuery{Limit: 9, Offset: 4}))
	require.Equal(t, even, tableRows(store.TableQuery{RowDigests: even}))
	require.Equal(t, even[2:8], tableRows(store.TableQuery{RowDigests: even, Limit: 6, Offset: 2}))

	seen = 0
	err = s.StreamTableRows(ctx, store.TableQuery{ProjectID: p, Digest: "big"}, func(store.TableRow) error {
		if seen++; seen == 6 {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 6, seen)
}
