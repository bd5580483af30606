package trace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"traceserver/internal/refs"
	"traceserver/internal/traceerr"
)

func TestCallLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)

	objRef := refs.ObjectRef{Entity: "acme", Project: "evals", Name: "model", Digest: "latest"}.String()
	root, err := s.CallStart(ctx, CallStartReq{
		ProjectID: project,
		OpName:    "weave:///acme/evals/op/predict:abc",
		StartedAt: t0,
		Inputs:    raw(`{"model":"` + objRef + `","x":1}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, root.ID)
	require.NotEmpty(t, root.TraceID)

	child, err := s.CallStart(ctx, CallStartReq{ProjectID: project, ID: "child", ParentID: root.ID, OpName: "score", StartedAt: t0.Add(time.Second)})
	require.NoError(t, err)
	require.Equal(t, root.TraceID, child.TraceID, "children inherit the parent's trace")

	got, err := s.CallRead(ctx, CallReadReq{ProjectID: project, ID: root.ID})
	require.NoError(t, err)
	require.True(t, got.Running())
	require.Equal(t, []string{objRef}, got.InputRefs)

	require.NoError(t, s.CallEnd(ctx, CallEndReq{ProjectID: project, ID: "child", EndedAt: t0.Add(2 * time.Second)}))
	got, err = s.CallRead(ctx, CallReadReq{ProjectID: project, ID: "child"})
	require.NoError(t, err)
	require.False(t, got.Running())
	require.JSONEq(t, `null`, string(got.Output))

	err = s.CallEnd(ctx, CallEndReq{ProjectID: project, ID: "child", EndedAt: t0.Add(3 * time.Second)})
	require.ErrorIs(t, err, traceerr.ErrConflict, "a call ends once")

	err = s.CallEnd(ctx, CallEndReq{ProjectID: project, ID: "never-started", EndedAt: t0})
	require.ErrorIs(t, err, traceerr.ErrNotFound)

	name := "Predict #1"
	require.NoError(t, s.CallUpdate(ctx, CallUpdateReq{ProjectID: project, ID: root.ID, DisplayName: &name}))
	require.NoError(t, s.CallEnd(ctx, CallEndReq{
		ProjectID: project,
		ID:        root.ID,
		EndedAt:   t0.Add(4 * time.Second),
		Output:    raw(`{"y":2}`),
		Summary:   raw(`{"status":"ok"}`),
	}))
	require.NoError(t, s.CallUpdate(ctx, CallUpdateReq{ProjectID: project, ID: root.ID, SummaryPatch: raw(`{"rating":5}`)}))

	got, err = s.CallRead(ctx, CallReadReq{ProjectID: project, ID: root.ID})
	require.NoError(t, err)
	require.Equal(t, name, got.DisplayName)
	require.JSONEq(t, `{"status":"ok","rating":5}`, string(got.Summary))
	require.JSONEq(t, `{"y":2}`, string(got.Output))

	err = s.CallUpdate(ctx, CallUpdateReq{ProjectID: project, ID: root.ID})
	require.ErrorIs(t, err, traceerr.ErrValidation)
}

func TestCallStartValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		req  CallStartReq
	}{
		{name: "missing op", req: CallStartReq{ProjectID: project, StartedAt: t0}},
		{name: "missing start time", req: CallStartReq{ProjectID: project, OpName: "op"}},
		{name: "own parent", req: CallStartReq{ProjectID: project, ID: "a", ParentID: "a", OpName: "op", StartedAt: t0}},
		{name: "inputs not an object", req: CallStartReq{ProjectID: project, OpName: "op", StartedAt: t0, Inputs: raw(`[1]`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CallStart(ctx, tt.req)
			require.ErrorIs(t, err, traceerr.ErrValidation)
		})
	}
}

func TestCallStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)

	first, err := s.CallStart(ctx, CallStartReq{ProjectID: project, ID: "c", TraceID: "t1", OpName: "op", StartedAt: t0})
	require.NoError(t, err)
	again, err := s.CallStart(ctx, CallStartReq{ProjectID: project, ID: "c", TraceID: "t2", OpName: "other", StartedAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.Equal(t, first.TraceID, again.TraceID, "a retried start keeps the stored row")

	got, err := s.CallRead(ctx, CallReadReq{ProjectID: project, ID: "c"})
	require.NoError(t, err)
	require.Equal(t, "op", got.OpName)
}

func TestCallBatchOutOfOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)

	res, err := s.CallBatch(ctx, CallBatchReq{
		ProjectID: project,
		Items: []CallBatchItem{
			{End: &CallEndReq{ID: "child", EndedAt: t0.Add(2 * time.Second), Output: raw(`"done"`)}},
			{Start: &CallStartReq{ID: "root", OpName: "app:run", StartedAt: t0}},
			{Start: &CallStartReq{ID: "child", ParentID: "root", OpName: "app:step", StartedAt: t0.Add(time.Second)}},
			{Start: &CallStartReq{ID: "broken", StartedAt: t0}},
			{End: &CallEndReq{ID: "root", EndedAt: t0.Add(3 * time.Second)}},
			{},
			{Start: &CallStartReq{ProjectID: "other/project", ID: "stray", OpName: "op", StartedAt: t0}},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 7)
	require.Equal(t, 3, res.Failed())

	require.NoError(t, res.Results[0].Err)
	require.Equal(t, batchModeEnd, res.Results[0].Mode)
	require.Equal(t, "root", res.Results[1].ID)
	require.ErrorIs(t, res.Results[3].Err, traceerr.ErrValidation)
	require.NotEmpty(t, res.Results[3].Error)
	require.Equal(t, "invalid", res.Results[5].Mode)
	require.ErrorIs(t, res.Results[6].Err, traceerr.ErrValidation)

	child, err := s.CallRead(ctx, CallReadReq{ProjectID: project, ID: "child"})
	require.NoError(t, err)
	require.Equal(t, res.Results[1].TraceID, child.TraceID)
	require.Equal(t, "root", child.ParentID)
	require.NotNil(t, child.EndedAt)
	require.JSONEq(t, `"done"`, string(child.Output))

	_, err = s.CallRead(ctx, CallReadReq{ProjectID: project, ID: "broken"})
	require.ErrorIs(t, err, traceerr.ErrNotFound)

	// The end stored ahead of its start still counts as the call's one end.
	err = s.CallEnd(ctx, CallEndReq{ProjectID: project, ID: "child", EndedAt: t0.Add(time.Minute)})
	require.ErrorIs(t, err, traceerr.ErrConflict)
}

func TestCallBatchAcrossBatches(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)

	res, err := s.CallBatch(ctx, CallBatchReq{ProjectID: project, Items: []CallBatchItem{
		{End: &CallEndReq{ID: "late", EndedAt: t0.Add(time.Second), Summary: raw(`{"tokens":3}`)}},
	}})
	require.NoError(t, err)
	require.Zero(t, res.Failed())

	_, err = s.CallRead(ctx, CallReadReq{ProjectID: project, ID: "late"})
	require.ErrorIs(t, err, traceerr.ErrNotFound, "an end alone is not visible")

	res, err = s.CallBatch(ctx, CallBatchReq{ProjectID: project, Items: []CallBatchItem{
		{Start: &CallStartReq{ID: "late", OpName: "op", StartedAt: t0}},
	}})
	require.NoError(t, err)
	require.Zero(t, res.Failed())

	got, err := s.CallRead(ctx, CallReadReq{ProjectID: project, ID: "late"})
	require.NoError(t, err)
	require.False(t, got.Running())
	require.Equal(t, int64(3), gjson.GetBytes(got.Summary, "tokens").Int())
}

func TestCallBatchCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newTestServer(t, nil)

	res, err := s.CallBatch(ctx, CallBatchReq{ProjectID: project, Items: []CallBatchItem{
		{Start: &CallStartReq{ID: "a", OpName: "op", StartedAt: t0}},
		{End: &CallEndReq{ID: "a", EndedAt: t0}},
	}})
	require.NoError(t, err)
	require.Equal(t, 2, res.Failed())
	for _, r := range res.Results {
		require.ErrorIs(t, r.Err, context.Canceled)
	}
}

func TestCallsQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)

	starts := []CallStartReq{
		{ID: "a", TraceID: "t1", OpName: "app:run", StartedAt: t0},
		{ID: "b", TraceID: "t1", ParentID: "a", OpName: "app:step", StartedAt: t0.Add(time.Second)},
		{ID: "c", TraceID: "t2", OpName: "eval", StartedAt: t0.Add(2 * time.Second), ThreadID: "th"},
		{ID: "d", TraceID: "t2", ParentID: "c", OpName: "application", StartedAt: t0.Add(3 * time.Second)},
	}
	for _, req := range starts {
		req.ProjectID = project
		_, err := s.CallStart(ctx, req)
		require.NoError(t, err)
	}

	ids := func(calls []Call) []string {
		out := []string{}
		for _, c := range calls {
			out = append(out, c.ID)
		}
		return out
	}

	tests := []struct {
		name string
		req  CallsQueryReq
		want []string
	}{
		{name: "all ascending", req: CallsQueryReq{}, want: []string{"a", "b", "c", "d"}},
		{name: "descending", req: CallsQueryReq{Sort: &SortBy{Field: "started_at", Direction: SortDesc}}, want: []string{"d", "c", "b", "a"}},
		{name: "op prefix", req: CallsQueryReq{Filter: CallsFilter{OpNames: []string{"app:*"}}}, want: []string{"a", "b"}},
		{name: "exact op", req: CallsQueryReq{Filter: CallsFilter{OpNames: []string{"eval"}}}, want: []string{"c"}},
		{name: "trace", req: CallsQueryReq{Filter: CallsFilter{TraceIDs: []string{"t2"}}}, want: []string{"c", "d"}},
		{name: "roots", req: CallsQueryReq{Filter: CallsFilter{TraceRootsOnly: true}}, want: []string{"a", "c"}},
		{name: "parent", req: CallsQueryReq{Filter: CallsFilter{ParentIDs: []string{"a"}}}, want: []string{"b"}},
		{name: "thread", req: CallsQueryReq{Filter: CallsFilter{ThreadIDs: []string{"th"}}}, want: []string{"c"}},
		{name: "time window", req: CallsQueryReq{Filter: CallsFilter{StartedAfter: t0.Add(time.Second), StartedBefore: t0.Add(3 * time.Second)}}, want: []string{"b", "c"}},
		{name: "page", req: CallsQueryReq{Limit: 2, Offset: 1}, want: []string{"b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.ProjectID = project
			calls, err := s.CallsQuery(ctx, tt.req)
			require.NoError(t, err)
			require.Equal(t, tt.want, ids(calls))

			stats, err := s.CallsQueryStats(ctx, CallsQueryStatsReq{ProjectID: project, Filter: tt.req.Filter})
			require.NoError(t, err)
			if tt.req.Limit == 0 {
				require.Equal(t, int64(len(tt.want)), stats.Count)
			}
		})
	}

	var streamed []string
	for call, err := range s.CallsQueryStream(ctx, CallsQueryReq{ProjectID: project}) {
		require.NoError(t, err)
		streamed = append(streamed, call.ID)
		if len(streamed) == 2 {
			break
		}
	}
	require.Equal(t, []string{"a", "b"}, streamed)

	_, err := s.CallsQuery(ctx, CallsQueryReq{ProjectID: project, Filter: CallsFilter{StartedAfter: t0.Add(time.Hour), StartedBefore: t0}})
	require.ErrorIs(t, err, traceerr.ErrValidation)
}

func TestCallsDeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)

	for _, req := range []CallStartReq{
		{ID: "root", OpName: "op", StartedAt: t0},
		{ID: "a", ParentID: "root", OpName: "op", StartedAt: t0},
		{ID: "a1", ParentID: "a", OpName: "op", StartedAt: t0},
		{ID: "b", ParentID: "root", OpName: "op", StartedAt: t0},
		{ID: "other", OpName: "op", StartedAt: t0},
	} {
		req.ProjectID = project
		_, err := s.CallStart(ctx, req)
		require.NoError(t, err)
	}

	res, err := s.CallsDelete(ctx, CallsDeleteReq{ProjectID: project, CallIDs: []string{"root"}})
	require.NoError(t, err)
	require.Equal(t, int64(4), res.NumDeleted)

	stats, err := s.CallsQueryStats(ctx, CallsQueryStatsReq{ProjectID: project})
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Count)

	_, err = s.CallRead(ctx, CallReadReq{ProjectID: project, ID: "a1"})
	require.ErrorIs(t, err, traceerr.ErrNotFound)

	err = s.CallEnd(ctx, CallEndReq{ProjectID: project, ID: "a", EndedAt: t0})
	require.ErrorIs(t, err, traceerr.ErrNotFound, "deleted calls cannot end")

	res, err = s.CallsDelete(ctx, CallsDeleteReq{ProjectID: project, CallIDs: []string{"root"}})
	require.NoError(t, err)
	require.Zero(t, res.NumDeleted)
}

func TestCallParentNotVisibleStartsNewTrace(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)

	res, err := s.CallStart(ctx, CallStartReq{ProjectID: project, ID: "orphan", ParentID: "ghost", OpName: "op", StartedAt: t0})
	require.NoError(t, err)
	require.NotEmpty(t, res.TraceID)

	got, err := s.CallRead(ctx, CallReadReq{ProjectID: project, ID: "orphan"})
	require.NoError(t, err)
	require.Equal(t, "ghost", got.ParentID)
}
