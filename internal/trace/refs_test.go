package trace

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"traceserver/internal/refs"
	"traceserver/internal/store"
	"traceserver/internal/store/memory"
	"traceserver/internal/traceerr"
)

func TestRefsReadBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)

	tbl, err := s.TableCreate(ctx, TableCreateReq{ProjectID: project, Rows: []json.RawMessage{
		raw(`{"q":"2+2","a":"4"}`),
		raw(`{"q":"3*3","a":"9"}`),
	}})
	require.NoError(t, err)
	tableRef := refs.TableRef{Entity: "acme", Project: "evals", Digest: tbl.Digest}

	obj, err := s.ObjCreate(ctx, ObjCreateReq{ProjectID: project, ObjectID: "suite", Val: raw(`{"name":"arith","rows":"` + tableRef.String() + `"}`)})
	require.NoError(t, err)
	_, err = s.CallStart(ctx, CallStartReq{ProjectID: project, ID: "c1", OpName: "evaluate", StartedAt: t0})
	require.NoError(t, err)

	suite := refs.ObjectRef{Entity: "acme", Project: "evals", Name: "suite", Digest: obj.Digest}
	req := RefsReadBatchReq{Refs: []string{
		suite.String(),
		suite.WithExtra(refs.Edge{Type: refs.EdgeAttr, Key: "rows"}, refs.Edge{Type: refs.EdgeIndex, Key: "1"}, refs.Edge{Type: refs.EdgeKey, Key: "a"}).String(),
		refs.ObjectRef{Entity: "acme", Project: "evals", Name: "suite", Digest: "latest", Extra: []refs.Edge{{Type: refs.EdgeKey, Key: "name"}}}.String(),
		refs.TableRef{Entity: "acme", Project: "evals", Digest: tbl.Digest, Extra: []refs.Edge{{Type: refs.EdgeCol, Key: "q"}}}.String(),
		refs.TableRef{Entity: "acme", Project: "evals", Digest: tbl.Digest, Extra: []refs.Edge{{Type: refs.EdgeID, Key: tbl.RowDigests[0]}}}.String(),
		refs.CallRef{Entity: "acme", Project: "evals", ID: "c1"}.String(),
	}}

	res, err := s.RefsReadBatch(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.Vals, len(req.Refs))
	require.JSONEq(t, `{"name":"arith","rows":"`+tableRef.String()+`"}`, string(res.Vals[0]))
	require.JSONEq(t, `"9"`, string(res.Vals[1]))
	require.JSONEq(t, `"arith"`, string(res.Vals[2]))
	require.JSONEq(t, `["2+2","3*3"]`, string(res.Vals[3]))
	require.JSONEq(t, `{"q":"2+2","a":"4"}`, string(res.Vals[4]))
	require.Equal(t, "evaluate", gjson.GetBytes(res.Vals[5], "op_name").Str)

	// Served from the cache the second time around.
	again, err := s.RefsReadBatch(ctx, req)
	require.NoError(t, err)
	require.Equal(t, res.Vals, again.Vals)
}

func TestRefsReadBatchErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)

	obj, err := s.ObjCreate(ctx, ObjCreateReq{ProjectID: project, ObjectID: "cfg", Val: raw(`{"list":[1,2]}`)})
	require.NoError(t, err)
	cfg := refs.ObjectRef{Entity: "acme", Project: "evals", Name: "cfg", Digest: obj.Digest}

	tests := []struct {
		name    string
		ref     string
		wantErr error
	}{
		{name: "malformed", ref: "weave:///acme/evals/object/cfg", wantErr: traceerr.ErrMalformedRef},
		{name: "unknown object", ref: refs.ObjectRef{Entity: "acme", Project: "evals", Name: "nope", Digest: obj.Digest}.String(), wantErr: traceerr.ErrNotFound},
		{name: "missing key", ref: cfg.WithExtra(refs.Edge{Type: refs.EdgeKey, Key: "absent"}).String(), wantErr: traceerr.ErrNotFound},
		{name: "index out of range", ref: cfg.WithExtra(refs.Edge{Type: refs.EdgeKey, Key: "list"}, refs.Edge{Type: refs.EdgeIndex, Key: "5"}).String(), wantErr: traceerr.ErrNotFound},
		{name: "key on a list", ref: cfg.WithExtra(refs.Edge{Type: refs.EdgeKey, Key: "list"}, refs.Edge{Type: refs.EdgeKey, Key: "x"}).String(), wantErr: traceerr.ErrTypeMismatch},
		{name: "unknown call", ref: "weave:///acme/evals/call/missing", wantErr: traceerr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.RefsReadBatch(ctx, RefsReadBatchReq{Refs: []string{cfg.String(), tt.ref}})
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRefsStopResolvingAfterDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)

	obj, err := s.ObjCreate(ctx, ObjCreateReq{ProjectID: project, ObjectID: "cfg", Val: raw(`{"a":1}`)})
	require.NoError(t, err)
	ref := refs.ObjectRef{Entity: "acme", Project: "evals", Name: "cfg", Digest: obj.Digest}.String()

	_, err = s.RefsReadBatch(ctx, RefsReadBatchReq{Refs: []string{ref}})
	require.NoError(t, err)

	_, err = s.ObjDelete(ctx, ObjDeleteReq{ProjectID: project, ObjectID: "cfg"})
	require.NoError(t, err)

	_, err = s.RefsReadBatch(ctx, RefsReadBatchReq{Refs: []string{ref}})
	require.ErrorIs(t, err, traceerr.ErrNotFound)
}

func TestCachedObjectDeletedElsewhere(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)

	obj, err := s.ObjCreate(ctx, ObjCreateReq{ProjectID: project, ObjectID: "cfg", Val: raw(`{"a":1}`)})
	require.NoError(t, err)
	ref := refs.ObjectRef{Entity: "acme", Project: "evals", Name: "cfg", Digest: obj.Digest}

	val, err := s.LoadObject(ctx, ref)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(val))

	// A second server on the same database deletes it; this one's cache
	// never hears about it.
	n, err := s.store.DeleteObjects(ctx, project, "cfg", nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = s.LoadObject(ctx, ref)
	require.ErrorIs(t, err, traceerr.ErrNotFound)
	require.Equal(t, 0, s.refCache.Len())
}

// slowObjectStore holds GetObject after the read until release is closed.
type slowObjectStore struct {
	*memory.Client
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (st *slowObjectStore) GetObject(ctx context.Context, projectID, objectID, digest string) (*store.Object, error) {
	obj, err := st.Client.GetObject(ctx, projectID, objectID, digest)
	st.once.Do(func() { close(st.read) })
	<-st.release
	return obj, err
}

func TestLoadRacingDeleteIsNotCached(t *testing.T) {
	ctx := context.Background()
	st := &slowObjectStore{Client: memory.New(), read: make(chan struct{}), release: make(chan struct{})}
	s := newTestServer(t, st)

	obj, err := s.ObjCreate(ctx, ObjCreateReq{ProjectID: project, ObjectID: "cfg", Val: raw(`{"a":1}`)})
	require.NoError(t, err)
	ref := refs.ObjectRef{Entity: "acme", Project: "evals", Name: "cfg", Digest: obj.Digest}

	loaded := make(chan error, 1)
	go func() {
		_, err := s.LoadObject(ctx, ref)
		loaded <- err
	}()
	<-st.read

	_, err = s.ObjDelete(ctx, ObjDeleteReq{ProjectID: project, ObjectID: "cfg"})
	require.NoError(t, err)
	close(st.release)
	require.NoError(t, <-loaded, "the load read the object before the delete")

	require.Equal(t, 0, s.refCache.Len())
	_, err = s.RefsReadBatch(ctx, RefsReadBatchReq{Refs: []string{ref.String()}})
	require.ErrorIs(t, err, traceerr.ErrNotFound)
}
