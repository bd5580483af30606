package trace

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"traceserver/internal/digest"
	"traceserver/internal/refs"
	"traceserver/internal/store"
	"traceserver/internal/traceerr"
)

func TestObjCreateIsContentAddressed(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)

	a, err := s.ObjCreate(ctx, ObjCreateReq{ProjectID: project, ObjectID: "cfg", Val: raw(`{"b": 1, "a": [1, 2]}`)})
	require.NoError(t, err)
	b, err := s.ObjCreate(ctx, ObjCreateReq{ProjectID: project, ObjectID: "cfg", Val: raw(`{"a":[1,2],"b":1}`)})
	require.NoError(t, err)
	require.Equal(t, a.Digest, b.Digest, "key order and whitespace do not change the digest")
	require.True(t, digest.IsDigest(a.Digest))

	objs, err := s.ObjsQuery(ctx, ObjQueryReq{ProjectID: project})
	require.NoError(t, err)
	require.Len(t, objs, 1, "re-creating the same value adds no version")

	c, err := s.ObjCreate(ctx, ObjCreateReq{ProjectID: project, ObjectID: "cfg", Val: raw(`{"a":[1,2],"b":2}`)})
	require.NoError(t, err)
	require.NotEqual(t, a.Digest, c.Digest)

	latest, err := s.ObjRead(ctx, ObjReadReq{ProjectID: project, ObjectID: "cfg"})
	require.NoError(t, err)
	require.Equal(t, c.Digest, latest.Digest)
	require.Equal(t, 1, latest.VersionIndex)
	require.True(t, latest.IsLatest)

	v0, err := s.ObjRead(ctx, ObjReadReq{ProjectID: project, ObjectID: "cfg", DigestOrAlias: "v0"})
	require.NoError(t, err)
	require.Equal(t, a.Digest, v0.Digest)
	require.False(t, v0.IsLatest)
	require.JSONEq(t, `{"a":[1,2],"b":1}`, string(v0.Val))

	byDigest, err := s.ObjRead(ctx, ObjReadReq{ProjectID: project, ObjectID: "cfg", DigestOrAlias: a.Digest})
	require.NoError(t, err)
	require.Equal(t, 0, byDigest.VersionIndex)
}

func TestObjCreateValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		req  ObjCreateReq
	}{
		{name: "bad project", req: ObjCreateReq{ProjectID: "acme", ObjectID: "cfg", Val: raw(`{}`)}},
		{name: "bad object id", req: ObjCreateReq{ProjectID: project, ObjectID: "a/b", Val: raw(`{}`)}},
		{name: "missing val", req: ObjCreateReq{ProjectID: project, ObjectID: "cfg"}},
		{name: "invalid json", req: ObjCreateReq{ProjectID: project, ObjectID: "cfg", Val: raw(`{"a":`)}},
		{name: "unknown builtin", req: ObjCreateReq{ProjectID: project, ObjectID: "cfg", Val: raw(`{}`), BuiltinObjectClass: "Spaceship"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ObjCreate(ctx, tt.req)
			require.ErrorIs(t, err, traceerr.ErrValidation)
		})
	}
}

func TestObjAliasesAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)

	first, err := s.ObjCreate(ctx, ObjCreateReq{ProjectID: project, ObjectID: "model", Val: raw(`{"temp":0.1}`)})
	require.NoError(t, err)
	second, err := s.ObjCreate(ctx, ObjCreateReq{ProjectID: project, ObjectID: "model", Val: raw(`{"temp":0.9}`)})
	require.NoError(t, err)

	for _, alias := range []string{store.AliasLatest, "v3", first.Digest, "white space"} {
		err := s.ObjSetAlias(ctx, ObjSetAliasReq{ProjectID: project, ObjectID: "model", Alias: alias, Digest: first.Digest})
		require.ErrorIs(t, err, traceerr.ErrValidation, alias)
	}

	require.NoError(t, s.ObjSetAlias(ctx, ObjSetAliasReq{ProjectID: project, ObjectID: "model", Alias: "production", Digest: first.Digest}))
	prod, err := s.ObjRead(ctx, ObjReadReq{ProjectID: project, ObjectID: "model", DigestOrAlias: "production"})
	require.NoError(t, err)
	require.Equal(t, first.Digest, prod.Digest)

	require.NoError(t, s.ObjSetAlias(ctx, ObjSetAliasReq{ProjectID: project, ObjectID: "model", Alias: "production", Digest: second.Digest}))
	prod, err = s.ObjRead(ctx, ObjReadReq{ProjectID: project, ObjectID: "model", DigestOrAlias: "production"})
	require.NoError(t, err)
	require.Equal(t, second.Digest, prod.Digest, "the last alias write wins")

	res, err := s.ObjDelete(ctx, ObjDeleteReq{ProjectID: project, ObjectID: "model", Digests: []string{second.Digest}})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.NumDeleted)

	latest, err := s.ObjRead(ctx, ObjReadReq{ProjectID: project, ObjectID: "model"})
	require.NoError(t, err)
	require.Equal(t, first.Digest, latest.Digest, "latest falls back to the highest remaining version")

	_, err = s.ObjRead(ctx, ObjReadReq{ProjectID: project, ObjectID: "model", DigestOrAlias: "production"})
	require.ErrorIs(t, err, traceerr.ErrNotFound)

	_, err = s.ObjDelete(ctx, ObjDeleteReq{ProjectID: project, ObjectID: "model", Digests: []string{second.Digest}})
	require.ErrorIs(t, err, traceerr.ErrNotFound)
}

func TestObjsQueryFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)

	op := raw(`{"_type":"CustomWeaveType","weave_type":{"type":"Op"},"files":{}}`)
	_, err := s.ObjCreate(ctx, ObjCreateReq{ProjectID: project, ObjectID: "predict", Val: op})
	require.NoError(t, err)
	_, err = s.ObjCreate(ctx, ObjCreateReq{ProjectID: project, ObjectID: "scorer", Val: raw(`{"_class_name":"Exact","_bases":["Scorer","Object","BaseModel"]}`)})
	require.NoError(t, err)
	_, err = s.ObjCreate(ctx, ObjCreateReq{ProjectID: project, ObjectID: "scorer", Val: raw(`{"_class_name":"Exact","_bases":["Scorer","Object","BaseModel"],"v":2}`)})
	require.NoError(t, err)

	isOp := true
	ops, err := s.ObjsQuery(ctx, ObjQueryReq{ProjectID: project, Filter: ObjFilter{IsOp: &isOp}})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, "predict", ops[0].ObjectID)
	require.Equal(t, store.KindOp, ops[0].Kind)

	scorers, err := s.ObjsQuery(ctx, ObjQueryReq{ProjectID: project, Filter: ObjFilter{BaseObjectClasses: []string{"Scorer"}, LatestOnly: true}})
	require.NoError(t, err)
	require.Len(t, scorers, 1)
	require.Equal(t, "Exact", scorers[0].LeafObjectClass)
	require.Equal(t, 1, scorers[0].VersionIndex)

	meta, err := s.ObjsQuery(ctx, ObjQueryReq{
		ProjectID:    project,
		Sort:         &SortBy{Field: store.SortObjectID, Direction: SortDesc},
		MetadataOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, meta, 3)
	require.Equal(t, "scorer", meta[0].ObjectID)
	require.Empty(t, meta[0].Val)

	_, err = s.ObjsQuery(ctx, ObjQueryReq{ProjectID: project, Sort: &SortBy{Field: "val"}})
	require.ErrorIs(t, err, traceerr.ErrValidation)
}

func TestBuiltinObjects(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)

	tbl, err := s.TableCreate(ctx, TableCreateReq{ProjectID: project, Rows: []json.RawMessage{raw(`{"q":"2+2","a":"4"}`)}})
	require.NoError(t, err)
	rowsRef := refs.TableRef{Entity: "acme", Project: "evals", Digest: tbl.Digest}.String()

	_, err = s.ObjCreate(ctx, ObjCreateReq{
		ProjectID:          project,
		ObjectID:           "arith",
		Val:                raw(`{"name":"arith","rows":"not a ref"}`),
		BuiltinObjectClass: "Dataset",
	})
	require.ErrorIs(t, err, traceerr.ErrValidation)

	res, err := s.ObjCreate(ctx, ObjCreateReq{
		ProjectID:          project,
		ObjectID:           "arith",
		Val:                raw(`{"name":"arith","rows":"` + rowsRef + `"}`),
		BuiltinObjectClass: "Dataset",
	})
	require.NoError(t, err)

	obj, err := s.ObjRead(ctx, ObjReadReq{ProjectID: project, ObjectID: "arith", DigestOrAlias: res.Digest})
	require.NoError(t, err)
	require.Equal(t, "Dataset", obj.LeafObjectClass)
	require.Equal(t, "Dataset", obj.BaseObjectClass)
	require.Equal(t, "Dataset", gjson.GetBytes(obj.Val, "_type").Str)

	decoded, err := s.DecodeBuiltin(obj)
	require.NoError(t, err)
	ds, ok := decoded.(*Dataset)
	require.True(t, ok)
	require.Equal(t, rowsRef, ds.Rows)

	plain, err := s.ObjCreate(ctx, ObjCreateReq{ProjectID: project, ObjectID: "plain", Val: raw(`{"x":1}`)})
	require.NoError(t, err)
	obj, err = s.ObjRead(ctx, ObjReadReq{ProjectID: project, ObjectID: "plain", DigestOrAlias: plain.Digest})
	require.NoError(t, err)
	_, err = s.DecodeBuiltin(obj)
	require.ErrorIs(t, err, traceerr.ErrTypeMismatch)

	require.Equal(t, []string{"Dataset", "Leaderboard", "Prompt"}, s.Builtins().Tags())
}
