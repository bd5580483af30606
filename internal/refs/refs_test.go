package refs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"traceserver/internal/traceerr"
)

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ref  Ref
	}{
		{name: "object", ref: ObjectRef{Entity: "acme", Project: "evals", Name: "Dataset", Digest: "abc123"}},
		{name: "op", ref: ObjectRef{Entity: "acme", Project: "evals", Name: "Greet", Digest: "d1", Op: true}},
		{name: "escaped name", ref: ObjectRef{Entity: "acme", Project: "evals", Name: "my obj/with:colon", Digest: "d1"}},
		{name: "object extra", ref: ObjectRef{Entity: "acme", Project: "evals", Name: "Model", Digest: "d2", Extra: []Edge{
			{Type: EdgeAttr, Key: "rows"}, {Type: EdgeIndex, Key: "3"}, {Type: EdgeKey, Key: "a b/c"},
		}}},
		{name: "table", ref: TableRef{Entity: "acme", Project: "evals", Digest: "t1"}},
		{name: "table row", ref: TableRef{Entity: "acme", Project: "evals", Digest: "t1", Extra: []Edge{{Type: EdgeID, Key: "r1"}}}},
		{name: "call", ref: CallRef{Entity: "acme", Project: "evals", ID: "019a-call"}},
		{name: "call output", ref: CallRef{Entity: "acme", Project: "evals", ID: "c1", Extra: []Edge{{Type: EdgeKey, Key: "output"}}}},
		{name: "empty key", ref: ObjectRef{Entity: "acme", Project: "evals", Name: "Model", Digest: "d2", Extra: []Edge{
			{Type: EdgeKey, Key: ""}, {Type: EdgeKey, Key: "x"},
		}}},
		{name: "tilde key", ref: ObjectRef{Entity: "acme", Project: "evals", Name: "Model", Digest: "d2", Extra: []Edge{
			{Type: EdgeKey, Key: "~"}, {Type: EdgeAttr, Key: "~home"},
		}}},
		{name: "tilde in name", ref: ObjectRef{Entity: "acme", Project: "evals", Name: "~", Digest: "d1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.ref.String())
			require.NoError(t, err)
			if diff := cmp.Diff(tt.ref, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	ref, err := Parse("weave:///acme/evals/op/Greet:abc/key/output")
	require.NoError(t, err)

	obj, ok := ref.(ObjectRef)
	require.True(t, ok, "expected ObjectRef, got %T", ref)
	require.True(t, obj.Op)
	require.Equal(t, "Greet", obj.Name)
	require.Equal(t, "abc", obj.Digest)
	require.Equal(t, "acme/evals", obj.ProjectID())
	require.Equal(t, []Edge{{Type: EdgeKey, Key: "output"}}, obj.Path())
}

func TestEmptyKeyFormat(t *testing.T) {
	ref := ObjectRef{Entity: "acme", Project: "evals", Name: "m", Digest: "d", Extra: []Edge{{Type: EdgeKey, Key: ""}, {Type: EdgeKey, Key: "~"}}}
	require.Equal(t, "weave:///acme/evals/object/m:d/key/~/key/%7E", ref.String())

	_, err := Parse("weave:///acme/evals/object/m:d/index/~")
	require.ErrorIs(t, err, traceerr.ErrMalformedRef, "an empty index is not an integer")
}

func TestParseMalformed(t *testing.T) {
	for _, uri := range []string{
		"",
		"http://acme/evals/object/x:d",
		"weave:///acme/evals/object/nodigest",
		"weave:///acme/evals/object",
		"weave:///acme/evals/object/x:d/key",
		"weave:///acme/evals/object/x:d/bogus/k",
		"weave:///acme/evals/object/x:d/index/one",
		"weave:///acme/evals/thing/x",
		"weave:////evals/object/x:d",
		"weave:///acme/evals/object/x:",
	} {
		t.Run(uri, func(t *testing.T) {
			_, err := Parse(uri)
			require.ErrorIs(t, err, traceerr.ErrMalformedRef)
		})
	}
}

func TestSplitProjectID(t *testing.T) {
	entity, project, err := SplitProjectID("acme/evals")
	require.NoError(t, err)
	require.Equal(t, "acme", entity)
	require.Equal(t, "evals", project)

	for _, bad := range []string{"", "acme", "acme/", "/evals", "a/b/c"} {
		_, _, err := SplitProjectID(bad)
		require.ErrorIs(t, err, traceerr.ErrValidation, bad)
	}
}

type fakeLoader struct {
	objects map[string]string
	tables  map[string][]Row
	calls   map[string]string
}

func (f fakeLoader) LoadObject(_ context.Context, ref ObjectRef) (json.RawMessage, error) {
	raw, ok := f.objects[ref.Name+":"+ref.Digest]
	if !ok {
		return nil, traceerr.NotFoundf("object %s", ref.Name)
	}
	return json.RawMessage(raw), nil
}

func (f fakeLoader) LoadTable(_ context.Context, ref TableRef) ([]Row, error) {
	rows, ok := f.tables[ref.Digest]
	if !ok {
		return nil, traceerr.NotFoundf("table %s", ref.Digest)
	}
	return rows, nil
}

func (f fakeLoader) LoadCall(_ context.Context, ref CallRef) (json.RawMessage, error) {
	raw, ok := f.calls[ref.ID]
	if !ok {
		return nil, traceerr.NotFoundf("call %s", ref.ID)
	}
	return json.RawMessage(raw), nil
}

func testLoader() fakeLoader {
	return fakeLoader{
		objects: map[string]string{
			"Eval:d1":  `{"name":"nightly","dataset":"weave:///acme/evals/object/Data:d2","scores":[0.5,0.75]}`,
			"Data:d2":  `{"_type":"Dataset","rows":"weave:///acme/evals/table/t1"}`,
			"Plain:d3": `[1,{"x":true}]`,
			"Blank:d4": `{"":{"~":"tilde"},"x":0}`,
		},
		tables: map[string][]Row{
			"t1": {
				{Digest: "r1", Val: json.RawMessage(`{"q":"2+2","a":4}`)},
				{Digest: "r2", Val: json.RawMessage(`{"q":"3+3"}`)},
			},
		},
		calls: map[string]string{
			"c1": `{"id":"c1","output":{"greeting":"Hello, Ada"}}`,
		},
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name string
		uri  string
		want string
	}{
		{name: "whole object", uri: "weave:///acme/evals/object/Plain:d3", want: `[1,{"x":true}]`},
		{name: "key", uri: "weave:///acme/evals/object/Eval:d1/key/name", want: `"nightly"`},
		{name: "attr then index", uri: "weave:///acme/evals/object/Eval:d1/attr/scores/index/1", want: `0.75`},
		{name: "index then key", uri: "weave:///acme/evals/object/Plain:d3/index/1/key/x", want: `true`},
		{name: "through nested ref", uri: "weave:///acme/evals/object/Eval:d1/attr/dataset/attr/_type", want: `"Dataset"`},
		{name: "nested ref into table row", uri: "weave:///acme/evals/object/Eval:d1/attr/dataset/attr/rows/index/0/key/a", want: `4`},
		{name: "whole table", uri: "weave:///acme/evals/table/t1", want: `[{"q":"2+2","a":4},{"q":"3+3"}]`},
		{name: "table row by id", uri: "weave:///acme/evals/table/t1/id/r2", want: `{"q":"3+3"}`},
		{name: "table column", uri: "weave:///acme/evals/table/t1/col/a", want: `[4,null]`},
		{name: "call output", uri: "weave:///acme/evals/call/c1/key/output/key/greeting", want: `"Hello, Ada"`},
		{name: "empty key", uri: "weave:///acme/evals/object/Blank:d4/key/~/key/%7E", want: `"tilde"`},
		{name: "unresolved ref leaf", uri: "weave:///acme/evals/object/Eval:d1/key/dataset", want: `"weave:///acme/evals/object/Data:d2"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := Parse(tt.uri)
			require.NoError(t, err)
			got, err := Resolve(context.Background(), ref, testLoader())
			require.NoError(t, err)
			require.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name string
		uri  string
		want error
	}{
		{name: "missing object", uri: "weave:///acme/evals/object/Nope:d9", want: traceerr.ErrNotFound},
		{name: "missing key", uri: "weave:///acme/evals/object/Eval:d1/key/nope", want: traceerr.ErrNotFound},
		{name: "index out of range", uri: "weave:///acme/evals/object/Eval:d1/key/scores/index/5", want: traceerr.ErrNotFound},
		{name: "key on list", uri: "weave:///acme/evals/object/Plain:d3/key/x", want: traceerr.ErrTypeMismatch},
		{name: "index on object", uri: "weave:///acme/evals/object/Eval:d1/index/0", want: traceerr.ErrTypeMismatch},
		{name: "id on object", uri: "weave:///acme/evals/object/Eval:d1/id/r1", want: traceerr.ErrTypeMismatch},
		{name: "key on table", uri: "weave:///acme/evals/table/t1/key/q", want: traceerr.ErrTypeMismatch},
		{name: "missing row", uri: "weave:///acme/evals/table/t1/id/r9", want: traceerr.ErrNotFound},
		{name: "key on scalar", uri: "weave:///acme/evals/object/Eval:d1/key/name/key/x", want: traceerr.ErrTypeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := Parse(tt.uri)
			require.NoError(t, err)
			_, err = Resolve(context.Background(), ref, testLoader())
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestWalkIsOrderSensitive(t *testing.T) {
	raw := json.RawMessage(`{"a":[{"b":1}],"b":[{"a":2}]}`)

	ab, err := Walk(context.Background(), raw, []Edge{{EdgeKey, "a"}, {EdgeIndex, "0"}, {EdgeKey, "b"}}, testLoader())
	require.NoError(t, err)
	ba, err := Walk(context.Background(), raw, []Edge{{EdgeKey, "b"}, {EdgeIndex, "0"}, {EdgeKey, "a"}}, testLoader())
	require.NoError(t, err)

	require.Equal(t, "1", string(ab))
	require.Equal(t, "2", string(ba))
}

func TestResolveCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ref, err := Parse("weave:///acme/evals/object/Eval:d1")
	require.NoError(t, err)
	_, err = Resolve(ctx, ref, testLoader())
	require.True(t, errors.Is(err, context.Canceled))
}

func TestExtractRefs(t *testing.T) {
	raw := json.RawMessage(`{
		"model": "weave:///acme/evals/object/Model:d1",
		"nested": {"list": ["weave:///acme/evals/table/t1", "plain", "weave:///acme/evals/object/Model:d1"]},
		"n": 3
	}`)

	got := ExtractRefs(raw)
	want := []string{"weave:///acme/evals/object/Model:d1", "weave:///acme/evals/table/t1"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ExtractRefs mismatch (-want +got):\n%s", diff)
	}

	require.Empty(t, ExtractRefs(nil))
	require.Empty(t, ExtractRefs(json.RawMessage(`"not a ref"`)))
}
