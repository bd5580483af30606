package refs

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/tidwall/gjson"

	"traceserver/internal/traceerr"
)

// maxDepth bounds how many nested refs a single resolution may follow.
const maxDepth = 32

// Row is one table row as seen by the walker.
type Row struct {
	Digest string
	Val    json.RawMessage
}

// Loader fetches the base values that refs point at. Implementations return
// traceerr.ErrNotFound for absent targets.
type Loader interface {
	LoadObject(ctx context.Context, ref ObjectRef) (json.RawMessage, error)
	LoadTable(ctx context.Context, ref TableRef) ([]Row, error)
	LoadCall(ctx context.Context, ref CallRef) (json.RawMessage, error)
}

// node is the walker's cursor: either a JSON value or a whole table.
type node struct {
	raw   json.RawMessage
	table []Row
	isTbl bool
}

// Resolve loads the base value of ref and walks its extra path.
func Resolve(ctx context.Context, ref Ref, load Loader) (json.RawMessage, error) {
	n, err := resolve(ctx, ref, load, 0)
	if err != nil {
		return nil, err
	}
	return n.value(), nil
}

// Walk applies extra to raw, dereferencing nested ref strings through load
// whenever another edge remains to be applied.
func Walk(ctx context.Context, raw json.RawMessage, extra []Edge, load Loader) (json.RawMessage, error) {
	n, err := walk(ctx, node{raw: raw}, extra, load, 0)
	if err != nil {
		return nil, err
	}
	return n.value(), nil
}

func resolve(ctx context.Context, ref Ref, load Loader, depth int) (node, error) {
	if depth > maxDepth {
		return node{}, traceerr.TypeMismatchf("ref nesting deeper than %d", maxDepth)
	}
	if err := ctx.Err(); err != nil {
		return node{}, err
	}

	var base node
	switch r := ref.(type) {
	case ObjectRef:
		raw, err := load.LoadObject(ctx, r)
		if err != nil {
			return node{}, err
		}
		base = node{raw: raw}
	case TableRef:
		rows, err := load.LoadTable(ctx, r)
		if err != nil {
			return node{}, err
		}
		base = node{table: rows, isTbl: true}
	case CallRef:
		raw, err := load.LoadCall(ctx, r)
		if err != nil {
			return node{}, err
		}
		base = node{raw: raw}
	default:
		return node{}, traceerr.MalformedReff("unsupported ref type %T", ref)
	}
	return walk(ctx, base, ref.Path(), load, depth)
}

func walk(ctx context.Context, cur node, extra []Edge, load Loader, depth int) (node, error) {
	for i, edge := range extra {
		if !cur.isTbl {
			if s := gjson.ParseBytes(cur.raw); s.Type == gjson.String && IsRef(s.Str) {
				ref, err := Parse(s.Str)
				if err != nil {
					return node{}, err
				}
				if cur, err = resolve(ctx, ref, load, depth+1); err != nil {
					return node{}, err
				}
			}
		}

		next, err := step(cur, edge)
		if err != nil {
			return node{}, fmtPathErr(extra[:i+1], err)
		}
		cur = next
	}
	return cur, nil
}

func step(cur node, edge Edge) (node, error) {
	switch edge.Type {
	case EdgeKey, EdgeAttr:
		if cur.isTbl {
			return node{}, traceerr.TypeMismatchf("%s edge applied to a table", edge.Type)
		}
		v := gjson.ParseBytes(cur.raw)
		if !v.IsObject() {
			return node{}, traceerr.TypeMismatchf("%s edge applied to %s", edge.Type, shape(v))
		}
		var found *gjson.Result
		v.ForEach(func(key, value gjson.Result) bool {
			if key.Str == edge.Key {
				found = &value
				return false
			}
			return true
		})
		if found == nil {
			return node{}, traceerr.NotFoundf("key %q", edge.Key)
		}
		return node{raw: json.RawMessage(found.Raw)}, nil

	case EdgeIndex:
		idx, err := strconv.Atoi(edge.Key)
		if err != nil {
			return node{}, traceerr.MalformedReff("index %q is not an integer", edge.Key)
		}
		if cur.isTbl {
			if idx < 0 || idx >= len(cur.table) {
				return node{}, traceerr.NotFoundf("row index %d of %d", idx, len(cur.table))
			}
			return node{raw: cur.table[idx].Val}, nil
		}
		v := gjson.ParseBytes(cur.raw)
		if !v.IsArray() {
			return node{}, traceerr.TypeMismatchf("index edge applied to %s", shape(v))
		}
		items := v.Array()
		if idx < 0 || idx >= len(items) {
			return node{}, traceerr.NotFoundf("index %d of %d", idx, len(items))
		}
		return node{raw: json.RawMessage(items[idx].Raw)}, nil

	case EdgeID:
		if !cur.isTbl {
			return node{}, traceerr.TypeMismatchf("id edge applied to %s", shape(gjson.ParseBytes(cur.raw)))
		}
		for _, row := range cur.table {
			if row.Digest == edge.Key {
				return node{raw: row.Val}, nil
			}
		}
		return node{}, traceerr.NotFoundf("row %q", edge.Key)

	case EdgeCol:
		if !cur.isTbl {
			return node{}, traceerr.TypeMismatchf("col edge applied to %s", shape(gjson.ParseBytes(cur.raw)))
		}
		col := make([]json.RawMessage, 0, len(cur.table))
		for _, row := range cur.table {
			cell := json.RawMessage("null")
			gjson.ParseBytes(row.Val).ForEach(func(key, value gjson.Result) bool {
				if key.Str == edge.Key {
					cell = json.RawMessage(value.Raw)
					return false
				}
				return true
			})
			col = append(col, cell)
		}
		raw, err := json.Marshal(col)
		if err != nil {
			return node{}, err
		}
		return node{raw: raw}, nil

	default:
		return node{}, traceerr.MalformedReff("unknown edge type %q", edge.Type)
	}
}

func (n node) value() json.RawMessage {
	if !n.isTbl {
		return n.raw
	}
	vals := make([]json.RawMessage, 0, len(n.table))
	for _, row := range n.table {
		vals = append(vals, row.Val)
	}
	raw, _ := json.Marshal(vals)
	return raw
}

func shape(v gjson.Result) string {
	switch {
	case v.IsObject():
		return "an object"
	case v.IsArray():
		return "a list"
	case v.Type == gjson.String:
		return "a string"
	case v.Type == gjson.Number:
		return "a number"
	case v.Type == gjson.Null:
		return "null"
	default:
		return "a scalar"
	}
}

func fmtPathErr(path []Edge, err error) error {
	return &pathError{path: path, err: err}
}

type pathError struct {
	path []Edge
	err  error
}

func (e *pathError) Error() string {
	return "at " + formatExtra(e.path) + ": " + e.err.Error()
}

func (e *pathError) Unwrap() error { return e.err }

// ExtractRefs returns every ref literal found anywhere inside raw, in first-seen order
// without duplicates.
func ExtractRefs(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return []string{}
	}
	seen := map[string]bool{}
	out := []string{}
	var visit func(v gjson.Result)
	visit = func(v gjson.Result) {
		switch {
		case v.IsObject(), v.IsArray():
			v.ForEach(func(_, value gjson.Result) bool {
				visit(value)
				return true
			})
		case v.Type == gjson.String && IsRef(v.Str):
			if !seen[v.Str] {
				seen[v.Str] = true
				out = append(out, v.Str)
			}
		}
	}
	visit(gjson.ParseBytes(raw))
	return out
}
