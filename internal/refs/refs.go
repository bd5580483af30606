// Package refs parses, formats and resolves weave:/// URIs that address
// objects, ops, tables and calls, optionally followed by an extra path into
// the referenced value.
package refs

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"traceserver/internal/traceerr"
)

const Scheme = "weave:///"

type EdgeType string

const (
	EdgeKey   EdgeType = "key"
	EdgeIndex EdgeType = "index"
	EdgeAttr  EdgeType = "attr"
	EdgeID    EdgeType = "id"
	EdgeCol   EdgeType = "col"
)

type Edge struct {
	Type EdgeType
	Key  string
}

type Ref interface {
	String() string
	ProjectID() string
	Path() []Edge
}

// ObjectRef addresses a versioned object. Op is set for op refs, which share
// the object layout but use the "op" path segment.
type ObjectRef struct {
	Entity  string
	Project string
	Name    string
	Digest  string
	Op      bool
	Extra   []Edge
}

type TableRef struct {
	Entity  string
	Project string
	Digest  string
	Extra   []Edge
}

type CallRef struct {
	Entity  string
	Project string
	ID      string
	Extra   []Edge
}

var (
	_ Ref = ObjectRef{}
	_ Ref = TableRef{}
	_ Ref = CallRef{}
)

func (r ObjectRef) ProjectID() string { return r.Entity + "/" + r.Project }
func (r TableRef) ProjectID() string  { return r.Entity + "/" + r.Project }
func (r CallRef) ProjectID() string   { return r.Entity + "/" + r.Project }

func (r ObjectRef) Path() []Edge { return r.Extra }
func (r TableRef) Path() []Edge  { return r.Extra }
func (r CallRef) Path() []Edge   { return r.Extra }

func (r ObjectRef) String() string {
	kind := "object"
	if r.Op {
		kind = "op"
	}
	return prefix(r.Entity, r.Project, kind) + escape(r.Name) + ":" + escape(r.Digest) + formatExtra(r.Extra)
}

func (r TableRef) String() string {
	return prefix(r.Entity, r.Project, "table") + escape(r.Digest) + formatExtra(r.Extra)
}

func (r CallRef) String() string {
	return prefix(r.Entity, r.Project, "call") + escape(r.ID) + formatExtra(r.Extra)
}

// WithExtra returns a copy of r with edges appended to its extra path.
func (r ObjectRef) WithExtra(edges ...Edge) ObjectRef {
	r.Extra = append(append([]Edge(nil), r.Extra...), edges...)
	return r
}

func IsRef(s string) bool {
	return strings.HasPrefix(s, Scheme)
}

func Parse(uri string) (Ref, error) {
	if !IsRef(uri) {
		return nil, traceerr.MalformedReff("unknown scheme in %q", uri)
	}
	parts := strings.Split(strings.TrimPrefix(uri, Scheme), "/")
	if len(parts) < 4 {
		return nil, traceerr.MalformedReff("too few segments in %q", uri)
	}

	entity, err := unescape(parts[0], "entity")
	if err != nil {
		return nil, err
	}
	project, err := unescape(parts[1], "project")
	if err != nil {
		return nil, err
	}
	extra, err := parseExtra(parts[4:])
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", uri, err)
	}

	switch kind := parts[2]; kind {
	case "object", "op":
		sep := strings.LastIndex(parts[3], ":")
		if sep < 0 {
			return nil, traceerr.MalformedReff("missing digest separator in %q", uri)
		}
		name, err := unescape(parts[3][:sep], "name")
		if err != nil {
			return nil, err
		}
		digest, err := unescape(parts[3][sep+1:], "digest")
		if err != nil {
			return nil, err
		}
		return ObjectRef{Entity: entity, Project: project, Name: name, Digest: digest, Op: kind == "op", Extra: extra}, nil
	case "table":
		digest, err := unescape(parts[3], "digest")
		if err != nil {
			return nil, err
		}
		return TableRef{Entity: entity, Project: project, Digest: digest, Extra: extra}, nil
	case "call":
		id, err := unescape(parts[3], "call id")
		if err != nil {
			return nil, err
		}
		return CallRef{Entity: entity, Project: project, ID: id, Extra: extra}, nil
	default:
		return nil, traceerr.MalformedReff("unknown ref kind %q", kind)
	}
}

// SplitProjectID splits "entity/project" into its two parts.
func SplitProjectID(projectID string) (string, string, error) {
	entity, project, ok := strings.Cut(projectID, "/")
	if !ok || entity == "" || project == "" || strings.Contains(project, "/") {
		return "", "", traceerr.Validationf("project id must be entity/project, got %q", projectID)
	}
	return entity, project, nil
}

func parseExtra(parts []string) ([]Edge, error) {
	if len(parts) == 0 {
		return nil, nil
	}
	if len(parts)%2 != 0 {
		return nil, traceerr.MalformedReff("unbalanced extra path")
	}
	edges := make([]Edge, 0, len(parts)/2)
	for i := 0; i < len(parts); i += 2 {
		edgeType := EdgeType(parts[i])
		switch edgeType {
		case EdgeKey, EdgeIndex, EdgeAttr, EdgeID, EdgeCol:
		default:
			return nil, traceerr.MalformedReff("unknown edge type %q", parts[i])
		}
		key := ""
		if parts[i+1] != emptyKey {
			var err error
			if key, err = unescape(parts[i+1], string(edgeType)); err != nil {
				return nil, err
			}
		}
		if edgeType == EdgeIndex {
			if _, err := strconv.Atoi(key); err != nil {
				return nil, traceerr.MalformedReff("index edge %q is not an integer", key)
			}
		}
		edges = append(edges, Edge{Type: edgeType, Key: key})
	}
	return edges, nil
}

func prefix(entity, project, kind string) string {
	return Scheme + escape(entity) + "/" + escape(project) + "/" + kind + "/"
}

func formatExtra(extra []Edge) string {
	var sb strings.Builder
	for _, edge := range extra {
		sb.WriteString("/")
		sb.WriteString(string(edge.Type))
		sb.WriteString("/")
		if edge.Key == "" {
			sb.WriteString(emptyKey)
		} else {
			sb.WriteString(escape(edge.Key))
		}
	}
	return sb.String()
}

// emptyKey is written in place of an empty edge key so the path keeps one
// segment per component. escape encodes every literal tilde.
const emptyKey = "~"

var escaper = strings.NewReplacer(":", "%3A", "~", "%7E")

func escape(s string) string {
	return escaper.Replace(url.PathEscape(s))
}

func unescape(s, field string) (string, error) {
	if s == "" {
		return "", traceerr.MalformedReff("empty %s", field)
	}
	out, err := url.PathUnescape(s)
	if err != nil {
		return "", traceerr.MalformedReff("invalid %s escape %q", field, s)
	}
	return out, nil
}
