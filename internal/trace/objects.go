package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/chainguard-dev/clog"
	"github.com/tidwall/gjson"

	"traceserver/internal/digest"
	"traceserver/internal/store"
	"traceserver/internal/traceerr"
)

var (
	objectIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)
	aliasPattern    = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)
)

func (s *Server) ObjCreate(ctx context.Context, req ObjCreateReq) (*ObjCreateRes, error) {
	return run(ctx, "obj_create", req.ProjectID, func(ctx context.Context) (*ObjCreateRes, error) {
		if err := validateProject(req.ProjectID); err != nil {
			return nil, err
		}
		if !objectIDPattern.MatchString(req.ObjectID) {
			return nil, traceerr.Validationf("invalid object id %q", req.ObjectID)
		}
		if len(req.Val) == 0 {
			return nil, traceerr.Validationf("val is required")
		}
		val, err := canonical(req.Val, "val")
		if err != nil {
			return nil, err
		}
		if req.BuiltinObjectClass != "" {
			if val, err = s.builtins.normalize(req.BuiltinObjectClass, val); err != nil {
				return nil, err
			}
		}

		kind, base, leaf := classify(val)
		obj := store.Object{
			ProjectID:       req.ProjectID,
			ObjectID:        req.ObjectID,
			Digest:          digest.Bytes(val),
			Kind:            kind,
			BaseObjectClass: base,
			LeafObjectClass: leaf,
			Val:             val,
			CreatedAt:       s.now(),
		}

		var inserted bool
		err = s.retry(ctx, "obj_create", func() error {
			var err error
			inserted, err = s.store.PutObject(ctx, obj)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("storing object %s: %w", req.ObjectID, err)
		}
		if !inserted {
			clog.FromContext(ctx).With("object_id", req.ObjectID).With("digest", obj.Digest).Debug("Object already stored")
		}
		return &ObjCreateRes{Digest: obj.Digest}, nil
	})
}

// classify derives kind and class tags from the _type, _class_name and
// _bases conventions of serialized values. The base class is the first
// user class above Object/BaseModel, or the leaf itself when it derives
// from Object directly.
func classify(val json.RawMessage) (kind, base, leaf string) {
	v := gjson.ParseBytes(val)
	kind = store.KindObject
	if v.Get("_type").Str == "CustomWeaveType" && v.Get("weave_type.type").Str == "Op" {
		kind = store.KindOp
	}
	leaf = v.Get("_class_name").Str
	bases := v.Get("_bases").Array()
	if n := len(bases); n >= 2 && bases[n-1].Str == "BaseModel" && bases[n-2].Str == "Object" {
		if n > 2 {
			base = bases[n-3].Str
		} else {
			base = leaf
		}
	}
	return kind, base, leaf
}

func (s *Server) ObjRead(ctx context.Context, req ObjReadReq) (*Object, error) {
	return run(ctx, "obj_read", req.ProjectID, func(ctx context.Context) (*Object, error) {
		if err := validateProject(req.ProjectID); err != nil {
			return nil, err
		}
		if req.ObjectID == "" {
			return nil, traceerr.Validationf("object_id is required")
		}
		d, err := s.resolveDigest(ctx, req.ProjectID, req.ObjectID, req.DigestOrAlias)
		if err != nil {
			return nil, err
		}
		var obj *Object
		err = s.retry(ctx, "obj_read", func() error {
			var err error
			obj, err = s.store.GetObject(ctx, req.ProjectID, req.ObjectID, d)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("reading object %s: %w", req.ObjectID, err)
		}
		return obj, nil
	})
}

// resolveDigest maps a literal digest or an alias to a digest. An empty
// value means latest.
func (s *Server) resolveDigest(ctx context.Context, projectID, objectID, digestOrAlias string) (string, error) {
	if digestOrAlias == "" {
		digestOrAlias = store.AliasLatest
	}
	if digest.IsDigest(digestOrAlias) {
		return digestOrAlias, nil
	}
	var d string
	err := s.retry(ctx, "resolve_alias", func() error {
		var err error
		d, err = s.store.ResolveAlias(ctx, projectID, objectID, digestOrAlias)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("resolving %s:%s: %w", objectID, digestOrAlias, err)
	}
	return d, nil
}

func (s *Server) ObjsQuery(ctx context.Context, req ObjQueryReq) ([]Object, error) {
	return run(ctx, "objs_query", req.ProjectID, func(ctx context.Context) ([]Object, error) {
		if err := validateProject(req.ProjectID); err != nil {
			return nil, err
		}
		limit, err := s.limit(req.Limit, req.Offset)
		if err != nil {
			return nil, err
		}
		field, desc, err := sortDesc(req.Sort, store.SortCreatedAt, store.SortObjectID)
		if err != nil {
			return nil, err
		}
		q := store.ObjectQuery{
			ProjectID:         req.ProjectID,
			ObjectIDs:         req.Filter.ObjectIDs,
			ObjectIDPrefix:    req.Filter.ObjectIDPrefix,
			BaseObjectClasses: req.Filter.BaseObjectClasses,
			LeafObjectClasses: req.Filter.LeafObjectClasses,
			Digests:           req.Filter.Digests,
			LatestOnly:        req.Filter.LatestOnly,
			SortBy:            field,
			Desc:              desc,
			Limit:             limit,
			Offset:            req.Offset,
			MetadataOnly:      req.MetadataOnly,
		}
		if req.Filter.IsOp != nil {
			q.Kind = store.KindObject
			if *req.Filter.IsOp {
				q.Kind = store.KindOp
			}
		}

		var objs []Object
		err = s.retry(ctx, "objs_query", func() error {
			var err error
			objs, err = s.store.QueryObjects(ctx, q)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("querying objects: %w", err)
		}
		if objs == nil {
			objs = []Object{}
		}
		return objs, nil
	})
}

func (s *Server) ObjDelete(ctx context.Context, req ObjDeleteReq) (*ObjDeleteRes, error) {
	return run(ctx, "obj_delete", req.ProjectID, func(ctx context.Context) (*ObjDeleteRes, error) {
		if err := validateProject(req.ProjectID); err != nil {
			return nil, err
		}
		if req.ObjectID == "" {
			return nil, traceerr.Validationf("object_id is required")
		}
		var n int64
		err := s.retry(ctx, "obj_delete", func() error {
			var err error
			n, err = s.store.DeleteObjects(ctx, req.ProjectID, req.ObjectID, req.Digests)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("deleting object %s: %w", req.ObjectID, err)
		}
		if n == 0 {
			return nil, traceerr.NotFoundf("object %s has no matching digests", req.ObjectID)
		}
		// Refs to the removed digests must stop resolving.
		s.purgeRefs()
		clog.FromContext(ctx).With("object_id", req.ObjectID).With("deleted", n).Info("Deleted object versions")
		return &ObjDeleteRes{NumDeleted: n}, nil
	})
}

func (s *Server) ObjSetAlias(ctx context.Context, req ObjSetAliasReq) error {
	_, err := run(ctx, "obj_set_alias", req.ProjectID, func(ctx context.Context) (struct{}, error) {
		if err := validateProject(req.ProjectID); err != nil {
			return struct{}{}, err
		}
		if !aliasPattern.MatchString(req.Alias) || req.Alias == store.AliasLatest || digest.IsDigest(req.Alias) {
			return struct{}{}, traceerr.Validationf("invalid alias %q", req.Alias)
		}
		if _, ok := store.VersionAlias(req.Alias); ok {
			return struct{}{}, traceerr.Validationf("alias %q is reserved for versions", req.Alias)
		}
		err := s.retry(ctx, "obj_set_alias", func() error {
			return s.store.SetAlias(ctx, req.ProjectID, req.ObjectID, req.Alias, req.Digest)
		})
		if err != nil {
			return struct{}{}, fmt.Errorf("setting alias %s on %s: %w", req.Alias, req.ObjectID, err)
		}
		return struct{}{}, nil
	})
	return err
}

// DecodeBuiltin decodes obj through the handler registered for its leaf class.
func (s *Server) DecodeBuiltin(obj *Object) (any, error) {
	h, ok := s.builtins.Lookup(obj.LeafObjectClass)
	if !ok {
		return nil, traceerr.TypeMismatchf("no builtin handler for class %q", obj.LeafObjectClass)
	}
	return h.Decode(obj.Val)
}
