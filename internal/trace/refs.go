package trace

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"traceserver/internal/digest"
	"traceserver/internal/refs"
	"traceserver/internal/store"
)

var _ refs.Loader = (*Server)(nil)

// cachedRef is a resolved base value. Objects and tables addressed by
// digest never change, so they can be cached until deleted.
type cachedRef struct {
	raw  json.RawMessage
	rows []refs.Row
}

func (s *Server) LoadObject(ctx context.Context, ref refs.ObjectRef) (json.RawMessage, error) {
	projectID := ref.ProjectID()
	d := ref.Digest
	if !digest.IsDigest(d) {
		var err error
		if d, err = s.resolveDigest(ctx, projectID, ref.Name, d); err != nil {
			return nil, err
		}
	}

	key := "obj/" + projectID + "/" + ref.Name + ":" + d
	if c, ok := s.refCache.Get(key); ok {
		// Another process sharing the database may have deleted it.
		ok, err := s.objectExists(ctx, projectID, ref.Name, d)
		if err != nil {
			return nil, fmt.Errorf("loading object %s:%s: %w", ref.Name, d, err)
		}
		if ok {
			return c.raw, nil
		}
		s.refCache.Remove(key)
	}
	gen := s.refGeneration()
	var obj *Object
	err := s.retry(ctx, "refs_read_batch", func() error {
		var err error
		obj, err = s.store.GetObject(ctx, projectID, ref.Name, d)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("loading object %s:%s: %w", ref.Name, d, err)
	}
	s.cacheRef(key, gen, cachedRef{raw: obj.Val})
	return obj.Val, nil
}

func (s *Server) objectExists(ctx context.Context, projectID, objectID, d string) (bool, error) {
	var objs []Object
	err := s.retry(ctx, "refs_read_batch", func() error {
		var err error
		objs, err = s.store.QueryObjects(ctx, store.ObjectQuery{
			ProjectID:    projectID,
			ObjectIDs:    []string{objectID},
			Digests:      []string{d},
			MetadataOnly: true,
			Limit:        1,
		})
		return err
	})
	return len(objs) > 0, err
}

func (s *Server) LoadTable(ctx context.Context, ref refs.TableRef) ([]refs.Row, error) {
	projectID := ref.ProjectID()
	key := "table/" + projectID + "/" + ref.Digest
	if c, ok := s.refCache.Get(key); ok {
		return c.rows, nil
	}

	gen := s.refGeneration()
	var rows []refs.Row
	err := s.retry(ctx, "refs_read_batch", func() error {
		rows = []refs.Row{}
		q := store.TableQuery{ProjectID: projectID, Digest: ref.Digest}
		return s.store.StreamTableRows(ctx, q, func(row store.TableRow) error {
			rows = append(rows, refs.Row{Digest: row.Digest, Val: row.Val})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading table %s: %w", ref.Digest, err)
	}
	s.cacheRef(key, gen, cachedRef{rows: rows})
	return rows, nil
}

func (s *Server) refGeneration() uint64 {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	return s.refGen
}

// cacheRef adds c unless refs were purged after gen was read, so a load that
// raced a delete cannot bring the deleted value back.
func (s *Server) cacheRef(key string, gen uint64, c cachedRef) {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	if s.refGen == gen {
		s.refCache.Add(key, c)
	}
}

func (s *Server) purgeRefs() {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	s.refGen++
	s.refCache.Purge()
}

// LoadCall is not cached: calls are mutable until they end and can be
// deleted at any time.
func (s *Server) LoadCall(ctx context.Context, ref refs.CallRef) (json.RawMessage, error) {
	var call *Call
	err := s.retry(ctx, "refs_read_batch", func() error {
		var err error
		call, err = s.store.GetCall(ctx, ref.ProjectID(), ref.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("loading call %s: %w", ref.ID, err)
	}
	return json.Marshal(call)
}

// RefsReadBatch resolves every ref, results in request order. All refs are
// parsed before anything is loaded, so a malformed ref fails the batch
// without touching the store.
func (s *Server) RefsReadBatch(ctx context.Context, req RefsReadBatchReq) (*RefsReadBatchRes, error) {
	return run(ctx, "refs_read_batch", "", func(ctx context.Context) (*RefsReadBatchRes, error) {
		parsed := make([]refs.Ref, len(req.Refs))
		for i, uri := range req.Refs {
			ref, err := refs.Parse(uri)
			if err != nil {
				return nil, fmt.Errorf("ref %d: %w", i, err)
			}
			parsed[i] = ref
		}

		vals := make([]json.RawMessage, len(parsed))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.RefWorkers)
		for i, ref := range parsed {
			g.Go(func() error {
				val, err := refs.Resolve(gctx, ref, s)
				if err != nil {
					return fmt.Errorf("ref %d (%s): %w", i, req.Refs[i], err)
				}
				vals[i] = val
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return &RefsReadBatchRes{Vals: vals}, nil
	})
}
