// Package trace implements the trace server operations on top of a storage
// engine: call lifecycle and batching, content-addressed objects and tables,
// feedback, costs, files and ref resolution.
//
// Every exported operation blocks until the store answers or ctx is done,
// retries transient store errors with backoff, and reports a span and
// metrics under the operation's wire name.
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"traceserver/internal/refs"
	"traceserver/internal/store"
	"traceserver/internal/traceerr"
)

type Options struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RefCacheSize    int
	RefWorkers      int
	DefaultLimit    int
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:      5,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		RefCacheSize:    1024,
		RefWorkers:      8,
		DefaultLimit:    1000,
	}
}

type Server struct {
	store    store.Store
	opts     Options
	builtins *Registry
	refCache *lru.Cache[string, cachedRef]
	refMu    sync.Mutex
	refGen   uint64

	now   func() time.Time
	newID func() string
}

func New(st store.Store, opts Options) (*Server, error) {
	if opts.RefCacheSize <= 0 {
		opts.RefCacheSize = DefaultOptions().RefCacheSize
	}
	if opts.RefWorkers <= 0 {
		opts.RefWorkers = DefaultOptions().RefWorkers
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultOptions().DefaultLimit
	}
	cache, err := lru.New[string, cachedRef](opts.RefCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating ref cache: %w", err)
	}
	return &Server{
		store:    st,
		opts:     opts,
		builtins: DefaultBuiltins(),
		refCache: cache,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.Must(uuid.NewV7()).String() },
	}, nil
}

// Store exposes the underlying engine for maintenance commands.
func (s *Server) Store() store.Store { return s.store }

func (s *Server) Builtins() *Registry { return s.builtins }

func (s *Server) EnsureProjectExists(ctx context.Context, entity, project string) (*EnsureProjectRes, error) {
	projectID := entity + "/" + project
	return run(ctx, "ensure_project_exists", projectID, func(ctx context.Context) (*EnsureProjectRes, error) {
		if _, _, err := refs.SplitProjectID(projectID); err != nil {
			return nil, err
		}
		if err := s.retry(ctx, "ensure_project_exists", func() error {
			return s.store.EnsureProject(ctx, entity, project)
		}); err != nil {
			return nil, fmt.Errorf("ensuring project: %w", err)
		}
		return &EnsureProjectRes{ProjectName: projectID}, nil
	})
}

func validateProject(projectID string) error {
	_, _, err := refs.SplitProjectID(projectID)
	return err
}

func (s *Server) limit(limit, offset int) (int, error) {
	if limit < 0 || offset < 0 {
		return 0, traceerr.Validationf("limit and offset must not be negative")
	}
	if limit == 0 {
		return s.opts.DefaultLimit, nil
	}
	return limit, nil
}

func sortDesc(sort *SortBy, allowed ...string) (string, bool, error) {
	if sort == nil {
		return "", false, nil
	}
	field := sort.Field
	ok := field == ""
	for _, a := range allowed {
		if field == a {
			ok = true
		}
	}
	if !ok {
		return "", false, traceerr.Validationf("cannot sort by %q", field)
	}
	switch sort.Direction {
	case "", SortAsc:
		return field, false, nil
	case SortDesc:
		return field, true, nil
	default:
		return "", false, traceerr.Validationf("sort direction must be asc or desc, got %q", sort.Direction)
	}
}

// canonicalObject canonicalizes raw and requires it to be a JSON object.
// Empty input yields an empty object.
func canonicalObject(raw json.RawMessage, field string) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage(`{}`), nil
	}
	out, err := canonical(raw, field)
	if err != nil {
		return nil, err
	}
	if out[0] != '{' {
		return nil, traceerr.Validationf("%s must be a JSON object", field)
	}
	return out, nil
}
