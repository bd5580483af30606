// Package store defines the boundary between trace semantics and the storage
// engines that persist them.
//
// Engines own durability and the conditional writes that keep rows
// consistent under concurrency (idempotent inserts, once-only ends,
// tombstones). Validation, id minting and digesting happen above this layer.
package store

import (
	"context"
	"time"
)

type Store interface {
	Close(ctx context.Context) error
	EnsureSchema(ctx context.Context) error
	EnsureProject(ctx context.Context, entity, project string) error

	ObjectStore
	TableStore
	CallStore
	FeedbackStore
	CostStore
	FileStore
}

type ObjectStore interface {
	// PutObject inserts o unless its digest already exists for the object id.
	// A new digest receives the next version index and becomes latest.
	PutObject(ctx context.Context, o Object) (inserted bool, err error)
	GetObject(ctx context.Context, projectID, objectID, digest string) (*Object, error)
	// ResolveAlias maps "latest", "v<N>" or a custom alias to a digest.
	ResolveAlias(ctx context.Context, projectID, objectID, alias string) (string, error)
	SetAlias(ctx context.Context, projectID, objectID, alias, digest string) error
	QueryObjects(ctx context.Context, q ObjectQuery) ([]Object, error)
	// DeleteObjects removes the given digests, or every digest when none are
	// given, and repoints latest at the highest remaining version.
	DeleteObjects(ctx context.Context, projectID, objectID string, digests []string) (int64, error)
}

type TableStore interface {
	// PutTable records the table digest over rowDigests and stores any rows
	// not already present. Every digest must be in rows or already stored.
	PutTable(ctx context.Context, projectID, digest string, rowDigests []string, rows []TableRow) error
	GetTableRowDigests(ctx context.Context, projectID, digest string) ([]string, error)
	// StreamTableRows calls fn for each row in table order. Returning an
	// error from fn stops the scan and is returned as is.
	StreamTableRows(ctx context.Context, q TableQuery, fn func(TableRow) error) error
	TableStats(ctx context.Context, projectID string, digests []string) ([]TableStats, error)
}

type CallStore interface {
	// StartCall records c. A retried start is a no-op; a start arriving after
	// its end merges into the end-only row. The stored trace id is returned.
	StartCall(ctx context.Context, c Call) (traceID string, err error)
	// EndCall ends a running call. When the call does not exist and
	// allowOrphan is set, an end-only row is stored for a later start.
	EndCall(ctx context.Context, e CallEnd, allowOrphan bool) error
	UpdateCall(ctx context.Context, u CallUpdate) error
	GetCall(ctx context.Context, projectID, id string) (*Call, error)
	StreamCalls(ctx context.Context, q CallQuery, fn func(Call) error) error
	CountCalls(ctx context.Context, q CallQuery) (int64, error)
	ChildCallIDs(ctx context.Context, projectID string, parentIDs []string) ([]string, error)
	DeleteCalls(ctx context.Context, projectID string, ids []string, at time.Time) (int64, error)
}

type FeedbackStore interface {
	PutFeedback(ctx context.Context, f Feedback) error
	QueryFeedback(ctx context.Context, q FeedbackQuery) ([]Feedback, error)
	PurgeFeedback(ctx context.Context, q FeedbackQuery) (int64, error)
}

type CostStore interface {
	PutCosts(ctx context.Context, costs []Cost) error
	// QueryCosts orders by llm id, then newest effective date first.
	QueryCosts(ctx context.Context, q CostQuery) ([]Cost, error)
	PurgeCosts(ctx context.Context, q CostQuery) (int64, error)
}

type FileStore interface {
	PutFile(ctx context.Context, f File) error
	GetFile(ctx context.Context, projectID, digest string) (*File, error)
}

// SQLRunner is implemented by engines that accept raw read queries.
type SQLRunner interface {
	RunSQL(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
}
