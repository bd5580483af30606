package store

import (
	"encoding/json"
	"time"
)

const (
	KindObject = "object"
	KindOp     = "op"

	AliasLatest = "latest"
)

type Object struct {
	ProjectID       string          `json:"project_id"`
	ObjectID        string          `json:"object_id"`
	Digest          string          `json:"digest"`
	Kind            string          `json:"kind"`
	BaseObjectClass string          `json:"base_object_class"`
	LeafObjectClass string          `json:"leaf_object_class"`
	Val             json.RawMessage `json:"val,omitempty"`
	VersionIndex    int             `json:"version_index"`
	CreatedAt       time.Time       `json:"created_at"`
	IsLatest        bool            `json:"is_latest"`
}

type ObjectQuery struct {
	ProjectID         string
	ObjectIDs         []string
	ObjectIDPrefix    string
	BaseObjectClasses []string
	LeafObjectClasses []string
	Digests           []string
	LatestOnly        bool
	// Kind restricts results to KindObject or KindOp; empty matches both.
	Kind         string
	SortBy       string
	Desc         bool
	Limit        int
	Offset       int
	MetadataOnly bool
}

const (
	SortCreatedAt = "created_at"
	SortObjectID  = "object_id"
)

type TableRow struct {
	Digest string          `json:"digest"`
	Val    json.RawMessage `json:"val,omitempty"`
}

type TableQuery struct {
	ProjectID  string
	Digest     string
	RowDigests []string
	Limit      int
	Offset     int
}

type TableStats struct {
	Digest           string `json:"digest"`
	RowCount         int64  `json:"row_count"`
	StorageSizeBytes int64  `json:"storage_size_bytes"`
}

// Call is one stored call row. A zero StartedAt marks an end-only row that
// has not been merged with its start yet; such rows are never returned by
// reads. A nil Output means the call has not ended; an ended call without
// output stores the JSON literal null.
type Call struct {
	ProjectID   string          `json:"project_id"`
	ID          string          `json:"id"`
	TraceID     string          `json:"trace_id"`
	ParentID    string          `json:"parent_id,omitempty"`
	OpName      string          `json:"op_name"`
	DisplayName string          `json:"display_name,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	Inputs      json.RawMessage `json:"inputs,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Exception   string          `json:"exception,omitempty"`
	Attributes  json.RawMessage `json:"attributes,omitempty"`
	Summary     json.RawMessage `json:"summary,omitempty"`
	ThreadID    string          `json:"thread_id,omitempty"`
	TurnID      string          `json:"turn_id,omitempty"`
	InputRefs   []string        `json:"input_refs"`
	OutputRefs  []string        `json:"output_refs"`
	DeletedAt   *time.Time      `json:"deleted_at,omitempty"`
}

func (c *Call) Running() bool { return c.EndedAt == nil }

func (c *Call) Errored() bool { return c.EndedAt != nil && c.Exception != "" }

type CallEnd struct {
	ProjectID  string
	ID         string
	EndedAt    time.Time
	Output     json.RawMessage
	Exception  string
	Summary    json.RawMessage
	OutputRefs []string
}

type CallUpdate struct {
	ProjectID    string
	ID           string
	DisplayName  *string
	SummaryPatch json.RawMessage
}

type CallQuery struct {
	ProjectID string
	// OpNames match exactly, or by prefix when an entry ends in ":*".
	OpNames        []string
	InputRefs      []string
	OutputRefs     []string
	TraceIDs       []string
	ParentIDs      []string
	CallIDs        []string
	ThreadIDs      []string
	TurnIDs        []string
	TraceRootsOnly bool
	StartedAfter   time.Time
	StartedBefore  time.Time
	Desc           bool
	Limit          int
	Offset         int
}

type Feedback struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	WeaveRef     string          `json:"weave_ref"`
	FeedbackType string          `json:"feedback_type"`
	Payload      json.RawMessage `json:"payload"`
	Creator      string          `json:"creator,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type FeedbackQuery struct {
	ProjectID     string
	IDs           []string
	WeaveRefs     []string
	FeedbackTypes []string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	HasCreator    *bool
	Desc          bool
	Limit         int
	Offset        int
}

// Empty reports whether q has no predicates beyond its project.
func (q FeedbackQuery) Empty() bool {
	return len(q.IDs) == 0 && len(q.WeaveRefs) == 0 && len(q.FeedbackTypes) == 0 &&
		q.CreatedAfter.IsZero() && q.CreatedBefore.IsZero() && q.HasCreator == nil
}

type Cost struct {
	ID                      string    `json:"id"`
	ProjectID               string    `json:"project_id"`
	LLMID                   string    `json:"llm_id"`
	ProviderID              string    `json:"provider_id"`
	PromptTokenCost         float64   `json:"prompt_token_cost"`
	CompletionTokenCost     float64   `json:"completion_token_cost"`
	PromptTokenCostUnit     string    `json:"prompt_token_cost_unit"`
	CompletionTokenCostUnit string    `json:"completion_token_cost_unit"`
	EffectiveDate           time.Time `json:"effective_date"`
	CreatedBy               string    `json:"created_by,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
}

type CostQuery struct {
	ProjectID       string
	IDs             []string
	LLMIDs          []string
	EffectiveBefore time.Time
	Limit           int
	Offset          int
}

func (q CostQuery) Empty() bool {
	return len(q.IDs) == 0 && len(q.LLMIDs) == 0 && q.EffectiveBefore.IsZero()
}

type File struct {
	ProjectID string
	Digest    string
	Name      string
	Content   []byte
	CreatedAt time.Time
}
