package trace

import (
	"encoding/json"
	"time"

	"traceserver/internal/store"
)

type (
	Object     = store.Object
	Call       = store.Call
	TableRow   = store.TableRow
	TableStats = store.TableStats
	Feedback   = store.Feedback
	Cost       = store.Cost
)

const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

type SortBy struct {
	Field     string `json:"field"`
	Direction string `json:"direction,omitempty"`
}

type EnsureProjectRes struct {
	ProjectName string `json:"project_name"`
}

type ObjCreateReq struct {
	ProjectID          string          `json:"project_id"`
	ObjectID           string          `json:"object_id"`
	Val                json.RawMessage `json:"val"`
	BuiltinObjectClass string          `json:"builtin_object_class,omitempty"`
}

type ObjCreateRes struct {
	Digest string `json:"digest"`
}

type ObjReadReq struct {
	ProjectID     string `json:"project_id"`
	ObjectID      string `json:"object_id"`
	DigestOrAlias string `json:"digest_or_alias"`
}

type ObjFilter struct {
	ObjectIDs         []string `json:"object_ids,omitempty"`
	ObjectIDPrefix    string   `json:"object_id_prefix,omitempty"`
	BaseObjectClasses []string `json:"base_object_classes,omitempty"`
	LeafObjectClasses []string `json:"leaf_object_classes,omitempty"`
	Digests           []string `json:"digests,omitempty"`
	LatestOnly        bool     `json:"latest_only,omitempty"`
	IsOp              *bool    `json:"is_op,omitempty"`
}

type ObjQueryReq struct {
	ProjectID    string    `json:"project_id"`
	Filter       ObjFilter `json:"filter"`
	Sort         *SortBy   `json:"sort,omitempty"`
	Limit        int       `json:"limit,omitempty"`
	Offset       int       `json:"offset,omitempty"`
	MetadataOnly bool      `json:"metadata_only,omitempty"`
}

type ObjDeleteReq struct {
	ProjectID string   `json:"project_id"`
	ObjectID  string   `json:"object_id"`
	Digests   []string `json:"digests,omitempty"`
}

type ObjDeleteRes struct {
	NumDeleted int64 `json:"num_deleted"`
}

type ObjSetAliasReq struct {
	ProjectID string `json:"project_id"`
	ObjectID  string `json:"object_id"`
	Alias     string `json:"alias"`
	Digest    string `json:"digest"`
}

type TableCreateReq struct {
	ProjectID string            `json:"project_id"`
	Rows      []json.RawMessage `json:"rows"`
}

type TableCreateRes struct {
	Digest     string   `json:"digest"`
	RowDigests []string `json:"row_digests"`
}

// TableUpdateOp holds exactly one of Append, Pop or Insert.
type TableUpdateOp struct {
	Append *TableAppend `json:"append,omitempty"`
	Pop    *TablePop    `json:"pop,omitempty"`
	Insert *TableInsert `json:"insert,omitempty"`
}

type TableAppend struct {
	Row json.RawMessage `json:"row"`
}

type TablePop struct {
	Index int `json:"index"`
}

type TableInsert struct {
	Index int             `json:"index"`
	Row   json.RawMessage `json:"row"`
}

type TableUpdateReq struct {
	ProjectID  string          `json:"project_id"`
	BaseDigest string          `json:"base_digest"`
	Updates    []TableUpdateOp `json:"updates"`
}

type TableUpdateRes struct {
	Digest            string   `json:"digest"`
	UpdatedRowDigests []string `json:"updated_row_digests"`
}

type TableRowFilter struct {
	RowDigests []string `json:"row_digests,omitempty"`
}

type TableQueryReq struct {
	ProjectID string         `json:"project_id"`
	Digest    string         `json:"digest"`
	Filter    TableRowFilter `json:"filter"`
	Limit     int            `json:"limit,omitempty"`
	Offset    int            `json:"offset,omitempty"`
}

type TableQueryStatsReq struct {
	ProjectID string `json:"project_id"`
	Digest    string `json:"digest"`
}

type TableQueryStatsBatchReq struct {
	ProjectID string   `json:"project_id"`
	Digests   []string `json:"digests"`
}

type CallStartReq struct {
	ProjectID   string          `json:"project_id"`
	ID          string          `json:"id,omitempty"`
	OpName      string          `json:"op_name"`
	DisplayName string          `json:"display_name,omitempty"`
	TraceID     string          `json:"trace_id,omitempty"`
	ParentID    string          `json:"parent_id,omitempty"`
	ThreadID    string          `json:"thread_id,omitempty"`
	TurnID      string          `json:"turn_id,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	Attributes  json.RawMessage `json:"attributes,omitempty"`
	Inputs      json.RawMessage `json:"inputs,omitempty"`
}

type CallStartRes struct {
	ID      string `json:"id"`
	TraceID string `json:"trace_id"`
}

type CallEndReq struct {
	ProjectID string          `json:"project_id"`
	ID        string          `json:"id"`
	EndedAt   time.Time       `json:"ended_at"`
	Output    json.RawMessage `json:"output,omitempty"`
	Exception string          `json:"exception,omitempty"`
	Summary   json.RawMessage `json:"summary,omitempty"`
}

type CallUpdateReq struct {
	ProjectID    string          `json:"project_id"`
	ID           string          `json:"id"`
	DisplayName  *string         `json:"display_name,omitempty"`
	SummaryPatch json.RawMessage `json:"summary_patch,omitempty"`
}

type CallReadReq struct {
	ProjectID    string `json:"project_id"`
	ID           string `json:"id"`
	IncludeCosts bool   `json:"include_costs,omitempty"`
}

type CallsFilter struct {
	OpNames        []string  `json:"op_names,omitempty"`
	InputRefs      []string  `json:"input_refs,omitempty"`
	OutputRefs     []string  `json:"output_refs,omitempty"`
	TraceIDs       []string  `json:"trace_ids,omitempty"`
	ParentIDs      []string  `json:"parent_ids,omitempty"`
	CallIDs        []string  `json:"call_ids,omitempty"`
	ThreadIDs      []string  `json:"thread_ids,omitempty"`
	TurnIDs        []string  `json:"turn_ids,omitempty"`
	TraceRootsOnly bool      `json:"trace_roots_only,omitempty"`
	StartedAfter   time.Time `json:"started_after,omitzero"`
	StartedBefore  time.Time `json:"started_before,omitzero"`
}

type CallsQueryReq struct {
	ProjectID    string      `json:"project_id"`
	Filter       CallsFilter `json:"filter"`
	Sort         *SortBy     `json:"sort,omitempty"`
	Limit        int         `json:"limit,omitempty"`
	Offset       int         `json:"offset,omitempty"`
	IncludeCosts bool        `json:"include_costs,omitempty"`
}

type CallsQueryStatsReq struct {
	ProjectID string      `json:"project_id"`
	Filter    CallsFilter `json:"filter"`
}

type CallsQueryStatsRes struct {
	Count int64 `json:"count"`
}

type CallsDeleteReq struct {
	ProjectID string   `json:"project_id"`
	CallIDs   []string `json:"call_ids"`
}

type CallsDeleteRes struct {
	NumDeleted int64 `json:"num_deleted"`
}

// CallBatchItem holds exactly one of Start or End.
type CallBatchItem struct {
	Start *CallStartReq `json:"start,omitempty"`
	End   *CallEndReq   `json:"end,omitempty"`
}

type CallBatchReq struct {
	ProjectID string          `json:"project_id"`
	Items     []CallBatchItem `json:"items"`
}

type CallBatchResult struct {
	Index   int    `json:"index"`
	Mode    string `json:"mode"`
	ID      string `json:"id,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
	Err     error  `json:"-"`
	Error   string `json:"error,omitempty"`
}

type CallBatchRes struct {
	Results []CallBatchResult `json:"results"`
}

// Failed counts the items that did not apply.
func (r *CallBatchRes) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

type FeedbackCreateReq struct {
	ProjectID    string          `json:"project_id"`
	WeaveRef     string          `json:"weave_ref"`
	FeedbackType string          `json:"feedback_type"`
	Payload      json.RawMessage `json:"payload"`
	Creator      string          `json:"creator,omitempty"`
}

type FeedbackCreateRes struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

type FeedbackFilter struct {
	IDs           []string  `json:"ids,omitempty"`
	WeaveRefs     []string  `json:"weave_refs,omitempty"`
	FeedbackTypes []string  `json:"feedback_types,omitempty"`
	CreatedAfter  time.Time `json:"created_after,omitzero"`
	CreatedBefore time.Time `json:"created_before,omitzero"`
	HasCreator    *bool     `json:"has_creator,omitempty"`
}

type FeedbackQueryReq struct {
	ProjectID string         `json:"project_id"`
	Filter    FeedbackFilter `json:"filter"`
	Sort      *SortBy        `json:"sort,omitempty"`
	Limit     int            `json:"limit,omitempty"`
	Offset    int            `json:"offset,omitempty"`
}

type FeedbackPurgeReq struct {
	ProjectID string         `json:"project_id"`
	Filter    FeedbackFilter `json:"filter"`
}

type PurgeRes struct {
	NumPurged int64 `json:"num_purged"`
}

type CostInput struct {
	LLMID                   string    `json:"llm_id"`
	ProviderID              string    `json:"provider_id,omitempty"`
	PromptTokenCost         float64   `json:"prompt_token_cost"`
	CompletionTokenCost     float64   `json:"completion_token_cost"`
	PromptTokenCostUnit     string    `json:"prompt_token_cost_unit,omitempty"`
	CompletionTokenCostUnit string    `json:"completion_token_cost_unit,omitempty"`
	EffectiveDate           time.Time `json:"effective_date,omitzero"`
	CreatedBy               string    `json:"created_by,omitempty"`
}

type CostCreateReq struct {
	ProjectID string      `json:"project_id"`
	Costs     []CostInput `json:"costs"`
}

type CostCreateRes struct {
	IDs []string `json:"ids"`
}

type CostFilter struct {
	IDs             []string  `json:"ids,omitempty"`
	LLMIDs          []string  `json:"llm_ids,omitempty"`
	EffectiveBefore time.Time `json:"effective_before,omitzero"`
}

type CostQueryReq struct {
	ProjectID string     `json:"project_id"`
	Filter    CostFilter `json:"filter"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

type CostPurgeReq struct {
	ProjectID string     `json:"project_id"`
	Filter    CostFilter `json:"filter"`
}

type RefsReadBatchReq struct {
	Refs []string `json:"refs"`
}

type RefsReadBatchRes struct {
	Vals []json.RawMessage `json:"vals"`
}

type FileCreateReq struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Content   []byte `json:"content"`
}

type FileCreateRes struct {
	Digest string `json:"digest"`
}

type FileContentReadReq struct {
	ProjectID string `json:"project_id"`
	Digest    string `json:"digest"`
}

type FileContentReadRes struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}
