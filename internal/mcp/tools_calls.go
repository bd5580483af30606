package mcp

import (
	"context"
	"fmt"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"traceserver/internal/trace"
)

type CallStartInput struct {
	ProjectID   string         `json:"project_id" jsonschema:"entity/project the call belongs to"`
	ID          string         `json:"id,omitempty" jsonschema:"call id, minted when empty"`
	OpName      string         `json:"op_name" jsonschema:"name or ref of the op being called"`
	DisplayName string         `json:"display_name,omitempty" jsonschema:"human readable name"`
	TraceID     string         `json:"trace_id,omitempty" jsonschema:"trace id, inherited from the parent when empty"`
	ParentID    string         `json:"parent_id,omitempty" jsonschema:"id of the parent call"`
	ThreadID    string         `json:"thread_id,omitempty" jsonschema:"conversation thread id"`
	TurnID      string         `json:"turn_id,omitempty" jsonschema:"conversation turn id"`
	StartedAt   string         `json:"started_at" jsonschema:"RFC 3339 start time"`
	Attributes  map[string]any `json:"attributes,omitempty" jsonschema:"call attributes"`
	Inputs      map[string]any `json:"inputs,omitempty" jsonschema:"call inputs"`
}

type CallStartOutput struct {
	ID      string `json:"id"`
	TraceID string `json:"trace_id"`
}

type CallEndInput struct {
	ProjectID string         `json:"project_id" jsonschema:"entity/project the call belongs to"`
	ID        string         `json:"id" jsonschema:"call id"`
	EndedAt   string         `json:"ended_at" jsonschema:"RFC 3339 end time"`
	Output    any            `json:"output,omitempty" jsonschema:"call output"`
	Exception string         `json:"exception,omitempty" jsonschema:"error raised by the call"`
	Summary   map[string]any `json:"summary,omitempty" jsonschema:"summary to merge into the call"`
}

type CallUpdateInput struct {
	ProjectID    string         `json:"project_id" jsonschema:"entity/project the call belongs to"`
	ID           string         `json:"id" jsonschema:"call id"`
	DisplayName  *string        `json:"display_name,omitempty" jsonschema:"new display name"`
	SummaryPatch map[string]any `json:"summary_patch,omitempty" jsonschema:"top-level summary keys to overwrite"`
}

type CallBatchInput struct {
	ProjectID string           `json:"project_id" jsonschema:"entity/project every item belongs to"`
	Items     []CallBatchEntry `json:"items" jsonschema:"starts and ends applied in order"`
}

type CallBatchEntry struct {
	Start *CallStartInput `json:"start,omitempty" jsonschema:"call start"`
	End   *CallEndInput   `json:"end,omitempty" jsonschema:"call end"`
}

type CallBatchOutput struct {
	Results []CallBatchItemOutput `json:"results"`
	Failed  int                   `json:"failed"`
}

type CallBatchItemOutput struct {
	Index   int    `json:"index"`
	Mode    string `json:"mode"`
	ID      string `json:"id,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

type CallReadInput struct {
	ProjectID    string `json:"project_id" jsonschema:"entity/project the call belongs to"`
	ID           string `json:"id" jsonschema:"call id"`
	IncludeCosts bool   `json:"include_costs,omitempty" jsonschema:"roll token usage into summary.weave.costs"`
}

type CallsFilterInput struct {
	OpNames        []string `json:"op_names,omitempty" jsonschema:"op names, a trailing :* matches by prefix"`
	InputRefs      []string `json:"input_refs,omitempty" jsonschema:"refs that appear in inputs"`
	OutputRefs     []string `json:"output_refs,omitempty" jsonschema:"refs that appear in output"`
	TraceIDs       []string `json:"trace_ids,omitempty" jsonschema:"trace ids"`
	ParentIDs      []string `json:"parent_ids,omitempty" jsonschema:"parent call ids"`
	CallIDs        []string `json:"call_ids,omitempty" jsonschema:"call ids"`
	ThreadIDs      []string `json:"thread_ids,omitempty" jsonschema:"thread ids"`
	TurnIDs        []string `json:"turn_ids,omitempty" jsonschema:"turn ids"`
	TraceRootsOnly bool     `json:"trace_roots_only,omitempty" jsonschema:"only calls without a parent"`
	StartedAfter   string   `json:"started_after,omitempty" jsonschema:"inclusive RFC 3339 lower bound"`
	StartedBefore  string   `json:"started_before,omitempty" jsonschema:"exclusive RFC 3339 upper bound"`
}

type CallsQueryInput struct {
	ProjectID    string           `json:"project_id" jsonschema:"entity/project to search"`
	Filter       CallsFilterInput `json:"filter,omitempty" jsonschema:"call predicates"`
	Desc         bool             `json:"desc,omitempty" jsonschema:"newest first"`
	Limit        int              `json:"limit,omitempty" jsonschema:"page size"`
	Offset       int              `json:"offset,omitempty" jsonschema:"rows to skip"`
	IncludeCosts bool             `json:"include_costs,omitempty" jsonschema:"roll token usage into summary.weave.costs"`
}

type CallsQueryOutput struct {
	Calls []CallOutput `json:"calls"`
}

type CallsQueryStatsInput struct {
	ProjectID string           `json:"project_id" jsonschema:"entity/project to search"`
	Filter    CallsFilterInput `json:"filter,omitempty" jsonschema:"call predicates"`
}

type CallsQueryStatsOutput struct {
	Count int64 `json:"count"`
}

type CallsDeleteInput struct {
	ProjectID string   `json:"project_id" jsonschema:"entity/project the calls belong to"`
	CallIDs   []string `json:"call_ids" jsonschema:"calls to delete along with their descendants"`
}

type CallsDeleteOutput struct {
	NumDeleted int64 `json:"num_deleted"`
}

type CallOutput struct {
	ID          string   `json:"id"`
	TraceID     string   `json:"trace_id"`
	ParentID    string   `json:"parent_id,omitempty"`
	OpName      string   `json:"op_name"`
	DisplayName string   `json:"display_name,omitempty"`
	Status      string   `json:"status"`
	StartedAt   string   `json:"started_at"`
	EndedAt     string   `json:"ended_at,omitempty"`
	Inputs      any      `json:"inputs,omitempty"`
	Output      any      `json:"output,omitempty"`
	Exception   string   `json:"exception,omitempty"`
	Attributes  any      `json:"attributes,omitempty"`
	Summary     any      `json:"summary,omitempty"`
	ThreadID    string   `json:"thread_id,omitempty"`
	TurnID      string   `json:"turn_id,omitempty"`
	InputRefs   []string `json:"input_refs"`
	OutputRefs  []string `json:"output_refs"`
}

type EmptyOutput struct{}

func (s *Server) registerCallTools() {
	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "call_start",
		Description: "Record the start of a call",
	}, s.handleCallStart)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "call_end",
		Description: "Record the end of a running call",
	}, s.handleCallEnd)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "call_update",
		Description: "Rename a call or merge keys into its summary",
	}, s.handleCallUpdate)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "call_batch",
		Description: "Apply call starts and ends in order, reporting failures per item",
	}, s.handleCallBatch)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "call_read",
		Description: "Read one call",
	}, s.handleCallRead)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "calls_query",
		Description: "List calls matching a filter, ordered by start time",
	}, s.handleCallsQuery)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "calls_query_stats",
		Description: "Count calls matching a filter",
	}, s.handleCallsQueryStats)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "calls_delete",
		Description: "Delete calls and all of their descendants",
	}, s.handleCallsDelete)
}

func (s *Server) handleCallStart(ctx context.Context, req *sdk.CallToolRequest, input CallStartInput) (*sdk.CallToolResult, CallStartOutput, error) {
	start, err := callStartReq(input)
	if err != nil {
		return nil, CallStartOutput{}, err
	}
	res, err := s.trace.CallStart(ctx, start)
	if err != nil {
		return nil, CallStartOutput{}, err
	}
	return nil, CallStartOutput{ID: res.ID, TraceID: res.TraceID}, nil
}

func (s *Server) handleCallEnd(ctx context.Context, req *sdk.CallToolRequest, input CallEndInput) (*sdk.CallToolResult, EmptyOutput, error) {
	end, err := callEndReq(input)
	if err != nil {
		return nil, EmptyOutput{}, err
	}
	return nil, EmptyOutput{}, s.trace.CallEnd(ctx, end)
}

func (s *Server) handleCallUpdate(ctx context.Context, req *sdk.CallToolRequest, input CallUpdateInput) (*sdk.CallToolResult, EmptyOutput, error) {
	patch, err := toRaw(mapOrNil(input.SummaryPatch))
	if err != nil {
		return nil, EmptyOutput{}, err
	}
	err = s.trace.CallUpdate(ctx, trace.CallUpdateReq{
		ProjectID:    input.ProjectID,
		ID:           input.ID,
		DisplayName:  input.DisplayName,
		SummaryPatch: patch,
	})
	return nil, EmptyOutput{}, err
}

func (s *Server) handleCallBatch(ctx context.Context, req *sdk.CallToolRequest, input CallBatchInput) (*sdk.CallToolResult, CallBatchOutput, error) {
	batch := trace.CallBatchReq{ProjectID: input.ProjectID, Items: make([]trace.CallBatchItem, 0, len(input.Items))}
	for i, entry := range input.Items {
		var item trace.CallBatchItem
		if entry.Start != nil {
			start, err := callStartReq(*entry.Start)
			if err != nil {
				return nil, CallBatchOutput{}, fmt.Errorf("item %d: %w", i, err)
			}
			item.Start = &start
		}
		if entry.End != nil {
			end, err := callEndReq(*entry.End)
			if err != nil {
				return nil, CallBatchOutput{}, fmt.Errorf("item %d: %w", i, err)
			}
			item.End = &end
		}
		batch.Items = append(batch.Items, item)
	}

	res, err := s.trace.CallBatch(ctx, batch)
	if err != nil {
		return nil, CallBatchOutput{}, err
	}
	out := CallBatchOutput{Results: make([]CallBatchItemOutput, 0, len(res.Results)), Failed: res.Failed()}
	for _, r := range res.Results {
		out.Results = append(out.Results, CallBatchItemOutput{Index: r.Index, Mode: r.Mode, ID: r.ID, TraceID: r.TraceID, Error: r.Error})
	}
	return nil, out, nil
}

func (s *Server) handleCallRead(ctx context.Context, req *sdk.CallToolRequest, input CallReadInput) (*sdk.CallToolResult, CallOutput, error) {
	call, err := s.trace.CallRead(ctx, trace.CallReadReq{ProjectID: input.ProjectID, ID: input.ID, IncludeCosts: input.IncludeCosts})
	if err != nil {
		return nil, CallOutput{}, err
	}
	return nil, callOutput(call), nil
}

func (s *Server) handleCallsQuery(ctx context.Context, req *sdk.CallToolRequest, input CallsQueryInput) (*sdk.CallToolResult, CallsQueryOutput, error) {
	filter, err := callsFilter(input.Filter)
	if err != nil {
		return nil, CallsQueryOutput{}, err
	}
	calls, err := s.trace.CallsQuery(ctx, trace.CallsQueryReq{
		ProjectID:    input.ProjectID,
		Filter:       filter,
		Sort:         sortBy("started_at", input.Desc),
		Limit:        input.Limit,
		Offset:       input.Offset,
		IncludeCosts: input.IncludeCosts,
	})
	if err != nil {
		return nil, CallsQueryOutput{}, err
	}
	out := make([]CallOutput, 0, len(calls))
	for i := range calls {
		out = append(out, callOutput(&calls[i]))
	}
	return nil, CallsQueryOutput{Calls: out}, nil
}

func (s *Server) handleCallsQueryStats(ctx context.Context, req *sdk.CallToolRequest, input CallsQueryStatsInput) (*sdk.CallToolResult, CallsQueryStatsOutput, error) {
	filter, err := callsFilter(input.Filter)
	if err != nil {
		return nil, CallsQueryStatsOutput{}, err
	}
	res, err := s.trace.CallsQueryStats(ctx, trace.CallsQueryStatsReq{ProjectID: input.ProjectID, Filter: filter})
	if err != nil {
		return nil, CallsQueryStatsOutput{}, err
	}
	return nil, CallsQueryStatsOutput{Count: res.Count}, nil
}

func (s *Server) handleCallsDelete(ctx context.Context, req *sdk.CallToolRequest, input CallsDeleteInput) (*sdk.CallToolResult, CallsDeleteOutput, error) {
	res, err := s.trace.CallsDelete(ctx, trace.CallsDeleteReq{ProjectID: input.ProjectID, CallIDs: input.CallIDs})
	if err != nil {
		return nil, CallsDeleteOutput{}, err
	}
	return nil, CallsDeleteOutput{NumDeleted: res.NumDeleted}, nil
}

func callStartReq(input CallStartInput) (trace.CallStartReq, error) {
	startedAt, err := parseTime("started_at", input.StartedAt)
	if err != nil {
		return trace.CallStartReq{}, err
	}
	inputs, err := toRaw(mapOrNil(input.Inputs))
	if err != nil {
		return trace.CallStartReq{}, err
	}
	attributes, err := toRaw(mapOrNil(input.Attributes))
	if err != nil {
		return trace.CallStartReq{}, err
	}
	return trace.CallStartReq{
		ProjectID:   input.ProjectID,
		ID:          input.ID,
		OpName:      input.OpName,
		DisplayName: input.DisplayName,
		TraceID:     input.TraceID,
		ParentID:    input.ParentID,
		ThreadID:    input.ThreadID,
		TurnID:      input.TurnID,
		StartedAt:   startedAt,
		Attributes:  attributes,
		Inputs:      inputs,
	}, nil
}

func callEndReq(input CallEndInput) (trace.CallEndReq, error) {
	endedAt, err := parseTime("ended_at", input.EndedAt)
	if err != nil {
		return trace.CallEndReq{}, err
	}
	output, err := toRaw(input.Output)
	if err != nil {
		return trace.CallEndReq{}, err
	}
	summary, err := toRaw(mapOrNil(input.Summary))
	if err != nil {
		return trace.CallEndReq{}, err
	}
	return trace.CallEndReq{
		ProjectID: input.ProjectID,
		ID:        input.ID,
		EndedAt:   endedAt,
		Output:    output,
		Exception: input.Exception,
		Summary:   summary,
	}, nil
}

func callsFilter(in CallsFilterInput) (trace.CallsFilter, error) {
	after, err := parseTime("started_after", in.StartedAfter)
	if err != nil {
		return trace.CallsFilter{}, err
	}
	before, err := parseTime("started_before", in.StartedBefore)
	if err != nil {
		return trace.CallsFilter{}, err
	}
	return trace.CallsFilter{
		OpNames:        in.OpNames,
		InputRefs:      in.InputRefs,
		OutputRefs:     in.OutputRefs,
		TraceIDs:       in.TraceIDs,
		ParentIDs:      in.ParentIDs,
		CallIDs:        in.CallIDs,
		ThreadIDs:      in.ThreadIDs,
		TurnIDs:        in.TurnIDs,
		TraceRootsOnly: in.TraceRootsOnly,
		StartedAfter:   after,
		StartedBefore:  before,
	}, nil
}

func callOutput(c *trace.Call) CallOutput {
	status := "running"
	switch {
	case c.Errored():
		status = "error"
	case !c.Running():
		status = "success"
	}
	return CallOutput{
		ID:          c.ID,
		TraceID:     c.TraceID,
		ParentID:    c.ParentID,
		OpName:      c.OpName,
		DisplayName: c.DisplayName,
		Status:      status,
		StartedAt:   formatTime(c.StartedAt),
		EndedAt:     formatTimePtr(c.EndedAt),
		Inputs:      fromRaw(c.Inputs),
		Output:      fromRaw(c.Output),
		Exception:   c.Exception,
		Attributes:  fromRaw(c.Attributes),
		Summary:     fromRaw(c.Summary),
		ThreadID:    c.ThreadID,
		TurnID:      c.TurnID,
		InputRefs:   strs(c.InputRefs),
		OutputRefs:  strs(c.OutputRefs),
	}
}

// mapOrNil keeps a missing map argument distinct from an empty one.
func mapOrNil(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}
