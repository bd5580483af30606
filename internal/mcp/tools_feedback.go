package mcp

import (
	"context"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"traceserver/internal/trace"
)

type FeedbackCreateInput struct {
	ProjectID    string         `json:"project_id" jsonschema:"entity/project the feedback belongs to"`
	WeaveRef     string         `json:"weave_ref" jsonschema:"weave:/// ref of the call or object"`
	FeedbackType string         `json:"feedback_type" jsonschema:"feedback type such as wandb.reaction.1 or a custom type"`
	Payload      map[string]any `json:"payload" jsonschema:"feedback payload"`
	Creator      string         `json:"creator,omitempty" jsonschema:"who left the feedback"`
}

type FeedbackCreateOutput struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
}

type FeedbackFilterInput struct {
	IDs           []string `json:"ids,omitempty" jsonschema:"feedback ids"`
	WeaveRefs     []string `json:"weave_refs,omitempty" jsonschema:"refs the feedback is attached to"`
	FeedbackTypes []string `json:"feedback_types,omitempty" jsonschema:"feedback types"`
	CreatedAfter  string   `json:"created_after,omitempty" jsonschema:"RFC 3339 lower bound, inclusive"`
	CreatedBefore string   `json:"created_before,omitempty" jsonschema:"RFC 3339 upper bound, exclusive"`
}

type FeedbackQueryInput struct {
	ProjectID string              `json:"project_id" jsonschema:"entity/project to search"`
	Filter    FeedbackFilterInput `json:"filter,omitempty" jsonschema:"feedback filter"`
	Desc      bool                `json:"desc,omitempty" jsonschema:"newest first"`
	Limit     int                 `json:"limit,omitempty" jsonschema:"page size"`
	Offset    int                 `json:"offset,omitempty" jsonschema:"rows to skip"`
}

type FeedbackQueryOutput struct {
	Feedback []FeedbackOutput `json:"feedback"`
}

type FeedbackOutput struct {
	ID           string `json:"id"`
	WeaveRef     string `json:"weave_ref"`
	FeedbackType string `json:"feedback_type"`
	Payload      any    `json:"payload"`
	Creator      string `json:"creator,omitempty"`
	CreatedAt    string `json:"created_at"`
}

type FeedbackPurgeInput struct {
	ProjectID string              `json:"project_id" jsonschema:"entity/project to purge from"`
	Filter    FeedbackFilterInput `json:"filter" jsonschema:"feedback to remove, must not be empty"`
}

type PurgeOutput struct {
	NumPurged int64 `json:"num_purged"`
}

type CostCreateInput struct {
	ProjectID string      `json:"project_id" jsonschema:"entity/project the prices apply to"`
	Costs     []CostEntry `json:"costs" jsonschema:"per-token prices"`
}

type CostEntry struct {
	LLMID                   string  `json:"llm_id" jsonschema:"model id as reported in usage"`
	ProviderID              string  `json:"provider_id,omitempty" jsonschema:"model provider"`
	PromptTokenCost         float64 `json:"prompt_token_cost" jsonschema:"price of one prompt token"`
	CompletionTokenCost     float64 `json:"completion_token_cost" jsonschema:"price of one completion token"`
	PromptTokenCostUnit     string  `json:"prompt_token_cost_unit,omitempty" jsonschema:"currency, USD when empty"`
	CompletionTokenCostUnit string  `json:"completion_token_cost_unit,omitempty" jsonschema:"currency, USD when empty"`
	EffectiveDate           string  `json:"effective_date,omitempty" jsonschema:"RFC 3339 time the price takes effect, now when empty"`
}

type CostCreateOutput struct {
	IDs []string `json:"ids"`
}

type CostFilterInput struct {
	IDs             []string `json:"ids,omitempty" jsonschema:"cost ids"`
	LLMIDs          []string `json:"llm_ids,omitempty" jsonschema:"model ids"`
	EffectiveBefore string   `json:"effective_before,omitempty" jsonschema:"RFC 3339 bound on effective date, inclusive"`
}

type CostQueryInput struct {
	ProjectID string          `json:"project_id" jsonschema:"entity/project to search"`
	Filter    CostFilterInput `json:"filter,omitempty" jsonschema:"cost filter"`
	Limit     int             `json:"limit,omitempty" jsonschema:"page size"`
	Offset    int             `json:"offset,omitempty" jsonschema:"rows to skip"`
}

type CostQueryOutput struct {
	Costs []CostOutput `json:"costs"`
}

type CostOutput struct {
	ID                      string  `json:"id"`
	LLMID                   string  `json:"llm_id"`
	ProviderID              string  `json:"provider_id,omitempty"`
	PromptTokenCost         float64 `json:"prompt_token_cost"`
	CompletionTokenCost     float64 `json:"completion_token_cost"`
	PromptTokenCostUnit     string  `json:"prompt_token_cost_unit"`
	CompletionTokenCostUnit string  `json:"completion_token_cost_unit"`
	EffectiveDate           string  `json:"effective_date"`
}

type CostPurgeInput struct {
	ProjectID string          `json:"project_id" jsonschema:"entity/project to purge from"`
	Filter    CostFilterInput `json:"filter" jsonschema:"costs to remove, must not be empty"`
}

func (s *Server) registerFeedbackTools() {
	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "feedback_create",
		Description: "Attach feedback to a call or object ref",
	}, s.handleFeedbackCreate)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "feedback_query",
		Description: "List feedback matching a filter",
	}, s.handleFeedbackQuery)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "feedback_purge",
		Description: "Delete feedback matching a non-empty filter",
	}, s.handleFeedbackPurge)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "cost_create",
		Description: "Record per-token prices for models",
	}, s.handleCostCreate)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "cost_query",
		Description: "List recorded model prices",
	}, s.handleCostQuery)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "cost_purge",
		Description: "Delete model prices matching a non-empty filter",
	}, s.handleCostPurge)
}

func (s *Server) handleFeedbackCreate(ctx context.Context, req *sdk.CallToolRequest, input FeedbackCreateInput) (*sdk.CallToolResult, FeedbackCreateOutput, error) {
	payload, err := toRaw(mapOrNil(input.Payload))
	if err != nil {
		return nil, FeedbackCreateOutput{}, err
	}
	res, err := s.trace.FeedbackCreate(ctx, trace.FeedbackCreateReq{
		ProjectID:    input.ProjectID,
		WeaveRef:     input.WeaveRef,
		FeedbackType: input.FeedbackType,
		Payload:      payload,
		Creator:      input.Creator,
	})
	if err != nil {
		return nil, FeedbackCreateOutput{}, err
	}
	return nil, FeedbackCreateOutput{ID: res.ID, CreatedAt: formatTime(res.CreatedAt)}, nil
}

func (s *Server) handleFeedbackQuery(ctx context.Context, req *sdk.CallToolRequest, input FeedbackQueryInput) (*sdk.CallToolResult, FeedbackQueryOutput, error) {
	filter, err := feedbackFilter(input.Filter)
	if err != nil {
		return nil, FeedbackQueryOutput{}, err
	}
	rows, err := s.trace.FeedbackQuery(ctx, trace.FeedbackQueryReq{
		ProjectID: input.ProjectID,
		Filter:    filter,
		Sort:      sortBy("", input.Desc),
		Limit:     input.Limit,
		Offset:    input.Offset,
	})
	if err != nil {
		return nil, FeedbackQueryOutput{}, err
	}
	out := make([]FeedbackOutput, 0, len(rows))
	for _, f := range rows {
		out = append(out, FeedbackOutput{
			ID:           f.ID,
			WeaveRef:     f.WeaveRef,
			FeedbackType: f.FeedbackType,
			Payload:      fromRaw(f.Payload),
			Creator:      f.Creator,
			CreatedAt:    formatTime(f.CreatedAt),
		})
	}
	return nil, FeedbackQueryOutput{Feedback: out}, nil
}

func (s *Server) handleFeedbackPurge(ctx context.Context, req *sdk.CallToolRequest, input FeedbackPurgeInput) (*sdk.CallToolResult, PurgeOutput, error) {
	filter, err := feedbackFilter(input.Filter)
	if err != nil {
		return nil, PurgeOutput{}, err
	}
	res, err := s.trace.FeedbackPurge(ctx, trace.FeedbackPurgeReq{ProjectID: input.ProjectID, Filter: filter})
	if err != nil {
		return nil, PurgeOutput{}, err
	}
	return nil, PurgeOutput{NumPurged: res.NumPurged}, nil
}

func (s *Server) handleCostCreate(ctx context.Context, req *sdk.CallToolRequest, input CostCreateInput) (*sdk.CallToolResult, CostCreateOutput, error) {
	costs := make([]trace.CostInput, 0, len(input.Costs))
	for _, c := range input.Costs {
		effective, err := parseTime("effective_date", c.EffectiveDate)
		if err != nil {
			return nil, CostCreateOutput{}, err
		}
		costs = append(costs, trace.CostInput{
			LLMID:                   c.LLMID,
			ProviderID:              c.ProviderID,
			PromptTokenCost:         c.PromptTokenCost,
			CompletionTokenCost:     c.CompletionTokenCost,
			PromptTokenCostUnit:     c.PromptTokenCostUnit,
			CompletionTokenCostUnit: c.CompletionTokenCostUnit,
			EffectiveDate:           effective,
		})
	}
	res, err := s.trace.CostCreate(ctx, trace.CostCreateReq{ProjectID: input.ProjectID, Costs: costs})
	if err != nil {
		return nil, CostCreateOutput{}, err
	}
	return nil, CostCreateOutput{IDs: strs(res.IDs)}, nil
}

func (s *Server) handleCostQuery(ctx context.Context, req *sdk.CallToolRequest, input CostQueryInput) (*sdk.CallToolResult, CostQueryOutput, error) {
	filter, err := costFilter(input.Filter)
	if err != nil {
		return nil, CostQueryOutput{}, err
	}
	costs, err := s.trace.CostQuery(ctx, trace.CostQueryReq{
		ProjectID: input.ProjectID,
		Filter:    filter,
		Limit:     input.Limit,
		Offset:    input.Offset,
	})
	if err != nil {
		return nil, CostQueryOutput{}, err
	}
	out := make([]CostOutput, 0, len(costs))
	for _, c := range costs {
		out = append(out, CostOutput{
			ID:                      c.ID,
			LLMID:                   c.LLMID,
			ProviderID:              c.ProviderID,
			PromptTokenCost:         c.PromptTokenCost,
			CompletionTokenCost:     c.CompletionTokenCost,
			PromptTokenCostUnit:     c.PromptTokenCostUnit,
			CompletionTokenCostUnit: c.CompletionTokenCostUnit,
			EffectiveDate:           formatTime(c.EffectiveDate),
		})
	}
	return nil, CostQueryOutput{Costs: out}, nil
}

func (s *Server) handleCostPurge(ctx context.Context, req *sdk.CallToolRequest, input CostPurgeInput) (*sdk.CallToolResult, PurgeOutput, error) {
	filter, err := costFilter(input.Filter)
	if err != nil {
		return nil, PurgeOutput{}, err
	}
	res, err := s.trace.CostPurge(ctx, trace.CostPurgeReq{ProjectID: input.ProjectID, Filter: filter})
	if err != nil {
		return nil, PurgeOutput{}, err
	}
	return nil, PurgeOutput{NumPurged: res.NumPurged}, nil
}

func feedbackFilter(in FeedbackFilterInput) (trace.FeedbackFilter, error) {
	after, err := parseTime("created_after", in.CreatedAfter)
	if err != nil {
		return trace.FeedbackFilter{}, err
	}
	before, err := parseTime("created_before", in.CreatedBefore)
	if err != nil {
		return trace.FeedbackFilter{}, err
	}
	return trace.FeedbackFilter{
		IDs:           in.IDs,
		WeaveRefs:     in.WeaveRefs,
		FeedbackTypes: in.FeedbackTypes,
		CreatedAfter:  after,
		CreatedBefore: before,
	}, nil
}

func costFilter(in CostFilterInput) (trace.CostFilter, error) {
	before, err := parseTime("effective_before", in.EffectiveBefore)
	if err != nil {
		return trace.CostFilter{}, err
	}
	return trace.CostFilter{IDs: in.IDs, LLMIDs: in.LLMIDs, EffectiveBefore: before}, nil
}
