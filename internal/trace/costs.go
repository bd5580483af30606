package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/tidwall/gjson"

	"traceserver/internal/store"
	"traceserver/internal/traceerr"
)

const defaultCostUnit = "USD"

func (s *Server) CostCreate(ctx context.Context, req CostCreateReq) (*CostCreateRes, error) {
	return run(ctx, "cost_create", req.ProjectID, func(ctx context.Context) (*CostCreateRes, error) {
		if err := validateProject(req.ProjectID); err != nil {
			return nil, err
		}
		if len(req.Costs) == 0 {
			return nil, traceerr.Validationf("costs is required")
		}
		now := s.now()
		costs := make([]store.Cost, 0, len(req.Costs))
		ids := make([]string, 0, len(req.Costs))
		for i, in := range req.Costs {
			if in.LLMID == "" {
				return nil, traceerr.Validationf("cost %d: llm_id is required", i)
			}
			if in.PromptTokenCost < 0 || in.CompletionTokenCost < 0 ||
				math.IsNaN(in.PromptTokenCost) || math.IsNaN(in.CompletionTokenCost) {
				return nil, traceerr.Validationf("cost %d: token costs must be non-negative numbers", i)
			}
			c := store.Cost{
				ID:                      s.newID(),
				ProjectID:               req.ProjectID,
				LLMID:                   in.LLMID,
				ProviderID:              in.ProviderID,
				PromptTokenCost:         in.PromptTokenCost,
				CompletionTokenCost:     in.CompletionTokenCost,
				PromptTokenCostUnit:     in.PromptTokenCostUnit,
				CompletionTokenCostUnit: in.CompletionTokenCostUnit,
				EffectiveDate:           in.EffectiveDate.UTC(),
				CreatedBy:               in.CreatedBy,
				CreatedAt:               now,
			}
			if c.PromptTokenCostUnit == "" {
				c.PromptTokenCostUnit = defaultCostUnit
			}
			if c.CompletionTokenCostUnit == "" {
				c.CompletionTokenCostUnit = defaultCostUnit
			}
			if in.EffectiveDate.IsZero() {
				c.EffectiveDate = now
			}
			costs = append(costs, c)
			ids = append(ids, c.ID)
		}
		err := s.retry(ctx, "cost_create", func() error {
			return s.store.PutCosts(ctx, costs)
		})
		if err != nil {
			return nil, fmt.Errorf("storing costs: %w", err)
		}
		return &CostCreateRes{IDs: ids}, nil
	})
}

func costQuery(projectID string, f CostFilter) (store.CostQuery, error) {
	if err := validateProject(projectID); err != nil {
		return store.CostQuery{}, err
	}
	return store.CostQuery{
		ProjectID:       projectID,
		IDs:             f.IDs,
		LLMIDs:          f.LLMIDs,
		EffectiveBefore: f.EffectiveBefore,
	}, nil
}

func (s *Server) CostQuery(ctx context.Context, req CostQueryReq) ([]Cost, error) {
	return run(ctx, "cost_query", req.ProjectID, func(ctx context.Context) ([]Cost, error) {
		q, err := costQuery(req.ProjectID, req.Filter)
		if err != nil {
			return nil, err
		}
		if q.Limit, err = s.limit(req.Limit, req.Offset); err != nil {
			return nil, err
		}
		q.Offset = req.Offset

		var costs []Cost
		err = s.retry(ctx, "cost_query", func() error {
			var err error
			costs, err = s.store.QueryCosts(ctx, q)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("querying costs: %w", err)
		}
		if costs == nil {
			costs = []Cost{}
		}
		return costs, nil
	})
}

func (s *Server) CostPurge(ctx context.Context, req CostPurgeReq) (*PurgeRes, error) {
	return run(ctx, "cost_purge", req.ProjectID, func(ctx context.Context) (*PurgeRes, error) {
		q, err := costQuery(req.ProjectID, req.Filter)
		if err != nil {
			return nil, err
		}
		if q.Empty() {
			return nil, traceerr.Validationf("cost purge needs a filter")
		}
		var n int64
		err = s.retry(ctx, "cost_purge", func() error {
			var err error
			n, err = s.store.PurgeCosts(ctx, q)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("purging costs: %w", err)
		}
		return &PurgeRes{NumPurged: n}, nil
	})
}

// costIndex lazily loads a project's cost records, newest first per model,
// and rolls them into call summaries.
type costIndex struct {
	s         *Server
	projectID string
	byLLM     map[string][]store.Cost
}

func newCostIndex(s *Server, projectID string) *costIndex {
	return &costIndex{s: s, projectID: projectID}
}

func (ci *costIndex) load(ctx context.Context) error {
	if ci.byLLM != nil {
		return nil
	}
	var costs []store.Cost
	err := ci.s.retry(ctx, "cost_query", func() error {
		var err error
		costs, err = ci.s.store.QueryCosts(ctx, store.CostQuery{ProjectID: ci.projectID})
		return err
	})
	if err != nil {
		return fmt.Errorf("loading costs: %w", err)
	}
	ci.byLLM = map[string][]store.Cost{}
	for _, c := range costs {
		ci.byLLM[c.LLMID] = append(ci.byLLM[c.LLMID], c)
	}
	return nil
}

type callCost struct {
	PromptTokens              int64   `json:"prompt_tokens"`
	CompletionTokens          int64   `json:"completion_tokens"`
	PromptTokenCost           float64 `json:"prompt_token_cost"`
	CompletionTokenCost       float64 `json:"completion_token_cost"`
	PromptTokensTotalCost     float64 `json:"prompt_tokens_total_cost"`
	CompletionTokensTotalCost float64 `json:"completion_tokens_total_cost"`
	PromptTokenCostUnit       string  `json:"prompt_token_cost_unit"`
	CompletionTokenCostUnit   string  `json:"completion_token_cost_unit"`
	EffectiveDate             string  `json:"effective_date"`
	ProviderID                string  `json:"provider_id,omitempty"`
}

// apply writes summary.weave.costs for every model in summary.usage that
// has a cost record effective at the call's start.
func (ci *costIndex) apply(ctx context.Context, call *store.Call) error {
	usage := gjson.GetBytes(call.Summary, "usage")
	if !usage.IsObject() {
		return nil
	}
	if err := ci.load(ctx); err != nil {
		return err
	}

	rolled := map[string]callCost{}
	usage.ForEach(func(llm, u gjson.Result) bool {
		for _, c := range ci.byLLM[llm.Str] {
			if c.EffectiveDate.After(call.StartedAt) {
				continue
			}
			prompt := u.Get("prompt_tokens").Int()
			completion := u.Get("completion_tokens").Int()
			rolled[llm.Str] = callCost{
				PromptTokens:              prompt,
				CompletionTokens:          completion,
				PromptTokenCost:           c.PromptTokenCost,
				CompletionTokenCost:       c.CompletionTokenCost,
				PromptTokensTotalCost:     float64(prompt) * c.PromptTokenCost,
				CompletionTokensTotalCost: float64(completion) * c.CompletionTokenCost,
				PromptTokenCostUnit:       c.PromptTokenCostUnit,
				CompletionTokenCostUnit:   c.CompletionTokenCostUnit,
				EffectiveDate:             c.EffectiveDate.Format("2006-01-02T15:04:05Z07:00"),
				ProviderID:                c.ProviderID,
			}
			break
		}
		return true
	})
	if len(rolled) == 0 {
		return nil
	}

	var summary map[string]json.RawMessage
	if err := json.Unmarshal(call.Summary, &summary); err != nil {
		return fmt.Errorf("decoding summary of call %s: %w", call.ID, err)
	}
	weave := map[string]json.RawMessage{}
	if raw, ok := summary["weave"]; ok {
		_ = json.Unmarshal(raw, &weave)
	}
	costsRaw, err := json.Marshal(rolled)
	if err != nil {
		return err
	}
	weave["costs"] = costsRaw
	if summary["weave"], err = json.Marshal(weave); err != nil {
		return err
	}
	if call.Summary, err = json.Marshal(summary); err != nil {
		return err
	}
	return nil
}
