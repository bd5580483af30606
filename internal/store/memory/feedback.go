package memory

import (
	"context"
	"slices"
	"sort"

	"traceserver/internal/store"
	"traceserver/internal/traceerr"
)

func (c *Client) PutFeedback(ctx context.Context, f store.Feedback) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feedback = append(c.feedback, f)
	return nil
}

func (c *Client) QueryFeedback(ctx context.Context, q store.FeedbackQuery) ([]store.Feedback, error) {
	c.mu.RLock()
	out := []store.Feedback{}
	for _, f := range c.feedback {
		if matchFeedback(f, q) {
			out = append(out, f)
		}
	}
	c.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if q.Desc {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if q.Desc {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})
	start, end := page(len(out), q.Offset, q.Limit)
	return out[start:end], nil
}

func (c *Client) PurgeFeedback(ctx context.Context, q store.FeedbackQuery) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.feedback[:0]
	var purged int64
	for _, f := range c.feedback {
		if matchFeedback(f, q) {
			purged++
			continue
		}
		kept = append(kept, f)
	}
	c.feedback = kept
	return purged, nil
}

func matchFeedback(f store.Feedback, q store.FeedbackQuery) bool {
	switch {
	case f.ProjectID != q.ProjectID:
		return false
	case len(q.IDs) > 0 && !slices.Contains(q.IDs, f.ID):
		return false
	case len(q.WeaveRefs) > 0 && !slices.Contains(q.WeaveRefs, f.WeaveRef):
		return false
	case len(q.FeedbackTypes) > 0 && !slices.Contains(q.FeedbackTypes, f.FeedbackType):
		return false
	case !q.CreatedAfter.IsZero() && f.CreatedAt.Before(q.CreatedAfter):
		return false
	case !q.CreatedBefore.IsZero() && !f.CreatedAt.Before(q.CreatedBefore):
		return false
	case q.HasCreator != nil && (f.Creator != "") != *q.HasCreator:
		return false
	}
	return true
}

func (c *Client) PutCosts(ctx context.Context, costs []store.Cost) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.costs = append(c.costs, costs...)
	return nil
}

func (c *Client) QueryCosts(ctx context.Context, q store.CostQuery) ([]store.Cost, error) {
	c.mu.RLock()
	out := []store.Cost{}
	for _, cost := range c.costs {
		if matchCost(cost, q) {
			out = append(out, cost)
		}
	}
	c.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.LLMID != b.LLMID {
			return a.LLMID < b.LLMID
		}
		if !a.EffectiveDate.Equal(b.EffectiveDate) {
			return a.EffectiveDate.After(b.EffectiveDate)
		}
		return a.ID < b.ID
	})
	start, end := page(len(out), q.Offset, q.Limit)
	return out[start:end], nil
}

func (c *Client) PurgeCosts(ctx context.Context, q store.CostQuery) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.costs[:0]
	var purged int64
	for _, cost := range c.costs {
		if matchCost(cost, q) {
			purged++
			continue
		}
		kept = append(kept, cost)
	}
	c.costs = kept
	return purged, nil
}

func matchCost(cost store.Cost, q store.CostQuery) bool {
	switch {
	case cost.ProjectID != q.ProjectID:
		return false
	case len(q.IDs) > 0 && !slices.Contains(q.IDs, cost.ID):
		return false
	case len(q.LLMIDs) > 0 && !slices.Contains(q.LLMIDs, cost.LLMID):
		return false
	case !q.EffectiveBefore.IsZero() && cost.EffectiveDate.After(q.EffectiveBefore):
		return false
	}
	return true
}

func (c *Client) PutFile(ctx context.Context, f store.File) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := projKey{f.ProjectID, f.Digest}
	if _, ok := c.files[key]; ok {
		return nil
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = c.now().UTC()
	}
	c.files[key] = f
	return nil
}

func (c *Client) GetFile(ctx context.Context, projectID, digest string) (*store.File, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, ok := c.files[projKey{projectID, digest}]
	if !ok {
		return nil, traceerr.NotFoundf("file %s", digest)
	}
	return &f, nil
}
