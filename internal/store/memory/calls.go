package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"time"

	"traceserver/internal/store"
	"traceserver/internal/traceerr"
)

func (c *Client) StartCall(ctx context.Context, call store.Call) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := callKey{call.ProjectID, call.ID}
	existing, ok := c.calls[key]
	if !ok {
		stored := call
		c.calls[key] = &stored
		return call.TraceID, nil
	}
	if !existing.StartedAt.IsZero() {
		return existing.TraceID, nil
	}

	// End arrived first: keep its end fields and fill in the start.
	existing.TraceID = call.TraceID
	existing.ParentID = call.ParentID
	existing.OpName = call.OpName
	existing.DisplayName = call.DisplayName
	existing.StartedAt = call.StartedAt
	existing.Inputs = call.Inputs
	existing.Attributes = call.Attributes
	existing.ThreadID = call.ThreadID
	existing.TurnID = call.TurnID
	existing.InputRefs = call.InputRefs
	return existing.TraceID, nil
}

func (c *Client) EndCall(ctx context.Context, e store.CallEnd, allowOrphan bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := callKey{e.ProjectID, e.ID}
	existing, ok := c.calls[key]
	if !ok {
		if !allowOrphan {
			return traceerr.NotFoundf("call %s", e.ID)
		}
		endedAt := e.EndedAt
		c.calls[key] = &store.Call{
			ProjectID:  e.ProjectID,
			ID:         e.ID,
			EndedAt:    &endedAt,
			Output:     e.Output,
			Exception:  e.Exception,
			Summary:    e.Summary,
			OutputRefs: e.OutputRefs,
		}
		return nil
	}
	if existing.DeletedAt != nil {
		return traceerr.NotFoundf("call %s", e.ID)
	}
	if existing.EndedAt != nil {
		return traceerr.Conflictf("call %s already ended", e.ID)
	}

	summary, err := store.MergeSummary(existing.Summary, e.Summary)
	if err != nil {
		return err
	}
	endedAt := e.EndedAt
	existing.EndedAt = &endedAt
	existing.Output = e.Output
	existing.Exception = e.Exception
	existing.Summary = summary
	existing.OutputRefs = e.OutputRefs
	return nil
}

func (c *Client) UpdateCall(ctx context.Context, u store.CallUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.calls[callKey{u.ProjectID, u.ID}]
	if !ok || !visible(existing) {
		return traceerr.NotFoundf("call %s", u.ID)
	}
	summary, err := store.MergeSummary(existing.Summary, u.SummaryPatch)
	if err != nil {
		return err
	}
	existing.Summary = summary
	if u.DisplayName != nil {
		existing.DisplayName = *u.DisplayName
	}
	return nil
}

func (c *Client) GetCall(ctx context.Context, projectID, id string) (*store.Call, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	existing, ok := c.calls[callKey{projectID, id}]
	if !ok || !visible(existing) {
		return nil, traceerr.NotFoundf("call %s", id)
	}
	out := *existing
	return &out, nil
}

func (c *Client) StreamCalls(ctx context.Context, q store.CallQuery, fn func(store.Call) error) error {
	matched := c.matchCalls(q)
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.StartedAt.Equal(b.StartedAt) {
			if q.Desc {
				return a.StartedAt.After(b.StartedAt)
			}
			return a.StartedAt.Before(b.StartedAt)
		}
		if q.Desc {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})

	start, end := page(len(matched), q.Offset, q.Limit)
	for _, call := range matched[start:end] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(call); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) CountCalls(ctx context.Context, q store.CallQuery) (int64, error) {
	return int64(len(c.matchCalls(q))), nil
}

// matchCalls snapshots the visible calls matching q.
func (c *Client) matchCalls(q store.CallQuery) []store.Call {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []store.Call
	for k, call := range c.calls {
		if k.project != q.ProjectID || !visible(call) || !matchCall(call, q) {
			continue
		}
		out = append(out, *call)
	}
	return out
}

func matchCall(call *store.Call, q store.CallQuery) bool {
	switch {
	case len(q.OpNames) > 0 && !matchOpName(call.OpName, q.OpNames):
		return false
	case len(q.InputRefs) > 0 && !overlaps(call.InputRefs, q.InputRefs):
		return false
	case len(q.OutputRefs) > 0 && !overlaps(call.OutputRefs, q.OutputRefs):
		return false
	case len(q.TraceIDs) > 0 && !slices.Contains(q.TraceIDs, call.TraceID):
		return false
	case len(q.ParentIDs) > 0 && !slices.Contains(q.ParentIDs, call.ParentID):
		return false
	case len(q.CallIDs) > 0 && !slices.Contains(q.CallIDs, call.ID):
		return false
	case len(q.ThreadIDs) > 0 && !slices.Contains(q.ThreadIDs, call.ThreadID):
		return false
	case len(q.TurnIDs) > 0 && !slices.Contains(q.TurnIDs, call.TurnID):
		return false
	case q.TraceRootsOnly && call.ParentID != "":
		return false
	case !q.StartedAfter.IsZero() && call.StartedAt.Before(q.StartedAfter):
		return false
	case !q.StartedBefore.IsZero() && !call.StartedAt.Before(q.StartedBefore):
		return false
	}
	return true
}

func matchOpName(opName string, patterns []string) bool {
	for _, p := range patterns {
		if prefix, ok := strings.CutSuffix(p, ":*"); ok {
			if strings.HasPrefix(opName, prefix+":") {
				return true
			}
			continue
		}
		if opName == p {
			return true
		}
	}
	return false
}

func (c *Client) ChildCallIDs(ctx context.Context, projectID string, parentIDs []string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ids []string
	for k, call := range c.calls {
		if k.project == projectID && call.DeletedAt == nil && call.ParentID != "" && slices.Contains(parentIDs, call.ParentID) {
			ids = append(ids, call.ID)
		}
	}
	sort.Strings(ids)
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (c *Client) DeleteCalls(ctx context.Context, projectID string, ids []string, at time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var deleted int64
	for _, id := range ids {
		call, ok := c.calls[callKey{projectID, id}]
		if !ok || call.DeletedAt != nil {
			continue
		}
		ts := at
		call.DeletedAt = &ts
		deleted++
	}
	return deleted, nil
}

func visible(call *store.Call) bool {
	return call.DeletedAt == nil && !call.StartedAt.IsZero()
}
