package trace

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/chainguard-dev/clog"

	"traceserver/internal/refs"
	"traceserver/internal/store"
	"traceserver/internal/traceerr"
)

func (s *Server) CallStart(ctx context.Context, req CallStartReq) (*CallStartRes, error) {
	return run(ctx, "call_start", req.ProjectID, func(ctx context.Context) (*CallStartRes, error) {
		return s.startCall(ctx, req)
	})
}

func (s *Server) startCall(ctx context.Context, req CallStartReq) (*CallStartRes, error) {
	if err := validateProject(req.ProjectID); err != nil {
		return nil, err
	}
	if req.OpName == "" {
		return nil, traceerr.Validationf("op_name is required")
	}
	if req.StartedAt.IsZero() {
		return nil, traceerr.Validationf("started_at is required")
	}
	if req.ParentID != "" && req.ParentID == req.ID {
		return nil, traceerr.Validationf("call %s cannot be its own parent", req.ID)
	}
	inputs, err := canonicalObject(req.Inputs, "inputs")
	if err != nil {
		return nil, err
	}
	attributes, err := canonicalObject(req.Attributes, "attributes")
	if err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = s.newID()
	}
	traceID, err := s.traceIDFor(ctx, req)
	if err != nil {
		return nil, err
	}

	call := store.Call{
		ProjectID:   req.ProjectID,
		ID:          id,
		TraceID:     traceID,
		ParentID:    req.ParentID,
		OpName:      req.OpName,
		DisplayName: req.DisplayName,
		StartedAt:   req.StartedAt.UTC(),
		Inputs:      inputs,
		Attributes:  attributes,
		ThreadID:    req.ThreadID,
		TurnID:      req.TurnID,
		InputRefs:   refs.ExtractRefs(inputs),
	}
	var stored string
	err = s.retry(ctx, "call_start", func() error {
		var err error
		stored, err = s.store.StartCall(ctx, call)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("starting call %s: %w", id, err)
	}
	return &CallStartRes{ID: id, TraceID: stored}, nil
}

// traceIDFor picks the trace id for a new call: the requested one, else the
// parent's when the parent is already visible, else a fresh one.
func (s *Server) traceIDFor(ctx context.Context, req CallStartReq) (string, error) {
	if req.TraceID != "" {
		return req.TraceID, nil
	}
	if req.ParentID != "" {
		var parent *Call
		err := s.retry(ctx, "call_start", func() error {
			var err error
			parent, err = s.store.GetCall(ctx, req.ProjectID, req.ParentID)
			return err
		})
		switch {
		case err == nil:
			return parent.TraceID, nil
		case errors.Is(err, traceerr.ErrNotFound):
			clog.FromContext(ctx).With("call_id", req.ID).With("parent_id", req.ParentID).
				Info("Parent not visible yet, starting a new trace")
		default:
			return "", fmt.Errorf("looking up parent %s: %w", req.ParentID, err)
		}
	}
	return s.newID(), nil
}

func (s *Server) CallEnd(ctx context.Context, req CallEndReq) error {
	_, err := run(ctx, "call_end", req.ProjectID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.endCall(ctx, req, false)
	})
	return err
}

func (s *Server) endCall(ctx context.Context, req CallEndReq, allowOrphan bool) error {
	if err := validateProject(req.ProjectID); err != nil {
		return err
	}
	if req.ID == "" {
		return traceerr.Validationf("id is required")
	}
	if req.EndedAt.IsZero() {
		return traceerr.Validationf("ended_at is required")
	}

	output := []byte("null")
	if len(req.Output) > 0 {
		var err error
		if output, err = canonical(req.Output, "output"); err != nil {
			return err
		}
	}
	var summary []byte
	if len(req.Summary) > 0 {
		var err error
		if summary, err = canonicalObject(req.Summary, "summary"); err != nil {
			return err
		}
	}

	end := store.CallEnd{
		ProjectID:  req.ProjectID,
		ID:         req.ID,
		EndedAt:    req.EndedAt.UTC(),
		Output:     output,
		Exception:  req.Exception,
		Summary:    summary,
		OutputRefs: refs.ExtractRefs(output),
	}
	err := s.retry(ctx, "call_end", func() error {
		return s.store.EndCall(ctx, end, allowOrphan)
	})
	if err != nil {
		return fmt.Errorf("ending call %s: %w", req.ID, err)
	}
	return nil
}

func (s *Server) CallUpdate(ctx context.Context, req CallUpdateReq) error {
	_, err := run(ctx, "call_update", req.ProjectID, func(ctx context.Context) (struct{}, error) {
		if err := validateProject(req.ProjectID); err != nil {
			return struct{}{}, err
		}
		if req.ID == "" {
			return struct{}{}, traceerr.Validationf("id is required")
		}
		if req.DisplayName == nil && len(req.SummaryPatch) == 0 {
			return struct{}{}, traceerr.Validationf("call update sets nothing")
		}
		var patch []byte
		if len(req.SummaryPatch) > 0 {
			var err error
			if patch, err = canonicalObject(req.SummaryPatch, "summary_patch"); err != nil {
				return struct{}{}, err
			}
		}
		u := store.CallUpdate{ProjectID: req.ProjectID, ID: req.ID, DisplayName: req.DisplayName, SummaryPatch: patch}
		err := s.retry(ctx, "call_update", func() error {
			return s.store.UpdateCall(ctx, u)
		})
		if err != nil {
			return struct{}{}, fmt.Errorf("updating call %s: %w", req.ID, err)
		}
		return struct{}{}, nil
	})
	return err
}

func (s *Server) CallRead(ctx context.Context, req CallReadReq) (*Call, error) {
	return run(ctx, "call_read", req.ProjectID, func(ctx context.Context) (*Call, error) {
		if err := validateProject(req.ProjectID); err != nil {
			return nil, err
		}
		var call *Call
		err := s.retry(ctx, "call_read", func() error {
			var err error
			call, err = s.store.GetCall(ctx, req.ProjectID, req.ID)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("reading call %s: %w", req.ID, err)
		}
		if req.IncludeCosts {
			costs := newCostIndex(s, req.ProjectID)
			if err := costs.apply(ctx, call); err != nil {
				return nil, err
			}
		}
		return call, nil
	})
}

func (s *Server) callQuery(projectID string, f CallsFilter) (store.CallQuery, error) {
	if err := validateProject(projectID); err != nil {
		return store.CallQuery{}, err
	}
	if !f.StartedAfter.IsZero() && !f.StartedBefore.IsZero() && !f.StartedAfter.Before(f.StartedBefore) {
		return store.CallQuery{}, traceerr.Validationf("started_after must be before started_before")
	}
	return store.CallQuery{
		ProjectID:      projectID,
		OpNames:        f.OpNames,
		InputRefs:      f.InputRefs,
		OutputRefs:     f.OutputRefs,
		TraceIDs:       f.TraceIDs,
		ParentIDs:      f.ParentIDs,
		CallIDs:        f.CallIDs,
		ThreadIDs:      f.ThreadIDs,
		TurnIDs:        f.TurnIDs,
		TraceRootsOnly: f.TraceRootsOnly,
		StartedAfter:   f.StartedAfter,
		StartedBefore:  f.StartedBefore,
	}, nil
}

func (s *Server) CallsQuery(ctx context.Context, req CallsQueryReq) ([]Call, error) {
	return run(ctx, "calls_query", req.ProjectID, func(ctx context.Context) ([]Call, error) {
		limit, err := s.limit(req.Limit, req.Offset)
		if err != nil {
			return nil, err
		}
		var calls []Call
		err = s.retry(ctx, "calls_query", func() error {
			calls = []Call{}
			return s.streamCalls(ctx, req, limit, func(c Call) error {
				calls = append(calls, c)
				return nil
			})
		})
		if err != nil {
			return nil, fmt.Errorf("querying calls: %w", err)
		}
		return calls, nil
	})
}

// CallsQueryStream yields calls in the requested order straight off the
// store cursor. A zero Limit streams every match.
func (s *Server) CallsQueryStream(ctx context.Context, req CallsQueryReq) iter.Seq2[Call, error] {
	return func(yield func(Call, error) bool) {
		ctx, span := startSpan(ctx, "calls_query_stream", req.ProjectID)
		defer span.End()
		start := time.Now()

		var err error
		if req.Limit < 0 || req.Offset < 0 {
			err = traceerr.Validationf("limit and offset must not be negative")
		} else {
			err = s.streamCalls(ctx, req, req.Limit, func(c Call) error {
				if !yield(c, nil) {
					return errStopStream
				}
				return nil
			})
		}
		if errors.Is(err, errStopStream) {
			err = nil
		}
		finish(span, "calls_query_stream", start, err)
		if err != nil {
			yield(Call{}, fmt.Errorf("streaming calls: %w", err))
		}
	}
}

func (s *Server) streamCalls(ctx context.Context, req CallsQueryReq, limit int, fn func(Call) error) error {
	q, err := s.callQuery(req.ProjectID, req.Filter)
	if err != nil {
		return err
	}
	if _, q.Desc, err = sortDesc(req.Sort, "started_at"); err != nil {
		return err
	}
	q.Limit = limit
	q.Offset = req.Offset

	var costs *costIndex
	if req.IncludeCosts {
		costs = newCostIndex(s, req.ProjectID)
	}
	return s.store.StreamCalls(ctx, q, func(c store.Call) error {
		if costs != nil {
			if err := costs.apply(ctx, &c); err != nil {
				return err
			}
		}
		return fn(c)
	})
}

func (s *Server) CallsQueryStats(ctx context.Context, req CallsQueryStatsReq) (*CallsQueryStatsRes, error) {
	return run(ctx, "calls_query_stats", req.ProjectID, func(ctx context.Context) (*CallsQueryStatsRes, error) {
		q, err := s.callQuery(req.ProjectID, req.Filter)
		if err != nil {
			return nil, err
		}
		var n int64
		err = s.retry(ctx, "calls_query_stats", func() error {
			var err error
			n, err = s.store.CountCalls(ctx, q)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("counting calls: %w", err)
		}
		return &CallsQueryStatsRes{Count: n}, nil
	})
}

// CallsDelete tombstones the given calls and every descendant reachable
// through parent_id.
func (s *Server) CallsDelete(ctx context.Context, req CallsDeleteReq) (*CallsDeleteRes, error) {
	return run(ctx, "calls_delete", req.ProjectID, func(ctx context.Context) (*CallsDeleteRes, error) {
		if err := validateProject(req.ProjectID); err != nil {
			return nil, err
		}
		if len(req.CallIDs) == 0 {
			return nil, traceerr.Validationf("call_ids is required")
		}

		seen := make(map[string]bool, len(req.CallIDs))
		all := make([]string, 0, len(req.CallIDs))
		frontier := make([]string, 0, len(req.CallIDs))
		for _, id := range req.CallIDs {
			if !seen[id] {
				seen[id] = true
				all = append(all, id)
				frontier = append(frontier, id)
			}
		}
		for len(frontier) > 0 {
			var children []string
			err := s.retry(ctx, "calls_delete", func() error {
				var err error
				children, err = s.store.ChildCallIDs(ctx, req.ProjectID, frontier)
				return err
			})
			if err != nil {
				return nil, fmt.Errorf("finding descendants: %w", err)
			}
			var next []string
			for _, id := range children {
				if !seen[id] {
					seen[id] = true
					all = append(all, id)
					next = append(next, id)
				}
			}
			frontier = next
		}

		at := s.now()
		var n int64
		err := s.retry(ctx, "calls_delete", func() error {
			var err error
			n, err = s.store.DeleteCalls(ctx, req.ProjectID, all, at)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("deleting calls: %w", err)
		}
		clog.FromContext(ctx).With("requested", len(req.CallIDs)).With("deleted", n).Info("Deleted calls")
		return &CallsDeleteRes{NumDeleted: n}, nil
	})
}
