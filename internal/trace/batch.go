package trace

import (
	"context"

	"github.com/chainguard-dev/clog"

	"traceserver/internal/traceerr"
)

const (
	batchModeStart = "start"
	batchModeEnd   = "end"
)

// CallBatch applies start and end items in order. Each item commits or fails
// on its own: a failed item is reported in its result and the batch moves
// on. Ends may precede their starts within and across batches.
func (s *Server) CallBatch(ctx context.Context, req CallBatchReq) (*CallBatchRes, error) {
	return run(ctx, "call_batch", req.ProjectID, func(ctx context.Context) (*CallBatchRes, error) {
		if err := validateProject(req.ProjectID); err != nil {
			return nil, err
		}
		res := &CallBatchRes{Results: make([]CallBatchResult, len(req.Items))}
		for i, item := range req.Items {
			r := &res.Results[i]
			r.Index = i
			if err := ctx.Err(); err != nil {
				r.Mode = itemMode(item)
				r.Err = err
			} else {
				s.applyBatchItem(ctx, req.ProjectID, item, r)
			}
			outcome := "ok"
			if r.Err != nil {
				outcome = traceerr.Kind(r.Err)
				r.Error = r.Err.Error()
			}
			batchItemsTotal.WithLabelValues(r.Mode, outcome).Inc()
		}

		if failed := res.Failed(); failed > 0 {
			clog.FromContext(ctx).With("project_id", req.ProjectID).
				With("items", len(req.Items)).
				With("failed", failed).
				Warn("Call batch applied partially")
		}
		return res, nil
	})
}

func itemMode(item CallBatchItem) string {
	switch {
	case item.Start != nil && item.End == nil:
		return batchModeStart
	case item.End != nil && item.Start == nil:
		return batchModeEnd
	default:
		return "invalid"
	}
}

func (s *Server) applyBatchItem(ctx context.Context, projectID string, item CallBatchItem, r *CallBatchResult) {
	r.Mode = itemMode(item)
	switch r.Mode {
	case batchModeStart:
		start := *item.Start
		if start.ProjectID == "" {
			start.ProjectID = projectID
		}
		r.ID = start.ID
		if start.ProjectID != projectID {
			r.Err = traceerr.Validationf("item project %s does not match batch project %s", start.ProjectID, projectID)
			return
		}
		out, err := s.startCall(ctx, start)
		if err != nil {
			r.Err = err
			return
		}
		r.ID, r.TraceID = out.ID, out.TraceID
	case batchModeEnd:
		end := *item.End
		if end.ProjectID == "" {
			end.ProjectID = projectID
		}
		r.ID = end.ID
		if end.ProjectID != projectID {
			r.Err = traceerr.Validationf("item project %s does not match batch project %s", end.ProjectID, projectID)
			return
		}
		r.Err = s.endCall(ctx, end, true)
	default:
		r.Err = traceerr.Validationf("batch item must hold exactly one of start or end")
	}
}
