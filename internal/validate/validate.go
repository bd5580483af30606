package validate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"traceserver/internal/refs"
	"traceserver/internal/trace"
	"traceserver/internal/traceerr"
)

type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warning"
)

const (
	codeOrphanedCall   = "orphaned_call"
	codeTraceMismatch  = "trace_mismatch"
	codeStaleRunning   = "stale_running_call"
	codeDanglingRef    = "dangling_ref"
	codeMalformedRef   = "malformed_ref"
	codeInvalidBuiltin = "invalid_builtin_object"
	defaultStaleAfter  = 24 * time.Hour
	defaultObjectsPage = 500
)

type Issue struct {
	Severity Severity
	Code     string
	Message  string
	// Subject names the call ("call <id>") or object version
	// ("<object_id>:<digest>") the issue was found on.
	Subject string
	Ref     string
}

type Report struct {
	Issues []Issue
}

func (r *Report) Errors() int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			n++
		}
	}
	return n
}

type Options struct {
	// StaleAfter is how long a call may stay running before it is reported.
	StaleAfter time.Duration
	Now        time.Time
}

// Run checks one project for calls whose parent is gone, children filed under
// a different trace than their parent, calls left running, refs that no
// longer resolve, and builtin objects that fail their class validation.
func Run(ctx context.Context, srv *trace.Server, projectID string, opts Options) (*Report, error) {
	if srv == nil {
		return nil, fmt.Errorf("trace server is required")
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now().UTC()
	}

	issues := make([]Issue, 0)
	refSubjects := map[string]string{}
	noteRefs := func(subject string, found []string) {
		for _, ref := range found {
			if _, ok := refSubjects[ref]; !ok {
				refSubjects[ref] = subject
			}
		}
	}

	calls := map[string]trace.Call{}
	for call, err := range srv.CallsQueryStream(ctx, trace.CallsQueryReq{ProjectID: projectID}) {
		if err != nil {
			return nil, fmt.Errorf("list calls: %w", err)
		}
		calls[call.ID] = call
	}
	for _, call := range calls {
		subject := "call " + call.ID
		if call.ParentID != "" {
			parent, ok := calls[call.ParentID]
			switch {
			case !ok:
				issues = append(issues, Issue{
					Severity: SeverityWarn,
					Code:     codeOrphanedCall,
					Message:  fmt.Sprintf("parent %s is not visible", call.ParentID),
					Subject:  subject,
				})
			case parent.TraceID != call.TraceID:
				issues = append(issues, Issue{
					Severity: SeverityError,
					Code:     codeTraceMismatch,
					Message:  fmt.Sprintf("trace %s differs from parent trace %s", call.TraceID, parent.TraceID),
					Subject:  subject,
				})
			}
		}
		if call.Running() && opts.Now.Sub(call.StartedAt) > opts.StaleAfter {
			issues = append(issues, Issue{
				Severity: SeverityWarn,
				Code:     codeStaleRunning,
				Message:  fmt.Sprintf("running since %s", call.StartedAt.Format(time.RFC3339)),
				Subject:  subject,
			})
		}
		noteRefs(subject, call.InputRefs)
		noteRefs(subject, call.OutputRefs)
	}

	for offset := 0; ; offset += defaultObjectsPage {
		objs, err := srv.ObjsQuery(ctx, trace.ObjQueryReq{ProjectID: projectID, Limit: defaultObjectsPage, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for i := range objs {
			issues = append(issues, validateObject(srv, &objs[i])...)
			noteRefs(objs[i].ObjectID+":"+objs[i].Digest, refs.ExtractRefs(objs[i].Val))
		}
		if len(objs) < defaultObjectsPage {
			break
		}
	}

	dangling, err := checkRefs(ctx, srv, refSubjects)
	if err != nil {
		return nil, err
	}
	issues = append(issues, dangling...)

	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Subject != issues[j].Subject {
			return issues[i].Subject < issues[j].Subject
		}
		return issues[i].Code < issues[j].Code
	})
	return &Report{Issues: issues}, nil
}

func validateObject(srv *trace.Server, obj *trace.Object) []Issue {
	h, ok := srv.Builtins().Lookup(obj.LeafObjectClass)
	if !ok {
		return nil
	}
	if err := h.Validate(obj.Val); err != nil {
		return []Issue{{
			Severity: SeverityError,
			Code:     codeInvalidBuiltin,
			Message:  fmt.Sprintf("%s: %v", obj.LeafObjectClass, err),
			Subject:  obj.ObjectID + ":" + obj.Digest,
		}}
	}
	return nil
}

// checkRefs resolves each ref on its own so one dangling ref does not hide
// the others.
func checkRefs(ctx context.Context, srv *trace.Server, subjects map[string]string) ([]Issue, error) {
	sorted := make([]string, 0, len(subjects))
	for ref := range subjects {
		sorted = append(sorted, ref)
	}
	sort.Strings(sorted)

	var issues []Issue
	for _, ref := range sorted {
		_, err := srv.RefsReadBatch(ctx, trace.RefsReadBatchReq{Refs: []string{ref}})
		switch {
		case err == nil:
		case errors.Is(err, traceerr.ErrMalformedRef):
			issues = append(issues, Issue{Severity: SeverityError, Code: codeMalformedRef, Message: err.Error(), Subject: subjects[ref], Ref: ref})
		case errors.Is(err, traceerr.ErrNotFound), errors.Is(err, traceerr.ErrTypeMismatch):
			issues = append(issues, Issue{Severity: SeverityError, Code: codeDanglingRef, Message: err.Error(), Subject: subjects[ref], Ref: ref})
		default:
			return nil, fmt.Errorf("resolve %s: %w", ref, err)
		}
	}
	return issues, nil
}
