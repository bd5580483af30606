package validate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"traceserver/internal/store/memory"
	"traceserver/internal/trace"
)

const project = "acme/evals"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) *trace.Server {
	t.Helper()
	srv, err := trace.New(memory.New(), trace.DefaultOptions())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func startCall(t *testing.T, srv *trace.Server, req trace.CallStartReq, end bool) {
	t.Helper()
	ctx := context.Background()
	req.ProjectID = project
	if req.OpName == "" {
		req.OpName = "predict"
	}
	if req.StartedAt.IsZero() {
		req.StartedAt = t0
	}
	if _, err := srv.CallStart(ctx, req); err != nil {
		t.Fatalf("start %s: %v", req.ID, err)
	}
	if end {
		if err := srv.CallEnd(ctx, trace.CallEndReq{ProjectID: project, ID: req.ID, EndedAt: req.StartedAt.Add(time.Second)}); err != nil {
			t.Fatalf("end %s: %v", req.ID, err)
		}
	}
}

func issuesByCode(report *Report) map[string][]Issue {
	out := map[string][]Issue{}
	for _, issue := range report.Issues {
		out[issue.Code] = append(out[issue.Code], issue)
	}
	return out
}

func TestRun_CleanProject(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	table, err := srv.TableCreate(ctx, trace.TableCreateReq{ProjectID: project, Rows: []json.RawMessage{json.RawMessage(`{"q":"a"}`)}})
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	dataset, err := json.Marshal(map[string]string{"name": "qa", "rows": "weave:///acme/evals/table/" + table.Digest})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	obj, err := srv.ObjCreate(ctx, trace.ObjCreateReq{ProjectID: project, ObjectID: "qa", Val: dataset, BuiltinObjectClass: "Dataset"})
	if err != nil {
		t.Fatalf("create dataset: %v", err)
	}

	startCall(t, srv, trace.CallStartReq{ID: "root"}, true)
	startCall(t, srv, trace.CallStartReq{
		ID:       "child",
		ParentID: "root",
		Inputs:   json.RawMessage(`{"dataset":"weave:///acme/evals/object/qa:` + obj.Digest + `"}`),
	}, true)

	report, err := Run(ctx, srv, project, Options{Now: t0.Add(time.Hour)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Issues) != 0 {
		t.Fatalf("expected no issues, got %+v", report.Issues)
	}
}

func TestRun_ReportsIssues(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	startCall(t, srv, trace.CallStartReq{ID: "orphan", ParentID: "gone"}, true)
	startCall(t, srv, trace.CallStartReq{ID: "p1"}, true)
	startCall(t, srv, trace.CallStartReq{ID: "mismatch", ParentID: "p1", TraceID: "t-other"}, true)
	startCall(t, srv, trace.CallStartReq{ID: "stale", StartedAt: t0.Add(-48 * time.Hour)}, false)
	startCall(t, srv, trace.CallStartReq{ID: "fresh"}, false)
	startCall(t, srv, trace.CallStartReq{
		ID:     "with-ref",
		Inputs: json.RawMessage(`{"model":"weave:///acme/evals/object/missing:abc"}`),
	}, true)

	badPrompt := json.RawMessage(`{"_type":"Prompt","_class_name":"Prompt","_bases":["Object","BaseModel"],"messages":[]}`)
	if _, err := srv.ObjCreate(ctx, trace.ObjCreateReq{ProjectID: project, ObjectID: "prompt", Val: badPrompt}); err != nil {
		t.Fatalf("create prompt: %v", err)
	}

	report, err := Run(ctx, srv, project, Options{Now: t0.Add(time.Hour)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	byCode := issuesByCode(report)
	expect := map[string]struct {
		subject  string
		severity Severity
	}{
		codeOrphanedCall:   {"call orphan", SeverityWarn},
		codeTraceMismatch:  {"call mismatch", SeverityError},
		codeStaleRunning:   {"call stale", SeverityWarn},
		codeDanglingRef:    {"call with-ref", SeverityError},
		codeInvalidBuiltin: {"", SeverityError},
	}
	for code, want := range expect {
		got := byCode[code]
		if len(got) != 1 {
			t.Fatalf("expected one %s issue, got %+v", code, report.Issues)
		}
		if want.subject != "" && got[0].Subject != want.subject {
			t.Fatalf("%s: expected subject %q, got %q", code, want.subject, got[0].Subject)
		}
		if got[0].Severity != want.severity {
			t.Fatalf("%s: expected severity %s, got %s", code, want.severity, got[0].Severity)
		}
	}
	if len(report.Issues) != len(expect) {
		t.Fatalf("unexpected extra issues: %+v", report.Issues)
	}
	if report.Errors() != 3 {
		t.Fatalf("expected 3 errors, got %d", report.Errors())
	}
	if byCode[codeDanglingRef][0].Ref != "weave:///acme/evals/object/missing:abc" {
		t.Fatalf("unexpected dangling ref: %+v", byCode[codeDanglingRef][0])
	}
}

func TestRun_RequiresServer(t *testing.T) {
	if _, err := Run(context.Background(), nil, project, Options{}); err == nil {
		t.Fatalf("expected error")
	}
}
