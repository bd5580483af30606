package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"traceserver/internal/async"
	"traceserver/internal/store/memory"
	"traceserver/internal/trace"
	"traceserver/internal/traceerr"
)

const project = "acme/evals"

func newTestClient(t *testing.T) (*trace.Server, *async.Client) {
	t.Helper()
	srv, err := trace.New(memory.New(), trace.DefaultOptions())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, async.NewClient(srv, 4)
}

func TestRun_BasicIngestion(t *testing.T) {
	srv, client := newTestClient(t)
	input := strings.Join([]string{
		`{"start":{"id":"root","op_name":"evaluate","started_at":"2026-03-01T12:00:00Z"}}`,
		`{"start":{"id":"child","parent_id":"root","op_name":"predict","started_at":"2026-03-01T12:00:01Z","inputs":{"q":"2+2"}}}`,
		``,
		`# comment lines are ignored`,
		`{"end":{"id":"child","ended_at":"2026-03-01T12:00:02Z","output":"4"}}`,
		`{"end":{"id":"root","ended_at":"2026-03-01T12:00:03Z"}}`,
		`{"obj":{"object_id":"config","val":{"temperature":0.2}}}`,
		`{"table":{"rows":[{"q":"a"},{"q":"b"}]}}`,
	}, "\n")

	result, err := Run(context.Background(), strings.NewReader(input), client, Options{ProjectID: project})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if result.Lines != 6 || result.CallsStarted != 2 || result.CallsEnded != 2 || result.ObjectsStored != 1 || result.TablesStored != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	calls, err := srv.CallsQuery(context.Background(), trace.CallsQueryReq{ProjectID: project})
	if err != nil {
		t.Fatalf("query calls: %v", err)
	}
	if len(calls) != 2 || calls[0].Running() || calls[1].Running() {
		t.Fatalf("expected two ended calls, got %+v", calls)
	}
	if calls[0].TraceID != calls[1].TraceID {
		t.Fatalf("child did not join the root trace")
	}

	obj, err := srv.ObjRead(context.Background(), trace.ObjReadReq{ProjectID: project, ObjectID: "config"})
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if obj.VersionIndex != 0 {
		t.Fatalf("unexpected object: %+v", obj)
	}
}

func TestRun_EndsBeforeStartsAcrossBatches(t *testing.T) {
	srv, client := newTestClient(t)
	input := strings.Join([]string{
		`{"end":{"id":"c1","ended_at":"2026-03-01T12:00:02Z"}}`,
		`{"end":{"id":"c2","ended_at":"2026-03-01T12:00:02Z"}}`,
		`{"start":{"id":"c1","op_name":"predict","started_at":"2026-03-01T12:00:00Z"}}`,
		`{"start":{"id":"c2","op_name":"predict","started_at":"2026-03-01T12:00:01Z"}}`,
	}, "\n")

	result, err := Run(context.Background(), strings.NewReader(input), client, Options{ProjectID: project, BatchSize: 1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}

	stats, err := srv.CallsQueryStats(context.Background(), trace.CallsQueryStatsReq{ProjectID: project})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Count != 2 {
		t.Fatalf("expected 2 calls, got %d", stats.Count)
	}
}

func TestRun_ReportsLineErrors(t *testing.T) {
	_, client := newTestClient(t)
	input := strings.Join([]string{
		`{"start":{"id":"c1","op_name":"predict","started_at":"2026-03-01T12:00:00Z"}}`,
		`not json`,
		`{"start":{"id":"c2","started_at":"2026-03-01T12:00:00Z"}}`,
		`{"start":{"id":"c3","op_name":"x","started_at":"2026-03-01T12:00:00Z"},"end":{"id":"c3","ended_at":"2026-03-01T12:00:01Z"}}`,
		`{"obj":{"object_id":"","val":{}}}`,
		`{"end":{"id":"c1","ended_at":"2026-03-01T12:00:01Z"}}`,
		`{"end":{"id":"c1","ended_at":"2026-03-01T12:00:02Z"}}`,
	}, "\n")

	result, err := Run(context.Background(), strings.NewReader(input), client, Options{ProjectID: project})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var lines []int
	for _, e := range result.Errors {
		var lineErr *LineError
		if !errors.As(e, &lineErr) {
			t.Fatalf("expected line error, got %v", e)
		}
		lines = append(lines, lineErr.Line)
	}
	want := []int{2, 3, 4, 5, 7}
	if len(lines) != len(want) {
		t.Fatalf("expected errors on lines %v, got %v", want, lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("expected errors on lines %v, got %v", want, lines)
		}
	}
	if !errors.Is(result.Errors[len(result.Errors)-1], traceerr.ErrConflict) {
		t.Fatalf("expected second end to conflict, got %v", result.Errors[len(result.Errors)-1])
	}
	if result.CallsStarted != 1 || result.CallsEnded != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRun_MissingProject(t *testing.T) {
	_, client := newTestClient(t)
	input := `{"start":{"id":"c1","op_name":"predict","started_at":"2026-03-01T12:00:00Z"}}`

	result, err := Run(context.Background(), strings.NewReader(input), client, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Errors) != 1 || !errors.Is(result.Errors[0], traceerr.ErrValidation) {
		t.Fatalf("expected a validation error, got %v", result.Errors)
	}
}

func TestRun_ProjectPerRecord(t *testing.T) {
	srv, client := newTestClient(t)
	input := strings.Join([]string{
		`{"start":{"project_id":"acme/other","id":"c1","op_name":"predict","started_at":"2026-03-01T12:00:00Z"}}`,
		`{"start":{"id":"c2","op_name":"predict","started_at":"2026-03-01T12:00:00Z"}}`,
	}, "\n")

	result, err := Run(context.Background(), strings.NewReader(input), client, Options{ProjectID: project})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Errors) != 0 || result.CallsStarted != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	for _, p := range []string{project, "acme/other"} {
		stats, err := srv.CallsQueryStats(context.Background(), trace.CallsQueryStatsReq{ProjectID: p})
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Count != 1 {
			t.Fatalf("expected 1 call in %s, got %d", p, stats.Count)
		}
	}
}
