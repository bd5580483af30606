// Package ingest bulk-loads JSON lines exported by a tracing client. Each
// line holds exactly one of start, end, obj or table.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/chainguard-dev/clog"

	"traceserver/internal/async"
	"traceserver/internal/trace"
	"traceserver/internal/traceerr"
)

const (
	defaultBatchSize = 500
	maxLineBytes     = 16 << 20
)

type Record struct {
	Start *trace.CallStartReq   `json:"start,omitempty"`
	End   *trace.CallEndReq     `json:"end,omitempty"`
	Obj   *trace.ObjCreateReq   `json:"obj,omitempty"`
	Table *trace.TableCreateReq `json:"table,omitempty"`
}

type Result struct {
	Lines         int
	CallsStarted  int
	CallsEnded    int
	ObjectsStored int
	TablesStored  int
	Errors        []error
}

// LineError ties a failure to the 1-based input line that caused it.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

func (e *LineError) Unwrap() error { return e.Err }

type Options struct {
	// ProjectID is applied to records that do not name a project.
	ProjectID string
	BatchSize int
}

// pendingBatch collects call starts and ends for one project together with
// the lines they came from.
type pendingBatch struct {
	projectID string
	items     []trace.CallBatchItem
	lines     []int
}

type pendingWrite struct {
	line  int
	table bool
	wait  func(context.Context) error
}

// Run reads r to the end. Calls go through the batch envelope in input order;
// objects and tables are written concurrently on c's worker pool. Per-line
// failures are collected in the result; the returned error is reserved for
// failures to read r.
func Run(ctx context.Context, r io.Reader, c *async.Client, opts Options) (*Result, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	result := &Result{}
	batch := &pendingBatch{}
	var writes []pendingWrite

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		result.Lines++

		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			result.addError(line, traceerr.Validationf("decoding record: %v", err))
			continue
		}

		switch {
		case rec.kinds() != 1:
			result.addError(line, traceerr.Validationf("record must hold exactly one of start, end, obj or table"))
		case rec.Start != nil || rec.End != nil:
			projectID := rec.projectID(opts.ProjectID)
			if projectID != batch.projectID || len(batch.items) >= opts.BatchSize {
				flushCalls(ctx, c, batch, result)
				batch = &pendingBatch{projectID: projectID}
			}
			batch.items = append(batch.items, trace.CallBatchItem{Start: rec.Start, End: rec.End})
			batch.lines = append(batch.lines, line)
		case rec.Obj != nil:
			req := *rec.Obj
			req.ProjectID = rec.projectID(opts.ProjectID)
			f := c.ObjCreate(ctx, req)
			writes = append(writes, pendingWrite{line: line, wait: func(ctx context.Context) error {
				_, err := f.Wait(ctx)
				return err
			}})
		case rec.Table != nil:
			req := *rec.Table
			req.ProjectID = rec.projectID(opts.ProjectID)
			f := c.TableCreate(ctx, req)
			writes = append(writes, pendingWrite{line: line, table: true, wait: func(ctx context.Context) error {
				_, err := f.Wait(ctx)
				return err
			}})
		}
	}
	flushCalls(ctx, c, batch, result)

	for _, w := range writes {
		if err := w.wait(ctx); err != nil {
			result.addError(w.line, err)
			continue
		}
		if w.table {
			result.TablesStored++
		} else {
			result.ObjectsStored++
		}
	}

	sort.SliceStable(result.Errors, func(i, j int) bool {
		return result.Errors[i].(*LineError).Line < result.Errors[j].(*LineError).Line
	})

	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("reading line %d: %w", line+1, err)
	}

	clog.FromContext(ctx).With("lines", result.Lines).
		With("calls_started", result.CallsStarted).
		With("calls_ended", result.CallsEnded).
		With("objects", result.ObjectsStored).
		With("tables", result.TablesStored).
		With("errors", len(result.Errors)).
		Info("Ingest finished")
	return result, nil
}

func flushCalls(ctx context.Context, c *async.Client, batch *pendingBatch, result *Result) {
	if len(batch.items) == 0 {
		return
	}
	res, err := c.CallBatch(ctx, trace.CallBatchReq{ProjectID: batch.projectID, Items: batch.items}).Wait(ctx)
	if err != nil {
		for _, line := range batch.lines {
			result.addError(line, err)
		}
		return
	}
	for _, r := range res.Results {
		line := batch.lines[r.Index]
		switch {
		case r.Err != nil:
			result.addError(line, r.Err)
		case r.Mode == "start":
			result.CallsStarted++
		default:
			result.CallsEnded++
		}
	}
}

func (r *Result) addError(line int, err error) {
	r.Errors = append(r.Errors, &LineError{Line: line, Err: err})
}

func (r Record) kinds() int {
	n := 0
	for _, set := range []bool{r.Start != nil, r.End != nil, r.Obj != nil, r.Table != nil} {
		if set {
			n++
		}
	}
	return n
}

func (r Record) projectID(fallback string) string {
	var id string
	switch {
	case r.Start != nil:
		id = r.Start.ProjectID
	case r.End != nil:
		id = r.End.ProjectID
	case r.Obj != nil:
		id = r.Obj.ProjectID
	case r.Table != nil:
		id = r.Table.ProjectID
	}
	if id == "" {
		return fallback
	}
	return id
}
