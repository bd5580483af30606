package trace

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/tidwall/gjson"

	"traceserver/internal/digest"
	"traceserver/internal/store"
	"traceserver/internal/traceerr"
)

var errStopStream = errors.New("stream stopped by consumer")

// tableRow canonicalizes one row and checks that it is a non-empty object.
func tableRow(raw []byte, i int) (store.TableRow, error) {
	val, err := canonical(raw, fmt.Sprintf("row %d", i))
	if err != nil {
		return store.TableRow{}, err
	}
	v := gjson.ParseBytes(val)
	if !v.IsObject() || len(v.Map()) == 0 {
		return store.TableRow{}, traceerr.Validationf("row %d must be a non-empty JSON object", i)
	}
	return store.TableRow{Digest: digest.Bytes(val), Val: val}, nil
}

func (s *Server) TableCreate(ctx context.Context, req TableCreateReq) (*TableCreateRes, error) {
	return run(ctx, "table_create", req.ProjectID, func(ctx context.Context) (*TableCreateRes, error) {
		if err := validateProject(req.ProjectID); err != nil {
			return nil, err
		}
		rows := make([]store.TableRow, 0, len(req.Rows))
		rowDigests := make([]string, 0, len(req.Rows))
		for i, raw := range req.Rows {
			row, err := tableRow(raw, i)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
			rowDigests = append(rowDigests, row.Digest)
		}

		d := digest.Table(rowDigests)
		err := s.retry(ctx, "table_create", func() error {
			return s.store.PutTable(ctx, req.ProjectID, d, rowDigests, rows)
		})
		if err != nil {
			return nil, fmt.Errorf("storing table: %w", err)
		}
		return &TableCreateRes{Digest: d, RowDigests: rowDigests}, nil
	})
}

func (s *Server) TableUpdate(ctx context.Context, req TableUpdateReq) (*TableUpdateRes, error) {
	return run(ctx, "table_update", req.ProjectID, func(ctx context.Context) (*TableUpdateRes, error) {
		if err := validateProject(req.ProjectID); err != nil {
			return nil, err
		}
		var base []string
		err := s.retry(ctx, "table_update", func() error {
			var err error
			base, err = s.store.GetTableRowDigests(ctx, req.ProjectID, req.BaseDigest)
			return err
		})
		if errors.Is(err, traceerr.ErrNotFound) {
			return nil, traceerr.Conflictf("base table %s does not exist", req.BaseDigest)
		}
		if err != nil {
			return nil, fmt.Errorf("reading base table: %w", err)
		}

		digests := append([]string(nil), base...)
		var added []store.TableRow
		updated := []string{}
		for i, op := range req.Updates {
			switch {
			case op.Append != nil && op.Pop == nil && op.Insert == nil:
				row, err := tableRow(op.Append.Row, i)
				if err != nil {
					return nil, err
				}
				digests = append(digests, row.Digest)
				added = append(added, row)
				updated = append(updated, row.Digest)
			case op.Pop != nil && op.Append == nil && op.Insert == nil:
				idx := op.Pop.Index
				if idx < 0 || idx >= len(digests) {
					return nil, traceerr.Validationf("update %d: pop index %d out of range [0,%d)", i, idx, len(digests))
				}
				digests = append(digests[:idx], digests[idx+1:]...)
			case op.Insert != nil && op.Append == nil && op.Pop == nil:
				idx := op.Insert.Index
				if idx < 0 || idx > len(digests) {
					return nil, traceerr.Validationf("update %d: insert index %d out of range [0,%d]", i, idx, len(digests))
				}
				row, err := tableRow(op.Insert.Row, i)
				if err != nil {
					return nil, err
				}
				digests = append(digests[:idx], append([]string{row.Digest}, digests[idx:]...)...)
				added = append(added, row)
				updated = append(updated, row.Digest)
			default:
				return nil, traceerr.Validationf("update %d must set exactly one of append, pop or insert", i)
			}
		}

		d := digest.Table(digests)
		err = s.retry(ctx, "table_update", func() error {
			return s.store.PutTable(ctx, req.ProjectID, d, digests, added)
		})
		if err != nil {
			return nil, fmt.Errorf("storing updated table: %w", err)
		}
		return &TableUpdateRes{Digest: d, UpdatedRowDigests: updated}, nil
	})
}

func (s *Server) tableQuery(req TableQueryReq, limit int) (store.TableQuery, error) {
	if err := validateProject(req.ProjectID); err != nil {
		return store.TableQuery{}, err
	}
	if req.Digest == "" {
		return store.TableQuery{}, traceerr.Validationf("digest is required")
	}
	return store.TableQuery{
		ProjectID:  req.ProjectID,
		Digest:     req.Digest,
		RowDigests: req.Filter.RowDigests,
		Limit:      limit,
		Offset:     req.Offset,
	}, nil
}

// TableQuery returns one page of rows in table order.
func (s *Server) TableQuery(ctx context.Context, req TableQueryReq) ([]TableRow, error) {
	return run(ctx, "table_query", req.ProjectID, func(ctx context.Context) ([]TableRow, error) {
		limit, err := s.limit(req.Limit, req.Offset)
		if err != nil {
			return nil, err
		}
		q, err := s.tableQuery(req, limit)
		if err != nil {
			return nil, err
		}
		var rows []TableRow
		err = s.retry(ctx, "table_query", func() error {
			rows = []TableRow{}
			return s.store.StreamTableRows(ctx, q, func(row store.TableRow) error {
				rows = append(rows, row)
				return nil
			})
		})
		if err != nil {
			return nil, fmt.Errorf("querying table %s: %w", req.Digest, err)
		}
		return rows, nil
	})
}

// TableQueryStream yields rows as the store scans them. A zero Limit streams
// to the end of the table; Offset restarts a stream part way through.
func (s *Server) TableQueryStream(ctx context.Context, req TableQueryReq) iter.Seq2[TableRow, error] {
	return func(yield func(TableRow, error) bool) {
		ctx, span := startSpan(ctx, "table_query_stream", req.ProjectID)
		defer span.End()
		start := time.Now()

		err := func() error {
			if req.Limit < 0 || req.Offset < 0 {
				return traceerr.Validationf("limit and offset must not be negative")
			}
			q, err := s.tableQuery(req, req.Limit)
			if err != nil {
				return err
			}
			return s.store.StreamTableRows(ctx, q, func(row store.TableRow) error {
				if !yield(row, nil) {
					return errStopStream
				}
				return nil
			})
		}()
		if errors.Is(err, errStopStream) {
			err = nil
		}
		finish(span, "table_query_stream", start, err)
		if err != nil {
			yield(TableRow{}, fmt.Errorf("streaming table %s: %w", req.Digest, err))
		}
	}
}

func (s *Server) TableQueryStats(ctx context.Context, req TableQueryStatsReq) (*TableStats, error) {
	return run(ctx, "table_query_stats", req.ProjectID, func(ctx context.Context) (*TableStats, error) {
		stats, err := s.tableStats(ctx, req.ProjectID, []string{req.Digest})
		if err != nil {
			return nil, err
		}
		if len(stats) == 0 {
			return nil, traceerr.NotFoundf("table %s", req.Digest)
		}
		return &stats[0], nil
	})
}

// TableQueryStatsBatch answers for many tables in one store round trip.
// Unknown digests are left out of the result.
func (s *Server) TableQueryStatsBatch(ctx context.Context, req TableQueryStatsBatchReq) ([]TableStats, error) {
	return run(ctx, "table_query_stats_batch", req.ProjectID, func(ctx context.Context) ([]TableStats, error) {
		return s.tableStats(ctx, req.ProjectID, req.Digests)
	})
}

func (s *Server) tableStats(ctx context.Context, projectID string, digests []string) ([]TableStats, error) {
	if err := validateProject(projectID); err != nil {
		return nil, err
	}
	var stats []TableStats
	err := s.retry(ctx, "table_query_stats", func() error {
		var err error
		stats, err = s.store.TableStats(ctx, projectID, digests)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading table stats: %w", err)
	}
	if stats == nil {
		stats = []TableStats{}
	}
	return stats, nil
}
