package trace

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"traceserver/internal/digest"
	"traceserver/internal/traceerr"
)

var tracer = otel.Tracer("traceserver/internal/trace")

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traceserver_operations_total",
			Help: "Trace server operations by outcome",
		},
		[]string{"op", "outcome"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "traceserver_operation_duration_seconds",
			Help:    "Latency of trace server operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	batchItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traceserver_batch_items_total",
			Help: "Call batch items by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traceserver_store_retries_total",
			Help: "Transient store errors retried",
		},
		[]string{"op"},
	)
)

// run wraps one operation in a span and records its outcome.
func run[T any](ctx context.Context, op, projectID string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := startSpan(ctx, op, projectID)
	defer span.End()

	start := time.Now()
	res, err := fn(ctx)
	finish(span, op, start, err)
	return res, err
}

func startSpan(ctx context.Context, op, projectID string) (context.Context, oteltrace.Span) {
	return tracer.Start(ctx, "trace."+op, oteltrace.WithAttributes(
		attribute.String("op", op),
		attribute.String("project_id", projectID),
	))
}

func finish(span oteltrace.Span, op string, start time.Time, err error) {
	operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = traceerr.Kind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	operationsTotal.WithLabelValues(op, outcome).Inc()
}

// retry runs fn until it succeeds, fails permanently, or the retry budget
// or ctx runs out. Only errors marked transient are retried.
func (s *Server) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialInterval
	b.MaxInterval = s.opts.MaxInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(s.opts.MaxRetries, 0))), ctx)
	attempt := 0
	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !traceerr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		attempt++
		retriesTotal.WithLabelValues(op).Inc()
		clog.FromContext(ctx).With("op", op).
			With("attempt", attempt).
			With("max_retries", s.opts.MaxRetries).
			With("backoff", wait).
			With("error", err.Error()).
			Warn("Transient store error, retrying")
	})
}

func canonical(raw json.RawMessage, field string) (json.RawMessage, error) {
	out, err := digest.Canonical(raw)
	if err != nil {
		return nil, traceerr.Validationf("%s is not valid JSON: %v", field, err)
	}
	return out, nil
}
