// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package usage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/crypto/uuid"
	"go.gearno.de/meter"
	"go.gearno.de/meter/internal/promutil"
	"go.gearno.de/meter/internal/version"
	"go.gearno.de/meter/log"
	"go.gearno.de/meter/period"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	Option func(a *Aggregator)

	// Aggregator records API calls into monthly summaries.
	Aggregator struct {
		store Store

		clock  meter.Clock
		logger *log.Logger
		tracer trace.Tracer

		recordsTotal *prometheus.CounterVec
		latency      prometheus.Histogram
	}
)

const (
	tracerName = "go.gearno.de/meter/usage"

	// DefaultEventsLimit is the page size of event listings when
	// callers do not choose one.
	DefaultEventsLimit = 100
	MaxEventsLimit     = 1000
)

// WithLogger sets a custom logger for the aggregator.
func WithLogger(l *log.Logger) Option {
	return func(a *Aggregator) {
		a.logger = l.Named("usage")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(a *Aggregator) {
		a.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.New(0).Alpha(1)),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(a *Aggregator) {
		a.registerMetrics(r)
	}
}

// WithClock replaces the wall clock.
func WithClock(c meter.Clock) Option {
	return func(a *Aggregator) {
		a.clock = c
	}
}

// NewAggregator returns an aggregator writing to store. Metrics go to
// prometheus.DefaultRegisterer unless WithRegisterer is given.
func NewAggregator(store Store, options ...Option) *Aggregator {
	a := &Aggregator{
		store:  store,
		clock:  meter.SystemClock,
		logger: log.NewLogger(log.WithOutput(io.Discard)),
		tracer: otel.GetTracerProvider().Tracer(tracerName),
	}

	a.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(a)
	}

	return a
}

func (a *Aggregator) registerMetrics(r prometheus.Registerer) {
	a.recordsTotal = promutil.Register(
		r,
		prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: "usage",
				Name:      "records_total",
				Help:      "Total number of recorded API calls by outcome.",
			},
			[]string{"success"},
		),
	)

	a.latency = promutil.Register(
		r,
		prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Subsystem: "usage",
				Name:      "call_latency_milliseconds",
				Help:      "Latency of recorded API calls in milliseconds.",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
	)
}

func (a *Aggregator) startSpan(
	ctx context.Context,
	name string,
	attrs ...attribute.KeyValue,
) (context.Context, trace.Span) {
	if !trace.SpanFromContext(ctx).IsRecording() {
		return ctx, nil
	}

	return a.tracer.Start(
		ctx,
		name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.End()
}

// Record adds one call to the summary of the current month of
// subjectID. A store failure is returned wrapped in
// meter.ErrPersistence; it is never swallowed as usage feeds billing.
func (a *Aggregator) Record(
	ctx context.Context,
	subjectID string,
	statusCode int,
	latencyMs float64,
) (_ *Summary, err error) {
	ctx, span := a.startSpan(
		ctx,
		"usage.Record",
		attribute.String("usage.subject_id", subjectID),
		attribute.Int("usage.status_code", statusCode),
	)
	defer func() { endSpan(span, err) }()

	return a.apply(ctx, subjectID, period.MonthOf(a.clock()), statusCode, latencyMs)
}

// RecordEvent appends e to the event log and adds it to the summary of
// the month of its timestamp in one store operation, so the log and
// the billed summary never diverge. A zero ID or Timestamp is filled
// in.
func (a *Aggregator) RecordEvent(ctx context.Context, e Event) (_ *Summary, err error) {
	ctx, span := a.startSpan(
		ctx,
		"usage.RecordEvent",
		attribute.String("usage.subject_id", e.SubjectID),
		attribute.String("usage.endpoint", e.Endpoint),
		attribute.Int("usage.status_code", e.StatusCode),
	)
	defer func() { endSpan(span, err) }()

	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("cannot generate event id: %w", err)
		}

		e.ID = id.String()
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = a.clock()
	}

	success := IsSuccess(e.StatusCode)

	summary, err := a.store.RecordCall(ctx, &e, success)
	if err != nil {
		a.logger.ErrorCtx(
			ctx,
			"cannot record usage event",
			log.String("subject_id", e.SubjectID),
			log.String("event_id", e.ID),
			log.Error(err),
		)

		if errors.Is(err, meter.ErrUsageEventExists) {
			return nil, err
		}

		return nil, meter.Persistence("record usage event", err)
	}

	a.recordsTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
	a.latency.Observe(e.LatencyMs)

	return summary, nil
}

// Events returns the latest events of subjectID which occurred at or
// after since, newest first. limit must be within 1 and MaxEventsLimit.
func (a *Aggregator) Events(
	ctx context.Context,
	subjectID string,
	since time.Time,
	limit int,
) (_ []*Event, err error) {
	ctx, span := a.startSpan(
		ctx,
		"usage.Events",
		attribute.String("usage.subject_id", subjectID),
		attribute.Int("usage.limit", limit),
	)
	defer func() { endSpan(span, err) }()

	if limit < 1 || limit > MaxEventsLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", meter.ErrInvalidArgument, MaxEventsLimit)
	}

	events, err := a.store.ListEvents(ctx, subjectID, since, limit)
	if err != nil {
		return nil, meter.Persistence("list usage events", err)
	}

	return events, nil
}

func (a *Aggregator) apply(
	ctx context.Context,
	subjectID string,
	month period.Month,
	statusCode int,
	latencyMs float64,
) (*Summary, error) {
	success := IsSuccess(statusCode)

	summary, err := a.store.ApplyCall(ctx, subjectID, month, success, latencyMs)
	if err != nil {
		a.logger.ErrorCtx(
			ctx,
			"cannot record usage",
			log.String("subject_id", subjectID),
			log.Stringer("month", month),
			log.Error(err),
		)

		return nil, meter.Persistence("apply call to usage summary", err)
	}

	a.recordsTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
	a.latency.Observe(latencyMs)

	return summary, nil
}

// Summary returns the summary of subjectID for month. A subject without
// any call gets a zero summary.
func (a *Aggregator) Summary(ctx context.Context, subjectID string, month period.Month) (_ *Summary, err error) {
	ctx, span := a.startSpan(
		ctx,
		"usage.Summary",
		attribute.String("usage.subject_id", subjectID),
		attribute.String("usage.month", month.String()),
	)
	defer func() { endSpan(span, err) }()

	s, err := a.store.GetSummary(ctx, subjectID, month)
	if err != nil {
		if errors.Is(err, meter.ErrSubjectNotFound) {
			return nil, err
		}

		return nil, meter.Persistence("load usage summary", err)
	}

	if s == nil {
		s = &Summary{SubjectID: subjectID, Month: month}
	}

	return s, nil
}
