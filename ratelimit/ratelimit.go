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

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/meter"
	"go.gearno.de/meter/internal/promutil"
	"go.gearno.de/meter/internal/version"
	"go.gearno.de/meter/log"
	"go.gearno.de/meter/window"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Limiter during
	// initialization.
	Option func(l *Limiter)

	// Limiter is a stateless fixed-window rate limiter over a
	// CounterStore.
	Limiter struct {
		counters CounterStore
		subjects SubjectStore

		clock  meter.Clock
		logger *log.Logger
		tracer trace.Tracer

		cleanupInterval time.Duration
		retentionDays   int
		cleanupOnce     sync.Once

		checksTotal   *prometheus.CounterVec
		checkDuration *prometheus.HistogramVec
		recordedTotal prometheus.Counter
		purgedTotal   prometheus.Counter
	}

	// Result contains the outcome of a rate limit check.
	Result struct {
		Allowed bool `json:"allowed"`

		// Limit is the maximum number of requests allowed in the
		// window.
		Limit int `json:"limit"`

		// Remaining is max(0, Limit - Count).
		Remaining int `json:"remaining"`

		// Count is the number of requests already recorded in the
		// window.
		Count int64 `json:"count"`

		WindowStart time.Time `json:"window_start"`

		// WindowEnd is the exclusive end of the window, the instant
		// the counter resets.
		WindowEnd time.Time `json:"window_end"`
	}
)

const (
	tracerName = "go.gearno.de/meter/ratelimit"

	// MaxLimit and MaxWindowSeconds bound UpdateLimit.
	MaxLimit         = 1_000_000
	MaxWindowSeconds = 86_400

	DefaultCleanupInterval = time.Hour
	DefaultRetentionDays   = 7

	resultAllowed = "allowed"
	resultDenied  = "denied"
	resultError   = "error"
)

// WithLogger sets a custom logger for the limiter.
func WithLogger(l *log.Logger) Option {
	return func(lim *Limiter) {
		lim.logger = l.Named("ratelimit")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Limiter) {
		l.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.New(0).Alpha(1)),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(l *Limiter) {
		l.registerMetrics(r)
	}
}

// WithClock replaces the wall clock.
func WithClock(c meter.Clock) Option {
	return func(l *Limiter) {
		l.clock = c
	}
}

// WithCleanupInterval sets how often StartCleanup purges old counters.
// Default is 1 hour.
func WithCleanupInterval(d time.Duration) Option {
	return func(l *Limiter) {
		l.cleanupInterval = d
	}
}

// WithRetentionDays sets how many days of counters StartCleanup keeps.
// Default is 7.
func WithRetentionDays(days int) Option {
	return func(l *Limiter) {
		l.retentionDays = days
	}
}

// NewLimiter creates a limiter reading counters from counters and
// limits from subjects.
func NewLimiter(counters CounterStore, subjects SubjectStore, options ...Option) *Limiter {
	l := &Limiter{
		counters:        counters,
		subjects:        subjects,
		clock:           meter.SystemClock,
		logger:          log.NewLogger(log.WithOutput(io.Discard)),
		tracer:          otel.GetTracerProvider().Tracer(tracerName),
		cleanupInterval: DefaultCleanupInterval,
		retentionDays:   DefaultRetentionDays,
	}

	l.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(l)
	}

	return l
}

func (l *Limiter) registerMetrics(r prometheus.Registerer) {
	l.checksTotal = promutil.Register(
		r,
		prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: "ratelimit",
				Name:      "checks_total",
				Help:      "Total number of rate limit checks by result.",
			},
			[]string{"result"},
		),
	)

	l.checkDuration = promutil.Register(
		r,
		prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: "ratelimit",
				Name:      "check_duration_seconds",
				Help:      "Duration of rate limit checks in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"result"},
		),
	)

	l.recordedTotal = promutil.Register(
		r,
		prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: "ratelimit",
				Name:      "recorded_requests_total",
				Help:      "Total number of requests counted against a window.",
			},
		),
	)

	l.purgedTotal = promutil.Register(
		r,
		prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: "ratelimit",
				Name:      "purged_windows_total",
				Help:      "Total number of window counters removed by purges.",
			},
		),
	)
}

func (l *Limiter) startSpan(
	ctx context.Context,
	name string,
	attrs ...attribute.KeyValue,
) (context.Context, trace.Span) {
	if !trace.SpanFromContext(ctx).IsRecording() {
		return ctx, nil
	}

	return l.tracer.Start(
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

// subject loads a subject, keeping ErrSubjectNotFound unwrapped.
func (l *Limiter) subject(ctx context.Context, id string) (*meter.Subject, error) {
	s, err := l.subjects.GetSubject(ctx, id)
	if err != nil {
		if errors.Is(err, meter.ErrSubjectNotFound) {
			return nil, err
		}

		return nil, meter.Persistence("load subject", err)
	}

	return s, nil
}

// Check reports whether subjectID may issue one more request in the
// current window. It does not consume anything; call RecordRequest
// once the request has been served.
func (l *Limiter) Check(ctx context.Context, subjectID string) (_ *Result, err error) {
	start := time.Now()

	ctx, span := l.startSpan(
		ctx,
		"ratelimit.Check",
		attribute.String("ratelimit.subject_id", subjectID),
	)
	defer func() { endSpan(span, err) }()

	result, err := l.check(ctx, subjectID)

	outcome := resultError
	switch {
	case err != nil:
	case result.Allowed:
		outcome = resultAllowed
	default:
		outcome = resultDenied
	}

	l.checksTotal.WithLabelValues(outcome).Inc()
	l.checkDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, err
	}

	if span != nil {
		span.SetAttributes(
			attribute.Bool("ratelimit.allowed", result.Allowed),
			attribute.Int("ratelimit.limit", result.Limit),
			attribute.Int64("ratelimit.count", result.Count),
			attribute.Int("ratelimit.remaining", result.Remaining),
		)
	}

	if !result.Allowed {
		l.logger.WarnCtx(
			ctx,
			"rate limit exceeded",
			log.String("subject_id", subjectID),
			log.Int64("count", result.Count),
			log.Int("limit", result.Limit),
			log.Time("window_start", result.WindowStart),
		)
	}

	return result, nil
}

func (l *Limiter) check(ctx context.Context, subjectID string) (*Result, error) {
	s, err := l.subject(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	if !s.IsActive() {
		return nil, fmt.Errorf("%w: subject %q is %s", meter.ErrSubjectInactive, subjectID, s.Status)
	}

	windowStart, windowEnd, err := window.Bounds(l.clock(), s.RateLimitWindow)
	if err != nil {
		return nil, fmt.Errorf("cannot compute window of subject %q: %w", subjectID, err)
	}

	count, err := l.counters.GetOrCreate(ctx, subjectID, windowStart)
	if err != nil {
		return nil, meter.Persistence("read window counter", err)
	}

	return newResult(s.RateLimit, count, windowStart, windowEnd), nil
}

func newResult(limit int, count int64, start, end time.Time) *Result {
	return &Result{
		Allowed:     count < int64(limit),
		Limit:       limit,
		Remaining:   int(max(0, int64(limit)-count)),
		Count:       count,
		WindowStart: start,
		WindowEnd:   end,
	}
}

// RecordRequest counts one request against the window containing the
// current instant and returns the new count. The window is computed
// again rather than reused from Check.
func (l *Limiter) RecordRequest(ctx context.Context, subjectID string) (_ int64, err error) {
	ctx, span := l.startSpan(
		ctx,
		"ratelimit.RecordRequest",
		attribute.String("ratelimit.subject_id", subjectID),
	)
	defer func() { endSpan(span, err) }()

	s, err := l.subject(ctx, subjectID)
	if err != nil {
		return 0, err
	}

	windowStart, err := window.Start(l.clock(), s.RateLimitWindow)
	if err != nil {
		return 0, fmt.Errorf("cannot compute window of subject %q: %w", subjectID, err)
	}

	count, err := l.counters.Increment(ctx, subjectID, windowStart)
	if err != nil {
		return 0, meter.Persistence("increment window counter", err)
	}

	l.recordedTotal.Inc()

	if span != nil {
		span.SetAttributes(attribute.Int64("ratelimit.count", count))
	}

	return count, nil
}
