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

package httpclient

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/crypto/uuid"
	"go.gearno.de/meter/internal/promutil"
	"go.gearno.de/meter/internal/version"
	"go.gearno.de/meter/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

type (
	// TelemetryRoundTripper wraps another http.RoundTripper with a
	// client span, Prometheus metrics and one log line per request.
	TelemetryRoundTripper struct {
		logger *log.Logger
		tracer trace.Tracer

		requestsTotal          *prometheus.CounterVec
		requestDurationSeconds *prometheus.HistogramVec

		next http.RoundTripper
	}
)

const (
	tracerName = "go.gearno.de/meter/httpclient"
)

var (
	_ http.RoundTripper = (*TelemetryRoundTripper)(nil)
)

func NewTelemetryRoundTripper(
	next http.RoundTripper,
	logger *log.Logger,
	tp trace.TracerProvider,
	registerer prometheus.Registerer,
) *TelemetryRoundTripper {
	metricLabels := []string{"method", "host", "scheme", "status_code"}

	return &TelemetryRoundTripper{
		next:   next,
		logger: logger,
		tracer: tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.New(0).Alpha(1)),
		),
		requestsTotal: promutil.Register(
			registerer,
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Subsystem: "http_client",
					Name:      "requests_total",
					Help:      "Total number of HTTP requests made.",
				},
				metricLabels,
			),
		),
		requestDurationSeconds: promutil.Register(
			registerer,
			prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Subsystem: "http_client",
					Name:      "request_duration_seconds",
					Help:      "Duration of HTTP requests in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				metricLabels,
			),
		),
	}
}

// RoundTrip sends r with a request id and the current trace context.
// Query strings and fragments never reach logs or span names.
func (rt *TelemetryRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	var (
		r2        = r.Clone(r.Context())
		ctx       = r2.Context()
		start     = time.Now()
		requestID = r2.Header.Get("x-request-id")
		target    = sanitize(r2.URL)
	)

	if requestID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("cannot generate request id: %w", err)
		}

		requestID = id.String()
	}
	r2.Header.Set("x-request-id", requestID)

	logger := rt.logger.With(
		log.String("http_request_method", r2.Method),
		log.String("http_request_url", target),
		log.String("http_request_id", requestID),
	)

	var span trace.Span
	if trace.SpanFromContext(ctx).IsRecording() {
		ctx, span = rt.tracer.Start(
			ctx,
			fmt.Sprintf("%s %s", r2.Method, r2.URL.Host),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r2.Method),
				semconv.URLFull(target),
				semconv.ServerAddress(r2.URL.Hostname()),
				semconv.URLScheme(r2.URL.Scheme),
				attribute.String("http.request_id", requestID),
			),
		)
		defer span.End()

		r2 = r2.WithContext(ctx)
	}

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(r2.Header))

	resp, err := rt.next.RoundTrip(r2)
	duration := time.Since(start)

	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}

	labels := prometheus.Labels{
		"method":      r2.Method,
		"host":        r2.URL.Host,
		"scheme":      r2.URL.Scheme,
		"status_code": status,
	}
	rt.requestsTotal.With(labels).Inc()
	rt.requestDurationSeconds.With(labels).Observe(duration.Seconds())

	if err != nil {
		logger.ErrorCtx(ctx, "cannot execute http transaction", log.Error(err))

		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		return nil, err
	}

	if span != nil {
		span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))
		if resp.StatusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, resp.Status)
		}
	}

	level := log.LevelInfo
	if resp.StatusCode >= http.StatusInternalServerError {
		level = log.LevelError
	}

	logger.Log(
		ctx,
		level,
		fmt.Sprintf("%s %s %d %s", r2.Method, target, resp.StatusCode, duration),
		log.Int("http_response_status_code", resp.StatusCode),
	)

	return resp, nil
}

func sanitize(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.Fragment = ""
	c.User = nil

	return c.String()
}
