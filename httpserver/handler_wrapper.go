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

package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/crypto/uuid"
	"go.gearno.de/meter/internal/promutil"
	"go.gearno.de/meter/internal/version"
	"go.gearno.de/meter/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

type (
	handlerWrapper struct {
		next       http.Handler
		logger     *log.Logger
		tracer     trace.Tracer
		propagator propagation.TextMapPropagator

		requestsTotal   *prometheus.CounterVec
		requestDuration *prometheus.HistogramVec
		requestSize     *prometheus.HistogramVec
		responseSize    *prometheus.HistogramVec
	}
)

const (
	tracerName = "go.gearno.de/meter/httpserver"
)

var (
	metricLabels = []string{"method", "status_code", "path"}

	internalErrorResponse = map[string]string{
		"error":   "internal_server_error",
		"message": "internal error",
	}
)

func newHandlerWrapper(next http.Handler, logger *log.Logger, opts *Options) *handlerWrapper {
	r := opts.registerer

	return &handlerWrapper{
		next:       next,
		logger:     logger,
		propagator: opts.propagator,
		tracer: opts.tracerProvider.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.New(0).Alpha(1)),
		),
		requestsTotal: promutil.Register(
			r,
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Subsystem: "http_server",
					Name:      "requests_total",
					Help:      "Total number of HTTP requests served.",
				},
				metricLabels,
			),
		),
		requestDuration: promutil.Register(
			r,
			prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Subsystem: "http_server",
					Name:      "request_duration_seconds",
					Help:      "Duration of HTTP requests in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				metricLabels,
			),
		),
		requestSize: promutil.Register(
			r,
			prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Subsystem: "http_server",
					Name:      "request_size_bytes",
					Help:      "Size of HTTP requests in bytes.",
					Buckets:   prometheus.ExponentialBuckets(100, 10, 5),
				},
				metricLabels,
			),
		),
		responseSize: promutil.Register(
			r,
			prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Subsystem: "http_server",
					Name:      "response_size_bytes",
					Help:      "Size of HTTP responses in bytes.",
					Buckets:   prometheus.ExponentialBuckets(100, 10, 5),
				},
				metricLabels,
			),
		),
	}
}

func (hw *handlerWrapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS preflights carry no API key and are not metered.
	if r.Method == http.MethodOptions {
		hw.next.ServeHTTP(w, r)
		return
	}

	if r.URL.Path == HealthPath {
		w.Header().Set("content-type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{}"))
		return
	}

	var (
		start     = time.Now()
		r2        = r.Clone(r.Context())
		ww        = middleware.NewWrapResponseWriter(w, r2.ProtoMajor)
		requestID = hw.requestID(r2)
		logger    = hw.logger.With(
			log.String("http_request_method", r2.Method),
			log.String("http_request_host", r2.Host),
			log.String("http_request_path", r2.URL.Path),
			log.String("http_request_flavor", r2.Proto),
			log.String("http_request_user_agent", r2.UserAgent()),
			log.String("http_request_client_ip", r2.RemoteAddr),
			log.String("http_request_id", requestID),
		)
	)

	r2.Header.Set(RequestIDHeader, requestID)
	ww.Header().Set(RequestIDHeader, requestID)

	ctx := hw.propagator.Extract(r2.Context(), propagation.HeaderCarrier(r2.Header))
	ctx, span := hw.tracer.Start(
		ctx,
		fmt.Sprintf("%s %s", r2.Method, r2.URL.Path),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r2.Method),
			semconv.URLPath(r2.URL.Path),
			semconv.URLScheme(scheme(r2)),
			semconv.ClientAddress(r2.RemoteAddr),
			semconv.UserAgentOriginal(r2.UserAgent()),
			attribute.String("http.request_id", requestID),
		),
	)
	defer span.End()

	// The wrapped chi router fills this route context, which gives
	// the route pattern used as the metrics path label.
	rctx := chi.NewRouteContext()
	ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)

	defer func() {
		rvr := recover()
		if rvr == http.ErrAbortHandler {
			panic(rvr)
		}

		if rvr != nil {
			logger = hw.recovered(ctx, ww, logger, span, rvr)
		}

		hw.observe(ctx, r2, ww, rctx, logger, span, time.Since(start), rvr != nil)
	}()

	hw.next.ServeHTTP(ww, r2.WithContext(ctx))
}

func (hw *handlerWrapper) requestID(r *http.Request) string {
	if id := r.Header.Get(RequestIDHeader); id != "" {
		return id
	}

	id, err := uuid.NewV7()
	if err != nil {
		hw.logger.ErrorCtx(r.Context(), "cannot generate request id", log.Error(err))
		return ""
	}

	return id.String()
}

func (hw *handlerWrapper) recovered(
	ctx context.Context,
	ww middleware.WrapResponseWriter,
	logger *log.Logger,
	span trace.Span,
	rvr any,
) *log.Logger {
	if err, ok := rvr.(error); ok {
		span.RecordError(err)
	}
	span.SetStatus(codes.Error, fmt.Sprintf("panic: %v", rvr))

	stack := make([]byte, 4096)
	stack = stack[:runtime.Stack(stack, false)]

	logger = logger.With(
		log.Any("error", rvr),
		log.String("stacktrace", string(stack)),
	)

	if ww.Status() == 0 {
		ww.Header().Set("content-type", "application/json; charset=utf-8")
		ww.WriteHeader(http.StatusInternalServerError)
		if err := json.NewEncoder(ww).Encode(internalErrorResponse); err != nil {
			logger.ErrorCtx(ctx, "cannot write internal error", log.Error(err))
		}
	}

	return logger
}

func (hw *handlerWrapper) observe(
	ctx context.Context,
	r *http.Request,
	ww middleware.WrapResponseWriter,
	rctx *chi.Context,
	logger *log.Logger,
	span trace.Span,
	duration time.Duration,
	hasPanic bool,
) {
	status := ww.Status()
	if status == 0 {
		status = http.StatusOK
	}

	path := rctx.RoutePattern()
	if path == "" {
		path = "unmatched"
	}

	labels := prometheus.Labels{
		"method":      r.Method,
		"status_code": strconv.Itoa(status),
		"path":        path,
	}

	hw.requestsTotal.With(labels).Inc()
	hw.requestDuration.With(labels).Observe(duration.Seconds())
	hw.requestSize.With(labels).Observe(estimateRequestSize(r))
	hw.responseSize.With(labels).Observe(float64(ww.BytesWritten()))

	span.SetAttributes(
		semconv.HTTPResponseStatusCode(status),
		semconv.HTTPRoute(path),
	)
	if status >= http.StatusInternalServerError && !hasPanic {
		span.SetStatus(codes.Error, fmt.Sprintf("%d status code", status))
	}

	logger = logger.With(
		log.Int("http_response_size", ww.BytesWritten()),
		log.Int("http_response_status", status),
	)

	msg := fmt.Sprintf(
		"%s %s %d %s %s",
		r.Method,
		r.URL.Path,
		status,
		formatSize(ww.BytesWritten()),
		duration,
	)

	if status >= http.StatusInternalServerError || hasPanic {
		logger.ErrorCtx(ctx, msg)
	} else {
		logger.InfoCtx(ctx, msg)
	}
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}

	return "http"
}

func formatSize(n int) string {
	switch {
	case n < 1000:
		return fmt.Sprintf("%dB", n)
	case n < 1_000_000:
		return fmt.Sprintf("%.1fkB", float64(n)/1e3)
	case n < 1_000_000_000:
		return fmt.Sprintf("%.1fMB", float64(n)/1e6)
	default:
		return fmt.Sprintf("%.1fGB", float64(n)/1e9)
	}
}

func estimateRequestSize(r *http.Request) float64 {
	s := len(r.Method) + len(r.Proto) + len(r.Host)
	if r.URL != nil {
		s += len(r.URL.Path)
	}

	for name, values := range r.Header {
		s += len(name)
		for _, value := range values {
			s += len(value)
		}
	}

	if r.ContentLength > 0 {
		s += int(r.ContentLength)
	}

	return float64(s)
}
