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

// Package httpserver builds the HTTP server of the metering API. The
// returned server answers the health check itself and wraps every
// other request with a request id, a server span, Prometheus metrics
// and one access log line.
package httpserver

import (
	"io"
	stdlog "log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/meter/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type (
	Option func(o *Options)

	Options struct {
		tracerProvider    trace.TracerProvider
		propagator        propagation.TextMapPropagator
		logger            *log.Logger
		registerer        prometheus.Registerer
		readHeaderTimeout time.Duration
		idleTimeout       time.Duration
	}
)

const (
	// HealthPath is answered with an empty JSON object without
	// reaching the wrapped handler.
	HealthPath = "/health"

	RequestIDHeader = "x-request-id"
)

// WithLogger sets the logger used for access logs and server errors.
func WithLogger(l *log.Logger) Option {
	return func(o *Options) {
		o.logger = l.Named("http.server")
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.tracerProvider = tp
	}
}

// WithPropagator sets the propagator extracting the remote span
// context from request headers. It defaults to the global one.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(o *Options) {
		o.propagator = p
	}
}

func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *Options) {
		o.registerer = r
	}
}

func WithTimeouts(readHeader, idle time.Duration) Option {
	return func(o *Options) {
		o.readHeaderTimeout = readHeader
		o.idleTimeout = idle
	}
}

func NewServer(addr string, h http.Handler, options ...Option) *http.Server {
	opts := &Options{
		logger:            log.NewLogger(log.WithOutput(io.Discard)),
		tracerProvider:    otel.GetTracerProvider(),
		propagator:        otel.GetTextMapPropagator(),
		registerer:        prometheus.DefaultRegisterer,
		readHeaderTimeout: 5 * time.Second,
		idleTimeout:       15 * time.Second,
	}

	for _, o := range options {
		o(opts)
	}

	logger := opts.logger.With(log.String("http_server_addr", addr))

	return &http.Server{
		Addr:              addr,
		Handler:           newHandlerWrapper(h, logger, opts),
		ErrorLog:          stdlog.New(logger.NewWriter(log.LevelError), "", 0),
		ReadHeaderTimeout: opts.readHeaderTimeout,
		IdleTimeout:       opts.idleTimeout,
	}
}
