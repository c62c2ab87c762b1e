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

// Package httpclient builds instrumented HTTP clients: every
// outgoing request carries a request id and the trace context, is
// counted in Prometheus and logged once.
package httpclient

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/meter/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type (
	Option func(o *Options)

	Options struct {
		logger         *log.Logger
		tracerProvider trace.TracerProvider
		registerer     prometheus.Registerer
		tlsConfig      *tls.Config
		timeout        time.Duration
	}
)

func WithTLSConfig(c *tls.Config) Option {
	return func(o *Options) {
		o.tlsConfig = c
	}
}

func WithLogger(l *log.Logger) Option {
	return func(o *Options) {
		o.logger = l.Named("http.client")
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.tracerProvider = tp
	}
}

func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *Options) {
		o.registerer = r
	}
}

// WithTimeout sets the overall timeout of the clients built with
// DefaultClient and DefaultPooledClient. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.timeout = d
	}
}

// DefaultTransport returns a transport similar to
// http.DefaultTransport with idle connections and keepalives
// disabled.
func DefaultTransport(options ...Option) http.RoundTripper {
	opts := configureOptions(options)

	transport := createBaseTransport()
	transport.DisableKeepAlives = true
	transport.MaxIdleConnsPerHost = -1
	transport.TLSClientConfig = opts.tlsConfig

	return NewTelemetryRoundTripper(transport, opts.logger, opts.tracerProvider, opts.registerer)
}

// DefaultPooledTransport returns a transport similar to
// http.DefaultTransport. Only use it for transports re-used for the
// same hosts, as it keeps idle connections open.
func DefaultPooledTransport(options ...Option) http.RoundTripper {
	opts := configureOptions(options)

	transport := createBaseTransport()
	transport.MaxIdleConnsPerHost = runtime.GOMAXPROCS(0) + 1
	transport.TLSClientConfig = opts.tlsConfig

	return NewTelemetryRoundTripper(transport, opts.logger, opts.tracerProvider, opts.registerer)
}

func DefaultClient(options ...Option) *http.Client {
	return &http.Client{
		Transport: DefaultTransport(options...),
		Timeout:   configureOptions(options).timeout,
	}
}

func DefaultPooledClient(options ...Option) *http.Client {
	return &http.Client{
		Transport: DefaultPooledTransport(options...),
		Timeout:   configureOptions(options).timeout,
	}
}

func createBaseTransport() *http.Transport {
	dial := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dial.DialContext,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

func configureOptions(options []Option) *Options {
	opts := &Options{
		logger:         log.NewLogger(log.WithOutput(io.Discard)),
		tracerProvider: otel.GetTracerProvider(),
		registerer:     prometheus.DefaultRegisterer,
	}

	for _, o := range options {
		o(opts)
	}

	return opts
}
