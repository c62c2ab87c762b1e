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

// Package api exposes the metering core over HTTP.
//
// Subject routes authenticate the caller with its API key. Metered
// routes additionally go through the rate limiter before being served
// and are counted once served. Admin routes are protected by a static
// bearer token and are only mounted when one is configured.
package api

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.gearno.de/meter"
	"go.gearno.de/meter/apikey"
	"go.gearno.de/meter/billing"
	"go.gearno.de/meter/log"
	"go.gearno.de/meter/ratelimit"
	"go.gearno.de/meter/usage"
)

type (
	// SubjectStore is the part of the subject storage the API needs
	// besides what the limiter already reads.
	SubjectStore interface {
		CreateSubject(ctx context.Context, subject *meter.Subject) error
		GetSubject(ctx context.Context, id string) (*meter.Subject, error)
		GetSubjectByAPIKeyPrefix(ctx context.Context, prefix string) (*meter.Subject, error)
		SetSubjectStatus(ctx context.Context, id string, status meter.SubjectStatus) (*meter.Subject, error)
	}

	Option func(a *API)

	// API serves the metered routes, the usage report and the admin
	// routes over HTTP.
	API struct {
		subjects   SubjectStore
		limiter    *ratelimit.Limiter
		aggregator *usage.Aggregator
		generator  *billing.Generator

		logger     *log.Logger
		clock      meter.Clock
		adminToken string
		keyPrefix  string
		upstream   http.Handler
	}
)

const (
	DefaultRateLimit       = 100
	DefaultRateLimitWindow = 3600
	DefaultPricingTier     = "FREE"
)

func WithLogger(l *log.Logger) Option {
	return func(a *API) {
		a.logger = l.Named("api")
	}
}

func WithClock(c meter.Clock) Option {
	return func(a *API) {
		a.clock = c
	}
}

// WithAdminToken enables the admin routes, accepting requests
// carrying this bearer token.
func WithAdminToken(token string) Option {
	return func(a *API) {
		a.adminToken = token
	}
}

// WithKeyPrefix sets the prefix of the API keys issued and accepted.
// Default is apikey.DefaultPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(a *API) {
		a.keyPrefix = prefix
	}
}

// WithUpstream sets the handler serving metered requests which match
// no other route, usually a reverse proxy built with NewProxy.
func WithUpstream(h http.Handler) Option {
	return func(a *API) {
		a.upstream = h
	}
}

// New returns an API wired to the given stores and services. The admin
// routes are only mounted when WithAdminToken is set.
func New(
	subjects SubjectStore,
	limiter *ratelimit.Limiter,
	aggregator *usage.Aggregator,
	generator *billing.Generator,
	options ...Option,
) *API {
	a := &API{
		subjects:   subjects,
		limiter:    limiter,
		aggregator: aggregator,
		generator:  generator,
		logger:     log.NewLogger(log.WithOutput(io.Discard)),
		clock:      meter.SystemClock,
		keyPrefix:  apikey.DefaultPrefix,
	}

	for _, o := range options {
		o(a)
	}

	return a
}

// Handler returns the router serving every route of the API.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		renderError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		renderError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	if a.adminToken != "" {
		r.Route("/admin", a.adminRoutes)
	}

	r.Group(func(r chi.Router) {
		r.Use(a.Authenticate)

		r.Get("/v1/rate-limit", a.getOwnRateLimit)
		r.Get("/v1/usage", a.getOwnUsage)
		r.Post("/v1/usage/events", a.logUsageEvent)
	})

	if a.upstream != nil {
		r.With(a.Meter).Handle("/*", a.upstream)
	}

	return r
}
