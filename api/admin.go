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

package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.gearno.de/crypto/uuid"
	"go.gearno.de/meter"
	"go.gearno.de/meter/apikey"
	"go.gearno.de/meter/billing"
	"go.gearno.de/meter/httpserver"
	"go.gearno.de/meter/log"
	"go.gearno.de/meter/period"
	"go.gearno.de/meter/ratelimit"
	"go.gearno.de/meter/usage"
)

type (
	CreateSubjectRequest struct {
		ID              string `json:"id,omitempty"`
		Name            string `json:"name,omitempty"`
		RateLimit       int    `json:"rate_limit,omitempty"`
		RateLimitWindow int    `json:"rate_limit_window,omitempty"`
		PricingTier     string `json:"pricing_tier,omitempty"`
	}

	UpdateStatusRequest struct {
		Status meter.SubjectStatus `json:"status"`
	}

	UpdateRateLimitRequest struct {
		Limit         int `json:"limit"`
		WindowSeconds int `json:"window_seconds"`
	}

	InvoiceRunRequest struct {
		// Month defaults to the month before the current one.
		Month *period.Month `json:"month,omitempty"`
	}

	PricingTierRequest struct {
		PricePerThousand int64 `json:"price_per_thousand"`

		// Active defaults to true.
		Active *bool `json:"active,omitempty"`
	}
)

func (a *API) adminRoutes(r chi.Router) {
	r.Use(a.requireAdmin)

	r.Post("/subjects", a.createSubject)
	r.Put("/subjects/{id}/status", a.updateSubjectStatus)
	r.Get("/subjects/{id}/rate-limit", a.getRateLimit)
	r.Put("/subjects/{id}/rate-limit", a.updateRateLimit)
	r.Get("/subjects/{id}/usage", a.getUsage)
	r.Get("/subjects/{id}/usage/events", a.listUsageEvents)
	r.Get("/subjects/{id}/invoices", a.listInvoices)

	r.Get("/rate-limit/stats", a.getRateLimitStats)
	r.Post("/rate-limit/purge", a.purgeRateLimitWindows)

	r.Post("/invoices/runs", a.runInvoices)
	r.Post("/invoices/sweeps", a.sweepOverdueInvoices)
	r.Get("/invoices/{id}", a.getInvoice)
	r.Post("/invoices/{id}/paid", a.markInvoicePaid)
	r.Post("/invoices/{id}/overdue", a.markInvoiceOverdue)

	r.Get("/pricing-tiers", a.listPricingTiers)
	r.Put("/pricing-tiers/{name}", a.putPricingTier)
}

func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, token, _ := strings.Cut(r.Header.Get("Authorization"), " ")
		if !strings.EqualFold(scheme, "bearer") ||
			subtle.ConstantTimeCompare([]byte(token), []byte(a.adminToken)) != 1 {
			a.fail(w, r, errUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func decode(r *http.Request, v any) error {
	if err := httpserver.DecodeJSON(r, v); err != nil {
		return fmt.Errorf("%w: %w", meter.ErrInvalidArgument, err)
	}

	return nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", meter.ErrInvalidArgument, name)
	}

	return n, nil
}

func queryTime(r *http.Request, name string, fallback time.Time) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}

	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be an RFC 3339 timestamp", meter.ErrInvalidArgument, name)
	}

	return t, nil
}

func queryMonth(r *http.Request, fallback period.Month) (period.Month, error) {
	v := r.URL.Query().Get("month")
	if v == "" {
		return fallback, nil
	}

	m, err := period.ParseMonth(v)
	if err != nil {
		return period.Month{}, fmt.Errorf("%w: %w", meter.ErrInvalidArgument, err)
	}

	return m, nil
}

func (a *API) createSubject(w http.ResponseWriter, r *http.Request) {
	req := CreateSubjectRequest{
		RateLimit:       DefaultRateLimit,
		RateLimitWindow: DefaultRateLimitWindow,
		PricingTier:     DefaultPricingTier,
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	if err := ratelimit.ValidateLimit(req.RateLimit, req.RateLimitWindow); err != nil {
		a.fail(w, r, err)
		return
	}

	if req.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			a.fail(w, r, fmt.Errorf("cannot generate subject id: %w", err))
			return
		}
		req.ID = id.String()
	}

	raw, key, err := apikey.Generate(a.keyPrefix)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	subject := &meter.Subject{
		ID:              req.ID,
		Name:            req.Name,
		Status:          meter.SubjectStatusActive,
		RateLimit:       req.RateLimit,
		RateLimitWindow: req.RateLimitWindow,
		PricingTier:     req.PricingTier,
		APIKeyPrefix:    key.Prefix,
		APIKeyHash:      key.Hash,
	}

	if err := a.subjects.CreateSubject(r.Context(), subject); err != nil {
		if statusOf(err) == http.StatusInternalServerError {
			err = meter.Persistence("create subject", err)
		}
		a.fail(w, r, err)
		return
	}

	a.logger.InfoCtx(r.Context(), "subject created", log.String("subject_id", subject.ID))

	httpserver.RenderJSON(
		w,
		http.StatusCreated,
		CreatedSubject{Subject: NewSubjectView(subject), APIKey: raw},
	)
}

func (a *API) updateSubjectStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	if !req.Status.IsValid() {
		a.fail(w, r, fmt.Errorf("%w: unknown status %q", meter.ErrInvalidArgument, req.Status))
		return
	}

	subject, err := a.subjects.SetSubjectStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		if statusOf(err) == http.StatusInternalServerError {
			err = meter.Persistence("update subject status", err)
		}
		a.fail(w, r, err)
		return
	}

	a.logger.InfoCtx(
		r.Context(),
		"subject status updated",
		log.String("subject_id", subject.ID),
		log.String("status", string(subject.Status)),
	)

	httpserver.RenderJSON(w, http.StatusOK, NewSubjectView(subject))
}

func (a *API) getRateLimit(w http.ResponseWriter, r *http.Request) {
	status, err := a.limiter.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}

	httpserver.RenderJSON(w, http.StatusOK, status)
}

func (a *API) updateRateLimit(w http.ResponseWriter, r *http.Request) {
	var req UpdateRateLimitRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	subject, err := a.limiter.UpdateLimit(r.Context(), chi.URLParam(r, "id"), req.Limit, req.WindowSeconds)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	httpserver.RenderJSON(w, http.StatusOK, NewSubjectView(subject))
}

// subjectParam returns the id route parameter once the subject is
// known to exist.
func (a *API) subjectParam(r *http.Request) (string, error) {
	id := chi.URLParam(r, "id")

	if _, err := a.subjects.GetSubject(r.Context(), id); err != nil {
		if statusOf(err) == http.StatusInternalServerError {
			err = meter.Persistence("load subject", err)
		}
		return "", err
	}

	return id, nil
}

func (a *API) getUsage(w http.ResponseWriter, r *http.Request) {
	id, err := a.subjectParam(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	a.renderUsage(w, r, id)
}

// listUsageEvents pages through the event log of a subject, newest
// first. since defaults to the start of the current month.
func (a *API) listUsageEvents(w http.ResponseWriter, r *http.Request) {
	id, err := a.subjectParam(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	since, err := queryTime(r, "since", period.MonthOf(a.clock()).Start())
	if err != nil {
		a.fail(w, r, err)
		return
	}

	limit, err := queryInt(r, "limit", usage.DefaultEventsLimit)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	events, err := a.aggregator.Events(r.Context(), id, since, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	if events == nil {
		events = []*usage.Event{}
	}

	httpserver.RenderJSON(w, http.StatusOK, events)
}

func (a *API) listInvoices(w http.ResponseWriter, r *http.Request) {
	id, err := a.subjectParam(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	limit, err := queryInt(r, "limit", billing.DefaultInvoicesLimit)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	invoices, err := a.generator.Invoices(r.Context(), id, limit, offset)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	if invoices == nil {
		invoices = []*billing.Invoice{}
	}

	httpserver.RenderJSON(w, http.StatusOK, invoices)
}

func (a *API) getInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := a.generator.Invoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}

	httpserver.RenderJSON(w, http.StatusOK, inv)
}

func (a *API) listPricingTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := a.generator.PricingTiers(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}

	if tiers == nil {
		tiers = []*billing.PricingTier{}
	}

	httpserver.RenderJSON(w, http.StatusOK, tiers)
}

func (a *API) putPricingTier(w http.ResponseWriter, r *http.Request) {
	var req PricingTierRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	tier := billing.PricingTier{
		Name:             chi.URLParam(r, "name"),
		PricePerThousand: req.PricePerThousand,
		Active:           req.Active == nil || *req.Active,
	}

	updated, err := a.generator.SetPricingTier(r.Context(), tier)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	httpserver.RenderJSON(w, http.StatusOK, updated)
}

func (a *API) getRateLimitStats(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 7)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	report, err := a.limiter.Stats(r.Context(), days)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	httpserver.RenderJSON(w, http.StatusOK, report)
}

func (a *API) purgeRateLimitWindows(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "retention_days", ratelimit.DefaultRetentionDays)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	deleted, err := a.limiter.PurgeWindowsOlderThan(r.Context(), days)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	httpserver.RenderJSON(w, http.StatusOK, PurgeResult{RetentionDays: days, Deleted: deleted})
}

func (a *API) runInvoices(w http.ResponseWriter, r *http.Request) {
	var req InvoiceRunRequest
	if err := decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		a.fail(w, r, err)
		return
	}

	month := period.MonthOf(a.clock()).Previous()
	if req.Month != nil {
		month = *req.Month
	}

	report, err := a.generator.RunForPeriod(r.Context(), month)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	httpserver.RenderJSON(w, http.StatusOK, report)
}

func (a *API) sweepOverdueInvoices(w http.ResponseWriter, r *http.Request) {
	report, err := a.generator.SweepOverdue(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}

	httpserver.RenderJSON(w, http.StatusOK, report)
}

func (a *API) markInvoicePaid(w http.ResponseWriter, r *http.Request) {
	inv, err := a.generator.MarkPaid(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}

	httpserver.RenderJSON(w, http.StatusOK, inv)
}

func (a *API) markInvoiceOverdue(w http.ResponseWriter, r *http.Request) {
	inv, err := a.generator.MarkOverdue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}

	httpserver.RenderJSON(w, http.StatusOK, inv)
}
