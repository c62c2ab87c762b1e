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

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/meter"
	"go.gearno.de/meter/api"
	"go.gearno.de/meter/apikey"
	"go.gearno.de/meter/billing"
	"go.gearno.de/meter/httpserver"
	"go.gearno.de/meter/log"
	"go.gearno.de/meter/period"
	"go.gearno.de/meter/ratelimit"
	"go.gearno.de/meter/store/memstore"
	"go.gearno.de/meter/usage"
)

type (
	testClock struct {
		mu  sync.Mutex
		now time.Time
	}

	harness struct {
		t       *testing.T
		clock   *testClock
		store   *memstore.Store
		handler http.Handler
		server  *httptest.Server
	}

	brokenSubjects struct {
		*memstore.Store
	}

	brokenCounters struct {
		*memstore.Store
	}
)

const adminToken = "s3cr3t"

var errStorage = errors.New("connection refused by 10.0.0.7")

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (brokenSubjects) GetSubjectByAPIKeyPrefix(context.Context, string) (*meter.Subject, error) {
	return nil, errStorage
}

func (brokenCounters) GetOrCreate(context.Context, string, time.Time) (int64, error) {
	return 0, errStorage
}

func echoUpstream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, ok := api.SubjectFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"subject_id": subject.ID})
	})
}

func newHarness(t *testing.T, options ...api.Option) *harness {
	t.Helper()

	clock := &testClock{now: time.Date(2024, time.July, 15, 10, 0, 30, 0, time.UTC)}
	store := memstore.New(memstore.WithClock(clock.Now))

	return newHarnessWith(t, clock, store, store, store, options...)
}

func newHarnessWith(
	t *testing.T,
	clock *testClock,
	store *memstore.Store,
	subjects api.SubjectStore,
	counters ratelimit.CounterStore,
	options ...api.Option,
) *harness {
	t.Helper()

	registry := prometheus.NewRegistry()

	limiter := ratelimit.NewLimiter(
		counters,
		store,
		ratelimit.WithClock(clock.Now),
		ratelimit.WithRegisterer(registry),
	)
	aggregator := usage.NewAggregator(
		store,
		usage.WithClock(clock.Now),
		usage.WithRegisterer(registry),
	)
	generator := billing.NewGenerator(
		store,
		store,
		store,
		billing.WithClock(clock.Now),
		billing.WithRegisterer(registry),
	)

	options = append(
		[]api.Option{
			api.WithClock(clock.Now),
			api.WithLogger(log.NewLogger(log.WithOutput(io.Discard))),
			api.WithAdminToken(adminToken),
			api.WithUpstream(echoUpstream()),
		},
		options...,
	)

	a := api.New(subjects, limiter, aggregator, generator, options...)

	handler := a.Handler()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &harness{t: t, clock: clock, store: store, handler: handler, server: server}
}

// subject creates a subject and returns its raw API key.
func (h *harness) subject(id string, limit, window int, tier string, status meter.SubjectStatus) string {
	h.t.Helper()

	raw, key, err := apikey.Generate(apikey.DefaultPrefix)
	require.NoError(h.t, err)

	err = h.store.CreateSubject(
		context.Background(),
		&meter.Subject{
			ID:              id,
			Name:            id,
			Status:          status,
			RateLimit:       limit,
			RateLimitWindow: window,
			PricingTier:     tier,
			APIKeyPrefix:    key.Prefix,
			APIKeyHash:      key.Hash,
		},
	)
	require.NoError(h.t, err)

	return raw
}

func (h *harness) events(subjectID string) []*usage.Event {
	events, _ := h.store.ListEvents(context.Background(), subjectID, time.Time{}, usage.MaxEventsLimit)
	return events
}

func (h *harness) do(method, path string, headers map[string]string, body any) (*http.Response, map[string]any) {
	h.t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(h.t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)

	var payload map[string]any
	if len(raw) > 0 {
		require.NoError(h.t, json.Unmarshal(raw, &payload), string(raw))
	}

	return resp, payload
}

// adminList calls an admin route answering with a JSON array.
func (h *harness) adminList(path string) (*http.Response, []map[string]any) {
	h.t.Helper()

	req, err := http.NewRequest(http.MethodGet, h.server.URL+path, nil)
	require.NoError(h.t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)

	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}

	var items []map[string]any
	require.NoError(h.t, json.Unmarshal(raw, &items), string(raw))

	return resp, items
}

func (h *harness) withKey(method, path, key string, body any) (*http.Response, map[string]any) {
	return h.do(method, path, map[string]string{"Authorization": "Bearer " + key}, body)
}

func (h *harness) admin(method, path string, body any) (*http.Response, map[string]any) {
	return h.do(method, path, map[string]string{"Authorization": "Bearer " + adminToken}, body)
}

func TestMeter_Scenario(t *testing.T) {
	h := newHarness(t)
	key := h.subject("acme", 5, 60, "FREE", meter.SubjectStatusActive)

	for i, want := range []string{"4", "3", "2", "1", "0"} {
		resp, payload := h.withKey(http.MethodGet, "/v1/things", key, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i+1)
		assert.Equal(t, "acme", payload["subject_id"])
		assert.Equal(t, "5", resp.Header.Get(api.HeaderRateLimitLimit))
		assert.Equal(t, want, resp.Header.Get(api.HeaderRateLimitRemaining), "request %d", i+1)
		assert.Equal(t, "1721037660", resp.Header.Get(api.HeaderRateLimitReset))
	}

	resp, payload := h.withKey(http.MethodGet, "/v1/things", key, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get(api.HeaderRateLimitRemaining))
	assert.Equal(t, "30", resp.Header.Get(api.HeaderRetryAfter))
	assert.Equal(t, "too_many_requests", payload["error"])

	summary, err := h.store.GetSummary(context.Background(), "acme", period.NewMonth(2024, time.July))
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, int64(5), summary.TotalCalls)
	assert.Equal(t, int64(5), summary.SuccessfulCalls)

	events := h.events("acme")
	require.Len(t, events, 5)
	assert.Equal(t, "/v1/things", events[0].Endpoint)
	assert.Equal(t, http.MethodGet, events[0].Method)

	h.clock.Advance(30 * time.Second)

	resp, _ = h.withKey(http.MethodGet, "/v1/things", key, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "4", resp.Header.Get(api.HeaderRateLimitRemaining))
}

func TestMeter_XAPIKeyHeader(t *testing.T) {
	h := newHarness(t)
	key := h.subject("acme", 5, 60, "FREE", meter.SubjectStatusActive)

	resp, _ := h.do(http.MethodGet, "/v1/things", map[string]string{"X-API-Key": key}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMeter_Authentication(t *testing.T) {
	h := newHarness(t)
	key := h.subject("acme", 5, 60, "FREE", meter.SubjectStatusActive)
	suspended := h.subject("idle", 5, 60, "FREE", meter.SubjectStatusSuspended)

	forged := []byte(key)
	last := len(forged) - 1
	if forged[last] == '0' {
		forged[last] = '1'
	} else {
		forged[last] = '0'
	}

	tests := []struct {
		name   string
		key    string
		status int
	}{
		{name: "missing key", key: "", status: http.StatusUnauthorized},
		{name: "malformed key", key: "not-a-key", status: http.StatusUnauthorized},
		{name: "unknown key", key: apikey.DefaultPrefix + string(bytes.Repeat([]byte("a"), 64)), status: http.StatusUnauthorized},
		{name: "wrong secret", key: string(forged), status: http.StatusUnauthorized},
		{name: "inactive subject", key: suspended, status: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.key != "" {
				headers["Authorization"] = "Bearer " + tt.key
			}

			resp, payload := h.do(http.MethodGet, "/v1/things", headers, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, payload["message"])
		})
	}

	assert.Empty(t, h.events("idle"))
}

func TestMeter_FailsClosed(t *testing.T) {
	t.Run("subject lookup", func(t *testing.T) {
		clock := &testClock{now: time.Date(2024, time.July, 15, 10, 0, 30, 0, time.UTC)}
		store := memstore.New(memstore.WithClock(clock.Now))
		h := newHarnessWith(t, clock, store, brokenSubjects{store}, store)
		key := h.subject("acme", 5, 60, "FREE", meter.SubjectStatusActive)

		resp, payload := h.withKey(http.MethodGet, "/v1/things", key, nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.NotContains(t, payload["message"], "10.0.0.7")
	})

	t.Run("counter read", func(t *testing.T) {
		clock := &testClock{now: time.Date(2024, time.July, 15, 10, 0, 30, 0, time.UTC)}
		store := memstore.New(memstore.WithClock(clock.Now))
		h := newHarnessWith(t, clock, store, store, brokenCounters{store})
		key := h.subject("acme", 5, 60, "FREE", meter.SubjectStatusActive)

		resp, payload := h.withKey(http.MethodGet, "/v1/things", key, nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "service temporarily unavailable", payload["message"])
		assert.Empty(t, h.events("acme"))
	})
}

func TestSubjectRoutes(t *testing.T) {
	h := newHarness(t)
	key := h.subject("acme", 5, 60, "FREE", meter.SubjectStatusActive)

	resp, payload := h.withKey(
		http.MethodPost,
		"/v1/usage/events",
		key,
		map[string]any{"endpoint": "/orders", "method": "post", "status_code": 500, "latency_ms": 40},
	)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(1), payload["total_calls"])
	assert.Equal(t, float64(1), payload["failed_calls"])

	resp, _ = h.withKey(
		http.MethodPost,
		"/v1/usage/events",
		key,
		map[string]any{"endpoint": "/orders", "method": "GET", "status_code": 42},
	)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, payload = h.withKey(http.MethodGet, "/v1/usage", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2024-07", payload["month"])
	assert.Equal(t, float64(1), payload["total_calls"])
	assert.Equal(t, float64(40), payload["avg_response_time"])

	resp, payload = h.withKey(http.MethodGet, "/v1/usage?month=2024-01", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), payload["total_calls"])

	resp, _ = h.withKey(http.MethodGet, "/v1/usage?month=january", key, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, payload = h.withKey(http.MethodGet, "/v1/rate-limit", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(5), payload["limit"])
	assert.Equal(t, float64(5), payload["remaining"])
	assert.Equal(t, float64(60), payload["window_seconds"])
}

func TestAdmin_Authorization(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(http.MethodGet, "/admin/rate-limit/stats", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.do(http.MethodGet, "/admin/rate-limit/stats", map[string]string{"Authorization": "Bearer nope"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.admin(http.MethodGet, "/admin/rate-limit/stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdmin_DisabledWithoutToken(t *testing.T) {
	h := newHarness(t, api.WithAdminToken(""), api.WithUpstream(nil))

	resp, payload := h.admin(http.MethodGet, "/admin/rate-limit/stats", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", payload["error"])
}

func TestAdmin_Subjects(t *testing.T) {
	h := newHarness(t)

	resp, payload := h.admin(http.MethodPost, "/admin/subjects", map[string]any{"name": "Acme"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	key, _ := payload["api_key"].(string)
	require.NotEmpty(t, key)
	subject, _ := payload["subject"].(map[string]any)
	require.NotNil(t, subject)
	assert.Equal(t, float64(api.DefaultRateLimit), subject["rate_limit"])
	assert.Equal(t, float64(api.DefaultRateLimitWindow), subject["rate_limit_window"])
	assert.Equal(t, api.DefaultPricingTier, subject["pricing_tier"])
	assert.Equal(t, "active", subject["status"])
	assert.NotContains(t, subject, "api_key_hash")

	id, _ := subject["id"].(string)
	require.NotEmpty(t, id)

	resp, _ = h.withKey(http.MethodGet, "/v1/things", key, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.admin(http.MethodPost, "/admin/subjects", map[string]any{"id": id})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = h.admin(http.MethodPost, "/admin/subjects", map[string]any{"rate_limit": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.admin(http.MethodPost, "/admin/subjects", map[string]any{"unknown": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, payload = h.admin(http.MethodPut, "/admin/subjects/"+id+"/status", map[string]any{"status": "suspended"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "suspended", payload["status"])

	resp, _ = h.withKey(http.MethodGet, "/v1/things", key, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = h.admin(http.MethodPut, "/admin/subjects/"+id+"/status", map[string]any{"status": "sleeping"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.admin(http.MethodPut, "/admin/subjects/missing/status", map[string]any{"status": "active"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdmin_RateLimit(t *testing.T) {
	h := newHarness(t)
	key := h.subject("acme", 5, 60, "FREE", meter.SubjectStatusActive)

	for range 2 {
		resp, _ := h.withKey(http.MethodGet, "/v1/things", key, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, payload := h.admin(http.MethodGet, "/admin/subjects/acme/rate-limit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), payload["count"])
	assert.Equal(t, float64(3), payload["remaining"])
	assert.Equal(t, "active", payload["subject_status"])

	resp, _ = h.admin(http.MethodGet, "/admin/subjects/missing/rate-limit", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, payload = h.admin(http.MethodPut, "/admin/subjects/acme/rate-limit", map[string]any{"limit": 10, "window_seconds": 120})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(10), payload["rate_limit"])
	assert.Equal(t, float64(120), payload["rate_limit_window"])

	for _, body := range []map[string]any{
		{"limit": 0, "window_seconds": 60},
		{"limit": ratelimit.MaxLimit + 1, "window_seconds": 60},
		{"limit": 10, "window_seconds": ratelimit.MaxWindowSeconds + 1},
	} {
		resp, _ = h.admin(http.MethodPut, "/admin/subjects/acme/rate-limit", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}

	resp, payload = h.admin(http.MethodGet, "/admin/rate-limit/stats?days=7", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), payload["total_requests"])
	assert.Equal(t, float64(1), payload["active_subjects"])

	resp, _ = h.admin(http.MethodGet, "/admin/rate-limit/stats?days=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.admin(http.MethodPost, "/admin/rate-limit/purge?retention_days=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	h.clock.Advance(10 * 24 * time.Hour)

	resp, payload = h.admin(http.MethodPost, "/admin/rate-limit/purge", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(ratelimit.DefaultRetentionDays), payload["retention_days"])
	assert.Equal(t, float64(1), payload["deleted"])
}

func TestAdmin_Usage(t *testing.T) {
	h := newHarness(t)
	key := h.subject("acme", 5, 60, "FREE", meter.SubjectStatusActive)

	resp, _ := h.withKey(http.MethodGet, "/v1/things", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, payload := h.admin(http.MethodGet, "/admin/subjects/acme/usage", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "acme", payload["subject_id"])
	assert.Equal(t, float64(1), payload["total_calls"])

	resp, _ = h.admin(http.MethodGet, "/admin/subjects/missing/usage", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdmin_Invoices(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.subject("acme", 5, 60, "BASIC", meter.SubjectStatusActive)
	h.subject("globex", 5, 60, "PRO", meter.SubjectStatusActive)

	june := period.NewMonth(2024, time.June)
	for range 1500 {
		_, err := h.store.ApplyCall(ctx, "acme", june, true, 10)
		require.NoError(t, err)
	}
	_, err := h.store.ApplyCall(ctx, "globex", june, true, 10)
	require.NoError(t, err)

	resp, payload := h.admin(http.MethodPost, "/admin/invoices/runs", map[string]any{"month": "2024-07"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "unprocessable_entity", payload["error"])

	resp, payload = h.admin(http.MethodPost, "/admin/invoices/runs", map[string]any{"month": "2024-06"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), payload["invoices_created"])

	acme, err := h.store.GetInvoiceBySubjectMonth(ctx, "acme", june)
	require.NoError(t, err)
	require.NotNil(t, acme)
	assert.Equal(t, int64(20), acme.Amount)

	resp, payload = h.admin(http.MethodPost, "/admin/invoices/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2024-06", payload["period"])
	assert.Equal(t, float64(0), payload["invoices_created"])
	assert.Equal(t, float64(2), payload["skipped"])

	resp, payload = h.admin(http.MethodPost, "/admin/invoices/"+url.PathEscape(acme.ID)+"/paid", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paid", payload["status"])
	assert.NotEmpty(t, payload["paid_at"])

	resp, _ = h.admin(http.MethodPost, "/admin/invoices/"+acme.ID+"/paid", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = h.admin(http.MethodPost, "/admin/invoices/"+acme.ID+"/overdue", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = h.admin(http.MethodPost, "/admin/invoices/missing/paid", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	h.clock.Advance(31 * 24 * time.Hour)

	resp, payload = h.admin(http.MethodPost, "/admin/invoices/sweeps", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), payload["marked"])

	globex, err := h.store.GetInvoiceBySubjectMonth(ctx, "globex", june)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusOverdue, globex.Status)
	assert.Equal(t, int64(25), globex.Amount)
}

func TestAdmin_InvoiceQueries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.subject("acme", 5, 60, "BASIC", meter.SubjectStatusActive)

	for _, m := range []period.Month{period.NewMonth(2024, time.May), period.NewMonth(2024, time.June)} {
		_, err := h.store.ApplyCall(ctx, "acme", m, true, 10)
		require.NoError(t, err)

		resp, _ := h.admin(http.MethodPost, "/admin/invoices/runs", map[string]any{"month": m.String()})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, invoices := h.adminList("/admin/subjects/acme/invoices")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, invoices, 2)
	assert.Equal(t, "2024-06", invoices[0]["month"])
	assert.Equal(t, "2024-05", invoices[1]["month"])

	resp, invoices = h.adminList("/admin/subjects/acme/invoices?limit=1&offset=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, invoices, 1)
	assert.Equal(t, "2024-05", invoices[0]["month"])

	resp, invoices = h.adminList("/admin/subjects/acme/invoices?offset=5")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, invoices)

	june, err := h.store.GetInvoiceBySubjectMonth(ctx, "acme", period.NewMonth(2024, time.June))
	require.NoError(t, err)

	resp, payload := h.admin(http.MethodGet, "/admin/invoices/"+url.PathEscape(june.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, june.ID, payload["id"])
	assert.Equal(t, "pending", payload["status"])
	assert.Equal(t, float64(10), payload["amount"])

	resp, _ = h.admin(http.MethodGet, "/admin/invoices/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.adminList("/admin/subjects/missing/invoices")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	for _, query := range []string{"limit=0", "limit=101", "limit=ten", "offset=-1"} {
		resp, _ = h.adminList("/admin/subjects/acme/invoices?" + query)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
	}
}

func TestAdmin_UsageEvents(t *testing.T) {
	h := newHarness(t)
	key := h.subject("acme", 5, 60, "FREE", meter.SubjectStatusActive)

	for _, path := range []string{"/v1/first", "/v1/second"} {
		resp, _ := h.withKey(http.MethodGet, path, key, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		h.clock.Advance(time.Second)
	}

	resp, events := h.adminList("/admin/subjects/acme/usage/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, events, 2)
	assert.Equal(t, "/v1/second", events[0]["endpoint"])
	assert.Equal(t, "/v1/first", events[1]["endpoint"])
	assert.Equal(t, "acme", events[0]["subject_id"])

	resp, events = h.adminList("/admin/subjects/acme/usage/events?limit=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, events, 1)
	assert.Equal(t, "/v1/second", events[0]["endpoint"])

	resp, events = h.adminList("/admin/subjects/acme/usage/events?since=2024-07-16T00:00:00Z")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, events)

	resp, _ = h.adminList("/admin/subjects/acme/usage/events?since=yesterday")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.adminList("/admin/subjects/acme/usage/events?limit=1001")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.adminList("/admin/subjects/missing/usage/events")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdmin_PricingTiers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.subject("acme", 5, 60, "LEGACY", meter.SubjectStatusActive)

	resp, payload := h.admin(http.MethodPut, "/admin/pricing-tiers/LEGACY", map[string]any{"price_per_thousand": 7})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "LEGACY", payload["name"])
	assert.Equal(t, float64(7), payload["price_per_thousand"])
	assert.Equal(t, true, payload["active"])

	resp, tiers := h.adminList("/admin/pricing-tiers")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, tiers, 5)
	assert.Equal(t, "BASIC", tiers[0]["name"])
	assert.Equal(t, "LEGACY", tiers[3]["name"])

	june := period.NewMonth(2024, time.June)
	_, err := h.store.ApplyCall(ctx, "acme", june, true, 10)
	require.NoError(t, err)

	resp, _ = h.admin(http.MethodPost, "/admin/invoices/runs", map[string]any{"month": "2024-06"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	inv, err := h.store.GetInvoiceBySubjectMonth(ctx, "acme", june)
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, int64(7), inv.Amount)

	resp, payload = h.admin(http.MethodPut, "/admin/pricing-tiers/LEGACY", map[string]any{"price_per_thousand": 3, "active": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, payload["active"])

	resp, _ = h.admin(http.MethodPut, "/admin/pricing-tiers/LEGACY", map[string]any{"price_per_thousand": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.admin(http.MethodPut, "/admin/pricing-tiers/LEGACY", map[string]any{"price": 3})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdmin_RequestBodies(t *testing.T) {
	h := newHarness(t)

	t.Run("oversized body", func(t *testing.T) {
		body := `{"price_per_thousand":1,"note":"` + strings.Repeat("a", httpserver.MaxRequestBodySize) + `"}`
		req := httptest.NewRequest(http.MethodPut, "/admin/pricing-tiers/HUGE", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+adminToken)

		w := httptest.NewRecorder()
		h.handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

		_, err := h.store.GetPricingTier(context.Background(), "HUGE")
		assert.ErrorIs(t, err, meter.ErrPricingTierNotFound)
	})

	t.Run("empty body of unknown length", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/admin/invoices/runs", strings.NewReader(""))
		req.ContentLength = -1
		req.Header.Set("Authorization", "Bearer "+adminToken)

		w := httptest.NewRecorder()
		h.handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var report billing.RunReport
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
		assert.Equal(t, period.NewMonth(2024, time.June), report.Period)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/admin/invoices/runs", strings.NewReader("{"))
		req.ContentLength = -1
		req.Header.Set("Authorization", "Bearer "+adminToken)

		w := httptest.NewRecorder()
		h.handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestProxy(t *testing.T) {
	var got http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusTeapot)
	}))
	t.Cleanup(upstream.Close)

	target, err := url.Parse(upstream.URL)
	require.NoError(t, err)

	logger := log.NewLogger(log.WithOutput(io.Discard))
	h := newHarness(t, api.WithUpstream(api.NewProxy(target, http.DefaultTransport, logger)))
	key := h.subject("acme", 5, 60, "FREE", meter.SubjectStatusActive)

	resp, _ := h.do(
		http.MethodGet,
		"/v1/things",
		map[string]string{
			"Authorization":     "Bearer " + key,
			api.HeaderSubjectID: "spoofed",
		},
		nil,
	)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "acme", got.Get(api.HeaderSubjectID))
	assert.Empty(t, got.Get("Authorization"))

	require.Eventually(
		t,
		func() bool { return len(h.events("acme")) == 1 },
		time.Second,
		10*time.Millisecond,
	)
	assert.Equal(t, http.StatusTeapot, h.events("acme")[0].StatusCode)

	summary, err := h.store.GetSummary(context.Background(), "acme", period.NewMonth(2024, time.July))
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.FailedCalls)
}

func TestProxy_UpstreamDown(t *testing.T) {
	target, err := url.Parse("http://127.0.0.1:1")
	require.NoError(t, err)

	logger := log.NewLogger(log.WithOutput(io.Discard))
	h := newHarness(t, api.WithUpstream(api.NewProxy(target, http.DefaultTransport, logger)))
	key := h.subject("acme", 5, 60, "FREE", meter.SubjectStatusActive)

	resp, payload := h.withKey(http.MethodGet, "/v1/things", key, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "upstream unavailable", payload["message"])
	assert.Equal(t, strconv.Itoa(4), resp.Header.Get(api.HeaderRateLimitRemaining))
}
