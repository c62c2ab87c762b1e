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

package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/meter/api"
	"go.gearno.de/meter/billing"
	"go.gearno.de/meter/ratelimit"
	"go.gearno.de/meter/store/memstore"
	"go.gearno.de/meter/usage"
)

const token = "admin-token"

func newServer(t *testing.T) string {
	t.Helper()

	now := time.Date(2024, time.July, 15, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	registry := prometheus.NewRegistry()
	store := memstore.New(memstore.WithClock(clock))

	a := api.New(
		store,
		ratelimit.NewLimiter(store, store, ratelimit.WithClock(clock), ratelimit.WithRegisterer(registry)),
		usage.NewAggregator(store, usage.WithClock(clock), usage.WithRegisterer(registry)),
		billing.NewGenerator(store, store, store, billing.WithClock(clock), billing.WithRegisterer(registry)),
		api.WithClock(clock),
		api.WithAdminToken(token),
	)

	server := httptest.NewServer(a.Handler())
	t.Cleanup(server.Close)

	return server.URL
}

func execute(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--addr", addr, "--token", token}, args...))

	err := cmd.Execute()

	return out.String(), err
}

func TestMeterctl(t *testing.T) {
	addr := newServer(t)

	out, err := execute(t, addr, "subjects", "create", "--id", "acme", "--name", "Acme", "--limit", "5", "--window", "60")
	require.NoError(t, err)

	var created api.CreatedSubject
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	assert.Equal(t, "acme", created.Subject.ID)
	assert.Equal(t, 5, created.Subject.RateLimit)
	assert.NotEmpty(t, created.APIKey)

	out, err = execute(t, addr, "rate-limit", "set", "acme", "--limit", "10", "--window", "120")
	require.NoError(t, err)

	var subject api.SubjectView
	require.NoError(t, json.Unmarshal([]byte(out), &subject))
	assert.Equal(t, 10, subject.RateLimit)
	assert.Equal(t, 120, subject.RateLimitWindow)

	out, err = execute(t, addr, "rate-limit", "get", "acme")
	require.NoError(t, err)

	var status ratelimit.Status
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, 10, status.Limit)
	assert.Equal(t, 10, status.Remaining)

	out, err = execute(t, addr, "usage", "get", "acme", "--month", "2024-07")
	require.NoError(t, err)

	var summary usage.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, "acme", summary.SubjectID)
	assert.Zero(t, summary.TotalCalls)

	out, err = execute(t, addr, "invoices", "run", "--month", "2024-06")
	require.NoError(t, err)

	var report billing.RunReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Zero(t, report.InvoicesCreated)

	_, err = execute(t, addr, "subjects", "status", "acme", "suspended")
	require.NoError(t, err)
}

func TestMeterctl_Errors(t *testing.T) {
	addr := newServer(t)

	_, err := execute(t, addr, "rate-limit", "get", "missing")
	assert.Error(t, err)

	_, err = execute(t, addr, "usage", "get", "acme", "--month", "July")
	assert.ErrorContains(t, err, "invalid --month")

	_, err = execute(t, addr, "invoices", "run", "--month", "2024-07")
	assert.Error(t, err, "the current month is not closed")

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--addr", addr, "--token", "", "invoices", "sweep"})
	assert.ErrorContains(t, cmd.Execute(), "admin token required")
}

func TestMeterctl_Listings(t *testing.T) {
	addr := newServer(t)

	_, err := execute(t, addr, "subjects", "create", "--id", "acme")
	require.NoError(t, err)

	out, err := execute(t, addr, "pricing-tiers", "set", "LEGACY", "--price", "5", "--active=false")
	require.NoError(t, err)

	var tier billing.PricingTier
	require.NoError(t, json.Unmarshal([]byte(out), &tier))
	assert.Equal(t, billing.PricingTier{Name: "LEGACY", PricePerThousand: 5}, tier)

	out, err = execute(t, addr, "pricing-tiers", "list")
	require.NoError(t, err)

	var tiers []billing.PricingTier
	require.NoError(t, json.Unmarshal([]byte(out), &tiers))
	assert.Contains(t, tiers, tier)

	out, err = execute(t, addr, "invoices", "list", "acme", "--limit", "5")
	require.NoError(t, err)

	var invoices []billing.Invoice
	require.NoError(t, json.Unmarshal([]byte(out), &invoices))
	assert.Empty(t, invoices)

	out, err = execute(t, addr, "usage", "events", "acme", "--since", "2024-07-01T00:00:00Z", "--limit", "10")
	require.NoError(t, err)

	var events []usage.Event
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	assert.Empty(t, events)

	_, err = execute(t, addr, "invoices", "get", "missing")
	assert.Error(t, err)

	_, err = execute(t, addr, "usage", "events", "acme", "--since", "yesterday")
	assert.ErrorContains(t, err, "invalid --since")

	_, err = execute(t, addr, "pricing-tiers", "set", "LEGACY")
	assert.Error(t, err)
}
