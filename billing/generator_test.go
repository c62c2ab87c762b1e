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

package billing_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/meter"
	"go.gearno.de/meter/billing"
	"go.gearno.de/meter/log"
	"go.gearno.de/meter/period"
	"go.gearno.de/meter/store/memstore"
)

type flakyInvoices struct {
	*memstore.Store
	failFor string
}

func (f *flakyInvoices) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	if inv.SubjectID == f.failFor {
		return errors.New("deadlock detected")
	}

	return f.Store.CreateInvoice(ctx, inv)
}

var (
	july = period.NewMonth(2024, time.July)
	now  = time.Date(2024, 8, 1, 2, 0, 0, 0, time.UTC)
)

func seed(t *testing.T, store *memstore.Store, id, tier string, status meter.SubjectStatus, calls int) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.CreateSubject(ctx, &meter.Subject{ID: id, Status: status, PricingTier: tier}))
	for range calls {
		_, err := store.ApplyCall(ctx, id, july, true, 5)
		require.NoError(t, err)
	}
}

func newGenerator(store *memstore.Store, invoices billing.InvoiceStore, options ...billing.Option) *billing.Generator {
	options = append(
		[]billing.Option{
			billing.WithClock(func() time.Time { return now }),
			billing.WithRegisterer(prometheus.NewRegistry()),
		},
		options...,
	)

	return billing.NewGenerator(store, invoices, store, options...)
}

func TestGenerator_RunForPeriod(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	seed(t, store, "basic", "BASIC", meter.SubjectStatusActive, 2500)
	seed(t, store, "pro", "PRO", meter.SubjectStatusActive, 1000)
	seed(t, store, "inactive", "PRO", meter.SubjectStatusInactive, 10)
	require.NoError(t, store.CreateSubject(ctx, &meter.Subject{ID: "idle", Status: meter.SubjectStatusActive}))

	generator := newGenerator(store, store)

	report, err := generator.RunForPeriod(ctx, july)
	require.NoError(t, err)
	assert.Equal(t, july, report.Period)
	assert.Equal(t, 2, report.InvoicesCreated)
	assert.Len(t, report.InvoiceIDs, 2)
	assert.Empty(t, report.Failures)

	basic, err := store.GetInvoiceBySubjectMonth(ctx, "basic", july)
	require.NoError(t, err)
	require.NotNil(t, basic)
	assert.Equal(t, int64(2500), basic.TotalCalls)
	assert.Equal(t, int64(30), basic.Amount)
	assert.Equal(t, "INR", basic.Currency)
	assert.Equal(t, billing.StatusPending, basic.Status)
	assert.Equal(t, now.Add(30*24*time.Hour), basic.DueDate)
	assert.Nil(t, basic.PaidAt)

	pro, err := store.GetInvoiceBySubjectMonth(ctx, "pro", july)
	require.NoError(t, err)
	assert.Equal(t, int64(25), pro.Amount)

	for _, id := range []string{"inactive", "idle"} {
		inv, err := store.GetInvoiceBySubjectMonth(ctx, id, july)
		require.NoError(t, err)
		assert.Nil(t, inv, id)
	}
}

func TestGenerator_RunForPeriod_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	seed(t, store, "s1", "BASIC", meter.SubjectStatusActive, 10)
	seed(t, store, "s2", "BASIC", meter.SubjectStatusActive, 10)

	generator := newGenerator(store, store)

	first, err := generator.RunForPeriod(ctx, july)
	require.NoError(t, err)
	assert.Equal(t, 2, first.InvoicesCreated)

	second, err := generator.RunForPeriod(ctx, july)
	require.NoError(t, err)
	assert.Zero(t, second.InvoicesCreated)
	assert.Empty(t, second.InvoiceIDs)
	assert.Equal(t, 2, second.Skipped)
}

func TestGenerator_RunForPeriod_FailureIsolation(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	seed(t, store, "a", "BASIC", meter.SubjectStatusActive, 10)
	seed(t, store, "b", "BASIC", meter.SubjectStatusActive, 10)
	seed(t, store, "c", "BASIC", meter.SubjectStatusActive, 10)

	var logBuf bytes.Buffer
	generator := newGenerator(
		store,
		&flakyInvoices{Store: store, failFor: "b"},
		billing.WithLogger(log.NewLogger(log.WithOutput(&logBuf))),
	)

	report, err := generator.RunForPeriod(ctx, july)
	require.NoError(t, err)
	assert.Equal(t, 2, report.InvoicesCreated)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "b", report.Failures[0].SubjectID)
	assert.Contains(t, report.Failures[0].Error, "deadlock detected")
	assert.Contains(t, logBuf.String(), "cannot create invoice")

	retry, err := newGenerator(store, store).RunForPeriod(ctx, july)
	require.NoError(t, err)
	assert.Equal(t, 1, retry.InvoicesCreated)
	assert.Equal(t, 2, retry.Skipped)
}

func TestGenerator_RunForPeriod_NotClosed(t *testing.T) {
	generator := newGenerator(memstore.New(), memstore.New())

	for _, m := range []period.Month{period.MonthOf(now), period.MonthOf(now).Next()} {
		_, err := generator.RunForPeriod(context.Background(), m)
		assert.ErrorIs(t, err, meter.ErrPeriodNotClosed, m.String())
	}
}

func TestGenerator_Pricing(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	seed(t, store, "legacy", "LEGACY", meter.SubjectStatusActive, 1500)
	seed(t, store, "unknown", "GOLD", meter.SubjectStatusActive, 1500)
	seed(t, store, "free", "FREE", meter.SubjectStatusActive, 1500)

	generator := newGenerator(
		store,
		store,
		billing.WithDefaultPricePerThousand(7),
		billing.WithCurrency("EUR"),
		billing.WithDueAfter(14*24*time.Hour),
	)

	_, err := generator.SetPricingTier(ctx, billing.PricingTier{Name: "LEGACY", PricePerThousand: 99, Active: false})
	require.NoError(t, err)

	_, err = generator.RunForPeriod(ctx, july)
	require.NoError(t, err)

	expected := map[string]int64{"legacy": 14, "unknown": 14, "free": 0}
	for id, amount := range expected {
		inv, err := store.GetInvoiceBySubjectMonth(ctx, id, july)
		require.NoError(t, err)
		require.NotNil(t, inv, id)
		assert.Equal(t, amount, inv.Amount, id)
		assert.Equal(t, "EUR", inv.Currency)
		assert.Equal(t, now.Add(14*24*time.Hour), inv.DueDate)
	}
}

func TestGenerator_Transitions(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	seed(t, store, "s1", "BASIC", meter.SubjectStatusActive, 10)
	seed(t, store, "s2", "BASIC", meter.SubjectStatusActive, 10)

	generator := newGenerator(store, store)
	report, err := generator.RunForPeriod(ctx, july)
	require.NoError(t, err)
	require.Len(t, report.InvoiceIDs, 2)

	paidID, overdueID := report.InvoiceIDs[0], report.InvoiceIDs[1]

	paid, err := generator.MarkPaid(ctx, paidID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)
	assert.Equal(t, now, *paid.PaidAt)

	_, err = generator.MarkOverdue(ctx, paidID)
	assert.ErrorIs(t, err, meter.ErrInvalidTransition)

	_, err = generator.MarkPaid(ctx, paidID)
	assert.ErrorIs(t, err, meter.ErrInvalidTransition)

	overdue, err := generator.MarkOverdue(ctx, overdueID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusOverdue, overdue.Status)

	paid, err = generator.MarkPaid(ctx, overdueID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPaid, paid.Status)

	_, err = generator.MarkPaid(ctx, "missing")
	assert.ErrorIs(t, err, meter.ErrInvoiceNotFound)

	_, err = generator.MarkOverdue(ctx, "missing")
	assert.ErrorIs(t, err, meter.ErrInvoiceNotFound)
}

func TestGenerator_SweepOverdue(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	seed(t, store, "s1", "BASIC", meter.SubjectStatusActive, 10)
	seed(t, store, "s2", "BASIC", meter.SubjectStatusActive, 10)
	seed(t, store, "s3", "BASIC", meter.SubjectStatusActive, 10)

	report, err := newGenerator(store, store).RunForPeriod(ctx, july)
	require.NoError(t, err)
	require.Len(t, report.InvoiceIDs, 3)

	later := newGenerator(
		store,
		store,
		billing.WithClock(func() time.Time { return now.AddDate(0, 0, 31) }),
	)

	_, err = later.MarkPaid(ctx, report.InvoiceIDs[0])
	require.NoError(t, err)

	sweep, err := later.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sweep.Marked)
	assert.ElementsMatch(t, report.InvoiceIDs[1:], sweep.InvoiceIDs)
	assert.Empty(t, sweep.Failures)

	again, err := later.SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Marked)

	early, err := newGenerator(store, store).SweepOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, early.Marked)
}

func TestGenerator_PricingTiers(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	seed(t, store, "pro", "PRO", meter.SubjectStatusActive, 1000)
	generator := newGenerator(store, store)

	tiers, err := generator.PricingTiers(ctx)
	require.NoError(t, err)
	require.Len(t, tiers, len(memstore.DefaultPricingTiers))
	assert.Equal(t, "BASIC", tiers[0].Name)

	tier, err := generator.SetPricingTier(ctx, billing.PricingTier{Name: "PRO", PricePerThousand: 40, Active: true})
	require.NoError(t, err)
	assert.Equal(t, int64(40), tier.PricePerThousand)

	for _, invalid := range []billing.PricingTier{
		{Name: "", PricePerThousand: 1},
		{Name: "CHEAP", PricePerThousand: -1},
	} {
		_, err := generator.SetPricingTier(ctx, invalid)
		assert.ErrorIs(t, err, meter.ErrInvalidArgument)
	}

	report, err := generator.RunForPeriod(ctx, july)
	require.NoError(t, err)
	require.Len(t, report.InvoiceIDs, 1)

	inv, err := generator.Invoice(ctx, report.InvoiceIDs[0])
	require.NoError(t, err)
	assert.Equal(t, int64(40), inv.Amount)
}

func TestGenerator_Invoices(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	require.NoError(t, store.CreateSubject(ctx, &meter.Subject{ID: "acme", Status: meter.SubjectStatusActive, PricingTier: "BASIC"}))

	generator := newGenerator(store, store)

	months := []period.Month{
		period.NewMonth(2024, time.April),
		period.NewMonth(2024, time.May),
		period.NewMonth(2024, time.June),
		july,
	}
	for _, m := range months {
		_, err := store.ApplyCall(ctx, "acme", m, true, 5)
		require.NoError(t, err)

		_, err = generator.RunForPeriod(ctx, m)
		require.NoError(t, err)
	}

	page, err := generator.Invoices(ctx, "acme", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, july, page[0].Month)
	assert.Equal(t, period.NewMonth(2024, time.June), page[1].Month)

	page, err = generator.Invoices(ctx, "acme", 2, 3)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, period.NewMonth(2024, time.April), page[0].Month)

	page, err = generator.Invoices(ctx, "acme", 2, 10)
	require.NoError(t, err)
	assert.Empty(t, page)

	_, err = generator.Invoices(ctx, "acme", 0, 0)
	assert.ErrorIs(t, err, meter.ErrInvalidArgument)

	_, err = generator.Invoices(ctx, "acme", 10, -1)
	assert.ErrorIs(t, err, meter.ErrInvalidArgument)

	_, err = generator.Invoice(ctx, "missing")
	assert.ErrorIs(t, err, meter.ErrInvoiceNotFound)
}
