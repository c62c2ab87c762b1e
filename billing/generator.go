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

package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/crypto/uuid"
	"go.gearno.de/meter"
	"go.gearno.de/meter/internal/promutil"
	"go.gearno.de/meter/internal/version"
	"go.gearno.de/meter/log"
	"go.gearno.de/meter/period"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	Option func(g *Generator)

	// Generator creates the invoices of closed months and moves
	// invoices through their statuses.
	Generator struct {
		usage    UsageSource
		invoices InvoiceStore
		pricing  PricingStore

		currency     string
		defaultPrice int64
		dueAfter     time.Duration

		clock  meter.Clock
		logger *log.Logger
		tracer trace.Tracer

		invoicesTotal *prometheus.CounterVec
	}

	// Failure is a subject or invoice a batch could not process.
	Failure struct {
		SubjectID string `json:"subject_id,omitempty"`
		InvoiceID string `json:"invoice_id,omitempty"`
		Error     string `json:"error"`
	}

	// RunReport summarizes one RunForPeriod. Skipped counts the
	// subjects already invoiced for the period.
	RunReport struct {
		Period          period.Month `json:"period"`
		InvoicesCreated int          `json:"invoices_created"`
		InvoiceIDs      []string     `json:"invoice_ids"`
		Skipped         int          `json:"skipped"`
		Failures        []Failure    `json:"failures"`
	}

	// SweepReport lists the invoices SweepOverdue marked overdue.
	SweepReport struct {
		Marked     int       `json:"marked"`
		InvoiceIDs []string  `json:"invoice_ids"`
		Failures   []Failure `json:"failures"`
	}
)

const (
	tracerName = "go.gearno.de/meter/billing"

	DefaultCurrency         = "INR"
	DefaultPricePerThousand = 10
	DefaultDueAfter         = 30 * 24 * time.Hour

	DefaultInvoicesLimit = 20
	MaxInvoicesLimit     = 100
)

// WithLogger sets a custom logger for the generator.
func WithLogger(l *log.Logger) Option {
	return func(g *Generator) {
		g.logger = l.Named("billing")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Generator) {
		g.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.New(0).Alpha(1)),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(g *Generator) {
		g.registerMetrics(r)
	}
}

// WithClock replaces the wall clock.
func WithClock(c meter.Clock) Option {
	return func(g *Generator) {
		g.clock = c
	}
}

// WithCurrency sets the currency of new invoices.
func WithCurrency(c string) Option {
	return func(g *Generator) {
		g.currency = c
	}
}

// WithDefaultPricePerThousand sets the price used when the pricing
// tier of a subject is unknown or inactive.
func WithDefaultPricePerThousand(p int64) Option {
	return func(g *Generator) {
		g.defaultPrice = p
	}
}

// WithDueAfter sets the delay between creation and due date.
func WithDueAfter(d time.Duration) Option {
	return func(g *Generator) {
		g.dueAfter = d
	}
}

// NewGenerator returns a generator reading usage from usage, writing
// invoices to invoices and pricing them with pricing.
func NewGenerator(
	usage UsageSource,
	invoices InvoiceStore,
	pricing PricingStore,
	options ...Option,
) *Generator {
	g := &Generator{
		usage:        usage,
		invoices:     invoices,
		pricing:      pricing,
		currency:     DefaultCurrency,
		defaultPrice: DefaultPricePerThousand,
		dueAfter:     DefaultDueAfter,
		clock:        meter.SystemClock,
		logger:       log.NewLogger(log.WithOutput(io.Discard)),
		tracer:       otel.GetTracerProvider().Tracer(tracerName),
	}

	g.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(g)
	}

	return g
}

func (g *Generator) registerMetrics(r prometheus.Registerer) {
	g.invoicesTotal = promutil.Register(
		r,
		prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: "billing",
				Name:      "invoices_total",
				Help:      "Total number of invoice operations by result.",
			},
			[]string{"operation", "result"},
		),
	)
}

func (g *Generator) startSpan(
	ctx context.Context,
	name string,
	attrs ...attribute.KeyValue,
) (context.Context, trace.Span) {
	if !trace.SpanFromContext(ctx).IsRecording() {
		return ctx, nil
	}

	return g.tracer.Start(
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

// RunForPeriod creates one pending invoice per billable subject of
// month. Subjects already invoiced for month are skipped, so running
// it again creates nothing. A failing subject is logged and reported
// without stopping the batch.
//
// month must be over: the current or a future month is rejected with
// meter.ErrPeriodNotClosed as its usage is still growing.
func (g *Generator) RunForPeriod(ctx context.Context, month period.Month) (_ *RunReport, err error) {
	ctx, span := g.startSpan(
		ctx,
		"billing.RunForPeriod",
		attribute.String("billing.period", month.String()),
	)
	defer func() { endSpan(span, err) }()

	now := g.clock()
	if !month.Before(period.MonthOf(now)) {
		return nil, fmt.Errorf("%w: %s is not over", meter.ErrPeriodNotClosed, month)
	}

	billables, err := g.usage.ListBillable(ctx, month)
	if err != nil {
		return nil, meter.Persistence("list billable usage", err)
	}

	report := &RunReport{
		Period:     month,
		InvoiceIDs: []string{},
		Failures:   []Failure{},
	}

	logger := g.logger.With(log.Stringer("period", month))
	logger.InfoCtx(ctx, "invoice run started", log.Int("billable_subjects", len(billables)))

	for _, b := range billables {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		inv, err := g.invoice(ctx, month, b, now)
		switch {
		case err != nil:
			logger.ErrorCtx(
				ctx,
				"cannot create invoice",
				log.String("subject_id", b.SubjectID),
				log.Error(err),
			)
			g.invoicesTotal.WithLabelValues("create", "failed").Inc()
			report.Failures = append(
				report.Failures,
				Failure{SubjectID: b.SubjectID, Error: err.Error()},
			)
		case inv == nil:
			g.invoicesTotal.WithLabelValues("create", "skipped").Inc()
			report.Skipped++
		default:
			g.invoicesTotal.WithLabelValues("create", "created").Inc()
			report.InvoicesCreated++
			report.InvoiceIDs = append(report.InvoiceIDs, inv.ID)
		}
	}

	if span != nil {
		span.SetAttributes(
			attribute.Int("billing.invoices_created", report.InvoicesCreated),
			attribute.Int("billing.skipped", report.Skipped),
			attribute.Int("billing.failures", len(report.Failures)),
		)
	}

	logger.InfoCtx(
		ctx,
		"invoice run completed",
		log.Int("invoices_created", report.InvoicesCreated),
		log.Int("skipped", report.Skipped),
		log.Int("failures", len(report.Failures)),
	)

	return report, nil
}

// invoice creates the invoice of b. It returns nil and no error when
// the subject is already invoiced for month.
func (g *Generator) invoice(
	ctx context.Context,
	month period.Month,
	b Billable,
	now time.Time,
) (*Invoice, error) {
	existing, err := g.invoices.GetInvoiceBySubjectMonth(ctx, b.SubjectID, month)
	if err != nil {
		return nil, meter.Persistence("load existing invoice", err)
	}

	if existing != nil {
		return nil, nil
	}

	price, err := g.pricePerThousand(ctx, b.PricingTier)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("cannot generate invoice id: %w", err)
	}

	inv := &Invoice{
		ID:         id.String(),
		SubjectID:  b.SubjectID,
		Month:      month,
		TotalCalls: b.TotalCalls,
		Amount:     Amount(b.TotalCalls, price),
		Currency:   g.currency,
		Status:     StatusPending,
		DueDate:    now.Add(g.dueAfter),
		CreatedAt:  now,
	}

	if err := g.invoices.CreateInvoice(ctx, inv); err != nil {
		// Another run created it between the lookup and the insert.
		if errors.Is(err, meter.ErrInvoiceExists) {
			return nil, nil
		}

		return nil, meter.Persistence("create invoice", err)
	}

	return inv, nil
}

func (g *Generator) pricePerThousand(ctx context.Context, tierName string) (int64, error) {
	if tierName == "" {
		return g.defaultPrice, nil
	}

	tier, err := g.pricing.GetPricingTier(ctx, tierName)
	if err != nil {
		if errors.Is(err, meter.ErrPricingTierNotFound) {
			g.logger.WarnCtx(
				ctx,
				"unknown pricing tier, using default price",
				log.String("pricing_tier", tierName),
			)
			return g.defaultPrice, nil
		}

		return 0, meter.Persistence("load pricing tier", err)
	}

	if !tier.Active {
		return g.defaultPrice, nil
	}

	return tier.PricePerThousand, nil
}

// MarkPaid moves an invoice to paid and stamps its payment time.
func (g *Generator) MarkPaid(ctx context.Context, id string) (*Invoice, error) {
	return g.transition(ctx, "billing.MarkPaid", id, StatusPaid)
}

// MarkOverdue moves a pending invoice to overdue. A paid invoice is
// never overdue and fails with meter.ErrInvalidTransition.
func (g *Generator) MarkOverdue(ctx context.Context, id string) (*Invoice, error) {
	return g.transition(ctx, "billing.MarkOverdue", id, StatusOverdue)
}

func (g *Generator) transition(
	ctx context.Context,
	spanName string,
	id string,
	to Status,
) (_ *Invoice, err error) {
	ctx, span := g.startSpan(
		ctx,
		spanName,
		attribute.String("billing.invoice_id", id),
	)
	defer func() { endSpan(span, err) }()

	inv, err := g.invoices.GetInvoice(ctx, id)
	if err != nil {
		if errors.Is(err, meter.ErrInvoiceNotFound) {
			return nil, err
		}

		return nil, meter.Persistence("load invoice", err)
	}

	if err := ValidateTransition(inv.Status, to); err != nil {
		return nil, err
	}

	var paidAt *time.Time
	if to == StatusPaid {
		now := g.clock()
		paidAt = &now
	}

	updated, err := g.invoices.UpdateInvoiceStatus(ctx, id, inv.Status, to, paidAt)
	if err != nil {
		if errors.Is(err, meter.ErrInvoiceNotFound) || errors.Is(err, meter.ErrInvalidTransition) {
			return nil, err
		}

		return nil, meter.Persistence("update invoice status", err)
	}

	g.invoicesTotal.WithLabelValues(string(to), "updated").Inc()

	g.logger.InfoCtx(
		ctx,
		"invoice status updated",
		log.String("invoice_id", id),
		log.String("from", string(inv.Status)),
		log.String("to", string(to)),
	)

	return updated, nil
}

// Invoice returns the invoice id, or meter.ErrInvoiceNotFound.
func (g *Generator) Invoice(ctx context.Context, id string) (_ *Invoice, err error) {
	ctx, span := g.startSpan(
		ctx,
		"billing.Invoice",
		attribute.String("billing.invoice_id", id),
	)
	defer func() { endSpan(span, err) }()

	inv, err := g.invoices.GetInvoice(ctx, id)
	if err != nil {
		if errors.Is(err, meter.ErrInvoiceNotFound) {
			return nil, err
		}

		return nil, meter.Persistence("load invoice", err)
	}

	return inv, nil
}

// Invoices pages through the invoices of subjectID, latest month
// first. limit must be within 1 and MaxInvoicesLimit.
func (g *Generator) Invoices(
	ctx context.Context,
	subjectID string,
	limit int,
	offset int,
) (_ []*Invoice, err error) {
	ctx, span := g.startSpan(
		ctx,
		"billing.Invoices",
		attribute.String("billing.subject_id", subjectID),
		attribute.Int("billing.limit", limit),
		attribute.Int("billing.offset", offset),
	)
	defer func() { endSpan(span, err) }()

	if limit < 1 || limit > MaxInvoicesLimit {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", meter.ErrInvalidArgument, MaxInvoicesLimit)
	}

	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", meter.ErrInvalidArgument)
	}

	invoices, err := g.invoices.ListInvoices(ctx, subjectID, limit, offset)
	if err != nil {
		return nil, meter.Persistence("list invoices", err)
	}

	return invoices, nil
}

func (g *Generator) PricingTiers(ctx context.Context) (_ []*PricingTier, err error) {
	ctx, span := g.startSpan(ctx, "billing.PricingTiers")
	defer func() { endSpan(span, err) }()

	tiers, err := g.pricing.ListPricingTiers(ctx)
	if err != nil {
		return nil, meter.Persistence("list pricing tiers", err)
	}

	return tiers, nil
}

// SetPricingTier creates or updates a tier. The new price applies to
// invoices generated afterwards; existing invoices keep their amount.
func (g *Generator) SetPricingTier(ctx context.Context, tier PricingTier) (_ *PricingTier, err error) {
	ctx, span := g.startSpan(
		ctx,
		"billing.SetPricingTier",
		attribute.String("billing.pricing_tier", tier.Name),
	)
	defer func() { endSpan(span, err) }()

	if err := tier.Validate(); err != nil {
		return nil, err
	}

	if err := g.pricing.PutPricingTier(ctx, tier); err != nil {
		return nil, meter.Persistence("put pricing tier", err)
	}

	g.logger.InfoCtx(
		ctx,
		"pricing tier updated",
		log.String("pricing_tier", tier.Name),
		log.Int64("price_per_thousand", tier.PricePerThousand),
		log.Bool("active", tier.Active),
	)

	return &tier, nil
}

// SweepOverdue marks overdue every pending invoice whose due date has
// passed. Invoices paid while the sweep runs are left alone.
func (g *Generator) SweepOverdue(ctx context.Context) (_ *SweepReport, err error) {
	ctx, span := g.startSpan(ctx, "billing.SweepOverdue")
	defer func() { endSpan(span, err) }()

	due, err := g.invoices.ListOverdue(ctx, g.clock())
	if err != nil {
		return nil, meter.Persistence("list overdue invoices", err)
	}

	report := &SweepReport{
		InvoiceIDs: []string{},
		Failures:   []Failure{},
	}

	for _, inv := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if _, err := g.MarkOverdue(ctx, inv.ID); err != nil {
			if errors.Is(err, meter.ErrInvalidTransition) {
				continue
			}

			g.logger.ErrorCtx(
				ctx,
				"cannot mark invoice overdue",
				log.String("invoice_id", inv.ID),
				log.Error(err),
			)
			report.Failures = append(
				report.Failures,
				Failure{InvoiceID: inv.ID, SubjectID: inv.SubjectID, Error: err.Error()},
			)
			continue
		}

		report.Marked++
		report.InvoiceIDs = append(report.InvoiceIDs, inv.ID)
	}

	g.logger.InfoCtx(
		ctx,
		"overdue sweep completed",
		log.Int("marked", report.Marked),
		log.Int("failures", len(report.Failures)),
	)

	return report, nil
}
