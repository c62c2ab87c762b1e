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

// Package memstore keeps subjects, counters, usage and invoices in
// memory. Every method holds one mutex for its whole duration, which
// makes each of them atomic like the statements of the PostgreSQL
// store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.gearno.de/meter"
	"go.gearno.de/meter/billing"
	"go.gearno.de/meter/period"
	"go.gearno.de/meter/ratelimit"
	"go.gearno.de/meter/usage"
)

type (
	Store struct {
		mu    sync.Mutex
		clock meter.Clock

		subjects  map[string]*meter.Subject
		prefixes  map[string]string
		counters  map[counterKey]int64
		summaries map[summaryKey]*usage.Summary
		events    []usage.Event
		eventIDs  map[string]struct{}
		invoices  map[string]*billing.Invoice
		invoiced  map[summaryKey]string
		tiers     map[string]*billing.PricingTier
	}

	Option func(*Store)

	counterKey struct {
		subjectID   string
		windowStart int64
	}

	summaryKey struct {
		subjectID string
		month     period.Month
	}
)

var (
	_ ratelimit.CounterStore = (*Store)(nil)
	_ ratelimit.SubjectStore = (*Store)(nil)
	_ usage.Store            = (*Store)(nil)
	_ billing.UsageSource    = (*Store)(nil)
	_ billing.InvoiceStore   = (*Store)(nil)
	_ billing.PricingStore   = (*Store)(nil)
)

// DefaultPricingTiers are the tiers every new store starts with.
var DefaultPricingTiers = []billing.PricingTier{
	{Name: "FREE", PricePerThousand: 0, Active: true},
	{Name: "BASIC", PricePerThousand: 10, Active: true},
	{Name: "PRO", PricePerThousand: 25, Active: true},
	{Name: "ENTERPRISE", PricePerThousand: 50, Active: true},
}

// WithClock sets the clock used for created and updated timestamps.
func WithClock(c meter.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

func New(options ...Option) *Store {
	s := &Store{
		clock:     meter.SystemClock,
		subjects:  make(map[string]*meter.Subject),
		prefixes:  make(map[string]string),
		counters:  make(map[counterKey]int64),
		summaries: make(map[summaryKey]*usage.Summary),
		eventIDs:  make(map[string]struct{}),
		invoices:  make(map[string]*billing.Invoice),
		invoiced:  make(map[summaryKey]string),
		tiers:     make(map[string]*billing.PricingTier),
	}

	for _, t := range DefaultPricingTiers {
		s.tiers[t.Name] = &t
	}

	for _, o := range options {
		o(s)
	}

	return s
}

func copySubject(s *meter.Subject) *meter.Subject {
	c := *s
	c.APIKeyHash = append([]byte(nil), s.APIKeyHash...)
	return &c
}

func copyInvoice(inv *billing.Invoice) *billing.Invoice {
	c := *inv
	if inv.PaidAt != nil {
		paidAt := *inv.PaidAt
		c.PaidAt = &paidAt
	}
	return &c
}

func (s *Store) CreateSubject(_ context.Context, subject *meter.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subjects[subject.ID]; ok {
		return fmt.Errorf("%w: id %q", meter.ErrSubjectExists, subject.ID)
	}

	if subject.APIKeyPrefix != "" {
		if _, ok := s.prefixes[subject.APIKeyPrefix]; ok {
			return fmt.Errorf("%w: api key prefix", meter.ErrSubjectExists)
		}
	}

	now := s.clock()
	c := copySubject(subject)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	s.subjects[c.ID] = c
	if c.APIKeyPrefix != "" {
		s.prefixes[c.APIKeyPrefix] = c.ID
	}

	subject.CreatedAt = c.CreatedAt
	subject.UpdatedAt = c.UpdatedAt

	return nil
}

func (s *Store) GetSubject(_ context.Context, id string) (*meter.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subject, ok := s.subjects[id]
	if !ok {
		return nil, meter.ErrSubjectNotFound
	}

	return copySubject(subject), nil
}

func (s *Store) GetSubjectByAPIKeyPrefix(_ context.Context, prefix string) (*meter.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.prefixes[prefix]
	if !ok {
		return nil, meter.ErrSubjectNotFound
	}

	return copySubject(s.subjects[id]), nil
}

func (s *Store) UpdateRateLimit(_ context.Context, id string, limit, windowSeconds int) (*meter.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subject, ok := s.subjects[id]
	if !ok {
		return nil, meter.ErrSubjectNotFound
	}

	subject.RateLimit = limit
	subject.RateLimitWindow = windowSeconds
	subject.UpdatedAt = s.clock()

	return copySubject(subject), nil
}

func (s *Store) SetSubjectStatus(_ context.Context, id string, status meter.SubjectStatus) (*meter.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subject, ok := s.subjects[id]
	if !ok {
		return nil, meter.ErrSubjectNotFound
	}

	subject.Status = status
	subject.UpdatedAt = s.clock()

	return copySubject(subject), nil
}

func (s *Store) GetOrCreate(_ context.Context, subjectID string, windowStart time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := counterKey{subjectID, windowStart.Unix()}
	count, ok := s.counters[key]
	if !ok {
		s.counters[key] = 0
	}

	return count, nil
}

func (s *Store) Increment(_ context.Context, subjectID string, windowStart time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := counterKey{subjectID, windowStart.Unix()}
	s.counters[key]++

	return s.counters[key], nil
}

func (s *Store) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key := range s.counters {
		if key.windowStart < cutoff.Unix() {
			delete(s.counters, key)
			deleted++
		}
	}

	return deleted, nil
}

func (s *Store) StatsSince(_ context.Context, since time.Time) ([]ratelimit.SubjectStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySubject := make(map[string]*ratelimit.SubjectStats)
	for key, count := range s.counters {
		if key.windowStart < since.Unix() {
			continue
		}

		st, ok := bySubject[key.subjectID]
		if !ok {
			st = &ratelimit.SubjectStats{SubjectID: key.subjectID}
			bySubject[key.subjectID] = st
		}

		st.TotalRequests += count
		st.MaxPerWindow = max(st.MaxPerWindow, count)
		st.Windows++
	}

	stats := make([]ratelimit.SubjectStats, 0, len(bySubject))
	for _, st := range bySubject {
		stats = append(stats, *st)
	}

	sort.Slice(
		stats,
		func(i, j int) bool {
			if stats[i].TotalRequests != stats[j].TotalRequests {
				return stats[i].TotalRequests > stats[j].TotalRequests
			}
			return stats[i].SubjectID < stats[j].SubjectID
		},
	)

	return stats, nil
}

func (s *Store) ApplyCall(
	_ context.Context,
	subjectID string,
	month period.Month,
	success bool,
	latencyMs float64,
) (*usage.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.applyCall(subjectID, month, success, latencyMs), nil
}

func (s *Store) applyCall(subjectID string, month period.Month, success bool, latencyMs float64) *usage.Summary {
	key := summaryKey{subjectID, month}

	next := s.summaries[key].Apply(success, latencyMs)
	next.SubjectID = subjectID
	next.Month = month
	s.summaries[key] = next

	c := *next
	return &c
}

// RecordCall checks every precondition before mutating anything, so a
// failed call leaves both the event log and the summary untouched.
func (s *Store) RecordCall(_ context.Context, e *usage.Event, success bool) (*usage.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.eventIDs[e.ID]; ok {
		return nil, fmt.Errorf("%w: %q", meter.ErrUsageEventExists, e.ID)
	}

	s.eventIDs[e.ID] = struct{}{}
	s.events = append(s.events, *e)

	return s.applyCall(e.SubjectID, period.MonthOf(e.Timestamp), success, e.LatencyMs), nil
}

func (s *Store) ListEvents(
	_ context.Context,
	subjectID string,
	since time.Time,
	limit int,
) ([]*usage.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []*usage.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if e.SubjectID != subjectID || e.Timestamp.Before(since) {
			continue
		}

		events = append(events, &e)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})

	if len(events) > limit {
		events = events[:limit]
	}

	return events, nil
}

func (s *Store) GetSummary(_ context.Context, subjectID string, month period.Month) (*usage.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary, ok := s.summaries[summaryKey{subjectID, month}]
	if !ok {
		return nil, nil
	}

	c := *summary
	return &c, nil
}

func (s *Store) ListBillable(_ context.Context, month period.Month) ([]billing.Billable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var billables []billing.Billable
	for key, summary := range s.summaries {
		if key.month != month || summary.TotalCalls <= 0 {
			continue
		}

		subject, ok := s.subjects[key.subjectID]
		if !ok || !subject.IsActive() {
			continue
		}

		billables = append(
			billables,
			billing.Billable{
				SubjectID:   key.subjectID,
				PricingTier: subject.PricingTier,
				TotalCalls:  summary.TotalCalls,
			},
		)
	}

	sort.Slice(
		billables,
		func(i, j int) bool {
			return billables[i].SubjectID < billables[j].SubjectID
		},
	)

	return billables, nil
}

func (s *Store) CreateInvoice(_ context.Context, inv *billing.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := summaryKey{inv.SubjectID, inv.Month}
	if _, ok := s.invoiced[key]; ok {
		return fmt.Errorf("%w: subject %q month %s", meter.ErrInvoiceExists, inv.SubjectID, inv.Month)
	}

	s.invoices[inv.ID] = copyInvoice(inv)
	s.invoiced[key] = inv.ID

	return nil
}

func (s *Store) GetInvoice(_ context.Context, id string) (*billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[id]
	if !ok {
		return nil, meter.ErrInvoiceNotFound
	}

	return copyInvoice(inv), nil
}

func (s *Store) GetInvoiceBySubjectMonth(_ context.Context, subjectID string, month period.Month) (*billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.invoiced[summaryKey{subjectID, month}]
	if !ok {
		return nil, nil
	}

	return copyInvoice(s.invoices[id]), nil
}

func (s *Store) UpdateInvoiceStatus(
	_ context.Context,
	id string,
	from, to billing.Status,
	paidAt *time.Time,
) (*billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[id]
	if !ok {
		return nil, meter.ErrInvoiceNotFound
	}

	if inv.Status != from {
		return nil, fmt.Errorf("%w: invoice is %s, not %s", meter.ErrInvalidTransition, inv.Status, from)
	}

	inv.Status = to
	if paidAt != nil {
		t := *paidAt
		inv.PaidAt = &t
	}

	return copyInvoice(inv), nil
}

func (s *Store) ListOverdue(_ context.Context, now time.Time) ([]*billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var invoices []*billing.Invoice
	for _, inv := range s.invoices {
		if inv.Status == billing.StatusPending && inv.DueDate.Before(now) {
			invoices = append(invoices, copyInvoice(inv))
		}
	}

	sort.Slice(
		invoices,
		func(i, j int) bool {
			return invoices[i].DueDate.Before(invoices[j].DueDate)
		},
	)

	return invoices, nil
}

func (s *Store) ListInvoices(_ context.Context, subjectID string, limit, offset int) ([]*billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var invoices []*billing.Invoice
	for _, inv := range s.invoices {
		if inv.SubjectID == subjectID {
			invoices = append(invoices, copyInvoice(inv))
		}
	}

	sort.Slice(
		invoices,
		func(i, j int) bool {
			return invoices[j].Month.Before(invoices[i].Month)
		},
	)

	if offset >= len(invoices) {
		return nil, nil
	}

	invoices = invoices[offset:]
	if len(invoices) > limit {
		invoices = invoices[:limit]
	}

	return invoices, nil
}

func (s *Store) GetPricingTier(_ context.Context, name string) (*billing.PricingTier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tier, ok := s.tiers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", meter.ErrPricingTierNotFound, name)
	}

	c := *tier
	return &c, nil
}

func (s *Store) ListPricingTiers(_ context.Context) ([]*billing.PricingTier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tiers := make([]*billing.PricingTier, 0, len(s.tiers))
	for _, t := range s.tiers {
		c := *t
		tiers = append(tiers, &c)
	}

	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Name < tiers[j].Name })

	return tiers, nil
}

func (s *Store) PutPricingTier(_ context.Context, tier billing.PricingTier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tiers[tier.Name] = &tier

	return nil
}
