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

// Package billing turns the usage of a closed month into invoices and
// drives their status.
package billing

import (
	"context"
	"fmt"
	"time"

	"go.gearno.de/meter"
	"go.gearno.de/meter/period"
)

type (
	// Status is the payment state of an invoice.
	Status string

	// Invoice bills the calls of one subject during one month. There
	// is at most one invoice per (SubjectID, Month).
	Invoice struct {
		ID         string       `json:"id"`
		SubjectID  string       `json:"subject_id"`
		Month      period.Month `json:"month"`
		TotalCalls int64        `json:"total_calls"`

		// Amount is expressed in minor units of Currency.
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`

		Status    Status     `json:"status"`
		DueDate   time.Time  `json:"due_date"`
		PaidAt    *time.Time `json:"paid_at,omitempty"`
		CreatedAt time.Time  `json:"created_at"`
	}

	// Billable is the usage of an active subject with at least one
	// call in a month.
	Billable struct {
		SubjectID   string
		PricingTier string
		TotalCalls  int64
	}

	// PricingTier prices the calls of the subjects assigned to it.
	// An inactive tier is billed at the default price of the
	// generator.
	PricingTier struct {
		Name             string `json:"name"`
		PricePerThousand int64  `json:"price_per_thousand"`
		Active           bool   `json:"active"`
	}

	// UsageSource lists what a month owes.
	UsageSource interface {
		// ListBillable returns the summaries of month whose subject
		// is active and which have at least one call.
		ListBillable(ctx context.Context, month period.Month) ([]Billable, error)
	}

	InvoiceStore interface {
		// CreateInvoice returns meter.ErrInvoiceExists when the
		// subject already has an invoice for the month.
		CreateInvoice(ctx context.Context, inv *Invoice) error

		// GetInvoice returns meter.ErrInvoiceNotFound for an unknown
		// id.
		GetInvoice(ctx context.Context, id string) (*Invoice, error)

		// GetInvoiceBySubjectMonth returns nil and no error when the
		// subject has no invoice for month.
		GetInvoiceBySubjectMonth(ctx context.Context, subjectID string, month period.Month) (*Invoice, error)

		// UpdateInvoiceStatus moves the invoice from status from to
		// status to. It returns meter.ErrInvalidTransition when the
		// invoice is no longer in status from.
		UpdateInvoiceStatus(ctx context.Context, id string, from, to Status, paidAt *time.Time) (*Invoice, error)

		// ListOverdue returns the pending invoices due before now.
		ListOverdue(ctx context.Context, now time.Time) ([]*Invoice, error)

		// ListInvoices returns at most limit invoices of subjectID
		// after skipping offset, latest month first.
		ListInvoices(ctx context.Context, subjectID string, limit, offset int) ([]*Invoice, error)
	}

	PricingStore interface {
		// GetPricingTier returns meter.ErrPricingTierNotFound for an
		// unknown name.
		GetPricingTier(ctx context.Context, name string) (*PricingTier, error)

		// ListPricingTiers returns every tier ordered by name.
		ListPricingTiers(ctx context.Context) ([]*PricingTier, error)

		// PutPricingTier creates the tier or replaces the price and
		// active flag of the tier with the same name.
		PutPricingTier(ctx context.Context, tier PricingTier) error
	}
)

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusOverdue Status = "overdue"
)

var transitions = map[Status][]Status{
	StatusPending: {StatusPaid, StatusOverdue},
	StatusOverdue: {StatusPaid},
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusOverdue:
		return true
	}

	return false
}

// CanTransitionTo reports whether an invoice in status s may move to
// next. Paid is final.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// ValidateTransition is CanTransitionTo as an error.
func ValidateTransition(from, to Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s to %s", meter.ErrInvalidTransition, from, to)
	}

	return nil
}

// Amount returns ceil(totalCalls / 1000) * pricePerThousand, never
// below zero.
func Amount(totalCalls, pricePerThousand int64) int64 {
	if totalCalls <= 0 || pricePerThousand <= 0 {
		return 0
	}

	thousands := (totalCalls + 999) / 1000

	return thousands * pricePerThousand
}

// Validate reports whether t can be stored.
func (t PricingTier) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: pricing tier name is required", meter.ErrInvalidArgument)
	}

	if t.PricePerThousand < 0 {
		return fmt.Errorf("%w: price per thousand must not be negative", meter.ErrInvalidArgument)
	}

	return nil
}
