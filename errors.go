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

package meter

import (
	"errors"
	"fmt"
)

var (
	ErrSubjectNotFound     = errors.New("meter: subject not found")
	ErrSubjectInactive     = errors.New("meter: subject is not active")
	ErrSubjectExists       = errors.New("meter: subject already exists")
	ErrUsageEventExists    = errors.New("meter: usage event already exists")
	ErrInvoiceNotFound     = errors.New("meter: invoice not found")
	ErrInvoiceExists       = errors.New("meter: invoice already exists")
	ErrInvalidTransition   = errors.New("meter: invalid invoice status transition")
	ErrPeriodNotClosed     = errors.New("meter: billing period is not closed")
	ErrInvalidWindow       = errors.New("meter: invalid rate limit window")
	ErrInvalidLimit        = errors.New("meter: invalid rate limit")
	ErrPricingTierNotFound = errors.New("meter: pricing tier not found")
	ErrInvalidArgument     = errors.New("meter: invalid argument")

	// ErrPersistence marks any storage failure. Callers of the rate
	// limiter must deny the request when they see it.
	ErrPersistence = errors.New("meter: persistence failure")
)

// Persistence wraps a storage error so it matches ErrPersistence while
// keeping the original cause reachable with errors.Is and errors.As.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrPersistence) {
		return err
	}

	return fmt.Errorf("%w: cannot %s: %w", ErrPersistence, op, err)
}
