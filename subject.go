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
	"time"
)

type (
	// SubjectStatus is the lifecycle state of a Subject.
	SubjectStatus string

	// Subject is an API consumer which is rate limited and billed.
	Subject struct {
		ID     string
		Name   string
		Status SubjectStatus

		// RateLimit is the maximum number of requests allowed in
		// one window of RateLimitWindow seconds.
		RateLimit       int
		RateLimitWindow int

		PricingTier string

		APIKeyPrefix string
		APIKeyHash   []byte

		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// Clock returns the current instant. Every component reading the
	// time takes one so tests can freeze it.
	Clock func() time.Time
)

const (
	SubjectStatusActive    SubjectStatus = "active"
	SubjectStatusInactive  SubjectStatus = "inactive"
	SubjectStatusSuspended SubjectStatus = "suspended"
	SubjectStatusDeleted   SubjectStatus = "deleted"
)

func (s SubjectStatus) IsValid() bool {
	switch s {
	case SubjectStatusActive,
		SubjectStatusInactive,
		SubjectStatusSuspended,
		SubjectStatusDeleted:
		return true
	}

	return false
}

func (s *Subject) IsActive() bool {
	return s.Status == SubjectStatusActive
}

// SystemClock returns the wall clock time in UTC.
func SystemClock() time.Time {
	return time.Now().UTC()
}
