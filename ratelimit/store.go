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

package ratelimit

import (
	"context"
	"time"

	"go.gearno.de/meter"
)

type (
	// CounterStore persists one counter per (subject, window start).
	CounterStore interface {
		// GetOrCreate returns the counter of the window, creating it
		// at zero when absent. Concurrent creators of the same key
		// must all observe the same row.
		GetOrCreate(ctx context.Context, subjectID string, windowStart time.Time) (int64, error)

		// Increment adds one to the counter of the window, creating
		// it when absent, and returns the new count. It must be a
		// single atomic operation of the store.
		Increment(ctx context.Context, subjectID string, windowStart time.Time) (int64, error)

		// DeleteBefore removes counters whose window starts before
		// cutoff and returns how many were removed.
		DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)

		// StatsSince groups counters whose window starts at or after
		// since by subject, busiest subjects first.
		StatsSince(ctx context.Context, since time.Time) ([]SubjectStats, error)
	}

	// SubjectStore reads and updates the rate limit configuration of
	// subjects. Both methods return meter.ErrSubjectNotFound for an
	// unknown id.
	SubjectStore interface {
		GetSubject(ctx context.Context, id string) (*meter.Subject, error)
		UpdateRateLimit(ctx context.Context, id string, limit, windowSeconds int) (*meter.Subject, error)
	}

	// SubjectStats aggregates the counters of one subject over the
	// windows returned by StatsSince.
	SubjectStats struct {
		SubjectID     string `json:"subject_id"`
		TotalRequests int64  `json:"total_requests"`
		MaxPerWindow  int64  `json:"max_per_window"`
		Windows       int64  `json:"windows"`
	}
)
