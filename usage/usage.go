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

// Package usage folds API calls into monthly per-subject summaries.
//
// A summary is only ever changed through Store.ApplyCall, which must
// be one atomic operation of the store: concurrent calls for the same
// subject and month never observe the same pre-update row.
package usage

import (
	"context"
	"time"

	"go.gearno.de/meter/period"
)

type (
	// Event is one served API call. Events are append-only.
	Event struct {
		ID           string    `json:"id"`
		SubjectID    string    `json:"subject_id"`
		Endpoint     string    `json:"endpoint"`
		Method       string    `json:"method"`
		StatusCode   int       `json:"status_code"`
		LatencyMs    float64   `json:"latency_ms"`
		RequestSize  int64     `json:"request_size,omitempty"`
		ResponseSize int64     `json:"response_size,omitempty"`
		Timestamp    time.Time `json:"timestamp"`
	}

	// Summary aggregates the calls of a subject during one calendar
	// month. SuccessfulCalls + FailedCalls always equals TotalCalls
	// and AvgResponseTime is the mean latency in milliseconds of all
	// TotalCalls calls.
	Summary struct {
		SubjectID       string       `json:"subject_id"`
		Month           period.Month `json:"month"`
		TotalCalls      int64        `json:"total_calls"`
		SuccessfulCalls int64        `json:"successful_calls"`
		FailedCalls     int64        `json:"failed_calls"`
		AvgResponseTime float64      `json:"avg_response_time"`
	}

	// Store persists summaries and the event log. Every method is one
	// atomic operation of the store.
	Store interface {
		// ApplyCall adds one call to the summary of (subjectID,
		// month), creating it when absent, and returns the updated
		// summary. The running mean uses the pre-update total as
		// weight.
		ApplyCall(
			ctx context.Context,
			subjectID string,
			month period.Month,
			success bool,
			latencyMs float64,
		) (*Summary, error)

		// RecordCall appends e to the event log and folds it into the
		// summary of the month of its timestamp as one atomic
		// operation: on error neither the event nor the summary
		// change. A duplicate event id fails with
		// meter.ErrUsageEventExists.
		RecordCall(ctx context.Context, e *Event, success bool) (*Summary, error)

		// ListEvents returns at most limit events of subjectID which
		// occurred at or after since, newest first.
		ListEvents(ctx context.Context, subjectID string, since time.Time, limit int) ([]*Event, error)

		// GetSummary returns nil and no error when the subject has
		// no call in month.
		GetSummary(ctx context.Context, subjectID string, month period.Month) (*Summary, error)
	}
)

// IsSuccess reports whether status counts as a successful call.
// Redirects are successes.
func IsSuccess(status int) bool {
	return status >= 200 && status < 400
}

// Apply returns s with one more call folded in. It is the reference
// arithmetic of ApplyCall for stores which hold their rows in memory;
// a nil s starts a new summary.
func (s *Summary) Apply(success bool, latencyMs float64) *Summary {
	next := Summary{}
	if s != nil {
		next = *s
	}

	n := float64(next.TotalCalls)
	next.AvgResponseTime = (next.AvgResponseTime*n + latencyMs) / (n + 1)
	next.TotalCalls++

	if success {
		next.SuccessfulCalls++
	} else {
		next.FailedCalls++
	}

	return &next
}
