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
	"errors"
	"fmt"
	"time"

	"go.gearno.de/meter"
	"go.gearno.de/meter/log"
	"go.gearno.de/meter/window"
	"go.opentelemetry.io/otel/attribute"
)

type (
	// Status is the current window usage of a subject, whatever its
	// status.
	Status struct {
		SubjectID     string              `json:"subject_id"`
		SubjectStatus meter.SubjectStatus `json:"subject_status"`
		WindowSeconds int                 `json:"window_seconds"`

		Result
	}

	// StatsReport aggregates the counters of the last PeriodDays days.
	StatsReport struct {
		PeriodDays     int            `json:"period_days"`
		Since          time.Time      `json:"since"`
		TotalRequests  int64          `json:"total_requests"`
		ActiveSubjects int            `json:"active_subjects"`
		Subjects       []SubjectStats `json:"subjects"`
	}
)

// ValidateLimit checks limit and windowSeconds are within the accepted
// ranges.
func ValidateLimit(limit, windowSeconds int) error {
	if limit < 1 || limit > MaxLimit {
		return fmt.Errorf("%w: limit must be between 1 and %d, got %d", meter.ErrInvalidLimit, MaxLimit, limit)
	}

	if windowSeconds < 1 || windowSeconds > MaxWindowSeconds {
		return fmt.Errorf("%w: window must be between 1 and %d seconds, got %d", meter.ErrInvalidWindow, MaxWindowSeconds, windowSeconds)
	}

	return nil
}

// UpdateLimit replaces the limit and window length of a subject.
// Counters already created keep their values; a new window length
// only applies to windows computed afterwards.
func (l *Limiter) UpdateLimit(
	ctx context.Context,
	subjectID string,
	limit, windowSeconds int,
) (_ *meter.Subject, err error) {
	ctx, span := l.startSpan(
		ctx,
		"ratelimit.UpdateLimit",
		attribute.String("ratelimit.subject_id", subjectID),
		attribute.Int("ratelimit.limit", limit),
		attribute.Int("ratelimit.window_seconds", windowSeconds),
	)
	defer func() { endSpan(span, err) }()

	if err := ValidateLimit(limit, windowSeconds); err != nil {
		return nil, err
	}

	s, err := l.subjects.UpdateRateLimit(ctx, subjectID, limit, windowSeconds)
	if err != nil {
		if errors.Is(err, meter.ErrSubjectNotFound) {
			return nil, err
		}

		return nil, meter.Persistence("update rate limit", err)
	}

	l.logger.InfoCtx(
		ctx,
		"rate limit updated",
		log.String("subject_id", subjectID),
		log.Int("limit", limit),
		log.Int("window_seconds", windowSeconds),
	)

	return s, nil
}

// Status returns the usage of the current window of a subject. Unlike
// Check it also answers for subjects which are not active.
func (l *Limiter) Status(ctx context.Context, subjectID string) (_ *Status, err error) {
	ctx, span := l.startSpan(
		ctx,
		"ratelimit.Status",
		attribute.String("ratelimit.subject_id", subjectID),
	)
	defer func() { endSpan(span, err) }()

	s, err := l.subject(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	windowStart, windowEnd, err := window.Bounds(l.clock(), s.RateLimitWindow)
	if err != nil {
		return nil, fmt.Errorf("cannot compute window of subject %q: %w", subjectID, err)
	}

	count, err := l.counters.GetOrCreate(ctx, subjectID, windowStart)
	if err != nil {
		return nil, meter.Persistence("read window counter", err)
	}

	return &Status{
		SubjectID:     s.ID,
		SubjectStatus: s.Status,
		WindowSeconds: s.RateLimitWindow,
		Result:        *newResult(s.RateLimit, count, windowStart, windowEnd),
	}, nil
}

// Stats groups the counters of windows started in the last periodDays
// days by subject.
func (l *Limiter) Stats(ctx context.Context, periodDays int) (_ *StatsReport, err error) {
	ctx, span := l.startSpan(
		ctx,
		"ratelimit.Stats",
		attribute.Int("ratelimit.period_days", periodDays),
	)
	defer func() { endSpan(span, err) }()

	if periodDays < 1 {
		return nil, fmt.Errorf("%w: period must be at least 1 day, got %d", meter.ErrInvalidArgument, periodDays)
	}

	since := l.clock().AddDate(0, 0, -periodDays)

	stats, err := l.counters.StatsSince(ctx, since)
	if err != nil {
		return nil, meter.Persistence("load window stats", err)
	}

	report := &StatsReport{
		PeriodDays:     periodDays,
		Since:          since,
		ActiveSubjects: len(stats),
		Subjects:       stats,
	}

	for _, s := range stats {
		report.TotalRequests += s.TotalRequests
	}

	if report.Subjects == nil {
		report.Subjects = []SubjectStats{}
	}

	return report, nil
}
