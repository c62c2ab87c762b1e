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

package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.gearno.de/meter"
	"go.gearno.de/meter/billing"
	"go.gearno.de/meter/pg"
	"go.gearno.de/meter/period"
	"go.gearno.de/meter/usage"
)

const applyCallQuery = `
INSERT INTO usage_summaries AS s (
    subject_id,
    month,
    total_calls,
    successful_calls,
    failed_calls,
    avg_response_time,
    updated_at
)
VALUES (
    $1,
    $2,
    1,
    CASE WHEN $3::BOOLEAN THEN 1 ELSE 0 END,
    CASE WHEN $3::BOOLEAN THEN 0 ELSE 1 END,
    $4::DOUBLE PRECISION,
    now()
)
ON CONFLICT (subject_id, month) DO UPDATE SET
    total_calls = s.total_calls + 1,
    successful_calls = s.successful_calls + EXCLUDED.successful_calls,
    failed_calls = s.failed_calls + EXCLUDED.failed_calls,
    avg_response_time = (s.avg_response_time * s.total_calls + EXCLUDED.avg_response_time) / (s.total_calls + 1),
    updated_at = EXCLUDED.updated_at
RETURNING total_calls, successful_calls, failed_calls, avg_response_time
`

// ApplyCall folds one call into the summary row in a single upsert.
// The SET expressions read the row as it was before the update, so
// total_calls in the mean is the pre-increment count.
func (s *Store) ApplyCall(
	ctx context.Context,
	subjectID string,
	month period.Month,
	success bool,
	latencyMs float64,
) (*usage.Summary, error) {
	var summary *usage.Summary

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) (err error) {
			summary, err = applyCall(ctx, conn, subjectID, month, success, latencyMs)
			return err
		},
	)
	if err != nil {
		return nil, err
	}

	return summary, nil
}

// RecordCall upserts the summary then inserts the event in one
// transaction; a duplicate event id rolls the summary update back.
func (s *Store) RecordCall(ctx context.Context, e *usage.Event, success bool) (*usage.Summary, error) {
	var summary *usage.Summary

	err := s.pg.WithTx(
		ctx,
		func(tx pg.Conn) (err error) {
			summary, err = applyCall(ctx, tx, e.SubjectID, period.MonthOf(e.Timestamp), success, e.LatencyMs)
			if err != nil {
				return err
			}

			return insertEvent(ctx, tx, e)
		},
	)
	if err != nil {
		return nil, err
	}

	return summary, nil
}

func applyCall(
	ctx context.Context,
	conn pg.Conn,
	subjectID string,
	month period.Month,
	success bool,
	latencyMs float64,
) (*usage.Summary, error) {
	summary := &usage.Summary{SubjectID: subjectID, Month: month}

	err := conn.QueryRow(ctx, applyCallQuery, subjectID, month.String(), success, latencyMs).Scan(
		&summary.TotalCalls,
		&summary.SuccessfulCalls,
		&summary.FailedCalls,
		&summary.AvgResponseTime,
	)
	if err != nil {
		return nil, fmt.Errorf("cannot upsert usage summary: %w", err)
	}

	return summary, nil
}

func insertEvent(ctx context.Context, conn pg.Conn, e *usage.Event) error {
	q := `
INSERT INTO usage_events (
    id,
    subject_id,
    endpoint,
    method,
    status_code,
    latency_ms,
    request_size,
    response_size,
    occurred_at
)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7::BIGINT, 0), NULLIF($8::BIGINT, 0), $9)
`

	_, err := conn.Exec(
		ctx,
		q,
		e.ID,
		e.SubjectID,
		e.Endpoint,
		e.Method,
		e.StatusCode,
		e.LatencyMs,
		e.RequestSize,
		e.ResponseSize,
		e.Timestamp,
	)
	if err != nil {
		if pg.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %q", meter.ErrUsageEventExists, e.ID)
		}

		return fmt.Errorf("cannot insert usage event: %w", err)
	}

	return nil
}

func (s *Store) ListEvents(
	ctx context.Context,
	subjectID string,
	since time.Time,
	limit int,
) ([]*usage.Event, error) {
	var events []*usage.Event

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := `
SELECT
    id,
    subject_id,
    endpoint,
    method,
    status_code,
    latency_ms,
    COALESCE(request_size, 0),
    COALESCE(response_size, 0),
    occurred_at
FROM usage_events
WHERE subject_id = $1 AND occurred_at >= $2
ORDER BY occurred_at DESC, id DESC
LIMIT $3
`

			rows, err := conn.Query(ctx, q, subjectID, since, limit)
			if err != nil {
				return fmt.Errorf("cannot query usage events: %w", err)
			}

			events, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByPos[usage.Event])
			if err != nil {
				return fmt.Errorf("cannot collect usage events: %w", err)
			}

			return nil
		},
	)

	return events, err
}

func (s *Store) GetSummary(ctx context.Context, subjectID string, month period.Month) (*usage.Summary, error) {
	var summary *usage.Summary

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := `
SELECT total_calls, successful_calls, failed_calls, avg_response_time
FROM usage_summaries
WHERE subject_id = $1 AND month = $2
`

			found := &usage.Summary{SubjectID: subjectID, Month: month}
			err := conn.QueryRow(ctx, q, subjectID, month.String()).Scan(
				&found.TotalCalls,
				&found.SuccessfulCalls,
				&found.FailedCalls,
				&found.AvgResponseTime,
			)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return nil
				}

				return fmt.Errorf("cannot read usage summary: %w", err)
			}

			summary = found
			return nil
		},
	)

	return summary, err
}

func (s *Store) ListBillable(ctx context.Context, month period.Month) ([]billing.Billable, error) {
	var billables []billing.Billable

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := `
SELECT us.subject_id, s.pricing_tier, us.total_calls
FROM usage_summaries us
JOIN subjects s ON s.id = us.subject_id
WHERE us.month = $1
  AND us.total_calls > 0
  AND s.status = 'active'
ORDER BY us.subject_id
`

			rows, err := conn.Query(ctx, q, month.String())
			if err != nil {
				return fmt.Errorf("cannot query billable usage: %w", err)
			}

			billables, err = pgx.CollectRows(rows, pgx.RowToStructByPos[billing.Billable])
			if err != nil {
				return fmt.Errorf("cannot collect billable usage: %w", err)
			}

			return nil
		},
	)

	return billables, err
}
