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
	"go.gearno.de/meter/pg"
	"go.gearno.de/meter/ratelimit"
)

// GetOrCreate inserts a zero counter unless one exists, then reads it.
// When a concurrent transaction created the row first the insert does
// nothing and the second statement, with a fresh snapshot, sees the
// winner's row.
func (s *Store) GetOrCreate(ctx context.Context, subjectID string, windowStart time.Time) (int64, error) {
	var count int64

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := `
INSERT INTO rate_windows (subject_id, window_start, count)
VALUES ($1, $2, 0)
ON CONFLICT (subject_id, window_start) DO NOTHING
RETURNING count
`

			err := conn.QueryRow(ctx, q, subjectID, windowStart).Scan(&count)
			if err == nil {
				return nil
			}

			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("cannot insert rate window: %w", err)
			}

			q = "SELECT count FROM rate_windows WHERE subject_id = $1 AND window_start = $2"
			if err := conn.QueryRow(ctx, q, subjectID, windowStart).Scan(&count); err != nil {
				return fmt.Errorf("cannot read rate window: %w", err)
			}

			return nil
		},
	)

	return count, err
}

func (s *Store) Increment(ctx context.Context, subjectID string, windowStart time.Time) (int64, error) {
	var count int64

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := `
INSERT INTO rate_windows (subject_id, window_start, count)
VALUES ($1, $2, 1)
ON CONFLICT (subject_id, window_start)
DO UPDATE SET count = rate_windows.count + 1
RETURNING count
`

			if err := conn.QueryRow(ctx, q, subjectID, windowStart).Scan(&count); err != nil {
				return fmt.Errorf("cannot increment rate window: %w", err)
			}

			return nil
		},
	)

	return count, err
}

func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := "DELETE FROM rate_windows WHERE window_start < $1"

			tag, err := conn.Exec(ctx, q, cutoff)
			if err != nil {
				return fmt.Errorf("cannot delete rate windows: %w", err)
			}

			deleted = tag.RowsAffected()
			return nil
		},
	)

	return deleted, err
}

func (s *Store) StatsSince(ctx context.Context, since time.Time) ([]ratelimit.SubjectStats, error) {
	var stats []ratelimit.SubjectStats

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := `
SELECT
    subject_id,
    SUM(count)::BIGINT AS total_requests,
    MAX(count) AS max_per_window,
    COUNT(*) AS windows
FROM rate_windows
WHERE window_start >= $1
GROUP BY subject_id
ORDER BY total_requests DESC, subject_id
`

			rows, err := conn.Query(ctx, q, since)
			if err != nil {
				return fmt.Errorf("cannot query rate window stats: %w", err)
			}

			stats, err = pgx.CollectRows(rows, pgx.RowToStructByPos[ratelimit.SubjectStats])
			if err != nil {
				return fmt.Errorf("cannot collect rate window stats: %w", err)
			}

			return nil
		},
	)

	return stats, err
}
