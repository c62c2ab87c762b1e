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

	"github.com/jackc/pgx/v5"
	"go.gearno.de/meter"
	"go.gearno.de/meter/pg"
)

const subjectColumns = `
    id,
    name,
    status,
    rate_limit,
    rate_limit_window,
    pricing_tier,
    COALESCE(api_key_prefix, ''),
    api_key_hash,
    created_at,
    updated_at
`

func scanSubject(row pgx.Row) (*meter.Subject, error) {
	s := &meter.Subject{}

	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.Status,
		&s.RateLimit,
		&s.RateLimitWindow,
		&s.PricingTier,
		&s.APIKeyPrefix,
		&s.APIKeyHash,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, meter.ErrSubjectNotFound
		}

		return nil, err
	}

	return s, nil
}

func (s *Store) CreateSubject(ctx context.Context, subject *meter.Subject) error {
	return s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := `
INSERT INTO subjects (
    id,
    name,
    status,
    rate_limit,
    rate_limit_window,
    pricing_tier,
    api_key_prefix,
    api_key_hash,
    created_at,
    updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, now(), now())
RETURNING created_at, updated_at
`

			err := conn.QueryRow(
				ctx,
				q,
				subject.ID,
				subject.Name,
				subject.Status,
				subject.RateLimit,
				subject.RateLimitWindow,
				subject.PricingTier,
				subject.APIKeyPrefix,
				subject.APIKeyHash,
			).Scan(&subject.CreatedAt, &subject.UpdatedAt)
			if err != nil {
				if pg.IsUniqueViolation(err) {
					return fmt.Errorf("%w: %q", meter.ErrSubjectExists, subject.ID)
				}

				return fmt.Errorf("cannot insert subject: %w", err)
			}

			return nil
		},
	)
}

func (s *Store) GetSubject(ctx context.Context, id string) (*meter.Subject, error) {
	var subject *meter.Subject

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) (err error) {
			q := "SELECT " + subjectColumns + " FROM subjects WHERE id = $1"
			subject, err = scanSubject(conn.QueryRow(ctx, q, id))
			return err
		},
	)

	return subject, err
}

func (s *Store) GetSubjectByAPIKeyPrefix(ctx context.Context, prefix string) (*meter.Subject, error) {
	var subject *meter.Subject

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) (err error) {
			q := "SELECT " + subjectColumns + " FROM subjects WHERE api_key_prefix = $1"
			subject, err = scanSubject(conn.QueryRow(ctx, q, prefix))
			return err
		},
	)

	return subject, err
}

func (s *Store) UpdateRateLimit(ctx context.Context, id string, limit, windowSeconds int) (*meter.Subject, error) {
	var subject *meter.Subject

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) (err error) {
			q := `
UPDATE subjects
SET rate_limit = $2, rate_limit_window = $3, updated_at = now()
WHERE id = $1
RETURNING ` + subjectColumns

			subject, err = scanSubject(conn.QueryRow(ctx, q, id, limit, windowSeconds))
			return err
		},
	)

	return subject, err
}

func (s *Store) SetSubjectStatus(ctx context.Context, id string, status meter.SubjectStatus) (*meter.Subject, error) {
	var subject *meter.Subject

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) (err error) {
			q := `
UPDATE subjects
SET status = $2, updated_at = now()
WHERE id = $1
RETURNING ` + subjectColumns

			subject, err = scanSubject(conn.QueryRow(ctx, q, id, status))
			return err
		},
	)

	return subject, err
}
