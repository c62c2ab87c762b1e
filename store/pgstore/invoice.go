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
)

const invoiceColumns = `
    id,
    subject_id,
    month,
    total_calls,
    amount,
    currency,
    status,
    due_date,
    paid_at,
    created_at
`

func scanInvoice(row pgx.Row) (*billing.Invoice, error) {
	var (
		inv   = &billing.Invoice{}
		month string
	)

	err := row.Scan(
		&inv.ID,
		&inv.SubjectID,
		&month,
		&inv.TotalCalls,
		&inv.Amount,
		&inv.Currency,
		&inv.Status,
		&inv.DueDate,
		&inv.PaidAt,
		&inv.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	inv.Month, err = period.ParseMonth(month)
	if err != nil {
		return nil, fmt.Errorf("cannot parse invoice month: %w", err)
	}

	return inv, nil
}

func (s *Store) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	return s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := `
INSERT INTO invoices (` + invoiceColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (subject_id, month) DO NOTHING
RETURNING id
`

			var id string
			err := conn.QueryRow(
				ctx,
				q,
				inv.ID,
				inv.SubjectID,
				inv.Month.String(),
				inv.TotalCalls,
				inv.Amount,
				inv.Currency,
				inv.Status,
				inv.DueDate,
				inv.PaidAt,
				inv.CreatedAt,
			).Scan(&id)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("%w: subject %q month %s", meter.ErrInvoiceExists, inv.SubjectID, inv.Month)
				}

				return fmt.Errorf("cannot insert invoice: %w", err)
			}

			return nil
		},
	)
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	var inv *billing.Invoice

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) (err error) {
			q := "SELECT " + invoiceColumns + " FROM invoices WHERE id = $1"

			inv, err = scanInvoice(conn.QueryRow(ctx, q, id))
			if errors.Is(err, pgx.ErrNoRows) {
				return meter.ErrInvoiceNotFound
			}

			return err
		},
	)

	return inv, err
}

func (s *Store) GetInvoiceBySubjectMonth(ctx context.Context, subjectID string, month period.Month) (*billing.Invoice, error) {
	var inv *billing.Invoice

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := "SELECT " + invoiceColumns + " FROM invoices WHERE subject_id = $1 AND month = $2"

			found, err := scanInvoice(conn.QueryRow(ctx, q, subjectID, month.String()))
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return nil
				}

				return fmt.Errorf("cannot read invoice: %w", err)
			}

			inv = found
			return nil
		},
	)

	return inv, err
}

// UpdateInvoiceStatus only updates a row still in status from, so two
// concurrent transitions cannot both apply.
func (s *Store) UpdateInvoiceStatus(
	ctx context.Context,
	id string,
	from, to billing.Status,
	paidAt *time.Time,
) (*billing.Invoice, error) {
	var inv *billing.Invoice

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := `
UPDATE invoices
SET status = $3, paid_at = COALESCE($4, paid_at)
WHERE id = $1 AND status = $2
RETURNING ` + invoiceColumns

			updated, err := scanInvoice(conn.QueryRow(ctx, q, id, from, to, paidAt))
			if err == nil {
				inv = updated
				return nil
			}

			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("cannot update invoice status: %w", err)
			}

			var exists bool
			q = "SELECT EXISTS (SELECT 1 FROM invoices WHERE id = $1)"
			if err := conn.QueryRow(ctx, q, id).Scan(&exists); err != nil {
				return fmt.Errorf("cannot check invoice existence: %w", err)
			}

			if !exists {
				return meter.ErrInvoiceNotFound
			}

			return fmt.Errorf("%w: invoice is no longer %s", meter.ErrInvalidTransition, from)
		},
	)

	return inv, err
}

func (s *Store) ListOverdue(ctx context.Context, now time.Time) ([]*billing.Invoice, error) {
	var invoices []*billing.Invoice

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := `
SELECT ` + invoiceColumns + `
FROM invoices
WHERE status = 'pending' AND due_date < $1
ORDER BY due_date
`

			rows, err := conn.Query(ctx, q, now)
			if err != nil {
				return fmt.Errorf("cannot query overdue invoices: %w", err)
			}

			invoices, err = pgx.CollectRows(
				rows,
				func(row pgx.CollectableRow) (*billing.Invoice, error) {
					return scanInvoice(row)
				},
			)
			if err != nil {
				return fmt.Errorf("cannot collect overdue invoices: %w", err)
			}

			return nil
		},
	)

	return invoices, err
}

func (s *Store) ListInvoices(ctx context.Context, subjectID string, limit, offset int) ([]*billing.Invoice, error) {
	var invoices []*billing.Invoice

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := `
SELECT ` + invoiceColumns + `
FROM invoices
WHERE subject_id = $1
ORDER BY month DESC
LIMIT $2 OFFSET $3
`

			rows, err := conn.Query(ctx, q, subjectID, limit, offset)
			if err != nil {
				return fmt.Errorf("cannot query invoices: %w", err)
			}

			invoices, err = pgx.CollectRows(
				rows,
				func(row pgx.CollectableRow) (*billing.Invoice, error) {
					return scanInvoice(row)
				},
			)
			if err != nil {
				return fmt.Errorf("cannot collect invoices: %w", err)
			}

			return nil
		},
	)

	return invoices, err
}

func (s *Store) GetPricingTier(ctx context.Context, name string) (*billing.PricingTier, error) {
	tier := &billing.PricingTier{}

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := "SELECT name, price_per_thousand, active FROM pricing_tiers WHERE name = $1"

			err := conn.QueryRow(ctx, q, name).Scan(&tier.Name, &tier.PricePerThousand, &tier.Active)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return fmt.Errorf("%w: %q", meter.ErrPricingTierNotFound, name)
				}

				return fmt.Errorf("cannot read pricing tier: %w", err)
			}

			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	return tier, nil
}

func (s *Store) ListPricingTiers(ctx context.Context) ([]*billing.PricingTier, error) {
	var tiers []*billing.PricingTier

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := "SELECT name, price_per_thousand, active FROM pricing_tiers ORDER BY name"

			rows, err := conn.Query(ctx, q)
			if err != nil {
				return fmt.Errorf("cannot query pricing tiers: %w", err)
			}

			tiers, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByPos[billing.PricingTier])
			if err != nil {
				return fmt.Errorf("cannot collect pricing tiers: %w", err)
			}

			return nil
		},
	)

	return tiers, err
}

func (s *Store) PutPricingTier(ctx context.Context, tier billing.PricingTier) error {
	return s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := `
INSERT INTO pricing_tiers (name, price_per_thousand, active)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET
    price_per_thousand = EXCLUDED.price_per_thousand,
    active = EXCLUDED.active
`

			if _, err := conn.Exec(ctx, q, tier.Name, tier.PricePerThousand, tier.Active); err != nil {
				return fmt.Errorf("cannot upsert pricing tier: %w", err)
			}

			return nil
		},
	)
}
