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

// Package pgstore implements the meter stores on PostgreSQL. Every
// counter and summary mutation is a single INSERT .. ON CONFLICT
// statement, so concurrent writers never lose updates.
package pgstore

import (
	"context"
	"embed"
	"fmt"
	"hash/fnv"
	"io/fs"

	"go.gearno.de/meter/billing"
	"go.gearno.de/meter/log"
	"go.gearno.de/meter/migrator"
	"go.gearno.de/meter/pg"
	"go.gearno.de/meter/ratelimit"
	"go.gearno.de/meter/usage"
)

type (
	// Store implements every meter store interface on one
	// PostgreSQL client.
	Store struct {
		pg *pg.Client
	}
)

var (
	_ ratelimit.CounterStore = (*Store)(nil)
	_ ratelimit.SubjectStore = (*Store)(nil)
	_ usage.Store            = (*Store)(nil)
	_ billing.UsageSource    = (*Store)(nil)
	_ billing.InvoiceStore   = (*Store)(nil)
	_ billing.PricingStore   = (*Store)(nil)

	//go:embed migrations/*.sql
	migrations embed.FS
)

// New returns a store using client. It does not migrate the schema,
// see Migrate.
func New(client *pg.Client) *Store {
	return &Store{pg: client}
}

// Migrations returns the schema migrations of the store.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		panic(err)
	}

	return sub
}

// Migrate applies the pending schema migrations.
func (s *Store) Migrate(ctx context.Context, logger *log.Logger) error {
	m := migrator.NewMigrator(s.pg, Migrations(), migrator.WithLogger(logger))
	if err := m.Run(ctx); err != nil {
		return fmt.Errorf("cannot migrate database: %w", err)
	}

	return nil
}

// WithJobLock runs f unless another session already runs the job
// named job. The lock is a PostgreSQL advisory lock released when f
// returns.
func (s *Store) WithJobLock(
	ctx context.Context,
	job string,
	f func(context.Context) error,
) (bool, error) {
	return s.pg.TryAdvisoryLock(
		ctx,
		jobLockID(job),
		func(pg.Conn) error {
			return f(ctx)
		},
	)
}

func jobLockID(job string) pg.AdvisoryLock {
	h := fnv.New32a()
	_, _ = h.Write([]byte(job))

	// Zero is reserved for migrations.
	return h.Sum32()&0x7fffffff | 1
}
