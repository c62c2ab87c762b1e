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

// Package migrator applies versioned SQL migrations read from an
// fs.FS. Each file named <version>.sql is applied at most once; the
// applied versions are tracked in the schema_versions table.
package migrator

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"

	"go.gearno.de/meter/log"
	"go.gearno.de/meter/pg"
)

type (
	Migrator struct {
		pg     *pg.Client
		fsys   fs.FS
		logger *log.Logger
	}

	Option func(*Migrator)

	Migration struct {
		Version string
		SQL     string
	}

	Migrations []*Migration
)

const (
	MigrationAdvisoryLock pg.AdvisoryLock = 0
)

func WithLogger(l *log.Logger) Option {
	return func(m *Migrator) {
		m.logger = l.Named("migrator")
	}
}

// NewMigrator returns a migrator applying the .sql files found at the
// root of fsys.
func NewMigrator(client *pg.Client, fsys fs.FS, options ...Option) *Migrator {
	m := &Migrator{
		pg:     client,
		fsys:   fsys,
		logger: log.NewLogger(log.WithOutput(io.Discard)),
	}

	for _, o := range options {
		o(m)
	}

	return m
}

// Run applies pending migrations in version order. The whole run
// holds MigrationAdvisoryLock so concurrent replicas apply each
// migration once.
func (m *Migrator) Run(ctx context.Context) error {
	migrations, err := Load(m.fsys)
	if err != nil {
		return fmt.Errorf("cannot load migrations: %w", err)
	}

	if len(migrations) == 0 {
		return nil
	}

	return m.pg.WithAdvisoryLock(
		ctx,
		MigrationAdvisoryLock,
		func(conn pg.Conn) error {
			if err := createIfNotExistVersionsTable(ctx, conn); err != nil {
				return fmt.Errorf("cannot create schema version table: %w", err)
			}

			applied, err := loadSchemaVersions(ctx, conn)
			if err != nil {
				return fmt.Errorf("cannot load schema versions: %w", err)
			}

			for _, migration := range migrations.Pending(applied) {
				m.logger.InfoCtx(
					ctx,
					"applying migration",
					log.String("version", migration.Version),
				)

				if err := migration.Apply(ctx, conn); err != nil {
					return fmt.Errorf("cannot apply migration %q: %w", migration.Version, err)
				}
			}

			return nil
		},
	)
}

// Load reads every regular .sql file at the root of fsys, sorted by
// version.
func Load(fsys fs.FS) (Migrations, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("cannot read directory: %w", err)
	}

	var ms Migrations
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || path.Ext(name) != ".sql" {
			continue
		}

		code, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("cannot read migration %q: %w", name, err)
		}

		ms = append(
			ms,
			&Migration{
				Version: name[:len(name)-len(".sql")],
				SQL:     string(code),
			},
		)
	}

	ms.Sort()

	return ms, nil
}

func (ms Migrations) Sort() {
	sort.Slice(
		ms,
		func(i, j int) bool {
			return ms[i].Version < ms[j].Version
		},
	)
}

// Pending returns the migrations whose version is not in applied,
// keeping their order.
func (ms Migrations) Pending(applied map[string]struct{}) Migrations {
	var pending Migrations
	for _, m := range ms {
		if _, ok := applied[m.Version]; !ok {
			pending = append(pending, m)
		}
	}

	return pending
}

func (m *Migration) Apply(ctx context.Context, conn pg.Conn) error {
	if _, err := conn.Exec(ctx, m.SQL); err != nil {
		return fmt.Errorf("cannot execute migration: %w", err)
	}

	q := "INSERT INTO schema_versions (version) VALUES ($1)"
	if _, err := conn.Exec(ctx, q, m.Version); err != nil {
		return fmt.Errorf("cannot insert schema version: %w", err)
	}

	return nil
}

func createIfNotExistVersionsTable(ctx context.Context, conn pg.Conn) error {
	q := `
CREATE TABLE IF NOT EXISTS schema_versions (
  version TEXT PRIMARY KEY,
  executed_at TIMESTAMPTZ NOT NULL DEFAULT now()
)
`

	_, err := conn.Exec(ctx, q)
	return err
}

func loadSchemaVersions(ctx context.Context, conn pg.Conn) (map[string]struct{}, error) {
	q := "SELECT version FROM schema_versions"
	r, err := conn.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("cannot exec query: %w", err)
	}
	defer r.Close()

	versions := make(map[string]struct{})
	for r.Next() {
		var v string
		if err := r.Scan(&v); err != nil {
			return nil, fmt.Errorf("cannot scan row: %w", err)
		}

		versions[v] = struct{}{}
	}

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("cannot read query: %w", err)
	}

	return versions, nil
}
