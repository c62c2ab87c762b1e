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

// Package pg wraps a pgx connection pool with logging, tracing and
// Prometheus metrics. Callers borrow connections through WithConn,
// WithTx and WithAdvisoryLock and never touch the pool directly.
package pg

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/multitracer"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/meter/internal/version"
	"go.gearno.de/meter/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Client during
	// initialization.
	Option func(c *Client)

	// Client provides a PostgreSQL client with a connection pool,
	// logging, tracing, and Prometheus metrics registration.
	Client struct {
		addr     string
		user     string
		password string
		database string

		poolSize int32
		queryLog bool

		tlsConfig *tls.Config

		pool *pgxpool.Pool

		tracerProvider trace.TracerProvider
		tracer         trace.Tracer
		logger         *log.Logger
		registerer     prometheus.Registerer
	}

	// ExecFunc receives a borrowed connection or transaction.
	ExecFunc func(Conn) error

	// AdvisoryLock identifies a transaction scoped advisory lock
	// within the BaseAdvisoryLockID namespace.
	AdvisoryLock = uint32
)

const (
	BaseAdvisoryLockID uint32 = 0x6d65
)

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		c.logger = l.Named("pg")
	}
}

// WithAddr specifies the database address in "host:port" format.
func WithAddr(addr string) Option {
	return func(c *Client) {
		c.addr = addr
	}
}

// WithUser sets the database user.
func WithUser(user string) Option {
	return func(c *Client) {
		c.user = user
	}
}

// WithPassword sets the database password.
func WithPassword(password string) Option {
	return func(c *Client) {
		c.password = password
	}
}

// WithDatabase specifies the database to connect to.
func WithDatabase(database string) Option {
	return func(c *Client) {
		c.database = database
	}
}

// WithTLS verifies the server against the given certificates. It must
// come after WithAddr as the server name is taken from the address.
func WithTLS(certs []*x509.Certificate) Option {
	return func(c *Client) {
		rootCAs := x509.NewCertPool()
		for _, cert := range certs {
			rootCAs.AddCert(cert)
		}

		host, _, err := net.SplitHostPort(c.addr)
		if err != nil {
			host = c.addr
		}

		c.tlsConfig = &tls.Config{
			RootCAs:    rootCAs,
			ServerName: host,
			MinVersion: tls.VersionTLS12,
		}
	}
}

// WithPoolSize sets the maximum number of pooled connections.
func WithPoolSize(i int32) Option {
	return func(c *Client) {
		c.poolSize = i
	}
}

// WithQueryLog logs every query at debug level through the client
// logger.
func WithQueryLog(enabled bool) Option {
	return func(c *Client) {
		c.queryLog = enabled
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracerProvider = tp
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Client) {
		c.registerer = r
	}
}

// NewClient creates the connection pool. The pool connects lazily,
// use Ping to check the database is reachable.
//
// Example:
//
//	client, err := pg.NewClient(
//	    pg.WithAddr("db.example.com:5432"),
//	    pg.WithUser("meter"),
//	    pg.WithPassword("password"),
//	    pg.WithDatabase("meter"),
//	)
func NewClient(options ...Option) (*Client, error) {
	c := &Client{
		addr:           "localhost:5432",
		user:           "postgres",
		database:       "postgres",
		poolSize:       10,
		logger:         log.NewLogger(log.WithOutput(io.Discard)),
		tracerProvider: otel.GetTracerProvider(),
		registerer:     prometheus.DefaultRegisterer,
	}

	for _, o := range options {
		o(c)
	}

	host, portStr, err := net.SplitHostPort(c.addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	config, err := pgxpool.ParseConfig("")
	if err != nil {
		return nil, fmt.Errorf("cannot parse empty pool config: %w", err)
	}

	config.ConnConfig.Config.Host = host
	config.ConnConfig.Config.Port = uint16(port)
	config.ConnConfig.Config.User = c.user
	config.ConnConfig.Config.Password = c.password
	config.ConnConfig.Config.Database = c.database
	config.ConnConfig.Config.TLSConfig = c.tlsConfig
	config.MinConns = 1
	config.MaxConns = c.poolSize

	c.tracer = c.tracerProvider.Tracer(
		tracerName,
		trace.WithInstrumentationVersion(version.New(0).Alpha(1)),
	)

	tracers := []pgx.QueryTracer{&tracer{c.tracer}}
	if c.queryLog {
		tracers = append(
			tracers,
			&tracelog.TraceLog{
				Logger:   &logger{c.logger},
				LogLevel: tracelog.LogLevelDebug,
			},
		)
	}
	config.ConnConfig.Tracer = multitracer.New(tracers...)

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("cannot create connection pool from config: %w", err)
	}

	err = c.registerer.Register(
		newCollector(
			pool,
			prometheus.Labels{
				"database": c.database,
				"addr":     c.addr,
			},
		),
	)
	if err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			pool.Close()
			return nil, fmt.Errorf("cannot register pool collector: %w", err)
		}
	}

	c.pool = pool

	return c, nil
}

// Close closes the client's connection pool, releasing all resources.
func (c *Client) Close() {
	c.pool.Close()
}

// Ping acquires a connection and checks the server answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.WithConn(
		ctx,
		func(conn Conn) error {
			var one int
			if err := conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
				return fmt.Errorf("cannot ping database: %w", err)
			}

			return nil
		},
	)
}

func (c *Client) startSpan(
	ctx context.Context,
	name string,
	attrs ...attribute.KeyValue,
) (context.Context, trace.Span) {
	if !trace.SpanFromContext(ctx).IsRecording() {
		return ctx, nil
	}

	return c.tracer.Start(
		ctx,
		name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}

	if err != nil {
		recordError(span, err)
	}

	span.End()
}

// WithConn executes the given ExecFunc with a database connection
// from the pool.
//
// Example:
//
//	err := client.WithConn(ctx, func(conn pg.Conn) error {
//	    _, err := conn.Exec(ctx, "DELETE FROM rate_windows WHERE window_start < $1", cutoff)
//	    return err
//	})
func (c *Client) WithConn(ctx context.Context, exec ExecFunc) (err error) {
	ctx, span := c.startSpan(ctx, "WithConn")
	defer func() { endSpan(span, err) }()

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("cannot acquire connection: %w", err)
	}
	defer conn.Release()

	return exec(conn)
}

// WithTx executes the given ExecFunc within a transaction. If exec
// returns an error the transaction is rolled back, otherwise it is
// committed.
func (c *Client) WithTx(ctx context.Context, exec ExecFunc) (err error) {
	ctx, span := c.startSpan(ctx, "WithTx")
	defer func() { endSpan(span, err) }()

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("cannot acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cannot begin transaction: %w", err)
	}

	if err := exec(tx); err != nil {
		if err2 := tx.Rollback(ctx); err2 != nil {
			err = errors.Join(
				err,
				fmt.Errorf("cannot rollback transaction: %w", err2),
			)
		}

		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cannot commit transaction: %w", err)
	}

	return nil
}

// WithAdvisoryLock runs f in a transaction holding the advisory lock
// id. Concurrent callers with the same id wait for the lock.
func (c *Client) WithAdvisoryLock(
	ctx context.Context,
	id AdvisoryLock,
	f ExecFunc,
) (err error) {
	ctx, span := c.startSpan(
		ctx,
		"WithAdvisoryLock",
		attribute.Int64("lock_id", int64(id)),
	)
	defer func() { endSpan(span, err) }()

	return c.WithTx(
		ctx,
		func(conn Conn) error {
			q := "SELECT pg_advisory_xact_lock($1, $2)"
			if _, err := conn.Exec(ctx, q, int32(BaseAdvisoryLockID), int32(id)); err != nil {
				return fmt.Errorf("cannot acquire advisory lock: %w", err)
			}

			return f(conn)
		},
	)
}

// TryAdvisoryLock is like WithAdvisoryLock but does not wait: when
// another session holds the lock f is not called and acquired is
// false.
func (c *Client) TryAdvisoryLock(
	ctx context.Context,
	id AdvisoryLock,
	f ExecFunc,
) (acquired bool, err error) {
	err = c.WithTx(
		ctx,
		func(conn Conn) error {
			q := "SELECT pg_try_advisory_xact_lock($1, $2)"
			if err := conn.QueryRow(ctx, q, int32(BaseAdvisoryLockID), int32(id)).Scan(&acquired); err != nil {
				return fmt.Errorf("cannot try advisory lock: %w", err)
			}

			if !acquired {
				return nil
			}

			return f(conn)
		},
	)

	return acquired, err
}
