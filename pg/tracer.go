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

package pg

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

type (
	tracer struct {
		tracer trace.Tracer
	}
)

var (
	_ pgx.QueryTracer   = (*tracer)(nil)
	_ pgx.BatchTracer   = (*tracer)(nil)
	_ pgx.ConnectTracer = (*tracer)(nil)
)

const (
	tracerName = "go.gearno.de/meter/pg"

	// BatchSizeKey represents the batch size.
	BatchSizeKey = attribute.Key("db.operation.batch.size")

	// RowsAffectedKey represents the number of rows affected.
	RowsAffectedKey = attribute.Key("pgx.rows_affected")

	// SQLStateKey represents PostgreSQL error code,
	// see https://www.postgresql.org/docs/current/errcodes-appendix.html.
	SQLStateKey = attribute.Key("db.response.status_code")
)

func connAttributes(config *pgx.ConnConfig) []attribute.KeyValue {
	if config == nil {
		return nil
	}

	return []attribute.KeyValue{
		semconv.NetworkPeerAddress(config.Host),
		semconv.NetworkPeerPort(int(config.Port)),
		semconv.DBSystemPostgreSQL,
	}
}

func sqlOperationName(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) > 0 {
		return strings.ToUpper(fields[0])
	}

	return "UNKNOWN"
}

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}

	return ""
}

func recordError(span trace.Span, err error) {
	if err == nil || errors.Is(err, pgx.ErrNoRows) {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if code := sqlState(err); code != "" {
		span.SetAttributes(SQLStateKey.String(code))
	}
}

func (t *tracer) start(
	ctx context.Context,
	name string,
	conn *pgx.Conn,
	attrs ...attribute.KeyValue,
) context.Context {
	if !trace.SpanFromContext(ctx).IsRecording() {
		return ctx
	}

	if conn != nil {
		attrs = append(attrs, connAttributes(conn.Config())...)
	}

	ctx, _ = t.tracer.Start(
		ctx,
		name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)

	return ctx
}

func (t *tracer) end(ctx context.Context, err error, tag *pgconn.CommandTag) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	recordError(span, err)
	if err == nil && tag != nil {
		span.SetAttributes(RowsAffectedKey.Int64(tag.RowsAffected()))
	}

	span.End()
}

func (t *tracer) TraceQueryStart(
	ctx context.Context,
	conn *pgx.Conn,
	data pgx.TraceQueryStartData,
) context.Context {
	return t.start(
		ctx,
		"db.query",
		conn,
		semconv.DBOperationName(sqlOperationName(data.SQL)),
		semconv.DBQueryText(data.SQL),
	)
}

func (t *tracer) TraceQueryEnd(
	ctx context.Context,
	_ *pgx.Conn,
	data pgx.TraceQueryEndData,
) {
	t.end(ctx, data.Err, &data.CommandTag)
}

func (t *tracer) TraceBatchStart(
	ctx context.Context,
	conn *pgx.Conn,
	data pgx.TraceBatchStartData,
) context.Context {
	var size int
	if data.Batch != nil {
		size = data.Batch.Len()
	}

	return t.start(ctx, "db.batch.query", conn, BatchSizeKey.Int(size))
}

func (t *tracer) TraceBatchQuery(
	ctx context.Context,
	conn *pgx.Conn,
	data pgx.TraceBatchQueryData,
) {
	ctx = t.start(
		ctx,
		"db.query",
		conn,
		semconv.DBOperationName(sqlOperationName(data.SQL)),
		semconv.DBQueryText(data.SQL),
	)
	t.end(ctx, data.Err, &data.CommandTag)
}

func (t *tracer) TraceBatchEnd(
	ctx context.Context,
	_ *pgx.Conn,
	data pgx.TraceBatchEndData,
) {
	t.end(ctx, data.Err, nil)
}

func (t *tracer) TraceConnectStart(
	ctx context.Context,
	data pgx.TraceConnectStartData,
) context.Context {
	return t.start(ctx, "db.connect", nil, connAttributes(data.ConnConfig)...)
}

func (t *tracer) TraceConnectEnd(
	ctx context.Context,
	data pgx.TraceConnectEndData,
) {
	t.end(ctx, data.Err, nil)
}
