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

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}

		record := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		records = append(records, record)
	}

	return records
}

func TestLogger_Named(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf), WithName("meterd"))

	logger.Named("ratelimit").Info("hello", String("subject_id", "s1"))

	records := decodeLines(t, &buf)
	require.Len(t, records, 1)
	assert.Equal(t, "meterd.ratelimit", records[0]["name"])
	assert.Equal(t, "hello", records[0]["msg"])
	assert.Equal(t, "s1", records[0]["subject_id"])
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf)).With(String("a", "1"))
	logger.With(String("b", "2")).Warn("both")
	logger.Info("only a")

	records := decodeLines(t, &buf)
	require.Len(t, records, 2)
	assert.Equal(t, "1", records[0]["a"])
	assert.Equal(t, "2", records[0]["b"])
	assert.Equal(t, "WARN", records[0]["level"])
	assert.NotContains(t, records[1], "b")
}

func TestLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf), WithLevel(LevelWarn))

	logger.Info("dropped")
	logger.Debug("dropped")
	logger.Error("kept")

	records := decodeLines(t, &buf)
	require.Len(t, records, 1)
	assert.Equal(t, "kept", records[0]["msg"])
}

func TestLogger_TraceContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf))

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	logger.InfoCtx(ctx, "traced")

	records := decodeLines(t, &buf)
	require.Len(t, records, 1)
	assert.Equal(t, span.SpanContext().TraceID().String(), records[0]["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), records[0]["span_id"])
}

func TestLogger_Pretty(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf), WithFormat(FormatPretty), WithName("billing"))

	logger.Error("invoice failed", String("subject_id", "s1"), Error(assert.AnError))

	out := buf.String()
	assert.Contains(t, out, "billing")
	assert.Contains(t, out, "invoice failed")
	assert.Contains(t, out, "subject_id=")
	assert.Contains(t, out, assert.AnError.Error())
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WithOutput(&buf))

	w := logger.NewWriter(LevelError)
	n, err := w.Write([]byte("http: TLS handshake error\n"))
	require.NoError(t, err)
	assert.Equal(t, 26, n)

	records := decodeLines(t, &buf)
	require.Len(t, records, 1)
	assert.Equal(t, "http: TLS handshake error", records[0]["msg"])
	assert.Equal(t, "ERROR", records[0]["level"])
}
