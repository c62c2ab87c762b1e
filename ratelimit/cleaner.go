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
	"fmt"
	"time"

	"go.gearno.de/meter"
	"go.gearno.de/meter/log"
	"go.opentelemetry.io/otel/attribute"
)

// PurgeWindowsOlderThan deletes the counters of windows started more
// than retentionDays days ago and returns how many were removed.
func (l *Limiter) PurgeWindowsOlderThan(ctx context.Context, retentionDays int) (_ int64, err error) {
	ctx, span := l.startSpan(
		ctx,
		"ratelimit.PurgeWindowsOlderThan",
		attribute.Int("ratelimit.retention_days", retentionDays),
	)
	defer func() { endSpan(span, err) }()

	if retentionDays < 1 {
		return 0, fmt.Errorf("%w: retention must be at least 1 day, got %d", meter.ErrInvalidArgument, retentionDays)
	}

	cutoff := l.clock().AddDate(0, 0, -retentionDays)

	deleted, err := l.counters.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, meter.Persistence("delete window counters", err)
	}

	l.purgedTotal.Add(float64(deleted))

	if span != nil {
		span.SetAttributes(attribute.Int64("ratelimit.rows_deleted", deleted))
	}

	l.logger.InfoCtx(
		ctx,
		"rate limit windows purged",
		log.Int64("rows_deleted", deleted),
		log.Time("cutoff", cutoff),
	)

	return deleted, nil
}

// StartCleanup starts a background goroutine purging counters older
// than the retention every cleanup interval. The goroutine stops when
// ctx is cancelled.
//
// This method is safe to call multiple times; only the first call
// starts the goroutine.
func (l *Limiter) StartCleanup(ctx context.Context) {
	l.cleanupOnce.Do(func() {
		go l.runCleanupLoop(ctx)
	})
}

func (l *Limiter) runCleanupLoop(ctx context.Context) {
	l.logger.InfoCtx(
		ctx,
		"starting rate limit cleanup loop",
		log.Duration("interval", l.cleanupInterval),
		log.Int("retention_days", l.retentionDays),
	)

	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.InfoCtx(ctx, "stopping rate limit cleanup loop")
			return
		case <-ticker.C:
			if _, err := l.PurgeWindowsOlderThan(ctx, l.retentionDays); err != nil {
				l.logger.ErrorCtx(ctx, "rate limit cleanup failed", log.Error(err))
			}
		}
	}
}
