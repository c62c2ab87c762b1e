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

// Package ratelimit decides whether a subject may issue one more
// request using fixed-window counters.
//
// # Algorithm
//
// Time is split in windows of the subject's configured length, aligned
// on the Unix epoch (see package window). Each (subject, window start)
// pair owns one counter held by a CounterStore. Check reads the
// counter, creating it at zero when absent, and allows the request when
// the count is below the subject's limit. RecordRequest increments the
// counter of the window containing the current instant.
//
// The Limiter keeps no state between calls: every Check reads the
// store again, so several processes can share one store.
//
// # Window boundary
//
// Check and RecordRequest are two calls. RecordRequest computes its
// window again, so a request admitted at the very end of window N may
// be counted in window N+1. This is inherent to fixed windows and is
// kept as is. Callers that only want to preview the decision call
// Check alone.
//
// # Failures
//
// Any store error is returned wrapped in meter.ErrPersistence and the
// caller must deny the request.
//
// # Usage
//
//	limiter := ratelimit.NewLimiter(
//	    counters,
//	    subjects,
//	    ratelimit.WithLogger(logger),
//	    ratelimit.WithRegisterer(registry),
//	)
//
//	limiter.StartCleanup(ctx)
//
//	result, err := limiter.Check(ctx, subjectID)
//	if err != nil {
//	    // deny
//	}
//
//	if !result.Allowed {
//	    // 429 Too Many Requests, reset at result.WindowEnd
//	}
//
//	// serve, then
//	_, err = limiter.RecordRequest(ctx, subjectID)
//
// # Metrics
//
//   - ratelimit_checks_total{result}: checks by allowed, denied or error
//   - ratelimit_check_duration_seconds{result}: check latency
//   - ratelimit_recorded_requests_total: successful increments
//   - ratelimit_purged_windows_total: counters removed by purges
package ratelimit
