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

package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.gearno.de/meter"
	"go.gearno.de/meter/apikey"
	"go.gearno.de/meter/httpserver"
	"go.gearno.de/meter/log"
	"go.gearno.de/meter/ratelimit"
	"go.gearno.de/meter/usage"
)

type (
	ctxKey struct{ name string }
)

const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

var (
	subjectCtxKey = &ctxKey{name: "subject"}
)

// SubjectFromContext returns the subject authenticated by
// Authenticate.
func SubjectFromContext(ctx context.Context) (*meter.Subject, bool) {
	s, ok := ctx.Value(subjectCtxKey).(*meter.Subject)
	return s, ok
}

// Authenticate resolves the active subject owning the API key of the
// request and stores it in the request context.
func (a *API) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := a.authenticate(r)
		if err != nil {
			a.fail(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), subjectCtxKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) authenticate(r *http.Request) (*meter.Subject, error) {
	raw := apikey.Extract(r)
	if raw == "" {
		return nil, errMissingAPIKey
	}

	prefix, ok := apikey.PrefixOf(raw, a.keyPrefix)
	if !ok {
		return nil, errInvalidAPIKey
	}

	subject, err := a.subjects.GetSubjectByAPIKeyPrefix(r.Context(), prefix)
	if err != nil {
		if errors.Is(err, meter.ErrSubjectNotFound) {
			return nil, errInvalidAPIKey
		}

		return nil, meter.Persistence("load subject by api key", err)
	}

	if !apikey.Verify(raw, subject.APIKeyHash) {
		return nil, errInvalidAPIKey
	}

	if !subject.IsActive() {
		return nil, fmt.Errorf("%w: subject is %s", meter.ErrSubjectInactive, subject.Status)
	}

	return subject, nil
}

// Meter authenticates the request, denies it with 429 when the
// subject exhausted its current window and otherwise serves it with
// next. Once served, the request is counted against the window and
// recorded as a usage event. Any storage failure before serving
// denies the request with 503.
//
// Check and RecordRequest are separate store operations, so
// concurrent requests of one subject can all pass Check before any of
// them is counted. A burst can exceed the limit by up to the number
// of in-flight requests; the overshoot is visible in the window count
// and every later request of the window is denied.
func (a *API) Meter(next http.Handler) http.Handler {
	return a.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		subject, _ := SubjectFromContext(ctx)

		result, err := a.limiter.Check(ctx, subject.ID)
		if err != nil {
			a.fail(w, r, err)
			return
		}

		if !result.Allowed {
			setRateLimitHeaders(w, result, 0)
			w.Header().Set(HeaderRetryAfter, strconv.Itoa(retryAfter(a.clock(), result.WindowEnd)))
			httpserver.RenderError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}

		// The admitted request consumes one slot of the window.
		setRateLimitHeaders(w, result, max(0, result.Remaining-1))

		var (
			start = time.Now()
			ww    = middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		a.record(
			context.WithoutCancel(ctx),
			usage.Event{
				SubjectID:    subject.ID,
				Endpoint:     r.URL.Path,
				Method:       r.Method,
				StatusCode:   status,
				LatencyMs:    float64(time.Since(start).Microseconds()) / 1e3,
				RequestSize:  max(0, r.ContentLength),
				ResponseSize: int64(ww.BytesWritten()),
			},
		)
	}))
}

// record counts a served request. The response is already sent so
// failures are only logged.
func (a *API) record(ctx context.Context, e usage.Event) {
	logger := a.logger.With(
		log.String("subject_id", e.SubjectID),
		log.String("endpoint", e.Endpoint),
	)

	if _, err := a.limiter.RecordRequest(ctx, e.SubjectID); err != nil {
		logger.ErrorCtx(ctx, "cannot record request", log.Error(err))
	}

	if _, err := a.aggregator.RecordEvent(ctx, e); err != nil {
		logger.ErrorCtx(ctx, "cannot record usage event", log.Error(err))
	}
}

func setRateLimitHeaders(w http.ResponseWriter, result *ratelimit.Result, remaining int) {
	h := w.Header()
	h.Set(HeaderRateLimitLimit, strconv.Itoa(result.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(remaining))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(result.WindowEnd.Unix(), 10))
}

// retryAfter returns the whole number of seconds until the window
// ends, at least one.
func retryAfter(now, windowEnd time.Time) int {
	return max(1, int(math.Ceil(windowEnd.Sub(now).Seconds())))
}
