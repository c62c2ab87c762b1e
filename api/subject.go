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
	"fmt"
	"net/http"
	"strings"

	"go.gearno.de/meter"
	"go.gearno.de/meter/httpserver"
	"go.gearno.de/meter/period"
	"go.gearno.de/meter/usage"
)

type (
	UsageEventRequest struct {
		Endpoint     string  `json:"endpoint"`
		Method       string  `json:"method"`
		StatusCode   int     `json:"status_code"`
		LatencyMs    float64 `json:"latency_ms"`
		RequestSize  int64   `json:"request_size"`
		ResponseSize int64   `json:"response_size"`
	}
)

func (a *API) getOwnRateLimit(w http.ResponseWriter, r *http.Request) {
	subject, _ := SubjectFromContext(r.Context())

	status, err := a.limiter.Status(r.Context(), subject.ID)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	httpserver.RenderJSON(w, http.StatusOK, status)
}

func (a *API) getOwnUsage(w http.ResponseWriter, r *http.Request) {
	subject, _ := SubjectFromContext(r.Context())
	a.renderUsage(w, r, subject.ID)
}

func (a *API) renderUsage(w http.ResponseWriter, r *http.Request, subjectID string) {
	month, err := queryMonth(r, period.MonthOf(a.clock()))
	if err != nil {
		a.fail(w, r, err)
		return
	}

	summary, err := a.aggregator.Summary(r.Context(), subjectID, month)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	httpserver.RenderJSON(w, http.StatusOK, summary)
}

// logUsageEvent records a call served outside of the metered routes,
// reported by the subject itself.
func (a *API) logUsageEvent(w http.ResponseWriter, r *http.Request) {
	subject, _ := SubjectFromContext(r.Context())

	var req UsageEventRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}

	if err := validateUsageEvent(req); err != nil {
		a.fail(w, r, err)
		return
	}

	summary, err := a.aggregator.RecordEvent(
		r.Context(),
		usage.Event{
			SubjectID:    subject.ID,
			Endpoint:     req.Endpoint,
			Method:       strings.ToUpper(req.Method),
			StatusCode:   req.StatusCode,
			LatencyMs:    req.LatencyMs,
			RequestSize:  req.RequestSize,
			ResponseSize: req.ResponseSize,
		},
	)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	httpserver.RenderJSON(w, http.StatusCreated, summary)
}

func validateUsageEvent(req UsageEventRequest) error {
	switch {
	case req.Endpoint == "":
		return fmt.Errorf("%w: endpoint is required", meter.ErrInvalidArgument)
	case req.Method == "":
		return fmt.Errorf("%w: method is required", meter.ErrInvalidArgument)
	case req.StatusCode < 100 || req.StatusCode > 599:
		return fmt.Errorf("%w: status code %d is out of range", meter.ErrInvalidArgument, req.StatusCode)
	case req.LatencyMs < 0:
		return fmt.Errorf("%w: latency cannot be negative", meter.ErrInvalidArgument)
	case req.RequestSize < 0 || req.ResponseSize < 0:
		return fmt.Errorf("%w: sizes cannot be negative", meter.ErrInvalidArgument)
	}

	return nil
}
