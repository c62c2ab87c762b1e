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
	"errors"
	"net/http"

	"go.gearno.de/meter"
	"go.gearno.de/meter/httpserver"
	"go.gearno.de/meter/log"
)

var (
	errMissingAPIKey = errors.New("missing api key")
	errInvalidAPIKey = errors.New("invalid api key")
	errUnauthorized  = errors.New("invalid admin token")
)

func renderError(w http.ResponseWriter, status int, msg string) {
	httpserver.RenderError(w, status, errors.New(msg))
}

// fail renders err with the status matching its kind. Storage and
// unexpected errors are logged and rendered without their details.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)

	switch status {
	case http.StatusServiceUnavailable:
		a.logger.ErrorCtx(r.Context(), "storage failure", log.Error(err))
		renderError(w, status, "service temporarily unavailable")
	case http.StatusInternalServerError:
		a.logger.ErrorCtx(r.Context(), "unexpected error", log.Error(err))
		renderError(w, status, "internal error")
	default:
		httpserver.RenderError(w, status, err)
	}
}

func statusOf(err error) int {
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.Is(err, meter.ErrPersistence):
		return http.StatusServiceUnavailable
	case errors.Is(err, errMissingAPIKey),
		errors.Is(err, errInvalidAPIKey),
		errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, meter.ErrSubjectInactive):
		return http.StatusForbidden
	case errors.Is(err, meter.ErrSubjectNotFound),
		errors.Is(err, meter.ErrInvoiceNotFound),
		errors.Is(err, meter.ErrPricingTierNotFound):
		return http.StatusNotFound
	case errors.Is(err, meter.ErrSubjectExists),
		errors.Is(err, meter.ErrInvoiceExists),
		errors.Is(err, meter.ErrUsageEventExists),
		errors.Is(err, meter.ErrInvalidTransition):
		return http.StatusConflict
	case errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, meter.ErrPeriodNotClosed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, meter.ErrInvalidLimit),
		errors.Is(err, meter.ErrInvalidWindow),
		errors.Is(err, meter.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
