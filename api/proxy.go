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
	stdlog "log"
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.gearno.de/meter/httpserver"
	"go.gearno.de/meter/log"
)

const (
	// HeaderSubjectID carries the id of the authenticated subject to
	// the upstream.
	HeaderSubjectID = "X-Meter-Subject-Id"
)

// NewProxy returns a handler forwarding metered requests to target
// with transport. The API key headers are dropped and replaced by
// HeaderSubjectID.
func NewProxy(target *url.URL, transport http.RoundTripper, logger *log.Logger) http.Handler {
	logger = logger.Named("proxy")

	return &httputil.ReverseProxy{
		Transport: transport,
		ErrorLog:  stdlog.New(logger.NewWriter(log.LevelError), "", 0),
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()

			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("X-API-Key")
			pr.Out.Header.Del(HeaderSubjectID)

			if subject, ok := SubjectFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(HeaderSubjectID, subject.ID)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.ErrorCtx(r.Context(), "cannot reach upstream", log.Error(err))
			httpserver.RenderError(w, http.StatusBadGateway, errors.New("upstream unavailable"))
		},
	}
}
