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
	"time"

	"go.gearno.de/meter"
)

type (
	// SubjectView is a subject as rendered by the API. The API key
	// hash never leaves the server.
	SubjectView struct {
		ID              string              `json:"id"`
		Name            string              `json:"name"`
		Status          meter.SubjectStatus `json:"status"`
		RateLimit       int                 `json:"rate_limit"`
		RateLimitWindow int                 `json:"rate_limit_window"`
		PricingTier     string              `json:"pricing_tier"`
		APIKeyPrefix    string              `json:"api_key_prefix,omitempty"`
		CreatedAt       time.Time           `json:"created_at"`
		UpdatedAt       time.Time           `json:"updated_at"`
	}

	CreatedSubject struct {
		Subject SubjectView `json:"subject"`

		// APIKey is the raw key, returned only once.
		APIKey string `json:"api_key"`
	}

	PurgeResult struct {
		RetentionDays int   `json:"retention_days"`
		Deleted       int64 `json:"deleted"`
	}
)

func NewSubjectView(s *meter.Subject) SubjectView {
	return SubjectView{
		ID:              s.ID,
		Name:            s.Name,
		Status:          s.Status,
		RateLimit:       s.RateLimit,
		RateLimitWindow: s.RateLimitWindow,
		PricingTier:     s.PricingTier,
		APIKeyPrefix:    s.APIKeyPrefix,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}
