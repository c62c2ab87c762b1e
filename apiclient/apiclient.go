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

// Package apiclient calls the admin routes of the metering API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.gearno.de/meter"
	"go.gearno.de/meter/api"
	"go.gearno.de/meter/billing"
	"go.gearno.de/meter/period"
	"go.gearno.de/meter/ratelimit"
	"go.gearno.de/meter/usage"
)

type (
	Client struct {
		baseURL *url.URL
		token   string
		http    *http.Client
	}

	// Error is a non 2xx answer of the API.
	Error struct {
		StatusCode int    `json:"-"`
		Code       string `json:"error"`
		Message    string `json:"message"`
	}
)

func (e *Error) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// New returns a client of the API listening at baseURL, sending
// token as admin bearer token.
func New(baseURL, token string, hc *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("cannot parse base url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("cannot use base url %q: scheme must be http or https", baseURL)
	}

	return &Client{baseURL: u, token: token, http: hc}, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL.JoinPath(path)
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cannot encode request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("cannot create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}

		return apiErr
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("cannot decode response body: %w", err)
	}

	return nil
}

func (c *Client) CreateSubject(ctx context.Context, req api.CreateSubjectRequest) (*api.CreatedSubject, error) {
	var out api.CreatedSubject
	if err := c.do(ctx, http.MethodPost, "/admin/subjects", nil, req, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

func (c *Client) SetSubjectStatus(ctx context.Context, id string, status meter.SubjectStatus) (*api.SubjectView, error) {
	var out api.SubjectView
	path := "/admin/subjects/" + url.PathEscape(id) + "/status"
	if err := c.do(ctx, http.MethodPut, path, nil, api.UpdateStatusRequest{Status: status}, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

func (c *Client) GetRateLimit(ctx context.Context, id string) (*ratelimit.Status, error) {
	var out ratelimit.Status
	path := "/admin/subjects/" + url.PathEscape(id) + "/rate-limit"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

func (c *Client) SetRateLimit(ctx context.Context, id string, limit, windowSeconds int) (*api.SubjectView, error) {
	var out api.SubjectView
	path := "/admin/subjects/" + url.PathEscape(id) + "/rate-limit"
	req := api.UpdateRateLimitRequest{Limit: limit, WindowSeconds: windowSeconds}
	if err := c.do(ctx, http.MethodPut, path, nil, req, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

func (c *Client) RateLimitStats(ctx context.Context, days int) (*ratelimit.StatsReport, error) {
	var out ratelimit.StatsReport
	query := url.Values{"days": {strconv.Itoa(days)}}
	if err := c.do(ctx, http.MethodGet, "/admin/rate-limit/stats", query, nil, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

func (c *Client) PurgeRateLimitWindows(ctx context.Context, retentionDays int) (*api.PurgeResult, error) {
	var out api.PurgeResult
	query := url.Values{"retention_days": {strconv.Itoa(retentionDays)}}
	if err := c.do(ctx, http.MethodPost, "/admin/rate-limit/purge", query, nil, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// Usage returns the usage summary of a subject. A nil month selects
// the current month.
func (c *Client) Usage(ctx context.Context, id string, month *period.Month) (*usage.Summary, error) {
	var out usage.Summary

	query := url.Values{}
	if month != nil {
		query.Set("month", month.String())
	}

	path := "/admin/subjects/" + url.PathEscape(id) + "/usage"
	if err := c.do(ctx, http.MethodGet, path, query, nil, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// UsageEvents returns up to limit usage events of a subject recorded
// at or after since, newest first. A zero since selects the start of
// the current month and a zero limit the server default.
func (c *Client) UsageEvents(ctx context.Context, id string, since time.Time, limit int) ([]*usage.Event, error) {
	var out []*usage.Event

	query := url.Values{}
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	path := "/admin/subjects/" + url.PathEscape(id) + "/usage/events"
	if err := c.do(ctx, http.MethodGet, path, query, nil, &out); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *Client) Invoice(ctx context.Context, id string) (*billing.Invoice, error) {
	var out billing.Invoice
	if err := c.do(ctx, http.MethodGet, "/admin/invoices/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// Invoices pages through the invoices of a subject, newest month
// first. A zero limit selects the server default.
func (c *Client) Invoices(ctx context.Context, subjectID string, limit, offset int) ([]*billing.Invoice, error) {
	var out []*billing.Invoice

	query := url.Values{"offset": {strconv.Itoa(offset)}}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	path := "/admin/subjects/" + url.PathEscape(subjectID) + "/invoices"
	if err := c.do(ctx, http.MethodGet, path, query, nil, &out); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *Client) PricingTiers(ctx context.Context) ([]*billing.PricingTier, error) {
	var out []*billing.PricingTier
	if err := c.do(ctx, http.MethodGet, "/admin/pricing-tiers", nil, nil, &out); err != nil {
		return nil, err
	}

	return out, nil
}

// SetPricingTier creates or replaces the pricing tier name.
func (c *Client) SetPricingTier(ctx context.Context, name string, pricePerThousand int64, active bool) (*billing.PricingTier, error) {
	var out billing.PricingTier
	req := api.PricingTierRequest{PricePerThousand: pricePerThousand, Active: &active}
	if err := c.do(ctx, http.MethodPut, "/admin/pricing-tiers/"+url.PathEscape(name), nil, req, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// RunInvoices generates the invoices of month, or of the previous
// month when month is nil.
func (c *Client) RunInvoices(ctx context.Context, month *period.Month) (*billing.RunReport, error) {
	var out billing.RunReport
	if err := c.do(ctx, http.MethodPost, "/admin/invoices/runs", nil, api.InvoiceRunRequest{Month: month}, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

func (c *Client) MarkInvoicePaid(ctx context.Context, id string) (*billing.Invoice, error) {
	return c.invoiceTransition(ctx, id, "paid")
}

func (c *Client) MarkInvoiceOverdue(ctx context.Context, id string) (*billing.Invoice, error) {
	return c.invoiceTransition(ctx, id, "overdue")
}

func (c *Client) invoiceTransition(ctx context.Context, id, to string) (*billing.Invoice, error) {
	var out billing.Invoice
	path := "/admin/invoices/" + url.PathEscape(id) + "/" + to
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

func (c *Client) SweepOverdueInvoices(ctx context.Context) (*billing.SweepReport, error) {
	var out billing.SweepReport
	if err := c.do(ctx, http.MethodPost, "/admin/invoices/sweeps", nil, nil, &out); err != nil {
		return nil, err
	}

	return &out, nil
}
