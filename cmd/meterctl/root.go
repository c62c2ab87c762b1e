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

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.gearno.de/meter/apiclient"
	"go.gearno.de/meter/httpclient"
	"go.gearno.de/meter/period"
)

type (
	globalOptions struct {
		addr    string
		token   string
		timeout time.Duration
	}
)

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "meterctl",
		Short: "Administer a meterd instance",
		Long: `Administer subjects, rate limits, usage and invoices of a meterd
instance through its admin API.

The admin token is read from --token or the METER_ADMIN_TOKEN
environment variable.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.addr, "addr", envOr("METER_ADDR", "http://localhost:8080"), "base url of the meterd api")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("METER_ADMIN_TOKEN"), "admin bearer token")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	cmd.AddCommand(
		newSubjectsCmd(opts),
		newRateLimitCmd(opts),
		newUsageCmd(opts),
		newInvoicesCmd(opts),
		newPricingTiersCmd(opts),
	)

	return cmd
}

func (o *globalOptions) client() (*apiclient.Client, error) {
	if o.token == "" {
		return nil, fmt.Errorf("admin token required: use --token or METER_ADMIN_TOKEN")
	}

	return apiclient.New(o.addr, o.token, httpclient.DefaultClient(httpclient.WithTimeout(o.timeout)))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	return encoder.Encode(v)
}

func parseMonthFlag(s string) (*period.Month, error) {
	if s == "" {
		return nil, nil
	}

	m, err := period.ParseMonth(s)
	if err != nil {
		return nil, fmt.Errorf("invalid --month: %w", err)
	}

	return &m, nil
}
