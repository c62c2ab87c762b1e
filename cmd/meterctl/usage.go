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
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newUsageCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect usage summaries",
	}

	cmd.AddCommand(
		newUsageGetCmd(opts),
		newUsageEventsCmd(opts),
	)

	return cmd
}

func newUsageGetCmd(opts *globalOptions) *cobra.Command {
	var month string

	cmd := &cobra.Command{
		Use:   "get <subject-id>",
		Short: "Show the usage summary of a subject for a month",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMonthFlag(month)
			if err != nil {
				return err
			}

			client, err := opts.client()
			if err != nil {
				return err
			}

			summary, err := client.Usage(cmd.Context(), args[0], m)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), summary)
		},
	}

	cmd.Flags().StringVar(&month, "month", "", "month as YYYY-MM (current month when empty)")

	return cmd
}

func newUsageEventsCmd(opts *globalOptions) *cobra.Command {
	var (
		since string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "events <subject-id>",
		Short: "List the latest usage events of a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t time.Time
			if since != "" {
				var err error
				t, err = time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("invalid --since %q: expected RFC 3339", since)
				}
			}

			client, err := opts.client()
			if err != nil {
				return err
			}

			events, err := client.UsageEvents(cmd.Context(), args[0], t, limit)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), events)
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "RFC 3339 lower bound (start of the current month when empty)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events (server default when 0)")

	return cmd
}
