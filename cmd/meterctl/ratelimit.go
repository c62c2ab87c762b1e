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
	"github.com/spf13/cobra"
)

func newRateLimitCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rate-limit",
		Short: "Inspect and configure rate limits",
	}

	cmd.AddCommand(
		newRateLimitGetCmd(opts),
		newRateLimitSetCmd(opts),
		newRateLimitStatsCmd(opts),
		newRateLimitPurgeCmd(opts),
	)

	return cmd
}

func newRateLimitGetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <subject-id>",
		Short: "Show the current window usage of a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			status, err := client.GetRateLimit(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

func newRateLimitSetCmd(opts *globalOptions) *cobra.Command {
	var limit, window int

	cmd := &cobra.Command{
		Use:   "set <subject-id>",
		Short: "Change the limit and window of a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			subject, err := client.SetRateLimit(cmd.Context(), args[0], limit, window)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), subject)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "requests per window")
	cmd.Flags().IntVar(&window, "window", 3600, "window length in seconds")
	_ = cmd.MarkFlagRequired("limit")

	return cmd
}

func newRateLimitStatsCmd(opts *globalOptions) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show request statistics per subject",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			report, err := client.RateLimitStats(cmd.Context(), days)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "number of days to cover")

	return cmd
}

func newRateLimitPurgeCmd(opts *globalOptions) *cobra.Command {
	var retentionDays int

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete counter windows older than the retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			result, err := client.PurgeRateLimitWindows(cmd.Context(), retentionDays)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().IntVar(&retentionDays, "retention-days", 7, "days of windows to keep")

	return cmd
}
