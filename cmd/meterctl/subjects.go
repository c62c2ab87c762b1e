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
	"go.gearno.de/meter"
	"go.gearno.de/meter/api"
)

func newSubjectsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subjects",
		Short: "Manage metered subjects",
	}

	cmd.AddCommand(newSubjectsCreateCmd(opts), newSubjectsStatusCmd(opts))

	return cmd
}

func newSubjectsCreateCmd(opts *globalOptions) *cobra.Command {
	var req api.CreateSubjectRequest

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a subject and print its API key",
		Long: `Create a subject and print its API key.

The key is only shown once; store it before closing the terminal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			created, err := client.CreateSubject(cmd.Context(), req)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), created)
		},
	}

	cmd.Flags().StringVar(&req.ID, "id", "", "subject id (generated when empty)")
	cmd.Flags().StringVar(&req.Name, "name", "", "display name")
	cmd.Flags().IntVar(&req.RateLimit, "limit", 0, "requests per window")
	cmd.Flags().IntVar(&req.RateLimitWindow, "window", 0, "window length in seconds")
	cmd.Flags().StringVar(&req.PricingTier, "tier", "", "pricing tier name")

	return cmd
}

func newSubjectsStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <subject-id> <active|inactive|suspended|deleted>",
		Short: "Change the status of a subject",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			subject, err := client.SetSubjectStatus(cmd.Context(), args[0], meter.SubjectStatus(args[1]))
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), subject)
		},
	}
}
