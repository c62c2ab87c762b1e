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

func newInvoicesCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoices",
		Short: "Generate invoices and manage their status",
	}

	cmd.AddCommand(
		newInvoicesGetCmd(opts),
		newInvoicesListCmd(opts),
		newInvoicesRunCmd(opts),
		newInvoicesSweepCmd(opts),
		newInvoicesPaidCmd(opts),
		newInvoicesOverdueCmd(opts),
	)

	return cmd
}

func newInvoicesGetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <invoice-id>",
		Short: "Show an invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			invoice, err := client.Invoice(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), invoice)
		},
	}
}

func newInvoicesListCmd(opts *globalOptions) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list <subject-id>",
		Short: "List the invoices of a subject, latest month first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			invoices, err := client.Invoices(cmd.Context(), args[0], limit, offset)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), invoices)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "page size (server default when 0)")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of invoices to skip")

	return cmd
}

func newInvoicesRunCmd(opts *globalOptions) *cobra.Command {
	var month string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate the invoices of a closed month",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := parseMonthFlag(month)
			if err != nil {
				return err
			}

			client, err := opts.client()
			if err != nil {
				return err
			}

			report, err := client.RunInvoices(cmd.Context(), m)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().StringVar(&month, "month", "", "month as YYYY-MM (previous month when empty)")

	return cmd
}

func newInvoicesSweepCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark pending invoices past their due date as overdue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			report, err := client.SweepOverdueInvoices(cmd.Context())
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func newInvoicesPaidCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "paid <invoice-id>",
		Short: "Mark an invoice as paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			invoice, err := client.MarkInvoicePaid(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), invoice)
		},
	}
}

func newInvoicesOverdueCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "overdue <invoice-id>",
		Short: "Mark an invoice as overdue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			invoice, err := client.MarkInvoiceOverdue(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), invoice)
		},
	}
}
