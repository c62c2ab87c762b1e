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

func newPricingTiersCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pricing-tiers",
		Short: "Manage the prices applied to invoices",
	}

	cmd.AddCommand(
		newPricingTiersListCmd(opts),
		newPricingTiersSetCmd(opts),
	)

	return cmd
}

func newPricingTiersListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the pricing tiers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			tiers, err := client.PricingTiers(cmd.Context())
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), tiers)
		},
	}
}

func newPricingTiersSetCmd(opts *globalOptions) *cobra.Command {
	var (
		price  int64
		active bool
	)

	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Create or replace a pricing tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			tier, err := client.SetPricingTier(cmd.Context(), args[0], price, active)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), tier)
		},
	}

	cmd.Flags().Int64Var(&price, "price", 0, "price per thousand calls, in minor units")
	cmd.Flags().BoolVar(&active, "active", true, "whether invoices use the tier")
	_ = cmd.MarkFlagRequired("price")

	return cmd
}
