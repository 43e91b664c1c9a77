package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wolfman30/wa-lead-router/internal/phone"
)

func newPhoneCmd() *cobra.Command {
	var country string
	cmd := &cobra.Command{
		Use:   "phone",
		Short: "Phone number tools",
	}
	cmd.PersistentFlags().StringVar(&country, "country", phone.DefaultCountryCode, "home country calling code")

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <number>",
		Short: "Report how a raw number canonicalizes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := phone.New(country).Validate(args[0])
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "gateway <number>",
		Short: "Print the address the gateway expects for a number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := phone.New(country)
			canonical, err := n.Normalize(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n.ToGatewayAddress(canonical))
			return nil
		},
	})
	return cmd
}
