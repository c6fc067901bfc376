package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alovak/cardflow-checkout/internal/cardgen"
)

func testCardCmd() *cobra.Command {
	var (
		bin    string
		length int
		count  int
	)

	cmd := &cobra.Command{
		Use:   "testcard",
		Short: "Print Luhn-valid sandbox card numbers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("count must be positive")
			}
			for i := 0; i < count; i++ {
				pan, err := cardgen.GeneratePAN(bin, length)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), pan)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&bin, "bin", "553188", "6/8/9-digit BIN prefix")
	cmd.Flags().IntVar(&length, "length", 16, "card number length, 13..19")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "how many numbers to print")
	return cmd
}
