package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newLadderCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "ladder",
		Short: "Show the model ladder, best tier first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			ladder, err := cfg.ModelLadder()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIER\tPROVIDER\tMODEL\tQUALITY\t$/1K IN\t$/1K OUT\t1K+1K COST\tMAX TOKENS")
			for i, t := range ladder.Tiers() {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%.5f\t%.5f\t%.5f\t%d\n",
					i, t.Provider, t.Model, t.QualityScore,
					t.CostPer1KInput, t.CostPer1KOutput, t.EstimateCost(1000, 1000), t.MaxTokens)
			}
			return w.Flush()
		},
	}
}
