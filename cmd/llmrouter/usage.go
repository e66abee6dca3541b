package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newUsageCmd(g *globals) *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Summarize the ledger per route",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := g.openLedger()
			if err != nil {
				return err
			}
			defer store.Close()

			sums, err := store.Summary(cmd.Context(), time.Now().Add(-since))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(sums) == 0 {
				fmt.Fprintln(out, "No requests recorded.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tMODEL\tREQUESTS\tFAILURES\tTOKENS IN\tTOKENS OUT\tCOST")
			var total float64
			for _, s := range sums {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t$%.4f\n",
					s.Provider, s.Model, s.Requests, s.Failures, s.TokensIn, s.TokensOut, s.CostUSD)
				total += s.CostUSD
			}
			fmt.Fprintf(w, "\t\t\t\t\tTOTAL\t$%.4f\n", total)
			return w.Flush()
		},
	}

	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to summarize")

	return cmd
}
