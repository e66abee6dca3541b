package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           "llmrouter",
		Short:         "llmrouter: resilient request router for LLM backends",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to router config (YAML, or TOML by .toml extension)")
	root.PersistentFlags().StringVar(&g.logFile, "log-file", "", "write JSON logs to this rotating file instead of stderr")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.ledgerPath, "ledger", "", "SQLite file recording every routed request")

	root.AddCommand(
		newEstimateCmd(g),
		newLadderCmd(g),
		newRouteCmd(g),
		newBenchCmd(g),
		newUsageCmd(g),
	)
	return root
}
