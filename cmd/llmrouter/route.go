package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ineyio/llmrouter"
)

type routeFlags struct {
	provider    string
	model       string
	file        string
	budget      bool
	maxTokens   int
	temperature float64
	timeout     time.Duration
}

func newRouteCmd(g *globals) *cobra.Command {
	f := &routeFlags{}

	cmd := &cobra.Command{
		Use:   "route [prompt...]",
		Short: "Route a prompt through the configured providers",
		Long: `Route a prompt to a provider/model with admission control, circuit
breaking and retries.

With --budget the route is picked by the budget manager from the configured
ladder, starting at --provider/--model when given. A request that does not
fit the budget moves down the ladder; at the cheapest tier the command fails
asking for a shorter prompt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(f.file, args)
			if err != nil {
				return err
			}

			e, err := g.setup()
			if err != nil {
				return err
			}
			defer e.Close()

			opts := llmrouter.Options{Timeout: f.timeout}
			if cmd.Flags().Changed("temperature") {
				opts.Temperature = &f.temperature
			}
			if f.maxTokens > 0 {
				opts.MaxTokens = &f.maxTokens
			}

			if f.budget {
				return routeWithBudget(cmd.Context(), cmd.OutOrStdout(), e, f, prompt, opts)
			}
			if f.provider == "" || f.model == "" {
				return errors.New("--provider and --model are required without --budget")
			}

			res, err := e.router.Route(cmd.Context(), f.provider, f.model, prompt, opts, llmrouter.PriorityNormal)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().StringVar(&f.provider, "provider", "", "provider name")
	cmd.Flags().StringVar(&f.model, "model", "", "model name")
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "read the prompt from a file")
	cmd.Flags().BoolVar(&f.budget, "budget", false, "consult the budget manager and honor downgrade decisions")
	cmd.Flags().IntVar(&f.maxTokens, "max-tokens", 0, "maximum output tokens")
	cmd.Flags().Float64Var(&f.temperature, "temperature", 0, "sampling temperature")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "per-attempt timeout (0 = none)")

	return cmd
}

func routeWithBudget(ctx context.Context, out io.Writer, e *env, f *routeFlags, prompt string, opts llmrouter.Options) error {
	ladder, err := e.cfg.ModelLadder()
	if err != nil {
		return err
	}

	bcfg := e.cfg.Budget
	if f.provider != "" || f.model != "" {
		i := ladder.Index(f.provider, f.model)
		if i < 0 {
			return fmt.Errorf("%s is not on the ladder", llmrouter.RouteKey(f.provider, f.model))
		}
		bcfg.InitialTier = i
	}
	budget, err := llmrouter.NewBudgetManager(ladder, bcfg)
	if err != nil {
		return err
	}

	est := llmrouter.NewTokenEstimator(llmrouter.WithEstimatorLogger(e.logger))

	var decision llmrouter.Decision
	for {
		tier := budget.CurrentTier()
		promptTokens := int64(est.Estimate(prompt, tier.Model, tier.Provider))
		decision, err = budget.ReserveFor(promptTokens, outputBudget(opts, tier))
		if err != nil {
			return err
		}
		if decision.Action == llmrouter.DecisionProceed {
			break
		}
		if decision.Action == llmrouter.DecisionSummarize {
			return fmt.Errorf("budget exhausted at %s: summarize the prompt and retry", decision.Tier.RouteKey())
		}
		e.logger.Info("budget downgrade",
			"route", decision.Tier.RouteKey(),
			"tier", decision.TierIndex,
			"estimated_tokens", promptTokens,
		)
	}

	res, err := e.router.Route(ctx, decision.Tier.Provider, decision.Tier.Model, prompt, opts, llmrouter.PriorityNormal)
	if err != nil {
		if rerr := budget.Release(decision.Reservation); rerr != nil {
			e.logger.Warn("budget release failed", "error", rerr)
		}
		return err
	}
	if err := budget.Commit(decision.Reservation, res.TokensIn+res.TokensOut, res.CostUSD); err != nil {
		return err
	}

	printResult(out, res)
	snap := budget.Snapshot()
	fmt.Fprintf(out, "budget: %d/%d tokens, $%.6f spent, tier %d (%s)\n",
		snap.TokensSpent, snap.MaxTokens, snap.CostSpent, snap.TierIndex, snap.Tier.RouteKey())
	return nil
}

// outputBudget is the output token count a request is costed at.
func outputBudget(opts llmrouter.Options, tier llmrouter.ModelTier) int64 {
	if opts.MaxTokens != nil {
		return int64(*opts.MaxTokens)
	}
	return int64(tier.MaxTokens)
}

func printResult(out io.Writer, res llmrouter.CompletionResult) {
	fmt.Fprintln(out, res.Text)
	fmt.Fprintf(out, "\n[%s] attempts=%d tokens=%d+%d cost=$%.6f latency=%s finish=%s id=%s\n",
		res.RouteKey, res.Attempts, res.TokensIn, res.TokensOut, res.CostUSD,
		res.Latency.Round(time.Millisecond), res.FinishReason, res.CorrelationID)
}
