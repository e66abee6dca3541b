package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ineyio/llmrouter"
)

func newBenchCmd(g *globals) *cobra.Command {
	var (
		providerName string
		model        string
		prompt       string
		requests     int
		parallel     int
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Fire many requests at one route and report admission and breaker stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			if providerName == "" || model == "" {
				return errors.New("--provider and --model are required")
			}
			if requests <= 0 || parallel <= 0 {
				return errors.New("-n and --parallel must be positive")
			}

			e, err := g.setup()
			if err != nil {
				return err
			}
			defer e.Close()

			var (
				mu        sync.Mutex
				byClass   = make(map[string]int)
				latencies []time.Duration
			)

			start := time.Now()
			grp, ctx := errgroup.WithContext(cmd.Context())
			grp.SetLimit(parallel)
			for i := 0; i < requests; i++ {
				grp.Go(func() error {
					t := time.Now()
					_, err := e.router.Route(ctx, providerName, model, prompt,
						llmrouter.Options{Timeout: timeout}, llmrouter.PriorityNormal)

					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						byClass[llmrouter.Classify(err).String()]++
						return nil
					}
					byClass["ok"]++
					latencies = append(latencies, time.Since(t))
					return nil
				})
			}
			if err := grp.Wait(); err != nil {
				return err
			}
			elapsed := time.Since(start)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d requests in %s (%.1f req/s)\n", requests, elapsed.Round(time.Millisecond),
				float64(requests)/elapsed.Seconds())
			printOutcomes(out, byClass, latencies)

			stats, err := e.router.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printRouteStats(out, stats)
		},
	}

	cmd.Flags().StringVar(&providerName, "provider", "", "provider name")
	cmd.Flags().StringVar(&model, "model", "", "model name")
	cmd.Flags().StringVar(&prompt, "prompt", "Reply with the single word: pong", "prompt sent by every request")
	cmd.Flags().IntVarP(&requests, "requests", "n", 20, "number of requests")
	cmd.Flags().IntVar(&parallel, "parallel", 4, "requests in flight from the client side")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-attempt timeout (0 = none)")

	return cmd
}

func printOutcomes(out io.Writer, byClass map[string]int, latencies []time.Duration) {
	classes := make([]string, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	for _, c := range classes {
		fmt.Fprintf(out, "  %-16s %d\n", c, byClass[c])
	}

	if len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	pct := func(p float64) time.Duration {
		return latencies[int(p*float64(len(latencies)-1))].Round(time.Millisecond)
	}
	fmt.Fprintf(out, "latency p50=%s p90=%s max=%s\n", pct(0.5), pct(0.9), pct(1))
}

func printRouteStats(out io.Writer, stats []llmrouter.RouteStats) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nROUTE\tIN FLIGHT\tMAX\tWINDOW REQ\tRPM\tWINDOW TOK\tTPM\tFAILURES\tCIRCUIT")
	for _, s := range stats {
		circuit := "closed"
		if s.Breaker.Open {
			circuit = "open until " + s.Breaker.OpenUntil.Format(time.TimeOnly)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d/%d\t%s\n",
			s.RouteKey,
			s.Limiter.InFlight, s.Limiter.MaxConcurrent,
			s.Limiter.WindowRequests, s.Limiter.RequestsPerMinute,
			s.Limiter.WindowTokens, s.Limiter.TokensPerMinute,
			s.Breaker.Failures, s.Breaker.Threshold,
			circuit,
		)
	}
	return w.Flush()
}
