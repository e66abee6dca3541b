package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ineyio/llmrouter"
)

func newEstimateCmd(g *globals) *cobra.Command {
	var (
		providerName string
		model        string
		file         string
		maxOutput    int64
	)

	cmd := &cobra.Command{
		Use:   "estimate [text...]",
		Short: "Estimate the prompt tokens (and cost, with a ladder) of a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(file, args)
			if err != nil {
				return err
			}

			logger, closeLog, err := g.logger()
			if err != nil {
				return err
			}
			defer closeLog()

			est := llmrouter.NewTokenEstimator(llmrouter.WithEstimatorLogger(logger))
			tokens := est.Estimate(prompt, model, providerName)
			fmt.Fprintf(cmd.OutOrStdout(), "estimated tokens: %d\n", tokens)

			if g.configPath == "" {
				return nil
			}
			cfg, err := g.config()
			if err != nil {
				return err
			}
			if len(cfg.Ladder) == 0 {
				return nil
			}
			ladder, err := cfg.ModelLadder()
			if err != nil {
				return err
			}
			tier, ok := ladder.Lookup(providerName, model)
			if !ok {
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "estimated cost:   $%.6f (%d output tokens)\n",
				tier.EstimateCost(int64(tokens), maxOutput), maxOutput)
			return nil
		},
	}

	cmd.Flags().StringVar(&providerName, "provider", "", "provider name, selects the tokenizer")
	cmd.Flags().StringVar(&model, "model", "", "model name")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the prompt from a file")
	cmd.Flags().Int64Var(&maxOutput, "max-output", 0, "output tokens to include in the cost estimate")

	return cmd
}

// readPrompt returns the contents of file, or args joined by spaces.
func readPrompt(file string, args []string) (string, error) {
	if file != "" {
		if len(args) > 0 {
			return "", errors.New("pass the prompt either as arguments or with --file")
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read prompt: %w", err)
		}
		return string(data), nil
	}
	if len(args) == 0 {
		return "", errors.New("prompt is required")
	}
	return strings.Join(args, " "), nil
}
