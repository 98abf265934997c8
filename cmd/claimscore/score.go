package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/claimscore/internal/config"
	"github.com/opensource-finance/claimscore/internal/domain"
	"github.com/opensource-finance/claimscore/internal/ingest"
	"github.com/opensource-finance/claimscore/internal/modelbank"
)

type scoreOptions struct {
	input  string
	train  string
	output string
}

func newScoreCmd(configPath *string) *cobra.Command {
	var opts scoreOptions

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a claim file offline",
		Long: "score trains a model bank on a corpus (the input itself by default) and writes\n" +
			"every input claim with its flags, repricing and risk score. Nothing is stored.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runScore(cmd.Context(), cfg, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "Claim file to score (.csv or .json)")
	cmd.Flags().StringVar(&opts.train, "train", "", "Training corpus (.csv or .json); defaults to the input")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output file (.csv or .json); CSV to stdout when empty")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func runScore(ctx context.Context, cfg *domain.Config, opts scoreOptions, stdout, stderr io.Writer) error {
	logger := newLogger(cfg.Logging, stderr)

	input, err := readClaimFile(opts.input)
	if err != nil {
		return err
	}
	for _, rerr := range input.Errors {
		logger.Warn("record rejected", "file", opts.input, "row", rerr.Row, "claim_id", rerr.ClaimID, "error", rerr.Error())
	}

	corpus := input
	if opts.train != "" {
		if corpus, err = readClaimFile(opts.train); err != nil {
			return err
		}
	}

	c, err := newCore(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	var bank *modelbank.Bank
	if len(corpus.Claims) > 0 {
		if bank, err = c.trainer.Train(ctx, corpus.Claims); err != nil {
			return err
		}
	}

	scored, err := c.processor.Evaluate(ctx, input.Claims, bank)
	if err != nil {
		return err
	}

	highRisk := 0
	for _, pc := range scored {
		if pc.HighRisk {
			highRisk++
		}
	}
	logger.Info("claims scored",
		"scored", len(scored),
		"rejected", len(input.Errors),
		"high_risk", highRisk,
	)

	if opts.output == "" {
		return ingest.WriteProcessedCSV(stdout, scored)
	}
	return writeFile(opts.output, func(w io.Writer) error {
		if strings.EqualFold(filepath.Ext(opts.output), ".json") {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(scored)
		}
		return ingest.WriteProcessedCSV(w, scored)
	})
}

func readClaimFile(path string) (*ingest.Result, error) {
	format, err := ingest.FormatFromFilename(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	res, err := ingest.Decode(f, format)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return res, nil
}

// writeFile creates path and removes it again if write fails.
func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
