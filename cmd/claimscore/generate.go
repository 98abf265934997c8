package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/claimscore/internal/synth"
)

func newGenerateCmd() *cobra.Command {
	gen := synth.DefaultConfig()
	var output string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a synthetic claim file with labelled anomalies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if gen.Claims <= 0 {
				return fmt.Errorf("--count must be positive, got %d", gen.Claims)
			}
			if gen.AnomalyRate < 0 || gen.AnomalyRate > 1 {
				return fmt.Errorf("--anomaly-rate must be within [0,1], got %v", gen.AnomalyRate)
			}
			samples := synth.Generate(gen)

			write := synth.WriteCSV
			if strings.EqualFold(filepath.Ext(output), ".json") {
				write = synth.WriteJSON
			}
			if output == "" {
				return write(cmd.OutOrStdout(), samples)
			}
			if err := writeFile(output, func(w io.Writer) error { return write(w, samples) }); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d claims to %s\n", len(samples), output)
			return nil
		},
	}
	cmd.Flags().IntVarP(&gen.Claims, "count", "n", gen.Claims, "Number of claims")
	cmd.Flags().Float64Var(&gen.AnomalyRate, "anomaly-rate", gen.AnomalyRate, "Fraction of claims with an injected anomaly")
	cmd.Flags().Uint64Var(&gen.Seed, "seed", gen.Seed, "Random seed")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (.csv or .json); CSV to stdout when empty")
	return cmd
}
