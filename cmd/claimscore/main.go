// claimscore scores healthcare claims for billing risk and reprices them.
//
// Usage:
//
//	claimscore serve    [--config claimscore.yaml]
//	claimscore score    --input claims.csv [--train history.csv] [-o scored.csv]
//	claimscore generate [-n 1000] [--anomaly-rate 0.15] [-o synthetic.csv]
//	claimscore token    --subject analyst [--ttl 24h]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "claimscore",
		Short: "Claim risk scoring and repricing engine",
		Long: "claimscore flags healthcare claims with rules, reprices them against a fee table\n" +
			"and scores billing risk with a self-training ensemble of anomaly models.",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CLAIMSCORE_CONFIG"), "Path to YAML config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newScoreCmd(&configPath))
	root.AddCommand(newGenerateCmd())
	root.AddCommand(newTokenCmd(&configPath))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
