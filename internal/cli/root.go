package cli

import (
	"github.com/spf13/cobra"

	"github.com/tidemark-io/tidemark/internal/logging"
)

var (
	rootLogLevel string
	rootState    string
)

var rootCmd = &cobra.Command{
	Use:   "tidemark",
	Short: "Phased infrastructure convergence",
	Long: `Tidemark converges a declared resource graph against what was last
applied, one deterministic plan at a time.

Deployments are PKL manifests: named nodes with typed inputs, explicit
and inferred dependencies, and phase barriers for ordering groups of
work. Applying is idempotent; what did not change is not touched.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(rootLogLevel)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&rootState, "state", "", "State store address (default: local .tidemark/state.json; azblob:// and s3:// supported)")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(versionCmd)
}
