package cli

import (
	"github.com/spf13/cobra"

	"fundsync/internal/app"
)

var classifySymbols []string

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Recompute coverage scores and universe tiers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Classify(cmd.Context(), app.ClassifyOptions{Symbols: classifySymbols})
	},
}

func init() {
	classifyCmd.Flags().StringSliceVar(&classifySymbols, "symbols", nil, "Restrict the pass to specific symbols (defaults to all eligible)")
}
