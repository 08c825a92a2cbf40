package cli

import (
	"github.com/spf13/cobra"

	"fundsync/internal/app"
)

var planLimit int

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Build a plan and print it without executing",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Plan(cmd.Context(), app.PlanOptions{Limit: planLimit})
	},
}

func init() {
	planCmd.Flags().IntVar(&planLimit, "limit", 0, "Cap the number of candidates per plan (defaults to config)")
}
