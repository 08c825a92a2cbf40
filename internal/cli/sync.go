package cli

import (
	"github.com/spf13/cobra"

	"fundsync/internal/app"
)

var (
	syncLoop  bool
	syncLimit int
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Build a plan and execute it against the fundamentals API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Sync(cmd.Context(), app.SyncOptions{
			Loop:  syncLoop,
			Limit: syncLimit,
		})
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncLoop, "loop", false, "Keep re-planning on each scheduler interval until interrupted")
	syncCmd.Flags().IntVar(&syncLimit, "limit", 0, "Cap the number of candidates per plan (defaults to config)")
}
