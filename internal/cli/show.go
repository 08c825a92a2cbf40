package cli

import (
	"github.com/spf13/cobra"

	"fundsync/internal/app"
)

var showLimit int

var showCmd = &cobra.Command{
	Use:       "show {watermarks|universe|runs}",
	Short:     "Print stored scheduling state",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"watermarks", "universe", "runs"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Show(cmd.Context(), app.ShowOptions{
			What:  args[0],
			Limit: showLimit,
		})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 50, "Maximum rows to print")
}
