package cli

import (
	"github.com/spf13/cobra"

	"hermit/internal/daemon"
)

func newDaemonCmd() *cobra.Command {
	var opts daemon.Options

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Start the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return daemon.Run(cmd.Context(), cfg, opts)
		},
	}
	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "force start (remove stale socket)")
	cmd.Flags().BoolVarP(&opts.Reload, "reload", "r", false, "re-exec when the binary changes")
	return cmd
}
