package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: draft=%s submission=%s events=%s\n",
				cfg.Draft.Driver, cfg.Submission.Driver, cfg.Events.Driver)
			return nil
		},
	}
}
