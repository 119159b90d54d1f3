// Package commands implements the portalctl subcommands.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/portal/internal/backend"
	"github.com/pitabwire/portal/internal/config"
	"github.com/pitabwire/portal/internal/draft"
	"github.com/pitabwire/portal/internal/observability"
)

var (
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
)

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "portalctl",
		Short:         "Administer the beneficiary registration portal",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			l, err := observability.NewLogger(cfg.Observability)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			logger = l
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")

	root.AddCommand(stepsCmd(), configCmd(), draftCmd())
	return root
}

// withDraftStore opens the configured draft store for the duration of fn.
func withDraftStore(cmd *cobra.Command, fn func(store draft.Store) error) error {
	pools := backend.NewPoolCache()
	defer pools.Close()

	store, closer, err := backend.OpenDraftStore(cmd.Context(), cfg.Draft, pools, logger)
	if err != nil {
		return err
	}
	defer closer()
	return fn(store)
}
