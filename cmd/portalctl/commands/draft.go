package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/portal/internal/draft"
	"github.com/pitabwire/portal/model"
)

func draftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Inspect and purge stored registration drafts",
	}
	cmd.AddCommand(draftListCmd(), draftShowCmd(), draftPurgeCmd())
	return cmd
}

func draftListCmd() *cobra.Command {
	var (
		tenant    string
		olderThan time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List drafts, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filters := model.DraftFilters{TenantID: tenant, Limit: limit}
			if olderThan > 0 {
				filters.UpdatedBefore = time.Now().Add(-olderThan)
			}
			return withDraftStore(cmd, func(store draft.Store) error {
				records, err := store.List(cmd.Context(), filters)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "OWNER\tCURRENT\tCOMPLETED\tUPDATED")
				for _, r := range records {
					fmt.Fprintf(w, "%s\t%d\t%v\t%s\n", r.OwnerID, r.CurrentStep, r.CompletedSteps.Sorted(), r.UpdatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "only list drafts of this tenant")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only list drafts idle for at least this long")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of drafts")
	return cmd
}

func draftShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <owner>",
		Short: "Print one draft as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDraftStore(cmd, func(store draft.Store) error {
				rec, err := store.Load(cmd.Context(), args[0])
				if errors.Is(err, draft.ErrNotFound) {
					return fmt.Errorf("no draft for %s", args[0])
				}
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rec)
			})
		},
	}
}

func draftPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <owner>...",
		Short: "Delete drafts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDraftStore(cmd, func(store draft.Store) error {
				for _, owner := range args {
					if err := store.Delete(cmd.Context(), owner); err != nil {
						return fmt.Errorf("purge %s: %w", owner, err)
					}
					logger.Info("draft purged", zap.String("draft_owner", owner))
					fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", owner)
				}
				return nil
			})
		},
	}
}
