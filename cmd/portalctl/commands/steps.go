package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pitabwire/portal/internal/definition"
)

func stepsCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "steps",
		Short: "Print the registration step catalogue",
		// The catalogue is embedded, so no configuration is needed.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := definition.MustDefault()
			if file != "" {
				c, err := definition.LoadFile(file)
				if err != nil {
					return err
				}
				if reg, err = definition.NewRegistry(c); err != nil {
					return err
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ORDER\tKEY\tTITLE")
			for _, s := range reg.All() {
				fmt.Fprintf(w, "%d\t%s\t%s\n", s.Order, s.Key, s.Title)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checksum: %s\n", reg.Checksum())
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "validate and print a catalogue file instead of the embedded one")
	return cmd
}
