// Command portalctl inspects the step catalogue and manages stored drafts.
package main

import (
	"os"

	"github.com/pitabwire/portal/cmd/portalctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
