// meshctl is the command line interface for the control plane core.
package main

import (
	"os"

	"github.com/boundarymesh/controlplane/internal/meshcli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
