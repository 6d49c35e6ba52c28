// The main package for the tradestat-ingest executable.
package main

import (
	// Embedded zone database so scheduler.timezone resolves on minimal images.
	_ "time/tzdata"

	"github.com/JakeFAU/tradestat-ingest/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
