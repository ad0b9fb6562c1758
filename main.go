// The main package for the orchestrator executable.
package main

import (
	"github.com/JakeFAU/article-batch-orchestrator/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
