// The main package for the streamq executable.
package main

import (
	"github.com/JakeFAU/streamq/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
