// Command vaultscript runs guest programs against the note vault capabilities
// and serves the evaluator over MCP.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
