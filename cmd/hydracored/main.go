// Command hydracored is a small demonstration binary that wires hydracore's
// six subsystems together and drives one synthetic multi-source download end
// to end against an in-memory fake protocol module, so the engine's plumbing
// is exercised without needing a real eDonkey/BitTorrent/HTTP stack.
package main

import (
	"fmt"
	"os"

	"github.com/swarmcore/hydracore/cmd/hydracored/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
