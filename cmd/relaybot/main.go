package main

import (
	"fmt"
	"os"

	"relaybot/cmd/relaybot/commands"
)

// set by -ldflags at build time
var (
	version = "dev"
	commit  = "none"
)

func main() {
	commands.SetVersion(version, commit)
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
