package main

import (
	"os"

	"github.com/atelierhq/atelier/cmd/atelier/commands"
)

// Version information set at build time via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
