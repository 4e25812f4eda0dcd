package main

import (
	"fmt"
	"os"

	"github.com/RevCBH/switchyard/internal/cli"
)

// Build metadata, injected via ldflags at release time
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	app := cli.New()
	app.SetVersion(version, commit, date)
	if err := app.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "switchyard: %v\n", err)
		return 1
	}
	return 0
}
