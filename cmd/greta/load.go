package main

import (
	"fmt"
	"os"
)

// handleLoadCommand processes the `greta load` subcommand: it forces
// the named features through the loader, consulting the store cache and
// the registry the way a deferred constant resolution would.
func handleLoadCommand(args []string, manifestDir string, verbose bool) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: greta load FEATURE...")
		os.Exit(1)
	}

	m := loadProject(manifestDir)
	w, loader, cleanup := buildWorld(m, verbose)
	defer cleanup()
	task := w.MainTask()

	for _, feature := range args {
		loaded, err := loader.Load(task, feature)
		switch {
		case err != nil:
			fmt.Printf("%s %s: %v\n", red("fail"), feature, err)
			os.Exit(1)
		case loaded:
			fmt.Printf("%s loaded %s\n", green("ok"), feature)
		default:
			fmt.Printf("%s %s already provided\n", green("ok"), feature)
		}
	}

	if verbose {
		fmt.Printf("%d classes in the world\n", w.Classes.Len())
	}
}
