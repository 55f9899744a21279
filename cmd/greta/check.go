package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/gretalang/greta/library"
	"github.com/gretalang/greta/vm"
)

// handleCheckCommand processes the `greta check` subcommand: the
// manifest must validate and apply to a fresh world, every local
// feature document must load, and every autoload mapping must point at
// a resolvable feature.
func handleCheckCommand(manifestDir string, verbose bool) {
	m := loadProject(manifestDir)
	problems := 0

	if err := m.Validate(); err != nil {
		fmt.Printf("%s manifest: %v\n", red("fail"), err)
		problems++
	} else if verbose {
		fmt.Printf("%s manifest\n", green("ok"))
	}

	w := vm.NewWorld()
	loader := library.NewLoader(w, m.LibraryPath(), nil, nil)
	w.SetFeatureLoader(loader)
	if err := m.Apply(w.MainTask(), w); err != nil {
		fmt.Printf("%s manifest apply: %v\n", red("fail"), err)
		problems++
	}

	features, err := library.ListLocal(m.LibraryPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error scanning library: %v\n", err)
		os.Exit(1)
	}

	// Each document loads into its own scratch world, so one broken
	// feature cannot mask or poison another.
	known := make(map[string]bool, len(features))
	for _, f := range features {
		known[f] = true
		fw := vm.NewWorld()
		fl := library.NewLoader(fw, m.LibraryPath(), nil, nil)
		fw.SetFeatureLoader(fl)
		if _, err := fl.Load(fw.MainTask(), f); err != nil {
			fmt.Printf("%s %s: %v\n", red("fail"), f, err)
			problems++
		} else if verbose {
			fmt.Printf("%s %s\n", green("ok"), f)
		}
	}

	keys := make([]string, 0, len(m.Autoload))
	for k := range m.Autoload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		feature := m.Autoload[k]
		if !known[feature] && m.Library.Remote == "" {
			fmt.Printf("%s autoload %s: feature %s is not in the library and no registry is configured\n",
				red("fail"), k, feature)
			problems++
		}
	}

	if problems > 0 {
		fmt.Printf("\n%d problem(s) in %d feature(s)\n", problems, len(features))
		os.Exit(1)
	}
	fmt.Printf("%s manifest and %d feature(s) check out\n", green("ok"), len(features))
}
