package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/gretalang/greta/library"
)

// handleInfoCommand processes the `greta info` subcommand.
func handleInfoCommand(manifestDir string, verbose bool) {
	m := loadProject(manifestDir)

	name := m.Project.Name
	if name == "" {
		name = "(unnamed project)"
	}
	fmt.Printf("%s %s\n", bold(name), m.Project.Version)
	if rev := m.Provenance(); rev != "" {
		fmt.Printf("  revision   %s\n", rev)
	}
	fmt.Printf("  directory  %s\n", m.Dir)
	if ns := m.DefaultNamespace(); ns != "" {
		fmt.Printf("  namespace  %s\n", ns)
	}
	fmt.Printf("  library    %s\n", m.LibraryPath())
	fmt.Printf("  store      %s\n", m.StorePath())
	if m.Library.Remote != "" {
		fmt.Printf("  registry   %s\n", m.Library.Remote)
	}
	if iv := m.SweepInterval(); iv > 0 {
		fmt.Printf("  sweep      every %s\n", iv)
	}
	if !m.Runtime.DeprecatedWarnings {
		fmt.Printf("  deprecated warnings off\n")
	}

	features, err := library.ListLocal(m.LibraryPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error scanning library: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\n%d local features, %d autoload mappings\n", len(features), len(m.Autoload))

	if verbose {
		for _, f := range features {
			fmt.Printf("  %s\n", f)
		}
		keys := make([]string, 0, len(m.Autoload))
		for k := range m.Autoload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  autoload %s -> %s\n", k, m.Autoload[k])
		}
	}

	// Store statistics, when the store already exists on disk.
	if _, err := os.Stat(m.StorePath()); err == nil {
		store, err := library.OpenStore(m.StorePath())
		if err == nil {
			defer store.Close()
			if cached, loads, err := store.Counts(); err == nil {
				fmt.Printf("%d cached documents, %d load records\n", cached, loads)
			}
		}
	}
}
