package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/gretalang/greta/library"
	"github.com/gretalang/greta/vm"
)

// handleSnapshotCommand processes the `greta snapshot` subcommand.
// Usage:
//
//	greta snapshot save FILE          # manifest declarations only
//	greta snapshot save -full FILE    # load every local feature first
//	greta snapshot load FILE          # restore and report
func handleSnapshotCommand(args []string, manifestDir string, verbose bool) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: greta snapshot [save|load] ...")
		os.Exit(1)
	}

	switch args[0] {
	case "save":
		full := false
		var out string
		for _, a := range args[1:] {
			if a == "-full" || a == "--full" {
				full = true
			} else {
				out = a
			}
		}
		if out == "" {
			fmt.Fprintln(os.Stderr, "Usage: greta snapshot save [-full] FILE")
			os.Exit(1)
		}
		handleSnapshotSave(out, full, manifestDir, verbose)
	case "load":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: greta snapshot load FILE")
			os.Exit(1)
		}
		handleSnapshotLoad(args[1], verbose)
	default:
		fmt.Fprintf(os.Stderr, "Unknown snapshot subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func handleSnapshotSave(out string, full bool, manifestDir string, verbose bool) {
	m := loadProject(manifestDir)
	w, loader, cleanup := buildWorld(m, verbose)
	defer cleanup()
	task := w.MainTask()

	if full {
		features, err := library.ListLocal(m.LibraryPath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error scanning library: %v\n", err)
			os.Exit(1)
		}
		for _, f := range features {
			if _, err := loader.Load(task, f); err != nil {
				fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", f, err)
				os.Exit(1)
			}
			if verbose {
				fmt.Printf("  loaded %s\n", f)
			}
		}
	}

	file, err := os.Create(out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", out, err)
		os.Exit(1)
	}
	info, err := vm.WriteSnapshot(file, w, vm.SnapshotOptions{
		Project:  m.Project.Name,
		Revision: m.Provenance(),
	})
	if err != nil {
		file.Close()
		fmt.Fprintf(os.Stderr, "Error writing snapshot: %v\n", err)
		os.Exit(1)
	}
	if err := file.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing snapshot: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s wrote %s: %d classes, %d constants, %d globals, %d pending\n",
		green("ok"), out, info.Classes, info.Constants, info.Globals, info.Autoloads)
}

func handleSnapshotLoad(path string, verbose bool) {
	file, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %s: %v\n", path, err)
		os.Exit(1)
	}
	defer file.Close()

	w := vm.NewWorld()
	info, err := vm.ReadSnapshot(file, w)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error restoring snapshot: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s %s\n", bold(path), info.ID)
	if info.Project != "" {
		fmt.Printf("  project    %s\n", info.Project)
	}
	if info.Revision != "" {
		fmt.Printf("  revision   %s\n", info.Revision)
	}
	fmt.Printf("  created    %s\n", info.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("  contents   %d classes, %d constants, %d globals, %d pending\n",
		info.Classes, info.Constants, info.Globals, info.Autoloads)

	if verbose {
		var names []string
		for _, c := range w.Classes.All() {
			if c.IsSingleton() {
				continue
			}
			names = append(names, c.FullName())
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Printf("  %s\n", n)
		}
	}
}
