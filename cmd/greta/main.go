// Greta CLI - project inspection, checking, loading, and snapshots
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/tliron/commonlog"

	"github.com/gretalang/greta/library"
	"github.com/gretalang/greta/manifest"
	"github.com/gretalang/greta/vm"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	manifestDir := flag.String("manifest", "", "Project directory holding greta.toml (default: search upward from .)")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: greta [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  info                       Show project and library summary\n")
		fmt.Fprintf(os.Stderr, "  check                      Validate the manifest and every feature document\n")
		fmt.Fprintf(os.Stderr, "  load FEATURE...            Load features into a fresh world\n")
		fmt.Fprintf(os.Stderr, "  snapshot save [-full] FILE Write a namespace snapshot\n")
		fmt.Fprintf(os.Stderr, "  snapshot load FILE         Restore a snapshot and report its contents\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  greta info                   # Summarize the enclosing project\n")
		fmt.Fprintf(os.Stderr, "  greta -v check               # Check every feature document, listing each\n")
		fmt.Fprintf(os.Stderr, "  greta load geometry/matrix   # Force one feature through the loader\n")
		fmt.Fprintf(os.Stderr, "  greta snapshot save -full app.grsn\n")
	}
	flag.Parse()

	// Route kernel diagnostics through the process logger.
	if *verbose {
		commonlog.Configure(1, nil)
	} else {
		commonlog.Configure(0, nil)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	switch args[0] {
	case "info":
		handleInfoCommand(*manifestDir, *verbose)
	case "check":
		handleCheckCommand(*manifestDir, *verbose)
	case "load":
		handleLoadCommand(args[1:], *manifestDir, *verbose)
	case "snapshot":
		handleSnapshotCommand(args[1:], *manifestDir, *verbose)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(1)
	}
}

// loadProject locates and loads the manifest, exiting on failure.
func loadProject(dir string) *manifest.Manifest {
	if dir != "" {
		m, err := manifest.Load(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
			os.Exit(1)
		}
		return m
	}
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		os.Exit(1)
	}
	if m == nil {
		fmt.Fprintln(os.Stderr, "Error: no greta.toml found (run inside a project or pass -manifest)")
		os.Exit(1)
	}
	return m
}

// buildWorld assembles a world for the project: a loader over the
// library directory backed by the store cache and, when configured, the
// remote registry; the manifest's autoload declarations; a sweeper when
// the manifest asks for one. The returned cleanup releases all of it.
func buildWorld(m *manifest.Manifest, verbose bool) (*vm.World, *library.Loader, func()) {
	w := vm.NewWorld()
	w.SetDiagnosticSink(vm.NewLogSink())

	store, err := library.OpenStore(m.StorePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening library store: %v\n", err)
		os.Exit(1)
	}

	var remote *library.Remote
	if m.Library.Remote != "" {
		remote, err = library.DialRemote(m.Library.Remote)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting to registry: %v\n", err)
			os.Exit(1)
		}
	}

	loader := library.NewLoader(w, m.LibraryPath(), store, remote)
	w.SetFeatureLoader(loader)

	if err := m.Apply(w.MainTask(), w); err != nil {
		fmt.Fprintf(os.Stderr, "Error applying manifest: %v\n", err)
		os.Exit(1)
	}

	var coll *vm.Collector
	if iv := m.SweepInterval(); iv > 0 {
		coll = vm.NewCollector(w, iv)
		coll.Start()
	}

	if verbose {
		fmt.Printf("Library %s, store %s\n", m.LibraryPath(), m.StorePath())
		if remote != nil {
			fmt.Printf("Registry %s\n", remote.Target())
		}
	}

	cleanup := func() {
		if coll != nil {
			coll.Stop()
		}
		if remote != nil {
			remote.Close()
		}
		store.Close()
	}
	return w, loader, cleanup
}

// ---------------------------------------------------------------------------
// Terminal color
// ---------------------------------------------------------------------------

var stdoutIsTTY = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

func green(s string) string {
	if !stdoutIsTTY {
		return s
	}
	return "\x1b[32m" + s + "\x1b[0m"
}

func red(s string) string {
	if !stdoutIsTTY {
		return s
	}
	return "\x1b[31m" + s + "\x1b[0m"
}

func bold(s string) string {
	if !stdoutIsTTY {
		return s
	}
	return "\x1b[1m" + s + "\x1b[0m"
}
