// Package manifest handles greta.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/gretalang/greta/vm"
)

// Manifest represents a greta.toml project configuration.
type Manifest struct {
	Project  Project           `toml:"project"`
	Library  Library           `toml:"library"`
	Autoload map[string]string `toml:"autoload"`
	Runtime  Runtime           `toml:"runtime"`

	// Dir is the directory containing the greta.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Library configures where feature documents come from.
type Library struct {
	Path   string `toml:"path"`   // directory of feature documents
	Store  string `toml:"store"`  // sqlite feature cache
	Remote string `toml:"remote"` // optional host:port of a feature registry
}

// Runtime tunes world behavior.
type Runtime struct {
	SweepIntervalMS    int  `toml:"sweep_interval_ms"`
	DeprecatedWarnings bool `toml:"deprecated_warnings"`
}

// Load parses a greta.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "greta.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if m.Library.Path == "" {
		m.Library.Path = "lib"
	}
	if m.Library.Store == "" {
		m.Library.Store = filepath.Join(".greta", "lib.db")
	}
	if !md.IsDefined("runtime", "deprecated_warnings") {
		m.Runtime.DeprecatedWarnings = true
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a greta.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "greta.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// LibraryPath returns the absolute path of the feature document directory.
func (m *Manifest) LibraryPath() string {
	if filepath.IsAbs(m.Library.Path) {
		return m.Library.Path
	}
	return filepath.Join(m.Dir, m.Library.Path)
}

// StorePath returns the absolute path of the sqlite feature cache.
func (m *Manifest) StorePath() string {
	if filepath.IsAbs(m.Library.Store) {
		return m.Library.Store
	}
	return filepath.Join(m.Dir, m.Library.Store)
}

// SweepInterval returns the configured sweeper interval; zero disables
// the background sweeper.
func (m *Manifest) SweepInterval() time.Duration {
	if m.Runtime.SweepIntervalMS <= 0 {
		return 0
	}
	return time.Duration(m.Runtime.SweepIntervalMS) * time.Millisecond
}

// DefaultNamespace returns the namespace conventionally owned by this
// project, derived from its name. "my-app" maps to "MyApp".
func (m *Manifest) DefaultNamespace() string {
	return ToPascalCase(m.Project.Name)
}

// Validate checks the manifest for problems that would break Apply:
// malformed autoload constant paths, reserved roots, and empty feature
// ids.
func (m *Manifest) Validate() error {
	keys := m.autoloadKeys()
	for _, path := range keys {
		if !vm.IsConstPath(path) {
			return fmt.Errorf("invalid autoload constant path %q", path)
		}
		if IsReservedNamespace(path) {
			return fmt.Errorf("autoload path %q: the root namespace is reserved; bind top-level constants by their bare name", path)
		}
		if m.Autoload[path] == "" {
			return fmt.Errorf("autoload path %q has no feature", path)
		}
	}
	return nil
}

// Apply configures a world from the manifest: runtime tuning and one
// deferred-constant declaration per [autoload] mapping. Intermediate
// namespaces that do not exist yet are created as modules.
func (m *Manifest) Apply(task *vm.Task, w *vm.World) error {
	if err := m.Validate(); err != nil {
		return err
	}
	w.SetDeprecatedWarnings(m.Runtime.DeprecatedWarnings)

	for _, path := range m.autoloadKeys() {
		ns, name, err := m.ensureNamespace(task, w, path)
		if err != nil {
			return err
		}
		if err := w.AutoloadDeclare(task, ns, name, m.Autoload[path]); err != nil {
			return fmt.Errorf("autoload %s: %w", path, err)
		}
	}
	return nil
}

// ensureNamespace resolves every segment of path but the last, creating
// missing intermediate namespaces as modules, and returns the owning
// namespace and the final segment.
func (m *Manifest) ensureNamespace(task *vm.Task, w *vm.World, path string) (*vm.Class, string, error) {
	segs := strings.Split(path, "::")
	ns := w.Object
	for _, seg := range segs[:len(segs)-1] {
		v, err := w.ConstGetAt(task, ns, seg)
		if err == nil {
			next := w.Classes.FromValue(v)
			if next == nil {
				return nil, "", fmt.Errorf("autoload %s: %s::%s is not a class or module", path, ns.FullName(), seg)
			}
			ns = next
			continue
		}
		next, err := w.DefineModule(task, ns, seg)
		if err != nil {
			return nil, "", fmt.Errorf("autoload %s: %w", path, err)
		}
		ns = next
	}
	return ns, segs[len(segs)-1], nil
}

// autoloadKeys returns the [autoload] constant paths in deterministic
// order.
func (m *Manifest) autoloadKeys() []string {
	keys := make([]string, 0, len(m.Autoload))
	for k := range m.Autoload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
