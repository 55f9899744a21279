// Package library resolves feature ids to feature documents and loads
// them into a world. A feature document is a YAML description of what
// the feature defines: classes, constants, globals, and further
// deferred-load declarations.
package library

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gretalang/greta/vm"
)

// Document is one parsed feature document.
type Document struct {
	Feature   string         `yaml:"feature"`
	Requires  []string       `yaml:"requires"`
	Classes   []ClassDecl    `yaml:"classes"`
	Constants []ConstDecl    `yaml:"constants"`
	Globals   []GlobalDecl   `yaml:"globals"`
	Autoloads []AutoloadDecl `yaml:"autoloads"`
}

// ClassDecl declares a class or module the feature defines.
type ClassDecl struct {
	Name       string   `yaml:"name"`
	Namespace  string   `yaml:"namespace"`
	Superclass string   `yaml:"superclass"`
	Attrs      []string `yaml:"attrs"`
	Module     bool     `yaml:"module"`
}

// ConstDecl declares a constant binding.
type ConstDecl struct {
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
	Value     any    `yaml:"value"`
}

// GlobalDecl declares a global variable assignment.
type GlobalDecl struct {
	Name  string `yaml:"name"`
	Value any    `yaml:"value"`
}

// AutoloadDecl declares a further deferred constant.
type AutoloadDecl struct {
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
	Feature   string `yaml:"feature"`
}

// ParseDocument parses and validates a feature document.
func ParseDocument(data []byte) (*Document, error) {
	var d Document
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("library: malformed feature document: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks every declared name before anything touches a world.
func (d *Document) Validate() error {
	if d.Feature == "" {
		return errors.New("library: feature document has no feature id")
	}
	if err := CheckFeatureID(d.Feature); err != nil {
		return err
	}
	for _, r := range d.Requires {
		if err := CheckFeatureID(r); err != nil {
			return fmt.Errorf("library: feature %s: %w", d.Feature, err)
		}
	}
	for _, c := range d.Classes {
		if !vm.IsConstName(c.Name) {
			return fmt.Errorf("library: feature %s: bad class name %q", d.Feature, c.Name)
		}
		if c.Namespace != "" && !vm.IsConstPath(c.Namespace) {
			return fmt.Errorf("library: feature %s: bad namespace %q", d.Feature, c.Namespace)
		}
		if c.Module && c.Superclass != "" {
			return fmt.Errorf("library: feature %s: module %s cannot have a superclass", d.Feature, c.Name)
		}
		if c.Superclass != "" && !vm.IsConstPath(c.Superclass) {
			return fmt.Errorf("library: feature %s: bad superclass %q", d.Feature, c.Superclass)
		}
		for _, a := range c.Attrs {
			if !vm.IsAttrName(a) {
				return fmt.Errorf("library: feature %s: bad attribute name %q", d.Feature, a)
			}
		}
	}
	for _, k := range d.Constants {
		if !vm.IsConstName(k.Name) {
			return fmt.Errorf("library: feature %s: bad constant name %q", d.Feature, k.Name)
		}
		if k.Namespace != "" && !vm.IsConstPath(k.Namespace) {
			return fmt.Errorf("library: feature %s: bad namespace %q", d.Feature, k.Namespace)
		}
	}
	for _, g := range d.Globals {
		if !vm.IsGlobalName(g.Name) {
			return fmt.Errorf("library: feature %s: bad global name %q", d.Feature, g.Name)
		}
	}
	for _, a := range d.Autoloads {
		if !vm.IsConstName(a.Name) {
			return fmt.Errorf("library: feature %s: bad autoload name %q", d.Feature, a.Name)
		}
		if a.Namespace != "" && !vm.IsConstPath(a.Namespace) {
			return fmt.Errorf("library: feature %s: bad namespace %q", d.Feature, a.Namespace)
		}
		if err := CheckFeatureID(a.Feature); err != nil {
			return fmt.Errorf("library: feature %s: %w", d.Feature, err)
		}
	}
	return nil
}

// CheckFeatureID rejects feature ids that cannot name a document:
// empty, absolute, or escaping the library directory.
func CheckFeatureID(id string) error {
	if id == "" {
		return errors.New("library: empty feature id")
	}
	if strings.HasPrefix(id, "/") {
		return fmt.Errorf("library: absolute feature id %q", id)
	}
	for _, seg := range strings.Split(id, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("library: bad feature id %q", id)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Application
// ---------------------------------------------------------------------------

// Apply defines everything the document declares, in declaration order:
// classes first, then constants, globals, and autoload declarations.
// When the feature is being loaded through the deferred-load coordinator,
// writes to its pending constants take the staged path and become visible
// to other tasks only on commit.
func (d *Document) Apply(task *vm.Task, w *vm.World) error {
	for _, decl := range d.Classes {
		if err := d.applyClass(task, w, decl); err != nil {
			return err
		}
	}
	for _, decl := range d.Constants {
		ns, err := d.resolveNamespace(task, w, decl.Namespace)
		if err != nil {
			return err
		}
		v, err := d.decodeValue(w, decl.Value)
		if err != nil {
			return fmt.Errorf("library: feature %s: constant %s: %w", d.Feature, decl.Name, err)
		}
		if err := w.ConstSet(task, ns, decl.Name, v); err != nil {
			return fmt.Errorf("library: feature %s: constant %s: %w", d.Feature, decl.Name, err)
		}
	}
	for _, decl := range d.Globals {
		v, err := d.decodeValue(w, decl.Value)
		if err != nil {
			return fmt.Errorf("library: feature %s: global %s: %w", d.Feature, decl.Name, err)
		}
		if err := w.GlobalSet(task, decl.Name, v); err != nil {
			return fmt.Errorf("library: feature %s: global %s: %w", d.Feature, decl.Name, err)
		}
	}
	for _, decl := range d.Autoloads {
		ns, err := d.resolveNamespace(task, w, decl.Namespace)
		if err != nil {
			return err
		}
		if err := w.AutoloadDeclare(task, ns, decl.Name, decl.Feature); err != nil {
			return fmt.Errorf("library: feature %s: autoload %s: %w", d.Feature, decl.Name, err)
		}
	}
	return nil
}

func (d *Document) applyClass(task *vm.Task, w *vm.World, decl ClassDecl) error {
	ns, err := d.resolveNamespace(task, w, decl.Namespace)
	if err != nil {
		return err
	}

	if decl.Module {
		m, err := w.DefineModule(task, ns, decl.Name)
		if err != nil {
			return fmt.Errorf("library: feature %s: module %s: %w", d.Feature, decl.Name, err)
		}
		for _, a := range decl.Attrs {
			m.FieldTable().Ensure(w.Symbols.Intern(a))
		}
		return nil
	}

	var super *vm.Class
	if decl.Superclass != "" {
		sv, err := d.resolveNamespace(task, w, decl.Superclass)
		if err != nil {
			return err
		}
		if sv.IsModule() {
			return fmt.Errorf("library: feature %s: superclass %s of %s is a module", d.Feature, decl.Superclass, decl.Name)
		}
		super = sv
	}

	c, err := w.DefineClass(task, ns, decl.Name, super)
	if err != nil {
		return fmt.Errorf("library: feature %s: class %s: %w", d.Feature, decl.Name, err)
	}
	for _, a := range decl.Attrs {
		c.FieldTable().Ensure(w.Symbols.Intern(a))
	}
	return nil
}

// resolveNamespace walks a constant path from the root. An empty path
// is the top-level namespace. Pending segments resolve through the
// coordinator, so a namespace staged by the running load is reachable.
func (d *Document) resolveNamespace(task *vm.Task, w *vm.World, path string) (*vm.Class, error) {
	ns := w.Object
	if path == "" {
		return ns, nil
	}
	for _, seg := range strings.Split(path, "::") {
		v, err := w.ConstGetAt(task, ns, seg)
		if err != nil {
			return nil, fmt.Errorf("library: feature %s: namespace %s: %w", d.Feature, path, err)
		}
		next := w.Classes.FromValue(v)
		if next == nil {
			return nil, fmt.Errorf("library: feature %s: %s in %s is not a class or module", d.Feature, seg, path)
		}
		ns = next
	}
	return ns, nil
}

// decodeValue maps a YAML scalar to a kernel value. Strings intern as
// symbols; anything structured has no portable kernel form.
func (d *Document) decodeValue(w *vm.World, raw any) (vm.Value, error) {
	switch v := raw.(type) {
	case nil:
		return vm.Nil, nil
	case bool:
		return vm.FromBool(v), nil
	case int:
		return smallIntValue(int64(v))
	case int64:
		return smallIntValue(v)
	case uint64:
		if v > uint64(1)<<62 {
			return vm.Undef, fmt.Errorf("integer %d out of range", v)
		}
		return smallIntValue(int64(v))
	case float64:
		return vm.FromFloat64(v), nil
	case string:
		return vm.FromSymbolID(w.Symbols.Intern(v)), nil
	default:
		return vm.Undef, fmt.Errorf("unsupported value type %T", raw)
	}
}

func smallIntValue(n int64) (vm.Value, error) {
	v, ok := vm.TryFromSmallInt(n)
	if !ok {
		return vm.Undef, fmt.Errorf("integer %d out of range", n)
	}
	return v, nil
}
