package vm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Snapshot: capture and restore of namespace state
// ---------------------------------------------------------------------------
//
// A snapshot records the portable shape of a world: named classes and
// modules, their constants and slot layouts, plain stored globals, and
// pending deferred-constant declarations. Live objects, host handles,
// and hooked globals are runtime state and are not captured.
//
// File layout: 4-byte magic, little-endian format version, little-endian
// body length, then a canonically encoded CBOR body.

var snapshotMagic = [4]byte{'G', 'R', 'S', 'N'}

const snapshotVersion uint32 = 1

var snapshotEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	snapshotEncMode = em
}

// ---------------------------------------------------------------------------
// Wire structures
// ---------------------------------------------------------------------------

type snapshotImage struct {
	ID          string          `cbor:"1,keyasint"`
	CreatedUnix int64           `cbor:"2,keyasint"`
	Project     string          `cbor:"3,keyasint,omitempty"`
	Revision    string          `cbor:"4,keyasint,omitempty"`
	Classes     []classImage    `cbor:"5,keyasint,omitempty"`
	Constants   []constImage    `cbor:"6,keyasint,omitempty"`
	Globals     []globalImage   `cbor:"7,keyasint,omitempty"`
	Autoloads   []autoloadImage `cbor:"8,keyasint,omitempty"`
}

// classImage records one named class or module. Classes appear in
// registration order, which puts every namespace and superclass before
// the classes that need it.
type classImage struct {
	Path   string   `cbor:"1,keyasint"`
	Super  string   `cbor:"2,keyasint,omitempty"` // empty for modules and direct descendants of the root
	Module bool     `cbor:"3,keyasint,omitempty"`
	Frozen bool     `cbor:"4,keyasint,omitempty"`
	Fields []string `cbor:"5,keyasint,omitempty"` // slot names in index order
}

type constImage struct {
	Owner      string     `cbor:"1,keyasint"`
	Name       string     `cbor:"2,keyasint"`
	Value      valueImage `cbor:"3,keyasint"`
	Private    bool       `cbor:"4,keyasint,omitempty"`
	Deprecated bool       `cbor:"5,keyasint,omitempty"`
	File       string     `cbor:"6,keyasint,omitempty"`
	Line       int        `cbor:"7,keyasint,omitempty"`
}

type globalImage struct {
	Name  string     `cbor:"1,keyasint"`
	Value valueImage `cbor:"2,keyasint"`
}

type autoloadImage struct {
	Owner      string `cbor:"1,keyasint"`
	Name       string `cbor:"2,keyasint"`
	Feature    string `cbor:"3,keyasint"`
	Private    bool   `cbor:"4,keyasint,omitempty"`
	Deprecated bool   `cbor:"5,keyasint,omitempty"`
}

// Snapshot value kinds. Object references and handles have no portable
// form; the writer skips entries holding them and warns.
const (
	imgNil uint8 = iota
	imgTrue
	imgFalse
	imgInt
	imgFloat
	imgSymbol
	imgPath // a class or module, by permanent classpath
)

type valueImage struct {
	Kind  uint8   `cbor:"1,keyasint"`
	Int   int64   `cbor:"2,keyasint,omitempty"`
	Float float64 `cbor:"3,keyasint,omitempty"`
	Str   string  `cbor:"4,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Public surface
// ---------------------------------------------------------------------------

// SnapshotOptions carries provenance recorded in the snapshot, typically
// the manifest's project name and the source revision it was built from.
type SnapshotOptions struct {
	Project  string
	Revision string
}

// SnapshotInfo describes a written or restored snapshot.
type SnapshotInfo struct {
	ID        string
	Version   uint32
	CreatedAt time.Time
	Project   string
	Revision  string
	Classes   int
	Constants int
	Globals   int
	Autoloads int
}

// WriteSnapshot captures w and writes it to out. The world should be
// quiescent: a definition racing the capture may or may not be included.
func WriteSnapshot(out io.Writer, w *World, opts SnapshotOptions) (*SnapshotInfo, error) {
	img := w.capture(opts)

	body, err := snapshotEncMode.Marshal(img)
	if err != nil {
		return nil, fmt.Errorf("vm: marshal snapshot: %w", err)
	}

	var header [12]byte
	copy(header[0:4], snapshotMagic[:])
	binary.LittleEndian.PutUint32(header[4:8], snapshotVersion)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(body)))
	if _, err := out.Write(header[:]); err != nil {
		return nil, fmt.Errorf("vm: write snapshot header: %w", err)
	}
	if _, err := out.Write(body); err != nil {
		return nil, fmt.Errorf("vm: write snapshot body: %w", err)
	}
	return img.info(), nil
}

// ReadSnapshot restores a snapshot into w, which must still be in its
// bootstrap state.
func ReadSnapshot(in io.Reader, w *World) (*SnapshotInfo, error) {
	var header [12]byte
	if _, err := io.ReadFull(in, header[:]); err != nil {
		return nil, fmt.Errorf("vm: read snapshot header: %w", err)
	}
	if !bytes.Equal(header[0:4], snapshotMagic[:]) {
		return nil, errors.New("vm: not a snapshot file")
	}
	version := binary.LittleEndian.Uint32(header[4:8])
	if version != snapshotVersion {
		return nil, fmt.Errorf("vm: unsupported snapshot version %d", version)
	}
	body := make([]byte, binary.LittleEndian.Uint32(header[8:12]))
	if _, err := io.ReadFull(in, body); err != nil {
		return nil, fmt.Errorf("vm: read snapshot body: %w", err)
	}

	var img snapshotImage
	if err := cbor.Unmarshal(body, &img); err != nil {
		return nil, fmt.Errorf("vm: unmarshal snapshot: %w", err)
	}
	if err := w.apply(&img); err != nil {
		return nil, err
	}
	return img.info(), nil
}

func (img *snapshotImage) info() *SnapshotInfo {
	return &SnapshotInfo{
		ID:        img.ID,
		Version:   snapshotVersion,
		CreatedAt: time.Unix(img.CreatedUnix, 0).UTC(),
		Project:   img.Project,
		Revision:  img.Revision,
		Classes:   len(img.Classes),
		Constants: len(img.Constants),
		Globals:   len(img.Globals),
		Autoloads: len(img.Autoloads),
	}
}

// ---------------------------------------------------------------------------
// Capture
// ---------------------------------------------------------------------------

// snapshotCapture accumulates the image. saved tracks which classpaths
// made it in, so value encoding can refuse references to classes the
// image does not carry.
type snapshotCapture struct {
	w     *World
	img   *snapshotImage
	saved map[string]bool
	order []*Class // saved classes in image order
}

func (w *World) capture(opts SnapshotOptions) *snapshotImage {
	sc := &snapshotCapture{
		w: w,
		img: &snapshotImage{
			ID:          uuid.New().String(),
			CreatedUnix: time.Now().Unix(),
			Project:     opts.Project,
			Revision:    opts.Revision,
		},
		saved: make(map[string]bool),
	}
	sc.classes()
	sc.constants()
	sc.globals()
	sc.autoloads()
	return sc.img
}

func (sc *snapshotCapture) classes() {
	w := sc.w
	for _, c := range w.Classes.All() {
		if c == w.Object {
			sc.add(c, classImage{
				Path:   "Object",
				Frozen: c.Frozen(),
				Fields: sc.fieldNames(c),
			})
			continue
		}
		if c.IsSingleton() {
			continue
		}
		path, ok := c.PermanentPath()
		if !ok {
			continue // reachable only through an unnamed namespace
		}
		ci := classImage{
			Path:   path,
			Module: c.IsModule(),
			Frozen: c.Frozen(),
			Fields: sc.fieldNames(c),
		}
		if !c.IsModule() {
			super := c.Superclass()
			if super != nil && super != w.Object {
				sp, named := super.PermanentPath()
				if !named || !sc.saved[sp] {
					w.warnNamedf(path, "", "snapshot: %s inherits from an unnamed class; skipped", path)
					continue
				}
				ci.Super = sp
			}
		}
		sc.add(c, ci)
	}
}

func (sc *snapshotCapture) add(c *Class, ci classImage) {
	sc.img.Classes = append(sc.img.Classes, ci)
	sc.saved[ci.Path] = true
	sc.order = append(sc.order, c)
}

func (sc *snapshotCapture) fieldNames(c *Class) []string {
	ids := c.fields.Names()
	if len(ids) == 0 {
		return nil
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = sc.w.Symbols.Name(id)
	}
	return names
}

func (sc *snapshotCapture) constants() {
	for i, ns := range sc.order {
		nsPath := sc.img.Classes[i].Path
		for _, id := range constIDsSorted(sc.w, ns) {
			ce := ns.constLookup(id)
			if ce == nil || ce.Value.IsUndef() {
				continue // pending entries travel as deferred declarations
			}
			name := sc.w.Symbols.Name(id)
			if sc.impliedBinding(nsPath, name, ce.Value) {
				continue
			}
			vi, ok := sc.encodeValue(ce.Value)
			if !ok {
				sc.w.warnNamedf(name, nsPath,
					"snapshot: constant %s::%s holds an unportable value; skipped", nsPath, name)
				continue
			}
			sc.img.Constants = append(sc.img.Constants, constImage{
				Owner:      nsPath,
				Name:       name,
				Value:      vi,
				Private:    ce.Visibility == ConstPrivate,
				Deprecated: ce.Deprecated,
				File:       ce.Loc.File,
				Line:       ce.Loc.Line,
			})
		}
	}
}

// impliedBinding reports whether the constant is the binding that names a
// saved class. Restoring the class record recreates it.
func (sc *snapshotCapture) impliedBinding(nsPath, name string, v Value) bool {
	c := sc.w.Classes.FromValue(v)
	if c == nil {
		return false
	}
	path, ok := c.PermanentPath()
	return ok && path == joinSnapshotPath(nsPath, name) && sc.saved[path]
}

func (sc *snapshotCapture) globals() {
	w := sc.w
	for _, id := range w.Globals.Names() {
		gv := w.Globals.lookup(id)
		if gv == nil {
			continue
		}
		w.Globals.mu.RLock()
		kind := gv.kind
		val := gv.value
		w.Globals.mu.RUnlock()
		if kind != bindStored {
			continue
		}
		name := w.Symbols.Name(id)
		vi, ok := sc.encodeValue(val)
		if !ok {
			w.warnNamedf(name, "", "snapshot: global %s holds an unportable value; skipped", name)
			continue
		}
		sc.img.Globals = append(sc.img.Globals, globalImage{Name: name, Value: vi})
	}
}

func (sc *snapshotCapture) autoloads() {
	w := sc.w
	at := w.Autoloads
	at.mu.Lock()
	for feature, data := range at.features {
		for _, ac := range data.consts {
			path, ok := ac.ns.PermanentPath()
			if !ok || !sc.saved[path] {
				continue
			}
			sc.img.Autoloads = append(sc.img.Autoloads, autoloadImage{
				Owner:      path,
				Name:       w.Symbols.Name(ac.name),
				Feature:    feature,
				Private:    ac.vis == ConstPrivate,
				Deprecated: ac.deprecated,
			})
		}
	}
	at.mu.Unlock()

	sort.Slice(sc.img.Autoloads, func(i, j int) bool {
		a, b := sc.img.Autoloads[i], sc.img.Autoloads[j]
		if a.Owner != b.Owner {
			return a.Owner < b.Owner
		}
		return a.Name < b.Name
	})
}

func (sc *snapshotCapture) encodeValue(v Value) (valueImage, bool) {
	switch {
	case v.IsNil():
		return valueImage{Kind: imgNil}, true
	case v.IsBool():
		if v.Bool() {
			return valueImage{Kind: imgTrue}, true
		}
		return valueImage{Kind: imgFalse}, true
	case v.IsSmallInt():
		return valueImage{Kind: imgInt, Int: v.SmallInt()}, true
	case v.IsFloat():
		return valueImage{Kind: imgFloat, Float: v.Float64()}, true
	case IsClassValue(v):
		c := sc.w.Classes.FromValue(v)
		if c == nil {
			return valueImage{}, false
		}
		path, ok := c.PermanentPath()
		if !ok || !sc.saved[path] {
			return valueImage{}, false
		}
		return valueImage{Kind: imgPath, Str: path}, true
	case v.IsSymbol():
		if v.SymbolID()&(0xFF<<24) != 0 {
			return valueImage{}, false // runtime-only marker encoding
		}
		return valueImage{Kind: imgSymbol, Str: sc.w.Symbols.Name(v.SymbolID())}, true
	default:
		return valueImage{}, false
	}
}

func constIDsSorted(w *World, ns *Class) []uint32 {
	ns.mu.RLock()
	ids := make([]uint32, 0, len(ns.consts))
	for id := range ns.consts {
		ids = append(ids, id)
	}
	ns.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool {
		return w.Symbols.Name(ids[i]) < w.Symbols.Name(ids[j])
	})
	return ids
}

func joinSnapshotPath(nsPath, name string) string {
	if nsPath == "Object" {
		return name
	}
	return nsPath + "::" + name
}

func splitSnapshotPath(path string) (outer, base string) {
	if i := strings.LastIndex(path, "::"); i >= 0 {
		return path[:i], path[i+2:]
	}
	return "Object", path
}

// ---------------------------------------------------------------------------
// Restore
// ---------------------------------------------------------------------------

func (w *World) apply(img *snapshotImage) error {
	if !w.isEmpty() {
		return errors.New("vm: snapshot restore requires an empty world")
	}
	task := w.mainTask

	var frozen []*Class
	for _, ci := range img.Classes {
		c, err := w.restoreClass(task, ci)
		if err != nil {
			return err
		}
		for _, f := range ci.Fields {
			c.fields.Ensure(w.Symbols.Intern(f))
		}
		if ci.Frozen {
			frozen = append(frozen, c)
		}
	}

	for _, ki := range img.Constants {
		if err := w.restoreConst(task, ki); err != nil {
			return err
		}
	}

	for _, ai := range img.Autoloads {
		ns := w.classByPath(ai.Owner)
		if ns == nil {
			return fmt.Errorf("vm: snapshot autoload %s::%s: missing namespace %s", ai.Owner, ai.Name, ai.Owner)
		}
		if err := w.AutoloadDeclare(task, ns, ai.Name, ai.Feature); err != nil {
			return err
		}
		if ai.Private {
			if err := w.ConstSetVisibility(task, ns, ConstPrivate, ai.Name); err != nil {
				return err
			}
		}
		if ai.Deprecated {
			if err := w.ConstDeprecate(task, ns, ai.Name); err != nil {
				return err
			}
		}
	}

	for _, gi := range img.Globals {
		v, err := w.decodeValue(gi.Value)
		if err != nil {
			return err
		}
		if err := w.GlobalSet(task, gi.Name, v); err != nil {
			return err
		}
	}

	// Frozen flags land last so restoration itself is never refused.
	for _, c := range frozen {
		c.Freeze()
	}
	return nil
}

func (w *World) restoreClass(task *Task, ci classImage) (*Class, error) {
	if ci.Path == "Object" {
		return w.Object, nil
	}
	outerPath, base := splitSnapshotPath(ci.Path)
	outer := w.classByPath(outerPath)
	if outer == nil {
		return nil, fmt.Errorf("vm: snapshot class %s: missing namespace %s", ci.Path, outerPath)
	}
	if ci.Module {
		return w.DefineModule(task, outer, base)
	}
	super := w.Object
	if ci.Super != "" {
		super = w.classByPath(ci.Super)
		if super == nil {
			return nil, fmt.Errorf("vm: snapshot class %s: missing superclass %s", ci.Path, ci.Super)
		}
	}
	return w.DefineClass(task, outer, base, super)
}

func (w *World) restoreConst(task *Task, ki constImage) error {
	ns := w.classByPath(ki.Owner)
	if ns == nil {
		return fmt.Errorf("vm: snapshot constant %s::%s: missing namespace %s", ki.Owner, ki.Name, ki.Owner)
	}
	v, err := w.decodeValue(ki.Value)
	if err != nil {
		return err
	}
	if err := w.ConstSet(task, ns, ki.Name, v); err != nil {
		return err
	}
	if ki.Private {
		if err := w.ConstSetVisibility(task, ns, ConstPrivate, ki.Name); err != nil {
			return err
		}
	}
	if ki.Deprecated {
		if err := w.ConstDeprecate(task, ns, ki.Name); err != nil {
			return err
		}
	}
	if ki.File != "" {
		if id, ok := w.Symbols.Lookup(ki.Name); ok {
			if ce := ns.constLookup(id); ce != nil {
				ns.mu.Lock()
				ce.Loc = SourceLocation{File: ki.File, Line: ki.Line}
				ns.mu.Unlock()
			}
		}
	}
	return nil
}

func (w *World) decodeValue(img valueImage) (Value, error) {
	switch img.Kind {
	case imgNil:
		return Nil, nil
	case imgTrue:
		return True, nil
	case imgFalse:
		return False, nil
	case imgInt:
		return FromSmallInt(img.Int), nil
	case imgFloat:
		return FromFloat64(img.Float), nil
	case imgSymbol:
		return FromSymbolID(w.Symbols.Intern(img.Str)), nil
	case imgPath:
		c := w.classByPath(img.Str)
		if c == nil {
			return Undef, fmt.Errorf("vm: snapshot references unknown namespace %s", img.Str)
		}
		return ClassToValue(c), nil
	default:
		return Undef, fmt.Errorf("vm: unknown snapshot value kind %d", img.Kind)
	}
}

// classByPath resolves a permanent classpath without consulting
// ancestors or triggering deferred loads.
func (w *World) classByPath(path string) *Class {
	if path == "Object" {
		return w.Object
	}
	ns := w.Object
	for _, seg := range strings.Split(path, "::") {
		id, ok := w.Symbols.Lookup(seg)
		if !ok {
			return nil
		}
		ce := ns.constLookup(id)
		if ce == nil {
			return nil
		}
		next := w.Classes.FromValue(ce.Value)
		if next == nil {
			return nil
		}
		ns = next
	}
	return ns
}

// isEmpty reports whether the world is still in its bootstrap state.
func (w *World) isEmpty() bool {
	if w.Classes.Len() != 1 || w.Globals.Len() != 0 || w.Autoloads.Len() != 0 || w.Handles.Len() != 0 {
		return false
	}
	w.Object.mu.RLock()
	n := len(w.Object.consts)
	w.Object.mu.RUnlock()
	return n <= 1
}
