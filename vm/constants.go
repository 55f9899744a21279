package vm

import (
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Constant tables
// ---------------------------------------------------------------------------
//
// Every class and module owns a table of named constants. Resolution walks
// the receiver's resolution chain; for module receivers an exhausted walk
// falls back to the top-level namespace. An entry holding the Undef
// sentinel is a pending deferred definition: resolution triggers its
// feature load and retries once per chain position.

// ConstVisibility controls whether enforced lookups may see an entry.
type ConstVisibility uint8

const (
	ConstPublic ConstVisibility = iota
	ConstPrivate
)

// ConstEntry is one constant definition in a namespace.
type ConstEntry struct {
	Value      Value
	Visibility ConstVisibility
	Deprecated bool
	Loc        SourceLocation
}

// ConstOptions selects the resolution behavior of a constant lookup.
type ConstOptions struct {
	// FollowAncestors consults the whole resolution chain instead of
	// only the receiver's own table.
	FollowAncestors bool
	// ExcludeTop ignores matches found on the top-level namespace when
	// the lookup did not start there, for qualified references.
	ExcludeTop bool
	// EnforceVisibility makes private entries fail resolution.
	EnforceVisibility bool
}

func (c *Class) constLookup(id uint32) *ConstEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.consts[id]
}

func (c *Class) constInsert(id uint32, ce *ConstEntry) {
	c.mu.Lock()
	if c.consts == nil {
		c.consts = make(map[uint32]*ConstEntry)
	}
	c.consts[id] = ce
	c.mu.Unlock()
}

func (c *Class) constDelete(id uint32) {
	c.mu.Lock()
	delete(c.consts, id)
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Lookup
// ---------------------------------------------------------------------------

// ConstGet resolves a constant through ns and its ancestors, with the
// top-level fallback for module receivers.
func (w *World) ConstGet(task *Task, ns *Class, name string) (Value, error) {
	return w.ConstResolve(task, ns, name, ConstOptions{FollowAncestors: true})
}

// ConstGetAt resolves a constant in ns's own table only.
func (w *World) ConstGetAt(task *Task, ns *Class, name string) (Value, error) {
	return w.ConstResolve(task, ns, name, ConstOptions{ExcludeTop: true})
}

// ConstGetFrom resolves a qualified constant reference: ancestors are
// consulted but matches on the top-level namespace do not count.
func (w *World) ConstGetFrom(task *Task, ns *Class, name string) (Value, error) {
	return w.ConstResolve(task, ns, name, ConstOptions{FollowAncestors: true, ExcludeTop: true})
}

// ConstResolve resolves a constant with explicit options. A pending
// deferred definition triggers its feature load; load failures propagate.
func (w *World) ConstResolve(task *Task, ns *Class, name string, opts ConstOptions) (Value, error) {
	if !IsConstName(name) {
		return Undef, nameErrorf(name, "", "wrong constant name %s", name)
	}
	if ns == nil {
		return Undef, nameErrorf(name, "", "uninitialized constant %s", name)
	}
	id := w.Symbols.Intern(name)

	exclude := opts.ExcludeTop
	if ns == w.Object {
		exclude = false
	}

	v, priv, err := w.constSearchFrom(task, ns, id, exclude, opts.FollowAncestors, opts.EnforceVisibility)
	if err != nil {
		return Undef, err
	}
	if priv == nil && v.IsUndef() && !exclude && ns.IsModule() {
		v, priv, err = w.constSearchFrom(task, w.Object, id, false, opts.FollowAncestors, opts.EnforceVisibility)
		if err != nil {
			return Undef, err
		}
	}

	if priv != nil {
		task.recordPrivateConst(priv, id)
		return Undef, nameErrorf(name, priv.FullName(),
			"private constant %s::%s referenced", priv.FullName(), name)
	}
	if v.IsUndef() {
		task.privateConst = nil
		return Undef, w.uninitializedConst(ns, name)
	}

	if !task.IsMain() && !Shareable(v) {
		return Undef, isolationErrorf(name,
			"can't read unshareable constant %s::%s from a non-main task",
			ns.FullName(), name)
	}
	return v, nil
}

// constSearchFrom walks one resolution chain. It returns the resolved
// value, or the namespace owning a private entry that blocked an
// enforced lookup, or a load error from a triggered deferred definition.
func (w *World) constSearchFrom(task *Task, start *Class, id uint32, exclude, recurse, visibility bool) (Value, *Class, error) {
	first := true
	for cur := start; cur != nil; cur = cur.super {
		skip := !first && cur.origin != cur
		first = false
		if skip {
			continue
		}
		owner := cur
		if cur.delegate != nil {
			owner = cur.delegate
		}

		// One retry per chain position: a sentinel triggers its load at
		// most once here, then the re-lookup decides.
		var attempted *Class
		for {
			ce := owner.constLookup(id)
			if ce == nil {
				break
			}
			if visibility && ce.Visibility == ConstPrivate {
				return Undef, owner, nil
			}
			w.warnIfDeprecated(owner, id, ce)
			v := ce.Value
			if v.IsUndef() {
				if attempted == owner {
					break
				}
				attempted = owner
				if staged, ok := w.autoloadingStaged(task, owner, id); ok {
					return staged, nil, nil
				}
				if _, err := w.autoloadLoad(task, owner, id); err != nil {
					return Undef, nil, err
				}
				continue
			}
			if exclude && owner == w.Object {
				return Undef, nil, nil
			}
			return v, nil, nil
		}
		if !recurse {
			break
		}
	}
	return Undef, nil, nil
}

func (w *World) warnIfDeprecated(owner *Class, id uint32, ce *ConstEntry) {
	if !ce.Deprecated || !w.deprecatedWarnings.Load() {
		return
	}
	name := w.Symbols.Name(id)
	if owner == w.Object {
		w.warnNamedf(name, "", "constant ::%s is deprecated", name)
	} else {
		w.warnNamedf(name, owner.FullName(), "constant %s::%s is deprecated", owner.FullName(), name)
	}
}

func (w *World) uninitializedConst(ns *Class, name string) error {
	if ns != nil && ns != w.Object {
		return nameErrorf(name, ns.FullName(),
			"uninitialized constant %s::%s", ns.FullName(), name)
	}
	return nameErrorf(name, "", "uninitialized constant %s", name)
}

// ---------------------------------------------------------------------------
// Definition
// ---------------------------------------------------------------------------

// ConstSet defines or redefines a constant in ns's own table.
// Redefining an initialized constant warns and keeps the entry's prior
// visibility. Defining over a pending deferred constant stages the value
// into the running load when the caller is the loading task, and replaces
// the pending entry otherwise. A class or module value without a
// permanent classpath is named by its first definition site.
func (w *World) ConstSet(task *Task, ns *Class, name string, val Value) error {
	if ns == nil {
		return argumentErrorf("no class or module to define constant %s", name)
	}
	if !IsConstName(name) {
		return nameErrorf(name, ns.FullName(), "wrong constant name %s", name)
	}
	if !task.IsMain() {
		return isolationErrorf(name,
			"can't define constant %s::%s from a non-main task", ns.FullName(), name)
	}
	if ns.Frozen() {
		return ns.frozenError()
	}

	id := w.Symbols.Intern(name)
	w.constTblUpdate(task, ns, id, val, ConstPublic, task.CurrentLocation())
	w.assignClasspath(ns, name, val)
	return nil
}

// constTblUpdate installs a value into ns's constant table. A pending
// sentinel is staged into the running load when the caller is the loading
// task, and replaced outright otherwise.
func (w *World) constTblUpdate(task *Task, ns *Class, id uint32, val Value, vis ConstVisibility, loc SourceLocation) {
	name := w.Symbols.Name(id)

	ns.mu.Lock()
	if ns.consts == nil {
		ns.consts = make(map[uint32]*ConstEntry)
	}
	ce := ns.consts[id]
	if ce == nil {
		ns.consts[id] = &ConstEntry{Value: val, Visibility: vis, Loc: loc}
		ns.mu.Unlock()
		return
	}

	if ce.Value.IsUndef() {
		ns.mu.Unlock()
		if w.autoloadStage(task, ns, id, val, loc) {
			return
		}
		// Replaced before its load ran; drop the deferred record so the
		// commit pass cannot resurrect the sentinel.
		w.autoloadDelete(ns, id)
		ns.mu.Lock()
		ce.Value = val
		ce.Visibility = vis
		ce.Loc = loc
		ns.mu.Unlock()
		return
	}

	// Redefinition keeps the prior visibility.
	prevLoc := ce.Loc
	ce.Value = val
	ce.Loc = loc
	ns.mu.Unlock()

	if ns == w.Object {
		w.warnNamedf(name, "", "already initialized constant %s", name)
	} else {
		w.warnNamedf(name, ns.FullName(), "already initialized constant %s::%s", ns.FullName(), name)
	}
	if !prevLoc.IsZero() {
		w.warnAtf(prevLoc, "previous definition of %s was here", name)
	}
}

// constForceUpdate installs a committed value with explicit flags,
// bypassing staging. Used when a finished load publishes its results.
func (w *World) constForceUpdate(ns *Class, id uint32, val Value, vis ConstVisibility, deprecated bool, loc SourceLocation) {
	ns.mu.Lock()
	if ns.consts == nil {
		ns.consts = make(map[uint32]*ConstEntry)
	}
	ce := ns.consts[id]
	if ce == nil {
		ce = &ConstEntry{}
		ns.consts[id] = ce
	}
	ce.Value = val
	ce.Visibility = vis
	ce.Deprecated = deprecated
	ce.Loc = loc
	ns.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Classpaths
// ---------------------------------------------------------------------------

// assignClasspath names a namespace-valued constant. The first definition
// reachable from a permanently named namespace fixes the permanent path;
// later reassignment never changes it.
func (w *World) assignClasspath(ns *Class, name string, val Value) {
	c := w.Classes.FromValue(val)
	if c == nil {
		return
	}
	c.mu.RLock()
	valPerm := c.path != ""
	valNamed := c.path != "" || c.tmpPath != ""
	c.mu.RUnlock()
	if valPerm {
		return
	}

	if ns == w.Object {
		w.setNamespacePath(c, name)
		return
	}
	parentPath, parentPerm := ns.PermanentPath()
	if parentPath == "" {
		parentPath = ns.FullName()
	}
	if parentPerm {
		w.setNamespacePath(c, parentPath+"::"+name)
	} else if !valNamed {
		c.setTmpPath(parentPath+"::"+name, name)
	}
}

// setNamespacePath assigns a permanent path to c and, top-down, to every
// namespace nested under it that does not already have one.
func (w *World) setNamespacePath(c *Class, path string) {
	w.chainMu.Lock()
	defer w.chainMu.Unlock()
	w.setNamespacePathLocked(c, path)
}

func (w *World) setNamespacePathLocked(c *Class, path string) {
	base := path
	if i := strings.LastIndex(path, "::"); i >= 0 {
		base = path[i+2:]
	}
	c.setPermanentPath(path, base)

	c.mu.RLock()
	children := make(map[uint32]Value, len(c.consts))
	for id, ce := range c.consts {
		children[id] = ce.Value
	}
	c.mu.RUnlock()

	for id, v := range children {
		child := w.Classes.FromValue(v)
		if child == nil {
			continue
		}
		if _, perm := child.PermanentPath(); perm {
			continue
		}
		w.setNamespacePathLocked(child, path+"::"+w.Symbols.Name(id))
	}
}

// ---------------------------------------------------------------------------
// Removal
// ---------------------------------------------------------------------------

// ConstRemove deletes a constant from ns's own table and returns its
// prior value; removing a pending deferred constant discards its record
// and returns Nil. A constant visible only through an ancestor cannot be
// removed here, and removing an unknown name is a name error.
func (w *World) ConstRemove(task *Task, ns *Class, name string) (Value, error) {
	if !IsConstName(name) {
		return Undef, nameErrorf(name, ns.FullName(), "wrong constant name %s", name)
	}
	if !task.IsMain() {
		return Undef, isolationErrorf(name,
			"can't remove constant %s::%s from a non-main task", ns.FullName(), name)
	}
	if ns.Frozen() {
		return Undef, ns.frozenError()
	}

	id, ok := w.Symbols.Lookup(name)
	var ce *ConstEntry
	if ok {
		ns.mu.Lock()
		ce = ns.consts[id]
		if ce != nil {
			delete(ns.consts, id)
		}
		ns.mu.Unlock()
	}
	if ce == nil {
		if ok && w.constInherited(ns, id) {
			return Undef, runtimeErrorf("cannot remove %s::%s", ns.FullName(), name)
		}
		return Undef, nameErrorf(name, ns.FullName(),
			"constant %s::%s not defined", ns.FullName(), name)
	}

	if ce.Value.IsUndef() {
		w.autoloadDelete(ns, id)
		return Nil, nil
	}
	return ce.Value, nil
}

// constInherited reports whether an ancestor other than ns itself holds
// the constant.
func (w *World) constInherited(ns *Class, id uint32) bool {
	found := false
	first := true
	ns.eachResolutionEntry(func(_, owner *Class) bool {
		if first {
			first = false
			return true
		}
		if owner.constLookup(id) != nil {
			found = true
			return false
		}
		return true
	})
	return found
}

// ---------------------------------------------------------------------------
// Introspection
// ---------------------------------------------------------------------------

// ConstDefined reports whether a lookup with the given options would
// resolve, without triggering any deferred load. A pending deferred
// definition counts as defined while its feature can still be loaded or
// is being loaded.
func (w *World) ConstDefined(task *Task, ns *Class, name string, opts ConstOptions) bool {
	if !IsConstName(name) || ns == nil {
		return false
	}
	id, ok := w.Symbols.Lookup(name)
	if !ok {
		return false
	}

	exclude := opts.ExcludeTop
	if defined, decided := w.constDefinedFrom(task, ns, ns, id, exclude, opts); decided {
		return defined
	}
	if !exclude && ns.IsModule() {
		if defined, decided := w.constDefinedFrom(task, w.Object, ns, id, false, opts); decided {
			return defined
		}
	}
	return false
}

func (w *World) constDefinedFrom(task *Task, start, receiver *Class, id uint32, exclude bool, opts ConstOptions) (defined, decided bool) {
	first := true
	for cur := start; cur != nil; cur = cur.super {
		skip := !first && cur.origin != cur
		first = false
		if skip {
			continue
		}
		owner := cur
		if cur.delegate != nil {
			owner = cur.delegate
		}

		if ce := owner.constLookup(id); ce != nil {
			if opts.EnforceVisibility && ce.Visibility == ConstPrivate {
				return false, true
			}
			if ce.Value.IsUndef() && !w.autoloadActive(task, owner, id) {
				return false, true
			}
			if exclude && owner == w.Object && receiver != w.Object {
				return false, true
			}
			return true, true
		}
		if !opts.FollowAncestors {
			break
		}
	}
	return false, false
}

// ConstNames lists the constant names visible on ns: its own table, or,
// with inherit, the union over its resolution chain stopping short of the
// top-level namespace. Private entries are omitted; pending deferred
// definitions are included. Names are sorted.
func (w *World) ConstNames(ns *Class, inherit bool) []string {
	seen := make(map[uint32]ConstVisibility)

	collect := func(owner *Class) {
		owner.mu.RLock()
		for id, ce := range owner.consts {
			if _, dup := seen[id]; !dup {
				seen[id] = ce.Visibility
			}
		}
		owner.mu.RUnlock()
	}

	if inherit {
		ns.eachResolutionEntry(func(_, owner *Class) bool {
			if owner == w.Object && ns != w.Object {
				return false
			}
			collect(owner)
			return true
		})
	} else {
		collect(ns)
	}

	names := make([]string, 0, len(seen))
	for id, vis := range seen {
		if vis == ConstPrivate {
			continue
		}
		names = append(names, w.Symbols.Name(id))
	}
	sort.Strings(names)
	return names
}

// ConstSourceLocation returns the definition site of a constant resolved
// like ConstGet but without triggering deferred loads. For a pending
// deferred definition it is the declaration site. The second result is
// false when the constant cannot be resolved; a resolvable constant whose
// site was never recorded yields a zero location and true.
func (w *World) ConstSourceLocation(ns *Class, name string) (SourceLocation, bool) {
	if !IsConstName(name) || ns == nil {
		return SourceLocation{}, false
	}
	id, ok := w.Symbols.Lookup(name)
	if !ok {
		return SourceLocation{}, false
	}
	if loc, found := w.constLocationFrom(ns, id); found {
		return loc, true
	}
	if ns.IsModule() {
		return w.constLocationFrom(w.Object, id)
	}
	return SourceLocation{}, false
}

func (w *World) constLocationFrom(start *Class, id uint32) (SourceLocation, bool) {
	var loc SourceLocation
	found := false
	start.eachResolutionEntry(func(_, owner *Class) bool {
		if ce := owner.constLookup(id); ce != nil {
			loc = ce.Loc
			found = true
			return false
		}
		return true
	})
	return loc, found
}

// ---------------------------------------------------------------------------
// Visibility and deprecation
// ---------------------------------------------------------------------------

// ConstSetVisibility changes the visibility of constants in ns's own
// table. Calling it with no names warns and does nothing. For a pending
// deferred constant whose load this task is running, the staged flags
// are updated too, so the commit keeps the change.
func (w *World) ConstSetVisibility(task *Task, ns *Class, vis ConstVisibility, names ...string) error {
	if err := w.checkNamespaceWrite(task, ns); err != nil {
		return err
	}
	if len(names) == 0 {
		w.warnf("visibility change with no argument is just ignored")
		return nil
	}

	for _, name := range names {
		id, ok := w.Symbols.Lookup(name)
		if !ok {
			return w.undefinedConstant(ns, name)
		}
		ce := ns.constLookup(id)
		if ce == nil {
			return w.undefinedConstant(ns, name)
		}
		ns.mu.Lock()
		ce.Visibility = vis
		ns.mu.Unlock()
		if ce.Value.IsUndef() {
			w.autoloadSetFlags(task, ns, id, vis, ce.Deprecated)
		}
	}
	return nil
}

// ConstDeprecate marks constants in ns's own table deprecated; later
// lookups warn when deprecation warnings are enabled.
func (w *World) ConstDeprecate(task *Task, ns *Class, names ...string) error {
	if err := w.checkNamespaceWrite(task, ns); err != nil {
		return err
	}
	if len(names) == 0 {
		w.warnf("deprecation with no argument is just ignored")
		return nil
	}

	for _, name := range names {
		id, ok := w.Symbols.Lookup(name)
		if !ok {
			return w.undefinedConstant(ns, name)
		}
		ce := ns.constLookup(id)
		if ce == nil {
			return w.undefinedConstant(ns, name)
		}
		ns.mu.Lock()
		ce.Deprecated = true
		ns.mu.Unlock()
		if ce.Value.IsUndef() {
			w.autoloadSetFlags(task, ns, id, ce.Visibility, true)
		}
	}
	return nil
}

func (w *World) undefinedConstant(ns *Class, name string) error {
	return nameErrorf(name, ns.FullName(),
		"constant %s::%s not defined", ns.FullName(), name)
}

// ---------------------------------------------------------------------------
// Path resolution
// ---------------------------------------------------------------------------

// ResolvePath resolves a qualified constant path such as "Net::HTTP"
// starting at the top-level namespace. Every segment but the last must
// name a class or module.
func (w *World) ResolvePath(task *Task, path string) (Value, error) {
	if !IsConstPath(path) {
		return Undef, nameErrorf(path, "", "wrong constant name %s", path)
	}
	segments := strings.Split(path, "::")

	ns := w.Object
	v, err := w.ConstGet(task, ns, segments[0])
	if err != nil {
		return Undef, err
	}
	for _, seg := range segments[1:] {
		next := w.Classes.FromValue(v)
		if next == nil {
			return Undef, argumentErrorf("%s does not refer to a class or module", w.describeValue(v))
		}
		v, err = w.ConstGetFrom(task, next, seg)
		if err != nil {
			return Undef, err
		}
	}
	return v, nil
}

func (w *World) describeValue(v Value) string {
	if c := w.Classes.FromValue(v); c != nil {
		return c.FullName()
	}
	if obj := ObjectFromValue(v); obj != nil {
		return instanceDesc(obj)
	}
	return immediateDesc(v)
}
