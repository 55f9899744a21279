package vm

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Class: classes, modules, and resolution-chain proxies
// ---------------------------------------------------------------------------

type classKind uint8

const (
	kindClass classKind = iota
	kindModule
	kindSingleton
	kindProxy  // stands for a module inserted into a resolution chain
	kindOrigin // holds a class's own position below its prepended modules
)

func (k classKind) String() string {
	switch k {
	case kindClass:
		return "class"
	case kindModule:
		return "module"
	case kindSingleton:
		return "singleton class"
	case kindProxy:
		return "proxy"
	case kindOrigin:
		return "origin"
	default:
		return "?"
	}
}

// Class represents a greta class or module. Proxy entries (kindProxy,
// kindOrigin) are also Classes: they appear only inside resolution chains
// and delegate table lookups to the module or class they stand for.
//
// Chain pointers (super, origin, delegate) are written only under the
// world's chain lock; per-class tables are guarded by the class's own mu.
type Class struct {
	Name string // base name, last path component; "" while anonymous

	id   uint32 // registry id, 0 until registered; proxies stay 0
	kind classKind

	super     *Class
	origin    *Class // self unless prepends moved the class's position
	delegate  *Class // proxies only: the module or class they stand for
	attached  *Class // singleton classes only: the namespace they serve
	singleton *Class // created on first request, then stable

	mu sync.RWMutex

	frozen bool

	// path is the permanent classpath; once set it never changes.
	// tmpPath names a class reachable only through a not-yet-permanent
	// namespace and is discarded when a permanent path is assigned.
	path    string
	tmpPath string

	// Attribute slot layout for instances of this class.
	fields *FieldTable

	// Attributes of the class object itself, in insertion order.
	attrs     map[uint32]Value
	attrOrder []uint32

	// Constant table and staged autoload records, keyed by symbol ID.
	consts    map[uint32]*ConstEntry
	autoloads map[uint32]*autoloadConst

	// Class variables in definition order, plus the stamp cache over
	// their resolution.
	classVars map[uint32]Value
	cvarOrder []uint32
	cvarCache map[uint32]cvarCacheEntry
}

// ---------------------------------------------------------------------------
// Class creation
// ---------------------------------------------------------------------------

// NewClass creates a new class with the given name and superclass.
func NewClass(name string, superclass *Class) *Class {
	c := &Class{
		Name: name,
		kind: kindClass,
	}
	c.origin = c
	c.fields = NewFieldTable()
	c.super = superclass
	return c
}

// NewClassWithAttrs creates a new class whose instances start with slots
// for the given attribute names, in order.
func NewClassWithAttrs(name string, superclass *Class, attrNames []string, symbols *SymbolTable) *Class {
	c := NewClass(name, superclass)
	for _, n := range attrNames {
		c.fields.Ensure(symbols.Intern(n))
	}
	return c
}

// NewModule creates a new module.
func NewModule(name string) *Class {
	m := &Class{
		Name: name,
		kind: kindModule,
	}
	m.origin = m
	m.fields = NewFieldTable()
	return m
}

func newProxy(delegate *Class, super *Class) *Class {
	p := &Class{
		Name:     delegate.Name,
		kind:     kindProxy,
		delegate: delegate,
		super:    super,
	}
	p.origin = p
	return p
}

func newOrigin(of *Class, super *Class) *Class {
	o := &Class{
		Name:     of.Name,
		kind:     kindOrigin,
		delegate: of,
		super:    super,
	}
	o.origin = o
	return o
}

func newSingleton(attached *Class, super *Class) *Class {
	s := &Class{
		Name:     attached.Name,
		kind:     kindSingleton,
		attached: attached,
		super:    super,
	}
	s.origin = s
	s.fields = NewFieldTable()
	return s
}

// ---------------------------------------------------------------------------
// Kind predicates
// ---------------------------------------------------------------------------

// IsModule reports whether c is a module rather than a class.
func (c *Class) IsModule() bool {
	return c.kind == kindModule
}

// IsSingleton reports whether c is a singleton class.
func (c *Class) IsSingleton() bool {
	return c.kind == kindSingleton
}

func (c *Class) isProxy() bool {
	return c.kind == kindProxy || c.kind == kindOrigin
}

// Attached returns the namespace a singleton class serves, or nil.
func (c *Class) Attached() *Class {
	return c.attached
}

// FieldTable returns the attribute slot layout for instances of c.
func (c *Class) FieldTable() *FieldTable {
	return c.fields
}

// ---------------------------------------------------------------------------
// Freezing
// ---------------------------------------------------------------------------

// Freeze marks the class immutable. Constant, class-variable, and
// attribute writes on a frozen class fail with a FrozenError.
func (c *Class) Freeze() {
	c.mu.Lock()
	c.frozen = true
	c.mu.Unlock()
}

// Frozen reports whether the class has been frozen.
func (c *Class) Frozen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frozen
}

func (c *Class) frozenError() *FrozenError {
	return &FrozenError{Receiver: fmt.Sprintf("%s %s", c.kind, c.FullName())}
}

// ---------------------------------------------------------------------------
// Classpaths
// ---------------------------------------------------------------------------

// FullName returns the permanent classpath if one is assigned, the
// temporary path otherwise, and an anonymous form when the class has
// never been named.
func (c *Class) FullName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.path != "" {
		return c.path
	}
	if c.tmpPath != "" {
		return c.tmpPath
	}
	if c.Name != "" {
		return c.Name
	}
	return fmt.Sprintf("#<%s:%#x>", c.kind, c.id)
}

// PermanentPath returns the permanent classpath and whether one is set.
func (c *Class) PermanentPath() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path, c.path != ""
}

func (c *Class) setPermanentPath(path, name string) {
	c.mu.Lock()
	c.path = path
	c.tmpPath = ""
	if c.Name == "" {
		c.Name = name
	}
	c.mu.Unlock()
}

func (c *Class) setTmpPath(path, name string) {
	c.mu.Lock()
	if c.path == "" {
		c.tmpPath = path
	}
	if c.Name == "" {
		c.Name = name
	}
	c.mu.Unlock()
}

func (c *Class) String() string {
	return c.FullName()
}

// ---------------------------------------------------------------------------
// Resolution chain
// ---------------------------------------------------------------------------

// eachResolutionEntry walks the resolution chain starting at c. For each
// position that participates in resolution it yields the chain entry and
// the class or module whose tables are consulted there. A class whose
// position was moved below its prepends is skipped at its own link and
// consulted at its origin entry instead, except when the walk starts at
// it. Walking stops when fn returns false.
func (c *Class) eachResolutionEntry(fn func(entry, owner *Class) bool) {
	first := true
	for cur := c; cur != nil; cur = cur.super {
		skip := !first && cur.origin != cur
		first = false
		if skip {
			continue
		}
		owner := cur
		if cur.delegate != nil {
			owner = cur.delegate
		}
		if !fn(cur, owner) {
			return
		}
	}
}

// Ancestors returns the classes and modules consulted during resolution,
// nearest first. A class moved below its prepends is reported once, at
// its origin position.
func (c *Class) Ancestors() []*Class {
	var out []*Class
	for cur := c; cur != nil; cur = cur.super {
		switch {
		case cur.isProxy():
			out = append(out, cur.delegate)
		case cur.origin == cur:
			out = append(out, cur)
		}
	}
	return out
}

// Superclass returns the nearest real superclass, skipping module proxies.
func (c *Class) Superclass() *Class {
	for cur := c.super; cur != nil; cur = cur.super {
		if cur.delegate == nil {
			return cur
		}
	}
	return nil
}

// HasAncestor reports whether other appears in c's resolution chain,
// including c itself.
func (c *Class) HasAncestor(other *Class) bool {
	found := false
	c.eachResolutionEntry(func(_, owner *Class) bool {
		if owner == other {
			found = true
			return false
		}
		return true
	})
	return found
}

// IsSubclassOf reports whether c is other or inherits from it.
func (c *Class) IsSubclassOf(other *Class) bool {
	return c.HasAncestor(other)
}

// chainContains reports whether owner already appears anywhere in the raw
// chain from c, proxies included.
func (c *Class) chainContains(owner *Class) bool {
	for cur := c; cur != nil; cur = cur.super {
		if cur == owner || cur.delegate == owner {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Include and prepend
// ---------------------------------------------------------------------------

// IncludeModule inserts mod into c's resolution chain after c's own
// position. Modules already in the chain are not inserted again; modules
// mod itself includes come along in order.
func (w *World) IncludeModule(task *Task, c, mod *Class) error {
	if err := w.checkNamespaceWrite(task, c); err != nil {
		return err
	}
	if mod.kind != kindModule {
		return argumentErrorf("wrong argument type %s (expected module)", mod.kind)
	}
	if mod == c || mod.HasAncestor(c) {
		return argumentErrorf("cyclic include detected")
	}

	w.chainMu.Lock()
	defer w.chainMu.Unlock()

	// Insertion point: just below the class's own table position, so the
	// newest include resolves first among includes but after the class.
	cursor := c.origin
	mod.eachResolutionEntry(func(_, owner *Class) bool {
		if c.chainContains(owner) {
			return true
		}
		p := newProxy(owner, cursor.super)
		cursor.super = p
		cursor = p
		return true
	})
	if cursor != c.origin {
		// The chain changed shape; cached class-variable resolutions may
		// now point past a module that shadows them.
		w.cvarStamp.Add(1)
	}
	return nil
}

// PrependModule inserts mod into c's resolution chain ahead of c's own
// position. The first prepend creates the origin entry that keeps the
// class's own tables reachable below its prepends.
func (w *World) PrependModule(task *Task, c, mod *Class) error {
	if err := w.checkNamespaceWrite(task, c); err != nil {
		return err
	}
	if mod.kind != kindModule {
		return argumentErrorf("wrong argument type %s (expected module)", mod.kind)
	}
	if mod == c || mod.HasAncestor(c) {
		return argumentErrorf("cyclic prepend detected")
	}

	w.chainMu.Lock()
	defer w.chainMu.Unlock()

	if c.origin == c {
		origin := newOrigin(c, c.super)
		c.origin = origin
		c.super = origin
	}

	cursor := c
	mod.eachResolutionEntry(func(_, owner *Class) bool {
		if c.chainContains(owner) {
			return true
		}
		p := newProxy(owner, cursor.super)
		cursor.super = p
		cursor = p
		return true
	})
	if cursor != c {
		w.cvarStamp.Add(1)
	}
	return nil
}

// checkNamespaceWrite enforces the isolation and frozen rules shared by
// all namespace mutations.
func (w *World) checkNamespaceWrite(task *Task, c *Class) error {
	if !task.IsMain() {
		return isolationErrorf(c.FullName(), "can't modify %s %s from a non-main task", c.kind, c.FullName())
	}
	if c.Frozen() {
		return c.frozenError()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Collector hooks
// ---------------------------------------------------------------------------

// MarkRefs visits every object or handle reference held in the class's
// tables.
func (c *Class) MarkRefs(visit func(Value)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	visitRef := func(v Value) {
		if v.IsObject() || v.IsHandle() {
			visit(v)
		}
	}
	for _, v := range c.attrs {
		visitRef(v)
	}
	for _, ce := range c.consts {
		visitRef(ce.Value)
	}
	for _, v := range c.classVars {
		visitRef(v)
	}
}

// UpdateRefs rewrites every reference held in the class's tables.
func (c *Class) UpdateRefs(update func(Value) Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.attrs {
		c.attrs[k] = update(v)
	}
	for _, ce := range c.consts {
		ce.Value = update(ce.Value)
	}
	for k, v := range c.classVars {
		c.classVars[k] = update(v)
	}
}

// ---------------------------------------------------------------------------
// ClassTable: world class registry
// ---------------------------------------------------------------------------

// Class values use the symbol tag with a dedicated marker to distinguish
// them from interned symbols. The lower 24 bits carry the registry id.
const classMarker uint32 = 3 << 24

// ClassTable assigns stable ids to classes and modules and resolves
// class values back to their *Class. Proxies are never registered.
type ClassTable struct {
	mu      sync.RWMutex
	classes []*Class
}

// NewClassTable creates a new empty class table.
func NewClassTable() *ClassTable {
	return &ClassTable{}
}

// Register adds a class to the table and assigns its id. Registering an
// already-registered class is a no-op.
func (ct *ClassTable) Register(c *Class) uint32 {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if c.id != 0 {
		return c.id
	}
	ct.classes = append(ct.classes, c)
	c.id = uint32(len(ct.classes))
	return c.id
}

// Get returns the class with the given id, or nil.
func (ct *ClassTable) Get(id uint32) *Class {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	if id == 0 || int(id) > len(ct.classes) {
		return nil
	}
	return ct.classes[id-1]
}

// All returns all registered classes in registration order.
func (ct *ClassTable) All() []*Class {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	out := make([]*Class, len(ct.classes))
	copy(out, ct.classes)
	return out
}

// Len returns the number of registered classes.
func (ct *ClassTable) Len() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.classes)
}

// FromValue resolves a class value back to its class, or nil.
func (ct *ClassTable) FromValue(v Value) *Class {
	if !IsClassValue(v) {
		return nil
	}
	return ct.Get(v.SymbolID() &^ uint32(0xFF<<24))
}

// ClassToValue returns the NaN-boxed value standing for a registered
// class. Panics if the class was never registered.
func ClassToValue(c *Class) Value {
	if c == nil {
		return Nil
	}
	if c.id == 0 {
		panic("ClassToValue: class not registered")
	}
	return FromSymbolID(c.id | classMarker)
}

// IsClassValue reports whether v is a class value.
func IsClassValue(v Value) bool {
	if !v.IsSymbol() {
		return false
	}
	return v.SymbolID()&(0xFF<<24) == classMarker
}
