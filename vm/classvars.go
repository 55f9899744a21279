package vm

// ---------------------------------------------------------------------------
// Class variables
// ---------------------------------------------------------------------------
//
// A class variable is shared by a namespace and everything beneath it.
// Resolution starts at the receiver and continues through its front: for
// a singleton class the namespace it serves, otherwise the superclass
// chain. Every distinct holder on the way is collected; one holder is
// unambiguous, two or more raise, because which definition wins would
// depend on definition order rather than structure. All access is
// confined to the main task.

// cvarCacheEntry caches where a name last resolved for one receiver. A
// hit is honored only while the stamp still matches the world's write
// stamp; any class-variable write anywhere invalidates every entry.
type cvarCacheEntry struct {
	definer *Class
	stamp   uint64
}

// cvarFront returns the namespace consulted after c. A singleton class
// defers to the namespace it serves, so a class object and its instances
// share one variable pool.
func (c *Class) cvarFront() *Class {
	if c.kind == kindSingleton && c.attached != nil {
		return c.attached
	}
	return c.super
}

// eachCvarAncestor yields c and every namespace behind it in resolution
// order, mapping proxy entries to the module they stand for. A namespace
// reachable through several chain entries is yielded once.
func (c *Class) eachCvarAncestor(fn func(owner *Class) bool) {
	seen := make(map[*Class]bool)
	visit := func(entry *Class) bool {
		owner := entry
		if entry.delegate != nil {
			owner = entry.delegate
		}
		if seen[owner] {
			return true
		}
		seen[owner] = true
		return fn(owner)
	}
	if !visit(c) {
		return
	}
	for cur := c.cvarFront(); cur != nil; cur = cur.super {
		if !visit(cur) {
			return
		}
	}
}

type cvarHit struct {
	holder *Class
	value  Value
}

// cvarCollect gathers every holder of id along c's resolution order,
// nearest first.
func (w *World) cvarCollect(c *Class, id uint32) []cvarHit {
	var hits []cvarHit
	c.eachCvarAncestor(func(owner *Class) bool {
		owner.mu.RLock()
		v, ok := owner.classVars[id]
		owner.mu.RUnlock()
		if ok {
			hits = append(hits, cvarHit{holder: owner, value: v})
		}
		return true
	})
	return hits
}

func cvarOvertakenError(name string, front, target *Class) error {
	return runtimeErrorf("class variable %s of %s is overtaken by %s",
		name, front.FullName(), target.FullName())
}

func (w *World) cvarIntern(task *Task, c *Class, name string) (uint32, error) {
	if !IsClassVarName(name) {
		return 0, nameErrorf(name, c.FullName(), "wrong class variable name %s", name)
	}
	if !task.IsMain() {
		return 0, isolationErrorf(name, "can't access class variables from a non-main task")
	}
	return w.Symbols.Intern(name), nil
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// ClassVarGet resolves name along c's class-variable ancestry. The
// nearest definition wins; distinct holders raise; no holder raises an
// uninitialized-variable error.
func (w *World) ClassVarGet(task *Task, c *Class, name string) (Value, error) {
	id, err := w.cvarIntern(task, c, name)
	if err != nil {
		return Undef, err
	}
	// The stamp is read before the walk. A write racing the walk leaves
	// a stale stamp in the cache and the next read recomputes; a stale
	// hit is impossible.
	stamp := w.cvarStamp.Load()
	if v, ok := w.cvarCached(c, id, stamp); ok {
		return v, nil
	}
	hits := w.cvarCollect(c, id)
	switch len(hits) {
	case 0:
		return Undef, nameErrorf(name, c.FullName(),
			"uninitialized class variable %s in %s", name, c.FullName())
	case 1:
	default:
		return Undef, cvarOvertakenError(name, hits[0].holder, hits[len(hits)-1].holder)
	}
	w.cvarCacheStore(c, id, hits[0].holder, stamp)
	return hits[0].value, nil
}

// ClassVarSet writes name along c's class-variable ancestry. The value
// lands at the nearest existing definition, or at c itself when the name
// is new everywhere.
func (w *World) ClassVarSet(task *Task, c *Class, name string, val Value) error {
	id, err := w.cvarIntern(task, c, name)
	if err != nil {
		return err
	}
	hits := w.cvarCollect(c, id)
	target := c
	switch len(hits) {
	case 0:
	case 1:
		target = hits[0].holder
	default:
		return cvarOvertakenError(name, hits[0].holder, hits[len(hits)-1].holder)
	}
	if target.Frozen() {
		return target.frozenError()
	}
	target.mu.Lock()
	if target.classVars == nil {
		target.classVars = make(map[uint32]Value)
	}
	_, existed := target.classVars[id]
	target.classVars[id] = val
	if !existed {
		target.cvarOrder = append(target.cvarOrder, id)
	}
	target.mu.Unlock()
	stamp := w.cvarStamp.Add(1)
	w.cvarCacheStore(c, id, target, stamp)
	return nil
}

// ClassVarDefined reports whether name resolves from c. Conflicting
// holders still count as defined.
func (w *World) ClassVarDefined(task *Task, c *Class, name string) (bool, error) {
	id, err := w.cvarIntern(task, c, name)
	if err != nil {
		return false, err
	}
	found := false
	c.eachCvarAncestor(func(owner *Class) bool {
		owner.mu.RLock()
		_, ok := owner.classVars[id]
		owner.mu.RUnlock()
		if ok {
			found = true
			return false
		}
		return true
	})
	return found, nil
}

// ClassVarNames lists class-variable names visible from c in resolution
// order, each holder's own names in definition order. Without inherit
// only c's own table is consulted.
func (w *World) ClassVarNames(c *Class, inherit bool) []string {
	var ids []uint32
	if inherit {
		seen := make(map[uint32]bool)
		c.eachCvarAncestor(func(owner *Class) bool {
			for _, id := range owner.cvarIDs() {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
			return true
		})
	} else {
		ids = c.cvarIDs()
	}
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, w.Symbols.Name(id))
	}
	return names
}

// cvarIDs returns the class's own class-variable ids in definition order.
func (c *Class) cvarIDs() []uint32 {
	c.mu.RLock()
	ids := append([]uint32(nil), c.cvarOrder...)
	c.mu.RUnlock()
	return ids
}

// ClassVarRemove deletes name from c's own table and returns its value.
// A name only defined higher up is not removable here; a name defined
// nowhere reachable is an error.
func (w *World) ClassVarRemove(task *Task, c *Class, name string) (Value, error) {
	if !IsClassVarName(name) {
		return Undef, nameErrorf(name, c.FullName(), "wrong class variable name %s", name)
	}
	if !task.IsMain() {
		return Undef, isolationErrorf(name, "can't access class variables from a non-main task")
	}
	if c.Frozen() {
		return Undef, c.frozenError()
	}
	if id, known := w.Symbols.Lookup(name); known {
		c.mu.Lock()
		if v, ok := c.classVars[id]; ok {
			delete(c.classVars, id)
			for i, other := range c.cvarOrder {
				if other == id {
					c.cvarOrder = append(c.cvarOrder[:i], c.cvarOrder[i+1:]...)
					break
				}
			}
			c.mu.Unlock()
			w.cvarStamp.Add(1)
			return v, nil
		}
		c.mu.Unlock()
		defined, err := w.ClassVarDefined(task, c, name)
		if err != nil {
			return Undef, err
		}
		if defined {
			return Undef, nameErrorf(name, c.FullName(), "cannot remove %s for %s", name, c.FullName())
		}
	}
	return Undef, nameErrorf(name, c.FullName(),
		"class variable %s not defined for %s", name, c.FullName())
}

// ---------------------------------------------------------------------------
// Cache
// ---------------------------------------------------------------------------

func (w *World) cvarCached(c *Class, id uint32, stamp uint64) (Value, bool) {
	c.mu.RLock()
	ent, ok := c.cvarCache[id]
	c.mu.RUnlock()
	if !ok || ent.stamp != stamp || ent.definer == nil {
		return Undef, false
	}
	ent.definer.mu.RLock()
	v, present := ent.definer.classVars[id]
	ent.definer.mu.RUnlock()
	if !present {
		return Undef, false
	}
	return v, true
}

func (w *World) cvarCacheStore(c *Class, id uint32, definer *Class, stamp uint64) {
	c.mu.Lock()
	if c.cvarCache == nil {
		c.cvarCache = make(map[uint32]cvarCacheEntry)
	}
	c.cvarCache[id] = cvarCacheEntry{definer: definer, stamp: stamp}
	c.mu.Unlock()
}
