package vm

import (
	"sync"
)

// ---------------------------------------------------------------------------
// Deferred constant loading
// ---------------------------------------------------------------------------
//
// A declaration binds a constant name to a feature without defining the
// value: the namespace table holds the Undef sentinel and a per-feature
// record remembers which names the feature is expected to define. The
// first resolution of any such name runs the feature's executor, exactly
// once per record; concurrent resolvers of the same feature block on its
// lock and re-check the table afterwards. Definitions made while the load
// is running are staged on the record and committed only when the executor
// reports success; the record itself is retired in all cases, success or
// failure.

// FeatureLoader performs deferred feature loads on behalf of a world.
// Load reports false when the feature turned out to be present already
// and nothing was executed. Provided is consulted with coordinator
// bookkeeping in progress and must not re-enter constant resolution.
type FeatureLoader interface {
	Provided(feature string) bool
	Load(task *Task, feature string) (bool, error)
}

// autoloadData is the per-feature record. One record serves every
// constant declared against the feature and lives until the feature
// finishes loading.
type autoloadData struct {
	feature string

	// lock is created on the first trigger. It serializes the load and
	// lets the loading task re-enter resolution without deadlocking;
	// everyone else blocks on it until the load settles.
	lock *OwnerLock

	// consts lists the pending constants registered against the feature.
	consts []*autoloadConst

	// attempted remembers that the executor already ran, so a waiter that
	// inherits the lock never invokes it a second time.
	attempted bool
}

// autoloadConst is one pending constant belonging to a feature record.
type autoloadConst struct {
	ns         *Class
	name       uint32
	value      Value // Undef until the running load assigns it
	vis        ConstVisibility
	deprecated bool
	loc        SourceLocation
	data       *autoloadData
}

// AutoloadTable coordinates every deferred load in a world. Its lock is
// held only for bookkeeping; executors run outside it so unrelated
// features load concurrently.
type AutoloadTable struct {
	mu       sync.Mutex
	features map[string]*autoloadData
}

func NewAutoloadTable() *AutoloadTable {
	return &AutoloadTable{features: make(map[string]*autoloadData)}
}

// Len reports the number of features with a live pending record.
func (at *AutoloadTable) Len() int {
	at.mu.Lock()
	defer at.mu.Unlock()
	return len(at.features)
}

// MarkRefs visits every staged value held by pending records. Staged
// values are owned here, not by the namespace tables they will land in.
func (at *AutoloadTable) MarkRefs(visit func(Value)) {
	at.mu.Lock()
	defer at.mu.Unlock()
	for _, data := range at.features {
		for _, ac := range data.consts {
			if ac.value.IsObject() || ac.value.IsHandle() {
				visit(ac.value)
			}
		}
	}
}

// UpdateRefs rewrites staged references after a compacting pass.
func (at *AutoloadTable) UpdateRefs(update func(Value) Value) {
	at.mu.Lock()
	defer at.mu.Unlock()
	for _, data := range at.features {
		for _, ac := range data.consts {
			ac.value = update(ac.value)
		}
	}
}

// SetFeatureLoader installs the executor used for deferred loads.
func (w *World) SetFeatureLoader(l FeatureLoader) { w.loader = l }

func (w *World) featureProvided(feature string) bool {
	if w.loader == nil {
		return false
	}
	return w.loader.Provided(feature)
}

// ---------------------------------------------------------------------------
// Declaration
// ---------------------------------------------------------------------------

// AutoloadDeclare registers name on ns as a constant defined by feature.
// The namespace gains a sentinel entry; resolving it later triggers the
// feature's load. A name that already resolved to a value is left alone.
func (w *World) AutoloadDeclare(task *Task, ns *Class, name, feature string) error {
	if !IsConstName(name) {
		return nameErrorf(name, ns.FullName(), "autoload must be constant name: %s", name)
	}
	if feature == "" {
		return argumentErrorf("empty feature name")
	}
	if err := w.checkNamespaceWrite(task, ns); err != nil {
		return err
	}
	id := w.Symbols.Intern(name)
	loc := task.CurrentLocation()

	at := w.Autoloads
	at.mu.Lock()
	defer at.mu.Unlock()

	if ce := ns.constLookup(id); ce != nil && !ce.Value.IsUndef() {
		return nil
	}
	// A re-declaration drops the previous record first, otherwise a late
	// commit of the old feature could resurrect it.
	w.autoloadUnlinkLocked(ns, id)

	data := at.features[feature]
	if data == nil {
		data = &autoloadData{feature: feature}
		at.features[feature] = data
	}
	ac := &autoloadConst{ns: ns, name: id, value: Undef, vis: ConstPublic, loc: loc, data: data}
	data.consts = append(data.consts, ac)

	ns.mu.Lock()
	if ns.autoloads == nil {
		ns.autoloads = make(map[uint32]*autoloadConst)
	}
	ns.autoloads[id] = ac
	if ns.consts == nil {
		ns.consts = make(map[uint32]*ConstEntry)
	}
	ns.consts[id] = &ConstEntry{Value: Undef, Visibility: ConstPublic, Loc: loc}
	ns.mu.Unlock()
	return nil
}

// autoloadFor returns the pending record for id, if any.
func (c *Class) autoloadFor(id uint32) *autoloadConst {
	c.mu.RLock()
	ac := c.autoloads[id]
	c.mu.RUnlock()
	return ac
}

// autoloadUnlinkLocked detaches the pending record for (ns, id) from both
// the namespace and its feature record. A feature record left with no
// constants and no load in flight is retired. Caller holds the
// coordinator lock.
func (w *World) autoloadUnlinkLocked(ns *Class, id uint32) {
	ns.mu.Lock()
	ac := ns.autoloads[id]
	if ac != nil {
		delete(ns.autoloads, id)
	}
	ns.mu.Unlock()
	if ac == nil {
		return
	}
	data := ac.data
	list := data.consts
	for i, other := range list {
		if other == ac {
			data.consts = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(data.consts) == 0 && (data.lock == nil || !data.lock.Held()) {
		if w.Autoloads.features[data.feature] == data {
			delete(w.Autoloads.features, data.feature)
		}
	}
}

// autoloadDelete drops the pending record for (ns, id), if any. The
// sentinel entry in the namespace table is the caller's concern.
func (w *World) autoloadDelete(ns *Class, id uint32) {
	at := w.Autoloads
	at.mu.Lock()
	w.autoloadUnlinkLocked(ns, id)
	at.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// autoloadingStaged returns the value staged for (ns, id) when the calling
// task is the one running the feature's load. Other tasks never observe
// staged values.
func (w *World) autoloadingStaged(task *Task, ns *Class, id uint32) (Value, bool) {
	at := w.Autoloads
	at.mu.Lock()
	defer at.mu.Unlock()
	return w.autoloadingStagedLocked(task, ns, id)
}

// autoloadingStagedLocked is autoloadingStaged with the coordinator lock
// already held.
func (w *World) autoloadingStagedLocked(task *Task, ns *Class, id uint32) (Value, bool) {
	ac := ns.autoloadFor(id)
	if ac == nil {
		return Undef, false
	}
	if ac.data.lock == nil || !ac.data.lock.OwnedBy(task) || ac.value.IsUndef() {
		return Undef, false
	}
	return ac.value, true
}

// autoloadRequired reports whether resolving (ns, id) still needs the
// feature load to run or finish, and names the feature.
func (w *World) autoloadRequired(task *Task, ns *Class, id uint32) (string, bool) {
	ac := ns.autoloadFor(id)
	if ac == nil {
		return "", false
	}
	at := w.Autoloads
	at.mu.Lock()
	lock := ac.data.lock
	feature := ac.data.feature
	at.mu.Unlock()
	if lock != nil {
		if lock.OwnedBy(task) {
			return "", false
		}
		if lock.Held() {
			return feature, true
		}
	}
	if w.featureProvided(feature) {
		return "", false
	}
	return feature, true
}

// autoloadActive reports whether the pending constant still counts as
// defined: its load has not happened yet, is in flight on another task,
// or is ours with a value already staged.
func (w *World) autoloadActive(task *Task, ns *Class, id uint32) bool {
	if _, ok := w.autoloadRequired(task, ns, id); ok {
		return true
	}
	_, staged := w.autoloadingStaged(task, ns, id)
	return staged
}

// autoloadPending reports whether (ns, id) is a sentinel entry from the
// calling task's point of view. A value the task staged itself counts as
// defined, not pending.
func (w *World) autoloadPending(task *Task, ns *Class, id uint32) bool {
	at := w.Autoloads
	at.mu.Lock()
	defer at.mu.Unlock()
	return w.autoloadPendingLocked(task, ns, id)
}

func (w *World) autoloadPendingLocked(task *Task, ns *Class, id uint32) bool {
	ce := ns.constLookup(id)
	if ce == nil || !ce.Value.IsUndef() {
		return false
	}
	_, staged := w.autoloadingStagedLocked(task, ns, id)
	return !staged
}

// AutoloadFeature reports the feature registered to define name on ns
// when its load is still outstanding. With recurse the whole resolution
// chain is consulted.
func (w *World) AutoloadFeature(task *Task, ns *Class, name string, recurse bool) (string, bool) {
	id, ok := w.Symbols.Lookup(name)
	if !ok {
		return "", false
	}
	var feature string
	var found bool
	ns.eachResolutionEntry(func(entry, owner *Class) bool {
		if w.autoloadPending(task, owner, id) {
			feature, found = w.autoloadRequired(task, owner, id)
			return false
		}
		return recurse
	})
	return feature, found
}

// ---------------------------------------------------------------------------
// Staging during a load
// ---------------------------------------------------------------------------

// autoloadStage intercepts a definition made while the name's feature load
// is running on the calling task. The value is parked on the record until
// the load commits; reports false when no load of ours is in flight.
func (w *World) autoloadStage(task *Task, ns *Class, id uint32, val Value, loc SourceLocation) bool {
	ac := ns.autoloadFor(id)
	if ac == nil {
		return false
	}
	at := w.Autoloads
	at.mu.Lock()
	lock := ac.data.lock
	at.mu.Unlock()
	if lock == nil || !lock.OwnedBy(task) {
		return false
	}
	at.mu.Lock()
	ac.value = val
	ac.loc = loc
	at.mu.Unlock()
	return true
}

// autoloadSetFlags mirrors a visibility or deprecation change onto the
// staged record so the commit cannot undo it. Only the task running the
// load has a record to mirror onto; outside a load the sentinel entry
// already carries the flags and the commit merges them back.
func (w *World) autoloadSetFlags(task *Task, ns *Class, id uint32, vis ConstVisibility, deprecated bool) {
	ac := ns.autoloadFor(id)
	if ac == nil {
		return
	}
	at := w.Autoloads
	at.mu.Lock()
	lock := ac.data.lock
	at.mu.Unlock()
	if lock == nil || !lock.OwnedBy(task) {
		return
	}
	at.mu.Lock()
	ac.vis = vis
	ac.deprecated = deprecated
	at.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Triggering
// ---------------------------------------------------------------------------

// AutoloadLoad forces the pending load for name on ns, as resolution
// would. It reports whether the constant ended up defined.
func (w *World) AutoloadLoad(task *Task, ns *Class, name string) (bool, error) {
	id, ok := w.Symbols.Lookup(name)
	if !ok {
		return false, nil
	}
	return w.autoloadLoad(task, ns, id)
}

func (w *World) autoloadLoad(task *Task, ns *Class, id uint32) (bool, error) {
	ce := ns.constLookup(id)
	if ce == nil || !ce.Value.IsUndef() {
		return false, nil
	}
	if !task.IsMain() {
		name := w.Symbols.Name(id)
		return false, isolationErrorf(name, "can't trigger deferred loading of %s::%s from a non-main task", ns.FullName(), name)
	}

	at := w.Autoloads
	at.mu.Lock()
	data := w.autoloadLoadNeededLocked(task, ns, id)
	at.mu.Unlock()
	if data == nil {
		return false, nil
	}

	data.lock.Lock(task)
	defer data.lock.Unlock(task)
	return w.autoloadPerform(task, ns, id, data)
}

// autoloadLoadNeededLocked decides under the coordinator lock whether the
// calling task must run or wait for the feature load, creating the
// feature lock on first trigger. A nil result means no load is needed
// here. Caller holds the coordinator lock.
func (w *World) autoloadLoadNeededLocked(task *Task, ns *Class, id uint32) *autoloadData {
	if !w.autoloadPendingLocked(task, ns, id) {
		return nil
	}
	ns.mu.RLock()
	ac := ns.autoloads[id]
	ns.mu.RUnlock()
	if ac == nil {
		return nil
	}
	data := ac.data
	if data.lock != nil {
		if data.lock.OwnedBy(task) {
			// Re-entered from inside our own load. The definition will
			// arrive as the feature continues; resolution moves on.
			return nil
		}
		return data
	}
	if w.featureProvided(data.feature) {
		return nil
	}
	if task.CurrentLocation().File == data.feature {
		// The feature's own execution is on the stack without holding
		// the lock; it defines the constant in due course.
		return nil
	}
	data.lock = NewOwnerLock()
	return data
}

// autoloadPerform runs or skips the executor while holding the feature
// lock, then settles every constant the record covers. Waiters that
// acquire the lock after the load find attempted set and only re-check
// the table.
func (w *World) autoloadPerform(task *Task, ns *Class, id uint32, data *autoloadData) (bool, error) {
	at := w.Autoloads

	at.mu.Lock()
	run := !data.attempted
	if run {
		data.attempted = true
	}
	at.mu.Unlock()

	var loadErr error
	if run {
		loadErr = w.autoloadRunExecutor(task, data)
	}

	ce := ns.constLookup(id)
	if ce == nil || ce.Value.IsUndef() {
		return false, loadErr
	}
	return true, loadErr
}

// autoloadRunExecutor invokes the loader once and always settles the
// record afterwards, even when the executor fails or panics.
func (w *World) autoloadRunExecutor(task *Task, data *autoloadData) (err error) {
	success := false
	defer func() { w.autoloadApplyConstants(data, success) }()
	if w.loader == nil {
		return runtimeErrorf("can't load feature %s: no loader installed", data.feature)
	}
	loaded, err := w.loader.Load(task, data.feature)
	success = loaded && err == nil
	return err
}

// autoloadApplyConstants settles every constant of a finished load:
// staged values are committed with the sentinel's flags folded in, the
// rest are deleted outright, and the feature record is retired. Runs
// while the caller still holds the feature lock, so resolvers never see
// a half-committed feature.
func (w *World) autoloadApplyConstants(data *autoloadData, success bool) {
	at := w.Autoloads
	at.mu.Lock()
	defer at.mu.Unlock()

	for _, ac := range data.consts {
		sentinelVis := ac.vis
		sentinelDep := ac.deprecated
		ac.ns.mu.Lock()
		if ce := ac.ns.consts[ac.name]; ce != nil && ce.Value.IsUndef() {
			if ce.Visibility == ConstPrivate {
				sentinelVis = ConstPrivate
			}
			sentinelDep = sentinelDep || ce.Deprecated
			if !success || ac.value.IsUndef() {
				delete(ac.ns.consts, ac.name)
			}
		}
		delete(ac.ns.autoloads, ac.name)
		ac.ns.mu.Unlock()

		if success && !ac.value.IsUndef() {
			w.constForceUpdate(ac.ns, ac.name, ac.value, sentinelVis, sentinelDep, ac.loc)
		}
	}
	data.consts = nil
	// A re-declaration during the load may have installed a fresh record
	// under the same feature name; retire only our own.
	if at.features[data.feature] == data {
		delete(at.features, data.feature)
	}
}
