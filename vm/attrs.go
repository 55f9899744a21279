package vm

// ---------------------------------------------------------------------------
// Attribute store: per-object named attributes
// ---------------------------------------------------------------------------
//
// Three receiver shapes share one addressing scheme:
//   - instances: slot arrays addressed through the class's FieldTable
//   - classes and modules: a direct insertion-ordered map on the class
//   - host handles: an identity-keyed side table holding slot arrays,
//     addressed through the handle class's FieldTable
//
// Immediates carry no attributes: reads yield Undef and writes fail as
// frozen. An unset attribute reads as Undef, never as nil.

// AttrGet returns the value of the named attribute, or Undef when the
// attribute was never set or has been deleted.
func (w *World) AttrGet(task *Task, recv Value, name string) (Value, error) {
	if !IsAttrName(name) {
		return Undef, badAttrName(name)
	}

	switch {
	case recv.IsObject():
		obj := ObjectFromValue(recv)
		return w.objectAttrGet(obj, name), nil

	case IsClassValue(recv):
		c := w.Classes.FromValue(recv)
		if c == nil {
			return Undef, nil
		}
		v := c.attrGet(w.Symbols.Intern(name))
		if !task.IsMain() && !v.IsUndef() && !Shareable(v) {
			return Undef, isolationErrorf(name,
				"can't read unshareable attribute %s of %s %s from a non-main task",
				name, c.kind, c.FullName())
		}
		return v, nil

	case recv.IsHandle():
		return w.handleAttrGet(recv, name), nil

	default:
		return Undef, nil
	}
}

// AttrSet sets the named attribute, creating its slot index on first use.
func (w *World) AttrSet(task *Task, recv Value, name string, value Value) error {
	if !IsAttrName(name) {
		return badAttrName(name)
	}

	switch {
	case recv.IsObject():
		obj := ObjectFromValue(recv)
		if obj.Frozen() {
			return &FrozenError{Receiver: instanceDesc(obj)}
		}
		w.objectAttrSet(obj, name, value)
		return nil

	case IsClassValue(recv):
		c := w.Classes.FromValue(recv)
		if c == nil {
			return nameErrorf(name, "", "attribute access on unregistered class")
		}
		if !task.IsMain() {
			return isolationErrorf(name,
				"can't set attribute %s of %s %s from a non-main task",
				name, c.kind, c.FullName())
		}
		if c.Frozen() {
			return c.frozenError()
		}
		c.attrSet(w.Symbols.Intern(name), value)
		return nil

	case recv.IsHandle():
		return w.handleAttrSet(recv, name, value)

	default:
		return &FrozenError{Receiver: immediateDesc(recv)}
	}
}

// AttrDelete removes the named attribute and returns its prior value, or
// Undef when the attribute was not set. The slot index survives deletion.
func (w *World) AttrDelete(task *Task, recv Value, name string) (Value, error) {
	if !IsAttrName(name) {
		return Undef, badAttrName(name)
	}

	switch {
	case recv.IsObject():
		obj := ObjectFromValue(recv)
		if obj.Frozen() {
			return Undef, &FrozenError{Receiver: instanceDesc(obj)}
		}
		return w.objectAttrDelete(obj, name), nil

	case IsClassValue(recv):
		c := w.Classes.FromValue(recv)
		if c == nil {
			return Undef, nil
		}
		if !task.IsMain() {
			return Undef, isolationErrorf(name,
				"can't remove attribute %s of %s %s from a non-main task",
				name, c.kind, c.FullName())
		}
		if c.Frozen() {
			return Undef, c.frozenError()
		}
		return c.attrDelete(w.Symbols.Intern(name)), nil

	case recv.IsHandle():
		return w.handleAttrDelete(recv, name)

	default:
		return Undef, &FrozenError{Receiver: immediateDesc(recv)}
	}
}

// AttrCopy copies every set attribute of src onto dst, as cloning an
// object does. Instances of the same class share a slot layout, so the
// slots are copied by index; any other pair of receivers goes through
// per-name sets.
func (w *World) AttrCopy(task *Task, dst, src Value) error {
	if dst.IsObject() && src.IsObject() {
		dobj, sobj := ObjectFromValue(dst), ObjectFromValue(src)
		if dobj.class == sobj.class {
			if dobj.Frozen() {
				return &FrozenError{Receiver: instanceDesc(dobj)}
			}
			n := sobj.NumSlots()
			dobj.growTo(n)
			for i := 0; i < n; i++ {
				if v := sobj.GetSlot(i); !v.IsUndef() {
					dobj.SetSlot(i, v)
				}
			}
			return nil
		}
	}

	var copyErr error
	if err := w.AttrEach(task, src, func(name string, v Value) bool {
		copyErr = w.AttrSet(task, dst, name, v)
		return copyErr == nil
	}); err != nil {
		return err
	}
	return copyErr
}

// AttrDefined reports whether the named attribute is currently set.
// Presence is checked without the shareability rule: a non-main task may
// learn that an attribute exists even when it may not read the value.
func (w *World) AttrDefined(task *Task, recv Value, name string) bool {
	if !IsAttrName(name) {
		return false
	}
	switch {
	case recv.IsObject():
		return !w.objectAttrGet(ObjectFromValue(recv), name).IsUndef()
	case IsClassValue(recv):
		c := w.Classes.FromValue(recv)
		if c == nil {
			return false
		}
		return !c.attrGet(w.Symbols.Intern(name)).IsUndef()
	case recv.IsHandle():
		return !w.handleAttrGet(recv, name).IsUndef()
	default:
		return false
	}
}

// AttrEach calls fn for each set attribute in creation order until fn
// returns false. Deleted attributes are skipped.
func (w *World) AttrEach(task *Task, recv Value, fn func(name string, value Value) bool) error {
	switch {
	case recv.IsObject():
		obj := ObjectFromValue(recv)
		w.eachSlotAttr(obj.class.fields, obj.NumSlots(), obj.GetSlot, fn)
		return nil

	case IsClassValue(recv):
		c := w.Classes.FromValue(recv)
		if c == nil {
			return nil
		}
		var isoErr error
		c.attrEach(func(name uint32, v Value) bool {
			if !task.IsMain() && !Shareable(v) {
				isoErr = isolationErrorf(w.Symbols.Name(name),
					"can't read unshareable attribute %s of %s %s from a non-main task",
					w.Symbols.Name(name), c.kind, c.FullName())
				return false
			}
			return fn(w.Symbols.Name(name), v)
		})
		return isoErr

	case recv.IsHandle():
		row, class := w.sideRowOf(recv)
		if row == nil || class == nil {
			return nil
		}
		w.eachSlotAttr(class.fields, row.len(), row.get, fn)
		return nil

	default:
		return nil
	}
}

// AttrCount returns the number of attributes currently set on recv.
func (w *World) AttrCount(recv Value) int {
	n := 0
	w.AttrEach(w.mainTask, recv, func(string, Value) bool {
		n++
		return true
	})
	return n
}

// AttrNames returns the names of the attributes currently set on recv,
// in creation order.
func (w *World) AttrNames(recv Value) []string {
	var names []string
	w.AttrEach(w.mainTask, recv, func(name string, _ Value) bool {
		names = append(names, name)
		return true
	})
	return names
}

func (w *World) eachSlotAttr(ft *FieldTable, capacity int, get func(int) Value, fn func(string, Value) bool) {
	ft.Each(func(name uint32, index int) bool {
		if index >= capacity {
			return true
		}
		v := get(index)
		if v.IsUndef() {
			return true
		}
		return fn(w.Symbols.Name(name), v)
	})
}

// ---------------------------------------------------------------------------
// Instance shape
// ---------------------------------------------------------------------------

func (w *World) objectAttrGet(obj *Object, name string) Value {
	id, ok := w.Symbols.Lookup(name)
	if !ok {
		return Undef
	}
	idx, ok := obj.class.fields.Lookup(id)
	if !ok || idx >= obj.NumSlots() {
		return Undef
	}
	return obj.GetSlot(idx)
}

func (w *World) objectAttrSet(obj *Object, name string, value Value) {
	idx := obj.class.fields.Ensure(w.Symbols.Intern(name))
	if idx >= obj.NumSlots() {
		obj.class.fields.GrowObject(obj, idx)
	}
	obj.SetSlot(idx, value)
}

func (w *World) objectAttrDelete(obj *Object, name string) Value {
	id, ok := w.Symbols.Lookup(name)
	if !ok {
		return Undef
	}
	idx, ok := obj.class.fields.Lookup(id)
	if !ok || idx >= obj.NumSlots() {
		return Undef
	}
	old := obj.GetSlot(idx)
	obj.SetSlot(idx, Undef)
	return old
}

// ---------------------------------------------------------------------------
// Class shape
// ---------------------------------------------------------------------------

func (c *Class) attrGet(name uint32) Value {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.attrs[name]
	if !ok {
		return Undef
	}
	return v
}

func (c *Class) attrSet(name uint32, value Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attrs == nil {
		c.attrs = make(map[uint32]Value)
	}
	if _, seen := c.attrs[name]; !seen {
		c.attrOrder = append(c.attrOrder, name)
	}
	c.attrs[name] = value
}

// attrDelete sentinel-marks so the name keeps its creation-order position
// if it is ever set again.
func (c *Class) attrDelete(name uint32) Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.attrs[name]
	if !ok || v.IsUndef() {
		return Undef
	}
	c.attrs[name] = Undef
	return v
}

func (c *Class) attrEach(fn func(name uint32, value Value) bool) {
	c.mu.RLock()
	order := make([]uint32, len(c.attrOrder))
	copy(order, c.attrOrder)
	c.mu.RUnlock()

	for _, name := range order {
		v := c.attrGet(name)
		if v.IsUndef() {
			continue
		}
		if !fn(name, v) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Handle shape: identity-keyed side table
// ---------------------------------------------------------------------------

// sideRow holds the slot array for one host handle. Rows are allocated on
// first write and never shrink; the whole row is dropped when the handle
// is released or every slot has been deleted.
type sideRow struct {
	slots []Value
}

func (r *sideRow) len() int {
	return len(r.slots)
}

func (r *sideRow) get(i int) Value {
	if i >= len(r.slots) {
		return Undef
	}
	return r.slots[i]
}

func (r *sideRow) growTo(capacity int) {
	if capacity <= len(r.slots) {
		return
	}
	grown := make([]Value, capacity)
	copy(grown, r.slots)
	for i := len(r.slots); i < len(grown); i++ {
		grown[i] = Undef
	}
	r.slots = grown
}

func (r *sideRow) allUndef() bool {
	for _, v := range r.slots {
		if !v.IsUndef() {
			return false
		}
	}
	return true
}

// sideRowOf returns the side row and handle class for recv, or nils.
func (w *World) sideRowOf(recv Value) (*sideRow, *Class) {
	host := w.Handles.Get(recv)
	if host == nil {
		return nil, nil
	}
	w.sideMu.RLock()
	defer w.sideMu.RUnlock()
	return w.side[recv], host.class
}

func (w *World) handleAttrGet(recv Value, name string) Value {
	id, ok := w.Symbols.Lookup(name)
	if !ok {
		return Undef
	}
	row, class := w.sideRowOf(recv)
	if row == nil || class == nil {
		return Undef
	}
	idx, ok := class.fields.Lookup(id)
	if !ok {
		return Undef
	}
	return row.get(idx)
}

func (w *World) handleAttrSet(recv Value, name string, value Value) error {
	host := w.Handles.Get(recv)
	if host == nil {
		return nameErrorf(name, "", "attribute access on released handle")
	}
	if host.Frozen() {
		return &FrozenError{Receiver: host.Describe()}
	}
	if host.class == nil {
		// No class means no field table to index slots through.
		return nameErrorf(name, "", "attribute access on classless handle")
	}

	idx := host.class.fields.Ensure(w.Symbols.Intern(name))

	w.sideMu.Lock()
	row := w.side[recv]
	if row == nil {
		row = &sideRow{}
		if w.side == nil {
			w.side = make(map[Value]*sideRow)
		}
		w.side[recv] = row
	}
	if idx >= len(row.slots) {
		row.growTo(grownCapacity(idx))
	}
	row.slots[idx] = value
	w.sideMu.Unlock()
	return nil
}

func (w *World) handleAttrDelete(recv Value, name string) (Value, error) {
	host := w.Handles.Get(recv)
	if host == nil {
		return Undef, nil
	}
	if host.Frozen() {
		return Undef, &FrozenError{Receiver: host.Describe()}
	}
	id, ok := w.Symbols.Lookup(name)
	if !ok || host.class == nil {
		return Undef, nil
	}
	idx, ok := host.class.fields.Lookup(id)
	if !ok {
		return Undef, nil
	}

	w.sideMu.Lock()
	defer w.sideMu.Unlock()
	row := w.side[recv]
	if row == nil || idx >= len(row.slots) {
		return Undef, nil
	}
	old := row.slots[idx]
	row.slots[idx] = Undef
	if row.allUndef() {
		delete(w.side, recv)
	}
	return old, nil
}

// dropSideRow discards the side row for a released handle.
func (w *World) dropSideRow(recv Value) {
	w.sideMu.Lock()
	delete(w.side, recv)
	w.sideMu.Unlock()
}

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

func badAttrName(name string) error {
	return nameErrorf(name, "", "`%s' is not allowed as an attribute name", name)
}

func instanceDesc(obj *Object) string {
	if obj.class == nil {
		return "object"
	}
	return obj.class.FullName() + " instance"
}

func immediateDesc(v Value) string {
	switch {
	case v.IsNil():
		return "nil"
	case v.IsBool():
		if v.Bool() {
			return "true"
		}
		return "false"
	case v.IsSmallInt():
		return "integer"
	case v.IsFloat():
		return "float"
	case v.IsSymbol():
		return "symbol"
	default:
		return "value"
	}
}
