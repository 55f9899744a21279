package vm

import "fmt"

// ---------------------------------------------------------------------------
// Kernel error taxonomy
// ---------------------------------------------------------------------------

// Every kernel operation reports failures through one of the error types
// below. They carry the offending identifier and namespace path so callers
// and the diagnostic channel can render them without re-parsing messages.

// NameError indicates a missing definition or a malformed identifier:
// uninitialized constants and class variables, invalid names, assignment
// to read-only globals, illegal removals.
type NameError struct {
	Name      string // offending identifier, with sigil where it has one
	Namespace string // namespace path, "" when not applicable
	msg       string
}

func (e *NameError) Error() string { return e.msg }

func nameErrorf(name, namespace, format string, args ...interface{}) *NameError {
	return &NameError{Name: name, Namespace: namespace, msg: fmt.Sprintf(format, args...)}
}

// FrozenError indicates an attempted mutation of a frozen object or of an
// identity-less immediate.
type FrozenError struct {
	Receiver string // class name or value description of the receiver
}

func (e *FrozenError) Error() string {
	return fmt.Sprintf("can't modify frozen %s", e.Receiver)
}

// IsolationError indicates that a non-main task touched shared mutable
// state it may not touch.
type IsolationError struct {
	Name string // offending identifier, "" when the operation itself is barred
	msg  string
}

func (e *IsolationError) Error() string { return e.msg }

func isolationErrorf(name, format string, args ...interface{}) *IsolationError {
	return &IsolationError{Name: name, msg: fmt.Sprintf(format, args...)}
}

// RuntimeError covers the remaining kernel failures: overtaken class
// variables, aliasing during trace propagation, removing a constant a
// namespace never held, loads with no loader installed.
type RuntimeError struct {
	msg string
}

func (e *RuntimeError) Error() string { return e.msg }

func runtimeErrorf(format string, args ...interface{}) *RuntimeError {
	return &RuntimeError{msg: fmt.Sprintf(format, args...)}
}

// ArgumentError indicates malformed operation arguments, such as an empty
// feature name in an autoload declaration.
type ArgumentError struct {
	msg string
}

func (e *ArgumentError) Error() string { return e.msg }

func argumentErrorf(format string, args ...interface{}) *ArgumentError {
	return &ArgumentError{msg: fmt.Sprintf(format, args...)}
}
