package vm

import (
	"fmt"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------
//
// Warnings are non-fatal: they describe suspicious but legal operations,
// like re-defining a constant or reading an unset global. They flow to a
// pluggable sink. Each diagnostic carries the offending identifier and
// namespace path so a sink can filter without parsing the message.

// Diagnostic is one warning emitted by a world.
type Diagnostic struct {
	Message   string
	Name      string         // offending identifier, "" when none
	Namespace string         // namespace path, "" when none
	Loc       SourceLocation // related definition site, zero when none
}

func (d Diagnostic) String() string {
	if !d.Loc.IsZero() {
		return d.Loc.String() + ": " + d.Message
	}
	return d.Message
}

// DiagnosticSink receives warnings. Implementations must tolerate calls
// from any goroutine.
type DiagnosticSink interface {
	Warn(d Diagnostic)
}

// DiagnosticFunc adapts a plain function to a DiagnosticSink.
type DiagnosticFunc func(d Diagnostic)

func (f DiagnosticFunc) Warn(d Diagnostic) { f(d) }

// LogSink forwards warnings to the process logger. It is the default
// sink of a new world; output stays silent until the embedding program
// configures a logging backend.
type LogSink struct {
	log commonlog.Logger
}

// NewLogSink returns a sink logging under the "greta.vm" name.
func NewLogSink() *LogSink {
	return &LogSink{log: commonlog.GetLogger("greta.vm")}
}

func (s *LogSink) Warn(d Diagnostic) {
	switch {
	case d.Namespace != "":
		s.log.Warningf("%s [name=%s namespace=%s]", d.String(), d.Name, d.Namespace)
	case d.Name != "":
		s.log.Warningf("%s [name=%s]", d.String(), d.Name)
	default:
		s.log.Warningf("%s", d.String())
	}
}

// SetDiagnosticSink routes warnings to sink; nil discards them.
func (w *World) SetDiagnosticSink(sink DiagnosticSink) {
	w.diagMu.Lock()
	w.diag = sink
	w.diagMu.Unlock()
}

// SetDeprecatedWarnings toggles warnings for deprecated constant reads.
// Off by default.
func (w *World) SetDeprecatedWarnings(on bool) {
	w.deprecatedWarnings.Store(on)
}

func (w *World) emitWarning(d Diagnostic) {
	w.diagMu.RLock()
	sink := w.diag
	w.diagMu.RUnlock()
	if sink != nil {
		sink.Warn(d)
	}
}

func (w *World) warnf(format string, args ...interface{}) {
	w.emitWarning(Diagnostic{Message: fmt.Sprintf(format, args...)})
}

func (w *World) warnAtf(loc SourceLocation, format string, args ...interface{}) {
	w.emitWarning(Diagnostic{Message: fmt.Sprintf(format, args...), Loc: loc})
}

func (w *World) warnNamedf(name, namespace, format string, args ...interface{}) {
	w.emitWarning(Diagnostic{
		Message:   fmt.Sprintf(format, args...),
		Name:      name,
		Namespace: namespace,
	})
}
