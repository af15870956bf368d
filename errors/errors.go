package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseCompile     Phase = "compile"     // artifact compilation
	PhaseInstantiate Phase = "instantiate" // instance creation
	PhaseDuplicate   Phase = "duplicate"   // instance duplication
	PhaseMemory      Phase = "memory"      // virtual memory operations
	PhaseRuntime     Phase = "runtime"     // calls into exported code
	PhaseConfig      Phase = "config"      // tunables loading
)

// Kind categorizes the error
type Kind string

const (
	// Instantiation kinds.
	KindLink        Kind = "link"
	KindStart       Kind = "start"
	KindCPUFeature  Kind = "cpu_feature"
	KindHostEnvInit Kind = "host_env_initialization"

	// Memory kinds.
	KindMapping       Kind = "mapping"
	KindNotDuplicable Kind = "not_duplicable"
	KindUnsupported   Kind = "unsupported"

	KindTypeMismatch  Kind = "type_mismatch"
	KindMissingImport Kind = "missing_import"
	KindNotFound      Kind = "not_found"
	KindInvalidInput  Kind = "invalid_input"
	KindInvalidData   Kind = "invalid_data"
	KindClosed        Kind = "closed"
	KindReentrant     Kind = "reentrant"
)

// Sentinels for errors.Is. Instantiation kinds match in both the
// instantiate and duplicate phases.
var (
	ErrLink        = &Error{Kind: KindLink}
	ErrStart       = &Error{Kind: KindStart}
	ErrCPUFeature  = &Error{Kind: KindCPUFeature}
	ErrHostEnvInit = &Error{Kind: KindHostEnvInit}

	ErrMapping       = &Error{Phase: PhaseMemory, Kind: KindMapping}
	ErrNotDuplicable = &Error{Phase: PhaseMemory, Kind: KindNotDuplicable}
	ErrUnsupported   = &Error{Phase: PhaseMemory, Kind: KindUnsupported}

	ErrDuplicate = &Error{Phase: PhaseDuplicate, Kind: KindReentrant}
	ErrClosed    = &Error{Kind: KindClosed}
)

// Error is the structured error type used throughout the module
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. A target without a phase
// matches on kind alone.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return (t.Phase == "" || e.Phase == t.Phase) && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the import or export path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Link creates an instantiation error for an unresolvable import set.
func Link(phase Phase, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindLink,
		Detail: "resolve imports",
		Cause:  cause,
	}
}

// Start creates an instantiation error for a trap raised while the module
// was being initialized.
func Start(phase Phase, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindStart,
		Detail: "run start function",
		Cause:  cause,
	}
}

// HostEnvInit creates an instantiation error for a failing host environment.
func HostEnvInit(phase Phase, module, name string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindHostEnvInit,
		Path:   []string{module, name},
		Detail: "initialize host environment",
		Cause:  cause,
	}
}

// CPUFeature creates an instantiation error for a host lacking a required
// processor feature.
func CPUFeature(feature string) *Error {
	return &Error{
		Phase:  PhaseInstantiate,
		Kind:   KindCPUFeature,
		Detail: fmt.Sprintf("host cpu lacks %s", feature),
	}
}

// Mapping creates a memory error for a failed OS mapping or protection call.
func Mapping(op string, cause error) *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindMapping,
		Detail: op,
		Cause:  cause,
	}
}

// NotDuplicable creates the memory error returned by duplicating a region
// without a shareable backing.
func NotDuplicable() *Error {
	return &Error{
		Phase:  PhaseMemory,
		Kind:   KindNotDuplicable,
		Detail: "region not duplicable",
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Closed creates an error for use of a released instance or resource.
func Closed(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: what + " is closed",
	}
}

// ParseFailed creates a parsing error
func ParseFailed(phase Phase, what string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Detail: fmt.Sprintf("parse %s", what),
		Cause:  cause,
	}
}

// MissingImport represents a single unresolved import
type MissingImport struct {
	Module string // e.g., "env"
	Name   string // e.g., "host_function"
}

// MissingImportsError lists every import the supplied bindings failed to satisfy
type MissingImportsError struct {
	Imports []MissingImport
}

func (e *MissingImportsError) Error() string {
	if len(e.Imports) == 0 {
		return "[instantiate] missing_import: no imports specified"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("missing %d import(s):\n", len(e.Imports)))

	// Group by module for cleaner output
	byModule := make(map[string][]string)
	var order []string
	for _, imp := range e.Imports {
		if _, exists := byModule[imp.Module]; !exists {
			order = append(order, imp.Module)
		}
		byModule[imp.Module] = append(byModule[imp.Module], imp.Name)
	}

	for _, mod := range order {
		b.WriteString("\n  ")
		b.WriteString(mod)
		b.WriteString(":\n")
		for _, name := range byModule[mod] {
			b.WriteString("    - ")
			b.WriteString(name)
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type
func (e *MissingImportsError) Is(target error) bool {
	_, ok := target.(*MissingImportsError)
	return ok
}

// ImportTypeMismatch reports a binding whose kind or signature differs from
// the module's declaration.
type ImportTypeMismatch struct {
	Module   string
	Name     string
	Expected string
	Actual   string
}

func (e *ImportTypeMismatch) Error() string {
	return fmt.Sprintf("import %s.%s: expected %s, got %s", e.Module, e.Name, e.Expected, e.Actual)
}
