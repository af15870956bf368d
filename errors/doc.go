// Package errors provides structured error types for the wasm-vm library.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// Use the Builder for structured construction:
//
//	err := errors.New(errors.PhaseInstantiate, errors.KindLink).
//		Path("env", "host_function").
//		Detail("signature mismatch").
//		Build()
//
// Sentinels such as ErrLink or ErrNotDuplicable match any *Error with the same
// phase and kind, so callers branch with the standard errors.Is:
//
//	if errors.Is(err, errors.ErrLink) { ... }
package errors
