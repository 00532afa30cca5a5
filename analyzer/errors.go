package analyzer

import (
	"errors"
	"fmt"
	"strings"

	"refanalyzer/compilation"
)

var (
	// ErrNoModulePath is returned for modules without a manifest on disk.
	ErrNoModulePath = errors.New("module has no path")

	// ErrCompilation is matched by every CompileError.
	ErrCompilation = errors.New("compilation failed")

	// ErrLoad is returned when the build graph cannot be loaded.
	ErrLoad = errors.New("cannot load build graph")

	// ErrModuleNotFound is returned when a module name is not in the loaded graph.
	ErrModuleNotFound = errors.New("module not found")
)

// DiagnosticSeparator joins diagnostics in aggregate error messages.
const DiagnosticSeparator = "; "

// CompileError aggregates the error diagnostics of a module.
type CompileError struct {
	Module      string
	Diagnostics []compilation.Diagnostic
}

func (e *CompileError) Error() string {
	msgs := make([]string, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		msgs = append(msgs, d.String())
	}
	return fmt.Sprintf("%s: %d compile error(s): %s", e.Module, len(e.Diagnostics), strings.Join(msgs, DiagnosticSeparator))
}

func (e *CompileError) Is(target error) bool {
	return target == ErrCompilation
}
