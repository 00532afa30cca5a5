// Package compilation describes the front-end that turns a build graph into
// compiled, semantically resolvable modules. The analysis core only talks to
// these interfaces; gofront implements them for Go workspaces.
package compilation

import (
	"context"
	"fmt"

	"refanalyzer/model"
)

// ModuleInfo describes one module discovered in a build graph.
type ModuleInfo struct {
	Name string
	// Path is the module's manifest file.
	Path string
}

// Provider loads build graphs and compiles their modules.
type Provider interface {
	LoadBuildGraph(ctx context.Context, path string, props map[string]string) ([]ModuleInfo, []Diagnostic, error)
	Compile(ctx context.Context, module *model.Module) (CompiledUnit, error)
	// RuntimePrefixes lists owner identity prefixes of the core runtime,
	// which are never reported as dependencies.
	RuntimePrefixes() []string
}

// ArtifactLocator is implemented by providers that know where a declared
// dependency's metadata lives. Providers without it fall back to the
// <outputDir>/<name>.dll|.exe convention.
type ArtifactLocator interface {
	LocateArtifact(dep model.DeclaredReference, outputDir string) (string, bool)
}

// CompiledUnit is the compiled representation of one module.
type CompiledUnit interface {
	// Identity is the module's own output identity.
	Identity() string
	SyntaxTrees() []SyntaxTree
	ReferencedIdentities() []string
	// AddMetadata makes the given artifacts available to symbol resolution.
	AddMetadata(paths ...string)
	// Emit compile-checks the unit and reports its diagnostics.
	Emit(ctx context.Context) ([]Diagnostic, error)
	Resolver(tree SyntaxTree) Resolver
}

// SyntaxTree is one source file.
type SyntaxTree interface {
	Path() string
	// Declarations returns the type-level declarations of the file.
	Declarations() []Node
}

// Node is a syntax node. Leaves have no children.
type Node interface {
	Children() []Node
	Location() model.Location
}

// Resolver resolves leaf nodes to symbols.
type Resolver interface {
	// Resolve returns the symbol a node binds to, or nil.
	Resolve(node Node) Symbol
	// ResolveCandidates returns the candidate group of an ambiguous or
	// overloaded reference.
	ResolveCandidates(node Node) []Symbol
}

type SymbolKind int

const (
	KindOther SymbolKind = iota
	KindType
	KindMethod
	KindProperty
)

// Symbol is a resolved program entity.
type Symbol interface {
	Name() string
	Kind() SymbolKind
	// ContainingType is nil when the symbol is not a member.
	ContainingType() Type
	ReturnTypes() []Type
	PropertyType() Type
	Parameters() []Type
	// AsType is non-nil for KindType symbols.
	AsType() Type
}

// Type is a resolved type.
type Type interface {
	Name() string
	// Owner is the identity of the assembly, package or module defining
	// the type, empty when it cannot be determined.
	Owner() string
	BaseType() Type
	AllInterfaces() []Type
	TypeArguments() []Type
}

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	}
	return "info"
}

type Diagnostic struct {
	Severity Severity
	Message  string
	Location model.Location
}

func (d Diagnostic) IsError() bool {
	return d.Severity == SeverityError
}

func (d Diagnostic) String() string {
	if d.Location.IsZero() {
		return fmt.Sprintf("%s: %s", d.Severity, d.Message)
	}
	return fmt.Sprintf("%s: %s: %s", d.Location, d.Severity, d.Message)
}
