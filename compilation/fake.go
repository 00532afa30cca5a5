package compilation

import (
	"context"
	"fmt"
	"sync"

	"refanalyzer/model"
)

// The types below are an in-memory front-end. They let callers and tests
// describe a compiled module without a real compiler.

// FakeType is a Type built by hand.
type FakeType struct {
	TypeName   string
	OwnerName  string
	Base       *FakeType
	Interfaces []*FakeType
	Args       []*FakeType
}

func (t *FakeType) Name() string  { return t.TypeName }
func (t *FakeType) Owner() string { return t.OwnerName }

func (t *FakeType) BaseType() Type {
	if t.Base == nil {
		return nil
	}
	return t.Base
}

func (t *FakeType) AllInterfaces() []Type { return fakeTypes(t.Interfaces) }
func (t *FakeType) TypeArguments() []Type { return fakeTypes(t.Args) }

// fakeTypes skips nil entries so no Type holds a nil pointer.
func fakeTypes(in []*FakeType) []Type {
	out := make([]Type, 0, len(in))
	for _, t := range in {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// FakeSymbol is a Symbol built by hand.
type FakeSymbol struct {
	SymbolName string
	SymbolKind SymbolKind
	Container  *FakeType
	Returns    []*FakeType
	Property   *FakeType
	Params     []*FakeType
	Type       *FakeType
}

func (s *FakeSymbol) Name() string     { return s.SymbolName }
func (s *FakeSymbol) Kind() SymbolKind { return s.SymbolKind }

func (s *FakeSymbol) ContainingType() Type {
	if s.Container == nil {
		return nil
	}
	return s.Container
}

func (s *FakeSymbol) ReturnTypes() []Type { return fakeTypes(s.Returns) }

func (s *FakeSymbol) PropertyType() Type {
	if s.Property == nil {
		return nil
	}
	return s.Property
}

func (s *FakeSymbol) Parameters() []Type { return fakeTypes(s.Params) }

func (s *FakeSymbol) AsType() Type {
	if s.Type == nil {
		return nil
	}
	return s.Type
}

// FakeNode is a syntax node; Symbol and Candidates are what the fake
// resolver returns for it.
type FakeNode struct {
	Nodes      []*FakeNode
	Symbol     *FakeSymbol
	Candidates []*FakeSymbol
	Loc        model.Location
}

func (n *FakeNode) Children() []Node {
	out := make([]Node, 0, len(n.Nodes))
	for _, c := range n.Nodes {
		out = append(out, c)
	}
	return out
}

func (n *FakeNode) Location() model.Location { return n.Loc }

// FakeTree is a source file of FakeNode declarations.
type FakeTree struct {
	FilePath string
	Decls    []*FakeNode
}

func (t *FakeTree) Path() string { return t.FilePath }

func (t *FakeTree) Declarations() []Node {
	out := make([]Node, 0, len(t.Decls))
	for _, d := range t.Decls {
		out = append(out, d)
	}
	return out
}

// FakeResolver answers from the nodes themselves.
type FakeResolver struct{}

func (FakeResolver) Resolve(node Node) Symbol {
	n, ok := node.(*FakeNode)
	if !ok || n.Symbol == nil {
		return nil
	}
	return n.Symbol
}

func (FakeResolver) ResolveCandidates(node Node) []Symbol {
	n, ok := node.(*FakeNode)
	if !ok {
		return nil
	}
	out := make([]Symbol, 0, len(n.Candidates))
	for _, c := range n.Candidates {
		out = append(out, c)
	}
	return out
}

// FakeUnit is a CompiledUnit.
type FakeUnit struct {
	Name        string
	Trees       []*FakeTree
	References  []string
	Diagnostics []Diagnostic

	mu       sync.Mutex
	metadata []string
}

func (u *FakeUnit) Identity() string { return u.Name }

func (u *FakeUnit) SyntaxTrees() []SyntaxTree {
	out := make([]SyntaxTree, 0, len(u.Trees))
	for _, t := range u.Trees {
		out = append(out, t)
	}
	return out
}

func (u *FakeUnit) ReferencedIdentities() []string { return u.References }

func (u *FakeUnit) AddMetadata(paths ...string) {
	u.mu.Lock()
	u.metadata = append(u.metadata, paths...)
	u.mu.Unlock()
}

// Metadata returns the paths passed to AddMetadata.
func (u *FakeUnit) Metadata() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.metadata...)
}

func (u *FakeUnit) Emit(ctx context.Context) ([]Diagnostic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return u.Diagnostics, nil
}

func (u *FakeUnit) Resolver(SyntaxTree) Resolver { return FakeResolver{} }

// FakeProvider serves FakeUnits by module name.
type FakeProvider struct {
	Modules  []ModuleInfo
	Units    map[string]*FakeUnit
	Runtime  []string
	LoadDiag []Diagnostic
	LoadErr  error
	// CompileHook, when set, runs before a unit is returned.
	CompileHook func(ctx context.Context, module *model.Module) error

	mu    sync.Mutex
	props map[string]string
}

func (p *FakeProvider) LoadBuildGraph(ctx context.Context, path string, props map[string]string) ([]ModuleInfo, []Diagnostic, error) {
	p.mu.Lock()
	p.props = props
	p.mu.Unlock()
	if p.LoadErr != nil {
		return nil, p.LoadDiag, p.LoadErr
	}
	return p.Modules, p.LoadDiag, nil
}

// Properties returns the build properties of the last load.
func (p *FakeProvider) Properties() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.props
}

func (p *FakeProvider) Compile(ctx context.Context, module *model.Module) (CompiledUnit, error) {
	if p.CompileHook != nil {
		if err := p.CompileHook(ctx, module); err != nil {
			return nil, err
		}
	}
	unit, ok := p.Units[module.Name]
	if !ok {
		return nil, fmt.Errorf("no compiled unit for %s", module.Name)
	}
	return unit, nil
}

func (p *FakeProvider) RuntimePrefixes() []string { return p.Runtime }
