package gofront

import (
	"go/types"
	"strings"

	"refanalyzer/compilation"
)

// StdOwner owns every standard library package.
const StdOwner = "std"

// isStdPath reports whether an import path belongs to the standard
// library: its first element has no dot.
func isStdPath(path string) bool {
	first, _, _ := strings.Cut(path, "/")
	return path != "" && !strings.Contains(first, ".")
}

// ownerOf returns the module that defines pkg, or "" when unknown.
func (u *unit) ownerOf(pkg *types.Package) string {
	if pkg == nil {
		return ""
	}
	if owner, ok := u.owners[pkg.Path()]; ok {
		return owner
	}
	if isStdPath(pkg.Path()) {
		return StdOwner
	}
	return ""
}

// deref strips aliases and pointers.
func deref(t types.Type) types.Type {
	for {
		t = types.Unalias(t)
		p, ok := t.(*types.Pointer)
		if !ok {
			return t
		}
		t = p.Elem()
	}
}

// typeOf adapts t. Pointers are transparent: *T and T are the same type.
func (u *unit) typeOf(t types.Type) compilation.Type {
	if t == nil {
		return nil
	}
	t = deref(t)
	if cached, ok := u.types.Get(t); ok {
		return cached
	}
	adapted := &goType{u: u, t: t}
	u.types.Add(t, adapted)
	return adapted
}

func (u *unit) typesOf(tuple *types.Tuple) []compilation.Type {
	if tuple == nil {
		return nil
	}
	out := make([]compilation.Type, 0, tuple.Len())
	for i := 0; i < tuple.Len(); i++ {
		out = append(out, u.typeOf(tuple.At(i).Type()))
	}
	return out
}

type goType struct {
	u *unit
	t types.Type
}

func (t *goType) Name() string {
	switch x := t.t.(type) {
	case *types.Named:
		return x.Obj().Name()
	case *types.Basic:
		return x.Name()
	case *types.TypeParam:
		return x.Obj().Name()
	}
	return types.TypeString(t.t, func(p *types.Package) string { return p.Name() })
}

// Owner is the defining module of named types. Composite, basic and
// parameter types have no owner.
func (t *goType) Owner() string {
	if named, ok := t.t.(*types.Named); ok {
		return t.u.ownerOf(named.Obj().Pkg())
	}
	return ""
}

// BaseType is the first embedded field of a struct.
func (t *goType) BaseType() compilation.Type {
	named, ok := t.t.(*types.Named)
	if !ok {
		return nil
	}
	st, ok := named.Underlying().(*types.Struct)
	if !ok {
		return nil
	}
	for i := 0; i < st.NumFields(); i++ {
		if f := st.Field(i); f.Embedded() {
			return t.u.typeOf(f.Type())
		}
	}
	return nil
}

// AllInterfaces returns the named interfaces an interface embeds,
// transitively.
func (t *goType) AllInterfaces() []compilation.Type {
	var out []compilation.Type
	seen := map[types.Type]bool{t.t: true}
	var visit func(it *types.Interface)
	visit = func(it *types.Interface) {
		for i := 0; i < it.NumEmbeddeds(); i++ {
			e := types.Unalias(it.EmbeddedType(i))
			named, ok := e.(*types.Named)
			if !ok || seen[named] {
				continue
			}
			seen[named] = true
			out = append(out, t.u.typeOf(named))
			if inner, ok := named.Underlying().(*types.Interface); ok {
				visit(inner)
			}
		}
	}
	if it, ok := t.t.Underlying().(*types.Interface); ok {
		visit(it)
	}
	return out
}

// TypeArguments are the instantiation arguments of a generic type, or
// the element types of a composite one.
func (t *goType) TypeArguments() []compilation.Type {
	u := t.u
	switch x := t.t.(type) {
	case *types.Named:
		args := x.TypeArgs()
		if args == nil {
			return nil
		}
		out := make([]compilation.Type, 0, args.Len())
		for i := 0; i < args.Len(); i++ {
			out = append(out, u.typeOf(args.At(i)))
		}
		return out
	case *types.Slice:
		return []compilation.Type{u.typeOf(x.Elem())}
	case *types.Array:
		return []compilation.Type{u.typeOf(x.Elem())}
	case *types.Chan:
		return []compilation.Type{u.typeOf(x.Elem())}
	case *types.Map:
		return []compilation.Type{u.typeOf(x.Key()), u.typeOf(x.Elem())}
	case *types.Signature:
		return append(u.typesOf(x.Params()), u.typesOf(x.Results())...)
	case *types.Struct:
		out := make([]compilation.Type, 0, x.NumFields())
		for i := 0; i < x.NumFields(); i++ {
			out = append(out, u.typeOf(x.Field(i).Type()))
		}
		return out
	}
	return nil
}

// packageType stands for a package as the container of its package-level
// functions, variables and constants.
type packageType struct {
	path  string
	owner string
}

func (p *packageType) Name() string                      { return p.path }
func (p *packageType) Owner() string                     { return p.owner }
func (p *packageType) BaseType() compilation.Type        { return nil }
func (p *packageType) AllInterfaces() []compilation.Type { return nil }
func (p *packageType) TypeArguments() []compilation.Type { return nil }

func (u *unit) packageOf(pkg *types.Package) compilation.Type {
	if pkg == nil {
		return nil
	}
	return &packageType{path: pkg.Path(), owner: u.ownerOf(pkg)}
}

type symbol struct {
	name      string
	kind      compilation.SymbolKind
	container compilation.Type
	returns   []compilation.Type
	property  compilation.Type
	params    []compilation.Type
	asType    compilation.Type
}

func (s *symbol) Name() string                     { return s.name }
func (s *symbol) Kind() compilation.SymbolKind     { return s.kind }
func (s *symbol) ContainingType() compilation.Type { return s.container }
func (s *symbol) ReturnTypes() []compilation.Type  { return s.returns }
func (s *symbol) PropertyType() compilation.Type   { return s.property }
func (s *symbol) Parameters() []compilation.Type   { return s.params }
func (s *symbol) AsType() compilation.Type         { return s.asType }

func isPackageLevel(obj types.Object) bool {
	return obj.Pkg() != nil && obj.Parent() == obj.Pkg().Scope()
}

// symbolOf adapts obj. Package-level functions, variables and constants
// are contained by their package; fields by the receiver they are
// selected from, when known.
func (u *unit) symbolOf(obj types.Object) compilation.Symbol {
	if cached, ok := u.symbols.Get(obj); ok {
		return cached
	}
	s := &symbol{name: obj.Name(), kind: compilation.KindOther}
	switch o := obj.(type) {
	case *types.TypeName:
		s.kind = compilation.KindType
		s.asType = u.typeOf(o.Type())
	case *types.Func:
		s.kind = compilation.KindMethod
		sig, _ := o.Type().(*types.Signature)
		if sig != nil {
			s.returns = u.typesOf(sig.Results())
			s.params = u.typesOf(sig.Params())
			if recv := sig.Recv(); recv != nil {
				s.container = u.typeOf(recv.Type())
			}
		}
		if s.container == nil && isPackageLevel(o) {
			s.container = u.packageOf(o.Pkg())
		}
	case *types.Var:
		if o.IsField() || isPackageLevel(o) {
			s.kind = compilation.KindProperty
			s.property = u.typeOf(o.Type())
			if !o.IsField() {
				s.container = u.packageOf(o.Pkg())
			}
		}
	case *types.Const:
		if isPackageLevel(o) {
			s.kind = compilation.KindProperty
			s.property = u.typeOf(o.Type())
			s.container = u.packageOf(o.Pkg())
		}
	case *types.PkgName:
		s.kind = compilation.KindType
		s.asType = u.packageOf(o.Imported())
	}
	u.symbols.Add(obj, s)
	return s
}

// selectedField adapts a field reached through a selector, contained by
// the selection's receiver.
func (u *unit) selectedField(obj types.Object, recv types.Type) compilation.Symbol {
	base := u.symbolOf(obj).(*symbol)
	s := *base
	s.container = u.typeOf(recv)
	return &s
}
