package gofront

import (
	"go/ast"
	"go/token"
	"go/types"
	"strconv"
	"strings"

	"golang.org/x/tools/go/packages"

	"refanalyzer/compilation"
	"refanalyzer/model"
)

func positionOf(file string, line, column int) model.Location {
	return model.Location{File: file, Line: line, Column: column}
}

// parsePosition parses the "file:line:col" form used by packages.Error.
func parsePosition(pos string) model.Location {
	if pos == "" || pos == "-" {
		return model.Location{}
	}
	var nums []int
	rest := pos
	for len(nums) < 2 {
		i := strings.LastIndexByte(rest, ':')
		if i < 0 {
			break
		}
		n, err := strconv.Atoi(rest[i+1:])
		if err != nil {
			break
		}
		nums = append([]int{n}, nums...)
		rest = rest[:i]
	}
	loc := model.Location{File: rest}
	if len(nums) > 0 {
		loc.Line = nums[0]
	}
	if len(nums) > 1 {
		loc.Column = nums[1]
	}
	return loc
}

// tree is one parsed Go file of a compiled package.
type tree struct {
	u    *unit
	pkg  *packages.Package
	file *ast.File
	path string
}

func (t *tree) Path() string { return t.path }

// Declarations returns the top-level declarations of the file. Grouped
// declarations are split into their specs.
func (t *tree) Declarations() []compilation.Node {
	var out []compilation.Node
	for _, d := range t.file.Decls {
		if gen, ok := d.(*ast.GenDecl); ok {
			for _, spec := range gen.Specs {
				out = append(out, &node{n: spec, parent: gen, tree: t})
			}
			continue
		}
		out = append(out, &node{n: d, tree: t})
	}
	return out
}

type node struct {
	n      ast.Node
	parent ast.Node
	tree   *tree
}

func (n *node) Children() []compilation.Node {
	var out []compilation.Node
	ast.Inspect(n.n, func(c ast.Node) bool {
		if c == nil {
			return false
		}
		if c == n.n {
			return true
		}
		out = append(out, &node{n: c, parent: n.n, tree: n.tree})
		return false
	})
	return out
}

func (n *node) Location() model.Location {
	p := n.tree.u.fset.Position(n.n.Pos())
	if !p.IsValid() {
		return model.Location{}
	}
	return positionOf(p.Filename, p.Line, p.Column)
}

// resolver binds identifiers through the package's type information and
// import path literals to the imported package.
type resolver struct {
	u       *unit
	info    *types.Info
	imports map[*ast.BasicLit]*types.Package
}

func (u *unit) newResolver(t *tree) *resolver {
	r := &resolver{u: u, info: t.pkg.TypesInfo, imports: make(map[*ast.BasicLit]*types.Package)}
	if r.info == nil {
		return r
	}
	for _, spec := range t.file.Imports {
		obj := r.info.Implicits[spec]
		if spec.Name != nil {
			obj = r.info.Defs[spec.Name]
		}
		if pn, ok := obj.(*types.PkgName); ok {
			r.imports[spec.Path] = pn.Imported()
		}
	}
	return r
}

func (r *resolver) Resolve(n compilation.Node) compilation.Symbol {
	gn, ok := n.(*node)
	if !ok || r.info == nil {
		return nil
	}
	switch x := gn.n.(type) {
	case *ast.Ident:
		obj := r.info.Uses[x]
		if obj == nil {
			obj = r.info.Defs[x]
		}
		if obj == nil {
			return nil
		}
		if v, ok := obj.(*types.Var); ok && v.IsField() {
			if sel, ok := gn.parent.(*ast.SelectorExpr); ok && sel.Sel == x {
				if s := r.info.Selections[sel]; s != nil {
					return r.u.selectedField(obj, s.Recv())
				}
			}
		}
		return r.u.symbolOf(obj)
	case *ast.BasicLit:
		if pkg, ok := r.imports[x]; ok && pkg != nil {
			return &symbol{name: pkg.Name(), kind: compilation.KindType, asType: r.u.packageOf(pkg)}
		}
	}
	return nil
}

// ResolveCandidates is always empty: Go has no overloads, so every
// resolvable identifier resolves to exactly one object.
func (r *resolver) ResolveCandidates(compilation.Node) []compilation.Symbol {
	return nil
}

// fileName returns the file a syntax tree was parsed from.
func fileName(fset *token.FileSet, f *ast.File) string {
	if tf := fset.File(f.Pos()); tf != nil {
		return tf.Name()
	}
	return ""
}
