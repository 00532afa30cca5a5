// Package walker enumerates the externally owned types a module's code
// depends on.
package walker

import (
	"context"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"refanalyzer/compilation"
	"refanalyzer/model"
)

// IgnoreFunc reports whether an owner identity must not be reported.
type IgnoreFunc func(owner string) bool

// IgnoreExact ignores one identity, typically the module itself.
func IgnoreExact(identity string) IgnoreFunc {
	return func(owner string) bool {
		return owner == identity
	}
}

// IgnorePrefix ignores every identity starting with prefix.
func IgnorePrefix(prefix string) IgnoreFunc {
	return func(owner string) bool {
		return strings.HasPrefix(owner, prefix)
	}
}

// bag is an append-only occurrence collection safe for concurrent use.
type bag struct {
	mu    sync.Mutex
	items []model.UsageOccurrence
}

func (b *bag) add(o ...model.UsageOccurrence) {
	if len(o) == 0 {
		return
	}
	b.mu.Lock()
	b.items = append(b.items, o...)
	b.mu.Unlock()
}

func (b *bag) snapshot() []model.UsageOccurrence {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.UsageOccurrence(nil), b.items...)
}

// ResolverFunc returns the resolver for a syntax tree.
type ResolverFunc func(tree compilation.SyntaxTree) compilation.Resolver

type Walker struct {
	ignore      []IgnoreFunc
	parallelism int
}

type Option func(*Walker)

func WithIgnore(rules ...IgnoreFunc) Option {
	return func(w *Walker) {
		w.ignore = append(w.ignore, rules...)
	}
}

// WithParallelism bounds the number of declarations walked at once.
func WithParallelism(n int) Option {
	return func(w *Walker) {
		if n > 0 {
			w.parallelism = n
		}
	}
}

func New(opts ...Option) *Walker {
	w := &Walker{parallelism: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Walk visits every declaration of every tree and returns the usage
// occurrences found. Membership of the result does not depend on
// scheduling order.
func (w *Walker) Walk(ctx context.Context, trees []compilation.SyntaxTree, resolverFor ResolverFunc) ([]model.UsageOccurrence, error) {
	found := &bag{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.parallelism)

	for _, tree := range trees {
		resolver := resolverFor(tree)
		if resolver == nil {
			continue
		}
		for _, decl := range tree.Declarations() {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				w.walkDeclaration(decl, resolver, found)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return found.snapshot(), nil
}

func (w *Walker) walkDeclaration(decl compilation.Node, resolver compilation.Resolver, found *bag) {
	for _, leaf := range Leaves(decl) {
		found.add(w.visitLeaf(leaf, resolver)...)
	}
}

// Leaves returns the nodes under root, root included, that have no children.
func Leaves(root compilation.Node) []compilation.Node {
	var leaves []compilation.Node
	stack := []compilation.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		children := n.Children()
		if len(children) == 0 {
			leaves = append(leaves, n)
			continue
		}
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	return leaves
}

func (w *Walker) visitLeaf(leaf compilation.Node, resolver compilation.Resolver) []model.UsageOccurrence {
	rec := &recorder{loc: leaf.Location()}

	symbol := resolver.Resolve(leaf)
	candidates := resolver.ResolveCandidates(leaf)
	if symbol == nil && len(candidates) > 0 {
		symbol = candidates[0]
	}

	// Overload resolution may not settle on one member; every member of
	// the group contributes its parameter types.
	if len(candidates) > 1 {
		for _, c := range candidates {
			for _, p := range c.Parameters() {
				rec.add(p)
			}
		}
	}

	if symbol != nil {
		var recorded []compilation.Type
		switch symbol.Kind() {
		case compilation.KindMethod:
			recorded = append(recorded, symbol.ReturnTypes()...)
		case compilation.KindProperty:
			recorded = append(recorded, symbol.PropertyType())
		case compilation.KindType:
			recorded = append(recorded, symbol.AsType())
		}
		recorded = append(recorded, symbol.ContainingType())

		for _, t := range recorded {
			if isNil(t) {
				continue
			}
			rec.add(t)
			rec.addDependentTypes(t)
		}
	}

	return w.filter(rec.types, rec.loc)
}

func (w *Walker) filter(types []compilation.Type, loc model.Location) []model.UsageOccurrence {
	var out []model.UsageOccurrence
	for _, t := range types {
		owner := t.Owner()
		if owner == "" || w.ignored(owner) {
			continue
		}
		out = append(out, model.UsageOccurrence{TypeName: t.Name(), Owner: owner, Location: loc})
	}
	return out
}

func (w *Walker) ignored(owner string) bool {
	for _, rule := range w.ignore {
		if rule(owner) {
			return true
		}
	}
	return false
}

type recorder struct {
	loc   model.Location
	types []compilation.Type
}

func (r *recorder) add(t compilation.Type) {
	if isNil(t) {
		return
	}
	r.types = append(r.types, t)
}

// addDependentTypes records the base chain, the interface set and the
// type arguments of t. Type arguments are not expanded further.
func (r *recorder) addDependentTypes(t compilation.Type) {
	visited := map[string]bool{typeKey(t): true}
	for base := t.BaseType(); !isNil(base) && !visited[typeKey(base)]; base = base.BaseType() {
		visited[typeKey(base)] = true
		r.add(base)
	}
	for _, iface := range t.AllInterfaces() {
		r.add(iface)
	}
	for _, arg := range t.TypeArguments() {
		r.add(arg)
	}
}

func typeKey(t compilation.Type) string {
	return t.Owner() + "\x00" + t.Name()
}

func isNil(t compilation.Type) bool {
	return t == nil
}
