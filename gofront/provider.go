// Package gofront is the Go front-end: it loads Go workspaces and modules
// with golang.org/x/tools/go/packages and exposes their syntax and type
// information as compilation units.
package gofront

import (
	"context"
	"fmt"
	"go/token"
	"go/types"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/tools/go/packages"

	"refanalyzer/compilation"
	"refanalyzer/manifest"
	"refanalyzer/model"
)

// DefaultCacheSize bounds each unit's symbol and type adapter caches.
const DefaultCacheSize = 4096

// Build properties understood by the provider.
const (
	PropTags  = "tags"
	PropTests = "tests"
)

// envProps are build properties passed to the go command as environment.
var envProps = []string{"GOOS", "GOARCH", "GOFLAGS", "CGO_ENABLED"}

const loadMode = packages.NeedName | packages.NeedFiles | packages.NeedImports | packages.NeedDeps |
	packages.NeedTypes | packages.NeedSyntax | packages.NeedTypesInfo | packages.NeedModule

type Provider struct {
	cache     *manifest.Cache
	logger    *slog.Logger
	cacheSize int

	mu    sync.RWMutex
	props map[string]string
}

var (
	_ compilation.Provider        = (*Provider)(nil)
	_ compilation.ArtifactLocator = (*Provider)(nil)
)

type Option func(*Provider)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

func WithCacheSize(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.cacheSize = n
		}
	}
}

// New returns a provider reading go.mod and go.work files through cache.
func New(cache *manifest.Cache, opts ...Option) *Provider {
	p := &Provider{
		cache:     cache,
		logger:    slog.Default(),
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// LoadBuildGraph loads the modules of a go.work file, or the single module
// of a go.mod file. Directories are resolved to the go.work they hold, or
// else to the nearest enclosing go.mod.
func (p *Provider) LoadBuildGraph(ctx context.Context, path string, props map[string]string) ([]compilation.ModuleInfo, []compilation.Diagnostic, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	p.mu.Lock()
	p.props = maps.Clone(props)
	p.mu.Unlock()

	graph, err := resolveGraphPath(path)
	if err != nil {
		return nil, nil, err
	}
	p.logger.Debug("resolved build graph", "path", graph)

	if filepath.Base(graph) == goWorkFile {
		return loadWorkspace(p.cache, graph)
	}
	info, err := readModule(p.cache, graph)
	if err != nil {
		return nil, nil, err
	}
	return []compilation.ModuleInfo{info}, nil, nil
}

func (p *Provider) RuntimePrefixes() []string {
	return []string{StdOwner}
}

func (p *Provider) config(ctx context.Context, dir string) *packages.Config {
	p.mu.RLock()
	props := p.props
	p.mu.RUnlock()

	cfg := &packages.Config{
		Context: ctx,
		Mode:    loadMode,
		Dir:     dir,
		Fset:    token.NewFileSet(),
		Tests:   props[PropTests] != "false",
	}
	if tags := props[PropTags]; tags != "" {
		cfg.BuildFlags = []string{"-tags=" + tags}
	}
	env := os.Environ()
	for _, name := range envProps {
		if v, ok := props[name]; ok {
			env = append(env, name+"="+v)
		}
	}
	cfg.Env = env
	return cfg
}

// Compile type-checks every package of the module.
func (p *Provider) Compile(ctx context.Context, module *model.Module) (compilation.CompiledUnit, error) {
	dir := filepath.Dir(module.Path)
	cfg := p.config(ctx, dir)

	pkgs, err := packages.Load(cfg, "./...")
	if err != nil {
		return nil, fmt.Errorf("failed to load packages: %w", err)
	}
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("no packages found for dir: %s", dir)
	}
	p.logger.Debug("packages loaded", "module", module.Name, "packages", len(pkgs))
	return newUnit(module.Name, cfg.Fset, pkgs, p.cacheSize)
}

// LocateArtifact returns the source directory of a locally replaced module.
// Go builds from source, so that directory is the dependency's metadata.
func (p *Provider) LocateArtifact(dep model.DeclaredReference, outputDir string) (string, bool) {
	if dep.Kind != model.ProjectReference || dep.Path == "" {
		return "", false
	}
	dir := filepath.Dir(dep.Path)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return "", false
	}
	return dir, true
}

// unit is a type-checked Go module.
type unit struct {
	identity string
	fset     *token.FileSet
	pkgs     []*packages.Package
	// owners maps every loaded package path to its module.
	owners  map[string]string
	trees   []compilation.SyntaxTree
	symbols *lru.Cache[types.Object, compilation.Symbol]
	types   *lru.Cache[types.Type, compilation.Type]

	mu       sync.Mutex
	metadata []string
}

func newUnit(name string, fset *token.FileSet, pkgs []*packages.Package, cacheSize int) (*unit, error) {
	symbols, err := lru.New[types.Object, compilation.Symbol](cacheSize)
	if err != nil {
		return nil, err
	}
	typeCache, err := lru.New[types.Type, compilation.Type](cacheSize)
	if err != nil {
		return nil, err
	}
	u := &unit{
		identity: name,
		fset:     fset,
		pkgs:     pkgs,
		owners:   make(map[string]string),
		symbols:  symbols,
		types:    typeCache,
	}
	for _, pkg := range pkgs {
		if pkg.Module != nil && pkg.Module.Path != "" {
			u.identity = pkg.Module.Path
			break
		}
	}
	packages.Visit(pkgs, nil, func(pkg *packages.Package) {
		switch {
		case pkg.Module != nil:
			u.owners[pkg.PkgPath] = pkg.Module.Path
		case isStdPath(pkg.PkgPath):
			u.owners[pkg.PkgPath] = StdOwner
		}
	})
	// A package with in-package tests is loaded twice, plain and as
	// "p [p.test]". The variant holds every file of the plain package, so it
	// is taken first and each file is walked once.
	seen := make(map[string]bool)
	for _, pkg := range syntaxOrder(pkgs) {
		for _, f := range pkg.Syntax {
			path := fileName(fset, f)
			if seen[path] {
				continue
			}
			seen[path] = true
			u.trees = append(u.trees, &tree{u: u, pkg: pkg, file: f, path: path})
		}
	}
	sort.SliceStable(u.trees, func(i, j int) bool { return u.trees[i].Path() < u.trees[j].Path() })
	return u, nil
}

// isTestMain reports whether pkg is the generated main of a test binary.
func isTestMain(pkg *packages.Package) bool {
	return pkg.Name == "main" && strings.HasSuffix(pkg.ID, ".test")
}

// isTestVariant reports whether pkg was compiled together with its tests.
func isTestVariant(pkg *packages.Package) bool {
	return strings.Contains(pkg.ID, " [")
}

// syntaxOrder returns the packages whose files are walked, test variants
// first. Generated test mains are dropped.
func syntaxOrder(pkgs []*packages.Package) []*packages.Package {
	out := make([]*packages.Package, 0, len(pkgs))
	for _, pkg := range pkgs {
		if isTestVariant(pkg) && !isTestMain(pkg) {
			out = append(out, pkg)
		}
	}
	for _, pkg := range pkgs {
		if !isTestVariant(pkg) && !isTestMain(pkg) {
			out = append(out, pkg)
		}
	}
	return out
}

func (u *unit) Identity() string {
	return u.identity
}

func (u *unit) SyntaxTrees() []compilation.SyntaxTree {
	return u.trees
}

func (u *unit) Resolver(t compilation.SyntaxTree) compilation.Resolver {
	gt, ok := t.(*tree)
	if !ok {
		return &resolver{u: u}
	}
	return u.newResolver(gt)
}

// ReferencedIdentities lists the modules the unit's packages import,
// directly or not, sorted.
func (u *unit) ReferencedIdentities() []string {
	seen := make(map[string]bool)
	for _, owner := range u.owners {
		if owner != u.identity {
			seen[owner] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (u *unit) AddMetadata(paths ...string) {
	u.mu.Lock()
	u.metadata = append(u.metadata, paths...)
	u.mu.Unlock()
}

// Emit reports the load, parse and type errors of the module's packages,
// and a warning for every metadata path that does not exist.
func (u *unit) Emit(ctx context.Context) ([]compilation.Diagnostic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var diags []compilation.Diagnostic
	seen := make(map[string]bool)
	for _, pkg := range u.pkgs {
		for _, e := range pkg.Errors {
			// Test variants repeat the errors of the plain package.
			key := e.Pos + "\x00" + e.Msg
			if seen[key] {
				continue
			}
			seen[key] = true
			diags = append(diags, compilation.Diagnostic{
				Severity: compilation.SeverityError,
				Message:  e.Msg,
				Location: parsePosition(e.Pos),
			})
		}
	}
	u.mu.Lock()
	metadata := append([]string(nil), u.metadata...)
	u.mu.Unlock()
	for _, m := range metadata {
		if _, err := os.Stat(m); err != nil {
			diags = append(diags, compilation.Diagnostic{
				Severity: compilation.SeverityWarning,
				Message:  fmt.Sprintf("dependency metadata unavailable: %v", err),
			})
		}
	}
	return diags, nil
}
