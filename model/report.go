package model

import (
	"sort"
)

// ReferenceKind tells how a dependency is declared in a manifest.
type ReferenceKind int

const (
	ProjectReference ReferenceKind = iota
	PackageReference
)

func (k ReferenceKind) String() string {
	if k == PackageReference {
		return "package"
	}
	return "project"
}

// DeclaredReference is one entry of a manifest's dependency list.
// Two declared references are equal when their targets are equal.
type DeclaredReference struct {
	Target string        `json:"target"`
	Kind   ReferenceKind `json:"kind"`
	// Path is the location of the referenced project's manifest or
	// source, empty for packages.
	Path string `json:"path,omitempty"`
}

func (d DeclaredReference) Equal(o DeclaredReference) bool {
	return d.Target == o.Target
}

// ActualReference groups every occurrence implicating one target.
// Equality is by target alone.
type ActualReference struct {
	Target      string            `json:"target"`
	Occurrences []UsageOccurrence `json:"occurrences,omitempty"`
}

func (a ActualReference) Equal(o ActualReference) bool {
	return a.Target == o.Target
}

// GroupOccurrences builds one ActualReference per owner.
func GroupOccurrences(occurrences []UsageOccurrence) []ActualReference {
	byOwner := make(map[string][]UsageOccurrence)
	var owners []string
	for _, o := range occurrences {
		if _, ok := byOwner[o.Owner]; !ok {
			owners = append(owners, o.Owner)
		}
		byOwner[o.Owner] = append(byOwner[o.Owner], o)
	}
	refs := make([]ActualReference, 0, len(owners))
	for _, owner := range owners {
		refs = append(refs, ActualReference{Target: owner, Occurrences: byOwner[owner]})
	}
	return refs
}

// UnionActual merges reference lists by target identity. The first
// reference seen for a target keeps its position in the merge and later
// references for the same target only contribute their occurrences.
// The result is sorted by target.
func UnionActual(lists ...[]ActualReference) []ActualReference {
	index := make(map[string]int)
	var out []ActualReference
	for _, list := range lists {
		for _, ref := range list {
			if i, ok := index[ref.Target]; ok {
				out[i].Occurrences = append(out[i].Occurrences, ref.Occurrences...)
				continue
			}
			index[ref.Target] = len(out)
			out = append(out, ActualReference{
				Target:      ref.Target,
				Occurrences: append([]UsageOccurrence(nil), ref.Occurrences...),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// UniqueDeclared deduplicates declared references by target and sorts
// them by target.
func UniqueDeclared(refs []DeclaredReference) []DeclaredReference {
	seen := make(map[string]bool, len(refs))
	out := make([]DeclaredReference, 0, len(refs))
	for _, r := range refs {
		if seen[r.Target] {
			continue
		}
		seen[r.Target] = true
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Report is the result of analysing one module.
type Report struct {
	Module   string              `json:"module"`
	Path     string              `json:"path"`
	Declared []DeclaredReference `json:"declared"`
	Actual   []ActualReference   `json:"actual"`
}

// EmptyReport stands for a module that has not been analysed yet.
var EmptyReport = Report{}

// NewReport builds a report with deduplicated, sorted reference sets.
func NewReport(module, path string, declared []DeclaredReference, actual []ActualReference) Report {
	return Report{
		Module:   module,
		Path:     path,
		Declared: UniqueDeclared(declared),
		Actual:   UnionActual(actual),
	}
}

func (r Report) IsEmpty() bool {
	return r.Module == "" && r.Path == "" && len(r.Declared) == 0 && len(r.Actual) == 0
}

// Diff returns the declared references that no actual reference targets.
// The result is always a subset of Declared.
func (r Report) Diff() []DeclaredReference {
	used := make(map[string]bool, len(r.Actual))
	for _, a := range r.Actual {
		used[a.Target] = true
	}
	var diff []DeclaredReference
	for _, d := range r.Declared {
		if !used[d.Target] {
			diff = append(diff, d)
		}
	}
	return diff
}

// DiffTargets is Diff reduced to target names.
func (r Report) DiffTargets() []string {
	diff := r.Diff()
	targets := make([]string, 0, len(diff))
	for _, d := range diff {
		targets = append(targets, d.Target)
	}
	return targets
}

// ReferencesTo returns the number of occurrences recorded for target.
func (r Report) ReferencesTo(target string) int {
	for _, a := range r.Actual {
		if a.Target == target {
			return len(a.Occurrences)
		}
	}
	return 0
}
