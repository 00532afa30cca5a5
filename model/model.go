// Package model holds the modules under analysis and the reference reports
// built for them.
package model

import (
	"fmt"
	"sort"
	"sync"
)

// Stage is the analysis stage of a module.
type Stage int32

const (
	NotStarted Stage = iota
	InProgress
	Finished
)

func (s Stage) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case InProgress:
		return "InProgress"
	case Finished:
		return "Finished"
	}
	return fmt.Sprintf("Stage(%d)", int32(s))
}

// Location is an advisory source position of an occurrence.
type Location struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

func (l Location) IsZero() bool {
	return l.File == "" && l.Line == 0
}

func (l Location) String() string {
	if l.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
}

// UsageOccurrence records that a module's code references an
// externally owned type.
type UsageOccurrence struct {
	TypeName string   `json:"type"`
	Owner    string   `json:"owner"`
	Location Location `json:"location"`
}

// Module is one compiled unit under analysis. Stage and report are
// replaced as whole values so concurrent readers never see a torn report.
type Module struct {
	Name string
	Path string

	mu     sync.RWMutex
	stage  Stage
	report Report
	err    error
}

// NewModule creates a module with an empty report.
func NewModule(name, path string) *Module {
	return &Module{
		Name:   name,
		Path:   path,
		report: EmptyReport,
	}
}

func (m *Module) Stage() Stage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stage
}

func (m *Module) SetStage(s Stage) {
	m.mu.Lock()
	m.stage = s
	m.mu.Unlock()
}

func (m *Module) Report() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.report
}

// SetReport replaces the module's report and clears any previous error.
func (m *Module) SetReport(r Report) {
	m.mu.Lock()
	m.report = r
	m.err = nil
	m.mu.Unlock()
}

// Err returns the error of the last failed analysis, if any.
func (m *Module) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

func (m *Module) SetErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *Module) String() string {
	return m.Name
}

// SortModules orders modules by name.
func SortModules(modules []*Module) {
	sort.SliceStable(modules, func(i, j int) bool {
		return modules[i].Name < modules[j].Name
	})
}

// Outcome is the result of analysing a single module.
type Outcome struct {
	Report Report
	Err    error
}

// Analysis pairs a module with the channel that will deliver its outcome.
// The channel yields at most one value and is then closed; it is closed
// without a value when the module was never dispatched.
type Analysis struct {
	Module  *Module
	Outcome <-chan Outcome
}
