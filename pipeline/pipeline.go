// Package pipeline runs module analyses concurrently over a fixed pool of
// slots, reporting progress and honouring cancellation.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"refanalyzer/model"
)

const (
	// DefaultSlots caps simultaneous analyses, and with them the number
	// of compilations held in memory.
	DefaultSlots = 5

	// Indeterminate is reported before the first module completes.
	Indeterminate = -1.0
	// Complete is reported when the batch is over.
	Complete = 1.0
)

// Analyzer analyses one module.
type Analyzer interface {
	Analyze(ctx context.Context, module *model.Module) (model.Report, error)
}

// Result is one finished module.
type Result struct {
	Module *model.Module
	Report model.Report
	Err    error
}

type Pipeline struct {
	analyzer   Analyzer
	slots      int64
	onProgress func(float64)
	logger     *slog.Logger
	metrics    *Metrics
}

type Option func(*Pipeline)

func WithSlots(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.slots = int64(n)
		}
	}
}

// WithProgress sets the progress callback. It receives Indeterminate,
// then completed/total after every module, then Complete.
func WithProgress(fn func(float64)) Option {
	return func(p *Pipeline) {
		p.onProgress = fn
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

func New(analyzer Analyzer, opts ...Option) *Pipeline {
	p := &Pipeline{
		analyzer: analyzer,
		slots:    DefaultSlots,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) progress(v float64) {
	if p.onProgress != nil {
		p.onProgress(v)
	}
}

func canceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// Dispatch starts analysing modules in submission order and returns
// immediately. A module is dispatched once a slot is free; modules not
// dispatched before ctx is cancelled keep their NotStarted stage and their
// outcome channel is closed without a value.
func (p *Pipeline) Dispatch(ctx context.Context, modules []*model.Module) []model.Analysis {
	runID := uuid.NewString()
	logger := p.logger.With("run", runID)
	logger.Info("dispatching analyses", "modules", len(modules), "slots", p.slots)

	sem := semaphore.NewWeighted(p.slots)
	analyses := make([]model.Analysis, len(modules))
	outcomes := make([]chan model.Outcome, len(modules))
	for i, m := range modules {
		outcomes[i] = make(chan model.Outcome, 1)
		analyses[i] = model.Analysis{Module: m, Outcome: outcomes[i]}
	}

	go func() {
		for i, m := range modules {
			err := ctx.Err()
			if err == nil {
				err = sem.Acquire(ctx, 1)
			}
			if err != nil {
				logger.Info("batch cancelled", "undispatched", len(modules)-i)
				for _, ch := range outcomes[i:] {
					close(ch)
				}
				return
			}
			m.SetStage(model.InProgress)
			go func(m *model.Module, ch chan<- model.Outcome) {
				defer sem.Release(1)
				defer close(ch)
				p.run(ctx, logger, m, ch)
			}(m, outcomes[i])
		}
	}()

	return analyses
}

func (p *Pipeline) run(ctx context.Context, logger *slog.Logger, m *model.Module, ch chan<- model.Outcome) {
	if p.metrics != nil {
		p.metrics.InFlight.Inc()
		defer p.metrics.InFlight.Dec()
	}
	start := time.Now()
	report, err := p.analyzer.Analyze(ctx, m)
	elapsed := time.Since(start)

	switch {
	case err != nil && canceled(ctx, err):
		m.SetStage(model.NotStarted)
		p.observe("canceled", elapsed)
		logger.Debug("analysis cancelled", "module", m.Name)
		return
	case err != nil:
		m.SetErr(err)
		m.SetStage(model.Finished)
		p.observe("error", elapsed)
		logger.Warn("analysis failed", "module", m.Name, "error", err)
		ch <- model.Outcome{Err: err}
	default:
		m.SetReport(report)
		m.SetStage(model.Finished)
		p.observe("ok", elapsed)
		if p.metrics != nil {
			p.metrics.Unused.WithLabelValues(m.Name).Set(float64(len(report.Diff())))
		}
		logger.Info("analysis finished", "module", m.Name,
			"declared", len(report.Declared), "actual", len(report.Actual), "unused", len(report.Diff()),
			"elapsed", elapsed)
		ch <- model.Outcome{Report: report}
	}
}

func (p *Pipeline) observe(status string, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.AnalysesTotal.WithLabelValues(status).Inc()
	p.metrics.AnalysisDuration.Observe(elapsed.Seconds())
}

// Run analyses modules and streams their results in completion order. The
// channel is closed once every dispatched module has finished; cancelled
// modules produce no result. Callers must drain the channel.
func (p *Pipeline) Run(ctx context.Context, modules []*model.Module) <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)
		p.progress(Indeterminate)

		merged := make(chan Result)
		var wg sync.WaitGroup
		for _, a := range p.Dispatch(ctx, modules) {
			wg.Add(1)
			go func(a model.Analysis) {
				defer wg.Done()
				o, ok := <-a.Outcome
				if !ok {
					return
				}
				merged <- Result{Module: a.Module, Report: o.Report, Err: o.Err}
			}(a)
		}
		go func() {
			wg.Wait()
			close(merged)
		}()

		total, done := len(modules), 0
		for r := range merged {
			done++
			p.progress(float64(done) / float64(total))
			out <- r
		}
		p.progress(Complete)
	}()
	return out
}

// Collect runs modules and gathers every result.
func (p *Pipeline) Collect(ctx context.Context, modules []*model.Module) []Result {
	var results []Result
	for r := range p.Run(ctx, modules) {
		results = append(results, r)
	}
	return results
}
