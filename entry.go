package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"refanalyzer/analyzer"
	"refanalyzer/config"
	"refanalyzer/gofront"
	"refanalyzer/manifest"
	"refanalyzer/model"
	"refanalyzer/pipeline"
	"refanalyzer/watch"
)

// session wires the components of one CLI invocation.
type session struct {
	graph    string
	cfg      *config.Config
	cache    *manifest.Cache
	analyzer *analyzer.Analyzer
	metrics  *pipeline.Metrics
	registry *prometheus.Registry
}

// graphPath resolves the build graph argument against the working
// directory; it defaults to the working directory itself.
func graphPath(cmd *cli.Command) (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	dir := cmd.Args().Get(0)
	if dir == "" {
		return cwd, nil
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(cwd, dir)
	}
	return dir, nil
}

func configDir(graph string) string {
	if fi, err := os.Stat(graph); err == nil && !fi.IsDir() {
		return filepath.Dir(graph)
	}
	return graph
}

func newSession(cmd *cli.Command) (*session, error) {
	graph, err := graphPath(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(configDir(graph), cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if cmd.IsSet("stop-on-errors") {
		cfg.StopOnCompileErrors = cmd.Bool("stop-on-errors")
	}
	if cmd.IsSet("slots") {
		cfg.Slots = int(cmd.Int("slots"))
	}
	if cmd.IsSet("output-dir") {
		cfg.OutputDir = cmd.String("output-dir")
	}
	if cmd.IsSet("metrics-addr") {
		cfg.MetricsAddr = cmd.String("metrics-addr")
	}
	for k, v := range cmd.StringMap("property") {
		cfg.BuildProperties[k] = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := slog.Default()
	var sink analyzer.MessageSink = analyzer.SlogSink{Logger: logger, Level: slog.LevelWarn}
	if cmd.Bool("raw-diagnostics") {
		sink = &analyzer.WriterSink{W: os.Stderr}
	}
	cache := manifest.NewCache(nil)
	s := &session{
		graph: graph,
		cfg:   cfg,
		cache: cache,
		analyzer: analyzer.New(
			gofront.New(cache, gofront.WithLogger(logger)),
			manifest.NewEditor(cache),
			cfg.AnalyzerConfig(),
			analyzer.WithLogger(logger),
			analyzer.WithSink(sink),
		),
	}
	if cfg.MetricsAddr != "" {
		s.registry = prometheus.NewRegistry()
		s.metrics = pipeline.NewMetrics(s.registry)
	}
	return s, nil
}

// serveMetrics exposes the session's metrics until ctx is done.
func (s *session) serveMetrics(ctx context.Context) {
	if s.registry == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		slog.Info("serving metrics", "addr", s.cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "error", err)
		}
	}()
}

// selectModules loads the build graph and keeps the named modules, or all
// of them when names is empty.
func (s *session) selectModules(ctx context.Context, names []string) ([]*model.Module, error) {
	modules, err := s.analyzer.Load(ctx, s.graph)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return modules, nil
	}
	var selected []*model.Module
	for _, name := range names {
		m, err := s.analyzer.Module(name)
		if err != nil {
			return nil, err
		}
		selected = append(selected, m)
	}
	return selected, nil
}

func (s *session) pipeline() *pipeline.Pipeline {
	opts := []pipeline.Option{
		pipeline.WithSlots(s.cfg.Slots),
		pipeline.WithLogger(slog.Default()),
		pipeline.WithProgress(func(p float64) {
			if p == pipeline.Indeterminate {
				slog.Debug("analysis started")
				return
			}
			slog.Debug("analysis progress", "done", fmt.Sprintf("%.0f%%", p*100))
		}),
	}
	if s.metrics != nil {
		opts = append(opts, pipeline.WithMetrics(s.metrics))
	}
	return pipeline.New(s.analyzer, opts...)
}

func listModules(ctx context.Context, s *session, w io.Writer) error {
	modules, err := s.analyzer.Load(ctx, s.graph)
	if err != nil {
		return err
	}
	for _, m := range modules {
		fmt.Fprintf(w, "%s\t%s\n", m.Name, m.Path)
	}
	return nil
}

// reportView is the JSON shape of one analysed module.
type reportView struct {
	Module   string                    `json:"module"`
	Path     string                    `json:"path"`
	Declared []model.DeclaredReference `json:"declared,omitempty"`
	Actual   []actualView              `json:"actual,omitempty"`
	Unused   []string                  `json:"unused"`
	Removed  []string                  `json:"removed,omitempty"`
	Error    string                    `json:"error,omitempty"`
}

type actualView struct {
	Target      string `json:"target"`
	Occurrences int    `json:"occurrences"`
}

func newReportView(r pipeline.Result) reportView {
	v := reportView{Module: r.Module.Name, Path: r.Module.Path, Unused: []string{}}
	if r.Err != nil {
		v.Error = r.Err.Error()
		return v
	}
	v.Declared = r.Report.Declared
	for _, a := range r.Report.Actual {
		v.Actual = append(v.Actual, actualView{Target: a.Target, Occurrences: len(a.Occurrences)})
	}
	v.Unused = append(v.Unused, r.Report.DiffTargets()...)
	return v
}

func writeViews(w io.Writer, views []reportView, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}
	for _, v := range views {
		fmt.Fprintf(w, "%s (%s)\n", v.Module, v.Path)
		if v.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", v.Error)
			continue
		}
		fmt.Fprintf(w, "  declared: %d  used: %d\n", len(v.Declared), len(v.Actual))
		for _, a := range v.Actual {
			fmt.Fprintf(w, "  uses %s (%d)\n", a.Target, a.Occurrences)
		}
		if len(v.Unused) > 0 {
			fmt.Fprintf(w, "  unused: %s\n", strings.Join(v.Unused, ", "))
		}
		if len(v.Removed) > 0 {
			fmt.Fprintf(w, "  removed: %s\n", strings.Join(v.Removed, ", "))
		}
	}
	return nil
}

// analyzeModules runs the pipeline and returns one view per finished
// module, in completion order.
func analyzeModules(ctx context.Context, s *session, names []string) ([]reportView, error) {
	modules, err := s.selectModules(ctx, names)
	if err != nil {
		return nil, err
	}
	var views []reportView
	for r := range s.pipeline().Run(ctx, modules) {
		views = append(views, newReportView(r))
	}
	return views, ctx.Err()
}

// pruneModules analyses modules and removes their unused declarations.
func pruneModules(ctx context.Context, s *session, names []string, dryRun bool) ([]reportView, error) {
	modules, err := s.selectModules(ctx, names)
	if err != nil {
		return nil, err
	}
	var views []reportView
	for r := range s.pipeline().Run(ctx, modules) {
		v := newReportView(r)
		if r.Err == nil && !dryRun {
			removed, err := s.analyzer.RemoveUnused(ctx, r.Report)
			if err != nil {
				v.Error = err.Error()
			}
			v.Removed = removed
		}
		views = append(views, v)
	}
	return views, ctx.Err()
}

// watchModules analyses every module, then re-analyses the modules whose
// manifests change until ctx is done.
func watchModules(ctx context.Context, s *session, w io.Writer, asJSON bool) error {
	modules, err := s.selectModules(ctx, nil)
	if err != nil {
		return err
	}
	s.serveMetrics(ctx)

	watcher, err := watch.New(s.cache, watch.WithLogger(slog.Default()))
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(modules...); err != nil {
		return err
	}

	run := func(ctx context.Context, batch []*model.Module) {
		var views []reportView
		for r := range s.pipeline().Run(ctx, batch) {
			views = append(views, newReportView(r))
		}
		if err := writeViews(w, views, asJSON); err != nil {
			slog.Error("cannot write reports", "error", err)
		}
	}
	run(ctx, modules)

	err = watcher.Run(ctx, run)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
