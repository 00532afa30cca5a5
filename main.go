package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"
)

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q, want text or json", format)
}

func moduleFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:    "module",
		Aliases: []string{"m"},
		Usage:   "analyse only the named module, may be repeated",
	}
}

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "json",
		Usage: "print reports as JSON",
	}
}

func RootCommand() *cli.Command {
	cmd := &cli.Command{
		Name:      "refanalyzer",
		Usage:     "find declared module dependencies the code never uses",
		ArgsUsage: "[go.work|go.mod|dir]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "debug, info, warn or error",
				Sources: cli.EnvVars("REFANALYZER_LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Value:   "text",
				Usage:   "text or json",
				Sources: cli.EnvVars("REFANALYZER_LOG_FORMAT"),
			},
			&cli.StringFlag{
				Name:      "config",
				Usage:     "config file, default .refanalyzer.yaml next to the build graph",
				TakesFile: true,
			},
			&cli.IntFlag{
				Name:  "slots",
				Usage: "modules analysed at once",
			},
			&cli.BoolFlag{
				Name:  "stop-on-errors",
				Usage: "fail a module whose compilation reports errors",
			},
			&cli.StringMapFlag{
				Name:    "property",
				Aliases: []string{"p"},
				Usage:   "build property key=value (tags, GOOS, GOARCH, GOFLAGS, CGO_ENABLED, tests=false)",
			},
			&cli.BoolFlag{
				Name:  "raw-diagnostics",
				Usage: "print compiler diagnostics to stderr as plain lines instead of log records",
			},
			&cli.StringFlag{
				Name:  "output-dir",
				Usage: "directory holding dependency artifacts, relative to each manifest",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logger, err := newLogger(os.Stderr, cmd.String("log-level"), cmd.String("log-format"))
			if err != nil {
				return ctx, err
			}
			slog.SetDefault(logger)
			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:      "modules",
				Usage:     "list the modules of the build graph",
				ArgsUsage: "[go.work|go.mod|dir]",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					s, err := newSession(cmd)
					if err != nil {
						return err
					}
					return listModules(ctx, s, os.Stdout)
				},
			},
			{
				Name:      "analyze",
				Usage:     "report declared and used dependencies per module",
				ArgsUsage: "[go.work|go.mod|dir]",
				Flags:     []cli.Flag{moduleFlag(), jsonFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					s, err := newSession(cmd)
					if err != nil {
						return err
					}
					slog.Info("analysing", "graph", s.graph, "slots", s.cfg.Slots)
					views, err := analyzeModules(ctx, s, cmd.StringSlice("module"))
					if err != nil {
						return err
					}
					return writeViews(os.Stdout, views, cmd.Bool("json"))
				},
			},
			{
				Name:      "prune",
				Usage:     "remove unused dependency declarations from manifests",
				ArgsUsage: "[go.work|go.mod|dir]",
				Flags: []cli.Flag{
					moduleFlag(),
					jsonFlag(),
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "report what would be removed without editing manifests",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					s, err := newSession(cmd)
					if err != nil {
						return err
					}
					views, err := pruneModules(ctx, s, cmd.StringSlice("module"), cmd.Bool("dry-run"))
					if err != nil {
						return err
					}
					return writeViews(os.Stdout, views, cmd.Bool("json"))
				},
			},
			{
				Name:      "watch",
				Usage:     "re-analyse modules whenever their manifest changes",
				ArgsUsage: "[go.work|go.mod|dir]",
				Flags: []cli.Flag{
					jsonFlag(),
					&cli.StringFlag{
						Name:    "metrics-addr",
						Usage:   "serve Prometheus metrics on this address, e.g. :9090",
						Sources: cli.EnvVars("REFANALYZER_METRICS_ADDR"),
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					s, err := newSession(cmd)
					if err != nil {
						return err
					}
					ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
					defer stop()
					return watchModules(ctx, s, os.Stdout, cmd.Bool("json"))
				},
			},
		},
	}
	return cmd
}

func main() {
	cmd := RootCommand()
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("exited", "error", err)
		os.Exit(1)
	}
}
