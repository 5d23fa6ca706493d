package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/langgraph-go/stategraph/config"
	"github.com/langgraph-go/stategraph/graph"
	"github.com/langgraph-go/stategraph/hclgraph"
	"github.com/langgraph-go/stategraph/prebuilt"
	"github.com/langgraph-go/stategraph/telemetry"
)

// app holds what the commands share. It is filled in by the root command's
// PersistentPreRunE.
type app struct {
	in io.Reader

	configPath string
	envFiles   []string
	logLevel   string
	logFormat  string
	backend    string
	metrics    bool
	terms      []string
	termMatch  string

	cfg       *config.Config
	logger    *slog.Logger
	store     *config.Store
	telemetry *telemetry.Provider
	registry  *prometheus.Registry
	shutdown  func(context.Context) error
}

func newRootCmd(in io.Reader) *cobra.Command {
	a := &app{in: in}

	root := &cobra.Command{
		Use:   "stategraph",
		Short: "Run stateful workflow graphs",
		Long: `stategraph runs workflow graphs declared in HCL files. Every step is
checkpointed per session, so an interrupted or failed run can be resumed
by running the same graph with the same --session again.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")
	flags.StringSliceVar(&a.envFiles, "env-file", nil, "dotenv files to load (default .env)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&a.logFormat, "log-format", "", "log format: text, json or console")
	flags.StringVar(&a.backend, "backend", "", "checkpoint backend: memory, sqlite, postgres or redis")
	flags.BoolVar(&a.metrics, "metrics", false, "print Prometheus metrics to stderr on exit")
	flags.StringSliceVar(&a.terms, "restricted-terms", []string{"password", "secret"}, "terms the builtin guard node blocks")
	flags.StringVar(&a.termMatch, "term-match", string(prebuilt.MatchWholeWord), "how the builtin guard finds terms: whole_word or substring")

	root.AddCommand(
		newRunCmd(a),
		newStreamCmd(a),
		newValidateCmd(a),
		newGraphCmd(a),
		newSessionCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	if err := config.LoadEnv(a.envFiles...); err != nil {
		return err
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	if a.backend != "" {
		cfg.Checkpoint.Backend = a.backend
	}
	if a.metrics {
		cfg.Telemetry.Metrics = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	a.logger, err = cfg.Logger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	a.shutdown = func(context.Context) error { return nil }
	if cfg.Telemetry.Tracing != config.TracingNone {
		tc := cfg.Telemetry.TracingConfig()
		tc.Writer = cmd.ErrOrStderr()
		a.shutdown, err = telemetry.Init(tc)
		if err != nil {
			return err
		}
	}

	if cfg.Telemetry.Metrics {
		a.registry = prometheus.NewRegistry()
		mp, err := telemetry.InitMetrics(a.registry)
		if err != nil {
			return err
		}
		a.telemetry, err = telemetry.NewProvider(otel.GetTracerProvider(), mp)
		if err != nil {
			return err
		}
	} else {
		a.telemetry, err = telemetry.NewDefaultProvider()
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *app) teardown(cmd *cobra.Command) error {
	var first error
	if a.store != nil {
		first = a.store.Close()
	}
	if a.registry != nil {
		if err := telemetry.WriteMetrics(cmd.ErrOrStderr(), a.registry); err != nil && first == nil {
			first = err
		}
	}
	if a.shutdown != nil {
		if err := a.shutdown(cmd.Context()); err != nil && first == nil {
			first = fmt.Errorf("failed to flush telemetry: %w", err)
		}
	}
	return first
}

// openStore opens the checkpoint backend once per process.
func (a *app) openStore(ctx context.Context) (*config.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := config.OpenStore(ctx, &a.cfg.Checkpoint, a.logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

// load reads a graph file and binds it to the builtin registry.
func (a *app) load(cmd *cobra.Command, path string) (*hclgraph.Definition, error) {
	registry, err := builtinRegistry(prebuilt.GuardConfig{Terms: a.terms, Match: prebuilt.TermMatch(a.termMatch)}, a.in, cmd.OutOrStdout())
	if err != nil {
		return nil, err
	}
	return hclgraph.Load(path, registry)
}

// compile loads and compiles a graph file. With persist set the graph is
// wired to the checkpoint store.
func (a *app) compile(cmd *cobra.Command, path string, persist bool, extra ...graph.CompileOption) (*graph.CompiledGraph, error) {
	def, err := a.load(cmd, path)
	if err != nil {
		return nil, err
	}

	opts := a.cfg.CompileOptions()
	opts = append(opts, def.Options...)
	opts = append(opts, graph.WithLogger(a.logger), graph.WithTelemetry(a.telemetry))
	if persist {
		store, err := a.openStore(cmd.Context())
		if err != nil {
			return nil, err
		}
		opts = append(opts, graph.WithCheckpointer(store.Saver), graph.WithSessionManager(store.Sessions))
	}
	opts = append(opts, extra...)

	return def.Graph.Compile(append([]graph.CompileOption{graph.WithName(def.Name)}, opts...)...)
}
