package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/cdpdriver/common"
	"github.com/grafana/cdpdriver/config"
	"github.com/grafana/cdpdriver/env"
	"github.com/grafana/cdpdriver/log"
	"github.com/grafana/cdpdriver/metrics"
	"github.com/grafana/cdpdriver/otel"
	"github.com/grafana/cdpdriver/storage"
	"github.com/grafana/cdpdriver/trace"
)

const (
	defaultTraceEndpoint = "localhost:4318"
	shutdownTimeout      = 5 * time.Second
)

// Execute runs the command line interface.
func Execute(ctx context.Context) error {
	return newRootCmd(env.Lookup).ExecuteContext(ctx)
}

// globalFlags are the persistent flags shared by all commands.
type globalFlags struct {
	lookup env.LookupFunc

	configFile    string
	headless      bool
	host          string
	port          int
	debug         bool
	logFilter     string
	outputDir     string
	traceProto    string
	traceEndpoint string
	traceInsecure bool
	metricsAddr   string
}

func newRootCmd(lookup env.LookupFunc) *cobra.Command {
	gf := &globalFlags{lookup: lookup}

	cmd := &cobra.Command{
		Use:          "cdpdriver",
		Short:        "Drive a Chromium browser over the DevTools protocol",
		Long:         "cdpdriver launches or attaches to a Chromium browser and runs one command against it.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	gf.addFlags(cmd)

	cmd.AddCommand(newVersionCmd(gf))
	cmd.AddCommand(newTargetsCmd(gf))
	cmd.AddCommand(newGetCmd(gf))
	cmd.AddCommand(newFindCmd(gf))
	cmd.AddCommand(newSelectCmd(gf))
	cmd.AddCommand(newEvalCmd(gf))
	cmd.AddCommand(newWindowCmd(gf))
	return cmd
}

func (gf *globalFlags) addFlags(cmd *cobra.Command) {
	traceProto, _ := gf.lookup(env.TracesMetadata)

	pf := cmd.PersistentFlags()
	pf.StringVarP(&gf.configFile, "config", "c", "", "YAML file with the browser configuration")
	pf.BoolVar(&gf.headless, "headless", false, "run the browser without a window")
	pf.StringVar(&gf.host, "host", "", "debugger host of a running browser to attach to")
	pf.IntVar(&gf.port, "port", 0, "debugger port of a running browser to attach to")
	pf.BoolVar(&gf.debug, "debug", false, "log protocol traffic")
	pf.StringVar(&gf.logFilter, "log-filter", "", "regexp that log categories must match")
	pf.StringVarP(&gf.outputDir, "output-dir", "o", "", "directory for screenshots")
	pf.StringVar(&gf.traceProto, "trace", traceProto, "trace exporter: none, stdout or http")
	pf.StringVar(&gf.traceEndpoint, "trace-endpoint", defaultTraceEndpoint, "OTLP endpoint of the http trace exporter")
	pf.BoolVar(&gf.traceInsecure, "trace-insecure", false, "send traces over plain HTTP")
	pf.StringVar(&gf.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the command runs")
}

// config builds the browser config from the defaults, the config file, the
// environment and the flags set on cmd, in that order.
func (gf *globalFlags) config(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.New()
	if gf.configFile != "" {
		if err := cfg.LoadFile(gf.configFile); err != nil {
			return nil, err //nolint:wrapcheck
		}
	}
	if err := cfg.Parse(gf.lookup); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("headless") {
		cfg.Headless = gf.headless
	}
	if flags.Changed("host") {
		cfg.Host = gf.host
	}
	if flags.Changed("port") {
		if gf.port <= 0 || gf.port > 65535 {
			return nil, fmt.Errorf("port %d out of range", gf.port)
		}
		cfg.Port = null.IntFrom(int64(gf.port))
	}
	if flags.Changed("debug") {
		cfg.Debug = gf.debug
	}
	if flags.Changed("log-filter") {
		cfg.LogCategoryFilter = gf.logFilter
	}
	if cfg.Port.Valid && cfg.Host == "" {
		cfg.Host = config.DefaultHost
	}

	return cfg, cfg.Validate() //nolint:wrapcheck
}

func (gf *globalFlags) logger(cfg *config.Config) (*log.Logger, error) {
	level := "info"
	if cfg.Debug {
		level = "debug"
	}
	return log.NewDefault(level, cfg.LogCategoryFilter) //nolint:wrapcheck
}

// traceProvider returns the exporter named by the trace flag. Spans printed
// by the stdout exporter go to the error stream to keep the command output
// clean.
func (gf *globalFlags) traceProvider(ctx context.Context, cmd *cobra.Command) (otel.TraceProvider, error) {
	if strings.EqualFold(gf.traceProto, otel.ProtoStdout) {
		return otel.NewWriterTraceProvider(cmd.ErrOrStderr()) //nolint:wrapcheck
	}
	return otel.NewTraceProvider(ctx, gf.traceProto, gf.traceEndpoint, gf.traceInsecure) //nolint:wrapcheck
}

// withBrowser runs fn with a browser set up from the flags of cmd and stops
// the browser, the metrics endpoint and the tracer afterwards.
func (gf *globalFlags) withBrowser(cmd *cobra.Command, fn func(ctx context.Context, b *common.Browser) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := gf.config(cmd)
	if err != nil {
		return err
	}
	logger, err := gf.logger(cfg)
	if err != nil {
		return err
	}

	tp, err := gf.traceProvider(ctx, cmd)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	tracer := trace.NewTracer(logger, tp, map[string]string{"command": cmd.Name()})
	defer func() {
		tracer.Close()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := tp.Shutdown(sctx); serr != nil {
			logger.Warnf("cli", "shutting down trace provider: %v", serr)
		}
	}()

	m, err := metrics.RegisterCustomMetrics(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	if gf.metricsAddr != "" {
		stop, err := serveMetrics(gf.metricsAddr, m.Handler(), logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	opts := []common.BrowserOption{
		common.WithMetrics(m),
		common.WithTracer(tracer),
	}
	if gf.outputDir != "" {
		opts = append(opts, common.WithFilePersister(&storage.LocalFilePersister{BaseDir: gf.outputDir}))
	}

	return common.WithBrowser(ctx, cfg, logger, fn, opts...)
}

// serveMetrics serves h under /metrics on addr until the returned function
// is called.
func serveMetrics(addr string, h http.Handler, logger *log.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening for metrics on %q: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: shutdownTimeout}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warnf("cli", "serving metrics: %v", err)
		}
	}()
	logger.Debugf("cli", "serving metrics on http://%s/metrics", ln.Addr())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
