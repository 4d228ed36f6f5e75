package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/torosent/metricbus/internal/bus"
	"github.com/torosent/metricbus/internal/clientmetrics"
	"github.com/torosent/metricbus/internal/config"
	"github.com/torosent/metricbus/internal/dashboard"
	"github.com/torosent/metricbus/internal/export"
	"github.com/torosent/metricbus/internal/feeder"
	"github.com/torosent/metricbus/internal/history"
	"github.com/torosent/metricbus/internal/httpserver"
	"github.com/torosent/metricbus/internal/logging"
	"github.com/torosent/metricbus/internal/output"
	"github.com/torosent/metricbus/internal/security"
	"github.com/torosent/metricbus/internal/splittimer"
	"github.com/torosent/metricbus/internal/stats"
	"github.com/torosent/metricbus/internal/tcpserver"
	"github.com/torosent/metricbus/internal/tracing"
	"github.com/torosent/metricbus/internal/version"
	"github.com/torosent/metricbus/internal/wsserver"
)

const (
	progressInterval = time.Second
	shutdownTimeout  = 5 * time.Second
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "metricbus",
		Short:         "Distribute game telemetry to HTTP, TCP, WebSocket and file sinks",
		Version:       version.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(newServeCommand(), newConfigCommand())
	return root
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run every enabled transport until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, warnings, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, cfg, warnings, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	config.RegisterFlags(cmd)
	return cmd
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, warnings, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			for _, w := range warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
			}
			return writeConfig(cmd.OutOrStdout(), cfg)
		},
	}
	config.RegisterFlags(cmd)
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, []string, error) {
	cfg, err := config.NewLoader().FromFlags(cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	warnings := cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, warnings, err
	}
	return cfg, warnings, nil
}

func writeConfig(w io.Writer, cfg *config.Config) error {
	redacted := *cfg
	if redacted.AuthToken != "" {
		redacted.AuthToken = "<redacted>"
	}
	if redacted.RateLimit.RedisPassword != "" {
		redacted.RateLimit.RedisPassword = "<redacted>"
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(redacted); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

func runServe(ctx context.Context, cfg *config.Config, warnings []string, stdout, stderr io.Writer) error {
	logger := logging.NewWithWriter(stderr, cfg.LogFormat, cfg.LogLevel)
	if cfg.Dashboard {
		logger = logging.Discard()
	}
	for _, w := range warnings {
		logger.Warn("config adjusted", "detail", w)
	}

	tp, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	limiter, err := newRateLimiter(cfg.RateLimit, logger)
	if err != nil {
		return err
	}
	defer limiter.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := buildApp(cfg, limiter, tp, logger)
	if err != nil {
		return err
	}

	if cfg.Input.Path != "" {
		if err := a.startFeeder(ctx, cfg.Input, logger); err != nil {
			_ = a.bus.Close()
			return err
		}
	}

	var stopDisplay func()
	if cfg.Dashboard {
		dash, err := dashboard.New(a.collector, dashboard.RunConfig{
			Bind:       cfg.HTTP.Bind,
			Transports: transports(cfg),
			InputPath:  cfg.Input.Path,
			InputRate:  cfg.Input.Rate,
			ConfigFile: cfg.ConfigFile,
		}, a.history, a.clientSources(), cancel)
		if err != nil {
			_ = a.bus.Close()
			return err
		}
		dash.Start()
		stopDisplay = dash.Stop
	} else {
		progress := output.NewProgressReporter(a.collector, progressInterval, stdout)
		progress.Start()
		stopDisplay = func() {
			progress.Stop()
			fmt.Fprintln(stdout)
		}
	}

	logger.Info("metricbus started", "version", version.Version, "sinks", a.bus.Sinks())
	start := time.Now()
	runErr := a.bus.Run(ctx)
	stopDisplay()

	clients := a.clientStats()
	closeErr := a.bus.Close()
	if closeErr != nil {
		logger.Warn("sink close", "error", closeErr)
	}
	final := a.bus.Stats(time.Since(start))
	if !cfg.Dashboard {
		output.PrintReport(stdout, final)
		output.PrintClients(stdout, clients)
	}
	logger.Info("metricbus stopped", "published", final.Published, "delivered", final.Delivered, "dropped", final.Dropped)
	return runErr
}

func newRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) (security.RateLimiter, error) {
	if cfg.Requests <= 0 {
		return security.NoLimit(), nil
	}
	if cfg.RedisAddr != "" {
		rl, err := security.NewRedisRateLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.Requests, cfg.Window, logger)
		if err != nil {
			return nil, fmt.Errorf("redis rate limiter: %w", err)
		}
		return rl, nil
	}
	return security.NewMemoryRateLimiter(cfg.Requests, cfg.Window), nil
}

func transports(cfg *config.Config) map[string]bool {
	return map[string]bool{
		"http":        cfg.HTTP.Enabled,
		"tcp":         cfg.TCP.Enabled,
		"websocket":   cfg.WebSocket.Enabled,
		"file_export": cfg.Export.Enabled,
	}
}

// app holds the constructed sinks around one bus.
type app struct {
	bus       *bus.Bus
	collector *stats.Collector
	history   *history.Recorder
	http      *httpserver.Server
	tcp       *tcpserver.Server
	ws        *wsserver.Server
	export    *export.Exporter
}

type listener interface {
	Listen() error
	Close() error
}

func buildApp(cfg *config.Config, limiter security.RateLimiter, tp *tracing.Provider, logger *slog.Logger) (*app, error) {
	a := &app{
		collector: stats.NewCollector(),
		history:   history.New(cfg.HistorySize),
	}
	sinks := []bus.Sink{a.history}
	var listeners []listener
	cleanup := func() {
		for _, l := range listeners {
			_ = l.Close()
		}
		if a.export != nil {
			_ = a.export.Close()
		}
	}

	if cfg.Export.Enabled {
		exp, err := export.New(export.Options{
			Directory:        cfg.Export.Directory,
			CSV:              cfg.Export.CSV,
			NDJSON:           cfg.Export.NDJSON,
			MaxFileSize:      cfg.Export.MaxFileSize,
			RotationInterval: cfg.Export.RotationInterval,
			CheckInterval:    cfg.Export.RotationCheckInterval,
			Retention:        cfg.Export.Retention,
			Logger:           logger,
		})
		if err != nil {
			return nil, fmt.Errorf("file export: %w", err)
		}
		a.export = exp
		sinks = append(sinks, exp)
	}

	var timer httpserver.TimerController = splittimer.New()
	if cfg.TCP.Enabled {
		tcpAddr := config.Address(cfg.TCP.Bind, cfg.TCP.Port)
		a.tcp = tcpserver.New(tcpserver.Options{
			Addr:                  tcpAddr,
			PipePath:              cfg.TCP.PipePath,
			Token:                 cfg.AuthToken,
			MaxClients:            cfg.TCP.MaxClients,
			AuthTimeout:           cfg.TCP.AuthTimeout,
			IPCAuthTimeout:        cfg.TCP.IPCAuthTimeout,
			CommandRate:           cfg.TCP.CommandRate,
			AutoSplitScenes:       cfg.TCP.AutoSplitScenes,
			AutoSplitOnBossDefeat: cfg.TCP.AutoSplitOnBossDefeat,
			RateLimiter:           limiter,
			Logger:                logger,
		})
		timer = a.tcp
	}

	if cfg.HTTP.Enabled {
		a.http = httpserver.New(httpserver.Options{
			Addr:           config.Address(cfg.HTTP.Bind, cfg.HTTP.Port),
			Token:          cfg.AuthToken,
			AllowedOrigins: cfg.AllowedOrigins,
			MaxConcurrent:  cfg.HTTP.MaxConcurrent,
			QueueCapacity:  cfg.HTTP.QueueCapacity,
			Transports:     transports(cfg),
			RateLimiter:    limiter,
			Events:         a.history,
			Timer:          timer,
			Stats:          a.collector,
			Tracing:        tp,
			Logger:         logger,
		})
		if err := a.http.Listen(); err != nil {
			cleanup()
			return nil, err
		}
		listeners = append(listeners, a.http)
		sinks = append(sinks, a.http)
	}

	if a.tcp != nil {
		if err := a.tcp.Listen(); err != nil {
			cleanup()
			return nil, err
		}
		listeners = append(listeners, a.tcp)
		sinks = append(sinks, a.tcp)
	}

	if cfg.WebSocket.Enabled {
		a.ws = wsserver.New(wsserver.Options{
			Addr:           config.Address(cfg.WebSocket.Bind, cfg.WebSocket.Port),
			Path:           cfg.WebSocket.Path,
			Token:          cfg.AuthToken,
			AllowedOrigins: cfg.AllowedOrigins,
			MessageAuth:    cfg.WebSocket.MessageAuth,
			StreamLines:    cfg.WebSocket.StreamLines,
			PingInterval:   cfg.WebSocket.PingInterval,
			PingTimeout:    cfg.WebSocket.PingTimeout,
			CommandRate:    cfg.WebSocket.CommandRate,
			Scenes:         cfg.WebSocket.Scenes,
			RateLimiter:    limiter,
			Logger:         logger,
		})
		if err := a.ws.Listen(); err != nil {
			cleanup()
			return nil, err
		}
		listeners = append(listeners, a.ws)
		sinks = append(sinks, a.ws)
	}

	a.bus = bus.New(bus.Options{
		Stats:  a.collector,
		Tracer: tp.Tracer(),
		Logger: logger,
	}, sinks...)
	return a, nil
}

func (a *app) startFeeder(ctx context.Context, in config.InputConfig, logger *slog.Logger) error {
	src, err := feeder.Open(in.Path)
	if err != nil {
		return err
	}
	go func() {
		defer src.Close()
		_, err := feeder.Replay(ctx, src, a.bus.Broadcast, feeder.ReplayOptions{
			Rate:   in.Rate,
			Logger: logger,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("input replay stopped", "path", in.Path, "error", err)
		}
	}()
	return nil
}

func (a *app) clientSources() []dashboard.ClientSource {
	var out []dashboard.ClientSource
	if a.tcp != nil {
		out = append(out, a.tcp)
	}
	if a.ws != nil {
		out = append(out, a.ws)
	}
	return out
}

func (a *app) clientStats() []clientmetrics.Snapshot {
	var out []clientmetrics.Snapshot
	for _, src := range a.clientSources() {
		out = append(out, src.ClientStats()...)
	}
	return out
}
