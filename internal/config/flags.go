package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// RegisterFlags registers all CLI flags to a cobra command.
func RegisterFlags(cmd *cobra.Command) {
	configureFlags(cmd.Flags())
}

// newFlagCommand creates a cobra command with all flags configured.
func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "metricbus",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(os.Stdout)
	configureFlags(cmd.Flags())
	return cmd
}

// configureFlags sets up all CLI flags on the provided flag set.
func configureFlags(flags *pflag.FlagSet) {
	d := Default()

	flags.String("config", "", "Path to configuration file (JSON or YAML)")
	flags.String("log-level", d.LogLevel, "Log level: debug, info, warn or error")
	flags.String("log-format", d.LogFormat, "Log format: text or json")
	flags.Bool("dashboard", false, "Show live terminal dashboard")

	// Security flags
	flags.String("auth-token", "", "Shared token required by every transport (env "+EnvAuthToken+")")
	flags.StringSlice("allowed-origin", nil, "Allowed browser origin (repeatable, supports *.domain)")
	flags.Int("rate-limit", d.RateLimit.Requests, "Requests per window per caller (0 disables)")
	flags.Duration("rate-window", d.RateLimit.Window, "Rate limit window")
	flags.String("redis-addr", "", "Redis address for shared rate limiting")
	flags.String("bind", "", "Bind address applied to every listener")

	// HTTP flags
	flags.Bool("http", d.HTTP.Enabled, "Enable the HTTP server")
	flags.Int("http-port", d.HTTP.Port, "HTTP server port (0 picks a free port)")
	flags.Int("http-max-concurrent", d.HTTP.MaxConcurrent, "Maximum concurrently handled HTTP requests")

	// TCP flags
	flags.Bool("tcp", d.TCP.Enabled, "Enable the TCP command server")
	flags.Int("tcp-port", d.TCP.Port, "TCP command server port")
	flags.String("pipe-path", "", "Unix socket path for local IPC clients")
	flags.Int("tcp-max-clients", d.TCP.MaxClients, "Maximum simultaneous TCP clients")
	flags.StringSlice("auto-split-scene", nil, "Scene name that triggers an automatic split (repeatable)")

	// WebSocket flags
	flags.Bool("websocket", d.WebSocket.Enabled, "Enable the WebSocket server")
	flags.Int("ws-port", d.WebSocket.Port, "WebSocket server port")
	flags.Duration("ws-ping-interval", d.WebSocket.PingInterval, "Interval between server pings")
	flags.Duration("ws-ping-timeout", d.WebSocket.PingTimeout, "Time allowed for a pong before eviction")
	flags.Bool("ws-message-auth", false, "Allow clients to authenticate with an auth message after connecting")

	// Export flags
	flags.Bool("export", d.Export.Enabled, "Enable file export")
	flags.String("export-dir", d.Export.Directory, "Export directory")
	flags.Bool("export-csv", d.Export.CSV, "Write CSV export")
	flags.Bool("export-ndjson", d.Export.NDJSON, "Write NDJSON export")
	flags.Int64("max-file-size", d.Export.MaxFileSize, "Rotate export files beyond this many bytes")
	flags.Duration("rotation-interval", d.Export.RotationInterval, "Rotate export files after this long")

	// Tracing flags
	flags.String("tracing-endpoint", "", "OTLP collector endpoint (empty disables tracing)")
	flags.String("tracing-protocol", "grpc", "OTLP protocol: grpc or http")
	flags.Float64("tracing-sample-rate", 1, "Trace sampling ratio between 0 and 1")

	// Input flags
	flags.String("input", "", "Replay metrics from an NDJSON or CSV file ('-' for stdin)")
	flags.Float64("input-rate", 0, "Replay rate in metrics per second (0 means unpaced)")
}

// displayHelp prints the help message for a command.
func displayHelp(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Usage: %s\n\nFlags:\n", cmd.UseLine())
	fs := cmd.Flags()
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// applyFlagOverrides applies command-line flag values to the config, overriding
// values from the config file.
func applyFlagOverrides(cfg *Config, fs *pflag.FlagSet) error {
	if fs.Changed("log-level") {
		val, err := fs.GetString("log-level")
		if err != nil {
			return err
		}
		cfg.LogLevel = strings.TrimSpace(val)
	}
	if fs.Changed("log-format") {
		val, err := fs.GetString("log-format")
		if err != nil {
			return err
		}
		cfg.LogFormat = strings.TrimSpace(val)
	}
	if fs.Changed("dashboard") {
		val, err := fs.GetBool("dashboard")
		if err != nil {
			return err
		}
		cfg.Dashboard = val
	}

	if fs.Changed("auth-token") {
		val, err := fs.GetString("auth-token")
		if err != nil {
			return err
		}
		cfg.AuthToken = strings.TrimSpace(val)
	}
	if fs.Changed("allowed-origin") {
		val, err := fs.GetStringSlice("allowed-origin")
		if err != nil {
			return err
		}
		cfg.AllowedOrigins = val
	}
	if fs.Changed("rate-limit") {
		val, err := fs.GetInt("rate-limit")
		if err != nil {
			return err
		}
		cfg.RateLimit.Requests = val
	}
	if fs.Changed("rate-window") {
		val, err := fs.GetDuration("rate-window")
		if err != nil {
			return err
		}
		cfg.RateLimit.Window = val
	}
	if fs.Changed("redis-addr") {
		val, err := fs.GetString("redis-addr")
		if err != nil {
			return err
		}
		cfg.RateLimit.RedisAddr = strings.TrimSpace(val)
	}
	if fs.Changed("bind") {
		val, err := fs.GetString("bind")
		if err != nil {
			return err
		}
		val = strings.TrimSpace(val)
		cfg.HTTP.Bind = val
		cfg.TCP.Bind = val
		cfg.WebSocket.Bind = val
	}

	if fs.Changed("http") {
		val, err := fs.GetBool("http")
		if err != nil {
			return err
		}
		cfg.HTTP.Enabled = val
	}
	if fs.Changed("http-port") {
		val, err := fs.GetInt("http-port")
		if err != nil {
			return err
		}
		cfg.HTTP.Port = val
	}
	if fs.Changed("http-max-concurrent") {
		val, err := fs.GetInt("http-max-concurrent")
		if err != nil {
			return err
		}
		cfg.HTTP.MaxConcurrent = val
	}

	if fs.Changed("tcp") {
		val, err := fs.GetBool("tcp")
		if err != nil {
			return err
		}
		cfg.TCP.Enabled = val
	}
	if fs.Changed("tcp-port") {
		val, err := fs.GetInt("tcp-port")
		if err != nil {
			return err
		}
		cfg.TCP.Port = val
	}
	if fs.Changed("pipe-path") {
		val, err := fs.GetString("pipe-path")
		if err != nil {
			return err
		}
		cfg.TCP.PipePath = strings.TrimSpace(val)
	}
	if fs.Changed("tcp-max-clients") {
		val, err := fs.GetInt("tcp-max-clients")
		if err != nil {
			return err
		}
		cfg.TCP.MaxClients = val
	}
	if fs.Changed("auto-split-scene") {
		val, err := fs.GetStringSlice("auto-split-scene")
		if err != nil {
			return err
		}
		cfg.TCP.AutoSplitScenes = val
	}

	if fs.Changed("websocket") {
		val, err := fs.GetBool("websocket")
		if err != nil {
			return err
		}
		cfg.WebSocket.Enabled = val
	}
	if fs.Changed("ws-port") {
		val, err := fs.GetInt("ws-port")
		if err != nil {
			return err
		}
		cfg.WebSocket.Port = val
	}
	if fs.Changed("ws-ping-interval") {
		val, err := fs.GetDuration("ws-ping-interval")
		if err != nil {
			return err
		}
		cfg.WebSocket.PingInterval = val
	}
	if fs.Changed("ws-ping-timeout") {
		val, err := fs.GetDuration("ws-ping-timeout")
		if err != nil {
			return err
		}
		cfg.WebSocket.PingTimeout = val
	}
	if fs.Changed("ws-message-auth") {
		val, err := fs.GetBool("ws-message-auth")
		if err != nil {
			return err
		}
		cfg.WebSocket.MessageAuth = val
	}

	if fs.Changed("export") {
		val, err := fs.GetBool("export")
		if err != nil {
			return err
		}
		cfg.Export.Enabled = val
	}
	if fs.Changed("export-dir") {
		val, err := fs.GetString("export-dir")
		if err != nil {
			return err
		}
		cfg.Export.Directory = strings.TrimSpace(val)
	}
	if fs.Changed("export-csv") {
		val, err := fs.GetBool("export-csv")
		if err != nil {
			return err
		}
		cfg.Export.CSV = val
	}
	if fs.Changed("export-ndjson") {
		val, err := fs.GetBool("export-ndjson")
		if err != nil {
			return err
		}
		cfg.Export.NDJSON = val
	}
	if fs.Changed("max-file-size") {
		val, err := fs.GetInt64("max-file-size")
		if err != nil {
			return err
		}
		cfg.Export.MaxFileSize = val
	}
	if fs.Changed("rotation-interval") {
		val, err := fs.GetDuration("rotation-interval")
		if err != nil {
			return err
		}
		cfg.Export.RotationInterval = val
	}

	if fs.Changed("tracing-endpoint") {
		val, err := fs.GetString("tracing-endpoint")
		if err != nil {
			return err
		}
		cfg.Tracing.Endpoint = strings.TrimSpace(val)
	}
	if fs.Changed("tracing-protocol") {
		val, err := fs.GetString("tracing-protocol")
		if err != nil {
			return err
		}
		cfg.Tracing.Protocol = strings.ToLower(strings.TrimSpace(val))
	}
	if fs.Changed("tracing-sample-rate") {
		val, err := fs.GetFloat64("tracing-sample-rate")
		if err != nil {
			return err
		}
		cfg.Tracing.SampleRate = val
	}

	if fs.Changed("input") {
		val, err := fs.GetString("input")
		if err != nil {
			return err
		}
		cfg.Input.Path = strings.TrimSpace(val)
	}
	if fs.Changed("input-rate") {
		val, err := fs.GetFloat64("input-rate")
		if err != nil {
			return err
		}
		cfg.Input.Rate = val
	}

	return nil
}
