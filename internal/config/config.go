package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Defaults for every transport. Values outside the accepted ranges are
// clamped back by Normalize.
const (
	DefaultBind          = "127.0.0.1"
	DefaultHTTPPort      = 8080
	DefaultTCPPort       = 16834
	DefaultWebSocketPort = 4455

	DefaultHTTPMaxConcurrent = 10
	DefaultQueueCapacity     = 5000
	DefaultTCPMaxClients     = 10
	DefaultTCPAuthTimeout    = 5 * time.Second
	DefaultIPCAuthTimeout    = 10 * time.Second
	DefaultCommandRate       = 50.0
	DefaultPingInterval      = 30 * time.Second
	DefaultPingTimeout       = 10 * time.Second

	DefaultExportDirectory       = "metrics_export"
	DefaultMaxFileSize           = 10 * 1024 * 1024
	MinMaxFileSize               = 1024
	MaxMaxFileSize               = 1024 * 1024 * 1024
	DefaultRotationInterval      = time.Hour
	MinRotationInterval          = time.Minute
	MaxRotationInterval          = 24 * time.Hour
	DefaultRotationCheckInterval = time.Minute
	DefaultRetention             = 10

	DefaultRateLimit   = 120
	DefaultRateWindow  = time.Minute
	DefaultHistorySize = 100
)

type Config struct {
	ConfigFile     string          `mapstructure:"-" yaml:"-"`
	LogLevel       string          `mapstructure:"log_level" yaml:"log_level"`
	LogFormat      string          `mapstructure:"log_format" yaml:"log_format"`
	AuthToken      string          `mapstructure:"auth_token" yaml:"auth_token,omitempty"`
	AllowedOrigins []string        `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	HTTP           HTTPConfig      `mapstructure:"http" yaml:"http"`
	TCP            TCPConfig       `mapstructure:"tcp" yaml:"tcp"`
	WebSocket      WebSocketConfig `mapstructure:"websocket" yaml:"websocket"`
	Export         ExportConfig    `mapstructure:"export" yaml:"export"`
	Tracing        TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
	Input          InputConfig     `mapstructure:"input" yaml:"input"`
	Dashboard      bool            `mapstructure:"dashboard" yaml:"dashboard"`
	HistorySize    int             `mapstructure:"history_size" yaml:"history_size"`
}

type RateLimitConfig struct {
	Requests      int           `mapstructure:"requests" yaml:"requests"` // per window and caller, 0 disables
	Window        time.Duration `mapstructure:"window" yaml:"window"`
	RedisAddr     string        `mapstructure:"redis_addr" yaml:"redis_addr,omitempty"`
	RedisPassword string        `mapstructure:"redis_password" yaml:"redis_password,omitempty"`
	RedisDB       int           `mapstructure:"redis_db" yaml:"redis_db"`
}

type HTTPConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	Bind          string `mapstructure:"bind" yaml:"bind"`
	Port          int    `mapstructure:"port" yaml:"port"`
	MaxConcurrent int    `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	QueueCapacity int    `mapstructure:"queue_capacity" yaml:"queue_capacity"`
}

type TCPConfig struct {
	Enabled               bool          `mapstructure:"enabled" yaml:"enabled"`
	Bind                  string        `mapstructure:"bind" yaml:"bind"`
	Port                  int           `mapstructure:"port" yaml:"port"`
	PipePath              string        `mapstructure:"pipe_path" yaml:"pipe_path,omitempty"` // unix socket; empty disables
	MaxClients            int           `mapstructure:"max_clients" yaml:"max_clients"`
	AuthTimeout           time.Duration `mapstructure:"auth_timeout" yaml:"auth_timeout"`
	IPCAuthTimeout        time.Duration `mapstructure:"ipc_auth_timeout" yaml:"ipc_auth_timeout"`
	CommandRate           float64       `mapstructure:"command_rate" yaml:"command_rate"` // commands per second per client
	AutoSplitScenes       []string      `mapstructure:"auto_split_scenes" yaml:"auto_split_scenes"`
	AutoSplitOnBossDefeat bool          `mapstructure:"auto_split_on_boss_defeat" yaml:"auto_split_on_boss_defeat"`
}

type WebSocketConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Bind         string        `mapstructure:"bind" yaml:"bind"`
	Port         int           `mapstructure:"port" yaml:"port"`
	Path         string        `mapstructure:"path" yaml:"path"`
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	PingTimeout  time.Duration `mapstructure:"ping_timeout" yaml:"ping_timeout"`
	MessageAuth  bool          `mapstructure:"message_auth" yaml:"message_auth"` // accept unauthenticated upgrades that send an auth message
	StreamLines  bool          `mapstructure:"stream_lines" yaml:"stream_lines"`
	CommandRate  float64       `mapstructure:"command_rate" yaml:"command_rate"`
	Scenes       SceneConfig   `mapstructure:"scenes" yaml:"scenes"`
}

// SceneConfig names the scenes the websocket scene automation switches between.
type SceneConfig struct {
	Gameplay  string `mapstructure:"gameplay" yaml:"gameplay"`
	BossFight string `mapstructure:"boss_fight" yaml:"boss_fight"`
	Victory   string `mapstructure:"victory" yaml:"victory"`
	Death     string `mapstructure:"death" yaml:"death"`
}

// List returns the configured scenes in display order.
func (s SceneConfig) List() []string {
	return []string{s.Gameplay, s.BossFight, s.Victory, s.Death}
}

type ExportConfig struct {
	Enabled               bool          `mapstructure:"enabled" yaml:"enabled"`
	Directory             string        `mapstructure:"directory" yaml:"directory"`
	CSV                   bool          `mapstructure:"csv" yaml:"csv"`
	NDJSON                bool          `mapstructure:"ndjson" yaml:"ndjson"`
	MaxFileSize           int64         `mapstructure:"max_file_size" yaml:"max_file_size"`
	RotationInterval      time.Duration `mapstructure:"rotation_interval" yaml:"rotation_interval"`
	RotationCheckInterval time.Duration `mapstructure:"rotation_check_interval" yaml:"rotation_check_interval"`
	Retention             int           `mapstructure:"retention" yaml:"retention"`
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Protocol    string  `mapstructure:"protocol" yaml:"protocol,omitempty"` // "grpc" or "http"
	ServiceName string  `mapstructure:"service_name" yaml:"service_name,omitempty"`
	SampleRate  float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`
	Propagate   *bool   `mapstructure:"propagate" yaml:"propagate,omitempty"`
}

// Enabled reports whether an exporter endpoint is configured.
func (t TracingConfig) Enabled() bool {
	return strings.TrimSpace(t.Endpoint) != ""
}

// ShouldPropagate defaults to true when tracing is enabled.
func (t TracingConfig) ShouldPropagate() bool {
	if t.Propagate != nil {
		return *t.Propagate
	}
	return t.Enabled()
}

type InputConfig struct {
	Path string  `mapstructure:"path" yaml:"path,omitempty"` // NDJSON or CSV metric file, "-" for stdin
	Rate float64 `mapstructure:"rate" yaml:"rate"`           // metrics per second, 0 = as fast as possible
}

// Default returns a configuration with every transport enabled.
func Default() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		RateLimit: RateLimitConfig{
			Requests: DefaultRateLimit,
			Window:   DefaultRateWindow,
		},
		HTTP: HTTPConfig{
			Enabled:       true,
			Bind:          DefaultBind,
			Port:          DefaultHTTPPort,
			MaxConcurrent: DefaultHTTPMaxConcurrent,
			QueueCapacity: DefaultQueueCapacity,
		},
		TCP: TCPConfig{
			Enabled:               true,
			Bind:                  DefaultBind,
			Port:                  DefaultTCPPort,
			MaxClients:            DefaultTCPMaxClients,
			AuthTimeout:           DefaultTCPAuthTimeout,
			IPCAuthTimeout:        DefaultIPCAuthTimeout,
			CommandRate:           DefaultCommandRate,
			AutoSplitOnBossDefeat: true,
		},
		WebSocket: WebSocketConfig{
			Enabled:      true,
			Bind:         DefaultBind,
			Port:         DefaultWebSocketPort,
			Path:         "/",
			PingInterval: DefaultPingInterval,
			PingTimeout:  DefaultPingTimeout,
			StreamLines:  true,
			CommandRate:  DefaultCommandRate,
			Scenes: SceneConfig{
				Gameplay:  "Gameplay",
				BossFight: "Boss Fight",
				Victory:   "Victory",
				Death:     "Death",
			},
		},
		Export: ExportConfig{
			Enabled:               true,
			Directory:             DefaultExportDirectory,
			CSV:                   true,
			NDJSON:                true,
			MaxFileSize:           DefaultMaxFileSize,
			RotationInterval:      DefaultRotationInterval,
			RotationCheckInterval: DefaultRotationCheckInterval,
			Retention:             DefaultRetention,
		},
		Tracing: TracingConfig{
			Protocol:    "grpc",
			ServiceName: "metricbus",
			SampleRate:  1,
		},
		HistorySize: DefaultHistorySize,
	}
}

// Normalize clamps out-of-range values to usable bounds and returns one
// warning per adjustment. It never fails.
func (c *Config) Normalize() []string {
	var warnings []string
	warn := func(format string, args ...interface{}) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
		c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	case "":
		c.LogLevel = "info"
	default:
		warn("log_level %q is not supported, using info", c.LogLevel)
		c.LogLevel = "info"
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "text":
		c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	case "":
		c.LogFormat = "text"
	default:
		warn("log_format %q is not supported, using text", c.LogFormat)
		c.LogFormat = "text"
	}

	if c.RateLimit.Requests < 0 {
		warn("rate_limit.requests %d < 0, disabling rate limiting", c.RateLimit.Requests)
		c.RateLimit.Requests = 0
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = DefaultRateWindow
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}

	c.HTTP.Bind = clampBind("http.bind", c.HTTP.Bind, warn)
	c.HTTP.Port = clampPort("http.port", c.HTTP.Port, DefaultHTTPPort, warn)
	c.HTTP.MaxConcurrent = clampInt("http.max_concurrent", c.HTTP.MaxConcurrent, 1, 1000, DefaultHTTPMaxConcurrent, warn)
	c.HTTP.QueueCapacity = clampInt("http.queue_capacity", c.HTTP.QueueCapacity, 1, 100_000, DefaultQueueCapacity, warn)

	c.TCP.Bind = clampBind("tcp.bind", c.TCP.Bind, warn)
	c.TCP.Port = clampPort("tcp.port", c.TCP.Port, DefaultTCPPort, warn)
	c.TCP.MaxClients = clampInt("tcp.max_clients", c.TCP.MaxClients, 1, 1000, DefaultTCPMaxClients, warn)
	c.TCP.AuthTimeout = clampDuration("tcp.auth_timeout", c.TCP.AuthTimeout, 100*time.Millisecond, time.Minute, DefaultTCPAuthTimeout, warn)
	c.TCP.IPCAuthTimeout = clampDuration("tcp.ipc_auth_timeout", c.TCP.IPCAuthTimeout, 100*time.Millisecond, time.Minute, DefaultIPCAuthTimeout, warn)
	if c.TCP.CommandRate <= 0 {
		c.TCP.CommandRate = DefaultCommandRate
	}

	c.WebSocket.Bind = clampBind("websocket.bind", c.WebSocket.Bind, warn)
	c.WebSocket.Port = clampPort("websocket.port", c.WebSocket.Port, DefaultWebSocketPort, warn)
	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		c.WebSocket.Path = "/" + c.WebSocket.Path
	}
	c.WebSocket.PingInterval = clampDuration("websocket.ping_interval", c.WebSocket.PingInterval, time.Second, 10*time.Minute, DefaultPingInterval, warn)
	c.WebSocket.PingTimeout = clampDuration("websocket.ping_timeout", c.WebSocket.PingTimeout, time.Second, 10*time.Minute, DefaultPingTimeout, warn)
	if c.WebSocket.CommandRate <= 0 {
		c.WebSocket.CommandRate = DefaultCommandRate
	}
	defaults := Default().WebSocket.Scenes
	if strings.TrimSpace(c.WebSocket.Scenes.Gameplay) == "" {
		c.WebSocket.Scenes.Gameplay = defaults.Gameplay
	}
	if strings.TrimSpace(c.WebSocket.Scenes.BossFight) == "" {
		c.WebSocket.Scenes.BossFight = defaults.BossFight
	}
	if strings.TrimSpace(c.WebSocket.Scenes.Victory) == "" {
		c.WebSocket.Scenes.Victory = defaults.Victory
	}
	if strings.TrimSpace(c.WebSocket.Scenes.Death) == "" {
		c.WebSocket.Scenes.Death = defaults.Death
	}

	if strings.TrimSpace(c.Export.Directory) == "" {
		c.Export.Directory = DefaultExportDirectory
	}
	if !c.Export.CSV && !c.Export.NDJSON {
		warn("export has no format enabled, enabling ndjson")
		c.Export.NDJSON = true
	}
	c.Export.MaxFileSize = int64(clampInt("export.max_file_size", int(c.Export.MaxFileSize), MinMaxFileSize, MaxMaxFileSize, DefaultMaxFileSize, warn))
	c.Export.RotationInterval = clampDuration("export.rotation_interval", c.Export.RotationInterval, MinRotationInterval, MaxRotationInterval, DefaultRotationInterval, warn)
	c.Export.RotationCheckInterval = clampDuration("export.rotation_check_interval", c.Export.RotationCheckInterval, time.Second, time.Hour, DefaultRotationCheckInterval, warn)
	c.Export.Retention = clampInt("export.retention", c.Export.Retention, 1, 1000, DefaultRetention, warn)

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		warn("tracing.sample_rate %g outside [0, 1], using 1", c.Tracing.SampleRate)
		c.Tracing.SampleRate = 1
	}
	if c.Input.Rate < 0 {
		warn("input.rate %g < 0, replaying unpaced", c.Input.Rate)
		c.Input.Rate = 0
	}

	return warnings
}

type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

// Validate reports configurations no amount of clamping can make usable.
// Call it after Normalize.
func (c Config) Validate() error {
	var issues []string

	if !c.HTTP.Enabled && !c.TCP.Enabled && !c.WebSocket.Enabled && !c.Export.Enabled {
		issues = append(issues, "at least one of http, tcp, websocket or export must be enabled")
	}

	type listener struct {
		name string
		addr string
		port int
	}
	var listeners []listener
	if c.HTTP.Enabled {
		listeners = append(listeners, listener{"http", c.HTTP.Bind, c.HTTP.Port})
	}
	if c.TCP.Enabled {
		listeners = append(listeners, listener{"tcp", c.TCP.Bind, c.TCP.Port})
	}
	if c.WebSocket.Enabled {
		listeners = append(listeners, listener{"websocket", c.WebSocket.Bind, c.WebSocket.Port})
	}
	for i := 0; i < len(listeners); i++ {
		for j := i + 1; j < len(listeners); j++ {
			a, b := listeners[i], listeners[j]
			if a.port != 0 && a.port == b.port && a.addr == b.addr {
				issues = append(issues, fmt.Sprintf("%s and %s both listen on %s:%d", a.name, b.name, a.addr, a.port))
			}
		}
	}

	if c.TCP.Enabled && c.TCP.PipePath != "" && strings.ContainsRune(c.TCP.PipePath, 0) {
		issues = append(issues, "tcp.pipe_path contains a NUL byte")
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

// Address joins a bind host and port.
func Address(bind string, port int) string {
	return net.JoinHostPort(bind, fmt.Sprint(port))
}

func clampBind(name, bind string, warn func(string, ...interface{})) string {
	bind = strings.TrimSpace(bind)
	switch {
	case bind == "":
		return DefaultBind
	case bind == "localhost":
		return bind
	case net.ParseIP(bind) != nil:
		return bind
	default:
		warn("%s %q is not a valid IP address, using %s", name, bind, DefaultBind)
		return DefaultBind
	}
}

func clampPort(name string, port, fallback int, warn func(string, ...interface{})) int {
	if port < 0 || port > 65535 {
		warn("%s %d out of range, using %d", name, port, fallback)
		return fallback
	}
	return port
}

func clampInt(name string, v, lo, hi, fallback int, warn func(string, ...interface{})) int {
	switch {
	case v == 0:
		return fallback
	case v < lo:
		warn("%s %d below minimum, using %d", name, v, lo)
		return lo
	case v > hi:
		warn("%s %d above maximum, using %d", name, v, hi)
		return hi
	}
	return v
}

func clampDuration(name string, v, lo, hi, fallback time.Duration, warn func(string, ...interface{})) time.Duration {
	switch {
	case v == 0:
		return fallback
	case v < lo:
		warn("%s %s below minimum, using %s", name, v, lo)
		return lo
	case v > hi:
		warn("%s %s above maximum, using %s", name, v, hi)
		return hi
	}
	return v
}
