package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Environment fallbacks for secrets left out of the config file.
const (
	EnvAuthToken     = "METRICBUS_AUTH_TOKEN"
	EnvRedisPassword = "METRICBUS_REDIS_PASSWORD"
)

// Loader handles loading configuration from files and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses command-line arguments and configuration files to produce a Config.
func (l Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}
	return l.FromFlags(flagSet)
}

// FromFlags builds a Config from an already parsed flag set. The config
// file named by --config is applied first and explicitly set flags win.
func (Loader) FromFlags(flagSet *pflag.FlagSet) (*Config, error) {
	configPath := ""
	if f := flagSet.Lookup("config"); f != nil {
		configPath = strings.TrimSpace(f.Value.String())
	}

	cfgViper := viper.New()
	if configPath != "" {
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	settings := cfgViper.AllSettings()

	cfg := Default()
	cfg.ConfigFile = configPath

	if err := applyConfigSettings(&cfg, settings); err != nil {
		return nil, err
	}

	if err := applyFlagOverrides(&cfg, flagSet); err != nil {
		return nil, err
	}

	if cfg.AuthToken == "" {
		cfg.AuthToken = strings.TrimSpace(os.Getenv(EnvAuthToken))
	}
	if cfg.RateLimit.RedisPassword == "" {
		cfg.RateLimit.RedisPassword = os.Getenv(EnvRedisPassword)
	}

	return &cfg, nil
}

// applyConfigSettings applies settings from a config file to the Config struct.
func applyConfigSettings(cfg *Config, settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}

	if raw, ok := lookupSetting(settings, "log_level", "loglevel", "log-level"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
		cfg.LogLevel = strings.TrimSpace(val)
	}

	if raw, ok := lookupSetting(settings, "log_format", "logformat", "log-format"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("log_format: %w", err)
		}
		cfg.LogFormat = strings.TrimSpace(val)
	}

	if raw, ok := lookupSetting(settings, "auth_token", "authtoken", "auth-token"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("auth_token: %w", err)
		}
		cfg.AuthToken = strings.TrimSpace(val)
	}

	if raw, ok := lookupSetting(settings, "allowed_origins", "allowedorigins", "allowed-origins"); ok {
		val, err := asStringSlice(raw)
		if err != nil {
			return fmt.Errorf("allowed_origins: %w", err)
		}
		cfg.AllowedOrigins = val
	}

	if raw, ok := lookupSetting(settings, "dashboard"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
		cfg.Dashboard = val
	}

	if raw, ok := lookupSetting(settings, "history_size", "historysize", "history-size"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("history_size: %w", err)
		}
		cfg.HistorySize = val
	}

	sections := []struct {
		keys  []string
		apply func(map[string]interface{}) error
	}{
		{[]string{"rate_limit", "ratelimit", "rate-limit"}, func(m map[string]interface{}) error { return applyRateLimitSettings(&cfg.RateLimit, m) }},
		{[]string{"http"}, func(m map[string]interface{}) error { return applyHTTPSettings(&cfg.HTTP, m) }},
		{[]string{"tcp"}, func(m map[string]interface{}) error { return applyTCPSettings(&cfg.TCP, m) }},
		{[]string{"websocket", "ws"}, func(m map[string]interface{}) error { return applyWebSocketSettings(&cfg.WebSocket, m) }},
		{[]string{"export"}, func(m map[string]interface{}) error { return applyExportSettings(&cfg.Export, m) }},
		{[]string{"tracing"}, func(m map[string]interface{}) error { return applyTracingSettings(&cfg.Tracing, m) }},
		{[]string{"input"}, func(m map[string]interface{}) error { return applyInputSettings(&cfg.Input, m) }},
	}
	for _, sec := range sections {
		raw, ok := lookupSetting(settings, sec.keys...)
		if !ok {
			continue
		}
		entry, err := toStringKeyMap(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", sec.keys[0], err)
		}
		if err := sec.apply(entry); err != nil {
			return fmt.Errorf("%s: %w", sec.keys[0], err)
		}
	}

	return nil
}

func applyInputSettings(in *InputConfig, settings map[string]interface{}) error {
	if raw, ok := lookupSetting(settings, "path"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("path: %w", err)
		}
		in.Path = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("rate: %w", err)
		}
		in.Rate = val
	}
	return nil
}

func applyRateLimitSettings(rl *RateLimitConfig, settings map[string]interface{}) error {
	if raw, ok := lookupSetting(settings, "requests"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("requests: %w", err)
		}
		rl.Requests = val
	}
	if raw, ok := lookupSetting(settings, "window"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("window: %w", err)
		}
		rl.Window = dur
	}
	if raw, ok := lookupSetting(settings, "redis_addr", "redisaddr", "redis-addr"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("redis_addr: %w", err)
		}
		rl.RedisAddr = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "redis_password", "redispassword", "redis-password"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("redis_password: %w", err)
		}
		rl.RedisPassword = val
	}
	if raw, ok := lookupSetting(settings, "redis_db", "redisdb", "redis-db"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("redis_db: %w", err)
		}
		rl.RedisDB = val
	}
	return nil
}

func applyHTTPSettings(h *HTTPConfig, settings map[string]interface{}) error {
	if raw, ok := lookupSetting(settings, "enabled"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("enabled: %w", err)
		}
		h.Enabled = val
	}
	if raw, ok := lookupSetting(settings, "bind"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("bind: %w", err)
		}
		h.Bind = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "port"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("port: %w", err)
		}
		h.Port = val
	}
	if raw, ok := lookupSetting(settings, "max_concurrent", "maxconcurrent", "max-concurrent"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("max_concurrent: %w", err)
		}
		h.MaxConcurrent = val
	}
	if raw, ok := lookupSetting(settings, "queue_capacity", "queuecapacity", "queue-capacity"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("queue_capacity: %w", err)
		}
		h.QueueCapacity = val
	}
	return nil
}

func applyTCPSettings(t *TCPConfig, settings map[string]interface{}) error {
	if raw, ok := lookupSetting(settings, "enabled"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("enabled: %w", err)
		}
		t.Enabled = val
	}
	if raw, ok := lookupSetting(settings, "bind"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("bind: %w", err)
		}
		t.Bind = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "port"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("port: %w", err)
		}
		t.Port = val
	}
	if raw, ok := lookupSetting(settings, "pipe_path", "pipepath", "pipe-path"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("pipe_path: %w", err)
		}
		t.PipePath = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "max_clients", "maxclients", "max-clients"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("max_clients: %w", err)
		}
		t.MaxClients = val
	}
	if raw, ok := lookupSetting(settings, "auth_timeout", "authtimeout", "auth-timeout"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("auth_timeout: %w", err)
		}
		t.AuthTimeout = dur
	}
	if raw, ok := lookupSetting(settings, "ipc_auth_timeout", "ipcauthtimeout", "ipc-auth-timeout"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("ipc_auth_timeout: %w", err)
		}
		t.IPCAuthTimeout = dur
	}
	if raw, ok := lookupSetting(settings, "command_rate", "commandrate", "command-rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("command_rate: %w", err)
		}
		t.CommandRate = val
	}
	if raw, ok := lookupSetting(settings, "auto_split_scenes", "autosplitscenes", "auto-split-scenes"); ok {
		val, err := asStringSlice(raw)
		if err != nil {
			return fmt.Errorf("auto_split_scenes: %w", err)
		}
		t.AutoSplitScenes = val
	}
	if raw, ok := lookupSetting(settings, "auto_split_on_boss_defeat", "autosplitonbossdefeat", "auto-split-on-boss-defeat"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("auto_split_on_boss_defeat: %w", err)
		}
		t.AutoSplitOnBossDefeat = val
	}
	return nil
}

func applyWebSocketSettings(ws *WebSocketConfig, settings map[string]interface{}) error {
	if raw, ok := lookupSetting(settings, "enabled"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("enabled: %w", err)
		}
		ws.Enabled = val
	}
	if raw, ok := lookupSetting(settings, "bind"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("bind: %w", err)
		}
		ws.Bind = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "port"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("port: %w", err)
		}
		ws.Port = val
	}
	if raw, ok := lookupSetting(settings, "path"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("path: %w", err)
		}
		ws.Path = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "ping_interval", "pinginterval", "ping-interval"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("ping_interval: %w", err)
		}
		ws.PingInterval = dur
	}
	if raw, ok := lookupSetting(settings, "ping_timeout", "pingtimeout", "ping-timeout"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("ping_timeout: %w", err)
		}
		ws.PingTimeout = dur
	}
	if raw, ok := lookupSetting(settings, "message_auth", "messageauth", "message-auth"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("message_auth: %w", err)
		}
		ws.MessageAuth = val
	}
	if raw, ok := lookupSetting(settings, "stream_lines", "streamlines", "stream-lines"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("stream_lines: %w", err)
		}
		ws.StreamLines = val
	}
	if raw, ok := lookupSetting(settings, "command_rate", "commandrate", "command-rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("command_rate: %w", err)
		}
		ws.CommandRate = val
	}
	if raw, ok := lookupSetting(settings, "scenes"); ok {
		scenes, err := asStringMap(raw)
		if err != nil {
			return fmt.Errorf("scenes: %w", err)
		}
		lowered := make(map[string]interface{}, len(scenes))
		for k, v := range scenes {
			lowered[strings.ToLower(strings.TrimSpace(k))] = v
		}
		if v, ok := lookupSetting(lowered, "gameplay"); ok {
			ws.Scenes.Gameplay, _ = asString(v)
		}
		if v, ok := lookupSetting(lowered, "boss_fight", "bossfight", "boss-fight"); ok {
			ws.Scenes.BossFight, _ = asString(v)
		}
		if v, ok := lookupSetting(lowered, "victory"); ok {
			ws.Scenes.Victory, _ = asString(v)
		}
		if v, ok := lookupSetting(lowered, "death"); ok {
			ws.Scenes.Death, _ = asString(v)
		}
	}
	return nil
}

func applyExportSettings(e *ExportConfig, settings map[string]interface{}) error {
	if raw, ok := lookupSetting(settings, "enabled"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("enabled: %w", err)
		}
		e.Enabled = val
	}
	if raw, ok := lookupSetting(settings, "directory", "dir"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("directory: %w", err)
		}
		e.Directory = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "csv"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("csv: %w", err)
		}
		e.CSV = val
	}
	if raw, ok := lookupSetting(settings, "ndjson"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("ndjson: %w", err)
		}
		e.NDJSON = val
	}
	if raw, ok := lookupSetting(settings, "max_file_size", "maxfilesize", "max-file-size"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("max_file_size: %w", err)
		}
		e.MaxFileSize = int64(val)
	}
	if raw, ok := lookupSetting(settings, "rotation_interval", "rotationinterval", "rotation-interval"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("rotation_interval: %w", err)
		}
		e.RotationInterval = dur
	}
	if raw, ok := lookupSetting(settings, "rotation_check_interval", "rotationcheckinterval", "rotation-check-interval"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("rotation_check_interval: %w", err)
		}
		e.RotationCheckInterval = dur
	}
	if raw, ok := lookupSetting(settings, "retention"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("retention: %w", err)
		}
		e.Retention = val
	}
	return nil
}

func applyTracingSettings(t *TracingConfig, settings map[string]interface{}) error {
	if raw, ok := lookupSetting(settings, "endpoint"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("endpoint: %w", err)
		}
		t.Endpoint = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "protocol"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("protocol: %w", err)
		}
		t.Protocol = strings.ToLower(strings.TrimSpace(val))
	}
	if raw, ok := lookupSetting(settings, "service_name", "servicename", "service-name"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("service_name: %w", err)
		}
		t.ServiceName = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(settings, "sample_rate", "samplerate", "sample-rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("sample_rate: %w", err)
		}
		t.SampleRate = val
	}
	if raw, ok := lookupSetting(settings, "insecure"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("insecure: %w", err)
		}
		t.Insecure = val
	}
	if raw, ok := lookupSetting(settings, "propagate"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("propagate: %w", err)
		}
		t.Propagate = &val
	}
	return nil
}
