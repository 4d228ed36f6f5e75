package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/torosent/metricbus/internal/config"
)

func TestParseFlagsDefaults(t *testing.T) {
	t.Setenv(config.EnvAuthToken, "")
	loader := config.NewLoader()

	cfg, err := loader.Load([]string{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !cfg.HTTP.Enabled || !cfg.TCP.Enabled || !cfg.WebSocket.Enabled || !cfg.Export.Enabled {
		t.Errorf("transports enabled = %v/%v/%v/%v, want all true", cfg.HTTP.Enabled, cfg.TCP.Enabled, cfg.WebSocket.Enabled, cfg.Export.Enabled)
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("HTTP.Port = %d, want 8080", cfg.HTTP.Port)
	}
	if cfg.TCP.Port != 16834 {
		t.Errorf("TCP.Port = %d, want 16834", cfg.TCP.Port)
	}
	if cfg.WebSocket.Port != 4455 {
		t.Errorf("WebSocket.Port = %d, want 4455", cfg.WebSocket.Port)
	}
	if cfg.HTTP.Bind != "127.0.0.1" {
		t.Errorf("HTTP.Bind = %q, want 127.0.0.1", cfg.HTTP.Bind)
	}
	if cfg.HTTP.QueueCapacity != 5000 {
		t.Errorf("HTTP.QueueCapacity = %d, want 5000", cfg.HTTP.QueueCapacity)
	}
	if cfg.TCP.MaxClients != 10 {
		t.Errorf("TCP.MaxClients = %d, want 10", cfg.TCP.MaxClients)
	}
	if cfg.WebSocket.PingInterval != 30*time.Second || cfg.WebSocket.PingTimeout != 10*time.Second {
		t.Errorf("ping = %s/%s, want 30s/10s", cfg.WebSocket.PingInterval, cfg.WebSocket.PingTimeout)
	}
	if cfg.Export.MaxFileSize != 10*1024*1024 {
		t.Errorf("Export.MaxFileSize = %d, want 10 MiB", cfg.Export.MaxFileSize)
	}
	if cfg.Export.RotationInterval != time.Hour {
		t.Errorf("Export.RotationInterval = %s, want 1h", cfg.Export.RotationInterval)
	}
	if cfg.AuthToken != "" {
		t.Errorf("AuthToken = %q, want empty", cfg.AuthToken)
	}
	if cfg.Tracing.Enabled() {
		t.Errorf("Tracing.Enabled() = true, want false")
	}
}

func TestLoadConfigFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{
		"log_level": "debug",
		"auth_token": "file-token",
		"allowed_origins": ["http://localhost:3000", "*.twitch.tv"],
		"http": {"port": 9090, "max_concurrent": 4},
		"tcp": {"enabled": false, "auto_split_scenes": ["Boss Arena"]},
		"websocket": {"ping_interval": "5s", "scenes": {"boss_fight": "Final Boss"}},
		"export": {"directory": "out", "csv": false, "max_file_size": 2048, "rotation_interval": "2h"}
	}`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load([]string{"--config", path, "--http-port", "9191"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ConfigFile != path {
		t.Errorf("ConfigFile = %q, want %q", cfg.ConfigFile, path)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.AuthToken != "file-token" {
		t.Errorf("AuthToken = %q, want file-token", cfg.AuthToken)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "*.twitch.tv" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.HTTP.Port != 9191 {
		t.Errorf("HTTP.Port = %d, want flag override 9191", cfg.HTTP.Port)
	}
	if cfg.HTTP.MaxConcurrent != 4 {
		t.Errorf("HTTP.MaxConcurrent = %d, want 4", cfg.HTTP.MaxConcurrent)
	}
	if cfg.TCP.Enabled {
		t.Errorf("TCP.Enabled = true, want false")
	}
	if len(cfg.TCP.AutoSplitScenes) != 1 || cfg.TCP.AutoSplitScenes[0] != "Boss Arena" {
		t.Errorf("TCP.AutoSplitScenes = %v", cfg.TCP.AutoSplitScenes)
	}
	if cfg.WebSocket.PingInterval != 5*time.Second {
		t.Errorf("WebSocket.PingInterval = %s, want 5s", cfg.WebSocket.PingInterval)
	}
	if cfg.WebSocket.Scenes.BossFight != "Final Boss" {
		t.Errorf("Scenes.BossFight = %q, want Final Boss", cfg.WebSocket.Scenes.BossFight)
	}
	if cfg.WebSocket.Scenes.Gameplay != "Gameplay" {
		t.Errorf("Scenes.Gameplay = %q, want default Gameplay", cfg.WebSocket.Scenes.Gameplay)
	}
	if cfg.Export.Directory != "out" || cfg.Export.CSV || !cfg.Export.NDJSON {
		t.Errorf("Export = %+v", cfg.Export)
	}
	if cfg.Export.MaxFileSize != 2048 || cfg.Export.RotationInterval != 2*time.Hour {
		t.Errorf("Export rotation = %d/%s", cfg.Export.MaxFileSize, cfg.Export.RotationInterval)
	}
}

func TestLoadConfigFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(`
rate_limit:
  requests: 30
  window: 10s
tcp:
  port: 17000
  pipe_path: /tmp/metricbus.sock
  auth_timeout: 2s
tracing:
  endpoint: localhost:4317
  sample_rate: 0.5
input:
  path: session.ndjson
  rate: 20
`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := config.NewLoader().Load([]string{"--config", path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RateLimit.Requests != 30 || cfg.RateLimit.Window != 10*time.Second {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.TCP.Port != 17000 || cfg.TCP.PipePath != "/tmp/metricbus.sock" || cfg.TCP.AuthTimeout != 2*time.Second {
		t.Errorf("TCP = %+v", cfg.TCP)
	}
	if !cfg.Tracing.Enabled() || cfg.Tracing.SampleRate != 0.5 {
		t.Errorf("Tracing = %+v", cfg.Tracing)
	}
	if !cfg.Tracing.ShouldPropagate() {
		t.Errorf("ShouldPropagate() = false, want default true when enabled")
	}
	if cfg.Input.Path != "session.ndjson" || cfg.Input.Rate != 20 {
		t.Errorf("Input = %+v", cfg.Input)
	}
}

func TestLoadConfigFileTypeError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("http:\n  port: eighty\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	_, err := config.NewLoader().Load([]string{"--config", path})
	if err == nil {
		t.Fatal("Load() error = nil, want port parse error")
	}
	if !strings.Contains(err.Error(), "http: port") {
		t.Errorf("error = %q, want it to name http: port", err)
	}
}

func TestAuthTokenFromEnvironment(t *testing.T) {
	t.Setenv(config.EnvAuthToken, "env-token")
	cfg, err := config.NewLoader().Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AuthToken != "env-token" {
		t.Errorf("AuthToken = %q, want env-token", cfg.AuthToken)
	}

	cfg, err = config.NewLoader().Load([]string{"--auth-token", "flag-token"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AuthToken != "flag-token" {
		t.Errorf("AuthToken = %q, want flag-token to win over env", cfg.AuthToken)
	}
}

func TestLoadHelp(t *testing.T) {
	_, err := config.NewLoader().Load([]string{"--help"})
	if !errors.Is(err, config.ErrHelpRequested) {
		t.Fatalf("Load(--help) error = %v, want ErrHelpRequested", err)
	}
}

func TestNormalizeClamps(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Port = 70000
	cfg.TCP.Bind = "not-an-ip"
	cfg.Export.MaxFileSize = 10
	cfg.Export.RotationInterval = 5 * time.Second
	cfg.WebSocket.Scenes.Victory = " "
	cfg.Tracing.SampleRate = 3

	warnings := cfg.Normalize()

	if cfg.HTTP.Port != config.DefaultHTTPPort {
		t.Errorf("HTTP.Port = %d, want %d", cfg.HTTP.Port, config.DefaultHTTPPort)
	}
	if cfg.TCP.Bind != config.DefaultBind {
		t.Errorf("TCP.Bind = %q, want %q", cfg.TCP.Bind, config.DefaultBind)
	}
	if cfg.Export.MaxFileSize != config.MinMaxFileSize {
		t.Errorf("MaxFileSize = %d, want %d", cfg.Export.MaxFileSize, config.MinMaxFileSize)
	}
	if cfg.Export.RotationInterval != config.MinRotationInterval {
		t.Errorf("RotationInterval = %s, want %s", cfg.Export.RotationInterval, config.MinRotationInterval)
	}
	if cfg.WebSocket.Scenes.Victory != "Victory" {
		t.Errorf("Scenes.Victory = %q, want Victory", cfg.WebSocket.Scenes.Victory)
	}
	if cfg.Tracing.SampleRate != 1 {
		t.Errorf("SampleRate = %g, want 1", cfg.Tracing.SampleRate)
	}
	if len(warnings) != 5 {
		t.Errorf("warnings = %d (%v), want 5", len(warnings), warnings)
	}
}

func TestNormalizeUpperBounds(t *testing.T) {
	cfg := config.Default()
	cfg.Export.MaxFileSize = 2 * config.MaxMaxFileSize
	cfg.Export.RotationInterval = 48 * time.Hour
	cfg.Normalize()
	if cfg.Export.MaxFileSize != config.MaxMaxFileSize {
		t.Errorf("MaxFileSize = %d, want %d", cfg.Export.MaxFileSize, config.MaxMaxFileSize)
	}
	if cfg.Export.RotationInterval != config.MaxRotationInterval {
		t.Errorf("RotationInterval = %s, want %s", cfg.Export.RotationInterval, config.MaxRotationInterval)
	}
}

func TestNormalizeDefaultsAreStable(t *testing.T) {
	cfg := config.Default()
	if warnings := cfg.Normalize(); len(warnings) != 0 {
		t.Errorf("Normalize(Default()) warnings = %v, want none", warnings)
	}
}

func TestConfigValidationErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   []string
	}{
		{
			name: "nothing enabled",
			mutate: func(c *config.Config) {
				c.HTTP.Enabled = false
				c.TCP.Enabled = false
				c.WebSocket.Enabled = false
				c.Export.Enabled = false
			},
			want: []string{"at least one"},
		},
		{
			name: "port clash",
			mutate: func(c *config.Config) {
				c.TCP.Port = c.HTTP.Port
			},
			want: []string{"http and tcp"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			cfg.Normalize()
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() error = nil, want error")
			}
			var verr config.ValidationError
			if !errors.As(err, &verr) || len(verr.Issues()) == 0 {
				t.Fatalf("Validate() error = %T, want ValidationError with issues", err)
			}
			for _, want := range tc.want {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("Validate() error %q missing %q", err.Error(), want)
				}
			}
		})
	}
}

func TestEphemeralPortsDoNotClash(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Port = 0
	cfg.TCP.Port = 0
	cfg.WebSocket.Port = 0
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
