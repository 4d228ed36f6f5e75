package main

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/torosent/metricbus/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigCommandPrintsEffectiveYAML(t *testing.T) {
	out, err := execute(t, "config", "--http-port", "9090", "--auth-token", "hunter2", "--ws-ping-interval", "45s")
	if err != nil {
		t.Fatalf("config command error = %v", err)
	}
	if strings.Contains(out, "hunter2") {
		t.Fatalf("config output leaks the auth token:\n%s", out)
	}
	if !strings.Contains(out, "<redacted>") {
		t.Errorf("config output does not mark the token as redacted:\n%s", out)
	}

	var cfg config.Config
	if err := yaml.Unmarshal([]byte(out), &cfg); err != nil {
		t.Fatalf("output is not valid YAML: %v\n%s", err, out)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("http.port = %d, want 9090", cfg.HTTP.Port)
	}
	if cfg.WebSocket.PingInterval != 45*time.Second {
		t.Errorf("websocket.ping_interval = %v, want 45s", cfg.WebSocket.PingInterval)
	}
	if cfg.TCP.Port != config.DefaultTCPPort {
		t.Errorf("tcp.port = %d, want default %d", cfg.TCP.Port, config.DefaultTCPPort)
	}
}

func TestConfigCommandReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metricbus.yaml")
	content := "http:\n  port: 8181\nexport:\n  enabled: false\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	out, err := execute(t, "config", "--config", path, "--http-port", "8282")
	if err != nil {
		t.Fatalf("config command error = %v", err)
	}
	var cfg config.Config
	if err := yaml.Unmarshal([]byte(out), &cfg); err != nil {
		t.Fatalf("output is not valid YAML: %v", err)
	}
	if cfg.HTTP.Port != 8282 {
		t.Errorf("http.port = %d, want the flag value 8282", cfg.HTTP.Port)
	}
	if cfg.Export.Enabled {
		t.Error("export.enabled = true, want false from the config file")
	}
}

func TestConfigCommandRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"nothing enabled", []string{"config", "--http=false", "--tcp=false", "--websocket=false", "--export=false"}},
		{"port clash", []string{"config", "--http-port", "7000", "--tcp-port", "7000"}},
		{"missing file", []string{"config", "--config", "/nonexistent/metricbus.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, tt.args...); err == nil {
				t.Fatal("execute() error = nil, want error")
			}
		})
	}
}

func TestServeRejectsArguments(t *testing.T) {
	if _, err := execute(t, "serve", "extra"); err == nil {
		t.Fatal("serve with positional argument error = nil, want error")
	}
}

func TestTransportsMap(t *testing.T) {
	cfg := config.Default()
	cfg.TCP.Enabled = false
	got := transports(&cfg)
	want := map[string]bool{"http": true, "tcp": false, "websocket": true, "file_export": true}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("transports[%q] = %v, want %v", k, got[k], v)
		}
	}
}

func TestRateLimiterSelection(t *testing.T) {
	rl, err := newRateLimiter(config.RateLimitConfig{Requests: 0}, nil)
	if err != nil {
		t.Fatalf("newRateLimiter() error = %v", err)
	}
	for i := 0; i < 1000; i++ {
		if !rl.Allow("ip:1.2.3.4").Allowed {
			t.Fatal("disabled limiter denied a request")
		}
	}
	rl.Close()

	rl, err = newRateLimiter(config.RateLimitConfig{Requests: 2, Window: time.Minute}, nil)
	if err != nil {
		t.Fatalf("newRateLimiter() error = %v", err)
	}
	defer rl.Close()
	rl.Allow("k")
	rl.Allow("k")
	if rl.Allow("k").Allowed {
		t.Error("memory limiter allowed a third request in the window")
	}
}

func TestServeReplaysInputIntoSinks(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "run.ndjson")
	lines := `{"timestamp":"2024-05-01T12:00:00Z","event_type":"player_update","data":{"health":5}}
{"timestamp":"2024-05-01T12:00:01Z","event_type":"scene_transition","data":{"scene_name":"Bonetown"}}
{"timestamp":"2024-05-01T12:00:02Z","event_type":"boss_event","data":{"boss_name":"Lace"}}
`
	if err := os.WriteFile(input, []byte(lines), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg := config.Default()
	cfg.HTTP.Port = 0
	cfg.TCP.Port = 0
	cfg.WebSocket.Port = 0
	cfg.Export.Directory = filepath.Join(dir, "export")
	cfg.Export.CSV = false
	cfg.Input.Path = input
	warnings := cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	var out bytes.Buffer
	if err := runServe(ctx, &cfg, warnings, &out, io.Discard); err != nil {
		t.Fatalf("runServe() error = %v", err)
	}

	report := out.String()
	for _, want := range []string{"--- Metric Bus Summary ---", "Published:         3", "Dropped:           0", "  - export: delivered=3", "  - history: delivered=3"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}

	var exported int
	err := filepath.WalkDir(cfg.Export.Directory, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".ndjson" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		exported += strings.Count(string(data), "\n")
		return nil
	})
	if err != nil {
		t.Fatalf("WalkDir() error = %v", err)
	}
	if exported != 3 {
		t.Errorf("exported %d lines, want 3", exported)
	}
}

func TestServeFailsOnMissingInput(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Enabled = false
	cfg.TCP.Enabled = false
	cfg.WebSocket.Enabled = false
	cfg.Export.Directory = t.TempDir()
	cfg.Input.Path = filepath.Join(t.TempDir(), "missing.ndjson")
	cfg.Normalize()

	if err := runServe(context.Background(), &cfg, nil, io.Discard, io.Discard); err == nil {
		t.Fatal("runServe() with missing input error = nil, want error")
	}
}
