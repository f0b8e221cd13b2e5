package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  port: 9090
  host: "0.0.0.0"
  allowed_origins:
    - "http://observatory.local"
nina:
  url: "ws://10.0.0.5:1888/v2/socket"
  api_url: "http://10.0.0.5:1888"
  idle_timeout: 45s
monitor:
  grace_period: 5m
  guide_history: 500
poll:
  devices: [camera, mount]
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://observatory.local" {
		t.Errorf("Server.AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Nina.URL != "ws://10.0.0.5:1888/v2/socket" {
		t.Errorf("Nina.URL = %q", cfg.Nina.URL)
	}
	if cfg.Nina.IdleTimeout != 45*time.Second {
		t.Errorf("Nina.IdleTimeout = %v, want 45s", cfg.Nina.IdleTimeout)
	}
	if cfg.Monitor.GracePeriod != 5*time.Minute {
		t.Errorf("Monitor.GracePeriod = %v, want 5m", cfg.Monitor.GracePeriod)
	}
	if cfg.Monitor.GuideHistory != 500 {
		t.Errorf("Monitor.GuideHistory = %d, want 500", cfg.Monitor.GuideHistory)
	}
	if got := strings.Join(cfg.Poll.Devices, ","); got != "camera,mount" {
		t.Errorf("Poll.Devices = %q, want camera,mount", got)
	}

	// Defaults should still be applied for unspecified fields.
	if cfg.Monitor.BroadcastThrottle != 100*time.Millisecond {
		t.Errorf("Monitor.BroadcastThrottle = %v, want default 100ms", cfg.Monitor.BroadcastThrottle)
	}
	if cfg.Nina.ReconnectMax != 30*time.Second {
		t.Errorf("Nina.ReconnectMax = %v, want default 30s", cfg.Nina.ReconnectMax)
	}
	if cfg.Monitor.ImageHistory != 50 {
		t.Errorf("Monitor.ImageHistory = %d, want default 50", cfg.Monitor.ImageHistory)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() on missing file should return error")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want default %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Monitor.GuideHistory != 300 {
		t.Errorf("Monitor.GuideHistory = %d, want default 300", cfg.Monitor.GuideHistory)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(cfgPath, []byte(":::not valid yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgPath)
	if err == nil {
		t.Fatal("Load() with invalid YAML should return error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"http stream url", func(c *Config) { c.Nina.URL = "http://host/v2/socket" }, "nina.url"},
		{"ws api url", func(c *Config) { c.Nina.APIURL = "ws://host" }, "nina.api_url"},
		{"mock skips urls", func(c *Config) { c.Mock.Enabled = true; c.Nina.URL = "" }, ""},
		{"zero grace", func(c *Config) { c.Monitor.GracePeriod = 0 }, "monitor.grace_period"},
		{"max below base", func(c *Config) { c.Nina.ReconnectMax = time.Millisecond }, "reconnect_max"},
		{"zero guide history", func(c *Config) { c.Monitor.GuideHistory = 0 }, "guide_history"},
		{"zero queue", func(c *Config) { c.Monitor.QueueSize = 0 }, "queue_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestGenerateToken(t *testing.T) {
	tok, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error: %v", err)
	}
	if len(tok) != 32 { // 16 bytes = 32 hex chars
		t.Errorf("token length = %d, want 32", len(tok))
	}

	tok2, _ := GenerateToken()
	if tok == tok2 {
		t.Error("two generated tokens should not be identical")
	}
}

func TestDiffNoChanges(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if changes := Diff(a, b); len(changes) != 0 {
		t.Errorf("Diff of identical configs = %v, want empty", changes)
	}
}

func TestDiffDetectsChanges(t *testing.T) {
	old := defaultConfig()
	next := defaultConfig()
	next.Monitor.GracePeriod = 10 * time.Minute
	next.Poll.Devices = []string{"camera"}

	found := map[string]bool{}
	for _, c := range Diff(old, next) {
		found[c] = true
	}

	want := []string{
		"monitor.grace_period: 2m0s → 10m0s",
		"poll.devices: [camera filterwheel focuser mount rotator safetymonitor guider guidergraph] → [camera]",
	}
	for _, w := range want {
		if !found[w] {
			t.Errorf("Missing expected change: %q\nGot: %v", w, found)
		}
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("monitor:\n  grace_period: 1m\n"), 0644); err != nil {
		t.Fatal(err)
	}
	current, err := Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan []string, 1)
	go Watch(ctx, cfgPath, current, func(_ *Config, changes []string) {
		select {
		case got <- changes:
		default:
		}
	})

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(cfgPath, []byte("monitor:\n  grace_period: 3m\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case changes := <-got:
		if len(changes) != 1 || changes[0] != "monitor.grace_period: 1m0s → 3m0s" {
			t.Errorf("changes = %v", changes)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}
