package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Nina    NinaConfig    `yaml:"nina"`
	Monitor MonitorConfig `yaml:"monitor"`
	Poll    PollConfig    `yaml:"poll"`
	History HistoryConfig `yaml:"history"`
	System  SystemConfig  `yaml:"system"`
	Mock    MockConfig    `yaml:"mock"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// NinaConfig locates the automation tool. URL is the event socket; APIURL
// is the REST base used by the poller.
type NinaConfig struct {
	URL            string        `yaml:"url"`
	APIURL         string        `yaml:"api_url"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	ReconnectBase  time.Duration `yaml:"reconnect_base"`
	ReconnectMax   time.Duration `yaml:"reconnect_max"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type MonitorConfig struct {
	QueueSize         int           `yaml:"queue_size"`
	GracePeriod       time.Duration `yaml:"grace_period"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	MaxSubscribers    int           `yaml:"max_subscribers"`
	GuideHistory      int           `yaml:"guide_history"`
	ImageHistory      int           `yaml:"image_history"`
}

// PollConfig drives the REST fallback used while the event socket is down.
type PollConfig struct {
	Interval         time.Duration `yaml:"interval"`
	StartAfter       time.Duration `yaml:"start_after"`
	Devices          []string      `yaml:"devices"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

type HistoryConfig struct {
	Path string `yaml:"path"`
}

type SystemConfig struct {
	Interval time.Duration `yaml:"interval"`
	DiskPath string        `yaml:"disk_path"`
}

// MockConfig replaces the automation tool with the built-in simulator.
type MockConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Nina: NinaConfig{
			URL:            "ws://127.0.0.1:1888/v2/socket",
			APIURL:         "http://127.0.0.1:1888",
			IdleTimeout:    60 * time.Second,
			ReconnectBase:  time.Second,
			ReconnectMax:   30 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
		Monitor: MonitorConfig{
			QueueSize:         1024,
			GracePeriod:       2 * time.Minute,
			BroadcastThrottle: 100 * time.Millisecond,
			SnapshotInterval:  30 * time.Second,
			GuideHistory:      300,
			ImageHistory:      50,
		},
		Poll: PollConfig{
			Interval:         10 * time.Second,
			StartAfter:       15 * time.Second,
			Devices:          []string{"camera", "filterwheel", "focuser", "mount", "rotator", "safetymonitor", "guider", "guidergraph"},
			FailureThreshold: 3,
		},
		History: HistoryConfig{
			Path: defaultHistoryPath(),
		},
		System: SystemConfig{
			Interval: 5 * time.Second,
			DiskPath: "/",
		},
		Mock: MockConfig{
			Interval: 2 * time.Second,
		},
	}
}

func defaultHistoryPath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "astro-monitor", "history.db")
	}
	return "history.db"
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads path and layers it over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if !c.Mock.Enabled {
		if err := checkURL("nina.url", c.Nina.URL, "ws", "wss"); err != nil {
			errs = append(errs, err)
		}
		if err := checkURL("nina.api_url", c.Nina.APIURL, "http", "https"); err != nil {
			errs = append(errs, err)
		}
	}
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"nina.idle_timeout", c.Nina.IdleTimeout},
		{"nina.reconnect_base", c.Nina.ReconnectBase},
		{"nina.request_timeout", c.Nina.RequestTimeout},
		{"monitor.grace_period", c.Monitor.GracePeriod},
		{"monitor.broadcast_throttle", c.Monitor.BroadcastThrottle},
		{"monitor.snapshot_interval", c.Monitor.SnapshotInterval},
		{"poll.interval", c.Poll.Interval},
		{"system.interval", c.System.Interval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", p.name, p.d))
		}
	}
	if c.Nina.ReconnectMax < c.Nina.ReconnectBase {
		errs = append(errs, fmt.Errorf("nina.reconnect_max %v below reconnect_base %v", c.Nina.ReconnectMax, c.Nina.ReconnectBase))
	}
	if c.Poll.StartAfter < 0 {
		errs = append(errs, fmt.Errorf("poll.start_after must not be negative"))
	}
	if c.Monitor.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("monitor.queue_size must be at least 1"))
	}
	if c.Monitor.GuideHistory < 1 || c.Monitor.ImageHistory < 1 {
		errs = append(errs, fmt.Errorf("monitor.guide_history and monitor.image_history must be at least 1"))
	}
	if c.Monitor.MaxSubscribers < 0 {
		errs = append(errs, fmt.Errorf("monitor.max_subscribers must not be negative"))
	}
	return errors.Join(errs...)
}

func checkURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if !slices.Contains(schemes, u.Scheme) || u.Host == "" {
		return fmt.Errorf("%s %q must be a %v URL", field, raw, schemes)
	}
	return nil
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GenerateToken returns a random 128-bit hex token for server.auth_token.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Diff lists human-readable changes between two configs, for logging
// reloads. Only settings that can change at runtime are compared.
func Diff(old, next *Config) []string {
	var changes []string
	add := func(name string, a, b any) {
		if fmt.Sprint(a) != fmt.Sprint(b) {
			changes = append(changes, fmt.Sprintf("%s: %v → %v", name, a, b))
		}
	}
	add("monitor.grace_period", old.Monitor.GracePeriod, next.Monitor.GracePeriod)
	add("monitor.broadcast_throttle", old.Monitor.BroadcastThrottle, next.Monitor.BroadcastThrottle)
	add("monitor.snapshot_interval", old.Monitor.SnapshotInterval, next.Monitor.SnapshotInterval)
	add("poll.interval", old.Poll.Interval, next.Poll.Interval)
	add("poll.start_after", old.Poll.StartAfter, next.Poll.StartAfter)
	add("poll.devices", old.Poll.Devices, next.Poll.Devices)
	add("poll.failure_threshold", old.Poll.FailureThreshold, next.Poll.FailureThreshold)
	add("system.interval", old.System.Interval, next.System.Interval)
	return changes
}
