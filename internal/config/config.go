// Package config loads crewpilot's user preferences from
// $CREWPILOT_HOME/config.toml (default ~/.crewpilot/config.toml).
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	dark "github.com/thiagokokada/dark-mode-go"
)

// FileName is the TOML config file inside Dir().
const FileName = "config.toml"

// HomeEnv overrides the crewpilot home directory.
const HomeEnv = "CREWPILOT_HOME"

// Config represents user-facing configuration in TOML format
type Config struct {
	// Theme sets the color scheme: "dark" (default), "light", or "system"
	Theme string `toml:"theme"`

	Watch   WatchSettings   `toml:"watch"`
	Monitor MonitorSettings `toml:"monitor"`
	Search  SearchSettings  `toml:"search"`
	Tmux    TmuxSettings    `toml:"tmux"`
	Logs    LogSettings     `toml:"logs"`
	Push    PushSettings    `toml:"push"`
	Metrics MetricsSettings `toml:"metrics"`
	History HistorySettings `toml:"history"`

	Detection DetectionSettings `toml:"detection"`
}

// WatchSettings configures the watch loop.
type WatchSettings struct {
	// IntervalSeconds between cycles (default: 5)
	IntervalSeconds int `toml:"interval_seconds"`

	// RateLimitMinutes is the per-(kind, pane) notification window (default: 5)
	RateLimitMinutes int `toml:"rate_limit_minutes"`

	// Notify is the delivery method: desktop, log, both, push, all (default: desktop)
	Notify string `toml:"notify"`

	// CaptureLines is how many trailing pane lines are captured (default: 50)
	CaptureLines int `toml:"capture_lines"`

	// LogFile for the log sink, relative to the project (default: .team-config/watch-notifications.log)
	LogFile string `toml:"log_file"`
}

// MonitorSettings configures the stuck/dead monitor loop.
type MonitorSettings struct {
	IntervalSeconds int    `toml:"interval_seconds"`
	Notify          string `toml:"notify"`

	// StuckThreshold is the consecutive unchanged cycles before a working pane is stuck (default: 3)
	StuckThreshold int `toml:"stuck_threshold"`

	// FrozenThreshold is the consecutive unchanged cycles before it is frozen (default: 6)
	FrozenThreshold int `toml:"frozen_threshold"`
}

// SearchSettings configures memory search defaults.
type SearchSettings struct {
	Limit int  `toml:"limit"`
	Fuzzy bool `toml:"fuzzy"`
}

// TmuxSettings configures the tmux client.
type TmuxSettings struct {
	// Binary is the tmux executable (default: "tmux")
	Binary string `toml:"binary"`

	// CaptureTimeoutMS bounds a single capture-pane call (default: 3000)
	CaptureTimeoutMS int `toml:"capture_timeout_ms"`
}

// LogSettings configures the structured debug log.
type LogSettings struct {
	// Debug enables logging for one-shot commands too
	Debug bool `toml:"debug"`

	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`

	// RingLines is how many recent log records are kept for crash dumps (default: 2000)
	RingLines int `toml:"ring_lines"`
}

// PushSettings configures the web-push sink.
type PushSettings struct {
	// Subject is the VAPID subscriber (mailto: or https: URL)
	Subject string `toml:"subject"`

	// KeysPath holds the generated VAPID key pair (default: ~/.crewpilot/vapid-keys.json)
	KeysPath string `toml:"keys_path"`
}

// MetricsSettings configures the Prometheus endpoint.
type MetricsSettings struct {
	// Listen address such as ":9464". Empty disables the endpoint.
	Listen string `toml:"listen"`
}

// HistorySettings configures the SQLite transition history.
type HistorySettings struct {
	// Enabled defaults to true when unset
	Enabled *bool `toml:"enabled"`

	// Path of the database (default: ~/.crewpilot/state.db)
	Path string `toml:"path"`
}

// DetectionSettings extends the built-in classifier tables. Entries are
// appended to the defaults, never replacing them.
type DetectionSettings struct {
	ErrorPatterns       []string `toml:"error_patterns"`
	QuestionPatterns    []string `toml:"question_patterns"`
	ShellPromptPatterns []string `toml:"shell_prompt_patterns"`
	WorkingVerbs        []string `toml:"working_verbs"`
	AgentMarkers        []string `toml:"agent_markers"`
}

// Empty reports whether no extra pattern is configured.
func (d DetectionSettings) Empty() bool {
	return len(d.ErrorPatterns)+len(d.QuestionPatterns)+len(d.ShellPromptPatterns)+
		len(d.WorkingVerbs)+len(d.AgentMarkers) == 0
}

var defaultConfig = Config{Theme: "dark"}

// Cache for the config (loaded once per process)
var (
	configCache   *Config
	configCacheMu sync.RWMutex
)

// Dir returns the crewpilot home directory.
func Dir() (string, error) {
	if d := os.Getenv(HomeEnv); d != "" {
		return d, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".crewpilot"), nil
}

// Path returns the path to the config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load loads the configuration, returning the cached value after the first call.
// A parse error still returns usable defaults alongside the error.
func Load() (*Config, error) {
	configCacheMu.RLock()
	if configCache != nil {
		defer configCacheMu.RUnlock()
		return configCache, nil
	}
	configCacheMu.RUnlock()

	configCacheMu.Lock()
	defer configCacheMu.Unlock()

	if configCache != nil {
		return configCache, nil
	}

	path, err := Path()
	if err != nil {
		c := defaultConfig
		configCache = &c
		return configCache, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		c := defaultConfig
		configCache = &c
		return configCache, nil
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		// Cache defaults so the parse is not retried on every call.
		c := defaultConfig
		configCache = &c
		return configCache, fmt.Errorf("config.toml parse error: %w", err)
	}
	configCache = &cfg
	return configCache, nil
}

// Reload forces a fresh read of config.toml.
func Reload() (*Config, error) {
	ClearCache()
	return Load()
}

// ClearCache drops the cached config; the next Load reads from disk.
func ClearCache() {
	configCacheMu.Lock()
	configCache = nil
	configCacheMu.Unlock()
}

// Save writes cfg to config.toml with a temp file, fsync and rename.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# Crewpilot Configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	_ = syncFile(tmpPath)
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize config save: %w", err)
	}

	ClearCache()
	return nil
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// ResolveTheme resolves the configured theme to "dark" or "light".
// "system" asks the OS; detection failure falls back to dark.
func (c *Config) ResolveTheme() string {
	switch c.Theme {
	case "light":
		return "light"
	case "system":
		isDark, err := detectDark()
		if err != nil || isDark {
			return "dark"
		}
		return "light"
	default:
		return "dark"
	}
}

// detectDark is swapped in tests.
var detectDark = dark.IsDarkMode

// WatchInterval returns the watch cycle interval with defaults applied.
func (c *Config) WatchInterval() time.Duration {
	return secondsOr(c.Watch.IntervalSeconds, 5)
}

// WatchRateLimit returns the notification window. A negative value disables limiting.
func (c *Config) WatchRateLimit() time.Duration {
	switch m := c.Watch.RateLimitMinutes; {
	case m < 0:
		return 0
	case m == 0:
		return 5 * time.Minute
	default:
		return time.Duration(m) * time.Minute
	}
}

// WatchNotify returns the watch delivery method.
func (c *Config) WatchNotify() string {
	return stringOr(c.Watch.Notify, "desktop")
}

// CaptureLines returns how many pane lines to capture.
func (c *Config) CaptureLines() int {
	return intOr(c.Watch.CaptureLines, 50)
}

// WatchLogFile returns the log sink path relative to the project.
func (c *Config) WatchLogFile() string {
	return stringOr(c.Watch.LogFile, filepath.Join(".team-config", "watch-notifications.log"))
}

// MonitorInterval returns the monitor cycle interval.
func (c *Config) MonitorInterval() time.Duration {
	return secondsOr(c.Monitor.IntervalSeconds, 30)
}

// MonitorNotify returns the monitor delivery method.
func (c *Config) MonitorNotify() string {
	return stringOr(c.Monitor.Notify, "both")
}

// StuckThresholds returns the stuck and frozen cycle counts.
func (c *Config) StuckThresholds() (stuck, frozen int) {
	stuck = intOr(c.Monitor.StuckThreshold, 3)
	frozen = intOr(c.Monitor.FrozenThreshold, 6)
	if frozen < stuck {
		frozen = stuck
	}
	return stuck, frozen
}

// SearchLimit returns the default number of result files.
func (c *Config) SearchLimit() int {
	return intOr(c.Search.Limit, 20)
}

// TmuxBinary returns the tmux executable name.
func (c *Config) TmuxBinary() string {
	return stringOr(c.Tmux.Binary, "tmux")
}

// CaptureTimeout bounds one capture-pane call.
func (c *Config) CaptureTimeout() time.Duration {
	return time.Duration(intOr(c.Tmux.CaptureTimeoutMS, 3000)) * time.Millisecond
}

// PushSubject returns the VAPID subscriber.
func (c *Config) PushSubject() string {
	return stringOr(c.Push.Subject, "mailto:crewpilot@localhost")
}

// PushKeysPath returns where VAPID keys are stored.
func (c *Config) PushKeysPath() string {
	if c.Push.KeysPath != "" {
		return c.Push.KeysPath
	}
	dir, err := Dir()
	if err != nil {
		return "vapid-keys.json"
	}
	return filepath.Join(dir, "vapid-keys.json")
}

// HistoryEnabled reports whether transitions are recorded (default true).
func (c *Config) HistoryEnabled() bool {
	return c.History.Enabled == nil || *c.History.Enabled
}

// HistoryPath returns the state database path.
func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	dir, err := Dir()
	if err != nil {
		return "state.db"
	}
	return filepath.Join(dir, "state.db")
}

func secondsOr(v, def int) time.Duration {
	return time.Duration(intOr(v, def)) * time.Second
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func stringOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
