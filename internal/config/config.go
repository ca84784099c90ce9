package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Duration is a time.Duration that reads "1.5s" style strings from JSON and env.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON writes the duration in its string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\" or integer nanoseconds")
	}
	*d = Duration(n)
	return nil
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds application configuration.
type Config struct {
	// AppID and AppHash identify this client application to Telegram (my.telegram.org).
	AppID   int    `json:"app_id" env:"COURIER_APP_ID"`
	AppHash string `json:"app_hash" env:"COURIER_APP_HASH"`

	// DeviceModel is reported to the platform and shown in the account's active sessions.
	DeviceModel string `json:"device_model,omitempty" env:"COURIER_DEVICE_MODEL"`

	// ListenAddr is the host:port the RPC server binds to.
	ListenAddr string `json:"listen_addr" env:"COURIER_LISTEN_ADDR"`

	// ConsoleDir, when set, is served at / (pre-built console assets).
	ConsoleDir string `json:"console_dir,omitempty" env:"COURIER_CONSOLE_DIR"`

	CORSAllowOrigin string `json:"cors_allow_origin,omitempty" env:"COURIER_CORS_ALLOW_ORIGIN"`

	// MCPEnabled mounts the MCP streamable HTTP endpoint at /mcp.
	MCPEnabled bool `json:"mcp_enabled,omitempty" env:"COURIER_MCP_ENABLED"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty" env:"COURIER_DISABLED_TOOLS" envSeparator:","`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use sql.DB default (unlimited).
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// DialogsLimit caps how many conversations a directory sync fetches.
	DialogsLimit          int      `json:"dialogs_limit" env:"COURIER_DIALOGS_LIMIT"`
	DirectorySyncInterval Duration `json:"directory_sync_interval" env:"COURIER_DIRECTORY_SYNC_INTERVAL"`

	RelayWorkers       int      `json:"relay_workers" env:"COURIER_RELAY_WORKERS"`
	RelayQueueCapacity int      `json:"relay_queue_capacity" env:"COURIER_RELAY_QUEUE_CAPACITY"`
	RelayMaxAttempts   int      `json:"relay_max_attempts" env:"COURIER_RELAY_MAX_ATTEMPTS"`
	RelayBaseBackoff   Duration `json:"relay_base_backoff" env:"COURIER_RELAY_BASE_BACKOFF"`
	RelayMaxBackoff    Duration `json:"relay_max_backoff" env:"COURIER_RELAY_MAX_BACKOFF"`
	RelayTimeout       Duration `json:"relay_timeout" env:"COURIER_RELAY_TIMEOUT"`

	// RelayRatePerSecond limits relay calls process-wide. 0 disables the limiter.
	RelayRatePerSecond float64 `json:"relay_rate_per_second" env:"COURIER_RELAY_RATE_PER_SECOND"`
	RelayRateBurst     int     `json:"relay_rate_burst" env:"COURIER_RELAY_RATE_BURST"`

	// DedupWindow is how long relayed (rule, message) pairs are remembered. 0 disables dedup.
	DedupWindow Duration `json:"dedup_window" env:"COURIER_DEDUP_WINDOW"`

	ResubscribeBaseBackoff Duration `json:"resubscribe_base_backoff" env:"COURIER_RESUBSCRIBE_BASE_BACKOFF"`
	ResubscribeMaxBackoff  Duration `json:"resubscribe_max_backoff" env:"COURIER_RESUBSCRIBE_MAX_BACKOFF"`

	// ShutdownGrace bounds how long in-flight relays may run after shutdown starts.
	ShutdownGrace Duration `json:"shutdown_grace" env:"COURIER_SHUTDOWN_GRACE"`

	LogLevel  string `json:"log_level" env:"COURIER_LOG_LEVEL"`
	LogFormat string `json:"log_format" env:"COURIER_LOG_FORMAT"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DeviceModel:            "courier",
		ListenAddr:             "127.0.0.1:8080",
		CORSAllowOrigin:        "*",
		DialogsLimit:           100,
		DirectorySyncInterval:  Duration(5 * time.Minute),
		RelayWorkers:           4,
		RelayQueueCapacity:     256,
		RelayMaxAttempts:       5,
		RelayBaseBackoff:       Duration(500 * time.Millisecond),
		RelayMaxBackoff:        Duration(30 * time.Second),
		RelayTimeout:           Duration(15 * time.Second),
		RelayRatePerSecond:     5,
		RelayRateBurst:         5,
		DedupWindow:            Duration(10 * time.Minute),
		ResubscribeBaseBackoff: Duration(time.Second),
		ResubscribeMaxBackoff:  Duration(time.Minute),
		ShutdownGrace:          Duration(10 * time.Second),
		LogLevel:               "info",
		LogFormat:              "text",
	}
}

// Load loads configuration from baseDir/config.json, then applies COURIER_* environment
// overrides. Returns default config (plus env) if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.courier.
func Load(baseDir string) (*Config, error) {
	cfg, err := loadFile(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile overlays the file onto the defaults; keys absent from the file keep
// their default values.
func loadFile(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}
	return cfg, nil
}

// Validate checks value ranges. Credentials are checked by the serve path only,
// since CLI client commands do not need them.
func (c *Config) Validate() error {
	var problems []string
	if c.RelayWorkers < 1 {
		problems = append(problems, "relay_workers must be >= 1")
	}
	if c.RelayQueueCapacity < c.RelayWorkers {
		problems = append(problems, "relay_queue_capacity must be >= relay_workers")
	}
	if c.RelayMaxAttempts < 1 {
		problems = append(problems, "relay_max_attempts must be >= 1")
	}
	if c.RelayBaseBackoff <= 0 || c.RelayMaxBackoff < c.RelayBaseBackoff {
		problems = append(problems, "relay backoff must satisfy 0 < relay_base_backoff <= relay_max_backoff")
	}
	if c.ResubscribeBaseBackoff <= 0 || c.ResubscribeMaxBackoff < c.ResubscribeBaseBackoff {
		problems = append(problems, "resubscribe backoff must satisfy 0 < base <= max")
	}
	if c.RelayRatePerSecond < 0 {
		problems = append(problems, "relay_rate_per_second must be >= 0")
	}
	if c.DialogsLimit < 1 {
		problems = append(problems, "dialogs_limit must be >= 1")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log_format must be text or json, got %q", c.LogFormat))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// RequireCredentials reports whether the platform app credentials are set.
func (c *Config) RequireCredentials() error {
	if c.AppID == 0 || c.AppHash == "" {
		return errors.New("app_id and app_hash are required (config.json or COURIER_APP_ID / COURIER_APP_HASH)")
	}
	return nil
}
