// Package config loads and validates gamedock configuration from YAML files
// and environment overrides. Defaults first, then ~/.gamedock/config.yaml,
// then ./gamedock.yaml, then GAMEDOCK_* environment variables.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation.
const (
	DefaultPanelBind     = "127.0.0.1:8080"
	DefaultAgentBind     = "127.0.0.1:8700"
	DefaultAgentURL      = "ws://127.0.0.1:8700/ws"
	DefaultWSTokenTTL    = 5 * time.Minute
	DefaultRateLimit     = 10.0
	DefaultRateBurst     = 20
	DefaultMetricsPeriod = 5 * time.Second

	// MinSecretLength is the minimum length for the panel's token signing secret.
	MinSecretLength = 32
)

// Config is the complete gamedock configuration. One file serves both the
// panel and the agent; each process reads its own section.
type Config struct {
	Panel   PanelConfig   `yaml:"panel"`
	Agent   AgentConfig   `yaml:"agent"`
	Session SessionConfig `yaml:"session"`
	Bus     BusConfig     `yaml:"bus"`
	Logging LoggingConfig `yaml:"logging"`
}

// PanelConfig configures the web panel process.
type PanelConfig struct {
	// Bind is the HTTP listen address.
	Bind string `yaml:"bind"`

	// AgentURL is the agent's WebSocket endpoint.
	AgentURL string `yaml:"agent_url"`

	// AgentUsername and AgentPassword authenticate the panel's session to
	// the agent and browser requests to the panel.
	AgentUsername string `yaml:"agent_username"`
	AgentPassword string `yaml:"agent_password"`

	// AllowedOrigins are the CORS origins permitted to call the API.
	// Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TokenSecret signs the short-lived browser WebSocket tokens.
	// Empty generates an ephemeral secret at startup.
	TokenSecret string `yaml:"token_secret"`

	// WSTokenTTL bounds the lifetime of a browser WebSocket token.
	WSTokenTTL time.Duration `yaml:"ws_token_ttl"`

	// RateLimit and RateBurst throttle API requests per client IP.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// StateDir holds panel state such as the onboarding marker.
	StateDir string `yaml:"state_dir"`
}

// AgentConfig configures the companion daemon that owns the game server.
type AgentConfig struct {
	// Bind is the WebSocket listen address.
	Bind string `yaml:"bind"`

	// Username and Password are the credentials the agent requires.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// DataDir is the agent's working directory for state and downloads.
	DataDir string `yaml:"data_dir"`

	// MetricsInterval is the period between pushed metrics snapshots.
	MetricsInterval time.Duration `yaml:"metrics_interval"`

	Server ServerConfig `yaml:"server"`
	Steam  SteamConfig  `yaml:"steam"`
}

// ServerConfig describes how the agent launches and supervises the game
// server process.
type ServerConfig struct {
	// Command is the server binary; Args its arguments.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// WorkDir is the process working directory. Defaults to the install dir.
	WorkDir string `yaml:"work_dir"`

	// LogFile, when set, is tailed for console output in addition to the
	// process's own stdout/stderr.
	LogFile string `yaml:"log_file"`

	// StopCommand is written to the server's stdin on graceful stop.
	// Empty sends SIGTERM instead.
	StopCommand string `yaml:"stop_command"`

	// StopGrace bounds a graceful stop before the process is killed.
	StopGrace time.Duration `yaml:"stop_grace"`

	// ConsoleHistory is the number of console lines kept for replay.
	ConsoleHistory int `yaml:"console_history"`
}

// SteamConfig configures steamcmd installs and updates.
type SteamConfig struct {
	// SteamCmd is the path to the steamcmd binary.
	SteamCmd string `yaml:"steamcmd"`

	// AppID is the Steam application to install.
	AppID int `yaml:"app_id"`

	// InstallDir is where steamcmd places the server files.
	InstallDir string `yaml:"install_dir"`

	// Validate asks steamcmd to verify files on update.
	Validate bool `yaml:"validate"`
}

// SessionConfig tunes the panel's connection to the agent.
type SessionConfig struct {
	DialTimeout          time.Duration `yaml:"dial_timeout"`
	CallTimeout          time.Duration `yaml:"call_timeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
}

// BusConfig selects the event bus backend.
type BusConfig struct {
	// URL is the NATS server URL. Empty uses the in-memory bus.
	URL string `yaml:"url"`

	// Name identifies this client to the NATS server.
	Name string `yaml:"name"`
}

// LoggingConfig configures the JSONL event logs.
type LoggingConfig struct {
	// Dir is where log files are written. Empty disables file logging.
	Dir string `yaml:"dir"`

	// Level is the minimum level: debug, info, warn, error.
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	return &Config{
		Panel: PanelConfig{
			Bind:       DefaultPanelBind,
			AgentURL:   DefaultAgentURL,
			WSTokenTTL: DefaultWSTokenTTL,
			RateLimit:  DefaultRateLimit,
			RateBurst:  DefaultRateBurst,
			StateDir:   defaultStateDir(),
		},
		Agent: AgentConfig{
			Bind:            DefaultAgentBind,
			DataDir:         defaultDataDir(),
			MetricsInterval: DefaultMetricsPeriod,
			Server: ServerConfig{
				StopGrace:      30 * time.Second,
				ConsoleHistory: 1000,
			},
			Steam: SteamConfig{
				SteamCmd: "steamcmd",
				Validate: true,
			},
		},
		Session: SessionConfig{
			DialTimeout:          10 * time.Second,
			CallTimeout:          15 * time.Second,
			HeartbeatInterval:    30 * time.Second,
			MaxReconnectAttempts: 10,
			ReconnectBaseDelay:   500 * time.Millisecond,
			ReconnectMaxDelay:    30 * time.Second,
		},
		Bus: BusConfig{
			Name: "gamedock",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func defaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".gamedock")
	}
	return ".gamedock"
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".gamedock", "agent")
	}
	return ".gamedock/agent"
}

// Load builds the effective configuration: defaults, then the user config,
// then the working-directory config, then environment overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userPath := filepath.Join(home, ".gamedock", "config.yaml")
		if err := loadAndMerge(cfg, userPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	if err := loadAndMerge(cfg, "gamedock.yaml"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from one explicit file.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GAMEDOCK_PANEL_BIND"); v != "" {
		cfg.Panel.Bind = v
	}
	if v := os.Getenv("GAMEDOCK_AGENT_URL"); v != "" {
		cfg.Panel.AgentURL = v
	}
	if v := os.Getenv("GAMEDOCK_AGENT_USERNAME"); v != "" {
		cfg.Panel.AgentUsername = v
		cfg.Agent.Username = v
	}
	if v := os.Getenv("GAMEDOCK_AGENT_PASSWORD"); v != "" {
		cfg.Panel.AgentPassword = v
		cfg.Agent.Password = v
	}
	if v := os.Getenv("GAMEDOCK_TOKEN_SECRET"); v != "" {
		cfg.Panel.TokenSecret = v
	}
	if v := os.Getenv("GAMEDOCK_AGENT_BIND"); v != "" {
		cfg.Agent.Bind = v
	}
	if v := os.Getenv("GAMEDOCK_NATS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("GAMEDOCK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GAMEDOCK_STEAM_APP_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			cfg.Agent.Steam.AppID = id
		}
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Panel.Bind); err != nil {
		return fmt.Errorf("invalid panel bind address %q: %w", c.Panel.Bind, err)
	}
	if _, _, err := net.SplitHostPort(c.Agent.Bind); err != nil {
		return fmt.Errorf("invalid agent bind address %q: %w", c.Agent.Bind, err)
	}
	if !strings.HasPrefix(c.Panel.AgentURL, "ws://") && !strings.HasPrefix(c.Panel.AgentURL, "wss://") {
		return fmt.Errorf("agent URL %q must be ws:// or wss://", c.Panel.AgentURL)
	}
	if c.Panel.TokenSecret != "" && len(c.Panel.TokenSecret) < MinSecretLength {
		return fmt.Errorf("token secret must be at least %d characters", MinSecretLength)
	}
	if c.Panel.WSTokenTTL <= 0 {
		return fmt.Errorf("ws token ttl must be positive, got %s", c.Panel.WSTokenTTL)
	}
	if c.Panel.RateLimit <= 0 || c.Panel.RateBurst <= 0 {
		return fmt.Errorf("rate limit and burst must be positive")
	}
	if c.Session.MaxReconnectAttempts < 1 {
		return fmt.Errorf("max reconnect attempts must be at least 1")
	}
	if c.Session.ReconnectBaseDelay <= 0 || c.Session.ReconnectMaxDelay < c.Session.ReconnectBaseDelay {
		return fmt.Errorf("reconnect delays must be positive and max >= base")
	}
	if c.Agent.MetricsInterval <= 0 {
		return fmt.Errorf("metrics interval must be positive, got %s", c.Agent.MetricsInterval)
	}
	if c.Agent.Steam.AppID < 0 {
		return fmt.Errorf("steam app id must not be negative")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}

// ValidationWarnings reports non-fatal configuration concerns.
func (c *Config) ValidationWarnings() []string {
	var warnings []string
	if c.Panel.AgentPassword == "" {
		warnings = append(warnings, "panel has no agent credentials configured; connect will require manual credentials")
	}
	if c.Panel.TokenSecret == "" {
		warnings = append(warnings, "no token secret configured; browser sessions will not survive a panel restart")
	}
	if strings.HasPrefix(c.Panel.AgentURL, "ws://") && !isLoopbackURL(c.Panel.AgentURL) {
		warnings = append(warnings, "agent URL uses unencrypted ws:// over a non-loopback address")
	}
	return warnings
}

func isLoopbackURL(url string) bool {
	rest := strings.TrimPrefix(strings.TrimPrefix(url, "ws://"), "wss://")
	host := rest
	if i := strings.IndexAny(rest, ":/"); i >= 0 {
		host = rest[:i]
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
