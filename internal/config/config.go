package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoPolymarket/trade-supervisor/internal/logging"
	"github.com/GoPolymarket/trade-supervisor/internal/moderator"
	"github.com/GoPolymarket/trade-supervisor/internal/policy"
	"github.com/GoPolymarket/trade-supervisor/internal/process"
	"github.com/GoPolymarket/trade-supervisor/internal/risk"
)

type Config struct {
	StateDir     string        `yaml:"state_dir"`
	TickInterval time.Duration `yaml:"tick_interval"`
	// SafeModeDefault halts the risk engine when a heartbeat that was being
	// received goes stale.
	SafeModeDefault bool   `yaml:"safe_mode_default"`
	Profile         string `yaml:"profile"`

	Log       logging.Config  `yaml:"log"`
	Worker    WorkerConfig    `yaml:"worker"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Risk      RiskConfig      `yaml:"risk"`
	Policy    PolicyConfig    `yaml:"policy"`
	Moderator ModeratorConfig `yaml:"moderator"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	EventLog  EventLogConfig  `yaml:"event_log"`
	API       APIConfig       `yaml:"api"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type WorkerConfig struct {
	AutoStart      bool              `yaml:"auto_start"`
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args"`
	Workdir        string            `yaml:"workdir"`
	Env            map[string]string `yaml:"env"`
	EnvFile        string            `yaml:"env_file"`
	LogFile        string            `yaml:"log_file"`
	SupervisorURL  string            `yaml:"supervisor_url"`
	RestartEnabled bool              `yaml:"restart_enabled"`
	MaxRetries     int               `yaml:"max_retries"`
	Backoff        time.Duration     `yaml:"backoff"`
	MaxBackoff     time.Duration     `yaml:"max_backoff"`
	StopGrace      time.Duration     `yaml:"stop_grace"`
	StartupGrace   time.Duration     `yaml:"startup_grace"`
}

type HeartbeatConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type RiskConfig struct {
	MaxDailyLoss      float64       `yaml:"max_daily_loss"`
	MaxDailyLossPct   float64       `yaml:"max_daily_loss_pct"`
	MaxDrawdown       float64       `yaml:"max_drawdown"`
	MaxDrawdownPct    float64       `yaml:"max_drawdown_pct"`
	MaxOrderNotional  float64       `yaml:"max_order_notional"`
	MaxLeverage       float64       `yaml:"max_leverage"`
	MaxSymbolExposure float64       `yaml:"max_symbol_exposure"`
	HaltCooldown      time.Duration `yaml:"halt_cooldown"`
}

type PolicyConfig struct {
	Interval   time.Duration           `yaml:"interval"`
	TTL        time.Duration           `yaml:"ttl"`
	FilePath   string                  `yaml:"file_path"`
	Hysteresis policy.HysteresisConfig `yaml:"hysteresis"`
	Thresholds policy.Thresholds       `yaml:"thresholds"`
}

type ModeratorConfig struct {
	Enabled     bool          `yaml:"enabled"`
	URL         string        `yaml:"url"`
	Model       string        `yaml:"model"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	Timeout     time.Duration `yaml:"timeout"`
	Temperature float64       `yaml:"temperature"`
	Breaker     BreakerConfig `yaml:"circuit_breaker"`
}

type BreakerConfig struct {
	Failures int           `yaml:"failures"`
	Window   time.Duration `yaml:"window"`
	OpenFor  time.Duration `yaml:"open_for"`
}

type SnapshotConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Window   time.Duration `yaml:"window"`
}

type EventLogConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type APIConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Addr         string `yaml:"addr"`
	AuthToken    string `yaml:"auth_token"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
	// DigestInterval sends a snapshot digest on this period. Zero disables it.
	DigestInterval time.Duration `yaml:"digest_interval"`
}

func Default() Config {
	return Config{
		StateDir:     "state",
		TickInterval: 2 * time.Second,
		Log:          logging.Config{Level: "info", Format: "json"},
		Worker: WorkerConfig{
			RestartEnabled: true,
			MaxRetries:     5,
			Backoff:        2 * time.Second,
			MaxBackoff:     60 * time.Second,
			StopGrace:      10 * time.Second,
			StartupGrace:   3 * time.Second,
		},
		Heartbeat: HeartbeatConfig{Timeout: 30 * time.Second},
		Risk: RiskConfig{
			MaxDailyLossPct:  0.02,
			MaxDrawdownPct:   0.10,
			MaxOrderNotional: 1000,
			MaxLeverage:      3,
		},
		Policy: PolicyConfig{
			Interval: 30 * time.Second,
			TTL:      120 * time.Second,
			Hysteresis: policy.HysteresisConfig{
				EnterCycles: 2,
				ExitCycles:  3,
			},
			Thresholds: policy.Thresholds{
				RestartRate:            3,
				LossStreak:             5,
				ConservativeMultiplier: 0.5,
			},
		},
		Moderator: ModeratorConfig{
			URL:         "https://api.openai.com/v1/chat/completions",
			Model:       "gpt-4o-mini",
			APIKeyEnv:   "OPENAI_API_KEY_SUPERVISOR",
			Timeout:     4 * time.Second,
			Temperature: 0.1,
			Breaker: BreakerConfig{
				Failures: 3,
				Window:   300 * time.Second,
				OpenFor:  120 * time.Second,
			},
		},
		Snapshot: SnapshotConfig{
			Enabled:  true,
			Interval: 60 * time.Second,
			Window:   15 * time.Minute,
		},
		EventLog: EventLogConfig{Driver: "sqlite3"},
		API: APIConfig{
			Enabled:      true,
			Addr:         ":8080",
			MaxBodyBytes: 64 << 10,
		},
		Telegram: TelegramConfig{DigestInterval: 24 * time.Hour},
	}
}

// LoadFile overlays the YAML file at path onto Default.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("SUPERVISOR_API_TOKEN")); v != "" {
		c.API.AuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv("SUPERVISOR_API_ADDR")); v != "" {
		c.API.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("SUPERVISOR_EVENT_LOG_DRIVER")); v != "" {
		c.EventLog.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv("SUPERVISOR_EVENT_LOG_DSN")); v != "" {
		c.EventLog.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("SUPERVISOR_SAFE_MODE")); v != "" {
		c.SafeModeDefault = strings.EqualFold(v, "true") || v == "1"
	}
	if v := strings.TrimSpace(os.Getenv("SUPERVISOR_LOG_LEVEL")); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("SUPERVISOR_PROFILE")); v != "" {
		c.Profile = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Telegram.ChatID = v
	}
}

// StatePath returns name inside the state directory.
func (c Config) StatePath(name string) string {
	return filepath.Join(c.StateDir, name)
}

func (c Config) PolicyFilePath() string {
	if c.Policy.FilePath != "" {
		return c.Policy.FilePath
	}
	return c.StatePath("policy.json")
}

// EventLogDSN defaults the sqlite database into the state directory.
func (c Config) EventLogDSN() string {
	if c.EventLog.DSN != "" {
		return c.EventLog.DSN
	}
	if c.EventLog.Driver == "" || strings.HasPrefix(strings.ToLower(c.EventLog.Driver), "sqlite") {
		return c.StatePath("events.db")
	}
	return ""
}

// SupervisorURL is the base URL the worker uses to reach the API.
func (c Config) SupervisorURL() string {
	if c.Worker.SupervisorURL != "" {
		return c.Worker.SupervisorURL
	}
	host, port, err := net.SplitHostPort(c.API.Addr)
	if err != nil {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// ModeratorAPIKey reads the key from the configured environment variable.
func (c Config) ModeratorAPIKey() string {
	if c.Moderator.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Moderator.APIKeyEnv)
}

func (c Config) RiskEngine() risk.Config {
	return risk.Config{
		MaxDailyLoss:      c.Risk.MaxDailyLoss,
		MaxDailyLossPct:   c.Risk.MaxDailyLossPct,
		MaxDrawdown:       c.Risk.MaxDrawdown,
		MaxDrawdownPct:    c.Risk.MaxDrawdownPct,
		MaxOrderNotional:  c.Risk.MaxOrderNotional,
		MaxLeverage:       c.Risk.MaxLeverage,
		MaxSymbolExposure: c.Risk.MaxSymbolExposure,
		HaltCooldown:      c.Risk.HaltCooldown,
		StatePath:         c.StatePath("risk_state.json"),
	}
}

func (c Config) ProcessManager() process.Config {
	return process.Config{
		RestartEnabled: c.Worker.RestartEnabled,
		MaxRetries:     c.Worker.MaxRetries,
		Backoff:        c.Worker.Backoff,
		MaxBackoff:     c.Worker.MaxBackoff,
		StopGrace:      c.Worker.StopGrace,
		StartupGrace:   c.Worker.StartupGrace,
	}
}

func (c Config) Exec() process.ExecConfig {
	return process.ExecConfig{
		Command:       c.Worker.Command,
		Args:          c.Worker.Args,
		Workdir:       c.Worker.Workdir,
		Env:           c.Worker.Env,
		EnvFile:       c.Worker.EnvFile,
		LogFile:       c.Worker.LogFile,
		SupervisorURL: c.SupervisorURL(),
	}
}

func (c Config) PolicyEngine() policy.Config {
	return policy.Config{
		Interval:         c.Policy.Interval,
		TTL:              c.Policy.TTL,
		HeartbeatTimeout: c.Heartbeat.Timeout,
		FilePath:         c.PolicyFilePath(),
		StatePath:        c.StatePath("policy_state.json"),
		Hysteresis:       c.Policy.Hysteresis,
		Thresholds:       c.Policy.Thresholds,
	}
}

func (c Config) ModeratorHTTP() moderator.HTTPConfig {
	return moderator.HTTPConfig{
		URL:         c.Moderator.URL,
		Model:       c.Moderator.Model,
		APIKey:      c.ModeratorAPIKey(),
		Temperature: c.Moderator.Temperature,
	}
}
