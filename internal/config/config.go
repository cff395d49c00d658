// Package config loads callmeter settings from defaults, an optional TOML
// tuning file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"

	// PathEnv names the optional tuning file.
	PathEnv = "CALLMETER_CONFIG"

	MinDedupRetention = time.Hour
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Ledger  LedgerConfig  `toml:"ledger"`
	Twilio  TwilioConfig  `toml:"twilio"`
	Billing BillingConfig `toml:"billing"`
	Notify  NotifyConfig  `toml:"notify"`
	Dedup   DedupConfig   `toml:"dedup"`
	TopUp   TopUpConfig   `toml:"topup"`

	LogLevel string `toml:"log_level"`
}

type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
	// MetricsAddr serves /metrics on its own listener when set; otherwise
	// metrics share ListenAddr.
	MetricsAddr string `toml:"metrics_addr,omitempty"`
}

type LedgerConfig struct {
	Backend    string `toml:"backend"`
	Table      string `toml:"table,omitempty"`
	SQLitePath string `toml:"sqlite_path,omitempty"`
}

type TwilioConfig struct {
	CredentialsParam   string `toml:"credentials_param"`
	FromNumber         string `toml:"from_number,omitempty"`
	PublicBaseURL      string `toml:"public_base_url,omitempty"`
	ValidateSignatures bool   `toml:"validate_signatures"`
}

type BillingConfig struct {
	DefaultRatePerMinute int64         `toml:"default_rate_per_minute"`
	PollInterval         time.Duration `toml:"poll_interval"`
	WarningThreshold     time.Duration `toml:"warning_threshold"`
	TerminationGrace     time.Duration `toml:"termination_grace"`
	ProviderTimeout      time.Duration `toml:"provider_timeout"`
	Announcement         string        `toml:"announcement,omitempty"`
}

type NotifyConfig struct {
	WarningAudioURL string `toml:"warning_audio_url,omitempty"`
	LowBalanceText  string `toml:"low_balance_text,omitempty"`
}

type DedupConfig struct {
	Retention     time.Duration `toml:"retention"`
	PurgeInterval time.Duration `toml:"purge_interval"`
}

type TopUpConfig struct {
	MaxAmount int64 `toml:"max_amount"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Ledger: LedgerConfig{
			Backend:    BackendDynamoDB,
			SQLitePath: "data/callmeter.db",
		},
		Twilio: TwilioConfig{
			CredentialsParam:   "/callmeter/twilio",
			ValidateSignatures: true,
		},
		Billing: BillingConfig{
			DefaultRatePerMinute: 1,
			PollInterval:         15 * time.Second,
			WarningThreshold:     5 * time.Minute,
			TerminationGrace:     5 * time.Minute,
			ProviderTimeout:      10 * time.Second,
		},
		Dedup: DedupConfig{
			Retention:     6 * time.Hour,
			PurgeInterval: 10 * time.Minute,
		},
		TopUp: TopUpConfig{
			MaxAmount: 100_000,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration. A .env file in the working directory is
// loaded into the environment first if present. path may be empty, in which
// case CALLMETER_CONFIG is consulted; no file at all is fine.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("config: %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Server.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.Server.MetricsAddr, "METRICS_ADDR")

	setString(&cfg.Ledger.Backend, "LEDGER_BACKEND")
	setString(&cfg.Ledger.Table, "LEDGER_TABLE")
	setString(&cfg.Ledger.SQLitePath, "SQLITE_PATH")

	setString(&cfg.Twilio.CredentialsParam, "TWILIO_CREDENTIALS_PARAM")
	setString(&cfg.Twilio.FromNumber, "TWILIO_FROM_NUMBER")
	setString(&cfg.Twilio.PublicBaseURL, "PUBLIC_BASE_URL")

	setString(&cfg.Billing.Announcement, "ANNOUNCEMENT")
	setString(&cfg.Notify.WarningAudioURL, "WARNING_AUDIO_URL")
	setString(&cfg.Notify.LowBalanceText, "LOW_BALANCE_TEXT")
	setString(&cfg.LogLevel, "LOG_LEVEL")

	return errors.Join(
		setBool(&cfg.Twilio.ValidateSignatures, "VALIDATE_SIGNATURES"),
		setInt64(&cfg.Billing.DefaultRatePerMinute, "DEFAULT_RATE_PER_MINUTE"),
		setDuration(&cfg.Billing.PollInterval, "POLL_INTERVAL"),
		setDuration(&cfg.Billing.WarningThreshold, "WARNING_THRESHOLD"),
		setDuration(&cfg.Billing.TerminationGrace, "TERMINATION_GRACE"),
		setDuration(&cfg.Billing.ProviderTimeout, "PROVIDER_TIMEOUT"),
		setDuration(&cfg.Dedup.Retention, "DEDUP_RETENTION"),
		setDuration(&cfg.Dedup.PurgeInterval, "DEDUP_PURGE_INTERVAL"),
		setInt64(&cfg.TopUp.MaxAmount, "MAX_TOPUP_AMOUNT"),
	)
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setInt64(dst *int64, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}

// Validate reports every out-of-range setting at once.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: "+format, args...))
	}

	if c.Server.ListenAddr == "" {
		add("listen address is required")
	}

	switch c.Ledger.Backend {
	case BackendDynamoDB:
		if c.Ledger.Table == "" {
			add("ledger table is required for the %s backend", BackendDynamoDB)
		}
	case BackendSQLite:
		if c.Ledger.SQLitePath == "" {
			add("sqlite path is required for the %s backend", BackendSQLite)
		}
	default:
		add("unknown ledger backend %q", c.Ledger.Backend)
	}

	if c.Twilio.CredentialsParam == "" {
		add("twilio credentials parameter is required")
	}
	if c.Twilio.ValidateSignatures && c.Twilio.PublicBaseURL == "" {
		add("public base url is required when signature validation is on")
	}

	if c.Billing.DefaultRatePerMinute <= 0 {
		add("default rate per minute must be positive, got %d", c.Billing.DefaultRatePerMinute)
	}
	if c.Billing.PollInterval < time.Second {
		add("poll interval must be at least 1s, got %s", c.Billing.PollInterval)
	}
	if c.Billing.WarningThreshold < 0 {
		add("warning threshold must not be negative")
	}
	if c.Billing.TerminationGrace <= 0 {
		add("termination grace must be positive")
	}
	if c.Billing.ProviderTimeout <= 0 {
		add("provider timeout must be positive")
	}

	if c.Dedup.Retention < MinDedupRetention {
		add("dedup retention must be at least %s, got %s", MinDedupRetention, c.Dedup.Retention)
	}
	if c.Dedup.PurgeInterval <= 0 {
		add("dedup purge interval must be positive")
	}

	if c.TopUp.MaxAmount <= 0 {
		add("max top-up amount must be positive")
	}

	if _, err := c.SlogLevel(); err != nil {
		add("log level: %v", err)
	}

	return errors.Join(errs...)
}

// SlogLevel parses LogLevel ("debug", "info", "warn", "error").
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}
