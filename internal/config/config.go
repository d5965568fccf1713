package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"payrelay/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Token     TokenConfig     `mapstructure:"token"`
	Saga      SagaConfig      `mapstructure:"saga"`
	Fees      FeesConfig      `mapstructure:"fees"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Cow       CowConfig       `mapstructure:"cow"`
	Swap      SwapConfig      `mapstructure:"swap"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Frontend  FrontendConfig  `mapstructure:"frontend"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// ServerConfig controls the stage HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// IntakeSecret, when set, is the HMAC key callers sign /v1/notify bodies with.
	IntakeSecret string `mapstructure:"intake_secret"`
}

// TokenConfig holds the saga token signing material.
type TokenConfig struct {
	SigningKey   string        `mapstructure:"signing_key"`
	PreviousKeys []string      `mapstructure:"previous_keys"`
	MaxAge       time.Duration `mapstructure:"max_age"`
	ClockSkew    time.Duration `mapstructure:"clock_skew"`
}

// SagaConfig bounds token-level retries.
type SagaConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	PaymentLease time.Duration `mapstructure:"payment_lease"`
	// ClassifierRules replaces the built-in error rule table when set.
	ClassifierRules string `mapstructure:"classifier_rules"`
}

// FeesConfig describes the platform fee split.
type FeesConfig struct {
	PlatformPct float64 `mapstructure:"platform_pct"`
}

// SchedulerConfig governs the batch engine cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
}

// TokenContractConfig locates an ERC-20 payout asset.
type TokenContractConfig struct {
	Address  string `mapstructure:"address"`
	Decimals int32  `mapstructure:"decimals"`
}

// ExecutorConfig covers on-chain payouts.
type ExecutorConfig struct {
	RPCURL                 string                         `mapstructure:"rpc_url"`
	PrivateKey             string                         `mapstructure:"private_key"`
	ChainID                int64                          `mapstructure:"chain_id"`
	NativeSymbol           string                         `mapstructure:"native_symbol"`
	Tokens                 map[string]TokenContractConfig `mapstructure:"tokens"`
	GasLimit               uint64                         `mapstructure:"gas_limit"`
	TokenGasLimit          uint64                         `mapstructure:"token_gas_limit"`
	BaseFeeMultiplier      float64                        `mapstructure:"base_fee_multiplier"`
	DefaultPriorityFeeGwei float64                        `mapstructure:"default_priority_fee_gwei"`
	FallbackGasPriceGwei   float64                        `mapstructure:"fallback_gas_price_gwei"`
	MaxFeePerGasGwei       float64                        `mapstructure:"max_fee_per_gas_gwei"`
	ConfirmationTimeout    time.Duration                  `mapstructure:"confirmation_timeout"`
	PollInterval           time.Duration                  `mapstructure:"poll_interval"`
	RetryDelay             time.Duration                  `mapstructure:"retry_delay"`
	MaxAttempts            int                            `mapstructure:"max_attempts"`
}

// QueueConfig selects and tunes the durable task queue.
type QueueConfig struct {
	Backend          string                   `mapstructure:"backend"`
	Redis            RedisConfig              `mapstructure:"redis"`
	PollInterval     time.Duration            `mapstructure:"poll_interval"`
	BatchSize        int                      `mapstructure:"batch_size"`
	Lease            time.Duration            `mapstructure:"lease"`
	MaxRetryDuration time.Duration            `mapstructure:"max_retry_duration"`
	MinBackoff       time.Duration            `mapstructure:"min_backoff"`
	MaxBackoff       time.Duration            `mapstructure:"max_backoff"`
	RequestTimeout   time.Duration            `mapstructure:"request_timeout"`
	Targets          map[string]string        `mapstructure:"targets"`
	Workers          map[string]int           `mapstructure:"workers"`
	Timeouts         map[string]time.Duration `mapstructure:"timeouts"`
}

// DeliveryTimeout bounds one delivery to queue, as the dispatcher applies it.
func (q QueueConfig) DeliveryTimeout(queue string) time.Duration {
	if t := q.Timeouts[queue]; t > 0 {
		return t
	}
	return q.RequestTimeout
}

// RedisConfig configures the Redis queue backend.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// CowConfig captures CoW Protocol connectivity used for USD to payout currency quotes.
type CowConfig struct {
	BaseURL        string            `mapstructure:"base_url"`
	PriceQuality   string            `mapstructure:"price_quality"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	UserAgent      string            `mapstructure:"user_agent"`
	QuoteToken     string            `mapstructure:"quote_token"`
	QuoteDecimals  int32             `mapstructure:"quote_decimals"`
	Assets         map[string]string `mapstructure:"assets"`
}

// SwapConfig configures the exchange that converts collected funds.
type SwapConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	FromCurrency   string        `mapstructure:"from_currency"`
	FromNetwork    string        `mapstructure:"from_network"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Slack    SlackConfig    `mapstructure:"slack"`
	Datadog  DatadogConfig  `mapstructure:"datadog"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// SlackConfig 描述 Slack webhook 告警参数。
type SlackConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
}

// DatadogConfig routes failure events to the Datadog Logs API.
type DatadogConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	APIKey  string   `mapstructure:"api_key"`
	Site    string   `mapstructure:"site"`
	Service string   `mapstructure:"service"`
	Tags    []string `mapstructure:"tags"`
}

// FrontendConfig points at the front-end that receives completion events.
type FrontendConfig struct {
	WebhookURL     string        `mapstructure:"webhook_url"`
	Secret         string        `mapstructure:"secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAYRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// secretKeys have empty defaults so AutomaticEnv can populate them on Unmarshal.
var secretKeys = []string{
	"database.dsn",
	"server.intake_secret",
	"token.signing_key",
	"executor.rpc_url",
	"executor.private_key",
	"queue.redis.password",
	"swap.api_key",
	"alerting.telegram.bot_token",
	"alerting.telegram.chat_id",
	"alerting.slack.webhook_url",
	"alerting.datadog.api_key",
	"frontend.webhook_url",
	"frontend.secret",
}

func setDefaults(v *viper.Viper) {
	for _, key := range secretKeys {
		v.SetDefault(key, "")
	}

	v.SetDefault("app.name", "payrelay")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "10m")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("token.max_age", "1080h")
	v.SetDefault("token.clock_skew", "2m")

	v.SetDefault("saga.max_attempts", 3)
	v.SetDefault("saga.retry_delay", "60s")
	v.SetDefault("saga.payment_lease", "45m")
	v.SetDefault("saga.classifier_rules", "")

	v.SetDefault("fees.platform_pct", 3.0)

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70617962))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", true)

	v.SetDefault("executor.chain_id", 0)
	v.SetDefault("executor.native_symbol", "eth")
	v.SetDefault("executor.gas_limit", 21000)
	v.SetDefault("executor.token_gas_limit", 65000)
	v.SetDefault("executor.base_fee_multiplier", 2.0)
	v.SetDefault("executor.default_priority_fee_gwei", 2.0)
	v.SetDefault("executor.fallback_gas_price_gwei", 50.0)
	v.SetDefault("executor.max_fee_per_gas_gwei", 0.0)
	v.SetDefault("executor.confirmation_timeout", "300s")
	v.SetDefault("executor.poll_interval", "5s")
	v.SetDefault("executor.retry_delay", "60s")
	v.SetDefault("executor.max_attempts", 0)

	v.SetDefault("queue.backend", "postgres")
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.redis.key_prefix", "payrelay")
	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.lease", "5m")
	v.SetDefault("queue.max_retry_duration", "24h")
	v.SetDefault("queue.min_backoff", "10s")
	v.SetDefault("queue.max_backoff", "10m")
	v.SetDefault("queue.request_timeout", "60s")
	v.SetDefault("queue.workers", map[string]int{
		"split":      4,
		"accumulate": 4,
		"batch":      2,
		"payment":    1,
	})
	v.SetDefault("queue.timeouts", map[string]string{
		"payment": "30m",
	})

	v.SetDefault("cow.base_url", "https://api.cow.fi/mainnet/api/v1")
	v.SetDefault("cow.price_quality", "optimal")
	v.SetDefault("cow.request_timeout", "10s")
	v.SetDefault("cow.quote_token", "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	v.SetDefault("cow.quote_decimals", 6)
	v.SetDefault("cow.assets", map[string]string{
		"eth": "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
	})

	v.SetDefault("swap.base_url", "https://api.changenow.io/v2")
	v.SetDefault("swap.from_currency", "eth")
	v.SetDefault("swap.from_network", "eth")
	v.SetDefault("swap.request_timeout", "15s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.slack.enabled", false)
	v.SetDefault("alerting.datadog.enabled", false)
	v.SetDefault("alerting.datadog.site", "datadoghq.com")
	v.SetDefault("alerting.datadog.service", "payrelay")

	v.SetDefault("frontend.request_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Saga.MaxAttempts <= 0 {
		return fmt.Errorf("saga.max_attempts must be greater than zero")
	}
	if c.Saga.RetryDelay < 0 {
		return fmt.Errorf("saga.retry_delay cannot be negative")
	}
	if budget := c.Queue.DeliveryTimeout("payment"); c.Saga.PaymentLease <= budget {
		return fmt.Errorf("saga.payment_lease (%s) must exceed the payment delivery timeout (%s)", c.Saga.PaymentLease, budget)
	}
	if c.Fees.PlatformPct < 0 || c.Fees.PlatformPct >= 100 {
		return fmt.Errorf("fees.platform_pct must be within [0, 100)")
	}
	if c.Token.MaxAge <= 0 {
		return fmt.Errorf("token.max_age must be greater than zero")
	}
	if c.Token.ClockSkew < 0 {
		return fmt.Errorf("token.clock_skew cannot be negative")
	}
	switch c.Queue.Backend {
	case "postgres", "redis", "memory":
	default:
		return fmt.Errorf("queue.backend must be one of postgres, redis, memory")
	}
	if c.Queue.MaxRetryDuration <= 0 {
		return fmt.Errorf("queue.max_retry_duration must be greater than zero")
	}
	if c.Queue.MinBackoff <= 0 || c.Queue.MaxBackoff < c.Queue.MinBackoff {
		return fmt.Errorf("queue.min_backoff must be positive and not exceed queue.max_backoff")
	}
	for symbol, token := range c.Executor.Tokens {
		if token.Address == "" {
			return fmt.Errorf("executor.tokens.%s.address must be set", symbol)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.Slack.Enabled && c.Alerting.Slack.WebhookURL == "" {
		return fmt.Errorf("alerting.slack.webhook_url 必须配置")
	}
	if c.Alerting.Datadog.Enabled && c.Alerting.Datadog.APIKey == "" {
		return fmt.Errorf("alerting.datadog.api_key 必须配置")
	}
	return nil
}

// SigningKeys decodes the primary and previous token signing keys. Keys are
// hex encoded; anything that is not valid hex is used as raw bytes.
func (c *Config) SigningKeys() ([]byte, [][]byte, error) {
	if strings.TrimSpace(c.Token.SigningKey) == "" {
		return nil, nil, fmt.Errorf("token.signing_key must be set")
	}
	primary := decodeKey(c.Token.SigningKey)
	previous := make([][]byte, 0, len(c.Token.PreviousKeys))
	for _, k := range c.Token.PreviousKeys {
		if strings.TrimSpace(k) == "" {
			continue
		}
		previous = append(previous, decodeKey(k))
	}
	return primary, previous, nil
}

func decodeKey(raw string) []byte {
	raw = strings.TrimSpace(raw)
	if b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err == nil && len(b) > 0 {
		return b
	}
	return []byte(raw)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
