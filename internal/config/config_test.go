package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "payrelay", cfg.App.Name)
	assert.Equal(t, 3, cfg.Saga.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Saga.RetryDelay)
	assert.Equal(t, 45*24*time.Hour, cfg.Token.MaxAge)
	assert.Equal(t, 2*time.Minute, cfg.Token.ClockSkew)
	assert.Equal(t, 3.0, cfg.Fees.PlatformPct)
	assert.Equal(t, 24*time.Hour, cfg.Queue.MaxRetryDuration)
	assert.Equal(t, 300*time.Second, cfg.Executor.ConfirmationTimeout)
	assert.Equal(t, 1, cfg.Queue.Workers["payment"])
	assert.Equal(t, 30*time.Minute, cfg.Queue.Timeouts["payment"])
	assert.Equal(t, 45*time.Minute, cfg.Saga.PaymentLease)
	assert.Equal(t, 60*time.Second, cfg.Queue.DeliveryTimeout("split"))
	require.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
saga:
  max_attempts: 5
queue:
  backend: redis
  targets:
    split: http://split.internal/v1/stages/split
executor:
  tokens:
    usdt:
      address: "0xdAC17F958D2ee523a2206206994597C13D831ec7"
      decimals: 6
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("PAYRELAY_TOKEN_SIGNING_KEY", "00ff10")
	t.Setenv("PAYRELAY_DATABASE_DSN", "postgres://localhost/payrelay")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Saga.MaxAttempts)
	assert.Equal(t, "redis", cfg.Queue.Backend)
	assert.Equal(t, "http://split.internal/v1/stages/split", cfg.Queue.Targets["split"])
	assert.Equal(t, int32(6), cfg.Executor.Tokens["usdt"].Decimals)
	assert.Equal(t, "postgres://localhost/payrelay", cfg.Database.DSN)

	primary, previous, err := cfg.SigningKeys()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff, 0x10}, primary)
	assert.Empty(t, previous)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"attempts":  func(c *Config) { c.Saga.MaxAttempts = 0 },
		"fee":       func(c *Config) { c.Fees.PlatformPct = 100 },
		"backend":   func(c *Config) { c.Queue.Backend = "kafka" },
		"backoff":   func(c *Config) { c.Queue.MaxBackoff = time.Second },
		"token":     func(c *Config) { c.Executor.Tokens = map[string]TokenContractConfig{"usdt": {}} },
		"telegram":  func(c *Config) { c.Alerting.Telegram.Enabled = true },
		"datadog":   func(c *Config) { c.Alerting.Datadog.Enabled = true },
		"skew":      func(c *Config) { c.Token.ClockSkew = -time.Second },
		"max_age":   func(c *Config) { c.Token.MaxAge = 0 },
		"scheduler": func(c *Config) { c.Scheduler.Interval = 0 },
		"lease":     func(c *Config) { c.Saga.PaymentLease = 15 * time.Minute },
		"lease_eq":  func(c *Config) { c.Saga.PaymentLease = c.Queue.Timeouts["payment"] },
		"lease_req": func(c *Config) { delete(c.Queue.Timeouts, "payment"); c.Saga.PaymentLease = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSigningKeys(t *testing.T) {
	cfg := &Config{Token: TokenConfig{
		SigningKey:   "not-hex-secret",
		PreviousKeys: []string{"0xabcd", " "},
	}}
	primary, previous, err := cfg.SigningKeys()
	require.NoError(t, err)
	assert.Equal(t, []byte("not-hex-secret"), primary)
	require.Len(t, previous, 1)
	assert.Equal(t, []byte{0xab, 0xcd}, previous[0])

	_, _, err = (&Config{}).SigningKeys()
	assert.Error(t, err)
}
