// Package config loads process configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every Validate failure.
var ErrInvalid = errors.New("config: invalid")

type Config struct {
	LogLevel     string             `yaml:"logLevel"`
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	ContentStore ContentStoreConfig `yaml:"contentStore"`
	Attestation  AttestationConfig  `yaml:"attestation"`
	Auth         AuthConfig         `yaml:"auth"`
	RateLimit    RateLimitConfig    `yaml:"rateLimit"`
	Fanout       FanoutConfig       `yaml:"fanout"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"maxConns"`
}

// RedisConfig is optional; without a URL the read cache stays in process.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

type LedgerConfig struct {
	RPCURL    string        `yaml:"rpcUrl"`
	ProgramID string        `yaml:"programId"`
	SignerKey string        `yaml:"signerKey"`
	ReadTTL   time.Duration `yaml:"readTtl"`
}

type ContentStoreConfig struct {
	APIURL     string        `yaml:"apiUrl"`
	GatewayURL string        `yaml:"gatewayUrl"`
	JWT        string        `yaml:"jwt"`
	CacheTTL   time.Duration `yaml:"cacheTtl"`
}

type AttestationConfig struct {
	BaseURL            string `yaml:"baseUrl"`
	APIKey             string `yaml:"apiKey"`
	CallbackSecretHash string `yaml:"callbackSecretHash"`
}

type AuthConfig struct {
	JWTSecret  string `yaml:"jwtSecret"`
	Arbitrator string `yaml:"arbitrator"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type FanoutConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	Heartbeat    time.Duration `yaml:"heartbeat"`
	QueueSize    int           `yaml:"queueSize"`
}

// Default returns the configuration used when neither file nor environment
// sets a key.
func Default() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{MaxConns: 10},
		Redis:    RedisConfig{Prefix: "leaseflow:"},
		Ledger:   LedgerConfig{ReadTTL: 10 * time.Second},
		ContentStore: ContentStoreConfig{
			CacheTTL: time.Hour,
		},
		RateLimit: RateLimitConfig{RPS: 5, Burst: 20},
		Fanout: FanoutConfig{
			PollInterval: 2 * time.Second,
			Heartbeat:    30 * time.Second,
			QueueSize:    64,
		},
	}
}

// Load reads the first candidate file that exists, then applies
// environment overrides. An empty path tries the default locations.
func Load(path string) (Config, error) {
	cfg := Default()

	candidates := []string{path}
	if path == "" {
		candidates = []string{"configs/leaseflow.yaml", "leaseflow.yaml"}
	}
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err != nil {
			if path != "" {
				return Config{}, fmt.Errorf("config: read %s: %w", p, err)
			}
			continue
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", p, err)
		}
		break
	}

	if err := ApplyEnvOverrides(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnvOverrides overlays non-empty environment variables onto cfg.
func ApplyEnvOverrides(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("LEASEFLOW_LOG_LEVEL", &cfg.LogLevel)
	str("LEASEFLOW_ADDR", &cfg.Server.Addr)
	str("DATABASE_URL", &cfg.Database.URL)
	str("REDIS_URL", &cfg.Redis.URL)
	str("LEDGER_RPC_URL", &cfg.Ledger.RPCURL)
	str("LEDGER_PROGRAM_ID", &cfg.Ledger.ProgramID)
	str("LEDGER_SIGNER_KEY", &cfg.Ledger.SignerKey)
	str("CONTENT_STORE_API_URL", &cfg.ContentStore.APIURL)
	str("CONTENT_STORE_GATEWAY_URL", &cfg.ContentStore.GatewayURL)
	str("CONTENT_STORE_JWT", &cfg.ContentStore.JWT)
	str("ATTESTATION_BASE_URL", &cfg.Attestation.BaseURL)
	str("ATTESTATION_API_KEY", &cfg.Attestation.APIKey)
	str("ATTESTATION_CALLBACK_SECRET_HASH", &cfg.Attestation.CallbackSecretHash)
	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	str("LEASEFLOW_ARBITRATOR", &cfg.Auth.Arbitrator)

	if v := strings.TrimSpace(getenv("LEASEFLOW_ALLOWED_ORIGINS")); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	if v := strings.TrimSpace(getenv("LEASEFLOW_RATE_LIMIT_RPS")); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: LEASEFLOW_RATE_LIMIT_RPS: %w", err)
		}
		cfg.RateLimit.RPS = rps
	}
	if v := strings.TrimSpace(getenv("LEASEFLOW_POLL_INTERVAL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: LEASEFLOW_POLL_INTERVAL: %w", err)
		}
		cfg.Fanout.PollInterval = d
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every missing required key at once.
func (c Config) Validate() error {
	var missing []string
	require := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	require("database.url", c.Database.URL)
	require("ledger.rpcUrl", c.Ledger.RPCURL)
	require("ledger.programId", c.Ledger.ProgramID)
	require("ledger.signerKey", c.Ledger.SignerKey)
	require("contentStore.apiUrl", c.ContentStore.APIURL)
	require("contentStore.gatewayUrl", c.ContentStore.GatewayURL)
	require("attestation.baseUrl", c.Attestation.BaseURL)
	require("attestation.callbackSecretHash", c.Attestation.CallbackSecretHash)
	require("auth.jwtSecret", c.Auth.JWTSecret)
	require("auth.arbitrator", c.Auth.Arbitrator)
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalid, strings.Join(missing, ", "))
	}
	if c.Fanout.PollInterval <= 0 || c.Fanout.Heartbeat <= 0 {
		return fmt.Errorf("%w: fanout intervals must be positive", ErrInvalid)
	}
	return nil
}
