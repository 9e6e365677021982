package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sample = `
logLevel: debug
server:
  addr: ":9090"
  allowedOrigins: ["app.example.com"]
database:
  url: postgres://localhost/leaseflow
ledger:
  rpcUrl: http://localhost:8899
  programId: Lease1111111111111111111111111111111111111
  signerKey: key
  readTtl: 5s
contentStore:
  apiUrl: http://localhost:5001
  gatewayUrl: http://localhost:8081
attestation:
  baseUrl: http://localhost:7000
  callbackSecretHash: hash
auth:
  jwtSecret: secret
  arbitrator: Arb1111111111111111111111111111111111111111
fanout:
  pollInterval: 500ms
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leaseflow.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	cfg, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" || cfg.LogLevel != "debug" {
		t.Fatalf("file values not applied: %+v", cfg.Server)
	}
	if cfg.Ledger.ReadTTL != 5*time.Second || cfg.Fanout.PollInterval != 500*time.Millisecond {
		t.Fatalf("durations not parsed: ttl=%s poll=%s", cfg.Ledger.ReadTTL, cfg.Fanout.PollInterval)
	}
	if cfg.Fanout.Heartbeat != 30*time.Second || cfg.RateLimit.Burst != 20 {
		t.Fatal("unset keys must keep their defaults")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("sample must validate: %v", err)
	}
}

func TestLoadExplicitMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("an explicit path that does not exist must fail")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"DATABASE_URL":              "postgres://env/leaseflow",
		"LEASEFLOW_ALLOWED_ORIGINS": "a.example.com, b.example.com ,",
		"LEASEFLOW_RATE_LIMIT_RPS":  "2.5",
		"LEASEFLOW_POLL_INTERVAL":   "3s",
	}
	if err := ApplyEnvOverrides(&cfg, func(k string) string { return env[k] }); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.Database.URL != "postgres://env/leaseflow" || cfg.RateLimit.RPS != 2.5 || cfg.Fanout.PollInterval != 3*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.Server.AllowedOrigins) != 2 || cfg.Server.AllowedOrigins[1] != "b.example.com" {
		t.Fatalf("unexpected origins %v", cfg.Server.AllowedOrigins)
	}

	env["LEASEFLOW_RATE_LIMIT_RPS"] = "fast"
	if err := ApplyEnvOverrides(&cfg, func(k string) string { return env[k] }); err == nil {
		t.Fatal("a malformed number must fail")
	}
}

func TestValidateListsMissingKeys(t *testing.T) {
	err := Default().Validate()
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	for _, key := range []string{"database.url", "ledger.programId", "auth.jwtSecret"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("expected %s in %q", key, err)
		}
	}
}
