package db

import (
	"testing"
	"time"
)

func TestParseConfigAppliesOptions(t *testing.T) {
	cfg, err := ParseConfig("postgres://u:p@localhost:5432/leaseflow", PoolOptions{MaxConns: 4, MaxConnLifetime: time.Minute})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.MaxConns != 4 || cfg.MaxConnLifetime != time.Minute {
		t.Fatalf("options not applied: max=%d lifetime=%s", cfg.MaxConns, cfg.MaxConnLifetime)
	}
}

func TestParseConfigRejectsEmpty(t *testing.T) {
	if _, err := ParseConfig("", DefaultPoolOptions); err == nil {
		t.Fatal("expected error for empty connection string")
	}
}
