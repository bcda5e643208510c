package config

import (
	"strings"
	"testing"
)

type envTestConfig struct {
	MaxPerRun int `env:"RUNSTATE_TEST_MAX_PER_RUN" envDefault:"50"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.MaxPerRun != 50 {
		t.Fatalf("expected default max per run 50, got %d", cfg.MaxPerRun)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("RUNSTATE_TEST_MAX_PER_RUN", "not-an-int")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}
