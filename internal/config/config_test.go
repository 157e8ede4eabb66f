package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.HTTPAddress != "0.0.0.0:8090" {
		t.Fatalf("unexpected http address: %s", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "huddle.db" {
		t.Fatalf("unexpected database path: %s", cfg.DatabasePath)
	}
	if cfg.TokenTTL != 720*time.Minute {
		t.Fatalf("unexpected token ttl: %s", cfg.TokenTTL)
	}
	if cfg.Session != DefaultSessionTuning() {
		t.Fatalf("expected default session tuning, got %+v", cfg.Session)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	configViper := NewViper()

	if _, err := Load(configViper); err == nil {
		t.Fatal("expected error without signing secret")
	}
}

func TestDefaultSessionTuningValidates(t *testing.T) {
	if err := DefaultSessionTuning().Validate(); err != nil {
		t.Fatalf("default tuning must validate: %v", err)
	}
}

func TestSessionTuningRejectsInvertedStaleness(t *testing.T) {
	tuning := DefaultSessionTuning()
	tuning.StalenessThreshold = tuning.HeartbeatInterval

	err := tuning.Validate()
	if err == nil {
		t.Fatal("expected error when staleness does not exceed heartbeat")
	}
	if !strings.Contains(err.Error(), "staleness_threshold") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSessionTuningRejectsNonPositiveDebounce(t *testing.T) {
	tuning := DefaultSessionTuning()
	tuning.DocumentDebounce = 0

	if err := tuning.Validate(); err == nil {
		t.Fatal("expected error for zero document debounce")
	}
}

func TestSessionTuningRejectsZeroHistoryLimit(t *testing.T) {
	tuning := DefaultSessionTuning()
	tuning.HistoryLimit = 0

	if err := tuning.Validate(); err == nil {
		t.Fatal("expected error for zero history limit")
	}
}
