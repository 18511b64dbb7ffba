package config

import (
	"slices"
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got %q", cfg.Port)
	}
	if cfg.CooldownWindow != 10*time.Minute {
		t.Errorf("expected 10m cooldown, got %s", cfg.CooldownWindow)
	}
	if !slices.Equal(cfg.PledgeDenominations, []int64{100, 500, 1000}) {
		t.Errorf("unexpected denominations: %v", cfg.PledgeDenominations)
	}
	if cfg.FeeRate.String() != "0.05" {
		t.Errorf("expected fee rate 0.05, got %s", cfg.FeeRate)
	}
	if cfg.SweepSchedule != "@every 5s" || !cfg.RunMigrations {
		t.Errorf("unexpected sweep settings: %+v", cfg)
	}
}

func TestParse_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("COOLDOWN_WINDOW", "30s")
	t.Setenv("PLEDGE_DENOMINATIONS", "200,2000")
	t.Setenv("FEE_RATE", "0.1")
	t.Setenv("RUN_MIGRATIONS", "false")
	t.Setenv("SEED_FILE", "seeds/battles.yaml")

	cfg, err := Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Port != "9090" || cfg.CooldownWindow != 30*time.Second {
		t.Errorf("unexpected overrides: %+v", cfg)
	}
	if !slices.Equal(cfg.PledgeDenominations, []int64{200, 2000}) {
		t.Errorf("unexpected denominations: %v", cfg.PledgeDenominations)
	}
	if cfg.FeeRate.String() != "0.1" || cfg.RunMigrations || cfg.SeedFile != "seeds/battles.yaml" {
		t.Errorf("unexpected overrides: %+v", cfg)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"negative denomination", "PLEDGE_DENOMINATIONS", "100,-5"},
		{"fee rate of one", "FEE_RATE", "1"},
		{"zero attempts", "PLEDGE_MAX_ATTEMPTS", "0"},
		{"zero cooldown", "COOLDOWN_WINDOW", "0s"},
		{"garbage duration", "CACHE_TTL", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Parse(); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestParse_ZeroFeeRate(t *testing.T) {
	t.Setenv("FEE_RATE", "0")

	cfg, err := Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cfg.FeeRate.IsZero() {
		t.Errorf("expected zero fee rate, got %s", cfg.FeeRate)
	}
}
