package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.Scheduler.BucketSizeSecs != 3600 {
		t.Fatalf("expected default bucket size, got %d", cfg.Scheduler.BucketSizeSecs)
	}
	if cfg.Vault.BaseSymbol != "USDV" {
		t.Fatalf("expected default base symbol, got %q", cfg.Vault.BaseSymbol)
	}
}

func TestLoadOverridesAndFillsGaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recurd.toml")
	body := `
ListenAddress = ":9999"

[scheduler]
MaxSkips = 5

[fees]
Bps = 250
RouteAddress = "0x000000000000000000000000000000000000000f"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9999" {
		t.Fatalf("override lost: %q", cfg.ListenAddress)
	}
	if cfg.Scheduler.MaxSkips != 5 {
		t.Fatalf("expected MaxSkips 5, got %d", cfg.Scheduler.MaxSkips)
	}
	if cfg.Scheduler.BucketSizeSecs != 3600 {
		t.Fatalf("default not filled: %d", cfg.Scheduler.BucketSizeSecs)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	route := cfg.FeeRoute()
	if route[19] != 0x0f {
		t.Fatalf("fee route not decoded: %x", route)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero bucket", func(c *Config) { c.Scheduler.BucketSizeSecs = 0 }},
		{"queue age under bucket", func(c *Config) { c.Scheduler.MaxQueueAgeSecs = 10 }},
		{"fee bps over 10000", func(c *Config) { c.Fees.Bps = 10001 }},
		{"bad min deposit", func(c *Config) { c.Vault.MinDepositWei = "ten" }},
		{"bad manager address", func(c *Config) { c.Managers.DCAAddress = "not-an-address" }},
		{"zero group size", func(c *Config) { c.Topup.GroupSize = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
