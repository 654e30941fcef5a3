package postgres

import (
	"strings"
	"testing"
	"time"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if !cfg.Migrate || cfg.MaxOpenConns != 20 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestConfigValidate(t *testing.T) {
	base := Config{URL: "postgres://x", PingTimeout: time.Second, MaxOpenConns: 2, MaxIdleConns: 1}
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "missing url", mutate: func(c *Config) { c.URL = "" }, want: "DATABASE_URL"},
		{name: "no ping timeout", mutate: func(c *Config) { c.PingTimeout = 0 }, want: "DATABASE_PING_TIMEOUT"},
		{name: "idle above open", mutate: func(c *Config) { c.MaxIdleConns = 3 }, want: "DATABASE_MAX_IDLE_CONNS"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() err=%v, want mention of %s", err, tc.want)
			}
		})
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("Validate() base err=%v", err)
	}
}
