package main

import (
	"context"
	"strings"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ORCH_STORE", "memory")
	t.Setenv("ORCH_MAX_CONCURRENT_OPERATIONS", "3")
	t.Setenv("ORCH_MAX_CPU", "2.5")
	t.Setenv("ORCH_MAX_MEMORY_MB", "512")
	t.Setenv("ORCH_MAX_CONCURRENT_STEPS", "6")

	cfg, err := loadConfig(context.Background())
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Store != storeMemory || cfg.Addr != ":8090" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Quotas.MaxConcurrentOperations != 3 || cfg.Quotas.MaxCPU != 2.5 || cfg.Quotas.MaxMemoryMB != 512 || cfg.Quotas.MaxConcurrentSteps != 6 {
		t.Fatalf("unexpected quotas: %+v", cfg.Quotas)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"store", map[string]string{"ORCH_STORE": "sqlite"}, "ORCH_STORE"},
		{"archive without keep", map[string]string{"ORCH_ARCHIVE_ENABLED": "true"}, "ORCH_CHECKPOINT_KEEP"},
		{"bad duration", map[string]string{"ORCH_SHUTDOWN_TIMEOUT": "soon"}, "ORCH_SHUTDOWN_TIMEOUT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("ORCH_STORE", "memory")
			t.Setenv("ORCH_MAX_CONCURRENT_OPERATIONS", "1")
			t.Setenv("ORCH_MAX_CPU", "1")
			t.Setenv("ORCH_MAX_MEMORY_MB", "128")
			t.Setenv("ORCH_MAX_CONCURRENT_STEPS", "1")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig(context.Background())
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}
