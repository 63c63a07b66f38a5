package config

import (
	"os"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	t.Parallel()
	cfg := Default()
	if cfg.PageLimit != 50 {
		t.Errorf("PageLimit = %d, want 50", cfg.PageLimit)
	}
	if cfg.MinRequestInterval != 200*time.Millisecond {
		t.Errorf("MinRequestInterval = %s, want 200ms", cfg.MinRequestInterval)
	}
	if cfg.BackfillWorkerCount != 3 {
		t.Errorf("BackfillWorkerCount = %d, want 3", cfg.BackfillWorkerCount)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	os.Setenv("CHAIN_ID", "8453")
	os.Setenv("EXPLORER_PAGE_LIMIT", "100")
	defer os.Unsetenv("CHAIN_ID")
	defer os.Unsetenv("EXPLORER_PAGE_LIMIT")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ChainID != 8453 {
		t.Errorf("ChainID = %d, want 8453", cfg.ChainID)
	}
	if cfg.PageLimit != 100 {
		t.Errorf("PageLimit = %d, want 100", cfg.PageLimit)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}
