package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIBaseURL != "https://api.attache.app" {
		t.Errorf("APIBaseURL = %q, want default", cfg.APIBaseURL)
	}
	if cfg.PageLimit != 50 {
		t.Errorf("PageLimit = %d, want 50", cfg.PageLimit)
	}
	if cfg.BackoffCap != 10*time.Second {
		t.Errorf("BackoffCap = %s, want 10s", cfg.BackoffCap)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ATTACHE_API_BASE_URL", "https://staging.attache.app")
	t.Setenv("ATTACHE_PAGE_LIMIT", "25")
	t.Setenv("ATTACHE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIBaseURL != "https://staging.attache.app" {
		t.Errorf("APIBaseURL = %q, want the staging override", cfg.APIBaseURL)
	}
	if cfg.PageLimit != 25 {
		t.Errorf("PageLimit = %d, want 25", cfg.PageLimit)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("ATTACHE_PAGE_LIMIT", "not-a-number")

	if _, err := Load(); err == nil {
		t.Fatal("Load accepted a malformed page limit")
	}
}
