package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8000" {
		t.Errorf("unexpected listen addr: %q", cfg.ListenAddr)
	}
	if cfg.ProbeInterval != time.Hour {
		t.Errorf("unexpected probe interval: %v", cfg.ProbeInterval)
	}
	if cfg.ProbeTimeout != 10*time.Second {
		t.Errorf("unexpected probe timeout: %v", cfg.ProbeTimeout)
	}
	if !cfg.UsesDevSecret() {
		t.Error("expected the dev credential secret by default")
	}
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("CREDENTIAL_SECRET", "prod-secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("expected env override, got %q", cfg.ListenAddr)
	}
	if cfg.UsesDevSecret() {
		t.Error("expected UsesDevSecret to be false once CREDENTIAL_SECRET is set")
	}
}

func TestGenerateTemplateThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := GenerateTemplate(path); err != nil {
		t.Fatalf("generate template: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected template file to exist: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load generated template: %v", err)
	}
	if cfg.ListenAddr != ":8000" {
		t.Errorf("unexpected listen addr from template: %q", cfg.ListenAddr)
	}
}

func TestLoadMissingFileIsTolerated(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("expected missing config file to be tolerated, got: %v", err)
	}
	if cfg.ListenAddr != ":8000" {
		t.Errorf("unexpected listen addr: %q", cfg.ListenAddr)
	}
}
