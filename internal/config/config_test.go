package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestLoadOverlaysOntoDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("listen:\n  port: 9443\nenableNullCiphers: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Listen.Port != 9443 {
		t.Errorf("port = %d, want 9443", cfg.Listen.Port)
	}
	if !cfg.EnableNullCiphers {
		t.Errorf("expected enableNullCiphers to be overlaid onto true")
	}
	if cfg.SessionTimeoutSec != Default().SessionTimeoutSec {
		t.Errorf("expected unspecified fields to retain their default")
	}
}

func TestLoadRejectsInvalidCipherPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("cipherPolicy: bogus\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an invalid cipher policy")
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an out-of-range port")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if cfg.HandshakeTimeout().Milliseconds() != int64(cfg.HandshakeTimeoutMs) {
		t.Errorf("HandshakeTimeout mismatch")
	}
	if cfg.SessionTimeout().Seconds() != float64(cfg.SessionTimeoutSec) {
		t.Errorf("SessionTimeout mismatch")
	}
}
