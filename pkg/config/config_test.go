package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestValidateRejectsPortConflict(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DHTPort = cfg.BeaconPort
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for conflicting ports")
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for invalid log level")
	}
}

func TestValidateRejectsBadRUDPBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RUDPRetransmitMax = cfg.RUDPRetransmitMin / 2
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for inverted RUDP retransmit bounds")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BootstrapNodes = append(cfg.BootstrapNodes, "198.51.100.1:51821")

	clone := cfg.Clone()
	clone.BootstrapNodes = append(clone.BootstrapNodes, "203.0.113.1:51821")

	if len(cfg.BootstrapNodes) != 1 {
		t.Fatalf("expected original BootstrapNodes unaffected by clone mutation, got %v", cfg.BootstrapNodes)
	}
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "anonetrc")
	contents := "# comment\nDHTPort 51900\nBootstrapNode 198.51.100.1:51821\nLogLevel debug\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg := DefaultConfig()
	if err := LoadFromFile(path, cfg); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.DHTPort != 51900 {
		t.Errorf("expected DHTPort 51900, got %d", cfg.DHTPort)
	}
	if len(cfg.BootstrapNodes) != 1 || cfg.BootstrapNodes[0] != "198.51.100.1:51821" {
		t.Errorf("expected one bootstrap node, got %v", cfg.BootstrapNodes)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected LogLevel debug, got %s", cfg.LogLevel)
	}
}

func TestLoadFromFileRejectsTraversal(t *testing.T) {
	cfg := DefaultConfig()
	if err := LoadFromFile("../../etc/passwd", cfg); err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "anonetrc")

	original := DefaultConfig()
	original.DHTPort = 52000
	if err := SaveToFile(path, original); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	loaded := DefaultConfig()
	if err := LoadFromFile(path, loaded); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if loaded.DHTPort != 52000 {
		t.Errorf("expected DHTPort 52000 after round trip, got %d", loaded.DHTPort)
	}
}
