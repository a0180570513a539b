package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsAndDerivesScript(t *testing.T) {
	path := writeConfig(t, `
mining:
  pool_address: "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 3333 {
		t.Fatalf("expected default port 3333, got %d", cfg.Server.Port)
	}
	if cfg.Mining.Extranonce1Size != 4 {
		t.Fatalf("expected default extranonce1_size 4, got %d", cfg.Mining.Extranonce1Size)
	}
	if len(cfg.Mining.PoolScriptPubKey) != 25 {
		t.Fatalf("expected derived P2PKH script of 25 bytes, got %d", len(cfg.Mining.PoolScriptPubKey))
	}
}

func TestLoadRejectsUnsupportedAddress(t *testing.T) {
	path := writeConfig(t, `
mining:
  pool_address: "not-a-real-address"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unsupported pool address")
	}
}

func TestLoadRejectsMissingAddress(t *testing.T) {
	path := writeConfig(t, "mining:\n  coin_type: btc\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when pool_address is absent")
	}
}
