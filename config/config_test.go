package config

import (
	"os"
	"path/filepath"
	"testing"

	"vaultctl/crypto"
)

func TestLoadExistingFile(t *testing.T) {
	key := crypto.PublicKey{1, 2, 3}
	path := filepath.Join(t.TempDir(), "vaultctl.toml")
	body := "RPCURL = \"http://10.0.0.5:8645\"\n" +
		"Vault = \"" + key.String() + "\"\n" +
		"BearerToken = \" secret \"\n" +
		"RequestTimeoutSeconds = 30\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RPCURL != "http://10.0.0.5:8645" {
		t.Fatalf("RPCURL = %q", cfg.RPCURL)
	}
	if cfg.BearerToken != "secret" {
		t.Fatalf("BearerToken = %q", cfg.BearerToken)
	}
	if cfg.RequestTimeoutSeconds != 30 {
		t.Fatalf("RequestTimeoutSeconds = %d", cfg.RequestTimeoutSeconds)
	}
	decoded, err := cfg.VaultKey()
	if err != nil {
		t.Fatalf("VaultKey: %v", err)
	}
	if decoded != key {
		t.Fatalf("VaultKey = %s", decoded)
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vaultctl.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RPCURL != defaultRPCURL {
		t.Fatalf("RPCURL = %q", cfg.RPCURL)
	}
	if cfg.RequestTimeoutSeconds != 10 {
		t.Fatalf("RequestTimeoutSeconds = %d", cfg.RequestTimeoutSeconds)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v", info.Mode().Perm())
	}
	if _, err := cfg.VaultKey(); err == nil {
		t.Fatal("default config must not carry a vault address")
	}
}

func TestVaultKeyRejectsGarbage(t *testing.T) {
	cfg := &Config{Vault: "not-a-bech32-address"}
	if _, err := cfg.VaultKey(); err == nil {
		t.Fatal("expected decode error")
	}
}
