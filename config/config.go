package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"vaultctl/crypto"

	"github.com/BurntSushi/toml"
)

// Config carries the client-side settings for talking to the vault program.
type Config struct {
	RPCURL                string `toml:"RPCURL"`
	Vault                 string `toml:"Vault"`
	BearerToken           string `toml:"BearerToken"`
	RequestTimeoutSeconds uint64 `toml:"RequestTimeoutSeconds"`
	Env                   string `toml:"Env"`
}

const defaultRPCURL = "http://127.0.0.1:8645"

// Load reads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalise()
	return cfg, nil
}

// VaultKey decodes the configured vault address.
func (c *Config) VaultKey() (crypto.PublicKey, error) {
	trimmed := strings.TrimSpace(c.Vault)
	if trimmed == "" {
		return crypto.PublicKey{}, fmt.Errorf("config: Vault address is required")
	}
	return crypto.DecodePublicKey(trimmed)
}

func (c *Config) normalise() {
	c.RPCURL = strings.TrimSpace(c.RPCURL)
	if c.RPCURL == "" {
		c.RPCURL = defaultRPCURL
	}
	c.Vault = strings.TrimSpace(c.Vault)
	c.BearerToken = strings.TrimSpace(c.BearerToken)
	c.Env = strings.TrimSpace(c.Env)
	if c.RequestTimeoutSeconds == 0 {
		c.RequestTimeoutSeconds = 10
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.normalise()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("config: create directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("config: create default file: %w", err)
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, fmt.Errorf("config: write default file: %w", err)
	}
	return cfg, nil
}
