package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// Config carries the node-level settings for an escrowd deployment. The
// manager identity is part of configuration on purpose: it is injected at
// initialisation and only the upgrade governor may change it afterwards.
type Config struct {
	RPCAddress     string `toml:"RPCAddress"`
	DataDir        string `toml:"DataDir"`
	NetworkName    string `toml:"NetworkName"`
	ManagerAddress string `toml:"ManagerAddress"`
	// OwnerAddress gates the upgrade governor. Defaults to the manager when
	// left empty.
	OwnerAddress string `toml:"OwnerAddress"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for the fields the node cannot run
// without.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress is required")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("config: DataDir is required")
	}
	if _, err := ParseAddress(cfg.ManagerAddress); err != nil {
		return fmt.Errorf("config: ManagerAddress: %w", err)
	}
	if strings.TrimSpace(cfg.OwnerAddress) != "" {
		if _, err := ParseAddress(cfg.OwnerAddress); err != nil {
			return fmt.Errorf("config: OwnerAddress: %w", err)
		}
	}
	return nil
}

// Manager returns the parsed manager identity.
func (c *Config) Manager() ([20]byte, error) {
	return ParseAddress(c.ManagerAddress)
}

// Owner returns the parsed governor owner, falling back to the manager.
func (c *Config) Owner() ([20]byte, error) {
	if strings.TrimSpace(c.OwnerAddress) == "" {
		return c.Manager()
	}
	return ParseAddress(c.OwnerAddress)
}

// ParseAddress decodes a 0x-prefixed or bare hex address. Parsing goes through
// go-ethereum's checksummed type so comparisons downstream are case and format
// insensitive.
func ParseAddress(raw string) ([20]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address is required")
	}
	if !common.IsHexAddress(trimmed) {
		return [20]byte{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(trimmed), nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "escrowd-local"
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:  "127.0.0.1:8645",
		DataDir:     "./escrowd-data",
		NetworkName: "escrowd-local",
		// Placeholder manager; deployments must set their own before start.
		ManagerAddress: "0x0000000000000000000000000000000000000001",
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
