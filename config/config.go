package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"cascade/crypto"
	nativecommon "cascade/native/common"
)

// Log controls the structured log output and rotation policy.
type Log struct {
	Level      string `toml:"Level"`
	File       string `toml:"File,omitempty"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// API controls the HTTP surface.
type API struct {
	ListenAddress     string `toml:"ListenAddress"`
	TokenSecretEnv    string `toml:"TokenSecretEnv"`
	RequestsPerMinute int    `toml:"RequestsPerMinute"`
}

// Capabilities grants the privileged entry points to bech32 addresses.
type Capabilities struct {
	Issuers         []string `toml:"Issuers"`
	Distributors    []string `toml:"Distributors"`
	Reporters       []string `toml:"Reporters"`
	Executors       []string `toml:"Executors"`
	TriggerAdmins   []string `toml:"TriggerAdmins"`
	ForcedRedeemers []string `toml:"ForcedRedeemers"`
}

type Config struct {
	DataDir         string       `toml:"DataDir"`
	ExplorerDB      string       `toml:"ExplorerDB"`
	Authority       string       `toml:"Authority"`
	ClaimBatchLimit uint64       `toml:"ClaimBatchLimit"`
	API             API          `toml:"API"`
	Log             Log          `toml:"Log"`
	Capabilities    Capabilities `toml:"Capabilities"`
}

// Load reads the configuration from path, creating a default file when none
// exists. Unknown keys are rejected rather than silently dropped.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./cascade-data"
	}
	if c.API.ListenAddress == "" {
		c.API.ListenAddress = ":8080"
	}
	if c.API.TokenSecretEnv == "" {
		c.API.TokenSecretEnv = "CASCADE_API_SECRET"
	}
	if c.API.RequestsPerMinute == 0 {
		c.API.RequestsPerMinute = 600
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 30
	}
	if c.ExplorerDB == "" {
		c.ExplorerDB = filepath.Join(c.DataDir, "explorer.db")
	}
}

// Validate checks address material and limits before the daemon starts.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Authority) == "" {
		return fmt.Errorf("config: Authority address is required")
	}
	if _, err := crypto.DecodeAddress(c.Authority); err != nil {
		return fmt.Errorf("config: Authority: %w", err)
	}
	grants := map[string][]string{
		"Issuers":         c.Capabilities.Issuers,
		"Distributors":    c.Capabilities.Distributors,
		"Reporters":       c.Capabilities.Reporters,
		"Executors":       c.Capabilities.Executors,
		"TriggerAdmins":   c.Capabilities.TriggerAdmins,
		"ForcedRedeemers": c.Capabilities.ForcedRedeemers,
	}
	for field, addrs := range grants {
		for _, raw := range addrs {
			if _, err := crypto.DecodeAddress(raw); err != nil {
				return fmt.Errorf("config: Capabilities.%s: %q: %w", field, raw, err)
			}
		}
	}
	if c.API.RequestsPerMinute < 0 {
		return fmt.Errorf("config: API.RequestsPerMinute must not be negative")
	}
	return nil
}

// AuthorityAddress returns the decoded internal authority address.
func (c *Config) AuthorityAddress() (crypto.Address, error) {
	return crypto.DecodeAddress(c.Authority)
}

// CapabilityTable builds the engine capability view from the configured
// grants. The authority always receives the issuer and distributor
// capabilities it needs to drive the ledger during execution.
func (c *Config) CapabilityTable() (nativecommon.StaticCapabilities, error) {
	table := nativecommon.StaticCapabilities{}
	grants := []struct {
		cap   nativecommon.Capability
		addrs []string
	}{
		{nativecommon.CapIssuer, c.Capabilities.Issuers},
		{nativecommon.CapDistributor, c.Capabilities.Distributors},
		{nativecommon.CapReporter, c.Capabilities.Reporters},
		{nativecommon.CapExecutor, c.Capabilities.Executors},
		{nativecommon.CapTriggerAdmin, c.Capabilities.TriggerAdmins},
		{nativecommon.CapForcedRedeem, c.Capabilities.ForcedRedeemers},
	}
	for _, grant := range grants {
		for _, raw := range grant.addrs {
			addr, err := crypto.DecodeAddress(raw)
			if err != nil {
				return nil, err
			}
			table = table.Grant(grant.cap, addr)
		}
	}
	authority, err := c.AuthorityAddress()
	if err != nil {
		return nil, err
	}
	table = table.Grant(nativecommon.CapIssuer, authority)
	table = table.Grant(nativecommon.CapDistributor, authority)
	return table, nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
