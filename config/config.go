// Package config loads the client's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tolelom/framebattles/core"
	"gopkg.in/yaml.v3"
)

const (
	// BaseMainnetChainID is the network the FrameBattles contract is deployed on.
	BaseMainnetChainID = 8453
	// DefaultContract is the deployed FrameBattles address on Base.
	DefaultContract = "0xD9361b16aaD90B23929E571564668b542aC7F4a9"
	// DevChainID identifies the in-process development ledger.
	DevChainID = 31337
)

// NetworkConfig selects the ledger the client talks to.
type NetworkConfig struct {
	ChainID  uint64 `yaml:"chain_id"`
	RPCURL   string `yaml:"rpc_url"`
	Contract string `yaml:"contract"`
}

// GasConfig holds the gas limit attached to each mutating call.
type GasConfig struct {
	Create  uint64 `yaml:"create"`
	Accept  uint64 `yaml:"accept"`
	Resolve uint64 `yaml:"resolve"`
	Cancel  uint64 `yaml:"cancel"`
}

// Limit returns the configured gas limit for m, or 0 for methods the client
// does not submit.
func (g GasConfig) Limit(m core.Method) uint64 {
	switch m {
	case core.MethodCreateBattle:
		return g.Create
	case core.MethodAcceptBattle:
		return g.Accept
	case core.MethodResolveBattle:
		return g.Resolve
	case core.MethodCancelBattle:
		return g.Cancel
	default:
		return 0
	}
}

// TLSConfig holds PEM paths for serving the API over TLS.
// An empty CertFile disables TLS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	ClientCA string `yaml:"client_ca"` // optional; enables mutual TLS
}

// APIConfig configures the UI-facing JSON-RPC server.
type APIConfig struct {
	Port        int       `yaml:"port"`
	AuthToken   string    `yaml:"auth_token"` // empty disables bearer auth
	CORSOrigins []string  `yaml:"cors_origins"`
	TLS         TLSConfig `yaml:"tls"`
}

// DevConfig configures the in-process development ledger.
type DevConfig struct {
	Enabled        bool              `yaml:"enabled"`
	ChainID        uint64            `yaml:"chain_id"`
	BlockInterval  time.Duration     `yaml:"block_interval"` // 0 mines on every submission
	Owner          string            `yaml:"owner"`          // contract owner; defaults to the local key
	PlatformFeeBps uint64            `yaml:"platform_fee_bps"`
	Alloc          map[string]string `yaml:"alloc"` // address hex → balance in ether
}

// Config holds all client configuration.
type Config struct {
	Network           NetworkConfig `yaml:"network"`
	Gas               GasConfig     `yaml:"gas"`
	API               APIConfig     `yaml:"api"`
	DataDir           string        `yaml:"data_dir"`
	Keystore          string        `yaml:"keystore"`
	AllowedChains     []uint64      `yaml:"allowed_chains"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	RefreshInterval   time.Duration `yaml:"refresh_interval"`
	LeaderboardLimit  uint64        `yaml:"leaderboard_limit"`
	MinBattleDuration time.Duration `yaml:"min_battle_duration"`
	LogLevel          string        `yaml:"log_level"`
	Dev               DevConfig     `yaml:"dev"`
}

// DefaultConfig returns a configuration targeting the deployed contract on Base.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			ChainID:  BaseMainnetChainID,
			RPCURL:   "https://mainnet.base.org",
			Contract: DefaultContract,
		},
		Gas: GasConfig{
			Create:  500_000,
			Accept:  300_000,
			Resolve: 300_000,
			Cancel:  200_000,
		},
		API: APIConfig{
			Port:        8080,
			CORSOrigins: []string{"*"},
		},
		DataDir:           "./data",
		Keystore:          "./data/key.json",
		AllowedChains:     []uint64{BaseMainnetChainID, DevChainID},
		CacheTTL:          15 * time.Second,
		RefreshInterval:   30 * time.Second,
		LeaderboardLimit:  20,
		MinBattleDuration: time.Hour,
		LogLevel:          "info",
		Dev: DevConfig{
			ChainID:        DevChainID,
			PlatformFeeBps: 250,
			Alloc:          map[string]string{},
		},
	}
}

// Load reads a YAML config file from path on top of the defaults and applies
// FB_* environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to path as YAML.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// FromEnv returns the defaults with FB_* environment overrides applied.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Network.RPCURL = envOrDefault("FB_RPC_URL", c.Network.RPCURL)
	c.Network.Contract = envOrDefault("FB_CONTRACT", c.Network.Contract)
	c.API.AuthToken = envOrDefault("FB_AUTH_TOKEN", c.API.AuthToken)
	c.DataDir = envOrDefault("FB_DATA_DIR", c.DataDir)
	c.Keystore = envOrDefault("FB_KEYSTORE", c.Keystore)
	c.LogLevel = envOrDefault("FB_LOG_LEVEL", c.LogLevel)
	c.Dev.Enabled = envBool("FB_DEV", c.Dev.Enabled)

	if v := os.Getenv("FB_CHAIN_ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("FB_CHAIN_ID: %w", err)
		}
		c.Network.ChainID = id
	}
	if v := os.Getenv("FB_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FB_API_PORT: %w", err)
		}
		c.API.Port = port
	}
	return nil
}

// TargetChainID is the chain every read and write must be addressed to.
func (c *Config) TargetChainID() uint64 {
	if c.Dev.Enabled {
		return c.Dev.ChainID
	}
	return c.Network.ChainID
}

// ContractAddress returns the configured contract address.
func (c *Config) ContractAddress() common.Address {
	return common.HexToAddress(c.Network.Contract)
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if c.TargetChainID() == 0 {
		return errors.New("chain id must be set")
	}
	if !common.IsHexAddress(c.Network.Contract) {
		return fmt.Errorf("invalid contract address %q", c.Network.Contract)
	}
	if !c.Dev.Enabled && c.Network.RPCURL == "" {
		return errors.New("network.rpc_url is required outside dev mode")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port %d", c.API.Port)
	}
	if c.LeaderboardLimit == 0 {
		return errors.New("leaderboard_limit must be positive")
	}
	for _, m := range []core.Method{core.MethodCreateBattle, core.MethodAcceptBattle, core.MethodResolveBattle, core.MethodCancelBattle} {
		if c.Gas.Limit(m) == 0 {
			return fmt.Errorf("gas limit for %s must be positive", m)
		}
	}
	if c.Dev.Enabled {
		if _, err := c.Dev.ParseAlloc(); err != nil {
			return err
		}
		if c.Dev.Owner != "" && !common.IsHexAddress(c.Dev.Owner) {
			return fmt.Errorf("invalid dev owner %q", c.Dev.Owner)
		}
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
