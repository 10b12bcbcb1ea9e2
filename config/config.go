package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/michaelpento.lv/flashsettle/apperror"
	"gopkg.in/yaml.v2"
)

// Backends
const (
	BackendLocal = "local"
	BackendRPC   = "rpc"
)

type Config struct {
	Backend string        `json:"backend" yaml:"backend"`
	Network NetworkConfig `json:"network" yaml:"network"`

	// Deployment addresses, hex encoded
	Contract string `json:"contract" yaml:"contract"`
	Pool     string `json:"pool" yaml:"pool"`
	Operator string `json:"operator" yaml:"operator"`
	Borrower string `json:"borrower" yaml:"borrower"`

	// Settlement parameters
	FeeBps          uint16   `json:"fee_bps" yaml:"fee_bps"`
	DefaultBudget   uint64   `json:"default_budget" yaml:"default_budget"`
	FinalityTimeout Duration `json:"finality_timeout" yaml:"finality_timeout"`
	PollInterval    Duration `json:"poll_interval" yaml:"poll_interval"`
	FinalityDelay   Duration `json:"finality_delay" yaml:"finality_delay"`

	RPCRateLimit RateLimitConfig `json:"rpc_rate_limit" yaml:"rpc_rate_limit"`

	Tokens []TokenConfig `json:"tokens" yaml:"tokens"`
	Seed   []SeedBalance `json:"seed" yaml:"seed"`

	// Signing key, only ever read from the environment
	PrivateKey string `json:"-" yaml:"-"`
}

type NetworkConfig struct {
	Name        string `json:"name" yaml:"name"`
	RPCEndpoint string `json:"rpc_endpoint" yaml:"rpc_endpoint"`
	ChainID     uint64 `json:"chain_id" yaml:"chain_id"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `json:"burst_size" yaml:"burst_size"`
}

// TokenConfig is one row of the asset-decimals table
type TokenConfig struct {
	Symbol   string `json:"symbol" yaml:"symbol"`
	Address  string `json:"address" yaml:"address"`
	Decimals uint8  `json:"decimals" yaml:"decimals"`
}

// SeedBalance funds an account on the local backend, in whole units
type SeedBalance struct {
	Symbol  string `json:"symbol" yaml:"symbol"`
	Account string `json:"account" yaml:"account"`
	Amount  string `json:"amount" yaml:"amount"`
}

// Duration accepts "30s" style strings in both JSON and YAML
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Address helpers; Validate guarantees they parse

func (c *Config) ContractAddress() common.Address { return common.HexToAddress(c.Contract) }
func (c *Config) PoolAddress() common.Address     { return common.HexToAddress(c.Pool) }
func (c *Config) OperatorAddress() common.Address { return common.HexToAddress(c.Operator) }
func (c *Config) BorrowerAddress() common.Address { return common.HexToAddress(c.Borrower) }

func (c *Config) Validate() error {
	var errors []string

	switch c.Backend {
	case BackendLocal:
	case BackendRPC:
		if c.Network.RPCEndpoint == "" {
			errors = append(errors, "network.rpc_endpoint must be specified for the rpc backend")
		}
		if c.PrivateKey == "" {
			errors = append(errors, EnvPrivateKey+" must be set for the rpc backend")
		}
		if !isAddress(c.Contract) {
			errors = append(errors, "contract must be a hex address")
		}
	default:
		errors = append(errors, fmt.Sprintf("backend must be %q or %q, got %q", BackendLocal, BackendRPC, c.Backend))
	}

	if !isAddress(c.Pool) {
		errors = append(errors, "pool must be a hex address")
	}
	if !isAddress(c.Operator) {
		errors = append(errors, "operator must be a hex address")
	}
	if !isAddress(c.Borrower) {
		errors = append(errors, "borrower must be a hex address")
	}
	if c.FeeBps > 10000 {
		errors = append(errors, "fee_bps must not exceed 10000")
	}
	if c.DefaultBudget == 0 {
		errors = append(errors, "default_budget must be positive")
	}
	if c.FinalityTimeout.Duration <= 0 {
		errors = append(errors, "finality_timeout must be positive")
	}
	if err := c.RPCRateLimit.Validate(); err != nil {
		errors = append(errors, fmt.Sprintf("rpc rate limit error: %v", err))
	}

	symbols := make(map[string]bool)
	for i, t := range c.Tokens {
		sym := strings.ToUpper(strings.TrimSpace(t.Symbol))
		if sym == "" {
			errors = append(errors, fmt.Sprintf("tokens[%d]: symbol must be specified", i))
		}
		if symbols[sym] {
			errors = append(errors, fmt.Sprintf("tokens[%d]: duplicate symbol %s", i, sym))
		}
		symbols[sym] = true
		if !isAddress(t.Address) {
			errors = append(errors, fmt.Sprintf("tokens[%d]: address must be a hex address", i))
		}
	}
	for i, s := range c.Seed {
		if !symbols[strings.ToUpper(strings.TrimSpace(s.Symbol))] {
			errors = append(errors, fmt.Sprintf("seed[%d]: unknown token %s", i, s.Symbol))
		}
		if !isAddress(s.Account) {
			errors = append(errors, fmt.Sprintf("seed[%d]: account must be a hex address", i))
		}
		if s.Amount == "" {
			errors = append(errors, fmt.Sprintf("seed[%d]: amount must be specified", i))
		}
	}

	if len(errors) > 0 {
		return apperror.New(apperror.CodeConfigurationError,
			apperror.WithContext(strings.Join(errors, "; ")))
	}
	return nil
}

func (r *RateLimitConfig) Validate() error {
	if r.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second must not be negative")
	}
	if r.RequestsPerSecond > 0 && r.BurstSize <= 0 {
		return fmt.Errorf("burst size must be positive")
	}
	return nil
}

func isAddress(s string) bool {
	return common.IsHexAddress(s) && common.HexToAddress(s) != (common.Address{})
}

// LoadConfig reads a JSON or YAML file over the defaults, applies the
// environment and validates the result. An empty path uses defaults only.
func LoadConfig(cfgFile string) (*Config, error) {
	cfg := NewConfig()

	if cfgFile != "" {
		data, err := os.ReadFile(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(cfgFile)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, cfg)
		default:
			err = json.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes cfg as JSON or YAML depending on the extension
func SaveConfig(cfg *Config, cfgFile string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(cfgFile)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "    ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(cfgFile, data, 0o644)
}

// NewConfig returns a local deployment with USDC registered and a funded pool
func NewConfig() *Config {
	return &Config{
		Backend: BackendLocal,
		Network: NetworkConfig{
			Name:    "sepolia",
			ChainID: 11155111,
		},
		Pool:            "0x220c6A7D868FC38ECB47d5E69b99e9906300286A",
		Operator:        "0x00000000000000000000000000000000000000aa",
		Borrower:        "0x00000000000000000000000000000000000000bb",
		FeeBps:          9,
		DefaultBudget:   300000,
		FinalityTimeout: Duration{30 * time.Second},
		PollInterval:    Duration{2 * time.Second},
		RPCRateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			BurstSize:         10,
		},
		Tokens: []TokenConfig{
			{Symbol: "USDC", Address: "0x07865c6e87b9f70255377e024ace6630c1eaa37f", Decimals: 6},
		},
		Seed: []SeedBalance{
			{Symbol: "USDC", Account: "0x220c6A7D868FC38ECB47d5E69b99e9906300286A", Amount: "1000000"},
			{Symbol: "USDC", Account: "0x00000000000000000000000000000000000000bb", Amount: "100"},
		},
	}
}
