package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/michaelpento.lv/flashsettle/apperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlConfig = `
backend: rpc
network:
  name: goerli
  rpc_endpoint: https://goerli.example/v3/key
  chain_id: 5
contract: "0x8000000000000000000000000000000000000008"
pool: "0x220c6A7D868FC38ECB47d5E69b99e9906300286A"
operator: "0x00000000000000000000000000000000000000aa"
borrower: "0x8000000000000000000000000000000000000008"
fee_bps: 5
default_budget: 500000
finality_timeout: 2m
poll_interval: 4s
rpc_rate_limit:
  requests_per_second: 2
  burst_size: 1
tokens:
  - symbol: USDC
    address: "0x07865c6e87b9f70255377e024ace6630c1eaa37f"
    decimals: 6
  - symbol: DAI
    address: "0x6b175474e89094c44da98b954eedeac495271d0f"
    decimals: 18
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	for _, k := range []string{EnvRPCURL, EnvPrivateKey, EnvNetwork, EnvBackend} {
		t.Setenv(k, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, BackendLocal, cfg.Backend)
	assert.Equal(t, uint16(9), cfg.FeeBps)
	assert.Equal(t, 30*time.Second, cfg.FinalityTimeout.Duration)
	require.Len(t, cfg.Tokens, 1)
	assert.Equal(t, "USDC", cfg.Tokens[0].Symbol)
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrivateKey, "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")

	cfg, err := LoadConfig(writeFile(t, "flashsettle.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, BackendRPC, cfg.Backend)
	assert.Equal(t, "goerli", cfg.Network.Name)
	assert.Equal(t, uint64(5), cfg.Network.ChainID)
	assert.Equal(t, uint16(5), cfg.FeeBps)
	assert.Equal(t, 2*time.Minute, cfg.FinalityTimeout.Duration)
	assert.Equal(t, 4*time.Second, cfg.PollInterval.Duration)
	assert.Len(t, cfg.Tokens, 2)
	assert.Equal(t, "0x8000000000000000000000000000000000000008", cfg.ContractAddress().Hex())
	assert.NotEmpty(t, cfg.PrivateKey)
}

func TestLoadJSON(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "flashsettle.json", `{
		"backend": "local",
		"fee_bps": 30,
		"finality_timeout": "5s",
		"seed": [{"symbol": "usdc", "account": "0x4000000000000000000000000000000000000004", "amount": "25"}]
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint16(30), cfg.FeeBps)
	assert.Equal(t, 5*time.Second, cfg.FinalityTimeout.Duration)
	assert.Equal(t, uint64(300000), cfg.DefaultBudget, "unset fields keep defaults")
	require.Len(t, cfg.Seed, 1)
	assert.Equal(t, "25", cfg.Seed[0].Amount)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvRPCURL, "https://sepolia.example/v3/key")
	t.Setenv(EnvNetwork, "sepolia")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "https://sepolia.example/v3/key", cfg.Network.RPCEndpoint)
	assert.Equal(t, "sepolia", cfg.Network.Name)

	t.Setenv(EnvBackend, BackendRPC)
	_, err = LoadConfig("")
	require.Error(t, err, "rpc backend needs a key and a contract")
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.Unsetenv(EnvNetwork))
	path := writeFile(t, ".env", "NETWORK=holesky\n")

	require.NoError(t, LoadEnv(path))
	assert.Equal(t, "holesky", os.Getenv(EnvNetwork))
	require.NoError(t, os.Unsetenv(EnvNetwork))

	assert.NoError(t, LoadEnv(filepath.Join(t.TempDir(), "missing.env")))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{name: "unknown_backend", mutate: func(c *Config) { c.Backend = "hardhat" }, wantMsg: "backend must be"},
		{name: "bad_pool", mutate: func(c *Config) { c.Pool = "pool" }, wantMsg: "pool must be"},
		{name: "zero_operator", mutate: func(c *Config) { c.Operator = "0x0000000000000000000000000000000000000000" }, wantMsg: "operator must be"},
		{name: "fee_too_high", mutate: func(c *Config) { c.FeeBps = 10001 }, wantMsg: "fee_bps"},
		{name: "no_budget", mutate: func(c *Config) { c.DefaultBudget = 0 }, wantMsg: "default_budget"},
		{name: "no_timeout", mutate: func(c *Config) { c.FinalityTimeout = Duration{} }, wantMsg: "finality_timeout"},
		{name: "burst", mutate: func(c *Config) { c.RPCRateLimit.BurstSize = 0 }, wantMsg: "burst size"},
		{
			name: "duplicate_token",
			mutate: func(c *Config) {
				c.Tokens = append(c.Tokens, TokenConfig{Symbol: "usdc", Address: c.Tokens[0].Address, Decimals: 6})
			},
			wantMsg: "duplicate symbol USDC",
		},
		{
			name:    "seed_unknown_token",
			mutate:  func(c *Config) { c.Seed[0].Symbol = "DAI" },
			wantMsg: "unknown token DAI",
		},
		{
			name:    "rpc_without_endpoint",
			mutate:  func(c *Config) { c.Backend = BackendRPC },
			wantMsg: "rpc_endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, apperror.CodeConfigurationError, apperror.GetCode(err))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}

	t.Run("aggregates", func(t *testing.T) {
		cfg := NewConfig()
		cfg.Pool = ""
		cfg.Borrower = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pool must be")
		assert.Contains(t, err.Error(), "borrower must be")
	})
}

func TestSaveConfig(t *testing.T) {
	clearEnv(t)
	for _, name := range []string{"out.json", "out.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			want := NewConfig()
			want.FinalityTimeout = Duration{45 * time.Second}
			require.NoError(t, SaveConfig(want, path))

			got, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, want.FinalityTimeout, got.FinalityTimeout)
			assert.Equal(t, want.Tokens, got.Tokens)
		})
	}
}
