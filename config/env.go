package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Environment variables, as the deployment scripts name them
const (
	EnvRPCURL     = "INFURA_URL"
	EnvPrivateKey = "PRIVATE_KEY"
	EnvNetwork    = "NETWORK"
	EnvBackend    = "FLASHSETTLE_BACKEND"
)

// LoadEnv loads variables from .env files; missing files are not an error
func LoadEnv(files ...string) error {
	err := godotenv.Load(files...)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overlays environment variables on cfg
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvRPCURL); v != "" {
		c.Network.RPCEndpoint = v
	}
	if v := os.Getenv(EnvNetwork); v != "" {
		c.Network.Name = v
	}
	if v := os.Getenv(EnvBackend); v != "" {
		c.Backend = v
	}
	c.PrivateKey = os.Getenv(EnvPrivateKey)
}

// GetEnvWithDefault gets an environment variable with a default value
func GetEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
