// Package config loads runtime configuration for the inference engine
// from environment variables or a YAML file.
//
// Environment Variables:
//
//	RWKV_BACKEND              - Preferred GPU backend name (default: auto-detect)
//	RWKV_CHUNK_SIZE           - Forward-pass chunk size in tokens (default: 32)
//	RWKV_MAX_BATCH            - Maximum concurrent batch slots (default: 1)
//	RWKV_MAX_BUFFER_MB        - Override for the max single-buffer size, in MiB
//	RWKV_LOG_LEVEL            - logrus level name (default: info)
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig controls backend selection and the pipelined job
// runtime's sizing.
//
// Example:
//
//	cfg := config.LoadFromEnv()
//	cfg, err := config.LoadConfig("./rwkv.yaml")
//	cfg := config.DefaultConfig()
type RuntimeConfig struct {
	Backend     string `yaml:"backend"`
	ChunkSize   int    `yaml:"chunk_size"`
	MaxBatch    int    `yaml:"max_batch"`
	MaxBufferMB int    `yaml:"max_buffer_mb"`
	LogLevel    string `yaml:"log_level"`
}

// DefaultConfig returns the configuration used when no file or
// environment override is present.
func DefaultConfig() *RuntimeConfig {
	return &RuntimeConfig{
		Backend:     "",
		ChunkSize:   32,
		MaxBatch:    1,
		MaxBufferMB: 0,
		LogLevel:    "info",
	}
}

// LoadConfig loads configuration from a YAML file, filling in defaults
// for any field the file does not set. A field the file sets
// explicitly, even to zero, keeps the file's value.
func LoadConfig(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from RWKV_* environment variables,
// falling back to DefaultConfig for anything unset. This is the
// recommended path for container deployments.
func LoadFromEnv() *RuntimeConfig {
	cfg := DefaultConfig()

	if v := os.Getenv("RWKV_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("RWKV_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkSize = n
		}
	}
	if v := os.Getenv("RWKV_MAX_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxBatch = n
		}
	}
	if v := os.Getenv("RWKV_MAX_BUFFER_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxBufferMB = n
		}
	}
	if v := os.Getenv("RWKV_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	return cfg
}
