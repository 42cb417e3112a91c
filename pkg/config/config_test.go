package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ChunkSize != 32 {
		t.Errorf("ChunkSize = %d, want 32", cfg.ChunkSize)
	}
	if cfg.MaxBatch != 1 {
		t.Errorf("MaxBatch = %d, want 1", cfg.MaxBatch)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("RWKV_BACKEND", "softgpu")
	t.Setenv("RWKV_CHUNK_SIZE", "64")
	t.Setenv("RWKV_MAX_BATCH", "4")
	t.Setenv("RWKV_LOG_LEVEL", "DEBUG")
	t.Setenv("RWKV_MAX_BUFFER_MB", "not-a-number")

	cfg := LoadFromEnv()
	if cfg.Backend != "softgpu" {
		t.Errorf("Backend = %q", cfg.Backend)
	}
	if cfg.ChunkSize != 64 {
		t.Errorf("ChunkSize = %d, want 64", cfg.ChunkSize)
	}
	if cfg.MaxBatch != 4 {
		t.Errorf("MaxBatch = %d, want 4", cfg.MaxBatch)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want lowercased debug", cfg.LogLevel)
	}
	if cfg.MaxBufferMB != 0 {
		t.Errorf("unparsable env must keep default, got %d", cfg.MaxBufferMB)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rwkv.yaml")
	body := "backend: softgpu\nchunk_size: 128\nmax_batch: 2\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Backend != "softgpu" || cfg.ChunkSize != 128 || cfg.MaxBatch != 2 {
		t.Errorf("loaded %+v", cfg)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("unset field must keep default, got %q", cfg.LogLevel)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file must fail")
	}
}
