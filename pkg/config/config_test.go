package config

import (
	"errors"
	"testing"

	"github.com/archivelabs/chainindexer/pkg/types"
)

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Default(4)
		c.PgURL = "postgres://localhost/archive"
		c.ChainDataDir = "/var/lib/chain"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c Config) Config
		wantErr bool
	}{
		{"valid config", func(c Config) Config { return c }, false},
		{"missing pg url", func(c Config) Config { c.PgURL = ""; return c }, true},
		{"missing chain dir", func(c Config) Config { c.ChainDataDir = ""; return c }, true},
		{"zero task workers", func(c Config) Config { c.TaskWorkers = 0; return c }, true},
		{"negative task timeout", func(c Config) Config { c.TaskTimeout = -1; return c }, true},
		{"zero max tasks", func(c Config) Config { c.MaxTasks = 0; return c }, true},
		{"zero max block load", func(c Config) Config { c.MaxBlockLoad = 0; return c }, true},
		{"zero cache size", func(c Config) Config { c.CacheSize = 0; return c }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mutate(valid()).Validate()
			if tt.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if tt.wantErr && !errors.Is(err, types.ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	c := Default(8)
	if c.TaskWorkers != 8 {
		t.Fatalf("expected TaskWorkers 8, got %d", c.TaskWorkers)
	}
	if c.MaxTasks != 64 {
		t.Fatalf("expected MaxTasks 64, got %d", c.MaxTasks)
	}
	if c.MaxBlockLoad != 100_000 {
		t.Fatalf("expected MaxBlockLoad 100000, got %d", c.MaxBlockLoad)
	}
}
