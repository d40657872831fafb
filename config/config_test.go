package config

import (
	"errors"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"zero width", func(c *Config) { c.Width = 0 }, ErrInvalidSize},
		{"negative height", func(c *Config) { c.Height = -1 }, ErrInvalidSize},
		{"oversized", func(c *Config) { c.Width = MaxDimension + 1 }, ErrInvalidSize},
		{"zero budget", func(c *Config) { c.MemoryLimitBytes = 0 }, ErrInvalidBudget},
		{"empty addr", func(c *Config) { c.ListenAddr = "" }, ErrInvalidAddr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := Config{
		Width:            800,
		Height:           600,
		MemoryLimitBytes: 1 << 20,
		ListenAddr:       "127.0.0.1:0",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.HandshakeTimeout != DefaultHandshakeTimeout {
		t.Errorf("handshake timeout not defaulted: %v", cfg.HandshakeTimeout)
	}
	if cfg.QueueCapacity != DefaultQueueCapacity {
		t.Errorf("queue capacity not defaulted: %d", cfg.QueueCapacity)
	}
	if cfg.LoadWorkers != DefaultLoadWorkers {
		t.Errorf("load workers not defaulted: %d", cfg.LoadWorkers)
	}
}

func TestParseBackend(t *testing.T) {
	tests := []struct {
		in      string
		want    Backend
		wantErr bool
	}{
		{"auto", BackendAuto, false},
		{"", BackendAuto, false},
		{"software", BackendSoftware, false},
		{"wgpu", BackendWGPU, false},
		{"opengl", BackendAuto, true},
	}

	for _, tt := range tests {
		got, err := ParseBackend(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseBackend(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseBackend(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
