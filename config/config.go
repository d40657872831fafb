// Package config holds the renderer process startup configuration.
//
// A Config is parsed once at process start, validated with Validate,
// and treated as frozen afterward. Components receive it by value or
// read-only pointer; nothing mutates it after startup.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Backend selects the GPU backend. The backend is chosen exactly once,
// at startup, from validated configuration.
type Backend uint8

// Backend constants.
const (
	// BackendAuto picks the best registered backend (wgpu if available,
	// software otherwise).
	BackendAuto Backend = iota

	// BackendSoftware is the CPU reference device.
	BackendSoftware

	// BackendWGPU is the WebGPU device backed by gogpu/wgpu.
	BackendWGPU
)

// String returns the backend identifier used on the command line and in
// the gpu backend registry.
func (b Backend) String() string {
	switch b {
	case BackendAuto:
		return "auto"
	case BackendSoftware:
		return "software"
	case BackendWGPU:
		return "wgpu"
	default:
		return "unknown"
	}
}

// ParseBackend converts a backend name to a Backend value.
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "auto", "":
		return BackendAuto, nil
	case "software":
		return BackendSoftware, nil
	case "wgpu":
		return BackendWGPU, nil
	default:
		return BackendAuto, fmt.Errorf("config: unknown backend %q", s)
	}
}

// Validation errors. All of these are fatal at startup (spec: Fatal-startup
// taxonomy); the process reports them and exits before accepting connections.
var (
	ErrInvalidSize   = errors.New("config: width and height must be positive")
	ErrInvalidBudget = errors.New("config: memory limit must be positive")
	ErrInvalidAddr   = errors.New("config: listen address must not be empty")
)

// Default limits and tunables.
const (
	// DefaultHandshakeTimeout bounds each handshake step.
	DefaultHandshakeTimeout = 5 * time.Second

	// DefaultQueueCapacity is the per-tier command queue capacity.
	DefaultQueueCapacity = 256

	// DefaultLoadWorkers bounds the resource decode pool.
	DefaultLoadWorkers = 4

	// DefaultMemoryLimit is the GPU resource budget (64 MiB).
	DefaultMemoryLimit = 64 << 20

	// MaxDimension is the largest accepted surface edge, matching common
	// GPU max texture limits.
	MaxDimension = 16384
)

// Config is the renderer process configuration.
//
// Width/Height are the initial surface dimensions; the orchestrator may
// resize later through Resize commands. MemoryLimitBytes is the GPU
// resource budget enforced by the resource manager's eviction pass.
// AuthToken, when non-empty, must be presented by the orchestrator during
// the handshake.
type Config struct {
	Width            int
	Height           int
	Backend          Backend
	EnableVsync      bool
	MemoryLimitBytes int64

	ListenAddr       string
	AuthToken        string
	HandshakeTimeout time.Duration

	QueueCapacity int
	LoadWorkers   int
}

// Default returns a Config with sensible defaults for every tunable.
func Default() Config {
	return Config{
		Width:            1280,
		Height:           720,
		Backend:          BackendAuto,
		EnableVsync:      true,
		MemoryLimitBytes: DefaultMemoryLimit,
		ListenAddr:       "127.0.0.1:7821",
		HandshakeTimeout: DefaultHandshakeTimeout,
		QueueCapacity:    DefaultQueueCapacity,
		LoadWorkers:      DefaultLoadWorkers,
	}
}

// Validate checks the configuration and fills unset tunables with
// defaults. It returns the first fatal problem found.
func (c *Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return ErrInvalidSize
	}
	if c.Width > MaxDimension || c.Height > MaxDimension {
		return fmt.Errorf("%w: %dx%d exceeds max dimension %d",
			ErrInvalidSize, c.Width, c.Height, MaxDimension)
	}
	if c.MemoryLimitBytes <= 0 {
		return ErrInvalidBudget
	}
	if c.ListenAddr == "" {
		return ErrInvalidAddr
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.LoadWorkers <= 0 {
		c.LoadWorkers = DefaultLoadWorkers
	}
	return nil
}
