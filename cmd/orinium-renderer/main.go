// Command orinium-renderer is the out-of-process renderer. It opens a GPU
// backend, listens for the orchestrator connection and serves render
// commands until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/orinium-browser/renderer/config"
	"github.com/orinium-browser/renderer/renderer"

	// GPU backends register themselves at init.
	_ "github.com/orinium-browser/renderer/gpu/software"
	_ "github.com/orinium-browser/renderer/gpu/wgpu"
)

func main() {
	cfg := config.Default()
	backend := flag.String("backend", cfg.Backend.String(), "gpu backend: auto, software or wgpu")
	flag.IntVar(&cfg.Width, "width", cfg.Width, "initial surface width")
	flag.IntVar(&cfg.Height, "height", cfg.Height, "initial surface height")
	flag.BoolVar(&cfg.EnableVsync, "vsync", cfg.EnableVsync, "present at the display rate")
	flag.Int64Var(&cfg.MemoryLimitBytes, "memory-limit", cfg.MemoryLimitBytes, "gpu resource budget in bytes")
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "orchestrator listen address")
	flag.StringVar(&cfg.AuthToken, "auth-token", "", "session token required from the orchestrator")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "per-step handshake deadline")
	flag.IntVar(&cfg.QueueCapacity, "queue-capacity", cfg.QueueCapacity, "per-tier command queue capacity")
	flag.IntVar(&cfg.LoadWorkers, "load-workers", cfg.LoadWorkers, "resource decode worker count")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	var err error
	if cfg.Backend, err = config.ParseBackend(*backend); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var logger *zap.Logger
	if *debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	core, err := renderer.New(cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := core.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("renderer failed", zap.Error(err))
	}
}
