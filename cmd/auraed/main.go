// Command auraed is the node-local workload isolation and lifecycle
// daemon described in spec §1: it runs with PID-1-class responsibility
// and exposes the Cell subsystem over an RPC surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/aurae-runtime/aurae-sub000/internal/cells"
	"github.com/aurae-runtime/aurae-sub000/internal/cells/nsinit"
	"github.com/aurae-runtime/aurae-sub000/internal/rpcserver"
)

// nsinitMarker must match cells.nsinitMarker; duplicated here because
// main must decide whether it's an nsinit child before it imports, or
// initializes, anything else -- the same dispatch every runc-derived
// re-exec pattern in the retrieved pack performs as the very first
// statement in main().
const nsinitMarker = "__aurae_nsinit__"

func main() {
	if len(os.Args) > 1 && os.Args[1] == nsinitMarker {
		nsinit.Main(os.Args[2:])
		return
	}

	cfg := parseConfig()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "auraed",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("auraed exited with error", "error", err)
		os.Exit(1)
	}
}

// Config is the daemon's ambient configuration surface (SPEC_FULL.md
// AMBIENT STACK: Configuration).
type Config struct {
	CgroupRoot string
	ListenAddr string
	LogLevel   string
	StopGrace  time.Duration
}

// DefaultConfig returns the daemon's zero-config defaults.
func DefaultConfig() *Config {
	return &Config{
		CgroupRoot: cells.DefaultCgroupRoot,
		ListenAddr: "127.0.0.1:50051",
		LogLevel:   "info",
		StopGrace:  cells.DefaultStopGrace,
	}
}

// Merge overlays non-zero fields of other onto c, returning c.
func (c *Config) Merge(other *Config) *Config {
	if other == nil {
		return c
	}
	if other.CgroupRoot != "" {
		c.CgroupRoot = other.CgroupRoot
	}
	if other.ListenAddr != "" {
		c.ListenAddr = other.ListenAddr
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.StopGrace != 0 {
		c.StopGrace = other.StopGrace
	}
	return c
}

func parseConfig() *Config {
	cfg := DefaultConfig()
	flagCfg := &Config{}
	flag.StringVar(&flagCfg.CgroupRoot, "cgroup-root", "", "aurae-owned cgroup-v2 subtree root")
	flag.StringVar(&flagCfg.ListenAddr, "listen", "", "RPC listen address")
	flag.StringVar(&flagCfg.LogLevel, "log-level", "", "log level (trace|debug|info|warn|error)")
	flag.DurationVar(&flagCfg.StopGrace, "stop-grace", 0, "default SIGTERM->SIGKILL grace period")
	flag.Parse()
	return cfg.Merge(flagCfg)
}

func run(cfg *Config, logger hclog.Logger) error {
	registry := cells.NewRegistry(logger, cfg.CgroupRoot)
	registry.Start()

	svc := cells.NewService(registry, logger)
	cellServer := rpcserver.NewCellServer(svc, logger)
	server, err := rpcserver.New(cellServer, logger)
	if err != nil {
		return fmt.Errorf("registering RPC server: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.ListenAddr, err)
	}
	logger.Info("auraed listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	err = <-errCh
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if shutdownErr := registry.Shutdown(ctx); shutdownErr != nil {
		logger.Error("error during shutdown", "error", shutdownErr)
	}
	return err
}
