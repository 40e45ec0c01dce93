// Command sessiond is the agent session bridge daemon. It supervises agent
// CLI subprocesses, journals their output, and serves WebSocket clients with
// replay-then-live session streams.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/sessiond/internal/audit"
	"github.com/basket/sessiond/internal/bus"
	"github.com/basket/sessiond/internal/config"
	"github.com/basket/sessiond/internal/doctor"
	"github.com/basket/sessiond/internal/gateway"
	"github.com/basket/sessiond/internal/history"
	"github.com/basket/sessiond/internal/janitor"
	otelPkg "github.com/basket/sessiond/internal/otel"
	"github.com/basket/sessiond/internal/session"
	"github.com/basket/sessiond/internal/store"
	"github.com/basket/sessiond/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the session bridge daemon

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SESSIOND_HOME           Data directory (default: ~/.sessiond)
  SESSIOND_BIND_ADDR      Listen address override
  SESSIOND_AUTH_TOKEN     Bearer token for API and WebSocket access
  SESSIOND_AGENT_COMMAND  Agent CLI binary override
`)
}

func main() {
	home := flag.String("home", "", "data directory (overrides SESSIOND_HOME)")
	quietFlag := flag.Bool("quiet", false, "log to file only, never stdout")
	runDoctor := flag.Bool("doctor", false, "run environment checks and exit")
	version := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *version {
		fmt.Println(Version)
		return
	}

	// File-only logs when stdout is not a terminal; a service manager is
	// already capturing the stream and the jsonl file is the record.
	quiet := *quietFlag || !isatty.IsTerminal(os.Stdout.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir := *home
	if homeDir == "" {
		homeDir = config.HomeDir()
	}
	cfg, err := config.LoadFrom(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if *runDoctor {
		d := doctor.Run(ctx, &cfg, Version)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(d)
		if !d.Healthy() {
			os.Exit(1)
		}
		return
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("auth_token is empty on a non-loopback bind; anyone who can reach the port controls the agent", "bind_addr", cfg.BindAddr)
		}
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer audit.Close()

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Exporter: cfg.Telemetry.Exporter,
		Endpoint: cfg.Telemetry.Endpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	meta, err := store.Open(filepath.Join(cfg.HomeDir, "sessiond.db"))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer meta.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	hist, err := history.NewStore(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_HISTORY_OPEN", err)
	}
	defer hist.Close()

	spawn := session.Spawn{
		Command:  cfg.Agent.Command,
		BaseArgs: cfg.Agent.Args,
		Env:      cfg.Agent.Env,
		PTYRows:  cfg.Agent.PTYRows,
		PTYCols:  cfg.Agent.PTYCols,
	}
	registry := session.NewRegistry(logger, eventBus, spawn, hist, meta)
	if err := registry.BuildIndex(ctx); err != nil {
		fatalStartup(logger, "E_INDEX_BUILD", err)
	}
	defer registry.CloseAll()
	logger.Info("startup phase", "phase", "index_built")

	histWatcher, err := history.NewWatcher(logger, hist)
	if err != nil {
		fatalStartup(logger, "E_HISTORY_WATCH", err)
	}
	go histWatcher.Run(ctx)
	go registry.Watch(ctx, histWatcher.Changes())

	jan := janitor.New(janitor.Config{
		Registry: registry,
		Logger:   logger,
		Schedule: cfg.JanitorSchedule,
	})
	if err := jan.Start(); err != nil {
		fatalStartup(logger, "E_JANITOR_START", err)
	}
	defer jan.Stop()

	gw := gateway.New(gateway.Config{
		Registry:          registry,
		Bus:               eventBus,
		Logger:            logger,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
	})
	defer gw.Close()

	// Refresh the advertised fingerprint when config.yaml changes on disk.
	cfgWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := cfgWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range cfgWatcher.Events() {
				reloaded, err := config.LoadFrom(cfg.HomeDir)
				if err != nil {
					logger.Warn("config reload failed", "error", err)
					continue
				}
				gw.SetFingerprint(reloaded.Fingerprint())
				logger.Info("config reloaded", "fingerprint", reloaded.Fingerprint())
			}
		}()
	}

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws/sessions/{id}")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then close client streams, then the sessions
	// themselves via the deferred CloseAll.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	gw.Close()
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"sessiond","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
