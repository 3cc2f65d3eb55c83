package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/bkcoop/coop-server/internal/config"
	"github.com/bkcoop/coop-server/internal/monitoring"
	"github.com/bkcoop/coop-server/internal/server"
)

func main() {
	var (
		configPath = flag.String("config", "settings.toml", "path to the settings file")
		debug      = flag.Bool("debug", false, "enable debug logging (overrides configured level)")
	)
	flag.Parse()

	// Bootstrap logger so config loading itself is logged; rebuilt below once
	// the effective level and format are known.
	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})

	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime initialized")

	cfg, err := config.Load(*configPath, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}

	logger = monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	cfg.LogConfig(logger)

	srv := server.New(cfg, logger)
	if err := srv.Start(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	var admin *server.AdminServer
	if cfg.Admin.Addr != "" {
		admin = server.NewAdminServer(cfg.Admin.Addr, srv, logger)
		admin.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Signal received, shutting down")

	if admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		admin.Shutdown(ctx)
		cancel()
	}
	srv.Shutdown()
}
