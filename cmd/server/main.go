package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/tcpecho/internal/di"
	"github.com/Tyrowin/tcpecho/internal/logger"
	"github.com/Tyrowin/tcpecho/internal/server"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	genConfig := flag.String("gen-config", "", "Generate default configuration file at specified path and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [port] [host] [heartbeat-interval-seconds]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *genConfig != "" {
		if err := server.WriteDefaultConfig(*genConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate configuration file: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *genConfig)
		return
	}

	override, err := parseArgs(flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	container := di.NewContainer()
	if err := container.Configure(*configPath, override); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure container: %v\n", err)
		os.Exit(1)
	}

	if err := container.Invoke(func(cfg *server.Config, srv *server.Server, admin *server.AdminServer, log zerolog.Logger) error {
		return run(*configPath, cfg, srv, admin, log)
	}); err != nil {
		logger.Log.Fatal().Err(err).Msg("Server error")
	}
}

func run(configPath string, cfg *server.Config, srv *server.Server, admin *server.AdminServer, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if configPath != "" {
		if err := server.WatchConfig(configPath, func(updated server.Config, err error) {
			if err != nil {
				log.Error().Err(err).Str("path", configPath).Msg("Failed to reload configuration")
				return
			}
			level := logger.SetLevel(updated.Logs.Level)
			log.Info().Str("log_level", level.String()).Msg("Configuration reloaded")
		}); err != nil {
			log.Warn().Err(err).Msg("Config file watching disabled")
		}
	}

	if err := srv.Start(); err != nil {
		return err
	}

	adminErrors := make(chan error, 1)
	if admin.Enabled() {
		go func() {
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				adminErrors <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Received interrupt signal, shutting down...")
	case err := <-adminErrors:
		runErr = fmt.Errorf("admin server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if admin.Enabled() {
		_ = admin.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		log.Warn().Err(err).Msg("Server did not stop cleanly")
	}
	return runErr
}
