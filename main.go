package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/urfave/cli/v2"

	"netwire/hub/internal/config"
	"netwire/hub/internal/httpapi"
	"netwire/hub/internal/journal"
	"netwire/hub/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:  "hub",
		Usage: "real-time WebSocket connection and broadcast hub",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to an optional YAML config file",
				EnvVars: []string{"HUB_CONFIG_FILE"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override the configured log level (debug|info|warn|error)",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if level := c.String("log-level"); level != "" {
		cfg.Logging.Level = level
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	opts := []HubOption{WithLogger(logger)}
	if cfg.Journal.Dir != "" {
		writer, err := journal.NewWriter(cfg.Journal.Dir, cfg.Journal.SegmentBytes, cfg.Journal.MaxArchives, nil)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		opts = append(opts, WithJournal(writer))
		logger.Info("journal enabled", logging.String("dir", writer.Directory()))
	}

	hub, err := NewHub(cfg, opts...)
	if err != nil {
		return err
	}
	hub.Start()

	router := mux.NewRouter()
	router.HandleFunc("/ws", hub.ServeWS)
	httpapi.NewHandlerSet(httpapi.Options{
		Logger:    logger,
		Readiness: hub,
		Metrics: func() httpapi.MetricsSnapshot {
			stats := hub.Stats()
			return httpapi.MetricsSnapshot{
				ActiveConnections: stats.ActiveConnections,
				TotalConnections:  stats.TotalConnections,
				PeakConnections:   stats.PeakConnections,
				MessagesProcessed: stats.MessagesProcessed,
				MessagesFailed:    stats.MessagesFailed,
				Broadcasts:        stats.Broadcasts,
				ActiveChannels:    stats.ActiveChannels,
			}
		},
		Stats:    func() any { return hub.Stats() },
		Channels: func() any { return hub.ChannelInfo() },
		Clients:  func() any { return hub.ClientStatsList() },
	}).Register(router)

	server := &http.Server{Addr: cfg.Address, Handler: router}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("hub listening",
			logging.String("address", cfg.Address),
			logging.Int("max_connections", cfg.MaxConnections),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		//1.- A bind failure is fatal; there is nothing to drain.
		return fmt.Errorf("serve: %w", err)
	case sig := <-signals:
		logger.Info("signal received", logging.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := hub.RequestShutdown(ctx); err != nil {
		logger.Warn("shutdown incomplete", logging.Error(err))
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown incomplete", logging.Error(err))
	}
	return nil
}
