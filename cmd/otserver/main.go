// Command otserver runs the collaboration server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"collabtext/internal/api"
	"collabtext/internal/config"
	"collabtext/internal/discovery"
	"collabtext/internal/docsync"
	"collabtext/internal/journal"
	"collabtext/internal/logger"
	"collabtext/internal/relay"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "otserver: %v\n", err)
		os.Exit(1)
	}
	log, closer, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Log.Environment,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "otserver: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped", slog.Any("error", err))
		closer.Close()
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	broker, err := openBroker(ctx, g, cfg, log)
	if err != nil {
		return err
	}
	if c, ok := broker.(io.Closer); ok {
		defer c.Close()
	}

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	opts := []docsync.Option{docsync.WithLogger(log)}
	var writer *journal.Writer
	if store != nil {
		defer store.Close()
		writer = journal.NewWriter(store, log, cfg.Journal.RetryFor)
		opts = append(opts, docsync.WithRecorder(writer))
	}
	controller := docsync.NewController(opts...)

	// The writer is stopped only after every edit connection has returned,
	// so each admitted edit reaches the journal.
	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()
	writerDone := make(chan error, 1)
	if writer != nil {
		if err := restore(ctx, controller, store, log); err != nil {
			return err
		}
		go func() { writerDone <- writer.Run(writerCtx) }()
	} else {
		close(writerDone)
	}

	edits := api.NewEditHandler(controller, broker, log, cfg.Server.AllowedOrigins)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewRouter(controller, edits, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Discovery.Enabled {
		withdraw, err := advertise(cfg)
		if err != nil {
			log.Warn("mDNS advertisement failed", slog.Any("error", err))
		} else {
			defer withdraw()
			log.Info("mDNS service registered", slog.String("service", cfg.Discovery.Service))
		}
	}

	g.Go(func() error {
		log.Info("CollabText sync server starting",
			slog.String("addr", cfg.Server.Addr),
			slog.String("relay", cfg.Relay.Backend),
			slog.String("journal", cfg.Journal.Backend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		// Shutdown does not track hijacked websocket connections.
		return errors.Join(srv.Shutdown(shutdownCtx), edits.Shutdown(shutdownCtx))
	})

	err = g.Wait()
	stopWriter()
	if werr := <-writerDone; werr != nil && !errors.Is(werr, context.Canceled) {
		log.Warn("journal writer stopped", slog.Any("error", werr))
	}
	return err
}

// openBroker returns the relay for cfg. The in-memory hub runs in g.
func openBroker(ctx context.Context, g *errgroup.Group, cfg *config.Config, log *slog.Logger) (relay.Broker, error) {
	switch cfg.Relay.Backend {
	case "redis":
		b, err := relay.NewRedisBroker(ctx, cfg.Relay.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("could not connect to Redis: %w", err)
		}
		log.Info("connected to Redis", slog.String("addr", cfg.Relay.RedisAddr))
		return b, nil
	default:
		hub := relay.NewHub()
		g.Go(func() error { return hub.Run(ctx) })
		return hub, nil
	}
}

// openStore returns nil when journaling is disabled.
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (journal.Store, error) {
	switch cfg.Journal.Backend {
	case "postgres":
		s, err := journal.OpenPostgres(ctx, cfg.Journal.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("unable to connect to database: %w", err)
		}
		log.Info("connected to PostgreSQL")
		return s, nil
	case "bolt":
		s, err := journal.OpenBolt(cfg.Journal.BoltPath)
		if err != nil {
			return nil, err
		}
		log.Info("opened bolt journal", slog.String("path", cfg.Journal.BoltPath))
		return s, nil
	default:
		return nil, nil
	}
}

func restore(ctx context.Context, controller *docsync.Controller, store journal.Store, log *slog.Logger) error {
	entries, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load journal: %w", err)
	}
	cuts, err := controller.Restore(ctx, entries)
	if err != nil {
		return err
	}
	for _, c := range cuts {
		if err := store.Truncate(ctx, c); err != nil {
			return fmt.Errorf("truncate journal: %w", err)
		}
		log.Warn("journal truncated after gap",
			slog.String("session_id", c.SessionID),
			slog.String("document_id", c.DocumentID),
			slog.Int("revision", c.Revision),
		)
	}
	log.Info("journal replayed", slog.Int("entries", len(entries)))
	return nil
}

func advertise(cfg *config.Config) (func(), error) {
	port, err := discovery.PortOf(cfg.Server.Addr)
	if err != nil {
		return nil, err
	}
	instance := cfg.Discovery.Instance
	if host, err := os.Hostname(); err == nil {
		instance = instance + "-" + host
	}
	return discovery.Advertise(instance, cfg.Discovery.Service, port, []string{"txtv=0", "path=/ws"})
}
