// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

// Command printrelay ingests merchant orders from the remote backend and
// prints them on the configured receipt printers.
//
// Startup order: configuration, logging, store, remote client, routing and
// printing, then the supervisor tree. Every long-running component runs as
// a supervised service; SIGINT or SIGTERM cancels the tree and the process
// waits for it to stop before closing the store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/tomtom215/printrelay/internal/api"
	"github.com/tomtom215/printrelay/internal/auth"
	"github.com/tomtom215/printrelay/internal/breaker"
	"github.com/tomtom215/printrelay/internal/cache"
	"github.com/tomtom215/printrelay/internal/config"
	"github.com/tomtom215/printrelay/internal/dispatch"
	"github.com/tomtom215/printrelay/internal/ingest"
	"github.com/tomtom215/printrelay/internal/logging"
	"github.com/tomtom215/printrelay/internal/outbox"
	"github.com/tomtom215/printrelay/internal/printer"
	"github.com/tomtom215/printrelay/internal/queue"
	"github.com/tomtom215/printrelay/internal/realtime"
	"github.com/tomtom215/printrelay/internal/reconcile"
	"github.com/tomtom215/printrelay/internal/registry"
	"github.com/tomtom215/printrelay/internal/remote"
	"github.com/tomtom215/printrelay/internal/routing"
	"github.com/tomtom215/printrelay/internal/service"
	"github.com/tomtom215/printrelay/internal/store"
	"github.com/tomtom215/printrelay/internal/supervisor"
	"github.com/tomtom215/printrelay/internal/supervisor/services"
)

func main() {
	configPath := flag.String("config", os.Getenv("PRINTRELAY_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("Printrelay stopped with an error")
	}
}

//nolint:gocyclo // Sequential wiring of every component
func run(cfg *config.Config) error {
	logging.Info().
		Str("remote", cfg.Remote.BaseURL).
		Bool("realtime", cfg.Realtime.Enabled).
		Bool("poll", cfg.Poll.Enabled).
		Int("printers", len(cfg.Printers)).
		Str("store", cfg.Store.Path).
		Msg("Starting Printrelay with supervisor tree")

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("resolve timezone: %w", err)
	}

	db, err := store.Open(store.Config{
		Path:       cfg.Store.Path,
		InMemory:   cfg.Store.InMemory,
		SyncWrites: cfg.Store.SyncWrites,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()
	logging.Info().Msg("Order store opened")

	creds := auth.NewStaticSource(cfg.Merchant.ID, cfg.Merchant.Token, cfg.Merchant.TokenFile)
	if _, err := creds.Current(context.Background()); err != nil {
		logging.Warn().Err(err).Msg("Merchant credentials not available yet; polling waits for them")
	}

	client := remote.NewClient(remote.Config{
		BaseURL:         cfg.Remote.BaseURL,
		OrdersPath:      cfg.Remote.OrdersPath,
		MarkPrintedPath: cfg.Remote.MarkPrintedPath,
		CategoriesPath:  cfg.Remote.CategoriesPath,
		Timeout:         cfg.Remote.Timeout,
		Breaker: breaker.Settings{
			MaxRequests:         cfg.Remote.CircuitBreaker.MaxRequests,
			Interval:            cfg.Remote.CircuitBreaker.Interval,
			Timeout:             cfg.Remote.CircuitBreaker.Timeout,
			ConsecutiveFailures: cfg.Remote.CircuitBreaker.ConsecutiveFailures,
		},
	})

	printers, err := registry.NewStatic(cfg.Printers, cfg.GlobalCategories, cfg.Printing.DefaultPaperWidth)
	if err != nil {
		return fmt.Errorf("load printers: %w", err)
	}

	lookup := func(ctx context.Context, ids []int) (map[int]string, error) {
		c, err := creds.Current(ctx)
		if err != nil {
			return nil, err
		}
		return client.ResolveCategoryNames(ctx, ids, c.Token)
	}
	engine := routing.NewEngine(printers, lookup, cache.New(cfg.Remote.CategoryTTL), loc)

	transportCfg := printer.DefaultConfig()
	transportCfg.Timeout = cfg.Printing.TransportTimeout
	transportCfg.RatePerSecond = cfg.Printing.RatePerSecond
	transportCfg.Burst = cfg.Printing.RateBurst
	transport := printer.NewNetworkTransport(transportCfg)

	wmLogger := logging.NewWatermillAdapter(logging.WithComponent("watermill"))
	outboxTransport, err := outbox.NewTransport(outbox.BackendConfig{
		Backend:    cfg.Outbox.Backend,
		NATSURL:    cfg.Outbox.NATSURL,
		BufferSize: cfg.Outbox.BufferSize,
	}, wmLogger)
	if err != nil {
		return fmt.Errorf("create outbox transport: %w", err)
	}
	notifier := outbox.New(outbox.Config{
		Topic:           cfg.Outbox.Topic,
		MaxRetries:      cfg.Outbox.MaxRetries,
		InitialInterval: cfg.Outbox.InitialInterval,
		MaxInterval:     cfg.Outbox.MaxInterval,
		BufferSize:      int(cfg.Outbox.BufferSize),
	}, outboxTransport.Publisher, outboxTransport.Subscriber, outboxTransport.Close, client, creds)
	defer func() {
		if err := notifier.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing outbox transport")
		}
	}()

	reconciler := reconcile.New(db, notifier, engine)
	dispatcher := dispatch.New(engine, transport, reconciler)

	worker := queue.NewWorker(db, printers, dispatcher, cfg.Queue.RetryInterval)
	coordinator := ingest.NewCoordinator(client, creds, db, printers, dispatcher, cfg.Poll.Interval)

	var listener *realtime.Listener
	if cfg.Realtime.Enabled {
		dedup := cache.NewDedupWindow(cfg.Dedup.Window,
			cache.WithPruning(cfg.Dedup.PruneThreshold, cfg.Dedup.PruneMaxAge))
		listener = realtime.New(realtime.Config{
			URL:              cfg.Realtime.URL,
			SubscribeChannel: cfg.Realtime.SubscribeChannel,
			HandshakeTimeout: cfg.Realtime.HandshakeTimeout,
			BackoffBase:      cfg.Realtime.BackoffBase,
			BackoffMax:       cfg.Realtime.BackoffMax,
			PingInterval:     cfg.Realtime.PingInterval,
		}, creds, coordinator, db, printers, dispatcher, dedup)
	}

	deps := service.Deps{
		Queue:      worker,
		Ingest:     coordinator,
		Orders:     db,
		Printers:   printers,
		Dispatcher: dispatcher,
		Outbox:     notifier,
	}
	if listener != nil {
		deps.Realtime = listener
	}
	svc := service.New(deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("create supervisor tree: %w", err)
	}

	tree.AddDataService(services.NewStoreGCService(db, cfg.Store.GCInterval))
	tree.AddMessagingService(notifier)
	if listener != nil {
		tree.AddMessagingService(listener)
		logging.Info().Str("url", cfg.Realtime.URL).Msg("Realtime listener added to supervisor")
	}
	tree.AddIngestService(worker)
	if cfg.Poll.Enabled {
		tree.AddIngestService(coordinator)
		logging.Info().Dur("interval", cfg.Poll.Interval).Msg("Order poller added to supervisor")
	} else {
		logging.Info().Msg("Order polling disabled; orders arrive through realtime events and the API only")
	}

	if cfg.Server.Enabled {
		handler := api.NewHandler(svc, map[string]api.ReadinessCheck{
			"store": db.Ping,
		})
		router := api.NewRouter(handler, api.RouterConfig{
			RateLimit:  cfg.Server.RateLimit,
			RateWindow: cfg.Server.RateWindow,
		})
		server := &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
			Handler:           router.Setup(),
			ReadTimeout:       cfg.Server.ReadTimeout,
			ReadHeaderTimeout: cfg.Server.ReadTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       2 * time.Minute,
		}
		tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
		logging.Info().Str("addr", server.Addr).Msg("HTTP API added to supervisor")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := tree.ServeBackground(ctx)
	logging.Info().Msg("Supervisor tree started")

	var serveErr error
	select {
	case sig := <-sigChan:
		logging.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
		serveErr = <-errChan
	case serveErr = <-errChan:
		logging.Error().Err(serveErr).Msg("Supervisor tree stopped unexpectedly")
	}

	if report, err := tree.UnstoppedServiceReport(); err != nil {
		logging.Warn().Err(err).Msg("Could not build unstopped service report")
	} else if len(report) > 0 {
		for _, u := range report {
			logging.Warn().Str("service", u.Name).Msg("Service did not stop before timeout")
		}
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	logging.Info().Msg("Printrelay stopped")
	return nil
}
