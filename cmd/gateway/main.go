package main

import (
	"context"
	"os"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yanix/gateway/internal/access"
	"github.com/yanix/gateway/internal/broker"
	"github.com/yanix/gateway/internal/config"
	"github.com/yanix/gateway/internal/gateway"
	"github.com/yanix/gateway/internal/hooks"
	"github.com/yanix/gateway/internal/inventory"
	"github.com/yanix/gateway/internal/logstream"
	"github.com/yanix/gateway/internal/routes"
	"github.com/yanix/gateway/internal/settings"
	"github.com/yanix/gateway/internal/store"
	"github.com/yanix/gateway/internal/worker"

	// Register the gateway's collections
	_ "github.com/yanix/gateway/internal/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogger(cfg)

	log.Info().
		Str("env", cfg.Env).
		Str("nats", cfg.NATSURL).
		Bool("worker", cfg.UseWorker()).
		Msg("Starting container gateway")

	app := pocketbase.New()
	ctx, cancel := context.WithCancel(context.Background())

	brokers := broker.New(cfg.NATSURL)
	inv := inventory.New(cfg.HostAPITimeout)
	poller := &inventory.Poller{
		Source:    store.Hosts{App: app},
		Inventory: inv,
		OnRemoved: func(h inventory.Host) {
			if h.BrokerURL != "" {
				brokers.Forget(h.BrokerURL)
			}
		},
	}

	// Host polling runs on asynq when Redis is configured, in-process otherwise
	var w *worker.Worker
	refresh := func(hostLabel string) { go poller.PollHost(ctx, hostLabel) }
	if cfg.UseWorker() {
		w = worker.New(cfg.RedisAddr, poller, cfg.PollInterval)
		refresh = w.Refresh
	}

	resolver := access.NewResolver(inv, store.Rules{App: app})
	gw := gateway.New(resolver, store.Patterns{App: app}, gateway.InventoryHosts(inv))

	streamer := logstream.NewStreamer(logstream.NewHub(brokers, cfg.StreamBuffer), brokers)

	// Register custom routes
	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		routes.Register(se, routes.Deps{
			Gateway:   gw,
			Inventory: inv,
			Streamer:  streamer,
			StreamDefaults: settings.LogStream{
				TTL:       cfg.StreamTTL,
				KeepAlive: cfg.StreamKeepAlive,
			},
			Refresh: refresh,
		})
		return se.Next()
	})

	// Register event hooks
	hooks.Register(app, hooks.Deps{
		Inventory: inv,
		Broker:    brokers,
		Refresh:   refresh,
	})

	// Load hosts and start polling when PocketBase starts serving
	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		if err := poller.LoadHosts(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to load hosts")
		}
		if w != nil {
			if err := w.Start(); err != nil {
				return err
			}
		} else {
			go poller.Run(ctx, cfg.PollInterval)
		}
		return se.Next()
	})

	// Graceful shutdown: stop polling and close broker connections
	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		cancel()
		if w != nil {
			w.Shutdown()
		}
		brokers.Close()
		return e.Next()
	})

	if err := app.Start(); err != nil {
		log.Fatal().Err(err).Msg("Gateway stopped")
	}
}

func setupLogger(cfg *config.Config) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Pretty logging for development
	if cfg.Env == "development" && cfg.LogFormat == "pretty" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
