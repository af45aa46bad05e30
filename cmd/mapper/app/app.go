package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dronewatch/meshmapper/internal/alias"
	"github.com/dronewatch/meshmapper/internal/faa"
	"github.com/dronewatch/meshmapper/internal/health"
	"github.com/dronewatch/meshmapper/internal/history"
	"github.com/dronewatch/meshmapper/internal/ingest"
	"github.com/dronewatch/meshmapper/internal/notify"
	"github.com/dronewatch/meshmapper/internal/storage"
	"github.com/dronewatch/meshmapper/internal/tracker"
	"github.com/dronewatch/meshmapper/internal/transport"
)

const (
	storageDir  = "data"
	storageFile = "meshmapper.sqlite"
)

// Run wires the application together and blocks until ctx is cancelled or a
// component fails.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := createStorage(&config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer store.Close()

	aliases, err := alias.Open(store)
	if err != nil {
		return fmt.Errorf("failed to load aliases: %w", err)
	}

	registry := tracker.New(tracker.Config{
		StaleTimeout:  config.Tracker.StaleTimeout.Std(),
		PurgeTimeout:  config.Tracker.PurgeTimeout.Std(),
		MaxPathLength: config.Tracker.MaxPathLength,
		EpsilonDeg:    config.Tracker.DedupeEpsilon,
	}, tracker.WithLogger(logger), tracker.WithAliases(aliases.Label))

	notifier := notify.New(notify.WithLogger(logger))
	defer notifier.Close()

	monitor := health.NewMonitor(config.Health.LivenessWindow.Std())

	lookups := faa.New(
		faa.NewClient(config.Lookup.Endpoint),
		config.Lookup.TTL.Std(),
		faa.WithLogger(logger),
		faa.WithPersister(store),
	)
	if err = warmLookups(lookups, store); err != nil {
		return fmt.Errorf("failed to warm lookup cache: %w", err)
	}

	webhook := notify.NewWebhook(logger)
	webhook.SetURL(config.Webhook.URL)

	archive := history.NewWriter(store, logger)
	hub := transport.NewHub(registry, transport.WithHubLogger(logger))

	var wg sync.WaitGroup
	runConsumer := func(name string, run func(context.Context, *notify.Subscription)) {
		sub := notifier.Subscribe(name, 0)
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx, sub)
		}()
	}

	runConsumer("webhook", webhook.Run)
	runConsumer("history", archive.Run)
	runConsumer("hub", hub.Run)

	engine := ingest.NewEngine(registry, notifier, monitor, ingest.WithEngineLogger(logger))
	createSources(engine, config, monitor, logger)

	server := transport.NewServer(config.Server.Listen,
		registry, aliases, lookups, webhook, notifier, monitor, hub,
		transport.WithServerLogger(logger))

	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := engine.Run(ctx); err != nil {
			errCh <- fmt.Errorf("ingest engine: %w", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func createSources(engine *ingest.Engine, config *Config, monitor *health.Monitor, logger *slog.Logger) {
	for _, rc := range config.Receivers {
		if !rc.Enabled {
			continue
		}

		engine.AddSource(ingest.NewSerialSource(rc.Name, rc.Port, rc.BaudRate,
			ingest.WithSerialLogger(logger),
			ingest.WithSerialStatus(monitor.SetConnected)))
	}

	if config.Relay.Enabled {
		engine.AddSource(ingest.NewRelaySource(config.Relay.Name, config.Relay.URL, config.Relay.Subject,
			ingest.WithRelayLogger(logger),
			ingest.WithRelayStatus(monitor.SetConnected)))
	}
}

func createStorage(config *StorageConfig) (*storage.Store, error) {
	dir := config.DataDirectory
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current working directory: %w", err)
		}
		dir = filepath.Join(wd, storageDir)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return storage.New(filepath.Join(dir, storageFile)), nil
}

// warmLookups replays persisted registration answers into the cache. Expired
// rows are skipped here and re-fetched on demand.
func warmLookups(cache *faa.Cache, store *storage.Store) error {
	rows, err := store.Lookups()
	if err != nil {
		return err
	}

	for _, row := range rows {
		cache.Warm(row.Identifier, faa.Result{
			Payload:  row.Payload,
			NotFound: row.NotFound,
		}, row.FetchedAt)
	}
	return nil
}
