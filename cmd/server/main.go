package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gyaneshwarpardhi/linkreach/internal/api"
	"github.com/gyaneshwarpardhi/linkreach/internal/batcher"
	"github.com/gyaneshwarpardhi/linkreach/internal/collectors"
	"github.com/gyaneshwarpardhi/linkreach/internal/config"
	"github.com/gyaneshwarpardhi/linkreach/internal/integrity"
	"github.com/gyaneshwarpardhi/linkreach/internal/privacy"
	"github.com/gyaneshwarpardhi/linkreach/internal/pubsub"
	"github.com/gyaneshwarpardhi/linkreach/internal/route"
	"github.com/gyaneshwarpardhi/linkreach/internal/sink"
	"github.com/gyaneshwarpardhi/linkreach/internal/storage"
	"github.com/gyaneshwarpardhi/linkreach/internal/tracker"
)

func main() {
	_ = godotenv.Load()

	defaultPath := os.Getenv(config.EnvConfig)
	if defaultPath == "" {
		defaultPath = config.DefaultPath
	}
	cfgPath := flag.String("config", defaultPath, "Path to linkreach YAML config")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath, logger)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage ──────────────────────────────────────────────────────────────
	store, closeStore, err := openStorage(cfg.Storage)
	if err != nil {
		slog.Error("failed to open storage", "driver", cfg.Storage.Driver, "err", err)
		os.Exit(1)
	}
	defer closeStore()

	// One lock set for every writer of shared keys.
	locks := storage.NewKeyLocks()
	validator := integrity.New(
		integrity.WithVersion(cfg.Integrity.Version),
		integrity.WithWorkers(cfg.Integrity.Workers),
		integrity.WithLogger(logger),
	)
	txm := integrity.NewTxManager(store, locks, logger)

	// ── Sinks ────────────────────────────────────────────────────────────────
	sinks, natsSink, s3Sink, closers, err := openSinks(ctx, cfg.Sinks, store, validator, txm)
	if err != nil {
		slog.Error("failed to open sinks", "err", err)
		os.Exit(1)
	}
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	// ── Pipeline ─────────────────────────────────────────────────────────────
	bus := pubsub.New(logger)

	salt := []byte(cfg.Privacy.Salt)
	if len(salt) == 0 {
		if salt, err = privacy.LoadOrCreateSalt(ctx, store); err != nil {
			slog.Error("failed to load privacy salt", "err", err)
			os.Exit(1)
		}
		slog.Info("privacy.salt not set; using the salt kept in storage")
	}
	filter := privacy.New(store, salt,
		privacy.WithPolicy(cfg.Privacy.Policy()),
		privacy.WithLogger(logger),
		privacy.WithKeyLocks(locks),
	)

	bcfg, err := cfg.Batcher.BatcherConfig()
	if err != nil {
		slog.Error("invalid batcher config", "err", err)
		os.Exit(1)
	}
	b := batcher.New(bcfg, batcher.WithLogger(logger))
	if len(sinks) > 0 {
		b.OnBatch(sink.Fanout(logger, sinks...))
	}
	b.OnBatch(func(_ context.Context, batch batcher.Batch) error {
		bus.Publish(pubsub.TopicBatchFlushed, map[string]interface{}{
			"batchId": batch.ID,
			"part":    batch.Part,
			"parts":   batch.Parts,
			"events":  len(batch.Events),
		})
		return nil
	})

	tr := tracker.New(store,
		tracker.WithBus(bus),
		tracker.WithLogger(logger),
		tracker.WithFilter(filter),
		tracker.WithBatcher(b),
		tracker.WithMemoryLimit(cfg.Tracker.MemoryLimit),
		tracker.WithIdleThreshold(cfg.Tracker.IdleThreshold()),
		tracker.WithPersistQueue(cfg.Tracker.PersistQueue),
		tracker.WithPersistLimit(cfg.Tracker.PersistLimit),
		tracker.WithKeyLocks(locks),
	)
	if natsSink != nil && cfg.Sinks.NATS.RelayEvents {
		tr.AddEventListener(pubsub.All, natsSink.Relay())
	}
	if !tr.Initialize(ctx) {
		slog.Warn("tracker started without persisted history")
	}

	var archiver integrity.Archiver
	if cfg.Integrity.ArchiveToS3 && s3Sink != nil {
		archiver = s3Sink
	}
	backups := integrity.NewBackupStore(store, archiver, cfg.Integrity.KeepBackups, logger)

	perf := collectors.NewPerformance(nil)
	go sampleRuntime(ctx, perf, cfg.Server.SampleInterval())

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.Config) {
		if err := tr.SetMemoryLimit(newCfg.Tracker.MemoryLimit); err != nil {
			slog.Warn("hot-reload: memory limit not applied", "err", err)
		}
		filter.SetPolicy(newCfg.Privacy.Policy())
		slog.Info("config hot-reloaded", "memory_limit", newCfg.Tracker.MemoryLimit)
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.New(api.Deps{
		Tracker:     tr,
		Filter:      filter,
		Batcher:     b,
		Performance: perf,
		Validator:   validator,
		Backups:     backups,
		Tx:          txm,
		Store:       store,
		Loader:      loader,
	})
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr, "storage", cfg.Storage.Driver, "sinks", len(sinks))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	tr.EndSession()
	tr.Close(shutCtx) // final batch flush, then pending persistence
	if err := filter.SaveMapping(shutCtx); err != nil {
		slog.Warn("saving anonymization map failed", "err", err)
	}
	cancel()
	slog.Info("goodbye")
}

func openStorage(c config.StorageConf) (storage.Storage, func(), error) {
	switch c.Driver {
	case "postgres":
		pg, err := storage.NewPostgres(c.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { _ = pg.Close() }, nil
	default:
		return storage.NewMemory(), func() {}, nil
	}
}

func openSinks(ctx context.Context, c config.SinksConf, store storage.Storage, v *integrity.Validator, txm *integrity.TxManager) ([]sink.Sink, *sink.NATS, *sink.S3, []io.Closer, error) {
	var (
		sinks   []sink.Sink
		closers []io.Closer
		n       *sink.NATS
		s3      *sink.S3
	)
	add := func(s sink.Sink, filter string) {
		// Validate has already compiled every filter.
		sinks = append(sinks, sink.Filtered(s, route.MustCompile(filter)))
	}
	if c.Store.Enabled {
		add(sink.NewStore(store, c.Store.LedgerSize), c.Store.Filter)
	}
	if c.Journal.Enabled {
		add(sink.NewJournal(v, txm, c.Journal.Limit), c.Journal.Filter)
	}
	if c.NATS.Enabled {
		var err error
		if n, err = sink.NewNATS(c.NATS.URL, c.NATS.Prefix); err != nil {
			return nil, nil, nil, closers, err
		}
		add(n, c.NATS.Filter)
		closers = append(closers, n)
	}
	if c.Kafka.Enabled {
		k, err := sink.NewKafka(c.Kafka.Brokers, c.Kafka.Topic)
		if err != nil {
			return nil, nil, nil, closers, err
		}
		add(k, c.Kafka.Filter)
		closers = append(closers, k)
	}
	if c.S3.Enabled {
		var err error
		if s3, err = sink.NewS3(ctx, c.S3.Bucket, c.S3.Prefix, c.S3.Region, c.S3.Endpoint); err != nil {
			return nil, nil, nil, closers, err
		}
		add(s3, c.S3.Filter)
	}
	return sinks, n, s3, closers, nil
}

func sampleRuntime(ctx context.Context, perf *collectors.Performance, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	perf.SampleRuntime()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			perf.SampleRuntime()
		}
	}
}
