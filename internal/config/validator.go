package config

import (
	"fmt"
	"strings"

	"github.com/gyaneshwarpardhi/linkreach/internal/batcher"
	"github.com/gyaneshwarpardhi/linkreach/internal/route"
)

// Validate checks the config for:
//   - Negative or out-of-range limits and durations
//   - An unknown storage driver or compression
//   - Enabled sinks missing their connection settings
//   - Sink filters that do not compile
func Validate(cfg *Config) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string
	nonNegative := func(name string, v int) {
		if v < 0 {
			errs = append(errs, fmt.Sprintf("%s must not be negative (got %d)", name, v))
		}
	}

	nonNegative("tracker.memory_limit", cfg.Tracker.MemoryLimit)
	nonNegative("tracker.idle_threshold_ms", cfg.Tracker.IdleThresholdMs)
	nonNegative("tracker.persist_queue", cfg.Tracker.PersistQueue)
	nonNegative("tracker.persist_limit", cfg.Tracker.PersistLimit)
	nonNegative("batcher.batch_size", cfg.Batcher.BatchSize)
	nonNegative("batcher.batch_timeout_ms", cfg.Batcher.BatchTimeoutMs)
	nonNegative("batcher.max_batch_bytes", cfg.Batcher.MaxBatchBytes)
	nonNegative("batcher.dedupe_window_ms", cfg.Batcher.DedupeWindowMs)
	nonNegative("privacy.data_retention_days", cfg.Privacy.DataRetentionDays)
	nonNegative("integrity.workers", cfg.Integrity.Workers)
	nonNegative("integrity.keep_backups", cfg.Integrity.KeepBackups)
	nonNegative("sinks.store.ledger_size", cfg.Sinks.Store.LedgerSize)
	nonNegative("sinks.journal.limit", cfg.Sinks.Journal.Limit)

	if _, err := batcher.NewCompressor(cfg.Batcher.Compression); err != nil {
		errs = append(errs, fmt.Sprintf("batcher.compression: %v", err))
	}

	switch cfg.Storage.Driver {
	case "", "memory":
	case "postgres":
		if cfg.Storage.DatabaseURL == "" {
			errs = append(errs, "storage.database_url is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q is not one of memory, postgres", cfg.Storage.Driver))
	}

	if n := cfg.Sinks.NATS; n.Enabled && n.URL == "" {
		errs = append(errs, "sinks.nats.url is required when the sink is enabled")
	}
	if k := cfg.Sinks.Kafka; k.Enabled {
		if len(k.Brokers) == 0 {
			errs = append(errs, "sinks.kafka.brokers must not be empty when the sink is enabled")
		}
		if k.Topic == "" {
			errs = append(errs, "sinks.kafka.topic is required when the sink is enabled")
		}
	}
	if s := cfg.Sinks.S3; s.Enabled && s.Bucket == "" {
		errs = append(errs, "sinks.s3.bucket is required when the sink is enabled")
	}
	for name, expr := range map[string]string{
		"store":   cfg.Sinks.Store.Filter,
		"journal": cfg.Sinks.Journal.Filter,
		"nats":    cfg.Sinks.NATS.Filter,
		"kafka":   cfg.Sinks.Kafka.Filter,
		"s3":      cfg.Sinks.S3.Filter,
	} {
		if _, err := route.Compile(expr); err != nil {
			errs = append(errs, fmt.Sprintf("sinks.%s.filter: %v", name, err))
		}
	}
	if cfg.Integrity.ArchiveToS3 && !cfg.Sinks.S3.Enabled {
		errs = append(errs, "integrity.archive_to_s3 requires sinks.s3 to be enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
