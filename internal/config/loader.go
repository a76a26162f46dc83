package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/gyaneshwarpardhi/linkreach/internal/batcher"
	"github.com/gyaneshwarpardhi/linkreach/internal/integrity"
	"github.com/gyaneshwarpardhi/linkreach/internal/privacy"
	"github.com/gyaneshwarpardhi/linkreach/internal/sink"
	"github.com/gyaneshwarpardhi/linkreach/internal/tracker"
)

// Environment variables that override file settings.
const (
	EnvConfig      = "LINKREACH_CONFIG"
	EnvAddr        = "LINKREACH_ADDR"
	EnvDatabaseURL = "LINKREACH_DATABASE_URL"
)

// DefaultPath is used when LINKREACH_CONFIG is unset.
const DefaultPath = "configs/linkreach.yaml"

// Loader reads a YAML config file and watches it for changes.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{path: path, logger: logger}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file changes.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}
	l.watcher = w

	done := make(chan struct{})
	var once sync.Once
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						l.logger.Warn("config: reload failed, keeping previous config", "path", l.path, "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("config: watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the config file. An invalid file
// leaves the current config in place.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", l.path, err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvAddr); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		cfg.Storage.DatabaseURL = v
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "postgres"
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownTimeoutMs == 0 {
		cfg.Server.ShutdownTimeoutMs = 10000
	}
	if cfg.Server.SampleIntervalMs == 0 {
		cfg.Server.SampleIntervalMs = 30000
	}

	if cfg.Tracker.MemoryLimit == 0 {
		cfg.Tracker.MemoryLimit = tracker.DefaultMemoryLimit
	}
	if cfg.Tracker.IdleThresholdMs == 0 {
		cfg.Tracker.IdleThresholdMs = int(tracker.DefaultIdleThreshold.Milliseconds())
	}
	if cfg.Tracker.PersistQueue == 0 {
		cfg.Tracker.PersistQueue = tracker.DefaultPersistQueue
	}
	if cfg.Tracker.PersistLimit == 0 {
		cfg.Tracker.PersistLimit = tracker.DefaultPersistLimit
	}

	def := batcher.DefaultConfig()
	if cfg.Batcher.BatchSize == 0 {
		cfg.Batcher.BatchSize = def.BatchSize
	}
	if cfg.Batcher.BatchTimeoutMs == 0 {
		cfg.Batcher.BatchTimeoutMs = int(def.BatchTimeout.Milliseconds())
	}
	if cfg.Batcher.MaxBatchBytes == 0 {
		cfg.Batcher.MaxBatchBytes = def.MaxBatchBytes
	}
	if cfg.Batcher.DedupeWindowMs == 0 {
		cfg.Batcher.DedupeWindowMs = int(def.DedupeWindow.Milliseconds())
	}

	if cfg.Privacy.DataRetentionDays == 0 {
		cfg.Privacy.DataRetentionDays = privacy.DefaultPolicy().DataRetentionDays
	}

	if cfg.Integrity.Version == "" {
		cfg.Integrity.Version = integrity.DefaultVersion
	}
	if cfg.Integrity.Workers == 0 {
		cfg.Integrity.Workers = 4
	}
	if cfg.Integrity.KeepBackups == 0 {
		cfg.Integrity.KeepBackups = integrity.DefaultBackupRetention
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Sinks.Store.LedgerSize == 0 {
		cfg.Sinks.Store.LedgerSize = sink.DefaultLedgerSize
	}
	if cfg.Sinks.Journal.Limit == 0 {
		cfg.Sinks.Journal.Limit = sink.DefaultJournalSize
	}
	if cfg.Sinks.NATS.Prefix == "" {
		cfg.Sinks.NATS.Prefix = sink.DefaultNATSPrefix
	}
}
