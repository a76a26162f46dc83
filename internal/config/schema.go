package config

import (
	"time"

	"github.com/gyaneshwarpardhi/linkreach/internal/batcher"
	"github.com/gyaneshwarpardhi/linkreach/internal/privacy"
)

// Config is the top-level YAML structure.
type Config struct {
	Version   string        `yaml:"version"`
	Server    ServerConf    `yaml:"server"`
	Tracker   TrackerConf   `yaml:"tracker"`
	Batcher   BatcherConf   `yaml:"batcher"`
	Privacy   PrivacyConf   `yaml:"privacy"`
	Integrity IntegrityConf `yaml:"integrity"`
	Storage   StorageConf   `yaml:"storage"`
	Sinks     SinksConf     `yaml:"sinks"`
}

type ServerConf struct {
	Addr              string `yaml:"addr"`
	ShutdownTimeoutMs int    `yaml:"shutdown_timeout_ms"`
	SampleIntervalMs  int    `yaml:"sample_interval_ms"`
}

// TrackerConf holds in-memory queue and session settings.
type TrackerConf struct {
	MemoryLimit     int `yaml:"memory_limit"`
	IdleThresholdMs int `yaml:"idle_threshold_ms"`
	PersistQueue    int `yaml:"persist_queue"`
	PersistLimit    int `yaml:"persist_limit"`
}

type BatcherConf struct {
	BatchSize      int    `yaml:"batch_size"`
	BatchTimeoutMs int    `yaml:"batch_timeout_ms"`
	MaxBatchBytes  int    `yaml:"max_batch_bytes"`
	Dedupe         *bool  `yaml:"dedupe"`
	DedupeWindowMs int    `yaml:"dedupe_window_ms"`
	Compression    string `yaml:"compression"` // none, gzip, zstd
}

// PrivacyConf is the collection policy plus the pseudonym salt.
// Pointers distinguish "unset" from false so defaults can apply.
type PrivacyConf struct {
	CollectPersonalData *bool  `yaml:"collect_personal_data"`
	CollectBehaviorData *bool  `yaml:"collect_behavior_data"`
	Anonymize           *bool  `yaml:"anonymize"`
	DataRetentionDays   int    `yaml:"data_retention_days"`
	Salt                string `yaml:"salt"`
}

type IntegrityConf struct {
	Version     string `yaml:"version"`
	Workers     int    `yaml:"workers"`
	KeepBackups int    `yaml:"keep_backups"`
	ArchiveToS3 bool   `yaml:"archive_to_s3"`
}

// StorageConf selects the storage collaborator. Driver is "memory" or
// "postgres".
type StorageConf struct {
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`
}

type SinksConf struct {
	Store   StoreSinkConf   `yaml:"store"`
	Journal JournalSinkConf `yaml:"journal"`
	NATS    NATSSinkConf    `yaml:"nats"`
	Kafka   KafkaSinkConf   `yaml:"kafka"`
	S3      S3SinkConf      `yaml:"s3"`
}

// Each sink accepts an optional route expression in Filter; only matching
// events are delivered to it.

type StoreSinkConf struct {
	Enabled    bool   `yaml:"enabled"`
	LedgerSize int    `yaml:"ledger_size"`
	Filter     string `yaml:"filter"`
}

// JournalSinkConf keeps the newest Limit sealed batch records.
type JournalSinkConf struct {
	Enabled bool   `yaml:"enabled"`
	Limit   int    `yaml:"limit"`
	Filter  string `yaml:"filter"`
}

type NATSSinkConf struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`
	Prefix      string `yaml:"prefix"`
	RelayEvents bool   `yaml:"relay_events"`
	Filter      string `yaml:"filter"`
}

type KafkaSinkConf struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Filter  string   `yaml:"filter"`
}

type S3SinkConf struct {
	Enabled  bool   `yaml:"enabled"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Filter   string `yaml:"filter"`
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c TrackerConf) IdleThreshold() time.Duration { return ms(c.IdleThresholdMs) }

// BatcherConfig converts the section into batcher settings, building the
// configured compressor.
func (c BatcherConf) BatcherConfig() (batcher.Config, error) {
	comp, err := batcher.NewCompressor(c.Compression)
	if err != nil {
		return batcher.Config{}, err
	}
	return batcher.Config{
		BatchSize:     c.BatchSize,
		BatchTimeout:  ms(c.BatchTimeoutMs),
		MaxBatchBytes: c.MaxBatchBytes,
		Dedupe:        c.Dedupe == nil || *c.Dedupe,
		DedupeWindow:  ms(c.DedupeWindowMs),
		Compressor:    comp,
	}, nil
}

// Policy converts the section into a privacy policy. Unset flags take the
// defaults from privacy.DefaultPolicy.
func (c PrivacyConf) Policy() privacy.Policy {
	p := privacy.DefaultPolicy()
	if c.CollectPersonalData != nil {
		p.CollectPersonalData = *c.CollectPersonalData
	}
	if c.CollectBehaviorData != nil {
		p.CollectBehaviorData = *c.CollectBehaviorData
	}
	if c.Anonymize != nil {
		p.Anonymize = *c.Anonymize
	}
	if c.DataRetentionDays > 0 {
		p.DataRetentionDays = c.DataRetentionDays
	}
	return p
}

func (c ServerConf) ShutdownTimeout() time.Duration { return ms(c.ShutdownTimeoutMs) }
func (c ServerConf) SampleInterval() time.Duration  { return ms(c.SampleIntervalMs) }
