package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/linkreach/internal/batcher"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "linkreach.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoader_Defaults(t *testing.T) {
	t.Setenv(EnvAddr, "")
	t.Setenv(EnvDatabaseURL, "")
	l, err := NewLoader(writeConfig(t, "version: \"1\"\n"), nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	cfg := l.Config()
	if cfg.Server.Addr != ":8080" || cfg.Storage.Driver != "memory" {
		t.Fatalf("server/storage defaults = %+v %+v", cfg.Server, cfg.Storage)
	}
	if cfg.Tracker.MemoryLimit != 1000 || cfg.Tracker.IdleThreshold() != 30*time.Second {
		t.Fatalf("tracker defaults = %+v", cfg.Tracker)
	}

	bc, err := cfg.Batcher.BatcherConfig()
	if err != nil {
		t.Fatalf("BatcherConfig: %v", err)
	}
	def := batcher.DefaultConfig()
	if bc.BatchSize != def.BatchSize || bc.BatchTimeout != def.BatchTimeout || !bc.Dedupe || bc.Compressor != nil {
		t.Fatalf("batcher config = %+v", bc)
	}

	p := cfg.Privacy.Policy()
	if p.CollectPersonalData || !p.CollectBehaviorData || !p.Anonymize || p.DataRetentionDays != 30 {
		t.Fatalf("policy = %+v", p)
	}
}

func TestLoader_ExplicitValues(t *testing.T) {
	t.Setenv(EnvAddr, "127.0.0.1:9999")
	t.Setenv(EnvDatabaseURL, "")
	body := `
version: "1"
tracker:
  memory_limit: 50
batcher:
  dedupe: false
  compression: zstd
privacy:
  collect_personal_data: true
  anonymize: false
`
	l, err := NewLoader(writeConfig(t, body), nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	cfg := l.Config()
	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Fatalf("env override ignored: %s", cfg.Server.Addr)
	}
	if cfg.Tracker.MemoryLimit != 50 {
		t.Fatalf("memory limit = %d", cfg.Tracker.MemoryLimit)
	}
	bc, err := cfg.Batcher.BatcherConfig()
	if err != nil {
		t.Fatalf("BatcherConfig: %v", err)
	}
	if bc.Dedupe || bc.Compressor == nil || bc.Compressor.Encoding() != batcher.EncodingZstd {
		t.Fatalf("batcher config = %+v", bc)
	}
	p := cfg.Privacy.Policy()
	if !p.CollectPersonalData || p.Anonymize {
		t.Fatalf("policy = %+v", p)
	}
}

func TestLoader_DatabaseURLSelectsPostgres(t *testing.T) {
	t.Setenv(EnvAddr, "")
	t.Setenv(EnvDatabaseURL, "postgres://localhost/linkreach?sslmode=disable")
	l, err := NewLoader(writeConfig(t, "version: \"1\"\n"), nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if s := l.Config().Storage; s.Driver != "postgres" || s.DatabaseURL == "" {
		t.Fatalf("storage = %+v", s)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{"missing version", "tracker: {}\n", []string{"version is required"}},
		{
			"collects every problem",
			`
version: "1"
tracker:
  memory_limit: -1
batcher:
  compression: brotli
storage:
  driver: sqlite
sinks:
  kafka:
    enabled: true
`,
			[]string{
				"tracker.memory_limit must not be negative",
				`unknown compression "brotli"`,
				`storage.driver "sqlite"`,
				"sinks.kafka.brokers",
				"sinks.kafka.topic",
			},
		},
		{
			"archive needs s3",
			"version: \"1\"\nintegrity:\n  archive_to_s3: true\n",
			[]string{"archive_to_s3 requires sinks.s3"},
		},
		{
			"bad sink filter",
			"version: \"1\"\nsinks:\n  store:\n    enabled: true\n    filter: 'type = \"x\"'\n",
			[]string{"sinks.store.filter"},
		},
		{
			"bad journal settings",
			"version: \"1\"\nsinks:\n  journal:\n    enabled: true\n    limit: -5\n    filter: 'priority in \"high\"'\n",
			[]string{"sinks.journal.limit must not be negative", "sinks.journal.filter"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvAddr, "")
			t.Setenv(EnvDatabaseURL, "")
			_, err := NewLoader(writeConfig(t, tt.body), nil)
			if err == nil {
				t.Fatal("expected validation error")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not mention %q", err, w)
				}
			}
		})
	}
}

func TestLoader_ReloadNotifies(t *testing.T) {
	t.Setenv(EnvAddr, "")
	t.Setenv(EnvDatabaseURL, "")
	path := writeConfig(t, "version: \"1\"\ntracker:\n  memory_limit: 10\n")
	l, err := NewLoader(path, nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	var mu sync.Mutex
	var seen []int
	l.OnChange(func(c *Config) {
		mu.Lock()
		seen = append(seen, c.Tracker.MemoryLimit)
		mu.Unlock()
	})

	if err := os.WriteFile(path, []byte("version: \"1\"\ntracker:\n  memory_limit: 20\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if l.Config().Tracker.MemoryLimit != 20 {
		t.Fatalf("current = %d", l.Config().Tracker.MemoryLimit)
	}

	// a broken file keeps the previous config
	if err := os.WriteFile(path, []byte("version: \"1\"\ntracker:\n  memory_limit: -5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if l.Config().Tracker.MemoryLimit != 20 {
		t.Fatalf("invalid reload replaced config: %d", l.Config().Tracker.MemoryLimit)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != 20 {
		t.Fatalf("callbacks saw %v", seen)
	}
}

func TestLoader_Watch(t *testing.T) {
	t.Setenv(EnvAddr, "")
	t.Setenv(EnvDatabaseURL, "")
	path := writeConfig(t, "version: \"1\"\n")
	l, err := NewLoader(path, nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	changed := make(chan int, 4)
	l.OnChange(func(c *Config) {
		select {
		case changed <- c.Tracker.MemoryLimit:
		default:
		}
	})

	stop, err := l.Watch()
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()

	if err := os.WriteFile(path, []byte("version: \"1\"\ntracker:\n  memory_limit: 77\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case n := <-changed:
			if n == 77 {
				return
			}
		case <-deadline:
			t.Fatal("watcher did not pick up the change")
		}
	}
}
