package app

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("WAPLEX_HTTP_ADDR", "")
	t.Setenv("WAPLEX_NODE_ID", "node-a")
	t.Setenv("WAPLEX_ARCHIVE_AGE_RECIPIENTS", "")

	cfg := LoadConfig()
	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.NodeID != "node-a" {
		t.Fatalf("NodeID=%q", cfg.NodeID)
	}
	if cfg.ReapTimeout != 10*time.Minute || cfg.BackupDelay != 5*time.Second {
		t.Fatalf("timings: reap=%v backup=%v", cfg.ReapTimeout, cfg.BackupDelay)
	}
	if cfg.CachePrefix != "whatsapp" || cfg.CacheTTL != 30*24*time.Hour {
		t.Fatalf("cache: prefix=%q ttl=%v", cfg.CachePrefix, cfg.CacheTTL)
	}
	if cfg.ArchiveAgeRecipients != nil {
		t.Fatalf("recipients=%v", cfg.ArchiveAgeRecipients)
	}
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("WAPLEX_REAP_TIMEOUT", "90s")
	t.Setenv("WAPLEX_DB_MAX_CONNS", "25")
	t.Setenv("WAPLEX_ARCHIVE_MAX_BYTES", "1048576")
	t.Setenv("WAPLEX_ARCHIVE_AGE_RECIPIENTS", " age1a , ,age1b")
	t.Setenv("WAPLEX_REQUIRE_ARCHIVE_ENCRYPTION", "true")
	t.Setenv("WAPLEX_RESTORE_CONCURRENCY", "-3")

	cfg := LoadConfig()
	if cfg.ReapTimeout != 90*time.Second {
		t.Fatalf("ReapTimeout=%v", cfg.ReapTimeout)
	}
	if cfg.DBMaxConns != 25 || cfg.ArchiveMaxBytes != 1<<20 {
		t.Fatalf("DBMaxConns=%d ArchiveMaxBytes=%d", cfg.DBMaxConns, cfg.ArchiveMaxBytes)
	}
	if !reflect.DeepEqual(cfg.ArchiveAgeRecipients, []string{"age1a", "age1b"}) {
		t.Fatalf("recipients=%v", cfg.ArchiveAgeRecipients)
	}
	if !cfg.RequireArchiveEncryption {
		t.Fatalf("RequireArchiveEncryption not set")
	}
	if cfg.RestoreConcurrency != 4 {
		t.Fatalf("negative concurrency should fall back to the default, got %d", cfg.RestoreConcurrency)
	}
}

func TestLoadConfigFile_Overlay(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "waplex.yaml")
	body := `
http_addr: 127.0.0.1:9090
reap_timeout: 2m
archive_age_recipients:
  - age1x
readiness_require_db: true
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := Config{HTTPAddr: "0.0.0.0:8080", LogLevel: "info", ReapTimeout: time.Minute}
	if err := LoadConfigFile(path, &cfg); err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9090" || cfg.ReapTimeout != 2*time.Minute {
		t.Fatalf("overlay not applied: %+v", cfg)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("absent key overwritten: LogLevel=%q", cfg.LogLevel)
	}
	if len(cfg.ArchiveAgeRecipients) != 1 || !cfg.ReadinessRequireDB {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadConfigFile_RejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "waplex.yaml")
	if err := os.WriteFile(path, []byte("reap_timout: 2m\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var cfg Config
	if err := LoadConfigFile(path, &cfg); err == nil {
		t.Fatalf("expected error for misspelled key")
	}
	if err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"), &cfg); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestEnvCSV(t *testing.T) {
	t.Setenv("WAPLEX_TEST_CSV", "a,,b , c")
	if got := EnvCSV("WAPLEX_TEST_CSV"); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("EnvCSV=%v", got)
	}
	t.Setenv("WAPLEX_TEST_CSV", " ")
	if got := EnvCSV("WAPLEX_TEST_CSV"); got != nil {
		t.Fatalf("EnvCSV blank=%v", got)
	}
}
