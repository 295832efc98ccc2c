package app

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime configuration. LoadConfig fills it from WAPLEX_* environment
// variables; LoadConfigFile overlays a YAML file on top.
type Config struct {
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`

	DatabaseURL   string `yaml:"database_url"`
	DBMaxConns    int32  `yaml:"db_max_conns"`
	DBMinConns    int32  `yaml:"db_min_conns"`
	DBSchema      string `yaml:"db_schema"`
	DBAutoMigrate bool   `yaml:"db_auto_migrate"`

	RedisURL    string        `yaml:"redis_url"`
	CachePrefix string        `yaml:"cache_prefix"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`

	// NodeID partitions durable rows between waplex processes sharing one database.
	NodeID            string `yaml:"node_id"`
	SessionsDir       string `yaml:"sessions_dir"`
	DefaultWebhookURL string `yaml:"default_webhook_url"`
	DefaultProxyURL   string `yaml:"default_proxy_url"`
	BridgeURL         string `yaml:"bridge_url"`

	ReapInterval       time.Duration `yaml:"reap_interval"`
	ReapTimeout        time.Duration `yaml:"reap_timeout"`
	BackupDelay        time.Duration `yaml:"backup_delay"`
	StoreTimeout       time.Duration `yaml:"store_timeout"`
	RestoreConcurrency int           `yaml:"restore_concurrency"`

	ArchiveMaxBytes      int64    `yaml:"archive_max_bytes"`
	ArchiveAgeRecipients []string `yaml:"archive_age_recipients"`
	ArchiveAgeIdentity   string   `yaml:"archive_age_identity"`

	// Security policy: archives must be sealed with age before they leave the node.
	RequireArchiveEncryption bool `yaml:"require_archive_encryption"`

	// If true, /readyz returns 503 unless the database is configured and reachable.
	ReadinessRequireDB bool `yaml:"readiness_require_db"`
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("WAPLEX_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("WAPLEX_LOG_LEVEL", "info"),
		LogFormat: EnvString("WAPLEX_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("WAPLEX_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("WAPLEX_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("WAPLEX_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("WAPLEX_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("WAPLEX_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("WAPLEX_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("WAPLEX_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("WAPLEX_DB_MIN_CONNS", 0),
		DBSchema:      EnvString("WAPLEX_DB_SCHEMA", "waplex"),
		DBAutoMigrate: EnvBool("WAPLEX_DB_AUTO_MIGRATE", true),

		RedisURL:    EnvString("WAPLEX_REDIS_URL", ""),
		CachePrefix: EnvString("WAPLEX_CACHE_PREFIX", "whatsapp"),
		CacheTTL:    EnvDuration("WAPLEX_CACHE_TTL", 30*24*time.Hour),

		NodeID:            EnvString("WAPLEX_NODE_ID", defaultNodeID()),
		SessionsDir:       EnvString("WAPLEX_SESSIONS_DIR", "./sessions"),
		DefaultWebhookURL: EnvString("WAPLEX_DEFAULT_WEBHOOK_URL", ""),
		DefaultProxyURL:   EnvString("WAPLEX_DEFAULT_PROXY_URL", ""),
		BridgeURL:         EnvString("WAPLEX_BRIDGE_URL", "ws://127.0.0.1:7070/bridge"),

		ReapInterval:       EnvDuration("WAPLEX_REAP_INTERVAL", time.Minute),
		ReapTimeout:        EnvDuration("WAPLEX_REAP_TIMEOUT", 10*time.Minute),
		BackupDelay:        EnvDuration("WAPLEX_BACKUP_DELAY", 5*time.Second),
		StoreTimeout:       EnvDuration("WAPLEX_STORE_TIMEOUT", 5*time.Second),
		RestoreConcurrency: EnvInt("WAPLEX_RESTORE_CONCURRENCY", 4),

		ArchiveMaxBytes:      EnvInt64("WAPLEX_ARCHIVE_MAX_BYTES", 50<<20),
		ArchiveAgeRecipients: EnvCSV("WAPLEX_ARCHIVE_AGE_RECIPIENTS"),
		ArchiveAgeIdentity:   EnvString("WAPLEX_ARCHIVE_AGE_IDENTITY", ""),

		RequireArchiveEncryption: EnvBool("WAPLEX_REQUIRE_ARCHIVE_ENCRYPTION", false),
		ReadinessRequireDB:       EnvBool("WAPLEX_READINESS_REQUIRE_DB", false),
	}
}

// LoadConfigFile overlays the YAML file at path onto cfg. Keys absent from the file keep
// their current value.
func LoadConfigFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

// defaultNodeID is the hostname, which is stable across restarts of one deployment unit.
func defaultNodeID() string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return "waplex"
	}
	return h
}
