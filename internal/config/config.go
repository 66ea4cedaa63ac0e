// Package config provides unified configuration for all factlog services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode represents the service mode to run.
type Mode string

const (
	ModeAll     Mode = "all"
	ModeIngest  Mode = "ingest"
	ModeQuery   Mode = "query"
	ModeRefresh Mode = "refresh"
)

// Ingest buffer backends.
const (
	BackendWAL      = "wal"
	BackendPostgres = "postgres"
)

// Config holds the unified configuration for all factlog services.
type Config struct {
	// Mode specifies which services to run: all, ingest, query, refresh
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	HTTP     HTTPConfig     `json:"http" yaml:"http"`
	GRPC     GRPCConfig     `json:"grpc" yaml:"grpc"`
	Ingest   IngestConfig   `json:"ingest" yaml:"ingest"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	View     ViewConfig     `json:"view" yaml:"view"`
	Access   AccessConfig   `json:"access" yaml:"access"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Logger   LoggerConfig   `json:"logger" yaml:"logger"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr         string        `json:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// MaxBodyBytes caps what the Append endpoint will store. It is deliberately larger
	// than the pipeline ceiling so oversized payloads still become quality events.
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`

	// FreshnessTimeout bounds how long a read waits for min_lsn
	FreshnessTimeout time.Duration `json:"freshness_timeout" yaml:"freshness_timeout"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	Addr    string `json:"addr" yaml:"addr"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// IngestConfig holds ingest buffer configuration.
type IngestConfig struct {
	// Backend is wal or postgres
	Backend string `json:"backend" yaml:"backend"`

	// WALDir holds the local segment files; with the postgres backend it is the
	// dead-letter fallback.
	WALDir          string `json:"wal_dir" yaml:"wal_dir"`
	MaxSegmentBytes int64  `json:"max_segment_bytes" yaml:"max_segment_bytes"`

	PostgresURL string `json:"postgres_url" yaml:"postgres_url"`

	// RateLimit is appends per second across producers (0 disables)
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `json:"rate_burst" yaml:"rate_burst"`

	RetryAttempts   uint          `json:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay      time.Duration `json:"retry_delay" yaml:"retry_delay"`
	RetryMaxDelay   time.Duration `json:"retry_max_delay" yaml:"retry_max_delay"`
	BreakerFailures uint32        `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `json:"breaker_timeout" yaml:"breaker_timeout"`
}

// RewriteRule maps schema versions matching From (a semver constraint) to To.
type RewriteRule struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// PipelineConfig holds derivation pipeline configuration.
type PipelineConfig struct {
	// MaxPayloadBytes is the oversize ceiling (default 1,000,000)
	MaxPayloadBytes int `json:"max_payload_bytes" yaml:"max_payload_bytes"`

	// ExcerptBytes bounds the payload excerpt carried by quality events
	ExcerptBytes int `json:"excerpt_bytes" yaml:"excerpt_bytes"`

	// IDVersion prefixes the canonical ID hash input
	IDVersion string `json:"id_version" yaml:"id_version"`

	DefaultSchemaVersion string        `json:"default_schema_version" yaml:"default_schema_version"`
	SchemaRewrites       []RewriteRule `json:"schema_rewrites" yaml:"schema_rewrites"`

	// NamespaceOwners maps an action namespace to the only source allowed to write it
	NamespaceOwners map[string]string `json:"namespace_owners" yaml:"namespace_owners"`

	// AttributeSchemas maps an action to a JSON Schema file for its attributes
	AttributeSchemas map[string]string `json:"attribute_schemas" yaml:"attribute_schemas"`
}

// SnapshotConfig controls periodic view snapshots to object storage.
type SnapshotConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	EveryCycles int    `json:"every_cycles" yaml:"every_cycles"`
	Prefix      string `json:"prefix" yaml:"prefix"`

	// Retain is how many snapshots are kept; older ones are deleted after upload
	Retain int `json:"retain" yaml:"retain"`

	// RestoreOnStart seeds a missing view database from the newest snapshot
	RestoreOnStart bool `json:"restore_on_start" yaml:"restore_on_start"`
}

// ViewConfig holds materialized view configuration.
type ViewConfig struct {
	Path            string        `json:"path" yaml:"path"`
	RefreshInterval time.Duration `json:"refresh_interval" yaml:"refresh_interval"`

	// ScanBatchSize is candidates read per buffer scan
	ScanBatchSize int `json:"scan_batch_size" yaml:"scan_batch_size"`

	// MaxCandidatesPerCycle bounds one refresh; the rest waits for the next cycle
	MaxCandidatesPerCycle int `json:"max_candidates_per_cycle" yaml:"max_candidates_per_cycle"`

	// ExpectedEvents sizes the parent-lookup bloom filter
	ExpectedEvents uint `json:"expected_events" yaml:"expected_events"`

	Snapshot SnapshotConfig `json:"snapshot" yaml:"snapshot"`
}

// RedisConfig holds the optional nonce reservation store.
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// AccessConfig holds read-side access control configuration.
type AccessConfig struct {
	// Pepper keys the credential hash. Never logged.
	Pepper string `json:"pepper" yaml:"pepper"`

	BudgetWindow   time.Duration `json:"budget_window" yaml:"budget_window"`
	UsageActions   []string      `json:"usage_actions" yaml:"usage_actions"`
	UsageAttribute string        `json:"usage_attribute" yaml:"usage_attribute"`
	QuotaAttribute string        `json:"quota_attribute" yaml:"quota_attribute"`

	NonceWindow   time.Duration `json:"nonce_window" yaml:"nonce_window"`
	RequestAction string        `json:"request_action" yaml:"request_action"`

	// RequestSource stamps request and usage events; it must own their namespace
	RequestSource string `json:"request_source" yaml:"request_source"`

	DefaultMaxRows int64 `json:"default_max_rows" yaml:"default_max_rows"`

	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string   `json:"type" yaml:"type"`
	Path string   `json:"path" yaml:"path"`
	S3   S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket string `json:"bucket" yaml:"bucket"`
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// LoggerConfig controls the zap logger.
type LoggerConfig struct {
	// Level is debug, info, warn or error
	Level string `json:"level" yaml:"level"`
	// Format is json or console
	Format string `json:"format" yaml:"format"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/factlog",
		HTTP: HTTPConfig{
			Addr:             ":8080",
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     60 * time.Second,
			IdleTimeout:      120 * time.Second,
			MaxBodyBytes:     8 << 20,
			FreshnessTimeout: 2 * time.Minute,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Ingest: IngestConfig{
			Backend:         BackendWAL,
			MaxSegmentBytes: 64 << 20,
			RateLimit:       0,
			RateBurst:       100,
			RetryAttempts:   5,
			RetryDelay:      50 * time.Millisecond,
			RetryMaxDelay:   2 * time.Second,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Pipeline: PipelineConfig{
			MaxPayloadBytes:      1_000_000,
			ExcerptBytes:         1024,
			IDVersion:            "v1",
			DefaultSchemaVersion: "2.1.0",
			SchemaRewrites:       []RewriteRule{{From: "2.0.x", To: "2.1.0"}},
			NamespaceOwners: map[string]string{
				"system":  "system",
				"mcp":     "mcp",
				"quality": "quality",
			},
		},
		View: ViewConfig{
			RefreshInterval:       60 * time.Second,
			ScanBatchSize:         1000,
			MaxCandidatesPerCycle: 100000,
			ExpectedEvents:        1_000_000,
			Snapshot: SnapshotConfig{
				Enabled:     false,
				EveryCycles: 60,
				Prefix:      "snapshots",
				Retain:      5,
			},
		},
		Access: AccessConfig{
			BudgetWindow:   24 * time.Hour,
			UsageActions:   []string{"mcp.usage.recorded"},
			UsageAttribute: "execution_seconds",
			QuotaAttribute: "budget_seconds",
			NonceWindow:    15 * time.Minute,
			RequestAction:  "mcp.request.processed",
			RequestSource:  "mcp",
			DefaultMaxRows: 10000,
		},
		Storage: StorageConfig{
			Type: "local",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Resolve fills paths derived from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/factlog"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Ingest.WALDir == "" {
		c.Ingest.WALDir = filepath.Join(c.DataDir, "wal")
	}
	if c.View.Path == "" {
		c.View.Path = filepath.Join(c.DataDir, "view.db")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeIngest, ModeQuery, ModeRefresh:
	default:
		return fmt.Errorf("invalid mode: %s (must be all, ingest, query, or refresh)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Ingest.Backend {
	case BackendWAL:
	case BackendPostgres:
		if c.Ingest.PostgresURL == "" {
			return fmt.Errorf("ingest.postgres_url is required when backend is postgres")
		}
	default:
		return fmt.Errorf("invalid ingest backend: %s (must be wal or postgres)", c.Ingest.Backend)
	}
	// the WAL is owned by one process; split deployments share a postgres buffer
	if c.Mode != ModeAll && c.Ingest.Backend != BackendPostgres {
		return fmt.Errorf("mode %s requires the postgres ingest backend", c.Mode)
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Pipeline.MaxPayloadBytes <= 0 {
		return fmt.Errorf("pipeline.max_payload_bytes must be positive, got %d", c.Pipeline.MaxPayloadBytes)
	}
	if c.Pipeline.ExcerptBytes <= 0 || c.Pipeline.ExcerptBytes > c.Pipeline.MaxPayloadBytes {
		return fmt.Errorf("pipeline.excerpt_bytes must be in (0, max_payload_bytes], got %d", c.Pipeline.ExcerptBytes)
	}
	if c.Pipeline.IDVersion == "" {
		return fmt.Errorf("pipeline.id_version is required")
	}
	if c.View.RefreshInterval <= 0 {
		return fmt.Errorf("view.refresh_interval must be positive")
	}
	if c.View.ScanBatchSize <= 0 {
		return fmt.Errorf("view.scan_batch_size must be positive")
	}
	if c.Access.BudgetWindow <= 0 || c.Access.NonceWindow <= 0 {
		return fmt.Errorf("access windows must be positive")
	}
	if err := c.validateRequestSource(); err != nil {
		return err
	}
	if c.Access.Redis.Enabled && c.Access.Redis.Addr == "" {
		return fmt.Errorf("access.redis.addr is required when redis is enabled")
	}

	return nil
}

// validateRequestSource rejects request and usage actions the namespace policy
// would drop because their namespace belongs to another source.
func (c *Config) validateRequestSource() error {
	actions := append([]string{c.Access.RequestAction}, c.Access.UsageActions...)
	for _, action := range actions {
		if action == "" {
			continue
		}
		ns := action
		if i := strings.IndexByte(action, '.'); i >= 0 {
			ns = action[:i]
		}
		if owner, ok := c.Pipeline.NamespaceOwners[ns]; ok && owner != c.Access.RequestSource {
			return fmt.Errorf("access.request_source %q cannot write %s: namespace %s is owned by %q",
				c.Access.RequestSource, action, ns, owner)
		}
	}
	return nil
}

// ShouldRunIngest returns true if the append endpoints should be served.
func (c *Config) ShouldRunIngest() bool {
	return c.Mode == ModeAll || c.Mode == ModeIngest
}

// ShouldRunQuery returns true if the read-side endpoints should be served.
func (c *Config) ShouldRunQuery() bool {
	return c.Mode == ModeAll || c.Mode == ModeQuery
}

// ShouldRunRefresh returns true if this process owns the view refresher.
func (c *Config) ShouldRunRefresh() bool {
	return c.Mode == ModeAll || c.Mode == ModeRefresh
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv applies FACTLOG_* environment overrides.
func LoadFromEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	if v := os.Getenv("FACTLOG_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	str("FACTLOG_DATA_DIR", &cfg.DataDir)

	str("FACTLOG_HTTP_ADDR", &cfg.HTTP.Addr)
	str("FACTLOG_GRPC_ADDR", &cfg.GRPC.Addr)
	boolean("FACTLOG_GRPC_ENABLED", &cfg.GRPC.Enabled)

	str("FACTLOG_INGEST_BACKEND", &cfg.Ingest.Backend)
	str("FACTLOG_INGEST_WAL_DIR", &cfg.Ingest.WALDir)
	str("FACTLOG_INGEST_POSTGRES_URL", &cfg.Ingest.PostgresURL)
	if v := os.Getenv("FACTLOG_INGEST_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Ingest.RateLimit = f
		}
	}

	integer("FACTLOG_PIPELINE_MAX_PAYLOAD_BYTES", &cfg.Pipeline.MaxPayloadBytes)

	str("FACTLOG_VIEW_PATH", &cfg.View.Path)
	dur("FACTLOG_VIEW_REFRESH_INTERVAL", &cfg.View.RefreshInterval)
	boolean("FACTLOG_VIEW_SNAPSHOT_ENABLED", &cfg.View.Snapshot.Enabled)

	str("FACTLOG_ACCESS_PEPPER", &cfg.Access.Pepper)
	dur("FACTLOG_ACCESS_BUDGET_WINDOW", &cfg.Access.BudgetWindow)
	dur("FACTLOG_ACCESS_NONCE_WINDOW", &cfg.Access.NonceWindow)
	str("FACTLOG_ACCESS_REQUEST_SOURCE", &cfg.Access.RequestSource)
	boolean("FACTLOG_REDIS_ENABLED", &cfg.Access.Redis.Enabled)
	str("FACTLOG_REDIS_ADDR", &cfg.Access.Redis.Addr)
	str("FACTLOG_REDIS_PASSWORD", &cfg.Access.Redis.Password)

	str("FACTLOG_STORAGE_TYPE", &cfg.Storage.Type)
	str("FACTLOG_STORAGE_PATH", &cfg.Storage.Path)
	str("FACTLOG_S3_BUCKET", &cfg.Storage.S3.Bucket)
	str("FACTLOG_S3_REGION", &cfg.Storage.S3.Region)
	str("FACTLOG_S3_ENDPOINT", &cfg.Storage.S3.Endpoint)

	str("FACTLOG_LOG_LEVEL", &cfg.Logger.Level)
	str("FACTLOG_LOG_FORMAT", &cfg.Logger.Format)
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Ingest.WALDir,
		filepath.Dir(c.View.Path),
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
