// Package config loads application configuration from YAML files with
// environment-variable overrides. It provides typed structs for every
// subsystem (Server, Builder, Search, Store, Cache, Redis, Kafka, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Builder   BuilderConfig   `yaml:"builder"`
	Search    SearchConfig    `yaml:"search"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	// RateLimit is requests per minute per client address; zero disables it.
	RateLimit int `yaml:"rateLimit"`
}

// BuilderConfig controls how the index artifacts are laid out at deploy time.
type BuilderConfig struct {
	SearchableFields []string `yaml:"searchableFields"`
	DisplayFields    []string `yaml:"displayFields"`
	// DocumentEncoding is "json" or "text".
	DocumentEncoding string  `yaml:"documentEncoding"`
	Extractor        string  `yaml:"extractor"`
	MinTerms         int     `yaml:"minTerms"`
	PopularFraction  float64 `yaml:"popularFraction"`
	MaxChunkBytes    int     `yaml:"maxChunkBytes"`
	MaxPackageBytes  int     `yaml:"maxPackageBytes"`
	PageSize         int     `yaml:"pageSize"`
	MaxQueryTerms    int     `yaml:"maxQueryTerms"`
	// MaxQueryBytes caps the raw search query string; zero disables the cap.
	MaxQueryBytes    int     `yaml:"maxQueryBytes"`
	MaxSuggestions   int     `yaml:"maxSuggestions"`
	OutputDir        string  `yaml:"outputDir"`
}

// SearchConfig bounds the work one search request may do.
type SearchConfig struct {
	FetchConcurrency int `yaml:"fetchConcurrency"`
	// HeapBytes sizes the native module heap; zero derives it from the build.
	HeapBytes int `yaml:"heapBytes"`
}

// StoreConfig selects the chunk store backend.
type StoreConfig struct {
	// Backend is one of "fs", "redis", "postgres", "sqlite".
	Backend     string `yaml:"backend"`
	Dir         string `yaml:"dir"`
	SQLitePath  string `yaml:"sqlitePath"`
	Table       string `yaml:"table"`
	KeyPrefix   string `yaml:"keyPrefix"`
	Compression bool   `yaml:"compression"`
}

// CacheConfig sizes the in-process chunk cache.
type CacheConfig struct {
	Enabled     bool  `yaml:"enabled"`
	NumCounters int64 `yaml:"numCounters"`
	MaxCost     int64 `yaml:"maxCost"`
	BufferItems int64 `yaml:"bufferItems"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	IndexPublished  string `yaml:"indexPublished"`
	AnalyticsEvents string `yaml:"analyticsEvents"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// AnalyticsConfig controls batching of query events on the searcher and
// snapshot persistence on the analytics service.
type AnalyticsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`
	// SnapshotBackend is "postgres", "sqlite" or empty to keep stats in
	// memory only.
	SnapshotBackend    string        `yaml:"snapshotBackend"`
	SnapshotSQLitePath string        `yaml:"snapshotSqlitePath"`
	SnapshotInterval   time.Duration `yaml:"snapshotInterval"`
	// SnapshotRetention is how many snapshots to keep; zero keeps all.
	SnapshotRetention int `yaml:"snapshotRetention"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	b := c.Builder
	switch b.DocumentEncoding {
	case "json", "text":
	default:
		return fmt.Errorf("builder.documentEncoding must be json or text, got %q", b.DocumentEncoding)
	}
	if b.DocumentEncoding == "text" && len(b.DisplayFields) != 1 {
		return fmt.Errorf("builder.displayFields must name exactly one field for text encoding")
	}
	if b.PopularFraction < 0 || b.PopularFraction > 1 {
		return fmt.Errorf("builder.popularFraction must be within [0,1], got %v", b.PopularFraction)
	}
	if b.MaxChunkBytes <= 0 || b.MaxPackageBytes <= 0 {
		return fmt.Errorf("builder chunk and package sizes must be positive")
	}
	if b.PageSize <= 0 || b.MaxQueryTerms <= 0 {
		return fmt.Errorf("builder.pageSize and builder.maxQueryTerms must be positive")
	}
	if b.MaxQueryBytes < 0 || b.MaxSuggestions < 0 {
		return fmt.Errorf("builder.maxQueryBytes and builder.maxSuggestions must not be negative")
	}
	switch c.Store.Backend {
	case "fs", "redis", "postgres", "sqlite":
	default:
		return fmt.Errorf("store.backend %q is not supported", c.Store.Backend)
	}
	switch c.Analytics.SnapshotBackend {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("analytics.snapshotBackend %q is not supported", c.Analytics.SnapshotBackend)
	}
	return nil
}

// defaultConfig returns a Config with defaults for local development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  10 * time.Second,
		},
		Builder: BuilderConfig{
			SearchableFields: []string{"title"},
			DocumentEncoding: "json",
			Extractor:        "simple",
			MinTerms:         1000,
			PopularFraction:  0.01,
			MaxChunkBytes:    10 * 1024 * 1024,
			MaxPackageBytes:  10 * 1024 * 1024,
			PageSize:         50,
			MaxQueryTerms:    50,
			MaxQueryBytes:    512,
			MaxSuggestions:   5,
			OutputDir:        "dist",
		},
		Search: SearchConfig{
			FetchConcurrency: 8,
		},
		Store: StoreConfig{
			Backend:   "fs",
			Dir:       "dist",
			Table:     "chunks",
			KeyPrefix: "edgesearch:",
		},
		Cache: CacheConfig{
			Enabled:     true,
			NumCounters: 1e5,
			MaxCost:     256 << 20,
			BufferItems: 64,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "edgesearch",
			User:            "edgesearch",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "edgesearch-searcher",
			Topics: KafkaTopics{
				IndexPublished:  "index.published",
				AnalyticsEvents: "search.analytics",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Analytics: AnalyticsConfig{
			BatchSize:          100,
			FlushInterval:      5 * time.Second,
			SnapshotSQLitePath: "analytics.db",
			SnapshotInterval:   time.Minute,
			SnapshotRetention:  1440,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// envOverride binds one ES_* variable to a config field.
type envOverride struct {
	name string
	set  func(cfg *Config, v string) error
}

func envString(name string, field func(*Config) *string) envOverride {
	return envOverride{name, func(cfg *Config, v string) error {
		*field(cfg) = v
		return nil
	}}
}

func envInt(name string, field func(*Config) *int) envOverride {
	return envOverride{name, func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(cfg) = n
		return nil
	}}
}

func envBool(name string, field func(*Config) *bool) envOverride {
	return envOverride{name, func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(cfg) = b
		return nil
	}}
}

var envOverrides = []envOverride{
	envInt("ES_SERVER_PORT", func(c *Config) *int { return &c.Server.Port }),
	envInt("ES_SERVER_RATE_LIMIT", func(c *Config) *int { return &c.Server.RateLimit }),
	envString("ES_STORE_BACKEND", func(c *Config) *string { return &c.Store.Backend }),
	envString("ES_STORE_DIR", func(c *Config) *string { return &c.Store.Dir }),
	envString("ES_STORE_SQLITE_PATH", func(c *Config) *string { return &c.Store.SQLitePath }),
	envInt("ES_BUILDER_MIN_TERMS", func(c *Config) *int { return &c.Builder.MinTerms }),
	envBool("ES_ANALYTICS_ENABLED", func(c *Config) *bool { return &c.Analytics.Enabled }),
	envString("ES_ANALYTICS_SNAPSHOT_BACKEND", func(c *Config) *string { return &c.Analytics.SnapshotBackend }),
	envString("ES_POSTGRES_HOST", func(c *Config) *string { return &c.Postgres.Host }),
	envInt("ES_POSTGRES_PORT", func(c *Config) *int { return &c.Postgres.Port }),
	envString("ES_POSTGRES_DATABASE", func(c *Config) *string { return &c.Postgres.Database }),
	envString("ES_POSTGRES_USER", func(c *Config) *string { return &c.Postgres.User }),
	envString("ES_POSTGRES_PASSWORD", func(c *Config) *string { return &c.Postgres.Password }),
	envBool("ES_KAFKA_ENABLED", func(c *Config) *bool { return &c.Kafka.Enabled }),
	{"ES_KAFKA_BROKERS", func(c *Config, v string) error {
		c.Kafka.Brokers = strings.Split(v, ",")
		return nil
	}},
	envBool("ES_REDIS_ENABLED", func(c *Config) *bool { return &c.Redis.Enabled }),
	envString("ES_REDIS_ADDR", func(c *Config) *string { return &c.Redis.Addr }),
	envString("ES_REDIS_PASSWORD", func(c *Config) *string { return &c.Redis.Password }),
	envString("ES_LOGGING_LEVEL", func(c *Config) *string { return &c.Logging.Level }),
	envString("ES_LOGGING_FORMAT", func(c *Config) *string { return &c.Logging.Format }),
}

// applyEnvOverrides copies set ES_* variables over cfg. A value that does
// not parse is an error rather than silently ignored.
func applyEnvOverrides(cfg *Config) error {
	for _, o := range envOverrides {
		v, ok := os.LookupEnv(o.name)
		if !ok || v == "" {
			continue
		}
		if err := o.set(cfg, v); err != nil {
			return fmt.Errorf("environment variable %s: %w", o.name, err)
		}
	}
	return nil
}
