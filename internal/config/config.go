package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Database  DatabaseConfig
	Embedding EmbeddingConfig
	Matching  MatchingConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Log       LogConfig
	Web       WebConfig
}

type DatabaseConfig struct {
	URL           string // PostgreSQL connection URL
	MaxOpenConns  int    // Maximum open connections (default 25)
	MaxIdleConns  int    // Maximum idle connections (default 5)
	HNSWIndexPath string // Path to persist the face collection HNSW index (optional, rebuilt on startup if empty)
}

type EmbeddingConfig struct {
	URL string // defaults to http://localhost:8000
	Dim int    // defaults to 512 (face embeddings)
}

// MatchingConfig holds the tunables of the match propagation engine.
type MatchingConfig struct {
	Threshold              float64       // minimum similarity (0-100) for a match to be stored
	MaxRetries             int           // attempts per recognition call
	RetryDelay             time.Duration // base delay, multiplied by the attempt number
	RequestTimeout         time.Duration // per-attempt timeout for recognition calls
	BackgroundInterval     time.Duration // task queue tick
	QueueCapacity          int
	CacheTTL               time.Duration
	CachePrefixBytes       int
	HistoricalInitialLimit int // synchronous batch during registration
	HistoricalFullLimit    int // background full scan
	DirectSearchLimit      int // max identities returned per photo search
	ResetWait              time.Duration
	TaskRetention          time.Duration
}

type RedisConfig struct {
	URL string // optional, e.g. redis://localhost:6379/0; empty disables the Redis cache tier
}

type StorageConfig struct {
	Dir     string // local object storage root (default ./data/objects)
	BaseURL string // when set, objects are fetched over HTTP instead of the local directory
}

type LogConfig struct {
	Level string
	Dev   bool
}

type WebConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string // CORS origins besides localhost, from WEB_ALLOWED_ORIGINS
}

// matchingDefaults mirrors defaults.yaml.
type matchingDefaults struct {
	Matching struct {
		Threshold              float64 `yaml:"threshold"`
		MaxRetries             int     `yaml:"max_retries"`
		RetryDelayMS           int     `yaml:"retry_delay_ms"`
		RequestTimeoutMS       int     `yaml:"request_timeout_ms"`
		BackgroundIntervalMS   int     `yaml:"background_interval_ms"`
		QueueCapacity          int     `yaml:"queue_capacity"`
		CacheTTLMS             int     `yaml:"cache_ttl_ms"`
		CachePrefixBytes       int     `yaml:"cache_prefix_bytes"`
		HistoricalInitialLimit int     `yaml:"historical_initial_limit"`
		HistoricalFullLimit    int     `yaml:"historical_full_limit"`
		DirectSearchLimit      int     `yaml:"direct_search_limit"`
		ResetWaitMS            int     `yaml:"reset_wait_ms"`
		TaskRetentionDays      int     `yaml:"task_retention_days"`
	} `yaml:"matching"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envMillis reads a millisecond count and returns it as a duration.
func envMillis(key string, defaultMS int) time.Duration {
	return time.Duration(envInt(key, defaultMS)) * time.Millisecond
}

// envFloat reads a non-negative float, falling back to the default on parse errors.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultVal
}

// envList splits a comma-separated variable, dropping empty items.
func envList(key string) []string {
	var out []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func loadMatching() MatchingConfig {
	var d matchingDefaults
	if err := yaml.Unmarshal(defaultsYAML, &d); err != nil {
		// Embedded file, a failure here is a build defect.
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	m := d.Matching

	return MatchingConfig{
		Threshold:              envFloat("FACE_MATCH_THRESHOLD", m.Threshold),
		MaxRetries:             envInt("MAX_RETRIES", m.MaxRetries),
		RetryDelay:             envMillis("RETRY_DELAY_MS", m.RetryDelayMS),
		RequestTimeout:         envMillis("REQUEST_TIMEOUT_MS", m.RequestTimeoutMS),
		BackgroundInterval:     envMillis("BACKGROUND_INTERVAL_MS", m.BackgroundIntervalMS),
		QueueCapacity:          envInt("TASK_QUEUE_CAPACITY", m.QueueCapacity),
		CacheTTL:               envMillis("CACHE_TTL_MS", m.CacheTTLMS),
		CachePrefixBytes:       envInt("CACHE_PREFIX_BYTES", m.CachePrefixBytes),
		HistoricalInitialLimit: envInt("HISTORICAL_INITIAL_LIMIT", m.HistoricalInitialLimit),
		HistoricalFullLimit:    envInt("HISTORICAL_FULL_LIMIT", m.HistoricalFullLimit),
		DirectSearchLimit:      envInt("DIRECT_SEARCH_LIMIT", m.DirectSearchLimit),
		ResetWait:              envMillis("RECONCILER_RESET_WAIT_MS", m.ResetWaitMS),
		TaskRetention:          time.Duration(envInt("TASK_RETENTION_DAYS", m.TaskRetentionDays)) * 24 * time.Hour,
	}
}

func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	logDev := os.Getenv("LOG_DEV") == "1"
	if logLevel == "" {
		logLevel = "info"
		if logDev {
			logLevel = "debug"
		}
	}

	storageDir := os.Getenv("STORAGE_DIR")
	if storageDir == "" {
		storageDir = "./data/objects"
	}
	webHost := os.Getenv("WEB_HOST")
	if webHost == "" {
		webHost = "0.0.0.0"
	}

	return &Config{
		Database: DatabaseConfig{
			URL:           os.Getenv("DATABASE_URL"),
			MaxOpenConns:  envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:  envInt("DATABASE_MAX_IDLE_CONNS", 5),
			HNSWIndexPath: os.Getenv("HNSW_INDEX_PATH"),
		},
		Embedding: EmbeddingConfig{
			URL: os.Getenv("EMBEDDING_URL"),
			Dim: envInt("EMBEDDING_DIM", 512),
		},
		Matching: loadMatching(),
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Storage: StorageConfig{
			Dir:     storageDir,
			BaseURL: os.Getenv("STORAGE_BASE_URL"),
		},
		Log: LogConfig{
			Level: logLevel,
			Dev:   logDev,
		},
		Web: WebConfig{
			Host:           webHost,
			Port:           envInt("WEB_PORT", 8080),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
		},
	}
}

// Validate reports configuration values the engine cannot work with.
func (c *Config) Validate() error {
	m := c.Matching
	var errs []error
	if m.Threshold < 0 || m.Threshold > 100 {
		errs = append(errs, fmt.Errorf("FACE_MATCH_THRESHOLD must be within 0-100, got %v", m.Threshold))
	}
	if m.HistoricalInitialLimit > m.HistoricalFullLimit {
		errs = append(errs, fmt.Errorf("HISTORICAL_INITIAL_LIMIT (%d) exceeds HISTORICAL_FULL_LIMIT (%d)",
			m.HistoricalInitialLimit, m.HistoricalFullLimit))
	}
	if m.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT_MS must be positive"))
	}
	return errors.Join(errs...)
}
