package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/rfqindex/internal/backoff"
	"github.com/dshills/rfqindex/pkg/types"
)

// Config holds every setting of the pipeline. It is loaded once and passed
// by value into constructors; nothing mutates it afterwards.
type Config struct {
	// Storage
	DBPath string `yaml:"db_path"`

	// Run
	Mode        types.RunMode `yaml:"mode"`
	Workers     int           `yaml:"workers"`
	FileWorkers int           `yaml:"file_workers"`
	MaxEntities int           `yaml:"max_entities"` // changed RFQs indexed per run, 0 for all

	// Chunking
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`

	// Embedding
	EmbedBatchSize    int    `yaml:"embed_batch_size"`
	EmbedDim          int    `yaml:"embed_dim"`
	EmbeddingProvider string `yaml:"embedding_provider"`
	EmbeddingHost     string `yaml:"embedding_host"`
	EmbeddingModel    string `yaml:"embedding_model"`
	EmbeddingAPIKey   string `yaml:"-"`
	EmbedCacheSize    int    `yaml:"embed_cache_size"`

	// Files
	MaxFileBytes        int64         `yaml:"max_file_bytes"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	VisionModel         string        `yaml:"vision_model"` // empty disables image description
	VisionMaxImages     int           `yaml:"vision_max_images"`
	VisionTextThreshold int           `yaml:"vision_text_threshold"`

	// Retry
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`

	// Source
	GlideEndpoint       string `yaml:"glide_endpoint"`
	GlideAppID          string `yaml:"glide_app_id"`
	GlideAPIKey         string `yaml:"-"`
	GlideMaxRowsPerCall int    `yaml:"glide_max_rows_per_call"`
	ContractsPath       string `yaml:"contracts_path"`

	// Logging
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in defaults
func Default() Config {
	return Config{
		DBPath:              "rfqindex.db",
		Mode:                types.ModeCron,
		Workers:             4,
		FileWorkers:         4,
		ChunkSize:           1200,
		ChunkOverlap:        150,
		EmbedBatchSize:      64,
		EmbedDim:            1536,
		EmbeddingProvider:   "openai",
		EmbeddingHost:       "https://api.openai.com/v1",
		EmbeddingModel:      "text-embedding-3-small",
		EmbedCacheSize:      10000,
		MaxFileBytes:        40 * 1024 * 1024,
		RequestTimeout:      60 * time.Second,
		VisionMaxImages:     12,
		VisionTextThreshold: 40,
		MaxRetries:          5,
		RetryBaseDelay:      500 * time.Millisecond,
		RetryMaxDelay:       30 * time.Second,
		GlideEndpoint:       "https://api.glideapp.io/api/function/queryTables",
		GlideMaxRowsPerCall: 1000,
		LogFile:             "rfqindex.log",
		LogLevel:            "INFO",
	}
}

// Load builds the configuration: defaults, then the optional YAML file named
// by RFQINDEX_CONFIG, then environment variables.
func Load() (Config, error) {
	return LoadFrom(os.Getenv("RFQINDEX_CONFIG"))
}

// LoadFrom is Load with an explicit config file; an empty path skips the file
func LoadFrom(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.DBPath = getEnv("RFQINDEX_DB_PATH", c.DBPath)
	c.Mode = types.RunMode(getEnv("INGEST_MODE", string(c.Mode)))
	c.Workers = getEnvInt("INGEST_WORKERS", c.Workers)
	c.FileWorkers = getEnvInt("INGEST_FILE_WORKERS", c.FileWorkers)
	c.MaxEntities = getEnvInt("INGEST_MAX_ENTITIES", c.MaxEntities)

	c.ChunkSize = getEnvInt("CHUNK_SIZE", c.ChunkSize)
	c.ChunkOverlap = getEnvInt("CHUNK_OVERLAP", c.ChunkOverlap)

	c.EmbedBatchSize = getEnvInt("EMBED_BATCH_SIZE", c.EmbedBatchSize)
	c.EmbedDim = getEnvInt("EMBED_DIM", c.EmbedDim)
	c.EmbeddingProvider = strings.ToLower(getEnv("EMBEDDING_PROVIDER", c.EmbeddingProvider))
	c.EmbeddingHost = getEnv("EMBEDDING_HOST", c.EmbeddingHost)
	c.EmbeddingModel = getEnv("EMBEDDING_MODEL", c.EmbeddingModel)
	c.EmbeddingAPIKey = getEnv("OPENAI_API_KEY", c.EmbeddingAPIKey)

	if mb := getEnvInt("INGEST_FILE_MAX_MB", 0); mb > 0 {
		c.MaxFileBytes = int64(mb) * 1024 * 1024
	}
	if sec := getEnvInt("INGEST_HTTP_TIMEOUT_SEC", 0); sec > 0 {
		c.RequestTimeout = time.Duration(sec) * time.Second
	}
	c.VisionModel = getEnv("VISION_MODEL", c.VisionModel)
	c.VisionMaxImages = getEnvInt("VISION_MAX_IMAGES", c.VisionMaxImages)
	c.VisionTextThreshold = getEnvInt("VISION_TEXT_THRESHOLD", c.VisionTextThreshold)

	c.MaxRetries = getEnvInt("INGEST_MAX_RETRIES", c.MaxRetries)

	c.GlideEndpoint = getEnv("GLIDE_ENDPOINT", c.GlideEndpoint)
	c.GlideAppID = getEnv("GLIDE_APP_ID", c.GlideAppID)
	c.GlideAPIKey = getEnv("GLIDE_API_KEY", c.GlideAPIKey)
	c.GlideMaxRowsPerCall = getEnvInt("GLIDE_MAX_ROWS_PER_CALL", c.GlideMaxRowsPerCall)
	c.ContractsPath = getEnv("GLIDE_CONTRACTS_PATH", c.ContractsPath)

	c.LogFile = getEnv("LOG_FILE", c.LogFile)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

// Validate checks option ranges
func (c Config) Validate() error {
	var errs []error
	if _, err := types.ParseRunMode(string(c.Mode)); err != nil {
		errs = append(errs, err)
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, errors.New("chunk_size must be > 0"))
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		errs = append(errs, fmt.Errorf("chunk_overlap must be in [0, chunk_size), got %d", c.ChunkOverlap))
	}
	if c.EmbedBatchSize <= 0 {
		errs = append(errs, errors.New("embed_batch_size must be > 0"))
	}
	if c.EmbedDim <= 0 {
		errs = append(errs, errors.New("embed_dim must be > 0"))
	}
	if c.MaxFileBytes <= 0 {
		errs = append(errs, errors.New("max_file_bytes must be > 0"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be > 0"))
	}
	if c.Workers <= 0 || c.FileWorkers <= 0 {
		errs = append(errs, errors.New("workers must be > 0"))
	}
	if c.MaxEntities < 0 {
		errs = append(errs, errors.New("max_entities must be >= 0"))
	}
	if c.MaxRetries <= 0 {
		errs = append(errs, errors.New("max_retries must be > 0"))
	}
	return errors.Join(errs...)
}

// Retry returns the retry policy shared by every external call
func (c Config) Retry() backoff.Config {
	r := backoff.Default()
	r.MaxRetries = c.MaxRetries
	r.BaseDelay = c.RetryBaseDelay
	r.MaxDelay = c.RetryMaxDelay
	return r
}

// Level converts LogLevel into a slog level
func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return defaultVal
	}
	return n
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
