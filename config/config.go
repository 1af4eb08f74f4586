package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lpernett/godotenv"
)

type ModelSourceType string

const (
	SourceFile   ModelSourceType = "file"
	SourceDirect ModelSourceType = "direct"
	SourceSigned ModelSourceType = "signed"
)

type CacheType string

const (
	CacheFile  CacheType = "file"
	CacheRedis CacheType = "redis"
	CacheNone  CacheType = "none"
)

const (
	DefaultAddr           = "127.0.0.1:8080"
	DefaultModelPath      = "models/final_handstand_detector_08.onnx"
	DefaultModelID        = "final_handstand_detector_08.onnx"
	DefaultCacheDir       = ".cache/models"
	DefaultDBPath         = "handstand.db"
	DefaultPoolSize       = 4
	DefaultOutputSize     = 1
	DefaultSampleInterval = 500 * time.Millisecond
	DefaultCooldown       = time.Second
	DefaultSignedURLTTL   = 15 * time.Minute
)

type Config struct {
	Addr  string
	Debug bool

	// ONNX Runtime shared library. RuntimeLibPath wins over RuntimeLibDir.
	RuntimeLibDir  string
	RuntimeLibPath string

	ModelSource ModelSourceType
	ModelPath   string
	ModelURL    string
	ModelID     string
	OutputSize  int
	PoolSize    int

	ModelCache    CacheType
	ModelCacheDir string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DBPath string

	SampleInterval time.Duration
	Cooldown       time.Duration

	SigningKey   string
	SignedURLTTL time.Duration
	// PublicBaseURL is where clients reach this service. When set, signed
	// model URLs are built from it instead of the request's Host header.
	PublicBaseURL string
}

func NewDefaultConfig() *Config {
	return &Config{
		Addr:           DefaultAddr,
		ModelSource:    SourceFile,
		ModelPath:      DefaultModelPath,
		ModelID:        DefaultModelID,
		OutputSize:     DefaultOutputSize,
		PoolSize:       DefaultPoolSize,
		ModelCache:     CacheNone,
		ModelCacheDir:  DefaultCacheDir,
		DBPath:         DefaultDBPath,
		SampleInterval: DefaultSampleInterval,
		Cooldown:       DefaultCooldown,
		SignedURLTTL:   DefaultSignedURLTTL,
	}
}

// LoadDotEnv reads the given .env files (".env" when none are given) into
// the process environment. Variables that are already set are kept.
func LoadDotEnv(files ...string) error {
	return godotenv.Load(files...)
}

// FromEnv builds a Config from environment variables on top of the defaults.
func FromEnv() (*Config, error) {
	cfg := NewDefaultConfig()
	var errs []error

	cfg.Addr = envString("ADDR", cfg.Addr)
	cfg.Debug = strings.EqualFold(os.Getenv("DEBUG"), "true")
	cfg.RuntimeLibDir = envString("ORT_LIB_DIR", cfg.RuntimeLibDir)
	cfg.RuntimeLibPath = envString("ORT_LIB_PATH", cfg.RuntimeLibPath)

	cfg.ModelSource = ModelSourceType(strings.ToLower(envString("MODEL_SOURCE", string(cfg.ModelSource))))
	cfg.ModelPath = envString("MODEL_PATH", cfg.ModelPath)
	cfg.ModelURL = envString("MODEL_URL", cfg.ModelURL)
	cfg.ModelID = envString("MODEL_ID", cfg.ModelID)
	cfg.OutputSize = envInt("OUTPUT_SIZE", cfg.OutputSize, &errs)
	cfg.PoolSize = envInt("POOL_SIZE", cfg.PoolSize, &errs)

	cfg.ModelCache = CacheType(strings.ToLower(envString("MODEL_CACHE", string(cfg.ModelCache))))
	cfg.ModelCacheDir = envString("MODEL_CACHE_DIR", cfg.ModelCacheDir)
	cfg.RedisAddr = envString("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = envString("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = envInt("REDIS_DB", cfg.RedisDB, &errs)

	cfg.DBPath = envString("DB_PATH", cfg.DBPath)

	cfg.SampleInterval = envDuration("SAMPLE_INTERVAL", cfg.SampleInterval, &errs)
	cfg.Cooldown = envDuration("COOLDOWN", cfg.Cooldown, &errs)

	cfg.SigningKey = envString("SIGNING_KEY", cfg.SigningKey)
	cfg.SignedURLTTL = envDuration("SIGNED_URL_TTL", cfg.SignedURLTTL, &errs)
	cfg.PublicBaseURL = envString("PUBLIC_BASE_URL", cfg.PublicBaseURL)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.ModelSource {
	case SourceFile:
		if c.ModelPath == "" {
			return errors.New("MODEL_PATH is required for the file model source")
		}
	case SourceDirect, SourceSigned:
		if c.ModelURL == "" {
			return fmt.Errorf("MODEL_URL is required for the %s model source", c.ModelSource)
		}
	default:
		return fmt.Errorf("unknown MODEL_SOURCE %q", c.ModelSource)
	}

	switch c.ModelCache {
	case CacheNone:
	case CacheFile:
		if c.ModelCacheDir == "" {
			return errors.New("MODEL_CACHE_DIR is required for the file cache")
		}
	case CacheRedis:
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required for the redis cache")
		}
	default:
		return fmt.Errorf("unknown MODEL_CACHE %q", c.ModelCache)
	}

	if c.PoolSize <= 0 {
		return fmt.Errorf("POOL_SIZE must be positive, got %d", c.PoolSize)
	}
	if c.OutputSize <= 0 {
		return fmt.Errorf("OUTPUT_SIZE must be positive, got %d", c.OutputSize)
	}
	if c.SampleInterval <= 0 {
		return fmt.Errorf("SAMPLE_INTERVAL must be positive, got %s", c.SampleInterval)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("COOLDOWN must not be negative, got %s", c.Cooldown)
	}
	if c.SignedURLTTL <= 0 {
		return fmt.Errorf("SIGNED_URL_TTL must be positive, got %s", c.SignedURLTTL)
	}
	if c.PublicBaseURL != "" {
		if _, err := c.PublicBase(); err != nil {
			return err
		}
	}
	return nil
}

// PublicBase parses PublicBaseURL. It returns nil when none is configured.
func (c *Config) PublicBase() (*url.URL, error) {
	if c.PublicBaseURL == "" {
		return nil, nil
	}
	u, err := url.Parse(c.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid PUBLIC_BASE_URL %q: %w", c.PublicBaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("PUBLIC_BASE_URL must be an absolute http(s) URL, got %q", c.PublicBaseURL)
	}
	return u, nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int, errs *[]error) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return def
	}
	return n
}

// envDuration accepts Go duration strings ("500ms") or plain milliseconds.
func envDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return def
	}
	return d
}
