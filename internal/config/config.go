// Package config resolves vidsearch settings from defaults, an optional
// config file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"vidsearch/internal/llm/hashing"
)

// Environment keys. The config file accepts the same names, case-insensitively.
const (
	KeyDBPath              = "VIDSEARCH_DB_PATH"
	KeyStoreBackend        = "VIDSEARCH_STORE_BACKEND"
	KeyRedisAddr           = "VIDSEARCH_REDIS_ADDR"
	KeyRedisPrefix         = "VIDSEARCH_REDIS_PREFIX"
	KeyEmbedProvider       = "VIDSEARCH_EMBED_PROVIDER"
	KeyOpenAIBaseURL       = "VIDSEARCH_OPENAI_BASE_URL"
	KeyOpenAIAPIKey        = "VIDSEARCH_OPENAI_API_KEY"
	KeyEmbeddingModel      = "VIDSEARCH_EMBEDDING_MODEL"
	KeyEmbeddingDim        = "VIDSEARCH_EMBEDDING_DIM"
	KeyEmbedBatch          = "VIDSEARCH_EMBED_BATCH"
	KeyEmbedTimeout        = "VIDSEARCH_EMBED_TIMEOUT"
	KeyEmbedCache          = "VIDSEARCH_EMBED_CACHE"
	KeyLLMMinIntervalMS    = "VIDSEARCH_LLM_MIN_INTERVAL_MS"
	KeyIngestWorkers       = "VIDSEARCH_INGEST_WORKERS"
	KeyIngestRetries       = "VIDSEARCH_INGEST_RETRIES"
	KeySimilarityThreshold = "VIDSEARCH_SIMILARITY_THRESHOLD"
	KeyTopK                = "VIDSEARCH_TOP_K"
	KeyLogLevel            = "VIDSEARCH_LOG_LEVEL"
	KeyHTTPAddr            = "VIDSEARCH_HTTP_ADDR"
	KeyRateLimitRPS        = "VIDSEARCH_RATE_LIMIT_RPS"
)

// KnownKeys lists every key Load reads.
var KnownKeys = []string{
	KeyDBPath, KeyStoreBackend, KeyRedisAddr, KeyRedisPrefix,
	KeyEmbedProvider, KeyOpenAIBaseURL, KeyOpenAIAPIKey,
	KeyEmbeddingModel, KeyEmbeddingDim, KeyEmbedBatch, KeyEmbedTimeout, KeyEmbedCache,
	KeyLLMMinIntervalMS, KeyIngestWorkers, KeyIngestRetries,
	KeySimilarityThreshold, KeyTopK, KeyLogLevel,
	KeyHTTPAddr, KeyRateLimitRPS,
}

// Store backends and embedding providers.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"

	ProviderOpenAI  = "openai"
	ProviderHashing = "hashing"
)

const (
	defaultHashingDim  = 256
	defaultOpenAIModel = "text-embedding-3-small"
	defaultOpenAIDim   = 1536
)

// Config is the resolved process configuration. Components receive the parts
// they need as explicit structs; nothing else reads the environment.
type Config struct {
	DBPath       string
	StoreBackend string
	RedisAddr    string
	RedisPrefix  string

	EmbedProvider  string
	OpenAIBaseURL  string
	OpenAIAPIKey   string
	EmbeddingModel string
	EmbeddingDim   int
	EmbedBatch     int
	EmbedTimeout   time.Duration
	EmbedCache     int
	LLMMinInterval time.Duration

	IngestWorkers int
	IngestRetries int

	// SimilarityThreshold is nil when no cut-off is configured.
	SimilarityThreshold *float64
	TopK                int
	LogLevel            string

	HTTPAddr string
	// RateLimitRPS is the per-client request rate for serve; 0 disables it.
	RateLimitRPS float64
}

// Sources says where Load looks. Zero fields fall back to the process defaults.
type Sources struct {
	// HomeDir holds .vidsearch/config.{yaml,yml,json}.
	HomeDir string
	// DotEnv is the .env file to read; missing files are ignored.
	DotEnv string
	// LookupEnv reads the process environment.
	LookupEnv func(string) (string, bool)
}

// Load resolves configuration from, lowest precedence first: built-in
// defaults, ~/.vidsearch/config.{yaml,yml,json}, ./.env, and the environment.
func Load() (Config, error) { return LoadFrom(Sources{}) }

// LoadFrom is Load with explicit sources.
func LoadFrom(src Sources) (Config, error) {
	if src.HomeDir == "" {
		src.HomeDir, _ = os.UserHomeDir()
	}
	if src.DotEnv == "" {
		src.DotEnv = ".env"
	}
	if src.LookupEnv == nil {
		src.LookupEnv = os.LookupEnv
	}

	values := map[string]string{}
	if src.HomeDir != "" {
		file := readConfigFile(filepath.Join(src.HomeDir, ".vidsearch"))
		for _, key := range KnownKeys {
			if v, ok := lookupInsensitive(file, key); ok {
				values[key] = v
			}
		}
	}
	dotenv, err := godotenv.Read(src.DotEnv)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("read %s: %w", src.DotEnv, err)
	}
	// the plain OpenAI variable is honoured when the prefixed one is absent
	if v := dotenv["OPENAI_API_KEY"]; v != "" {
		values[KeyOpenAIAPIKey] = v
	}
	if v, ok := src.LookupEnv("OPENAI_API_KEY"); ok && v != "" {
		values[KeyOpenAIAPIKey] = v
	}
	for _, key := range KnownKeys {
		if v, ok := dotenv[key]; ok && v != "" {
			values[key] = v
		}
		if v, ok := src.LookupEnv(key); ok && v != "" {
			values[key] = v
		}
	}
	return build(values, src.HomeDir)
}

func build(values map[string]string, home string) (Config, error) {
	p := parser{values: values}
	cfg := Config{
		DBPath:         p.str(KeyDBPath, filepath.Join(home, ".vidsearch", "vidsearch.db")),
		StoreBackend:   strings.ToLower(p.str(KeyStoreBackend, BackendSQLite)),
		RedisAddr:      p.str(KeyRedisAddr, "localhost:6379"),
		RedisPrefix:    p.str(KeyRedisPrefix, "vidsearch:"),
		EmbedProvider:  strings.ToLower(p.str(KeyEmbedProvider, ProviderHashing)),
		OpenAIBaseURL:  p.str(KeyOpenAIBaseURL, ""),
		OpenAIAPIKey:   p.str(KeyOpenAIAPIKey, ""),
		EmbedBatch:     p.integer(KeyEmbedBatch, 16),
		EmbedTimeout:   p.duration(KeyEmbedTimeout, 30*time.Second),
		EmbedCache:     p.integer(KeyEmbedCache, 1024),
		LLMMinInterval: time.Duration(p.integer(KeyLLMMinIntervalMS, 0)) * time.Millisecond,
		IngestWorkers:  p.integer(KeyIngestWorkers, 4),
		IngestRetries:  p.integer(KeyIngestRetries, 3),
		TopK:           p.integer(KeyTopK, 10),
		LogLevel:       strings.ToLower(p.str(KeyLogLevel, "info")),
		HTTPAddr:       p.str(KeyHTTPAddr, ":8089"),
		RateLimitRPS:   p.float(KeyRateLimitRPS, 0),
	}
	switch cfg.EmbedProvider {
	case ProviderOpenAI:
		cfg.EmbeddingDim = p.integer(KeyEmbeddingDim, defaultOpenAIDim)
		cfg.EmbeddingModel = p.str(KeyEmbeddingModel, defaultOpenAIModel)
	default:
		cfg.EmbeddingDim = p.integer(KeyEmbeddingDim, defaultHashingDim)
		cfg.EmbeddingModel = p.str(KeyEmbeddingModel, hashing.Model(cfg.EmbeddingDim))
	}
	if v, ok := values[KeySimilarityThreshold]; ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s: %w", KeySimilarityThreshold, err))
		} else {
			cfg.SimilarityThreshold = &f
		}
	}
	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendSQLite:
		if c.DBPath == "" {
			errs = append(errs, fmt.Errorf("%s is required for the sqlite backend", KeyDBPath))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("%s is required for the redis backend", KeyRedisAddr))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("%s: unknown backend %q", KeyStoreBackend, c.StoreBackend))
	}
	if c.EmbedProvider != ProviderOpenAI && c.EmbedProvider != ProviderHashing {
		errs = append(errs, fmt.Errorf("%s: unknown provider %q", KeyEmbedProvider, c.EmbedProvider))
	}
	if c.EmbeddingModel == "" {
		errs = append(errs, fmt.Errorf("%s is empty", KeyEmbeddingModel))
	}
	positive := map[string]int{
		KeyEmbeddingDim:  c.EmbeddingDim,
		KeyEmbedBatch:    c.EmbedBatch,
		KeyIngestWorkers: c.IngestWorkers,
		KeyTopK:          c.TopK,
	}
	for _, k := range KnownKeys {
		if v, ok := positive[k]; ok && v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", k, v))
		}
	}
	if c.EmbedCache < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyEmbedCache))
	}
	if c.IngestRetries < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyIngestRetries))
	}
	if c.EmbedTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyEmbedTimeout))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyRateLimitRPS))
	}
	if t := c.SimilarityThreshold; t != nil && (*t < -1 || *t > 1) {
		errs = append(errs, fmt.Errorf("%s must be within [-1, 1], got %g", KeySimilarityThreshold, *t))
	}
	return errors.Join(errs...)
}

type parser struct {
	values map[string]string
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v, ok := p.values[key]; ok && v != "" {
		return v
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	v, ok := p.values[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v, ok := p.values[key]
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

// duration accepts Go durations ("45s") or bare seconds ("45").
func (p *parser) duration(key string, def time.Duration) time.Duration {
	v, ok := p.values[key]
	if !ok || v == "" {
		return def
	}
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

// readConfigFile returns the first parseable config.{yaml,yml,json} in dir.
// Unreadable or malformed files are skipped.
func readConfigFile(dir string) map[string]string {
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		if m, err := parseConfigFile(b); err == nil {
			return m
		}
	}
	return nil
}

// parseConfigFile reads the top-level scalar entries of a YAML or JSON
// document. Values keep their source text, so "0123" stays "0123". Nested
// mappings and sequences are ignored.
func parseConfigFile(b []byte) (map[string]string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, errors.New("config file is not a mapping")
	}
	root := doc.Content[0]
	m := make(map[string]string, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		k, v := root.Content[i], root.Content[i+1]
		if v.Kind != yaml.ScalarNode || v.Tag == "!!null" {
			continue
		}
		m[k.Value] = v.Value
	}
	return m, nil
}

func lookupInsensitive(m map[string]string, key string) (string, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}
