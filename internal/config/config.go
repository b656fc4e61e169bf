// Package config loads service configuration from defaults, an optional
// .env file, and ARXIVAL_* environment variables, in that order of
// precedence. The resulting Config is read once at process start and
// passed down by value; no package holds mutable global configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server        ServerConfig
	Arxiv         ArxivConfig
	Ollama        OllamaConfig
	Storage       StorageConfig
	KnowledgeBase KnowledgeBaseConfig
	RAG           RAGConfig
	Log           LogConfig
}

type ServerConfig struct {
	Host string
	Port int
	// APIToken enables bearer auth on the HTTP surface when non-empty.
	APIToken string
}

type ArxivConfig struct {
	// BaseURL is the arXiv Atom API query endpoint.
	BaseURL string
	// MaxResults is the hard ceiling on results per upstream query,
	// enforced regardless of the caller-requested value.
	MaxResults int
	// RequestTimeout bounds a single upstream request, including retries' waits.
	RequestTimeout time.Duration
	// RateLimit is the maximum sustained upstream requests per second.
	// arXiv asks clients to stay at or below one request every three seconds.
	RateLimit float64
}

type OllamaConfig struct {
	BaseURL    string
	GenModel   string
	EmbedModel string
	Timeout    time.Duration
}

type StorageConfig struct {
	DataDir string
}

type KnowledgeBaseConfig struct {
	// CacheTTL is how long a cached paper or category shard stays fresh.
	CacheTTL time.Duration
	// UpdateInterval is the period between scheduled knowledge base refreshes.
	UpdateInterval time.Duration
	// Categories is the supported arXiv category set refreshed by default.
	Categories []string
	// UpdateWorkers bounds concurrent per-category refreshes.
	UpdateWorkers int
	// FetchWindowDays is the trailing window of submissions pulled per refresh.
	FetchWindowDays int
	// FetchLimit is how many papers are pulled per category per refresh.
	FetchLimit int
}

type RAGConfig struct {
	// ContextLimit is the default number of papers retrieved as grounding context.
	ContextLimit int
	// MaxContextChars budgets the grounding context injected into the prompt.
	MaxContextChars int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Arxiv: ArxivConfig{
			BaseURL:        "https://export.arxiv.org/api/query",
			MaxResults:     100,
			RequestTimeout: 30 * time.Second,
			RateLimit:      1.0 / 3.0,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			GenModel:   "qwen2.5:7b",
			EmbedModel: "nomic-embed-text",
			Timeout:    120 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		KnowledgeBase: KnowledgeBaseConfig{
			CacheTTL:        7 * 24 * time.Hour,
			UpdateInterval:  24 * time.Hour,
			Categories:      []string{"cs.AI", "cs.CV", "cs.CL", "cs.LG", "cs.IR", "cs.NE", "stat.ML"},
			UpdateWorkers:   3,
			FetchWindowDays: 30,
			FetchLimit:      50,
		},
		RAG: RAGConfig{
			ContextLimit:    5,
			MaxContextChars: 8000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".arxival")
}

// Load returns the effective configuration. A .env file in the working
// directory is read if present; real environment variables win over it.
func Load() (Config, error) {
	godotenv.Load()
	return loadFromEnv(os.Getenv)
}

func loadFromEnv(getenv func(string) string) (Config, error) {
	cfg := defaults()

	var err error
	setStr(getenv, "ARXIVAL_HOST", &cfg.Server.Host)
	err = firstErr(err, setInt(getenv, "ARXIVAL_PORT", &cfg.Server.Port))
	setStr(getenv, "ARXIVAL_API_TOKEN", &cfg.Server.APIToken)

	setStr(getenv, "ARXIVAL_ARXIV_BASE_URL", &cfg.Arxiv.BaseURL)
	err = firstErr(err, setInt(getenv, "ARXIVAL_ARXIV_MAX_RESULTS", &cfg.Arxiv.MaxResults))
	err = firstErr(err, setDur(getenv, "ARXIVAL_ARXIV_REQUEST_TIMEOUT", &cfg.Arxiv.RequestTimeout))

	setStr(getenv, "ARXIVAL_OLLAMA_BASE_URL", &cfg.Ollama.BaseURL)
	setStr(getenv, "ARXIVAL_OLLAMA_GEN_MODEL", &cfg.Ollama.GenModel)
	setStr(getenv, "ARXIVAL_OLLAMA_EMBED_MODEL", &cfg.Ollama.EmbedModel)

	setStr(getenv, "ARXIVAL_DATA_DIR", &cfg.Storage.DataDir)

	err = firstErr(err, setDur(getenv, "ARXIVAL_CACHE_TTL", &cfg.KnowledgeBase.CacheTTL))
	err = firstErr(err, setDur(getenv, "ARXIVAL_UPDATE_INTERVAL", &cfg.KnowledgeBase.UpdateInterval))
	err = firstErr(err, setInt(getenv, "ARXIVAL_UPDATE_WORKERS", &cfg.KnowledgeBase.UpdateWorkers))
	err = firstErr(err, setInt(getenv, "ARXIVAL_FETCH_LIMIT", &cfg.KnowledgeBase.FetchLimit))
	if v := getenv("ARXIVAL_CATEGORIES"); v != "" {
		var cats []string
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cats = append(cats, c)
			}
		}
		cfg.KnowledgeBase.Categories = cats
	}

	err = firstErr(err, setInt(getenv, "ARXIVAL_RAG_CONTEXT_LIMIT", &cfg.RAG.ContextLimit))
	setStr(getenv, "ARXIVAL_LOG_LEVEL", &cfg.Log.Level)

	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Arxiv.BaseURL == "" {
		return fmt.Errorf("arXiv base URL must not be empty")
	}
	if c.Arxiv.MaxResults <= 0 {
		return fmt.Errorf("arXiv max results must be positive, got %d", c.Arxiv.MaxResults)
	}
	if c.Arxiv.RequestTimeout <= 0 {
		return fmt.Errorf("arXiv request timeout must be positive, got %s", c.Arxiv.RequestTimeout)
	}
	if len(c.KnowledgeBase.Categories) == 0 {
		return fmt.Errorf("supported category set must not be empty")
	}
	if c.KnowledgeBase.UpdateWorkers <= 0 {
		return fmt.Errorf("update workers must be positive, got %d", c.KnowledgeBase.UpdateWorkers)
	}
	return nil
}

func setStr(getenv func(string) string, key string, dst *string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func setInt(getenv func(string) string, key string, dst *int) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func setDur(getenv func(string) string, key string, dst *time.Duration) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	// Accept either a Go duration ("24h") or plain seconds ("86400"),
	// the latter matching the original deployment's env files.
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	*dst = d
	return nil
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
