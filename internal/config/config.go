package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aula-cloud/asistente/internal/domain"
)

// Config holds the asistente API configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Provider ProviderConfig `yaml:"provider"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Query    QueryConfig    `yaml:"query"`
	Cache    CacheConfig    `yaml:"cache"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// ProviderConfig holds LLM provider settings. Kind selects one of the closed
// provider set (gemini, openai, ollama); all are reached through their
// OpenAI-compatible endpoints.
type ProviderConfig struct {
	Kind           string `yaml:"kind"`
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	ChatModel      string `yaml:"chat_model"`
	EmbeddingModel string `yaml:"embedding_model"`
	Dimensions     int    `yaml:"dimensions"`
}

// IngestConfig holds document ingestion settings.
type IngestConfig struct {
	SourceDir       string `yaml:"source_dir"`
	DataDir         string `yaml:"data_dir"`
	MaxAttempts     int    `yaml:"max_attempts"`
	ShortCooldownMS int    `yaml:"short_cooldown_ms"`
	LongCooldownMS  int    `yaml:"long_cooldown_ms"`
	ChunkSize       int    `yaml:"chunk_size"` // max chunk length in runes
}

// QueryConfig holds answer pipeline settings.
type QueryConfig struct {
	TopK            int      `yaml:"top_k"`
	Greetings       []string `yaml:"greetings"`
	GreetingReply   string   `yaml:"greeting_reply"`
	NotReadyMessage string   `yaml:"not_ready_message"`
	TokenDelayMS    int      `yaml:"token_delay_ms"`
}

// CacheConfig holds optional Redis embedding cache settings.
// Empty addrs disables the cache.
type CacheConfig struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		// Streaming responses hold the connection open while tokens arrive.
		c.HTTP.WriteTimeoutSec = 120
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Ingest.SourceDir == "" {
		c.Ingest.SourceDir = "data"
	}
	if c.Ingest.DataDir == "" {
		c.Ingest.DataDir = "state"
	}
	if c.Ingest.MaxAttempts <= 0 {
		c.Ingest.MaxAttempts = 3
	}
	if c.Ingest.ShortCooldownMS <= 0 {
		c.Ingest.ShortCooldownMS = 2000
	}
	if c.Ingest.LongCooldownMS <= 0 {
		c.Ingest.LongCooldownMS = 30000
	}
	if c.Ingest.ChunkSize <= 0 {
		c.Ingest.ChunkSize = 1200
	}
	if c.Query.TopK <= 0 {
		c.Query.TopK = 4
	}
	if len(c.Query.Greetings) == 0 {
		c.Query.Greetings = []string{
			"hola", "buenas", "buenos dias", "buenas tardes", "buenas noches",
			"hey", "hello", "hi", "saludos",
		}
	}
	if c.Query.GreetingReply == "" {
		c.Query.GreetingReply = "¡Hola! Soy tu asistente pedagógico. " +
			"Pregúntame lo que quieras sobre el material del curso."
	}
	// Unset ${VAR} substitutions leave empty strings behind.
	c.Cache.Addrs = dropEmpty(c.Cache.Addrs)
	c.Auth.APIKeys = dropEmpty(c.Auth.APIKeys)
	if c.Query.NotReadyMessage == "" {
		c.Query.NotReadyMessage = "Todavía estoy indexando los documentos del curso. " +
			"Inténtalo de nuevo en unos momentos."
	}
}

// Validate checks the configuration for correctness. Provider errors here are
// fatal at startup by design: an unknown kind must never degrade silently.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	kind, err := domain.ParseProviderKind(c.Provider.Kind)
	if err != nil {
		return fmt.Errorf("provider.kind: %w", err)
	}
	if kind != domain.ProviderOllama && c.Provider.APIKey == "" {
		return fmt.Errorf("%w: provider.api_key is required for kind %q",
			domain.ErrInvalidConfig, kind)
	}
	if c.Provider.ChatModel == "" {
		return fmt.Errorf("%w: provider.chat_model is required", domain.ErrInvalidConfig)
	}
	if c.Provider.EmbeddingModel == "" {
		return fmt.Errorf("%w: provider.embedding_model is required", domain.ErrInvalidConfig)
	}
	if c.Provider.Dimensions <= 0 {
		return fmt.Errorf("%w: provider.dimensions must be positive, got %d",
			domain.ErrInvalidConfig, c.Provider.Dimensions)
	}
	return nil
}

// ProviderKind returns the validated provider kind. Call after Validate.
func (c *Config) ProviderKind() domain.ProviderKind {
	kind, _ := domain.ParseProviderKind(c.Provider.Kind)
	return kind
}

// BaseURL returns the configured endpoint, falling back to the known
// OpenAI-compatible endpoint of the provider kind.
func (c *Config) BaseURL() string {
	if c.Provider.BaseURL != "" {
		return c.Provider.BaseURL
	}
	switch c.ProviderKind() {
	case domain.ProviderGemini:
		return "https://generativelanguage.googleapis.com/v1beta/openai/"
	case domain.ProviderOllama:
		return "http://localhost:11434/v1"
	default:
		return "" // go-openai default
	}
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func dropEmpty(ss []string) []string {
	out := ss[:0]
	for _, s := range ss {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
