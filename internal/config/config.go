package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultAssistantName   = "Peacy"
	DefaultBotAuthorID     = "Peacy"
	DefaultBaseURL         = "https://api.groq.com/openai/v1"
	DefaultModel           = "llama-3.3-70b-versatile"
	DefaultMaxTokens       = 1024
	DefaultTemperature     = 0.7
	DefaultMaxRetries      = 2
	DefaultBufSize         = 100
	DefaultStoreDriver     = "sqlite"
	DefaultMemoryBackend   = "chromem"
	DefaultCollection      = "peacy_memories"
	DefaultEmbeddingKind   = "hash"
	DefaultEmbeddingDim    = 256
	DefaultContextMaxChars = 2048
	DefaultRetrievalTopK   = 3
	DefaultRollingLimit    = 1024
	DefaultRollingIdleTTL  = "2h"
	DefaultLearnerInterval = "10m"
	DefaultLearnerWindow   = "1h"
	DefaultDigestInterval  = "30m"
	DefaultDigestWindow    = "1h"
	DefaultCapabilityTTL   = "30s"
	DefaultLogLevel        = "info"
)

// DefaultPersona is the seed document inserted into an empty semantic memory.
const DefaultPersona = "Peacy is a compassionate AI mediator built for group chats. It fosters peaceful communication and helps build genuine relationships through Nonviolent Communication (NVC) principles. Peacy listens, remembers past interactions, and evolves over time by learning from conversations. Its mission is to ensure every chat is supportive, empathetic, and conflict-free."

// DefaultWakeWords gate which group messages get an answer.
var DefaultWakeWords = []string{
	"peacy", "pc", "peacybot", "peacyai", "peacy-ai",
	"peacy-bot", "peacey", "peaceybot", "peaceyai",
	"peacey-ai", "peacey-bot",
}

// ErrMissingToken is returned when a channel is enabled without credentials.
var ErrMissingToken = errors.New("telegram token is required")

type Config struct {
	Assistant AssistantConfig `json:"assistant"`
	Provider  ProviderConfig  `json:"provider"`
	Embedding EmbeddingConfig `json:"embedding"`
	Channels  ChannelsConfig  `json:"channels"`
	Store     StoreConfig     `json:"store"`
	Memory    MemoryConfig    `json:"memory"`
	Composer  ComposerConfig  `json:"composer"`
	Rolling   RollingConfig   `json:"rolling"`
	Learner   LearnerConfig   `json:"learner"`
	Digest    DigestConfig    `json:"digest"`
	Timeouts  TimeoutsConfig  `json:"timeouts"`
	Log       LogConfig       `json:"log"`
}

type AssistantConfig struct {
	Name        string   `json:"name"`
	BotAuthorID string   `json:"botAuthorId"`
	WakeWords   []string `json:"wakeWords"`
	Persona     string   `json:"persona,omitempty"`
}

type ProviderConfig struct {
	APIKey      string  `json:"apiKey"`
	BaseURL     string  `json:"baseUrl,omitempty"`
	Model       string  `json:"model"`
	MaxTokens   int      `json:"maxTokens"`
	MaxRetries  int      `json:"maxRetries,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"` // nil means DefaultTemperature; 0 is honored
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"` // "hash" (default, offline) or "openai"
	Model     string `json:"model,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Dimension int    `json:"dimension,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type StoreConfig struct {
	Driver string `json:"driver"` // "sqlite" or "postgres"
	DSN    string `json:"dsn,omitempty"`
}

type MemoryConfig struct {
	Backend    string `json:"backend"` // "chromem" or "sqlite"
	Path       string `json:"path,omitempty"`
	Collection string `json:"collection"`
}

type ComposerConfig struct {
	MaxChars int `json:"maxChars"`
	TopK     int `json:"topK"`
}

type RollingConfig struct {
	TokenLimit int    `json:"tokenLimit"`
	IdleTTL    string `json:"idleTtl,omitempty"`
}

type LearnerConfig struct {
	Enabled   bool   `json:"enabled"`
	Interval  string `json:"interval,omitempty"`
	Window    string `json:"window,omitempty"`
	Extractor string `json:"extractor,omitempty"` // "rules" or "llm"
}

type DigestConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"`
	Window   string `json:"window,omitempty"`
}

type TimeoutsConfig struct {
	Capability string `json:"capability,omitempty"`
}

type LogConfig struct {
	Level string `json:"level,omitempty"`
	JSON  bool   `json:"json,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Assistant: AssistantConfig{
			Name:        DefaultAssistantName,
			BotAuthorID: DefaultBotAuthorID,
			WakeWords:   append([]string(nil), DefaultWakeWords...),
			Persona:     DefaultPersona,
		},
		Provider: ProviderConfig{
			BaseURL:     DefaultBaseURL,
			Model:       DefaultModel,
			MaxTokens:   DefaultMaxTokens,
			MaxRetries:  DefaultMaxRetries,
			Temperature: Float(DefaultTemperature),
		},
		Embedding: EmbeddingConfig{
			Provider:  DefaultEmbeddingKind,
			Dimension: DefaultEmbeddingDim,
		},
		Store: StoreConfig{
			Driver: DefaultStoreDriver,
		},
		Memory: MemoryConfig{
			Backend:    DefaultMemoryBackend,
			Collection: DefaultCollection,
		},
		Composer: ComposerConfig{
			MaxChars: DefaultContextMaxChars,
			TopK:     DefaultRetrievalTopK,
		},
		Rolling: RollingConfig{
			TokenLimit: DefaultRollingLimit,
			IdleTTL:    DefaultRollingIdleTTL,
		},
		Learner: LearnerConfig{
			Enabled:   true,
			Interval:  DefaultLearnerInterval,
			Window:    DefaultLearnerWindow,
			Extractor: "rules",
		},
		Digest: DigestConfig{
			Enabled:  true,
			Interval: DefaultDigestInterval,
			Window:   DefaultDigestWindow,
		},
		Timeouts: TimeoutsConfig{
			Capability: DefaultCapabilityTTL,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}

func ConfigDir() string {
	if dir := os.Getenv("PEACY_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".peacy")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// DataDir holds the sqlite database, the vector collection and cron state.
func DataDir() string {
	return filepath.Join(ConfigDir(), "data")
}

func LoadConfig() (*Config, error) {
	// A missing .env is the common case.
	_ = godotenv.Load()

	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	// Environment variable overrides
	if key := os.Getenv("PEACY_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("GROQ_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := firstEnv("OPENAI_API_KEY", "OPEN_AI_API_KEY"); key != "" {
		if cfg.Provider.APIKey == "" {
			cfg.Provider.APIKey = key
		}
		if cfg.Embedding.APIKey == "" {
			cfg.Embedding.APIKey = key
		}
	}
	if url := os.Getenv("PEACY_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("PEACY_MODEL"); model != "" {
		cfg.Provider.Model = model
	}
	if token := firstEnv("PEACY_TELEGRAM_TOKEN", "TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
		cfg.Channels.Telegram.Enabled = true
	}
	if dsn := os.Getenv("PG_CONNECTION_STRING"); dsn != "" {
		cfg.Store.Driver = "postgres"
		cfg.Store.DSN = dsn
	}
	if dsn := os.Getenv("PEACY_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if driver := os.Getenv("PEACY_STORE_DRIVER"); driver != "" {
		cfg.Store.Driver = driver
	}
	if dir := firstEnv("PEACY_MEMORY_PATH", "CHROMA_PERSIST_DIRECTORY"); dir != "" {
		cfg.Memory.Path = dir
	}
	if backend := os.Getenv("PEACY_MEMORY_BACKEND"); backend != "" {
		cfg.Memory.Backend = backend
	}
	if provider := os.Getenv("PEACY_EMBEDDING_PROVIDER"); provider != "" {
		cfg.Embedding.Provider = provider
	}
	if model := os.Getenv("PEACY_EMBEDDING_MODEL"); model != "" {
		cfg.Embedding.Model = model
	}
	if url := os.Getenv("PEACY_EMBEDDING_BASE_URL"); url != "" {
		cfg.Embedding.BaseURL = url
	}
	if enabled := os.Getenv("PEACY_LEARNER_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Learner.Enabled = parsed
		}
	}
	if interval := os.Getenv("PEACY_LEARNER_INTERVAL"); interval != "" {
		cfg.Learner.Interval = interval
	}
	if extractor := os.Getenv("PEACY_LEARNER_EXTRACTOR"); extractor != "" {
		cfg.Learner.Extractor = extractor
	}
	if maxChars := os.Getenv("PEACY_CONTEXT_MAX_CHARS"); maxChars != "" {
		if parsed, err := strconv.Atoi(maxChars); err == nil {
			cfg.Composer.MaxChars = parsed
		}
	}
	if level := os.Getenv("PEACY_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Assistant.Name == "" {
		cfg.Assistant.Name = DefaultAssistantName
	}
	if cfg.Assistant.BotAuthorID == "" {
		cfg.Assistant.BotAuthorID = DefaultBotAuthorID
	}
	if cfg.Assistant.Persona == "" {
		cfg.Assistant.Persona = DefaultPersona
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = DefaultModel
	}
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = DefaultBaseURL
	}
	if cfg.Provider.MaxTokens <= 0 {
		cfg.Provider.MaxTokens = DefaultMaxTokens
	}
	if cfg.Provider.MaxRetries <= 0 {
		cfg.Provider.MaxRetries = DefaultMaxRetries
	}
	if cfg.Provider.Temperature == nil {
		cfg.Provider.Temperature = Float(DefaultTemperature)
	}
	cfg.Embedding.Provider = strings.ToLower(strings.TrimSpace(cfg.Embedding.Provider))
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = DefaultEmbeddingKind
	}
	if cfg.Embedding.Dimension <= 0 && cfg.Embedding.Provider == DefaultEmbeddingKind {
		cfg.Embedding.Dimension = DefaultEmbeddingDim
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DefaultStoreDriver
	}
	if cfg.Store.Driver == "pgx" {
		cfg.Store.Driver = "postgres"
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.DSN == "" {
		cfg.Store.DSN = filepath.Join(DataDir(), "peacy.db")
	}
	cfg.Memory.Backend = strings.ToLower(strings.TrimSpace(cfg.Memory.Backend))
	if cfg.Memory.Backend == "" {
		cfg.Memory.Backend = DefaultMemoryBackend
	}
	if cfg.Memory.Path == "" {
		if cfg.Memory.Backend == "sqlite" {
			cfg.Memory.Path = filepath.Join(DataDir(), "memory.db")
		} else {
			cfg.Memory.Path = filepath.Join(DataDir(), "chroma")
		}
	}
	if cfg.Memory.Collection == "" {
		cfg.Memory.Collection = DefaultCollection
	}
	if cfg.Composer.MaxChars <= 0 {
		cfg.Composer.MaxChars = DefaultContextMaxChars
	}
	if cfg.Composer.TopK <= 0 {
		cfg.Composer.TopK = DefaultRetrievalTopK
	}
	if cfg.Rolling.TokenLimit <= 0 {
		cfg.Rolling.TokenLimit = DefaultRollingLimit
	}
	if cfg.Rolling.IdleTTL == "" {
		cfg.Rolling.IdleTTL = DefaultRollingIdleTTL
	}
	if cfg.Learner.Interval == "" {
		cfg.Learner.Interval = DefaultLearnerInterval
	}
	if cfg.Learner.Window == "" {
		cfg.Learner.Window = DefaultLearnerWindow
	}
	if cfg.Learner.Extractor == "" {
		cfg.Learner.Extractor = "rules"
	}
	if cfg.Digest.Interval == "" {
		cfg.Digest.Interval = DefaultDigestInterval
	}
	if cfg.Digest.Window == "" {
		cfg.Digest.Window = DefaultDigestWindow
	}
	if cfg.Timeouts.Capability == "" {
		cfg.Timeouts.Capability = DefaultCapabilityTTL
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0600)
}

// Duration parses a config duration string, falling back to def when the
// value is empty, malformed or not positive.
func Duration(value, def string) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(def)
	return d
}

func (c *Config) LearnerInterval() time.Duration {
	return Duration(c.Learner.Interval, DefaultLearnerInterval)
}

func (c *Config) LearnerWindow() time.Duration {
	return Duration(c.Learner.Window, DefaultLearnerWindow)
}

func (c *Config) DigestInterval() time.Duration {
	return Duration(c.Digest.Interval, DefaultDigestInterval)
}

func (c *Config) DigestWindow() time.Duration {
	return Duration(c.Digest.Window, DefaultDigestWindow)
}

func (c *Config) RollingIdleTTL() time.Duration {
	return Duration(c.Rolling.IdleTTL, DefaultRollingIdleTTL)
}

func (c *Config) CapabilityTimeout() time.Duration {
	return Duration(c.Timeouts.Capability, DefaultCapabilityTTL)
}

// Validate reports configuration that would prevent the gateway from serving.
func (c *Config) Validate() error {
	if c.Channels.Telegram.Enabled && strings.TrimSpace(c.Channels.Telegram.Token) == "" {
		return ErrMissingToken
	}
	driver := strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch driver {
	case "sqlite", "postgres", "pgx":
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}
	if driver != "sqlite" && c.Store.DSN == "" {
		return fmt.Errorf("postgres store requires a dsn")
	}
	switch c.Memory.Backend {
	case "chromem", "sqlite":
	default:
		return fmt.Errorf("unsupported memory backend %q", c.Memory.Backend)
	}
	return nil
}

// Float returns a pointer to v, for optional numeric settings.
func Float(v float64) *float64 {
	return &v
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}
