// Package config loads the personachat configuration from YAML with
// environment fallbacks for secrets.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	tracing "github.com/aixgo-dev/personachat/internal/observability"
	"github.com/aixgo-dev/personachat/pkg/conversation"
	"github.com/aixgo-dev/personachat/pkg/remote"
	"github.com/aixgo-dev/personachat/pkg/store"
	"github.com/aixgo-dev/personachat/pkg/store/firestore"
)

// maxConfigSize bounds the config file read.
const maxConfigSize = 1 << 20

// Store backends.
const (
	StoreMemory    = "memory"
	StoreFile      = "file"
	StoreRedis     = "redis"
	StoreSQLite    = "sqlite"
	StoreFirestore = "firestore"
)

// Remote backends.
const (
	RemoteHTTP   = "http"
	RemoteOpenAI = "openai"
	RemoteGemini = "gemini"
	RemoteEcho   = "echo"
)

// Config represents the application configuration
type Config struct {
	Log     LogConfig      `yaml:"log"`
	Store   StoreConfig    `yaml:"store"`
	Remote  RemoteConfig   `yaml:"remote"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Tracing tracing.Config `yaml:"tracing"`

	// DefaultCharacter answers on threads whose session names no persona.
	DefaultCharacter conversation.Character `yaml:"default_character"`
	// Characters is the persona catalog.
	Characters []conversation.Character `yaml:"characters"`
	// FallbackThreadID is the active thread when no session exists.
	FallbackThreadID string `yaml:"fallback_thread_id"`
	// Texts are the locally produced message bodies.
	Texts conversation.Texts `yaml:"texts"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	// Mode is "production" for JSON logs, "quiet" for warnings only and
	// anything else for development logs. Defaults to "quiet".
	Mode string `yaml:"mode"`
}

// StoreConfig selects and configures the document store.
type StoreConfig struct {
	Backend      string            `yaml:"backend"`
	WriteTimeout time.Duration     `yaml:"write_timeout"`
	File         FileConfig        `yaml:"file"`
	SQLite       SQLiteConfig      `yaml:"sqlite"`
	Redis        store.RedisConfig `yaml:"redis"`
	Firestore    firestore.Config  `yaml:"firestore"`
}

// FileConfig configures the file store.
type FileConfig struct {
	// Dir defaults to ~/.personachat/store.
	Dir string `yaml:"dir"`
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig selects and configures the conversation service.
type RemoteConfig struct {
	Backend   string              `yaml:"backend"`
	HTTP      remote.HTTPConfig   `yaml:"http"`
	OpenAI    remote.OpenAIConfig `yaml:"openai"`
	Gemini    remote.GeminiConfig `yaml:"gemini"`
	EchoDelay time.Duration       `yaml:"echo_delay"`
}

// MetricsConfig configures the metrics and health server.
type MetricsConfig struct {
	// Addr enables the server when set, e.g. ":9090".
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file exists: a file store
// and the offline echo service.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

// LoadOrDefault loads path, falling back to Default when it does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	cfg, err := LoadConfig(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *Config) applyDefaults() {
	if c.Log.Mode == "" {
		c.Log.Mode = "quiet"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = StoreFile
	}
	if c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = "personachat.db"
	}
	if c.Remote.Backend == "" {
		c.Remote.Backend = RemoteEcho
	}
	if c.DefaultCharacter.ID == "" {
		c.DefaultCharacter = conversation.DefaultCharacter
	}
	if c.FallbackThreadID == "" {
		c.FallbackThreadID = conversation.DefaultThreadID
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}

	defaults := conversation.DefaultTexts()
	if c.Texts.Busy == "" {
		c.Texts.Busy = defaults.Busy
	}
	if c.Texts.Retrying == "" {
		c.Texts.Retrying = defaults.Retrying
	}
	if c.Texts.EmptyReply == "" {
		c.Texts.EmptyReply = defaults.EmptyReply
	}
}

// applyEnv fills secrets and addresses missing from the file.
func (c *Config) applyEnv() {
	setFromEnv(&c.Remote.HTTP.Token, "PERSONACHAT_API_TOKEN")
	setFromEnv(&c.Remote.HTTP.BaseURL, "PERSONACHAT_BASE_URL")
	setFromEnv(&c.Remote.OpenAI.APIKey, "OPENAI_API_KEY")
	setFromEnv(&c.Remote.Gemini.APIKey, "GEMINI_API_KEY")
	setFromEnv(&c.Store.Redis.Addr, "REDIS_ADDR")
	setFromEnv(&c.Store.Firestore.ProjectID, "GCP_PROJECT")
	setFromEnv(&c.Store.Firestore.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")
}

func setFromEnv(dst *string, key string) {
	if *dst == "" {
		*dst = os.Getenv(key)
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory, StoreFile, StoreSQLite:
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	case StoreFirestore:
		if c.Store.Firestore.ProjectID == "" {
			return fmt.Errorf("store.firestore.project_id is required for the firestore backend")
		}
	default:
		return fmt.Errorf("unknown store backend: %q", c.Store.Backend)
	}

	switch c.Remote.Backend {
	case RemoteEcho:
	case RemoteHTTP:
		if c.Remote.HTTP.BaseURL == "" {
			return fmt.Errorf("remote.http.base_url is required for the http backend")
		}
	case RemoteOpenAI:
		if c.Remote.OpenAI.APIKey == "" {
			return fmt.Errorf("remote.openai.api_key (or OPENAI_API_KEY) is required for the openai backend")
		}
	case RemoteGemini:
		if c.Remote.Gemini.APIKey == "" && c.Remote.Gemini.Project == "" {
			return fmt.Errorf("remote.gemini.api_key or remote.gemini.project is required for the gemini backend")
		}
	default:
		return fmt.Errorf("unknown remote backend: %q", c.Remote.Backend)
	}

	switch c.Tracing.Exporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("unknown tracing exporter: %q", c.Tracing.Exporter)
	}

	seen := make(map[string]bool, len(c.Characters))
	for _, ch := range c.Characters {
		if ch.ID == "" {
			return fmt.Errorf("character %q has no id", ch.Name)
		}
		if seen[ch.ID] {
			return fmt.Errorf("duplicate character id: %s", ch.ID)
		}
		seen[ch.ID] = true
	}

	return nil
}

// Character returns the catalog entry with the given id.
func (c *Config) Character(id string) (conversation.Character, bool) {
	for _, ch := range c.Characters {
		if ch.ID == id {
			return ch, true
		}
	}
	if c.DefaultCharacter.ID == id {
		return c.DefaultCharacter, true
	}
	return conversation.Character{}, false
}
