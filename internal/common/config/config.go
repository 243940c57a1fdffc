// Package config provides configuration management for Hiveloop.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Hiveloop runtime.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Loop    LoopConfig    `mapstructure:"loop"`
	Logging LoggingConfig `mapstructure:"logging"`
	Bus     BusConfig     `mapstructure:"bus"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Agents  AgentsConfig  `mapstructure:"agents"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StorageConfig holds session storage configuration.
type StorageConfig struct {
	// Root is the base directory for session roots. Each session lives
	// under {root}/{sessionId}/ with state.json, data/, conversations/.
	Root string `mapstructure:"root"`

	// JournalPath is the sqlite event journal location. Empty means
	// journal.db under Root; "off" disables the journal (events are
	// still delivered on the bus).
	JournalPath string `mapstructure:"journalPath"`
}

// LoopConfig holds step-loop bounds consumed by the graph executor.
type LoopConfig struct {
	MaxIterations       int `mapstructure:"maxIterations"`
	MaxToolCallsPerTurn int `mapstructure:"maxToolCallsPerTurn"`
	MaxHistoryTokens    int `mapstructure:"maxHistoryTokens"`
	MaxLLMAttempts      int `mapstructure:"maxLLMAttempts"`
}

// BusConfig holds event bus tuning.
type BusConfig struct {
	// SubscriberBuffer is the per-subscription channel depth. A slow
	// subscriber that overruns it loses oldest events and is told so.
	SubscriberBuffer int `mapstructure:"subscriberBuffer"`
}

// LLMConfig holds model endpoint configuration. The gateway speaks the
// OpenAI-compatible chat completions wire format, which covers hosted
// providers and local inference servers alike.
type LLMConfig struct {
	BaseURL   string `mapstructure:"baseUrl"`
	APIKey    string `mapstructure:"apiKey"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"maxTokens"`
}

// AgentsConfig holds agent package discovery configuration.
type AgentsConfig struct {
	// Dir is scanned at startup for agent packages: *.yaml files and
	// directories containing agent.yaml. The first package found becomes
	// the primary graph unless Primary names one.
	Dir string `mapstructure:"dir"`

	// Primary is the graph id to register as primary. Empty means the
	// first loaded package.
	Primary string `mapstructure:"primary"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Storage defaults
	v.SetDefault("storage.root", defaultStorageRoot())
	v.SetDefault("storage.journalPath", "")

	// Loop defaults
	v.SetDefault("loop.maxIterations", 50)
	v.SetDefault("loop.maxToolCallsPerTurn", 16)
	v.SetDefault("loop.maxHistoryTokens", 120000)
	v.SetDefault("loop.maxLLMAttempts", 3)

	// Bus defaults
	v.SetDefault("bus.subscriberBuffer", 256)

	// LLM defaults
	v.SetDefault("llm.baseUrl", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.maxTokens", 4096)

	// Agents defaults
	v.SetDefault("agents.dir", "./agents")
	v.SetDefault("agents.primary", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix HIVELOOP_ with snake_case naming.
// Config file should be named hiveloop.yaml and placed in the current directory
// or /etc/hiveloop/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("HIVELOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("storage.root", "HIVELOOP_STORAGE_ROOT")
	_ = v.BindEnv("storage.journalPath", "HIVELOOP_STORAGE_JOURNAL_PATH")
	_ = v.BindEnv("loop.maxIterations", "HIVELOOP_LOOP_MAX_ITERATIONS")
	_ = v.BindEnv("loop.maxToolCallsPerTurn", "HIVELOOP_LOOP_MAX_TOOL_CALLS_PER_TURN")
	_ = v.BindEnv("loop.maxHistoryTokens", "HIVELOOP_LOOP_MAX_HISTORY_TOKENS")
	_ = v.BindEnv("loop.maxLLMAttempts", "HIVELOOP_LOOP_MAX_LLM_ATTEMPTS")
	_ = v.BindEnv("llm.baseUrl", "HIVELOOP_LLM_BASE_URL")
	_ = v.BindEnv("llm.apiKey", "HIVELOOP_LLM_API_KEY")
	_ = v.BindEnv("llm.model", "HIVELOOP_LLM_MODEL")
	_ = v.BindEnv("llm.maxTokens", "HIVELOOP_LLM_MAX_TOKENS")
	_ = v.BindEnv("agents.dir", "HIVELOOP_AGENTS_DIR")
	_ = v.BindEnv("agents.primary", "HIVELOOP_AGENTS_PRIMARY")

	// Configure config file
	v.SetConfigName("hiveloop")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/hiveloop/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Storage.Root == "" {
		errs = append(errs, "storage.root must be set")
	}
	if cfg.Loop.MaxIterations <= 0 {
		errs = append(errs, "loop.maxIterations must be positive")
	}
	if cfg.Loop.MaxLLMAttempts <= 0 {
		errs = append(errs, "loop.maxLLMAttempts must be positive")
	}
	if cfg.Bus.SubscriberBuffer <= 0 {
		errs = append(errs, "bus.subscriberBuffer must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func defaultStorageRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hiveloop/sessions"
	}
	return home + "/.hiveloop/sessions"
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("HIVELOOP_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}
