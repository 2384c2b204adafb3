package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

const (
	configDirName = "dify-relay"
	defaultConfig = ".config"
)

var configFiles = []string{
	"config.yaml",
	"config.yml",
}

// Environment variables that override the configuration file.
const (
	EnvAPIURL    = "DIFY_API_URL"
	EnvAPIKey    = "DIFY_API_KEY"
	EnvUploadURL = "DIFY_UPLOAD_URL"
	EnvAddr      = "DIFY_RELAY_ADDR"
	// EnvConfig points at an explicit configuration file.
	EnvConfig = "DIFY_RELAY_CONFIG"
)

// Config represents the structure of the configuration file used by the application.
type Config struct {
	Dify    Dify                    `yaml:"dify"`
	Server  Server                  `yaml:"server"`
	Log     Log                     `yaml:"log"`
	Render  Render                  `yaml:"render"`
	Prompts map[string]PromptConfig `yaml:"prompts"`
}

// Dify holds the upstream API settings.
type Dify struct {
	ChatURL   string        `yaml:"chat_url" default:"http://localhost/v1/chat-messages"`
	UploadURL string        `yaml:"upload_url" default:"http://localhost/v1/files/upload"`
	APIKey    string        `yaml:"api_key"`
	User      string        `yaml:"user"`
	// Timeout bounds uploads end to end; for chat it only bounds the wait
	// for response headers so long answers keep streaming.
	Timeout time.Duration `yaml:"timeout" default:"5m"`
}

// Server holds the HTTP relay settings.
type Server struct {
	Addr           string   `yaml:"addr" default:":3000"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxUploadMB    int64    `yaml:"max_upload_mb" default:"15"`
}

// Log configures logrus.
type Log struct {
	Level  string `yaml:"level" default:"info"`
	Format string `yaml:"format" default:"text"`
	// File enables rotating file output when set.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" default:"10"`
	MaxBackups int    `yaml:"max_backups" default:"10"`
	MaxAgeDays int    `yaml:"max_age_days" default:"30"`
}

// Render configures terminal output.
type Render struct {
	Format string `yaml:"format" default:"markdown"`
	Wrap   int    `yaml:"wrap" default:"120"`
}

// PromptConfig is a predefined prompt exposed as a CLI subcommand.
type PromptConfig struct {
	Prompt string            `yaml:"prompt"`
	Inputs map[string]string `yaml:"inputs"`
}

// UnmarshalYAML accepts either a plain string or a mapping.
func (p *PromptConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		p.Prompt = value.Value
		return nil
	}
	type plain PromptConfig
	return value.Decode((*plain)(p))
}

// configResult is a struct used to return the configuration and any error that occurs during loading.
type configResult struct {
	config *Config
	err    error
}

// newDefaultConfig creates a configuration with every default applied.
func newDefaultConfig() *Config {
	cfg := &Config{Prompts: map[string]PromptConfig{}}
	if err := defaults.Set(cfg); err != nil {
		panic(fmt.Sprintf("invalid config defaults: %v", err))
	}
	return cfg
}

// getConfigPath retrieves the path to the configuration directory based on the XDG_CONFIG_HOME environment variable.
func getConfigPath() (string, error) {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		configHome = filepath.Join(home, defaultConfig)
	}

	return filepath.Join(configHome, configDirName), nil
}

// tryLoadConfig attempts to load a configuration file from the specified path.
func tryLoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := newDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Prompts == nil {
		cfg.Prompts = map[string]PromptConfig{}
	}

	return cfg, nil
}

// LoadConfig loads the configuration from the user's config directory, with a timeout.
func LoadConfig(ctx context.Context) (*Config, error) {
	if path := os.Getenv(EnvConfig); path != "" {
		return LoadFile(path)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result := make(chan configResult, 1)

	go func() {
		cfg, err := loadConfigFiles(ctx)
		result <- configResult{config: cfg, err: err}
	}()

	done := ctx.Done()
	select {
	case <-done:
		return nil, ctx.Err()
	case r := <-result:
		if r.err != nil {
			return nil, r.err
		}
		r.config.applyEnv()
		return r.config, nil
	}
}

// LoadFile loads the configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg, err := tryLoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// loadConfigFiles loads configuration files from the user's config directory.
func loadConfigFiles(ctx context.Context) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error before loading config: %w", err)
	}

	configDir, err := getConfigPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get config path: %w", err)
	}

	// Return default config early if directory doesn't exist
	if _, err := os.Stat(configDir); os.IsNotExist(err) {
		return newDefaultConfig(), nil
	}

	for _, filename := range configFiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cfg, err := tryLoadConfig(filepath.Join(configDir, filename))
		if err == nil {
			return cfg, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config from %s: %w", filename, err)
		}
	}

	return newDefaultConfig(), nil
}

// applyEnv lets the environment override the upstream settings.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIURL); v != "" {
		c.Dify.ChatURL = v
	}
	if v := os.Getenv(EnvUploadURL); v != "" {
		c.Dify.UploadURL = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Dify.APIKey = v
	}
	if v := os.Getenv(EnvAddr); v != "" {
		c.Server.Addr = v
	}
}
