package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for Grove.
type Config struct {
	General   GeneralConfig             `json:"general"`
	Store     StoreConfig               `json:"store"`
	Providers map[string]ProviderConfig `json:"providers"`
	Channels  ChannelsConfig            `json:"channels"`
	Handlers  HandlersConfig            `json:"handlers"`
	Metrics   MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel              string `json:"logLevel"`
	LogFile               string `json:"logFile,omitempty"` // optional log file path
	DefaultWindowSize     int    `json:"defaultWindowSize"` // history window when a channel has no override
	Timezone              string `json:"timezone"`          // IANA zone for prompt timestamps
	MaxConcurrentMessages int    `json:"maxConcurrentMessages"`
	BusBuffer             int    `json:"busBuffer,omitempty"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

type ProviderConfig struct {
	Enabled         bool   `json:"enabled"`
	APIBase         string `json:"apiBase,omitempty"`
	APIKey          string `json:"apiKey,omitempty"`
	DefaultModel    string `json:"defaultModel,omitempty"`
	Referer         string `json:"referer,omitempty"` // attribution headers some gateways want
	Title           string `json:"title,omitempty"`
	RateLimitPerMin int    `json:"rateLimitPerMinute,omitempty"`
}

type ChannelsConfig struct {
	Discord  DiscordConfig  `json:"discord"`
	Telegram TelegramConfig `json:"telegram"`
	CLI      CLIConfig      `json:"cli"`
}

type DiscordConfig struct {
	Enabled bool           `json:"enabled"`
	Token   string         `json:"token"`
	GuildID string         `json:"guildId,omitempty"` // optional: restrict to specific guild
	Admins  FlexStringList `json:"admins"`            // user IDs allowed to run admin commands
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
	Admins    FlexStringList `json:"admins"`
	ParseMode string         `json:"parseMode"`
}

type CLIConfig struct {
	Enabled bool `json:"enabled"`
}

// HandlersConfig locates optional handler packs loaded on top of the builtins.
type HandlersConfig struct {
	Dir string `json:"dir,omitempty"` // directory of YAML descriptor files
}

// MetricsConfig configures the observability / Prometheus metrics.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Endpoint string `json:"endpoint"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// Contains reports whether the list holds the given value.
func (f FlexStringList) Contains(v string) bool {
	for _, s := range f {
		if s == v {
			return true
		}
	}
	return false
}

// DefaultConfigDir returns the default config directory (~/.grove).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".grove"
	}
	return filepath.Join(home, ".grove")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Handlers.Dir = ExpandPath(cfg.Handlers.Dir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.DefaultWindowSize < 1 || cfg.General.DefaultWindowSize > 200 {
		errs = append(errs, "general.defaultWindowSize must be between 1 and 200")
	}
	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}
	if cfg.General.Timezone != "" {
		if _, err := time.LoadLocation(cfg.General.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("general.timezone: unknown zone %q", cfg.General.Timezone))
		}
	}

	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required")
	}

	if cfg.Metrics.Port < 0 || cfg.Metrics.Port > 65535 {
		errs = append(errs, "metrics.port must be between 0 and 65535")
	}

	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		errs = append(errs, "channels.discord: token is required when enabled")
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram: token is required when enabled")
	}

	// Validate provider configs.
	for name, pc := range cfg.Providers {
		if pc.Enabled && pc.APIBase == "" {
			// Skip validation for providers that have built-in defaults.
			if name != "ollama" && name != "openrouter" {
				errs = append(errs, fmt.Sprintf("providers.%s: apiBase is required", name))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
