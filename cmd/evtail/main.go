package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.evtail/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Retry   ConfigRetry   `toml:"retry"`
}

// ConfigDefault holds the default stream settings.
type ConfigDefault struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

// ConfigRetry holds the reconnection policy.
type ConfigRetry struct {
	BaseMs   int  `toml:"base_ms"`
	MaxMs    int  `toml:"max_ms"`
	Disabled bool `toml:"disabled"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.evtail, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".evtail")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "url":
			cfg.Default.URL = value
		case "token":
			cfg.Default.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "retry":
		switch field {
		case "base_ms":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("retry.base_ms must be an integer: %w", err)
			}
			cfg.Retry.BaseMs = n
		case "max_ms":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("retry.max_ms must be an integer: %w", err)
			}
			cfg.Retry.MaxMs = n
		case "disabled":
			cfg.Retry.Disabled = value == "true"
		default:
			return fmt.Errorf("unknown field %q in section [retry]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, retry)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "evtail",
	Short: "Tail server-sent event streams",
	Long:  "Command-line client for server-sent event streams.\nSubscribes to named events and prints them as they arrive, reconnecting automatically.",
}

// newLogger builds the CLI logger. Debug output is only emitted with --verbose.
func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

func main() {
	// A local .env can carry EVTAIL_TOKEN for development setups.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
