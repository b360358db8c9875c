package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.msgsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Server  ConfigServer  `toml:"server"`
}

// ConfigDefault holds client settings.
type ConfigDefault struct {
	UserID    string `toml:"user_id"`
	Token     string `toml:"token"`
	BaseURL   string `toml:"base_url"`
	Transport string `toml:"transport"`
}

// ConfigServer holds settings for "msgsync serve".
type ConfigServer struct {
	Addr        string `toml:"addr"`
	DatabaseURL string `toml:"database_url"`
	RedisURL    string `toml:"redis_url"`
	Demo        bool   `toml:"demo"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.msgsync, creating it if needed.
// MSGSYNC_HOME overrides the location.
func configDir() (string, error) {
	dir := os.Getenv("MSGSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".msgsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

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

// setConfigValue sets a config field using dot notation (e.g. "default.user_id").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.user_id)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "user_id":
			cfg.Default.UserID = value
		case "token":
			cfg.Default.Token = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "transport":
			if value != "ws" && value != "sse" && value != "redis" {
				return fmt.Errorf("transport must be ws, sse or redis")
			}
			cfg.Default.Transport = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "server":
		switch field {
		case "addr":
			cfg.Server.Addr = value
		case "database_url":
			cfg.Server.DatabaseURL = value
		case "redis_url":
			cfg.Server.RedisURL = value
		case "demo":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("server.demo: %w", err)
			}
			cfg.Server.Demo = b
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, server)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var debugLogging bool

var rootCmd = &cobra.Command{
	Use:   "msgsync",
	Short: "Realtime messaging client and development server",
	Long: "Command-line client for the msgsync engine.\n" +
		"Run a development server, watch conversations live and send messages.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
