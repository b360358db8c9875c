package main

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/SK3CHI3/MMU-E-LRNG/msgsync"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage msgsync configuration",
	Long:  "View or modify the msgsync CLI configuration stored in ~/.msgsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: "Print the configuration with defaults applied, preceded by the file it was read from.\n" +
		"MSGSYNC_HOME relocates the configuration directory.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := renderConfig(path, os.Getenv("MSGSYNC_HOME") != "", cfg)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

// renderConfig formats cfg as TOML with defaults filled in. The header names
// the file and whether it exists.
func renderConfig(path string, fromEnv bool, cfg *Config) (string, error) {
	eff := *cfg
	eff.Default.BaseURL = valueOrDefault(eff.Default.BaseURL, msgsync.DefaultBaseURL)
	eff.Default.Transport = valueOrDefault(eff.Default.Transport, "ws")
	eff.Server.Addr = valueOrDefault(eff.Server.Addr, ":8080")

	data, err := toml.Marshal(&eff)
	if err != nil {
		return "", fmt.Errorf("cannot marshal config: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s", path)
	if fromEnv {
		b.WriteString(" (MSGSYNC_HOME)")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		b.WriteString("\n# not created yet, run 'msgsync init <user-id>'")
	}
	b.WriteString("\n")
	b.Write(data)
	return b.String(), nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: msgsync config set default.base_url http://localhost:8080",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
