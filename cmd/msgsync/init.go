package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SK3CHI3/MMU-E-LRNG/msgsync"
)

var initBaseURL string

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Server base URL (default "+msgsync.DefaultBaseURL+")")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <user-id>",
	Short: "Store the signed-in user in ~/.msgsync/config.toml",
	Long:  "Initialize the msgsync CLI by storing the user id that conversations are loaded for.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.UserID = args[0]
		if cfg.Default.Token == "" {
			cfg.Default.Token = args[0]
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = msgsync.DefaultBaseURL
		}
		if cfg.Default.Transport == "" {
			cfg.Default.Transport = "ws"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("User %s saved to %s\n", args[0], path)
		return nil
	},
}
