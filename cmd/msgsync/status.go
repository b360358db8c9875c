package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  User:      %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Transport: %s\n", valueOrDefault(cfg.Default.Transport, "ws"))
		if cfg.Server.DatabaseURL != "" || cfg.Server.RedisURL != "" {
			fmt.Println()
			fmt.Println("Server:")
			fmt.Printf("  Database:  %s\n", valueOrDefault(cfg.Server.DatabaseURL, "(memory)"))
			fmt.Printf("  Redis:     %s\n", valueOrDefault(cfg.Server.RedisURL, "(none)"))
		}

		if cfg.Default.BaseURL == "" || cfg.Default.UserID == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Default.BaseURL+"/healthz", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Printf("  Server unreachable: %v\n", err)
			return nil
		}
		resp.Body.Close()
		fmt.Printf("  Server:        %s\n", resp.Status)

		b := newBackend(cfg)
		me, err := b.LookupUser(ctx, cfg.Default.UserID)
		if err != nil {
			fmt.Printf("  Error fetching profile: %v\n", err)
			return nil
		}
		convs, err := b.FetchConversations(ctx, cfg.Default.UserID)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		fmt.Printf("  Name:          %s\n", me.Name)
		fmt.Printf("  Role:          %s\n", valueOrDefault(me.Role, "-"))
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Unread:        %d\n", unread)
		return nil
	},
}
