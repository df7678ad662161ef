package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	las "github.com/Ajirohack/LAS-sub000"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend status",
	Long:  "Display the current configuration and check whether the backend is reachable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, las.DefaultBaseURL+" (default)"))
		fmt.Printf("  Model:     %s\n", valueOrDefault(cfg.Default.Model, "(backend default)"))
		fmt.Printf("  Provider:  %s\n", valueOrDefault(cfg.Default.Provider, "(backend default)"))
		fmt.Printf("  Transport: %s\n", valueOrDefault(cfg.Default.Transport, "sse"))

		fmt.Println()
		fmt.Println("Backend:")

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		health, err := client.Health(ctx)
		if err != nil {
			fmt.Printf("  Unreachable: %v\n", err)
			return nil
		}
		fmt.Printf("  Status:      %s\n", health.Status)
		fmt.Printf("  Version:     %s\n", health.Version)
		fmt.Printf("  API Version: %s\n", health.APIVersion)

		providers, err := client.ListProviders(ctx)
		if err != nil {
			fmt.Printf("  Providers:   error: %v\n", err)
			return nil
		}
		var configured []string
		for _, p := range providers {
			if p.Configured {
				configured = append(configured, p.ID)
			}
		}
		if len(configured) == 0 {
			fmt.Println("  Providers:   none configured")
		} else {
			fmt.Printf("  Providers:   %s\n", strings.Join(configured, ", "))
		}
		return nil
	},
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
