package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var modelsProvider string

func init() {
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(providersCmd)
	modelsCmd.Flags().StringVar(&modelsProvider, "provider", "", "only list models from this provider")
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List available models",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		models, err := client.ListModels(ctx, modelsProvider)
		if err != nil {
			return fmt.Errorf("failed to list models: %w", err)
		}
		if len(models) == 0 {
			fmt.Println("No models available.")
			return nil
		}

		fmt.Printf("%-36s %-12s %10s  %s\n", "MODEL", "PROVIDER", "CONTEXT", "FEATURES")
		for _, m := range models {
			fmt.Printf("%-36s %-12s %10d  %s\n", m.ID, m.Provider, m.ContextLength, strings.Join(m.Features, ","))
		}
		return nil
	},
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List LLM providers and their configuration state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		providers, err := client.ListProviders(ctx)
		if err != nil {
			return fmt.Errorf("failed to list providers: %w", err)
		}

		fmt.Printf("%-12s %-24s %-12s %s\n", "ID", "NAME", "CONFIGURED", "KEY ENV")
		for _, p := range providers {
			configured := "no"
			if p.Configured {
				configured = "yes"
			}
			fmt.Printf("%-12s %-24s %-12s %s\n", p.ID, p.Name, configured, p.KeyEnv)
		}
		return nil
	},
}
