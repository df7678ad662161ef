package main

import (
	"fmt"

	las "github.com/Ajirohack/LAS-sub000"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init [base-url]",
	Short: "Store the backend URL in ~/.las/config.toml",
	Long:  "Initialize the LAS CLI by storing the backend URL in the local configuration file.\nWithout an argument the default local backend is stored.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL := las.DefaultBaseURL
		if len(args) == 1 {
			baseURL = args[0]
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = baseURL
		if cfg.Default.Transport == "" {
			cfg.Default.Transport = "sse"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Backend URL saved to %s\n", path)
		return nil
	},
}
