package main

import (
	"fmt"
	"os"
	"time"

	las "github.com/Ajirohack/LAS-sub000"
	"github.com/rs/zerolog"
)

// cliLogger returns a console logger when --verbose is set, otherwise a
// silent one.
func cliLogger() zerolog.Logger {
	if !verbose {
		return zerolog.Nop()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
}

// getClient creates a LAS client from the stored configuration. An empty
// configuration targets the default local backend.
func getClient(extra ...las.ClientOption) *las.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	opts := []las.ClientOption{las.WithLogger(cliLogger())}
	if cfg.Default.Model != "" {
		opts = append(opts, las.WithModel(cfg.Default.Model))
	}
	if cfg.Default.Provider != "" {
		opts = append(opts, las.WithProvider(cfg.Default.Provider))
	}
	if cfg.Default.Transport == "ws" {
		opts = append(opts, las.WithTransportMode(las.TransportWS))
	}
	opts = append(opts, extra...)

	return las.NewClient(cfg.Default.BaseURL, opts...)
}
