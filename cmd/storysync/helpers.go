package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	storysync "github.com/lisolo/storysync"
)

// getClient builds a client from the CLI config and hydrates the persisted
// session from the data directory.
func getClient() *storysync.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL configured. Run 'storysync config set default.base_url <url>' first.")
		os.Exit(1)
	}

	dataDir := cfg.Default.DataDir
	if dataDir == "" {
		dir, err := configDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to resolve data directory: %v\n", err)
			os.Exit(1)
		}
		dataDir = filepath.Join(dir, "data")
	}

	opts := []storysync.ClientOption{
		storysync.WithStorage(storysync.NewFileStorage(dataDir, nil)),
	}
	if cfg.Default.Timeout != "" {
		d, err := time.ParseDuration(cfg.Default.Timeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid timeout %q: %v\n", cfg.Default.Timeout, err)
			os.Exit(1)
		}
		opts = append(opts, storysync.WithTimeout(d))
	}

	client := storysync.NewClient(cfg.Default.BaseURL, opts...)
	client.Session().Hydrate()
	return client
}

// getAuthedClient is getClient plus a session check; it exits when no valid
// session is present.
func getAuthedClient() *storysync.Client {
	client := getClient()
	if !client.Session().IsAuthenticated() {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'storysync login <email>' first.")
		os.Exit(1)
	}
	return client
}
