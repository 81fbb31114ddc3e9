package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/kvcache/internal/config"
)

var (
	configPath string
	serverURL  string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "kvcache",
		Short:         "kvcache - HTTP key-value cache backed by a document store",
		Long:          "A key-value cache that stores string values under string keys in MongoDB, PostgreSQL, Redis or an embedded bbolt file",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Daemon URL for client commands")

	rootCmd.AddCommand(
		daemonCmd(),
		getCmd(),
		putCmd(),
		deleteCmd(),
		keysCmd(),
	)
	return rootCmd
}

// loadConfig reads the config file when one is given, then applies
// environment overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}
