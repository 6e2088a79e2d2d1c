package main

import (
	"fmt"
	"os"

	"github.com/baderanaas/GoLobby/pkg/config"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dataDir    string
	backend    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "golobby",
	Short: "Decentralized game lobby over a content-addressed overlay",
	Long: `GoLobby advertises the world this node hosts on a shared pub/sub topic,
keeps a local directory of the other hosts it hears from and ranks them
to pick a session to join.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "golobby.yaml", "YAML configuration file (optional)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Override the data directory")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "Overlay backend: embedded or kubo")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the log level")
}

// loadConfig reads the configuration and applies the command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if backend != "" {
		cfg.Backend = backend
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
