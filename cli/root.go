package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"folderd/config"
	"folderd/ipc"
)

var rootCmd = &cobra.Command{
	Use:   "folderd",
	Short: "Folder indexing daemon with semantic search",
	Long: `folderd watches folders, keeps a semantic index of their files and
answers natural language queries against it.

A single background daemon owns all indexes. Clients (this CLI, the MCP
server, TUIs) connect to it over a Unix socket and receive live status
updates as folders are scanned and indexed.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the daemon config, falling back to defaults when no
// config file exists yet.
func loadConfig(stateDir string) *config.Config {
	if cfg, err := config.Load(stateDir); err == nil {
		return cfg
	}
	return config.DefaultConfig()
}

// dialDaemon connects to the running daemon as a CLI client.
func dialDaemon() (*ipc.Client, error) {
	stateDir, err := config.StateDir()
	if err != nil {
		return nil, err
	}
	socketPath := loadConfig(stateDir).GetSocketPath(stateDir)

	client, err := ipc.Dial(socketPath, "cli")
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable at %s (is it running? try 'folderd daemon start'): %w", socketPath, err)
	}
	return client, nil
}

const requestTimeout = 30 * time.Second
