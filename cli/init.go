package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"folderd/config"
)

var (
	initProvider       string
	initModel          string
	initBackend        string
	initNonInteractive bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the daemon configuration",
	Long: `Create the daemon configuration at ~/.folderd/config.yaml.

This command will:
- Prompt for the embedding provider (Ollama, OpenRouter or Synthetic)
- Prompt for the storage backend (GOB file, PostgreSQL or Qdrant)
- Write the configuration used by every folder the daemon indexes`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initProvider, "provider", "p", "", "Embedding provider (ollama, openrouter, or synthetic)")
	initCmd.Flags().StringVarP(&initModel, "model", "m", "", "Embedding model")
	initCmd.Flags().StringVarP(&initBackend, "backend", "b", "", "Storage backend (gob, postgres, or qdrant)")
	initCmd.Flags().BoolVar(&initNonInteractive, "yes", false, "Use defaults without prompting")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	stateDir, err := config.StateDir()
	if err != nil {
		return fmt.Errorf("failed to resolve state directory: %w", err)
	}

	if config.Exists(stateDir) {
		fmt.Println("folderd is already configured.")
		fmt.Printf("Configuration: %s\n", config.GetConfigPath(stateDir))
		return nil
	}

	cfg := config.DefaultConfig()

	if !initNonInteractive {
		reader := bufio.NewReader(os.Stdin)

		if initProvider == "" {
			fmt.Println("\nSelect embedding provider:")
			fmt.Println("  1) ollama (local, privacy-first, requires Ollama running)")
			fmt.Println("  2) openrouter (cloud, multi-provider gateway)")
			fmt.Println("  3) synthetic (cloud, free embedding API)")
			fmt.Print("\nChoice [1]: ")
			input, _ := reader.ReadString('\n')
			switch strings.TrimSpace(input) {
			case "", "1":
				initProvider = "ollama"
			case "2":
				initProvider = "openrouter"
			case "3":
				initProvider = "synthetic"
			default:
				return fmt.Errorf("invalid choice")
			}
		}

		if initBackend == "" {
			fmt.Println("\nSelect storage backend:")
			fmt.Println("  1) gob (local file per folder, zero setup)")
			fmt.Println("  2) postgres (shared store, requires pgvector)")
			fmt.Println("  3) qdrant (dedicated vector database)")
			fmt.Print("\nChoice [1]: ")
			input, _ := reader.ReadString('\n')
			switch strings.TrimSpace(input) {
			case "", "1":
				initBackend = "gob"
			case "2":
				initBackend = "postgres"
			case "3":
				initBackend = "qdrant"
			default:
				return fmt.Errorf("invalid choice")
			}
		}
	}

	if initProvider != "" {
		switch initProvider {
		case "ollama", "openrouter", "synthetic":
			cfg.Embedder.Provider = initProvider
		default:
			return fmt.Errorf("unknown provider: %s", initProvider)
		}
	}
	switch cfg.Embedder.Provider {
	case "openrouter":
		cfg.Embedder.Endpoint = ""
		if initModel == "" {
			initModel = "text-embedding-3-small"
		}
	case "synthetic":
		cfg.Embedder.Endpoint = ""
		if initModel == "" {
			initModel = "Qwen/Qwen3-Embedding-8B"
		}
	}
	if initModel != "" {
		cfg.Embedder.Model = initModel
	}

	if initBackend != "" {
		switch initBackend {
		case "gob", "postgres", "qdrant":
			cfg.Store.Backend = initBackend
		default:
			return fmt.Errorf("unknown backend: %s", initBackend)
		}
	}
	if cfg.Store.Backend == "postgres" && cfg.Store.Postgres.DSN == "" {
		cfg.Store.Postgres.DSN = "postgres://localhost:5432/folderd?sslmode=disable"
	}
	if cfg.Store.Backend == "qdrant" && cfg.Store.Qdrant.Endpoint == "" {
		cfg.Store.Qdrant.Endpoint = "localhost"
		cfg.Store.Qdrant.Port = 6334
	}

	if err := cfg.Save(stateDir); err != nil {
		return err
	}

	fmt.Printf("\nConfiguration written to %s\n", config.GetConfigPath(stateDir))
	fmt.Println("\nNext steps:")
	fmt.Println("  folderd daemon start      # start the background daemon")
	fmt.Println("  folderd add <path>        # index a folder")
	fmt.Println("  folderd search \"query\"    # search it")
	return nil
}
