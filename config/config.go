package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	StateDirName   = ".folderd"
	ConfigFileName = "config.yaml"
	IndexFileName  = "index.gob"
	SocketFileName = "folderd.sock"
)

// Config is the daemon-global configuration, stored at
// ~/.folderd/config.yaml. Per-folder indexes live inside each watched
// folder under .folderd/.
type Config struct {
	Version   int             `yaml:"version"`
	Folders   []FolderSpec    `yaml:"folders"`
	Embedder  EmbedderConfig  `yaml:"embedder"`
	Store     StoreConfig     `yaml:"store"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Watch     WatchConfig     `yaml:"watch"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Ignore    []string        `yaml:"ignore"`
}

// FolderSpec declares one watched folder.
type FolderSpec struct {
	Path  string `yaml:"path"`
	Model string `yaml:"model,omitempty"` // overrides embedder.model
}

type EmbedderConfig struct {
	Provider   string `yaml:"provider"` // ollama | openrouter | synthetic
	Model      string `yaml:"model"`
	Endpoint   string `yaml:"endpoint,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	Dimensions *int   `yaml:"dimensions,omitempty"`
}

// GetDimensions returns the configured dimensions or the provider default.
func (e *EmbedderConfig) GetDimensions() int {
	if e.Dimensions != nil {
		return *e.Dimensions
	}
	return 768
}

type StoreConfig struct {
	Backend  string         `yaml:"backend"` // gob | postgres | qdrant
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
	Qdrant   QdrantConfig   `yaml:"qdrant,omitempty"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type QdrantConfig struct {
	Endpoint   string `yaml:"endpoint"`
	Port       int    `yaml:"port,omitempty"`
	Collection string `yaml:"collection,omitempty"` // defaults from folder path
	APIKey     string `yaml:"api_key,omitempty"`
	UseTLS     bool   `yaml:"use_tls,omitempty"`
}

type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

// SchedulerConfig bounds task execution.
type SchedulerConfig struct {
	// MaxConcurrentTasks caps claimed+running tasks per folder.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`
	// Workers caps parallel task execution across all folders.
	Workers int `yaml:"workers"`
}

type WatchConfig struct {
	DebounceMs int `yaml:"debounce_ms"`
}

// DaemonConfig locates the daemon's runtime artifacts.
type DaemonConfig struct {
	SocketPath string `yaml:"socket_path,omitempty"`
	LogDir     string `yaml:"log_dir,omitempty"`
}

func DefaultConfig() *Config {
	defaultDim := 768
	return &Config{
		Version: 1,
		Embedder: EmbedderConfig{
			Provider:   "ollama",
			Model:      "nomic-embed-text",
			Endpoint:   "http://localhost:11434",
			Dimensions: &defaultDim,
		},
		Store: StoreConfig{
			Backend: "gob",
		},
		Chunking: ChunkingConfig{
			Size:    512,
			Overlap: 50,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentTasks: 2,
			Workers:            4,
		},
		Watch: WatchConfig{
			DebounceMs: 500,
		},
		Ignore: []string{
			".git",
			".folderd",
			"node_modules",
			"vendor",
			"bin",
			"dist",
			"__pycache__",
			".venv",
			"venv",
			".idea",
			".vscode",
			"target",
			"qdrant_storage",
		},
	}
}

// StateDir returns the daemon state directory (~/.folderd), honoring
// FOLDERD_STATE_DIR for tests and unusual setups.
func StateDir() (string, error) {
	if dir := os.Getenv("FOLDERD_STATE_DIR"); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, StateDirName), nil
}

func GetConfigPath(stateDir string) string {
	return filepath.Join(stateDir, ConfigFileName)
}

// GetSocketPath returns the configured socket path or the default under
// the state dir.
func (c *Config) GetSocketPath(stateDir string) string {
	if c.Daemon.SocketPath != "" {
		return c.Daemon.SocketPath
	}
	return filepath.Join(stateDir, SocketFileName)
}

// GetIndexPath returns the gob index location for one watched folder.
func GetIndexPath(folderPath string) string {
	return filepath.Join(folderPath, StateDirName, IndexFileName)
}

func Load(stateDir string) (*Config, error) {
	data, err := os.ReadFile(GetConfigPath(stateDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills in missing values so older config files keep
// working as fields are added.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Embedder.Provider == "" {
		c.Embedder.Provider = defaults.Embedder.Provider
	}
	if c.Embedder.Model == "" {
		c.Embedder.Model = defaults.Embedder.Model
	}
	if c.Embedder.Endpoint == "" {
		switch c.Embedder.Provider {
		case "ollama":
			c.Embedder.Endpoint = "http://localhost:11434"
		default:
			c.Embedder.Endpoint = defaults.Embedder.Endpoint
		}
	}
	if c.Embedder.Dimensions == nil && c.Embedder.Provider == "ollama" {
		dim := 768 // nomic-embed-text default
		c.Embedder.Dimensions = &dim
	}

	if c.Store.Backend == "" {
		c.Store.Backend = defaults.Store.Backend
	}
	if c.Store.Backend == "qdrant" && c.Store.Qdrant.Port <= 0 {
		c.Store.Qdrant.Port = 6334
	}

	if c.Chunking.Size == 0 {
		c.Chunking.Size = defaults.Chunking.Size
	}
	if c.Chunking.Overlap == 0 {
		c.Chunking.Overlap = defaults.Chunking.Overlap
	}

	if c.Scheduler.MaxConcurrentTasks <= 0 {
		c.Scheduler.MaxConcurrentTasks = defaults.Scheduler.MaxConcurrentTasks
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = defaults.Scheduler.Workers
	}

	if c.Watch.DebounceMs == 0 {
		c.Watch.DebounceMs = defaults.Watch.DebounceMs
	}

	if len(c.Ignore) == 0 {
		c.Ignore = defaults.Ignore
	}
}

func (c *Config) Save(stateDir string) error {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(GetConfigPath(stateDir), data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func Exists(stateDir string) bool {
	_, err := os.Stat(GetConfigPath(stateDir))
	return err == nil
}

// AddFolder appends a watched folder. The path is cleaned and must be
// absolute; duplicates are rejected.
func (c *Config) AddFolder(path, model string) error {
	path = filepath.Clean(path)
	if !filepath.IsAbs(path) {
		return fmt.Errorf("folder path must be absolute: %s", path)
	}
	for _, f := range c.Folders {
		if f.Path == path {
			return fmt.Errorf("folder already watched: %s", path)
		}
	}
	c.Folders = append(c.Folders, FolderSpec{Path: path, Model: model})
	return nil
}

// RemoveFolder drops a watched folder; returns false if it was not there.
func (c *Config) RemoveFolder(path string) bool {
	path = filepath.Clean(path)
	for i, f := range c.Folders {
		if f.Path == path {
			c.Folders = append(c.Folders[:i], c.Folders[i+1:]...)
			return true
		}
	}
	return false
}

// FolderModel resolves the model for one folder, falling back to the
// global embedder model.
func (c *Config) FolderModel(spec FolderSpec) string {
	if strings.TrimSpace(spec.Model) != "" {
		return spec.Model
	}
	return c.Embedder.Model
}
