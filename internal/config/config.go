package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Engine   EngineConfig   `yaml:"engine"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Resolver ResolverConfig `yaml:"resolver"`
	Launcher LauncherConfig `yaml:"launcher"`
}

// ServerConfig holds server and storage settings
type ServerConfig struct {
	Listen      string `yaml:"listen"`
	DataDir     string `yaml:"data_dir"`
	DownloadDir string `yaml:"download_dir"`
	InstallDir  string `yaml:"install_dir"`
	HistoryDB   string `yaml:"history_db"`
}

// CatalogConfig holds game catalog settings
type CatalogConfig struct {
	CSVPath    string `yaml:"csv_path"`
	WatchFile  bool   `yaml:"watch_file"`
	PageSize   int    `yaml:"page_size"`
	MaxPreview int    `yaml:"max_preview"`
}

// EngineConfig holds download-engine subprocess settings
type EngineConfig struct {
	BinaryPath    string `yaml:"binary_path"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	SplitCount    int    `yaml:"split_count"`
}

// ArchiveConfig holds archive-tool settings
type ArchiveConfig struct {
	SevenZipPath string `yaml:"seven_zip_path"`
}

// ResolverConfig holds share-resolver settings
type ResolverConfig struct {
	ScriptResolverPath string `yaml:"script_resolver_path"`
	RequestTimeoutSec  int    `yaml:"request_timeout_sec"`
}

// LauncherConfig holds game-library integration settings. An empty shortcuts
// path disables shortcut registration.
type LauncherConfig struct {
	ShortcutsVDF string `yaml:"shortcuts_vdf"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	dataDir := "/var/lib/deckcloud"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".local", "share", "deckcloud")
	}
	return &Config{
		Server: ServerConfig{
			Listen:      "127.0.0.1:8178",
			DataDir:     dataDir,
			DownloadDir: filepath.Join(dataDir, "downloads"),
			InstallDir:  filepath.Join(dataDir, "downloads", "installed"),
			HistoryDB:   "",
		},
		Catalog: CatalogConfig{
			CSVPath:    "",
			WatchFile:  true,
			PageSize:   50,
			MaxPreview: 8,
		},
		Engine: EngineConfig{
			BinaryPath:    "",
			MaxConcurrent: 3,
			SplitCount:    16,
		},
		Archive: ArchiveConfig{
			SevenZipPath: "",
		},
		Resolver: ResolverConfig{
			ScriptResolverPath: "",
			RequestTimeoutSec:  20,
		},
		Launcher: LauncherConfig{
			ShortcutsVDF: "",
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"deckcloud.yaml",
		"/etc/deckcloud/deckcloud.yaml",
	}

	// Add user config path
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "deckcloud", "deckcloud.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// HistoryDBPath returns the configured history database path or the default
// location under the data directory.
func (c *Config) HistoryDBPath() string {
	if c.Server.HistoryDB != "" {
		return c.Server.HistoryDB
	}
	return filepath.Join(c.Server.DataDir, "history.db")
}

// StatePath returns the location of the JSON state document.
func (c *Config) StatePath() string {
	return filepath.Join(c.Server.DataDir, "state.json")
}
