package lookup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by LoadConfig.
const (
	DefaultListen        = ":8080"
	DefaultLauncherPath  = "WildStar.exe"
	DefaultLauncherAlias = "Launcher.exe"
	DefaultCacheMaxAge   = 90 * 24 * time.Hour
)

// Config configures a distribution server.
type Config struct {
	// DataDir is searched recursively for .index and .archive files.
	DataDir string `yaml:"data_dir"`

	// Build is the build number reported by version.txt.
	Build int `yaml:"build"`

	// Listen is the TCP address to serve on. Defaults to :8080.
	Listen string `yaml:"listen"`

	// Launcher is the client executable. Relative paths are resolved against
	// DataDir. Defaults to WildStar.exe aliased as Launcher.exe; a missing
	// launcher is skipped.
	Launcher *FileConfig `yaml:"launcher"`

	// AdditionalFiles are served by hash and by name. They are registered
	// last, so they replace discovered content with the same hash.
	AdditionalFiles []FileConfig `yaml:"additional_files"`

	// CacheMaxAge is the Cache-Control max-age for content responses.
	// Defaults to 90 days.
	CacheMaxAge time.Duration `yaml:"cache_max_age"`
}

// FileConfig names a file served outside any archive.
type FileConfig struct {
	Path  string `yaml:"path"`
	Alias string `yaml:"alias"`
}

// LoadConfig loads and validates a configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Launcher == nil {
		c.Launcher = &FileConfig{Path: DefaultLauncherPath, Alias: DefaultLauncherAlias}
	}
	if c.CacheMaxAge == 0 {
		c.CacheMaxAge = DefaultCacheMaxAge
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.Build <= 0 {
		return fmt.Errorf("build: must be positive, got %d", c.Build)
	}
	if c.CacheMaxAge < 0 {
		return fmt.Errorf("cache_max_age: must not be negative, got %s", c.CacheMaxAge)
	}
	for i, f := range c.AdditionalFiles {
		if f.Path == "" {
			return fmt.Errorf("additional_files[%d]: path is required", i)
		}
	}
	return nil
}

// resolve maps a configured path below DataDir unless it is absolute.
func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}
