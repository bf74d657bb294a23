package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/tarif/catalog"
)

// Config holds the full pipeline configuration.
type Config struct {
	// BaseURL is the catalog root. It has no default; a pipeline
	// without a target is a configuration error.
	BaseURL  string   `yaml:"base_url"`
	Pages    []string `yaml:"pages"`
	Models   []string `yaml:"models"`
	Source   string   `yaml:"source"`
	Currency string   `yaml:"currency"`

	DataDir   string `yaml:"data_dir"`
	ReportDir string `yaml:"report_dir"`

	// IntervalStr holds the file value ("30m", "6h"); Interval is the
	// parsed form the pipeline consumes.
	IntervalStr string        `yaml:"interval"`
	Interval    time.Duration `yaml:"-"`

	ListenAddr  string `yaml:"listen_addr"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

func (c *Config) defaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.ReportDir == "" {
		c.ReportDir = "reports"
	}
	if c.Interval <= 0 {
		c.Interval = 6 * time.Hour
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
}

// HistoryPath is the JSON history file.
func (c Config) HistoryPath() string { return filepath.Join(c.DataDir, "prices.json") }

// CSVPath is the CSV export next to the JSON history.
func (c Config) CSVPath() string { return filepath.Join(c.DataDir, "prices.csv") }

// ImagesDir holds the cached product images.
func (c Config) ImagesDir() string { return filepath.Join(c.DataDir, "images") }

// RunLogPath is the SQLite run log database.
func (c Config) RunLogPath() string { return filepath.Join(c.DataDir, "runlog.db") }

func (c Config) catalogConfig() catalog.Config {
	return catalog.Config{
		BaseURL:   c.BaseURL,
		Pages:     c.Pages,
		SourceTag: c.Source,
		Currency:  c.Currency,
		Models:    c.Models,
	}
}

// Load reads an optional YAML config file, then applies TARIF_*
// environment overrides and defaults. An empty path yields the
// environment-plus-defaults configuration.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("pipeline: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("pipeline: parse config %s: %w", path, err)
		}
	}
	if cfg.IntervalStr != "" {
		d, err := time.ParseDuration(cfg.IntervalStr)
		if err != nil {
			return Config{}, fmt.Errorf("pipeline: parse interval %q: %w", cfg.IntervalStr, err)
		}
		cfg.Interval = d
	}
	cfg.applyEnv()
	cfg.defaults()
	return cfg, nil
}

// applyEnv lets the environment override file values, which keeps
// container deployments free of config files.
func (c *Config) applyEnv() {
	if v := os.Getenv("TARIF_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("TARIF_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TARIF_REPORT_DIR"); v != "" {
		c.ReportDir = v
	}
	if v := os.Getenv("TARIF_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("TARIF_PG_DSN"); v != "" {
		c.PostgresDSN = v
	}
	if v := os.Getenv("TARIF_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Interval = d
		}
	}
}
