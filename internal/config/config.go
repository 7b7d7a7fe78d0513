package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	envCatalogPath = "BOOKFETCH_CATALOG"
	envDownloadDir = "BOOKFETCH_DOWNLOAD_DIR"
	envLogLevel    = "BOOKFETCH_LOG_LEVEL"
	envWorkers     = "BOOKFETCH_WORKERS"

	defaultCatalogPath      = "free-programming-books.md"
	defaultDownloadDir      = "downloads"
	defaultExtension        = "pdf"
	defaultConnectTimeoutMs = 5000
	defaultReadTimeoutMs    = 5000
	defaultTickMs           = 50
	defaultSpeedWindowMs    = 1000
)

type CatalogConfig struct {
	Path         string `yaml:"path"`
	HeadingLevel int    `yaml:"heading_level"`
	Extension    string `yaml:"extension"`
}

type DownloadConfig struct {
	Dir              string `yaml:"dir"`
	ConnectTimeoutMs int    `yaml:"connect_timeout_ms"`
	ReadTimeoutMs    int    `yaml:"read_timeout_ms"`
}

func (c *DownloadConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

func (c *DownloadConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

type SchedulerConfig struct {
	// Workers bounds concurrent downloads, 0 derives from the CPU count.
	Workers       int `yaml:"workers"`
	TickMs        int `yaml:"tick_ms"`
	SpeedWindowMs int `yaml:"speed_window_ms"`
}

func (c *SchedulerConfig) Tick() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}

func (c *SchedulerConfig) SpeedWindow() time.Duration {
	return time.Duration(c.SpeedWindowMs) * time.Millisecond
}

type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Headless  bool            `yaml:"headless"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Download  DownloadConfig  `yaml:"download"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = LogLevelInfo
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = defaultCatalogPath
	}
	if c.Catalog.Extension == "" {
		c.Catalog.Extension = defaultExtension
	}
	if c.Download.Dir == "" {
		c.Download.Dir = defaultDownloadDir
	}
	if c.Download.ConnectTimeoutMs == 0 {
		c.Download.ConnectTimeoutMs = defaultConnectTimeoutMs
	}
	if c.Download.ReadTimeoutMs == 0 {
		c.Download.ReadTimeoutMs = defaultReadTimeoutMs
	}
	if c.Scheduler.TickMs == 0 {
		c.Scheduler.TickMs = defaultTickMs
	}
	if c.Scheduler.SpeedWindowMs == 0 {
		c.Scheduler.SpeedWindowMs = defaultSpeedWindowMs
	}
}

// MustLoad reads the YAML config, applies a .env overlay and environment
// overrides, and panics on malformed input. A missing config file is not an
// error: defaults apply.
func MustLoad(path string) *Config {
	_ = godotenv.Load()

	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			panic(fmt.Errorf("cannot parse config %s: %w", path, err))
		}
	case os.IsNotExist(err):
	default:
		panic(fmt.Errorf("cannot read config %s: %w", path, err))
	}

	cfg.applyEnv()
	cfg.SetDefaults()

	return &cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv(envCatalogPath); v != "" {
		c.Catalog.Path = v
	}
	if v := os.Getenv(envDownloadDir); v != "" {
		c.Download.Dir = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(envWorkers); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.Workers = n
		}
	}
}
