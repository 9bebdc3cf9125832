package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"runnerd/internal/logarchive"
	"runnerd/internal/repository"
	"runnerd/internal/runner"
	"runnerd/internal/sandbox/engine"
	"runnerd/pkg/utils/logger"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8091"
	defaultReadTimeout     = 5 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultRecordTTL       = 24 * time.Hour
	defaultHelperPath      = "/usr/local/bin/runner-init"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// RunnerConfig holds execution settings.
type RunnerConfig struct {
	BuildDirectoryPath string   `yaml:"buildDirectoryPath"`
	NumCPUs            int      `yaml:"numCPUs"`
	MemoryMaxBytes     int64    `yaml:"memoryMaxBytes"`
	WritablePaths      []string `yaml:"writablePaths"`
}

// SandboxConfig holds sandbox engine settings.
type SandboxConfig struct {
	CgroupRoot       string        `yaml:"cgroupRoot"`
	HelperPath       string        `yaml:"helperPath"`
	GracePeriod      time.Duration `yaml:"gracePeriod"`
	EnableCgroup     bool          `yaml:"enableCgroup"`
	EnableNamespaces bool          `yaml:"enableNamespaces"`
}

// RecordsConfig holds run record persistence settings.
type RecordsConfig struct {
	Enabled bool                   `yaml:"enabled"`
	TTL     time.Duration          `yaml:"ttl"`
	Redis   repository.RedisConfig `yaml:"redis"`
}

// ArchiveConfig holds server log archiving settings.
type ArchiveConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Root     string        `yaml:"root"`
	MaxAge   time.Duration `yaml:"maxAge"`
	Interval time.Duration `yaml:"interval"`
}

// AppConfig holds runnerd config.
type AppConfig struct {
	Server  ServerConfig  `yaml:"server"`
	Logger  logger.Config `yaml:"logger"`
	Runner  RunnerConfig  `yaml:"runner"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Records RecordsConfig `yaml:"records"`
	Archive ArchiveConfig `yaml:"archive"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Runner.BuildDirectoryPath == "" {
		return nil, fmt.Errorf("runner buildDirectoryPath is required")
	}
	if !filepath.IsAbs(cfg.Runner.BuildDirectoryPath) {
		return nil, fmt.Errorf("runner buildDirectoryPath must be absolute")
	}
	if cfg.Records.Enabled && cfg.Records.Redis.Addr == "" {
		return nil, fmt.Errorf("records redis addr is required")
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if len(cfg.Runner.WritablePaths) == 0 {
		cfg.Runner.WritablePaths = []string{"/dev", "/proc", "/tmp"}
	}
	if cfg.Sandbox.HelperPath == "" {
		cfg.Sandbox.HelperPath = defaultHelperPath
	}
	if cfg.Records.TTL == 0 {
		cfg.Records.TTL = defaultRecordTTL
	}
	if cfg.Archive.Enabled && cfg.Archive.Root == "" {
		cfg.Archive.Root = filepath.Join(cfg.Runner.BuildDirectoryPath, "logs")
	}
	return &cfg, nil
}

func (c SandboxConfig) toEngineConfig() engine.Config {
	return engine.Config{
		CgroupRoot:       c.CgroupRoot,
		HelperPath:       c.HelperPath,
		GracePeriod:      c.GracePeriod,
		EnableCgroup:     c.EnableCgroup,
		EnableNamespaces: c.EnableNamespaces,
	}
}

func (c RunnerConfig) toRunnerConfig() runner.Config {
	return runner.Config{
		BuildDirectory: c.BuildDirectoryPath,
		NumCPUs:        c.NumCPUs,
		MemoryMaxBytes: c.MemoryMaxBytes,
		WritablePaths:  c.WritablePaths,
	}
}

func (c ArchiveConfig) toArchiverConfig() logarchive.Config {
	return logarchive.Config{
		Root:     c.Root,
		MaxAge:   c.MaxAge,
		Interval: c.Interval,
	}
}
