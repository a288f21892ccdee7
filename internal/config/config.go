// Package config loads sdlive settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Backend BackendConfig
	Paths   PathsConfig
	Preview PreviewConfig
	Output  OutputConfig
	Daemon  DaemonConfig
	Logging LogConfig
}

// BackendConfig describes the image-generation executable.
type BackendConfig struct {
	Exe    string `envconfig:"SDLIVE_BACKEND" default:"./backend/sd"`
	UsePTY bool   `envconfig:"SDLIVE_BACKEND_PTY" default:"false"`
}

// PathsConfig holds the directories the backend reads and writes.
type PathsConfig struct {
	OutputDir   string `envconfig:"SDLIVE_OUTPUT_DIR" default:"./outputs"`
	TempDir     string `envconfig:"SDLIVE_TEMP_DIR" default:"./temp"`
	PreviewFile string `envconfig:"SDLIVE_PREVIEW_FILE" default:"preview.png"`
}

type PreviewConfig struct {
	Interval time.Duration `envconfig:"SDLIVE_PREVIEW_INTERVAL" default:"1s"`
}

type OutputConfig struct {
	FrameInterval time.Duration `envconfig:"SDLIVE_FRAME_INTERVAL" default:"16ms"`
}

type DaemonConfig struct {
	SocketDir     string        `envconfig:"SDLIVE_SOCKET_DIR"`
	LogDir        string        `envconfig:"SDLIVE_LOG_DIR"`
	MaxOutputSize int           `envconfig:"SDLIVE_MAX_OUTPUT" default:"10485760"`
	FinishedTTL   time.Duration `envconfig:"SDLIVE_FINISHED_TTL" default:"0"`
}

type LogConfig struct {
	Level       string `envconfig:"SDLIVE_LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"SDLIVE_LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration Load yields with an empty environment.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{Exe: "./backend/sd"},
		Paths: PathsConfig{
			OutputDir:   "./outputs",
			TempDir:     "./temp",
			PreviewFile: "preview.png",
		},
		Preview: PreviewConfig{Interval: time.Second},
		Output:  OutputConfig{FrameInterval: 16 * time.Millisecond},
		Daemon:  DaemonConfig{MaxOutputSize: 10 * 1024 * 1024},
		Logging: LogConfig{Level: "info"},
	}
}

func (c *Config) Validate() error {
	if c.Backend.Exe == "" {
		return fmt.Errorf("backend executable is not set")
	}
	if c.Paths.OutputDir == "" || c.Paths.TempDir == "" {
		return fmt.Errorf("output and temp directories must be set")
	}
	if c.Paths.PreviewFile == "" || filepath.Base(c.Paths.PreviewFile) != c.Paths.PreviewFile {
		return fmt.Errorf("preview file must be a plain file name, got %q", c.Paths.PreviewFile)
	}
	if c.Preview.Interval <= 0 {
		return fmt.Errorf("preview interval must be positive")
	}
	if c.Output.FrameInterval <= 0 {
		return fmt.Errorf("frame interval must be positive")
	}
	if c.Daemon.MaxOutputSize < 0 {
		return fmt.Errorf("max output size cannot be negative")
	}
	return nil
}

// PreviewPath is the file the backend overwrites while it runs.
func (c *Config) PreviewPath() string {
	return filepath.Join(c.Paths.TempDir, c.Paths.PreviewFile)
}

// SocketDir defaults to ~/.sdlive.
func (c *Config) SocketDir() (string, error) {
	if c.Daemon.SocketDir != "" {
		return c.Daemon.SocketDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".sdlive"), nil
}

// EnsureDirs creates the output and temp directories, resolving them to
// absolute paths so the backend does not depend on its working directory.
func (c *Config) EnsureDirs() error {
	for _, dir := range []*string{&c.Paths.OutputDir, &c.Paths.TempDir} {
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", *dir, err)
		}
		if err := os.MkdirAll(abs, 0755); err != nil {
			return fmt.Errorf("create %s: %w", abs, err)
		}
		*dir = abs
	}
	return nil
}
