package cmd

import (
	"fmt"
	"os"

	"github.com/schovi/sdlive/internal/config"
	"github.com/schovi/sdlive/internal/daemon"
	"github.com/schovi/sdlive/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "sdlive",
	Short: "Live image generation with a local diffusion backend",
	Long: `sdlive drives a local stable-diffusion executable, streaming its progress,
live previews, and the finished image.

Quick start:
  sdlive run -m model.gguf -p "a red fox"    # Generate in the foreground
  sdlive generate -m model.gguf -p "a fox"   # Generate in the daemon
  sdlive status                              # Show progress of the current run
  sdlive save ~/fox.png                      # Keep a copy of the current image
  sdlive delete                              # Discard the current image`,
	SilenceUsage: true,
}

var (
	backendFlag   string
	outputDirFlag string
	tempDirFlag   string
	logLevelFlag  string
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&backendFlag, "backend", "", "Backend executable (overrides SDLIVE_BACKEND)")
	rootCmd.PersistentFlags().StringVar(&outputDirFlag, "output-dir", "", "Directory for generated images (overrides SDLIVE_OUTPUT_DIR)")
	rootCmd.PersistentFlags().StringVar(&tempDirFlag, "temp-dir", "", "Directory for the live preview (overrides SDLIVE_TEMP_DIR)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the environment and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if backendFlag != "" {
		cfg.Backend.Exe = backendFlag
	}
	if outputDirFlag != "" {
		cfg.Paths.OutputDir = outputDirFlag
	}
	if tempDirFlag != "" {
		cfg.Paths.TempDir = tempDirFlag
	}
	if logLevelFlag != "" {
		cfg.Logging.Level = logLevelFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Development = cfg.Logging.Development
	return logging.New(logCfg)
}

// connect returns a client for a running daemon, starting one if needed.
func connect() (*daemon.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	dir, err := cfg.SocketDir()
	if err != nil {
		return nil, err
	}
	client := daemon.NewClient(dir)
	client.DaemonArgs = overrideArgs()
	if err := client.EnsureDaemon(); err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}
	return client, nil
}

// overrideArgs forwards the persistent flags to a daemon started on demand.
func overrideArgs() []string {
	var args []string
	for name, val := range map[string]string{
		"backend":    backendFlag,
		"output-dir": outputDirFlag,
		"temp-dir":   tempDirFlag,
		"log-level":  logLevelFlag,
	} {
		if val != "" {
			args = append(args, "--"+name, val)
		}
	}
	return args
}
