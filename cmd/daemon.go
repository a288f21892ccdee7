package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/schovi/sdlive/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	daemonMaxOutputFlag string
	daemonLogDirFlag    string
	daemonTTLFlag       time.Duration
)

var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Short:  "Run the sdlive daemon (internal)",
	Hidden: true,
	RunE:   runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&daemonMaxOutputFlag, "max-output", "",
		"Maximum output buffer size per run (e.g., 10MB, 1GB)")
	daemonCmd.Flags().StringVar(&daemonLogDirFlag, "log-dir", "",
		"Persist run output in this directory instead of memory")
	daemonCmd.Flags().DurationVar(&daemonTTLFlag, "finished-ttl", 0,
		"Forget finished runs after this long (0 keeps them)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if daemonMaxOutputFlag != "" {
		maxSize, err := parseSize(daemonMaxOutputFlag)
		if err != nil {
			return fmt.Errorf("invalid --max-output: %w", err)
		}
		cfg.Daemon.MaxOutputSize = maxSize
	}
	if daemonLogDirFlag != "" {
		cfg.Daemon.LogDir = daemonLogDirFlag
	}
	if daemonTTLFlag > 0 {
		cfg.Daemon.FinishedTTL = daemonTTLFlag
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	opts := []daemon.ServerOption{
		daemon.WithConfig(cfg),
		daemon.WithLogger(log.Named("daemon")),
		daemon.WithFinishedTTL(cfg.Daemon.FinishedTTL),
	}
	if cfg.Daemon.LogDir != "" {
		storage, err := daemon.NewFileStorage(cfg.Daemon.LogDir, cfg.Daemon.MaxOutputSize)
		if err != nil {
			return err
		}
		opts = append(opts, daemon.WithStorage(storage))
	}

	server, err := daemon.NewServer(opts...)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("shutting down daemon")
		server.Shutdown()
		os.Exit(0)
	}()

	return server.Start()
}

func parseSize(s string) (int, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	re := regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(B|KB|MB|GB)?$`)
	matches := re.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid format: %s", s)
	}

	val, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, err
	}

	unit := matches[2]
	if unit == "" {
		unit = "B"
	}

	multiplier := 1.0
	switch unit {
	case "KB":
		multiplier = 1024
	case "MB":
		multiplier = 1024 * 1024
	case "GB":
		multiplier = 1024 * 1024 * 1024
	}

	return int(val * multiplier), nil
}
