package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schovi/sdlive/internal/ansi"
	"github.com/schovi/sdlive/internal/daemon"
	"github.com/spf13/cobra"
)

var readCmd = &cobra.Command{
	Use:   "read [run-id]",
	Short: "Read backend output of a run",
	Long: `Read backend output of a run (the current run by default).

By default, returns new output since last read.
Use --all for all output from the start of the run.
Use --follow to stream output until interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRead,
}

var (
	readAllFlag      bool
	readHeadFlag     int
	readTailFlag     int
	readRawFlag      bool
	readJsonFlag     bool
	readFollowFlag   bool
	readFollowMsFlag int
)

func init() {
	readCmd.Flags().BoolVar(&readAllFlag, "all", false, "Read all output from the start of the run")
	readCmd.Flags().IntVar(&readHeadFlag, "head", 0, "Return first N lines of the log")
	readCmd.Flags().IntVar(&readTailFlag, "tail", 0, "Return last N lines of the log")
	readCmd.Flags().BoolVar(&readRawFlag, "raw", false, "Keep escape codes and carriage-return redraws")
	readCmd.Flags().BoolVar(&readJsonFlag, "json", false, "Output as JSON")
	readCmd.Flags().BoolVarP(&readFollowFlag, "follow", "f", false, "Follow output continuously (like tail -f)")
	readCmd.Flags().IntVar(&readFollowMsFlag, "follow-ms", 100, "Poll interval for --follow in milliseconds")
}

func runRead(cmd *cobra.Command, args []string) error {
	run := ""
	if len(args) == 1 {
		run = args[0]
		if err := daemon.ValidateRunID(run); err != nil {
			return err
		}
	}

	modeCount := 0
	if readAllFlag {
		modeCount++
	}
	if readHeadFlag > 0 {
		modeCount++
	}
	if readTailFlag > 0 {
		modeCount++
	}
	if modeCount > 1 {
		return fmt.Errorf("--all, --head, and --tail are mutually exclusive")
	}
	if readHeadFlag < 0 || readTailFlag < 0 {
		return fmt.Errorf("--head and --tail require positive integers")
	}

	if readFollowFlag {
		if modeCount > 0 || readJsonFlag {
			return fmt.Errorf("--follow cannot be combined with --all, --head, --tail, or --json")
		}
		return runReadFollow(run)
	}

	client, err := connect()
	if err != nil {
		return err
	}

	mode := daemon.ReadModeNew
	if modeCount > 0 {
		mode = daemon.ReadModeAll
	}
	output, pos, err := client.Read(run, mode, readHeadFlag, readTailFlag)
	if err != nil {
		return err
	}
	output = clean(output)

	if readJsonFlag {
		out := map[string]interface{}{
			"output":   output,
			"position": pos,
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		fmt.Println(string(data))
	} else {
		fmt.Print(output)
	}

	return nil
}

func runReadFollow(run string) error {
	client, err := connect()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if readFollowMsFlag <= 0 {
		readFollowMsFlag = 100
	}
	pollInterval := time.Duration(readFollowMsFlag) * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			output, _, err := client.Read(run, daemon.ReadModeNew, 0, 0)
			if err != nil {
				return err
			}
			if output != "" {
				fmt.Print(clean(output))
			}
		}
	}
}

// clean makes backend output readable unless --raw is set.
func clean(output string) string {
	if readRawFlag {
		return output
	}
	return ansi.Collapse(ansi.Strip(output))
}
