package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/schovi/sdlive/internal/daemon"
	"github.com/schovi/sdlive/internal/session"
	"github.com/schovi/sdlive/internal/wait"
	"github.com/spf13/cobra"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Start a generation in the daemon",
	Long: `Start a generation in the daemon and print its run id.

Use --wait to stream the backend output until the run finishes.`,
	Args: cobra.NoArgs,
	RunE: runGenerate,
}

var (
	generateParams      session.Params
	generateWaitFlag    bool
	generateTimeoutFlag int
	generateJsonFlag    bool
)

func init() {
	paramFlags(generateCmd.Flags(), &generateParams)
	generateCmd.Flags().BoolVar(&generateWaitFlag, "wait", false, "Wait for the run to finish, streaming its output")
	generateCmd.Flags().IntVar(&generateTimeoutFlag, "timeout", 0, "Max wait time in seconds (0 waits forever)")
	generateCmd.Flags().BoolVar(&generateJsonFlag, "json", false, "Output the run record as JSON")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	client, err := connect()
	if err != nil {
		return err
	}

	run, err := client.Generate(generateParams)
	if err != nil {
		return err
	}
	if !generateWaitFlag {
		return printRun(*run)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err = wait.ForRun(ctx, runObserver(client, run.ID), wait.Config{
		TimeoutSec: generateTimeoutFlag,
		OnOutput:   func(s string) { fmt.Print(s) },
	})
	if err != nil {
		return err
	}

	runs, err := client.List()
	if err != nil {
		return err
	}
	for _, m := range runs {
		if m.ID == run.ID {
			if err := printRun(m); err != nil {
				return err
			}
			if m.State != daemon.RunFinished {
				return fmt.Errorf("run %s %s", m.ID, m.State)
			}
			return nil
		}
	}
	return fmt.Errorf("run %s disappeared", run.ID)
}

// runObserver reports new output of run and whether it has ended.
func runObserver(client *daemon.Client, run string) wait.ObserveFunc {
	return func() (wait.Observation, error) {
		st, err := client.Status()
		if err != nil {
			return wait.Observation{}, err
		}
		output, pos, err := client.Read(run, daemon.ReadModeNew, 0, 0)
		if err != nil {
			return wait.Observation{}, err
		}
		done := st.Run == nil || st.Run.ID != run || st.Run.Done()
		return wait.Observation{Output: output, Position: pos, Done: done}, nil
	}
}

func printRun(m daemon.RunMeta) error {
	if generateJsonFlag {
		data, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}
	if m.Artifact != "" && m.State == daemon.RunFinished {
		fmt.Println(m.Artifact)
		return nil
	}
	fmt.Println(m.ID)
	return nil
}
