package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/schovi/sdlive/internal/session"
	"github.com/schovi/sdlive/internal/ui"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's generation state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var statusJsonFlag bool

func init() {
	statusCmd.Flags().BoolVar(&statusJsonFlag, "json", false, "Output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := connect()
	if err != nil {
		return err
	}

	st, err := client.Status()
	if err != nil {
		return err
	}

	if statusJsonFlag {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	pairs := []ui.Pair{ui.KV("phase", string(st.Phase))}
	if st.Phase == session.PhaseGenerating && !st.StartedAt.IsZero() {
		pairs = append(pairs, ui.KV("elapsed", time.Since(st.StartedAt).Round(time.Second).String()))
	}
	if st.Progress != nil {
		pairs = append(pairs, ui.KV("progress", ui.ProgressBar(*st.Progress, 30)))
	}
	if st.Run != nil {
		pairs = append(pairs,
			ui.KV("run", st.Run.ID+" "+ui.Muted(string(st.Run.State))),
			ui.KV("prompt", st.Run.Prompt),
		)
	}
	if st.Current != "" {
		pairs = append(pairs, ui.KV("image", st.Current))
	}
	if st.Line != "" {
		pairs = append(pairs, ui.KV("output", ui.Muted(st.Line)))
	}
	if st.LastError != "" {
		pairs = append(pairs, ui.KV("error", st.LastError))
	}
	fmt.Print(ui.KeyValues("", pairs...))
	if st.Notice != "" {
		fmt.Println(ui.InfoMsg("%s", st.Notice))
	}
	return nil
}
