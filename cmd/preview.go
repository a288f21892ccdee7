package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Fetch the image currently on display",
	Long: `Fetch the image currently on display: the latest live preview while a
generation runs, or the finished image afterwards.`,
	Args: cobra.NoArgs,
	RunE: runPreview,
}

var previewOutFlag string

func init() {
	previewCmd.Flags().StringVarP(&previewOutFlag, "out", "o", "", "Write the image to this file instead of stdout")
}

func runPreview(cmd *cobra.Command, args []string) error {
	client, err := connect()
	if err != nil {
		return err
	}

	frame, err := client.Preview()
	if err != nil {
		return err
	}

	if previewOutFlag == "" {
		_, err := os.Stdout.Write(frame.Data)
		return err
	}
	if err := os.WriteFile(previewOutFlag, frame.Data, 0644); err != nil {
		return fmt.Errorf("write preview: %w", err)
	}
	fmt.Fprintf(os.Stderr, "%s (%s, frame %d)\n", previewOutFlag, frame.MIME, frame.Seq)
	return nil
}
