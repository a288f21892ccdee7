package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List generation runs",
	RunE:  runList,
}

var listJsonFlag bool

func init() {
	listCmd.Flags().BoolVar(&listJsonFlag, "json", false, "Output as JSON")
}

func runList(cmd *cobra.Command, args []string) error {
	client, err := connect()
	if err != nil {
		return err
	}

	runs, err := client.List()
	if err != nil {
		return err
	}

	if listJsonFlag {
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		fmt.Println(string(data))
	} else {
		if len(runs) == 0 {
			fmt.Println("No runs")
			return nil
		}
		for _, r := range runs {
			fmt.Printf("%s\t%s\t%d\t%s\t%s\n", r.ID, r.State, r.ExitCode, r.Artifact, r.Prompt)
		}
	}

	return nil
}
