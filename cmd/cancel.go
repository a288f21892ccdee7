package cmd

import (
	"fmt"

	"github.com/schovi/sdlive/internal/ui"
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Stop the running generation",
	Args:  cobra.NoArgs,
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	client, err := connect()
	if err != nil {
		return err
	}

	cancelled, err := client.Cancel()
	if err != nil {
		return err
	}
	if !cancelled {
		fmt.Println(ui.InfoMsg("Nothing running"))
		return nil
	}
	fmt.Println(ui.SuccessMsg("Cancelled"))
	return nil
}
