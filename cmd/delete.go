package cmd

import (
	"fmt"

	"github.com/schovi/sdlive/internal/ui"
	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the current image",
	Args:  cobra.NoArgs,
	RunE:  runDelete,
}

func runDelete(cmd *cobra.Command, args []string) error {
	client, err := connect()
	if err != nil {
		return err
	}

	path, err := client.Delete()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Println(ui.InfoMsg("No image to delete"))
		return nil
	}
	fmt.Println(ui.SuccessMsg("Deleted %s", path))
	return nil
}
