package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schovi/sdlive/internal/session"
	"github.com/schovi/sdlive/internal/ui"
	"github.com/spf13/cobra"
)

var saveCmd = &cobra.Command{
	Use:   "save [dest]",
	Short: "Save a copy of the current image",
	Long: `Save a copy of the current image.

Without dest, asks for a file name. The copy is refused if the image was
deleted or replaced by a new generation while you were choosing.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSave,
}

func runSave(cmd *cobra.Command, args []string) error {
	client, err := connect()
	if err != nil {
		return err
	}

	st, err := client.Status()
	if err != nil {
		return err
	}
	if st.Current == "" {
		return session.ErrNoArtifact
	}

	var d session.Dialog = session.PromptDialog{In: os.Stdin, Out: os.Stderr}
	if len(args) == 1 {
		d = session.StaticDialog(args[0])
	}
	dest, ok, err := d.SaveTarget(context.Background(), session.CopyOptions)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(os.Stderr, ui.InfoMsg("Cancelled"))
		return nil
	}
	// the daemon may run in another directory
	dest, err = filepath.Abs(dest)
	if err != nil {
		return err
	}

	saved, err := client.Save(st.Current, dest)
	if err != nil {
		return err
	}
	fmt.Println(ui.SuccessMsg("Copied %s", saved))
	return nil
}
