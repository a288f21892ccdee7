package daemon

import (
	"fmt"
	"path/filepath"

	"github.com/schovi/sdlive/internal/id"
)

// ValidateRunID rejects anything that is not a run id. Run ids name files
// in the log directory, so this also keeps paths inside it.
func ValidateRunID(run string) error {
	if run == "" {
		return fmt.Errorf("run id cannot be empty")
	}
	if !id.Valid(run, id.RunPrefix) {
		return fmt.Errorf("invalid run id %q", run)
	}
	return nil
}

// ValidateDest checks a save destination sent over the socket.
func ValidateDest(dest string) error {
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	if !filepath.IsAbs(dest) {
		return fmt.Errorf("destination must be an absolute path, got %q", dest)
	}
	if filepath.Ext(dest) == "" {
		return fmt.Errorf("destination %q has no file extension", dest)
	}
	return nil
}
