package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// SaveOptions describe the save prompt.
type SaveOptions struct {
	Title       string
	DefaultName string
	Extensions  []string
}

// Dialog asks the user where to save. It may block for as long as the user
// takes. ok is false when the user cancelled.
type Dialog interface {
	SaveTarget(ctx context.Context, opts SaveOptions) (path string, ok bool, err error)
}

type DialogFunc func(ctx context.Context, opts SaveOptions) (string, bool, error)

func (f DialogFunc) SaveTarget(ctx context.Context, opts SaveOptions) (string, bool, error) {
	return f(ctx, opts)
}

// StaticDialog answers with a path chosen up front. An empty path cancels.
func StaticDialog(path string) Dialog {
	return DialogFunc(func(context.Context, SaveOptions) (string, bool, error) {
		return path, path != "", nil
	})
}

// PromptDialog asks on a terminal. An empty answer takes the default name;
// end of input cancels.
type PromptDialog struct {
	In  io.Reader
	Out io.Writer
}

func (d PromptDialog) SaveTarget(ctx context.Context, opts SaveOptions) (string, bool, error) {
	fmt.Fprintf(d.Out, "%s [%s]: ", opts.Title, opts.DefaultName)

	line, err := bufio.NewReader(d.In).ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		if err == io.EOF {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read answer: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	path := strings.TrimSpace(line)
	if path == "" {
		path = opts.DefaultName
	}
	if filepath.Ext(path) == "" && len(opts.Extensions) > 0 {
		path += "." + opts.Extensions[0]
	}
	return path, true, nil
}
