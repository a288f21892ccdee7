package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/schovi/sdlive/internal/engine"
	"github.com/schovi/sdlive/internal/preview"
	"github.com/schovi/sdlive/internal/session"
	"github.com/schovi/sdlive/internal/ui"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Generate an image in the foreground",
	Long: `Generate an image in the foreground, showing progress as the backend runs.

The finished image stays in the output directory. Use --save to keep a copy
elsewhere and --preview-out to mirror live previews to a file.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runParams         session.Params
	runSaveFlag       string
	runPreviewOutFlag string
	runLogFlag        bool
)

func init() {
	paramFlags(runCmd.Flags(), &runParams)
	runCmd.Flags().StringVar(&runSaveFlag, "save", "", "Copy the finished image to this path")
	runCmd.Flags().StringVar(&runPreviewOutFlag, "preview-out", "", "Write every live preview to this file")
	runCmd.Flags().BoolVar(&runLogFlag, "log", false, "Print backend output")
}

func runRun(cmd *cobra.Command, args []string) error {
	if logLevelFlag == "" {
		// keep the progress bar readable
		logLevelFlag = "warn"
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	term := ui.NewTerminal(os.Stderr, nil)
	if runLogFlag {
		term = ui.NewTerminal(os.Stderr, os.Stdout)
	}
	view := &mirrorView{Terminal: term, frames: make(chan []byte, 1)}

	eng := engine.New(cfg,
		engine.WithLogger(log),
		engine.WithSink(term.Update),
		engine.WithView(view),
	)
	defer eng.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var artifact string
	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		var err error
		artifact, err = eng.Generate(gctx, runParams)
		return err
	})
	g.Go(func() error {
		return mirrorFrames(gctx, done, view.frames, runPreviewOutFlag)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Println(artifact)
	if runSaveFlag == "" {
		return nil
	}
	dest, err := filepath.Abs(runSaveFlag)
	if err != nil {
		return err
	}
	_, err = eng.Session.SaveArtifact(ctx, artifact, session.StaticDialog(dest))
	return err
}

// mirrorView hands every preview frame to a writer goroutine, dropping
// frames the writer has not caught up with.
type mirrorView struct {
	*ui.Terminal
	frames chan []byte
}

func (v *mirrorView) ShowFrame(f *preview.Frame) {
	v.Terminal.ShowFrame(f)
	data := f.Bytes()
	if data == nil {
		return
	}
	select {
	case <-v.frames:
	default:
	}
	select {
	case v.frames <- data:
	default:
	}
}

// mirrorFrames writes frames to path until the generation is done.
func mirrorFrames(ctx context.Context, done <-chan struct{}, frames <-chan []byte, path string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case data := <-frames:
			if path == "" {
				continue
			}
			if err := writeFileAtomic(path, data); err != nil {
				return fmt.Errorf("write preview: %w", err)
			}
		}
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
