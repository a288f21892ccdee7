// Package session owns the generation lifecycle: one run at a time, the
// current artifact, and the delete and save operations on it.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/schovi/sdlive/internal/job"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var (
	ErrBusy                = errors.New("generation already running")
	ErrNoArtifact          = errors.New("no image to act on")
	ErrArtifactInvalidated = errors.New("image was deleted or replaced before saving")
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseGenerating Phase = "generating"
)

const (
	outputPrefix     = "img_"
	outputTimeLayout = "20060102150405"
	outputExt        = ".png"
)

// CopyOptions configure the prompt for saving a copy of the current image.
var CopyOptions = SaveOptions{
	Title:       "Save Copy",
	DefaultName: "favorite_image.png",
	Extensions:  []string{"png"},
}

type State struct {
	Phase     Phase     `json:"phase"`
	Current   string    `json:"current,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Runner executes one backend job to completion. *job.Supervisor satisfies it.
type Runner interface {
	Run(ctx context.Context, req job.Request) (job.Result, error)
}

// Layout locates the backend and the files a run produces.
type Layout struct {
	Backend     string
	OutputDir   string
	PreviewPath string
}

// Outcome is how one accepted generation ended. JobID names the backend
// job, empty when it never spawned.
type Outcome struct {
	Artifact string
	JobID    string
	Err      error
}

type Session struct {
	runner  Runner
	layout  Layout
	fs      afero.Fs
	view    View
	console Console
	now     func() time.Time
	log     *zap.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc

	// serializes delete against the re-check and copy of a save
	artifactMu sync.Mutex
}

type Option func(*Session)

func WithFs(fsys afero.Fs) Option {
	return func(s *Session) { s.fs = fsys }
}

func WithView(v View) Option {
	return func(s *Session) { s.view = v }
}

func WithConsole(c Console) Option {
	return func(s *Session) { s.console = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Session) { s.log = log }
}

func New(runner Runner, layout Layout, opts ...Option) *Session {
	s := &Session{
		runner:  runner,
		layout:  layout,
		fs:      afero.NewOsFs(),
		view:    nopView{},
		console: nopConsole{},
		now:     time.Now,
		log:     zap.NewNop(),
		state:   State{Phase: PhaseIdle},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Current
}

// Start runs a generation and waits for it. It returns the artifact path.
func (s *Session) Start(ctx context.Context, p Params) (string, error) {
	done, err := s.Launch(ctx, p)
	if err != nil {
		return "", err
	}
	out := <-done
	return out.Artifact, out.Err
}

// Launch accepts a generation and runs it in the background. The channel
// receives exactly one Outcome once the session is idle again.
func (s *Session) Launch(ctx context.Context, p Params) (<-chan Outcome, error) {
	s.mu.Lock()
	if s.state.Phase == PhaseGenerating {
		s.mu.Unlock()
		s.view.Notify(LevelWarning, "A generation is already running.")
		return nil, ErrBusy
	}
	if err := p.Validate(); err != nil {
		s.mu.Unlock()
		s.view.Notify(LevelWarning, capitalize(err.Error())+".")
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = State{Phase: PhaseGenerating, StartedAt: s.now()}
	s.mu.Unlock()

	s.view.Reset()
	s.console.Reset()

	outputPath := s.nextOutputPath()
	cmd := job.Command{
		Path: s.layout.Backend,
		Args: BuildArgs(p, outputPath, s.layout.PreviewPath),
	}
	s.console.Line("CMD: " + cmd.String())

	done := make(chan Outcome, 1)
	go func() {
		defer cancel()
		res, err := s.runner.Run(runCtx, job.Request{
			Command:     cmd,
			OutputPath:  outputPath,
			PreviewPath: s.layout.PreviewPath,
			OnFrame:     s.view.ShowFrame,
		})
		done <- s.finish(res, err)
		close(done)
	}()
	return done, nil
}

// Cancel stops the running generation, if any.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Phase != PhaseGenerating || s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

func (s *Session) finish(res job.Result, err error) Outcome {
	s.mu.Lock()
	s.state.Phase = PhaseIdle
	s.state.JobID = res.Job.ID
	s.cancel = nil
	if err != nil {
		s.state.Current = ""
		s.state.LastError = err.Error()
	} else {
		s.state.Current = res.OutputPath
	}
	s.mu.Unlock()

	if err != nil {
		var exitErr *job.ExitError
		if errors.As(err, &exitErr) {
			s.console.Line(fmt.Sprintf("Failed: Code %d", exitErr.Code))
		} else {
			s.console.Line("FATAL: " + err.Error())
		}
		s.view.Notify(LevelError, "Generation failed: "+err.Error())
		s.log.Info("generation failed", zap.String("job_id", res.Job.ID), zap.Error(err))
		return Outcome{JobID: res.Job.ID, Err: err}
	}

	s.console.Line("Saved: " + filepath.Base(res.OutputPath))
	s.log.Info("generation finished",
		zap.String("job_id", res.Job.ID),
		zap.String("artifact", res.OutputPath))

	data, rerr := afero.ReadFile(s.fs, res.OutputPath)
	if rerr != nil {
		s.view.Notify(LevelError, fmt.Sprintf("Cannot display %s: %v", filepath.Base(res.OutputPath), rerr))
		return Outcome{Artifact: res.OutputPath, JobID: res.Job.ID, Err: fmt.Errorf("read artifact: %w", rerr)}
	}
	s.view.ShowArtifact(res.OutputPath, data)
	return Outcome{Artifact: res.OutputPath, JobID: res.Job.ID}
}

func (s *Session) nextOutputPath() string {
	stamp := s.now().UTC().Format(outputTimeLayout)
	base := filepath.Join(s.layout.OutputDir, outputPrefix+stamp)

	path := base + outputExt
	for n := 2; ; n++ {
		if _, err := s.fs.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return path
		}
		path = base + "_" + strconv.Itoa(n) + outputExt
	}
}

// DeleteCurrent removes the current artifact and returns its path, or ""
// when there was none. A file that is already gone counts as deleted.
func (s *Session) DeleteCurrent() (string, error) {
	s.artifactMu.Lock()
	defer s.artifactMu.Unlock()

	path := s.current()
	if path == "" {
		return "", nil
	}

	if err := s.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.view.Notify(LevelError, "Could not delete "+filepath.Base(path)+".")
		return "", fmt.Errorf("delete %s: %w", path, err)
	}

	s.mu.Lock()
	if s.state.Current == path {
		s.state.Current = ""
	}
	s.mu.Unlock()

	s.console.Line("Deleted: " + filepath.Base(path))
	s.view.ShowEmpty()
	return path, nil
}

// SaveCurrent copies the current artifact to a destination picked by d.
func (s *Session) SaveCurrent(ctx context.Context, d Dialog) (string, error) {
	path := s.current()
	if path == "" {
		return "", ErrNoArtifact
	}
	return s.SaveArtifact(ctx, path, d)
}

// SaveArtifact copies artifact if it is still the current one once the
// dialog returns. No lock is held while the dialog is open.
func (s *Session) SaveArtifact(ctx context.Context, artifact string, d Dialog) (string, error) {
	if artifact == "" {
		return "", ErrNoArtifact
	}

	dest, ok, err := d.SaveTarget(ctx, CopyOptions)

	s.artifactMu.Lock()
	defer s.artifactMu.Unlock()

	if s.current() != artifact {
		s.view.Notify(LevelError, "Image was deleted before saving.")
		return "", ErrArtifactInvalidated
	}
	if err != nil {
		return "", fmt.Errorf("save dialog: %w", err)
	}
	if !ok {
		return "", nil
	}

	if err := copyFile(s.fs, artifact, dest); err != nil {
		s.view.Notify(LevelError, "Could not save copy: "+err.Error())
		return "", fmt.Errorf("save %s: %w", dest, err)
	}
	s.console.Line("Copied: " + dest)
	return dest, nil
}

func copyFile(fsys afero.Fs, src, dst string) error {
	in, err := fsys.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fsys.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
