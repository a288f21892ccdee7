package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schovi/sdlive/internal/job"
	"github.com/schovi/sdlive/internal/preview"
	"github.com/spf13/afero"
)

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// fakeRunner writes the artifact the way the backend would and reports
// the configured exit code.
type fakeRunner struct {
	fs      afero.Fs
	code    int
	err     error
	release chan struct{}
	started chan struct{}

	mu   sync.Mutex
	reqs []job.Request
}

func (r *fakeRunner) Run(ctx context.Context, req job.Request) (job.Result, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()

	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return job.Result{}, ctx.Err()
		}
	}

	j := job.Job{ID: "job_fake", State: job.StateExited, ExitCode: r.code}
	if r.err != nil {
		return job.Result{}, r.err
	}
	if r.code != 0 {
		return job.Result{}, &job.ExitError{JobID: j.ID, Code: r.code}
	}
	if err := afero.WriteFile(r.fs, req.OutputPath, []byte("png"), 0o644); err != nil {
		return job.Result{}, err
	}
	return job.Result{Job: j, OutputPath: req.OutputPath}, nil
}

func (r *fakeRunner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

type recorder struct {
	mu        sync.Mutex
	lines     []string
	notes     []string
	artifacts []string
	empties   int
	resets    int
}

func (r *recorder) Line(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, msg)
}

func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
}

func (r *recorder) ShowFrame(*preview.Frame) {}

func (r *recorder) ShowArtifact(path string, _ []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts = append(r.artifacts, path)
}

func (r *recorder) ShowEmpty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.empties++
}

func (r *recorder) Notify(level Level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, string(level)+": "+msg)
}

func (r *recorder) hasLine(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lines {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}

func validParams() Params {
	p := DefaultParams()
	p.Model = "/models/v1-5.safetensors"
	p.Prompt = "a lighthouse at dusk"
	return p
}

func newTestSession(t *testing.T, runner *fakeRunner) (*Session, *recorder, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	if err := fsys.MkdirAll("/out", 0o755); err != nil {
		t.Fatal(err)
	}
	if runner.fs == nil {
		runner.fs = fsys
	}
	rec := &recorder{}
	s := New(runner, Layout{Backend: "/bin/sd", OutputDir: "/out", PreviewPath: "/tmp/preview.png"},
		WithFs(fsys),
		WithView(rec),
		WithConsole(rec),
		WithClock(func() time.Time { return fixedNow }),
	)
	return s, rec, fsys
}

func TestStartSuccess(t *testing.T) {
	runner := &fakeRunner{}
	s, rec, _ := newTestSession(t, runner)

	path, err := s.Start(context.Background(), validParams())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	want := "/out/img_20260102030405.png"
	if path != want {
		t.Errorf("artifact = %q, want %q", path, want)
	}
	st := s.State()
	if st.Phase != PhaseIdle || st.Current != want {
		t.Errorf("state = %+v", st)
	}
	if st.JobID != "job_fake" {
		t.Errorf("job id = %q", st.JobID)
	}
	if !rec.hasLine("CMD: /bin/sd -m /models/v1-5.safetensors") {
		t.Errorf("missing CMD line: %v", rec.lines)
	}
	if !rec.hasLine("Saved: img_20260102030405.png") {
		t.Errorf("missing Saved line: %v", rec.lines)
	}
	if len(rec.artifacts) != 1 || rec.artifacts[0] != want {
		t.Errorf("artifacts shown = %v", rec.artifacts)
	}
	if rec.resets != 2 {
		t.Errorf("resets = %d, want view and console reset", rec.resets)
	}
}

func TestStartSetupErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Params)
		want   error
	}{
		{"no model", func(p *Params) { p.Model = "" }, ErrNoModel},
		{"blank prompt", func(p *Params) { p.Prompt = "  \n" }, ErrNoPrompt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			s, rec, _ := newTestSession(t, runner)

			p := validParams()
			tt.modify(&p)
			_, err := s.Start(context.Background(), p)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if runner.calls() != 0 {
				t.Error("runner should not be called")
			}
			if s.State().Phase != PhaseIdle {
				t.Error("state should stay idle")
			}
			if len(rec.notes) != 1 || !strings.HasPrefix(rec.notes[0], "warning: ") {
				t.Errorf("notes = %v", rec.notes)
			}
		})
	}
}

func TestLaunchBusy(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{}), started: make(chan struct{}, 1)}
	s, _, _ := newTestSession(t, runner)

	done, err := s.Launch(context.Background(), validParams())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	<-runner.started

	if st := s.State(); st.Phase != PhaseGenerating || st.Current != "" {
		t.Errorf("state while running = %+v", st)
	}
	if _, err := s.Launch(context.Background(), validParams()); !errors.Is(err, ErrBusy) {
		t.Errorf("second Launch err = %v, want ErrBusy", err)
	}

	close(runner.release)
	out := <-done
	if out.Err != nil {
		t.Fatalf("outcome: %v", out.Err)
	}
	if out.JobID != "job_fake" {
		t.Errorf("outcome job = %q, want job_fake", out.JobID)
	}
	if runner.calls() != 1 {
		t.Errorf("runner calls = %d, want 1", runner.calls())
	}
	if s.State().Phase != PhaseIdle {
		t.Error("session should be idle after the run")
	}
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name     string
		runner   *fakeRunner
		wantLine string
	}{
		{"non-zero exit", &fakeRunner{code: 1}, "Failed: Code 1"},
		{"spawn error", &fakeRunner{err: job.ErrSpawn}, "FATAL: "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, rec, _ := newTestSession(t, tt.runner)

			_, err := s.Start(context.Background(), validParams())
			if err == nil {
				t.Fatal("expected error")
			}
			st := s.State()
			if st.Phase != PhaseIdle || st.Current != "" || st.LastError == "" {
				t.Errorf("state = %+v", st)
			}
			if !rec.hasLine(tt.wantLine) {
				t.Errorf("lines = %v, want %q", rec.lines, tt.wantLine)
			}
			if len(rec.artifacts) != 0 {
				t.Error("no artifact should be shown")
			}
		})
	}
}

func TestStartClearsPreviousArtifact(t *testing.T) {
	runner := &fakeRunner{}
	s, _, _ := newTestSession(t, runner)
	if _, err := s.Start(context.Background(), validParams()); err != nil {
		t.Fatal(err)
	}

	runner.code = 2
	if _, err := s.Start(context.Background(), validParams()); err == nil {
		t.Fatal("expected failure")
	}
	if cur := s.State().Current; cur != "" {
		t.Errorf("Current = %q after failed run, want empty", cur)
	}
}

func TestOutputNameSuffix(t *testing.T) {
	tests := []struct {
		name     string
		existing []string
		want     string
	}{
		{"free", nil, "/out/img_20260102030405.png"},
		{"first collision", []string{"img_20260102030405.png"}, "/out/img_20260102030405_2.png"},
		{"second collision", []string{"img_20260102030405.png", "img_20260102030405_2.png"}, "/out/img_20260102030405_3.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, fsys := newTestSession(t, &fakeRunner{})
			for _, name := range tt.existing {
				if err := afero.WriteFile(fsys, "/out/"+name, []byte("old"), 0o644); err != nil {
					t.Fatal(err)
				}
			}

			path, err := s.Start(context.Background(), validParams())
			if err != nil {
				t.Fatal(err)
			}
			if path != tt.want {
				t.Errorf("artifact = %q, want %q", path, tt.want)
			}
			for _, name := range tt.existing {
				old, _ := afero.ReadFile(fsys, "/out/"+name)
				if string(old) != "old" {
					t.Errorf("existing %s was overwritten", name)
				}
			}
		})
	}
}

func TestArtifactReadFailure(t *testing.T) {
	// the runner reports success but writes elsewhere
	runner := &fakeRunner{fs: afero.NewMemMapFs()}
	s, rec, _ := newTestSession(t, runner)

	path, err := s.Start(context.Background(), validParams())
	if err == nil {
		t.Fatal("expected read error")
	}
	if path == "" || s.State().Current != path {
		t.Errorf("Current should still name the artifact, got %q", s.State().Current)
	}
	if len(rec.notes) == 0 || !strings.HasPrefix(rec.notes[0], "error: ") {
		t.Errorf("notes = %v", rec.notes)
	}
}

func TestCancel(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{}), started: make(chan struct{}, 1)}
	s, rec, _ := newTestSession(t, runner)

	if s.Cancel() {
		t.Error("Cancel on idle session should report false")
	}

	done, err := s.Launch(context.Background(), validParams())
	if err != nil {
		t.Fatal(err)
	}
	<-runner.started
	if !s.Cancel() {
		t.Error("Cancel should report true while generating")
	}

	out := <-done
	if !errors.Is(out.Err, context.Canceled) {
		t.Errorf("outcome err = %v", out.Err)
	}
	if !rec.hasLine("FATAL: context canceled") {
		t.Errorf("lines = %v", rec.lines)
	}
	if s.State().Phase != PhaseIdle {
		t.Error("session should be idle")
	}
}

func TestDeleteCurrent(t *testing.T) {
	tests := []struct {
		name       string
		removeFile bool
	}{
		{"file present", false},
		{"already absent", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, rec, fsys := newTestSession(t, &fakeRunner{})
			path, err := s.Start(context.Background(), validParams())
			if err != nil {
				t.Fatal(err)
			}
			if tt.removeFile {
				if err := fsys.Remove(path); err != nil {
					t.Fatal(err)
				}
			}

			deleted, err := s.DeleteCurrent()
			if err != nil {
				t.Fatalf("DeleteCurrent: %v", err)
			}
			if deleted != path {
				t.Errorf("deleted = %q, want %q", deleted, path)
			}
			if s.State().Current != "" {
				t.Error("Current should be cleared")
			}
			if exists, _ := afero.Exists(fsys, path); exists {
				t.Error("file should be gone")
			}
			if rec.empties != 1 {
				t.Errorf("empties = %d, want 1", rec.empties)
			}
		})
	}
}

func TestDeleteWithoutArtifact(t *testing.T) {
	s, rec, _ := newTestSession(t, &fakeRunner{})
	deleted, err := s.DeleteCurrent()
	if err != nil {
		t.Fatalf("DeleteCurrent: %v", err)
	}
	if deleted != "" {
		t.Errorf("deleted = %q, want nothing", deleted)
	}
	if rec.empties != 0 {
		t.Error("view should be untouched")
	}
}

func TestDeleteFailureKeepsArtifact(t *testing.T) {
	mem := afero.NewMemMapFs()
	runner := &fakeRunner{fs: mem}
	rec := &recorder{}
	s := New(runner, Layout{Backend: "/bin/sd", OutputDir: "/out"},
		WithFs(afero.NewReadOnlyFs(mem)),
		WithView(rec),
		WithConsole(rec),
		WithClock(func() time.Time { return fixedNow }),
	)

	path, err := s.Start(context.Background(), validParams())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.DeleteCurrent(); err == nil {
		t.Fatal("expected delete error")
	}
	if s.State().Current != path {
		t.Errorf("Current = %q, want %q kept", s.State().Current, path)
	}
	if exists, _ := afero.Exists(mem, path); !exists {
		t.Error("file should still exist")
	}
}

func TestSaveCurrent(t *testing.T) {
	s, rec, fsys := newTestSession(t, &fakeRunner{})
	if _, err := s.Start(context.Background(), validParams()); err != nil {
		t.Fatal(err)
	}

	var gotOpts SaveOptions
	dialog := DialogFunc(func(_ context.Context, opts SaveOptions) (string, bool, error) {
		gotOpts = opts
		return "/favorite.png", true, nil
	})
	dest, err := s.SaveCurrent(context.Background(), dialog)
	if err != nil {
		t.Fatalf("SaveCurrent: %v", err)
	}
	if dest != "/favorite.png" {
		t.Errorf("dest = %q", dest)
	}
	data, err := afero.ReadFile(fsys, dest)
	if err != nil || string(data) != "png" {
		t.Errorf("copy = %q, %v", data, err)
	}
	if gotOpts.Title != "Save Copy" || gotOpts.DefaultName != "favorite_image.png" {
		t.Errorf("dialog options = %+v", gotOpts)
	}
	if !rec.hasLine("Copied: /favorite.png") {
		t.Errorf("lines = %v", rec.lines)
	}
}

func TestSaveCancelledAndMissing(t *testing.T) {
	s, _, fsys := newTestSession(t, &fakeRunner{})

	if _, err := s.SaveCurrent(context.Background(), StaticDialog("/x.png")); !errors.Is(err, ErrNoArtifact) {
		t.Errorf("err = %v, want ErrNoArtifact", err)
	}

	if _, err := s.Start(context.Background(), validParams()); err != nil {
		t.Fatal(err)
	}
	dest, err := s.SaveCurrent(context.Background(), StaticDialog(""))
	if err != nil || dest != "" {
		t.Errorf("cancelled save = %q, %v", dest, err)
	}
	files, _ := afero.ReadDir(fsys, "/")
	for _, f := range files {
		if !f.IsDir() {
			t.Errorf("unexpected file %s", f.Name())
		}
	}
}

// blockingDialog holds the save prompt open until released.
func blockingDialog(entered chan<- struct{}, release <-chan struct{}) Dialog {
	return DialogFunc(func(ctx context.Context, _ SaveOptions) (string, bool, error) {
		close(entered)
		<-release
		return "/copy.png", true, nil
	})
}

func TestSaveInvalidatedByDelete(t *testing.T) {
	s, rec, fsys := newTestSession(t, &fakeRunner{})
	if _, err := s.Start(context.Background(), validParams()); err != nil {
		t.Fatal(err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		_, err := s.SaveCurrent(context.Background(), blockingDialog(entered, release))
		errc <- err
	}()

	<-entered
	if _, err := s.DeleteCurrent(); err != nil {
		t.Fatalf("delete while dialog open: %v", err)
	}
	close(release)

	if err := <-errc; !errors.Is(err, ErrArtifactInvalidated) {
		t.Fatalf("err = %v, want ErrArtifactInvalidated", err)
	}
	if exists, _ := afero.Exists(fsys, "/copy.png"); exists {
		t.Error("no copy should be written")
	}
	if len(rec.notes) == 0 || !strings.Contains(rec.notes[len(rec.notes)-1], "deleted before saving") {
		t.Errorf("notes = %v", rec.notes)
	}
}

func TestSaveInvalidatedByNewRun(t *testing.T) {
	runner := &fakeRunner{}
	s, _, fsys := newTestSession(t, runner)
	if _, err := s.Start(context.Background(), validParams()); err != nil {
		t.Fatal(err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		_, err := s.SaveCurrent(context.Background(), blockingDialog(entered, release))
		errc <- err
	}()

	<-entered
	runner.code = 1
	if _, err := s.Start(context.Background(), validParams()); err == nil {
		t.Fatal("expected failed run")
	}
	close(release)

	if err := <-errc; !errors.Is(err, ErrArtifactInvalidated) {
		t.Fatalf("err = %v, want ErrArtifactInvalidated", err)
	}
	if exists, _ := afero.Exists(fsys, "/copy.png"); exists {
		t.Error("no copy should be written")
	}
}

func TestSaveArtifactStale(t *testing.T) {
	s, _, _ := newTestSession(t, &fakeRunner{})
	if _, err := s.Start(context.Background(), validParams()); err != nil {
		t.Fatal(err)
	}
	_, err := s.SaveArtifact(context.Background(), "/out/img_older.png", StaticDialog("/copy.png"))
	if !errors.Is(err, ErrArtifactInvalidated) {
		t.Errorf("err = %v, want ErrArtifactInvalidated", err)
	}
}
