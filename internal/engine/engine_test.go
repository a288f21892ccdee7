package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schovi/sdlive/internal/config"
	"github.com/schovi/sdlive/internal/output"
	"github.com/schovi/sdlive/internal/session"
)

const fakeBackend = `#!/bin/sh
out=""
prompt=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift ;;
    -p) prompt="$2"; shift ;;
  esac
  shift
done
echo "sampling 1/3"
echo "sampling 2/3"
echo "sampling 3/3"
if [ "$prompt" = "fail" ]; then
  echo "out of memory" >&2
  exit 3
fi
printf 'PNG' > "$out"
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	exe := filepath.Join(dir, "sd")
	if err := os.WriteFile(exe, []byte(fakeBackend), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Backend.Exe = exe
	cfg.Paths.OutputDir = filepath.Join(dir, "outputs")
	cfg.Paths.TempDir = filepath.Join(dir, "temp")
	cfg.Preview.Interval = 10 * time.Millisecond
	cfg.Output.FrameInterval = time.Millisecond
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

type sink struct {
	mu   sync.Mutex
	text strings.Builder
	last string
}

func (s *sink) update(u output.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text.WriteString(u.Text)
	if u.Progress != nil {
		s.last = u.Progress.String()
	}
}

func params(prompt string) session.Params {
	p := session.DefaultParams()
	p.Model = "model.gguf"
	p.Prompt = prompt
	return p
}

func TestEngineGenerates(t *testing.T) {
	cfg := testConfig(t)
	out := &sink{}
	e := New(cfg, WithSink(out.update))
	defer e.Close()

	path, err := e.Session.Start(context.Background(), params("a red fox"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if filepath.Dir(path) != cfg.Paths.OutputDir {
		t.Errorf("artifact %q not in %q", path, cfg.Paths.OutputDir)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "PNG" {
		t.Fatalf("artifact = %q, %v", data, err)
	}

	out.mu.Lock()
	last := out.last
	text := out.text.String()
	out.mu.Unlock()
	if last != "Step 3/3" {
		t.Errorf("last progress = %q", last)
	}
	if !strings.Contains(text, "[UI] CMD: "+cfg.Backend.Exe) {
		t.Errorf("output missing command line: %q", text)
	}
}

func TestEngineBackendFailure(t *testing.T) {
	cfg := testConfig(t)
	e := New(cfg)
	defer e.Close()

	_, err := e.Session.Start(context.Background(), params("fail"))
	if err == nil || !strings.Contains(err.Error(), "code 3") {
		t.Fatalf("err = %v, want exit code 3", err)
	}
	if st := e.Session.State(); st.Phase != session.PhaseIdle || st.Current != "" {
		t.Errorf("state = %+v", st)
	}
	if e.Bus.Routes() != 0 {
		t.Errorf("routes left: %d", e.Bus.Routes())
	}
}

func TestEngineMissingBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend.Exe = filepath.Join(t.TempDir(), "missing")
	e := New(cfg)
	defer e.Close()

	if _, err := e.Session.Start(context.Background(), params("a red fox")); err == nil {
		t.Fatal("expected spawn error")
	}
	if e.Poller.Running() {
		t.Error("poller should not run after a spawn failure")
	}
}

func TestEngineGenerateDeliversClosingLine(t *testing.T) {
	cfg := testConfig(t)
	out := &sink{}
	// ticks never fire, so only explicit flushes reach the sink
	e := New(cfg, WithSink(out.update), WithScheduler(output.SchedulerFunc(func(func()) {})))
	defer e.Close()

	path, err := e.Generate(context.Background(), params("a red fox"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	out.mu.Lock()
	defer out.mu.Unlock()
	if !strings.Contains(out.text.String(), "sampling 3/3") {
		t.Errorf("backend output missing: %q", out.text.String())
	}
	if !strings.Contains(out.text.String(), "Saved: "+filepath.Base(path)) {
		t.Errorf("closing line missing: %q", out.text.String())
	}
}

func TestEngineGenerateFailureLine(t *testing.T) {
	cfg := testConfig(t)
	out := &sink{}
	e := New(cfg, WithSink(out.update), WithScheduler(output.SchedulerFunc(func(func()) {})))
	defer e.Close()

	if _, err := e.Generate(context.Background(), params("fail")); err == nil {
		t.Fatal("expected failure")
	}

	out.mu.Lock()
	defer out.mu.Unlock()
	if !strings.Contains(out.text.String(), "Failed: Code 3") {
		t.Errorf("closing line missing: %q", out.text.String())
	}
}
