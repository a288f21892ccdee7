package ui

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/schovi/sdlive/internal/output"
	"github.com/schovi/sdlive/internal/preview"
	"github.com/schovi/sdlive/internal/progress"
	"github.com/schovi/sdlive/internal/session"
)

const barWidth = 30

// Terminal shows a foreground generation: a progress bar on out and,
// when log is set, the backend output as it arrives.
type Terminal struct {
	mu     sync.Mutex
	out    io.Writer
	log    io.Writer
	last   *progress.Signal
	frames int
	inline bool
}

func NewTerminal(out, log io.Writer) *Terminal {
	return &Terminal{out: out, log: log}
}

// Update is an output.Sink.
func (t *Terminal) Update(u output.Update) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.log != nil {
		io.WriteString(t.log, u.Text)
	}
	if u.Progress == nil || (t.last != nil && *t.last == *u.Progress) {
		return
	}
	sig := *u.Progress
	t.last = &sig

	line := ProgressBar(sig, barWidth)
	if t.frames > 0 {
		line += Muted(fmt.Sprintf("  preview %d", t.frames))
	}
	if t.log == nil {
		// redraw in place
		fmt.Fprintf(t.out, "\r\033[K%s", line)
		t.inline = true
		return
	}
	fmt.Fprintln(t.out, line)
}

func (t *Terminal) Frames() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}

func (t *Terminal) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = nil
	t.frames = 0
}

func (t *Terminal) ShowFrame(*preview.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames++
}

func (t *Terminal) ShowArtifact(path string, data []byte) {
	t.println(SuccessMsg("%s %s", filepath.Base(path), Muted(fmt.Sprintf("(%d bytes)", len(data)))))
}

func (t *Terminal) ShowEmpty() {
	t.println(InfoMsg("No image"))
}

func (t *Terminal) Notify(level session.Level, msg string) {
	switch level {
	case session.LevelError:
		t.println(ErrorMsg("%s", msg))
	case session.LevelWarning:
		t.println(WarnMsg("%s", msg))
	default:
		t.println(InfoMsg("%s", msg))
	}
}

func (t *Terminal) println(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inline {
		fmt.Fprintln(t.out)
		t.inline = false
	}
	fmt.Fprintln(t.out, s)
}
