// Package output coalesces streamed backend output into view updates.
package output

import (
	"strings"
	"sync"
	"time"

	"github.com/schovi/sdlive/internal/ansi"
	"github.com/schovi/sdlive/internal/progress"
)

// StatusWidth is how many trailing characters of a chunk make the status line.
const StatusWidth = 50

// Update is one coalesced delivery to the view.
type Update struct {
	Text     string           `json:"text"`
	Status   string           `json:"status,omitempty"`
	Progress *progress.Signal `json:"progress,omitempty"`
}

// Sink receives updates in feed order, one at a time.
type Sink func(Update)

// Scheduler runs fn once at the next rendering tick.
type Scheduler interface {
	Schedule(fn func())
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(fn func())

func (f SchedulerFunc) Schedule(fn func()) { f(fn) }

// FrameScheduler fires fn after d, standing in for a display refresh.
func FrameScheduler(d time.Duration) Scheduler {
	return SchedulerFunc(func(fn func()) { time.AfterFunc(d, fn) })
}

// Aggregator buffers fed text and emits it at most once per tick.
type Aggregator struct {
	mu      sync.Mutex
	buf     strings.Builder
	pending bool
	sched   Scheduler

	// emitMu keeps one flush emitting at a time so swapped-out chunks reach
	// the sink in the order they were swapped.
	emitMu sync.Mutex
	sink   Sink
}

func NewAggregator(sched Scheduler, sink Sink) *Aggregator {
	if sink == nil {
		sink = func(Update) {}
	}
	return &Aggregator{sched: sched, sink: sink}
}

// Feed appends chunk and schedules a flush if none is pending.
func (a *Aggregator) Feed(chunk string) {
	if chunk == "" {
		return
	}

	a.mu.Lock()
	a.buf.WriteString(chunk)
	schedule := !a.pending
	a.pending = true
	a.mu.Unlock()

	if schedule {
		a.sched.Schedule(a.flush)
	}
}

// Line feeds a UI log line.
func (a *Aggregator) Line(msg string) {
	a.Feed("\n[UI] " + msg)
}

// Flush emits whatever is buffered right now. A flush scheduled earlier
// that fires afterwards finds an empty buffer and does nothing.
func (a *Aggregator) Flush() {
	a.flush()
}

// Reset drops buffered text that has not been emitted yet.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.buf.Reset()
	a.mu.Unlock()
}

func (a *Aggregator) flush() {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	if a.buf.Len() == 0 {
		a.pending = false
		a.mu.Unlock()
		return
	}
	chunk := a.buf.String()
	a.buf.Reset()
	a.pending = false
	a.mu.Unlock()

	u := Update{Text: chunk, Status: statusLine(chunk)}
	if sig, ok := progress.Extract(chunk); ok {
		u.Progress = &sig
	}
	a.sink(u)
}

func statusLine(chunk string) string {
	clean := strings.TrimSpace(strings.ReplaceAll(ansi.Clean(chunk), "\n", " "))
	if r := []rune(clean); len(r) > StatusWidth {
		return string(r[len(r)-StatusWidth:])
	}
	return clean
}
