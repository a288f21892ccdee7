// Package preview polls the file a running backend overwrites with its
// in-progress image and hands each new version to the view as a Frame.
package preview

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schovi/sdlive/internal/task"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const DefaultInterval = time.Second

// FrameFunc displays a frame. The frame stays valid until the next frame is
// delivered or the poller stops. It must not call Stop.
type FrameFunc func(*Frame)

// Stats counts frames over the poller's lifetime.
type Stats struct {
	Created uint64
	Retired uint64
}

type Poller struct {
	fs       afero.Fs
	interval time.Duration
	log      *zap.Logger

	ctl  sync.Mutex // serializes Start and Stop
	mu   sync.Mutex
	task *task.Handle
	live *Frame

	seq     atomic.Uint64
	retired atomic.Uint64
}

type Option func(*Poller)

func WithFs(fs afero.Fs) Option {
	return func(p *Poller) { p.fs = fs }
}

func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(p *Poller) { p.log = log }
}

func NewPoller(opts ...Option) *Poller {
	p := &Poller{
		fs:       afero.NewOsFs(),
		interval: DefaultInterval,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start polls path every interval, replacing any loop already running.
func (p *Poller) Start(path string, onFrame FrameFunc) {
	p.ctl.Lock()
	defer p.ctl.Unlock()
	p.stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.task = task.Every(context.Background(), p.interval, func(ctx context.Context) {
		p.tick(ctx, path, onFrame)
	})
}

// Stop cancels polling, waits for an in-flight read to be discarded and
// retires the live frame. No frame is delivered after Stop returns.
func (p *Poller) Stop() {
	p.ctl.Lock()
	defer p.ctl.Unlock()
	p.stop()
}

func (p *Poller) stop() {
	p.mu.Lock()
	h := p.task
	p.task = nil
	p.mu.Unlock()

	if h != nil {
		h.Cancel()
	}

	p.mu.Lock()
	live := p.live
	p.live = nil
	p.mu.Unlock()

	p.release(live)
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.task != nil
}

func (p *Poller) Stats() Stats {
	return Stats{Created: p.seq.Load(), Retired: p.retired.Load()}
}

func (p *Poller) tick(ctx context.Context, path string, onFrame FrameFunc) {
	data, err := afero.ReadFile(p.fs, path)
	if err != nil || len(data) == 0 {
		// not written yet or mid-write; the next tick retries
		p.log.Debug("preview not ready", zap.String("path", path), zap.Error(err))
		return
	}

	if ctx.Err() != nil {
		return
	}

	frame := newFrame(p.seq.Add(1), data)

	p.mu.Lock()
	prev := p.live
	p.live = frame
	p.mu.Unlock()

	if onFrame != nil {
		onFrame(frame)
	}
	p.release(prev)
}

func (p *Poller) release(f *Frame) {
	if f != nil && f.retire() {
		p.retired.Add(1)
	}
}
