// Package job spawns the image-generation backend and turns its event
// stream into a single outcome: the output artifact or an exit failure.
package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/schovi/sdlive/internal/output"
	"github.com/schovi/sdlive/internal/preview"
	"github.com/schovi/sdlive/internal/procbus"
	"go.uber.org/zap"
)

// Request describes one run.
type Request struct {
	Command     Command
	OutputPath  string
	PreviewPath string
	OnFrame     preview.FrameFunc
}

// Result is the outcome of a successful run.
type Result struct {
	Job        Job
	OutputPath string
}

// Supervisor owns at most one job per Run call. Callers are responsible
// for not overlapping runs.
type Supervisor struct {
	spawner Spawner
	bus     *procbus.Bus
	poller  *preview.Poller
	agg     *output.Aggregator
	onSpawn func(Job)
	log     *zap.Logger

	mu     sync.Mutex
	active *Job
}

type Option func(*Supervisor)

// WithSpawnHook is called once the process is running, before any of its
// output is routed.
func WithSpawnHook(fn func(Job)) Option {
	return func(s *Supervisor) { s.onSpawn = fn }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

func NewSupervisor(spawner Spawner, bus *procbus.Bus, poller *preview.Poller, agg *output.Aggregator, opts ...Option) *Supervisor {
	s := &Supervisor{
		spawner: spawner,
		bus:     bus,
		poller:  poller,
		agg:     agg,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Active returns the running job, if any.
func (s *Supervisor) Active() (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return Job{}, false
	}
	return *s.active, true
}

// Run spawns req.Command and blocks until it exits or ctx is done.
// A non-zero exit yields *ExitError; spawn failures wrap ErrSpawn.
func (s *Supervisor) Run(ctx context.Context, req Request) (Result, error) {
	h, err := s.spawner.Spawn(ctx, req.Command)
	if err != nil {
		return Result{}, err
	}

	j := &Job{
		ID:        h.ID,
		PID:       h.PID,
		Command:   req.Command,
		State:     StateSpawned,
		StartedAt: time.Now(),
	}
	s.setActive(j)
	defer s.setActive(nil)

	exitCh := make(chan int, 1)
	handler := func(ev procbus.Event) {
		switch ev.Action {
		case procbus.ActionStdout, procbus.ActionStderr:
			s.agg.Feed(string(ev.Data))
		case procbus.ActionExit:
			s.bus.Unsubscribe(ev.JobID)
			exitCh <- ev.Code
		}
	}

	if req.PreviewPath != "" {
		s.poller.Start(req.PreviewPath, req.OnFrame)
	}

	s.mu.Lock()
	j.State = StateRunning
	snapshot := *j
	s.mu.Unlock()
	s.log.Info("job spawned", zap.String("job", h.ID), zap.Int("pid", h.PID))
	if s.onSpawn != nil {
		s.onSpawn(snapshot)
	}

	if err := s.bus.Subscribe(h.ID, handler); err != nil {
		s.poller.Stop()
		s.bus.Unsubscribe(h.ID)
		return Result{}, fmt.Errorf("subscribe %s: %w", h.ID, err)
	}

	var code int
	select {
	case code = <-exitCh:
	case <-ctx.Done():
		s.bus.Unsubscribe(h.ID)
		s.poller.Stop()
		s.agg.Flush()
		s.log.Warn("job abandoned", zap.String("job", h.ID), zap.Error(ctx.Err()))
		return Result{Job: snapshot}, ctx.Err()
	}

	s.poller.Stop()
	s.agg.Flush()

	s.mu.Lock()
	j.State = StateExited
	j.ExitCode = code
	j.ExitedAt = time.Now()
	done := *j
	s.mu.Unlock()
	s.log.Info("job exited", zap.String("job", h.ID), zap.Int("code", code))

	if code != 0 {
		return Result{Job: done}, &ExitError{JobID: h.ID, Code: code}
	}
	return Result{Job: done, OutputPath: req.OutputPath}, nil
}

func (s *Supervisor) setActive(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = j
}
