// Package engine assembles the generation pipeline from configuration.
package engine

import (
	"context"

	"github.com/schovi/sdlive/internal/config"
	"github.com/schovi/sdlive/internal/job"
	"github.com/schovi/sdlive/internal/output"
	"github.com/schovi/sdlive/internal/preview"
	"github.com/schovi/sdlive/internal/procbus"
	"github.com/schovi/sdlive/internal/session"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Engine owns one pipeline: a bus, a backend spawner, the preview poller,
// the output aggregator, the supervisor and the session on top.
type Engine struct {
	Bus        *procbus.Bus
	Poller     *preview.Poller
	Output     *output.Aggregator
	Supervisor *job.Supervisor
	Session    *session.Session
}

type options struct {
	fs         afero.Fs
	log        *zap.Logger
	sink       output.Sink
	view       session.View
	onSpawn    func(job.Job)
	scheduler  output.Scheduler
	newSpawner func(*procbus.Bus) job.Spawner
}

type Option func(*options)

func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithSink receives coalesced backend output.
func WithSink(sink output.Sink) Option {
	return func(o *options) { o.sink = sink }
}

func WithView(v session.View) Option {
	return func(o *options) { o.view = v }
}

func WithSpawnHook(fn func(job.Job)) Option {
	return func(o *options) { o.onSpawn = fn }
}

// WithScheduler replaces the frame-paced output scheduler.
func WithScheduler(s output.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// WithSpawner replaces the process spawner. The function receives the
// engine's bus, which the spawner must publish to.
func WithSpawner(fn func(*procbus.Bus) job.Spawner) Option {
	return func(o *options) { o.newSpawner = fn }
}

func New(cfg *config.Config, opts ...Option) *Engine {
	o := options{
		fs:   afero.NewOsFs(),
		log:  zap.NewNop(),
		sink: func(output.Update) {},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.scheduler == nil {
		o.scheduler = output.FrameScheduler(cfg.Output.FrameInterval)
	}
	if o.newSpawner == nil {
		o.newSpawner = func(bus *procbus.Bus) job.Spawner {
			return job.NewExecSpawner(bus,
				job.WithPTY(cfg.Backend.UsePTY),
				job.WithSpawnerLogger(o.log.Named("spawner")))
		}
	}

	e := &Engine{Bus: procbus.New(o.log.Named("bus"))}
	e.Poller = preview.NewPoller(
		preview.WithFs(o.fs),
		preview.WithInterval(cfg.Preview.Interval),
		preview.WithLogger(o.log.Named("preview")),
	)
	e.Output = output.NewAggregator(o.scheduler, o.sink)

	supOpts := []job.Option{job.WithLogger(o.log.Named("job"))}
	if o.onSpawn != nil {
		supOpts = append(supOpts, job.WithSpawnHook(o.onSpawn))
	}
	e.Supervisor = job.NewSupervisor(o.newSpawner(e.Bus), e.Bus, e.Poller, e.Output, supOpts...)

	sessOpts := []session.Option{
		session.WithFs(o.fs),
		session.WithConsole(e.Output),
		session.WithLogger(o.log.Named("session")),
	}
	if o.view != nil {
		sessOpts = append(sessOpts, session.WithView(o.view))
	}
	e.Session = session.New(e.Supervisor, session.Layout{
		Backend:     cfg.Backend.Exe,
		OutputDir:   cfg.Paths.OutputDir,
		PreviewPath: cfg.PreviewPath(),
	}, sessOpts...)
	return e
}

// Generate runs one generation to completion and delivers every pending
// output line, including the session's closing Saved:/Failed: line, before
// returning.
func (e *Engine) Generate(ctx context.Context, p session.Params) (string, error) {
	path, err := e.Session.Start(ctx, p)
	e.Output.Flush()
	return path, err
}

// Close cancels a running generation and stops the preview poller.
func (e *Engine) Close() {
	e.Session.Cancel()
	e.Poller.Stop()
}
