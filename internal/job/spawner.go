package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/schovi/sdlive/internal/id"
	"github.com/schovi/sdlive/internal/procbus"
	"go.uber.org/zap"
)

// Spawner starts a process and publishes its output and exit on a bus
// under the returned id. The exit event is the last one for that id.
type Spawner interface {
	Spawn(ctx context.Context, cmd Command) (Handle, error)
}

// ExecSpawner runs commands with os/exec.
type ExecSpawner struct {
	bus    *procbus.Bus
	usePTY bool
	newID  func() string
	log    *zap.Logger
}

type SpawnerOption func(*ExecSpawner)

// WithPTY runs the backend on a pseudo-terminal. Backends flush progress
// bars promptly on a tty; stdout and stderr arrive merged as stdout.
func WithPTY(enabled bool) SpawnerOption {
	return func(s *ExecSpawner) { s.usePTY = enabled }
}

func WithSpawnerLogger(log *zap.Logger) SpawnerOption {
	return func(s *ExecSpawner) { s.log = log }
}

func NewExecSpawner(bus *procbus.Bus, opts ...SpawnerOption) *ExecSpawner {
	s := &ExecSpawner{bus: bus, newID: id.NewJobID, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ExecSpawner) Spawn(ctx context.Context, c Command) (Handle, error) {
	if c.Path == "" {
		return Handle{}, fmt.Errorf("%w: empty command", ErrSpawn)
	}

	jobID := s.newID()
	if err := s.bus.Open(jobID); err != nil {
		return Handle{}, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)

	var streams []stream
	var closers []io.Closer
	var err error
	if s.usePTY {
		streams, closers, err = startPTY(cmd)
	} else {
		streams, closers, err = startPipes(cmd)
	}
	if err != nil {
		s.bus.Unsubscribe(jobID)
		return Handle{}, fmt.Errorf("%w: %s: %w", ErrSpawn, c.Path, err)
	}

	s.log.Info("job spawned", zap.String("job", jobID), zap.Int("pid", cmd.Process.Pid))

	go s.supervise(jobID, cmd, streams, closers)

	return Handle{ID: jobID, PID: cmd.Process.Pid}, nil
}

type stream struct {
	r      io.Reader
	action procbus.Action
}

func startPipes(cmd *exec.Cmd) ([]stream, []io.Closer, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return []stream{
		{stdout, procbus.ActionStdout},
		{stderr, procbus.ActionStderr},
	}, nil, nil
}

func startPTY(cmd *exec.Cmd) ([]stream, []io.Closer, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, nil, err
	}
	return []stream{{ptmx, procbus.ActionStdout}}, []io.Closer{ptmx}, nil
}

func (s *ExecSpawner) supervise(jobID string, cmd *exec.Cmd, streams []stream, closers []io.Closer) {
	var wg sync.WaitGroup
	for _, st := range streams {
		wg.Add(1)
		go func(st stream) {
			defer wg.Done()
			s.pump(jobID, st)
		}(st)
	}

	// pipes must be drained before Wait closes them; a pty read ends with
	// EIO once the child exits
	wg.Wait()
	err := cmd.Wait()
	for _, c := range closers {
		c.Close()
	}

	code := exitCode(err)
	s.log.Info("job exited", zap.String("job", jobID), zap.Int("code", code))
	s.bus.Publish(procbus.Event{JobID: jobID, Action: procbus.ActionExit, Code: code})
}

func (s *ExecSpawner) pump(jobID string, st stream) {
	buf := make([]byte, ReadBufferSize)
	for {
		n, err := st.r.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			s.bus.Publish(procbus.Event{JobID: jobID, Action: st.action, Data: data})
		}
		if err != nil {
			return
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return UnknownExitCode
}
