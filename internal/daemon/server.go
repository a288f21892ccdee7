package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/schovi/sdlive/internal/config"
	"github.com/schovi/sdlive/internal/engine"
	"github.com/schovi/sdlive/internal/id"
	"github.com/schovi/sdlive/internal/job"
	"github.com/schovi/sdlive/internal/output"
	"github.com/schovi/sdlive/internal/preview"
	"github.com/schovi/sdlive/internal/progress"
	"github.com/schovi/sdlive/internal/session"
	"go.uber.org/zap"
)

// FrameData is the latest preview frame, copied out of the poller.
type FrameData struct {
	Seq  uint64 `json:"seq"`
	MIME string `json:"mime"`
	Data []byte `json:"data"`
}

// Status is the daemon's answer to "status".
type Status struct {
	session.State
	Run      *RunMeta         `json:"run,omitempty"`
	Progress *progress.Signal `json:"progress,omitempty"`
	Line     string           `json:"line,omitempty"`
	Notice   string           `json:"notice,omitempty"`
}

type Server struct {
	mu       sync.Mutex
	current  string
	progress *progress.Signal
	line     string
	notice   string
	frame    *FrameData

	// serializes generate requests
	genMu sync.Mutex

	cfg        *config.Config
	engine     *engine.Engine
	engineOpts []engine.Option
	storage    OutputStorage
	socketDir  string
	listener   net.Listener
	log        *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup

	finishedTTL     time.Duration
	cleanupStopChan chan struct{}
}

type ServerOption func(*Server)

func WithStorage(storage OutputStorage) ServerOption {
	return func(s *Server) {
		s.storage = storage
	}
}

func WithFinishedTTL(ttl time.Duration) ServerOption {
	return func(s *Server) {
		s.finishedTTL = ttl
	}
}

func WithSocketDir(dir string) ServerOption {
	return func(s *Server) {
		s.socketDir = dir
	}
}

func WithConfig(cfg *config.Config) ServerOption {
	return func(s *Server) {
		s.cfg = cfg
	}
}

func WithLogger(log *zap.Logger) ServerOption {
	return func(s *Server) {
		s.log = log
	}
}

// WithEngineOptions passes extra options to the generation engine.
func WithEngineOptions(opts ...engine.Option) ServerOption {
	return func(s *Server) {
		s.engineOpts = append(s.engineOpts, opts...)
	}
}

func NewServer(opts ...ServerOption) (*Server, error) {
	s := &Server{
		cfg:             config.Default(),
		log:             zap.NewNop(),
		cleanupStopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.storage == nil {
		s.storage = NewMemoryStorage(s.cfg.Daemon.MaxOutputSize)
	}
	if s.socketDir == "" {
		dir, err := s.cfg.SocketDir()
		if err != nil {
			return nil, err
		}
		s.socketDir = dir
	}
	if err := os.MkdirAll(s.socketDir, 0755); err != nil {
		return nil, err
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.engine = engine.New(s.cfg, append([]engine.Option{
		engine.WithLogger(s.log),
		engine.WithSink(s.onUpdate),
		engine.WithView(serverView{s}),
		engine.WithSpawnHook(s.onSpawn),
	}, s.engineOpts...)...)

	if err := s.recoverRuns(); err != nil {
		return nil, fmt.Errorf("recover runs: %w", err)
	}
	return s, nil
}

// recoverRuns marks runs that were live when a previous daemon died.
func (s *Server) recoverRuns() error {
	runs, err := s.storage.ListRuns()
	if err != nil {
		return err
	}

	now := time.Now()
	for _, run := range runs {
		s.storage.UpdateMeta(run, func(meta *RunMeta) {
			if meta.State == RunRunning {
				meta.State = RunFailed
				meta.Error = "daemon stopped during generation"
				meta.FinishedAt = &now
			}
		})
	}
	return nil
}

func SocketPath(dir string) string {
	return filepath.Join(dir, SocketName)
}

func (s *Server) socketPath() string {
	return SocketPath(s.socketDir)
}

func (s *Server) Start() error {
	sockPath := s.socketPath()
	os.Remove(sockPath)

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.log.Info("daemon listening", zap.String("socket", sockPath))

	if s.finishedTTL > 0 {
		go s.runCleanup()
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.listener == nil
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) runCleanup() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.cleanupStopChan:
			return
		case <-ticker.C:
			s.cleanupExpiredRuns(time.Now())
		}
	}
}

func (s *Server) cleanupExpiredRuns(now time.Time) {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()

	runs, err := s.storage.ListRuns()
	if err != nil {
		return
	}
	for _, run := range runs {
		if run == current {
			continue
		}
		meta, err := s.storage.LoadMeta(run)
		if err != nil || !meta.Done() || meta.FinishedAt == nil {
			continue
		}
		if now.Sub(*meta.FinishedAt) > s.finishedTTL {
			s.storage.Delete(run)
			s.log.Debug("run expired", zap.String("run", run))
		}
	}
}

func (s *Server) Shutdown() {
	close(s.cleanupStopChan)
	s.cancel()
	s.engine.Close()
	s.runs.Wait()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	s.mu.Unlock()
	os.Remove(s.socketPath())
}

type Request struct {
	Action    string          `json:"action"`
	RunID     string          `json:"run_id,omitempty"`
	Params    *session.Params `json:"params,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	HeadLines int             `json:"head_lines,omitempty"`
	TailLines int             `json:"tail_lines,omitempty"`
	Dest      string          `json:"dest,omitempty"`
	Artifact  string          `json:"artifact,omitempty"`
}

type Response struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.sendResponse(conn, Response{Success: false, Error: err.Error()})
		return
	}

	var resp Response
	switch req.Action {
	case "generate":
		resp = s.handleGenerate(req)
	case "status":
		resp = s.handleStatus()
	case "list":
		resp = s.handleList()
	case "read":
		resp = s.handleRead(req)
	case "preview":
		resp = s.handlePreview()
	case "delete":
		resp = s.handleDelete()
	case "save":
		resp = s.handleSave(req)
	case "cancel":
		resp = s.handleCancel()
	case "ping":
		resp = Response{Success: true, Data: "pong"}
	default:
		resp = Response{Success: false, Error: "unknown action"}
	}

	s.sendResponse(conn, resp)
}

func (s *Server) sendResponse(conn net.Conn, resp Response) {
	json.NewEncoder(conn).Encode(resp)
}

func (s *Server) handleGenerate(req Request) Response {
	if req.Params == nil {
		return Response{Success: false, Error: "missing generation params"}
	}

	s.genMu.Lock()
	defer s.genMu.Unlock()

	sess := s.engine.Session
	if sess.State().Phase == session.PhaseGenerating {
		return Response{Success: false, Error: session.ErrBusy.Error()}
	}
	if err := req.Params.Validate(); err != nil {
		return Response{Success: false, Error: err.Error()}
	}

	run := id.NewRunID()
	meta := &RunMeta{
		ID:        run,
		Model:     req.Params.Model,
		Prompt:    req.Params.Prompt,
		State:     RunRunning,
		CreatedAt: time.Now(),
	}
	if err := s.storage.Create(run, meta); err != nil {
		return Response{Success: false, Error: fmt.Sprintf("create run: %v", err)}
	}

	// output still pending belongs to the previous run
	s.engine.Output.Flush()
	s.mu.Lock()
	previous := s.current
	s.current = run
	s.mu.Unlock()

	done, err := sess.Launch(s.ctx, *req.Params)
	if err != nil {
		s.mu.Lock()
		s.current = previous
		s.mu.Unlock()
		s.storage.Delete(run)
		return Response{Success: false, Error: err.Error()}
	}

	s.runs.Add(1)
	go s.trackRun(run, done)

	return Response{Success: true, Data: meta}
}

func (s *Server) trackRun(run string, done <-chan session.Outcome) {
	defer s.runs.Done()
	out := <-done

	now := time.Now()
	var state RunState
	err := s.storage.UpdateMeta(run, func(meta *RunMeta) {
		meta.FinishedAt = &now
		meta.Artifact = out.Artifact
		if out.JobID != "" {
			meta.JobID = out.JobID
		}

		var exitErr *job.ExitError
		switch {
		case out.Err == nil:
			meta.State = RunFinished
		case errors.Is(out.Err, context.Canceled):
			meta.State = RunCancelled
			meta.Error = out.Err.Error()
		case errors.As(out.Err, &exitErr):
			meta.State = RunFailed
			meta.ExitCode = exitErr.Code
			meta.Error = out.Err.Error()
		default:
			meta.State = RunFailed
			meta.ExitCode = job.UnknownExitCode
			meta.Error = out.Err.Error()
		}
		state = meta.State
	})
	if err != nil {
		s.log.Warn("record run outcome", zap.String("run", run), zap.Error(err))
		return
	}
	s.log.Info("run finished", zap.String("run", run), zap.String("state", string(state)))
}

func (s *Server) onSpawn(j job.Job) {
	s.mu.Lock()
	run := s.current
	s.mu.Unlock()
	if run == "" {
		return
	}

	s.storage.UpdateMeta(run, func(meta *RunMeta) {
		meta.JobID = j.ID
		meta.PID = j.PID
	})
}

func (s *Server) onUpdate(u output.Update) {
	s.mu.Lock()
	run := s.current
	if u.Progress != nil {
		p := *u.Progress
		s.progress = &p
	}
	if u.Status != "" {
		s.line = u.Status
	}
	s.mu.Unlock()

	if run == "" {
		return
	}
	if err := s.storage.Append(run, []byte(u.Text)); err != nil {
		s.log.Debug("append run output", zap.String("run", run), zap.Error(err))
	}
}

func (s *Server) handleStatus() Response {
	s.mu.Lock()
	st := Status{
		Progress: s.progress,
		Line:     s.line,
		Notice:   s.notice,
	}
	run := s.current
	s.mu.Unlock()

	st.State = s.engine.Session.State()
	if run != "" {
		if meta, err := s.storage.LoadMeta(run); err == nil {
			st.Run = meta
		}
	}
	return Response{Success: true, Data: st}
}

func (s *Server) handleList() Response {
	runs, err := s.storage.ListRuns()
	if err != nil {
		return Response{Success: false, Error: fmt.Sprintf("list runs: %v", err)}
	}

	result := make([]*RunMeta, 0, len(runs))
	for _, run := range runs {
		meta, err := s.storage.LoadMeta(run)
		if err != nil {
			continue
		}
		result = append(result, meta)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	return Response{Success: true, Data: result}
}

func (s *Server) handleRead(req Request) Response {
	run := req.RunID
	if run == "" {
		s.mu.Lock()
		run = s.current
		s.mu.Unlock()
		if run == "" {
			return Response{Success: false, Error: "no runs yet"}
		}
	} else if err := ValidateRunID(run); err != nil {
		return Response{Success: false, Error: err.Error()}
	}

	meta, err := s.storage.LoadMeta(run)
	if err != nil {
		return Response{Success: false, Error: fmt.Sprintf("load meta: %v", err)}
	}

	mode := req.Mode
	if mode == "" {
		mode = ReadModeNew
	}

	var result string
	var totalLen int64

	switch mode {
	case ReadModeNew:
		totalLen, err = s.storage.Size(run)
		if err != nil {
			return Response{Success: false, Error: fmt.Sprintf("get size: %v", err)}
		}
		if start := meta.ReadPos; start < totalLen {
			out, err := s.storage.ReadFrom(run, start)
			if err != nil {
				return Response{Success: false, Error: fmt.Sprintf("read output: %v", err)}
			}
			result = string(out)
			n := int64(len(out))
			err = s.storage.UpdateMeta(run, func(m *RunMeta) {
				// a trim since the load moved ReadPos back; another reader
				// moved it forward and has already consumed these bytes
				if m.ReadPos <= start {
					m.ReadPos += n
				}
				totalLen = m.ReadPos
				meta.State = m.State
			})
			if err != nil {
				return Response{Success: false, Error: fmt.Sprintf("save position: %v", err)}
			}
		}
	case ReadModeAll:
		out, err := s.storage.ReadAll(run)
		if err != nil {
			return Response{Success: false, Error: fmt.Sprintf("read output: %v", err)}
		}
		result = string(out)
		totalLen = int64(len(out))
	default:
		return Response{Success: false, Error: fmt.Sprintf("unknown read mode %q", mode)}
	}

	if req.HeadLines > 0 || req.TailLines > 0 {
		result = LimitLines(result, req.HeadLines, req.TailLines)
	}

	return Response{Success: true, Data: map[string]interface{}{
		"run_id":   run,
		"output":   result,
		"position": totalLen,
		"state":    meta.State,
	}}
}

// LimitLines keeps the first head or the last tail lines of output.
func LimitLines(output string, head, tail int) string {
	if output == "" {
		return ""
	}

	lines := strings.Split(output, "\n")

	if head > 0 {
		if head >= len(lines) {
			return output
		}
		return strings.Join(lines[:head], "\n")
	}

	if tail > 0 {
		if tail >= len(lines) {
			return output
		}
		return strings.Join(lines[len(lines)-tail:], "\n")
	}

	return output
}

func (s *Server) handlePreview() Response {
	s.mu.Lock()
	frame := s.frame
	s.mu.Unlock()

	if frame == nil {
		return Response{Success: false, Error: "no preview available"}
	}
	return Response{Success: true, Data: frame}
}

func (s *Server) handleDelete() Response {
	deleted, err := s.engine.Session.DeleteCurrent()
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	if deleted == "" {
		return Response{Success: true, Data: "nothing to delete"}
	}
	return Response{Success: true, Data: map[string]interface{}{"deleted": deleted}}
}

func (s *Server) handleSave(req Request) Response {
	if err := ValidateDest(req.Dest); err != nil {
		return Response{Success: false, Error: err.Error()}
	}

	artifact := req.Artifact
	if artifact == "" {
		artifact = s.engine.Session.State().Current
	}
	dest, err := s.engine.Session.SaveArtifact(s.ctx, artifact, session.StaticDialog(req.Dest))
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	return Response{Success: true, Data: map[string]interface{}{"dest": dest}}
}

func (s *Server) handleCancel() Response {
	if !s.engine.Session.Cancel() {
		return Response{Success: true, Data: "not generating"}
	}
	return Response{Success: true, Data: "cancelled"}
}

// serverView keeps what remote clients may ask for later.
type serverView struct{ s *Server }

func (v serverView) Reset() {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.frame = nil
	v.s.progress = nil
	v.s.line = ""
	v.s.notice = ""
}

func (v serverView) ShowFrame(f *preview.Frame) {
	data := f.Bytes()
	if data == nil {
		return
	}
	fd := &FrameData{Seq: f.Seq, MIME: f.MIME, Data: append([]byte(nil), data...)}

	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.frame = fd
}

func (v serverView) ShowArtifact(path string, data []byte) {
	fd := &FrameData{MIME: mimetype.Detect(data).String(), Data: data}

	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.frame != nil {
		fd.Seq = v.s.frame.Seq + 1
	}
	v.s.frame = fd
}

func (v serverView) ShowEmpty() {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.frame = nil
}

func (v serverView) Notify(level session.Level, msg string) {
	v.s.mu.Lock()
	v.s.notice = msg
	v.s.mu.Unlock()
	v.s.log.Info("notice", zap.String("level", string(level)), zap.String("msg", msg))
}
