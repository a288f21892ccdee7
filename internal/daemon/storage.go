package daemon

import "time"

type RunState string

const (
	RunRunning   RunState = "running"
	RunFinished  RunState = "finished"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// RunMeta is the stored record of one generation.
type RunMeta struct {
	ID         string     `json:"id"`
	JobID      string     `json:"job_id,omitempty"`
	PID        int        `json:"pid,omitempty"`
	Model      string     `json:"model"`
	Prompt     string     `json:"prompt"`
	State      RunState   `json:"state"`
	Artifact   string     `json:"artifact,omitempty"`
	ExitCode   int        `json:"exit_code"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ReadPos    int64      `json:"read_pos"`
}

func (m *RunMeta) Done() bool {
	return m.State != RunRunning
}

// OutputStorage keeps the backend log and metadata of each run.
type OutputStorage interface {
	Append(run string, data []byte) error
	ReadFrom(run string, offset int64) ([]byte, error)
	ReadAll(run string) ([]byte, error)
	Size(run string) (int64, error)

	Create(run string, meta *RunMeta) error
	Delete(run string) error
	Exists(run string) bool

	LoadMeta(run string) (*RunMeta, error)
	SaveMeta(run string, meta *RunMeta) error
	// UpdateMeta applies fn to the stored record atomically, so concurrent
	// handlers never write back each other's stale copies.
	UpdateMeta(run string, fn func(meta *RunMeta)) error
	ListRuns() ([]string, error)
}
