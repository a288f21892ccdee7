package job

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrSpawn wraps every failure to start the backend process.
var ErrSpawn = errors.New("spawn failed")

// ExitError is returned when the backend exits with a non-zero code.
type ExitError struct {
	JobID string
	Code  int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("job %s exited with code %d", e.JobID, e.Code)
}

type State string

const (
	StateSpawned State = "spawned"
	StateRunning State = "running"
	StateExited  State = "exited"
)

// Command is what to execute. Args excludes the program itself.
type Command struct {
	Path string   `json:"path"`
	Args []string `json:"args"`
	Dir  string   `json:"dir,omitempty"`
	Env  []string `json:"env,omitempty"`
}

func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	for _, p := range append([]string{c.Path}, c.Args...) {
		if p == "" || strings.ContainsAny(p, " \t\"'") {
			p = fmt.Sprintf("%q", p)
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, " ")
}

// Handle identifies a spawned process.
type Handle struct {
	ID  string
	PID int
}

// Job is the supervisor's record of one backend invocation.
type Job struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	Command   Command   `json:"command"`
	State     State     `json:"state"`
	ExitCode  int       `json:"exit_code"`
	StartedAt time.Time `json:"started_at"`
	ExitedAt  time.Time `json:"exited_at,omitzero"`
}
