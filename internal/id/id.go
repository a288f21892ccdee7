// Package id generates sortable identifiers for jobs and runs.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	JobPrefix = "job"
	RunPrefix = "run"
)

// Generator produces prefixed ULIDs. Safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator(rand.Reader)
	})
	return defaultGenerator
}

// NewGenerator creates a generator reading entropy from r. Tests can pass a
// deterministic reader.
func NewGenerator(r io.Reader) *Generator {
	return &Generator{entropy: ulid.Monotonic(r, 0)}
}

func (g *Generator) New(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return fmt.Sprintf("%s_%s", prefix, ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy))
}

func NewJobID() string { return Default().New(JobPrefix) }

func NewRunID() string { return Default().New(RunPrefix) }

// Valid reports whether s is "<prefix>_<ulid>".
func Valid(s, prefix string) bool {
	rest, ok := strings.CutPrefix(s, prefix+"_")
	if !ok {
		return false
	}
	_, err := ulid.ParseStrict(rest)
	return err == nil
}
