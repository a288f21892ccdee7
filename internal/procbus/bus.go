// Package procbus carries process output and exit events from spawned jobs
// to the component supervising each job.
//
// Every job gets a route keyed by its id. A route is opened before the
// process starts, buffers events until a handler subscribes, delivers them
// one at a time and is removed when the supervisor unsubscribes. Events for
// ids without a route are dropped, so late output from a resolved job never
// reaches anyone.
package procbus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

type Action int

const (
	ActionStdout Action = iota
	ActionStderr
	ActionExit
)

func (a Action) String() string {
	switch a {
	case ActionStdout:
		return "stdout"
	case ActionStderr:
		return "stderr"
	case ActionExit:
		return "exit"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Event is one message from a job. Data is set for output, Code for exit.
type Event struct {
	JobID  string
	Action Action
	Data   []byte
	Code   int
}

type Handler func(Event)

type route struct {
	mu      sync.Mutex
	handler Handler
	backlog []Event
	closed  atomic.Bool
}

type Bus struct {
	mu     sync.Mutex
	routes map[string]*route
	log    *zap.Logger
}

func New(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{routes: make(map[string]*route), log: log}
}

// Open creates the route for id. Events published before Subscribe are kept.
func (b *Bus) Open(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.routes[id]; exists {
		return fmt.Errorf("route %q already open", id)
	}
	b.routes[id] = &route{}
	return nil
}

// Subscribe attaches h to the route for id, replaying the backlog first.
// h runs with the route locked: events for one job never overlap. h may
// call Unsubscribe for its own id.
func (b *Bus) Subscribe(id string, h Handler) error {
	b.mu.Lock()
	r, ok := b.routes[id]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("route %q not open", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handler != nil {
		return fmt.Errorf("route %q already has a subscriber", id)
	}
	r.handler = h

	backlog := r.backlog
	r.backlog = nil
	for _, ev := range backlog {
		if r.closed.Load() {
			break
		}
		h(ev)
	}
	return nil
}

// Publish routes ev to its job. It reports whether the event was accepted.
func (b *Bus) Publish(ev Event) bool {
	b.mu.Lock()
	r, ok := b.routes[ev.JobID]
	b.mu.Unlock()
	if !ok {
		b.log.Debug("dropped event for unknown job",
			zap.String("job", ev.JobID), zap.Stringer("action", ev.Action))
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed.Load() {
		return false
	}
	if r.handler == nil {
		r.backlog = append(r.backlog, ev)
		return true
	}
	r.handler(ev)
	return true
}

// Unsubscribe removes the route. Later events for id are dropped.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	r, ok := b.routes[id]
	delete(b.routes, id)
	b.mu.Unlock()

	if ok {
		r.closed.Store(true)
	}
}

// Routes returns how many routes are open.
func (b *Bus) Routes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.routes)
}
