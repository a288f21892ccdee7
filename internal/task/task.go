// Package task runs cancellable background work whose completion callers
// can await before touching state the work also touches.
package task

import (
	"context"
	"sync"
	"time"
)

// Handle controls one background goroutine.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Go runs fn in a new goroutine with a context that Cancel revokes.
func Go(parent context.Context, fn func(ctx context.Context)) *Handle {
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer cancel()
		fn(ctx)
	}()

	return h
}

// Every calls fn once per interval until cancelled. The first call happens
// after one interval. Calls never overlap: ticks that fire while fn is still
// running are dropped by the ticker.
func Every(parent context.Context, interval time.Duration, fn func(ctx context.Context)) *Handle {
	return Go(parent, func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ctx.Err() != nil {
					return
				}
				fn(ctx)
			}
		}
	})
}

// Cancel revokes the context and blocks until the goroutine has returned.
// It is safe to call more than once, but not from inside fn.
func (h *Handle) Cancel() {
	h.once.Do(h.cancel)
	<-h.done
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}
