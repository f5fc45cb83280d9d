// Package flight implements keyed single-flight execution with waiter
// refcounting. Concurrent callers for the same key share one in-flight
// operation and all receive its result. A caller whose context is cancelled
// stops waiting without disturbing the shared work; only when the last
// remaining waiter leaves is the shared work itself cancelled.
package flight

import (
	"context"
	"sync"
)

type call[V any] struct {
	cancel  context.CancelFunc
	done    chan struct{}
	waiters int
	val     V
	err     error
}

// Group runs one function per key at a time, sharing the result with every
// concurrent caller. Results are not cached across completed calls; layering
// a cache on top is the caller's business.
type Group[V any] struct {
	mu    sync.Mutex
	calls map[string]*call[V]
}

// Do runs fn for key, or joins an in-flight run. fn receives a context that
// stays live while at least one waiter remains and is cancelled when the last
// waiter's context is cancelled. Do returns fn's result, or ctx.Err() if this
// caller gave up first.
func (g *Group[V]) Do(ctx context.Context, key string, fn func(ctx context.Context) (V, error)) (V, error) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[string]*call[V])
	}
	c, ok := g.calls[key]
	if !ok {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &call[V]{cancel: cancel, done: make(chan struct{})}
		g.calls[key] = c
		go func() {
			val, err := fn(runCtx)
			g.mu.Lock()
			c.val, c.err = val, err
			if g.calls[key] == c {
				delete(g.calls, key)
			}
			g.mu.Unlock()
			cancel()
			close(c.done)
		}()
	}
	c.waiters++
	g.mu.Unlock()

	select {
	case <-c.done:
		g.mu.Lock()
		c.waiters--
		g.mu.Unlock()
		return c.val, c.err
	case <-ctx.Done():
		g.mu.Lock()
		c.waiters--
		last := c.waiters == 0
		if last {
			// Nobody is listening anymore; stop the shared work and make
			// sure no late joiner attaches to a dying call.
			if g.calls[key] == c {
				delete(g.calls, key)
			}
		}
		g.mu.Unlock()
		if last {
			c.cancel()
		}
		var zero V
		return zero, ctx.Err()
	}
}
