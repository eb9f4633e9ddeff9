// Package inflight coalesces concurrent executions that share a key. The
// first caller for a key becomes the owner and runs the function; callers
// arriving while the owner is running wait for the owner's result instead
// of executing again. Unlike a classic singleflight, waiting is
// context-aware: a waiter whose context ends abandons the wait without
// affecting the owner.
package inflight

import (
	"context"
	"sync"
)

// Group manages the set of in-flight calls keyed by canonical identity.
type Group struct {
	mu sync.Mutex
	m  map[string]*call
}

// call represents an active or completed function call.
type call struct {
	done chan struct{}
	val  interface{}
	err  error
	dups int
}

// New creates a new inflight Group.
func New() *Group {
	return &Group{
		m: make(map[string]*call),
	}
}

// Do executes and returns the result of fn, making sure that only one
// execution is in-flight for a given key at a time. Duplicate callers wait
// for the original and receive the same result; shared reports whether the
// result was produced by (or handed to) another caller. A waiter whose ctx
// ends returns ctx.Err() immediately.
//
// The key is forgotten as soon as the owner completes: a later call with
// the same key executes fresh.
func (g *Group) Do(ctx context.Context, key string, fn func() (interface{}, error)) (val interface{}, err error, shared bool) {
	g.mu.Lock()
	if c, ok := g.m[key]; ok {
		c.dups++
		g.mu.Unlock()
		select {
		case <-c.done:
			return c.val, c.err, true
		case <-ctx.Done():
			return nil, ctx.Err(), false
		}
	}

	c := &call{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()
	close(c.done)

	g.mu.Lock()
	if g.m[key] == c {
		delete(g.m, key)
	}
	shared = c.dups > 0
	g.mu.Unlock()

	return c.val, c.err, shared
}

// Forget removes the key from the group, allowing the next call with the
// same key to execute rather than wait. Callers already waiting on the
// in-flight execution still receive its result.
func (g *Group) Forget(key string) {
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}

// Pending reports the number of keys currently in flight.
func (g *Group) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}
