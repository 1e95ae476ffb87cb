// Package concurrency implements the group registry that holds the
// at-most-one-active-run-per-key invariant. Acquisition is FIFO; an
// acquirer asking for cancelInProgress has the current holder signalled so
// it can wind down and release early.
package concurrency

import (
	"context"
	"sync"
)

// Registry tracks group keys and their holders. Construct one per engine;
// it is deliberately not a package singleton so orchestrators in the same
// process (and tests) stay isolated.
type Registry struct {
	mu     sync.Mutex
	groups map[string]*group
}

type group struct {
	holder *Token
	// signalled records that the current holder was already asked to
	// cancel, so stacked preempting acquirers do not repeat the signal.
	signalled bool
	waiters   []*Token
}

// Token represents either holding a group key or a queued claim on one.
// Release it exactly once after the work under the key finishes.
type Token struct {
	registry *Registry
	key      string
	runID    string
	preempt  bool
	onCancel func()
	ready    chan struct{}
	released bool
}

// NewRegistry returns an empty group registry.
func NewRegistry() *Registry {
	return &Registry{groups: make(map[string]*group)}
}

// Acquire blocks until key is free or ctx is done. onCancel is invoked at
// most once if a later acquirer requests cancelInProgress while this caller
// holds the key; the callback must not block and must eventually lead to
// Release. A grant with cancelInProgress set still waits for the holder's
// Release, so cancellation stays cooperative.
func (r *Registry) Acquire(ctx context.Context, key, runID string, cancelInProgress bool, onCancel func()) (*Token, error) {
	t := &Token{
		registry: r,
		key:      key,
		runID:    runID,
		preempt:  cancelInProgress,
		onCancel: onCancel,
		ready:    make(chan struct{}),
	}

	r.mu.Lock()
	g, ok := r.groups[key]
	if !ok {
		g = &group{}
		r.groups[key] = g
	}
	if g.holder == nil {
		g.holder = t
		close(t.ready)
		r.mu.Unlock()
		return t, nil
	}

	g.waiters = append(g.waiters, t)
	var signal func()
	if cancelInProgress && !g.signalled {
		g.signalled = true
		signal = g.holder.onCancel
	}
	r.mu.Unlock()

	if signal != nil {
		signal()
	}

	select {
	case <-t.ready:
		return t, nil
	case <-ctx.Done():
		r.abandon(t)
		return nil, ctx.Err()
	}
}

// Release frees the key and grants it to the oldest waiter, if any.
// Releasing twice is a no-op.
func (t *Token) Release() {
	t.registry.mu.Lock()
	defer t.registry.mu.Unlock()
	t.registry.releaseLocked(t)
}

// Key returns the group key this token claims.
func (t *Token) Key() string { return t.key }

func (r *Registry) releaseLocked(t *Token) {
	if t.released {
		return
	}
	t.released = true

	g, ok := r.groups[t.key]
	if !ok || g.holder != t {
		return
	}

	if len(g.waiters) == 0 {
		delete(r.groups, t.key)
		return
	}

	next := g.waiters[0]
	g.waiters = g.waiters[1:]
	g.holder = next
	g.signalled = false

	// A preempting acquirer still queued behind the new holder wants that
	// holder cancelled too.
	for _, w := range g.waiters {
		if w.preempt {
			g.signalled = true
			if cb := next.onCancel; cb != nil {
				go cb()
			}
			break
		}
	}
	close(next.ready)
}

// abandon withdraws a claim whose context ended first. If the grant raced
// the withdrawal, the key is passed straight to the next waiter.
func (r *Registry) abandon(t *Token) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[t.key]
	if !ok {
		return
	}
	for i, queued := range g.waiters {
		if queued == t {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
	if g.holder == t {
		r.releaseLocked(t)
	}
}

// Holder reports which run currently holds key.
func (r *Registry) Holder(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[key]
	if !ok || g.holder == nil {
		return "", false
	}
	return g.holder.runID, true
}

// Waiting returns how many acquirers are queued on key.
func (r *Registry) Waiting(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[key]
	if !ok {
		return 0
	}
	return len(g.waiters)
}
