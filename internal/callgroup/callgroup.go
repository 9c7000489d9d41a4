// Package callgroup provides call deduplication by key.
//
// If multiple goroutines request the same key concurrently, only one
// executes the function. The others wait and receive the same result.
// Once the function returns, the key is forgotten and future calls
// trigger a new execution.
package callgroup

import "sync"

// Group deduplicates concurrent function calls by key.
type Group[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]
}

type call[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// Do executes fn if no call is in flight for key and returns its result.
// If a call is already in flight, Do waits for it and returns the same
// result; shared reports whether the result came from another caller.
func (g *Group[K, V]) Do(key K, fn func() (V, error)) (v V, err error, shared bool) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call[V])
	}
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		<-c.done
		return c.val, c.err, true
	}

	c := &call[V]{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	defer func() {
		close(c.done)
		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()
	}()

	c.val, c.err = fn()
	return c.val, c.err, false
}
