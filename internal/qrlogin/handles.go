package qrlogin

import (
	"context"
	"sync"

	"github.com/tiermate/tiermate-auth/internal/log"
)

// Handle is a running producer that can be cancelled
type Handle struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the producer. It does not wait for it to exit.
func (h *Handle) Cancel() {
	log.LogTraceWithFields("qr_login", "Cancelling producer", map[string]any{"producer": h.name})
	h.cancel()
}

// Done is closed once the producer has returned
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Group owns the producers of one login attempt
type Group struct {
	mu      sync.Mutex
	handles []*Handle
	closed  bool
}

// Add registers h. A handle added after CancelAll is cancelled immediately.
func (g *Group) Add(h *Handle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		h.Cancel()
		return
	}
	g.handles = append(g.handles, h)
}

// CancelAll cancels every registered handle
func (g *Group) CancelAll() {
	g.mu.Lock()
	handles := g.handles
	g.handles = nil
	g.closed = true
	g.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}

// Len returns how many handles are registered and not yet cancelled
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.handles)
}

// spawn runs fn in a goroutine tracked by wg and registered in g
func spawn(ctx context.Context, wg *sync.WaitGroup, g *Group, name string, fn func(ctx context.Context)) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{name: name, cancel: cancel, done: make(chan struct{})}
	g.Add(h)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(h.done)
		defer cancel()
		fn(ctx)
	}()
	return h
}
