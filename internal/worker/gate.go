// Package worker provides the parallel tile download pool: a pause gate,
// an HTTP fetcher and the retrying workers that drive tiles from queue to
// sink.
package worker

import "sync"

// Gate coordinates pause, resume and stop across the workers. Workers park
// on Wait while paused; Stop wakes everyone for shutdown.
type Gate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	paused  bool
	stopped bool
}

// NewGate returns a running (not paused) gate.
func NewGate() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Pause parks workers at their next gate check.
func (g *Gate) Pause() {
	g.mu.Lock()
	g.paused = true
	g.mu.Unlock()
}

// Resume wakes paused workers.
func (g *Gate) Resume() {
	g.mu.Lock()
	g.paused = false
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Stop permanently releases the gate; Wait returns false from now on.
func (g *Gate) Stop() {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Paused reports whether the gate is currently pausing workers.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused && !g.stopped
}

// Stopped reports whether Stop was called.
func (g *Gate) Stopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped
}

// Wait blocks while the gate is paused. It returns true when the caller
// may proceed and false when the gate was stopped.
func (g *Gate) Wait() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.paused && !g.stopped {
		g.cond.Wait()
	}
	return !g.stopped
}
