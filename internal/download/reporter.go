// Package download ties the harvester together: it enumerates tiles from a
// bounding box, feeds the worker pool, and owns the run lifecycle with
// pause, resume and cancel.
package download

import "sync"

// Snapshot is one progress observation, delivered to subscribers.
type Snapshot struct {
	Downloaded int64   `json:"downloaded"`
	Failed     int64   `json:"failed"`
	Skipped    int64   `json:"skipped"`
	Total      int64   `json:"total"`
	Bytes      int64   `json:"total_bytes"`
	Percentage float64 `json:"percentage"`
	Completed  bool    `json:"completed"`
}

// Reporter fans progress out to a single subscriber through a bounded
// buffer. Publishing never blocks a worker: when the buffer is full the
// oldest snapshot is dropped, since only the latest matters.
type Reporter struct {
	mu     sync.Mutex
	ch     chan Snapshot
	closed bool
	final  sync.Once
}

// NewReporter creates a reporter with the given buffer size.
func NewReporter(buffer int) *Reporter {
	if buffer <= 0 {
		buffer = 64
	}
	return &Reporter{ch: make(chan Snapshot, buffer)}
}

// Snapshots is the subscriber side.
func (r *Reporter) Snapshots() <-chan Snapshot {
	return r.ch
}

// Publish queues a snapshot, evicting the oldest one if the subscriber is
// slow.
func (r *Reporter) Publish(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for {
		select {
		case r.ch <- s:
			return
		default:
		}
		select {
		case <-r.ch:
		default:
		}
	}
}

// Complete delivers the final snapshot exactly once and closes the stream.
// Later Publish and Complete calls are no-ops.
func (r *Reporter) Complete(s Snapshot) {
	r.final.Do(func() {
		s.Completed = true
		r.Publish(s)
		r.mu.Lock()
		r.closed = true
		close(r.ch)
		r.mu.Unlock()
	})
}
