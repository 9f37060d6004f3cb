package worker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MeKo-Tech/tileharvest/internal/ledger"
	"github.com/MeKo-Tech/tileharvest/internal/sink"
	"github.com/MeKo-Tech/tileharvest/internal/tile"
)

const (
	// DefaultRetries is the number of refetch attempts after the first
	// failure.
	DefaultRetries = 3

	// DefaultRetryBase seeds the exponential backoff between attempts.
	DefaultRetryBase = 500 * time.Millisecond

	// DefaultQueueSize bounds the task channel so enumeration cannot
	// outrun the workers without bound.
	DefaultQueueSize = 1024

	maxBackoff = 5 * time.Second

	// pullInterval is how long an idle worker waits for a task before
	// rechecking for shutdown.
	pullInterval = 200 * time.Millisecond

	// backoffSlice is the granularity of interruptible backoff sleeps.
	backoffSlice = 100 * time.Millisecond

	workersHardCap = 64
)

// ClampWorkers bounds a requested worker count to something sane for the
// host: at least one, at most four per CPU, never above the hard cap.
func ClampWorkers(requested int) int {
	w := requested
	if w <= 0 {
		w = 1
	}
	if limit := 4 * runtime.NumCPU(); w > limit {
		w = limit
	}
	if w > workersHardCap {
		w = workersHardCap
	}
	if w < 1 {
		w = 1
	}
	return w
}

// Task is one tile to download.
type Task struct {
	Coords tile.Coords
	URL    string
}

// Config wires a pool to its collaborators.
type Config struct {
	Workers   int
	Fetcher   *Fetcher
	Sink      sink.Sink
	Ledger    *ledger.Ledger
	Gate      *Gate
	QueueSize int
	Retries   int
	RetryBase time.Duration
	Logger    *slog.Logger

	// OnTileDone fires after every task resolution, successful or not.
	OnTileDone func()
}

// Pool runs the download workers. Tasks stream in through Submit; the pool
// drains until CloseIntake and the queue empties, or the gate stops.
type Pool struct {
	workers    int
	fetcher    *Fetcher
	sink       sink.Sink
	ledger     *ledger.Ledger
	gate       *Gate
	retries    int
	retryBase  time.Duration
	log        *slog.Logger
	onTileDone func()

	tasks     chan Task
	wg        sync.WaitGroup
	submitted atomic.Int64
	resolved  atomic.Int64
	failed    atomic.Int64

	// closeMu serializes sends against CloseIntake so no sender can hit
	// the channel after it closes.
	closeMu sync.RWMutex
	closed  bool
}

// New builds a pool; Start launches it.
func New(cfg Config) *Pool {
	if cfg.Gate == nil {
		cfg.Gate = NewGate()
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Pool{
		workers:    ClampWorkers(cfg.Workers),
		fetcher:    cfg.Fetcher,
		sink:       cfg.Sink,
		ledger:     cfg.Ledger,
		gate:       cfg.Gate,
		retries:    cfg.Retries,
		retryBase:  cfg.RetryBase,
		log:        log,
		onTileDone: cfg.OnTileDone,
		tasks:      make(chan Task, cfg.QueueSize),
	}
}

// Workers returns the effective worker count after clamping.
func (p *Pool) Workers() int {
	return p.workers
}

// Start launches the workers. ctx cancellation aborts in-flight requests.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker(ctx)
		}()
	}
}

// Submit queues a task, waiting while the queue is full. It returns false
// once the pool is shutting down or intake has closed.
func (p *Pool) Submit(ctx context.Context, t Task) bool {
	for {
		if p.gate.Stopped() || ctx.Err() != nil {
			return false
		}
		sent, open := p.trySend(t)
		if sent {
			p.submitted.Add(1)
			return true
		}
		if !open {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pullInterval):
			// queue full, recheck for shutdown
		}
	}
}

// trySend attempts a non-blocking enqueue under the close lock. open
// reports whether intake still accepts tasks.
func (p *Pool) trySend(t Task) (sent, open bool) {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return false, false
	}
	select {
	case p.tasks <- t:
		return true, true
	default:
		return false, true
	}
}

// CloseIntake signals that no more tasks will arrive. Workers exit once
// the queue drains.
func (p *Pool) CloseIntake() {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Idle reports whether every submitted task has been resolved. Counter
// based rather than channel based, so the window between a worker pulling
// a task and starting on it cannot fake completion.
func (p *Pool) Idle() bool {
	return p.resolved.Load() == p.submitted.Load()
}

// Failed returns the number of tiles given up on.
func (p *Pool) Failed() int64 {
	return p.failed.Load()
}

func (p *Pool) worker(ctx context.Context) {
	for {
		if !p.gate.Wait() {
			return
		}
		select {
		case t, ok := <-p.tasks:
			if !ok {
				return
			}
			if p.gate.Paused() {
				// A pause that lands between pull and fetch puts the
				// tile back so nothing is stranded in a parked worker.
				// With the queue full or intake closed the worker parks
				// on the gate and handles the task itself after resume.
				if sent, _ := p.trySend(t); sent {
					continue
				}
				if !p.gate.Wait() {
					return
				}
			}
			p.process(ctx, t)
			p.resolved.Add(1)
			if p.onTileDone != nil {
				p.onTileDone()
			}
		case <-time.After(pullInterval):
			if p.gate.Stopped() {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// process drives one task through fetch, store and mark, retrying with
// jittered exponential backoff. Interruptions from pause do not burn an
// attempt.
func (p *Pool) process(ctx context.Context, t Task) {
	// A file left behind by an earlier run counts as done.
	if p.sink.Exists(t.Coords) {
		if err := p.ledger.Mark(t.Coords, ledger.StatusSkipped); err != nil {
			p.log.Warn("failed to record skipped tile", "tile", t.Coords.String(), "error", err)
		}
		return
	}

	attempt := 0
	for {
		data, err := p.fetcher.Fetch(ctx, t.URL)
		if err == nil {
			if err := p.sink.Put(t.Coords, data); err != nil {
				p.log.Error("failed to store tile", "tile", t.Coords.String(), "error", err)
				p.fail(t.Coords)
				return
			}
			p.ledger.AddBytes(int64(len(data)))
			if err := p.ledger.Mark(t.Coords, ledger.StatusSuccess); err != nil {
				p.log.Warn("failed to record tile", "tile", t.Coords.String(), "error", err)
			}
			return
		}

		if errors.Is(err, ErrInterrupted) {
			if p.gate.Stopped() || ctx.Err() != nil {
				return
			}
			if !p.gate.Wait() {
				return
			}
			continue
		}

		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.Permanent() {
			p.log.Warn("tile permanently unavailable",
				"tile", t.Coords.String(), "status", httpErr.StatusCode)
			p.fail(t.Coords)
			return
		}

		if attempt >= p.retries {
			p.log.Warn("giving up on tile",
				"tile", t.Coords.String(), "attempts", attempt+1, "error", err)
			p.fail(t.Coords)
			return
		}

		if !p.backoff(ctx, attempt) {
			return
		}
		attempt++
	}
}

// fail records a tile given up on. Failed tiles land in the ledger so a
// resumed run does not hammer a dead URL again.
func (p *Pool) fail(c tile.Coords) {
	p.failed.Add(1)
	if err := p.ledger.Mark(c, ledger.StatusFailed); err != nil {
		p.log.Warn("failed to record failed tile", "tile", c.String(), "error", err)
	}
}

// backoff sleeps min(base * 2^attempt * jitter, cap), in small slices so
// stop and cancellation cut it short. Returns false when interrupted.
func (p *Pool) backoff(ctx context.Context, attempt int) bool {
	d := time.Duration(float64(p.retryBase) * math.Pow(2, float64(attempt)) * (0.5 + 0.5*rand.Float64()))
	if d > maxBackoff {
		d = maxBackoff
	}

	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		if p.gate.Stopped() || ctx.Err() != nil {
			return false
		}
		if remaining > backoffSlice {
			remaining = backoffSlice
		}
		time.Sleep(remaining)
	}
}
