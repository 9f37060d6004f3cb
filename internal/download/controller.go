package download

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/paulmach/orb"

	"github.com/MeKo-Tech/tileharvest/internal/ledger"
	"github.com/MeKo-Tech/tileharvest/internal/provider"
	"github.com/MeKo-Tech/tileharvest/internal/sink"
	"github.com/MeKo-Tech/tileharvest/internal/tile"
	"github.com/MeKo-Tech/tileharvest/internal/worker"
)

// State is the lifecycle phase of a run.
type State int32

const (
	StateIdle State = iota
	StateEnumerating
	StateRunning
	StatePaused
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEnumerating:
		return "enumerating"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the run has ended.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Job describes one download run. Either the bbox fields or Tiles must be
// set.
type Job struct {
	Provider *provider.Provider

	West, South, East, North float64
	MinZoom, MaxZoom         int

	// Tiles, when non-empty, replaces bbox enumeration.
	Tiles []tile.Coords

	// Output is a directory or an .mbtiles path, {z} allowed for shards.
	Output string

	// LedgerPath overrides the default <output dir>/<provider>_progress.db.
	LedgerPath string

	Workers   int
	TMS       bool
	UserAgent string
	Timeout   time.Duration
	Retries   int
}

// Bound returns the job bbox as an orb.Bound.
func (j *Job) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{j.West, j.South},
		Max: orb.Point{j.East, j.North},
	}
}

// Validate rejects malformed jobs before any side effect happens.
func (j *Job) Validate() error {
	if j.Provider == nil {
		return fmt.Errorf("job needs a provider")
	}
	if j.Output == "" {
		return fmt.Errorf("job needs an output path")
	}
	if len(j.Tiles) > 0 {
		for _, c := range j.Tiles {
			if !c.Valid() {
				return fmt.Errorf("invalid tile %s", c)
			}
		}
		return nil
	}
	if j.West >= j.East {
		return fmt.Errorf("west (%v) must be less than east (%v)", j.West, j.East)
	}
	if j.South >= j.North {
		return fmt.Errorf("south (%v) must be less than north (%v)", j.South, j.North)
	}
	if j.MinZoom < 0 || j.MaxZoom > tile.MaxZoom || j.MinZoom > j.MaxZoom {
		return fmt.Errorf("invalid zoom range [%d, %d]", j.MinZoom, j.MaxZoom)
	}
	return nil
}

// ledgerPath picks where progress lives: next to the output, named after
// the provider.
func (j *Job) ledgerPath() string {
	if j.LedgerPath != "" {
		return j.LedgerPath
	}
	dir := j.Output
	if strings.HasSuffix(j.Output, ".mbtiles") {
		dir = filepath.Dir(j.Output)
	}
	return filepath.Join(dir, j.Provider.Name+"_progress.db")
}

// Statistics is a consistent snapshot of a run.
type Statistics struct {
	State      string  `json:"state"`
	Total      int64   `json:"total"`
	Downloaded int64   `json:"downloaded"`
	Failed     int64   `json:"failed"`
	Skipped    int64   `json:"skipped"`
	Remaining  int64   `json:"remaining"`
	Bytes      int64   `json:"total_bytes"`
	Elapsed    float64 `json:"elapsed_seconds"`
	Rate       float64 `json:"tiles_per_second"`
}

// Options tunes controller construction.
type Options struct {
	Logger   *slog.Logger
	Reporter *Reporter
}

// Controller owns one run: it builds the ledger, sink, fetcher and pool,
// drives the task source, and exposes pause/resume/cancel. A controller is
// single-use; a finished run is terminal.
type Controller struct {
	job      Job
	log      *slog.Logger
	gate     *worker.Gate
	pool     *worker.Pool
	ledger   *ledger.Ledger
	sink     sink.Sink
	reporter *Reporter

	state      atomic.Int32
	started    time.Time
	cancelRun  context.CancelFunc
	feederDone atomic.Bool
	done       chan struct{}
	finishOnce sync.Once

	errMu  sync.Mutex
	runErr error

	sigCh chan os.Signal
}

// New opens the ledger and sink and wires the pool. Failures here are the
// fatal kind; nothing has been downloaded yet.
func New(job Job, opts Options) (*Controller, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = NewReporter(64)
	}

	saveFormat := "directory"
	if strings.HasSuffix(job.Output, ".mbtiles") {
		saveFormat = "mbtiles"
	}
	scheme := "xyz"
	if job.TMS {
		scheme = "tms"
	}

	ledgerPath := job.ledgerPath()
	if err := os.MkdirAll(filepath.Dir(ledgerPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	lg, err := ledger.Open(ledgerPath, ledger.Options{
		Logger:     log,
		SaveFormat: saveFormat,
		Scheme:     scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open progress ledger: %w", err)
	}

	snk, err := sink.New(sink.Config{
		Output:   job.Output,
		Provider: job.Provider,
		Bounds:   [4]float64{job.West, job.South, job.East, job.North},
		MinZoom:  job.MinZoom,
		MaxZoom:  job.MaxZoom,
		Scheme:   scheme,
	})
	if err != nil {
		lg.Close()
		return nil, fmt.Errorf("failed to open sink: %w", err)
	}

	gate := worker.NewGate()
	c := &Controller{
		job:      job,
		log:      log,
		gate:     gate,
		ledger:   lg,
		sink:     snk,
		reporter: reporter,
		done:     make(chan struct{}),
	}

	c.pool = worker.New(worker.Config{
		Workers: job.Workers,
		Fetcher: worker.NewFetcher(worker.FetcherConfig{
			UserAgent: job.UserAgent,
			Timeout:   job.Timeout,
			Gate:      gate,
		}),
		Sink:       snk,
		Ledger:     lg,
		Gate:       gate,
		Retries:    job.Retries,
		Logger:     log,
		OnTileDone: c.publishProgress,
	})

	c.state.Store(int32(StateIdle))
	return c, nil
}

// State returns the current lifecycle phase.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Reporter returns the progress stream for this run.
func (c *Controller) Reporter() *Reporter {
	return c.reporter
}

// Start launches the workers and the task source and returns immediately.
func (c *Controller) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateEnumerating)) {
		return fmt.Errorf("run already started (state %s)", c.State())
	}
	c.started = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancelRun = cancel

	c.pool.Start(runCtx)
	c.log.Info("download started",
		"provider", c.job.Provider.Name,
		"output", c.job.Output,
		"workers", c.pool.Workers(),
		"zooms", fmt.Sprintf("[%d, %d]", c.job.MinZoom, c.job.MaxZoom))

	src := &Source{
		Provider: c.job.Provider,
		Bound:    c.job.Bound(),
		MinZoom:  c.job.MinZoom,
		MaxZoom:  c.job.MaxZoom,
		TMS:      c.job.TMS,
		Ledger:   c.ledger,
		Pool:     c.pool,
		Gate:     c.gate,
		Logger:   c.log,
		Started: func() {
			c.state.CompareAndSwap(int32(StateEnumerating), int32(StateRunning))
		},
	}

	go func() {
		var err error
		if len(c.job.Tiles) > 0 {
			err = src.RunTiles(runCtx, c.job.Tiles)
		} else {
			err = src.Run(runCtx)
		}
		if err != nil {
			c.fail(err)
		}
		c.feederDone.Store(true)
	}()

	go c.supervise(runCtx)
	return nil
}

// Pause parks the feeder and workers and flushes the ledger. It is a no-op
// outside the active states.
func (c *Controller) Pause() {
	swapped := c.state.CompareAndSwap(int32(StateRunning), int32(StatePaused)) ||
		c.state.CompareAndSwap(int32(StateEnumerating), int32(StatePaused))
	if !swapped {
		return
	}
	c.gate.Pause()
	// Give in-flight workers a beat to park before flushing.
	time.Sleep(100 * time.Millisecond)
	if err := c.ledger.Flush(); err != nil {
		c.log.Warn("flush on pause failed", "error", err)
	}
	c.log.Info("download paused")
}

// Resume wakes a paused run.
func (c *Controller) Resume() {
	if !c.state.CompareAndSwap(int32(StatePaused), int32(StateRunning)) {
		return
	}
	c.gate.Resume()
	c.log.Info("download resumed")
}

// Cancel stops the run, waits for cleanup, and returns the final
// statistics. Safe to call more than once.
func (c *Controller) Cancel() Statistics {
	switch {
	case c.State() == StateIdle:
		// Never started; nothing is running, tear down inline.
		c.finish(StateCancelled)
	case !c.State().Terminal():
		c.gate.Stop()
		if c.cancelRun != nil {
			c.cancelRun()
		}
	}
	<-c.done
	return c.Statistics()
}

// Wait blocks until the run ends and returns its fatal error, if any.
func (c *Controller) Wait() error {
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.runErr
}

// Done exposes run termination for select loops.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Statistics returns a consistent snapshot of the counters.
func (c *Controller) Statistics() Statistics {
	stats := c.ledger.Stats()
	processed := stats.Completed + stats.Failed + stats.Skipped
	remaining := stats.Total - processed
	if remaining < 0 {
		remaining = 0
	}

	var elapsed, rate float64
	if !c.started.IsZero() {
		elapsed = time.Since(c.started).Seconds()
		if elapsed > 0 {
			rate = float64(processed) / elapsed
		}
	}

	return Statistics{
		State:      c.State().String(),
		Total:      stats.Total,
		Downloaded: stats.Completed,
		Failed:     stats.Failed,
		Skipped:    stats.Skipped,
		Remaining:  remaining,
		Bytes:      stats.Bytes,
		Elapsed:    elapsed,
		Rate:       rate,
	}
}

// TrapSignals cancels the run on INT or TERM, flushing the ledger first.
func (c *Controller) TrapSignals() {
	c.sigCh = make(chan os.Signal, 1)
	signal.Notify(c.sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		if _, ok := <-c.sigCh; !ok {
			return
		}
		c.log.Info("signal received, cancelling download")
		if err := c.ledger.Flush(); err != nil {
			c.log.Warn("flush on signal failed", "error", err)
		}
		c.Cancel()
	}()
}

// supervise watches for completion and shutdown. A run is complete when
// the feeder has finished, the queue is drained and no worker holds a
// tile.
func (c *Controller) supervise(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.finish(StateCancelled)
			return
		case <-ticker.C:
			if c.hasFailed() {
				c.finish(StateFailed)
				return
			}
			if c.gate.Stopped() {
				c.finish(StateCancelled)
				return
			}
			if c.feederDone.Load() && c.pool.Idle() && !c.gate.Paused() {
				c.finish(StateCompleted)
				return
			}
		}
	}
}

// finish tears the run down exactly once: stop everything, flush and close
// the ledger, finalize the sink, deliver the final snapshot.
func (c *Controller) finish(final State) {
	c.finishOnce.Do(func() {
		c.gate.Stop()
		if c.cancelRun != nil {
			c.cancelRun()
			// The feeder must be out of Submit before intake closes so
			// nothing races the channel close. Stop and cancel above
			// unblock it within one poll interval.
			for !c.feederDone.Load() {
				time.Sleep(10 * time.Millisecond)
			}
		}
		c.pool.CloseIntake()
		c.pool.Wait()

		if c.sigCh != nil {
			signal.Stop(c.sigCh)
		}

		if err := c.ledger.Close(); err != nil {
			c.log.Warn("failed to close ledger", "error", err)
		}

		var sinkErr error
		if final == StateCompleted {
			sinkErr = c.sink.Finalize()
		} else {
			sinkErr = c.sink.Cancel()
		}
		if sinkErr != nil {
			c.log.Error("failed to finalize sink", "error", sinkErr)
			if final == StateCompleted {
				c.fail(sinkErr)
				final = StateFailed
			}
		}

		if c.hasFailed() {
			final = StateFailed
		}
		c.state.Store(int32(final))

		stats := c.ledger.Stats()
		c.reporter.Complete(snapshotFrom(stats))
		c.log.Info("download finished",
			"state", final.String(),
			"downloaded", stats.Completed,
			"failed", stats.Failed,
			"skipped", stats.Skipped,
			"bytes", stats.Bytes)
		close(c.done)
	})
}

func (c *Controller) publishProgress() {
	stats := c.ledger.Stats()
	if stats.Total == 0 {
		return
	}
	c.reporter.Publish(snapshotFrom(stats))
}

func snapshotFrom(stats ledger.Stats) Snapshot {
	s := Snapshot{
		Downloaded: stats.Completed,
		Failed:     stats.Failed,
		Skipped:    stats.Skipped,
		Total:      stats.Total,
		Bytes:      stats.Bytes,
	}
	if stats.Total > 0 {
		s.Percentage = 100 * float64(stats.Completed+stats.Failed+stats.Skipped) / float64(stats.Total)
	}
	return s
}

func (c *Controller) fail(err error) {
	c.errMu.Lock()
	if c.runErr == nil {
		c.runErr = err
	}
	c.errMu.Unlock()
	c.gate.Stop()
}

func (c *Controller) hasFailed() bool {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.runErr != nil
}
