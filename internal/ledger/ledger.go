// Package ledger persists download progress in SQLite so interrupted runs
// resume without refetching finished tiles.
package ledger

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/MeKo-Tech/tileharvest/internal/tile"
)

const (
	// DefaultFlushInterval is the number of marks buffered before an
	// automatic flush.
	DefaultFlushInterval = 200

	// DefaultMemoryLimit caps the in-memory processed set. Beyond it the
	// set freezes and membership checks fall through to the database.
	DefaultMemoryLimit = 1_000_000

	// LoadBatchSize is the page size for LoadForRange queries.
	LoadBatchSize = 10_000

	lockRetries = 5
)

// Status records how a tile left the pipeline.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Options tunes ledger behavior. The zero value picks the defaults.
type Options struct {
	FlushInterval int
	MemoryLimit   int
	Logger        *slog.Logger

	// SaveFormat and Scheme describe the run and are stored with the
	// counters so a resumed run can sanity-check its parameters.
	SaveFormat string
	Scheme     string
}

// Stats is a snapshot of the ledger counters.
type Stats struct {
	Total     int64 // tiles enqueued for the current job
	Completed int64 // tiles fetched and stored
	Failed    int64 // tiles given up on
	Skipped   int64 // tiles found already done
	Bytes     int64 // payload bytes downloaded
}

// Ledger tracks processed tiles. Marks are buffered in memory and flushed
// in transactions; Contains answers from the in-memory set until it freezes
// at the memory limit, then falls through to point queries. Safe for
// concurrent use.
type Ledger struct {
	db   *sql.DB
	path string
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	seen    map[tile.Coords]struct{}
	pending []entry
	// unflushed marks that Contains must still see once seen is frozen
	pendingSet map[tile.Coords]struct{}
	frozen     bool
	dirty      int

	// stats counts the current run only; restored carries the counters of
	// earlier runs and feeds persistence, never live statistics. Keeping
	// them apart means downloaded+failed+skipped never exceeds total when
	// a resume re-marks already processed tiles as skipped.
	stats    Stats
	restored Stats
}

type entry struct {
	coords tile.Coords
	status Status
	when   int64
}

// Open opens or creates a ledger database at path. A sibling legacy JSON
// progress file is migrated in, and an unreadable database is moved aside
// to a .backup so the run can start fresh.
func Open(path string, opts Options) (*Ledger, error) {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MemoryLimit <= 0 {
		opts.MemoryLimit = DefaultMemoryLimit
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	db, err := openDB(path)
	if err != nil {
		// A corrupt ledger must not kill the run. Move it aside and
		// start over; the worst case is refetching tiles.
		backup := path + ".backup"
		log.Warn("progress database unreadable, starting fresh",
			"path", path, "backup", backup, "error", err)
		if renameErr := os.Rename(path, backup); renameErr != nil {
			return nil, fmt.Errorf("ledger open failed and backup rename failed: %w", err)
		}
		db, err = openDB(path)
		if err != nil {
			return nil, fmt.Errorf("failed to recreate ledger: %w", err)
		}
	}

	l := &Ledger{
		db:         db,
		path:       path,
		opts:       opts,
		log:        log,
		seen:       make(map[tile.Coords]struct{}),
		pendingSet: make(map[tile.Coords]struct{}),
	}

	if err := l.loadCounters(); err != nil {
		db.Close()
		return nil, err
	}

	if n, err := l.migrateLegacyJSON(); err != nil {
		log.Warn("legacy progress file ignored", "error", err)
	} else if n > 0 {
		log.Info("migrated legacy progress file", "tiles", n)
	}

	return l, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA cache_size = 20000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS processed_tiles (
			z INTEGER NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			status TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			PRIMARY KEY (z, x, y)
		);

		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}

// loadCounters reads the persisted counters of earlier runs. They are kept
// out of the live stats; flushes write the sum back so the stored figures
// stay cumulative.
func (l *Ledger) loadCounters() error {
	rows, err := l.db.Query("SELECT key, value FROM metadata")
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("failed to scan metadata: %w", err)
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "downloaded_count":
			l.restored.Completed = n
		case "failed_count":
			l.restored.Failed = n
		case "skipped_count":
			l.restored.Skipped = n
		// total_tasks is per run; enumeration rebuilds it on resume
		case "total_bytes":
			l.restored.Bytes = n
		}
	}
	return rows.Err()
}

// Contains reports whether the tile was already processed. While the
// in-memory set is live this never touches the database.
func (l *Ledger) Contains(c tile.Coords) bool {
	l.mu.Lock()
	if _, ok := l.seen[c]; ok {
		l.mu.Unlock()
		return true
	}
	if _, ok := l.pendingSet[c]; ok {
		l.mu.Unlock()
		return true
	}
	frozen := l.frozen
	l.mu.Unlock()

	if !frozen {
		return false
	}

	var one int
	err := l.db.QueryRow(
		"SELECT 1 FROM processed_tiles WHERE z=? AND x=? AND y=?",
		c.Z, c.X, c.Y,
	).Scan(&one)
	return err == nil
}

// Mark records a processed tile. Marking an already known tile with
// StatusSkipped only bumps the skipped counter; the stored row keeps its
// original status. Every flush-interval marks trigger an automatic flush.
func (l *Ledger) Mark(c tile.Coords, status Status) error {
	l.mu.Lock()

	_, known := l.seen[c]
	if !known {
		_, known = l.pendingSet[c]
	}
	if known {
		if status == StatusSkipped {
			l.stats.Skipped++
		}
		l.mu.Unlock()
		return nil
	}

	l.pending = append(l.pending, entry{coords: c, status: status, when: time.Now().Unix()})
	l.pendingSet[c] = struct{}{}
	l.remember(c)

	switch status {
	case StatusSuccess:
		l.stats.Completed++
	case StatusFailed:
		l.stats.Failed++
	case StatusSkipped:
		l.stats.Skipped++
	}

	l.dirty++
	flush := l.dirty >= l.opts.FlushInterval
	if flush {
		l.dirty = 0
	}
	l.mu.Unlock()

	if flush {
		return l.Flush()
	}
	return nil
}

// remember adds c to the in-memory set, freezing it at the memory limit.
// Callers hold l.mu.
func (l *Ledger) remember(c tile.Coords) {
	if l.frozen {
		return
	}
	if len(l.seen) >= l.opts.MemoryLimit {
		l.frozen = true
		l.log.Info("in-memory progress set frozen, falling back to database lookups",
			"size", len(l.seen))
		return
	}
	l.seen[c] = struct{}{}
}

// AddTotal bumps the enqueued-tiles counter.
func (l *Ledger) AddTotal(n int64) {
	l.mu.Lock()
	l.stats.Total += n
	l.mu.Unlock()
}

// AddBytes records downloaded payload bytes.
func (l *Ledger) AddBytes(n int64) {
	l.mu.Lock()
	l.stats.Bytes += n
	l.mu.Unlock()
}

// Stats returns a snapshot of the current run's counters.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Lifetime returns the counters summed across every run of this ledger,
// the figures the database persists. Total stays per-run because each run
// enumerates its own task set.
func (l *Ledger) Lifetime() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lifetimeLocked()
}

func (l *Ledger) lifetimeLocked() Stats {
	return Stats{
		Total:     l.stats.Total,
		Completed: l.restored.Completed + l.stats.Completed,
		Failed:    l.restored.Failed + l.stats.Failed,
		Skipped:   l.restored.Skipped + l.stats.Skipped,
		Bytes:     l.restored.Bytes + l.stats.Bytes,
	}
}

// Flush writes buffered marks and counters to the database. A write that
// fails with "database is locked" is retried with exponential backoff.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	persist := l.lifetimeLocked()
	l.mu.Unlock()

	var err error
	delay := time.Second
	for attempt := 0; attempt <= lockRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		err = l.flushOnce(batch, persist)
		if err == nil {
			l.mu.Lock()
			for _, e := range batch {
				delete(l.pendingSet, e.coords)
			}
			l.mu.Unlock()
			return nil
		}
		if !isLocked(err) {
			break
		}
		l.log.Warn("progress flush hit a locked database, retrying",
			"attempt", attempt+1, "delay", delay)
	}

	// Put the batch back so a later flush can try again.
	l.mu.Lock()
	l.pending = append(batch, l.pending...)
	l.mu.Unlock()
	return fmt.Errorf("failed to flush progress: %w", err)
}

func (l *Ledger) flushOnce(batch []entry, persist Stats) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	if len(batch) > 0 {
		stmt, err := tx.Prepare(
			"INSERT OR IGNORE INTO processed_tiles (z, x, y, status, timestamp) VALUES (?, ?, ?, ?, ?)")
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range batch {
			if _, err := stmt.Exec(e.coords.Z, e.coords.X, e.coords.Y, string(e.status), e.when); err != nil {
				return fmt.Errorf("failed to insert %s: %w", e.coords, err)
			}
		}
	}

	meta, err := tx.Prepare("INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare metadata upsert: %w", err)
	}
	defer meta.Close()

	values := map[string]string{
		"downloaded_count": strconv.FormatInt(persist.Completed, 10),
		"failed_count":     strconv.FormatInt(persist.Failed, 10),
		"skipped_count":    strconv.FormatInt(persist.Skipped, 10),
		"total_tasks":      strconv.FormatInt(persist.Total, 10),
		"total_bytes":      strconv.FormatInt(persist.Bytes, 10),
		"timestamp":        strconv.FormatInt(time.Now().Unix(), 10),
		"schema_version":   "1",
	}
	if l.opts.SaveFormat != "" {
		values["save_format"] = l.opts.SaveFormat
	}
	if l.opts.Scheme != "" {
		values["scheme"] = l.opts.Scheme
	}
	for key, value := range values {
		if _, err := meta.Exec(key, value); err != nil {
			return fmt.Errorf("failed to upsert metadata %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// LoadForRange pulls the processed tiles inside r into the in-memory set,
// paging through the database so huge ranges stay bounded. It returns the
// number of rows loaded.
func (l *Ledger) LoadForRange(r tile.Range) (int, error) {
	loaded := 0
	offset := 0
	for {
		rows, err := l.db.Query(
			`SELECT x, y FROM processed_tiles
			 WHERE z = ? AND x BETWEEN ? AND ? AND y BETWEEN ? AND ?
			 LIMIT ? OFFSET ?`,
			r.Zoom, r.MinX, r.MaxX, r.MinY, r.MaxY, LoadBatchSize, offset,
		)
		if err != nil {
			return loaded, fmt.Errorf("failed to query processed tiles: %w", err)
		}

		n := 0
		l.mu.Lock()
		for rows.Next() {
			var x, y int
			if err := rows.Scan(&x, &y); err != nil {
				l.mu.Unlock()
				rows.Close()
				return loaded, fmt.Errorf("failed to scan processed tile: %w", err)
			}
			l.remember(tile.Coords{Z: r.Zoom, X: x, Y: y})
			n++
		}
		l.mu.Unlock()
		err = rows.Err()
		rows.Close()
		if err != nil {
			return loaded, fmt.Errorf("error iterating processed tiles: %w", err)
		}

		loaded += n
		if n < LoadBatchSize {
			return loaded, nil
		}
		offset += LoadBatchSize
	}
}

// Count returns the number of rows in the processed table.
func (l *Ledger) Count() (int64, error) {
	var n int64
	if err := l.db.QueryRow("SELECT COUNT(*) FROM processed_tiles").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count processed tiles: %w", err)
	}
	return n, nil
}

// Close flushes outstanding marks and closes the database.
func (l *Ledger) Close() error {
	flushErr := l.Flush()
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("failed to close ledger: %w", err)
	}
	return flushErr
}

func isLocked(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}
