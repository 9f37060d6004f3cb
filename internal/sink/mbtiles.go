package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/MeKo-Tech/tileharvest/internal/mbtiles"
	"github.com/MeKo-Tech/tileharvest/internal/tile"
)

// MBTilesSink writes tiles into a single MBTiles database. The underlying
// writer batches inserts; a mutex serializes the workers.
type MBTilesSink struct {
	mu     sync.Mutex
	writer *mbtiles.Writer
	closed bool
}

// NewMBTiles creates an MBTiles sink at cfg.Output.
func NewMBTiles(cfg Config) (*MBTilesSink, error) {
	if dir := filepath.Dir(cfg.Output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	w, err := mbtiles.New(cfg.Output, metadataFor(cfg, cfg.MinZoom, cfg.MaxZoom))
	if err != nil {
		return nil, err
	}
	return &MBTilesSink{writer: w}, nil
}

func metadataFor(cfg Config, minZoom, maxZoom int) mbtiles.Metadata {
	return mbtiles.Metadata{
		Name:        cfg.Provider.Name,
		Format:      cfg.Provider.Extension(),
		Attribution: cfg.Provider.Attribution,
		Scheme:      cfg.Scheme,
		Bounds:      cfg.Bounds,
		MinZoom:     minZoom,
		MaxZoom:     maxZoom,
	}
}

// Put stores one tile.
func (s *MBTilesSink) Put(c tile.Coords, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sink is closed")
	}
	return s.writer.WriteTile(c.Z, c.X, c.Y, data)
}

// Exists always reports false; membership is the ledger's job and a point
// query per tile would serialize the workers on the database.
func (s *MBTilesSink) Exists(tile.Coords) bool { return false }

// Finalize flushes and closes the database.
func (s *MBTilesSink) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.writer.Close()
}

// Cancel flushes what is buffered and closes. Tiles already handed to Put
// stay in the database so a resumed run keeps them.
func (s *MBTilesSink) Cancel() error {
	return s.Finalize()
}

// ShardedSink fans tiles out to one MBTiles database per zoom level. The
// output path carries a {z} placeholder; databases open lazily on the
// first tile of each zoom.
type ShardedSink struct {
	cfg Config

	mu      sync.Mutex
	writers map[int]*mbtiles.Writer
	closed  bool
}

// NewSharded creates a zoom-sharded MBTiles sink.
func NewSharded(cfg Config) (*ShardedSink, error) {
	if !strings.Contains(cfg.Output, "{z}") {
		return nil, fmt.Errorf("sharded output path needs a {z} placeholder: %s", cfg.Output)
	}
	return &ShardedSink{
		cfg:     cfg,
		writers: make(map[int]*mbtiles.Writer),
	}, nil
}

// PathFor returns the database path for a zoom level.
func (s *ShardedSink) PathFor(z int) string {
	return strings.ReplaceAll(s.cfg.Output, "{z}", strconv.Itoa(z))
}

// Put stores one tile in its zoom's database.
func (s *ShardedSink) Put(c tile.Coords, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sink is closed")
	}

	w, ok := s.writers[c.Z]
	if !ok {
		path := s.PathFor(c.Z)
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
		}
		var err error
		w, err = mbtiles.New(path, metadataFor(s.cfg, c.Z, c.Z))
		if err != nil {
			return fmt.Errorf("failed to open shard for z=%d: %w", c.Z, err)
		}
		s.writers[c.Z] = w
	}

	return w.WriteTile(c.Z, c.X, c.Y, data)
}

// Exists always reports false, as for the unsharded sink.
func (s *ShardedSink) Exists(tile.Coords) bool { return false }

// Finalize closes every shard, reporting the first error but closing the
// rest regardless.
func (s *ShardedSink) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for z, w := range s.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close shard z=%d: %w", z, err)
		}
	}
	return firstErr
}

// Cancel behaves like Finalize; written shards survive for resumption.
func (s *ShardedSink) Cancel() error {
	return s.Finalize()
}
