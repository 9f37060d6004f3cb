// Package sink stores fetched tiles. Two backends exist: a z/x/y directory
// tree and MBTiles databases, the latter optionally sharded by zoom level.
package sink

import (
	"fmt"
	"strings"

	"github.com/MeKo-Tech/tileharvest/internal/provider"
	"github.com/MeKo-Tech/tileharvest/internal/tile"
)

// Sink receives downloaded tiles. Put may be called from many workers at
// once. Finalize commits everything and must be called exactly once at the
// end of a successful or cancelled run; Cancel abandons buffered work.
type Sink interface {
	// Put stores one tile.
	Put(c tile.Coords, data []byte) error

	// Exists reports whether the tile is already stored, for backends
	// where that is cheap to answer. Backends that cannot answer return
	// false and leave deduplication to the progress ledger.
	Exists(c tile.Coords) bool

	// Finalize flushes buffered tiles and closes the backend.
	Finalize() error

	// Cancel closes the backend without guaranteeing buffered tiles.
	Cancel() error
}

// Config selects and parametrizes a sink.
type Config struct {
	// Output is a directory for filesystem output or a path ending in
	// .mbtiles. An {z} placeholder in an .mbtiles path shards the output
	// into one database per zoom level.
	Output string

	Provider *provider.Provider

	// Metadata bounds, zoom range and addressing scheme for MBTiles
	// output. Scheme is metadata only; rows are always stored TMS.
	Bounds  [4]float64
	MinZoom int
	MaxZoom int
	Scheme  string
}

// New builds the sink matching cfg.Output.
func New(cfg Config) (Sink, error) {
	if cfg.Output == "" {
		return nil, fmt.Errorf("empty output path")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("sink requires a provider")
	}

	if strings.HasSuffix(cfg.Output, ".mbtiles") {
		if strings.Contains(cfg.Output, "{z}") {
			return NewSharded(cfg)
		}
		return NewMBTiles(cfg)
	}
	return NewFS(cfg.Output, cfg.Provider)
}
