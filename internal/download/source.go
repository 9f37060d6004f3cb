package download

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/paulmach/orb"

	"github.com/MeKo-Tech/tileharvest/internal/ledger"
	"github.com/MeKo-Tech/tileharvest/internal/provider"
	"github.com/MeKo-Tech/tileharvest/internal/tile"
	"github.com/MeKo-Tech/tileharvest/internal/worker"
)

const (
	// sourceBatchSize is how many tiles the feeder submits before yielding
	// so workers drain and pause/cancel stay responsive.
	sourceBatchSize = 10_000

	// sourceBatchSizeLarge replaces it on zooms past a million tiles,
	// where the queue pressure is constant anyway.
	sourceBatchSizeLarge = 1_000

	largeZoomThreshold = 1_000_000
)

// Source streams tiles from a bbox and zoom range into the pool, skipping
// everything the ledger already knows. Enumeration is a cursor; no zoom's
// tile grid is ever materialized.
type Source struct {
	Provider *provider.Provider
	Bound    orb.Bound
	MinZoom  int
	MaxZoom  int
	TMS      bool

	Ledger *ledger.Ledger
	Pool   *worker.Pool
	Gate   *worker.Gate
	Logger *slog.Logger

	// Started fires once, before the first submission, so the owner can
	// flip its state from enumerating to running.
	Started func()

	startedOnce bool
}

// Run feeds the pool until the range is exhausted or the gate stops. The
// total counter grows as enumeration proceeds, not up-front.
func (s *Source) Run(ctx context.Context) error {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}

	for z := s.MinZoom; z <= s.MaxZoom; z++ {
		if !s.Provider.ZoomInRange(z) {
			log.Warn("zoom outside provider range, skipping",
				"zoom", z, "provider", s.Provider.Name)
			continue
		}

		r := tile.RangeForBound(s.Bound, z, s.TMS)
		loaded, err := s.Ledger.LoadForRange(r)
		if err != nil {
			return fmt.Errorf("failed to load progress for z=%d: %w", z, err)
		}
		log.Info("enumerating zoom level",
			"zoom", z, "tiles", r.Count(), "already_processed", loaded)

		batch := sourceBatchSize
		if r.Count() > largeZoomThreshold {
			batch = sourceBatchSizeLarge
		}

		submitted := 0
		for it := r.Iterator(); ; {
			if !s.Gate.Wait() {
				return nil
			}
			c, ok := it.Next()
			if !ok {
				break
			}

			s.Ledger.AddTotal(1)
			if s.Ledger.Contains(c) {
				if err := s.Ledger.Mark(c, ledger.StatusSkipped); err != nil {
					log.Warn("failed to record skipped tile", "tile", c.String(), "error", err)
				}
				continue
			}

			s.signalStarted()
			if !s.Pool.Submit(ctx, worker.Task{Coords: c, URL: s.Provider.URL(c)}) {
				return nil
			}

			submitted++
			if submitted%batch == 0 {
				time.Sleep(10 * time.Millisecond)
			}
		}
	}
	return nil
}

// RunTiles feeds an explicit tile list instead of a bbox enumeration.
func (s *Source) RunTiles(ctx context.Context, tiles []tile.Coords) error {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}

	for _, c := range tiles {
		if !s.Gate.Wait() {
			return nil
		}
		if !c.Valid() || !s.Provider.ZoomInRange(c.Z) {
			return fmt.Errorf("tile %s outside provider range", c)
		}

		s.Ledger.AddTotal(1)
		if s.Ledger.Contains(c) {
			if err := s.Ledger.Mark(c, ledger.StatusSkipped); err != nil {
				log.Warn("failed to record skipped tile", "tile", c.String(), "error", err)
			}
			continue
		}

		s.signalStarted()
		if !s.Pool.Submit(ctx, worker.Task{Coords: c, URL: s.Provider.URL(c)}) {
			return nil
		}
	}
	return nil
}

func (s *Source) signalStarted() {
	if !s.startedOnce {
		s.startedOnce = true
		if s.Started != nil {
			s.Started()
		}
	}
}
