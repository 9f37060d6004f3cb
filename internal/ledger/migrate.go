package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MeKo-Tech/tileharvest/internal/tile"
)

// legacyProgress is the old JSON progress file layout: a flat list of
// [x, y, z] triples plus run counters.
type legacyProgress struct {
	ProcessedTiles  [][3]int `json:"processed_tiles"`
	DownloadedCount int64    `json:"downloaded_count"`
	FailedCount     int64    `json:"failed_count"`
	SkippedCount    int64    `json:"skipped_count"`
	TotalBytes      int64    `json:"total_bytes"`
}

// migrateLegacyJSON imports a sibling .json progress file left behind by an
// earlier version, then renames it out of the way so the import runs once.
// Returns the number of tiles imported.
func (l *Ledger) migrateLegacyJSON() (int, error) {
	legacyPath := legacyJSONPath(l.path)
	raw, err := os.ReadFile(legacyPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read legacy progress: %w", err)
	}

	var progress legacyProgress
	if err := json.Unmarshal(raw, &progress); err != nil {
		return 0, fmt.Errorf("failed to parse legacy progress: %w", err)
	}

	tx, err := l.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	stmt, err := tx.Prepare(
		"INSERT OR IGNORE INTO processed_tiles (z, x, y, status, timestamp) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("failed to prepare migration insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	imported := 0
	for _, triple := range progress.ProcessedTiles {
		c := tile.Coords{X: triple[0], Y: triple[1], Z: triple[2]}
		if !c.Valid() {
			continue
		}
		if _, err := stmt.Exec(c.Z, c.X, c.Y, string(StatusSuccess), now); err != nil {
			return 0, fmt.Errorf("failed to import %s: %w", c, err)
		}
		imported++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit migration: %w", err)
	}

	// Legacy counters join the restored baseline, not the live run, so the
	// migrated tiles being re-marked skipped later cannot double-count.
	l.mu.Lock()
	l.restored.Completed += progress.DownloadedCount
	l.restored.Failed += progress.FailedCount
	l.restored.Skipped += progress.SkippedCount
	l.restored.Bytes += progress.TotalBytes
	l.mu.Unlock()

	if err := os.Rename(legacyPath, legacyPath+".migrated"); err != nil {
		return imported, fmt.Errorf("imported %d tiles but failed to retire legacy file: %w", imported, err)
	}
	return imported, nil
}

// legacyJSONPath maps progress.db to progress.json in the same directory.
func legacyJSONPath(dbPath string) string {
	ext := filepath.Ext(dbPath)
	return strings.TrimSuffix(dbPath, ext) + ".json"
}
