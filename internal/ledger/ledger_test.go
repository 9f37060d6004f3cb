package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/MeKo-Tech/tileharvest/internal/tile"
)

func openTestLedger(t *testing.T, opts Options) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "progress.db"), opts)
	if err != nil {
		t.Fatalf("Failed to open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestMarkAndContains(t *testing.T) {
	l := openTestLedger(t, Options{})

	c := tile.Coords{Z: 13, X: 4297, Y: 2754}
	if l.Contains(c) {
		t.Error("Contains before Mark = true")
	}

	if err := l.Mark(c, StatusSuccess); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if !l.Contains(c) {
		t.Error("Contains after Mark = false")
	}

	stats := l.Stats()
	if stats.Completed != 1 || stats.Skipped != 0 {
		t.Errorf("Stats = %+v, want Completed=1", stats)
	}
}

func TestMarkSkippedTwice(t *testing.T) {
	l := openTestLedger(t, Options{})

	c := tile.Coords{Z: 5, X: 1, Y: 2}
	if err := l.Mark(c, StatusSuccess); err != nil {
		t.Fatal(err)
	}
	// A second mark for a known tile only bumps the skipped counter.
	if err := l.Mark(c, StatusSkipped); err != nil {
		t.Fatal(err)
	}
	if err := l.Flush(); err != nil {
		t.Fatal(err)
	}

	stats := l.Stats()
	if stats.Completed != 1 || stats.Skipped != 1 {
		t.Errorf("Stats = %+v, want Completed=1 Skipped=1", stats)
	}

	n, err := l.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("row count = %d, want 1 (no duplicate row)", n)
	}
}

func TestAutoFlush(t *testing.T) {
	l := openTestLedger(t, Options{FlushInterval: 10})

	for x := 0; x < 25; x++ {
		if err := l.Mark(tile.Coords{Z: 8, X: x, Y: 0}, StatusSuccess); err != nil {
			t.Fatal(err)
		}
	}

	// 25 marks with an interval of 10 means at least 20 rows hit disk
	// without an explicit Flush.
	n, err := l.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n < 20 {
		t.Errorf("rows after auto flush = %d, want >= 20", n)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "progress.db")

	l, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	marked := []tile.Coords{
		{Z: 12, X: 100, Y: 200},
		{Z: 12, X: 101, Y: 200},
		{Z: 13, X: 500, Y: 900},
	}
	for _, c := range marked {
		if err := l.Mark(c, StatusSuccess); err != nil {
			t.Fatal(err)
		}
	}
	l.AddBytes(4096)
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	l2, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()

	// Fresh ledger, empty memory: tiles only appear after LoadForRange.
	r := tile.Range{Zoom: 12, MinX: 90, MaxX: 110, MinY: 190, MaxY: 210}
	loaded, err := l2.LoadForRange(r)
	if err != nil {
		t.Fatal(err)
	}
	if loaded != 2 {
		t.Errorf("LoadForRange = %d, want 2", loaded)
	}
	if !l2.Contains(marked[0]) || !l2.Contains(marked[1]) {
		t.Error("loaded tiles not visible via Contains")
	}
	if l2.Contains(marked[2]) {
		t.Error("z=13 tile leaked into z=12 load")
	}

	// The new run starts its own counters at zero; the stored figures of
	// the earlier run stay visible through Lifetime.
	if stats := l2.Stats(); stats.Completed != 0 || stats.Bytes != 0 {
		t.Errorf("Stats after reopen = %+v, want zeroed run counters", stats)
	}
	life := l2.Lifetime()
	if life.Completed != 3 {
		t.Errorf("Lifetime Completed after reopen = %d, want 3", life.Completed)
	}
	if life.Bytes != 4096 {
		t.Errorf("Lifetime Bytes after reopen = %d, want 4096", life.Bytes)
	}
}

func TestResumeReSkipStaysWithinTotal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "progress.db")

	l, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	coords := []tile.Coords{
		{Z: 10, X: 1, Y: 1},
		{Z: 10, X: 2, Y: 1},
		{Z: 10, X: 3, Y: 1},
	}
	l.AddTotal(int64(len(coords)))
	for _, c := range coords {
		if err := l.Mark(c, StatusSuccess); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	// A resumed run enumerates the same tiles and marks every known one
	// skipped. Its counters must cover only this run: the earlier run's
	// completions must not surface, or downloaded+failed+skipped would
	// exceed the task total.
	l2, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()

	if _, err := l2.LoadForRange(tile.Range{Zoom: 10, MinX: 0, MaxX: 10, MinY: 0, MaxY: 10}); err != nil {
		t.Fatal(err)
	}
	l2.AddTotal(int64(len(coords)))
	for _, c := range coords {
		if err := l2.Mark(c, StatusSkipped); err != nil {
			t.Fatal(err)
		}
	}

	stats := l2.Stats()
	if stats.Completed != 0 {
		t.Errorf("Completed on resume = %d, want 0", stats.Completed)
	}
	if stats.Skipped != 3 {
		t.Errorf("Skipped on resume = %d, want 3", stats.Skipped)
	}
	if done := stats.Completed + stats.Failed + stats.Skipped; done > stats.Total {
		t.Errorf("processed %d tiles out of %d total", done, stats.Total)
	}
	// The persisted figures keep accumulating across runs.
	if life := l2.Lifetime(); life.Completed != 3 || life.Skipped != 3 {
		t.Errorf("Lifetime = %+v, want Completed=3 Skipped=3", life)
	}
}

func TestFrozenSetFallsThroughToDatabase(t *testing.T) {
	l := openTestLedger(t, Options{MemoryLimit: 5, FlushInterval: 3})

	var coords []tile.Coords
	for x := 0; x < 12; x++ {
		coords = append(coords, tile.Coords{Z: 9, X: x, Y: 7})
	}
	for _, c := range coords {
		if err := l.Mark(c, StatusSuccess); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Flush(); err != nil {
		t.Fatal(err)
	}

	if !l.frozen {
		t.Fatal("set not frozen past the memory limit")
	}
	// Every mark stays visible, in memory or via point query.
	for _, c := range coords {
		if !l.Contains(c) {
			t.Errorf("Contains(%s) = false after freeze", c)
		}
	}
	if l.Contains(tile.Coords{Z: 9, X: 100, Y: 7}) {
		t.Error("unknown tile reported as processed")
	}
}

func TestCorruptDatabaseMovedAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "progress.db")
	if err := os.WriteFile(path, []byte("this is not a sqlite file"), 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open over corrupt file: %v", err)
	}
	defer l.Close()

	if _, err := os.Stat(path + ".backup"); err != nil {
		t.Errorf("corrupt database not preserved as backup: %v", err)
	}
	if err := l.Mark(tile.Coords{Z: 1, X: 0, Y: 0}, StatusSuccess); err != nil {
		t.Errorf("fresh ledger unusable: %v", err)
	}
}

func TestLegacyJSONMigration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "progress.db")
	legacy := filepath.Join(dir, "progress.json")

	// Old format: a flat list of [x, y, z] triples plus run counters.
	payload := `{"processed_tiles": [[4297, 2754, 13], [4298, 2754, 13], [9, 9, -1]],
		"downloaded_count": 2, "total_bytes": 1024}`
	if err := os.WriteFile(legacy, []byte(payload), 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	n, err := l.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("migrated rows = %d, want 2 (invalid triple dropped)", n)
	}

	loaded, err := l.LoadForRange(tile.Range{Zoom: 13, MinX: 4290, MaxX: 4300, MinY: 2750, MaxY: 2760})
	if err != nil {
		t.Fatal(err)
	}
	if loaded != 2 {
		t.Errorf("LoadForRange after migration = %d, want 2", loaded)
	}

	// Legacy counters carry over as prior-run figures, not live ones.
	if stats := l.Stats(); stats.Completed != 0 {
		t.Errorf("Completed after migration = %d, want 0", stats.Completed)
	}
	if life := l.Lifetime(); life.Completed != 2 || life.Bytes != 1024 {
		t.Errorf("Lifetime after migration = %+v, want Completed=2 Bytes=1024", life)
	}

	if _, err := os.Stat(legacy); !os.IsNotExist(err) {
		t.Error("legacy file still present after migration")
	}
	if _, err := os.Stat(legacy + ".migrated"); err != nil {
		t.Errorf("retired legacy file missing: %v", err)
	}
}

func TestAddTotal(t *testing.T) {
	l := openTestLedger(t, Options{})
	l.AddTotal(100)
	l.AddTotal(50)
	if got := l.Stats().Total; got != 150 {
		t.Errorf("Total = %d, want 150", got)
	}
}
