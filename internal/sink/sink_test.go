package sink

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/MeKo-Tech/tileharvest/internal/mbtiles"
	"github.com/MeKo-Tech/tileharvest/internal/provider"
	"github.com/MeKo-Tech/tileharvest/internal/tile"
)

func testConfig(t *testing.T, output string) Config {
	t.Helper()
	return Config{
		Output:   output,
		Provider: provider.OSM(),
		Bounds:   [4]float64{120, 23, 122, 25},
		MinZoom:  12,
		MaxZoom:  13,
	}
}

func TestNewSelectsBackend(t *testing.T) {
	dir := t.TempDir()

	s, err := New(testConfig(t, filepath.Join(dir, "tiles")))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*FSSink); !ok {
		t.Errorf("directory output built %T, want *FSSink", s)
	}
	s.Finalize()

	s, err = New(testConfig(t, filepath.Join(dir, "out.mbtiles")))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*MBTilesSink); !ok {
		t.Errorf("mbtiles output built %T, want *MBTilesSink", s)
	}
	s.Finalize()

	s, err = New(testConfig(t, filepath.Join(dir, "out_{z}.mbtiles")))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*ShardedSink); !ok {
		t.Errorf("sharded output built %T, want *ShardedSink", s)
	}
	s.Finalize()
}

func TestFSSinkPut(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFS(dir, provider.OSM())
	if err != nil {
		t.Fatal(err)
	}

	c := tile.Coords{Z: 13, X: 4297, Y: 2754}
	if s.Exists(c) {
		t.Error("Exists before Put = true")
	}
	if err := s.Put(c, []byte("tile bytes")); err != nil {
		t.Fatal(err)
	}

	want := filepath.Join(dir, "osm", "13", "4297", "2754.png")
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("tile not at expected path: %v", err)
	}
	if string(data) != "tile bytes" {
		t.Errorf("tile content = %q", data)
	}
	if !s.Exists(c) {
		t.Error("Exists after Put = false")
	}
}

func TestFSSinkEmptyFileNotExists(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFS(dir, provider.OSM())
	if err != nil {
		t.Fatal(err)
	}

	c := tile.Coords{Z: 4, X: 1, Y: 2}
	path := s.PathFor(c)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	// A zero-byte leftover from a crashed run does not count.
	if s.Exists(c) {
		t.Error("empty file reported as existing tile")
	}
}

func TestFSSinkRecreatesRemovedDir(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFS(dir, provider.OSM())
	if err != nil {
		t.Fatal(err)
	}

	a := tile.Coords{Z: 6, X: 10, Y: 20}
	if err := s.Put(a, []byte("a")); err != nil {
		t.Fatal(err)
	}

	// Remove the tree behind the sink's back; the cached dir entry is
	// stale now.
	if err := os.RemoveAll(filepath.Join(dir, "osm")); err != nil {
		t.Fatal(err)
	}

	b := tile.Coords{Z: 6, X: 10, Y: 21}
	if err := s.Put(b, []byte("b")); err != nil {
		t.Fatalf("Put after directory removal: %v", err)
	}
	if !s.Exists(b) {
		t.Error("tile missing after recovery")
	}
}

func TestMBTilesSinkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mbtiles")
	s, err := NewMBTiles(testConfig(t, path))
	if err != nil {
		t.Fatal(err)
	}

	c := tile.Coords{Z: 12, X: 3372, Y: 1552}
	if err := s.Put(c, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := s.Finalize(); err != nil {
		t.Fatal(err)
	}

	if err := s.Put(c, []byte("late")); err == nil {
		t.Error("Put after Finalize succeeded")
	}

	r, err := mbtiles.OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	data, err := r.ReadTile(c.Z, c.X, c.Y)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("ReadTile = %q", data)
	}

	meta, err := r.Metadata()
	if err != nil {
		t.Fatal(err)
	}
	if meta.Format != "png" {
		t.Errorf("metadata format = %s, want png (from provider)", meta.Format)
	}
	if meta.MinZoom != 12 || meta.MaxZoom != 13 {
		t.Errorf("metadata zooms = [%d, %d]", meta.MinZoom, meta.MaxZoom)
	}
}

func TestShardedSink(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, filepath.Join(dir, "tiles_{z}.mbtiles"))
	s, err := NewSharded(cfg)
	if err != nil {
		t.Fatal(err)
	}

	tiles := []tile.Coords{
		{Z: 12, X: 100, Y: 200},
		{Z: 12, X: 101, Y: 200},
		{Z: 13, X: 300, Y: 400},
	}
	for _, c := range tiles {
		if err := s.Put(c, []byte(c.String())); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Finalize(); err != nil {
		t.Fatal(err)
	}

	// One database per zoom, each holding only its own tiles.
	for z, want := range map[int]int64{12: 2, 13: 1} {
		r, err := mbtiles.OpenReader(filepath.Join(dir, "tiles_"+strconv.Itoa(z)+".mbtiles"))
		if err != nil {
			t.Fatalf("shard z=%d: %v", z, err)
		}
		n, err := r.TileCount()
		if err != nil {
			t.Fatal(err)
		}
		if n != want {
			t.Errorf("shard z=%d tile count = %d, want %d", z, n, want)
		}
		meta, err := r.Metadata()
		if err != nil {
			t.Fatal(err)
		}
		if meta.MinZoom != z || meta.MaxZoom != z {
			t.Errorf("shard z=%d metadata zooms = [%d, %d]", z, meta.MinZoom, meta.MaxZoom)
		}
		r.Close()
	}
}

func TestShardedSinkRequiresPlaceholder(t *testing.T) {
	if _, err := NewSharded(testConfig(t, "plain.mbtiles")); err == nil {
		t.Error("path without {z} accepted")
	}
}
