package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/MeKo-Tech/tileharvest/internal/provider"
	"github.com/MeKo-Tech/tileharvest/internal/tile"
)

// FSSink writes tiles into a z/x/y directory tree under a root directory.
type FSSink struct {
	root string
	prov *provider.Provider

	mu   sync.Mutex
	dirs map[string]struct{} // directories already created
}

// NewFS creates a filesystem sink rooted at dir.
func NewFS(dir string, prov *provider.Provider) (*FSSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &FSSink{
		root: dir,
		prov: prov,
		dirs: make(map[string]struct{}),
	}, nil
}

// PathFor returns the absolute path the tile is stored at.
func (s *FSSink) PathFor(c tile.Coords) string {
	return filepath.Join(s.root, filepath.FromSlash(s.prov.Path(c)))
}

// Put writes the tile file, creating parent directories on demand. A write
// that fails because the directory vanished is retried once after
// recreating it.
func (s *FSSink) Put(c tile.Coords, data []byte) error {
	path := s.PathFor(c)

	if err := s.ensureDir(filepath.Dir(path)); err != nil {
		return err
	}

	err := os.WriteFile(path, data, 0o644)
	if os.IsNotExist(err) {
		s.forgetDir(filepath.Dir(path))
		if err = s.ensureDir(filepath.Dir(path)); err != nil {
			return err
		}
		err = os.WriteFile(path, data, 0o644)
	}
	if err != nil {
		return fmt.Errorf("failed to write tile %s: %w", c, err)
	}
	return nil
}

// Exists reports whether a non-empty tile file is already on disk.
func (s *FSSink) Exists(c tile.Coords) bool {
	info, err := os.Stat(s.PathFor(c))
	return err == nil && info.Size() > 0
}

// Finalize is a no-op; files are durable as soon as they are written.
func (s *FSSink) Finalize() error { return nil }

// Cancel is a no-op for the same reason.
func (s *FSSink) Cancel() error { return nil }

// ensureDir creates dir once and remembers it, so the common case is a
// single map lookup instead of a MkdirAll syscall per tile.
func (s *FSSink) ensureDir(dir string) error {
	s.mu.Lock()
	_, ok := s.dirs[dir]
	s.mu.Unlock()
	if ok {
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create tile directory: %w", err)
	}

	s.mu.Lock()
	s.dirs[dir] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *FSSink) forgetDir(dir string) {
	s.mu.Lock()
	delete(s.dirs, dir)
	s.mu.Unlock()
}
