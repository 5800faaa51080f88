package fetch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulmach/orb/maptile"
	"github.com/pkg/errors"
)

// TileStore receives successful tile bytes as they are fetched. Stores are
// write-through sinks for external consumers (preview servers, offline
// caches); the pipeline never reads them back.
type TileStore interface {
	WriteTile(t maptile.Tile, data []byte) error
	Close() error
}

// DirStore writes tiles as individual files in the {z}/{x}/{y}.{ext} layout.
type DirStore struct {
	root string
	ext  string
}

// NewDirStore prepares a directory store rooted at root. ext is the file
// extension without dot, typically "png" or "jpg".
func NewDirStore(root, ext string) (*DirStore, error) {
	switch ext {
	case "png", "jpg", "jpeg", "webp":
	default:
		return nil, fmt.Errorf("fetch: unsupported tile extension %q", ext)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "fetch: create store root")
	}
	return &DirStore{root: root, ext: ext}, nil
}

func (s *DirStore) WriteTile(t maptile.Tile, data []byte) error {
	dir := filepath.Join(s.root, fmt.Sprintf("%d", t.Z), fmt.Sprintf("%d", t.X))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "fetch: create tile dir")
	}
	name := filepath.Join(dir, fmt.Sprintf("%d.%s", t.Y, s.ext))
	return errors.Wrap(os.WriteFile(name, data, 0o644), "fetch: write tile file")
}

func (s *DirStore) Close() error { return nil }
