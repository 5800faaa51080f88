package fetch

import (
	"database/sql"
	"strconv"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/paulmach/orb/maptile"
	"github.com/pkg/errors"
)

// MBTileVersion mbtiles版本号
const MBTileVersion = "1.2"

const mbtilesBatchSize = 64

// MBTilesMetadata fills the metadata table of a new tileset.
type MBTilesMetadata struct {
	Name        string
	Description string
	Format      string // "png" or "jpg"
	MinZoom     int
	MaxZoom     int
}

// MBTilesStore writes tiles into an MBTiles (sqlite) tileset. Rows are
// buffered and flushed in transactions of mbtilesBatchSize.
type MBTilesStore struct {
	mu    sync.Mutex
	db    *sql.DB
	batch []Result
}

// NewMBTilesStore creates or reopens the tileset file at path and prepares
// the tiles and metadata tables.
func NewMBTilesStore(path string, meta MBTilesMetadata) (*MBTilesStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "fetch: open mbtiles")
	}
	if err := optimizeConnection(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "fetch: tune mbtiles connection")
	}

	stmts := []string{
		"create table if not exists tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob);",
		"create table if not exists metadata (name text, value text);",
		"create unique index if not exists name on metadata (name);",
		"create unique index if not exists tile_index on tiles(zoom_level, tile_column, tile_row);",
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "fetch: prepare mbtiles tables")
		}
	}
	for name, value := range metaItems(meta) {
		if _, err := db.Exec("insert or ignore into metadata (name, value) values (?, ?)", name, value); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "fetch: write mbtiles metadata")
		}
	}
	return &MBTilesStore{db: db}, nil
}

func metaItems(meta MBTilesMetadata) map[string]string {
	return map[string]string{
		"name":        meta.Name,
		"description": meta.Description,
		"format":      meta.Format,
		"type":        "baselayer",
		"version":     MBTileVersion,
		"minzoom":     strconv.Itoa(meta.MinZoom),
		"maxzoom":     strconv.Itoa(meta.MaxZoom),
	}
}

func (s *MBTilesStore) WriteTile(t maptile.Tile, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch = append(s.batch, Result{Tile: t, Data: data})
	if len(s.batch) < mbtilesBatchSize {
		return nil
	}
	return s.flushLocked()
}

// Close flushes the pending batch and closes the database.
func (s *MBTilesStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	flushErr := s.flushLocked()
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "fetch: close mbtiles")
	}
	return flushErr
}

func (s *MBTilesStore) flushLocked() error {
	if len(s.batch) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "fetch: begin mbtiles batch")
	}
	for _, r := range s.batch {
		// MBTiles is TMS: the row axis is flipped relative to XYZ.
		row := (uint32(1) << uint32(r.Tile.Z)) - r.Tile.Y - 1
		if _, err := tx.Exec(
			"insert or ignore into tiles (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?);",
			r.Tile.Z, r.Tile.X, row, r.Data); err != nil {
			tx.Rollback()
			return errors.Wrap(err, "fetch: insert tile")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "fetch: commit mbtiles batch")
	}
	s.batch = s.batch[:0]
	return nil
}

func optimizeConnection(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA synchronous=1",
		"PRAGMA locking_mode=EXCLUSIVE",
		"PRAGMA journal_mode=OFF",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return err
		}
	}
	return nil
}

