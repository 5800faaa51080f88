// Package planner enumerates the XYZ tiles covering a region of interest.
// A region is either a bounding box or a corridor following a path, and the
// result is always a deduplicated maptile.Set at a single zoom level.
package planner

import (
	"errors"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"tilemosaic/tilegrid"
)

var (
	ErrEmptyPath    = errors.New("planner: corridor path needs at least 2 points")
	ErrInvalidWidth = errors.New("planner: corridor half-width must not be negative")
)

// Region produces the set of tiles that fully covers it.
type Region interface {
	TileSet() (maptile.Set, error)
}

// BoundingBox is a rectangular region given by two opposite corners in any
// order, in WGS84 lon/lat degrees.
type BoundingBox struct {
	A, B orb.Point
	Zoom int
}

// TileSet returns the inclusive rectangular tile range between the two
// corners. Corners are normalized and clamped to web mercator limits.
func (b BoundingBox) TileSet() (maptile.Set, error) {
	if !tilegrid.ValidZoom(b.Zoom) {
		return nil, tilegrid.ErrInvalidZoom
	}
	a := tilegrid.ClampToGrid(b.A)
	c := tilegrid.ClampToGrid(b.B)

	west, east := a.Lon(), c.Lon()
	if west > east {
		west, east = east, west
	}
	south, north := a.Lat(), c.Lat()
	if south > north {
		south, north = north, south
	}

	nw, err := tilegrid.At(orb.Point{west, north}, b.Zoom)
	if err != nil {
		return nil, err
	}
	se, err := tilegrid.At(orb.Point{east, south}, b.Zoom)
	if err != nil {
		return nil, err
	}

	set := make(maptile.Set)
	for x := nw.X; x <= se.X; x++ {
		for y := nw.Y; y <= se.Y; y++ {
			set[maptile.New(x, y, maptile.Zoom(b.Zoom))] = true
		}
	}
	return set, nil
}

// FixedCorridor covers everything within a constant half-width of a path.
type FixedCorridor struct {
	Path      []orb.Point
	HalfWidth float64 // meters on each side of the path
	Zoom      int
}

func (c FixedCorridor) TileSet() (maptile.Set, error) {
	if err := validate(c.Path, c.Zoom, c.HalfWidth); err != nil {
		return nil, err
	}
	widths := make([]float64, len(c.Path))
	for i := range widths {
		widths[i] = c.HalfWidth
	}
	return corridorTiles(c.Path, widths, c.Zoom)
}

// ToleranceCorridor covers a corridor whose half-width grows linearly with
// traveled path length, from StartHalfWidth at the first vertex to
// EndHalfWidth at the last.
type ToleranceCorridor struct {
	Path           []orb.Point
	StartHalfWidth float64 // meters at the first vertex
	EndHalfWidth   float64 // meters at the last vertex
	Zoom           int
}

func (c ToleranceCorridor) TileSet() (maptile.Set, error) {
	if err := validate(c.Path, c.Zoom, c.StartHalfWidth, c.EndHalfWidth); err != nil {
		return nil, err
	}
	return corridorTiles(c.Path, interpolateWidths(c.Path, c.StartHalfWidth, c.EndHalfWidth), c.Zoom)
}

func validate(path []orb.Point, zoom int, widths ...float64) error {
	if !tilegrid.ValidZoom(zoom) {
		return tilegrid.ErrInvalidZoom
	}
	if len(path) < 2 {
		return ErrEmptyPath
	}
	for _, w := range widths {
		if w < 0 {
			return ErrInvalidWidth
		}
	}
	return nil
}
