package planner

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/planar"

	"tilemosaic/tilegrid"
)

// corridorTiles unions the tiles covered by every path segment and by a
// round cap at every vertex. widths holds the local half-width in meters at
// each path vertex, so a constant slice yields rectangles and an
// interpolated slice yields trapezoids.
//
// A tile belongs to the corridor when its center falls inside a segment
// polygon or within a cap radius. Boundary-touching centers are included so
// adjacent mosaics do not show seams.
func corridorTiles(path []orb.Point, widths []float64, zoom int) (maptile.Set, error) {
	z := maptile.Zoom(zoom)
	set := make(maptile.Set)

	for i := 0; i < len(path)-1; i++ {
		a, b := path[i], path[i+1]
		if geo.Distance(a, b) == 0 {
			continue // zero-length segment, nothing to offset
		}
		wa, wb := widths[i], widths[i+1]
		if wa == 0 && wb == 0 {
			continue // a line has no area
		}
		coverPolygon(set, segmentQuad(a, b, wa, wb), z)
	}

	for i, p := range path {
		if widths[i] > 0 {
			coverCap(set, p, widths[i], z)
		}
	}
	return set, nil
}

// segmentQuad offsets both segment endpoints perpendicular to the segment
// bearing by their local half-widths. Equal widths give a rectangle, unequal
// widths a trapezoid approximating the local taper.
func segmentQuad(a, b orb.Point, wa, wb float64) orb.Polygon {
	bearing := geo.Bearing(a, b)
	ring := orb.Ring{
		tilegrid.Offset(a, bearing-90, wa),
		tilegrid.Offset(b, bearing-90, wb),
		tilegrid.Offset(b, bearing+90, wb),
		tilegrid.Offset(a, bearing+90, wa),
	}
	ring = append(ring, ring[0])
	return orb.Polygon{ring}
}

// coverPolygon scans the candidate tile rows and columns within the polygon
// bounding box and keeps every tile whose center lies in the polygon.
func coverPolygon(set maptile.Set, poly orb.Polygon, z maptile.Zoom) {
	forCandidates(poly.Bound(), z, func(t maptile.Tile) {
		if planar.PolygonContains(poly, t.Center()) {
			set[t] = true
		}
	})
}

// coverCap keeps every tile whose center is within radius meters of p,
// forming the round joint between consecutive segments.
func coverCap(set maptile.Set, p orb.Point, radius float64, z maptile.Zoom) {
	forCandidates(geo.NewBoundAroundPoint(p, radius), z, func(t maptile.Tile) {
		if geo.Distance(t.Center(), p) <= radius {
			set[t] = true
		}
	})
}

func forCandidates(bound orb.Bound, z maptile.Zoom, fn func(maptile.Tile)) {
	nw, err := tilegrid.At(tilegrid.ClampToGrid(orb.Point{bound.Left(), bound.Top()}), int(z))
	if err != nil {
		return
	}
	se, err := tilegrid.At(tilegrid.ClampToGrid(orb.Point{bound.Right(), bound.Bottom()}), int(z))
	if err != nil {
		return
	}
	for x := nw.X; x <= se.X; x++ {
		for y := nw.Y; y <= se.Y; y++ {
			fn(maptile.New(x, y, z))
		}
	}
}

// interpolateWidths returns the half-width at every path vertex for a
// corridor tapering linearly with cumulative path length. A path of zero
// total length keeps the start width everywhere.
func interpolateWidths(path []orb.Point, start, end float64) []float64 {
	total := 0.0
	for i := 0; i < len(path)-1; i++ {
		total += geo.Distance(path[i], path[i+1])
	}

	widths := make([]float64, len(path))
	cum := 0.0
	for i := range path {
		if i > 0 {
			cum += geo.Distance(path[i-1], path[i])
		}
		if total == 0 {
			widths[i] = start
			continue
		}
		widths[i] = start + (end-start)*(cum/total)
	}
	return widths
}
