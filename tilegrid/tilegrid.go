// Package tilegrid converts between geographic coordinates, XYZ tile indices
// and ground distances on the standard Web-Mercator slippy-map pyramid.
package tilegrid

import (
	"errors"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/maptile"
)

// TileSize 默认瓦片大小
const TileSize = 256

// MaxZoom is the deepest pyramid level accepted anywhere in this module.
const MaxZoom = 22

const (
	earthRadius         = 6378137.0
	webMercatorLatLimit = 85.05112877980659
)

var (
	ErrInvalidZoom       = errors.New("tilegrid: zoom level outside [0, 22]")
	ErrInvalidCoordinate = errors.New("tilegrid: latitude outside web mercator limits")
)

// ValidZoom reports whether z is a usable pyramid level.
func ValidZoom(z int) bool {
	return z >= 0 && z <= MaxZoom
}

// At returns the tile containing p at the given zoom level.
func At(p orb.Point, zoom int) (maptile.Tile, error) {
	if !ValidZoom(zoom) {
		return maptile.Tile{}, ErrInvalidZoom
	}
	if math.Abs(p.Lat()) > webMercatorLatLimit {
		return maptile.Tile{}, ErrInvalidCoordinate
	}
	return maptile.At(p, maptile.Zoom(zoom)), nil
}

// Bounds returns the geographic extent of a tile. The NW corner is
// (Left, Top), the SE corner (Right, Bottom).
func Bounds(t maptile.Tile) orb.Bound {
	return t.Bound()
}

// GroundResolution returns the ground distance in meters covered by one
// pixel at the given latitude and zoom level.
func GroundResolution(lat float64, zoom int) (float64, error) {
	if !ValidZoom(zoom) {
		return 0, ErrInvalidZoom
	}
	if math.Abs(lat) > webMercatorLatLimit {
		return 0, ErrInvalidCoordinate
	}
	return math.Cos(deg2rad(lat)) * 2 * math.Pi * earthRadius /
		float64(TileSize*(uint64(1)<<uint(zoom))), nil
}

// DegreesPerPixel returns the EPSG:4326 pixel size in degrees for a raster
// centered at the given latitude. The y size shrinks with cos(lat) so square
// web-mercator tiles keep their aspect when tagged as geographic.
func DegreesPerPixel(lat float64, zoom int) (xSize, ySize float64) {
	xSize = 360.0 / float64(TileSize*(uint64(1)<<uint(zoom)))
	cosLat := math.Cos(deg2rad(lat))
	const eps = 1e-6
	if math.Abs(cosLat) < eps {
		cosLat = eps
	}
	ySize = xSize * cosLat
	return xSize, ySize
}

// Offset returns the great-circle destination point reached from p by
// traveling the given distance in meters along the given bearing in degrees.
func Offset(p orb.Point, bearingDeg, meters float64) orb.Point {
	return geo.PointAtBearingAndDistance(p, bearingDeg, meters)
}

// ToMercator transforms a WGS84 point to spherical mercator meters (EPSG:3857).
func ToMercator(p orb.Point) orb.Point {
	x := earthRadius * deg2rad(p.Lon())
	y := earthRadius * math.Log(math.Tan(math.Pi*0.25+0.5*deg2rad(p.Lat())))
	return orb.Point{x, y}
}

// ClampToGrid pulls a point inside the extent the tile pyramid can address.
func ClampToGrid(p orb.Point) orb.Point {
	return orb.Point{
		math.Max(-180.0, math.Min(180.0, p.Lon())),
		math.Max(-webMercatorLatLimit, math.Min(webMercatorLatLimit, p.Lat())),
	}
}

func deg2rad(deg float64) float64 {
	return deg * (math.Pi / 180.0)
}
