// Package mosaic stitches fetched tiles into one georeferenced raster and
// writes it out as a GeoTIFF with optional compression.
package mosaic

import (
	"bytes"
	"errors"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"tilemosaic/fetch"
	"tilemosaic/tilegrid"
)

// Compression selects the GeoTIFF compression scheme.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionJPEG
	CompressionLZW
	CompressionDeflate
)

// CRS selects how the output raster is georeferenced.
type CRS int

const (
	CRS4326 CRS = iota // WGS84 geographic, degrees
	CRS3857            // Web Mercator, meters
)

var ErrEmptyMosaic = errors.New("mosaic: no successful tiles to assemble")

// Spec describes one mosaic assembly.
type Spec struct {
	// Tiles is the fetch result map. Failed entries leave nodata holes.
	Tiles map[maptile.Tile]fetch.Result
	Zoom  int

	Compression Compression
	JPEGQuality int // 1-100, 0 means 75
	CRS         CRS
}

// Transform is the affine mapping from pixel space to the output CRS:
// geographic coordinate = origin + pixel index * pixel size, with y growing
// southward from the top-left origin.
type Transform struct {
	OriginX, OriginY        float64
	PixelWidth, PixelHeight float64
	EPSG                    int
}

// Raster is an assembled mosaic awaiting encoding. Failed or undecodable
// tiles stay fully transparent; zero alpha is the nodata marker.
type Raster struct {
	Image     *image.RGBA
	Transform Transform
	Gaps      int // tile positions left as nodata
}

// Assemble composites every successful tile onto a canvas sized from the
// tile index bounding range. It fails only when no tile at all is usable.
func Assemble(spec Spec) (*Raster, error) {
	if !tilegrid.ValidZoom(spec.Zoom) {
		return nil, tilegrid.ErrInvalidZoom
	}

	var good []fetch.Result
	failed := 0
	for t, r := range spec.Tiles {
		if int(t.Z) != spec.Zoom {
			continue
		}
		if r.Err != nil {
			failed++
			continue
		}
		good = append(good, r)
	}
	if len(good) == 0 {
		return nil, ErrEmptyMosaic
	}

	minX, maxX := good[0].Tile.X, good[0].Tile.X
	minY, maxY := good[0].Tile.Y, good[0].Tile.Y
	extend := func(t maptile.Tile) {
		if t.X < minX {
			minX = t.X
		}
		if t.X > maxX {
			maxX = t.X
		}
		if t.Y < minY {
			minY = t.Y
		}
		if t.Y > maxY {
			maxY = t.Y
		}
	}
	for _, r := range good {
		extend(r.Tile)
	}
	for t, r := range spec.Tiles {
		if r.Err == nil || int(t.Z) != spec.Zoom {
			continue
		}
		extend(t) // failed tiles still stretch the canvas so holes stay holes
	}

	width := int(maxX-minX+1) * tilegrid.TileSize
	height := int(maxY-minY+1) * tilegrid.TileSize
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))

	drawn := 0
	for _, r := range good {
		img, _, err := image.Decode(bytes.NewReader(r.Data))
		if err != nil {
			log.Warnf("mosaic: undecodable tile %d/%d/%d: %v", r.Tile.Z, r.Tile.X, r.Tile.Y, err)
			failed++
			continue
		}
		b := img.Bounds()
		if b.Dx() != tilegrid.TileSize || b.Dy() != tilegrid.TileSize {
			log.Warnf("mosaic: tile %d/%d/%d is %dx%d, want %dx%d",
				r.Tile.Z, r.Tile.X, r.Tile.Y, b.Dx(), b.Dy(), tilegrid.TileSize, tilegrid.TileSize)
			failed++
			continue
		}
		xOff := int(r.Tile.X-minX) * tilegrid.TileSize
		yOff := int(r.Tile.Y-minY) * tilegrid.TileSize
		dst := image.Rect(xOff, yOff, xOff+tilegrid.TileSize, yOff+tilegrid.TileSize)
		draw.Draw(canvas, dst, img, b.Min, draw.Src)
		drawn++
	}
	if drawn == 0 {
		return nil, ErrEmptyMosaic
	}

	tf, err := transformFor(maptile.New(minX, minY, maptile.Zoom(spec.Zoom)),
		maptile.New(maxX, maxY, maptile.Zoom(spec.Zoom)), spec.CRS)
	if err != nil {
		return nil, err
	}
	return &Raster{Image: canvas, Transform: tf, Gaps: failed}, nil
}

// transformFor anchors the geotransform at the NW corner of the top-left tile.
func transformFor(topLeft, bottomRight maptile.Tile, crs CRS) (Transform, error) {
	nw := tilegrid.Bounds(topLeft)
	se := tilegrid.Bounds(bottomRight)
	zoom := int(topLeft.Z)

	switch crs {
	case CRS3857:
		origin := tilegrid.ToMercator(orb.Point{nw.Left(), nw.Top()})
		res, err := tilegrid.GroundResolution(0, zoom)
		if err != nil {
			return Transform{}, err
		}
		return Transform{
			OriginX: origin[0], OriginY: origin[1],
			PixelWidth: res, PixelHeight: res,
			EPSG: 3857,
		}, nil
	default:
		centerLat := (nw.Top() + se.Bottom()) / 2
		xSize, ySize := tilegrid.DegreesPerPixel(centerLat, zoom)
		return Transform{
			OriginX: nw.Left(), OriginY: nw.Top(),
			PixelWidth: xSize, PixelHeight: ySize,
			EPSG: 4326,
		}, nil
	}
}

// WriteGeoTIFF encodes the raster at path. The file is written to a
// temporary name in the same directory and renamed into place only on
// success, so a failed write never leaves a half-finished output behind.
func (r *Raster) WriteGeoTIFF(path string, c Compression, jpegQuality int) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".mosaic-*.tif")
	if err != nil {
		return pkgerrors.Wrap(err, "mosaic: create output")
	}
	tmpName := tmp.Name()

	if err := encodeGeoTIFF(tmp, r.Image, r.Transform, c, jpegQuality); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return pkgerrors.Wrap(err, "mosaic: encode geotiff")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return pkgerrors.Wrap(err, "mosaic: flush output")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return pkgerrors.Wrap(err, "mosaic: finalize output")
	}
	return nil
}

// Write assembles and writes in one step, returning the gap count.
func Write(spec Spec, path string) (int, error) {
	raster, err := Assemble(spec)
	if err != nil {
		return 0, err
	}
	quality := spec.JPEGQuality
	if quality == 0 {
		quality = 75
	}
	if err := raster.WriteGeoTIFF(path, spec.Compression, quality); err != nil {
		return 0, err
	}
	return raster.Gaps, nil
}
