package mosaic_test

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb/maptile"

	"tilemosaic/fetch"
	"tilemosaic/mosaic"
	"tilemosaic/tilegrid"
)

func tilePNG(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, tilegrid.TileSize, tilegrid.TileSize))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test tile: %v", err)
	}
	return buf.Bytes()
}

func gridResults(t *testing.T) (map[maptile.Tile]fetch.Result, map[maptile.Tile]color.RGBA) {
	t.Helper()
	colors := map[maptile.Tile]color.RGBA{
		maptile.New(16, 15, 5): {R: 255, A: 255},
		maptile.New(17, 15, 5): {G: 255, A: 255},
		maptile.New(16, 16, 5): {B: 255, A: 255},
	}
	results := make(map[maptile.Tile]fetch.Result)
	for tile, c := range colors {
		results[tile] = fetch.Result{Tile: tile, Data: tilePNG(t, c)}
	}
	failed := maptile.New(17, 16, 5)
	results[failed] = fetch.Result{Tile: failed, Err: errors.New("fetch: status 503")}
	return results, colors
}

func TestAssembleWithGap(t *testing.T) {
	results, colors := gridResults(t)
	raster, err := mosaic.Assemble(mosaic.Spec{Tiles: results, Zoom: 5})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	if got := raster.Image.Bounds(); got.Dx() != 512 || got.Dy() != 512 {
		t.Fatalf("canvas is %dx%d, want 512x512 for a 2x2 grid", got.Dx(), got.Dy())
	}
	if raster.Gaps != 1 {
		t.Errorf("Gaps = %d, want 1", raster.Gaps)
	}

	// Every successful quadrant carries its tile color exactly.
	for tile, want := range colors {
		px := int(tile.X-16)*tilegrid.TileSize + 128
		py := int(tile.Y-15)*tilegrid.TileSize + 128
		if got := raster.Image.RGBAAt(px, py); got != want {
			t.Errorf("quadrant of tile %v: pixel = %v, want %v", tile, got, want)
		}
	}

	// The failed quadrant stays at the nodata value (fully transparent).
	for _, off := range [][2]int{{256, 256}, {384, 384}, {511, 511}} {
		if got := raster.Image.RGBAAt(off[0], off[1]); got != (color.RGBA{}) {
			t.Errorf("nodata pixel at %v = %v, want transparent zero", off, got)
		}
	}
}

func TestAssembleEmpty(t *testing.T) {
	if _, err := mosaic.Assemble(mosaic.Spec{Zoom: 5}); !errors.Is(err, mosaic.ErrEmptyMosaic) {
		t.Errorf("empty input: got %v, want ErrEmptyMosaic", err)
	}

	failed := maptile.New(1, 1, 5)
	spec := mosaic.Spec{
		Tiles: map[maptile.Tile]fetch.Result{
			failed: {Tile: failed, Err: errors.New("fetch: status 503")},
		},
		Zoom: 5,
	}
	if _, err := mosaic.Assemble(spec); !errors.Is(err, mosaic.ErrEmptyMosaic) {
		t.Errorf("all-failed input: got %v, want ErrEmptyMosaic", err)
	}
}

func TestAssembleSkipsWrongSizeTiles(t *testing.T) {
	good := maptile.New(16, 15, 5)
	bad := maptile.New(17, 15, 5)

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 128, 128))); err != nil {
		t.Fatalf("encode undersized tile: %v", err)
	}
	spec := mosaic.Spec{
		Tiles: map[maptile.Tile]fetch.Result{
			good: {Tile: good, Data: tilePNG(t, color.RGBA{R: 255, A: 255})},
			bad:  {Tile: bad, Data: buf.Bytes()},
		},
		Zoom: 5,
	}

	raster, err := mosaic.Assemble(spec)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if raster.Gaps != 1 {
		t.Errorf("Gaps = %d, want 1 for the undersized tile", raster.Gaps)
	}
	if got := raster.Image.RGBAAt(384, 128); got != (color.RGBA{}) {
		t.Errorf("undersized tile region = %v, want nodata", got)
	}
}

func TestTransform(t *testing.T) {
	tile := maptile.New(16, 15, 5)
	results := map[maptile.Tile]fetch.Result{
		tile: {Tile: tile, Data: tilePNG(t, color.RGBA{R: 9, A: 255})},
	}

	raster, err := mosaic.Assemble(mosaic.Spec{Tiles: results, Zoom: 5, CRS: mosaic.CRS4326})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	b := tilegrid.Bounds(tile)
	if raster.Transform.EPSG != 4326 {
		t.Errorf("EPSG = %d, want 4326", raster.Transform.EPSG)
	}
	if raster.Transform.OriginX != b.Left() || raster.Transform.OriginY != b.Top() {
		t.Errorf("origin = (%v, %v), want tile NW corner (%v, %v)",
			raster.Transform.OriginX, raster.Transform.OriginY, b.Left(), b.Top())
	}
	if want := 360.0 / (256.0 * 32.0); math.Abs(raster.Transform.PixelWidth-want) > 1e-12 {
		t.Errorf("pixel width = %v, want %v", raster.Transform.PixelWidth, want)
	}

	merc, err := mosaic.Assemble(mosaic.Spec{Tiles: results, Zoom: 5, CRS: mosaic.CRS3857})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if merc.Transform.EPSG != 3857 {
		t.Errorf("EPSG = %d, want 3857", merc.Transform.EPSG)
	}
	origin := tilegrid.ToMercator(b.LeftTop())
	if math.Abs(merc.Transform.OriginX-origin[0]) > 1e-6 || math.Abs(merc.Transform.OriginY-origin[1]) > 1e-6 {
		t.Errorf("mercator origin = (%v, %v), want (%v, %v)",
			merc.Transform.OriginX, merc.Transform.OriginY, origin[0], origin[1])
	}
}

func TestWriteGeoTIFF(t *testing.T) {
	results, _ := gridResults(t)
	compressions := map[string]mosaic.Compression{
		"none":    mosaic.CompressionNone,
		"jpeg":    mosaic.CompressionJPEG,
		"lzw":     mosaic.CompressionLZW,
		"deflate": mosaic.CompressionDeflate,
	}

	for name, c := range compressions {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			out := filepath.Join(dir, "out.tif")
			gaps, err := mosaic.Write(mosaic.Spec{
				Tiles: results, Zoom: 5, Compression: c, JPEGQuality: 85,
			}, out)
			if err != nil {
				t.Fatalf("Write failed: %v", err)
			}
			if gaps != 1 {
				t.Errorf("gaps = %d, want 1", gaps)
			}

			data, err := os.ReadFile(out)
			if err != nil {
				t.Fatalf("output missing: %v", err)
			}
			if len(data) < 8 || !bytes.Equal(data[:4], []byte{'I', 'I', 0x2A, 0x00}) {
				t.Fatalf("output is not a little-endian TIFF")
			}

			// No temp files may survive a successful finalize.
			entries, err := os.ReadDir(dir)
			if err != nil {
				t.Fatalf("ReadDir failed: %v", err)
			}
			for _, e := range entries {
				if strings.HasPrefix(e.Name(), ".mosaic-") {
					t.Errorf("leftover temp file %s", e.Name())
				}
			}
		})
	}
}

func TestWriteGeoTIFFUnwritablePath(t *testing.T) {
	results, _ := gridResults(t)
	out := filepath.Join(t.TempDir(), "missing", "out.tif")
	if _, err := mosaic.Write(mosaic.Spec{Tiles: results, Zoom: 5}, out); err == nil {
		t.Error("expected a write error for a missing destination directory")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("a failed write must not leave an output file behind")
	}
}
