package mosaic

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"
	"sort"

	"github.com/hhrutter/lzw"
)

// TIFF field types and the tags this encoder emits.
const (
	typeByte     = 1
	typeASCII    = 2
	typeShort    = 3
	typeLong     = 4
	typeRational = 5
	typeDouble   = 12

	tagImageWidth     = 256
	tagImageLength    = 257
	tagBitsPerSample  = 258
	tagCompression    = 259
	tagPhotometric    = 262
	tagStripOffsets   = 273
	tagSamplesPerPix  = 277
	tagRowsPerStrip   = 278
	tagStripByteCount = 279
	tagXResolution    = 282
	tagYResolution    = 283
	tagResolutionUnit = 296
	tagExtraSamples   = 338

	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGeoKeyDirectory = 34735
)

// TIFF compression codes.
const (
	compNone    = 1
	compLZW     = 5
	compJPEG    = 7
	compDeflate = 8
)

var tiffOrder = binary.LittleEndian

type ifdEntry struct {
	tag      uint16
	datatype uint16
	count    uint32
	value    []byte
}

// encodeGeoTIFF writes img as a single-strip GeoTIFF. Uncompressed, LZW and
// Deflate outputs carry RGBA samples with zero alpha as nodata; JPEG output
// is a lossy three-sample YCbCr strip, so nodata degrades to black there.
func encodeGeoTIFF(w io.Writer, img *image.RGBA, tf Transform, c Compression, quality int) error {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	strip, compCode, samples, err := encodeStrip(img, c, quality)
	if err != nil {
		return err
	}

	var entries []ifdEntry
	add := func(tag, datatype uint16, count uint32, value []byte) {
		entries = append(entries, ifdEntry{tag, datatype, count, value})
	}

	add(tagImageWidth, typeLong, 1, u32(uint32(width)))
	add(tagImageLength, typeLong, 1, u32(uint32(height)))
	add(tagCompression, typeShort, 1, u16(uint16(compCode)))
	add(tagSamplesPerPix, typeShort, 1, u16(uint16(samples)))
	add(tagRowsPerStrip, typeLong, 1, u32(uint32(height)))
	add(tagXResolution, typeRational, 1, rational(72, 1))
	add(tagYResolution, typeRational, 1, rational(72, 1))
	add(tagResolutionUnit, typeShort, 1, u16(2))
	if samples == 4 {
		bps := []uint16{8, 8, 8, 8}
		add(tagBitsPerSample, typeShort, 4, u16s(bps))
		add(tagPhotometric, typeShort, 1, u16(2)) // RGB
		add(tagExtraSamples, typeShort, 1, u16(2)) // unassociated alpha
	} else {
		add(tagBitsPerSample, typeShort, 3, u16s([]uint16{8, 8, 8}))
		add(tagPhotometric, typeShort, 1, u16(6)) // YCbCr inside the JPEG strip
	}

	add(tagModelPixelScale, typeDouble, 3, f64s([]float64{tf.PixelWidth, tf.PixelHeight, 0}))
	add(tagModelTiepoint, typeDouble, 6, f64s([]float64{0, 0, 0, tf.OriginX, tf.OriginY, 0}))
	add(tagGeoKeyDirectory, typeShort, 16, u16s(geoKeys(tf.EPSG)))

	// Placeholders, patched once the data layout is known.
	add(tagStripOffsets, typeLong, 1, u32(0))
	add(tagStripByteCount, typeLong, 1, u32(uint32(len(strip))))

	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	// Layout: 8-byte header, IFD, overflow values, strip.
	ifdSize := 2 + 12*len(entries) + 4
	valueOffset := 8 + ifdSize

	var overflow bytes.Buffer
	for i := range entries {
		e := &entries[i]
		if len(e.value) > 4 {
			off := uint32(valueOffset + overflow.Len())
			overflow.Write(e.value)
			e.value = u32(off)
		}
	}

	stripOffset := uint32(valueOffset + overflow.Len())
	for i := range entries {
		if entries[i].tag == tagStripOffsets {
			entries[i].value = u32(stripOffset)
		}
	}

	if _, err := w.Write([]byte{'I', 'I', 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00}); err != nil {
		return err
	}
	if err := binary.Write(w, tiffOrder, uint16(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := binary.Write(w, tiffOrder, e.tag); err != nil {
			return err
		}
		if err := binary.Write(w, tiffOrder, e.datatype); err != nil {
			return err
		}
		if err := binary.Write(w, tiffOrder, e.count); err != nil {
			return err
		}
		var val [4]byte
		copy(val[:], e.value)
		if _, err := w.Write(val[:]); err != nil {
			return err
		}
	}
	if err := binary.Write(w, tiffOrder, uint32(0)); err != nil {
		return err
	}
	if _, err := overflow.WriteTo(w); err != nil {
		return err
	}
	_, err = w.Write(strip)
	return err
}

// encodeStrip produces the single image strip for the chosen compression and
// reports the TIFF compression code and sample count that describe it.
func encodeStrip(img *image.RGBA, c Compression, quality int) ([]byte, int, int, error) {
	switch c {
	case CompressionNone:
		return rawRGBA(img), compNone, 4, nil
	case CompressionLZW:
		var buf bytes.Buffer
		// TIFF LZW uses the early-change flavor of the codec.
		lw := lzw.NewWriter(&buf, true)
		if _, err := lw.Write(rawRGBA(img)); err != nil {
			return nil, 0, 0, err
		}
		if err := lw.Close(); err != nil {
			return nil, 0, 0, err
		}
		return buf.Bytes(), compLZW, 4, nil
	case CompressionDeflate:
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(rawRGBA(img)); err != nil {
			return nil, 0, 0, err
		}
		if err := zw.Close(); err != nil {
			return nil, 0, 0, err
		}
		return buf.Bytes(), compDeflate, 4, nil
	case CompressionJPEG:
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, 0, 0, err
		}
		return buf.Bytes(), compJPEG, 3, nil
	default:
		return nil, 0, 0, fmt.Errorf("mosaic: unsupported compression %d", c)
	}
}

// rawRGBA packs pixels row by row without stride padding.
func rawRGBA(img *image.RGBA) []byte {
	b := img.Bounds()
	rowLen := b.Dx() * 4
	out := make([]byte, 0, rowLen*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		start := img.PixOffset(b.Min.X, y)
		out = append(out, img.Pix[start:start+rowLen]...)
	}
	return out
}

// geoKeys builds the GeoKeyDirectory for the supported reference systems.
// Layout per key: id, location, count, value.
func geoKeys(epsg int) []uint16 {
	if epsg == 3857 {
		return []uint16{
			1, 1, 0, 3,
			1024, 0, 1, 1, // GTModelType: projected
			1025, 0, 1, 1, // GTRasterType: pixel is area
			3072, 0, 1, 3857, // ProjectedCSType
		}
	}
	return []uint16{
		1, 1, 0, 3,
		1024, 0, 1, 2, // GTModelType: geographic
		1025, 0, 1, 1, // GTRasterType: pixel is area
		2048, 0, 1, 4326, // GeographicType
	}
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	tiffOrder.PutUint16(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	tiffOrder.PutUint32(b, v)
	return b
}

func u16s(vs []uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		tiffOrder.PutUint16(b[i*2:], v)
	}
	return b
}

func f64s(vs []float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		tiffOrder.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return b
}

func rational(num, den uint32) []byte {
	b := make([]byte, 8)
	tiffOrder.PutUint32(b[:4], num)
	tiffOrder.PutUint32(b[4:], den)
	return b
}
