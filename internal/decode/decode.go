// Package decode implements C2: a pure, thread-safe function turning JPEG
// bytes into a packed RGB buffer. It is deliberately a single concrete
// function rather than a pluggable interface (§9 "Dynamic dispatch
// elimination") — the core never needs more than one image format on the
// read path, since packs are JPEG-only (§1 Non-goals). Output buffers are
// drawn from a size-keyed pool (bufpool.go) that C3 refills on eviction,
// so steady-state panning re-decodes without growing the heap.
package decode

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/fastpathio/engine/internal/fastpatherr"
)

// Tile is a decoded tile: packed RGB bytes (no row padding; width*3 is the
// stride) plus the dimensions the JPEG header actually carried. Edge tiles
// may be smaller than the pyramid's nominal tile_size, so callers must not
// assume uniformity (§4.2 "Dimensions policy").
type Tile struct {
	RGB    []byte
	Width  int
	Height int
}

// Size returns the buffer size in bytes (width*height*3).
func (t Tile) Size() int {
	return len(t.RGB)
}

// JPEG decodes jpegBytes into a packed RGB buffer. Safe to call
// concurrently on distinct inputs — it holds no shared state.
func JPEG(jpegBytes []byte) (Tile, error) {
	img, err := jpeg.Decode(bytes.NewReader(jpegBytes))
	if err != nil {
		return Tile{}, fmt.Errorf("decoding jpeg: %w: %v", fastpatherr.ErrDecode, err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	rgb := getBuf(w, h)

	// Fast path for the common case: image/jpeg's *image.YCbCr, which
	// has no generic At() color-conversion overhead when walked directly.
	if ycbcr, ok := img.(*image.YCbCr); ok {
		decodeYCbCr(ycbcr, rgb, w, h)
		return Tile{RGB: rgb, Width: w, Height: h}, nil
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			rgb[i] = byte(r >> 8)
			rgb[i+1] = byte(g >> 8)
			rgb[i+2] = byte(bl >> 8)
			i += 3
		}
	}
	return Tile{RGB: rgb, Width: w, Height: h}, nil
}

// decodeYCbCr converts a *image.YCbCr directly to packed RGB, avoiding the
// per-pixel interface dispatch of the generic At()/RGBA() path.
func decodeYCbCr(img *image.YCbCr, rgb []byte, w, h int) {
	b := img.Bounds()
	i := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			yi := img.YOffset(b.Min.X+x, b.Min.Y+y)
			ci := img.COffset(b.Min.X+x, b.Min.Y+y)
			r, g, bl := yCbCrToRGB(img.Y[yi], img.Cb[ci], img.Cr[ci])
			rgb[i] = r
			rgb[i+1] = g
			rgb[i+2] = bl
			i += 3
		}
	}
}

// yCbCrToRGB is the standard JFIF YCbCr→RGB conversion (BT.601), matching
// what image/color.YCbCrToRGB computes, inlined to avoid its return-value
// packing overhead in a hot per-pixel loop.
func yCbCrToRGB(y, cb, cr uint8) (r, g, b uint8) {
	yy := int32(y) * 0x10101
	cb32 := int32(cb) - 128
	cr32 := int32(cr) - 128

	r32 := yy + 91881*cr32
	g32 := yy - 22554*cb32 - 46802*cr32
	b32 := yy + 116130*cb32

	return clamp8(r32), clamp8(g32), clamp8(b32)
}

func clamp8(v int32) uint8 {
	v >>= 16
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
