package decode

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/fastpathio/engine/internal/fastpatherr"
)

func encode(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestJPEGDecodeDimensions(t *testing.T) {
	data := encode(t, 512, 512, color.RGBA{R: 200, G: 50, B: 10, A: 255})

	tile, err := JPEG(data)
	if err != nil {
		t.Fatalf("JPEG: %v", err)
	}
	if tile.Width != 512 || tile.Height != 512 {
		t.Errorf("dims = %dx%d, want 512x512", tile.Width, tile.Height)
	}
	if tile.Size() != 512*512*3 {
		t.Errorf("size = %d, want %d", tile.Size(), 512*512*3)
	}
}

func TestJPEGDecodeEdgeTileSmallerThanTileSize(t *testing.T) {
	// An edge tile need not be square or match the nominal tile_size.
	data := encode(t, 200, 113, color.RGBA{R: 10, G: 10, B: 10, A: 255})

	tile, err := JPEG(data)
	if err != nil {
		t.Fatalf("JPEG: %v", err)
	}
	if tile.Width != 200 || tile.Height != 113 {
		t.Errorf("dims = %dx%d, want 200x113", tile.Width, tile.Height)
	}
}

func TestJPEGDecodeApproximatesSourceColor(t *testing.T) {
	data := encode(t, 64, 64, color.RGBA{R: 128, G: 64, B: 200, A: 255})

	tile, err := JPEG(data)
	if err != nil {
		t.Fatalf("JPEG: %v", err)
	}

	r, g, b := tile.RGB[0], tile.RGB[1], tile.RGB[2]
	if absDiff(r, 128) > 8 || absDiff(g, 64) > 8 || absDiff(b, 200) > 8 {
		t.Errorf("decoded pixel = (%d,%d,%d), want near (128,64,200)", r, g, b)
	}
}

func TestJPEGDecodeMalformedInput(t *testing.T) {
	_, err := JPEG([]byte("not a jpeg"))
	if !errors.Is(err, fastpatherr.ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
}

func absDiff(a byte, b int) int {
	d := int(a) - b
	if d < 0 {
		return -d
	}
	return d
}

func TestPutBufRecyclesMatchingDimensions(t *testing.T) {
	data := encode(t, 32, 32, color.RGBA{R: 1, G: 2, B: 3, A: 255})

	first, err := JPEG(data)
	if err != nil {
		t.Fatalf("JPEG: %v", err)
	}
	buf := first.RGB
	PutBuf(first)

	second, err := JPEG(data)
	if err != nil {
		t.Fatalf("JPEG: %v", err)
	}
	if &second.RGB[0] != &buf[0] {
		t.Error("expected JPEG to reuse the pooled buffer for matching dimensions")
	}
}

func TestPutBufIgnoresMismatchedLength(t *testing.T) {
	// Must not panic or corrupt the pool when handed a buffer whose
	// length doesn't match its claimed dimensions.
	PutBuf(Tile{RGB: make([]byte, 4), Width: 10, Height: 10})
	PutBuf(Tile{RGB: nil, Width: 0, Height: 0})
}
