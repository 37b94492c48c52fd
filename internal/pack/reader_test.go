package pack

import (
	"bytes"
	"errors"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/fastpathio/engine/internal/fastpatherr"
	"github.com/fastpathio/engine/internal/fastpathfixture"
	"github.com/fastpathio/engine/internal/metadata"
)

func buildFixture(t *testing.T) (string, []metadata.LevelDescriptor) {
	t.Helper()
	dir := t.TempDir()
	levels := []fastpathfixture.LevelSpec{
		{Level: 0, Downsample: 4, Cols: 1, Rows: 1},
		{Level: 1, Downsample: 1, Cols: 4, Rows: 4},
	}
	opts := fastpathfixture.Options{
		TileSize: 8,
		Levels:   levels,
		Width:    32,
		Height:   32,
		Absent:   map[[3]int]bool{{1, 3, 3}: true},
	}
	if err := fastpathfixture.Write(dir, opts); err != nil {
		t.Fatalf("fastpathfixture.Write: %v", err)
	}

	md := []metadata.LevelDescriptor{
		{Level: 0, Downsample: 4, Cols: 1, Rows: 1},
		{Level: 1, Downsample: 1, Cols: 4, Rows: 4},
	}
	return dir, md
}

func TestOpenAndReadRoundTrip(t *testing.T) {
	dir, levels := buildFixture(t)

	r, err := Open(dir, levels)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	data, ok, err := r.Read(1, 0, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !ok {
		t.Fatal("Read(1,0,0) ok = false, want true")
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decoded tile is not valid JPEG: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 8 || b.Dy() != 8 {
		t.Errorf("decoded dims = %dx%d, want 8x8", b.Dx(), b.Dy())
	}
}

func TestReadAbsentTile(t *testing.T) {
	dir, levels := buildFixture(t)
	r, err := Open(dir, levels)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	data, ok, err := r.Read(1, 3, 3)
	if err != nil {
		t.Fatalf("Read absent tile returned error: %v", err)
	}
	if ok || data != nil {
		t.Fatalf("Read absent tile = (%v, %v), want (nil, false)", data, ok)
	}
}

func TestReadOutOfGrid(t *testing.T) {
	dir, levels := buildFixture(t)
	r, err := Open(dir, levels)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if _, ok, err := r.Read(1, 99, 99); ok || err != nil {
		t.Fatalf("Read(1,99,99) = (ok=%v, err=%v), want (false, nil)", ok, err)
	}
	if _, ok, err := r.Read(99, 0, 0); ok || err != nil {
		t.Fatalf("Read(level=99,...) = (ok=%v, err=%v), want (false, nil)", ok, err)
	}
}

func TestOpenMissingPack(t *testing.T) {
	dir, levels := buildFixture(t)
	if err := os.Remove(filepath.Join(dir, "tiles", "level_0.pack")); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dir, levels); !errors.Is(err, fastpatherr.ErrNotFound) {
		t.Fatalf("Open() err = %v, want ErrNotFound", err)
	}
}

func TestOpenCorruptIndexBadMagic(t *testing.T) {
	dir, levels := buildFixture(t)
	idxPath := filepath.Join(dir, "tiles", "level_0.idx")
	raw, err := os.ReadFile(idxPath)
	if err != nil {
		t.Fatal(err)
	}
	raw[0] = 'X'
	if err := os.WriteFile(idxPath, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(dir, levels); !errors.Is(err, fastpatherr.ErrIndexCorrupt) {
		t.Fatalf("Open() err = %v, want ErrIndexCorrupt", err)
	}
}

func TestOpenCorruptIndexOffsetOverrun(t *testing.T) {
	dir := t.TempDir()
	levels := []fastpathfixture.LevelSpec{{Level: 0, Downsample: 1, Cols: 1, Rows: 1}}
	if err := fastpathfixture.Write(dir, fastpathfixture.Options{
		TileSize: 8, Levels: levels, Width: 8, Height: 8,
	}); err != nil {
		t.Fatal(err)
	}

	// Corrupt the index so the single entry's pack_offset+length runs
	// past the end of the pack file.
	idxPath := filepath.Join(dir, "tiles", "level_0.idx")
	raw, err := os.ReadFile(idxPath)
	if err != nil {
		t.Fatal(err)
	}
	entryOff := headerSize + levelRowSize
	// length field is bytes [entryOff+8 : entryOff+12]
	raw[entryOff+8] = 0xff
	raw[entryOff+9] = 0xff
	raw[entryOff+10] = 0xff
	raw[entryOff+11] = 0x7f
	if err := os.WriteFile(idxPath, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	md := []metadata.LevelDescriptor{{Level: 0, Downsample: 1, Cols: 1, Rows: 1}}
	if _, err := Open(dir, md); !errors.Is(err, fastpatherr.ErrIndexCorrupt) {
		t.Fatalf("Open() err = %v, want ErrIndexCorrupt", err)
	}
}

func TestOpenCorruptIndexNonZeroFlags(t *testing.T) {
	dir := t.TempDir()
	levels := []fastpathfixture.LevelSpec{{Level: 0, Downsample: 1, Cols: 1, Rows: 1}}
	if err := fastpathfixture.Write(dir, fastpathfixture.Options{
		TileSize: 8, Levels: levels, Width: 8, Height: 8,
	}); err != nil {
		t.Fatal(err)
	}

	idxPath := filepath.Join(dir, "tiles", "level_0.idx")
	raw, err := os.ReadFile(idxPath)
	if err != nil {
		t.Fatal(err)
	}
	entryOff := headerSize + levelRowSize
	raw[entryOff+12] = 1 // flags must be zero
	if err := os.WriteFile(idxPath, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	md := []metadata.LevelDescriptor{{Level: 0, Downsample: 1, Cols: 1, Rows: 1}}
	if _, err := Open(dir, md); !errors.Is(err, fastpatherr.ErrIndexCorrupt) {
		t.Fatalf("Open() err = %v, want ErrIndexCorrupt", err)
	}
}

func TestCloseInvalidatesFurtherReads(t *testing.T) {
	dir, levels := buildFixture(t)
	r, err := Open(dir, levels)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Idempotent close.
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, _, err := r.Read(1, 0, 0); err == nil {
		t.Fatal("Read after Close: want error, got nil")
	}
}
