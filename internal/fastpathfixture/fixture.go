// Package fastpathfixture builds synthetic .fastpath slide directories for
// tests, standing in for the external pyramid builder this engine never
// implements. It writes the same two-file-per-level packed format (§6.3,
// §6.4) the real C1 reader consumes.
package fastpathfixture

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Binary layout constants mirrored from internal/pack's index format
// (§6.3). Kept here rather than imported so that the fixture package has
// no dependency on pack's unexported encoding, the same way a real
// pyramid builder would be a wholly separate program from this reader.
const (
	fixtureMagic      = "FPTIDX1\x00"
	fixtureIdxVersion = 1
	fixtureHeaderSize = 16
	fixtureLevelRow   = 24
	fixtureEntryRow   = 16
)

// LevelSpec describes one pyramid level to synthesize.
type LevelSpec struct {
	Level      int
	Downsample int
	Cols, Rows int
}

// Options configures the synthetic slide.
type Options struct {
	TileSize            int
	Levels              []LevelSpec
	Width, Height       int
	SourceMPP           float64
	TargetMPP           float64
	TargetMagnification float64
	BackgroundColor     [3]uint8
	TileFormat          string // defaults to the packed format if empty
	MetadataVersion     string // defaults to "1" if empty

	// Absent marks (level, col, row) tuples that should be written as
	// zero-length index entries rather than real JPEG tiles.
	Absent map[[3]int]bool

	// TileColor picks the fill color for a tile; if nil, each tile gets a
	// deterministic, level/col/row-derived color so tests can tell tiles
	// apart after a decode round-trip.
	TileColor func(level, col, row int) color.RGBA
}

func defaultTileColor(level, col, row int) color.RGBA {
	return color.RGBA{
		R: uint8((level*37 + col*11) % 256),
		G: uint8((col*29 + row*13) % 256),
		B: uint8((row*23 + level*17) % 256),
		A: 255,
	}
}

// Write assembles a .fastpath directory at dir per opts, overwriting any
// existing contents of the relevant subpaths.
func Write(dir string, opts Options) error {
	if opts.TileColor == nil {
		opts.TileColor = defaultTileColor
	}
	tileFormat := opts.TileFormat
	if tileFormat == "" {
		tileFormat = "fastpath-packed-v1"
	}
	version := opts.MetadataVersion
	if version == "" {
		version = "1"
	}

	tilesDir := filepath.Join(dir, "tiles")
	if err := os.MkdirAll(tilesDir, 0o755); err != nil {
		return fmt.Errorf("creating tiles dir: %w", err)
	}

	type levelJSON struct {
		Level      int `json:"level"`
		Downsample int `json:"downsample"`
		Cols       int `json:"cols"`
		Rows       int `json:"rows"`
	}
	levelsJSON := make([]levelJSON, 0, len(opts.Levels))

	for _, ls := range opts.Levels {
		if err := writeLevel(tilesDir, ls, opts); err != nil {
			return fmt.Errorf("writing level %d: %w", ls.Level, err)
		}
		levelsJSON = append(levelsJSON, levelJSON{
			Level: ls.Level, Downsample: ls.Downsample, Cols: ls.Cols, Rows: ls.Rows,
		})
	}

	meta := map[string]interface{}{
		"version":              version,
		"source_file":          "fixture-" + uuid.NewString() + ".svs",
		"source_mpp":           opts.SourceMPP,
		"target_mpp":           opts.TargetMPP,
		"target_magnification": opts.TargetMagnification,
		"tile_size":            opts.TileSize,
		"dimensions":           [2]int{opts.Width, opts.Height},
		"levels":               levelsJSON,
		"background_color":     opts.BackgroundColor,
		"preprocessed_at":      "2025-01-01T00:00:00Z",
		"tile_format":          tileFormat,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o644); err != nil {
		return fmt.Errorf("writing metadata.json: %w", err)
	}

	// thumbnail.jpg is part of the on-disk layout (§6.1); a 1x1 JPEG is
	// enough for tests that only check the file exists and is valid JPEG.
	thumb, err := encodeJPEG(1, 1, color.RGBA{R: 128, G: 128, B: 128, A: 255})
	if err != nil {
		return fmt.Errorf("encoding thumbnail: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "thumbnail.jpg"), thumb, 0o644); err != nil {
		return fmt.Errorf("writing thumbnail.jpg: %w", err)
	}

	return nil
}

// writeLevel renders every tile in a level's grid (skipping opts.Absent
// coordinates), concatenates the JPEG bytes into a pack file, and writes
// the matching index. The pack is assembled in a scratch temp file and
// renamed into place, mirroring the teacher writer's write-then-finalize
// discipline even though a test fixture has no concurrent writers to
// guard against.
func writeLevel(tilesDir string, ls LevelSpec, opts Options) error {
	scratch, err := os.CreateTemp(tilesDir, "scratch-"+uuid.NewString()+"-*.pack")
	if err != nil {
		return fmt.Errorf("creating scratch pack: %w", err)
	}
	scratchPath := scratch.Name()
	defer os.Remove(scratchPath) // no-op once renamed

	entries := make([]entryRec, ls.Cols*ls.Rows)

	var offset uint64
	for row := 0; row < ls.Rows; row++ {
		for col := 0; col < ls.Cols; col++ {
			idx := row*ls.Cols + col
			if opts.Absent[[3]int{ls.Level, col, row}] {
				entries[idx] = entryRec{offset: offset, length: 0}
				continue
			}
			data, err := encodeJPEG(opts.TileSize, opts.TileSize, opts.TileColor(ls.Level, col, row))
			if err != nil {
				scratch.Close()
				return fmt.Errorf("encoding tile %d/%d/%d: %w", ls.Level, col, row, err)
			}
			if _, err := scratch.Write(data); err != nil {
				scratch.Close()
				return fmt.Errorf("writing tile %d/%d/%d: %w", ls.Level, col, row, err)
			}
			entries[idx] = entryRec{offset: offset, length: uint32(len(data))}
			offset += uint64(len(data))
		}
	}
	if err := scratch.Close(); err != nil {
		return fmt.Errorf("closing scratch pack: %w", err)
	}

	packPath := filepath.Join(tilesDir, fmt.Sprintf("level_%d.pack", ls.Level))
	if err := os.Rename(scratchPath, packPath); err != nil {
		return fmt.Errorf("finalizing pack: %w", err)
	}

	idxBytes := serializeIndex(ls.Level, ls.Cols, ls.Rows, entries)
	idxPath := filepath.Join(tilesDir, fmt.Sprintf("level_%d.idx", ls.Level))
	if err := os.WriteFile(idxPath, idxBytes, 0o644); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}

	return nil
}

// entryRec is one tile's pack location, mirroring internal/pack's entry.
type entryRec struct {
	offset uint64
	length uint32
}

// serializeIndex renders one level's index file bytes per §6.3: a header
// with level_count=1, a single level-table row, then the row-major entry
// table.
func serializeIndex(levelID, cols, rows int, entries []entryRec) []byte {
	n := len(entries)
	buf := make([]byte, fixtureHeaderSize+fixtureLevelRow+n*fixtureEntryRow)

	copy(buf[0:8], fixtureMagic)
	binary.LittleEndian.PutUint32(buf[8:12], fixtureIdxVersion)
	binary.LittleEndian.PutUint32(buf[12:16], 1)

	off := fixtureHeaderSize
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(levelID))
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(cols))
	binary.LittleEndian.PutUint32(buf[off+8:off+12], uint32(rows))
	binary.LittleEndian.PutUint64(buf[off+12:off+20], uint64(fixtureHeaderSize+fixtureLevelRow))

	entriesOff := fixtureHeaderSize + fixtureLevelRow
	for i, e := range entries {
		eoff := entriesOff + i*fixtureEntryRow
		binary.LittleEndian.PutUint64(buf[eoff:eoff+8], e.offset)
		binary.LittleEndian.PutUint32(buf[eoff+8:eoff+12], e.length)
		binary.LittleEndian.PutUint32(buf[eoff+12:eoff+16], 0)
	}

	return buf
}

func encodeJPEG(w, h int, c color.RGBA) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
