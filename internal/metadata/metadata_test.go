package metadata

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fastpathio/engine/internal/fastpatherr"
)

func writeMetadata(t *testing.T, dir string, raw rawSlide) {
	t.Helper()
	data, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func validRaw() rawSlide {
	return rawSlide{
		Version:             "1",
		SourceFile:          "slide.svs",
		SourceMPP:           0.25,
		TargetMPP:           0.5,
		TargetMagnification: 20.0,
		TileSize:            512,
		Dimensions:          [2]int{2048, 2048},
		Levels: []LevelDescriptor{
			{Level: 0, Downsample: 4, Cols: 1, Rows: 1},
			{Level: 1, Downsample: 2, Cols: 2, Rows: 2},
			{Level: 2, Downsample: 1, Cols: 4, Rows: 4},
		},
		BackgroundColor: [3]uint8{255, 255, 255},
		PreprocessedAt:  "2025-01-01T00:00:00Z",
		TileFormat:      TileFormatPacked,
	}
}

func TestLoadValid(t *testing.T) {
	dir := t.TempDir()
	writeMetadata(t, dir, validRaw())

	s, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Width != 2048 || s.Height != 2048 {
		t.Errorf("dimensions = %d x %d, want 2048 x 2048", s.Width, s.Height)
	}
	if s.TileSize != 512 {
		t.Errorf("tile_size = %d, want 512", s.TileSize)
	}
	if len(s.Levels) != 3 {
		t.Fatalf("levels = %d, want 3", len(s.Levels))
	}
	if s.MaxLevel() != 2 {
		t.Errorf("MaxLevel() = %d, want 2", s.MaxLevel())
	}
	if lvl, ok := s.LevelByID(1); !ok || lvl.Cols != 2 {
		t.Errorf("LevelByID(1) = %+v, %v", lvl, ok)
	}
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); !errors.Is(err, fastpatherr.ErrNotFound) {
		t.Fatalf("Load() err = %v, want ErrNotFound", err)
	}
}

func TestLoadBadTileFormat(t *testing.T) {
	dir := t.TempDir()
	raw := validRaw()
	raw.TileFormat = "directory-of-jpegs"
	writeMetadata(t, dir, raw)

	if _, err := Load(dir); !errors.Is(err, fastpatherr.ErrFormatVersion) {
		t.Fatalf("Load() err = %v, want ErrFormatVersion", err)
	}
}

func TestLoadTileSizeTooSmall(t *testing.T) {
	dir := t.TempDir()
	raw := validRaw()
	raw.TileSize = 32
	writeMetadata(t, dir, raw)

	if _, err := Load(dir); !errors.Is(err, fastpatherr.ErrNotFound) {
		t.Fatalf("Load() err = %v, want ErrNotFound", err)
	}
}

func TestLoadLevelsNotAscending(t *testing.T) {
	dir := t.TempDir()
	raw := validRaw()
	raw.Levels[1].Level = 0
	writeMetadata(t, dir, raw)

	if _, err := Load(dir); !errors.Is(err, fastpatherr.ErrNotFound) {
		t.Fatalf("Load() err = %v, want ErrNotFound", err)
	}
}

func TestLoadUnknownVersionTolerated(t *testing.T) {
	dir := t.TempDir()
	raw := validRaw()
	raw.Version = "99"
	writeMetadata(t, dir, raw)

	if _, err := Load(dir); err != nil {
		t.Fatalf("Load() with unknown version = %v, want nil (warn only)", err)
	}
}
