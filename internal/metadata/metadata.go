// Package metadata parses the slide descriptor (metadata.json) that the
// external preprocessor produces and this engine consumes read-only.
package metadata

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fastpathio/engine/internal/fastpatherr"
)

// TileFormatPacked is the only tile_format this engine accepts. It names
// the packed single-file-per-level format documented in §6.3/§6.4 of the
// specification; the legacy directory-of-JPEGs layout is not implemented.
const TileFormatPacked = "fastpath-packed-v1"

// knownVersions are metadata schema versions the engine has validated
// against. An unrecognized version logs a warning and is otherwise
// accepted, matching the original SlideManager's tolerance for version
// drift in the JSON schema (only a genuinely malformed document fails
// load).
var knownVersions = map[string]bool{
	"1": true,
	"2": true,
}

// LevelDescriptor describes one pyramid level.
type LevelDescriptor struct {
	Level      int `json:"level"`
	Downsample int `json:"downsample"`
	Cols       int `json:"cols"`
	Rows       int `json:"rows"`
}

// Color is an 8-bit RGB triple.
type Color struct {
	R, G, B uint8
}

// Slide is the parsed, read-only slide descriptor.
type Slide struct {
	Version             string
	SourceFile          string
	SourceMPP           float64
	TargetMPP           float64
	TargetMagnification float64
	TileSize            int
	Width               int
	Height              int
	Levels              []LevelDescriptor
	BackgroundColor     Color
	PreprocessedAt      string
	TileFormat          string
}

// rawSlide mirrors the on-disk JSON shape before validation.
type rawSlide struct {
	Version             string            `json:"version"`
	SourceFile          string            `json:"source_file"`
	SourceMPP           float64           `json:"source_mpp"`
	TargetMPP           float64           `json:"target_mpp"`
	TargetMagnification float64           `json:"target_magnification"`
	TileSize            int               `json:"tile_size"`
	Dimensions          [2]int            `json:"dimensions"`
	Levels              []LevelDescriptor `json:"levels"`
	BackgroundColor     [3]uint8          `json:"background_color"`
	PreprocessedAt      string            `json:"preprocessed_at"`
	TileFormat          string            `json:"tile_format"`
}

// Load reads and validates metadata.json from a .fastpath slide directory.
//
// A missing file, malformed JSON, or a required key's absence is reported
// as fastpatherr.ErrNotFound (the descriptor is a required sub-artifact of
// the slide directory). An unsupported tile_format is
// fastpatherr.ErrFormatVersion. An unrecognized (but well-formed) schema
// version is tolerated with a logged warning.
func Load(slideDir string) (*Slide, error) {
	path := filepath.Join(slideDir, "metadata.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, fastpatherr.ErrNotFound)
	}

	var raw rawSlide
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w: %v", path, fastpatherr.ErrNotFound, err)
	}
	var present map[string]json.RawMessage
	if err := json.Unmarshal(data, &present); err != nil {
		return nil, fmt.Errorf("parsing %s: %w: %v", path, fastpatherr.ErrNotFound, err)
	}
	for _, key := range []string{"version", "source_file", "source_mpp", "target_mpp",
		"target_magnification", "tile_size", "dimensions", "levels", "background_color",
		"preprocessed_at", "tile_format"} {
		if _, ok := present[key]; !ok {
			return nil, fmt.Errorf("%s: missing required key %q: %w", path, key, fastpatherr.ErrNotFound)
		}
	}

	if raw.TileSize < 64 {
		return nil, fmt.Errorf("%s: tile_size %d below minimum 64: %w", path, raw.TileSize, fastpatherr.ErrNotFound)
	}
	if len(raw.Levels) == 0 {
		return nil, fmt.Errorf("%s: no levels: %w", path, fastpatherr.ErrNotFound)
	}
	if raw.TileFormat != TileFormatPacked {
		return nil, fmt.Errorf("%s: tile_format %q: %w", path, raw.TileFormat, fastpatherr.ErrFormatVersion)
	}
	if !knownVersions[raw.Version] {
		log.Printf("fastpath: metadata version %q is not one this engine was validated against; proceeding", raw.Version)
	}

	for i := 1; i < len(raw.Levels); i++ {
		if raw.Levels[i].Level <= raw.Levels[i-1].Level {
			return nil, fmt.Errorf("%s: levels not strictly ascending at index %d: %w", path, i, fastpatherr.ErrNotFound)
		}
	}

	return &Slide{
		Version:             raw.Version,
		SourceFile:          raw.SourceFile,
		SourceMPP:           raw.SourceMPP,
		TargetMPP:           raw.TargetMPP,
		TargetMagnification: raw.TargetMagnification,
		TileSize:            raw.TileSize,
		Width:               raw.Dimensions[0],
		Height:              raw.Dimensions[1],
		Levels:              raw.Levels,
		BackgroundColor:     Color{R: raw.BackgroundColor[0], G: raw.BackgroundColor[1], B: raw.BackgroundColor[2]},
		PreprocessedAt:      raw.PreprocessedAt,
		TileFormat:          raw.TileFormat,
	}, nil
}

// LevelByID returns the level descriptor for the given level ID, or false
// if no such level exists.
func (s *Slide) LevelByID(level int) (LevelDescriptor, bool) {
	for _, l := range s.Levels {
		if l.Level == level {
			return l, true
		}
	}
	return LevelDescriptor{}, false
}

// MaxLevel returns the highest (finest-resolution) level ID.
func (s *Slide) MaxLevel() int {
	max := 0
	for _, l := range s.Levels {
		if l.Level > max {
			max = l.Level
		}
	}
	return max
}
