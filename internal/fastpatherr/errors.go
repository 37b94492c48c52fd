// Package fastpatherr defines the five error kinds the engine can raise,
// per the error handling design: NotFound and FormatVersion and
// IndexCorrupt are fatal to opening a slide; DecodeError and IOError are
// per-tile and never poison the cache (IOError is also fatal to opening
// when a pack file cannot be memory-mapped).
package fastpatherr

import "errors"

var (
	// ErrNotFound means a required file or sub-artifact is missing.
	// Fatal to Open; never raised from a tile read (an absent tile
	// returns none, not an error).
	ErrNotFound = errors.New("fastpath: not found")

	// ErrFormatVersion means metadata.json carries an unrecognized
	// tile_format. Fatal to Open.
	ErrFormatVersion = errors.New("fastpath: unsupported format version")

	// ErrIndexCorrupt means an index file failed structural validation.
	// Fatal to Open; the engine never attempts a partial load.
	ErrIndexCorrupt = errors.New("fastpath: index corrupt")

	// ErrDecode means JPEG decoding failed for a single tile. Per-tile,
	// non-fatal.
	ErrDecode = errors.New("fastpath: decode failed")

	// ErrIO means a pack read (mmap slice or file read) failed for a
	// single tile. Per-tile, non-fatal, handled identically to ErrDecode.
	// Open also returns it, fatally, when a pack file cannot be
	// memory-mapped.
	ErrIO = errors.New("fastpath: io failure")
)
