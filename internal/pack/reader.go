// Package pack implements C1, the packed tile-store reader: it
// memory-maps each level's pack file and holds its index in owned memory,
// resolving (level, col, row) to a borrowed byte slice of JPEG data with
// no copy.
package pack

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fastpathio/engine/internal/fastpatherr"
	"github.com/fastpathio/engine/internal/metadata"
)

// level holds one pyramid level's memory-mapped pack and parsed index.
type level struct {
	cols, rows int
	entries    []entry
	data       []byte // memory-mapped pack file contents; nil after Close
}

// Reader provides read-only, concurrent-safe access to a slide's packed
// tile store. It is read-only after construction and may be freely shared
// across threads; Close is exclusive and invalidates every slice
// previously returned by Read.
type Reader struct {
	mu     sync.RWMutex // guards closed; does not guard reads of immutable level data
	levels map[int]*level
	closed bool
}

// Open memory-maps every level's pack file and loads its index for the
// given slide directory. slideLevels is normally slide.Levels from a
// parsed metadata.Slide, used to cross-validate cols/rows per level.
func Open(slideDir string, slideLevels []metadata.LevelDescriptor) (*Reader, error) {
	r := &Reader{levels: make(map[int]*level, len(slideLevels))}

	for _, ld := range slideLevels {
		lvl, err := openLevel(slideDir, ld)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.levels[ld.Level] = lvl
	}

	return r, nil
}

func openLevel(slideDir string, ld metadata.LevelDescriptor) (*level, error) {
	base := filepath.Join(slideDir, "tiles", fmt.Sprintf("level_%d", ld.Level))
	packPath := base + ".pack"
	idxPath := base + ".idx"

	packFile, err := os.Open(packPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", packPath, fastpatherr.ErrNotFound)
	}
	defer packFile.Close()

	fi, err := packFile.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", packPath, fastpatherr.ErrNotFound)
	}
	packSize := fi.Size()

	var data []byte
	if packSize > 0 {
		data, err = mmapFile(packFile.Fd(), int(packSize))
		if err != nil {
			return nil, fmt.Errorf("mmap %s: %w", packPath, fastpatherr.ErrIO)
		}
	}

	idxBytes, err := os.ReadFile(idxPath)
	if err != nil {
		if data != nil {
			munmapFile(data)
		}
		return nil, fmt.Errorf("reading %s: %w", idxPath, fastpatherr.ErrNotFound)
	}

	tables, err := parseIndex(idxBytes, packSize)
	if err != nil {
		if data != nil {
			munmapFile(data)
		}
		return nil, err
	}
	if len(tables) != 1 {
		if data != nil {
			munmapFile(data)
		}
		return nil, fmt.Errorf("%s: expected exactly one level table, got %d: %w", idxPath, len(tables), fastpatherr.ErrIndexCorrupt)
	}
	t := tables[0]

	if t.levelID != ld.Level || t.cols != ld.Cols || t.rows != ld.Rows {
		if data != nil {
			munmapFile(data)
		}
		return nil, fmt.Errorf("%s: index (level=%d cols=%d rows=%d) disagrees with metadata (level=%d cols=%d rows=%d): %w",
			idxPath, t.levelID, t.cols, t.rows, ld.Level, ld.Cols, ld.Rows, fastpatherr.ErrIndexCorrupt)
	}

	return &level{cols: t.cols, rows: t.rows, entries: t.entries, data: data}, nil
}

// Read resolves (level, col, row) to a borrowed slice of JPEG bytes. The
// returned slice is valid for the lifetime of the Reader (until Close).
// A zero-length index entry (an absent tile) returns (nil, false, nil) —
// never an error.
func (r *Reader) Read(level, col, row int) ([]byte, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, false, fmt.Errorf("reader closed: %w", fastpatherr.ErrIO)
	}

	lv, ok := r.levels[level]
	if !ok {
		return nil, false, nil
	}
	if col < 0 || col >= lv.cols || row < 0 || row >= lv.rows {
		return nil, false, nil
	}

	e := lv.entries[row*lv.cols+col]
	if e.length == 0 {
		return nil, false, nil
	}
	return lv.data[e.offset : e.offset+uint64(e.length)], true, nil
}

// Dims returns a level's tile grid dimensions, or false if the level does
// not exist in this pack.
func (r *Reader) Dims(level int) (cols, rows int, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lv, ok := r.levels[level]
	if !ok {
		return 0, 0, false
	}
	return lv.cols, lv.rows, true
}

// Close unmaps every level's pack file and invalidates all slices
// previously returned by Read. Callers must ensure the cache has drained
// (no in-flight reads) before calling Close; per §4.1 this is exclusive.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var firstErr error
	for _, lv := range r.levels {
		if lv.data == nil {
			continue
		}
		if err := munmapFile(lv.data); err != nil && firstErr == nil {
			firstErr = err
		}
		lv.data = nil
	}
	return firstErr
}
