package pack

import (
	"encoding/binary"
	"fmt"

	"github.com/fastpathio/engine/internal/fastpatherr"
)

// Binary layout constants for the index file format (§6.3). Little-endian
// throughout.
const (
	magicString  = "FPTIDX1\x00"
	indexVersion = 1

	headerSize     = 16 // magic(8) + version(4) + level_count(4)
	levelRowSize   = 24 // level_id(4) + cols(4) + rows(4) + entries_offset(8)
	entryRowSize   = 16 // pack_offset(8) + length(4) + flags(4)
)

// entry is one tile's location within a level's pack file.
type entry struct {
	offset uint64
	length uint32
}

// levelTable is one level's parsed index: its tile grid plus the entry
// table in row-major order.
type levelTable struct {
	levelID int
	cols    int
	rows    int
	entries []entry
}

// parseIndex validates and parses a single index file's raw bytes
// (typically the full contents of one level_N.idx file) into its level
// tables. packSize is the size of the corresponding pack file, used to
// reject entries whose byte range would run past the end of the pack.
func parseIndex(data []byte, packSize int64) ([]levelTable, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("index shorter than header (%d bytes): %w", len(data), fastpatherr.ErrIndexCorrupt)
	}
	if string(data[0:8]) != magicString {
		return nil, fmt.Errorf("bad magic %q: %w", data[0:8], fastpatherr.ErrIndexCorrupt)
	}
	version := binary.LittleEndian.Uint32(data[8:12])
	if version != indexVersion {
		return nil, fmt.Errorf("unsupported index version %d: %w", version, fastpatherr.ErrIndexCorrupt)
	}
	levelCount := int(binary.LittleEndian.Uint32(data[12:16]))

	wantLevelTableEnd := headerSize + levelCount*levelRowSize
	if len(data) < wantLevelTableEnd {
		return nil, fmt.Errorf("index truncated in level table: %w", fastpatherr.ErrIndexCorrupt)
	}

	var totalEntries int64
	levels := make([]levelTable, levelCount)
	for i := 0; i < levelCount; i++ {
		off := headerSize + i*levelRowSize
		levels[i].levelID = int(binary.LittleEndian.Uint32(data[off : off+4]))
		levels[i].cols = int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		levels[i].rows = int(binary.LittleEndian.Uint32(data[off+8 : off+12]))
		entriesOffset := binary.LittleEndian.Uint64(data[off+12 : off+20])

		n := int64(levels[i].cols) * int64(levels[i].rows)
		totalEntries += n

		wantEnd := int64(entriesOffset) + n*entryRowSize
		if wantEnd > int64(len(data)) {
			return nil, fmt.Errorf("index truncated in entry table for level %d: %w", levels[i].levelID, fastpatherr.ErrIndexCorrupt)
		}

		levels[i].entries = make([]entry, n)
		for j := int64(0); j < n; j++ {
			eoff := int64(entriesOffset) + j*entryRowSize
			e := entry{
				offset: binary.LittleEndian.Uint64(data[eoff : eoff+8]),
				length: binary.LittleEndian.Uint32(data[eoff+8 : eoff+12]),
			}
			flags := binary.LittleEndian.Uint32(data[eoff+12 : eoff+16])
			if flags != 0 {
				return nil, fmt.Errorf("level %d entry %d: non-zero reserved flags %#x: %w", levels[i].levelID, j, flags, fastpatherr.ErrIndexCorrupt)
			}
			if e.length > 0 {
				end := e.offset + uint64(e.length)
				if int64(end) > packSize {
					return nil, fmt.Errorf("level %d entry %d: pack_offset+length %d exceeds pack size %d: %w",
						levels[i].levelID, j, end, packSize, fastpatherr.ErrIndexCorrupt)
				}
			}
			levels[i].entries[j] = e
		}
	}

	wantSize := int64(headerSize) + int64(levelCount)*levelRowSize + totalEntries*entryRowSize
	if int64(len(data)) != wantSize && levelCount == 1 {
		// A single-level index file (the layout §6.1 actually uses) is
		// expected to be exactly this size; a mismatch here means stray
		// trailing or missing bytes rather than a deliberately larger
		// multi-level index.
		return nil, fmt.Errorf("index size %d, want exactly %d: %w", len(data), wantSize, fastpatherr.ErrIndexCorrupt)
	}

	return levels, nil
}

// serializeIndex renders a single-level index file's bytes. The reader
// does not call it, and internal/fastpathfixture keeps its own copy of
// this encoder rather than importing it.
func serializeIndex(levelID, cols, rows int, entries []entry) []byte {
	n := len(entries)
	buf := make([]byte, headerSize+levelRowSize+n*entryRowSize)

	copy(buf[0:8], magicString)
	binary.LittleEndian.PutUint32(buf[8:12], indexVersion)
	binary.LittleEndian.PutUint32(buf[12:16], 1)

	off := headerSize
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(levelID))
	binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(cols))
	binary.LittleEndian.PutUint32(buf[off+8:off+12], uint32(rows))
	binary.LittleEndian.PutUint64(buf[off+12:off+20], uint64(headerSize+levelRowSize))

	entriesOff := headerSize + levelRowSize
	for i, e := range entries {
		eoff := entriesOff + i*entryRowSize
		binary.LittleEndian.PutUint64(buf[eoff:eoff+8], e.offset)
		binary.LittleEndian.PutUint32(buf[eoff+8:eoff+12], e.length)
		binary.LittleEndian.PutUint32(buf[eoff+12:eoff+16], 0)
	}

	return buf
}
