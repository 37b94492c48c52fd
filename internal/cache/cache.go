// Package cache implements C3: the two-tier tile cache. L1 holds decoded
// RGB tiles (expensive to produce, cheap to render); L2 holds compressed
// JPEG bytes (cheap to hold, one decode away from L1). Both tiers are
// LRU-ordered under independent byte budgets, and concurrent misses on
// the same coordinate are coalesced through a single-flight in-flight
// table. Lookups and writes on both tiers go through one mutex.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fastpathio/engine/internal/decode"
	"github.com/fastpathio/engine/internal/fastpatherr"
	"github.com/fastpathio/engine/internal/pack"
	"github.com/fastpathio/engine/internal/sysmem"
	"github.com/fastpathio/engine/internal/telemetry"
	"github.com/fastpathio/engine/internal/tilecoord"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

var tracer = telemetry.Tracer("cache")

// Coord is a tile coordinate.
type Coord = tilecoord.Coord

// Default budgets (§4.3 "Budget defaults"). JPEG is roughly an order of
// magnitude smaller than decoded RGB, and the decode cost is worth
// avoiding across pan/zoom cycles, so L2 is sized much larger than L1.
const (
	DefaultL1Budget int64 = 4 << 30  // 4 GiB
	DefaultL2Budget int64 = 32 << 30 // 32 GiB
)

// DecodedRef is a refcounted handle onto an L1-resident decoded tile.
// Callers that hold a DecodedRef are guaranteed the underlying buffer
// stays alive even if the entry is evicted from L1 under budget
// pressure; Release must be called exactly once per Ref returned to the
// caller (by GetL1 or Fetch) when the caller is done with the pixels.
type DecodedRef struct {
	RGB    []byte
	Width  int
	Height int

	entry *l1Entry
	cache *Cache
}

// Release drops the caller's reference. It is safe to call more than
// once; only the first call has effect.
func (r *DecodedRef) Release() {
	if r == nil || r.entry == nil {
		return
	}
	r.cache.releaseRef(r.entry)
	r.entry = nil
}

// l1Entry is one L1-tier cache line: a decoded tile plus its refcount
// and LRU list position.
type l1Entry struct {
	coord    Coord
	tile     decode.Tile
	refcount int
	elem     *list.Element // position in Cache.l1LRU
}

// l2Entry is one L2-tier cache line: compressed JPEG bytes.
type l2Entry struct {
	coord Coord
	bytes []byte
	elem  *list.Element
}

// Stats is the observability snapshot returned by Cache.Stats.
type Stats struct {
	L1Hits        int64
	L1Misses      int64
	L2Hits        int64
	L2Misses      int64
	L1Bytes       int64
	L2Bytes       int64
	L1Count       int
	L2Count       int
	InflightCount int
}

// Cache is the two-tier tile cache for a single slide session. One
// coarse lock (mu) guards L1, L2, their LRU orders, and the in-flight
// table; it is held only for constant-time bookkeeping, never across
// pack reads or JPEG decode (§5 "Shared resources & locking").
type Cache struct {
	reader *pack.Reader

	l1Budget int64
	l2Budget int64

	mu    sync.Mutex
	l1    map[Coord]*l1Entry
	l1LRU *list.List // list.Element.Value is Coord; front = most recent
	l1Bytes int64

	l2      map[Coord]*l2Entry
	l2LRU   *list.List
	l2Bytes int64

	group         singleflight.Group
	inflightCount atomic.Int64
	inflightWG    sync.WaitGroup
	generation    atomic.Int64
	decodeCalls   atomic.Int64

	stats Stats
}

// DecodeCalls returns the number of times the decoder has actually run
// on a cold-miss path. Exported for tests verifying the single-flight
// property (§8): concurrent Fetch calls for one coordinate must result
// in exactly one decode.
func (c *Cache) DecodeCalls() int64 {
	return c.decodeCalls.Load()
}

// Config configures a Cache.
type Config struct {
	L1Budget int64 // 0 uses RAMFraction, then DefaultL1Budget
	L2Budget int64 // 0 uses RAMFraction, then DefaultL2Budget

	// RAMFraction, if nonzero, sizes an unset L1Budget/L2Budget as this
	// fraction of total system RAM instead of the fixed defaults (see
	// internal/sysmem). Ignored for a tier whose Budget is set
	// explicitly.
	RAMFraction float64
}

// New creates a Cache that sources misses from reader.
func New(reader *pack.Reader, cfg Config) *Cache {
	l1b, l2b := cfg.L1Budget, cfg.L2Budget
	if l1b <= 0 && cfg.RAMFraction > 0 {
		l1b = sysmem.ComputeBudget(cfg.RAMFraction, false)
	}
	if l1b <= 0 {
		l1b = DefaultL1Budget
	}
	if l2b <= 0 && cfg.RAMFraction > 0 {
		// L2 holds compressed bytes; give it the remaining headroom at
		// the same fraction the caller asked for L1, scaled by the
		// same ratio as the fixed defaults (§4.3 "L2 is sized much
		// larger than L1").
		l2fraction := cfg.RAMFraction * 8
		if l2fraction > 1 {
			l2fraction = 1
		}
		l2b = sysmem.ComputeBudget(l2fraction, false)
	}
	if l2b <= 0 {
		l2b = DefaultL2Budget
	}
	return &Cache{
		reader:   reader,
		l1Budget: l1b,
		l2Budget: l2b,
		l1:       make(map[Coord]*l1Entry),
		l1LRU:    list.New(),
		l2:       make(map[Coord]*l2Entry),
		l2LRU:    list.New(),
	}
}

// GetL1 performs a non-blocking L1-only lookup. On hit, the entry's
// refcount is incremented and it becomes most-recently-used.
func (c *Cache) GetL1(coord Coord) (*DecodedRef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.l1[coord]
	if !ok {
		c.stats.L1Misses++
		telemetry.RecordCacheMiss("l1")
		return nil, false
	}
	c.stats.L1Hits++
	telemetry.RecordCacheHit("l1")
	c.touchL1Locked(e)
	e.refcount++
	return &DecodedRef{RGB: e.tile.RGB, Width: e.tile.Width, Height: e.tile.Height, entry: e, cache: c}, true
}

// releaseRef decrements an entry's refcount; called by DecodedRef.Release.
func (c *Cache) releaseRef(e *l1Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.refcount > 0 {
		e.refcount--
	}
}

// Fetch produces a decoded tile for coord, promoting it through the
// tier discipline (§4.3 steps 1-4): L1 hit returns immediately; L2 hit
// decodes inline and promotes; otherwise the calling goroutine either
// joins an in-flight fetch or becomes the one that performs the pack
// read and decode. Concurrent calls for the same coord share one
// in-flight record.
func (c *Cache) Fetch(ctx context.Context, coord Coord) (*DecodedRef, error) {
	ctx, span := telemetry.StartSpan(ctx, tracer, "cache.fetch",
		attribute.Int("level", coord.Level), attribute.Int("col", coord.Col), attribute.Int("row", coord.Row))
	start := time.Now()
	defer func() {
		telemetry.RecordFetchLatency(time.Since(start).Seconds())
		span.End()
	}()

	if ref, ok := c.GetL1(coord); ok {
		return ref, nil
	}

	c.mu.Lock()
	if l2e, ok := c.l2[coord]; ok {
		// L2 hit: decode inline on the calling goroutine, install in L1,
		// remove from L2.
		jpegBytes := l2e.bytes
		gen := c.generation.Load()
		c.removeL2Locked(coord, l2e)
		c.stats.L2Hits++
		telemetry.RecordCacheHit("l2")
		c.mu.Unlock()

		tile, err := c.decodeTraced(ctx, jpegBytes)
		if err != nil {
			telemetry.RecordError(ctx, err)
			return nil, err
		}
		return c.installL1(gen, coord, tile), nil
	}
	c.stats.L2Misses++
	telemetry.RecordCacheMiss("l2")
	c.mu.Unlock()

	return c.fetchMiss(ctx, coord)
}

// decodeTraced wraps decode.JPEG (C2) in a span, the one read-path call
// telemetry promises to cover alongside C1's pack reads.
func (c *Cache) decodeTraced(ctx context.Context, jpegBytes []byte) (decode.Tile, error) {
	_, span := telemetry.StartSpan(ctx, tracer, "decode.jpeg")
	defer span.End()
	return decode.JPEG(jpegBytes)
}

// readTraced wraps pack.Reader.Read (C1) in a span.
func (c *Cache) readTraced(ctx context.Context, coord Coord) ([]byte, bool, error) {
	_, span := telemetry.StartSpan(ctx, tracer, "pack.read",
		attribute.Int("level", coord.Level), attribute.Int("col", coord.Col), attribute.Int("row", coord.Row))
	defer span.End()
	return c.reader.Read(coord.Level, coord.Col, coord.Row)
}

// absentTile is the sentinel returned by the single-flight function
// when the pack index has a zero-length (absent) entry, so that the
// absence travels through the shared result without being confused
// with a real decode error (§8 "Absent-tile handling": a zero-length
// entry is reported as none, never an error).
var absentTile = decode.Tile{}

// fetchMiss handles the all-miss path: single-flight dispatch of a pack
// read plus decode. It participates in inflightWG so that Clear can
// wait for every outstanding fetch to settle before returning. A nil
// DecodedRef with a nil error means the tile is absent from the pyramid
// (zero-length index entry), not a failure.
func (c *Cache) fetchMiss(ctx context.Context, coord Coord) (*DecodedRef, error) {
	gen := c.generation.Load()
	key := fmt.Sprintf("%d/%d/%d", coord.Level, coord.Col, coord.Row)
	c.inflightCount.Add(1)
	c.inflightWG.Add(1)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		jpegBytes, ok, err := c.readTraced(ctx, coord)
		if err != nil {
			return nil, err
		}
		if !ok {
			return absentTile, nil
		}
		c.decodeCalls.Add(1)
		tile, err := c.decodeTraced(ctx, jpegBytes)
		if err != nil {
			return nil, err
		}
		return tile, nil
	})
	c.inflightCount.Add(-1)
	c.inflightWG.Done()
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	tile := v.(decode.Tile)
	if tile.RGB == nil {
		return nil, nil
	}
	return c.installL1(gen, coord, tile), nil
}

// installL1 inserts a freshly decoded tile into L1 under the lock,
// evicting LRU entries with refcount 0 as needed to hold budget, and
// returns a refcounted handle to the caller. gen is the cache
// generation observed when the fetch was dispatched; if a Clear() has
// since bumped the generation, the tile is handed to the caller but not
// cached, matching the budget-rejection behavior in §4.3.
func (c *Cache) installL1(gen int64, coord Coord, tile decode.Tile) *DecodedRef {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation.Load() {
		return &DecodedRef{RGB: tile.RGB, Width: tile.Width, Height: tile.Height}
	}

	if existing, ok := c.l1[coord]; ok {
		c.touchL1Locked(existing)
		existing.refcount++
		return &DecodedRef{RGB: existing.tile.RGB, Width: existing.tile.Width, Height: existing.tile.Height, entry: existing, cache: c}
	}

	// A coord is never simultaneously resident in both tiers (§8 "Tier
	// exclusivity"); installing into L1 always displaces any L2 copy,
	// regardless of which caller's path raced to get here first.
	if l2e, ok := c.l2[coord]; ok {
		c.removeL2Locked(coord, l2e)
	}

	size := int64(tile.Size())
	c.evictL1Locked(size)

	e := &l1Entry{coord: coord, tile: tile, refcount: 1}
	e.elem = c.l1LRU.PushFront(coord)
	c.l1[coord] = e
	c.l1Bytes += size

	return &DecodedRef{RGB: tile.RGB, Width: tile.Width, Height: tile.Height, entry: e, cache: c}
}

// evictL1Locked evicts least-recently-used, refcount==0 L1 entries until
// adding addSize bytes would not exceed the budget, or no evictable
// entry remains (in which case the caller proceeds anyway — insertion
// may temporarily overshoot the budget rather than deadlock, per §4.3
// "LRU policy").
func (c *Cache) evictL1Locked(addSize int64) {
	for c.l1Bytes+addSize > c.l1Budget {
		victim := c.lruVictimLocked()
		if victim == nil {
			return
		}
		coord := victim.Value.(Coord)
		e := c.l1[coord]
		if e == nil || e.refcount > 0 {
			// Refcounted entries are not evictable; try the next one.
			if !c.advanceVictim(victim) {
				return
			}
			continue
		}
		c.l1LRU.Remove(victim)
		delete(c.l1, coord)
		c.l1Bytes -= int64(e.tile.Size())
		decode.PutBuf(e.tile)
	}
}

// lruVictimLocked returns the back (least-recently-used) element of the
// L1 LRU list, or nil if empty.
func (c *Cache) lruVictimLocked() *list.Element {
	return c.l1LRU.Back()
}

// advanceVictim walks from elem toward the front, evicts the first
// evictable (refcount==0) entry it finds and returns true; it returns
// false if none remains.
func (c *Cache) advanceVictim(elem *list.Element) bool {
	for e := elem.Prev(); e != nil; e = e.Prev() {
		coord := e.Value.(Coord)
		entry := c.l1[coord]
		if entry != nil && entry.refcount == 0 {
			c.l1LRU.Remove(e)
			delete(c.l1, coord)
			c.l1Bytes -= int64(entry.tile.Size())
			decode.PutBuf(entry.tile)
			return true
		}
	}
	return false
}

// touchL1Locked moves e to the front (most-recent) of the L1 LRU list.
func (c *Cache) touchL1Locked(e *l1Entry) {
	c.l1LRU.MoveToFront(e.elem)
}

// removeL2Locked removes coord from L2 bookkeeping. Caller holds mu.
func (c *Cache) removeL2Locked(coord Coord, e *l2Entry) {
	c.l2LRU.Remove(e.elem)
	delete(c.l2, coord)
	c.l2Bytes -= int64(len(e.bytes))
}

// InsertJPEG warms L2 with already-compressed bytes without decoding —
// used for the low-res pre-warm pass on slide open (§4.5). A no-op if
// coord is already present in L1; if it is already in L2, the existing
// entry is kept and only marked most-recently-used.
func (c *Cache) InsertJPEG(coord Coord, jpegBytes []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.l1[coord]; ok {
		return
	}
	if e, ok := c.l2[coord]; ok {
		c.touchL2Locked(e)
		return
	}

	size := int64(len(jpegBytes))
	c.evictL2Locked(size)
	if c.l2Bytes+size > c.l2Budget && c.l2LRU.Len() > 0 {
		// No evictable room and non-empty: reject the insert per §4.3
		// ("insertion is rejected... it simply will not be cached").
		return
	}

	e := &l2Entry{coord: coord, bytes: jpegBytes}
	e.elem = c.l2LRU.PushFront(coord)
	c.l2[coord] = e
	c.l2Bytes += size
}

func (c *Cache) touchL2Locked(e *l2Entry) {
	c.l2LRU.MoveToFront(e.elem)
}

// evictL2Locked evicts LRU L2 entries until addSize fits the budget. L2
// has no refcount protection (only decoded L1 tiles are externally
// referenced), so every entry is evictable.
func (c *Cache) evictL2Locked(addSize int64) {
	for c.l2Bytes+addSize > c.l2Budget {
		back := c.l2LRU.Back()
		if back == nil {
			return
		}
		coord := back.Value.(Coord)
		e := c.l2[coord]
		c.l2LRU.Remove(back)
		delete(c.l2, coord)
		c.l2Bytes -= int64(len(e.bytes))
	}
}

// Prefetch fires off a background fetch for coord at the given
// priority if it is not already resident in L1 or in flight. It never
// blocks the caller and its error, if any, is discarded — prefetch
// failures are not actionable by the submitter (§4.3).
//
// priority is accepted for API symmetry with the scheduler (C5), which
// is the only caller that currently distinguishes priorities; the
// cache itself treats every prefetch identically; ordering across
// coordinates is the scheduler's responsibility; only de-duplication
// against L1/in-flight happens here.
func (c *Cache) Prefetch(coord Coord, priority int) {
	c.mu.Lock()
	if _, ok := c.l1[coord]; ok {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	gen := c.generation.Load()
	key := fmt.Sprintf("%d/%d/%d", coord.Level, coord.Col, coord.Row)
	c.inflightCount.Add(1)
	c.inflightWG.Add(1)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		jpegBytes, ok, err := c.reader.Read(coord.Level, coord.Col, coord.Row)
		if err != nil || !ok {
			return nil, err
		}
		c.decodeCalls.Add(1)
		return decode.JPEG(jpegBytes)
	})
	go func() {
		res := <-ch
		c.inflightCount.Add(-1)
		defer c.inflightWG.Done()
		if res.Err == nil {
			if tile, ok := res.Val.(decode.Tile); ok {
				c.installL1(gen, coord, tile)
			}
		}
	}()
}

// FilterCached returns the subset of coords currently resident in L1,
// preserving input order. Used by the UI layer to decide which tiles
// to render directly versus stub with a fallback.
func (c *Cache) FilterCached(coords []Coord) []Coord {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Coord, 0, len(coords))
	for _, co := range coords {
		if _, ok := c.l1[co]; ok {
			out = append(out, co)
		}
	}
	return out
}

// Clear flushes both tiers, waiting for in-flight fetches to settle.
// Refcounted L1 entries are dropped from the cache's own maps
// immediately; their buffers remain valid for holders until they
// Release, since the cache holds no strong reference once evicted.
// Bumping the generation counter before releasing the lock ensures any
// fetch already in flight delivers its result to its caller without
// re-populating the cache behind Clear's back.
func (c *Cache) Clear() {
	c.generation.Add(1)
	c.mu.Lock()
	c.l1 = make(map[Coord]*l1Entry)
	c.l1LRU = list.New()
	c.l1Bytes = 0
	c.l2 = make(map[Coord]*l2Entry)
	c.l2LRU = list.New()
	c.l2Bytes = 0
	c.mu.Unlock()
	c.inflightWG.Wait()
}

// Stats returns a point-in-time snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.L1Bytes = c.l1Bytes
	s.L2Bytes = c.l2Bytes
	s.L1Count = len(c.l1)
	s.L2Count = len(c.l2)
	s.InflightCount = int(c.inflightCount.Load())
	return s
}
