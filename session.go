// Package fastpath is the engine's public entry point: it opens a
// .fastpath slide directory (§6.1) and wires the pack reader, decoder,
// two-tier cache, viewport model, and prefetch scheduler together as a
// single Session, the shape the teacher's cmd/geotiff2pmtiles/main.go
// uses to wire cog.Reader -> tile.Generate -> pmtiles.Writer as peers
// owned by main, adapted here into a long-lived object instead of a
// one-shot pipeline.
package fastpath

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fastpathio/engine/internal/cache"
	"github.com/fastpathio/engine/internal/fastpatherr"
	"github.com/fastpathio/engine/internal/metadata"
	"github.com/fastpathio/engine/internal/pack"
	"github.com/fastpathio/engine/internal/prefetch"
	"github.com/fastpathio/engine/internal/telemetry"
	"github.com/fastpathio/engine/internal/viewport"
)

// Config configures Open. Zero values select the defaults documented
// in §4 and §5 of the specification.
type Config struct {
	L1BudgetBytes         int64
	L2BudgetBytes         int64
	CacheRAMFraction      float64 // alternative to the BudgetBytes fields; see internal/sysmem
	PrefetchDistanceTiles int
	LookaheadSeconds      float64
	WorkerThreads         int
	QueueDepth            int
}

// Tile is a decoded RGB tile handed to a caller by GetTileL1 or
// FetchTile. Release must be called exactly once when the caller is
// done with RGB.
type Tile struct {
	RGB    []byte
	Width  int
	Height int

	ref *cache.DecodedRef
}

// Release drops the caller's reference to the tile's backing buffer.
// Safe to call on a zero Tile or more than once.
func (t *Tile) Release() {
	if t == nil || t.ref == nil {
		return
	}
	t.ref.Release()
	t.ref = nil
}

// Session is one open slide: its metadata, its pack reader, its cache,
// and its prefetch scheduler, owned as peers and torn down in the fixed
// order from §9 (scheduler stop -> worker join -> cache drain -> pack
// reader close). A Session is safe for concurrent use by multiple
// viewer threads; per §5, the viewer thread never performs I/O or
// decode itself.
type Session struct {
	slide  *metadata.Slide
	reader *pack.Reader
	cache  *cache.Cache
	sched  *prefetch.Scheduler

	slideDir string

	// id correlates tracing spans and log lines emitted across this
	// slide's lifetime (§6.5); it is not part of the on-disk format.
	id string

	closeOnce sync.Once
	closeErr  error
}

// ID returns the UUID stamped on this Session at Open, used to correlate
// its tracing spans and log lines.
func (s *Session) ID() string {
	return s.id
}

// Open loads a .fastpath slide directory and starts its cache and
// prefetch scheduler. Errors surface atomically: on any failure, Open
// has torn down everything it built and returns no partially
// constructed Session (§7 "Propagation policy").
func Open(slideDir string, cfg Config) (sess *Session, err error) {
	id := uuid.NewString()
	ctx, span := telemetry.StartSpan(context.Background(), telemetry.Tracer("session"), "session.open",
		attribute.String("fastpath.session_id", id), attribute.String("fastpath.slide_dir", slideDir))
	defer func() {
		if err != nil {
			telemetry.RecordError(ctx, err)
		}
		span.End()
	}()

	slide, err := metadata.Load(slideDir)
	if err != nil {
		return nil, err
	}

	reader, err := pack.Open(slideDir, slide.Levels)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			reader.Close()
		}
	}()

	c := cache.New(reader, cache.Config{
		L1Budget:    cfg.L1BudgetBytes,
		L2Budget:    cfg.L2BudgetBytes,
		RAMFraction: cfg.CacheRAMFraction,
	})

	sched := prefetch.New(slide, c, reader, prefetch.Config{
		Workers:          cfg.WorkerThreads,
		QueueCapacity:    cfg.QueueDepth,
		LookaheadSeconds: cfg.LookaheadSeconds,
		HaloTiles:        cfg.PrefetchDistanceTiles,
	})
	sched.PreWarm()

	log.Printf("fastpath[%s]: opened slide %s", id, slideDir)

	return &Session{
		slide:    slide,
		reader:   reader,
		cache:    c,
		sched:    sched,
		slideDir: slideDir,
		id:       id,
	}, nil
}

// Metadata returns the slide descriptor parsed from metadata.json.
func (s *Session) Metadata() *metadata.Slide {
	return s.slide
}

// LevelForScale returns the pyramid level the viewer should request at
// the given zoom scale (§4.4).
func (s *Session) LevelForScale(scale float64) int {
	return viewport.LevelForScale(s.slide.Levels, scale)
}

// VisibleTiles returns the tile coordinates intersecting the given
// viewport rectangle at scale, in row-major order (§4.4).
func (s *Session) VisibleTiles(x, y, w, h, scale float64) []viewport.Coord {
	return viewport.VisibleTiles(s.slide, viewport.Rect{X: x, Y: y, W: w, H: h}, scale)
}

// GetTileL1 performs a non-blocking L1-only lookup. It never fails; a
// false return means the tile is not currently resident in L1, not an
// error (§7 "get_tile_l1 never fails but may return none").
func (s *Session) GetTileL1(level, col, row int) (*Tile, bool) {
	ref, ok := s.cache.GetL1(viewport.Coord{Level: level, Col: col, Row: row})
	if !ok {
		return nil, false
	}
	return &Tile{RGB: ref.RGB, Width: ref.Width, Height: ref.Height, ref: ref}, true
}

// FetchTile produces a decoded tile for (level, col, row), blocking up
// to pack-read + decode latency. A nil Tile with a nil error means the
// tile is absent from the pyramid (a zero-length index entry), not a
// failure (§8 "Absent-tile handling").
func (s *Session) FetchTile(ctx context.Context, level, col, row int) (*Tile, error) {
	ref, err := s.cache.Fetch(ctx, viewport.Coord{Level: level, Col: col, Row: row})
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, nil
	}
	return &Tile{RGB: ref.RGB, Width: ref.Width, Height: ref.Height, ref: ref}, nil
}

// FilterCached returns the subset of coords currently resident in L1,
// preserving input order; used by the UI to decide which tiles to
// render directly versus stub with a fallback.
func (s *Session) FilterCached(coords []viewport.Coord) []viewport.Coord {
	return s.cache.FilterCached(coords)
}

// UpdateViewport submits a new viewport to the prefetch scheduler
// (§4.5). Non-blocking; vx and vy may be zero if no velocity signal is
// available.
func (s *Session) UpdateViewport(x, y, w, h, scale, vx, vy float64) {
	s.sched.UpdateViewport(prefetch.Update{
		Rect:  viewport.Rect{X: x, Y: y, W: w, H: h},
		Scale: scale,
		VX:    vx,
		VY:    vy,
	})
}

// CacheStats is the observability snapshot returned by Stats.
type CacheStats = cache.Stats

// Stats returns a point-in-time snapshot of cache counters.
func (s *Session) Stats() CacheStats {
	return s.cache.Stats()
}

// Thumbnail reads the slide directory's pre-rendered thumbnail.jpg
// (§6.1), returning its raw JPEG bytes undecoded — it is a static
// asset, not a pyramid tile, and has no cache tier of its own.
func (s *Session) Thumbnail() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.slideDir, "thumbnail.jpg"))
	if err != nil {
		return nil, fmt.Errorf("reading thumbnail.jpg: %w", fastpatherr.ErrNotFound)
	}
	return data, nil
}

// Close flushes the cache and releases the pack reader's memory
// mappings, following the fixed teardown order from §9: scheduler stop,
// implicit worker join, cache drain (waiting for in-flight fetches to
// settle), then pack reader close. Idempotent; only the first call has
// effect (§8 "Idempotent close/clear": "close() is terminal").
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		_, span := telemetry.StartSpan(context.Background(), telemetry.Tracer("session"), "session.close",
			attribute.String("fastpath.session_id", s.id))
		defer span.End()

		s.sched.Stop()
		s.cache.Clear()
		s.closeErr = s.reader.Close()

		log.Printf("fastpath[%s]: closed slide %s", s.id, s.slideDir)
	})
	return s.closeErr
}
