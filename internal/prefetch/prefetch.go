// Package prefetch implements C5: the viewport-driven priority scheduler
// that keeps the cache warm ahead of where the viewer is about to look.
// It consumes viewport updates, derives a prioritized set of tile
// coordinates (visible, velocity-predicted, spatial halo, low-res
// fallback), and drains that set through a fixed worker pool, the same
// job-channel-over-worker-pool shape as the teacher's pyramid generator
// (internal/tile/generator.go), adapted from a one-shot batch job into a
// long-lived, coalescing scheduler.
package prefetch

import (
	"context"
	"log"
	"runtime"
	"sync"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel/metric"

	"github.com/fastpathio/engine/internal/cache"
	"github.com/fastpathio/engine/internal/metadata"
	"github.com/fastpathio/engine/internal/pack"
	"github.com/fastpathio/engine/internal/telemetry"
	"github.com/fastpathio/engine/internal/tilecoord"
	"github.com/fastpathio/engine/internal/viewport"
)

// Coord is a tile coordinate.
type Coord = tilecoord.Coord

// Priority tiers, highest first (§4.5 "Prioritization"). Lower numeric
// value sorts first in the queue.
const (
	PriorityVisible = iota
	PriorityVelocityHalo
	PrioritySpatialHalo
	PriorityLowRes
)

// Tuning defaults (§4.5).
const (
	DefaultLookaheadSeconds = 0.25
	DefaultHaloTiles        = 2
	DefaultQueueCapacity    = 512
	DefaultWorkers          = 8
)

// Update is one viewport-update event from the viewer.
type Update struct {
	Rect   viewport.Rect
	Scale  float64
	VX, VY float64 // slide pixels/second; zero means no velocity signal
}

// Config configures a Scheduler.
type Config struct {
	Workers          int     // 0 uses min(NumCPU, DefaultWorkers)
	QueueCapacity    int     // 0 uses DefaultQueueCapacity
	LookaheadSeconds float64 // 0 uses DefaultLookaheadSeconds
	HaloTiles        int     // 0 uses DefaultHaloTiles
	Verbose          bool    // gates log.Printf calls in PreWarm and viewport updates
}

// item is one pending piece of work in the priority queue.
type item struct {
	coord    Coord
	priority int
	dist     float64 // distance from viewport center, for within-tier ordering
}

// Scheduler drives Cache.Prefetch from viewport updates. It owns a fixed
// worker pool and a bounded, coalescing priority queue; it is a
// non-owning consumer of the cache and the pack reader (both are owned
// by the session, per §9 "Cyclic back-references").
type Scheduler struct {
	slide  *metadata.Slide
	cache  *cache.Cache
	reader *pack.Reader

	lookahead float64
	haloTiles int
	capacity  int

	verbose bool

	mu      sync.Mutex
	pending map[Coord]*item // de-duplication set, keyed by coord
	queue   []*item         // priority-ordered; queue[0] is next out
	cancel  bool
	cond    *sync.Cond

	group   *errgroup.Group
	ctx     context.Context
	stop    context.CancelFunc
	stopped bool
}

// New creates a Scheduler over slide, warming tiles via reader and
// installing them through c. Workers are started immediately and run
// until Stop is called.
func New(slide *metadata.Slide, c *cache.Cache, reader *pack.Reader, cfg Config) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers > DefaultWorkers {
			workers = DefaultWorkers
		}
	}
	s := newScheduler(slide, c, reader, cfg)
	for i := 0; i < workers; i++ {
		s.group.Go(s.worker)
	}
	return s
}

// newScheduler builds a Scheduler's bookkeeping without starting any
// worker goroutines; New uses it and then spins the pool. Split out so
// tests can inspect queue/coalescing state deterministically without a
// concurrent worker draining it out from under them.
func newScheduler(slide *metadata.Slide, c *cache.Cache, reader *pack.Reader, cfg Config) *Scheduler {
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	lookahead := cfg.LookaheadSeconds
	if lookahead <= 0 {
		lookahead = DefaultLookaheadSeconds
	}
	halo := cfg.HaloTiles
	if halo <= 0 {
		halo = DefaultHaloTiles
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	s := &Scheduler{
		slide:     slide,
		cache:     c,
		reader:    reader,
		lookahead: lookahead,
		haloTiles: halo,
		capacity:  capacity,
		verbose:   cfg.Verbose,
		pending:   make(map[Coord]*item),
		group:     group,
		ctx:       gctx,
		stop:      cancel,
	}
	s.cond = sync.NewCond(&s.mu)

	meter := telemetry.Meter("prefetch")
	_, _ = meter.Int64ObservableGauge("fastpath.prefetch.queue_depth",
		metric.WithDescription("Pending prefetch queue depth"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			s.mu.Lock()
			depth := len(s.queue)
			s.mu.Unlock()
			o.Observe(int64(depth))
			return nil
		}))

	return s
}

// PreWarm synchronously inserts the pack bytes of every tile at the
// coarsest pyramid level into L2 (never L1, to avoid flooding it with
// low-resolution tiles), so that any initial viewport produces a usable
// fallback layer within one decode (§4.5 "Low-res pre-warm"). Call once,
// on slide open, before the first viewport update.
func (s *Scheduler) PreWarm() {
	coarsest := s.coarsestLevel()
	ld, ok := s.slide.LevelByID(coarsest)
	if !ok {
		return
	}
	if s.verbose {
		log.Printf("prefetch: pre-warming level %d (%dx%d tiles) into L2", coarsest, ld.Cols, ld.Rows)
	}
	warmed := 0
	for row := 0; row < ld.Rows; row++ {
		for col := 0; col < ld.Cols; col++ {
			data, present, err := s.reader.Read(coarsest, col, row)
			if err != nil || !present {
				continue
			}
			s.cache.InsertJPEG(Coord{Level: coarsest, Col: col, Row: row}, data)
			warmed++
		}
	}
	if s.verbose {
		log.Printf("prefetch: pre-warmed %d/%d tiles at level %d", warmed, ld.Cols*ld.Rows, coarsest)
	}
}

func (s *Scheduler) coarsestLevel() int {
	if len(s.slide.Levels) == 0 {
		return 0
	}
	coarsest := s.slide.Levels[0]
	for _, l := range s.slide.Levels {
		if l.Downsample > coarsest.Downsample {
			coarsest = l
		}
	}
	return coarsest.Level
}

// UpdateViewport recomputes the work set for the new viewport and
// coalesces it into the live queue (§4.5 "Work generation",
// "Coalescing across viewport updates"). Non-blocking.
func (s *Scheduler) UpdateViewport(u Update) {
	if u.Rect.Empty() || u.Scale <= 0 {
		return
	}
	level := viewport.LevelForScale(s.slide.Levels, u.Scale)
	centerX, centerY := u.Rect.CenterX(), u.Rect.CenterY()

	visible := viewport.VisibleTiles(s.slide, u.Rect, u.Scale)
	visibleSet := coordSet(visible)

	predictedRect := u.Rect.Translated(u.VX*s.lookahead, u.VY*s.lookahead)
	predicted := viewport.VisibleTiles(s.slide, predictedRect, u.Scale)
	velocityHalo := subtract(predicted, visibleSet)
	velocitySet := coordSet(velocityHalo)

	cell := float64(s.slide.TileSize)
	if ld, ok := s.slide.LevelByID(level); ok {
		cell = float64(s.slide.TileSize * ld.Downsample)
	}
	inflated := u.Rect.Inflated(float64(s.haloTiles)*cell, float64(s.haloTiles)*cell)
	spatial := viewport.VisibleTiles(s.slide, inflated, u.Scale)
	union1 := unionSet(visibleSet, velocitySet)
	spatialHalo := subtract(spatial, union1)

	lowRes := s.lowResFallback(level, u.Rect)

	items := make([]*item, 0, len(visible)+len(velocityHalo)+len(spatialHalo)+len(lowRes))
	items = append(items, buildItems(visible, PriorityVisible, centerX, centerY, cellSizeFor(s.slide, level))...)
	items = append(items, buildItems(velocityHalo, PriorityVelocityHalo, centerX, centerY, cellSizeFor(s.slide, level))...)
	items = append(items, buildItems(spatialHalo, PrioritySpatialHalo, centerX, centerY, cellSizeFor(s.slide, level))...)
	items = append(items, lowRes...)

	s.coalesce(items)
}

// lowResFallback adds, for each level below active, the tiles whose
// spatial footprint intersects viewportRect (§4.5 step 4).
func (s *Scheduler) lowResFallback(activeLevel int, rect viewport.Rect) []*item {
	var out []*item
	for _, ld := range s.slide.Levels {
		if ld.Level >= activeLevel {
			continue
		}
		cell := float64(s.slide.TileSize * ld.Downsample)
		coords := levelTiles(ld, cell, rect)
		out = append(out, buildItems(coords, PriorityLowRes, rect.CenterX(), rect.CenterY(), cell)...)
	}
	return out
}

func levelTiles(ld metadata.LevelDescriptor, cell float64, rect viewport.Rect) []Coord {
	if ld.Cols <= 0 || ld.Rows <= 0 || cell <= 0 {
		return nil
	}
	var out []Coord
	firstCol, lastCol := clampRange(rect.MinX(), rect.MaxX(), cell, ld.Cols)
	firstRow, lastRow := clampRange(rect.MinY(), rect.MaxY(), cell, ld.Rows)
	for r := firstRow; r <= lastRow; r++ {
		tileMinY := float64(r) * cell
		tileMaxY := tileMinY + cell
		if !(tileMinY < rect.MaxY() && tileMaxY > rect.MinY()) {
			continue
		}
		for c := firstCol; c <= lastCol; c++ {
			tileMinX := float64(c) * cell
			tileMaxX := tileMinX + cell
			if tileMinX < rect.MaxX() && tileMaxX > rect.MinX() {
				out = append(out, Coord{Level: ld.Level, Col: c, Row: r})
			}
		}
	}
	return out
}

func clampRange(min, max, cell float64, count int) (int, int) {
	lo := int(min/cell) - 1
	hi := int(max/cell) + 1
	if lo < 0 {
		lo = 0
	}
	if hi > count-1 {
		hi = count - 1
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

func cellSizeFor(slide *metadata.Slide, level int) float64 {
	if ld, ok := slide.LevelByID(level); ok {
		return float64(slide.TileSize * ld.Downsample)
	}
	return float64(slide.TileSize)
}

func buildItems(coords []Coord, priority int, centerX, centerY, cell float64) []*item {
	out := make([]*item, 0, len(coords))
	for _, co := range coords {
		tileCenterX := (float64(co.Col) + 0.5) * cell
		tileCenterY := (float64(co.Row) + 0.5) * cell
		dx := tileCenterX - centerX
		dy := tileCenterY - centerY
		out = append(out, &item{coord: co, priority: priority, dist: dx*dx + dy*dy})
	}
	return out
}

func coordSet(coords []Coord) map[Coord]bool {
	m := make(map[Coord]bool, len(coords))
	for _, c := range coords {
		m[c] = true
	}
	return m
}

func unionSet(sets ...map[Coord]bool) map[Coord]bool {
	out := make(map[Coord]bool)
	for _, s := range sets {
		for c := range s {
			out[c] = true
		}
	}
	return out
}

func subtract(coords []Coord, exclude map[Coord]bool) []Coord {
	out := make([]Coord, 0, len(coords))
	for _, c := range coords {
		if !exclude[c] {
			out = append(out, c)
		}
	}
	return out
}

// byPriorityThenDistance orders items by tier first (visible before
// velocity halo before spatial halo before low-res fallback), then by
// squared distance from the viewport center within a tier (§4.5
// "Prioritization").
func byPriorityThenDistance(a, b *item) int {
	if a.priority != b.priority {
		return a.priority - b.priority
	}
	switch {
	case a.dist < b.dist:
		return -1
	case a.dist > b.dist:
		return 1
	default:
		return 0
	}
}

// coalesce replaces the live queue with newItems (§4.5 "Coalescing
// across viewport updates"): items present in both old and new sets are
// kept (the existing *item is re-used with refreshed priority/distance);
// items only in the old set are dropped; the result is re-sorted and
// truncated to capacity, never dropping a PriorityVisible item in favor
// of a halo/fallback item. Because of the re-sort, a kept item's place
// in the queue follows its new priority and distance, not its old
// position.
func (s *Scheduler) coalesce(newItems []*item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[Coord]*item, len(newItems))
	for _, it := range newItems {
		if existing, ok := next[it.coord]; ok {
			if it.priority < existing.priority {
				next[it.coord] = it
			}
			continue
		}
		next[it.coord] = it
	}

	merged := make([]*item, 0, len(next))
	for coord, it := range next {
		if old, ok := s.pending[coord]; ok {
			old.priority = it.priority
			old.dist = it.dist
			merged = append(merged, old)
		} else {
			merged = append(merged, it)
		}
	}

	slices.SortFunc(merged, byPriorityThenDistance)

	if len(merged) > s.capacity {
		// merged is already priority-then-distance sorted, so truncating
		// to capacity keeps every PriorityVisible item ahead of any halo
		// or fallback item; if visible items alone exceed capacity, the
		// queue keeps all of them and grows past capacity (§4.5 "V items
		// are never dropped in favor of halos").
		visibleCount := 0
		for _, it := range merged {
			if it.priority == PriorityVisible {
				visibleCount++
			}
		}
		keep := s.capacity
		if visibleCount > keep {
			keep = visibleCount
		}
		merged = merged[:keep]
	}

	s.pending = next
	s.queue = merged
	s.cond.Broadcast()

	if s.verbose {
		log.Printf("prefetch: coalesced queue depth=%d", len(merged))
	}
}

// worker pulls the highest-priority pending item and dispatches it to
// the cache, checking the cancellation/stop signal between dequeue and
// dispatch (§4.5 "Cancellation": "a worker checks a cancellation flag
// between the pack-read phase and the decode phase" — here, between
// pulling work off the queue and handing it to Cache.Prefetch, which
// owns the pack-read/decode sequence itself via single-flight).
func (s *Scheduler) worker() error {
	for {
		it, ok := s.next()
		if !ok {
			return nil
		}

		s.mu.Lock()
		cancelled := s.cancel
		s.mu.Unlock()
		if cancelled {
			continue
		}

		s.cache.Prefetch(it.coord, it.priority)
	}
}

// next blocks until a queue item is available, the scheduler is
// stopped, or the cancellation flag is set (in which case the queue is
// drained without dispatching work).
func (s *Scheduler) next() (*item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case <-s.ctx.Done():
			return nil, false
		default:
		}
		if s.cancel {
			// All pending queue items are discarded on cancellation.
			s.queue = nil
			s.pending = make(map[Coord]*item)
		}
		if len(s.queue) > 0 {
			it := s.queue[0]
			s.queue = s.queue[1:]
			delete(s.pending, it.coord)
			return it, true
		}
		if s.stopped {
			return nil, false
		}
		s.cond.Wait()
	}
}

// Cancel sets the cancellation flag: in-flight workers finish their
// current stage but do not advance, and all pending queue items are
// discarded (§4.5 "Cancellation"). Call on clear()/slide unload.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.cancel = true
	s.queue = nil
	s.pending = make(map[Coord]*item)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Resume clears the cancellation flag so the scheduler accepts work
// again after a Cancel.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.cancel = false
	s.mu.Unlock()
}

// Stop terminates the worker pool and waits for every worker to exit,
// per §9's fixed teardown order (scheduler stop happens before cache
// drain). Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.stop()
	s.cond.Broadcast()
	s.group.Wait()
}
