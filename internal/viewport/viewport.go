// Package viewport implements C4: stateless projection functions over the
// slide descriptor that turn a viewport rectangle and a zoom scale into an
// active pyramid level and a visible tile set.
package viewport

import (
	"math"

	"github.com/fastpathio/engine/internal/metadata"
	"github.com/fastpathio/engine/internal/tilecoord"
)

// Coord is a tile coordinate triple.
type Coord = tilecoord.Coord

// Rect is a rectangle in slide pixel coordinates.
type Rect struct {
	X, Y, W, H float64
}

// MinX, MinY, MaxX, MaxY return the rectangle's bounds.
func (r Rect) MinX() float64 { return r.X }
func (r Rect) MinY() float64 { return r.Y }
func (r Rect) MaxX() float64 { return r.X + r.W }
func (r Rect) MaxY() float64 { return r.Y + r.H }

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

// Translated returns the rectangle offset by (dx, dy).
func (r Rect) Translated(dx, dy float64) Rect {
	return Rect{X: r.X + dx, Y: r.Y + dy, W: r.W, H: r.H}
}

// Inflated returns the rectangle grown by (dx, dy) on every side.
func (r Rect) Inflated(dx, dy float64) Rect {
	return Rect{X: r.X - dx, Y: r.Y - dy, W: r.W + 2*dx, H: r.H + 2*dy}
}

// CenterX, CenterY return the rectangle's center point.
func (r Rect) CenterX() float64 { return r.X + r.W/2 }
func (r Rect) CenterY() float64 { return r.Y + r.H/2 }

// LevelForScale picks the coarsest pyramid level whose downsample is still
// ≤ 1/scale — the least resolution that satisfies the requested sharpness,
// so the viewer never fetches more detail than the current zoom needs.
// Ties (equal downsample across levels, which should not occur in a
// well-formed pyramid) break toward the higher-resolution level, since
// downscaling a sharp tile on the GPU beats upscaling a blurry one. If no
// level's downsample is small enough (the viewer is zoomed in past native
// resolution), the highest-resolution level is returned.
func LevelForScale(levels []metadata.LevelDescriptor, scale float64) int {
	if len(levels) == 0 {
		return 0
	}
	if scale <= 0 {
		return finestLevel(levels)
	}
	target := 1.0 / scale

	best, haveBest := levels[0], false
	for _, l := range levels {
		if float64(l.Downsample) > target {
			continue
		}
		if !haveBest || l.Downsample > best.Downsample ||
			(l.Downsample == best.Downsample && l.Level > best.Level) {
			best = l
			haveBest = true
		}
	}
	if !haveBest {
		return finestLevel(levels)
	}
	return best.Level
}

func finestLevel(levels []metadata.LevelDescriptor) int {
	best := levels[0]
	for _, l := range levels {
		if l.Level > best.Level {
			best = l
		}
	}
	return best.Level
}

// VisibleTiles returns the coordinates at the scale-selected level whose
// tile footprints intersect rect, clipped to the level's grid, in
// row-major order (all of row r before any tile of row r+1; ascending
// column within a row). An empty rect or non-positive scale returns nil.
func VisibleTiles(slide *metadata.Slide, rect Rect, scale float64) []Coord {
	if rect.Empty() || scale <= 0 {
		return nil
	}
	level := LevelForScale(slide.Levels, scale)
	ld, ok := slide.LevelByID(level)
	if !ok {
		return nil
	}
	return tilesForRect(ld, slide.TileSize, rect)
}

// tilesForRect enumerates a single level's tiles intersecting rect.
func tilesForRect(ld metadata.LevelDescriptor, tileSize int, rect Rect) []Coord {
	if ld.Cols <= 0 || ld.Rows <= 0 {
		return nil
	}
	cell := float64(tileSize * ld.Downsample)
	if cell <= 0 {
		return nil
	}

	firstCol := clampInt(int(math.Floor(rect.MinX()/cell))-1, 0, ld.Cols-1)
	lastCol := clampInt(int(math.Ceil(rect.MaxX()/cell))+1, 0, ld.Cols-1)
	firstRow := clampInt(int(math.Floor(rect.MinY()/cell))-1, 0, ld.Rows-1)
	lastRow := clampInt(int(math.Ceil(rect.MaxY()/cell))+1, 0, ld.Rows-1)

	var out []Coord
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

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
