// Package tilecoord defines the tile coordinate type shared by the
// reader, cache, viewport, and prefetch components so they can hand
// coordinates to one another without per-package conversions.
package tilecoord

// Coord identifies a tile within a pyramid level's grid.
type Coord struct {
	Level, Col, Row int
}
