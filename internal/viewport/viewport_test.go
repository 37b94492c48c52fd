package viewport

import (
	"reflect"
	"testing"

	"github.com/fastpathio/engine/internal/metadata"
)

func levels(downsamples ...int) []metadata.LevelDescriptor {
	out := make([]metadata.LevelDescriptor, len(downsamples))
	for i, ds := range downsamples {
		out[i] = metadata.LevelDescriptor{Level: i, Downsample: ds, Cols: 1, Rows: 1}
	}
	return out
}

func TestLevelForScale(t *testing.T) {
	// downsamples [8,4,2,1], level 0 coarsest, level 3 native.
	ls := levels(8, 4, 2, 1)

	cases := []struct {
		scale float64
		want  int
	}{
		{1.0, 3},
		{0.5, 2},
		{0.25, 1},
		{0.1, 0},
	}
	for _, c := range cases {
		if got := LevelForScale(ls, c.scale); got != c.want {
			t.Errorf("LevelForScale(scale=%v) = %d, want %d", c.scale, got, c.want)
		}
	}
}

func TestLevelForScaleBeyondNativeResolution(t *testing.T) {
	ls := levels(8, 4, 2, 1)
	// scale=10 -> target=0.1, smaller than the finest level's downsample=1:
	// no level qualifies, so the highest-resolution level is returned.
	if got := LevelForScale(ls, 10.0); got != 3 {
		t.Errorf("LevelForScale(scale=10) = %d, want 3", got)
	}
}

func TestLevelForScaleDegenerate(t *testing.T) {
	ls := levels(8, 4, 2, 1)
	if got := LevelForScale(ls, 0); got != 3 {
		t.Errorf("LevelForScale(scale=0) = %d, want finest level 3", got)
	}
	if got := LevelForScale(ls, -1); got != 3 {
		t.Errorf("LevelForScale(scale=-1) = %d, want finest level 3", got)
	}
	if got := LevelForScale(nil, 1.0); got != 0 {
		t.Errorf("LevelForScale(nil) = %d, want 0", got)
	}
}

func slide2048() *metadata.Slide {
	return &metadata.Slide{
		TileSize: 512,
		Width:    2048,
		Height:   2048,
		Levels: []metadata.LevelDescriptor{
			{Level: 0, Downsample: 1, Cols: 4, Rows: 4},
		},
	}
}

func TestVisibleTilesEdgeCorrectness(t *testing.T) {
	s := slide2048()
	got := VisibleTiles(s, Rect{X: 800, Y: 0, W: 800, H: 800}, 1.0)

	want := []Coord{
		{Level: 0, Col: 1, Row: 0},
		{Level: 0, Col: 2, Row: 0},
		{Level: 0, Col: 3, Row: 0},
		{Level: 0, Col: 1, Row: 1},
		{Level: 0, Col: 2, Row: 1},
		{Level: 0, Col: 3, Row: 1},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("VisibleTiles = %v, want %v", got, want)
	}
}

func TestVisibleTilesFullCoverage(t *testing.T) {
	s := slide2048()
	got := VisibleTiles(s, Rect{X: 0, Y: 0, W: 2048, H: 2048}, 1.0)
	if len(got) != 16 {
		t.Fatalf("len(VisibleTiles) = %d, want 16", len(got))
	}
	// Row-major: first tile is (0,0), last is (3,3).
	if got[0] != (Coord{Level: 0, Col: 0, Row: 0}) {
		t.Errorf("first tile = %v, want (0,0,0)", got[0])
	}
	if got[len(got)-1] != (Coord{Level: 0, Col: 3, Row: 3}) {
		t.Errorf("last tile = %v, want (0,3,3)", got[len(got)-1])
	}
}

func TestVisibleTilesClippedToGrid(t *testing.T) {
	s := slide2048()
	// Viewport extends far past the slide's edge; results must stay within
	// the 4x4 grid.
	got := VisibleTiles(s, Rect{X: 1800, Y: 1800, W: 5000, H: 5000}, 1.0)
	for _, c := range got {
		if c.Col < 0 || c.Col > 3 || c.Row < 0 || c.Row > 3 {
			t.Fatalf("tile %v out of grid bounds", c)
		}
	}
	want := []Coord{{Level: 0, Col: 3, Row: 3}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("VisibleTiles = %v, want %v", got, want)
	}
}

func TestVisibleTilesEmptyViewportOrDegenerateScale(t *testing.T) {
	s := slide2048()
	if got := VisibleTiles(s, Rect{X: 0, Y: 0, W: 0, H: 100}, 1.0); got != nil {
		t.Errorf("zero-width viewport: got %v, want nil", got)
	}
	if got := VisibleTiles(s, Rect{X: 0, Y: 0, W: 100, H: 100}, 0); got != nil {
		t.Errorf("zero scale: got %v, want nil", got)
	}
	if got := VisibleTiles(s, Rect{X: 0, Y: 0, W: 100, H: 100}, -1); got != nil {
		t.Errorf("negative scale: got %v, want nil", got)
	}
}

func TestVisibleTilesAtDownsampledLevel(t *testing.T) {
	// level 0: downsample 4, tile_size 8 -> each tile covers 32 slide px.
	s := &metadata.Slide{
		TileSize: 8,
		Levels: []metadata.LevelDescriptor{
			{Level: 0, Downsample: 4, Cols: 2, Rows: 2},
		},
	}
	got := VisibleTiles(s, Rect{X: 0, Y: 0, W: 40, H: 40}, 1.0/4.0)
	if len(got) != 4 {
		t.Fatalf("len(VisibleTiles) = %d, want 4 (full 2x2 grid at cell=32)", len(got))
	}
}

func TestRectHelpers(t *testing.T) {
	r := Rect{X: 10, Y: 20, W: 100, H: 50}
	if r.MinX() != 10 || r.MinY() != 20 || r.MaxX() != 110 || r.MaxY() != 70 {
		t.Fatalf("bounds = (%v,%v,%v,%v)", r.MinX(), r.MinY(), r.MaxX(), r.MaxY())
	}
	if r.Empty() {
		t.Error("Empty() = true for a positive-area rect")
	}
	if (Rect{W: 0, H: 10}).Empty() != true {
		t.Error("Empty() = false for zero-width rect")
	}

	t2 := r.Translated(5, -5)
	if t2.X != 15 || t2.Y != 15 {
		t.Errorf("Translated = %+v", t2)
	}

	inf := r.Inflated(10, 10)
	if inf.X != 0 || inf.Y != 10 || inf.W != 120 || inf.H != 70 {
		t.Errorf("Inflated = %+v", inf)
	}

	if r.CenterX() != 60 || r.CenterY() != 45 {
		t.Errorf("center = (%v,%v)", r.CenterX(), r.CenterY())
	}
}
