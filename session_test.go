package fastpath

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fastpathio/engine/internal/fastpathfixture"
)

func openFixtureSession(t *testing.T) (*Session, func()) {
	t.Helper()
	dir := t.TempDir()
	levels := []fastpathfixture.LevelSpec{
		{Level: 0, Downsample: 2, Cols: 4, Rows: 4},
		{Level: 1, Downsample: 1, Cols: 8, Rows: 8},
	}
	if err := fastpathfixture.Write(dir, fastpathfixture.Options{
		TileSize: 64, Levels: levels, Width: 512, Height: 512,
		Absent: map[[3]int]bool{{1, 7, 7}: true},
	}); err != nil {
		t.Fatalf("fastpathfixture.Write: %v", err)
	}

	sess, err := Open(dir, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return sess, func() { sess.Close() }
}

func TestOpenFetchAndClose(t *testing.T) {
	sess, cleanup := openFixtureSession(t)
	defer cleanup()

	tile, err := sess.FetchTile(context.Background(), 1, 0, 0)
	if err != nil {
		t.Fatalf("FetchTile: %v", err)
	}
	if tile == nil {
		t.Fatal("FetchTile returned nil for a present tile")
	}
	if tile.Width != 64 || tile.Height != 64 {
		t.Errorf("dims = %dx%d, want 64x64", tile.Width, tile.Height)
	}
	tile.Release()

	st := sess.Stats()
	if st.L1Count != 1 {
		t.Errorf("L1Count = %d, want 1", st.L1Count)
	}
}

func TestOpenStampsValidSessionUUID(t *testing.T) {
	sess, cleanup := openFixtureSession(t)
	defer cleanup()

	if _, err := uuid.Parse(sess.ID()); err != nil {
		t.Errorf("Session.ID() = %q is not a valid UUID: %v", sess.ID(), err)
	}
}

func TestFetchAbsentTileReturnsNilNil(t *testing.T) {
	sess, cleanup := openFixtureSession(t)
	defer cleanup()

	tile, err := sess.FetchTile(context.Background(), 1, 7, 7)
	if err != nil {
		t.Fatalf("FetchTile on absent tile returned error: %v", err)
	}
	if tile != nil {
		t.Error("FetchTile on absent tile should return nil Tile")
	}
}

func TestGetTileL1NeverErrorsOnMiss(t *testing.T) {
	sess, cleanup := openFixtureSession(t)
	defer cleanup()

	tile, ok := sess.GetTileL1(1, 3, 3)
	if ok {
		t.Fatal("expected cold-cache L1 miss")
	}
	if tile != nil {
		t.Error("GetTileL1 miss should return a nil Tile")
	}
}

func TestLevelForScaleAndVisibleTiles(t *testing.T) {
	sess, cleanup := openFixtureSession(t)
	defer cleanup()

	if lvl := sess.LevelForScale(1.0); lvl != 1 {
		t.Errorf("LevelForScale(1.0) = %d, want 1 (finest)", lvl)
	}

	coords := sess.VisibleTiles(0, 0, 8, 8, 1.0)
	if len(coords) != 1 || coords[0].Col != 0 || coords[0].Row != 0 {
		t.Errorf("VisibleTiles = %+v, want [{1 0 0}]", coords)
	}
}

func TestUpdateViewportWarmsCache(t *testing.T) {
	sess, cleanup := openFixtureSession(t)
	defer cleanup()

	sess.UpdateViewport(0, 0, 8, 8, 1.0, 0, 0)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := sess.GetTileL1(1, 0, 0); ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("UpdateViewport never warmed the visible tile into L1")
}

func TestThumbnail(t *testing.T) {
	sess, cleanup := openFixtureSession(t)
	defer cleanup()

	data, err := sess.Thumbnail()
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	if len(data) == 0 {
		t.Error("Thumbnail returned empty data")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	sess, _ := openFixtureSession(t)
	if err := sess.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestOpenMissingDirectoryFails(t *testing.T) {
	_, err := Open(t.TempDir()+"/does-not-exist", Config{})
	if err == nil {
		t.Fatal("Open on a missing slide directory should fail")
	}
}
