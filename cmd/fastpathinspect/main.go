// Command fastpathinspect is a developer diagnostic tool: it opens a
// .fastpath slide directory, prints its metadata, fetches one tile, and
// reports cache stats. Grounded on cmd/coginfo and cmd/debug's
// open-and-dump-fields shape and cmd/geotiff2pmtiles's stdlib flag
// usage; it is a developer utility, not the viewer/UI shell the
// specification excludes from scope.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fastpathio/engine"
)

func main() {
	var (
		level       int
		col         int
		row         int
		l1BudgetMB  int
		l2BudgetMB  int
		showVersion bool
	)

	flag.IntVar(&level, "level", -1, "Pyramid level to fetch a sample tile from (default: finest)")
	flag.IntVar(&col, "col", 0, "Tile column to fetch")
	flag.IntVar(&row, "row", 0, "Tile row to fetch")
	flag.IntVar(&l1BudgetMB, "l1-budget-mb", 0, "L1 (decoded) cache budget in MB (0 = default)")
	flag.IntVar(&l2BudgetMB, "l2-budget-mb", 0, "L2 (compressed) cache budget in MB (0 = default)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: fastpathinspect [flags] <slide.fastpath>\n\n")
		fmt.Fprintf(os.Stderr, "Open a FastPath slide directory and print its metadata, fetch one\ntile, and report cache statistics.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Println("fastpathinspect (dev)")
		return
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	slideDir := flag.Arg(0)

	cfg := fastpath.Config{}
	if l1BudgetMB > 0 {
		cfg.L1BudgetBytes = int64(l1BudgetMB) << 20
	}
	if l2BudgetMB > 0 {
		cfg.L2BudgetBytes = int64(l2BudgetMB) << 20
	}

	sess, err := fastpath.Open(slideDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %s: %v\n", slideDir, err)
		os.Exit(1)
	}
	defer sess.Close()

	slide := sess.Metadata()
	fmt.Printf("Slide: %s\n", slideDir)
	fmt.Printf("  version:              %s\n", slide.Version)
	fmt.Printf("  source_file:          %s\n", slide.SourceFile)
	fmt.Printf("  source_mpp:           %f\n", slide.SourceMPP)
	fmt.Printf("  target_mpp:           %f\n", slide.TargetMPP)
	fmt.Printf("  target_magnification: %f\n", slide.TargetMagnification)
	fmt.Printf("  tile_size:            %d\n", slide.TileSize)
	fmt.Printf("  dimensions:           %d x %d\n", slide.Width, slide.Height)
	fmt.Printf("  tile_format:          %s\n", slide.TileFormat)
	fmt.Printf("  preprocessed_at:      %s\n", slide.PreprocessedAt)
	fmt.Printf("  levels:\n")
	for _, ld := range slide.Levels {
		fmt.Printf("    level=%d downsample=%d cols=%d rows=%d\n", ld.Level, ld.Downsample, ld.Cols, ld.Rows)
	}

	if level < 0 {
		level = slide.MaxLevel()
	}

	fmt.Printf("\nFetching level=%d col=%d row=%d ...\n", level, col, row)
	start := time.Now()
	tile, err := sess.FetchTile(context.Background(), level, col, row)
	elapsed := time.Since(start)
	if err != nil {
		fmt.Fprintf(os.Stderr, "  FetchTile: ERROR: %v\n", err)
	} else if tile == nil {
		fmt.Printf("  FetchTile: absent (zero-length index entry)\n")
	} else {
		fmt.Printf("  FetchTile: OK, %dx%d RGB, %d bytes, %s\n", tile.Width, tile.Height, len(tile.RGB), elapsed)
		tile.Release()
	}

	stats := sess.Stats()
	fmt.Printf("\nCache stats:\n")
	fmt.Printf("  L1: hits=%d misses=%d count=%d bytes=%d\n", stats.L1Hits, stats.L1Misses, stats.L1Count, stats.L1Bytes)
	fmt.Printf("  L2: hits=%d misses=%d count=%d bytes=%d\n", stats.L2Hits, stats.L2Misses, stats.L2Count, stats.L2Bytes)
	fmt.Printf("  in-flight: %d\n", stats.InflightCount)
}
