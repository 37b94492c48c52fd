// Package sysmem detects total system RAM so C3's cache budgets can be
// sized as a fraction of the host's memory instead of a fixed constant.
// Adapted from the teacher's internal/tile.ComputeMemoryLimit, which
// sized the pyramid builder's in-memory tile store the same way before
// spilling to disk; this engine has no disk-spill tier (L2 is its
// overflow), so the only thing carried over is the RAM-fraction math.
package sysmem

import (
	"log"
	"runtime"
)

// DefaultPressureFraction is the fraction of total RAM a cache budget
// may claim when sized automatically. 0.5 leaves headroom for the rest
// of the serving process and the OS page cache backing C1's mmaps.
const DefaultPressureFraction = 0.5

// ComputeBudget returns the number of bytes a cache tier may use: the
// given fraction of total system RAM, minus the current Go heap
// overhead plus a fixed 512 MiB headroom for non-cache allocations
// (decode scratch, request buffers). Returns 0 if RAM detection fails
// or the computed budget is unreasonably small, signaling the caller
// should fall back to its own fixed default.
func ComputeBudget(fraction float64, verbose bool) int64 {
	total, err := totalSystemRAM()
	if err != nil {
		if verbose {
			log.Printf("fastpath: cannot detect system RAM: %v; using fixed cache budget", err)
		}
		return 0
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	overhead := m.Sys + 512<<20

	budget := int64(float64(total)*fraction) - int64(overhead)
	const minBudget = 64 << 20
	if budget < minBudget {
		if verbose {
			log.Printf("fastpath: computed cache budget too small (%d bytes); using fixed default", budget)
		}
		return 0
	}

	if verbose {
		log.Printf("fastpath: cache budget %.1f GiB (%.0f%% of %.1f GiB RAM minus %.1f GiB overhead)",
			float64(budget)/(1<<30), fraction*100, float64(total)/(1<<30), float64(overhead)/(1<<30))
	}
	return budget
}
