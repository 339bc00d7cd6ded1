// Package costmodel derives the cost estimate consumed by the decision
// engine from a workload profile and a host snapshot — spec.md §4.4.
package costmodel

import (
	"time"

	"github.com/luckyjian/amorsize/internal/hostcap"
	"github.com/luckyjian/amorsize/internal/profiler"
)

// SafetyMargin is the multiplicative factor applied to the per-worker
// memory estimate (spec.md §4.4, glossary "safety margin").
const SafetyMargin = 2.0

// Startup and steady-state overhead constants for the two parallel
// executors. Process-pool startup is dominated by spawning a fresh
// interpreter/runtime per worker; thread-pool startup is a thin scheduling
// cost. These are the kind of small defensible constants spec.md leaves
// unspecified ("startup(executor, w)"); they are tuned to be the right
// order of magnitude (milliseconds for process spawn, microseconds for
// thread dispatch) rather than measured, and are not claimed to be exact.
const (
	ProcessStartupPerWorker    = 2 * time.Millisecond
	ThreadStartupPerWorker     = 50 * time.Microsecond
	ThreadSmallConstantPerItem = 1 * time.Microsecond
)

// ExecutorKind enumerates the possible execution strategies.
type ExecutorKind string

const (
	ExecutorSerial      ExecutorKind = "serial"
	ExecutorThreadPool  ExecutorKind = "thread_pool"
	ExecutorProcessPool ExecutorKind = "process_pool"
)

// CostEstimate is the output of Estimate (spec.md §4.4).
type CostEstimate struct {
	PerItemCompute  time.Duration
	PerItemTransfer time.Duration
	// PerWorkerMemory is estimated in bytes, for the supplied chunkSizeHint.
	PerWorkerMemory float64
	Heterogeneous   bool
}

// Estimate derives a CostEstimate from a profile and a host snapshot.
//
// per_worker_memory depends on chunk_size (spec.md §4.4's formula), but the
// decision engine's memory-ceiling check (spec.md §4.5 step 3) runs before
// the final chunk size is chosen (step 6). We resolve this ordering with a
// chunkSizeHint: the decision engine passes its best a-priori guess (target
// chunks-per-worker against an assumed full-width worker count). The
// estimate is not recomputed once the real chunk size is known. See
// DESIGN.md for the full resolution of this spec ambiguity.
func Estimate(profile profiler.WorkloadProfile, host hostcap.Snapshot, chunkSizeHint int) CostEstimate {
	if chunkSizeHint < 1 {
		chunkSizeHint = 1
	}

	perItemTransfer := profile.MeanEncodeInTime + profile.MeanEncodeOutTime

	perWorkerMemory := outputSizeOrFallback(profile.OutputSizeEstimate) * float64(chunkSizeHint) * SafetyMargin

	return CostEstimate{
		PerItemCompute:  profile.MeanComputeTime,
		PerItemTransfer: perItemTransfer,
		PerWorkerMemory: perWorkerMemory,
		Heterogeneous:   profile.Heterogeneous,
	}
}

// outputSizeOrFallback guards against a zero-byte output estimate (e.g. a
// function that returns nothing meaningful to encode) producing a
// zero-cost, unbounded memory estimate; one byte is the smallest meaningful
// non-zero footprint per item.
func outputSizeOrFallback(size float64) float64 {
	if size <= 0 {
		return 1
	}
	return size
}

// TSerial is T_serial(n) = n * t_exec, per spec.md §4.4.
func TSerial(n int, perItemCompute time.Duration) time.Duration {
	return time.Duration(int64(n) * int64(perItemCompute))
}

// TParallel is T_parallel(n, w, executor) = n/w*t_exec + startup(executor,w) + overhead(executor)*n,
// per spec.md §4.4.
func TParallel(n, w int, executor ExecutorKind, perItemCompute, perItemTransfer time.Duration) time.Duration {
	if w < 1 {
		w = 1
	}
	steadyState := time.Duration(int64(n) / int64(w) * int64(perItemCompute))

	var startup, overheadPerItem time.Duration
	switch executor {
	case ExecutorProcessPool:
		startup = time.Duration(w) * ProcessStartupPerWorker
		overheadPerItem = perItemTransfer
	case ExecutorThreadPool:
		startup = time.Duration(w) * ThreadStartupPerWorker
		overheadPerItem = ThreadSmallConstantPerItem
	default: // serial
		return TSerial(n, perItemCompute)
	}

	return steadyState + startup + time.Duration(int64(n))*overheadPerItem
}
