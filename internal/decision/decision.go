// Package decision implements the policy that converts a cost estimate plus
// host capabilities into a worker/chunk/executor recommendation —
// spec.md §4.5. It is grounded on internal/tuning/engine.go's
// GenerateRecommendations: apply a sequence of ordered, simple arithmetic
// rules over resource inputs, accumulating an advisory trail alongside the
// final numbers.
package decision

import (
	"time"

	"github.com/luckyjian/amorsize/internal/costmodel"
	"github.com/luckyjian/amorsize/internal/hostcap"
	"github.com/luckyjian/amorsize/internal/profiler"
)

// Tunables from spec.md §4.5, given names instead of being buried as magic
// numbers — mirrors the teacher's DefaultMaxLagBytes-style named constants.
const (
	SmallNThreshold        = 100
	ParallelStartupFloor   = 50 * time.Millisecond
	TargetChunksPerWorker  = 4
	TransferDominanceRatio = 0.5
	MinProfitableSpeedup   = 1.05
	MemorySafetyFactor     = 0.9
)

// Decision is the recommendation surfaced to the caller (spec.md §3).
type Decision struct {
	ExecutorKind     costmodel.ExecutorKind
	WorkerCount      int
	ChunkSize        int
	EstimatedSpeedup float64
	Reason           string
	Advisories       []string

	// CacheTier records where this recommendation came from ("shared",
	// "local", or "fresh"), set by the coordinator after Decide returns.
	// It is part of the Decision's provenance, spec.md §7's "set
	// cache_tier='local' in Decision provenance".
	CacheTier string
}

// Decide applies the eight ordered rules of spec.md §4.5 to produce a
// Decision. It is a pure, stateless function of its inputs, and it never
// returns an error: invalid inputs (negative size) degrade to a serial
// Decision carrying an advisory, per spec.md §4.5's failure semantics.
func Decide(profile profiler.WorkloadProfile, host hostcap.Snapshot, workloadSize int) Decision {
	if workloadSize < 0 {
		return serial(0, "invalid input: negative workload size", []string{"workload size was negative; treated as empty"})
	}
	if workloadSize == 0 {
		return serialChunked(0, 1, 1.0, "empty workload", nil)
	}
	if profile.MeanComputeTime <= 0 {
		return serial(workloadSize, "function too fast to measure", []string{"function too fast to measure"})
	}

	var advisories []string
	if profile.EncoderFailed {
		advisories = append(advisories, "encoder failed on at least one sample — using a pessimistic memory estimate")
	}

	tSerial := costmodel.TSerial(workloadSize, profile.MeanComputeTime)

	// Rule 1: tiny workload short-circuit.
	if workloadSize <= SmallNThreshold || tSerial < ParallelStartupFloor {
		return serialChunked(workloadSize, workloadSize, 1.0, "workload too small", advisories)
	}

	chunkHint := targetChunkSize(workloadSize, host.PhysicalCores)
	estimate := costmodel.Estimate(profile, host, chunkHint)

	executor := costmodel.ExecutorProcessPool

	// Rule 2: transfer-dominated workloads prefer thread_pool.
	if float64(estimate.PerItemTransfer) > float64(estimate.PerItemCompute)*TransferDominanceRatio {
		executor = costmodel.ExecutorThreadPool
		advisories = append(advisories, "transfer cost dominates compute cost — preferring thread pool over process pool")

		threadCost := costmodel.TParallel(workloadSize, host.PhysicalCores, executor, estimate.PerItemCompute, estimate.PerItemTransfer)
		if threadCost >= tSerial {
			advisories = append(advisories, "thread-pool overhead still exceeds serial cost — falling back to serial")
			return serialChunked(workloadSize, workloadSize, 1.0, "parallel overhead exceeds savings", advisories)
		}
	}

	// Rule 3: memory ceiling.
	wMem := int(float64(host.AvailableMemoryBytes) * MemorySafetyFactor / estimate.PerWorkerMemory)
	if wMem < 1 {
		advisories = append(advisories, "available memory cannot support even one parallel worker")
		return serialChunked(workloadSize, workloadSize, 1.0, "memory ceiling forces serial execution", advisories)
	}

	// Rule 4: ideal width — argmin over w in [1, physical_cores] of
	// T_parallel, tie-breaking toward the smaller w.
	wIdeal := 1
	best := costmodel.TParallel(workloadSize, 1, executor, estimate.PerItemCompute, estimate.PerItemTransfer)
	for w := 2; w <= host.PhysicalCores; w++ {
		t := costmodel.TParallel(workloadSize, w, executor, estimate.PerItemCompute, estimate.PerItemTransfer)
		if t < best {
			best = t
			wIdeal = w
		}
	}

	// Rule 5: final width.
	workerCount := minInt(wIdeal, wMem, host.PhysicalCores, workloadSize)
	if workerCount < 1 {
		workerCount = 1
	}

	// Rule 6: chunking, halved if heterogeneous.
	chunkSize := targetChunkSize(workloadSize, workerCount)
	if profile.Heterogeneous {
		chunkSize = maxInt(1, chunkSize/2)
		advisories = append(advisories, "heterogeneous workload — smaller chunks for balance")
	}

	// Rule 7: executor kind, forced serial when width collapsed to 1.
	if workerCount == 1 {
		executor = costmodel.ExecutorSerial
	}

	// Rule 8: estimated speedup; reject marginal gains.
	tFinal := costmodel.TParallel(workloadSize, workerCount, executor, estimate.PerItemCompute, estimate.PerItemTransfer)
	speedup := float64(tSerial) / float64(tFinal)
	if speedup < MinProfitableSpeedup {
		advisories = append(advisories, "parallelism would not be profitable")
		return serialChunked(workloadSize, workloadSize, 1.0, "parallelism would not be profitable", advisories)
	}

	return Decision{
		ExecutorKind:     executor,
		WorkerCount:      workerCount,
		ChunkSize:        chunkSize,
		EstimatedSpeedup: speedup,
		Reason:           reasonFor(executor),
		Advisories:       advisories,
	}
}

// serial builds a serial Decision where chunk_size equals workload_size,
// the general case from invariant 4.
func serial(workloadSize int, reason string, advisories []string) Decision {
	return serialChunked(workloadSize, workloadSize, 1.0, reason, advisories)
}

// serialChunked builds a serial Decision with an explicit chunk size,
// needed for the workload_size=0 boundary case where chunk_size must be 1
// rather than 0 (spec.md §8: "no division by zero").
func serialChunked(workloadSize, chunkSize int, speedup float64, reason string, advisories []string) Decision {
	if chunkSize < 1 {
		chunkSize = 1
	}
	return Decision{
		ExecutorKind:     costmodel.ExecutorSerial,
		WorkerCount:      1,
		ChunkSize:        chunkSize,
		EstimatedSpeedup: speedup,
		Reason:           reason,
		Advisories:       advisories,
	}
}

// targetChunkSize implements spec.md §4.5 rule 6's base formula:
// max(1, floor(workloadSize / (workerCount * TargetChunksPerWorker))).
func targetChunkSize(workloadSize, workerCount int) int {
	if workerCount < 1 {
		workerCount = 1
	}
	c := workloadSize / (workerCount * TargetChunksPerWorker)
	if c < 1 {
		c = 1
	}
	return c
}

func reasonFor(executor costmodel.ExecutorKind) string {
	switch executor {
	case costmodel.ExecutorProcessPool:
		return "parallelizing across worker processes"
	case costmodel.ExecutorThreadPool:
		return "parallelizing across worker threads (transfer-bound workload)"
	default:
		return "serial execution"
	}
}

func minInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
