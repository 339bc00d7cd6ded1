package decision

import (
	"testing"
	"time"

	"github.com/luckyjian/amorsize/internal/costmodel"
	"github.com/luckyjian/amorsize/internal/hostcap"
	"github.com/luckyjian/amorsize/internal/profiler"
)

func defaultHost() hostcap.Snapshot {
	return hostcap.Snapshot{PhysicalCores: 8, AvailableMemoryBytes: 8 << 30, SpawnModel: hostcap.ProcessSpawn}
}

func TestDecide_NegativeWorkloadSize(t *testing.T) {
	d := Decide(profiler.WorkloadProfile{}, defaultHost(), -5)
	if d.ExecutorKind != costmodel.ExecutorSerial || d.WorkerCount != 1 || d.ChunkSize != 1 {
		t.Fatalf("expected serial/1/1 for negative input, got %+v", d)
	}
}

func TestDecide_EmptyWorkload(t *testing.T) {
	d := Decide(profiler.WorkloadProfile{}, defaultHost(), 0)
	if d.ExecutorKind != costmodel.ExecutorSerial || d.WorkerCount != 1 || d.ChunkSize != 1 {
		t.Fatalf("expected serial/1/1 for empty workload, got %+v", d)
	}
}

func TestDecide_ImmeasurablePerItemCompute(t *testing.T) {
	profile := profiler.WorkloadProfile{MeanComputeTime: 0}
	d := Decide(profile, defaultHost(), 10_000)
	if d.ExecutorKind != costmodel.ExecutorSerial {
		t.Fatalf("expected serial when compute time is immeasurable, got %+v", d)
	}
	if d.Reason != "function too fast to measure" {
		t.Errorf("unexpected reason: %q", d.Reason)
	}
}

// S1: tiny workload stays serial regardless of per-item cost.
func TestDecide_S1_TinyWorkloadShortCircuit(t *testing.T) {
	profile := profiler.WorkloadProfile{MeanComputeTime: 10 * time.Millisecond}
	d := Decide(profile, defaultHost(), 50)
	if d.ExecutorKind != costmodel.ExecutorSerial {
		t.Fatalf("expected serial for workload below threshold, got %+v", d)
	}
	if d.WorkerCount != 1 || d.ChunkSize != 50 {
		t.Errorf("expected worker_count=1 chunk_size=workload_size, got %+v", d)
	}
}

// S2: a large, expensive, uniform workload should parallelize across
// processes.
func TestDecide_S2_LargeUniformWorkloadParallelizes(t *testing.T) {
	profile := profiler.WorkloadProfile{
		MeanComputeTime:    5 * time.Millisecond,
		MeanEncodeInTime:   1 * time.Microsecond,
		MeanEncodeOutTime:  1 * time.Microsecond,
		OutputSizeEstimate: 64,
	}
	d := Decide(profile, defaultHost(), 100_000)
	if d.ExecutorKind != costmodel.ExecutorProcessPool {
		t.Fatalf("expected process_pool, got %+v", d)
	}
	if d.WorkerCount < 2 {
		t.Errorf("expected worker_count > 1, got %d", d.WorkerCount)
	}
	if d.EstimatedSpeedup <= 1.0 {
		t.Errorf("expected speedup > 1, got %v", d.EstimatedSpeedup)
	}
}

// S3: transfer-dominated workload prefers thread_pool over process_pool.
func TestDecide_S3_TransferDominatedPrefersThreadPool(t *testing.T) {
	profile := profiler.WorkloadProfile{
		MeanComputeTime:    10 * time.Microsecond,
		MeanEncodeInTime:   500 * time.Microsecond,
		MeanEncodeOutTime:  500 * time.Microsecond,
		OutputSizeEstimate: 1 << 20,
	}
	d := Decide(profile, defaultHost(), 50_000)
	if d.ExecutorKind == costmodel.ExecutorProcessPool {
		t.Fatalf("expected thread_pool or serial for a transfer-dominated workload, got process_pool: %+v", d)
	}
}

// S4: memory pressure clamps worker_count to an intermediate width via
// rule 5's min(w_ideal, w_mem, ...) rather than collapsing all the way to
// serial (spec.md §8: n=10_000, t_exec=1ms, per_worker_memory=3GiB,
// available=8GiB -> worker_count=2, chunk≈1250).
func TestDecide_S4_MemoryCeilingClampsToIntermediateWidth(t *testing.T) {
	host := hostcap.Snapshot{PhysicalCores: 8, AvailableMemoryBytes: 8 << 30}

	// Choose OutputSizeEstimate so that Estimate's per_worker_memory formula
	// (output_size * chunk_hint * costmodel.SafetyMargin) lands on spec's
	// 3GiB figure for the chunk_hint this workload/host pair actually
	// produces, rather than hardcoding a chunk_hint computed by hand.
	chunkHint := targetChunkSize(10_000, host.PhysicalCores)
	const threeGiB = 3 << 30
	outputSize := float64(threeGiB) / (float64(chunkHint) * costmodel.SafetyMargin)

	profile := profiler.WorkloadProfile{
		MeanComputeTime:    1 * time.Millisecond,
		OutputSizeEstimate: outputSize,
	}
	d := Decide(profile, host, 10_000)
	if d.ExecutorKind == costmodel.ExecutorSerial {
		t.Fatalf("expected a non-serial decision clamped by the memory ceiling, got %+v", d)
	}
	if d.WorkerCount != 2 {
		t.Fatalf("expected memory ceiling to clamp worker_count to 2, got %d (%+v)", d.WorkerCount, d)
	}
	if d.ChunkSize != 1250 {
		t.Errorf("expected chunk_size=1250 for worker_count=2, got %d", d.ChunkSize)
	}
}

// Boundary behavior (spec.md §8): available_memory less than one worker's
// estimate forces full serial execution, not just a narrower width.
func TestDecide_Boundary_MemoryInsufficientForOneWorker(t *testing.T) {
	profile := profiler.WorkloadProfile{
		MeanComputeTime:    5 * time.Millisecond,
		OutputSizeEstimate: 1 << 30, // 1 GiB per item
	}
	host := hostcap.Snapshot{PhysicalCores: 8, AvailableMemoryBytes: 1 << 20} // 1 MiB available
	d := Decide(profile, host, 100_000)
	if d.ExecutorKind != costmodel.ExecutorSerial {
		t.Fatalf("expected serial under memory pressure, got %+v", d)
	}
	if d.Reason != "memory ceiling forces serial execution" {
		t.Errorf("unexpected reason: %q", d.Reason)
	}
}

// Boundary behavior (spec.md §8): a single physical core always yields
// serial execution.
func TestDecide_Boundary_SingleCoreAlwaysSerial(t *testing.T) {
	profile := profiler.WorkloadProfile{
		MeanComputeTime:    5 * time.Millisecond,
		OutputSizeEstimate: 64,
	}
	host := hostcap.Snapshot{PhysicalCores: 1, AvailableMemoryBytes: 8 << 30}
	d := Decide(profile, host, 100_000)
	if d.ExecutorKind != costmodel.ExecutorSerial || d.WorkerCount != 1 {
		t.Fatalf("expected serial on a single-core host, got %+v", d)
	}
}

// S5: heterogeneous workloads (high coefficient of variation) halve the
// chunk size relative to a uniform workload of the same size, and carry an
// advisory (spec.md §8: n=5_000, cv=1.2 -> non-serial, chunk_size halved,
// advisory present).
func TestDecide_S5_HeterogeneousWorkloadHalvesChunkSize(t *testing.T) {
	base := profiler.WorkloadProfile{
		MeanComputeTime:    5 * time.Millisecond,
		MeanEncodeInTime:   1 * time.Microsecond,
		MeanEncodeOutTime:  1 * time.Microsecond,
		OutputSizeEstimate: 64,
	}
	uniform := base
	uniform.Heterogeneous = false
	heterogeneous := base
	heterogeneous.Heterogeneous = true

	host := defaultHost()
	dUniform := Decide(uniform, host, 5_000)
	dHetero := Decide(heterogeneous, host, 5_000)

	if dHetero.ExecutorKind == costmodel.ExecutorSerial {
		t.Fatalf("expected a non-serial decision for the heterogeneous workload, got %+v", dHetero)
	}
	if dUniform.WorkerCount != dHetero.WorkerCount {
		t.Fatalf("expected identical worker counts between the two profiles, got %d vs %d", dUniform.WorkerCount, dHetero.WorkerCount)
	}
	if dHetero.ChunkSize >= dUniform.ChunkSize {
		t.Errorf("expected heterogeneous chunk size (%d) to be smaller than uniform chunk size (%d)", dHetero.ChunkSize, dUniform.ChunkSize)
	}
	if len(dHetero.Advisories) == 0 {
		t.Error("expected an advisory on the heterogeneous decision")
	}
}

func TestDecide_MarginalSpeedupRejected(t *testing.T) {
	// T_serial = 1000 * 50us = 50ms, exactly at the tiny-workload floor (not
	// below it), and transfer (24us) stays under half the compute cost, so
	// rules 1 and 2 pass. On two cores the best width is w=2 with
	// T_parallel = 25ms + 4ms startup + 24ms transfer = 53ms, a speedup of
	// ~0.94, which rule 8 rejects.
	profile := profiler.WorkloadProfile{
		MeanComputeTime:    50 * time.Microsecond,
		MeanEncodeInTime:   12 * time.Microsecond,
		MeanEncodeOutTime:  12 * time.Microsecond,
		OutputSizeEstimate: 64,
	}
	host := hostcap.Snapshot{PhysicalCores: 2, AvailableMemoryBytes: 8 << 30}
	d := Decide(profile, host, 1000)
	if d.ExecutorKind != costmodel.ExecutorSerial {
		t.Fatalf("expected marginal-speedup workload to stay serial, got %+v", d)
	}
	if d.Reason != "parallelism would not be profitable" {
		t.Errorf("unexpected reason: %q", d.Reason)
	}
}

// Universal invariants (spec.md §8), exercised across a sweep of scenarios.
func TestDecide_Invariants(t *testing.T) {
	scenarios := []struct {
		name    string
		profile profiler.WorkloadProfile
		host    hostcap.Snapshot
		size    int
	}{
		{"tiny", profiler.WorkloadProfile{MeanComputeTime: time.Millisecond}, defaultHost(), 10},
		{"large-uniform", profiler.WorkloadProfile{MeanComputeTime: 5 * time.Millisecond, OutputSizeEstimate: 64}, defaultHost(), 200_000},
		{"memory-bound", profiler.WorkloadProfile{MeanComputeTime: 5 * time.Millisecond, OutputSizeEstimate: 1 << 30}, hostcap.Snapshot{PhysicalCores: 8, AvailableMemoryBytes: 1 << 20}, 100_000},
		{"single-core", profiler.WorkloadProfile{MeanComputeTime: 5 * time.Millisecond, OutputSizeEstimate: 64}, hostcap.Snapshot{PhysicalCores: 1, AvailableMemoryBytes: 8 << 30}, 50_000},
		{"zero", profiler.WorkloadProfile{}, defaultHost(), 0},
	}

	for _, s := range scenarios {
		t.Run(s.name, func(t *testing.T) {
			d := Decide(s.profile, s.host, s.size)

			if d.WorkerCount < 1 {
				t.Errorf("worker_count must be >= 1, got %d", d.WorkerCount)
			}
			if d.ChunkSize < 1 {
				t.Errorf("chunk_size must be >= 1, got %d", d.ChunkSize)
			}
			if d.ExecutorKind == costmodel.ExecutorSerial && d.WorkerCount != 1 {
				t.Errorf("serial executor must have worker_count=1, got %d", d.WorkerCount)
			}
			if d.ExecutorKind == costmodel.ExecutorSerial && d.ChunkSize != maxInt(s.size, 1) && s.size != 0 {
				t.Errorf("serial executor's chunk_size should equal workload_size, got %d for size %d", d.ChunkSize, s.size)
			}
			max := s.size
			if d.WorkerCount > max {
				max = d.WorkerCount
			}
			if d.ChunkSize*d.WorkerCount > max && max != 0 {
				t.Errorf("chunk_size * worker_count (%d) must not exceed max(workload_size, worker_count) (%d)", d.ChunkSize*d.WorkerCount, max)
			}
		})
	}
}

func TestTargetChunkSize(t *testing.T) {
	cases := []struct {
		size, workers, want int
	}{
		{100_000, 8, 3125},
		{10, 8, 1},
		{0, 8, 1},
		{100, 1, 25},
	}
	for _, c := range cases {
		if got := targetChunkSize(c.size, c.workers); got != c.want {
			t.Errorf("targetChunkSize(%d, %d) = %d, want %d", c.size, c.workers, got, c.want)
		}
	}
}
