// Package hostcap provides read-only snapshots of host capabilities:
// physical core count, available memory, and worker-spawn semantics. Per
// spec.md §4.1, every call returns a fresh observation and probing errors
// fall back to conservative defaults rather than propagating.
package hostcap

import (
	"fmt"
	"runtime"
)

// SpawnModel describes how new workers come into being on this host.
type SpawnModel string

const (
	// ForkedSpawn means new workers inherit memory copy-on-write (e.g. a
	// unix fork()). Startup is cheap; memory is effectively shared until
	// written.
	ForkedSpawn SpawnModel = "forked"
	// ProcessSpawn means new workers start as fresh processes with no
	// inherited memory. Startup is more expensive.
	ProcessSpawn SpawnModel = "spawned"
)

// Conservative fallback values used whenever a probe fails, per spec.md §4.1.
const (
	FallbackCores       = 1
	FallbackMemoryBytes = 512 * 1024 * 1024 // 512 MiB
	FallbackSpawnModel  = ProcessSpawn
)

// HostCapabilities is a read-only snapshot source. Implementations must
// never block for long and must never return an error to the caller — probe
// failures are absorbed internally and reported as the conservative
// defaults above.
type HostCapabilities interface {
	PhysicalCores() int
	AvailableMemoryBytes() uint64
	WorkerSpawnModel() SpawnModel
}

// Kind selects a HostCapabilities implementation, mirroring the teacher's
// provider.New(providerType, cfg) factory shape (internal/provider/provider.go).
type Kind string

const (
	// KindNative probes the OS/runtime directly (runtime.NumCPU, /proc/meminfo).
	KindNative Kind = "native"
	// KindCgroupAware additionally clamps to cgroup CPU/memory limits when
	// running inside a Linux cgroup v1/v2 hierarchy, falling back to Native
	// probing when no cgroup confinement is detected.
	KindCgroupAware Kind = "cgroup"
)

// Snapshot is a captured, immutable view of a HostCapabilities probe at a
// point in time (spec.md §3's HostSnapshot). Decisions are made against a
// Snapshot rather than re-probing mid-decision, and a Snapshot is what gets
// embedded into a CacheEntry for later compatibility checks.
type Snapshot struct {
	PhysicalCores        int
	AvailableMemoryBytes uint64
	SpawnModel           SpawnModel
}

// Capture takes a fresh Snapshot from a HostCapabilities source.
func Capture(hc HostCapabilities) Snapshot {
	return Snapshot{
		PhysicalCores:        hc.PhysicalCores(),
		AvailableMemoryBytes: hc.AvailableMemoryBytes(),
		SpawnModel:           hc.WorkerSpawnModel(),
	}
}

// CompatibleWith implements the compatibility predicate from spec.md
// invariant 5: a cached Snapshot is usable under the current host only if
// the spawn-model tag matches exactly and the cached core count does not
// exceed the current one (under-counting cores is safe; over-counting is
// not).
func (s Snapshot) CompatibleWith(current Snapshot) bool {
	return s.SpawnModel == current.SpawnModel && s.PhysicalCores <= current.PhysicalCores
}

// New returns a HostCapabilities implementation for the given kind.
func New(kind Kind) (HostCapabilities, error) {
	switch kind {
	case KindNative, "":
		return &nativeCapabilities{}, nil
	case KindCgroupAware:
		return newCgroupAwareCapabilities(), nil
	default:
		return nil, fmt.Errorf("hostcap: unknown kind %q: must be %q or %q", kind, KindNative, KindCgroupAware)
	}
}

// nativeCapabilities reads the host directly via the Go runtime and the
// kernel's /proc interface, without regard for any container confinement.
type nativeCapabilities struct{}

func (nativeCapabilities) PhysicalCores() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return FallbackCores
}

func (nativeCapabilities) AvailableMemoryBytes() uint64 {
	if mem, ok := readMemAvailable(); ok {
		return mem
	}
	return FallbackMemoryBytes
}

func (nativeCapabilities) WorkerSpawnModel() SpawnModel {
	if runtime.GOOS == "windows" {
		return ProcessSpawn
	}
	return ForkedSpawn
}
