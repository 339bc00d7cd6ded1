//go:build linux

package hostcap

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

const cgroupRoot = "/sys/fs/cgroup"

// cgroupVersion mirrors the detection done by the consumption example's
// pkg/system/cgroup.Detect: parse /proc/self/mountinfo for cgroup/cgroup2
// filesystem entries.
type cgroupVersion int

const (
	cgroupUnsupported cgroupVersion = iota
	cgroupV1
	cgroupV2
)

func detectCgroupVersion() cgroupVersion {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return cgroupUnsupported
	}
	defer f.Close()

	var hasV1, hasV2 bool
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		sep := " - "
		i := strings.LastIndex(line, sep)
		if i < 0 {
			continue
		}
		tail := strings.Fields(line[i+len(sep):])
		if len(tail) < 1 {
			continue
		}
		switch tail[0] {
		case "cgroup2":
			hasV2 = true
		case "cgroup":
			hasV1 = true
		}
	}
	switch {
	case hasV2:
		return cgroupV2
	case hasV1:
		return cgroupV1
	default:
		return cgroupUnsupported
	}
}

// cgroupAwareCapabilities clamps the native probe's results to whatever
// cpu/memory limits the current cgroup imposes, so a process confined to a
// 4-core, 2GiB cgroup on a 64-core host does not recommend 64 workers.
type cgroupAwareCapabilities struct {
	native nativeCapabilities
}

func newCgroupAwareCapabilities() *cgroupAwareCapabilities {
	return &cgroupAwareCapabilities{}
}

func (c *cgroupAwareCapabilities) PhysicalCores() int {
	nativeCores := c.native.PhysicalCores()

	switch detectCgroupVersion() {
	case cgroupV2:
		if quota, period, ok := readCPUMaxV2(cgroupRoot + "/cpu.max"); ok && period > 0 {
			limited := int(quota / period)
			if limited > 0 && limited < nativeCores {
				return limited
			}
		}
	case cgroupV1:
		if quota, period, ok := readCPUQuotaV1(); ok && period > 0 && quota > 0 {
			limited := int(quota / period)
			if limited > 0 && limited < nativeCores {
				return limited
			}
		}
	}
	return nativeCores
}

func (c *cgroupAwareCapabilities) AvailableMemoryBytes() uint64 {
	nativeMem := c.native.AvailableMemoryBytes()

	switch detectCgroupVersion() {
	case cgroupV2:
		if limit, ok := readUintFile(cgroupRoot + "/memory.max"); ok && limit < nativeMem {
			return limit
		}
	case cgroupV1:
		if limit, ok := readUintFile(cgroupRoot + "/memory/memory.limit_in_bytes"); ok && limit < nativeMem {
			return limit
		}
	}
	return nativeMem
}

func (c *cgroupAwareCapabilities) WorkerSpawnModel() SpawnModel {
	return c.native.WorkerSpawnModel()
}

// readCPUMaxV2 parses cgroup v2's "cpu.max" file, formatted as
// "<quota_us|max> <period_us>".
func readCPUMaxV2(path string) (quota, period float64, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 || fields[0] == "max" {
		return 0, 0, false
	}
	q, err1 := strconv.ParseFloat(fields[0], 64)
	p, err2 := strconv.ParseFloat(fields[1], 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return q, p, true
}

// readCPUQuotaV1 reads cgroup v1's cpu.cfs_quota_us / cpu.cfs_period_us pair.
func readCPUQuotaV1() (quota, period float64, ok bool) {
	q, ok1 := readIntFile(cgroupRoot + "/cpu/cpu.cfs_quota_us")
	p, ok2 := readIntFile(cgroupRoot + "/cpu/cpu.cfs_period_us")
	if !ok1 || !ok2 || q <= 0 {
		return 0, 0, false
	}
	return float64(q), float64(p), true
}

func readIntFile(path string) (int64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func readUintFile(path string) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	s := strings.TrimSpace(string(data))
	if s == "max" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
