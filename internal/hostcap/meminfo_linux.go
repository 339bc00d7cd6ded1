//go:build linux

package hostcap

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// readMemAvailable parses /proc/meminfo's MemAvailable line (kernels >=
// 3.14), returning the value in bytes. It reports ok=false on any failure so
// callers can fall back to the conservative default.
func readMemAvailable() (uint64, bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		// Expect: "MemAvailable:", "<kB value>", "kB"
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}
