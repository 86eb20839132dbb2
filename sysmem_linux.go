//go:build linux

package imagemem

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// totalSystemMemory returns the effective memory limit in bytes: the
// minimum of any cgroup limit and physical RAM. This keeps the
// auto-detected budget honest inside containers with --memory set.
func totalSystemMemory() uint64 {
	physical := physicalMemory()
	if limit := cgroupMemoryLimit(); limit > 0 && (physical == 0 || limit < physical) {
		return limit
	}
	return physical
}

// cgroupMemoryLimit returns the cgroup memory limit, or 0 if the
// process is not memory-constrained. Supports cgroup v2 (unified) and
// v1 (legacy) paths.
func cgroupMemoryLimit() uint64 {
	paths := []string{
		"/sys/fs/cgroup/memory.max",                   // cgroup v2
		"/sys/fs/cgroup/memory/memory.limit_in_bytes", // cgroup v1
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if limit := parseCgroupLimit(data); limit > 0 {
			return limit
		}
	}
	return 0
}

// parseCgroupLimit parses the content of a cgroup memory-limit file.
// Returns 0 for "max" (no limit) or for the absurdly large sentinel
// cgroup v1 writes when unconstrained.
func parseCgroupLimit(data []byte) uint64 {
	content := strings.TrimSpace(string(data))
	if content == "max" {
		return 0
	}
	limit, err := strconv.ParseUint(content, 10, 64)
	if err != nil {
		return 0
	}
	// cgroup v1 reports PAGE_COUNTER_MAX (near int64 max) when no
	// limit is set; treat anything over an exabyte as unlimited.
	const exabyte = 1 << 60
	if limit >= exabyte {
		return 0
	}
	return limit
}

// physicalMemory returns total physical RAM, preferring /proc/meminfo
// and falling back to sysinfo(2).
func physicalMemory() uint64 {
	if data, err := os.ReadFile("/proc/meminfo"); err == nil {
		if total := parseMemTotal(data); total > 0 {
			return total
		}
	}

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err == nil {
		return uint64(info.Totalram) * uint64(info.Unit)
	}
	return 0
}

// parseMemTotal extracts the MemTotal value from /proc/meminfo
// content. The line format is "MemTotal:    12345678 kB".
func parseMemTotal(data []byte) uint64 {
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 3 && strings.EqualFold(fields[2], "kB") {
			if kb, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
				return kb * 1024
			}
		}
		break
	}
	return 0
}
