package config

import (
	"os"
	"strconv"
	"strings"
)

// totalMemoryGB reads the host's memory size from /proc/meminfo, falling
// back to a conservative 8 GB where that is unavailable.
func totalMemoryGB() int {
	const fallback = 8

	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return fallback
	}
	return parseMemTotalGB(string(data), fallback)
}

func parseMemTotalGB(meminfo string, fallback int) int {
	for _, line := range strings.Split(meminfo, "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			break
		}
		gb := int(kb / (1024 * 1024))
		if gb < 1 {
			gb = 1
		}
		return gb
	}
	return fallback
}
