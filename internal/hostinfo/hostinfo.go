// Package hostinfo collects the host telemetry shown on the dashboard.
//
// Values are pre-formatted strings because the dashboard renders them
// verbatim; a source that cannot be read degrades to a placeholder
// instead of failing the request.
package hostinfo

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Host is the telemetry payload served at /api/host.
type Host struct {
	DiskTotal  string `json:"disk_total"`
	DiskUsed   string `json:"disk_used"`
	DiskPct    string `json:"disk_pct"`
	MemTotalGB string `json:"mem_total_gb"`
	MemUsedGB  string `json:"mem_used_gb"`
	MemPct     string `json:"mem_pct"`
	Load       string `json:"load"`
	Hostname   string `json:"hostname"`
}

// Collector reads host statistics from the local system.
type Collector struct {
	root    string // filesystem mount to measure
	meminfo string
	loadavg string
}

// NewCollector creates a Collector reading the standard system sources.
func NewCollector() *Collector {
	return &Collector{
		root:    "/",
		meminfo: "/proc/meminfo",
		loadavg: "/proc/loadavg",
	}
}

// Collect gathers current host statistics. It never fails: unreadable
// sources produce "?" placeholders.
func (c *Collector) Collect() Host {
	h := Host{
		DiskTotal: "?", DiskUsed: "?", DiskPct: "?",
		MemTotalGB: "0.0", MemUsedGB: "0.0", MemPct: "?",
		Load: "?",
	}

	var st unix.Statfs_t
	if err := unix.Statfs(c.root, &st); err == nil && st.Blocks > 0 {
		total := float64(st.Blocks) * float64(st.Bsize)
		used := float64(st.Blocks-st.Bfree) * float64(st.Bsize)
		h.DiskTotal = fmt.Sprintf("%.0fGB", total/(1<<30))
		h.DiskUsed = fmt.Sprintf("%.1fGB", used/(1<<30))
		h.DiskPct = fmt.Sprintf("%.0f%%", used/total*100)
	}

	if totalKB, availKB, err := readMeminfo(c.meminfo); err == nil {
		totalGB := float64(totalKB) / (1024 * 1024)
		usedGB := float64(totalKB-availKB) / (1024 * 1024)
		h.MemTotalGB = fmt.Sprintf("%.1f", totalGB)
		h.MemUsedGB = fmt.Sprintf("%.1f", usedGB)
		if totalKB > 0 {
			h.MemPct = fmt.Sprintf("%.0f%%", usedGB/totalGB*100)
		}
	}

	if load, err := readLoadavg(c.loadavg); err == nil {
		h.Load = load
	}

	if hostname, err := os.Hostname(); err == nil {
		h.Hostname = hostname
	}

	return h
}

// readMeminfo extracts MemTotal and MemAvailable (in kB) from a
// /proc/meminfo-format file.
func readMeminfo(path string) (totalKB, availKB int64, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseInt(fields[1], 10, 64)
		case "MemAvailable:":
			availKB, _ = strconv.ParseInt(fields[1], 10, 64)
		}
	}
	if totalKB == 0 {
		return 0, 0, fmt.Errorf("no MemTotal in %s", path)
	}
	return totalKB, availKB, nil
}

// readLoadavg formats the three load averages as "a / b / c".
func readLoadavg(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return "", fmt.Errorf("malformed loadavg in %s", path)
	}
	return strings.Join(fields[:3], " / "), nil
}
