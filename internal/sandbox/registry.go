package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/jkaninda/isolab/internal/netmode"
)

// Lab is one row of the dashboard registry.
type Lab struct {
	Name          string `json:"name"`
	ContainerName string `json:"container_name"`
	Status        string `json:"status"`
	SSHPort       string `json:"ssh_port"`
	Network       string `json:"network"`
	Created       string `json:"created"`
	CPU           string `json:"cpu"`
	Memory        string `json:"memory"`
}

// Running reports whether the lab's container is up.
func (l Lab) Running() bool { return l.Status == "running" }

// Placeholders for labs that are not running.
const (
	noPort  = "N/A"
	noValue = "—"
)

// List returns the registry view: engine state merged with resolved
// network modes and live stats, sorted by name.
func (m *Manager) List(ctx context.Context) ([]Lab, error) {
	summaries, err := m.engine.List(ctx)
	if err != nil {
		return nil, err
	}
	stats := m.collectStats(ctx, summaries)
	return BuildView(summaries, m.cfg.Prefix, m.modes.Resolve, stats), nil
}

// collectStats samples stats for every running container concurrently.
// A lab whose sample fails just shows placeholders.
func (m *Manager) collectStats(ctx context.Context, summaries []container.Summary) map[string]*container.StatsResponse {
	stats := make(map[string]*container.StatsResponse, len(summaries))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, s := range summaries {
		if s.State != "running" {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sample, err := m.engine.Stats(ctx, id)
			if err != nil {
				m.logger.DebugContext(ctx, "stats sample failed",
					slog.String("container", id),
					slog.String("error", err.Error()),
				)
				return
			}
			mu.Lock()
			stats[id] = sample
			mu.Unlock()
		}(s.ID)
	}
	wg.Wait()
	return stats
}

// BuildView is a pure function from engine state to the registry view.
// resolve maps a lab name and its legacy net label to the effective
// mode; stats is keyed by container ID and may be sparse.
func BuildView(
	summaries []container.Summary,
	prefix string,
	resolve func(name, legacyLabel string) netmode.Mode,
	stats map[string]*container.StatsResponse,
) []Lab {
	labs := make([]Lab, 0, len(summaries))
	for _, s := range summaries {
		cname := summaryName(s)
		name := strings.TrimPrefix(cname, prefix)
		mode := resolve(name, s.Labels[labelNet])

		lab := Lab{
			Name:          name,
			ContainerName: cname,
			Status:        s.State,
			SSHPort:       noPort,
			Network:       mode.Display(),
			Created:       formatCreated(s.Labels[labelCreated]),
			CPU:           noValue,
			Memory:        noValue,
		}

		if s.State == "running" {
			if port := publicSSHPort(s.Ports); port != 0 {
				lab.SSHPort = strconv.Itoa(port)
			}
			if sample := stats[s.ID]; sample != nil {
				lab.CPU = formatCPU(sample)
				lab.Memory = formatMemory(sample)
			}
		}

		labs = append(labs, lab)
	}

	sort.Slice(labs, func(i, j int) bool { return labs[i].Name < labs[j].Name })
	return labs
}

// summaryName returns the container's primary name without the leading slash.
func summaryName(s container.Summary) string {
	if len(s.Names) == 0 {
		return s.ID
	}
	return strings.TrimPrefix(s.Names[0], "/")
}

// publicSSHPort finds the host port mapped to the lab's SSH port.
func publicSSHPort(ports []container.Port) int {
	for _, p := range ports {
		if p.PrivatePort == 22 && p.Type == "tcp" && p.PublicPort != 0 {
			return int(p.PublicPort)
		}
	}
	return 0
}

// formatCreated renders the creation label as "2006-01-02 15:04".
// Labels written before the rework lack a timezone; both forms parse.
func formatCreated(label string) string {
	if label == "" {
		return "unknown"
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, label); err == nil {
			return t.Format("2006-01-02 15:04")
		}
	}
	return "unknown"
}

// formatCPU renders CPU usage as a percentage of one core, scaled by
// the number of online CPUs.
func formatCPU(s *container.StatsResponse) string {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if sysDelta <= 0 {
		return noValue
	}
	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = 1
	}
	return fmt.Sprintf("%.1f%%", cpuDelta/sysDelta*cpus*100)
}

// formatMemory renders memory usage in whole megabytes.
func formatMemory(s *container.StatsResponse) string {
	return fmt.Sprintf("%.0fMB", float64(s.MemoryStats.Usage)/(1<<20))
}
