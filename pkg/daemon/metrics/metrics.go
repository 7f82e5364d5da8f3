// Package metrics gathers system and per-site resource usage for the
// daemon's dashboard endpoint.
package metrics

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"sitekeeper/pkg/manager"
	"sitekeeper/pkg/registry"
	"sitekeeper/pkg/supervisor"
)

// SiteStats is the per-site slice of a metrics snapshot. CPU and RSS are
// populated only for running sites.
type SiteStats struct {
	Name       string          `json:"name"`
	Port       int             `json:"port"`
	Status     registry.Status `json:"status"`
	PID        int             `json:"pid,omitempty"`
	CPUPercent float64         `json:"cpu_percent,omitempty"`
	RSSBytes   uint64          `json:"rss_bytes,omitempty"`
}

// Stats holds one dashboard snapshot.
type Stats struct {
	CPUPercent    float64     `json:"cpu_percent"`
	RAMUsage      string      `json:"ram_usage"`
	RAMTotal      string      `json:"ram_total"`
	RAMPercent    float64     `json:"ram_percent"`
	SitesTotal    int         `json:"sites_total"`
	SitesRunning  int         `json:"sites_running"`
	SitesArchived int         `json:"sites_archived"`
	Sites         []SiteStats `json:"sites"`
}

// Collect gathers current system stats and the refreshed site list.
func Collect(mgr *manager.Manager, sup *supervisor.Supervisor) (*Stats, error) {
	stats := &Stats{}

	v, err := mem.VirtualMemory()
	if err == nil {
		stats.RAMPercent = v.UsedPercent
		stats.RAMUsage = fmt.Sprintf("%.1f GB", float64(v.Used)/1024/1024/1024)
		stats.RAMTotal = fmt.Sprintf("%.1f GB", float64(v.Total)/1024/1024/1024)
	}

	c, err := cpu.Percent(0, false)
	if err == nil && len(c) > 0 {
		stats.CPUPercent = c[0]
	}

	for _, site := range mgr.Sites() {
		entry := SiteStats{
			Name:   site.Name,
			Port:   site.Port,
			Status: site.Status,
			PID:    site.PID,
		}
		stats.SitesTotal++
		switch site.Status {
		case registry.StatusRunning:
			stats.SitesRunning++
			if site.PID != 0 {
				if cpuPct, rss, err := sup.Stats(site.PID); err == nil {
					entry.CPUPercent = cpuPct
					entry.RSSBytes = rss
				}
			}
		case registry.StatusArchived:
			stats.SitesArchived++
		}
		stats.Sites = append(stats.Sites, entry)
	}

	return stats, nil
}
