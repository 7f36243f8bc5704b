package balancer

import (
	"time"

	"github.com/cblomart/goproxlb-autonomic/internal/models"
)

// HealthReport assembles the full cluster health document (spec §6's
// GET /api/health). Grounded on
// original_source/load_balancer.py's get_health_report.
func (b *Balancer) HealthReport() models.HealthReport {
	nodes := b.state.Nodes()
	vmsByNode := b.state.VMsByNode()
	groups := b.state.Groups()

	groupOf := make(map[int]string)
	for _, g := range groups {
		for _, id := range g.Members() {
			groupOf[id] = g.Name
		}
	}

	nodeHealth := make(map[string]models.NodeHealth, len(nodes))
	for _, n := range nodes {
		nodeHealth[n.Name] = models.NodeHealth{
			Status:        n.Status,
			CPUUsage:      n.CPUUsage,
			MemoryUsage:   n.MemFrac(),
			DiskUsage:     n.DiskFrac(),
			Uptime:        n.Uptime,
			Load:          n.Load,
			IsOverloaded:  b.detector.Overloaded(n),
			IsUnderloaded: b.detector.Underloaded(n),
		}
	}

	vmHealth := make(map[int]models.VMHealth)
	for node, vms := range vmsByNode {
		for _, vm := range vms {
			name, inGroup := groupOf[vm.VMID]
			vmHealth[vm.VMID] = models.VMHealth{
				Name:        vm.Name,
				Status:      vm.Status,
				Node:        node,
				CPUUsage:    vm.CPUUsage,
				MemoryUsage: float64(vm.MemUsed) / float64(max(vm.MemMax, 1)),
				Uptime:      vm.Uptime,
				InGroup:     inGroup,
				GroupName:   name,
			}
		}
	}

	return models.HealthReport{
		Timestamp:  time.Now(),
		Nodes:      nodeHealth,
		VMs:        vmHealth,
		Migrations: b.MigrationSummary(),
		Anomalies:  b.state.Anomalies(),
	}
}

// MigrationSummary aggregates migration history statistics (spec §13.3's
// observational learning; counts are reported, never fed back into
// scoring).
func (b *Balancer) MigrationSummary() models.MigrationSummary {
	all := b.state.Migrations()

	summary := models.MigrationSummary{TotalCount: len(all)}
	for _, m := range all {
		switch m.Result {
		case models.ResultSuccess:
			summary.SuccessfulCount++
		case models.ResultFailed:
			summary.FailedCount++
		}
	}
	if resolved := summary.SuccessfulCount + summary.FailedCount; resolved > 0 {
		summary.SuccessRate = float64(summary.SuccessfulCount) / float64(resolved)
	}

	const recentCount = 20
	if len(all) > recentCount {
		summary.Recent = all[len(all)-recentCount:]
	} else {
		summary.Recent = all
	}
	return summary
}
