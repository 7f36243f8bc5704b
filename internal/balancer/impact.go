package balancer

import (
	"github.com/cblomart/goproxlb-autonomic/internal/models"
)

// AnalyzeImpact estimates the effect of moving vm from source to target
// before (or instead of) dispatching the migration (spec §13.1). Grounded
// on original_source/load_balancer.py's analyze_migration_impact
// (lines ~1018-1115): it projects the target's post-migration load and
// classifies the resulting risk, without ever calling the hypervisor.
func (b *Balancer) AnalyzeImpact(vm models.VM, target models.Node) models.MigrationImpact {
	req := vm.Requirements()

	projectedCPU := target.CPUUsage + float64(req.CPU)/float64(max(target.CPUCores, 1))
	projectedMemFrac := float64(target.MemUsed+req.Mem) / float64(max(target.MemTotal, 1))

	var reasons []string
	risk := "low"
	perf := "low"

	if projectedCPU > b.cfg.HighLoadThreshold {
		risk = "high"
		perf = "high"
		reasons = append(reasons, "target projected CPU would exceed the high-load threshold")
	} else if projectedCPU > (b.cfg.HighLoadThreshold+b.cfg.LowLoadThreshold)/2 {
		risk = "medium"
		perf = "medium"
		reasons = append(reasons, "target projected CPU would land in the upper load band")
	}

	if projectedMemFrac > b.cfg.HighLoadThreshold {
		risk = "high"
		perf = "high"
		reasons = append(reasons, "target projected memory would exceed the high-load threshold")
	}

	if req.Mem > target.FreeMemory() {
		risk = "high"
		perf = "high"
		reasons = append(reasons, "target does not have enough free memory")
	}
	if req.Disk > target.FreeDisk() {
		risk = "high"
		perf = "high"
		reasons = append(reasons, "target does not have enough free disk")
	}

	if len(reasons) == 0 {
		reasons = append(reasons, "target has ample headroom for this VM's requirements")
	}

	return models.MigrationImpact{
		PerformanceImpact: perf,
		RiskLevel:         risk,
		Recommended:       risk != "high",
		Reasons:           reasons,
	}
}
