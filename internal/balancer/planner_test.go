package balancer

import (
	"testing"

	"github.com/cblomart/goproxlb-autonomic/internal/config"
	"github.com/cblomart/goproxlb-autonomic/internal/models"
)

func seedHistory(h *History, node string, cpu, mem, disk float64) {
	h.PushNode(node, "cpu", cpu)
	h.PushNode(node, "memory", mem)
	h.PushNode(node, "disk", disk)
}

func testWeights() config.ResourceWeights {
	return config.ResourceWeights{CPU: 0.4, Memory: 0.4, Disk: 0.15, Network: 0.05}
}

func noOpGate() *Gate {
	return NewGate(&config.Config{MinBalanceInterval: 3600}, nil)
}

func TestPlanHighToLowMovesBusiestVM(t *testing.T) {
	h := NewHistory()
	seedHistory(h, "busy", 0.9, 0.9, 0.5)
	seedHistory(h, "idle", 0.1, 0.1, 0.1)

	scorer := NewScorer(h, testWeights())
	gate := noOpGate()
	planner := NewPlanner(scorer, gate, false)

	const gib = 1 << 30
	nodes := []models.Node{
		{Name: "busy", Status: models.NodeStatusOnline, CPUUsage: 0.9, CPUCores: 8, MemUsed: 9 * gib, MemTotal: 10 * gib, DiskUsed: gib, DiskTot: 100 * gib},
		{Name: "idle", Status: models.NodeStatusOnline, CPUUsage: 0.1, CPUCores: 8, MemUsed: 1 * gib, MemTotal: 10 * gib, DiskUsed: gib, DiskTot: 100 * gib},
	}
	vmsByNode := map[string][]models.VM{
		"busy": {
			{VMID: 1, Name: "web-1", Status: models.VMStatusRunning, Node: "busy", CPUUsage: 0.3, MaxCPU: 1, MemMax: gib / 2, MaxDisk: 5 * gib},
			{VMID: 2, Name: "web-2", Status: models.VMStatusRunning, Node: "busy", CPUUsage: 0.8, MaxCPU: 1, MemMax: gib / 2, MaxDisk: 5 * gib},
		},
	}

	plan := planner.Plan(nodes, vmsByNode, []string{"busy"}, []string{"idle"}, nil)
	if len(plan) != 1 {
		t.Fatalf("expected 1 planned migration, got %d", len(plan))
	}
	if plan[0].VMID != 2 {
		t.Errorf("expected busiest VM (id 2) to move, got %d", plan[0].VMID)
	}
	if plan[0].Target != "idle" {
		t.Errorf("expected target idle, got %s", plan[0].Target)
	}
	if plan[0].Reason != models.ReasonHighToLow {
		t.Errorf("expected reason highToLow, got %s", plan[0].Reason)
	}
}

func TestPlanAffinityConsolidatesMinority(t *testing.T) {
	h := NewHistory()
	seedHistory(h, "a", 0.3, 0.3, 0.3)
	seedHistory(h, "b", 0.3, 0.3, 0.3)

	scorer := NewScorer(h, testWeights())
	gate := noOpGate()
	planner := NewPlanner(scorer, gate, true)

	vmsByNode := map[string][]models.VM{
		"a": {
			{VMID: 10, Name: "app-1", Node: "a", Status: models.VMStatusRunning},
			{VMID: 11, Name: "app-2", Node: "a", Status: models.VMStatusRunning},
		},
		"b": {
			{VMID: 12, Name: "app-3", Node: "b", Status: models.VMStatusRunning},
		},
	}
	group := models.VMGroup{Name: "app", VMs: map[int]struct{}{10: {}, 11: {}, 12: {}}}

	plan := planner.Plan(nil, vmsByNode, nil, nil, []models.VMGroup{group})
	if len(plan) != 1 {
		t.Fatalf("expected 1 affinity migration, got %d", len(plan))
	}
	if plan[0].VMID != 12 || plan[0].Target != "a" {
		t.Errorf("expected vm 12 to move to majority node a, got %+v", plan[0])
	}
	if plan[0].Reason != models.ReasonAffinity {
		t.Errorf("expected reason affinity, got %s", plan[0].Reason)
	}
}

func TestPlanDistributionFiresWithoutOverload(t *testing.T) {
	h := NewHistory()
	seedHistory(h, "busy", 0.5, 0.5, 0.3)
	seedHistory(h, "idle", 0.1, 0.1, 0.1)

	scorer := NewScorer(h, testWeights())
	gate := noOpGate()
	planner := NewPlanner(scorer, gate, false)

	const gib = 1 << 30
	nodes := []models.Node{
		{Name: "busy", Status: models.NodeStatusOnline, CPUUsage: 0.5, CPUCores: 8, MemUsed: 5 * gib, MemTotal: 10 * gib, DiskUsed: gib, DiskTot: 100 * gib},
		{Name: "idle", Status: models.NodeStatusOnline, CPUUsage: 0.1, CPUCores: 8, MemUsed: 1 * gib, MemTotal: 10 * gib, DiskUsed: gib, DiskTot: 100 * gib},
	}
	vmsByNode := map[string][]models.VM{
		"busy": {{VMID: 1, Name: "web-1", Status: models.VMStatusRunning, Node: "busy", CPUUsage: 0.3, MaxCPU: 1, MemMax: gib / 2, MaxDisk: 5 * gib}},
	}

	// No overloaded nodes, but "idle" is underloaded: strategy 2 must still fire.
	plan := planner.Plan(nodes, vmsByNode, nil, []string{"idle"}, nil)
	if len(plan) != 1 {
		t.Fatalf("expected 1 distribution migration, got %d", len(plan))
	}
	if plan[0].Source != "busy" || plan[0].Target != "idle" {
		t.Errorf("expected busy->idle, got %+v", plan[0])
	}
	if plan[0].Reason != models.ReasonDistribution {
		t.Errorf("expected reason distribution, got %s", plan[0].Reason)
	}
}

func TestPlanDistributionSkippedWhenNoUnderloaded(t *testing.T) {
	planner := NewPlanner(NewScorer(NewHistory(), testWeights()), noOpGate(), false)
	nodes := []models.Node{{Name: "a", Status: models.NodeStatusOnline}}
	vmsByNode := map[string][]models.VM{"a": {{VMID: 1, Name: "vm-1", Node: "a"}}}

	plan := planner.Plan(nodes, vmsByNode, nil, nil, nil)
	if len(plan) != 0 {
		t.Errorf("expected no migrations with neither overload nor underload, got %d", len(plan))
	}
}

func TestPlanAffinityFiresWithoutOverload(t *testing.T) {
	h := NewHistory()
	scorer := NewScorer(h, testWeights())
	gate := noOpGate()
	planner := NewPlanner(scorer, gate, true)

	vmsByNode := map[string][]models.VM{
		"a": {
			{VMID: 101, Name: "app-1", Node: "a", Status: models.VMStatusRunning},
			{VMID: 102, Name: "app-2", Node: "a", Status: models.VMStatusRunning},
		},
		"b": {
			{VMID: 103, Name: "app-3", Node: "b", Status: models.VMStatusRunning},
		},
	}
	group := models.VMGroup{Name: "app", VMs: map[int]struct{}{101: {}, 102: {}, 103: {}}}

	// No overloaded, no underloaded nodes at all: affinity must still fire.
	plan := planner.Plan(nil, vmsByNode, nil, nil, []models.VMGroup{group})
	if len(plan) != 1 {
		t.Fatalf("expected 1 affinity migration, got %d", len(plan))
	}
	if plan[0].VMID != 103 || plan[0].Target != "a" {
		t.Errorf("expected vm 103 to move to majority node a, got %+v", plan[0])
	}
}

func TestPlanAffinitySkipsSmallGroup(t *testing.T) {
	planner := NewPlanner(NewScorer(NewHistory(), testWeights()), noOpGate(), true)
	group := models.VMGroup{Name: "solo", VMs: map[int]struct{}{1: {}}}
	plan := planner.Plan(nil, nil, nil, nil, []models.VMGroup{group})
	if len(plan) != 0 {
		t.Errorf("expected no migrations for single-member group, got %d", len(plan))
	}
}
