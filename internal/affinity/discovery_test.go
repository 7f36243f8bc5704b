package affinity

import (
	"testing"

	"github.com/cblomart/goproxlb-autonomic/internal/models"
)

func TestByNamePrefixGroups(t *testing.T) {
	vms := []VMInfo{
		{VMID: 1, Name: "web-01"},
		{VMID: 2, Name: "web-02"},
		{VMID: 3, Name: "db-01"},
	}
	groups := ByNamePrefix(vms)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group (web has 2, db has 1), got %d", len(groups))
	}
	if groups[0].Name != "web" {
		t.Errorf("group name = %q, want web", groups[0].Name)
	}
	if len(groups[0].Members()) != 2 {
		t.Errorf("group size = %d, want 2", len(groups[0].Members()))
	}
}

func TestByNamePrefixRequiresMinPrefixLen(t *testing.T) {
	vms := []VMInfo{{VMID: 1, Name: "a-01"}, {VMID: 2, Name: "a-02"}}
	if groups := ByNamePrefix(vms); len(groups) != 0 {
		t.Errorf("expected no group for 1-char prefix, got %v", groups)
	}
}

func TestByNamePrefixNoDash(t *testing.T) {
	vms := []VMInfo{{VMID: 1, Name: "standalone"}}
	if groups := ByNamePrefix(vms); len(groups) != 0 {
		t.Errorf("expected no group without a dash, got %v", groups)
	}
}

func correlatedSeries(base []float64, noise float64) []float64 {
	out := make([]float64, len(base))
	for i, v := range base {
		out[i] = v + noise
	}
	return out
}

func TestByCorrelationGroupsHighlyCorrelated(t *testing.T) {
	base := []float64{0.1, 0.3, 0.2, 0.5, 0.4, 0.6, 0.3, 0.7, 0.2, 0.5}
	samples := map[int][]float64{
		1: base,
		2: correlatedSeries(base, 0.01),
		3: {0.9, 0.1, 0.9, 0.1, 0.9, 0.1, 0.9, 0.1, 0.9, 0.1}, // uncorrelated
	}
	groups := ByCorrelation(samples)
	if len(groups) != 1 {
		t.Fatalf("expected 1 correlated group, got %d: %+v", len(groups), groups)
	}
	members := groups[0].Members()
	if len(members) != 2 {
		t.Errorf("expected 2 correlated members, got %v", members)
	}
}

func TestByCorrelationRequiresMinSamples(t *testing.T) {
	samples := map[int][]float64{
		1: {0.1, 0.2},
		2: {0.1, 0.2},
	}
	if groups := ByCorrelation(samples); len(groups) != 0 {
		t.Errorf("expected no groups with too few samples, got %v", groups)
	}
}

func TestMergePrefersDetectedOnConflict(t *testing.T) {
	persisted := []models.VMGroup{
		{Name: "web", VMs: map[int]struct{}{1: {}}},
		{Name: "legacy", VMs: map[int]struct{}{9: {}, 10: {}}},
	}
	detected := []models.VMGroup{
		{Name: "web", VMs: map[int]struct{}{1: {}, 2: {}}},
	}

	merged := Merge(persisted, detected)
	if len(merged) != 2 {
		t.Fatalf("expected 2 groups after merge, got %d", len(merged))
	}
	for _, g := range merged {
		if g.Name == "web" && len(g.Members()) != 2 {
			t.Errorf("expected detected web group (2 members) to win, got %v", g.Members())
		}
		if g.Name == "legacy" && len(g.Members()) != 2 {
			t.Errorf("expected untouched legacy group to survive merge")
		}
	}
}
