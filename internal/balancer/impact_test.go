package balancer

import (
	"testing"

	"github.com/cblomart/goproxlb-autonomic/internal/logging"
	"github.com/cblomart/goproxlb-autonomic/internal/models"
)

func TestAnalyzeImpactLowRiskOnRoomyTarget(t *testing.T) {
	b := New(testConfig(), &fakeClient{}, &logging.Recorder{})
	target := bigNode("roomy", 0.1)
	vm := smallVM(1, "vm-1", "busy", 0.3)

	impact := b.AnalyzeImpact(vm, target)
	if impact.RiskLevel != "low" {
		t.Errorf("RiskLevel = %s, want low: %+v", impact.RiskLevel, impact)
	}
	if !impact.Recommended {
		t.Error("expected a roomy target to be recommended")
	}
}

func TestAnalyzeImpactHighRiskOnTightMemory(t *testing.T) {
	b := New(testConfig(), &fakeClient{}, &logging.Recorder{})
	target := models.Node{Name: "tight", Status: models.NodeStatusOnline, CPUUsage: 0.1, CPUCores: 8, MemUsed: 15 * gib, MemTotal: 16 * gib, DiskTot: 100 * gib}
	vm := smallVM(1, "vm-1", "busy", 0.3)

	impact := b.AnalyzeImpact(vm, target)
	if impact.RiskLevel != "high" {
		t.Errorf("RiskLevel = %s, want high: %+v", impact.RiskLevel, impact)
	}
	if impact.Recommended {
		t.Error("expected a memory-starved target not to be recommended")
	}
}
