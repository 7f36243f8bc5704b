package balancer

import (
	"sync"
	"time"

	"github.com/cblomart/goproxlb-autonomic/internal/config"
)

// Gate implements the Migration Gate (spec §4.E): decides whether a given
// VM may be migrated right now, combining exclusions, the per-VM cooldown
// since its last migration, and the configured off-hours window. Grounded
// on original_source/load_balancer.py's should_migrate_vm /
// is_in_maintenance_window checks.
type Gate struct {
	mu sync.Mutex

	vmExclusions   map[int]struct{}
	nodeExclusions map[string]struct{}
	criticalVMs    map[int]struct{}

	considerTimeOfDay bool
	offHours          config.OffHours

	minInterval   time.Duration
	lastMigration map[int]time.Time

	now func() time.Time
}

// NewGate builds a Gate from config. vmExclusions and criticalVMs match by
// VMID; nodeExclusions match by node name.
func NewGate(cfg *config.Config, criticalVMs []int) *Gate {
	vmEx := make(map[int]struct{}, len(cfg.VMExclusions))
	for _, id := range cfg.VMExclusions {
		vmEx[id] = struct{}{}
	}
	nodeEx := make(map[string]struct{}, len(cfg.NodeExclusions))
	for _, n := range cfg.NodeExclusions {
		nodeEx[n] = struct{}{}
	}
	crit := make(map[int]struct{}, len(criticalVMs))
	for _, id := range criticalVMs {
		crit[id] = struct{}{}
	}
	return &Gate{
		vmExclusions:      vmEx,
		nodeExclusions:    nodeEx,
		criticalVMs:       crit,
		considerTimeOfDay: cfg.ConsiderTimeOfDay,
		offHours:          cfg.OffHours,
		minInterval:       cfg.MinBalanceIntervalDuration(),
		lastMigration:     make(map[int]time.Time),
		now:               time.Now,
	}
}

// MayMigrate reports whether vmid may be migrated away from sourceNode
// right now, and why not when it may not.
func (g *Gate) MayMigrate(vmid int, sourceNode string) (bool, string) {
	if _, excluded := g.vmExclusions[vmid]; excluded {
		return false, "vm excluded by id"
	}
	if _, excluded := g.nodeExclusions[sourceNode]; excluded {
		return false, "source node excluded"
	}
	g.mu.Lock()
	_, critical := g.criticalVMs[vmid]
	g.mu.Unlock()
	if critical {
		return false, "vm marked critical"
	}

	now := g.now()
	if g.considerTimeOfDay && !g.offHours.Contains(now.Hour()) {
		return false, "outside off-hours window"
	}

	g.mu.Lock()
	last, seen := g.lastMigration[vmid]
	g.mu.Unlock()
	if seen && now.Sub(last) < g.minInterval {
		return false, "cooldown active"
	}

	return true, ""
}

// TargetAllowed reports whether targetNode is eligible to receive a
// migrated VM (not excluded).
func (g *Gate) TargetAllowed(targetNode string) bool {
	_, excluded := g.nodeExclusions[targetNode]
	return !excluded
}

// SetCriticalVMs replaces the critical-VM set (spec §13.2's
// update_critical_vms path feeds this at runtime, not just at startup).
func (g *Gate) SetCriticalVMs(ids []int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.criticalVMs = make(map[int]struct{}, len(ids))
	for _, id := range ids {
		g.criticalVMs[id] = struct{}{}
	}
}

// RecordMigration marks vmid as just migrated, resetting its cooldown.
func (g *Gate) RecordMigration(vmid int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastMigration[vmid] = g.now()
}
