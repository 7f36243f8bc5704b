// Package balancer implements the autonomic balancing core (spec §4.B
// through §4.H): bounded resource history, node scoring, imbalance
// detection, the migration gate, strategy planning, migration tracking,
// and the tick loop that ties them together.
package balancer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cblomart/goproxlb-autonomic/internal/affinity"
	"github.com/cblomart/goproxlb-autonomic/internal/anomaly"
	"github.com/cblomart/goproxlb-autonomic/internal/config"
	"github.com/cblomart/goproxlb-autonomic/internal/logging"
	"github.com/cblomart/goproxlb-autonomic/internal/models"
	"github.com/cblomart/goproxlb-autonomic/internal/proxmox"
)

// SharedState is the single piece of mutable state the balancer loop and
// the management API both touch. Spec §5 requires one mutex guarding it
// and snapshot reads so no hypervisor call is ever made while holding
// the lock.
type SharedState struct {
	mu sync.RWMutex

	running bool

	nodes     []models.Node
	vmsByNode map[string][]models.VM

	migrations []*models.Migration
	groups     []models.VMGroup
	critical   map[int]struct{}

	anomalies []models.Anomaly
}

func newSharedState() *SharedState {
	return &SharedState{
		vmsByNode: make(map[string][]models.VM),
		critical:  make(map[int]struct{}),
	}
}

// Status returns a cloned, read-only snapshot (spec §5 / GET /api/status).
func (s *SharedState) Status(overloaded, underloaded []string, cfg map[string]interface{}) models.ClusterStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const recentCount = 10
	start := 0
	if len(s.migrations) > recentCount {
		start = len(s.migrations) - recentCount
	}
	recent := make([]models.Migration, 0, len(s.migrations)-start)
	for _, m := range s.migrations[start:] {
		recent = append(recent, *m)
	}
	return models.ClusterStatus{
		Running:          s.running,
		Config:           cfg,
		RecentMigrations: recent,
		OverloadedNodes:  append([]string(nil), overloaded...),
		UnderloadedNodes: append([]string(nil), underloaded...),
	}
}

// Nodes returns a cloned snapshot of the last-observed node list.
func (s *SharedState) Nodes() []models.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Node(nil), s.nodes...)
}

// VMs returns a cloned snapshot of every VM across every node.
func (s *SharedState) VMs() []models.VM {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.VM
	for _, vms := range s.vmsByNode {
		out = append(out, vms...)
	}
	return out
}

// Groups returns a cloned snapshot of the current VM groups.
func (s *SharedState) Groups() []models.VMGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.VMGroup(nil), s.groups...)
}

// Anomalies returns a cloned snapshot of the most recently detected anomalies.
func (s *SharedState) Anomalies() []models.Anomaly {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Anomaly(nil), s.anomalies...)
}

// Migrations returns a cloned snapshot of the migration history.
func (s *SharedState) Migrations() []models.Migration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Migration, 0, len(s.migrations))
	for _, m := range s.migrations {
		out = append(out, *m)
	}
	return out
}

// SetCriticalVMs replaces the critical-VM set (spec §13.2).
func (s *SharedState) SetCriticalVMs(ids []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.critical = make(map[int]struct{}, len(ids))
	for _, id := range ids {
		s.critical[id] = struct{}{}
	}
}

// CriticalVMs returns the current critical-VM set as a slice.
func (s *SharedState) CriticalVMs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.critical))
	for id := range s.critical {
		out = append(out, id)
	}
	return out
}

// SetGroups replaces the persisted VM group list (spec §6 POST /api/vm_groups/update).
func (s *SharedState) SetGroups(groups []models.VMGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = groups
}

// VMsByNode returns a cloned copy of the last-observed per-node VM listing.
func (s *SharedState) VMsByNode() map[string][]models.VM {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]models.VM, len(s.vmsByNode))
	for node, vms := range s.vmsByNode {
		out[node] = append([]models.VM(nil), vms...)
	}
	return out
}

// FindVM locates a VM by ID across the last-observed snapshot, returning
// the VM, the node hosting it, and whether it was found.
func (s *SharedState) FindVM(vmid int) (models.VM, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for node, vms := range s.vmsByNode {
		for _, vm := range vms {
			if vm.VMID == vmid {
				return vm, node, true
			}
		}
	}
	return models.VM{}, "", false
}

// Balancer is the autonomic control loop (spec §4.G). It owns resource
// history and delegates each step to its component collaborators, never
// holding the shared-state mutex while calling the hypervisor client.
type Balancer struct {
	cfg    *config.Config
	client proxmox.ClientInterface
	logger logging.Logger

	history  *History
	scorer   *Scorer
	detector *Detector
	gate     *Gate
	planner  *Planner
	tracker  *Tracker
	anomalyD *anomaly.Detector

	state *SharedState
}

// New builds a Balancer wired from cfg.
func New(cfg *config.Config, client proxmox.ClientInterface, logger logging.Logger) *Balancer {
	history := NewHistory()
	scorer := NewScorer(history, cfg.ResourceWeights)
	detector := NewDetector(cfg.HighLoadThreshold, cfg.LowLoadThreshold, cfg.NodeExclusions)
	gate := NewGate(cfg, cfg.CriticalVMs)
	planner := NewPlanner(scorer, gate, cfg.ConsiderAffinity)
	tracker := NewTracker(cfg.CheckIntervalDuration() * DefaultTrackerTimeoutMultiple)

	state := newSharedState()
	state.SetCriticalVMs(cfg.CriticalVMs)
	groups := make([]models.VMGroup, 0, len(cfg.VMGroups))
	for name, ids := range cfg.VMGroups {
		set := make(map[int]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		groups = append(groups, models.VMGroup{Name: name, VMs: set})
	}
	state.groups = groups

	return &Balancer{
		cfg: cfg, client: client, logger: logger,
		history: history, scorer: scorer, detector: detector,
		gate: gate, planner: planner, tracker: tracker,
		anomalyD: anomaly.NewDetector(), state: state,
	}
}

// State exposes the shared state for the management API to read.
func (b *Balancer) State() *SharedState { return b.state }

// Config exposes the balancer's configuration document (GET /api/config).
func (b *Balancer) Config() *config.Config { return b.cfg }

// Classify returns the current overloaded/underloaded node classification
// against the last-observed snapshot, without triggering a fresh poll.
func (b *Balancer) Classify() (overloaded, underloaded []string) {
	return b.detector.Classify(b.state.Nodes())
}

// UpdateCriticalVMs replaces the critical-VM set used by both the shared
// state (for reporting) and the gate (for enforcement). Grounded on
// spec §13.2's update_critical_vms operation.
func (b *Balancer) UpdateCriticalVMs(ids []int) {
	b.state.SetCriticalVMs(ids)
	b.gate.SetCriticalVMs(ids)
}

// UpdateGroups replaces the persisted VM group list (POST /api/vm_groups/update).
func (b *Balancer) UpdateGroups(groups []models.VMGroup) {
	b.state.SetGroups(groups)
}

// UpdateConfig replaces the running config document (PUT /api/config).
// Of the parts other components hold their own copy of, only the resource
// weights (Scorer) and the critical-VM list (Gate) are pushed out to them;
// the Detector's thresholds and node exclusions, the Gate's VM exclusions,
// off-hours and cooldown, the Planner's affinity switch and the Tracker's
// timeout keep the values they were built with. Grounded on original_source/load_balancer_api.py's update_config, which
// gives resource_weights the same special treatment (renormalize, then
// push into node_selector.set_weights) before saving.
func (b *Balancer) UpdateConfig(cfg *config.Config) {
	b.scorer.SetWeights(cfg.ResourceWeights)
	b.gate.SetCriticalVMs(cfg.CriticalVMs)
	b.cfg = cfg
}

// RefreshCriticalVMs re-derives the critical-VM list from the hypervisor's
// tag metadata when auto_configure_hypervisor is enabled, merging the
// result with the persisted config.critical_vms list the same way
// affinity groups merge (spec §13.2). With auto-detection disabled, it
// simply reapplies the persisted list.
func (b *Balancer) RefreshCriticalVMs(extra []int) []int {
	persisted := append(append([]int{}, b.cfg.CriticalVMs...), extra...)
	if !b.cfg.AutoConfigureHypervisor {
		b.UpdateCriticalVMs(persisted)
		return b.state.CriticalVMs()
	}
	detected := IdentifyCriticalVMs(b.state.VMs())
	merged := MergeCriticalVMs(persisted, detected)
	b.UpdateCriticalVMs(merged)
	return merged
}

// ManualMigrate dispatches an operator-requested migration directly,
// bypassing the gate's exclusion/cooldown/off-hours checks (spec §12:
// the manual path is a deliberate override of the autonomic policy, not
// a variant of it). It still records the resulting migration so the
// tracker resolves it like any other.
func (b *Balancer) ManualMigrate(ctx context.Context, vmid int, target string) (*models.Migration, error) {
	vm, source, found := b.state.FindVM(vmid)
	if !found {
		return nil, fmt.Errorf("vm %d not found in last known cluster state", vmid)
	}
	if err := b.client.Migrate(ctx, source, vmid, target, true, true); err != nil {
		return nil, fmt.Errorf("migrate vm %d: %w", vmid, err)
	}
	b.gate.RecordMigration(vmid)

	m := &models.Migration{
		VMID: vmid, VMName: vm.Name, Source: source, Target: target,
		StartTs: time.Now(), Reason: models.ReasonManual, Requirements: vm.Requirements(),
		Result: models.ResultInitiated,
	}
	b.state.mu.Lock()
	b.state.migrations = append(b.state.migrations, m)
	b.state.mu.Unlock()

	b.logger.Info("manual migration initiated", "vmid", vmid, "source", source, "target", target)
	return m, nil
}

// Recommend returns the scorer's ranked target suggestions for vm,
// without dispatching anything.
func (b *Balancer) Recommend(vm models.VM, k int) []string {
	nodes := b.state.Nodes()
	req := vm.Requirements()
	return b.scorer.Recommend(nodes, k, &req)
}

// Recommendations builds a dry-run migration plan (GET
// /api/recommendations): for every currently overloaded node, its busiest
// candidate VMs paired with up to count ranked target nodes, without
// dispatching anything. Grounded on
// original_source/load_balancer.py's get_recommendations, which iterates
// detect_overloaded_nodes() rather than requiring a single vmid.
func (b *Balancer) Recommendations(count int, detailed bool) []models.Recommendation {
	if count <= 0 {
		count = 3
	}
	overloaded, _ := b.Classify()
	nodes := b.state.Nodes()
	vmsByNode := b.state.VMsByNode()
	byName := make(map[string]models.Node, len(nodes))
	for _, n := range nodes {
		byName[n.Name] = n
	}

	var out []models.Recommendation
	for _, source := range overloaded {
		vms := append([]models.VM(nil), vmsByNode[source]...)
		sort.SliceStable(vms, func(i, j int) bool { return vms[i].CPUUsage > vms[j].CPUUsage })
		if len(vms) > count {
			vms = vms[:count]
		}

		for _, vm := range vms {
			req := vm.Requirements()
			ranked := b.scorer.Recommend(nodes, count, &req)
			targets := make([]string, 0, len(ranked))
			for _, t := range ranked {
				if t == source || !b.gate.TargetAllowed(t) {
					continue
				}
				targets = append(targets, t)
			}
			if len(targets) == 0 {
				continue
			}

			rec := models.Recommendation{VMID: vm.VMID, VMName: vm.Name, Source: source, Targets: targets, Requirements: req}
			if detailed {
				rec.Impacts = make(map[string]models.MigrationImpact, len(targets))
				for _, t := range targets {
					rec.Impacts[t] = b.AnalyzeImpact(vm, byName[t])
				}
			}
			out = append(out, rec)
		}
	}
	return out
}

// Run drives the tick loop until ctx is cancelled, waking at most
// CheckInterval apart and reacting to cancellation within about a second
// (spec §5).
func (b *Balancer) Run(ctx context.Context) {
	b.state.mu.Lock()
	b.state.running = true
	b.state.mu.Unlock()

	ticker := time.NewTicker(b.cfg.CheckIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.state.mu.Lock()
			b.state.running = false
			b.state.mu.Unlock()
			return
		case <-ticker.C:
			b.Tick(ctx)
		}
	}
}

// Tick runs one full iteration of spec §4.G steps 1-6: refresh snapshots
// and history, resolve in-flight migrations, detect anomalies, refresh
// affinity groups, classify nodes, plan and (budget permitting) dispatch
// migrations.
func (b *Balancer) Tick(ctx context.Context) {
	timer := prometheus.NewTimer(tickDuration)
	defer timer.ObserveDuration()

	nodes, err := b.client.ListNodes(ctx)
	if err != nil {
		b.logger.Warn("list nodes failed, skipping tick", "error", err)
		return
	}

	vmsByNode := make(map[string][]models.VM, len(nodes))
	for _, n := range nodes {
		if n.Status != models.NodeStatusOnline {
			continue
		}
		vms, err := b.client.ListVMs(ctx, n.Name)
		if err != nil {
			b.logger.Warn("list vms failed for node", "node", n.Name, "error", err)
			continue
		}
		vmsByNode[n.Name] = vms
		nodeCPUGauge.WithLabelValues(n.Name).Set(n.CPUUsage)
		nodeMemGauge.WithLabelValues(n.Name).Set(n.MemFrac())

		b.history.PushNode(n.Name, "cpu", n.CPUUsage)
		b.history.PushNode(n.Name, "memory", n.MemFrac())
		b.history.PushNode(n.Name, "disk", n.DiskFrac())

		for _, vm := range vms {
			if vm.Status != models.VMStatusRunning {
				continue
			}
			b.history.PushVM(vm.VMID, models.VMSample{Ts: time.Now(), CPU: vm.CPUUsage, MemUsed: vm.MemUsed, Node: n.Name})
		}
	}

	tasks, err := b.client.ListClusterTasks(ctx, false)
	if err != nil {
		b.logger.Warn("list cluster tasks failed", "error", err)
		tasks = nil
	}

	b.state.mu.Lock()
	b.state.nodes = nodes
	b.state.vmsByNode = vmsByNode
	b.tracker.Resolve(b.state.migrations, tasks)
	anomalies := b.detectAnomalies(nodes)
	b.state.anomalies = anomalies
	detected := b.discoverGroups(vmsByNode)
	b.state.groups = affinity.Merge(b.state.groups, detected)
	groups := append([]models.VMGroup(nil), b.state.groups...)
	b.state.mu.Unlock()

	for _, a := range anomalies {
		b.logger.Warn("anomaly detected", "type", a.Type, "node", a.Node, "vmid", a.VMID, "zscore", a.ZScore)
		anomaliesTotal.WithLabelValues(a.Type).Inc()
	}

	// Cooldown is enforced per-VM by the Gate (spec §4.E), not globally
	// here: gating the whole tick on one shared timestamp would leave the
	// entire cluster unbalanced for min_balance_interval after any single
	// migration.
	overloaded, underloaded := b.detector.Classify(nodes)

	runningMigrations, err := b.client.ListClusterTasks(ctx, true)
	if err != nil {
		b.logger.Warn("list running tasks failed", "error", err)
		runningMigrations = nil
	}
	inFlight := 0
	for _, t := range runningMigrations {
		if t.Type == "qmigrate" {
			inFlight++
		}
	}
	budget := b.cfg.MaxParallelMigrations - inFlight
	if budget <= 0 {
		return
	}

	plan := b.planner.Plan(nodes, vmsByNode, overloaded, underloaded, groups)
	if len(plan) > budget {
		plan = plan[:budget]
	}

	for _, pm := range plan {
		online := pm.Reason != models.ReasonAffinity // cold-migrate affinity moves, live-migrate load moves
		if err := b.client.Migrate(ctx, pm.Source, pm.VMID, pm.Target, online, true); err != nil {
			b.logger.Error("migration dispatch failed", "vmid", pm.VMID, "source", pm.Source, "target", pm.Target, "error", err)
			migrationsFailed.WithLabelValues(pm.Reason).Inc()
			continue
		}
		migrationsDispatched.WithLabelValues(pm.Reason).Inc()
		b.gate.RecordMigration(pm.VMID)
		m := &models.Migration{
			VMID: pm.VMID, VMName: pm.VMName, Source: pm.Source, Target: pm.Target,
			StartTs: time.Now(), Reason: pm.Reason, Requirements: pm.Requirements,
			Result: models.ResultInitiated,
		}
		b.state.mu.Lock()
		b.state.migrations = append(b.state.migrations, m)
		b.state.mu.Unlock()
		b.logger.Info("migration initiated", "vmid", pm.VMID, "source", pm.Source, "target", pm.Target, "reason", pm.Reason)
	}
}

func (b *Balancer) detectAnomalies(nodes []models.Node) []models.Anomaly {
	var out []models.Anomaly
	for _, n := range nodes {
		if base, cur, ok := splitBaseline(b.history.Window(n.Name, "cpu", anomaly.MinSamples+1)); ok {
			if a := b.anomalyD.NodeCPUSpike(n.Name, base, cur); a != nil {
				out = append(out, *a)
			}
		}
		if base, cur, ok := splitBaseline(b.history.Window(n.Name, "memory", anomaly.MinSamples+1)); ok {
			if a := b.anomalyD.NodeMemorySpike(n.Name, base, cur); a != nil {
				out = append(out, *a)
			}
		}
	}
	vmNames := make(map[int]string)
	for _, vms := range b.state.vmsByNode {
		for _, vm := range vms {
			vmNames[vm.VMID] = vm.Name
		}
	}
	for _, vmid := range b.history.VMIDs() {
		samples := b.history.VMWindow(vmid, anomaly.MinSamples+1)
		if len(samples) == 0 {
			continue
		}
		cpus := make([]float64, len(samples))
		for i, s := range samples {
			cpus[i] = s.CPU
		}
		name := vmNames[vmid]
		if base, cur, ok := splitBaseline(cpus); ok {
			if a := b.anomalyD.VMCPUSpike(vmid, name, base, cur); a != nil {
				out = append(out, *a)
			}
		}
	}
	return out
}

// splitBaseline separates an oldest-first window into a prior baseline and
// the current (most recent) reading, so the current value is never part of
// the statistics it's judged against.
func splitBaseline(window []float64) (baseline []float64, current float64, ok bool) {
	if len(window) < anomaly.MinSamples+1 {
		return nil, 0, false
	}
	return window[:len(window)-1], window[len(window)-1], true
}

func (b *Balancer) discoverGroups(vmsByNode map[string][]models.VM) []models.VMGroup {
	var names []affinity.VMInfo
	cpuSeries := make(map[int][]float64)
	for _, vms := range vmsByNode {
		for _, vm := range vms {
			names = append(names, affinity.VMInfo{VMID: vm.VMID, Name: vm.Name})
		}
	}
	for _, vmid := range b.history.VMIDs() {
		samples := b.history.VMWindow(vmid, affinity.CorrelationWindow)
		cpus := make([]float64, len(samples))
		for i, s := range samples {
			cpus[i] = s.CPU
		}
		cpuSeries[vmid] = cpus
	}
	byName := affinity.ByNamePrefix(names)
	byCorrelation := affinity.ByCorrelation(cpuSeries)
	return affinity.Merge(nil, byName, byCorrelation)
}
