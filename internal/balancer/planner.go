package balancer

import (
	"sort"

	"github.com/cblomart/goproxlb-autonomic/internal/models"
)

// PlannedMigration is one candidate migration produced by the Strategy
// Planner, not yet submitted to the hypervisor.
type PlannedMigration struct {
	VMID         int
	VMName       string
	Source       string
	Target       string
	Reason       string
	Requirements models.VMRequirements
}

// Planner implements the Strategy Planner (spec §4.F): given the current
// overloaded/underloaded classification, produces an ordered list of
// candidate migrations across three strategies run in sequence —
// highToLow, distribution, affinity. Grounded on
// original_source/load_balancer.py's balance_cluster (lines ~345-549).
//
// The affinity strategy never scores across the whole cluster: a group's
// majority node is the target whenever the Gate allows it as a target; it
// is not scored, so its free capacity is not checked. highToLow and
// distribution only choose among underloaded nodes; when none of them is
// feasible for a VM, that VM is skipped, with no cluster-wide fallback.
type Planner struct {
	scorer           *Scorer
	gate             *Gate
	considerAffinity bool
}

// NewPlanner builds a Planner.
func NewPlanner(scorer *Scorer, gate *Gate, considerAffinity bool) *Planner {
	return &Planner{scorer: scorer, gate: gate, considerAffinity: considerAffinity}
}

// Plan runs all three strategies in order and returns their candidates
// concatenated, sources-before-targets as each strategy produces them.
func (p *Planner) Plan(nodes []models.Node, vmsByNode map[string][]models.VM, overloaded, underloaded []string, groups []models.VMGroup) []PlannedMigration {
	var out []PlannedMigration

	placed := make(map[int]struct{}) // VMs already planned this tick, skip in later strategies
	underSet := toSet(underloaded)

	out = append(out, p.planHighToLow(nodes, vmsByNode, overloaded, underSet, placed)...)
	out = append(out, p.planDistribution(nodes, vmsByNode, overloaded, underSet, placed)...)
	if p.considerAffinity {
		out = append(out, p.planAffinity(vmsByNode, groups, placed)...)
	}

	return out
}

func toSet(names []string) map[string]struct{} {
	s := make(map[string]struct{}, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// planHighToLow migrates the busiest VM off each overloaded node onto an
// underloaded node, one candidate per overloaded source per tick.
func (p *Planner) planHighToLow(nodes []models.Node, vmsByNode map[string][]models.VM, overloaded []string, underSet map[string]struct{}, placed map[int]struct{}) []PlannedMigration {
	var out []PlannedMigration
	underNodes := filterNodes(nodes, underSet)

	for _, source := range overloaded {
		vms := append([]models.VM(nil), vmsByNode[source]...)
		sort.SliceStable(vms, func(i, j int) bool { return vms[i].CPUUsage > vms[j].CPUUsage })

		for _, vm := range vms {
			if _, done := placed[vm.VMID]; done {
				continue
			}
			ok, _ := p.gate.MayMigrate(vm.VMID, source)
			if !ok {
				continue
			}
			req := vm.Requirements()
			target := p.scorer.SelectBest(underNodes, &req, map[string]struct{}{source: {}})
			if target == "" || !p.gate.TargetAllowed(target) {
				continue
			}
			out = append(out, PlannedMigration{
				VMID: vm.VMID, VMName: vm.Name, Source: source, Target: target,
				Reason: models.ReasonHighToLow, Requirements: req,
			})
			placed[vm.VMID] = struct{}{}
			break // one migration per overloaded source per tick
		}
	}
	return out
}

// planDistribution implements strategy 2 (spec §4.F): when no node is
// overloaded but some are underloaded, spread load onto them by moving a
// VM off each non-underloaded node, one candidate per source per tick.
// Grounded on original_source/load_balancer.py:381-390, whose sources are
// every node not in underloaded_nodes, not the (here empty) overloaded set.
func (p *Planner) planDistribution(nodes []models.Node, vmsByNode map[string][]models.VM, overloaded []string, underSet map[string]struct{}, placed map[int]struct{}) []PlannedMigration {
	var out []PlannedMigration
	if len(overloaded) != 0 || len(underSet) == 0 {
		return out
	}

	underNodes := filterNodes(nodes, underSet)

	for _, n := range nodes {
		if _, isUnder := underSet[n.Name]; isUnder {
			continue
		}
		source := n.Name
		vms := append([]models.VM(nil), vmsByNode[source]...)
		sort.SliceStable(vms, func(i, j int) bool { return vms[i].CPUUsage > vms[j].CPUUsage })

		for _, vm := range vms {
			if _, done := placed[vm.VMID]; done {
				continue
			}
			ok, _ := p.gate.MayMigrate(vm.VMID, source)
			if !ok {
				continue
			}
			req := vm.Requirements()
			target := p.scorer.SelectBest(underNodes, &req, map[string]struct{}{source: {}})
			if target == "" || !p.gate.TargetAllowed(target) {
				continue
			}
			out = append(out, PlannedMigration{
				VMID: vm.VMID, VMName: vm.Name, Source: source, Target: target,
				Reason: models.ReasonDistribution, Requirements: req,
			})
			placed[vm.VMID] = struct{}{}
			break
		}
	}
	return out
}

// planAffinity consolidates each group onto whichever node already hosts
// the most of its members, moving minority members there. The majority
// node is only checked against the Gate's target exclusions, not scored;
// if it is excluded, the group is skipped rather than rescored elsewhere.
func (p *Planner) planAffinity(vmsByNode map[string][]models.VM, groups []models.VMGroup, placed map[int]struct{}) []PlannedMigration {
	var out []PlannedMigration

	vmLocation := make(map[int]string)
	vmByID := make(map[int]models.VM)
	for node, vms := range vmsByNode {
		for _, vm := range vms {
			vmLocation[vm.VMID] = node
			vmByID[vm.VMID] = vm
		}
	}

	for _, group := range groups {
		members := group.Members()
		if len(members) < 2 {
			continue
		}

		counts := make(map[string]int)
		for _, id := range members {
			if node, ok := vmLocation[id]; ok {
				counts[node]++
			}
		}
		majority, best := "", -1
		for node, count := range counts {
			if count > best {
				majority, best = node, count
			}
		}
		if majority == "" || !p.gate.TargetAllowed(majority) {
			continue
		}

		sort.Ints(members)
		for _, id := range members {
			if _, done := placed[id]; done {
				continue
			}
			source, ok := vmLocation[id]
			if !ok || source == majority {
				continue
			}
			vm := vmByID[id]
			okGate, _ := p.gate.MayMigrate(id, source)
			if !okGate {
				continue
			}
			out = append(out, PlannedMigration{
				VMID: id, VMName: vm.Name, Source: source, Target: majority,
				Reason: models.ReasonAffinity, Requirements: vm.Requirements(),
			})
			placed[id] = struct{}{}
		}
	}
	return out
}

func filterNodes(nodes []models.Node, names map[string]struct{}) []models.Node {
	out := make([]models.Node, 0, len(names))
	for _, n := range nodes {
		if _, ok := names[n.Name]; ok {
			out = append(out, n)
		}
	}
	return out
}
