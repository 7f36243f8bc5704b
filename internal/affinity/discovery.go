// Package affinity implements the VM Grouping / Affinity Discovery
// component (spec §4.I): it infers which VMs should be kept on the same
// node, either from shared name prefixes or from correlated CPU load.
// Grounded on original_source/load_balancer.py's
// detect_vm_groups_by_pattern and detect_vm_groups_by_correlation.
package affinity

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/cblomart/goproxlb-autonomic/internal/models"
)

// VMInfo is the minimal VM identity the name-pattern pass needs.
type VMInfo struct {
	VMID int
	Name string
}

// MinPrefixLen and MinGroupSize bound name-pattern grouping: the prefix
// before the first '-' must be at least MinPrefixLen characters, and a
// candidate group must end up with at least MinGroupSize members.
const (
	MinPrefixLen = 2
	MinGroupSize = 2
)

// CorrelationWindow, MinCorrelationSamples, and CorrelationThreshold
// bound correlation-based grouping: only the last CorrelationWindow CPU
// samples are considered, each VM needs at least MinCorrelationSamples
// recorded samples to participate, and a pair only groups together when
// their Pearson correlation exceeds CorrelationThreshold.
const (
	CorrelationWindow     = 10
	MinCorrelationSamples = 5
	MinCorrelationPoints  = 3
	CorrelationThreshold  = 0.7
)

// ByNamePrefix groups VMs sharing a lowercase prefix before their first
// '-', e.g. "web-01" and "web-02" both belong to group "web".
func ByNamePrefix(vms []VMInfo) []models.VMGroup {
	buckets := make(map[string][]int)
	var order []string

	for _, vm := range vms {
		idx := strings.Index(vm.Name, "-")
		if idx < MinPrefixLen {
			continue
		}
		prefix := strings.ToLower(vm.Name[:idx])
		if _, seen := buckets[prefix]; !seen {
			order = append(order, prefix)
		}
		buckets[prefix] = append(buckets[prefix], vm.VMID)
	}

	var groups []models.VMGroup
	for _, prefix := range order {
		members := buckets[prefix]
		if len(members) < MinGroupSize {
			continue
		}
		set := make(map[int]struct{}, len(members))
		for _, id := range members {
			set[id] = struct{}{}
		}
		groups = append(groups, models.VMGroup{Name: prefix, VMs: set})
	}
	return groups
}

// ByCorrelation groups VMs whose recent CPU usage moves together. Only
// VMs with at least MinCorrelationSamples entries in cpuSamples
// participate; each series is truncated to its last CorrelationWindow
// samples before pairwise Pearson correlation is computed. Groups are
// built greedily: the strongest pair forms the seed of a group, and any
// other VM correlated above threshold with every current member joins it.
func ByCorrelation(cpuSamples map[int]([]float64)) []models.VMGroup {
	ids := make([]int, 0, len(cpuSamples))
	series := make(map[int][]float64, len(cpuSamples))
	for id, samples := range cpuSamples {
		if len(samples) < MinCorrelationSamples {
			continue
		}
		w := samples
		if len(w) > CorrelationWindow {
			w = w[len(w)-CorrelationWindow:]
		}
		ids = append(ids, id)
		series[id] = w
	}
	sort.Ints(ids)

	type pair struct {
		a, b int
		corr float64
	}
	var pairs []pair
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			c, ok := pearson(series[ids[i]], series[ids[j]])
			if ok && c > CorrelationThreshold {
				pairs = append(pairs, pair{ids[i], ids[j], c})
			}
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].corr > pairs[j].corr })

	assigned := make(map[int]int) // vmid -> group index
	var clusters []map[int]struct{}

	for _, p := range pairs {
		gi, aIn := assigned[p.a]
		gj, bIn := assigned[p.b]
		switch {
		case !aIn && !bIn:
			clusters = append(clusters, map[int]struct{}{p.a: {}, p.b: {}})
			idx := len(clusters) - 1
			assigned[p.a] = idx
			assigned[p.b] = idx
		case aIn && !bIn:
			if allCorrelatedWith(clusters[gi], p.b, series) {
				clusters[gi][p.b] = struct{}{}
				assigned[p.b] = gi
			}
		case !aIn && bIn:
			if allCorrelatedWith(clusters[gj], p.a, series) {
				clusters[gj][p.a] = struct{}{}
				assigned[p.a] = gj
			}
		}
		// both already assigned: leave as is, no cluster merging.
	}

	var groups []models.VMGroup
	for i, cluster := range clusters {
		if len(cluster) < MinGroupSize {
			continue
		}
		groups = append(groups, models.VMGroup{Name: groupName(i), VMs: cluster})
	}
	return groups
}

func groupName(i int) string {
	return "correlated_group_" + strconv.Itoa(i+1)
}

func allCorrelatedWith(cluster map[int]struct{}, candidate int, series map[int][]float64) bool {
	for member := range cluster {
		c, ok := pearson(series[member], series[candidate])
		if !ok || c <= CorrelationThreshold {
			return false
		}
	}
	return true
}

// pearson computes the Pearson correlation coefficient over the common
// (truncated-to-shortest) prefix of a and b. ok is false if fewer than
// MinCorrelationPoints overlapping samples are available or the
// denominator is degenerate.
func pearson(a, b []float64) (float64, bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < MinCorrelationPoints {
		return 0, false
	}
	a, b = a[:n], b[:n]

	var sumA, sumB float64
	for i := 0; i < n; i++ {
		sumA += a[i]
		sumB += b[i]
	}
	meanA, meanB := sumA/float64(n), sumB/float64(n)

	var num, denA, denB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		num += da * db
		denA += da * da
		denB += db * db
	}
	if denA == 0 || denB == 0 {
		return 0, false
	}
	return num / math.Sqrt(denA*denB), true
}

// Merge combines persisted groups with freshly detected ones. Detected
// groups (name-pattern first, then correlation) take precedence over a
// persisted group of the same name; persisted groups with no detected
// counterpart are kept unchanged.
func Merge(persisted []models.VMGroup, detected ...[]models.VMGroup) []models.VMGroup {
	byName := make(map[string]models.VMGroup, len(persisted))
	var order []string
	for _, g := range persisted {
		if _, seen := byName[g.Name]; !seen {
			order = append(order, g.Name)
		}
		byName[g.Name] = g
	}
	for _, batch := range detected {
		for _, g := range batch {
			if _, seen := byName[g.Name]; !seen {
				order = append(order, g.Name)
			}
			byName[g.Name] = g
		}
	}
	out := make([]models.VMGroup, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out
}
