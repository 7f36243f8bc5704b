package balancer

import (
	"strings"

	"github.com/cblomart/goproxlb-autonomic/internal/models"
)

// criticalTagPrefix and haTag mirror the hypervisor-tag scanning idiom
// from the teacher's rules engine (plb_*-prefixed tags), narrowed to the
// single concern SPEC_FULL §13.2 calls for: identifying VMs that must
// never be chosen as automatic migration candidates.
const (
	criticalTagPrefix = "plb_critical"
	haTag             = "ha"
)

// IdentifyCriticalVMs scans the hypervisor's tag metadata for VMs marked
// critical or under HA protection, grounded on the teacher's
// rules.Engine.processVM tag-prefix dispatch. The result is merged with
// the persisted critical_vms config list the same way affinity groups
// merge: hypervisor-detected entries and operator-added entries both
// survive (spec §13.2).
func IdentifyCriticalVMs(vms []models.VM) []int {
	var ids []int
	for _, vm := range vms {
		for _, tag := range vm.Tags {
			if tag == haTag || strings.HasPrefix(tag, criticalTagPrefix) {
				ids = append(ids, vm.VMID)
				break
			}
		}
	}
	return ids
}

// MergeCriticalVMs unions the persisted list with freshly detected IDs,
// deduplicating while preserving persisted order first (same precedence
// rule affinity.Merge uses for groups).
func MergeCriticalVMs(persisted []int, detected []int) []int {
	seen := make(map[int]struct{}, len(persisted)+len(detected))
	out := make([]int, 0, len(persisted)+len(detected))
	for _, id := range persisted {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range detected {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
