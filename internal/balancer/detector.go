package balancer

import "github.com/cblomart/goproxlb-autonomic/internal/models"

// Detector implements the Imbalance Detector (spec §4.D): classifies each
// node as overloaded/normal/underloaded via thresholds. Grounded on
// original_source/load_balancer.py's detect_overloaded_nodes /
// detect_underloaded_nodes.
type Detector struct {
	HighThreshold float64
	LowThreshold  float64
	Excluded      map[string]struct{}
}

// NewDetector builds a Detector with the given thresholds and excluded
// node set.
func NewDetector(high, low float64, excluded []string) *Detector {
	ex := make(map[string]struct{}, len(excluded))
	for _, n := range excluded {
		ex[n] = struct{}{}
	}
	return &Detector{HighThreshold: high, LowThreshold: low, Excluded: ex}
}

// Overloaded reports whether node is online, not excluded, and either its
// CPU usage or memory fraction exceeds HighThreshold.
func (d *Detector) Overloaded(n models.Node) bool {
	if n.Status != models.NodeStatusOnline {
		return false
	}
	if _, skip := d.Excluded[n.Name]; skip {
		return false
	}
	return n.CPUUsage > d.HighThreshold || n.MemFrac() > d.HighThreshold
}

// Underloaded reports whether node is online, not excluded, and both its
// CPU usage and memory fraction are below LowThreshold.
func (d *Detector) Underloaded(n models.Node) bool {
	if n.Status != models.NodeStatusOnline {
		return false
	}
	if _, skip := d.Excluded[n.Name]; skip {
		return false
	}
	return n.CPUUsage < d.LowThreshold && n.MemFrac() < d.LowThreshold
}

// Classify partitions nodes into overloaded and underloaded name lists.
func (d *Detector) Classify(nodes []models.Node) (overloaded, underloaded []string) {
	for _, n := range nodes {
		if d.Overloaded(n) {
			overloaded = append(overloaded, n.Name)
		} else if d.Underloaded(n) {
			underloaded = append(underloaded, n.Name)
		}
	}
	return overloaded, underloaded
}
