package balancer

import (
	"math"

	"github.com/cblomart/goproxlb-autonomic/internal/config"
	"github.com/cblomart/goproxlb-autonomic/internal/models"
)

// Scorer implements the Node Scorer (spec §4.C): per-node fitness given VM
// requirements, blending current and predicted load, penalizing volatility,
// and hard-rejecting infeasible nodes. Grounded on
// original_source/node_selector.py's NodeSelector.calculate_node_score.
type Scorer struct {
	history *History
	weights config.ResourceWeights
}

// NewScorer builds a Scorer reading from history and weighing resources
// per weights (already normalized by the config layer).
func NewScorer(history *History, weights config.ResourceWeights) *Scorer {
	return &Scorer{history: history, weights: weights}
}

// SetWeights updates the scorer's weights, normalizing first (mirrors
// NodeSelector.set_weights).
func (s *Scorer) SetWeights(w config.ResourceWeights) {
	s.weights = w.Normalized()
}

// Score computes score(node, vmReq) per spec §4.C. Lower is better;
// +Inf means infeasible or no usable history.
func (s *Scorer) Score(node models.Node, req *models.VMRequirements) float64 {
	if s.history.Len(node.Name, "cpu") == 0 {
		// Step 1: refresh is the caller's responsibility (the balancer
		// loop always pushes history before scoring); if still empty,
		// the node is unscoreable this tick.
		return math.Inf(1)
	}

	curCPU, _ := s.history.Latest(node.Name, "cpu")
	curMem, _ := s.history.Latest(node.Name, "memory")
	curDisk, _ := s.history.Latest(node.Name, "disk")

	predCPU := s.history.PredictNext(node.Name, "cpu", 1)
	predMem := s.history.PredictNext(node.Name, "memory", 1)
	predDisk := s.history.PredictNext(node.Name, "disk", 1)

	cpuScore := 0.7*curCPU + 0.3*predCPU
	memScore := 0.7*curMem + 0.3*predMem
	diskScore := 0.7*curDisk + 0.3*predDisk

	if req != nil {
		availCPU := float64(node.CPUCores) * (1 - curCPU)
		if float64(req.CPU) > availCPU {
			return math.Inf(1)
		}
		if req.Mem > node.FreeMemory() {
			return math.Inf(1)
		}
		if req.Disk > node.FreeDisk() {
			return math.Inf(1)
		}
	}

	final := cpuScore*s.weights.CPU + memScore*s.weights.Memory + diskScore*s.weights.Disk

	if s.history.Len(node.Name, "cpu") > 5 {
		cpuStd := StdDev(s.history.Window(node.Name, "cpu", 5))
		memStd := StdDev(s.history.Window(node.Name, "memory", 5))
		final += 0.1 * (cpuStd + memStd) / 2
	}

	return final
}

// SelectBest returns the lowest-scoring online, non-excluded node, or ""
// if none is feasible.
func (s *Scorer) SelectBest(nodes []models.Node, req *models.VMRequirements, excluded map[string]struct{}) string {
	best := ""
	bestScore := math.Inf(1)
	for _, n := range nodes {
		if n.Status != models.NodeStatusOnline {
			continue
		}
		if _, skip := excluded[n.Name]; skip {
			continue
		}
		score := s.Score(n, req)
		if score < bestScore {
			bestScore = score
			best = n.Name
		}
	}
	return best
}

// Recommend returns the top-k online nodes by ascending score.
func (s *Scorer) Recommend(nodes []models.Node, k int, req *models.VMRequirements) []string {
	type scored struct {
		name  string
		score float64
	}
	var candidates []scored
	for _, n := range nodes {
		if n.Status != models.NodeStatusOnline {
			continue
		}
		candidates = append(candidates, scored{n.Name, s.Score(n, req)})
	}
	// Stable ascending sort, ties broken by original (insertion) order.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].score < candidates[j-1].score; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	if k > len(candidates) {
		k = len(candidates)
	}
	out := make([]string, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, candidates[i].name)
	}
	return out
}
