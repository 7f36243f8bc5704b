package balancer

import (
	"math"
	"sync"
	"time"

	"github.com/cblomart/goproxlb-autonomic/internal/models"
)

// metricSeries holds the four node-level metric series tracked per node
// (spec §3: cpu, memory, disk, network), each capped at
// models.ResourceHistoryCap samples.
type metricSeries struct {
	cpu     []float64
	memory  []float64
	disk    []float64
	network []float64
}

func (m *metricSeries) series(metric string) *[]float64 {
	switch metric {
	case "cpu":
		return &m.cpu
	case "memory":
		return &m.memory
	case "disk":
		return &m.disk
	case "network":
		return &m.network
	default:
		return nil
	}
}

// History is the bounded time-series store (spec §4.B): per-node metric
// series and per-VM performance samples. The balancer loop and the
// management API both read it; writes only happen from the loop, so a
// single mutex is enough to satisfy spec §5's shared-state discipline.
type History struct {
	mu        sync.RWMutex
	nodes     map[string]*metricSeries
	vmSamples map[int][]models.VMSample
}

// NewHistory builds an empty history store.
func NewHistory() *History {
	return &History{
		nodes:     make(map[string]*metricSeries),
		vmSamples: make(map[int][]models.VMSample),
	}
}

// PushNode appends one sample to a node's metric series, trimming to cap.
func (h *History) PushNode(name, metric string, value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.nodes[name]
	if !ok {
		s = &metricSeries{}
		h.nodes[name] = s
	}
	series := s.series(metric)
	if series == nil {
		return
	}
	*series = append(*series, value)
	if len(*series) > models.ResourceHistoryCap {
		*series = (*series)[len(*series)-models.ResourceHistoryCap:]
	}
}

// PushVM appends one performance sample for vmid, trimming to cap.
func (h *History) PushVM(vmid int, sample models.VMSample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.vmSamples[vmid] = append(h.vmSamples[vmid], sample)
	if len(h.vmSamples[vmid]) > models.VMHistoryCap {
		h.vmSamples[vmid] = h.vmSamples[vmid][len(h.vmSamples[vmid])-models.VMHistoryCap:]
	}
}

// Latest returns the most recent sample for (node, metric), and whether one exists.
func (h *History) Latest(node, metric string) (float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.nodes[node]
	if !ok {
		return 0, false
	}
	series := s.series(metric)
	if series == nil || len(*series) == 0 {
		return 0, false
	}
	return (*series)[len(*series)-1], true
}

// Window returns a copy of the last k samples for (node, metric), oldest first.
func (h *History) Window(node, metric string, k int) []float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.nodes[node]
	if !ok {
		return nil
	}
	series := s.series(metric)
	if series == nil {
		return nil
	}
	n := len(*series)
	if k > n {
		k = n
	}
	out := make([]float64, k)
	copy(out, (*series)[n-k:])
	return out
}

// Len returns the current length of a node's metric series.
func (h *History) Len(node, metric string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.nodes[node]
	if !ok {
		return 0
	}
	series := s.series(metric)
	if series == nil {
		return 0
	}
	return len(*series)
}

// VMWindow returns a copy of the last k VM samples, oldest first.
func (h *History) VMWindow(vmid, k int) []models.VMSample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	all := h.vmSamples[vmid]
	n := len(all)
	if k > n {
		k = n
	}
	out := make([]models.VMSample, k)
	copy(out, all[n-k:])
	return out
}

// VMIDs returns every VM ID with at least one recorded sample.
func (h *History) VMIDs() []int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]int, 0, len(h.vmSamples))
	for id := range h.vmSamples {
		out = append(out, id)
	}
	return out
}

// PredictNext predicts the next-step value for (node, metric) via simple
// OLS linear regression over the available history indexed 0..n-1,
// evaluated at n+hoursAhead, clamped to [0,1] (spec §4.C step 2).
func (h *History) PredictNext(node, metric string, hoursAhead int) float64 {
	history := h.Window(node, metric, models.ResourceHistoryCap)
	if len(history) == 0 {
		return 0
	}
	if len(history) < 3 {
		return history[len(history)-1]
	}

	n := float64(len(history))
	var sumX, sumY float64
	for i, y := range history {
		sumX += float64(i)
		sumY += y
	}
	xMean := sumX / n
	yMean := sumY / n

	var num, den float64
	for i, y := range history {
		dx := float64(i) - xMean
		num += dx * (y - yMean)
		den += dx * dx
	}
	if den == 0 {
		return history[len(history)-1]
	}
	slope := num / den
	intercept := yMean - slope*xMean

	futureX := n + float64(hoursAhead)
	predicted := slope*futureX + intercept

	return math.Max(0, math.Min(1, predicted))
}

// StdDev returns the population standard deviation of samples, 0 if empty.
func StdDev(samples []float64) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range samples {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(n))
}

// Mean returns the arithmetic mean of samples, 0 if empty.
func Mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

// now exists so tests can't accidentally rely on wall-clock time sneaking
// into pure computations; kept local to this package, not exported.
var now = time.Now
