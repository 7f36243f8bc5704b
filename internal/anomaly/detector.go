// Package anomaly implements the Anomaly Detector (spec §4.J): flags
// statistical spikes in node and VM resource usage via a rolling z-score.
// Grounded on original_source/load_balancer.py's detect_anomalies.
package anomaly

import (
	"math"

	"github.com/cblomart/goproxlb-autonomic/internal/models"
)

// ZScoreThreshold and MinSamples are the fixed detection parameters
// (spec §4.J): a sample is anomalous when its z-score against the last
// MinSamples readings exceeds ZScoreThreshold.
const (
	ZScoreThreshold = 3.0
	MinSamples      = 5
)

// Detector evaluates rolling windows for anomalies. It holds no state of
// its own; the caller (the balancer loop) supplies each window from its
// own history store.
type Detector struct{}

// NewDetector builds an anomaly Detector.
func NewDetector() *Detector {
	return &Detector{}
}

// NodeCPUSpike reports a node_cpu_spike anomaly if current deviates from
// baseline's mean by more than ZScoreThreshold standard deviations.
// baseline must be oldest-first prior history, excluding current; nil is
// returned if there are fewer than MinSamples baseline samples or no
// spike is present.
func (d *Detector) NodeCPUSpike(node string, baseline []float64, current float64) *models.Anomaly {
	return spike(baseline, current, func(value, mean, std, z float64) models.Anomaly {
		return models.Anomaly{Type: "node_cpu_spike", Node: node, Value: value, Mean: mean, Std: std, ZScore: z}
	})
}

// NodeMemorySpike reports a node_memory_spike anomaly, same rule as
// NodeCPUSpike applied to a memory-fraction baseline.
func (d *Detector) NodeMemorySpike(node string, baseline []float64, current float64) *models.Anomaly {
	return spike(baseline, current, func(value, mean, std, z float64) models.Anomaly {
		return models.Anomaly{Type: "node_memory_spike", Node: node, Value: value, Mean: mean, Std: std, ZScore: z}
	})
}

// VMCPUSpike reports a vm_cpu_spike anomaly for the given VM's CPU baseline.
func (d *Detector) VMCPUSpike(vmid int, vmName string, baseline []float64, current float64) *models.Anomaly {
	return spike(baseline, current, func(value, mean, std, z float64) models.Anomaly {
		return models.Anomaly{Type: "vm_cpu_spike", VMID: vmid, VMName: vmName, Value: value, Mean: mean, Std: std, ZScore: z}
	})
}

// spike compares current against baseline's mean/stddev, keeping the
// current reading out of the baseline it's judged against (spec §4.J,
// grounded on original_source/load_balancer.py:1304-1318 where
// current_cpu is a live value distinct from cpu_history[-5:]).
func spike(baseline []float64, current float64, build func(value, mean, std, z float64) models.Anomaly) *models.Anomaly {
	if len(baseline) < MinSamples {
		return nil
	}
	recent := baseline[len(baseline)-MinSamples:]
	mean := mean(recent)
	std := stddev(recent, mean)
	if std == 0 {
		return nil
	}
	z := math.Abs(current-mean) / std
	if z <= ZScoreThreshold {
		return nil
	}
	a := build(current, mean, std, z)
	return &a
}

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

func stddev(samples []float64, mean float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sq float64
	for _, v := range samples {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(samples)))
}
