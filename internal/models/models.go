// Package models defines the data types shared between the hypervisor
// client, the balancer, and the management API.
package models

import "time"

// Node statuses as reported by the hypervisor client.
const (
	NodeStatusOnline  = "online"
	NodeStatusOffline = "offline"
)

// VM statuses as reported by the hypervisor client.
const (
	VMStatusRunning = "running"
	VMStatusStopped = "stopped"
)

// Default VM resource requirements used when the hypervisor omits a field.
const (
	DefaultVMCPU       = 1
	DefaultVMMemory    = 1 << 30        // 1 GiB
	DefaultVMDisk      = 10 * (1 << 30) // 10 GiB
	ResourceHistoryCap = 30
	VMHistoryCap       = 100
)

// Node is a point-in-time snapshot of one physical host.
type Node struct {
	Name     string
	Status   string
	CPUUsage float64 // fraction [0,1]
	MemUsed  uint64
	MemTotal uint64
	DiskUsed uint64
	DiskTot  uint64
	Load     float64
	Uptime   uint64
	CPUCores int
}

// MemFrac returns used/total memory fraction, 0 if total is unknown.
func (n Node) MemFrac() float64 {
	if n.MemTotal == 0 {
		return 0
	}
	return float64(n.MemUsed) / float64(n.MemTotal)
}

// DiskFrac returns used/total disk fraction, 0 if total is unknown.
func (n Node) DiskFrac() float64 {
	if n.DiskTot == 0 {
		return 0
	}
	return float64(n.DiskUsed) / float64(n.DiskTot)
}

// FreeMemory returns bytes of free memory.
func (n Node) FreeMemory() uint64 {
	if n.MemUsed >= n.MemTotal {
		return 0
	}
	return n.MemTotal - n.MemUsed
}

// FreeDisk returns bytes of free disk.
func (n Node) FreeDisk() uint64 {
	if n.DiskUsed >= n.DiskTot {
		return 0
	}
	return n.DiskTot - n.DiskUsed
}

// VM is a point-in-time snapshot of one virtual machine or container.
type VM struct {
	VMID     int
	Name     string
	Status   string
	Node     string
	CPUUsage float64 // fraction [0,1]
	MemUsed  uint64
	MemMax   uint64
	MaxCPU   int
	MaxDisk  uint64
	Uptime   uint64
	Tags     []string // hypervisor-assigned tags, e.g. HA-group membership markers
}

// Requirements derives the resource requirements a VM needs to be placed,
// applying the documented defaults for absent fields (spec §9).
func (v VM) Requirements() VMRequirements {
	req := VMRequirements{
		CPU:  v.MaxCPU,
		Mem:  v.MemMax,
		Disk: v.MaxDisk,
	}
	if req.CPU <= 0 {
		req.CPU = DefaultVMCPU
	}
	if req.Mem == 0 {
		req.Mem = DefaultVMMemory
	}
	if req.Disk == 0 {
		req.Disk = DefaultVMDisk
	}
	return req
}

// VMRequirements is what a placement decision must satisfy on a candidate node.
type VMRequirements struct {
	CPU  int
	Mem  uint64
	Disk uint64
}

// ClusterTask is an entry from the hypervisor's cluster task list.
type ClusterTask struct {
	Type       string
	ID         string
	Status     string
	ExitStatus string
	StartTime  int64
}

// Migration reasons.
const (
	ReasonHighToLow    = "highToLow"
	ReasonDistribution = "distribution"
	ReasonAffinity     = "affinity"
	ReasonManual       = "manual"
)

// Migration results.
const (
	ResultInitiated = "initiated"
	ResultSuccess   = "success"
	ResultFailed    = "failed"
)

// Migration is an append-only record of one VM move, created on dispatch
// and mutated exactly once by the tracker to a terminal result.
type Migration struct {
	ID           string
	VMID         int
	Source       string
	Target       string
	StartTs      time.Time
	Reason       string
	Requirements VMRequirements
	VMName       string
	Result       string
	CompletionTs time.Time
	Error        string
}

// VMSample is one bounded history entry for a VM.
type VMSample struct {
	Ts               time.Time
	CPU              float64
	MemUsed          uint64
	Node             string
	MigrationSuccess *bool
}

// VMGroup is a named set of VM IDs that should be kept together.
type VMGroup struct {
	Name string
	VMs  map[int]struct{}
}

// Members returns the group's VM IDs.
func (g VMGroup) Members() []int {
	out := make([]int, 0, len(g.VMs))
	for id := range g.VMs {
		out = append(out, id)
	}
	return out
}

// Anomaly is one detected statistical spike.
type Anomaly struct {
	Type   string // node_cpu_spike | node_memory_spike | vm_cpu_spike
	Node   string
	VMID   int
	VMName string
	Value  float64
	Mean   float64
	Std    float64
	ZScore float64
}

// ClusterStatus is a read-only snapshot handed to callers under the shared
// mutex discipline (spec §5): cloned, never aliasing internal state.
type ClusterStatus struct {
	Running          bool
	Config           map[string]interface{}
	RecentMigrations []Migration
	OverloadedNodes  []string
	UnderloadedNodes []string
}

// HealthReport is the full cluster health document (GET /api/health).
type HealthReport struct {
	Timestamp  time.Time
	Nodes      map[string]NodeHealth
	VMs        map[int]VMHealth
	Migrations MigrationSummary
	Anomalies  []Anomaly
}

// NodeHealth is per-node health data in a HealthReport.
type NodeHealth struct {
	Status        string
	CPUUsage      float64
	MemoryUsage   float64
	DiskUsage     float64
	Uptime        uint64
	Load          float64
	IsOverloaded  bool
	IsUnderloaded bool
}

// VMHealth is per-VM health data in a HealthReport.
type VMHealth struct {
	Name        string
	Status      string
	Node        string
	CPUUsage    float64
	MemoryUsage float64
	Uptime      uint64
	InGroup     bool
	GroupName   string
}

// MigrationSummary aggregates migration history statistics.
type MigrationSummary struct {
	Recent          []Migration
	SuccessRate     float64
	TotalCount      int
	SuccessfulCount int
	FailedCount     int
}

// MigrationImpact is the result of analyzing a candidate migration before
// (or instead of) dispatching it.
type MigrationImpact struct {
	PerformanceImpact string // low | medium | high
	RiskLevel         string // low | medium | high
	Recommended       bool
	Reasons           []string
}

// Recommendation is one dry-run migration suggestion (GET /api/recommendations).
type Recommendation struct {
	VMID         int
	VMName       string
	Source       string
	Targets      []string
	Requirements VMRequirements
	Impacts      map[string]MigrationImpact // only populated for detail=detailed
}
