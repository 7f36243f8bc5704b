package proxmox

import (
	"context"

	"github.com/cblomart/goproxlb-autonomic/internal/models"
)

// ClientInterface is the hypervisor client contract consumed by the
// balancer (spec §4.A). All calls may fail transiently; callers degrade
// gracefully rather than crash (skip tick, log, retry next tick).
type ClientInterface interface {
	// ListNodes returns every node in the cluster with its current status
	// and usage snapshot (folds nodeStatus into the per-node listing, the
	// same shape the teacher's GetNodes already returns).
	ListNodes(ctx context.Context) ([]models.Node, error)

	// ListVMs returns every VM/container hosted on node, with status and
	// usage.
	ListVMs(ctx context.Context, node string) ([]models.VM, error)

	// VMStatus returns a single VM's detailed current status.
	VMStatus(ctx context.Context, node string, vmid int) (models.VM, error)

	// ListClusterTasks returns cluster task entries, optionally filtered
	// to currently-running tasks only.
	ListClusterTasks(ctx context.Context, runningOnly bool) ([]models.ClusterTask, error)

	// Migrate requests a live (or cold) migration of vmid from source to
	// target.
	Migrate(ctx context.Context, source string, vmid int, target string, online, withLocalDisks bool) error
}
