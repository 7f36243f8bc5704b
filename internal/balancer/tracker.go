package balancer

import (
	"strconv"
	"strings"
	"time"

	"github.com/cblomart/goproxlb-autonomic/internal/models"
)

// DefaultTrackerTimeoutMultiple bounds how long an initiated migration may
// go without a matching cluster task before the tracker gives up on it.
// Spec §9 leaves this as an open question in the source ("initiated
// migrations never time out"); this resolves it: ten check intervals.
const DefaultTrackerTimeoutMultiple = 10

// Tracker implements the Migration Tracker (spec §4.H): resolves
// in-flight migration records against the cluster's task list. Grounded
// on original_source/load_balancer.py's monitor_migrations.
type Tracker struct {
	timeout time.Duration
	now     func() time.Time
}

// NewTracker builds a Tracker that gives up on an initiated migration
// after timeout has elapsed with no matching task found.
func NewTracker(timeout time.Duration) *Tracker {
	return &Tracker{timeout: timeout, now: time.Now}
}

// Resolve updates every migration still in ResultInitiated in place,
// matching it against tasks. Resolution is idempotent: migrations already
// resolved (success/failed) are left untouched.
func (t *Tracker) Resolve(migrations []*models.Migration, tasks []models.ClusterTask) {
	now := t.now()
	for _, m := range migrations {
		if m.Result != models.ResultInitiated {
			continue
		}
		t.resolveOne(m, tasks, now)
	}
}

func (t *Tracker) resolveOne(m *models.Migration, tasks []models.ClusterTask, now time.Time) {
	var match *models.ClusterTask
	for i := range tasks {
		task := &tasks[i]
		if task.Type != "qmigrate" {
			continue
		}
		id := task.ID
		if !strings.Contains(id, strconv.Itoa(m.VMID)) || !strings.Contains(id, m.Source) {
			continue
		}
		if match == nil || task.StartTime > match.StartTime {
			match = task
		}
	}

	if match == nil {
		if now.Sub(m.StartTs) > t.timeout {
			m.Result = models.ResultFailed
			m.CompletionTs = now
			m.Error = "timed out waiting for matching cluster task"
		}
		return
	}

	if match.Status != "stopped" {
		return // still running
	}

	m.CompletionTs = now
	if match.ExitStatus == "OK" {
		m.Result = models.ResultSuccess
	} else {
		m.Result = models.ResultFailed
		m.Error = match.ExitStatus
	}
}
