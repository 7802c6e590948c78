package daemon

import (
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatvault/internal/jobs"
	"github.com/matheus3301/chatvault/internal/progress"
	"github.com/matheus3301/chatvault/internal/status"
)

// outcomeCap bounds how many finished job outcomes are remembered.
const outcomeCap = 256

// activity drives the daemon state from job lifecycles and remembers the
// metadata of recently finished jobs.
type activity struct {
	machine *status.Machine
	logger  *zap.Logger
	after   func(time.Duration, func()) *time.Timer

	mu       gosync.Mutex
	syncing  int
	outcomes map[string]map[string]any
	order    []string
}

func newActivity(machine *status.Machine, logger *zap.Logger) *activity {
	return &activity{
		machine:  machine,
		logger:   logger,
		after:    time.AfterFunc,
		outcomes: make(map[string]map[string]any),
	}
}

// syncStarted moves the daemon into SYNCING.
func (a *activity) syncStarted() {
	a.mu.Lock()
	a.syncing++
	a.mu.Unlock()
	if a.machine.Is(status.Ready, status.RateLimited) {
		_ = a.machine.Transition(status.Syncing)
	}
}

// finished is registered as the job runner's finish hook.
func (a *activity) finished(o jobs.Outcome) {
	a.mu.Lock()
	if _, ok := a.outcomes[o.JobID]; !ok {
		a.order = append(a.order, o.JobID)
	}
	a.outcomes[o.JobID] = o.Summary.Metadata
	if len(a.order) > outcomeCap {
		delete(a.outcomes, a.order[0])
		a.order = a.order[1:]
	}
	if o.Kind == progress.JobSync && a.syncing > 0 {
		a.syncing--
	}
	idle := a.syncing == 0
	a.mu.Unlock()

	meta := o.Summary.Metadata
	switch {
	case meta["auth_required"] == true:
		a.logger.Warn("authorization lost", zap.String("job_id", o.JobID))
		_ = a.machine.Transition(status.AuthRequired)
	case meta["rate_limited"] == true:
		wait, _ := meta["wait_seconds"].(int)
		if a.machine.Transition(status.RateLimited) == nil {
			a.logger.Warn("rate limited", zap.Int("wait_seconds", wait))
			a.after(time.Duration(wait)*time.Second, func() {
				if a.machine.Is(status.RateLimited) {
					_ = a.machine.Transition(status.Ready)
				}
			})
		}
	case o.Kind == progress.JobSync && idle && a.machine.Is(status.Syncing):
		_ = a.machine.Transition(status.Ready)
	}
}

func (a *activity) outcome(id string) map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outcomes[id]
}
