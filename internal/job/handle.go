package job

import (
	"context"
	"sync/atomic"

	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/report"
)

// Handle is the caller's view of a running job.
type Handle struct {
	id       string
	total    int
	finished atomic.Int32
	outcomes chan report.Outcome
	done     chan struct{}
	cancel   context.CancelFunc
	agg      *report.Aggregator
	result   *report.JobResult
	targets  *targetSet
}

// ID returns the job ID.
func (h *Handle) ID() string {
	return h.id
}

// Outcomes streams outcomes in completion order. The channel is buffered
// for every target and closed when the job ends, so it never blocks
// workers and may be ignored.
func (h *Handle) Outcomes() <-chan report.Outcome {
	return h.outcomes
}

// Done is closed when every worker has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job ends and returns the merged result.
func (h *Handle) Wait() *report.JobResult {
	<-h.done
	return h.result
}

// Cancel stops the job. Queued targets fail as cancelled, running workers
// close their sessions. Cancel returns once every worker has exited.
func (h *Handle) Cancel() {
	h.cancel()
	<-h.done
}

// Progress returns the number of finished targets and the total.
func (h *Handle) Progress() (done, total int) {
	return int(h.finished.Load()), h.total
}

// Status returns the state of every target, ordered by machine key.
func (h *Handle) Status() []TargetStatus {
	return h.targets.snapshot()
}

// CancelTarget stops one target and leaves the rest of the job running.
// A pending target fails as cancelled without connecting; a running one
// has its session closed. It reports false when k is not a target of the
// job or has already finished.
func (h *Handle) CancelTarget(k machine.Key) bool {
	return h.targets.cancel(k)
}

func (h *Handle) finish(o report.Outcome) {
	// a duplicate would mean a dispatcher bug; targets are unique by Submit
	if err := h.agg.Add(o); err != nil {
		panic(err)
	}
	h.targets.finish(o)
	h.finished.Add(1)
	h.outcomes <- o
}
