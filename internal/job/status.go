package job

import (
	"context"
	"sort"
	"sync"

	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/report"
)

// TargetState is where one target of a job stands.
type TargetState string

const (
	StatePending    TargetState = "pending"
	StateConnecting TargetState = "connecting"
	StateExecuting  TargetState = "executing"
	StateCompleted  TargetState = "completed"
	StateError      TargetState = "error"
	StateCancelled  TargetState = "cancelled"
)

// Terminal reports whether the target has finished.
func (s TargetState) Terminal() bool {
	return s == StateCompleted || s == StateError || s == StateCancelled
}

// TargetStatus is a snapshot of one target. Failure is set in the error
// and cancelled states.
type TargetStatus struct {
	Machine machine.Key
	State   TargetState
	Failure *report.Failure
}

type targetEntry struct {
	state   TargetState
	failure *report.Failure
	cancel  context.CancelFunc
}

// targetSet tracks per-target state and cancellation for a handle.
type targetSet struct {
	mu      sync.Mutex
	entries map[machine.Key]*targetEntry
}

func newTargetSet() *targetSet {
	return &targetSet{entries: make(map[machine.Key]*targetEntry)}
}

// add registers k as pending and returns the context its worker runs under.
func (t *targetSet) add(ctx context.Context, k machine.Key) context.Context {
	tctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.entries[k] = &targetEntry{state: StatePending, cancel: cancel}
	t.mu.Unlock()
	return tctx
}

// set moves k to state unless it already finished.
func (t *targetSet) set(k machine.Key, state TargetState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[k]; ok && !e.state.Terminal() {
		e.state = state
	}
}

func (t *targetSet) finish(o report.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[o.Machine.Key()]
	if !ok {
		return
	}
	switch {
	case o.OK():
		e.state = StateCompleted
	case o.Failure.Kind == report.KindCancelled:
		e.state = StateCancelled
	default:
		e.state = StateError
	}
	e.failure = o.Failure
	e.cancel()
}

func (t *targetSet) cancel(k machine.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[k]
	if !ok || e.state.Terminal() {
		return false
	}
	e.cancel()
	return true
}

func (t *targetSet) snapshot() []TargetStatus {
	t.mu.Lock()
	out := make([]TargetStatus, 0, len(t.entries))
	for k, e := range t.entries {
		out = append(out, TargetStatus{Machine: k, State: e.state, Failure: e.failure})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Machine.Less(out[j].Machine) })
	return out
}
