package report

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eugenetaranov/leet/internal/machine"
)

// ErrDuplicateOutcome is returned when a target reports twice.
var ErrDuplicateOutcome = errors.New("duplicate outcome")

// Aggregator collects outcomes of one job. It is safe for concurrent use.
type Aggregator struct {
	id      string
	plugin  string
	started time.Time

	mu       sync.Mutex
	outcomes map[machine.Key]Outcome
}

// NewAggregator creates an aggregator for job id.
func NewAggregator(id, pluginName string, started time.Time) *Aggregator {
	return &Aggregator{
		id:       id,
		plugin:   pluginName,
		started:  started,
		outcomes: make(map[machine.Key]Outcome),
	}
}

// Add records the outcome of one target.
func (a *Aggregator) Add(o Outcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := o.Machine.Key()
	if _, dup := a.outcomes[k]; dup {
		return fmt.Errorf("%w for %s", ErrDuplicateOutcome, k)
	}
	a.outcomes[k] = o
	return nil
}

// Len returns the number of outcomes added so far.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.outcomes)
}

// Result merges the outcomes, ordered by machine key.
func (a *Aggregator) Result(finished time.Time) *JobResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := &JobResult{
		ID:       a.id,
		Plugin:   a.plugin,
		Outcomes: make([]Outcome, 0, len(a.outcomes)),
		Total:    len(a.outcomes),
		Started:  a.started,
		Finished: finished,
	}
	for _, o := range a.outcomes {
		r.Outcomes = append(r.Outcomes, o)
		if o.OK() {
			r.Succeeded++
		} else {
			r.Failed++
		}
	}
	sort.Slice(r.Outcomes, func(i, j int) bool {
		return r.Outcomes[i].Machine.Key().Less(r.Outcomes[j].Machine.Key())
	})
	return r
}
