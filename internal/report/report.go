// Package report assembles per-machine outcomes into a job result.
package report

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/eugenetaranov/leet/internal/backend"
	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/plugin"
	"github.com/eugenetaranov/leet/internal/session"
)

// Kind classifies a failure.
type Kind string

const (
	KindConnect   Kind = "ConnectError"
	KindSession   Kind = "SessionError"
	KindPlugin    Kind = "PluginError"
	KindContract  Kind = "ContractViolation"
	// KindCancelled covers job cancellation and an expired job deadline.
	KindCancelled Kind = "Cancelled"
)

// Failure is the normalized shape of every per-machine error.
type Failure struct {
	Kind    Kind
	Message string
	Machine machine.Key

	// Err is the original error, for callers that need errors.As.
	Err error
}

func (f *Failure) Error() string {
	return string(f.Kind) + ": " + f.Message
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Normalize maps err onto a Failure for machine m.
func Normalize(m machine.Descriptor, err error) *Failure {
	f := &Failure{Machine: m.Key(), Message: err.Error(), Err: err}

	var (
		cv   *plugin.ContractViolation
		ce   *backend.ConnectError
		se   *session.Error
		perr *plugin.Error
	)
	switch {
	case errors.Is(err, context.Canceled):
		f.Kind = KindCancelled
	case errors.As(err, &cv):
		f.Kind = KindContract
	case errors.As(err, &ce):
		f.Kind = KindConnect
	case errors.As(err, &perr) && perr.Panic != nil:
		f.Kind = KindPlugin
	case errors.As(err, &se):
		f.Kind = KindSession
	case errors.As(err, &perr):
		f.Kind = KindPlugin
	case errors.Is(err, context.DeadlineExceeded):
		// the job's deadline passed outside the plugin
		f.Kind = KindCancelled
	default:
		f.Kind = KindPlugin
	}
	return f
}

// Outcome is the result of one target: rows on success or a failure.
type Outcome struct {
	Machine     machine.Descriptor
	Rows        []plugin.Row
	SideEffects bool
	Failure     *Failure

	// Attempts is the number of connection attempts made.
	Attempts int
	Duration time.Duration
}

// OK reports whether the target succeeded.
func (o Outcome) OK() bool {
	return o.Failure == nil
}

// Success builds a successful outcome from a plugin result.
func Success(m machine.Descriptor, res plugin.Result) Outcome {
	return Outcome{Machine: m, Rows: res.Rows, SideEffects: res.SideEffects}
}

// Failed builds a failed outcome from err.
func Failed(m machine.Descriptor, err error) Outcome {
	return Outcome{Machine: m, Failure: Normalize(m, err)}
}

// JobResult is the merged result of a job. It is not modified after being
// returned by Aggregator.Result.
type JobResult struct {
	ID       string
	Plugin   string
	Outcomes []Outcome

	Succeeded int
	Failed    int
	Total     int

	Started  time.Time
	Finished time.Time
}

// Lookup returns the outcome of the machine with key k.
func (r *JobResult) Lookup(k machine.Key) (Outcome, bool) {
	i := sort.Search(len(r.Outcomes), func(i int) bool {
		return !r.Outcomes[i].Machine.Key().Less(k)
	})
	if i < len(r.Outcomes) && r.Outcomes[i].Machine.Key() == k {
		return r.Outcomes[i], true
	}
	return Outcome{}, false
}

// Failures returns the failed outcomes.
func (r *JobResult) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// Columns returns the sorted union of all row columns.
func (r *JobResult) Columns() []string {
	seen := make(map[string]bool)
	for _, o := range r.Outcomes {
		for _, row := range o.Rows {
			for col := range row {
				seen[col] = true
			}
		}
	}
	cols := make([]string, 0, len(seen))
	for col := range seen {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// Column names prepended by Rows.
const (
	ColumnBackend = "backend"
	ColumnMachine = "machine"
)

// Rows flattens all successful rows, adding the backend and machine name.
// Plugin columns with the same names are overwritten.
func (r *JobResult) Rows() []plugin.Row {
	var out []plugin.Row
	for _, o := range r.Outcomes {
		for _, row := range o.Rows {
			flat := make(plugin.Row, len(row)+2)
			for k, v := range row {
				flat[k] = v
			}
			flat[ColumnBackend] = o.Machine.Backend()
			flat[ColumnMachine] = o.Machine.Name()
			out = append(out, flat)
		}
	}
	return out
}

// Elapsed returns the wall-clock duration of the job.
func (r *JobResult) Elapsed() time.Duration {
	return r.Finished.Sub(r.Started)
}
