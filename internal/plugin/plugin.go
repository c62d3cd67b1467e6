// Package plugin defines the contract between the dispatcher and the units
// of work it fans out to machines.
//
// A Plugin is registered once per process. For every job the dispatcher
// builds exactly one Instance from the job arguments and calls its Run
// method concurrently, once per target machine. Instances must therefore
// keep nothing but their parsed configuration.
package plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/session"
)

// Row maps a column name to a scalar value.
type Row map[string]any

// Result is what a plugin returns for one machine.
type Result struct {
	// Rows is the tabular output. A non-nil empty slice is a valid empty
	// listing; nil is only allowed together with SideEffects.
	Rows []Row

	// SideEffects marks plugins whose value is what they did rather than
	// what they returned.
	SideEffects bool
}

// Empty returns a valid result with zero rows.
func Empty() Result {
	return Result{Rows: []Row{}}
}

// Rows returns a result holding rows.
func Rows(rows ...Row) Result {
	if rows == nil {
		rows = []Row{}
	}
	return Result{Rows: rows}
}

// Validate checks the result against the row contract.
func (r Result) Validate() error {
	if r.Rows == nil && !r.SideEffects {
		return &ContractViolation{Row: -1, Reason: "no rows returned"}
	}
	for i, row := range r.Rows {
		if row == nil {
			return &ContractViolation{Row: i, Reason: "row is nil"}
		}
		for col, v := range row {
			if col == "" {
				return &ContractViolation{Row: i, Reason: "empty column name"}
			}
			if !IsScalar(v) {
				return &ContractViolation{Row: i, Column: col, Reason: fmt.Sprintf("value of type %T is not a scalar", v)}
			}
		}
	}
	return nil
}

// IsScalar reports whether v may appear as a row value.
func IsScalar(v any) bool {
	switch v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64,
		time.Time, time.Duration:
		return true
	}
	return false
}

// Instance is a plugin configured for one job.
type Instance interface {
	// Run executes the plugin against one machine through s. It is called
	// concurrently for different machines and must not mutate the instance.
	Run(ctx context.Context, s session.Session, m machine.Descriptor) (Result, error)
}

// Param documents one plugin argument.
type Param struct {
	Name        string
	Description string
	Required    bool
}

// Plugin is the interface that all plugins must implement.
type Plugin interface {
	// Name returns the plugin's unique identifier.
	Name() string

	// Description is a one-line summary shown in listings.
	Description() string

	// Params describes the accepted arguments.
	Params() []Param

	// New parses args and returns the job's instance.
	New(args Args) (Instance, error)
}

// InstanceFunc adapts a function to the Instance interface.
type InstanceFunc func(ctx context.Context, s session.Session, m machine.Descriptor) (Result, error)

// Run calls f.
func (f InstanceFunc) Run(ctx context.Context, s session.Session, m machine.Descriptor) (Result, error) {
	return f(ctx, s, m)
}

// ContractViolation is reported when a plugin returns malformed rows.
type ContractViolation struct {
	// Row is the index of the offending row, or -1 for the whole result.
	Row    int
	Column string
	Reason string
}

func (e *ContractViolation) Error() string {
	switch {
	case e.Row < 0:
		return "contract violation: " + e.Reason
	case e.Column != "":
		return fmt.Sprintf("contract violation in row %d, column %q: %s", e.Row, e.Column, e.Reason)
	default:
		return fmt.Sprintf("contract violation in row %d: %s", e.Row, e.Reason)
	}
}

// Error wraps a failure raised by a plugin's Run, including panics.
type Error struct {
	Plugin string
	Err    error

	// Panic holds the recovered value when Run panicked.
	Panic any
}

func (e *Error) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("plugin %s panicked: %v", e.Plugin, e.Panic)
	}
	return fmt.Sprintf("plugin %s: %v", e.Plugin, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
