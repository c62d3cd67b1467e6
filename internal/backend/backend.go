// Package backend defines the interface to remote-management systems that
// can enumerate machines and open sessions to them.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/session"
)

// Filter selects machines when listing.
type Filter struct {
	// Names restricts the result to machines with these display names.
	Names []string

	// Metadata requires every key/value to be present on the machine.
	Metadata map[string]string
}

// Match reports whether m satisfies the filter.
func (f Filter) Match(m machine.Descriptor) bool {
	if len(f.Names) > 0 {
		found := false
		for _, n := range f.Names {
			if n == m.Name() || n == m.ID() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return m.Matches(f.Metadata)
}

// Backend is the interface every backend implementation must satisfy.
type Backend interface {
	// ID returns the unique name of this configured backend.
	ID() string

	// ListMachines returns the machines known to the backend.
	ListMachines(ctx context.Context, filter Filter) ([]machine.Descriptor, error)

	// OpenSession connects to a machine. Errors should be *ConnectError so the
	// dispatcher can tell transient faults from terminal ones.
	OpenSession(ctx context.Context, m machine.Descriptor) (session.Session, error)

	// Close releases backend-wide resources.
	Close() error
}

// ConnectKind classifies a connection failure.
type ConnectKind int

const (
	// Transient failures (network, timeout, machine offline) are retried.
	Transient ConnectKind = iota
	// Terminal failures (authorization, unknown machine) are not.
	Terminal
)

func (k ConnectKind) String() string {
	if k == Transient {
		return "transient"
	}
	return "terminal"
}

// ConnectError is returned by OpenSession when a session cannot be opened.
type ConnectError struct {
	Kind    ConnectKind
	Machine machine.Key
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s (%s): %v", e.Machine, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// TransientError wraps err as a retryable connection failure.
func TransientError(m machine.Descriptor, err error) error {
	return &ConnectError{Kind: Transient, Machine: m.Key(), Err: err}
}

// TerminalError wraps err as a non-retryable connection failure.
func TerminalError(m machine.Descriptor, err error) error {
	return &ConnectError{Kind: Terminal, Machine: m.Key(), Err: err}
}

// IsTransient reports whether err is a retryable connection failure.
func IsTransient(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce) && ce.Kind == Transient
}

// ErrMachineOffline is used by backends for machines that exist but cannot
// be reached right now.
var ErrMachineOffline = errors.New("machine is offline")

// ErrUnknownMachine is used by backends for machines they do not know.
var ErrUnknownMachine = errors.New("unknown machine")
