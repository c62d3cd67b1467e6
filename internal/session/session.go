// Package session defines the live command channel to a single machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Output holds the output from command execution.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Entry is one item of a directory listing.
type Entry struct {
	Name    string
	Size    int64
	IsDir   bool
	Mode    string
	ModTime time.Time
}

// Session is the interface a backend returns for one connected machine.
// A session is owned by a single worker for the duration of one job.
type Session interface {
	// RunCommand executes a command on the machine and returns its output.
	// A non-zero exit code is not an error.
	RunCommand(ctx context.Context, cmd string) (*Output, error)

	// ListDirectory returns the entries of a remote directory.
	ListDirectory(ctx context.Context, path string) ([]Entry, error)

	// GetFile returns the content of a remote file.
	GetFile(ctx context.Context, remotePath string) ([]byte, error)

	// Close releases the connection. It must be safe to call more than once.
	Close() error

	// String returns a human-readable description of the session.
	String() string
}

// ErrClosed is returned by calls made on a closed or failed session.
var ErrClosed = errors.New("session is closed")

// Error is a fault raised while a session is executing.
type Error struct {
	// Op is the session operation that failed (run, list, get).
	Op string

	// Target is the command or path the operation was called with.
	Target string

	// Fatal marks the session as no longer usable.
	Fatal bool

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
	if e.Fatal {
		msg += " (session unusable)"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Failf builds a recoverable session error.
func Failf(op, target string, err error) error {
	return &Error{Op: op, Target: target, Err: err}
}

// Fatalf builds a session error that leaves the session unusable.
func Fatalf(op, target string, err error) error {
	return &Error{Op: op, Target: target, Err: err, Fatal: true}
}

// IsFatal reports whether err leaves the session unusable.
func IsFatal(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Fatal
	}
	return errors.Is(err, ErrClosed)
}
