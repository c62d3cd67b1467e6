// Package sessiontest provides an in-memory session for tests.
package sessiontest

import (
	"context"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"

	"github.com/eugenetaranov/leet/internal/session"
)

// Fake is a scripted session. Unknown commands exit 127; unknown paths
// return fs.ErrNotExist wrapped in a *session.Error.
type Fake struct {
	Name     string
	Commands map[string]session.Output
	Dirs     map[string][]session.Entry
	Files    map[string][]byte

	// Err, when set, is returned by every call.
	Err error

	mu     sync.Mutex
	ran    []string
	closed atomic.Int32
}

// RunCommand returns the scripted output for cmd.
func (f *Fake) RunCommand(ctx context.Context, cmd string) (*session.Output, error) {
	if err := f.check(ctx, "run"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.ran = append(f.ran, cmd)
	f.mu.Unlock()

	out, ok := f.Commands[cmd]
	if !ok {
		return &session.Output{Stderr: "sh: command not found\n", ExitCode: 127}, nil
	}
	return &out, nil
}

// ListDirectory returns the scripted entries of path.
func (f *Fake) ListDirectory(ctx context.Context, path string) ([]session.Entry, error) {
	if err := f.check(ctx, "list"); err != nil {
		return nil, err
	}
	entries, ok := f.Dirs[path]
	if !ok {
		return nil, session.Failf("list", f.String(), fmt.Errorf("%s: %w", path, fs.ErrNotExist))
	}
	return append([]session.Entry{}, entries...), nil
}

// GetFile returns the scripted content of path.
func (f *Fake) GetFile(ctx context.Context, path string) ([]byte, error) {
	if err := f.check(ctx, "get"); err != nil {
		return nil, err
	}
	data, ok := f.Files[path]
	if !ok {
		return nil, session.Failf("get", f.String(), fmt.Errorf("%s: %w", path, fs.ErrNotExist))
	}
	return append([]byte{}, data...), nil
}

func (f *Fake) check(ctx context.Context, op string) error {
	if f.closed.Load() > 0 {
		return session.Fatalf(op, f.String(), session.ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return session.Failf(op, f.String(), err)
	}
	return f.Err
}

// Close records the call.
func (f *Fake) Close() error {
	f.closed.Add(1)
	return nil
}

// Closed returns how many times Close was called.
func (f *Fake) Closed() int {
	return int(f.closed.Load())
}

// Ran returns the commands executed so far.
func (f *Fake) Ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.ran...)
}

// String returns the session name.
func (f *Fake) String() string {
	if f.Name == "" {
		return "fake"
	}
	return "fake://" + f.Name
}

var _ session.Session = (*Fake)(nil)
