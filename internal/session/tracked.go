package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/eugenetaranov/leet/internal/lg"
	"github.com/eugenetaranov/leet/internal/machine"
)

// State is the lifecycle state of a tracked session.
type State int

const (
	Connecting State = iota
	Connected
	Executing
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Executing:
		return "executing"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type trigger string

const (
	triggerAttach  trigger = "attach"
	triggerExecute trigger = "execute"
	triggerFail    trigger = "fail"
)

// transitions lists every allowed move except close, which is valid from
// any state that is not already Closed.
var transitions = map[State]map[trigger]State{
	Connecting: {triggerAttach: Connected, triggerFail: Failed},
	Connected:  {triggerExecute: Executing},
	Executing:  {triggerFail: Failed},
}

// Tracked owns the lifecycle of one session attempt to one machine and
// proxies calls to the backend session while it is usable.
type Tracked struct {
	machine machine.Descriptor
	logger  lg.Logger

	mu      sync.Mutex
	state   State
	inner   Session
	lastErr error
}

var _ Session = (*Tracked)(nil)

// NewTracked starts a tracked session in the Connecting state.
func NewTracked(m machine.Descriptor, logger lg.Logger) *Tracked {
	if logger == nil {
		logger = lg.Discard
	}
	return &Tracked{machine: m, logger: logger, state: Connecting}
}

// State returns the current state.
func (t *Tracked) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the error that moved the session to Failed, if any.
func (t *Tracked) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *Tracked) next(tr trigger) error {
	to, ok := transitions[t.state][tr]
	if !ok {
		return fmt.Errorf("invalid session transition from %s on %s", t.state, tr)
	}
	t.logger.Debug("session state", lg.Stringer("from", t.state), lg.Stringer("to", to))
	t.state = to
	return nil
}

// Attach binds an established backend session. If the tracked session was
// closed meanwhile, s is closed and ErrClosed is returned.
func (t *Tracked) Attach(s Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.next(triggerAttach); err != nil {
		s.Close()
		if t.state == Closed {
			return ErrClosed
		}
		return err
	}
	t.inner = s
	return nil
}

// Begin moves a connected session to Executing.
func (t *Tracked) Begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Closed || t.state == Failed {
		return ErrClosed
	}
	return t.next(triggerExecute)
}

// Fail records err and moves the session to Failed when allowed.
func (t *Tracked) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.next(triggerFail) == nil {
		t.lastErr = err
	}
}

// usable returns the inner session if calls may be proxied.
func (t *Tracked) usable() (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Connected && t.state != Executing {
		return nil, ErrClosed
	}
	return t.inner, nil
}

// observe moves the session to Failed on fatal errors.
func (t *Tracked) observe(err error) {
	if err != nil && IsFatal(err) {
		t.Fail(err)
	}
}

// RunCommand proxies to the backend session.
func (t *Tracked) RunCommand(ctx context.Context, cmd string) (*Output, error) {
	s, err := t.usable()
	if err != nil {
		return nil, Fatalf("run", cmd, err)
	}
	out, err := s.RunCommand(ctx, cmd)
	t.observe(err)
	return out, err
}

// ListDirectory proxies to the backend session.
func (t *Tracked) ListDirectory(ctx context.Context, path string) ([]Entry, error) {
	s, err := t.usable()
	if err != nil {
		return nil, Fatalf("list", path, err)
	}
	entries, err := s.ListDirectory(ctx, path)
	t.observe(err)
	return entries, err
}

// GetFile proxies to the backend session.
func (t *Tracked) GetFile(ctx context.Context, remotePath string) ([]byte, error) {
	s, err := t.usable()
	if err != nil {
		return nil, Fatalf("get", remotePath, err)
	}
	data, err := s.GetFile(ctx, remotePath)
	t.observe(err)
	return data, err
}

// Close releases the backend session. It is idempotent and always returns
// nil; failures of the underlying close are only logged.
func (t *Tracked) Close() error {
	t.mu.Lock()
	if t.state == Closed {
		t.mu.Unlock()
		return nil
	}
	inner := t.inner
	t.logger.Debug("session state", lg.Stringer("from", t.state), lg.Stringer("to", Closed))
	t.state = Closed
	t.inner = nil
	t.mu.Unlock()

	if inner != nil {
		if err := inner.Close(); err != nil {
			t.logger.Warn("failed to close session", lg.Err(err))
		}
	}
	return nil
}

// String returns a description of the session.
func (t *Tracked) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inner != nil {
		return t.inner.String()
	}
	return fmt.Sprintf("%s [%s]", t.machine, t.state)
}
