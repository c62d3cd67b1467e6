package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/eugenetaranov/leet/internal/backend"
	"github.com/eugenetaranov/leet/internal/lg"
	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/plugin"
	"github.com/eugenetaranov/leet/internal/report"
	"github.com/eugenetaranov/leet/internal/session"
)

// run holds what every worker of one job shares. All fields are read-only.
type run struct {
	dispatcher *Dispatcher
	plugin     string
	instance   plugin.Instance
	policy     RetryPolicy
	logger     lg.Logger
	targets    *targetSet
}

// target processes one machine and returns its outcome. The session is
// closed on every path before it returns.
func (j *run) target(ctx context.Context, m machine.Descriptor) report.Outcome {
	start := time.Now()
	logger := j.logger.With(lg.Stringer("machine", m.Key()), lg.String("name", m.Name()))

	o, attempts := j.execute(ctx, m, logger)
	o.Attempts = attempts
	o.Duration = time.Since(start)

	if o.OK() {
		logger.Debug("target succeeded", lg.Int("rows", len(o.Rows)), lg.Duration("elapsed", o.Duration))
	} else {
		logger.Warn("target failed",
			lg.String("kind", string(o.Failure.Kind)),
			lg.String("error", o.Failure.Message),
			lg.Int("attempts", attempts))
	}
	return o
}

func (j *run) execute(ctx context.Context, m machine.Descriptor, logger lg.Logger) (report.Outcome, int) {
	if err := ctx.Err(); err != nil {
		return report.Failed(m, err), 0
	}
	j.targets.set(m.Key(), StateConnecting)

	b, _ := j.dispatcher.backends.Get(m.Backend())
	tracked := session.NewTracked(m, logger)
	defer tracked.Close()

	// cancellation closes the session so blocked I/O returns
	stop := context.AfterFunc(ctx, func() { tracked.Close() })
	defer stop()

	attempts, err := j.connect(ctx, b, m, tracked, logger)
	if err != nil {
		tracked.Fail(err)
		return report.Failed(m, err), attempts
	}
	j.dispatcher.metrics.SessionOpened(b.ID())
	defer j.dispatcher.metrics.SessionClosed(b.ID())

	if err := tracked.Begin(); err != nil {
		return report.Failed(m, j.cancelled(ctx, err)), attempts
	}
	j.targets.set(m.Key(), StateExecuting)

	res, err := j.invoke(ctx, tracked, m)
	if err != nil {
		return report.Failed(m, j.cancelled(ctx, err)), attempts
	}
	if err := res.Validate(); err != nil {
		return report.Failed(m, err), attempts
	}
	return report.Success(m, res), attempts
}

// connect opens a session, retrying transient failures according to the
// job's policy.
func (j *run) connect(ctx context.Context, b backend.Backend, m machine.Descriptor, tracked *session.Tracked, logger lg.Logger) (int, error) {
	attempts := 0
	op := func() error {
		attempts++
		s, err := b.OpenSession(ctx, m)
		j.dispatcher.metrics.ConnectAttempt(b.ID(), err)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if backend.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := tracked.Attach(s); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.Debug("connection failed, retrying",
			lg.Err(err),
			lg.Int("attempt", attempts),
			lg.Duration("next", next))
	}

	bo := backoff.WithContext(j.policy.backOff(j.dispatcher.clock), ctx)
	var timer backoff.Timer
	if j.dispatcher.newTimer != nil {
		timer = j.dispatcher.newTimer()
	}
	err := backoff.RetryNotifyWithTimer(op, bo, notify, timer)
	if err == nil {
		return attempts, nil
	}

	if ctx.Err() != nil {
		return attempts, ctx.Err()
	}
	var ce *backend.ConnectError
	if !errors.As(err, &ce) {
		// unclassified errors are never retried
		err = backend.TerminalError(m, err)
	}
	return attempts, err
}

// invoke calls the plugin, turning panics and plain errors into *plugin.Error.
func (j *run) invoke(ctx context.Context, s session.Session, m machine.Descriptor) (res plugin.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &plugin.Error{Plugin: j.plugin, Panic: r}
		}
	}()

	res, err = j.instance.Run(ctx, s, m)
	if err != nil {
		var perr *plugin.Error
		var cv *plugin.ContractViolation
		if !errors.As(err, &perr) && !errors.As(err, &cv) {
			err = &plugin.Error{Plugin: j.plugin, Err: err}
		}
	}
	return res, err
}

// cancelled replaces err with the context error when the job was cancelled.
func (j *run) cancelled(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%w (%v)", cerr, err)
	}
	return err
}
