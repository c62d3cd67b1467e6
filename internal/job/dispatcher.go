package job

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/eugenetaranov/leet/internal/backend"
	"github.com/eugenetaranov/leet/internal/lg"
	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/metrics"
	"github.com/eugenetaranov/leet/internal/plugin"
	"github.com/eugenetaranov/leet/internal/report"
)

// Dispatcher runs jobs against the backends of a set.
type Dispatcher struct {
	backends *backend.Set
	logger   lg.Logger
	retry    RetryPolicy
	metrics  *metrics.Recorder
	newTimer func() backoff.Timer
	clock    backoff.Clock
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l lg.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithRetryPolicy sets the default retry policy for session establishment.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(d *Dispatcher) {
		d.retry = p
	}
}

// WithMetrics records job and session metrics on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(d *Dispatcher) {
		d.metrics = r
	}
}

// WithTimer replaces the timer used between connection attempts.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(d *Dispatcher) {
		d.newTimer = newTimer
	}
}

// WithClock replaces the clock used to measure retry timeouts.
func WithClock(c backoff.Clock) Option {
	return func(d *Dispatcher) {
		d.clock = c
	}
}

// NewDispatcher creates a dispatcher over the given backends.
func NewDispatcher(backends *backend.Set, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		backends: backends,
		logger:   lg.Discard,
		retry:    DefaultRetryPolicy(),
		clock:    backoff.SystemClock,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit validates req, builds the plugin instance and starts the job.
// Only an *InvalidJobError is returned; per-target problems are reported
// as outcomes on the handle.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*Handle, error) {
	if req.Plugin == nil {
		return nil, invalid("no plugin")
	}
	if len(req.Targets) == 0 {
		return nil, invalid("no targets")
	}
	if req.Concurrency < 1 {
		return nil, invalid("concurrency must be at least 1, got %d", req.Concurrency)
	}

	policy := d.retry
	if req.Retry != nil {
		policy = *req.Retry
	}
	if err := policy.Validate(); err != nil {
		return nil, &InvalidJobError{Reason: "bad retry policy", Err: err}
	}

	seen := make(map[machine.Key]bool, len(req.Targets))
	for _, m := range req.Targets {
		if m.IsZero() {
			return nil, invalid("empty machine descriptor")
		}
		if _, ok := d.backends.Get(m.Backend()); !ok {
			return nil, invalid("no backend %q for machine %s", m.Backend(), m)
		}
		if seen[m.Key()] {
			return nil, invalid("duplicate target %s", m.Key())
		}
		seen[m.Key()] = true
	}

	inst, err := plugin.Build(req.Plugin, req.Args)
	if err != nil {
		return nil, &InvalidJobError{Reason: "plugin arguments", Err: err}
	}

	id := uuid.NewString()
	jobCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		id:       id,
		total:    len(req.Targets),
		outcomes: make(chan report.Outcome, len(req.Targets)),
		done:     make(chan struct{}),
		cancel:   cancel,
		agg:      report.NewAggregator(id, req.Plugin.Name(), time.Now()),
		targets:  newTargetSet(),
	}
	targetCtx := make([]context.Context, len(req.Targets))
	for i, m := range req.Targets {
		targetCtx[i] = h.targets.add(jobCtx, m.Key())
	}

	logger := d.logger.With(lg.String("job", id), lg.String("plugin", req.Plugin.Name()))
	logger.Info("job started", lg.Int("targets", len(req.Targets)), lg.Int("concurrency", req.Concurrency))
	d.metrics.JobStarted(req.Plugin.Name())

	j := &run{
		dispatcher: d,
		plugin:     req.Plugin.Name(),
		instance:   inst,
		policy:     policy,
		logger:     logger,
		targets:    h.targets,
	}

	go func() {
		defer cancel()

		var g errgroup.Group
		g.SetLimit(req.Concurrency)
		for i, m := range req.Targets {
			i, m := i, m
			g.Go(func() error {
				o := j.target(targetCtx[i], m)
				h.finish(o)
				d.metrics.TargetFinished(j.plugin, resultLabel(o), o.Duration)
				return nil
			})
		}
		_ = g.Wait()

		h.result = h.agg.Result(time.Now())
		close(h.outcomes)
		logger.Info("job finished",
			lg.Int("succeeded", h.result.Succeeded),
			lg.Int("failed", h.result.Failed),
			lg.Duration("elapsed", h.result.Elapsed()))
		close(h.done)
	}()

	return h, nil
}

func resultLabel(o report.Outcome) string {
	if o.OK() {
		return "ok"
	}
	return string(o.Failure.Kind)
}
