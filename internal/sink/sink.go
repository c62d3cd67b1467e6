// Package sink streams job outcomes to NATS as they complete.
package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/eugenetaranov/leet/internal/lg"
	"github.com/eugenetaranov/leet/internal/plugin"
	"github.com/eugenetaranov/leet/internal/report"
)

// SubjectPrefix is the root of every subject the sink publishes on.
const SubjectPrefix = "leet"

// ErrNotConnected is returned when publishing on a closed connection.
var ErrNotConnected = errors.New("nats not connected")

// OutcomeSubject returns the subject outcomes of a job are published on.
func OutcomeSubject(jobID string) string {
	return SubjectPrefix + ".outcomes." + jobID
}

// ResultSubject returns the subject the job summary is published on.
func ResultSubject(jobID string) string {
	return SubjectPrefix + ".results." + jobID
}

// Record is the wire form of one outcome.
type Record struct {
	Job         string       `json:"job"`
	Plugin      string       `json:"plugin"`
	Backend     string       `json:"backend"`
	MachineID   string       `json:"machine_id"`
	Machine     string       `json:"machine"`
	OK          bool         `json:"ok"`
	Kind        string       `json:"kind,omitempty"`
	Error       string       `json:"error,omitempty"`
	Rows        []plugin.Row `json:"rows,omitempty"`
	SideEffects bool         `json:"side_effects,omitempty"`
	Attempts    int          `json:"attempts"`
	DurationMS  int64        `json:"duration_ms"`
}

// NewRecord converts an outcome of job jobID.
func NewRecord(jobID, pluginName string, o report.Outcome) Record {
	r := Record{
		Job:         jobID,
		Plugin:      pluginName,
		Backend:     o.Machine.Backend(),
		MachineID:   o.Machine.ID(),
		Machine:     o.Machine.Name(),
		OK:          o.OK(),
		Rows:        o.Rows,
		SideEffects: o.SideEffects,
		Attempts:    o.Attempts,
		DurationMS:  o.Duration.Milliseconds(),
	}
	if o.Failure != nil {
		r.Kind = string(o.Failure.Kind)
		r.Error = o.Failure.Message
	}
	return r
}

// Summary is the wire form of a finished job.
type Summary struct {
	Job       string    `json:"job"`
	Plugin    string    `json:"plugin"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
}

// NewSummary converts a job result.
func NewSummary(r *report.JobResult) Summary {
	return Summary{
		Job:       r.ID,
		Plugin:    r.Plugin,
		Total:     r.Total,
		Succeeded: r.Succeeded,
		Failed:    r.Failed,
		Started:   r.Started,
		Finished:  r.Finished,
	}
}

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	IsClosed() bool
	Drain() error
	Close()
}

// Publisher publishes outcomes on NATS.
type Publisher struct {
	nc     Conn
	logger lg.Logger
}

// Connect dials the NATS server at url. The connection reconnects forever.
func Connect(url string, logger lg.Logger) (*Publisher, error) {
	if logger == nil {
		logger = lg.Discard
	}
	opts := []nats.Option{
		nats.Name("leet"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", lg.Err(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", lg.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return New(nc, logger), nil
}

// New wraps an existing connection.
func New(nc Conn, logger lg.Logger) *Publisher {
	if logger == nil {
		logger = lg.Discard
	}
	return &Publisher{nc: nc, logger: logger}
}

// Outcome publishes one outcome of job jobID.
func (p *Publisher) Outcome(jobID, pluginName string, o report.Outcome) error {
	return p.publish(OutcomeSubject(jobID), NewRecord(jobID, pluginName, o))
}

// Result publishes the summary of a finished job.
func (p *Publisher) Result(r *report.JobResult) error {
	return p.publish(ResultSubject(r.ID), NewSummary(r))
}

func (p *Publisher) publish(subject string, v any) error {
	if p.nc == nil || p.nc.IsClosed() {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", subject, err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Debug("nats drain failed", lg.Err(err))
	}
	p.nc.Close()
}
