package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/eugenetaranov/leet/internal/backend"
	"github.com/eugenetaranov/leet/internal/job"
	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/plugin"
)

// JobFile is a job definition read from YAML.
type JobFile struct {
	// Path is the file path the job was loaded from.
	Path string `yaml:"-"`

	Plugin      string         `yaml:"plugin" validate:"required"`
	Args        map[string]any `yaml:"args"`
	Concurrency int            `yaml:"concurrency" validate:"gte=0"`
	Retry       Retry          `yaml:"retry"`
	Targets     []Target       `yaml:"targets" validate:"required,min=1,dive"`
}

// Retry holds the optional retry overrides of a job file. Zero values
// keep the defaults.
type Retry struct {
	InitialInterval time.Duration `yaml:"initial_interval" validate:"gte=0"`
	MaxInterval     time.Duration `yaml:"max_interval" validate:"gte=0"`
	Multiplier      float64       `yaml:"multiplier" validate:"omitempty,gte=1"`
	Jitter          *float64      `yaml:"jitter" validate:"omitempty,gte=0,lte=1"`
	MaxAttempts     int           `yaml:"max_attempts" validate:"gte=0"`
	Timeout         time.Duration `yaml:"timeout" validate:"gte=0"`
}

// Target selects machines on one backend.
type Target struct {
	Backend string `yaml:"backend" validate:"required"`

	// Machines are names or IDs to look up.
	Machines []string `yaml:"machines" validate:"dive,required"`

	// All selects every machine the backend lists.
	All bool `yaml:"all"`

	// Metadata narrows the selection to machines carrying every pair.
	Metadata map[string]string `yaml:"metadata"`
}

// LoadJob reads a job definition from a YAML file.
func LoadJob(path string) (*JobFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job: %w", err)
	}

	jf, err := ParseJob(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse job %s: %w", path, err)
	}
	jf.Path = path
	return jf, nil
}

// ParseJob parses a job definition from YAML data.
func ParseJob(data []byte) (*JobFile, error) {
	var jf JobFile
	if err := decodeStrict(data, &jf); err != nil {
		return nil, err
	}
	if jf.Concurrency == 0 {
		jf.Concurrency = DefaultConcurrency
	}
	if err := jf.Validate(); err != nil {
		return nil, err
	}
	return &jf, nil
}

// Validate checks the job for common errors.
func (jf *JobFile) Validate() error {
	if err := structErr(validate.Struct(jf)); err != nil {
		return err
	}

	for i, t := range jf.Targets {
		if t.All && len(t.Machines) > 0 {
			return fmt.Errorf("target %d (%s): all and machines are mutually exclusive", i+1, t.Backend)
		}
		if !t.All && len(t.Machines) == 0 && len(t.Metadata) == 0 {
			return fmt.Errorf("target %d (%s): select machines, all or metadata", i+1, t.Backend)
		}
	}

	if err := jf.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

// RetryPolicy merges the job's retry overrides into the default policy.
func (jf *JobFile) RetryPolicy() job.RetryPolicy {
	p := job.DefaultRetryPolicy()
	r := jf.Retry
	if r.InitialInterval > 0 {
		p.InitialInterval = r.InitialInterval
	}
	if r.MaxInterval > 0 {
		p.MaxInterval = r.MaxInterval
	}
	if r.Multiplier > 0 {
		p.Multiplier = r.Multiplier
	}
	if r.Jitter != nil {
		p.Jitter = *r.Jitter
	}
	p.MaxAttempts = r.MaxAttempts
	p.Timeout = r.Timeout
	return p
}

// Request builds a dispatcher request for the resolved targets.
func (jf *JobFile) Request(targets []machine.Descriptor) (job.Request, error) {
	p, err := plugin.Lookup(jf.Plugin)
	if err != nil {
		return job.Request{}, err
	}
	retry := jf.RetryPolicy()
	return job.Request{
		Plugin:      p,
		Args:        plugin.Args(jf.Args),
		Targets:     targets,
		Concurrency: jf.Concurrency,
		Retry:       &retry,
	}, nil
}

// MissingError lists target names that no backend reported.
type MissingError struct {
	Backend string
	Names   []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("backend %s: machines not found: %v", e.Backend, e.Names)
}

// Resolve turns targets into machine descriptors using the backends of set.
// Machines selected by several targets are returned once. Names that match
// nothing are reported as *MissingError after all targets were resolved,
// together with the machines that were found.
func Resolve(ctx context.Context, set *backend.Set, targets []Target) ([]machine.Descriptor, error) {
	var (
		out     []machine.Descriptor
		seen    = make(map[machine.Key]bool)
		missing *MissingError
	)
	add := func(ms []machine.Descriptor) {
		for _, m := range ms {
			if seen[m.Key()] {
				continue
			}
			seen[m.Key()] = true
			out = append(out, m)
		}
	}

	for _, t := range targets {
		b, ok := set.Get(t.Backend)
		if !ok {
			return nil, fmt.Errorf("%w: %s", backend.ErrUnknownBackend, t.Backend)
		}

		if len(t.Machines) == 0 {
			ms, err := b.ListMachines(ctx, backend.Filter{Metadata: t.Metadata})
			if err != nil {
				return nil, fmt.Errorf("failed to list machines on %s: %w", t.Backend, err)
			}
			add(ms)
			continue
		}

		ms, notFound, err := backend.FindByNames(ctx, b, t.Machines)
		if err != nil {
			return nil, err
		}
		filtered := ms[:0]
		for _, m := range ms {
			if m.Matches(t.Metadata) {
				filtered = append(filtered, m)
			}
		}
		add(filtered)
		if len(notFound) > 0 && missing == nil {
			missing = &MissingError{Backend: t.Backend, Names: notFound}
		}
	}

	machine.SortByKey(out)
	if missing != nil {
		return out, missing
	}
	return out, nil
}
