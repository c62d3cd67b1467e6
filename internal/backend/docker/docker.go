// Package docker provides a backend whose machines are the containers of a
// Docker engine.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/eugenetaranov/leet/internal/backend"
	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/session"
)

// TypeName is the inventory type of this backend.
const TypeName = "docker"

// LabelPrefix prefixes container labels copied into machine metadata.
const LabelPrefix = "label."

func init() {
	backend.RegisterType(TypeName, func(cfg backend.Config) (backend.Backend, error) {
		var opts struct {
			Host    string            `yaml:"host"`
			Labels  map[string]string `yaml:"labels"`
			User    string            `yaml:"user"`
			Workdir string            `yaml:"workdir"`
			Env     map[string]string `yaml:"env"`
			All     bool              `yaml:"all"`
		}
		if err := backend.DecodeOptions(cfg.Options, &opts); err != nil {
			return nil, err
		}

		clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if opts.Host != "" {
			clientOpts = append(clientOpts, client.WithHost(opts.Host))
		}
		cli, err := client.NewClientWithOpts(clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}

		o := []Option{WithLabels(opts.Labels)}
		if opts.User != "" {
			o = append(o, WithUser(opts.User))
		}
		if opts.Workdir != "" {
			o = append(o, WithWorkdir(opts.Workdir))
		}
		for k, v := range opts.Env {
			o = append(o, WithEnv(k, v))
		}
		if opts.All {
			o = append(o, WithStopped())
		}
		return New(cfg.Name, cli, o...), nil
	})
}

// API is the subset of the Docker client used by the backend.
type API interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	Close() error
}

// Backend lists containers and opens exec sessions into them.
type Backend struct {
	id      string
	api     API
	labels  map[string]string
	all     bool
	user    string
	workdir string
	env     map[string]string
}

// Option configures the Docker backend.
type Option func(*Backend)

// WithLabels restricts the machines to containers carrying all labels.
func WithLabels(labels map[string]string) Option {
	return func(b *Backend) {
		for k, v := range labels {
			b.labels[k] = v
		}
	}
}

// WithStopped includes stopped containers in listings. Sessions to them
// fail as transient until they are started.
func WithStopped() Option {
	return func(b *Backend) {
		b.all = true
	}
}

// WithUser sets the user for command execution.
func WithUser(user string) Option {
	return func(b *Backend) {
		b.user = user
	}
}

// WithWorkdir sets the working directory for command execution.
func WithWorkdir(dir string) Option {
	return func(b *Backend) {
		b.workdir = dir
	}
}

// WithEnv adds an environment variable for command execution.
func WithEnv(key, value string) Option {
	return func(b *Backend) {
		b.env[key] = value
	}
}

// New creates a Docker backend on top of api.
func New(id string, api API, opts ...Option) *Backend {
	b := &Backend{
		id:     id,
		api:    api,
		labels: make(map[string]string),
		env:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ID returns the backend ID.
func (b *Backend) ID() string { return b.id }

// ListMachines returns the containers matching the configured labels and the filter.
func (b *Backend) ListMachines(ctx context.Context, filter backend.Filter) ([]machine.Descriptor, error) {
	args := filters.NewArgs()
	for k, v := range b.labels {
		args.Add("label", k+"="+v)
	}

	containers, err := b.api.ContainerList(ctx, container.ListOptions{All: b.all, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := []machine.Descriptor{}
	for _, c := range containers {
		m := b.descriptor(c)
		if filter.Match(m) {
			out = append(out, m)
		}
	}
	machine.SortByKey(out)
	return out, nil
}

func (b *Backend) descriptor(c container.Summary) machine.Descriptor {
	name := c.ID
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	meta := map[string]string{
		"image": c.Image,
		"state": string(c.State),
	}
	for k, v := range c.Labels {
		meta[LabelPrefix+k] = v
	}
	return machine.New(b.id, c.ID, name, meta)
}

// OpenSession verifies the container is running and returns an exec session.
func (b *Backend) OpenSession(ctx context.Context, m machine.Descriptor) (session.Session, error) {
	info, err := b.api.ContainerInspect(ctx, m.ID())
	if err != nil {
		return nil, classify(m, err)
	}
	if info.State == nil || !info.State.Running {
		return nil, backend.TransientError(m, fmt.Errorf("container %s: %w", m.Name(), backend.ErrMachineOffline))
	}
	return &Session{backend: b, containerID: info.ID, name: strings.TrimPrefix(info.Name, "/")}, nil
}

func classify(m machine.Descriptor, err error) error {
	switch {
	case client.IsErrNotFound(err):
		return backend.TerminalError(m, fmt.Errorf("%w: %v", backend.ErrUnknownMachine, err))
	case errors.Is(err, context.Canceled):
		return backend.TerminalError(m, err)
	default:
		return backend.TransientError(m, err)
	}
}

// Close closes the Docker client.
func (b *Backend) Close() error {
	return b.api.Close()
}

// Session executes commands inside one container.
type Session struct {
	backend     *Backend
	containerID string
	name        string
}

// RunCommand runs cmd with /bin/sh -c inside the container.
func (s *Session) RunCommand(ctx context.Context, cmd string) (*session.Output, error) {
	env := make([]string, 0, len(s.backend.env))
	for k, v := range s.backend.env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	created, err := s.backend.api.ContainerExecCreate(ctx, s.containerID, container.ExecOptions{
		User:         s.backend.user,
		WorkingDir:   s.backend.workdir,
		Env:          env,
		Cmd:          []string{"/bin/sh", "-c", cmd},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, s.fail("exec", err)
	}

	attached, err := s.backend.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, s.fail("exec", err)
	}
	defer attached.Close()

	var stdout, stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attached.Reader)
		copied <- err
	}()

	select {
	case err := <-copied:
		if err != nil {
			return nil, s.fail("exec", err)
		}
	case <-ctx.Done():
		return nil, s.fail("exec", ctx.Err())
	}

	inspect, err := s.backend.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, s.fail("exec", err)
	}

	return &session.Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// ListDirectory lists path through a find command in the container.
func (s *Session) ListDirectory(ctx context.Context, path string) ([]session.Entry, error) {
	out, err := s.RunCommand(ctx, session.ListCommand(path))
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, session.Failf("list", s.String(), session.ListError(path, out))
	}
	entries, err := session.ParseListing(out.Stdout)
	if err != nil {
		return nil, session.Failf("list", s.String(), err)
	}
	return entries, nil
}

// GetFile copies a single regular file out of the container.
func (s *Session) GetFile(ctx context.Context, remotePath string) ([]byte, error) {
	return s.getFile(ctx, remotePath, 0)
}

// maxLinks bounds symlink resolution in GetFile.
const maxLinks = 8

func (s *Session) getFile(ctx context.Context, remotePath string, links int) ([]byte, error) {
	rc, stat, err := s.backend.api.CopyFromContainer(ctx, s.containerID, remotePath)
	if err != nil {
		return nil, s.fail("get", err)
	}
	defer rc.Close()

	if stat.Mode.IsDir() {
		return nil, session.Failf("get", s.String(), fmt.Errorf("%s is a directory", remotePath))
	}

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, session.Failf("get", s.String(), fmt.Errorf("%s: empty archive", remotePath))
		}
		if err != nil {
			return nil, session.Failf("get", s.String(), fmt.Errorf("read archive: %w", err))
		}
		switch hdr.Typeflag {
		case tar.TypeReg:
		case tar.TypeSymlink:
			// the archive holds the link itself, not its target
			if links >= maxLinks {
				return nil, session.Failf("get", s.String(), fmt.Errorf("%s: too many levels of symbolic links", remotePath))
			}
			target := hdr.Linkname
			if !path.IsAbs(target) {
				target = path.Join(path.Dir(remotePath), target)
			}
			return s.getFile(ctx, target, links+1)
		default:
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, session.Failf("get", s.String(), fmt.Errorf("read %s: %w", remotePath, err))
		}
		return data, nil
	}
}

// fail marks errors that make the container unusable as fatal.
func (s *Session) fail(op string, err error) error {
	if client.IsErrConnectionFailed(err) || (client.IsErrNotFound(err) && op == "exec") {
		return session.Fatalf(op, s.String(), err)
	}
	return session.Failf(op, s.String(), err)
}

// Close is a no-op; exec sessions hold no container-side state.
func (s *Session) Close() error { return nil }

// String returns a description of the session.
func (s *Session) String() string {
	desc := "docker://" + s.name
	if s.backend.user != "" {
		desc = fmt.Sprintf("docker://%s@%s", s.backend.user, s.name)
	}
	return desc
}

var (
	_ backend.Backend = (*Backend)(nil)
	_ session.Session = (*Session)(nil)
	_ API             = (*client.Client)(nil)
)
