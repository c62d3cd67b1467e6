// Package local provides a backend whose only machine is the host running leet.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"

	"github.com/eugenetaranov/leet/internal/backend"
	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/session"
)

// TypeName is the inventory type of this backend.
const TypeName = "local"

func init() {
	backend.RegisterType(TypeName, func(cfg backend.Config) (backend.Backend, error) {
		var opts struct {
			Shell     string   `yaml:"shell"`
			ShellArgs []string `yaml:"shell_args"`
			SudoUser  string   `yaml:"sudo_user"`
			Sudo      bool     `yaml:"sudo"`
		}
		if err := backend.DecodeOptions(cfg.Options, &opts); err != nil {
			return nil, err
		}
		var o []Option
		if opts.Shell != "" {
			o = append(o, WithShell(opts.Shell, opts.ShellArgs...))
		}
		if opts.Sudo || opts.SudoUser != "" {
			o = append(o, WithSudo(opts.SudoUser))
		}
		return New(cfg.Name, o...), nil
	})
}

// Backend exposes the local host as a single machine.
type Backend struct {
	id        string
	hostname  string
	shell     string
	shellArgs []string
	sudo      bool
	sudoUser  string
}

// Option configures the local backend.
type Option func(*Backend)

// WithSudo runs commands through sudo, optionally as user.
func WithSudo(user string) Option {
	return func(b *Backend) {
		b.sudo = true
		b.sudoUser = user
	}
}

// WithShell sets a custom shell for command execution.
func WithShell(shell string, args ...string) Option {
	return func(b *Backend) {
		b.shell = shell
		b.shellArgs = args
	}
}

// WithHostname overrides the machine name reported by the backend.
func WithHostname(name string) Option {
	return func(b *Backend) {
		b.hostname = name
	}
}

// New creates a local backend with the given ID.
func New(id string, opts ...Option) *Backend {
	b := &Backend{id: id}

	switch runtime.GOOS {
	case "windows":
		b.shell = "cmd"
		b.shellArgs = []string{"/C"}
	default:
		b.shell = "/bin/sh"
		b.shellArgs = []string{"-c"}
	}

	if h, err := os.Hostname(); err == nil {
		b.hostname = h
	} else {
		b.hostname = "localhost"
	}

	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ID returns the backend ID.
func (b *Backend) ID() string { return b.id }

func (b *Backend) descriptor() machine.Descriptor {
	meta := map[string]string{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
	}
	if u, err := user.Current(); err == nil {
		meta["user"] = u.Username
	}
	return machine.New(b.id, b.hostname, b.hostname, meta)
}

// ListMachines returns the local host if it matches the filter.
func (b *Backend) ListMachines(ctx context.Context, filter backend.Filter) ([]machine.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := b.descriptor()
	if !filter.Match(m) {
		return []machine.Descriptor{}, nil
	}
	return []machine.Descriptor{m}, nil
}

// OpenSession returns a session on the local host.
func (b *Backend) OpenSession(ctx context.Context, m machine.Descriptor) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend.TransientError(m, err)
	}
	if m.Backend() != b.id || m.ID() != b.hostname {
		return nil, backend.TerminalError(m, backend.ErrUnknownMachine)
	}
	switch runtime.GOOS {
	case "darwin", "linux":
	default:
		return nil, backend.TerminalError(m, fmt.Errorf("unsupported platform: %s", runtime.GOOS))
	}
	return &Session{backend: b}, nil
}

// Close is a no-op.
func (b *Backend) Close() error { return nil }

// Session executes on the local host.
type Session struct {
	backend *Backend
}

// RunCommand runs cmd through the configured shell.
func (s *Session) RunCommand(ctx context.Context, cmd string) (*session.Output, error) {
	args := append(append([]string{}, s.backend.shellArgs...), s.buildCommand(cmd))
	execCmd := exec.CommandContext(ctx, s.backend.shell, args...)

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()
	out := &session.Output{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return nil, session.Failf("run", s.String(), err)
	}
	return out, nil
}

func (s *Session) buildCommand(cmd string) string {
	if !s.backend.sudo {
		return cmd
	}
	if s.backend.sudoUser != "" {
		return fmt.Sprintf("sudo -u %s -- %s", s.backend.sudoUser, cmd)
	}
	return fmt.Sprintf("sudo -- %s", cmd)
}

// ListDirectory reads the direct children of path.
func (s *Session) ListDirectory(ctx context.Context, path string) ([]session.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, session.Failf("list", s.String(), err)
	}
	dirents, err := os.ReadDir(path)
	if err != nil {
		return nil, session.Failf("list", s.String(), err)
	}

	entries := make([]session.Entry, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, session.Failf("list", s.String(), fmt.Errorf("stat %s: %w", filepath.Join(path, d.Name()), err))
		}
		entries = append(entries, session.Entry{
			Name:    d.Name(),
			Size:    info.Size(),
			IsDir:   d.IsDir(),
			Mode:    info.Mode().String(),
			ModTime: info.ModTime(),
		})
	}
	return entries, nil
}

// GetFile reads the whole file at remotePath.
func (s *Session) GetFile(ctx context.Context, remotePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, session.Failf("get", s.String(), err)
	}
	data, err := os.ReadFile(remotePath)
	if err != nil {
		return nil, session.Failf("get", s.String(), err)
	}
	return data, nil
}

// Close is a no-op for local sessions.
func (s *Session) Close() error { return nil }

// String returns a description of the session.
func (s *Session) String() string {
	u, err := user.Current()
	if err != nil {
		return "local://" + s.backend.hostname
	}
	if s.backend.sudo && s.backend.sudoUser != "" {
		return fmt.Sprintf("local://%s@%s (sudo as %s)", u.Username, s.backend.hostname, s.backend.sudoUser)
	}
	if s.backend.sudo {
		return fmt.Sprintf("local://%s@%s (sudo)", u.Username, s.backend.hostname)
	}
	return fmt.Sprintf("local://%s@%s", u.Username, s.backend.hostname)
}

var (
	_ backend.Backend = (*Backend)(nil)
	_ session.Session = (*Session)(nil)
)
