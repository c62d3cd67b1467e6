// Package ssh provides a backend for an inventory of hosts reached over SSH.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/eugenetaranov/leet/internal/backend"
	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/session"
)

// TypeName is the inventory type of this backend.
const TypeName = "ssh"

// Host is one inventory entry.
type Host struct {
	Name     string            `yaml:"name" validate:"required"`
	Address  string            `yaml:"address"`
	Port     int               `yaml:"port" validate:"omitempty,min=1,max=65535"`
	User     string            `yaml:"user"`
	Metadata map[string]string `yaml:"metadata"`
}

// Options configures the backend.
type Options struct {
	Hosts          []Host        `yaml:"hosts" validate:"required,min=1,dive"`
	User           string        `yaml:"user"`
	KeyFile        string        `yaml:"key_file"`
	Password       string        `yaml:"password"`
	KnownHosts     string        `yaml:"known_hosts"`
	InsecureIgnore bool          `yaml:"insecure_ignore_host_key"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxFailures    uint32        `yaml:"max_failures"`
	OpenTimeout    time.Duration `yaml:"open_timeout"`
}

func init() {
	backend.RegisterType(TypeName, func(cfg backend.Config) (backend.Backend, error) {
		var opts Options
		if err := backend.DecodeOptions(cfg.Options, &opts); err != nil {
			return nil, err
		}
		return New(cfg.Name, opts)
	})
}

// DialFunc opens an SSH client connection.
type DialFunc func(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error)

// Backend opens SSH sessions to the configured hosts. Each host has its own
// circuit breaker so a flapping host fails fast.
type Backend struct {
	id       string
	hosts    map[string]Host
	order    []string
	auth     []ssh.AuthMethod
	hostKey  ssh.HostKeyCallback
	user     string
	timeout  time.Duration
	settings gobreaker.Settings
	dial     DialFunc

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// Option configures the backend beyond Options.
type Option func(*Backend)

// WithDialer replaces the network dialer.
func WithDialer(d DialFunc) Option {
	return func(b *Backend) {
		b.dial = d
	}
}

// New creates an SSH backend.
func New(id string, opts Options, o ...Option) (*Backend, error) {
	b := &Backend{
		id:       id,
		hosts:    make(map[string]Host),
		user:     opts.User,
		timeout:  opts.Timeout,
		dial:     dialContext,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	if b.timeout == 0 {
		b.timeout = 10 * time.Second
	}
	if b.user == "" {
		b.user = os.Getenv("USER")
	}

	for _, h := range opts.Hosts {
		if _, dup := b.hosts[h.Name]; dup {
			return nil, fmt.Errorf("duplicate host %q", h.Name)
		}
		b.hosts[h.Name] = h
		b.order = append(b.order, h.Name)
	}

	if opts.KeyFile != "" {
		key, err := os.ReadFile(opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		b.auth = append(b.auth, ssh.PublicKeys(signer))
	}
	if opts.Password != "" {
		b.auth = append(b.auth, ssh.Password(opts.Password))
	}

	switch {
	case opts.InsecureIgnore:
		b.hostKey = ssh.InsecureIgnoreHostKey()
	case opts.KnownHosts != "":
		cb, err := knownhosts.New(opts.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		b.hostKey = cb
	default:
		return nil, errors.New("either known_hosts or insecure_ignore_host_key is required")
	}

	maxFailures := opts.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	openTimeout := opts.OpenTimeout
	if openTimeout == 0 {
		openTimeout = 30 * time.Second
	}
	b.settings = gobreaker.Settings{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// terminal errors and cancellation say nothing about the host's health
		IsSuccessful: func(err error) bool {
			return err == nil || isTerminal(err) || errors.Is(err, context.Canceled)
		},
	}

	for _, opt := range o {
		opt(b)
	}
	return b, nil
}

// dialContext connects and runs the SSH handshake. Cancelling ctx closes
// the connection, which aborts a handshake the server never answers. The
// handshake is bounded by the ctx deadline, or cfg.Timeout without one.
func dialContext(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })

	deadline, ok := ctx.Deadline()
	if !ok && cfg.Timeout > 0 {
		deadline, ok = time.Now().Add(cfg.Timeout), true
	}
	if ok {
		_ = conn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if !stop() {
		// ctx ended during the handshake and the connection is gone
		if err == nil {
			c.Close()
		}
		conn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// ID returns the backend ID.
func (b *Backend) ID() string { return b.id }

// ListMachines returns the inventory hosts matching the filter.
func (b *Backend) ListMachines(ctx context.Context, filter backend.Filter) ([]machine.Descriptor, error) {
	out := []machine.Descriptor{}
	for _, name := range b.order {
		m := b.descriptor(b.hosts[name])
		if filter.Match(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (b *Backend) descriptor(h Host) machine.Descriptor {
	meta := map[string]string{"address": b.address(h)}
	for k, v := range h.Metadata {
		meta[k] = v
	}
	return machine.New(b.id, h.Name, h.Name, meta)
}

func (b *Backend) address(h Host) string {
	host := h.Address
	if host == "" {
		host = h.Name
	}
	port := h.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (b *Backend) breaker(host string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.breakers[host]
	if !ok {
		st := b.settings
		st.Name = b.id + "/" + host
		cb = gobreaker.NewCircuitBreaker(st)
		b.breakers[host] = cb
	}
	return cb
}

// OpenSession dials the host through its circuit breaker.
func (b *Backend) OpenSession(ctx context.Context, m machine.Descriptor) (session.Session, error) {
	h, ok := b.hosts[m.ID()]
	if !ok || m.Backend() != b.id {
		return nil, backend.TerminalError(m, backend.ErrUnknownMachine)
	}

	user := h.User
	if user == "" {
		user = b.user
	}
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            b.auth,
		HostKeyCallback: b.hostKey,
		Timeout:         b.timeout,
		BannerCallback:  func(string) error { return nil },
	}
	addr := b.address(h)

	res, err := b.breaker(h.Name).Execute(func() (interface{}, error) {
		return b.dial(ctx, addr, cfg)
	})
	if err != nil {
		return nil, classify(m, err)
	}
	return &Session{client: res.(*ssh.Client), target: fmt.Sprintf("ssh://%s@%s", user, addr)}, nil
}

func classify(m machine.Descriptor, err error) error {
	if isTerminal(err) {
		return backend.TerminalError(m, err)
	}
	return backend.TransientError(m, err)
}

func isTerminal(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return true
	}
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return true
	}
	var revoked *knownhosts.RevokedError
	if errors.As(err, &revoked) {
		return true
	}
	return strings.Contains(err.Error(), "unable to authenticate")
}

// Close is a no-op; sessions own their connections.
func (b *Backend) Close() error { return nil }

// Session runs commands over one SSH connection.
type Session struct {
	client *ssh.Client
	target string
}

// RunCommand runs cmd in a new SSH channel.
func (s *Session) RunCommand(ctx context.Context, cmd string) (*session.Output, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		// the connection is gone if no channel can be opened
		return nil, session.Fatalf("run", s.target, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	stop := context.AfterFunc(ctx, func() {
		_ = sess.Signal(ssh.SIGKILL)
		sess.Close()
	})
	defer stop()

	err = sess.Run(cmd)
	if ctx.Err() != nil {
		return nil, session.Failf("run", s.target, ctx.Err())
	}

	out := &session.Output{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitStatus()
	default:
		return nil, session.Fatalf("run", s.target, err)
	}
	return out, nil
}

// ListDirectory lists path with find on the remote host.
func (s *Session) ListDirectory(ctx context.Context, path string) ([]session.Entry, error) {
	out, err := s.RunCommand(ctx, session.ListCommand(path))
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, session.Failf("list", s.target, session.ListError(path, out))
	}
	entries, err := session.ParseListing(out.Stdout)
	if err != nil {
		return nil, session.Failf("list", s.target, err)
	}
	return entries, nil
}

// GetFile reads remotePath with cat.
func (s *Session) GetFile(ctx context.Context, remotePath string) ([]byte, error) {
	out, err := s.RunCommand(ctx, "test -f "+session.ShellQuote(remotePath)+" && cat "+session.ShellQuote(remotePath))
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, session.Failf("get", s.target, fmt.Errorf("cannot read %s: exit code %d: %s", remotePath, out.ExitCode, strings.TrimSpace(out.Stderr)))
	}
	return []byte(out.Stdout), nil
}

// Close closes the SSH connection.
func (s *Session) Close() error {
	return s.client.Close()
}

// String returns a description of the session.
func (s *Session) String() string { return s.target }

var (
	_ backend.Backend = (*Backend)(nil)
	_ session.Session = (*Session)(nil)
)
