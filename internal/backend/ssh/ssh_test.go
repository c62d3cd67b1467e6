package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"os/exec"
	"runtime"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/eugenetaranov/leet/internal/backend"
	"github.com/eugenetaranov/leet/internal/machine"
)

func testOptions(hosts ...Host) Options {
	return Options{Hosts: hosts, User: "leet", InsecureIgnore: true, MaxFailures: 2, OpenTimeout: time.Hour}
}

func TestNewValidation(t *testing.T) {
	_, err := New("s", Options{Hosts: []Host{{Name: "a"}}})
	assert.Error(t, err, "host key policy is required")

	_, err = New("s", testOptions(Host{Name: "a"}, Host{Name: "a"}))
	assert.Error(t, err)

	_, err = backend.Open(backend.Config{Name: "s", Type: TypeName, Options: map[string]any{
		"hosts":                    []any{map[string]any{"name": "a", "port": 2222}},
		"insecure_ignore_host_key": true,
		"timeout":                  "3s",
	}})
	assert.NoError(t, err)

	_, err = backend.Open(backend.Config{Name: "s", Type: TypeName, Options: map[string]any{
		"insecure_ignore_host_key": true,
	}})
	assert.Error(t, err, "hosts are required")
}

func TestListMachines(t *testing.T) {
	b, err := New("s", testOptions(
		Host{Name: "web1", Address: "10.0.0.1", Metadata: map[string]string{"role": "web"}},
		Host{Name: "db1", Port: 2200, Metadata: map[string]string{"role": "db"}},
	))
	require.NoError(t, err)

	ms, err := b.ListMachines(context.Background(), backend.Filter{})
	require.NoError(t, err)
	require.Len(t, ms, 2)
	addr, _ := ms[0].Meta("address")
	assert.Equal(t, "10.0.0.1:22", addr)
	addr, _ = ms[1].Meta("address")
	assert.Equal(t, "db1:2200", addr)

	ms, err = b.ListMachines(context.Background(), backend.Filter{Metadata: map[string]string{"role": "db"}})
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "db1", ms[0].ID())
}

func TestOpenSessionClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{name: "refused", err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}, transient: true},
		{name: "timeout", err: context.DeadlineExceeded, transient: true},
		{name: "no such host", err: &net.DNSError{Err: "no such host", Name: "x", IsNotFound: true}, transient: false},
		{name: "auth", err: errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none]"), transient: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New("s", testOptions(Host{Name: "h"}), WithDialer(func(context.Context, string, *ssh.ClientConfig) (*ssh.Client, error) {
				return nil, tt.err
			}))
			require.NoError(t, err)

			_, err = b.OpenSession(context.Background(), machine.New("s", "h", "", nil))
			require.Error(t, err)
			assert.Equal(t, tt.transient, backend.IsTransient(err))
		})
	}
}

func TestOpenSessionUnknownHost(t *testing.T) {
	b, err := New("s", testOptions(Host{Name: "h"}))
	require.NoError(t, err)

	_, err = b.OpenSession(context.Background(), machine.New("s", "other", "", nil))
	assert.ErrorIs(t, err, backend.ErrUnknownMachine)
	assert.False(t, backend.IsTransient(err))
}

func TestCircuitBreakerOpensPerHost(t *testing.T) {
	var dials atomic.Int32
	b, err := New("s", testOptions(Host{Name: "bad"}, Host{Name: "good"}), WithDialer(func(ctx context.Context, addr string, _ *ssh.ClientConfig) (*ssh.Client, error) {
		dials.Add(1)
		return nil, errors.New("connection reset")
	}))
	require.NoError(t, err)

	bad := machine.New("s", "bad", "", nil)
	for i := 0; i < 2; i++ {
		_, err := b.OpenSession(context.Background(), bad)
		require.Error(t, err)
	}
	assert.Equal(t, int32(2), dials.Load())

	_, err = b.OpenSession(context.Background(), bad)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.True(t, backend.IsTransient(err), "an open breaker is retried later")
	assert.Equal(t, int32(2), dials.Load(), "open breaker must not dial")

	_, err = b.OpenSession(context.Background(), machine.New("s", "good", "", nil))
	require.Error(t, err)
	assert.Equal(t, int32(3), dials.Load(), "other hosts keep their own breaker")
}

// startServer runs a minimal SSH server that executes commands with /bin/sh.
func startServer(t *testing.T) (string, int) {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("test server needs a POSIX shell")
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg)
		}
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(port)
	return host, p
}

func serveConn(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range chReqs {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				_ = req.Reply(true, nil)
				// payload is a uint32 length followed by the command
				n := binary.BigEndian.Uint32(req.Payload[:4])
				cmd := exec.Command("/bin/sh", "-c", string(req.Payload[4:4+n]))
				var stdout, stderr bytes.Buffer
				cmd.Stdout = &stdout
				cmd.Stderr = &stderr
				code := 0
				if err := cmd.Run(); err != nil {
					var exitErr *exec.ExitError
					if errors.As(err, &exitErr) {
						code = exitErr.ExitCode()
					} else {
						code = 127
					}
				}
				_, _ = ch.Write(stdout.Bytes())
				_, _ = ch.Stderr().Write(stderr.Bytes())
				status := make([]byte, 4)
				binary.BigEndian.PutUint32(status, uint32(code))
				_, _ = ch.SendRequest("exit-status", false, status)
				return
			}
		}()
	}
}

func TestSessionAgainstServer(t *testing.T) {
	host, port := startServer(t)

	opts := testOptions(Host{Name: "local", Address: host, Port: port})
	opts.Password = "secret"
	b, err := New("s", opts)
	require.NoError(t, err)

	ms, err := b.ListMachines(context.Background(), backend.Filter{})
	require.NoError(t, err)

	s, err := b.OpenSession(context.Background(), ms[0])
	require.NoError(t, err)
	defer s.Close()

	out, err := s.RunCommand(context.Background(), "echo hello; echo bad 1>&2; exit 2")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out.Stdout)
	assert.Equal(t, "bad\n", out.Stderr)
	assert.Equal(t, 2, out.ExitCode)

	data, err := s.GetFile(context.Background(), "/etc/hosts")
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	_, err = s.GetFile(context.Background(), "/definitely/not/here")
	assert.Error(t, err)

	opts.Password = "wrong"
	b, err = New("s", opts)
	require.NoError(t, err)
	_, err = b.OpenSession(context.Background(), ms[0])
	require.Error(t, err)
	assert.False(t, backend.IsTransient(err), "authentication failures are terminal")
}

// silentListener accepts TCP connections and never speaks SSH.
func silentListener(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var conns []net.Conn
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, conn)
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		<-done
		for _, c := range conns {
			c.Close()
		}
	})

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestOpenSessionStalledHandshake(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		ctx     func() (context.Context, context.CancelFunc)
		wantErr error
	}{
		{
			name:    "cancel aborts handshake",
			timeout: time.Hour,
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				time.AfterFunc(200*time.Millisecond, cancel)
				return ctx, cancel
			},
			wantErr: context.Canceled,
		},
		{
			name:    "deadline aborts handshake",
			timeout: time.Hour,
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 200*time.Millisecond)
			},
			wantErr: context.DeadlineExceeded,
		},
		{
			name:    "connect timeout bounds handshake",
			timeout: 200 * time.Millisecond,
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithCancel(context.Background())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port := silentListener(t)
			opts := testOptions(Host{Name: "mute", Address: host, Port: port})
			opts.Timeout = tt.timeout
			b, err := New("s", opts)
			require.NoError(t, err)
			ms, err := b.ListMachines(context.Background(), backend.Filter{})
			require.NoError(t, err)

			ctx, cancel := tt.ctx()
			defer cancel()

			errc := make(chan error, 1)
			go func() {
				_, err := b.OpenSession(ctx, ms[0])
				errc <- err
			}()

			select {
			case err := <-errc:
				require.Error(t, err)
				assert.True(t, backend.IsTransient(err), "stalled host must stay retryable: %v", err)
				if tt.wantErr != nil {
					assert.ErrorIs(t, err, tt.wantErr)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("OpenSession still blocked on a server that never answers")
			}
		})
	}
}
