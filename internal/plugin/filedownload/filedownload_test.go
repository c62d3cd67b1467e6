package filedownload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/plugin"
	"github.com/eugenetaranov/leet/internal/session"
	"github.com/eugenetaranov/leet/internal/session/sessiontest"
)

func TestSplitRemote(t *testing.T) {
	tests := []struct {
		in, dir, name string
	}{
		{`/var/log/syslog`, "/var/log", "syslog"},
		{`/syslog`, "/", "syslog"},
		{`C:\Windows\win.ini`, `C:\Windows`, "win.ini"},
		{`C:\boot.ini`, `C:\`, "boot.ini"},
		{`file`, ".", "file"},
		{`/var/log/`, "/var/log", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			dir, name := splitRemote(tt.in)
			assert.Equal(t, tt.dir, dir)
			assert.Equal(t, tt.name, name)
		})
	}
}

func newFake() *sessiontest.Fake {
	return &sessiontest.Fake{
		Dirs: map[string][]session.Entry{
			"/etc": {{Name: "hostname", Size: 5}, {Name: "ssh", IsDir: true}},
		},
		Files: map[string][]byte{"/etc/hostname": []byte("web1\n")},
	}
}

func TestDownloadIntoDirectory(t *testing.T) {
	dest := t.TempDir()
	inst, err := plugin.Build(Plugin{}, plugin.Args{"source": "/etc/hostname", "dest": dest})
	require.NoError(t, err)

	for _, name := range []string{"web1", "web2"} {
		res, err := inst.Run(context.Background(), newFake(), machine.New("b", name, name, nil))
		require.NoError(t, err)
		require.NoError(t, res.Validate())
		assert.True(t, res.SideEffects)
		assert.Equal(t, StatusOK, res.Rows[0]["status"])
		assert.Equal(t, name, res.Rows[0]["hostname"])

		data, err := os.ReadFile(filepath.Join(dest, "b_"+name+"_hostname"))
		require.NoError(t, err)
		assert.Equal(t, "web1\n", string(data))
	}
}

func TestDownloadToFileName(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "copy.txt")
	inst, err := plugin.Build(Plugin{}, plugin.Args{"source": "/etc/hostname", "dest": dest})
	require.NoError(t, err)

	res, err := inst.Run(context.Background(), newFake(), machine.New("b", "1", "db/1", nil))
	require.NoError(t, err)
	want := filepath.Join(filepath.Dir(dest), "b_db_1_1_copy.txt")
	assert.Equal(t, want, res.Rows[0]["path"])
	_, err = os.Stat(want)
	assert.NoError(t, err)
}

func TestDownloadMissingFile(t *testing.T) {
	dest := t.TempDir()
	m := machine.New("b", "1", "web1", nil)

	for _, source := range []string{"/etc/shadow", "/etc/ssh", "/nope/file"} {
		t.Run(source, func(t *testing.T) {
			inst, err := plugin.Build(Plugin{}, plugin.Args{"source": source, "dest": dest})
			require.NoError(t, err)

			res, err := inst.Run(context.Background(), newFake(), m)
			require.NoError(t, err)
			assert.Equal(t, StatusNotFound, res.Rows[0]["status"])
		})
	}

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDownloadSameNameMachines(t *testing.T) {
	dest := t.TempDir()
	inst, err := plugin.Build(Plugin{}, plugin.Args{"source": "/etc/hostname", "dest": dest})
	require.NoError(t, err)

	targets := []struct {
		m       machine.Descriptor
		content string
	}{
		{machine.New("edr1", "1", "web", nil), "from edr1\n"},
		{machine.New("edr2", "1", "web", nil), "from edr2\n"},
		{machine.New("edr1", "2", "web", nil), "second on edr1\n"},
	}
	paths := map[string]string{}
	for _, tt := range targets {
		fake := &sessiontest.Fake{
			Dirs:  map[string][]session.Entry{"/etc": {{Name: "hostname"}}},
			Files: map[string][]byte{"/etc/hostname": []byte(tt.content)},
		}
		res, err := inst.Run(context.Background(), fake, tt.m)
		require.NoError(t, err)
		require.Equal(t, StatusOK, res.Rows[0]["status"])

		p := res.Rows[0]["path"].(string)
		require.NotContains(t, paths, p)
		paths[p] = tt.content
	}

	for p, want := range paths {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}

func TestDownloadListingFailure(t *testing.T) {
	dest := t.TempDir()
	fake := newFake()
	fake.Err = session.Failf("list", "fake", fmt.Errorf("/etc: %w", fs.ErrPermission))

	inst, err := plugin.Build(Plugin{}, plugin.Args{"source": "/etc/hostname", "dest": dest})
	require.NoError(t, err)

	res, err := inst.Run(context.Background(), fake, machine.New("b", "1", "web1", nil))
	require.NoError(t, err)
	require.NoError(t, res.Validate())
	status := res.Rows[0]["status"].(string)
	assert.True(t, strings.HasPrefix(status, StatusFailed+", "), status)
	assert.Contains(t, status, "permission denied")
	assert.NotEqual(t, StatusNotFound, status)

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDownloadFatalSessionError(t *testing.T) {
	fake := newFake()
	fake.Err = session.Fatalf("list", "fake", errors.New("connection lost"))

	inst, err := plugin.Build(Plugin{}, plugin.Args{"source": "/etc/hostname", "dest": t.TempDir()})
	require.NoError(t, err)

	_, err = inst.Run(context.Background(), fake, machine.New("b", "1", "web1", nil))
	assert.True(t, session.IsFatal(err))
}

func TestRejectsDirectorySource(t *testing.T) {
	_, err := plugin.Build(Plugin{}, plugin.Args{"source": "/etc/", "dest": "/tmp"})
	assert.Error(t, err)
}
