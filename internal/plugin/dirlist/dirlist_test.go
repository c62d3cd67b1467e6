package dirlist

import (
	"context"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/plugin"
	"github.com/eugenetaranov/leet/internal/session"
	"github.com/eugenetaranov/leet/internal/session/sessiontest"
)

func TestRun(t *testing.T) {
	mod := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := &sessiontest.Fake{Dirs: map[string][]session.Entry{
		"/etc": {
			{Name: "passwd", Size: 1200, Mode: "-rw-r--r--", ModTime: mod},
			{Name: "apt", IsDir: true, Size: 4096, Mode: "drwxr-xr-x", ModTime: mod},
		},
		"/empty": {},
	}}
	m := machine.New("b", "1", "host", nil)

	tests := []struct {
		name  string
		path  string
		files []string
		err   bool
	}{
		{name: "listing", path: "/etc", files: []string{"apt", "passwd"}},
		{name: "empty directory", path: "/empty", files: []string{}},
		{name: "missing", path: "/nope", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := plugin.Build(Plugin{}, plugin.Args{"path": tt.path})
			require.NoError(t, err)

			res, err := inst.Run(context.Background(), fake, m)
			if tt.err {
				assert.ErrorIs(t, err, fs.ErrNotExist)
				return
			}
			require.NoError(t, err)
			require.NoError(t, res.Validate(), "an empty directory is still a valid listing")

			files := []string{}
			for _, r := range res.Rows {
				files = append(files, r["filename"].(string))
			}
			assert.Equal(t, tt.files, files)
		})
	}
}

func TestRequiresPath(t *testing.T) {
	_, err := plugin.Build(Plugin{}, plugin.Args{})
	assert.Error(t, err)

	_, err = plugin.Build(Plugin{}, plugin.Args{"path": "/", "recursive": true})
	assert.Error(t, err)
}
