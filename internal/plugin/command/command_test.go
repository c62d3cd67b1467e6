package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/plugin"
	"github.com/eugenetaranov/leet/internal/session"
	"github.com/eugenetaranov/leet/internal/session/sessiontest"
)

func TestRegistered(t *testing.T) {
	assert.NotNil(t, plugin.Get("command"))
}

func TestRun(t *testing.T) {
	m := machine.New("b", "m1", "host1", nil)
	fake := &sessiontest.Fake{Commands: map[string]session.Output{
		"uptime":             {Stdout: " 10:00 up 1 day\n"},
		"cd '/srv' && ls":    {Stdout: "app\n"},
		"false":              {ExitCode: 1, Stderr: "nope\n"},
		"test -e '/done'":    {ExitCode: 0},
		"test -e '/missing'": {ExitCode: 1},
	}}

	tests := []struct {
		name       string
		args       plugin.Args
		wantStatus string
		wantStdout string
		wantCode   any
		wantErr    bool
	}{
		{name: "simple", args: plugin.Args{"cmd": "uptime"}, wantStatus: "ran", wantStdout: "10:00 up 1 day", wantCode: 0},
		{name: "chdir", args: plugin.Args{"cmd": "ls", "chdir": "/srv"}, wantStatus: "ran", wantStdout: "app", wantCode: 0},
		{name: "non-zero exit", args: plugin.Args{"cmd": "false"}, wantErr: true},
		{name: "non-zero exit ignored", args: plugin.Args{"cmd": "false", "ignore_errors": true}, wantStatus: "ran", wantCode: 1},
		{name: "creates exists", args: plugin.Args{"cmd": "uptime", "creates": "/done"}, wantStatus: "skipped, '/done' exists"},
		{name: "removes missing", args: plugin.Args{"cmd": "uptime", "removes": "/missing"}, wantStatus: "skipped, '/missing' does not exist"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := plugin.Build(&Plugin{}, tt.args)
			require.NoError(t, err)

			res, err := inst.Run(context.Background(), fake, m)
			if tt.wantErr {
				var cmdErr *Error
				require.ErrorAs(t, err, &cmdErr)
				assert.Equal(t, 1, cmdErr.ExitCode)
				assert.Contains(t, cmdErr.Error(), "stderr: nope")
				return
			}
			require.NoError(t, err)
			require.NoError(t, res.Validate())
			require.Len(t, res.Rows, 1)
			assert.Equal(t, tt.wantStatus, res.Rows[0]["status"])
			if tt.wantStdout != "" {
				assert.Equal(t, tt.wantStdout, res.Rows[0]["stdout"])
			}
			if tt.wantCode != nil {
				assert.Equal(t, tt.wantCode, res.Rows[0]["exit_code"])
			}
		})
	}
}

func TestMissingCmd(t *testing.T) {
	_, err := plugin.Build(&Plugin{}, plugin.Args{"chdir": "/"})
	assert.Error(t, err)
}
