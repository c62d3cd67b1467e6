package processlist

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

const psOutput = `    1     0 root     /sbin/init splash
  812     1 root     /usr/sbin/sshd -D
 4242   812 alice    -bash
`

func TestParse(t *testing.T) {
	procs, err := Parse(psOutput)
	require.NoError(t, err)
	require.Len(t, procs, 3)
	assert.Equal(t, Process{PID: 812, PPID: 1, User: "root", Command: "/usr/sbin/sshd -D"}, procs[1])

	_, err = Parse("abc 1 root x\n")
	assert.Error(t, err)

	_, err = Parse("1 0 root\n")
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	fake := &sessiontest.Fake{Commands: map[string]session.Output{Command: {Stdout: psOutput}}}
	m := machine.New("b", "1", "host", nil)

	tests := []struct {
		name  string
		args  plugin.Args
		count int
	}{
		{name: "all", args: plugin.Args{}, count: 3},
		{name: "match", args: plugin.Args{"match": "sshd"}, count: 1},
		{name: "no match", args: plugin.Args{"match": "nginx"}, count: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := plugin.Build(Plugin{}, tt.args)
			require.NoError(t, err)

			res, err := inst.Run(context.Background(), fake, m)
			require.NoError(t, err)
			require.NoError(t, res.Validate())
			assert.Len(t, res.Rows, tt.count)
		})
	}
}

func TestRunPsFailure(t *testing.T) {
	fake := &sessiontest.Fake{Commands: map[string]session.Output{Command: {ExitCode: 1, Stderr: "ps: not found"}}}
	inst, err := plugin.Build(Plugin{}, plugin.Args{})
	require.NoError(t, err)

	_, err = inst.Run(context.Background(), fake, machine.New("b", "1", "", nil))
	assert.ErrorContains(t, err, "ps: not found")
}
