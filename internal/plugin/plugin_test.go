package plugin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/session"
)

// mockPlugin is a simple plugin for testing
type mockPlugin struct {
	name   string
	params []Param
}

func (p *mockPlugin) Name() string        { return p.name }
func (p *mockPlugin) Description() string { return "mock plugin" }
func (p *mockPlugin) Params() []Param     { return p.params }

func (p *mockPlugin) New(args Args) (Instance, error) {
	var cfg struct {
		Path  string `yaml:"path" validate:"required"`
		Depth int    `yaml:"depth" validate:"gte=0"`
	}
	if err := Decode(args, &cfg); err != nil {
		return nil, err
	}
	return InstanceFunc(func(ctx context.Context, s session.Session, m machine.Descriptor) (Result, error) {
		return Rows(Row{"path": cfg.Path, "depth": cfg.Depth}), nil
	}), nil
}

func TestRegisterAndGet(t *testing.T) {
	// Use a unique name to avoid conflicts with other registered plugins
	Register(&mockPlugin{name: "test_mock_plugin_unique"})

	got := Get("test_mock_plugin_unique")
	require.NotNil(t, got)
	assert.Equal(t, "test_mock_plugin_unique", got.Name())

	assert.Panics(t, func() { Register(&mockPlugin{name: "test_mock_plugin_unique"}) })
	assert.Contains(t, List(), "test_mock_plugin_unique")
}

func TestLookupUnknown(t *testing.T) {
	assert.Nil(t, Get("nonexistent_plugin_xyz"))

	_, err := Lookup("nonexistent_plugin_xyz")
	assert.ErrorIs(t, err, ErrUnknownPlugin)
}

func TestResultValidate(t *testing.T) {
	type custom struct{ A int }

	tests := []struct {
		name    string
		result  Result
		wantErr bool
	}{
		{name: "rows", result: Rows(Row{"a": 1, "b": "x", "c": nil, "d": time.Now(), "e": time.Second, "f": 1.5, "g": uint8(3)})},
		{name: "empty listing", result: Empty()},
		{name: "side effects only", result: Result{SideEffects: true}},
		{name: "nil rows", result: Result{}, wantErr: true},
		{name: "nil row", result: Result{Rows: []Row{nil}}, wantErr: true},
		{name: "empty column", result: Rows(Row{"": 1}), wantErr: true},
		{name: "map value", result: Rows(Row{"a": map[string]int{}}), wantErr: true},
		{name: "slice value", result: Rows(Row{"a": []string{"x"}}), wantErr: true},
		{name: "struct value", result: Rows(Row{"a": custom{}}), wantErr: true},
		{name: "pointer value", result: Rows(Row{"a": new(int)}), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.result.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var cv *ContractViolation
			assert.ErrorAs(t, err, &cv)
		})
	}
}

func TestErrorMessages(t *testing.T) {
	cause := errors.New("boom")
	err := &Error{Plugin: "p", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "plugin p: boom", err.Error())

	err = &Error{Plugin: "p", Panic: "nil map"}
	assert.Equal(t, "plugin p panicked: nil map", err.Error())

	cv := &ContractViolation{Row: 2, Column: "x", Reason: "bad"}
	assert.Contains(t, cv.Error(), `row 2, column "x"`)
}

func TestParseArgs(t *testing.T) {
	args, err := ParseArgs([]string{"path=/tmp", "depth=3", "force=true", "name=a=b"})
	require.NoError(t, err)
	assert.Equal(t, Args{"path": "/tmp", "depth": 3, "force": true, "name": "a=b"}, args)

	_, err = ParseArgs([]string{"novalue"})
	assert.Error(t, err)

	_, err = ParseArgs([]string{"a=1", "a=2"})
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	p := &mockPlugin{name: "mock", params: []Param{
		{Name: "path", Description: "directory", Required: true},
		{Name: "depth", Description: "levels"},
	}}

	tests := []struct {
		name    string
		args    Args
		wantErr string
	}{
		{name: "valid", args: Args{"path": "/tmp", "depth": 2}},
		{name: "unknown", args: Args{"path": "/tmp", "colour": "red"}, wantErr: "unknown parameters: colour"},
		{name: "missing", args: Args{"depth": 1}, wantErr: "missing required parameters: path"},
		{name: "bad type", args: Args{"path": "/tmp", "depth": "deep"}, wantErr: "invalid arguments"},
		{name: "failed validation", args: Args{"path": "/tmp", "depth": -1}, wantErr: `depth: failed "gte"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := Build(p, tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			res, err := inst.Run(context.Background(), nil, machine.New("b", "m", "", nil))
			require.NoError(t, err)
			assert.NoError(t, res.Validate())
		})
	}
}

func TestHelp(t *testing.T) {
	p := &mockPlugin{name: "mock", params: []Param{
		{Name: "path", Description: "directory", Required: true},
		{Name: "depth", Description: "levels"},
	}}
	help := Help(p)
	assert.Contains(t, help, "mock: mock plugin")
	assert.Contains(t, help, "path   directory (required)")
	assert.Contains(t, help, "depth  levels\n")

	assert.Contains(t, Help(&mockPlugin{name: "bare"}), "No parameters.")
}
