// Package command provides a plugin that runs a shell command on every machine.
package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/plugin"
	"github.com/eugenetaranov/leet/internal/session"
)

func init() {
	plugin.Register(&Plugin{})
}

// Plugin executes shell commands on the target machines.
type Plugin struct{}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "command"
}

// Description returns a one-line summary.
func (p *Plugin) Description() string {
	return "Runs a shell command and returns its output."
}

// Params returns the accepted arguments.
func (p *Plugin) Params() []plugin.Param {
	return []plugin.Param{
		{Name: "cmd", Description: "Command to execute", Required: true},
		{Name: "chdir", Description: "Change to this directory before running"},
		{Name: "creates", Description: "Skip if this path exists"},
		{Name: "removes", Description: "Only run if this path exists"},
		{Name: "ignore_errors", Description: "Report non-zero exit codes as rows instead of failures"},
	}
}

type config struct {
	Cmd          string `yaml:"cmd" validate:"required"`
	Chdir        string `yaml:"chdir"`
	Creates      string `yaml:"creates"`
	Removes      string `yaml:"removes"`
	IgnoreErrors bool   `yaml:"ignore_errors"`
}

// New parses the arguments.
func (p *Plugin) New(args plugin.Args) (plugin.Instance, error) {
	var cfg config
	if err := plugin.Decode(args, &cfg); err != nil {
		return nil, err
	}
	return instance{cfg: cfg}, nil
}

type instance struct {
	cfg config
}

// Run executes the command.
func (in instance) Run(ctx context.Context, s session.Session, m machine.Descriptor) (plugin.Result, error) {
	if in.cfg.Creates != "" {
		exists, err := pathExists(ctx, s, in.cfg.Creates)
		if err != nil {
			return plugin.Result{}, fmt.Errorf("failed to check 'creates' path: %w", err)
		}
		if exists {
			return plugin.Rows(skipped(in.cfg.Cmd, fmt.Sprintf("'%s' exists", in.cfg.Creates))), nil
		}
	}

	if in.cfg.Removes != "" {
		exists, err := pathExists(ctx, s, in.cfg.Removes)
		if err != nil {
			return plugin.Result{}, fmt.Errorf("failed to check 'removes' path: %w", err)
		}
		if !exists {
			return plugin.Rows(skipped(in.cfg.Cmd, fmt.Sprintf("'%s' does not exist", in.cfg.Removes))), nil
		}
	}

	fullCmd := in.cfg.Cmd
	if in.cfg.Chdir != "" {
		fullCmd = fmt.Sprintf("cd %s && %s", session.ShellQuote(in.cfg.Chdir), in.cfg.Cmd)
	}

	out, err := s.RunCommand(ctx, fullCmd)
	if err != nil {
		return plugin.Result{}, err
	}

	if out.ExitCode != 0 && !in.cfg.IgnoreErrors {
		return plugin.Result{}, &Error{
			Cmd:      in.cfg.Cmd,
			ExitCode: out.ExitCode,
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
		}
	}

	return plugin.Result{
		Rows: []plugin.Row{{
			"cmd":       in.cfg.Cmd,
			"status":    "ran",
			"exit_code": out.ExitCode,
			"stdout":    strings.TrimSpace(out.Stdout),
			"stderr":    strings.TrimSpace(out.Stderr),
		}},
		SideEffects: true,
	}, nil
}

func skipped(cmd, reason string) plugin.Row {
	return plugin.Row{
		"cmd":       cmd,
		"status":    "skipped, " + reason,
		"exit_code": nil,
		"stdout":    "",
		"stderr":    "",
	}
}

// Error represents a command that exited non-zero.
type Error struct {
	Cmd      string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("command failed with exit code %d: %s", e.ExitCode, e.Cmd)
	if e.Stderr != "" {
		msg += fmt.Sprintf("\nstderr: %s", strings.TrimSpace(e.Stderr))
	}
	return msg
}

func pathExists(ctx context.Context, s session.Session, path string) (bool, error) {
	out, err := s.RunCommand(ctx, "test -e "+session.ShellQuote(path))
	if err != nil {
		return false, err
	}
	return out.ExitCode == 0, nil
}
