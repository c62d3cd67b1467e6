// Package processlist provides a plugin that lists running processes.
package processlist

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/plugin"
	"github.com/eugenetaranov/leet/internal/session"
)

// Command prints one process per line without a header.
const Command = "ps -eo pid=,ppid=,user=,args="

func init() {
	plugin.Register(Plugin{})
}

// Plugin returns the processes currently in execution.
type Plugin struct{}

func (Plugin) Name() string { return "process_list" }

func (Plugin) Description() string {
	return "Returns a list of processes currently in execution."
}

func (Plugin) Params() []plugin.Param {
	return []plugin.Param{
		{Name: "match", Description: "Only return processes whose command line contains this string"},
	}
}

func (Plugin) New(args plugin.Args) (plugin.Instance, error) {
	var cfg struct {
		Match string `yaml:"match"`
	}
	if err := plugin.Decode(args, &cfg); err != nil {
		return nil, err
	}
	return instance{match: cfg.Match}, nil
}

type instance struct {
	match string
}

func (in instance) Run(ctx context.Context, s session.Session, m machine.Descriptor) (plugin.Result, error) {
	out, err := s.RunCommand(ctx, Command)
	if err != nil {
		return plugin.Result{}, err
	}
	if out.ExitCode != 0 {
		return plugin.Result{}, fmt.Errorf("ps exited with code %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}

	procs, err := Parse(out.Stdout)
	if err != nil {
		return plugin.Result{}, err
	}

	rows := []plugin.Row{}
	for _, p := range procs {
		if in.match != "" && !strings.Contains(p.Command, in.match) {
			continue
		}
		rows = append(rows, plugin.Row{
			"pid":     p.PID,
			"ppid":    p.PPID,
			"user":    p.User,
			"command": p.Command,
		})
	}
	return plugin.Rows(rows...), nil
}

// Process is one line of ps output.
type Process struct {
	PID     int
	PPID    int
	User    string
	Command string
}

// Parse reads the output of Command.
func Parse(out string) ([]Process, error) {
	var procs []Process
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 4 {
			return nil, fmt.Errorf("malformed ps line: %q", line)
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("malformed pid in %q: %w", line, err)
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("malformed ppid in %q: %w", line, err)
		}
		procs = append(procs, Process{
			PID:     pid,
			PPID:    ppid,
			User:    fields[2],
			Command: strings.Join(fields[3:], " "),
		})
	}
	return procs, nil
}
