// Package dirlist provides a plugin that lists a directory on every machine.
package dirlist

import (
	"context"
	"sort"

	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/plugin"
	"github.com/eugenetaranov/leet/internal/session"
)

func init() {
	plugin.Register(Plugin{})
}

// Plugin lists the direct children of a remote path.
type Plugin struct{}

func (Plugin) Name() string { return "dirlist" }

func (Plugin) Description() string {
	return "Returns a directory list from a path with timestamp data."
}

func (Plugin) Params() []plugin.Param {
	return []plugin.Param{
		{Name: "path", Description: "Path to be listed on the remote endpoint", Required: true},
	}
}

func (Plugin) New(args plugin.Args) (plugin.Instance, error) {
	var cfg struct {
		Path string `yaml:"path" validate:"required"`
	}
	if err := plugin.Decode(args, &cfg); err != nil {
		return nil, err
	}
	return instance{path: cfg.Path}, nil
}

type instance struct {
	path string
}

func (in instance) Run(ctx context.Context, s session.Session, m machine.Descriptor) (plugin.Result, error) {
	entries, err := s.ListDirectory(ctx, in.path)
	if err != nil {
		return plugin.Result{}, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	rows := make([]plugin.Row, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, plugin.Row{
			"filename": e.Name,
			"size":     e.Size,
			"dir":      e.IsDir,
			"mode":     e.Mode,
			"modified": e.ModTime.UTC(),
		})
	}
	return plugin.Rows(rows...), nil
}
