// Package filedownload provides a plugin that copies one file from every
// machine to the local disk.
package filedownload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/plugin"
	"github.com/eugenetaranov/leet/internal/session"
)

func init() {
	plugin.Register(Plugin{})
}

// Status values reported per machine.
const (
	StatusOK       = "ok"
	StatusNotFound = "failed, file not found"

	// StatusFailed prefixes other errors, e.g. "failed, permission denied".
	StatusFailed = "failed"
)

// Plugin downloads a single file. Local file names are prefixed with the
// backend ID, the machine name and, when it differs from the name, a short
// machine ID, so downloads from different machines never collide.
type Plugin struct{}

func (Plugin) Name() string { return "file_download" }

func (Plugin) Description() string { return "Download a single file." }

func (Plugin) Params() []plugin.Param {
	return []plugin.Param{
		{Name: "source", Description: "Absolute path of the file on the remote endpoint", Required: true},
		{Name: "dest", Description: "Local directory or file path; backend and machine are prepended to the file name", Required: true},
	}
}

type config struct {
	Source string `yaml:"source" validate:"required"`
	Dest   string `yaml:"dest" validate:"required"`
}

func (Plugin) New(args plugin.Args) (plugin.Instance, error) {
	var cfg config
	if err := plugin.Decode(args, &cfg); err != nil {
		return nil, err
	}
	if _, name := splitRemote(cfg.Source); name == "" {
		return nil, fmt.Errorf("source %q does not name a file", cfg.Source)
	}
	return instance{cfg: cfg}, nil
}

type instance struct {
	cfg config
}

func (in instance) Run(ctx context.Context, s session.Session, m machine.Descriptor) (plugin.Result, error) {
	dir, name := splitRemote(in.cfg.Source)

	entries, err := s.ListDirectory(ctx, dir)
	switch {
	case err == nil:
	case session.IsFatal(err):
		return plugin.Result{}, err
	case errors.Is(err, fs.ErrNotExist):
		return in.result(m, StatusNotFound, "", 0), nil
	default:
		return in.result(m, StatusFailed+", "+err.Error(), "", 0), nil
	}
	found := false
	for _, e := range entries {
		if e.Name == name && !e.IsDir {
			found = true
			break
		}
	}
	if !found {
		return in.result(m, StatusNotFound, "", 0), nil
	}

	data, err := s.GetFile(ctx, in.cfg.Source)
	if err != nil {
		return plugin.Result{}, err
	}

	dest := in.destination(m, name)
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return plugin.Result{}, fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return in.result(m, StatusOK, dest, int64(len(data))), nil
}

func (in instance) result(m machine.Descriptor, status, dest string, size int64) plugin.Result {
	return plugin.Result{
		Rows: []plugin.Row{{
			"hostname": m.Name(),
			"status":   status,
			"path":     dest,
			"size":     size,
		}},
		SideEffects: true,
	}
}

// destination returns the local path for the copy taken from m.
func (in instance) destination(m machine.Descriptor, remoteName string) string {
	prefix := localPrefix(m)
	if fi, err := os.Stat(in.cfg.Dest); err == nil && fi.IsDir() {
		return filepath.Join(in.cfg.Dest, prefix+"_"+remoteName)
	}
	dir, file := filepath.Split(in.cfg.Dest)
	return filepath.Join(dir, prefix+"_"+file)
}

// shortID is the number of machine ID characters kept in local file names.
const shortID = 12

// localPrefix identifies m in a local file name. Display names are not
// unique, so the backend ID and the machine ID are part of it.
func localPrefix(m machine.Descriptor) string {
	parts := []string{m.Backend(), m.Name()}
	if id := m.ID(); id != m.Name() {
		if len(id) > shortID {
			id = id[:shortID]
		}
		parts = append(parts, id)
	}
	return strings.NewReplacer("/", "_", `\`, "_", ":", "_").Replace(strings.Join(parts, "_"))
}

// splitRemote splits a remote path into its directory and file name,
// accepting both Windows and POSIX separators.
func splitRemote(p string) (string, string) {
	sep := "/"
	if strings.Contains(p, `\`) {
		sep = `\`
	}
	i := strings.LastIndex(p, sep)
	if i < 0 {
		return ".", p
	}
	dir := p[:i]
	if dir == "" || strings.HasSuffix(dir, ":") {
		dir += sep
	}
	return dir, p[i+1:]
}
