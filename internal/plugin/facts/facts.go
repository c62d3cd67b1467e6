// Package facts provides a plugin that reports basic system information.
package facts

import (
	"context"
	"fmt"
	"strings"

	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/plugin"
	"github.com/eugenetaranov/leet/internal/session"
)

// probe prints one key=value pair per line.
const probe = `printf 'os_type=%s\n' "$(uname -s)"
printf 'architecture=%s\n' "$(uname -m)"
printf 'kernel=%s\n' "$(uname -r)"
printf 'hostname=%s\n' "$(hostname)"
printf 'user=%s\n' "$(whoami)"
printf 'home=%s\n' "$HOME"`

// envVars are reported when the env parameter is set.
var envVars = []string{"PATH", "SHELL", "LANG", "LC_ALL", "TERM"}

func init() {
	plugin.Register(Plugin{})
}

// Plugin gathers operating system facts.
type Plugin struct{}

func (Plugin) Name() string { return "facts" }

func (Plugin) Description() string {
	return "Returns operating system, kernel and user information."
}

func (Plugin) Params() []plugin.Param {
	return []plugin.Param{
		{Name: "env", Description: "Also report common environment variables as env_* columns"},
	}
}

func (Plugin) New(args plugin.Args) (plugin.Instance, error) {
	var cfg struct {
		Env bool `yaml:"env"`
	}
	if err := plugin.Decode(args, &cfg); err != nil {
		return nil, err
	}
	return instance{env: cfg.Env}, nil
}

type instance struct {
	env bool
}

func (in instance) Run(ctx context.Context, s session.Session, m machine.Descriptor) (plugin.Result, error) {
	out, err := s.RunCommand(ctx, probe)
	if err != nil {
		return plugin.Result{}, err
	}
	if out.ExitCode != 0 {
		return plugin.Result{}, fmt.Errorf("probe exited with code %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}

	row := plugin.Row{}
	for k, v := range parseKeyValues(out.Stdout) {
		row[k] = v
	}
	row["arch"] = normalizeArch(fmt.Sprint(row["architecture"]))

	switch row["os_type"] {
	case "Darwin":
		row["os_family"] = "Darwin"
		row["pkg_manager"] = "brew"
		if out, err := s.RunCommand(ctx, "sw_vers -productVersion"); err == nil && out.ExitCode == 0 {
			row["os_version"] = strings.TrimSpace(out.Stdout)
		}
		if out, err := s.RunCommand(ctx, "sw_vers -productName"); err == nil && out.ExitCode == 0 {
			row["os_name"] = strings.TrimSpace(out.Stdout)
		}

	case "Linux":
		row["os_family"] = "Linux"
		if out, err := s.RunCommand(ctx, "cat /etc/os-release 2>/dev/null"); err == nil && out.ExitCode == 0 {
			osRelease := parseKeyValues(out.Stdout)
			row["distribution"] = osRelease["ID"]
			row["distribution_version"] = osRelease["VERSION_ID"]
			row["os_name"] = osRelease["PRETTY_NAME"]
			if family, pkg, ok := distroFamily(osRelease["ID"]); ok {
				row["os_family"] = family
				row["pkg_manager"] = pkg
			}
		} else if err != nil && session.IsFatal(err) {
			return plugin.Result{}, err
		}
	}

	if in.env {
		for _, v := range envVars {
			out, err := s.RunCommand(ctx, "printf '%s' \"$"+v+"\"")
			if err != nil {
				return plugin.Result{}, err
			}
			row["env_"+v] = out.Stdout
		}
	}

	return plugin.Rows(row), nil
}

func distroFamily(id string) (family, pkgManager string, ok bool) {
	switch id {
	case "ubuntu", "debian", "linuxmint", "pop":
		return "Debian", "apt", true
	case "fedora", "rhel", "centos", "rocky", "almalinux":
		return "RedHat", "dnf", true
	case "arch", "manjaro":
		return "Arch", "pacman", true
	case "alpine":
		return "Alpine", "apk", true
	case "opensuse", "sles":
		return "Suse", "zypper", true
	}
	return "", "", false
}

func normalizeArch(arch string) string {
	switch arch {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	case "armv7l":
		return "arm"
	default:
		return arch
	}
}

// parseKeyValues parses KEY=value lines, as found in /etc/os-release.
func parseKeyValues(content string) map[string]string {
	result := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, "="); idx > 0 {
			result[line[:idx]] = strings.Trim(line[idx+1:], "\"'")
		}
	}
	return result
}
