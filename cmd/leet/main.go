// Package main is the entrypoint for the leet CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	// Import backends and plugins to register them
	_ "github.com/eugenetaranov/leet/internal/backend/docker"
	_ "github.com/eugenetaranov/leet/internal/backend/local"
	_ "github.com/eugenetaranov/leet/internal/backend/ssh"
	_ "github.com/eugenetaranov/leet/internal/plugin/command"
	_ "github.com/eugenetaranov/leet/internal/plugin/dirlist"
	_ "github.com/eugenetaranov/leet/internal/plugin/facts"
	_ "github.com/eugenetaranov/leet/internal/plugin/filedownload"
	_ "github.com/eugenetaranov/leet/internal/plugin/processlist"

	"github.com/eugenetaranov/leet/internal/backend"
	"github.com/eugenetaranov/leet/internal/config"
	"github.com/eugenetaranov/leet/internal/lg"
	"github.com/eugenetaranov/leet/internal/output"
	"github.com/eugenetaranov/leet/internal/plugin"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	configPath string
	debug      bool
	noColor    bool
	logFormat  string
)

// errTargetsFailed makes the process exit non-zero without repeating the
// failures already printed in the report.
var errTargetsFailed = errors.New("one or more targets failed")

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errTargetsFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "leet",
	Short: "Leet - run plugins across machines reachable through EDR backends",
	Long: `Leet fans a plugin out across many machines at once. Machines are
reached through backends (local, docker, ssh) configured in an inventory
file. Each machine gets its own session; one machine failing never
aborts the others. Results are merged into a single table.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "leet.yaml", "Backend inventory file")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging and detailed output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console or json)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(pluginsCmd)
	rootCmd.AddCommand(machinesCmd)
}

func newLogger() (lg.Logger, error) {
	return lg.New(lg.Config{Debug: debug, Format: logFormat})
}

func newOutput() *output.Output {
	out := output.New(os.Stdout)
	out.SetColor(!noColor)
	out.SetDebug(debug)
	return out
}

// openBackends loads the inventory and opens every backend in it.
func openBackends() (*backend.Set, error) {
	inv, err := config.LoadInventory(configPath)
	if err != nil {
		return nil, err
	}
	return backend.OpenAll(inv.BackendConfigs())
}

// validateCmd validates job files without running them
var validateCmd = &cobra.Command{
	Use:   "validate <job.yaml> [job2.yaml ...]",
	Short: "Validate one or more job files",
	Long: `Parse and validate job files without running them.

This checks for:
  - Valid YAML syntax
  - Required fields (plugin, targets)
  - Known plugin and parameter names
  - Retry settings

Examples:
  leet validate collect.yaml
  leet validate jobs/*.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: validateJobs,
}

func validateJobs(cmd *cobra.Command, args []string) error {
	var hasErrors bool

	for _, path := range args {
		if err := validateJob(path); err != nil {
			fmt.Printf("FAIL: %s - %v\n", path, err)
			hasErrors = true
		} else {
			fmt.Printf("OK: %s\n", path)
		}
	}

	if hasErrors {
		return fmt.Errorf("one or more job files failed validation")
	}

	fmt.Printf("\nAll %d job file(s) valid.\n", len(args))
	return nil
}

func validateJob(path string) error {
	jf, err := config.LoadJob(path)
	if err != nil {
		return err
	}
	p, err := plugin.Lookup(jf.Plugin)
	if err != nil {
		return err
	}
	return plugin.CheckArgs(p, plugin.Args(jf.Args))
}

// pluginsCmd lists available plugins
var pluginsCmd = &cobra.Command{
	Use:   "plugins [name]",
	Short: "List available plugins or show the parameters of one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			p, err := plugin.Lookup(args[0])
			if err != nil {
				return err
			}
			fmt.Print(plugin.Help(p))
			return nil
		}

		names := plugin.List()
		if len(names) == 0 {
			fmt.Println("No plugins registered.")
			return nil
		}

		fmt.Println("Available plugins:")
		fmt.Println()
		for _, name := range names {
			fmt.Printf("  - %-14s %s\n", name, plugin.Get(name).Description())
		}
		fmt.Println()
		fmt.Printf("Total: %d plugins\n", len(names))
		return nil
	},
}

// machinesCmd lists the machines of the configured backends
var machinesCmd = &cobra.Command{
	Use:   "machines",
	Short: "List machines known to the configured backends",
	Long: `List the machines each backend can reach.

Examples:
  leet machines
  leet machines --backend lab --metadata role=web`,
	Args: cobra.NoArgs,
	RunE: listMachines,
}

func init() {
	machinesCmd.Flags().StringP("backend", "b", "", "Only list machines of this backend")
	machinesCmd.Flags().StringToString("metadata", nil, "Only list machines with this metadata (key=value)")
}

func listMachines(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("backend")
	md, _ := cmd.Flags().GetStringToString("metadata")

	set, err := openBackends()
	if err != nil {
		return err
	}
	defer set.Close()

	backends := set.All()
	if name != "" {
		b, ok := set.Get(name)
		if !ok {
			return fmt.Errorf("%w: %s", backend.ErrUnknownBackend, name)
		}
		backends = []backend.Backend{b}
	}

	targets := make([]config.Target, 0, len(backends))
	for _, b := range backends {
		targets = append(targets, config.Target{Backend: b.ID(), All: len(md) == 0, Metadata: md})
	}
	ms, err := config.Resolve(cmd.Context(), set, targets)
	if err != nil {
		return err
	}
	newOutput().Machines(ms)
	return nil
}
