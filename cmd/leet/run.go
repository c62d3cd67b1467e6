package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eugenetaranov/leet/internal/backend"
	"github.com/eugenetaranov/leet/internal/config"
	"github.com/eugenetaranov/leet/internal/job"
	"github.com/eugenetaranov/leet/internal/lg"
	"github.com/eugenetaranov/leet/internal/machine"
	"github.com/eugenetaranov/leet/internal/metrics"
	"github.com/eugenetaranov/leet/internal/output"
	"github.com/eugenetaranov/leet/internal/plugin"
	"github.com/eugenetaranov/leet/internal/sink"
)

// runCmd executes a job file
var runCmd = &cobra.Command{
	Use:   "run <job.yaml>",
	Short: "Run a job file",
	Long: `Run the plugin of a job file against its target machines.

Examples:
  leet run collect.yaml
  leet run collect.yaml --concurrency 50 --csv out.csv
  leet run collect.yaml --nats-url nats://localhost:4222`,
	Args: cobra.ExactArgs(1),
	RunE: runJob,
}

// execCmd runs a plugin without a job file
var execCmd = &cobra.Command{
	Use:   "exec <plugin> [name=value ...]",
	Short: "Run a plugin against machines given on the command line",
	Long: `Run a plugin directly. Arguments are name=value pairs; values are
read as YAML scalars, so numbers and booleans keep their type.

Examples:
  leet exec dirlist path=/etc --backend lab --machines web1,web2
  leet exec command cmd=uptime --backend lab --all
  leet exec facts --backend lab --metadata role=db`,
	Args: cobra.MinimumNArgs(1),
	RunE: execPlugin,
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("concurrency", "j", config.DefaultConcurrency, "Maximum number of machines processed at once")
	cmd.Flags().String("csv", "", "Write the result rows to this CSV file")
	cmd.Flags().String("nats-url", "", "Publish outcomes to this NATS server")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
}

func init() {
	addRunFlags(runCmd)
	addRunFlags(execCmd)

	execCmd.Flags().StringP("backend", "b", "", "Backend to select machines from")
	execCmd.Flags().StringSliceP("machines", "m", nil, "Machine names or IDs")
	execCmd.Flags().Bool("all", false, "Select every machine of the backend")
	execCmd.Flags().StringToString("metadata", nil, "Only select machines with this metadata (key=value)")
	execCmd.Flags().Int("max-attempts", 0, "Maximum connection attempts per machine (0 = unlimited)")
	execCmd.Flags().Duration("connect-timeout", 0, "Give up connecting to a machine after this long (0 = never)")
	_ = execCmd.MarkFlagRequired("backend")
}

func runJob(cmd *cobra.Command, args []string) error {
	jf, err := config.LoadJob(args[0])
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("concurrency") {
		jf.Concurrency, _ = cmd.Flags().GetInt("concurrency")
	}
	return dispatch(cmd, jf)
}

func execPlugin(cmd *cobra.Command, args []string) error {
	pluginArgs, err := plugin.ParseArgs(args[1:])
	if err != nil {
		return err
	}

	target := config.Target{}
	target.Backend, _ = cmd.Flags().GetString("backend")
	target.Machines, _ = cmd.Flags().GetStringSlice("machines")
	target.All, _ = cmd.Flags().GetBool("all")
	target.Metadata, _ = cmd.Flags().GetStringToString("metadata")

	jf := &config.JobFile{
		Plugin:  args[0],
		Args:    pluginArgs,
		Targets: []config.Target{target},
	}
	jf.Concurrency, _ = cmd.Flags().GetInt("concurrency")
	jf.Retry.MaxAttempts, _ = cmd.Flags().GetInt("max-attempts")
	jf.Retry.Timeout, _ = cmd.Flags().GetDuration("connect-timeout")
	if err := jf.Validate(); err != nil {
		return err
	}
	return dispatch(cmd, jf)
}

// dispatch resolves the targets of jf, runs the job and prints the report.
func dispatch(cmd *cobra.Command, jf *config.JobFile) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	out := newOutput()

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted, cancelling job...")
			cancel()
		case <-ctx.Done():
		}
	}()

	set, err := openBackends()
	if err != nil {
		return err
	}
	defer func() {
		if err := set.Close(); err != nil {
			logger.Warn("failed to close backends", lg.Err(err))
		}
	}()

	targets, err := resolveTargets(ctx, set, jf, out)
	if err != nil {
		return err
	}
	req, err := jf.Request(targets)
	if err != nil {
		return err
	}

	var rec *metrics.Recorder
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		rec = metrics.New()
		stop := serveMetrics(addr, rec, logger)
		defer stop()
	}

	var pub *sink.Publisher
	if url, _ := cmd.Flags().GetString("nats-url"); url != "" {
		pub, err = sink.Connect(url, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
	}

	d := job.NewDispatcher(set, job.WithLogger(logger), job.WithMetrics(rec))
	h, err := d.Submit(lg.Attach(ctx, logger), req)
	if err != nil {
		return err
	}

	out.JobStart(h.ID(), jf.Plugin, len(targets))
	for o := range h.Outcomes() {
		out.TargetResult(o)
		if pub != nil {
			if err := pub.Outcome(h.ID(), jf.Plugin, o); err != nil {
				logger.Warn("failed to publish outcome", lg.Stringer("machine", o.Machine.Key()), lg.Err(err))
			}
		}
	}

	res := h.Wait()
	out.Table(res)
	out.Failures(res)
	out.JobEnd(res)

	if pub != nil {
		if err := pub.Result(res); err != nil {
			logger.Warn("failed to publish result", lg.Err(err))
		}
	}
	if path, _ := cmd.Flags().GetString("csv"); path != "" {
		if err := output.SaveCSV(path, res); err != nil {
			return err
		}
		out.Info("rows written to %s", path)
	}

	if res.Failed > 0 {
		return errTargetsFailed
	}
	return nil
}

// resolveTargets looks up the job's machines. Names that match nothing are
// reported and skipped as long as at least one machine was found.
func resolveTargets(ctx context.Context, set *backend.Set, jf *config.JobFile, out *output.Output) ([]machine.Descriptor, error) {
	targets, err := config.Resolve(ctx, set, jf.Targets)
	var missing *config.MissingError
	switch {
	case errors.As(err, &missing):
		out.Warn("%v", missing)
	case err != nil:
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no machines matched the job targets")
	}
	return targets, nil
}

// serveMetrics exposes rec on addr until the returned func is called.
func serveMetrics(addr string, rec *metrics.Recorder, logger lg.Logger) func() {
	mux := http.NewServeMux()
	rec.RegisterMetrics(mux)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", lg.String("addr", addr), lg.Err(err))
		}
	}()
	logger.Info("serving metrics", lg.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
