// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/buildaccel/controller"
	"github.com/bureau-foundation/buildaccel/dispatch"
	"github.com/bureau-foundation/buildaccel/lib/config"
	"github.com/bureau-foundation/buildaccel/lib/future"
	"github.com/bureau-foundation/buildaccel/lib/process"
	"github.com/bureau-foundation/buildaccel/lib/version"
)

// TokenEnv supplies the fleet token when the config has none.
const TokenEnv = "BUILDACCEL_FLEET_TOKEN"

// InputPlaceholder in a task's arguments is replaced with the path of
// its staged input file.
const InputPlaceholder = "{input}"

// failedTasksError carries the exit code for a run with failed tasks.
type failedTasksError struct {
	failed int
}

func (e *failedTasksError) Error() string {
	return fmt.Sprintf("%d task(s) failed", e.failed)
}

func (e *failedTasksError) ExitCode() int { return 2 }

var _ process.ExitCoder = (*failedTasksError)(nil)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

type options struct {
	configPath    string
	manifestPath  string
	envFile       string
	logFile       string
	metricsAddr   string
	statsInterval time.Duration
	verbose       bool
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("buildaccel", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "path to buildaccel.yaml (default: $"+config.ConfigEnv+")")
	flagSet.StringVarP(&opts.manifestPath, "manifest", "m", "", "JSONC task manifest to run (required)")
	flagSet.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config, if present")
	flagSet.StringVar(&opts.logFile, "log-file", "", "also write JSON logs to this rotated file")
	flagSet.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9464)")
	flagSet.DurationVar(&opts.statsInterval, "stats-interval", 5*time.Second, "how often to log scheduler statistics")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log debug output")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("buildaccel")
		return nil
	}
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}
	if opts.manifestPath == "" {
		return errors.New("--manifest is required")
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger, logCloser := newLogger(level, opts.logFile)
	defer logCloser.Close()

	if err := loadEnvFile(opts.envFile); err != nil {
		return err
	}
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	manifest, err := ReadManifest(opts.manifestPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if opts.metricsAddr != "" {
		shutdownMetrics := serveMetrics(opts.metricsAddr, registry, logger)
		defer shutdownMetrics()
	}

	ctrl, err := controller.New(controller.Config{
		Controller: cfg,
		OnPoolStatus: func(status string) {
			logger.Info("agent pool", "status", status)
		},
		Logger:     logger,
		Registerer: registry,
	})
	if err != nil {
		return err
	}
	if err := ctrl.Initialize(); err != nil {
		return err
	}
	defer ctrl.Shutdown()

	failed := runManifest(ctx, ctrl, manifest, opts.statsInterval, logger)
	if failed > 0 {
		return &failedTasksError{failed: failed}
	}
	return nil
}

// loadEnvFile loads path into the environment. A missing file is not
// an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// loadConfig reads the config file from path or BUILDACCEL_CONFIG. With
// neither set, the defaults run everything locally.
func loadConfig(path string) (*config.Controller, error) {
	var cfg *config.Controller
	var err error
	switch {
	case path != "":
		cfg, err = config.LoadFile(path)
	case os.Getenv(config.ConfigEnv) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
		cfg.Enabled = true
		cfg.ExpandPaths()
	}
	if err != nil {
		return nil, err
	}
	if cfg.Token == "" && cfg.TokenFile == "" {
		cfg.Token = os.Getenv(TokenEnv)
	}
	return cfg, nil
}

func serveMetrics(address string, registry *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	server := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "address", address, "error", err)
		}
	}()
	logger.Info("serving metrics", "address", address)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
}

// submitted pairs a task with its pending result. local is the
// command as the host runs it: the controller removes the staged input
// when the task completes, so a local rerun reads the original input.
type submitted struct {
	command dispatch.Command
	local   dispatch.Command
	result  *future.Future[dispatch.Result]
}

// runManifest submits every task, waits for the results, reruns
// handed-back tasks locally, and returns the number that failed.
func runManifest(ctx context.Context, ctrl *controller.Controller, manifest *Manifest, statsInterval time.Duration, logger *slog.Logger) int {
	tasks := make([]submitted, 0, len(manifest.Tasks))
	for i := range manifest.Tasks {
		local := manifest.Tasks[i].Command()
		command := local
		if local.InputFile != "" {
			local.Arguments = substituteInput(local.Arguments, local.InputFile)
			staged, err := stageInput(ctrl, local.InputFile)
			if err != nil {
				logger.Error("staging task input failed", "task", local.Description, "error", err)
				tasks = append(tasks, submitted{command: local, local: local, result: future.Resolved(dispatch.Result{Completed: true, ReturnCode: 1})})
				continue
			}
			command.InputFile = staged
			command.Arguments = substituteInput(command.Arguments, staged)
		}
		tasks = append(tasks, submitted{command: command, local: local, result: ctrl.EnqueueTask(command)})
	}
	logger.Info("tasks submitted", "count", len(tasks))

	var ticker <-chan time.Time
	if statsInterval > 0 {
		statsTicker := time.NewTicker(statsInterval)
		defer statsTicker.Stop()
		ticker = statsTicker.C
	}

	failed := 0
	for _, task := range tasks {
		result, ok := waitResult(ctx, ctrl, task.result, ticker, logger)
		if !ok {
			logger.Warn("interrupted; abandoning remaining tasks")
			return failed + 1
		}
		if needsLocalRun(task.command, result) {
			logger.Info("running task locally", "task", task.local.Description, "completed", result.Completed)
			result = runLocally(ctx, task.local)
		}
		for _, line := range result.LogLines {
			fmt.Fprintf(os.Stdout, "[%s] %s\n", task.command.Description, line)
		}
		if result.ReturnCode != 0 {
			failed++
			logger.Error("task failed", "task", task.command.Description, "exit_code", result.ReturnCode)
		}
	}
	return failed
}

// substituteInput returns a copy of arguments with every input
// placeholder replaced by path.
func substituteInput(arguments []string, path string) []string {
	substituted := make([]string, len(arguments))
	for i, argument := range arguments {
		substituted[i] = strings.ReplaceAll(argument, InputPlaceholder, path)
	}
	return substituted
}

// waitResult waits for one result, logging statistics on every tick.
func waitResult(ctx context.Context, ctrl *controller.Controller, result *future.Future[dispatch.Result], ticker <-chan time.Time, logger *slog.Logger) (dispatch.Result, bool) {
	for {
		select {
		case <-result.Done():
			return result.Wait(), true
		case <-ctx.Done():
			return dispatch.Result{}, false
		case <-ticker:
			if stats, ok := ctrl.PollStats(); ok {
				logger.Info("scheduler",
					"queued", stats.Queued,
					"active_local", stats.ActiveLocal,
					"active_remote", stats.ActiveRemote,
					"finished", stats.Finished,
					"max_agents", stats.MaxRemoteAgents,
					"max_remote_cores", stats.MaxActiveRemoteCores,
				)
			}
		}
	}
}

// stageInput copies path into the controller's working directory. The
// controller deletes the staged copy when the task completes.
func stageInput(ctrl *controller.Controller, path string) (string, error) {
	staged := ctrl.CreateUniqueFilePath()
	if err := os.MkdirAll(filepath.Dir(staged), 0755); err != nil {
		return "", err
	}
	source, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer source.Close()
	target, err := os.Create(staged)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(target, source); err != nil {
		target.Close()
		return "", err
	}
	return staged, target.Close()
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `buildaccel runs a manifest of build tasks, spreading them over local
cores and leased fleet agents.

Usage:
  buildaccel --manifest tasks.jsonc [flags]

Without --config or $%s every task runs locally.

Flags:
`, config.ConfigEnv)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
