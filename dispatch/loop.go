// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/buildaccel/engine"
	"github.com/bureau-foundation/buildaccel/lib/clock"
	"github.com/bureau-foundation/buildaccel/lib/config"
	"github.com/bureau-foundation/buildaccel/lib/hwinfo"
)

// AgentPool is the part of the agent pool the loop drives.
type AgentPool interface {
	SetTargetCoreCount(cores int)
	ActiveCoreCount() int
	AgentCount() int
	Close()
}

// PoolFactory creates an agent pool when the engine starts. The pool
// connects agents back to eng.
type PoolFactory func(ctx context.Context, eng engine.Engine) (AgentPool, error)

// State is the loop's lifecycle state.
type State int32

const (
	// StateIdle means the engine is stopped.
	StateIdle State = iota
	// StateActive means the engine is running and tasks flow to it.
	StateActive
	// StateTerminal means Run has returned.
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// LoopConfig holds the loop's collaborators.
type LoopConfig struct {
	Config *config.Controller
	Queue  *Queue
	Engine engine.Engine
	// NewPool is nil when no fleet is configured.
	NewPool PoolFactory

	// WorkDir holds the engine root and trace snapshots.
	WorkDir   string
	SessionID string

	// HardwareCores overrides the detected logical core count.
	HardwareCores int

	Clock      clock.Clock
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// Loop is the single consumer of a Queue.
type Loop struct {
	config    *config.Controller
	queue     *Queue
	engine    engine.Engine
	newPool   PoolFactory
	workDir   string
	sessionID string
	hwCores   int
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *Metrics

	state atomic.Int32
	stats statsAccumulator
	done  chan struct{}

	// Owned by the Run goroutine.
	pool          AgentPool
	lastBusy      time.Time
	lastHeartbeat time.Time
	lastTrace     time.Time
}

// NewLoop validates config. Call Run to start the loop.
func NewLoop(config LoopConfig) (*Loop, error) {
	if config.Config == nil {
		return nil, errors.New("dispatch: Config is required")
	}
	if config.Queue == nil {
		return nil, errors.New("dispatch: Queue is required")
	}
	if config.Engine == nil {
		return nil, errors.New("dispatch: Engine is required")
	}
	if config.WorkDir == "" {
		return nil, errors.New("dispatch: WorkDir is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.HardwareCores <= 0 {
		config.HardwareCores = hwinfo.LogicalCores()
	}
	if config.Registerer == nil {
		config.Registerer = prometheus.NewRegistry()
	}
	return &Loop{
		config:    config.Config,
		queue:     config.Queue,
		engine:    config.Engine,
		newPool:   config.NewPool,
		workDir:   config.WorkDir,
		sessionID: config.SessionID,
		hwCores:   config.HardwareCores,
		clock:     config.Clock,
		logger:    config.Logger,
		metrics:   NewMetrics(config.Registerer),
		done:      make(chan struct{}),
	}, nil
}

// State returns the current state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Done is closed when Run has stopped the engine and returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// PollStats returns accumulated statistics and resets the per-poll
// counters.
func (l *Loop) PollStats() Stats {
	return l.stats.drain()
}

// Run drives the loop until ctx is cancelled. Tasks still queued at
// that point are left for the caller to cancel.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	defer l.terminate()

	poll := l.config.Intervals.Poll
	for {
		if ctx.Err() != nil {
			return
		}
		l.step(ctx)

		select {
		case <-ctx.Done():
			return
		case <-l.clock.After(poll):
		}
	}
}

// step runs one iteration of the state machine.
func (l *Loop) step(ctx context.Context) {
	switch l.State() {
	case StateIdle:
		if l.queue.Len() > 0 {
			l.activate(ctx)
		}
	case StateActive:
		l.iterate(ctx)
	}
}

func (l *Loop) activate(ctx context.Context) {
	options := engine.StartOptions{
		RootDir:    filepath.Join(l.workDir, "engine"),
		Listen:     l.config.Agent.Listen,
		ListenPort: l.config.Agent.ListenPort,
		Host:       l.config.Host,
		SessionID:  l.sessionID,
	}
	if err := l.engine.Start(ctx, options); err != nil {
		l.logger.Error("starting engine failed; cancelling queued tasks", "error", err)
		cancelled := l.queue.CancelAll()
		l.metrics.TasksResolved.WithLabelValues(OutcomeCancelled).Add(float64(cancelled))
		for range cancelled {
			l.stats.finished()
		}
		return
	}

	if l.newPool != nil {
		pool, err := l.newPool(ctx, l.engine)
		if err != nil {
			l.logger.Warn("agent pool unavailable; running locally only", "error", err)
		} else {
			l.pool = pool
		}
	}

	now := l.clock.Now()
	l.lastBusy = now
	l.lastHeartbeat = now
	l.lastTrace = now
	l.state.Store(int32(StateActive))
	l.metrics.EngineActive.Set(1)
	l.logger.Info("dispatch active", "remote", l.pool != nil)
}

func (l *Loop) iterate(ctx context.Context) {
	now := l.clock.Now()

	dispatched := 0
	for {
		task, ok := l.queue.Dequeue()
		if !ok {
			break
		}
		l.dispatch(task)
		dispatched++
	}

	engineStats := l.engine.Stats()
	budget := ComputeBudget(BudgetInput{
		HardwareCores:             l.hwCores,
		MaxLocalParallel:          l.config.MaxLocalParallel,
		RemoteJobsPerReservedCore: l.config.RemoteJobsPerReservedCore,
		Queued:                    engineStats.Queued,
		ActiveLocal:               engineStats.ActiveLocal,
		ActiveRemote:              engineStats.ActiveRemote,
	})

	agents, remoteCores := 0, 0
	if l.pool != nil {
		l.pool.SetTargetCoreCount(budget.MaxRemote)
		agents = l.pool.AgentCount()
		remoteCores = l.pool.ActiveCoreCount()
	}
	l.engine.SetMaxLocalProcessors(budget.MaxLocal)

	l.stats.observe(engineStats.Queued, engineStats.ActiveLocal, engineStats.ActiveRemote, agents, remoteCores)
	l.metrics.TasksQueued.Set(float64(engineStats.Queued))
	l.metrics.TasksActiveLocal.Set(float64(engineStats.ActiveLocal))
	l.metrics.TasksActiveRemote.Set(float64(engineStats.ActiveRemote))
	l.metrics.LocalCoreLimit.Set(float64(budget.MaxLocal))
	l.metrics.RemoteCoreGoal.Set(float64(budget.MaxRemote))

	if now.Sub(l.lastHeartbeat) >= l.config.Intervals.Heartbeat {
		l.lastHeartbeat = now
		l.logger.Info("dispatch heartbeat",
			"queued", engineStats.Queued,
			"active_local", engineStats.ActiveLocal,
			"active_remote", engineStats.ActiveRemote,
			"finished", engineStats.Finished,
			"max_local", budget.MaxLocal,
			"remote_target", budget.MaxRemote,
			"agents", agents,
			"remote_cores", remoteCores,
		)
	}
	if now.Sub(l.lastTrace) >= l.config.Intervals.Trace {
		l.lastTrace = now
		l.saveTrace("")
	}

	if dispatched > 0 || !l.engine.IsEmpty() {
		l.lastBusy = now
		return
	}
	if now.Sub(l.lastBusy) >= l.config.Intervals.IdleShutdown {
		l.logger.Info("dispatch idle; stopping engine", "idle", now.Sub(l.lastBusy))
		l.deactivate()
	}
}

// dispatch hands one task to the engine. A rejected task resolves as
// cancelled so the host runs it itself.
func (l *Loop) dispatch(task *Task) {
	command := task.Command
	weight := command.Weight
	if weight <= 0 {
		weight = 1
	}
	info := engine.ProcessStartInfo{
		Application: command.Executable,
		Arguments:   command.Arguments,
		WorkingDir:  command.WorkingDir,
		Description: command.Description,
		OnExit: func(result engine.ProcessResult) {
			l.complete(task, result)
		},
	}
	if command.OutputFile != "" {
		info.Outputs = []string{command.OutputFile}
	}
	knownInputs := command.Dependencies
	if command.InputFile != "" {
		knownInputs = append([]string{command.InputFile}, command.Dependencies...)
	}

	if _, err := l.engine.EnqueueProcess(info, weight, knownInputs); err != nil {
		l.logger.Warn("engine rejected task", "task", task.ID, "error", err)
		if task.Cancel() {
			l.metrics.TasksResolved.WithLabelValues(OutcomeCancelled).Inc()
			l.stats.finished()
		}
		return
	}
	l.metrics.TasksDispatched.Inc()
	l.logger.Debug("task dispatched", "task", task.ID, "description", command.Description)
}

// complete runs on the engine's goroutine once per dispatched task.
// The input is gone before the output is checked, and the output is
// checked before the future resolves.
func (l *Loop) complete(task *Task, result engine.ProcessResult) {
	command := task.Command
	if command.InputFile != "" {
		if err := os.Remove(command.InputFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("removing task input failed", "task", task.ID, "path", command.InputFile, "error", err)
		}
		l.engine.ForgetFile(command.InputFile)
		l.engine.DeleteCasEntry(command.InputFile)
	}
	if command.OutputFile != "" {
		l.engine.DeleteCasEntry(command.OutputFile)
	}

	outcome := OutcomeCompleted
	resolved := Result{Completed: true, ReturnCode: result.ExitCode, LogLines: result.LogLines}
	if _, err := ValidateOutput(command.OutputFile); err != nil {
		// Completed with code zero and no output file tells the host
		// to run the task again locally.
		l.logger.Warn("task output invalid; host will rerun locally",
			"task", task.ID,
			"exit_code", result.ExitCode,
			"error", err,
		)
		if command.OutputFile != "" {
			if err := os.Remove(command.OutputFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				l.logger.Warn("removing invalid output failed", "task", task.ID, "error", err)
			}
		}
		l.saveTrace(fmt.Sprintf("invalid-%d", task.ID))
		resolved = Result{Completed: true, ReturnCode: 0, LogLines: result.LogLines}
		outcome = OutcomeRerun
	}

	if task.Resolve(resolved) {
		l.metrics.TasksResolved.WithLabelValues(outcome).Inc()
		l.stats.finished()
	}
}

func (l *Loop) saveTrace(suffix string) {
	name := l.sessionID
	if name == "" {
		name = "dispatch"
	}
	if suffix != "" {
		name += "-" + suffix
	}
	path := filepath.Join(l.workDir, "traces", name+".trace")
	if err := l.engine.SaveTrace(path); err != nil {
		l.logger.Warn("saving trace failed", "path", path, "error", err)
		return
	}
	l.metrics.TracesSaved.Inc()
	l.logger.Debug("trace saved", "path", path)
}

// deactivate stops the pool and then the engine, returning to idle.
func (l *Loop) deactivate() {
	if l.pool != nil {
		l.pool.Close()
		l.pool = nil
	}
	l.engine.Stop()
	l.state.Store(int32(StateIdle))
	l.metrics.EngineActive.Set(0)
}

func (l *Loop) terminate() {
	if l.State() == StateActive {
		l.saveTrace("")
		l.deactivate()
	}
	l.state.Store(int32(StateTerminal))
	l.logger.Info("dispatch stopped")
}
