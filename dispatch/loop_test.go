// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bureau-foundation/buildaccel/engine"
	"github.com/bureau-foundation/buildaccel/lib/clock"
	"github.com/bureau-foundation/buildaccel/lib/config"
	"github.com/bureau-foundation/buildaccel/lib/future"
	"github.com/bureau-foundation/buildaccel/lib/testutil"
)

const testTimeout = 10 * time.Second

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEngine records calls and completes processes only when told to.
type fakeEngine struct {
	mu         sync.Mutex
	starts     []engine.StartOptions
	stops      int
	running    bool
	startErr   error
	enqueueErr error
	next       engine.ProcessHandle
	pending    map[engine.ProcessHandle]engine.ProcessStartInfo
	inputs     map[engine.ProcessHandle][]string
	maxLocal   []int
	stats      engine.SchedulerStats
	calls      []string
	traces     []string

	// onCall runs for every ForgetFile and DeleteCasEntry call.
	onCall func(call string)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		pending: make(map[engine.ProcessHandle]engine.ProcessStartInfo),
		inputs:  make(map[engine.ProcessHandle][]string),
	}
}

var _ engine.Engine = (*fakeEngine)(nil)

func (f *fakeEngine) Start(_ context.Context, options engine.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts = append(f.starts, options)
	f.running = true
	return nil
}

func (f *fakeEngine) Stop() {
	f.mu.Lock()
	f.stops++
	f.running = false
	pending := f.pending
	f.pending = make(map[engine.ProcessHandle]engine.ProcessStartInfo)
	f.mu.Unlock()
	for handle, info := range pending {
		info.OnExit(engine.ProcessResult{Handle: handle, ExitCode: engine.ExitCodeAbandoned})
	}
}

func (f *fakeEngine) EnqueueProcess(info engine.ProcessStartInfo, _ float32, knownInputs []string) (engine.ProcessHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return 0, f.enqueueErr
	}
	f.next++
	f.pending[f.next] = info
	f.inputs[f.next] = knownInputs
	return f.next, nil
}

func (f *fakeEngine) SetMaxLocalProcessors(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxLocal = append(f.maxLocal, n)
}

func (f *fakeEngine) Stats() engine.SchedulerStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeEngine) IsEmpty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending) == 0
}

func (f *fakeEngine) ForgetFile(path string) { f.record("forget:" + path) }

func (f *fakeEngine) DeleteCasEntry(path string) { f.record("cas:" + path) }

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook(call)
	}
}

func (f *fakeEngine) AddClient(context.Context, string, int, string) error { return nil }

func (f *fakeEngine) SaveTrace(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.traces = append(f.traces, path)
	return nil
}

func (f *fakeEngine) setStats(stats engine.SchedulerStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = stats
}

// finish completes one pending process.
func (f *fakeEngine) finish(t *testing.T, handle engine.ProcessHandle, exitCode int) {
	t.Helper()
	f.mu.Lock()
	info, ok := f.pending[handle]
	delete(f.pending, handle)
	f.mu.Unlock()
	if !ok {
		t.Fatalf("process %d not pending", handle)
	}
	info.OnExit(engine.ProcessResult{Handle: handle, ExitCode: exitCode, LogLines: []string{"done"}})
}

func (f *fakeEngine) snapshot() (starts, stops int, calls, traces []string, maxLocal []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts), f.stops, slices.Clone(f.calls), slices.Clone(f.traces), slices.Clone(f.maxLocal)
}

type fakePool struct {
	mu      sync.Mutex
	targets []int
	cores   int
	agents  int
	closed  bool
}

func (p *fakePool) SetTargetCoreCount(cores int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets = append(p.targets, cores)
}

func (p *fakePool) ActiveCoreCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cores
}

func (p *fakePool) AgentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agents
}

func (p *fakePool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePool) lastTarget() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.targets) == 0 {
		return -1
	}
	return p.targets[len(p.targets)-1]
}

type loopHarness struct {
	loop   *Loop
	queue  *Queue
	engine *fakeEngine
	pools  []*fakePool
	clock  *clock.FakeClock
	dir    string
	nextID uint64
}

func newHarness(t *testing.T, withPool bool) *loopHarness {
	t.Helper()
	h := &loopHarness{
		queue:  &Queue{},
		engine: newFakeEngine(),
		clock:  clock.Fake(epoch),
		dir:    t.TempDir(),
	}
	cfg := config.Default()
	loopConfig := LoopConfig{
		Config:        cfg,
		Queue:         h.queue,
		Engine:        h.engine,
		WorkDir:       h.dir,
		SessionID:     "session",
		HardwareCores: 8,
		Clock:         h.clock,
		Logger:        discardLogger(),
	}
	if withPool {
		loopConfig.NewPool = func(context.Context, engine.Engine) (AgentPool, error) {
			pool := &fakePool{}
			h.pools = append(h.pools, pool)
			return pool, nil
		}
	}
	loop, err := NewLoop(loopConfig)
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	h.loop = loop
	return h
}

// enqueue adds a task whose input exists and whose output path is in
// the harness directory.
func (h *loopHarness) enqueue(t *testing.T) (*Task, *future.Future[Result]) {
	t.Helper()
	h.nextID++
	input := filepath.Join(h.dir, "in-"+strings.Repeat("x", int(h.nextID)))
	if err := os.WriteFile(input, []byte("input"), 0644); err != nil {
		t.Fatal(err)
	}
	task, result := NewTask(h.nextID, Command{
		Executable:   "/opt/tool",
		Arguments:    []string{"-compile"},
		InputFile:    input,
		OutputFile:   input + ".out",
		Dependencies: []string{"/opt/include/common.h"},
		Description:  "task",
	})
	h.queue.Enqueue(task)
	return task, result
}

func TestNewLoopValidation(t *testing.T) {
	valid := LoopConfig{Config: config.Default(), Queue: &Queue{}, Engine: newFakeEngine(), WorkDir: t.TempDir()}
	for name, mutate := range map[string]func(*LoopConfig){
		"config":  func(c *LoopConfig) { c.Config = nil },
		"queue":   func(c *LoopConfig) { c.Queue = nil },
		"engine":  func(c *LoopConfig) { c.Engine = nil },
		"workdir": func(c *LoopConfig) { c.WorkDir = "" },
	} {
		c := valid
		mutate(&c)
		if _, err := NewLoop(c); err == nil {
			t.Errorf("missing %s accepted", name)
		}
	}
}

func TestLoopStaysIdleWithoutWork(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	for range 3 {
		h.loop.step(ctx)
	}
	if h.loop.State() != StateIdle {
		t.Errorf("state = %s", h.loop.State())
	}
	if starts, _, _, _, _ := h.engine.snapshot(); starts != 0 {
		t.Errorf("engine started %d times with no work", starts)
	}
}

func TestLoopActivatesAndDispatches(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	task, _ := h.enqueue(t)

	h.loop.step(ctx)
	if h.loop.State() != StateActive {
		t.Fatalf("state = %s, want active", h.loop.State())
	}
	if len(h.pools) != 1 {
		t.Fatalf("pool created %d times", len(h.pools))
	}
	options := h.engine.starts[0]
	if options.SessionID != "session" || options.RootDir != filepath.Join(h.dir, "engine") || !options.Listen {
		t.Errorf("start options = %+v", options)
	}

	h.loop.step(ctx)
	if h.queue.Len() != 0 {
		t.Error("queue not drained")
	}
	info := h.engine.pending[1]
	if info.Application != "/opt/tool" || !slices.Equal(info.Outputs, []string{task.Command.OutputFile}) {
		t.Errorf("process info = %+v", info)
	}
	if want := []string{task.Command.InputFile, "/opt/include/common.h"}; !slices.Equal(h.engine.inputs[1], want) {
		t.Errorf("known inputs = %v, want %v", h.engine.inputs[1], want)
	}
	if got := promtestutil.ToFloat64(h.loop.metrics.TasksDispatched); got != 1 {
		t.Errorf("dispatched metric = %v", got)
	}
}

func TestLoopPushesBudget(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.enqueue(t)
	h.loop.step(ctx)

	h.engine.setStats(engine.SchedulerStats{Queued: 20, ActiveLocal: 7})
	h.loop.step(ctx)
	pool := h.pools[0]
	if pool.lastTarget() != 20 {
		t.Errorf("remote target = %d, want 20", pool.lastTarget())
	}
	_, _, _, _, maxLocal := h.engine.snapshot()
	if maxLocal[len(maxLocal)-1] != 7 {
		t.Errorf("local cap = %v, want 7", maxLocal)
	}

	h.engine.setStats(engine.SchedulerStats{Queued: 10, ActiveRemote: 60})
	h.loop.step(ctx)
	if pool.lastTarget() != 65 {
		t.Errorf("remote target = %d, want 65", pool.lastTarget())
	}
	_, _, _, _, maxLocal = h.engine.snapshot()
	if maxLocal[len(maxLocal)-1] != 5 {
		t.Errorf("local cap = %v, want 5", maxLocal)
	}
}

func TestLoopCompletionOrder(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	task, result := h.enqueue(t)
	writeOutput(t, task.Command.OutputFile, 1, 4, 4)

	var checks []string
	h.engine.onCall = func(call string) {
		if _, err := os.Stat(task.Command.InputFile); !os.IsNotExist(err) {
			checks = append(checks, call+": input still present")
		}
		if result.Ready() {
			checks = append(checks, call+": resolved too early")
		}
	}

	h.loop.step(ctx)
	h.loop.step(ctx)
	h.engine.finish(t, 1, 2)

	testutil.RequireClosed(t, result.Done(), testTimeout, "task result")
	resolved := result.Wait()
	if !resolved.Completed || resolved.ReturnCode != 2 || !slices.Equal(resolved.LogLines, []string{"done"}) {
		t.Errorf("result = %+v", resolved)
	}
	for _, check := range checks {
		t.Error(check)
	}
	_, _, calls, _, _ := h.engine.snapshot()
	want := []string{
		"forget:" + task.Command.InputFile,
		"cas:" + task.Command.InputFile,
		"cas:" + task.Command.OutputFile,
	}
	if !slices.Equal(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
	if _, err := os.Stat(task.Command.OutputFile); err != nil {
		t.Errorf("valid output removed: %v", err)
	}
	if stats := h.loop.PollStats(); stats.Finished != 1 {
		t.Errorf("finished = %d", stats.Finished)
	}
}

func TestLoopInvalidOutputRequestsRerun(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	task, result := h.enqueue(t)
	writeOutput(t, task.Command.OutputFile, 1, 1000, 500)

	h.loop.step(ctx)
	h.loop.step(ctx)
	h.engine.finish(t, 1, 5)

	resolved := result.Wait()
	if !resolved.Completed || resolved.ReturnCode != 0 {
		t.Errorf("result = %+v, want completed with code 0", resolved)
	}
	if _, err := os.Stat(task.Command.OutputFile); !os.IsNotExist(err) {
		t.Errorf("invalid output still present: %v", err)
	}
	_, _, _, traces, _ := h.engine.snapshot()
	if len(traces) != 1 || filepath.Base(traces[0]) != "session-invalid-1.trace" {
		t.Errorf("traces = %v", traces)
	}
	if got := promtestutil.ToFloat64(h.loop.metrics.TasksResolved.WithLabelValues(OutcomeRerun)); got != 1 {
		t.Errorf("rerun metric = %v", got)
	}
}

func TestLoopMissingOutputRequestsRerun(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	_, result := h.enqueue(t)

	h.loop.step(ctx)
	h.loop.step(ctx)
	h.engine.finish(t, 1, 0)

	if resolved := result.Wait(); !resolved.Completed || resolved.ReturnCode != 0 {
		t.Errorf("result = %+v", resolved)
	}
}

func TestLoopIdleShutdownAndRestart(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	task, result := h.enqueue(t)
	writeOutput(t, task.Command.OutputFile, 1, 0, 0)

	h.loop.step(ctx)
	h.loop.step(ctx)
	h.engine.finish(t, 1, 0)
	result.Wait()

	idle := h.loop.config.Intervals.IdleShutdown
	h.loop.step(ctx)
	h.clock.Advance(idle - time.Second)
	h.loop.step(ctx)
	if h.loop.State() != StateActive {
		t.Fatalf("stopped before the idle delay")
	}

	h.clock.Advance(time.Second)
	h.loop.step(ctx)
	if h.loop.State() != StateIdle {
		t.Fatalf("state = %s after idle delay, want idle", h.loop.State())
	}
	if _, stops, _, _, _ := h.engine.snapshot(); stops != 1 {
		t.Errorf("engine stopped %d times", stops)
	}
	if !h.pools[0].closed {
		t.Error("pool not closed at idle shutdown")
	}

	h.enqueue(t)
	h.loop.step(ctx)
	if h.loop.State() != StateActive || len(h.pools) != 2 {
		t.Errorf("did not restart: state %s, pools %d", h.loop.State(), len(h.pools))
	}
	if starts, _, _, _, _ := h.engine.snapshot(); starts != 2 {
		t.Errorf("engine started %d times", starts)
	}
}

func TestLoopPeriodicTrace(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.enqueue(t)
	h.loop.step(ctx)
	h.loop.step(ctx)

	h.clock.Advance(h.loop.config.Intervals.Trace)
	h.loop.step(ctx)
	_, _, _, traces, _ := h.engine.snapshot()
	if len(traces) != 1 || traces[0] != filepath.Join(h.dir, "traces", "session.trace") {
		t.Errorf("traces = %v", traces)
	}
}

func TestLoopEngineStartFailureCancelsTasks(t *testing.T) {
	h := newHarness(t, true)
	h.engine.startErr = errors.New("no storage")
	_, first := h.enqueue(t)
	_, second := h.enqueue(t)

	h.loop.step(context.Background())
	if h.loop.State() != StateIdle {
		t.Errorf("state = %s", h.loop.State())
	}
	for _, result := range []*future.Future[Result]{first, second} {
		if !result.Ready() {
			t.Fatal("task not resolved")
		}
		if got := result.Wait(); got.Completed {
			t.Errorf("result = %+v, want cancelled", got)
		}
	}
	if len(h.pools) != 0 {
		t.Error("pool created without an engine")
	}
}

func TestLoopRejectedTaskIsCancelled(t *testing.T) {
	h := newHarness(t, false)
	h.engine.enqueueErr = engine.ErrNotStarted
	_, result := h.enqueue(t)
	h.loop.step(context.Background())
	h.loop.step(context.Background())
	if got := result.Wait(); got.Completed {
		t.Errorf("result = %+v, want cancelled", got)
	}
}

func TestLoopPoolFactoryFailureRunsLocally(t *testing.T) {
	h := newHarness(t, false)
	h.loop.newPool = func(context.Context, engine.Engine) (AgentPool, error) {
		return nil, errors.New("bundle failed")
	}
	h.enqueue(t)
	h.loop.step(context.Background())
	h.loop.step(context.Background())
	if h.loop.State() != StateActive || h.loop.pool != nil {
		t.Errorf("state %s, pool %v", h.loop.State(), h.loop.pool)
	}
}

func TestLoopStatsPeaks(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.enqueue(t)
	h.loop.step(ctx)

	pool := h.pools[0]
	pool.mu.Lock()
	pool.agents, pool.cores = 3, 96
	pool.mu.Unlock()
	h.engine.setStats(engine.SchedulerStats{Queued: 4, ActiveLocal: 2, ActiveRemote: 9})
	h.loop.step(ctx)

	pool.mu.Lock()
	pool.agents, pool.cores = 1, 32
	pool.mu.Unlock()
	h.engine.setStats(engine.SchedulerStats{Queued: 1, ActiveLocal: 1, ActiveRemote: 2})
	h.loop.step(ctx)

	stats := h.loop.PollStats()
	want := Stats{Queued: 1, ActiveLocal: 1, ActiveRemote: 2, MaxRemoteAgents: 3, MaxActiveRemoteCores: 96}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
	if again := h.loop.PollStats(); again.MaxRemoteAgents != 0 || again.Queued != 1 {
		t.Errorf("second poll = %+v", again)
	}
}

func TestLoopRunTerminates(t *testing.T) {
	h := newHarness(t, true)
	_, result := h.enqueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	go h.loop.Run(ctx)

	h.clock.WaitForTimers(1)
	h.clock.Advance(h.loop.config.Intervals.Poll)
	testutil.Eventually(t, testTimeout, func() bool {
		h.engine.mu.Lock()
		defer h.engine.mu.Unlock()
		return len(h.engine.pending) == 1
	}, "task never dispatched")

	cancel()
	testutil.RequireClosed(t, h.loop.Done(), testTimeout, "loop did not stop")

	if h.loop.State() != StateTerminal {
		t.Errorf("state = %s", h.loop.State())
	}
	if _, stops, _, _, _ := h.engine.snapshot(); stops != 1 {
		t.Errorf("engine stopped %d times", stops)
	}
	if !h.pools[0].closed {
		t.Error("pool not closed")
	}
	// The engine abandoned the process; the task still resolves.
	testutil.RequireClosed(t, result.Done(), testTimeout, "abandoned task")
	if got := result.Wait(); !got.Completed || got.ReturnCode != 0 {
		t.Errorf("abandoned task result = %+v, want rerun signal", got)
	}
}

// TestLoopRunsTasksLocally drives three real processes through the
// local engine with no fleet configured.
func TestLoopRunsTasksLocally(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.MaxLocalParallel = -1
	cfg.Intervals.Poll = time.Millisecond

	queue := &Queue{}
	local := engine.NewLocal(engine.LocalConfig{Logger: discardLogger()})
	loop, err := NewLoop(LoopConfig{
		Config:        cfg,
		Queue:         queue,
		Engine:        local,
		WorkDir:       dir,
		SessionID:     "local",
		HardwareCores: 4,
		Logger:        discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}

	var results []*future.Future[Result]
	for i := range uint64(3) {
		output := filepath.Join(dir, "out-"+string(rune('a'+i)))
		task, result := NewTask(i+1, Command{
			Executable: "/bin/sh",
			Arguments: []string{"-c",
				`printf '\001\000\000\000\003\000\000\000\000\000\000\000abc' > "$0"`, output},
			OutputFile: output,
		})
		queue.Enqueue(task)
		results = append(results, result)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	for i, result := range results {
		testutil.RequireClosed(t, result.Done(), testTimeout, "task %d", i+1)
		if got := result.Wait(); !got.Completed || got.ReturnCode != 0 {
			t.Errorf("task %d result = %+v", i+1, got)
		}
	}

	finished := 0
	testutil.Eventually(t, testTimeout, func() bool {
		stats := loop.PollStats()
		finished += stats.Finished
		return finished == 3 && stats.Queued == 0 && stats.ActiveLocal == 0 && stats.ActiveRemote == 0
	}, "stats never reported three finished tasks")

	if got := promtestutil.ToFloat64(loop.metrics.RemoteCoreGoal); got != 0 {
		t.Errorf("remote core target = %v, want 0", got)
	}

	cancel()
	testutil.RequireClosed(t, loop.Done(), testTimeout, "loop did not stop")
}
