// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/bureau-foundation/buildaccel/lib/clock"
	"github.com/bureau-foundation/buildaccel/lib/hwinfo"
	"github.com/bureau-foundation/buildaccel/transport"
)

// DefaultMaxTraceEvents bounds the events kept for trace snapshots.
const DefaultMaxTraceEvents = 10000

// LocalConfig configures a Local engine.
type LocalConfig struct {
	Clock  clock.Clock
	Logger *slog.Logger

	// Dialer connects to agents passed to AddClient. When nil, clients
	// are recorded but not dialed.
	Dialer transport.Dialer

	// MaxLocalProcessors is the initial cap. Zero uses every logical
	// core.
	MaxLocalProcessors int

	// MaxTraceEvents bounds retained trace events. Zero means
	// DefaultMaxTraceEvents.
	MaxTraceEvents int
}

// Local runs every process on this machine.
type Local struct {
	clock     clock.Clock
	logger    *slog.Logger
	dialer    transport.Dialer
	maxEvents int
	cas       *casIndex

	mu         sync.Mutex
	running    bool
	ctx        context.Context
	cancel     context.CancelFunc
	options    StartOptions
	startedAt  int64
	queue      []*localProcess
	active     int
	finished   int
	maxLocal   int
	nextHandle ProcessHandle
	files      map[string]struct{}
	clients    []*remoteClient
	events     []TraceEvent

	wake      chan struct{}
	scheduled chan struct{}
	processes sync.WaitGroup
}

type localProcess struct {
	handle ProcessHandle
	info   ProcessStartInfo
}

type remoteClient struct {
	TraceClient
	stream transport.Transport
}

var _ Engine = (*Local)(nil)

// NewLocal returns a stopped engine.
func NewLocal(config LocalConfig) *Local {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MaxLocalProcessors <= 0 {
		config.MaxLocalProcessors = hwinfo.LogicalCores()
	}
	if config.MaxTraceEvents <= 0 {
		config.MaxTraceEvents = DefaultMaxTraceEvents
	}
	return &Local{
		clock:     config.Clock,
		logger:    config.Logger,
		dialer:    config.Dialer,
		maxEvents: config.MaxTraceEvents,
		cas:       newCasIndex(),
		maxLocal:  config.MaxLocalProcessors,
		files:     make(map[string]struct{}),
	}
}

// Start launches the scheduler. Cancelling ctx has the same effect as
// Stop except that Stop must still be called to release resources.
func (l *Local) Start(ctx context.Context, options StartOptions) error {
	if options.RootDir != "" {
		if err := os.MkdirAll(options.RootDir, 0755); err != nil {
			return fmt.Errorf("engine: creating root directory: %w", err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return ErrAlreadyStarted
	}
	l.running = true
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.options = options
	l.startedAt = l.clock.Now().UnixNano()
	l.events = nil
	l.finished = 0
	l.wake = make(chan struct{}, 1)
	l.scheduled = make(chan struct{})

	go l.schedule(l.ctx, l.wake, l.scheduled)

	l.logger.Info("engine started",
		"session", options.SessionID,
		"max_local", l.maxLocal,
		"listen", options.Listen,
	)
	return nil
}

// Stop cancels running processes, abandons queued ones, and returns
// once every completion callback has run.
func (l *Local) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.cancel()
	abandoned := l.queue
	l.queue = nil
	clients := l.clients
	l.clients = nil
	scheduled := l.scheduled
	l.mu.Unlock()

	<-scheduled
	l.processes.Wait()

	for _, process := range abandoned {
		l.record(TraceEvent{Kind: TraceAbandoned, Handle: process.handle, Description: process.info.Description})
		l.complete(process, ProcessResult{
			Handle:   process.handle,
			ExitCode: ExitCodeAbandoned,
			LogLines: []string{"engine stopped before the process started"},
		})
	}
	for _, client := range clients {
		if client.stream != nil {
			client.stream.Close()
		}
	}

	l.logger.Info("engine stopped", "abandoned", len(abandoned))
}

// EnqueueProcess queues info. Known inputs are registered with the
// session and indexed when they already exist.
func (l *Local) EnqueueProcess(info ProcessStartInfo, weight float32, knownInputs []string) (ProcessHandle, error) {
	if info.Application == "" {
		return 0, errors.New("engine: process has no application")
	}

	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return 0, ErrNotStarted
	}
	l.nextHandle++
	handle := l.nextHandle
	for _, path := range knownInputs {
		l.files[path] = struct{}{}
	}
	l.queue = append(l.queue, &localProcess{handle: handle, info: info})
	l.recordLocked(TraceEvent{Kind: TraceEnqueued, Handle: handle, Description: info.Description})
	l.mu.Unlock()

	for _, path := range knownInputs {
		if _, err := l.cas.register(path); err != nil {
			l.logger.Debug("known input not indexed", "path", path, "error", err)
		}
	}
	l.logger.Debug("process enqueued", "handle", handle, "description", info.Description, "weight", weight)
	l.notify()
	return handle, nil
}

// SetMaxLocalProcessors changes the cap. A cap below one still runs
// one process at a time since this engine has nowhere else to put work.
func (l *Local) SetMaxLocalProcessors(n int) {
	l.mu.Lock()
	changed := n != l.maxLocal
	l.maxLocal = n
	if changed {
		l.recordLocked(TraceEvent{Kind: TraceCapChanged, Value: n})
	}
	l.mu.Unlock()
	if changed {
		l.notify()
	}
}

// Stats returns queued, running and finished counts.
func (l *Local) Stats() SchedulerStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statsLocked()
}

func (l *Local) statsLocked() SchedulerStats {
	return SchedulerStats{
		Queued:      len(l.queue),
		ActiveLocal: l.active,
		Finished:    l.finished,
	}
}

// IsEmpty reports whether nothing is queued or running.
func (l *Local) IsEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) == 0 && l.active == 0
}

// ForgetFile drops path from the session's registered files.
func (l *Local) ForgetFile(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.files, path)
}

// DeleteCasEntry drops path from the CAS index.
func (l *Local) DeleteCasEntry(path string) {
	l.cas.delete(path)
}

// KnownFile reports whether path is registered with the session.
func (l *Local) KnownFile(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.files[path]
	return ok
}

// CasKey returns the indexed content key for path.
func (l *Local) CasKey(path string) (CasKey, bool) {
	return l.cas.lookup(path)
}

// AddClient records a remote agent and, when a dialer is configured,
// connects to it. A non-empty cryptoNonce is the hex AES key the agent
// was launched with.
func (l *Local) AddClient(ctx context.Context, address string, port int, cryptoNonce string) error {
	if address == "" || port <= 0 {
		return fmt.Errorf("engine: invalid client address %q port %d", address, port)
	}
	var key []byte
	if cryptoNonce != "" {
		decoded, err := hex.DecodeString(cryptoNonce)
		if err != nil {
			return fmt.Errorf("engine: decoding crypto nonce: %w", err)
		}
		if len(decoded) != transport.KeySize {
			return fmt.Errorf("engine: crypto nonce is %d bytes, want %d", len(decoded), transport.KeySize)
		}
		key = decoded
	}

	l.mu.Lock()
	running := l.running
	l.mu.Unlock()
	if !running {
		return ErrNotStarted
	}

	client := &remoteClient{TraceClient: TraceClient{Address: address, Port: port, Encrypted: key != nil}}
	if l.dialer != nil {
		conn, err := l.dialer.DialContext(ctx, net.JoinHostPort(address, strconv.Itoa(port)))
		if err != nil {
			return fmt.Errorf("engine: connecting to client %s:%d: %w", address, port, err)
		}
		stream, err := transport.New(conn, key)
		if err != nil {
			conn.Close()
			return err
		}
		client.stream = stream
		client.Connected = true
	}

	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		if client.stream != nil {
			client.stream.Close()
		}
		return ErrNotStarted
	}
	l.clients = append(l.clients, client)
	l.recordLocked(TraceEvent{Kind: TraceClientAdded, Description: address, Value: port})
	l.mu.Unlock()

	l.logger.Info("remote client added", "address", address, "port", port, "encrypted", key != nil, "connected", client.Connected)
	return nil
}

// Clients returns the recorded remote clients.
func (l *Local) Clients() []TraceClient {
	l.mu.Lock()
	defer l.mu.Unlock()
	clients := make([]TraceClient, len(l.clients))
	for i, client := range l.clients {
		clients[i] = client.TraceClient
	}
	return clients
}

// Snapshot returns the current trace.
func (l *Local) Snapshot() *Trace {
	paths, _ := l.cas.counts()

	l.mu.Lock()
	defer l.mu.Unlock()
	trace := &Trace{
		Version:    TraceVersion,
		SessionID:  l.options.SessionID,
		Started:    l.startedAt,
		Saved:      l.clock.Now().UnixNano(),
		Stats:      l.statsLocked(),
		MaxLocal:   l.maxLocal,
		CasEntries: paths,
		Events:     append([]TraceEvent(nil), l.events...),
	}
	for _, client := range l.clients {
		trace.Clients = append(trace.Clients, client.TraceClient)
	}
	return trace
}

// SaveTrace writes Snapshot to path.
func (l *Local) SaveTrace(path string) error {
	if err := WriteTrace(path, l.Snapshot()); err != nil {
		return fmt.Errorf("engine: saving trace: %w", err)
	}
	return nil
}

func (l *Local) notify() {
	l.mu.Lock()
	wake := l.wake
	l.mu.Unlock()
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

// schedule starts queued processes whenever there is room under the
// cap. It exits when ctx is cancelled.
func (l *Local) schedule(ctx context.Context, wake <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		l.mu.Lock()
		for ctx.Err() == nil && len(l.queue) > 0 && l.active < max(l.maxLocal, 1) {
			process := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.active++
			l.processes.Add(1)
			l.recordLocked(TraceEvent{Kind: TraceStarted, Handle: process.handle, Description: process.info.Description})
			go l.run(ctx, process)
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-wake:
		}
	}
}

func (l *Local) run(ctx context.Context, process *localProcess) {
	defer l.processes.Done()

	exitCode, lines := runProcess(ctx, process.info)
	for _, path := range process.info.Outputs {
		if _, err := l.cas.register(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("indexing output failed", "path", path, "error", err)
		}
	}
	l.record(TraceEvent{Kind: TraceExited, Handle: process.handle, Description: process.info.Description, Value: exitCode})
	l.logger.Debug("process exited", "handle", process.handle, "exit_code", exitCode)

	l.complete(process, ProcessResult{Handle: process.handle, ExitCode: exitCode, LogLines: lines})

	l.mu.Lock()
	l.active--
	l.finished++
	l.mu.Unlock()
	l.notify()
}

func (l *Local) complete(process *localProcess, result ProcessResult) {
	if process.info.OnExit != nil {
		process.info.OnExit(result)
	}
}

func (l *Local) record(event TraceEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordLocked(event)
}

func (l *Local) recordLocked(event TraceEvent) {
	event.Time = l.clock.Now().UnixNano()
	if len(l.events) >= l.maxEvents {
		copy(l.events, l.events[1:])
		l.events = l.events[:len(l.events)-1]
	}
	l.events = append(l.events, event)
}

// runProcess runs info to completion in its own process group and
// returns the exit code and non-empty output lines.
func runProcess(ctx context.Context, info ProcessStartInfo) (int, []string) {
	cmd := exec.CommandContext(ctx, info.Application, info.Arguments...)
	cmd.Dir = info.WorkingDir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	if len(info.Env) > 0 {
		cmd.Env = os.Environ()
		for name, value := range info.Env {
			cmd.Env = append(cmd.Env, name+"="+value)
		}
	}

	err := cmd.Run()
	lines := splitLines(output.String())
	if err == nil {
		return 0, lines
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) && exitError.ExitCode() >= 0 {
		return exitError.ExitCode(), lines
	}
	return ExitCodeAbandoned, append(lines, err.Error())
}

func splitLines(text string) []string {
	var lines []string
	for line := range strings.SplitSeq(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
