// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/buildaccel/compute"
	"github.com/bureau-foundation/buildaccel/fleet"
	"github.com/bureau-foundation/buildaccel/lib/bundle"
	"github.com/bureau-foundation/buildaccel/lib/clock"
	"github.com/bureau-foundation/buildaccel/lib/config"
	"github.com/bureau-foundation/buildaccel/lib/future"
	"github.com/bureau-foundation/buildaccel/lib/hwinfo"
)

// Fleet leases machines. *fleet.Client implements it.
type Fleet interface {
	RequestClusterID(ctx context.Context, request fleet.Request) *future.Future[fleet.ClusterInfo]
	RequestMachine(ctx context.Context, request fleet.Request, clusterID string) *future.Future[fleet.MachineInfo]
}

var _ Fleet = (*fleet.Client)(nil)

// Session is a live connection to one leased machine. *compute.Session
// implements it.
type Session interface {
	Upload(ctx context.Context, source compute.BlobSource, name string, locator bundle.Locator) error
	Execute(command compute.Execute) error
	Poll() ([]compute.Event, error)
	Valid() bool
	Close() error
}

var _ Session = (*compute.Session)(nil)

// Connector opens a session to a leased machine.
type Connector func(ctx context.Context, lease *fleet.MachineInfo) (Session, error)

// Bundle is the prepared agent upload.
type Bundle struct {
	Source  compute.BlobSource
	Name    string
	Locator bundle.Locator
	// Executable is the agent binary's name inside the bundle.
	Executable string
}

// BundleBuilder prepares the agent bundle. The pool calls it at most
// once.
type BundleBuilder func() (Bundle, error)

// AddClientFunc connects a listening agent back to the engine.
type AddClientFunc func(ctx context.Context, address string, port int, cryptoNonce string) error

// Config holds a pool's collaborators.
type Config struct {
	Controller *config.Controller
	Fleet      Fleet

	// Connect defaults to a TCP connection plus the compute handshake.
	Connect Connector
	// Bundle defaults to building the configured agent binary into
	// Controller.Agent.BundleDir.
	Bundle BundleBuilder
	// AddClient is called for agents started in listen mode.
	AddClient AddClientFunc
	// OnStatus receives the status line whenever it changes.
	OnStatus func(status string)

	// LocalOSFamily defaults to this machine's OS family. Leases with
	// a different family need the compatibility layer.
	LocalOSFamily string

	Clock  clock.Clock
	Logger *slog.Logger
	// Metrics lets successive pools share one registration. When nil
	// the pool registers its own on Registerer.
	Metrics    *Metrics
	Registerer prometheus.Registerer

	// Setup lets successive pools share the bundle and the failure
	// latch. When nil the pool starts with its own.
	Setup *Setup
}

// Pool owns the agent workers.
type Pool struct {
	cfg       *config.Controller
	fleet     Fleet
	connect   Connector
	build     BundleBuilder
	addClient AddClientFunc
	onStatus  func(string)
	localOS   string
	request   fleet.Request
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *Metrics
	setup     *Setup

	perInstance int
	maxCores    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	target     atomic.Int64
	estimated  atomic.Int64
	active     atomic.Int64
	agents     atomic.Int64
	requesting atomic.Int64
	connecting atomic.Int64
	preparing  atomic.Bool
	closed     atomic.Bool
	spawned    atomic.Int64

	// lastFailure is the Unix-nanosecond time of the last failed lease
	// request; zero when none has failed.
	lastFailure atomic.Int64

	clusterMu sync.Mutex
	clusterID string

	mu      sync.Mutex
	workers []*worker
	nextID  int

	statusMu   sync.Mutex
	lastStatus string
}

// New creates an empty pool. Workers start on the first
// SetTargetCoreCount.
func New(cfg Config) (*Pool, error) {
	if cfg.Controller == nil {
		return nil, errors.New("agentpool: Controller is required")
	}
	if cfg.Fleet == nil {
		return nil, errors.New("agentpool: Fleet is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		if cfg.Registerer == nil {
			cfg.Registerer = prometheus.NewRegistry()
		}
		cfg.Metrics = NewMetrics(cfg.Registerer)
	}
	if cfg.Setup == nil {
		cfg.Setup = NewSetup()
	}
	if cfg.LocalOSFamily == "" {
		cfg.LocalOSFamily = hwinfo.OSFamily(runtime.GOOS)
	}
	if cfg.Connect == nil {
		cfg.Connect = TCPConnector(cfg.Controller, cfg.Clock, cfg.Logger)
	}
	if cfg.Bundle == nil {
		cfg.Bundle = StoreBundle(cfg.Controller.Agent)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool{
		cfg:         cfg.Controller,
		fleet:       cfg.Fleet,
		connect:     cfg.Connect,
		build:       cfg.Bundle,
		addClient:   cfg.AddClient,
		onStatus:    cfg.OnStatus,
		localOS:     cfg.LocalOSFamily,
		request:     fleet.NewRequest(cfg.Controller),
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		setup:       cfg.Setup,
		perInstance: max(cfg.Controller.EstimatedCoresPerInstance, 1),
		maxCores:    cfg.Controller.MaxCores,
		ctx:         ctx,
		cancel:      cancel,
		clusterID:   cfg.Controller.ClusterID,
	}
	if cfg.Controller.ResolveClusterAuto() {
		pool.clusterID = ""
	}
	return pool, nil
}

// SetTargetCoreCount sets how many remote cores the pool should run,
// clamped to the configured maximum, and spawns workers until the
// estimate covers it. It does nothing but reap once the pool has
// latched or closed.
func (p *Pool) SetTargetCoreCount(cores int) {
	cores = min(max(cores, 0), p.maxCores)
	p.target.Store(int64(cores))
	p.metrics.TargetCores.Set(float64(cores))

	if !p.setup.Stopped() && !p.closed.Load() {
		for p.estimated.Load() < int64(cores) {
			p.spawn()
		}
	}
	p.reap()
	p.publishStatus()
}

func (p *Pool) spawn() {
	reservation := p.reserve()

	p.mu.Lock()
	p.nextID++
	w := &worker{pool: p, id: p.nextID, reservation: reservation, done: make(chan struct{})}
	p.workers = append(p.workers, w)
	p.mu.Unlock()

	p.spawned.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		w.run(p.ctx)
	}()
}

// reap drops finished workers from the list.
func (p *Pool) reap() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < len(p.workers); {
		select {
		case <-p.workers[i].done:
			last := len(p.workers) - 1
			p.workers[i] = p.workers[last]
			p.workers[last] = nil
			p.workers = p.workers[:last]
		default:
			i++
		}
	}
}

// Close stops every worker and waits for them to finish.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.reap()
	p.publishStatus()
	p.logger.Info("agent pool closed", "spawned", p.spawned.Load())
}

// TargetCoreCount returns the last clamped target.
func (p *Pool) TargetCoreCount() int { return int(p.target.Load()) }

// EstimatedCoreCount returns cores requested or running.
func (p *Pool) EstimatedCoreCount() int { return int(p.estimated.Load()) }

// ActiveCoreCount returns cores on agents that have launched.
func (p *Pool) ActiveCoreCount() int { return int(p.active.Load()) }

// AgentCount returns the number of launched agents.
func (p *Pool) AgentCount() int { return int(p.agents.Load()) }

// WorkerCount returns the number of workers not yet reaped.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Spawned returns the number of workers ever started.
func (p *Pool) Spawned() int { return int(p.spawned.Load()) }

// Stopped reports whether a setup failure latched the pool.
func (p *Pool) Stopped() bool { return p.setup.Stopped() }

// Status returns the current status line.
func (p *Pool) Status() string {
	agents := p.agents.Load()
	var status strings.Builder
	fmt.Fprintf(&status, "%d agents (%d cores)", agents, p.active.Load())
	if n := p.requesting.Load(); n > 0 {
		fmt.Fprintf(&status, ", %d requesting", n)
	}
	if n := p.connecting.Load(); n > 0 {
		fmt.Fprintf(&status, ", %d connecting", n)
	}
	if p.preparing.Load() {
		status.WriteString(", preparing bundle")
	}
	if p.setup.Stopped() {
		status.WriteString(", setup failed")
	} else if p.inBackoff() {
		status.WriteString(", fleet busy")
	}
	return status.String()
}

// publishStatus sends the status line to OnStatus if it changed and
// refreshes the gauges.
func (p *Pool) publishStatus() {
	p.metrics.observe(p)

	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	status := p.Status()
	if status == p.lastStatus {
		return
	}
	p.lastStatus = status
	if p.onStatus != nil {
		p.onStatus(status)
	}
}

func (p *Pool) inBackoff() bool {
	last := p.lastFailure.Load()
	if last == 0 {
		return false
	}
	return p.clock.Now().Sub(time.Unix(0, last)) < p.cfg.Intervals.RequestBackoff
}

// latch stops all future requests after a setup failure.
func (p *Pool) latch(stage string, err error) {
	if p.setup.Latch() {
		p.logger.Error("agent setup failed; no more agents will be requested", "stage", stage, "error", err)
	}
}

// prepareBundle builds the bundle on first use.
func (p *Pool) prepareBundle() (Bundle, error) {
	return p.setup.prepareBundle(p.build, func(preparing bool) {
		p.preparing.Store(preparing)
		if preparing {
			p.publishStatus()
		}
	})
}

// cluster returns the cluster to lease from, resolving it once when
// configured as auto.
func (p *Pool) cluster(ctx context.Context) string {
	if !p.cfg.ResolveClusterAuto() {
		return p.cfg.ClusterID
	}
	p.clusterMu.Lock()
	defer p.clusterMu.Unlock()
	if p.clusterID != "" {
		return p.clusterID
	}
	info, err := p.fleet.RequestClusterID(ctx, p.request).WaitContext(ctx)
	if err != nil {
		return ""
	}
	if info.ID != "" {
		p.logger.Info("fleet cluster resolved", "cluster", info.ID)
		p.clusterID = info.ID
	}
	return info.ID
}
