// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentpool

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bureau-foundation/buildaccel/compute"
	"github.com/bureau-foundation/buildaccel/fleet"
	"github.com/bureau-foundation/buildaccel/lib/bundle"
	"github.com/bureau-foundation/buildaccel/lib/clock"
	"github.com/bureau-foundation/buildaccel/lib/config"
	"github.com/bureau-foundation/buildaccel/lib/future"
	"github.com/bureau-foundation/buildaccel/lib/hwinfo"
	"github.com/bureau-foundation/buildaccel/lib/secret"
	"github.com/bureau-foundation/buildaccel/lib/testutil"
)

const testTimeout = 10 * time.Second

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeFleet hands out leases built by lease, numbered from 1.
type fakeFleet struct {
	lease func(n int) fleet.MachineInfo
	// pending, when set, replaces lease with a caller-controlled future.
	pending func(n int) *future.Future[fleet.MachineInfo]

	mu       sync.Mutex
	requests int
	clusters []string
	resolves int
}

func (f *fakeFleet) RequestClusterID(ctx context.Context, request fleet.Request) *future.Future[fleet.ClusterInfo] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++
	return future.Resolved(fleet.ClusterInfo{ID: "resolved-cluster"})
}

func (f *fakeFleet) RequestMachine(ctx context.Context, request fleet.Request, clusterID string) *future.Future[fleet.MachineInfo] {
	f.mu.Lock()
	f.requests++
	n := f.requests
	f.clusters = append(f.clusters, clusterID)
	f.mu.Unlock()
	if f.pending != nil {
		return f.pending(n)
	}
	return future.Resolved(f.lease(n))
}

func (f *fakeFleet) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

type fakeSession struct {
	lease *fleet.MachineInfo

	mu       sync.Mutex
	uploads  []string
	executed []compute.Execute

	polls  atomic.Int32
	exit   atomic.Bool
	closed atomic.Bool
}

func (s *fakeSession) Upload(ctx context.Context, source compute.BlobSource, name string, locator bundle.Locator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, name)
	return nil
}

func (s *fakeSession) Execute(command compute.Execute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, command)
	return nil
}

func (s *fakeSession) Poll() ([]compute.Event, error) {
	s.polls.Add(1)
	if s.exit.Load() {
		return []compute.Event{{Kind: compute.EventExit, ExitCode: 0}}, nil
	}
	return []compute.Event{{Kind: compute.EventOutput, Line: "agent idle"}}, nil
}

func (s *fakeSession) Valid() bool { return !s.closed.Load() }

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeSession) lastExecute(t *testing.T) compute.Execute {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.executed) == 0 {
		t.Fatal("agent was never launched")
	}
	return s.executed[len(s.executed)-1]
}

// fakeAgents is the Connector; it records every session it opens.
type fakeAgents struct {
	err error

	mu       sync.Mutex
	sessions []*fakeSession
}

func (a *fakeAgents) connect(ctx context.Context, lease *fleet.MachineInfo) (Session, error) {
	if a.err != nil {
		return nil, a.err
	}
	session := &fakeSession{lease: lease}
	a.mu.Lock()
	a.sessions = append(a.sessions, session)
	a.mu.Unlock()
	return session, nil
}

func (a *fakeAgents) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

func (a *fakeAgents) session(t *testing.T, index int) *fakeSession {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if index >= len(a.sessions) {
		t.Fatalf("session %d not opened (%d sessions)", index, len(a.sessions))
	}
	return a.sessions[index]
}

type nopSource struct{}

func (nopSource) ReadBlob(bundle.Locator, int64, int64) ([]byte, error) { return nil, nil }

func testLease(cores int) fleet.MachineInfo {
	return fleet.MachineInfo{
		IP:             "10.0.0.5",
		ConnectionMode: "direct",
		Port:           7000,
		Ports: map[string]fleet.PortInfo{
			fleet.PortAgent: {Port: 7001, AgentPort: 7101},
			fleet.PortProxy: {Port: 7002, AgentPort: 7102},
		},
		LogicalCores: cores,
		OSFamily:     hwinfo.OSFamilyLinux,
		LeaseID:      "lease-1",
		LeaseLink:    "https://fleet.example/lease/1",
	}
}

type poolHarness struct {
	pool     *Pool
	clock    *clock.FakeClock
	fleet    *fakeFleet
	agents   *fakeAgents
	cfg      *config.Controller
	builds   atomic.Int32
	statuses []string
	statusMu sync.Mutex
}

// newPoolHarness builds a pool over fakes. Leases default to 32
// cores; mutate adjusts the pool config before New.
func newPoolHarness(t *testing.T, mutate func(h *poolHarness, cfg *Config)) *poolHarness {
	t.Helper()
	h := &poolHarness{
		clock:  clock.Fake(epoch),
		fleet:  &fakeFleet{lease: func(int) fleet.MachineInfo { return testLease(32) }},
		agents: &fakeAgents{},
		cfg:    config.Default(),
	}
	h.cfg.Enabled = true
	h.cfg.ServerURL = "https://fleet.example"
	h.cfg.Pool = "compile"
	h.cfg.Agent.Listen = false
	h.cfg.Host = "build-host"

	cfg := Config{
		Controller: h.cfg,
		Fleet:      h.fleet,
		Connect:    h.agents.connect,
		Bundle: func() (Bundle, error) {
			h.builds.Add(1)
			return Bundle{Source: nopSource{}, Name: AgentBundleName, Locator: "manifest", Executable: "BuildAccelAgent"}, nil
		},
		OnStatus: func(status string) {
			h.statusMu.Lock()
			defer h.statusMu.Unlock()
			h.statuses = append(h.statuses, status)
		},
		LocalOSFamily: hwinfo.OSFamilyLinux,
		Clock:         h.clock,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registerer:    prometheus.NewRegistry(),
	}
	if mutate != nil {
		mutate(h, &cfg)
	}
	pool, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.pool = pool
	t.Cleanup(pool.Close)
	return h
}

func (h *poolHarness) statusHistory() []string {
	h.statusMu.Lock()
	defer h.statusMu.Unlock()
	return slices.Clone(h.statuses)
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{Fleet: &fakeFleet{}}); err == nil {
		t.Error("New without Controller succeeded")
	}
	if _, err := New(Config{Controller: config.Default()}); err == nil {
		t.Error("New without Fleet succeeded")
	}
}

func TestPoolSpawnsOneWorkerPerEstimatedInstance(t *testing.T) {
	h := newPoolHarness(t, nil)

	h.pool.SetTargetCoreCount(64)
	if got := h.pool.Spawned(); got != 2 {
		t.Fatalf("Spawned = %d, want 2 for 64 cores at 32 per instance", got)
	}
	if got := h.pool.EstimatedCoreCount(); got != 64 {
		t.Errorf("EstimatedCoreCount = %d, want 64", got)
	}

	testutil.Eventually(t, testTimeout, func() bool { return h.pool.AgentCount() == 2 }, "agents did not launch")
	if got := h.pool.ActiveCoreCount(); got != 64 {
		t.Errorf("ActiveCoreCount = %d, want 64", got)
	}

	h.pool.SetTargetCoreCount(64)
	if got := h.pool.Spawned(); got != 2 {
		t.Errorf("Spawned = %d after repeating the target, want 2", got)
	}
	if got := h.fleet.requestCount(); got != 2 {
		t.Errorf("fleet requests = %d, want 2", got)
	}

	session := h.agents.session(t, 0)
	if command := session.lastExecute(t); command.Exe != "BuildAccelAgent" || command.UseCompatibilityLayer {
		t.Errorf("launched %+v", command)
	}
	if len(session.uploads) != 1 || session.uploads[0] != AgentBundleName {
		t.Errorf("uploads = %v", session.uploads)
	}
	if got := h.builds.Load(); got != 1 {
		t.Errorf("bundle built %d times, want 1", got)
	}
}

func TestPoolConvergesOnLeaseCores(t *testing.T) {
	h := newPoolHarness(t, func(h *poolHarness, _ *Config) {
		h.fleet.lease = func(int) fleet.MachineInfo { return testLease(24) }
	})

	h.pool.SetTargetCoreCount(64)
	testutil.Eventually(t, testTimeout, func() bool { return h.pool.AgentCount() == 2 }, "agents did not launch")
	if got := h.pool.EstimatedCoreCount(); got != 48 {
		t.Fatalf("EstimatedCoreCount = %d, want the leased 48", got)
	}

	// The shortfall is requested again on the next push.
	h.pool.SetTargetCoreCount(64)
	if got := h.pool.Spawned(); got != 3 {
		t.Fatalf("Spawned = %d, want 3", got)
	}
	testutil.Eventually(t, testTimeout, func() bool { return h.pool.AgentCount() == 3 }, "third agent did not launch")
	if got := h.pool.ActiveCoreCount(); got != 72 {
		t.Errorf("ActiveCoreCount = %d, want 72", got)
	}

	h.pool.SetTargetCoreCount(64)
	if got := h.pool.Spawned(); got != 3 {
		t.Errorf("Spawned = %d once covered, want 3", got)
	}
}

func TestPoolClampsTarget(t *testing.T) {
	h := newPoolHarness(t, func(h *poolHarness, _ *Config) {
		h.cfg.MaxCores = 64
	})

	h.pool.SetTargetCoreCount(1000)
	if got := h.pool.TargetCoreCount(); got != 64 {
		t.Errorf("TargetCoreCount = %d, want 64", got)
	}
	if got := h.pool.Spawned(); got != 2 {
		t.Errorf("Spawned = %d, want 2", got)
	}
	if got := promtestutil.ToFloat64(h.pool.metrics.TargetCores); got != 64 {
		t.Errorf("target gauge = %v, want 64", got)
	}

	h.pool.SetTargetCoreCount(-5)
	if got := h.pool.TargetCoreCount(); got != 0 {
		t.Errorf("TargetCoreCount = %d, want 0", got)
	}
}

func TestPoolBundleFailureLatches(t *testing.T) {
	h := newPoolHarness(t, func(h *poolHarness, cfg *Config) {
		cfg.Bundle = func() (Bundle, error) {
			h.builds.Add(1)
			return Bundle{}, errors.New("agent binary missing")
		}
	})

	h.pool.SetTargetCoreCount(64)
	testutil.Eventually(t, testTimeout, func() bool {
		return h.pool.Stopped() && h.pool.EstimatedCoreCount() == 0
	}, "pool did not latch")

	h.pool.SetTargetCoreCount(64)
	if got := h.pool.Spawned(); got != 2 {
		t.Errorf("Spawned = %d after latching, want 2", got)
	}
	if got := h.builds.Load(); got != 1 {
		t.Errorf("bundle built %d times, want 1", got)
	}
	if got := h.fleet.requestCount(); got != 0 {
		t.Errorf("fleet requests = %d, want 0", got)
	}
	if status := h.pool.Status(); !strings.Contains(status, "setup failed") {
		t.Errorf("Status = %q, want setup failed", status)
	}
	if got := promtestutil.ToFloat64(h.pool.metrics.Failures.WithLabelValues("bundle")); got != 2 {
		t.Errorf("bundle failures = %v, want 2", got)
	}
}

func TestPoolClosesLeaseResolvedAfterClose(t *testing.T) {
	promise, pending := future.New[fleet.MachineInfo]()
	h := newPoolHarness(t, func(h *poolHarness, cfg *Config) {
		h.fleet.pending = func(int) *future.Future[fleet.MachineInfo] { return pending }
	})
	h.pool.SetTargetCoreCount(32)
	testutil.Eventually(t, testTimeout, func() bool {
		return h.fleet.requestCount() == 1
	}, "worker never requested a lease")
	h.pool.Close()

	key, err := secret.NewFromBytes(make([]byte, fleet.KeySize))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	lease := testLease(32)
	lease.Key = key
	promise.Fulfil(lease)
	testutil.Eventually(t, testTimeout, key.Closed, "late lease key never closed")
}

func TestPoolSharedSetupSurvivesRecreation(t *testing.T) {
	setup := NewSetup()
	failing := func(h *poolHarness, cfg *Config) {
		cfg.Setup = setup
		cfg.Bundle = func() (Bundle, error) {
			h.builds.Add(1)
			return Bundle{}, errors.New("agent binary missing")
		}
	}
	first := newPoolHarness(t, failing)
	first.pool.SetTargetCoreCount(64)
	testutil.Eventually(t, testTimeout, func() bool {
		return first.pool.Stopped() && first.pool.EstimatedCoreCount() == 0
	}, "first pool did not latch")
	first.pool.Close()

	second := newPoolHarness(t, failing)
	if !second.pool.Stopped() {
		t.Fatal("recreated pool forgot the setup failure")
	}
	second.pool.SetTargetCoreCount(64)
	if got := second.pool.Spawned(); got != 0 {
		t.Errorf("recreated pool spawned %d workers, want 0", got)
	}
	if got := second.builds.Load(); got != 0 {
		t.Errorf("recreated pool built the bundle %d times, want 0", got)
	}
}

func TestPoolInvalidLeaseBacksOff(t *testing.T) {
	h := newPoolHarness(t, func(h *poolHarness, _ *Config) {
		h.fleet.lease = func(n int) fleet.MachineInfo {
			if n == 1 {
				return fleet.InvalidMachineInfo()
			}
			return testLease(32)
		}
	})

	h.pool.SetTargetCoreCount(32)
	testutil.Eventually(t, testTimeout, func() bool {
		return h.fleet.requestCount() == 1 && h.pool.EstimatedCoreCount() == 0
	}, "failed lease was not released")
	if status := h.pool.Status(); !strings.Contains(status, "fleet busy") {
		t.Errorf("Status = %q, want fleet busy", status)
	}

	h.pool.SetTargetCoreCount(32)
	h.clock.WaitForTimers(1)
	if got := h.fleet.requestCount(); got != 1 {
		t.Fatalf("requested during backoff: %d requests", got)
	}

	h.clock.Advance(h.cfg.Intervals.RequestBackoff)
	testutil.Eventually(t, testTimeout, func() bool { return h.pool.AgentCount() == 1 }, "agent did not launch after backoff")
	if got := h.fleet.requestCount(); got != 2 {
		t.Errorf("fleet requests = %d, want 2", got)
	}
}

func TestPoolConnectFailureReleasesCounters(t *testing.T) {
	h := newPoolHarness(t, func(h *poolHarness, _ *Config) {
		h.agents.err = errors.New("connection refused")
	})

	h.pool.SetTargetCoreCount(32)
	testutil.Eventually(t, testTimeout, func() bool {
		return promtestutil.ToFloat64(h.pool.metrics.Failures.WithLabelValues("connect")) == 1
	}, "connect failure not recorded")
	testutil.Eventually(t, testTimeout, func() bool {
		return h.pool.EstimatedCoreCount() == 0 && h.pool.ActiveCoreCount() == 0
	}, "counters not released")
	if h.pool.Stopped() {
		t.Error("a connect failure latched the pool")
	}
	if got := h.pool.AgentCount(); got != 0 {
		t.Errorf("AgentCount = %d, want 0", got)
	}
}

func TestPoolAgentExitReleasesCores(t *testing.T) {
	h := newPoolHarness(t, nil)

	h.pool.SetTargetCoreCount(32)
	testutil.Eventually(t, testTimeout, func() bool { return h.pool.AgentCount() == 1 }, "agent did not launch")

	session := h.agents.session(t, 0)
	session.exit.Store(true)
	h.clock.WaitForTimers(1)
	h.clock.Advance(h.cfg.Intervals.AgentPoll)

	testutil.Eventually(t, testTimeout, func() bool {
		h.pool.reap()
		return h.pool.WorkerCount() == 0
	}, "exited worker not reaped")
	if !session.closed.Load() {
		t.Error("session not closed")
	}
	if h.pool.AgentCount() != 0 || h.pool.EstimatedCoreCount() != 0 {
		t.Errorf("exited agent still counted: %d agents, %d cores", h.pool.AgentCount(), h.pool.EstimatedCoreCount())
	}

	h.pool.SetTargetCoreCount(32)
	if got := h.pool.Spawned(); got != 2 {
		t.Errorf("Spawned = %d, want a replacement worker", got)
	}
}

func TestPoolListenAgentJoinsEngine(t *testing.T) {
	type added struct {
		address string
		port    int
		nonce   string
	}
	clients := make(chan added, 1)

	h := newPoolHarness(t, func(h *poolHarness, cfg *Config) {
		h.cfg.Agent.Listen = true
		h.fleet.lease = func(int) fleet.MachineInfo {
			lease := testLease(32)
			lease.ConnectionMode = "relay"
			lease.Address = "relay.example"
			key, err := secret.NewFromBytes(bytes.Repeat([]byte{7}, 32))
			if err != nil {
				t.Errorf("secret: %v", err)
			}
			lease.Key = key
			lease.Encryption = "aes"
			return lease
		}
		cfg.AddClient = func(ctx context.Context, address string, port int, nonce string) error {
			clients <- added{address, port, nonce}
			return nil
		}
	})

	h.pool.SetTargetCoreCount(32)
	testutil.Eventually(t, testTimeout, func() bool { return h.pool.AgentCount() == 1 }, "agent did not launch")
	session := h.agents.session(t, 0)
	h.clock.WaitForTimers(1)

	for poll := int32(1); poll <= clientPoll; poll++ {
		if poll == clientPoll {
			select {
			case client := <-clients:
				t.Fatalf("client added before poll %d: %+v", clientPoll, client)
			default:
			}
		}
		h.clock.Advance(h.cfg.Intervals.AgentPoll)
		testutil.Eventually(t, testTimeout, func() bool { return session.polls.Load() >= poll }, "poll %d not observed", poll)
	}

	client := testutil.RequireReceive(t, clients, testTimeout, "agent not added to engine")
	if client.address != "relay.example" || client.port != 7001 {
		t.Errorf("added %s:%d, want relay.example:7001", client.address, client.port)
	}
	if len(client.nonce) != 64 {
		t.Errorf("crypto nonce %q is not 32 hex bytes", client.nonce)
	}

	args := session.lastExecute(t).Args
	if !slices.Contains(args, "-crypto="+client.nonce) {
		t.Errorf("args %v lack the crypto key", args)
	}
	if !slices.Contains(args, "-listen=7101") {
		t.Errorf("args %v lack the agent listen port", args)
	}
}

func TestPoolCompatibilityLayer(t *testing.T) {
	tests := []struct {
		name      string
		allow     bool
		launched  bool
		useLayer  bool
		leaseOS   string
		failStage string
	}{
		{name: "same OS", leaseOS: hwinfo.OSFamilyLinux, launched: true},
		{name: "other OS allowed", leaseOS: hwinfo.OSFamilyWindows, allow: true, launched: true, useLayer: true},
		{name: "other OS refused", leaseOS: hwinfo.OSFamilyWindows, failStage: "platform"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h := newPoolHarness(t, func(h *poolHarness, _ *Config) {
				h.cfg.AllowCompatibilityLayer = test.allow
				h.fleet.lease = func(int) fleet.MachineInfo {
					lease := testLease(32)
					lease.OSFamily = test.leaseOS
					return lease
				}
			})
			h.pool.SetTargetCoreCount(32)

			if !test.launched {
				testutil.Eventually(t, testTimeout, func() bool {
					return promtestutil.ToFloat64(h.pool.metrics.Failures.WithLabelValues(test.failStage)) == 1
				}, "refusal not recorded")
				if got := h.agents.count(); got != 0 {
					t.Errorf("connected %d sessions to an unusable machine", got)
				}
				return
			}
			testutil.Eventually(t, testTimeout, func() bool { return h.pool.AgentCount() == 1 }, "agent did not launch")
			if got := h.agents.session(t, 0).lastExecute(t).UseCompatibilityLayer; got != test.useLayer {
				t.Errorf("UseCompatibilityLayer = %v, want %v", got, test.useLayer)
			}
		})
	}
}

func TestPoolResolvesAutoClusterOnce(t *testing.T) {
	h := newPoolHarness(t, func(h *poolHarness, _ *Config) {
		h.cfg.ClusterID = config.ClusterAuto
	})

	h.pool.SetTargetCoreCount(96)
	testutil.Eventually(t, testTimeout, func() bool { return h.pool.AgentCount() == 3 }, "agents did not launch")

	h.fleet.mu.Lock()
	defer h.fleet.mu.Unlock()
	if h.fleet.resolves != 1 {
		t.Errorf("cluster resolved %d times, want 1", h.fleet.resolves)
	}
	for _, cluster := range h.fleet.clusters {
		if cluster != "resolved-cluster" {
			t.Errorf("leased from cluster %q", cluster)
		}
	}
}

func TestPoolStatusOnlyOnChange(t *testing.T) {
	h := newPoolHarness(t, nil)

	h.pool.SetTargetCoreCount(0)
	h.pool.SetTargetCoreCount(0)
	if got := h.statusHistory(); len(got) != 1 || got[0] != "0 agents (0 cores)" {
		t.Fatalf("statuses = %q", got)
	}

	h.pool.SetTargetCoreCount(64)
	testutil.Eventually(t, testTimeout, func() bool { return h.pool.AgentCount() == 2 }, "agents did not launch")
	h.pool.Close()

	history := h.statusHistory()
	for i := 1; i < len(history); i++ {
		if history[i] == history[i-1] {
			t.Errorf("status %q published twice in a row", history[i])
		}
	}
	if !slices.Contains(history, "2 agents (64 cores)") {
		t.Errorf("statuses %q never reached two agents", history)
	}
}

func TestPoolCloseWaitsForWorkers(t *testing.T) {
	h := newPoolHarness(t, nil)

	h.pool.SetTargetCoreCount(64)
	testutil.Eventually(t, testTimeout, func() bool { return h.pool.AgentCount() == 2 }, "agents did not launch")

	h.pool.Close()
	for i := range 2 {
		if !h.agents.session(t, i).closed.Load() {
			t.Errorf("session %d still open after Close", i)
		}
	}
	if h.pool.AgentCount() != 0 || h.pool.EstimatedCoreCount() != 0 || h.pool.WorkerCount() != 0 {
		t.Errorf("after Close: %d agents, %d estimated cores, %d workers",
			h.pool.AgentCount(), h.pool.EstimatedCoreCount(), h.pool.WorkerCount())
	}

	h.pool.Close()
	h.pool.SetTargetCoreCount(64)
	if got := h.pool.Spawned(); got != 2 {
		t.Errorf("Spawned = %d after Close, want 2", got)
	}
}

func TestAgentArguments(t *testing.T) {
	cfg := config.Default()
	cfg.Host = "build-host"
	lease := testLease(16)

	cfg.Agent.Listen = false
	args := agentArguments(cfg, &lease, "")
	want := []string{
		"-host=build-host:1345",
		"-nopoll",
		"-listenTimeout=5",
		"-quiet",
		"-maxIdle=15",
		"-proxyport=7102",
		"-Dir=" + AgentSharedDir,
		"-Eventfile=" + AgentTerminationSignal,
		"-Description=https://fleet.example/lease/1",
	}
	if !slices.Equal(args, want) {
		t.Errorf("args = %q\nwant %q", args, want)
	}

	cfg.Agent.Listen = true
	lease.Ports = nil
	lease.LeaseLink = ""
	args = agentArguments(cfg, &lease, "00ff")
	if args[0] != "-listen=7001" {
		t.Errorf("listen arg = %q, want the configured port", args[0])
	}
	if !slices.Contains(args, "-proxyport=7002") || !slices.Contains(args, "-crypto=00ff") {
		t.Errorf("args = %q", args)
	}
	for _, arg := range args {
		if strings.HasPrefix(arg, "-Description=") {
			t.Errorf("empty lease link produced %q", arg)
		}
	}
}

func TestStoreBundle(t *testing.T) {
	dir := t.TempDir()
	binary := filepath.Join(dir, "BuildAccelAgent")
	if err := os.WriteFile(binary, bytes.Repeat([]byte("agent"), 1000), 0755); err != nil {
		t.Fatal(err)
	}

	built, err := StoreBundle(config.AgentConfig{Binary: binary, BundleDir: filepath.Join(dir, "bundles")})()
	if err != nil {
		t.Fatalf("StoreBundle: %v", err)
	}
	if built.Name != AgentBundleName || built.Executable != "BuildAccelAgent" {
		t.Errorf("bundle = %+v", built)
	}
	store := built.Source.(*bundle.Store)
	manifest, err := store.Manifest(built.Locator)
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if len(manifest.Files) != 1 || manifest.Files[0].Name != "BuildAccelAgent" || manifest.Files[0].Size != 5000 {
		t.Errorf("manifest files = %+v", manifest.Files)
	}
	ref, err := store.ReadRef(AgentBundleName)
	if err != nil || ref != built.Locator {
		t.Errorf("ReadRef = %q, %v; want %q", ref, err, built.Locator)
	}

	if _, err := StoreBundle(config.AgentConfig{BundleDir: dir})(); err == nil {
		t.Error("StoreBundle without a binary succeeded")
	}
}
