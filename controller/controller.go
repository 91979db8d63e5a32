// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/buildaccel/agentpool"
	"github.com/bureau-foundation/buildaccel/dispatch"
	"github.com/bureau-foundation/buildaccel/engine"
	"github.com/bureau-foundation/buildaccel/lib/clock"
	"github.com/bureau-foundation/buildaccel/lib/config"
	"github.com/bureau-foundation/buildaccel/lib/future"
	"github.com/bureau-foundation/buildaccel/transport"
)

// ErrAlreadyInitialized is returned by a second Initialize.
var ErrAlreadyInitialized = errors.New("controller: already initialized")

// RootDirName is the directory under the shared base that holds every
// process's working directory.
const RootDirName = "buildaccel"

// Config holds the controller's collaborators. Only Controller is
// required.
type Config struct {
	Controller *config.Controller

	// Engine defaults to an in-process engine.Local.
	Engine engine.Engine
	// NewPool defaults to a fleet-backed agent pool when a fleet
	// server is configured.
	NewPool dispatch.PoolFactory
	// OnPoolStatus receives the agent pool's status line.
	OnPoolStatus func(status string)

	// HardwareCores overrides the detected logical core count.
	HardwareCores int
	// PID names the working directory. Defaults to os.Getpid().
	PID int

	Clock      clock.Clock
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// Controller accepts tasks from the host and owns the dispatch loop.
type Controller struct {
	cfg        *config.Controller
	engine     engine.Engine
	newPool    dispatch.PoolFactory
	onStatus   func(string)
	hwCores    int
	pid        int
	clock      clock.Clock
	logger     *slog.Logger
	registerer prometheus.Registerer

	queue      *dispatch.Queue
	nextTaskID atomic.Uint64
	nextFileID atomic.Uint64

	// loop is set once by Initialize and read by PollStats.
	loop atomic.Pointer[dispatch.Loop]

	mu          sync.Mutex
	initialized bool
	shutdown    bool
	rootDir     string
	workDir     string
	sessionID   string
	director    *directorLock
	cancel      context.CancelFunc
}

// New creates a controller. Nothing touches the filesystem until
// Initialize.
func New(cfg Config) (*Controller, error) {
	if cfg.Controller == nil {
		return nil, errors.New("controller: Controller config is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}

	cfg.Controller.ExpandPaths()
	rootDir := filepath.Join(cfg.Controller.SharedDir, RootDirName)
	return &Controller{
		cfg:        cfg.Controller,
		engine:     cfg.Engine,
		newPool:    cfg.NewPool,
		onStatus:   cfg.OnPoolStatus,
		hwCores:    cfg.HardwareCores,
		pid:        cfg.PID,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		registerer: cfg.Registerer,
		queue:      &dispatch.Queue{},
		rootDir:    rootDir,
		workDir:    filepath.Join(rootDir, strconv.Itoa(cfg.PID)),
	}, nil
}

// EnqueueTask queues command and returns its result future. After
// Shutdown the future is already resolved as cancelled.
func (c *Controller) EnqueueTask(command dispatch.Command) *future.Future[dispatch.Result] {
	id := c.nextTaskID.Add(1)
	task, result := dispatch.NewTask(id, command)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		task.Cancel()
		return result
	}
	c.queue.Enqueue(task)
	return result
}

// CreateUniqueFilePath returns a fresh path for a task file, bucketed
// by file ID into SubFolderCount subdirectories. The bucket directory
// is not created.
func (c *Controller) CreateUniqueFilePath() string {
	id := c.nextFileID.Add(1)
	buckets := uint64(max(c.cfg.SubFolderCount, 1))
	return filepath.Join(c.workDir, strconv.FormatUint(id%buckets, 10), strconv.FormatUint(id, 10)+".uba")
}

// PollStats drains the loop's statistics. It reports false when no
// loop is running.
func (c *Controller) PollStats() (dispatch.Stats, bool) {
	loop := c.loop.Load()
	if loop == nil {
		return dispatch.Stats{}, false
	}
	select {
	case <-loop.Done():
		return dispatch.Stats{}, false
	default:
	}
	return loop.PollStats(), true
}

// WorkDir returns this process's working directory.
func (c *Controller) WorkDir() string { return c.workDir }

// RootDir returns the shared root holding every process's working
// directory.
func (c *Controller) RootDir() string { return c.rootDir }

// SessionID returns the session ID chosen by Initialize.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// IsDirector reports whether this process holds the director lock.
func (c *Controller) IsDirector() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.director != nil
}

// Initialize prepares the working directory, elects the director and
// starts the dispatch loop when enabled. Filesystem problems are
// logged; the returned error covers misuse and loop construction.
func (c *Controller) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return ErrAlreadyInitialized
	}
	if c.shutdown {
		return errors.New("controller: initialize after shutdown")
	}
	c.initialized = true
	c.sessionID = uuid.NewString()

	c.prepareDirectories()

	if !c.cfg.Enabled {
		c.logger.Info("build acceleration disabled; tasks stay with the host", "work_dir", c.workDir)
		return nil
	}

	eng := c.engine
	if eng == nil {
		eng = engine.NewLocal(engine.LocalConfig{
			Clock:  c.clock,
			Logger: c.logger.With("component", "engine"),
			Dialer: &transport.TCPDialer{Timeout: c.cfg.Intervals.AttachTimeout},
		})
	}
	newPool := c.newPool
	if newPool == nil && c.cfg.FleetEnabled() {
		newPool = FleetPoolFactory(c.cfg, agentpool.NewMetrics(c.registerer), c.onStatus, c.clock, c.logger)
	}

	loop, err := dispatch.NewLoop(dispatch.LoopConfig{
		Config:        c.cfg,
		Queue:         c.queue,
		Engine:        eng,
		NewPool:       newPool,
		WorkDir:       c.workDir,
		SessionID:     c.sessionID,
		HardwareCores: c.hwCores,
		Clock:         c.clock,
		Logger:        c.logger.With("component", "dispatch"),
		Registerer:    c.registerer,
	})
	if err != nil {
		return fmt.Errorf("creating dispatch loop: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.loop.Store(loop)
	go loop.Run(ctx)

	c.logger.Info("build acceleration started",
		"session", c.sessionID,
		"work_dir", c.workDir,
		"director", c.director != nil,
		"fleet", newPool != nil,
	)
	return nil
}

// prepareDirectories creates a clean working directory and takes the
// director lock if it is free.
func (c *Controller) prepareDirectories() {
	if err := os.MkdirAll(c.rootDir, 0755); err != nil {
		c.logger.Error("creating working root failed", "root", c.rootDir, "error", err)
		return
	}

	director, err := tryDirectorLock(c.rootDir)
	if err != nil {
		c.logger.Warn("director election failed", "error", err)
	}
	c.director = director
	if director != nil {
		if removed := sweepStale(c.rootDir, c.pid, c.logger); removed > 0 {
			c.logger.Info("removed stale working directories", "count", removed)
		}
	}

	if err := os.RemoveAll(c.workDir); err != nil {
		c.logger.Warn("cleaning working directory failed", "path", c.workDir, "error", err)
	}
	if err := os.MkdirAll(c.workDir, 0755); err != nil {
		c.logger.Error("creating working directory failed", "path", c.workDir, "error", err)
	}
}

// Shutdown stops the loop and waits for it, cancels every task still
// queued, and removes the working directory. The director also removes
// the shared root. Safe to call more than once and before Initialize.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	cancel := c.cancel
	initialized := c.initialized
	director := c.director
	c.director = nil
	c.mu.Unlock()

	if loop := c.loop.Load(); loop != nil {
		cancel()
		<-loop.Done()
	}

	if cancelled := c.queue.CancelAll(); cancelled > 0 {
		c.logger.Info("cancelled queued tasks at shutdown", "count", cancelled)
	}

	if !initialized {
		return
	}
	if err := os.RemoveAll(c.workDir); err != nil {
		c.logger.Warn("removing working directory failed", "path", c.workDir, "error", err)
	}
	if director != nil {
		retireRoot(c.rootDir, c.pid, director, c.logger)
	}
	c.logger.Info("build acceleration shut down", "session", c.sessionID)
}
