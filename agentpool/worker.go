// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentpool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/bureau-foundation/buildaccel/compute"
	"github.com/bureau-foundation/buildaccel/fleet"
	"github.com/bureau-foundation/buildaccel/transport"
)

// clientPoll is the poll after which a listening agent is connected
// back to the engine.
const clientPoll = 3

// worker drives one agent from lease to exit.
type worker struct {
	pool        *Pool
	id          int
	reservation *reservation
	done        chan struct{}
}

func (w *worker) run(ctx context.Context) {
	p := w.pool
	logger := p.logger.With("worker", w.id)
	defer func() {
		w.reservation.release()
		close(w.done)
		p.publishStatus()
	}()

	agentBundle, err := p.prepareBundle()
	if err != nil {
		p.latch("bundle", err)
		p.metrics.Failures.WithLabelValues("bundle").Inc()
		return
	}

	lease, ok := w.requestLease(ctx)
	if !ok {
		return
	}
	defer lease.Close()
	logger = logger.With("agent", lease.ConnectionAddress(), "lease", lease.LeaseLink)

	if p.active.Load() >= p.target.Load() {
		logger.Debug("target met while leasing; dropping lease")
		return
	}
	if lease.LogicalCores > 0 {
		w.reservation.resize(lease.LogicalCores)
	}

	useCompatibility, ok := w.needsCompatibility(&lease)
	if !ok {
		logger.Warn("lease OS differs and the compatibility layer is not allowed", "os", lease.OSFamily)
		p.metrics.Failures.WithLabelValues("platform").Inc()
		return
	}

	p.connecting.Add(1)
	p.publishStatus()
	session, err := p.connect(ctx, &lease)
	p.connecting.Add(-1)
	if err != nil {
		logger.Warn("agent connection failed", "error", err, "retryable", compute.IsRetryable(err))
		p.metrics.Failures.WithLabelValues("connect").Inc()
		return
	}
	defer session.Close()

	if err := session.Upload(ctx, agentBundle.Source, agentBundle.Name, agentBundle.Locator); err != nil {
		if ctx.Err() == nil {
			logger.Warn("agent upload failed", "error", err)
			p.metrics.Failures.WithLabelValues("upload").Inc()
		}
		return
	}

	cryptoNonce := ""
	if lease.Encrypted() {
		cryptoNonce, err = randomHex(transport.KeySize)
		if err != nil {
			logger.Error("generating agent key failed", "error", err)
			return
		}
	}
	command := compute.Execute{
		Exe:                   agentBundle.Executable,
		Args:                  agentArguments(p.cfg, &lease, cryptoNonce),
		UseCompatibilityLayer: useCompatibility,
	}
	if err := session.Execute(command); err != nil {
		logger.Warn("agent launch failed", "error", err)
		p.metrics.Failures.WithLabelValues("launch").Inc()
		return
	}

	w.reservation.activate()
	p.publishStatus()
	logger.Info("agent active", "cores", lease.LogicalCores, "compatibility", useCompatibility)

	w.poll(ctx, session, &lease, cryptoNonce)
}

// requestLease waits out any backoff and asks the fleet for one
// machine. It reports false when the worker should stop quietly.
func (w *worker) requestLease(ctx context.Context) (fleet.MachineInfo, bool) {
	p := w.pool
	if !w.waitBackoff(ctx) {
		return fleet.MachineInfo{}, false
	}
	if p.active.Load() >= p.target.Load() {
		return fleet.MachineInfo{}, false
	}

	p.requesting.Add(1)
	p.publishStatus()
	defer func() {
		p.requesting.Add(-1)
		p.publishStatus()
	}()

	clusterID := p.cluster(ctx)
	request := p.fleet.RequestMachine(ctx, p.request, clusterID)
	lease, err := request.WaitContext(ctx)
	if err != nil {
		// The request still resolves after cancellation; release
		// whatever key it carries.
		go func() {
			late := request.Wait()
			late.Close()
		}()
		return fleet.MachineInfo{}, false
	}
	if !lease.Valid() {
		lease.Close()
		p.lastFailure.Store(p.clock.Now().UnixNano())
		p.metrics.Failures.WithLabelValues("lease").Inc()
		return fleet.MachineInfo{}, false
	}
	return lease, true
}

// waitBackoff sleeps until the request backoff since the last failed
// lease has passed.
func (w *worker) waitBackoff(ctx context.Context) bool {
	p := w.pool
	for {
		last := p.lastFailure.Load()
		if last == 0 {
			return true
		}
		remaining := time.Unix(0, last).Add(p.cfg.Intervals.RequestBackoff).Sub(p.clock.Now())
		if remaining <= 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-p.clock.After(remaining):
		}
	}
}

// needsCompatibility reports whether the agent must run under the
// compatibility layer, and false in ok when it cannot run at all.
func (w *worker) needsCompatibility(lease *fleet.MachineInfo) (use, ok bool) {
	if lease.OSFamily == "" || lease.OSFamily == w.pool.localOS {
		return false, true
	}
	return true, w.pool.cfg.AllowCompatibilityLayer
}

// poll watches the agent until it exits, the session drops, or ctx is
// cancelled.
func (w *worker) poll(ctx context.Context, session Session, lease *fleet.MachineInfo, cryptoNonce string) {
	p := w.pool
	logger := p.logger.With("worker", w.id, "agent", lease.ConnectionAddress())
	ticker := p.clock.NewTicker(p.cfg.Intervals.AgentPoll)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		polls++
		events, err := session.Poll()
		for _, event := range events {
			switch event.Kind {
			case compute.EventOutput:
				logger.Debug("agent output", "line", event.Line)
			case compute.EventException:
				logger.Warn("agent exception", "message", event.Message, "description", event.Description)
			case compute.EventExit:
				logger.Info("agent exited", "exit_code", event.ExitCode)
				return
			}
		}
		if err != nil || !session.Valid() {
			logger.Info("agent session ended", "error", err)
			return
		}

		if polls == clientPoll && p.cfg.Agent.Listen && p.addClient != nil {
			port := lease.PortFor(fleet.PortAgent)
			if err := p.addClient(ctx, lease.ConnectionAddress(), port, cryptoNonce); err != nil {
				logger.Warn("connecting agent to engine failed", "port", port, "error", err)
				p.metrics.Failures.WithLabelValues("add-client").Inc()
				return
			}
		}
	}
}

func randomHex(size int) (string, error) {
	buffer := make([]byte, size)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return hex.EncodeToString(buffer), nil
}
