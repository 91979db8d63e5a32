// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import "sync"

// Stats is what PollStats reports. Queued and the active counts are
// the latest observation; Finished counts tasks resolved since the
// previous poll; the Max fields are peaks since the previous poll.
type Stats struct {
	Queued               int
	ActiveLocal          int
	ActiveRemote         int
	Finished             int
	MaxRemoteAgents      int
	MaxActiveRemoteCores int
}

// statsAccumulator collects Stats between polls.
type statsAccumulator struct {
	mu      sync.Mutex
	current Stats
}

// observe records one loop iteration's view.
func (a *statsAccumulator) observe(queued, activeLocal, activeRemote, agents, remoteCores int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current.Queued = queued
	a.current.ActiveLocal = activeLocal
	a.current.ActiveRemote = activeRemote
	a.current.MaxRemoteAgents = max(a.current.MaxRemoteAgents, agents)
	a.current.MaxActiveRemoteCores = max(a.current.MaxActiveRemoteCores, remoteCores)
}

func (a *statsAccumulator) finished() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current.Finished++
}

// drain returns the accumulated stats and resets the per-poll fields.
func (a *statsAccumulator) drain() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	stats := a.current
	a.current.Finished = 0
	a.current.MaxRemoteAgents = 0
	a.current.MaxActiveRemoteCores = 0
	return stats
}
