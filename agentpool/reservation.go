// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentpool

import "sync"

// reservation is one worker's share of the pool counters. release
// undoes everything the worker added, exactly once.
type reservation struct {
	pool *Pool

	mu        sync.Mutex
	estimated int64
	active    int64
	agent     bool
	released  bool
}

func (p *Pool) reserve() *reservation {
	r := &reservation{pool: p, estimated: int64(p.perInstance)}
	p.estimated.Add(r.estimated)
	return r
}

// resize replaces the estimate with the lease's real core count.
func (r *reservation) resize(cores int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	r.pool.estimated.Add(int64(cores) - r.estimated)
	r.estimated = int64(cores)
}

// activate counts the reserved cores as running.
func (r *reservation) activate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released || r.agent {
		return
	}
	r.active = r.estimated
	r.agent = true
	r.pool.active.Add(r.active)
	r.pool.agents.Add(1)
}

func (r *reservation) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	r.pool.active.Add(-r.active)
	r.pool.estimated.Add(-r.estimated)
	if r.agent {
		r.pool.agents.Add(-1)
	}
}
