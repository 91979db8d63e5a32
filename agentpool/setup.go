// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentpool

import (
	"sync"
	"sync/atomic"
)

// Setup is the state that outlives a single pool: the agent bundle,
// built at most once, and the latch a setup failure sets. Pools that
// are recreated each time the engine starts share one Setup, so a
// failure stops agent requests until the process restarts.
type Setup struct {
	stopped atomic.Bool

	bundleOnce sync.Once
	bundle     Bundle
	bundleErr  error
}

// NewSetup returns an unlatched Setup with no bundle.
func NewSetup() *Setup {
	return &Setup{}
}

// Stopped reports whether a setup failure has latched.
func (s *Setup) Stopped() bool { return s.stopped.Load() }

// Latch stops all future agent requests. It reports whether this call
// set the latch.
func (s *Setup) Latch() bool { return !s.stopped.Swap(true) }

// prepareBundle runs build on first use and returns its result to
// every later caller. preparing brackets the build.
func (s *Setup) prepareBundle(build BundleBuilder, preparing func(bool)) (Bundle, error) {
	s.bundleOnce.Do(func() {
		preparing(true)
		s.bundle, s.bundleErr = build()
		preparing(false)
	})
	return s.bundle, s.bundleErr
}
