// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

// BudgetInput is everything ComputeBudget reads.
type BudgetInput struct {
	HardwareCores int
	// MaxLocalParallel caps local work; -1 means HardwareCores.
	MaxLocalParallel int
	// RemoteJobsPerReservedCore withholds one more local core per this
	// many active remote jobs. Values below one count as one.
	RemoteJobsPerReservedCore int

	Queued       int
	ActiveLocal  int
	ActiveRemote int
}

// Budget is the core split for one loop iteration.
type Budget struct {
	// Reserved is the number of local cores kept for coordination.
	Reserved  int
	MaxLocal  int
	MaxRemote int
}

// ComputeBudget splits pending work between local cores and remote
// agents. MaxLocal is always within [0, MaxLocalParallel] and MaxRemote
// is never negative.
func ComputeBudget(input BudgetInput) Budget {
	perReserved := max(input.RemoteJobsPerReservedCore, 1)
	reserved := 1 + max(input.ActiveRemote, 0)/perReserved

	limit := input.MaxLocalParallel
	if limit < 0 {
		limit = input.HardwareCores
	}
	limit = max(limit, 0)

	maxLocal := min(max(input.HardwareCores-reserved, 0), limit)

	pending := max(input.Queued, 0) + max(input.ActiveLocal, 0) + max(input.ActiveRemote, 0)
	return Budget{
		Reserved:  reserved,
		MaxLocal:  maxLocal,
		MaxRemote: max(pending-maxLocal, 0),
	}
}
