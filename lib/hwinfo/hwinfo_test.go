// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hwinfo

import (
	"runtime"
	"testing"
)

func TestLogicalCoresPositive(t *testing.T) {
	if cores := LogicalCores(); cores <= 0 {
		t.Fatalf("LogicalCores() = %d, want > 0", cores)
	}
}

func TestProbe(t *testing.T) {
	info := Probe()
	if info.LogicalCores <= 0 {
		t.Errorf("LogicalCores = %d", info.LogicalCores)
	}
	if info.OSFamily != OSFamily(runtime.GOOS) {
		t.Errorf("OSFamily = %q, want %q", info.OSFamily, OSFamily(runtime.GOOS))
	}
	if info.PhysicalCores > info.LogicalCores {
		t.Errorf("PhysicalCores %d exceeds LogicalCores %d", info.PhysicalCores, info.LogicalCores)
	}
}

func TestOSFamily(t *testing.T) {
	tests := map[string]string{
		"linux":   OSFamilyLinux,
		"windows": OSFamilyWindows,
		"darwin":  OSFamilyMacOS,
		"plan9":   "plan9",
	}
	for goos, want := range tests {
		if got := OSFamily(goos); got != want {
			t.Errorf("OSFamily(%q) = %q, want %q", goos, got, want)
		}
	}
}
