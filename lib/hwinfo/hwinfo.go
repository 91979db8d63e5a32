// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hwinfo

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
)

// OS family names as reported by the fleet manager in a lease's
// OSFamily= property.
const (
	OSFamilyLinux   = "Linux"
	OSFamilyWindows = "Windows"
	OSFamilyMacOS   = "MacOS"
)

// Info is a static snapshot of local hardware.
type Info struct {
	Hostname      string
	OSFamily      string
	Platform      string
	LogicalCores  int
	PhysicalCores int
}

// Probe collects an Info for the current machine. It never fails:
// unreadable values fall back to runtime defaults.
func Probe() Info {
	info := Info{
		OSFamily:      OSFamily(runtime.GOOS),
		LogicalCores:  LogicalCores(),
		PhysicalCores: physicalCores(),
	}
	if hostInfo, err := host.Info(); err == nil {
		info.Hostname = hostInfo.Hostname
		info.Platform = hostInfo.Platform
	} else {
		info.Hostname, _ = os.Hostname()
	}
	return info
}

// LogicalCores returns the number of hardware threads on this machine.
func LogicalCores() int {
	count, err := cpu.Counts(true)
	if err != nil || count <= 0 {
		return runtime.NumCPU()
	}
	return count
}

func physicalCores() int {
	count, err := cpu.Counts(false)
	if err != nil || count <= 0 {
		return 0
	}
	return count
}

// OSFamily maps a GOOS value to the fleet manager's OS family name.
// Unknown systems are returned unchanged.
func OSFamily(goos string) string {
	switch goos {
	case "linux":
		return OSFamilyLinux
	case "windows":
		return OSFamilyWindows
	case "darwin":
		return OSFamilyMacOS
	default:
		return goos
	}
}
