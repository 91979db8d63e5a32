// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import "github.com/bureau-foundation/buildaccel/lib/config"

// Port names requested from the fleet manager.
const (
	PortAgent = "UbaPort"
	PortProxy = "UbaProxyPort"
)

// Request is the body of both cluster and machine requests.
type Request struct {
	Requirements Requirements `json:"requirements"`
	Connection   Connection   `json:"connection"`
}

// Requirements select which machines qualify.
type Requirements struct {
	Pool      string `json:"pool"`
	Condition string `json:"condition,omitempty"`
	Exclusive bool   `json:"exclusive"`
}

// Connection states how the controller wants to reach the machine.
type Connection struct {
	ModePreference string         `json:"modePreference,omitempty"`
	Encryption     string         `json:"encryption,omitempty"`
	Ports          map[string]int `json:"ports"`
}

// NewRequest builds the request body from controller configuration.
func NewRequest(cfg *config.Controller) Request {
	return Request{
		Requirements: Requirements{
			Pool:      cfg.Pool,
			Condition: cfg.Condition,
			Exclusive: cfg.Exclusive,
		},
		Connection: Connection{
			ModePreference: string(cfg.ConnectionMode),
			Encryption:     string(cfg.Encryption),
			Ports: map[string]int{
				PortAgent: cfg.Agent.Port,
				PortProxy: cfg.Agent.ProxyPort,
			},
		},
	}
}
