// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/bureau-foundation/buildaccel/lib/secret"
)

// Lease constants.
const (
	NonceSize = 64
	KeySize   = 32

	// InvalidPort marks InvalidMachineInfo.
	InvalidPort = 0xFFFF

	// DefaultLogicalCores is assumed when a lease reports no core
	// count at all.
	DefaultLogicalCores = 16
)

// ClusterInfo is the result of cluster resolution. ID is empty when
// resolution failed.
type ClusterInfo struct {
	ID string
}

// PortInfo maps a named port to its address on the connection host and
// on the agent itself.
type PortInfo struct {
	Port      int `json:"port"`
	AgentPort int `json:"agentPort"`
}

// MachineInfo is one lease. The zero value is not meaningful; failed
// requests produce InvalidMachineInfo.
type MachineInfo struct {
	IP             string
	ConnectionMode string
	// Address is the relay or tunnel endpoint, when the mode uses one.
	Address      string
	Port         int
	Ports        map[string]PortInfo
	LogicalCores int
	OSFamily     string
	Encryption   string
	Key          *secret.Buffer
	Nonce        [NonceSize]byte
	LeaseID      string
	LeaseLink    string
}

// InvalidMachineInfo is the single failed-lease value.
func InvalidMachineInfo() MachineInfo {
	return MachineInfo{Port: InvalidPort}
}

// ConnectionAddress returns the host to dial: the relay or tunnel
// address in those modes, the machine IP otherwise. It is empty for an
// invalid lease whatever the mode.
func (m *MachineInfo) ConnectionAddress() string {
	switch strings.ToLower(m.ConnectionMode) {
	case "relay", "tunnel":
		return m.Address
	default:
		return m.IP
	}
}

// Valid reports whether the lease can be used to start an agent.
func (m *MachineInfo) Valid() bool {
	return m.ConnectionAddress() != "" && m.Port != InvalidPort
}

// PortFor returns the connection-side port for name, falling back to
// the primary port for the agent port.
func (m *MachineInfo) PortFor(name string) int {
	if info, ok := m.Ports[name]; ok && info.Port != 0 {
		return info.Port
	}
	if name == PortAgent {
		return m.Port
	}
	return 0
}

// Encrypted reports whether the lease requires AES framing.
func (m *MachineInfo) Encrypted() bool {
	return m.Key != nil
}

// KeyBytes returns the AES key, or nil for an unencrypted lease.
func (m *MachineInfo) KeyBytes() []byte {
	if m.Key == nil {
		return nil
	}
	return m.Key.Bytes()
}

// Close releases the lease key.
func (m *MachineInfo) Close() {
	if m.Key != nil {
		m.Key.Close()
		m.Key = nil
	}
}

// machineResponse is the fleet manager's JSON shape.
type machineResponse struct {
	Nonce             string              `json:"nonce"`
	IP                string              `json:"ip"`
	Port              *int                `json:"port"`
	Ports             map[string]PortInfo `json:"ports"`
	ConnectionMode    string              `json:"connectionMode"`
	ConnectionAddress string              `json:"connectionAddress"`
	Properties        []string            `json:"properties"`
	Encryption        string              `json:"encryption"`
	Key               string              `json:"key"`
	LeaseID           string              `json:"leaseId"`
}

// toMachineInfo validates a response. serverURL builds the lease link.
func (r *machineResponse) toMachineInfo(serverURL string) (MachineInfo, error) {
	if r.IP == "" {
		return MachineInfo{}, fmt.Errorf("response has no ip")
	}
	if r.Port == nil {
		return MachineInfo{}, fmt.Errorf("response has no port")
	}
	nonce, err := hex.DecodeString(r.Nonce)
	if err != nil {
		return MachineInfo{}, fmt.Errorf("decoding nonce: %w", err)
	}
	if len(nonce) != NonceSize {
		return MachineInfo{}, fmt.Errorf("nonce is %d bytes, want %d", len(nonce), NonceSize)
	}

	info := MachineInfo{
		IP:             r.IP,
		ConnectionMode: r.ConnectionMode,
		Address:        r.ConnectionAddress,
		Port:           *r.Port,
		Ports:          r.Ports,
		Encryption:     r.Encryption,
		LeaseID:        r.LeaseID,
	}
	copy(info.Nonce[:], nonce)
	info.LogicalCores, info.OSFamily = parseProperties(r.Properties)

	if r.LeaseID != "" {
		info.LeaseLink = strings.TrimRight(serverURL, "/") + "/lease/" + r.LeaseID
	}

	if strings.EqualFold(r.Encryption, "aes") {
		key, err := hex.DecodeString(r.Key)
		if err != nil {
			return MachineInfo{}, fmt.Errorf("decoding key: %w", err)
		}
		if len(key) != KeySize {
			secret.Zero(key)
			return MachineInfo{}, fmt.Errorf("key is %d bytes, want %d", len(key), KeySize)
		}
		info.Key, err = secret.NewFromBytes(key)
		if err != nil {
			return MachineInfo{}, err
		}
	}
	return info, nil
}

// parseProperties reads LogicalCores=, PhysicalCores= and OSFamily=
// entries. LogicalCores wins; otherwise PhysicalCores is doubled;
// otherwise DefaultLogicalCores applies.
func parseProperties(properties []string) (cores int, osFamily string) {
	logical, physical := 0, 0
	for _, property := range properties {
		name, value, ok := strings.Cut(property, "=")
		if !ok {
			continue
		}
		switch name {
		case "LogicalCores":
			logical, _ = strconv.Atoi(value)
		case "PhysicalCores":
			physical, _ = strconv.Atoi(value)
		case "OSFamily":
			osFamily = value
		}
	}
	switch {
	case logical > 0:
		return logical, osFamily
	case physical > 0:
		return physical * 2, osFamily
	default:
		return DefaultLogicalCores, osFamily
	}
}
