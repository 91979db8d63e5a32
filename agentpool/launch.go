// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"

	"github.com/bureau-foundation/buildaccel/compute"
	"github.com/bureau-foundation/buildaccel/fleet"
	"github.com/bureau-foundation/buildaccel/lib/bundle"
	"github.com/bureau-foundation/buildaccel/lib/clock"
	"github.com/bureau-foundation/buildaccel/lib/config"
	"github.com/bureau-foundation/buildaccel/transport"
)

// Placeholders the fleet agent expands on the leased machine.
const (
	AgentSharedDir         = "%UE_HORDE_SHARED_DIR%/BuildAccel"
	AgentTerminationSignal = "%UE_HORDE_TERMINATION_SIGNAL_FILE%"
)

// AgentBundleName names the agent bundle's ref file.
const AgentBundleName = "BuildAccelAgent"

// agentListenTimeout is how long a listening agent waits for the
// engine to connect, in seconds.
const agentListenTimeout = 5

// agentArguments builds the agent command line for lease.
func agentArguments(cfg *config.Controller, lease *fleet.MachineInfo, cryptoNonce string) []string {
	var args []string
	if cfg.Agent.Listen {
		args = append(args, "-listen="+strconv.Itoa(agentPort(lease, fleet.PortAgent, cfg.Agent.Port)))
	} else {
		args = append(args, "-host="+net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Agent.ListenPort)))
	}
	args = append(args,
		"-nopoll",
		"-listenTimeout="+strconv.Itoa(agentListenTimeout),
		"-quiet",
		"-maxIdle="+strconv.Itoa(cfg.Agent.MaxIdleSeconds),
		"-proxyport="+strconv.Itoa(agentPort(lease, fleet.PortProxy, cfg.Agent.ProxyPort)),
		"-Dir="+AgentSharedDir,
		"-Eventfile="+AgentTerminationSignal,
	)
	if lease.LeaseLink != "" {
		args = append(args, "-Description="+lease.LeaseLink)
	}
	if cryptoNonce != "" {
		args = append(args, "-crypto="+cryptoNonce)
	}
	return args
}

// agentPort is the port the agent binds on its own machine for name.
func agentPort(lease *fleet.MachineInfo, name string, fallback int) int {
	if info, ok := lease.Ports[name]; ok && info.AgentPort != 0 {
		return info.AgentPort
	}
	return fallback
}

// TCPConnector dials the lease's compute port and runs the session
// handshake.
func TCPConnector(cfg *config.Controller, clk clock.Clock, logger *slog.Logger) Connector {
	dialer := &transport.TCPDialer{Timeout: cfg.Intervals.AttachTimeout}
	return func(ctx context.Context, lease *fleet.MachineInfo) (Session, error) {
		address := net.JoinHostPort(lease.ConnectionAddress(), strconv.Itoa(lease.Port))
		conn, err := dialer.DialContext(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", address, err)
		}
		return compute.Dial(ctx, conn, compute.SessionOptions{
			Nonce:         lease.Nonce[:],
			Key:           lease.KeyBytes(),
			AttachTimeout: cfg.Intervals.AttachTimeout,
			Clock:         clk,
			Logger:        logger.With("agent", address),
		})
	}
}

// StoreBundle builds the agent binary and optional debug symbols into
// a bundle store under agent.BundleDir.
func StoreBundle(agent config.AgentConfig) BundleBuilder {
	return func() (Bundle, error) {
		if agent.Binary == "" {
			return Bundle{}, errors.New("no agent binary configured")
		}
		store, err := bundle.NewStore(agent.BundleDir)
		if err != nil {
			return Bundle{}, err
		}
		paths := []string{agent.Binary}
		if agent.DebugSymbols != "" {
			paths = append(paths, agent.DebugSymbols)
		}
		ref, err := store.Build(AgentBundleName, paths, bundle.CompressionLZ4)
		if err != nil {
			return Bundle{}, err
		}
		return Bundle{
			Source:     store,
			Name:       AgentBundleName,
			Locator:    ref.Manifest,
			Executable: filepath.Base(agent.Binary),
		}, nil
	}
}
