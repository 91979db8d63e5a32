// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/buildaccel/agentpool"
	"github.com/bureau-foundation/buildaccel/dispatch"
	"github.com/bureau-foundation/buildaccel/engine"
	"github.com/bureau-foundation/buildaccel/fleet"
	"github.com/bureau-foundation/buildaccel/lib/clock"
	"github.com/bureau-foundation/buildaccel/lib/config"
)

// fleetPool closes its fleet client with the pool.
type fleetPool struct {
	*agentpool.Pool
	client *fleet.Client
}

func (f *fleetPool) Close() {
	f.Pool.Close()
	f.client.Close()
}

// TokenSource returns the fleet token source cfg describes: the token
// file when set, otherwise the literal token.
func TokenSource(cfg *config.Controller) fleet.TokenSource {
	if cfg.TokenFile != "" {
		return fleet.FileToken{Path: cfg.TokenFile}
	}
	return fleet.StaticToken(cfg.Token)
}

// ErrAgentSetupFailed is returned by a fleet pool factory once agent
// setup has failed. It stays failed until the process restarts.
var ErrAgentSetupFailed = errors.New("agent setup failed; running locally only")

// FleetPoolFactory creates an agent pool leasing from cfg's fleet
// server each time the engine starts. Listening agents are added to
// the engine that started them. The agent bundle and the setup failure
// latch are shared by every pool the factory creates.
func FleetPoolFactory(cfg *config.Controller, metrics *agentpool.Metrics, onStatus func(string), clk clock.Clock, logger *slog.Logger) dispatch.PoolFactory {
	setup := agentpool.NewSetup()
	return func(ctx context.Context, eng engine.Engine) (dispatch.AgentPool, error) {
		if setup.Stopped() {
			return nil, ErrAgentSetupFailed
		}
		client, err := fleet.NewClient(fleet.ClientConfig{
			ServerURL: cfg.ServerURL,
			Tokens:    TokenSource(cfg),
			Logger:    logger.With("component", "fleet"),
		})
		if err != nil {
			if setup.Latch() {
				logger.Error("agent setup failed; no more agents will be requested", "stage", "fleet-client", "error", err)
			}
			return nil, fmt.Errorf("creating fleet client: %w", err)
		}
		pool, err := agentpool.New(agentpool.Config{
			Controller: cfg,
			Fleet:      client,
			AddClient:  eng.AddClient,
			OnStatus:   onStatus,
			Clock:      clk,
			Logger:     logger.With("component", "agentpool"),
			Metrics:    metrics,
			Setup:      setup,
		})
		if err != nil {
			client.Close()
			return nil, err
		}
		return &fleetPool{Pool: pool, client: client}, nil
	}
}
