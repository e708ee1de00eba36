package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/trailbook/trailbook/internal/config"
	"github.com/trailbook/trailbook/internal/conflict"
	"github.com/trailbook/trailbook/internal/netgate"
	"github.com/trailbook/trailbook/internal/queue"
	"github.com/trailbook/trailbook/internal/remote"
	"github.com/trailbook/trailbook/internal/store"
	"github.com/trailbook/trailbook/internal/syncer"
	"github.com/trailbook/trailbook/internal/telemetry"
)

// engine bundles the wired-up collaborators behind each subcommand.
type engine struct {
	cfg      *config.Config
	loader   *config.Loader
	store    *store.Store
	queue    *queue.Queue
	resolver *conflict.Resolver
	gate     *netgate.PolicyGate
	monitor  *telemetry.Monitor
	orch     *syncer.Orchestrator
	logger   *log.Logger
}

// buildEngine loads configuration and wires the full engine. Commands
// that only need the local database (queue inspection, status) pass
// needRemote=false and work without a configured backend.
func buildEngine(logger *log.Logger, needRemote bool) (*engine, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[tb-sync] ", log.LstdFlags)
	}

	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, err
	}

	q, err := queue.New(st.RawDB(), queue.Config{MaxRetries: cfg.Queue.MaxRetries}, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	if _, err := q.Recover(context.Background()); err != nil {
		st.Close()
		return nil, err
	}

	e := &engine{
		cfg:     cfg,
		loader:  loader,
		store:   st,
		queue:   q,
		monitor: telemetry.NewMonitor(0),
		logger:  logger,
	}

	if !needRemote {
		return e, nil
	}

	if cfg.Remote.BaseURL == "" {
		st.Close()
		return nil, fmt.Errorf("remote.base_url is not configured")
	}

	resolver, err := conflict.NewResolver(cfg.Strategy(), logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	client, err := remote.NewHTTPClient(remote.Config{
		BaseURL:  cfg.Remote.BaseURL,
		Token:    remote.StaticToken(cfg.Remote.Token),
		Timeout:  cfg.Remote.Timeout,
		RetryMax: cfg.Remote.RetryMax,
		Logger:   logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	gate := netgate.New(
		netgate.DialProbe(cfg.Remote.BaseURL),
		netgate.Policy{WiFiOnly: cfg.Network.WiFiOnly, AvoidMetered: cfg.Network.AvoidMetered},
		logger,
	)

	orch, err := syncer.New(syncer.Options{
		Store:    st,
		Remote:   client,
		Queue:    q,
		Resolver: resolver,
		Gate:     gate,
		Monitor:  e.monitor,
		Logger:   logger,
		Config: syncer.Config{
			Enabled:          cfg.Sync.Enabled,
			CloudOnlyStorage: cfg.Sync.CloudOnlyStorage,
			Authenticated: func(context.Context) bool {
				return cfg.Remote.Token != ""
			},
			StageTimeout: cfg.Sync.StageTimeout,
		},
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	e.resolver = resolver
	e.gate = gate
	e.orch = orch
	return e, nil
}

func (e *engine) Close() {
	if e.orch != nil {
		e.orch.Close()
	}
	if err := e.store.Close(); err != nil {
		e.logger.Printf("Error closing store: %v", err)
	}
}
