package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	vega "github.com/everydev1618/vegatree"
	"github.com/everydev1618/vegatree/internal/config"
	"github.com/everydev1618/vegatree/store/boltdb"
	"github.com/everydev1618/vegatree/store/sqlite"
)

// app bundles what every command needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  vega.Store
}

func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, store: store}, nil
}

func openStore(cfg *config.Config) (vega.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return vega.NewMemoryStore(), nil
	case config.DriverBolt:
		s, err := boltdb.Open(cfg.StorePath())
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		return s, nil
	default:
		s, err := sqlite.Open(cfg.StorePath())
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	}
}

// orchestrator builds an Orchestrator from config. reg may be nil to
// skip metrics.
func (a *app) orchestrator(reg prometheus.Registerer) (*vega.Orchestrator, error) {
	oc := a.cfg.Orchestrator
	opts := []vega.OrchestratorOption{
		vega.WithStore(a.store),
		vega.WithLogger(a.logger),
		vega.WithHistorySize(oc.HistorySize),
		vega.WithBusBuffer(oc.SubscriberBuffer),
		vega.WithTurnTimeout(oc.TurnTimeout),
		vega.WithAdjustTimeout(oc.AdjustTimeout),
		vega.WithShutdownGrace(oc.ShutdownGrace),
		vega.WithMaxTurns(oc.MaxTurns),
		vega.WithSkipAutoTurn(oc.SkipAutoTurn),
	}
	if len(oc.DefaultModels) > 0 {
		opts = append(opts, vega.WithDefaultModels(oc.DefaultModels...))
	}
	if path := a.cfg.ProfilesPath(); path != "" {
		profiles, err := vega.LoadProfiles(path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, vega.WithProfiles(profiles))
	}
	if reg != nil {
		opts = append(opts, vega.WithMetrics(vega.MustNewMetrics(reg)))
	}
	return vega.NewOrchestrator(opts...), nil
}

func (a *app) Close() error {
	return a.store.Close()
}
