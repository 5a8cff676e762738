package main

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fcpbot/fcpbot/internal/fault"
	"github.com/fcpbot/fcpbot/internal/fcp"
	"github.com/fcpbot/fcpbot/internal/github"
	"github.com/fcpbot/fcpbot/internal/ingest"
	"github.com/fcpbot/fcpbot/internal/metrics"
	"github.com/fcpbot/fcpbot/internal/notify"
	"github.com/fcpbot/fcpbot/internal/roster"
	"github.com/fcpbot/fcpbot/internal/storage"
	"github.com/fcpbot/fcpbot/internal/storage/sqlstore"
	"github.com/fcpbot/fcpbot/internal/syncer"
	"github.com/fcpbot/fcpbot/internal/telemetry"
)

// openStore connects to the configured database, instrumented when
// telemetry is enabled.
func openStore(ctx context.Context) (storage.Storage, error) {
	raw, err := sqlstore.Open(ctx, cfg.Database.DSN,
		sqlstore.WithLogger(logger.With("component", "store")),
		sqlstore.WithTracing(cfg.Telemetry.Enabled),
	)
	if err != nil {
		return nil, err
	}
	if !cfg.Telemetry.Enabled {
		return raw, nil
	}
	return telemetry.WrapStorage(raw), nil
}

// loadRoster parses the roster file and cross-checks it against the
// identity store. The engine must not start when this fails.
func loadRoster(ctx context.Context, store storage.Storage, modeOverride string) (*roster.Roster, error) {
	r, err := roster.Load(cfg.Roster.Path)
	if err != nil {
		return nil, err
	}
	modeName := cfg.Roster.Mode
	if modeOverride != "" {
		modeName = modeOverride
	}
	mode, err := roster.ParseMode(modeName)
	if err != nil {
		return nil, err
	}
	v := &roster.Validator{Mode: mode, Logger: logger.With("component", "roster")}
	if err := v.Validate(ctx, r, store); err != nil {
		return nil, err
	}
	return r, nil
}

// engine is the assembled sweep machinery
type engine struct {
	store    storage.Storage
	roster   *roster.Roster
	coord    *syncer.Coordinator
	registry *prometheus.Registry
}

// buildEngine wires the GitHub client, ingestion pipeline, state machine
// and deliverer into a coordinator.
func buildEngine(store storage.Storage, r *roster.Roster) (*engine, error) {
	if cfg.GitHub.Token == "" {
		return nil, fault.Config("github", errors.New("github.token is empty (set FCPBOT_GITHUB_TOKEN)"))
	}
	client := github.NewClient(cfg.GitHub.Token).
		WithBaseURL(cfg.GitHub.APIURL).
		WithMaxAttempts(cfg.GitHub.FetchAttempts)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	pipeline := ingest.NewPipeline(client, store, r, cfg.GitHub.BotLogin, logger)
	machine := fcp.NewMachine(store, r, cfg.GitHub.BotLogin, cfg.FCP.Dwell, logger)
	deliverer := notify.NewDeliverer(client, store, logger)
	coord := syncer.New(store, r, pipeline, machine, deliverer, syncer.Options{
		InitialLookback: cfg.Sync.InitialLookback,
		Metrics:         m,
		Logger:          logger,
	})
	return &engine{store: store, roster: r, coord: coord, registry: registry}, nil
}

// startTelemetry installs OTel providers describing this bot and the
// repositories r governs, and returns their shutdown. Instruments created
// before it runs report through the installed providers.
func startTelemetry(ctx context.Context, r *roster.Roster) (func(), error) {
	tc := cfg.Telemetry
	if !tc.Enabled {
		return func() {}, nil
	}
	p, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName:     "fcpbot",
		Version:         Version,
		BotLogin:        cfg.GitHub.BotLogin,
		RosterMode:      cfg.Roster.Mode,
		Repositories:    r.Repositories(),
		Stdout:          tc.Stdout,
		Endpoint:        tc.Endpoint,
		MetricsEndpoint: tc.MetricsEndpoint,
		SampleRatio:     tc.SampleRatio,
		ExportInterval:  tc.ExportInterval,
	})
	if err != nil {
		return nil, fault.Config("telemetry", err)
	}
	return func() {
		if err := p.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}, nil
}
