package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fcpbot/fcpbot/internal/roster"
	"github.com/fcpbot/fcpbot/internal/scheduler"
	"github.com/fcpbot/fcpbot/internal/webhook"
)

const shutdownTimeout = 30 * time.Second

var serveImmediate bool

func init() {
	serveCmd.Flags().BoolVar(&serveImmediate, "immediate", false, "Run the first sync cycle at startup instead of after one interval")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the webhook/status server",
	Long: `Runs sync cycles every sync.interval and serves the webhook and status API
on server.addr. Exits when the roster file changes so the supervisor restarts
the bot with the new roster.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		r, err := loadRoster(ctx, store, "")
		if err != nil {
			return err
		}
		stopTelemetry, err := startTelemetry(ctx, r)
		if err != nil {
			return err
		}
		defer stopTelemetry()
		eng, err := buildEngine(store, r)
		if err != nil {
			return err
		}
		eng.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		if cfg.Server.WebhookSecret == "" {
			logger.Warn("server.webhook_secret is empty; webhook signatures are not checked")
		}
		server := webhook.NewServer(webhook.ServerConfig{
			Store:      store,
			Roster:     r,
			Sweeper:    eng.coord,
			Secret:     []byte(cfg.Server.WebhookSecret),
			Gatherer:   eng.registry,
			StaleAfter: 2 * cfg.Sync.Interval,
			Logger:     logger,
		})
		sched := scheduler.New(eng.coord, cfg.Sync.Interval, logger)
		sched.Immediate = serveImmediate

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return sched.Run(gctx)
		})
		g.Go(func() error {
			if err := server.Start(cfg.Server.Addr); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			return roster.Watch(gctx, cfg.Roster.Path, logger.With("component", "roster"))
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			err := server.Shutdown(sctx)
			eng.coord.Close()
			return err
		})

		logger.Info("fcpbot started",
			"version", Version,
			"repositories", len(r.Repositories()),
			"teams", len(r.TeamLabels()),
			"interval", cfg.Sync.Interval,
			"addr", cfg.Server.Addr,
		)
		err = g.Wait()
		logger.Info("fcpbot stopped", "error", err)
		return err
	},
}
