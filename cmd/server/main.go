// Garmin Relay - InReach Media Relay for Matrix and Email
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/garmin-relay

// Command server runs the relay: it watches the messaging app's database
// for media from InReach senders and forwards it to subscribed webhooks
// and email recipients, with SMS-acknowledged subscription provisioning.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/garmin-relay/internal/api"
	"github.com/tomtom215/garmin-relay/internal/config"
	"github.com/tomtom215/garmin-relay/internal/detector"
	"github.com/tomtom215/garmin-relay/internal/dispatch"
	"github.com/tomtom215/garmin-relay/internal/logging"
	"github.com/tomtom215/garmin-relay/internal/messenger"
	"github.com/tomtom215/garmin-relay/internal/store"
	"github.com/tomtom215/garmin-relay/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		logging.Err(err).Msg("relay exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("db_path", cfg.Messenger.DBPath).
		Str("media_root", cfg.Messenger.MediaRoot).
		Str("state_dir", cfg.State.Dir).
		Msg("garmin-relay starting")

	if err := cfg.EnsureStateDir(); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	stateDB, err := store.Open(cfg.State.Dir)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer func() {
		if err := stateDB.Close(); err != nil {
			logging.Err(err).Msg("state store close failed")
		}
	}()

	subs := store.NewSubscriptionStore(stateDB)
	ledger := store.NewLedger(stateDB)

	mdb, err := messenger.Open(cfg.Messenger.DBPath, cfg.Messenger.MediaRoot, cfg.Messenger.MediaExts)
	if err != nil {
		return fmt.Errorf("open messenger db: %w", err)
	}
	defer func() {
		if err := mdb.Close(); err != nil {
			logging.Err(err).Msg("messenger db close failed")
		}
	}()

	resolver := dispatch.NewResolver(subs,
		cfg.Routing.CaptionTargeting, cfg.Routing.StripTargetWord,
		cfg.Routing.CatchAllURL, cfg.Routing.CatchAllToken)
	dispatcher := dispatch.NewDispatcher(resolver, ledger, subs,
		dispatch.NewWebhookChannel(cfg.Dispatch.ForwardMode, cfg.Dispatch.SendTimeout),
		dispatch.NewEmailChannel(cfg.SMTP, cfg.Dispatch.SendTimeout),
		cfg.Dispatch)

	det := detector.New(mdb, ledger, detector.NewAckMonitor(subs), dispatcher,
		cfg.Detector.PollInterval, cfg.Messenger.TailLimit, cfg.Detector.RetryCooldown)

	apiServer := api.NewServer(subs, cfg.Server)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           apiServer.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddIngestService(det)
	tree.AddIngestService(supervisor.NewBadgerGCService(stateDB, 10*time.Minute))
	tree.AddAPIService(supervisor.NewHTTPService(httpServer, cfg.Server.Timeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("listen", httpServer.Addr).Msg("supervisor tree starting")
	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor tree: %w", err)
	}

	if report, reportErr := tree.UnstoppedServiceReport(); reportErr == nil {
		for _, svc := range report {
			logging.Warn().Str("service", fmt.Sprintf("%v", svc.Service)).Msg("service did not stop in time")
		}
	}

	logging.Info().Msg("garmin-relay stopped")
	return nil
}
