// Garmin Relay - InReach Media Relay for Matrix and Email
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/garmin-relay

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/garmin-relay/internal/logging"
)

// HTTPService adapts *http.Server's blocking ListenAndServe to suture's
// context-aware Serve: the server runs on a goroutine and cancellation
// triggers a bounded graceful shutdown.
type HTTPService struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

// NewHTTPService wraps an HTTP server as a supervised service.
func NewHTTPService(server *http.Server, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

// String names the service in supervisor logs.
func (h *HTTPService) String() string {
	return "http-server"
}

// BadgerGCService runs badger value-log garbage collection periodically.
// The delivery ledger rewrites event records on every state change, so
// without GC the value log grows unbounded on long-lived relays.
type BadgerGCService struct {
	db       *badger.DB
	interval time.Duration
}

// NewBadgerGCService creates a GC service for the state database.
func NewBadgerGCService(db *badger.DB, interval time.Duration) *BadgerGCService {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &BadgerGCService{db: db, interval: interval}
}

// Serve implements suture.Service.
func (g *BadgerGCService) Serve(ctx context.Context) error {
	logger := logging.With().Str("component", "badger-gc").Logger()
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when there is nothing to
			// collect; loop until it does so one tick drains a backlog.
			for {
				err := g.db.RunValueLogGC(0.5)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						logger.Err(err).Msg("value log gc failed")
					}
					break
				}
			}
		}
	}
}

// String names the service in supervisor logs.
func (g *BadgerGCService) String() string {
	return "badger-gc"
}
