// Garmin Relay - InReach Media Relay for Matrix and Email
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/garmin-relay

// Package detector polls the messaging app's database for new messages,
// turns stable media files into dispatchable events, and feeds plain
// texts to the SMS acknowledgment monitor.
package detector

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/garmin-relay/internal/dispatch"
	"github.com/tomtom215/garmin-relay/internal/logging"
	"github.com/tomtom215/garmin-relay/internal/messenger"
	"github.com/tomtom215/garmin-relay/internal/metrics"
	"github.com/tomtom215/garmin-relay/internal/models"
	"github.com/tomtom215/garmin-relay/internal/store"
)

// pendingMedia is a media message whose file has not yet proven stable.
type pendingMedia struct {
	msg       messenger.Message
	firstSeen time.Time
	path      string
	lastSize  int64
}

// Detector is the poll loop. It owns the message cursor, the pending
// media map, and the in-flight set that prevents one event from being
// dispatched by two overlapping cycles.
//
// Detector implements suture.Service.
type Detector struct {
	db         *messenger.DB
	ledger     *store.Ledger
	ack        *AckMonitor
	dispatcher *dispatch.Dispatcher

	pollInterval time.Duration
	tailLimit    int

	// retryCooldown spaces out re-dispatch of events that still have
	// undelivered destinations.
	retryCooldown time.Duration

	logger zerolog.Logger

	// pending is keyed by attachment ID. Only touched by the poll loop.
	pending map[string]*pendingMedia

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

// New creates a detector. retryCooldown zero means unresolved events are
// eligible for re-dispatch on every poll.
func New(db *messenger.DB, ledger *store.Ledger, ack *AckMonitor, dispatcher *dispatch.Dispatcher,
	pollInterval time.Duration, tailLimit int, retryCooldown time.Duration) *Detector {
	return &Detector{
		db:            db,
		ledger:        ledger,
		ack:           ack,
		dispatcher:    dispatcher,
		pollInterval:  pollInterval,
		tailLimit:     tailLimit,
		retryCooldown: retryCooldown,
		logger:        logging.With().Str("component", "detector").Logger(),
		pending:       make(map[string]*pendingMedia),
		inflight:      make(map[string]bool),
	}
}

// Serve runs the poll loop until the context is canceled.
func (d *Detector) Serve(ctx context.Context) error {
	cursor, err := d.initCursor(ctx)
	if err != nil {
		return err
	}
	d.logger.Info().
		Int64("cursor", cursor).
		Dur("poll_interval", d.pollInterval).
		Int("tail_limit", d.tailLimit).
		Msg("detector started")

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			cursor = d.cycle(ctx, cursor)
		}
	}
}

// initCursor loads the persisted cursor, seeding it from the current
// database maximum on first run so a fresh relay does not replay history.
func (d *Detector) initCursor(ctx context.Context) (int64, error) {
	cursor, err := d.ledger.LastMessageID()
	if err != nil {
		return 0, err
	}
	if cursor == 0 {
		cursor, err = d.db.MaxMessageID(ctx)
		if err != nil {
			return 0, err
		}
		if err := d.ledger.SetLastMessageID(cursor); err != nil {
			return 0, err
		}
	}
	return cursor, nil
}

// cycle runs one poll pass and returns the advanced cursor.
func (d *Detector) cycle(ctx context.Context, cursor int64) int64 {
	msgs, err := d.db.MessagesAfter(ctx, cursor, d.tailLimit)
	if err != nil {
		metrics.PollErrors.WithLabelValues("query").Inc()
		d.logger.Err(err).Msg("message query failed")
		return cursor
	}

	for i := range msgs {
		msg := &msgs[i]
		if msg.ID > cursor {
			cursor = msg.ID
		}

		if !msg.HasMedia() {
			if msg.Text != "" {
				d.ack.HandleText(&models.InboundText{
					SourcePhone: msg.SourcePhone,
					Body:        msg.Text,
					ReceivedAt:  msg.SentAt,
				})
			}
			continue
		}

		if _, ok := d.pending[msg.AttachmentID]; !ok {
			d.pending[msg.AttachmentID] = &pendingMedia{
				msg:       *msg,
				firstSeen: time.Now().UTC(),
				lastSize:  -1,
			}
			d.logger.Debug().
				Int64("message", msg.ID).
				Str("attachment", msg.AttachmentID).
				Msg("media message queued, waiting for file")
		}
	}

	if err := d.ledger.SetLastMessageID(cursor); err != nil {
		d.logger.Err(err).Msg("cursor persist failed")
	}
	metrics.MessageCursor.Set(float64(cursor))

	d.scanPending(ctx)
	d.retryUnresolved(ctx)

	metrics.MediaEventsPending.Set(float64(len(d.pending)))
	metrics.PollCycles.Inc()
	return cursor
}

// scanPending re-checks every queued media message. An event is emitted
// once its file exists and its size is unchanged since the previous poll;
// the app writes media files incrementally, and forwarding a half-written
// file would relay a corrupt image.
func (d *Detector) scanPending(ctx context.Context) {
	for attachID, p := range d.pending {
		if p.path == "" {
			_, fileID, err := d.db.AttachmentFileID(ctx, attachID)
			if err != nil {
				metrics.PollErrors.WithLabelValues("resolve").Inc()
				d.logger.Err(err).Str("attachment", attachID).Msg("attachment lookup failed")
				continue
			}
			p.path = d.db.FindMediaPath(fileID, attachID)
			if p.path == "" {
				continue
			}
		}

		size := d.db.FileSize(p.path)
		if size < 0 {
			// The file disappeared between polls; probe again next cycle.
			p.path = ""
			p.lastSize = -1
			continue
		}
		if size != p.lastSize {
			p.lastSize = size
			continue
		}

		delete(d.pending, attachID)
		d.emit(ctx, p)
	}
}

// emit hands one stable media event to the dispatcher on its own
// goroutine so slow deliveries never stall polling.
func (d *Detector) emit(ctx context.Context, p *pendingMedia) {
	ev := &models.MediaEvent{
		MessageID:    p.msg.ID,
		ThreadID:     p.msg.ThreadID,
		AttachmentID: p.msg.AttachmentID,
		SourcePhone:  p.msg.SourcePhone,
		Caption:      p.msg.Text,
		FilePath:     p.path,
		SentAt:       p.msg.SentAt,
		FirstSeenAt:  p.firstSeen,
		Latitude:     p.msg.Latitude,
		Longitude:    p.msg.Longitude,
		Altitude:     p.msg.Altitude,
	}
	metrics.MediaEventsDetected.Inc()
	d.logger.Info().
		Str("event", ev.Key()).
		Str("source", ev.SourcePhone).
		Str("path", ev.FilePath).
		Msg("media event detected")
	d.process(ctx, ev)
}

// retryUnresolved re-dispatches events whose delivery is still partial.
// Only events that have been quiet for the cooldown are retried.
func (d *Detector) retryUnresolved(ctx context.Context) {
	recs, err := d.ledger.Unresolved()
	if err != nil {
		d.logger.Err(err).Msg("unresolved scan failed")
		return
	}
	now := time.Now().UTC()
	for i := range recs {
		rec := &recs[i]
		if now.Sub(rec.UpdatedAt) < d.retryCooldown {
			continue
		}
		// A vanished file makes the remaining deliveries impossible; seal
		// the event so it stops coming back.
		if d.db.FileSize(rec.Event.FilePath) < 0 {
			d.logger.Warn().
				Str("event", rec.Event.Key()).
				Str("path", rec.Event.FilePath).
				Msg("sealing undelivered event, media file is gone")
			if err := d.ledger.Finish(rec.Event.Key(), false); err != nil {
				d.logger.Err(err).Str("event", rec.Event.Key()).Msg("seal failed")
			}
			continue
		}
		ev := rec.Event
		d.process(ctx, &ev)
	}
}

// process dispatches one event unless it is already in flight.
func (d *Detector) process(ctx context.Context, ev *models.MediaEvent) {
	key := ev.Key()
	d.mu.Lock()
	if d.inflight[key] {
		d.mu.Unlock()
		return
	}
	d.inflight[key] = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.inflight, key)
			d.mu.Unlock()
		}()
		if err := d.dispatcher.Process(ctx, ev); err != nil {
			metrics.PollErrors.WithLabelValues("dispatch").Inc()
			d.logger.Err(err).Str("event", key).Msg("dispatch failed")
		}
	}()
}

// String names the service in supervisor logs.
func (d *Detector) String() string {
	return "media-detector"
}
