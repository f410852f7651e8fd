// Garmin Relay - InReach Media Relay for Matrix and Email
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/garmin-relay

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/garmin-relay/internal/config"
	"github.com/tomtom215/garmin-relay/internal/logging"
	"github.com/tomtom215/garmin-relay/internal/metrics"
	"github.com/tomtom215/garmin-relay/internal/models"
	"github.com/tomtom215/garmin-relay/internal/store"
)

// Dispatcher fans one media event out to its resolved destinations. It
// owns the delivery ledger updates, retry with backoff on transient
// failures, auth-failure revocation, and source file deletion once every
// destination has been delivered.
type Dispatcher struct {
	resolver *Resolver
	ledger   *store.Ledger
	subs     *store.SubscriptionStore
	channels map[models.DestinationKind]Channel
	cfg      config.DispatchConfig
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(resolver *Resolver, ledger *store.Ledger, subs *store.SubscriptionStore,
	webhook, email Channel, cfg config.DispatchConfig) *Dispatcher {
	return &Dispatcher{
		resolver: resolver,
		ledger:   ledger,
		subs:     subs,
		channels: map[models.DestinationKind]Channel{
			models.DestinationWebhook: webhook,
			models.DestinationEmail:   email,
		},
		cfg:    cfg,
		logger: logging.With().Str("component", "dispatch").Logger(),
	}
}

// Process delivers one event end to end. Safe to call again for the same
// event: already-delivered destinations are skipped, and a finished event
// is a no-op. The error return covers infrastructure problems (ledger,
// file read); per-destination delivery failures are recorded in the
// ledger, not returned.
func (d *Dispatcher) Process(ctx context.Context, ev *models.MediaEvent) error {
	targets, err := d.resolver.Resolve(ev)
	if err != nil {
		return fmt.Errorf("resolve destinations: %w", err)
	}

	destIDs := make([]string, 0, len(targets))
	captions := make(map[string]string, len(targets))
	subsByID := make(map[string]models.Subscription, len(targets))
	for _, t := range targets {
		destIDs = append(destIDs, t.Subscription.ID)
		captions[t.Subscription.ID] = t.Caption
		subsByID[t.Subscription.ID] = t.Subscription
	}

	rec, err := d.ledger.Record(ev, destIDs)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	if rec.Done {
		return nil
	}

	if len(rec.Destinations) == 0 {
		d.logger.Debug().
			Str("event", ev.Key()).
			Str("source", ev.SourcePhone).
			Msg("no active subscriptions, dropping event")
		return d.ledger.Finish(ev.Key(), false)
	}

	// Jobs are the intersection of still-undelivered ledger destinations
	// and currently resolvable targets. A destination in the ledger whose
	// subscription vanished stays failed; Record already marked it.
	var jobs []Target
	for _, id := range rec.PendingDestinationIDs() {
		if sub, ok := subsByID[id]; ok {
			jobs = append(jobs, Target{Subscription: sub, Caption: captions[id]})
		}
	}
	if len(jobs) == 0 {
		if rec.AllDelivered() {
			return d.finalize(ctx, ev)
		}
		// Every undelivered destination lost its subscription; nothing can
		// retry, so seal the event without deleting the file.
		d.logger.Warn().
			Str("event", ev.Key()).
			Msg("sealing partially delivered event, no retryable destinations remain")
		return d.ledger.Finish(ev.Key(), false)
	}

	data, err := os.ReadFile(ev.FilePath)
	if err != nil {
		return fmt.Errorf("read media file: %w", err)
	}
	filename := filepath.Base(ev.FilePath)
	mimeType := mime.TypeByExtension(filepath.Ext(ev.FilePath))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	jobChan := make(chan Target, len(jobs))
	var wg sync.WaitGroup

	workerCount := d.cfg.Parallelism
	if workerCount < 1 {
		workerCount = 1
	}
	if workerCount > len(jobs) {
		workerCount = len(jobs)
	}

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobChan {
				d.deliverTarget(ctx, &SendParams{
					Event:        ev,
					Subscription: &job.Subscription,
					Caption:      job.Caption,
					FileData:     data,
					Filename:     filename,
					MimeType:     mimeType,
				})
			}
		}()
	}
	for _, job := range jobs {
		jobChan <- job
	}
	close(jobChan)
	wg.Wait()

	return d.finalize(ctx, ev)
}

// deliverTarget runs the retry loop for one destination and writes the
// final outcome to the ledger.
func (d *Dispatcher) deliverTarget(ctx context.Context, params *SendParams) {
	sub := params.Subscription
	channel, ok := d.channels[sub.Destination.Kind]
	if !ok {
		d.logger.Error().
			Str("event", params.Event.Key()).
			Str("subscription", sub.ID).
			Str("kind", string(sub.Destination.Kind)).
			Msg("no channel for destination kind")
		d.markFailed(params.Event, sub.ID, true)
		return
	}

	var lastResult *DeliveryResult
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.DeliveryRetries.Inc()
			delay := d.backoff(attempt, lastResult)
			d.logger.Debug().
				Str("event", params.Event.Key()).
				Str("subscription", sub.ID).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying delivery after delay")
			select {
			case <-ctx.Done():
				d.markFailed(params.Event, sub.ID, false)
				return
			case <-time.After(delay):
			}
		}

		result := d.attempt(ctx, channel, params)
		if result == nil {
			continue
		}
		lastResult = result

		if result.Success {
			outcome := "delivered"
			if result.Duplicate {
				outcome = "duplicate"
			}
			metrics.Deliveries.WithLabelValues(channel.Name(), outcome).Inc()
			d.logger.Info().
				Str("event", params.Event.Key()).
				Str("subscription", sub.ID).
				Str("channel", channel.Name()).
				Str("name", sub.Name).
				Bool("duplicate", result.Duplicate).
				Msg("delivery successful")
			if err := d.ledger.MarkDelivered(params.Event.Key(), sub.ID); err != nil {
				d.logger.Err(err).Str("event", params.Event.Key()).Msg("failed to mark delivered")
			}
			return
		}

		if !result.IsTransient {
			d.logger.Warn().
				Str("event", params.Event.Key()).
				Str("subscription", sub.ID).
				Str("channel", channel.Name()).
				Str("error", result.ErrorMessage).
				Str("error_code", result.ErrorCode).
				Msg("permanent delivery error, not retrying")
			break
		}

		d.logger.Debug().
			Str("event", params.Event.Key()).
			Str("subscription", sub.ID).
			Str("error", result.ErrorMessage).
			Int("attempt", attempt).
			Msg("transient delivery error")
	}

	metrics.Deliveries.WithLabelValues(channel.Name(), "failed").Inc()
	// A permanent receiver answer drops the destination out of retry
	// cycles; transient exhaustion leaves it eligible for the next cycle.
	permanent := lastResult != nil && !lastResult.IsTransient
	d.markFailed(params.Event, sub.ID, permanent)

	// Rejected credentials kill the subscription so the relay stops
	// hammering a receiver that has told it to go away.
	if lastResult != nil && lastResult.RevokeSubscription && sub.ID != CatchAllID {
		if err := d.subs.Revoke(sub.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			d.logger.Err(err).Str("subscription", sub.ID).Msg("failed to revoke subscription")
		} else {
			metrics.Revocations.WithLabelValues("auth_failure").Inc()
			d.logger.Info().
				Str("subscription", sub.ID).
				Str("name", sub.Name).
				Str("source", sub.SourcePhone).
				Msg("subscription revoked after credential rejection")
		}
	}
}

// attempt runs a single send bounded by the per-attempt timeout.
func (d *Dispatcher) attempt(ctx context.Context, channel Channel, params *SendParams) *DeliveryResult {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	result, err := channel.Send(attemptCtx, params)
	metrics.DeliveryDuration.WithLabelValues(channel.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		d.logger.Err(err).
			Str("event", params.Event.Key()).
			Str("subscription", params.Subscription.ID).
			Str("channel", channel.Name()).
			Msg("channel send error")
		return nil
	}
	return result
}

func (d *Dispatcher) markFailed(ev *models.MediaEvent, destID string, permanent bool) {
	var err error
	if permanent {
		err = d.ledger.MarkFailedPermanent(ev.Key(), destID)
	} else {
		err = d.ledger.MarkFailed(ev.Key(), destID)
	}
	if err != nil {
		d.logger.Err(err).Str("event", ev.Key()).Msg("failed to mark failed")
	}
}

// finalize checks whether every destination has been delivered and, if so,
// removes the source file and seals the event. Events with undelivered
// destinations stay open for later retry cycles.
func (d *Dispatcher) finalize(ctx context.Context, ev *models.MediaEvent) error {
	rec, err := d.ledger.Get(ev.Key())
	if err != nil {
		return fmt.Errorf("load event record: %w", err)
	}
	if rec.Done {
		return nil
	}
	if !rec.AllDelivered() {
		// Destinations that failed permanently never retry; once nothing
		// retryable remains, seal the event with the file intact.
		if len(rec.PendingDestinationIDs()) == 0 {
			d.logger.Warn().
				Str("event", ev.Key()).
				Msg("sealing event, remaining destinations failed permanently")
			return d.ledger.Finish(ev.Key(), false)
		}
		return nil
	}

	if !d.cfg.DeleteOnSuccess {
		return d.ledger.Finish(ev.Key(), false)
	}

	// Give the messaging app time to finish its own bookkeeping before
	// the file disappears.
	if d.cfg.DeleteDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.DeleteDelay):
		}
	}

	deleted := false
	if err := os.Remove(ev.FilePath); err != nil {
		d.logger.Warn().
			Str("event", ev.Key()).
			Str("path", ev.FilePath).
			Err(err).
			Msg("failed to delete media file")
	} else {
		deleted = true
		metrics.FilesDeleted.Inc()
		d.logger.Info().
			Str("event", ev.Key()).
			Str("path", ev.FilePath).
			Msg("deleted media file after full delivery")
	}
	return d.ledger.Finish(ev.Key(), deleted)
}

// backoff computes the delay before the next retry attempt. A server
// supplied Retry-After wins over the exponential schedule.
func (d *Dispatcher) backoff(attempt int, lastResult *DeliveryResult) time.Duration {
	if lastResult != nil && lastResult.RetryAfter != nil {
		return *lastResult.RetryAfter
	}
	delay := d.cfg.BaseDelay * (1 << uint(attempt-1))
	if delay > d.cfg.MaxDelay {
		delay = d.cfg.MaxDelay
	}
	return delay
}
