// Garmin Relay - InReach Media Relay for Matrix and Email
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/garmin-relay

// Package metrics exposes the relay's Prometheus instrumentation:
// detector poll health, delivery outcomes per channel, subscription
// lifecycle counts, and source file cleanup.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Detector metrics
	PollCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_poll_cycles_total",
			Help: "Total number of completed detector poll cycles",
		},
	)

	PollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_poll_errors_total",
			Help: "Total number of detector poll errors",
		},
		[]string{"stage"}, // "query", "resolve", "dispatch"
	)

	MediaEventsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_media_events_detected_total",
			Help: "Total number of stable media events handed to dispatch",
		},
	)

	MediaEventsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_media_events_pending",
			Help: "Media events waiting for their file to appear or stabilize",
		},
	)

	MessageCursor = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_message_cursor",
			Help: "Highest message ID the detector has processed",
		},
	)

	// Subscription metrics
	Activations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_activations_total",
			Help: "Total number of SMS acknowledgment attempts",
		},
		[]string{"result"}, // "ok", "rejected"
	)

	Revocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_revocations_total",
			Help: "Total number of subscription revocations",
		},
		[]string{"cause"}, // "unsub", "auth_failure", "api"
	)

	// Delivery metrics
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Total number of delivery attempts by final outcome",
		},
		[]string{"channel", "outcome"}, // channel: "webhook"/"email"; outcome: "delivered"/"failed"/"duplicate"
	)

	DeliveryRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_delivery_retries_total",
			Help: "Total number of transient-failure retries",
		},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_delivery_duration_seconds",
			Help:    "Duration of a single delivery attempt in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	FilesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_files_deleted_total",
			Help: "Total number of source media files removed after full delivery",
		},
	)
)
