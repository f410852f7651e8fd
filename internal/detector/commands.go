// Garmin Relay - InReach Media Relay for Matrix and Email
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/garmin-relay

package detector

import (
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tomtom215/garmin-relay/internal/logging"
	"github.com/tomtom215/garmin-relay/internal/metrics"
	"github.com/tomtom215/garmin-relay/internal/models"
	"github.com/tomtom215/garmin-relay/internal/store"
)

// AckMonitor matches inbound texts against the SMS command grammar:
//
//	sub <name> <token>   activate a pending subscription
//	unsub <name>         revoke one subscription
//	unsub                revoke all of the sender's subscriptions
//
// Everything else is ignored. Matching is case-insensitive, and a failed
// activation is deliberately silent toward the sender: the relay has no
// way to text back, and the token either matches or it does not.
type AckMonitor struct {
	subs   *store.SubscriptionStore
	logger zerolog.Logger
}

// NewAckMonitor creates an ack monitor over the subscription store.
func NewAckMonitor(subs *store.SubscriptionStore) *AckMonitor {
	return &AckMonitor{
		subs:   subs,
		logger: logging.With().Str("component", "ack").Logger(),
	}
}

// HandleText processes one inbound text. Returns true if the text was a
// recognized command.
func (m *AckMonitor) HandleText(text *models.InboundText) bool {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(text.Body)))
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "sub":
		if len(fields) < 3 {
			return false
		}
		m.activate(text.SourcePhone, fields[1], fields[2])
		return true

	case "unsub":
		if len(fields) >= 2 {
			m.revokeOne(text.SourcePhone, fields[1])
		} else {
			m.revokeAll(text.SourcePhone)
		}
		return true
	}
	return false
}

func (m *AckMonitor) activate(phone, name, token string) {
	// The device keyboard lowercases freely; tokens are issued from an
	// uppercase alphabet, so compare case-insensitively.
	sub, err := m.subs.Activate(phone, name, strings.ToUpper(token))
	if err != nil {
		metrics.Activations.WithLabelValues("rejected").Inc()
		m.logger.Warn().
			Str("source", phone).
			Str("name", name).
			Msg("subscription activation rejected")
		return
	}
	metrics.Activations.WithLabelValues("ok").Inc()
	m.logger.Info().
		Str("source", phone).
		Str("name", sub.Name).
		Str("subscription", sub.ID).
		Msg("subscription activated")
}

func (m *AckMonitor) revokeOne(phone, name string) {
	if err := m.subs.RevokeByName(phone, name); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Err(err).Str("source", phone).Str("name", name).Msg("revoke failed")
		}
		return
	}
	metrics.Revocations.WithLabelValues("unsub").Inc()
	m.logger.Info().Str("source", phone).Str("name", name).Msg("subscription revoked by sender")
}

func (m *AckMonitor) revokeAll(phone string) {
	n, err := m.subs.RevokeAll(phone)
	if err != nil {
		m.logger.Err(err).Str("source", phone).Msg("revoke all failed")
		return
	}
	for i := 0; i < n; i++ {
		metrics.Revocations.WithLabelValues("unsub").Inc()
	}
	m.logger.Info().Str("source", phone).Int("count", n).Msg("all subscriptions revoked by sender")
}
