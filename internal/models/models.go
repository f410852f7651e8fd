// Garmin Relay - InReach Media Relay for Matrix and Email
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/garmin-relay

// Package models defines the core data types shared across the relay:
// subscriptions, media events, inbound texts, and delivery state.
package models

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// SubscriptionStatus represents the lifecycle state of a subscription.
type SubscriptionStatus string

// Subscription lifecycle states.
const (
	SubscriptionPending SubscriptionStatus = "pending"
	SubscriptionActive  SubscriptionStatus = "active"
	SubscriptionRevoked SubscriptionStatus = "revoked"
)

// DestinationKind identifies a delivery backend.
type DestinationKind string

// Supported destination kinds.
const (
	DestinationWebhook DestinationKind = "webhook"
	DestinationEmail   DestinationKind = "email"
)

// Destination is a delivery sink for relayed media: either a Matrix-style
// webhook (URL plus bearer token) or a list of email recipients.
type Destination struct {
	Kind DestinationKind `json:"kind"`

	// Webhook fields (Kind == DestinationWebhook).
	WebhookURL  string `json:"webhook_url,omitempty"`
	BearerToken string `json:"bearer_token,omitempty"`

	// Email fields (Kind == DestinationEmail).
	EmailAddresses []string `json:"email_addresses,omitempty"`
}

// Validate checks that the destination carries everything its backend needs.
func (d *Destination) Validate() error {
	switch d.Kind {
	case DestinationWebhook:
		if d.WebhookURL == "" {
			return fmt.Errorf("webhook URL is required")
		}
		if err := ValidateWebhookURL(d.WebhookURL); err != nil {
			return err
		}
		if d.BearerToken == "" {
			return fmt.Errorf("webhook bearer token is required")
		}
		return nil
	case DestinationEmail:
		if len(d.EmailAddresses) == 0 {
			return fmt.Errorf("at least one email address is required")
		}
		for _, addr := range d.EmailAddresses {
			if err := ValidateEmail(addr); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown destination kind: %q", d.Kind)
	}
}

// ValidateEmail validates an email address format.
func ValidateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email address is required")
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("invalid email address format: %s", email)
	}
	if !strings.Contains(parts[1], ".") {
		return fmt.Errorf("invalid email domain: %s", parts[1])
	}
	return nil
}

// ValidateWebhookURL validates a webhook URL.
func ValidateWebhookURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("webhook URL must use http or https scheme")
	}
	if parsed.Host == "" {
		return fmt.Errorf("webhook URL must have a host")
	}
	return nil
}

// nameRe restricts subscription names so they can appear as the first word
// of a caption and inside an SMS command without quoting or escaping.
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// NormalizeName lowercases and trims a subscription name. All name matching
// (caption routing, ack commands, per-sender uniqueness) is done on the
// normalized form.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidateName checks a normalized subscription name against the allowed
// charset and length bound.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("name must be 1-32 chars of [a-z0-9_-], starting with a letter or digit")
	}
	return nil
}

// Subscription is a standing request to relay one sender's media to a named
// destination. The ack token is single-use: it is consumed when the
// subscription transitions from pending to active.
type Subscription struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	SourcePhone string             `json:"source_phone"`
	Destination Destination        `json:"destination"`
	AckToken    string             `json:"ack_token,omitempty"`
	Status      SubscriptionStatus `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	ActivatedAt *time.Time         `json:"activated_at,omitempty"`
}

// IsActive reports whether the subscription currently receives media.
func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionActive
}

// MediaEvent is one detected arrival of a media file from a sender.
type MediaEvent struct {
	MessageID    int64     `json:"message_id"`
	ThreadID     int64     `json:"thread_id"`
	AttachmentID string    `json:"attachment_id"`
	SourcePhone  string    `json:"source_phone"`
	Caption      string    `json:"caption"`
	FilePath     string    `json:"file_path"`
	SentAt       time.Time `json:"sent_at"`
	FirstSeenAt  time.Time `json:"first_seen_at"`

	// Optional location metadata from the messenger database.
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
}

// Key is the event's identity in the seen ledger. Keyed by message ID, so a
// re-poll that lists the same message again is a duplicate regardless of
// which file path variant it resolved to.
func (e *MediaEvent) Key() string {
	return fmt.Sprintf("msg:%d", e.MessageID)
}

// IdempotencyKey identifies one (message, attachment) delivery across
// retries. Receivers may use it to drop duplicate posts.
func (e *MediaEvent) IdempotencyKey() string {
	return fmt.Sprintf("msg:%d:att:%s", e.MessageID, e.AttachmentID)
}

// InboundText is a text reply observed on the relay's receiving number.
// It exists only long enough to be matched against the ack command grammar.
type InboundText struct {
	SourcePhone string
	Body        string
	ReceivedAt  time.Time
}

// DeliveryState is the per-destination outcome of a media event.
type DeliveryState string

// Delivery states for a single destination of an event. Failed
// destinations stay eligible for retry; a permanent failure (rejected
// credentials, oversize attachment, broken configuration) is terminal and
// left for manual intervention.
const (
	DeliveryPending         DeliveryState = "pending"
	DeliveryDelivered       DeliveryState = "delivered"
	DeliveryFailed          DeliveryState = "failed"
	DeliveryFailedPermanent DeliveryState = "failed_permanent"
)

// EventRecord is the durable ledger entry for a media event: the event
// itself plus per-destination delivery state. Destinations are keyed by
// subscription ID so retry cycles skip already-delivered targets.
type EventRecord struct {
	Event        MediaEvent               `json:"event"`
	Destinations map[string]DeliveryState `json:"destinations"`
	Done         bool                     `json:"done"`
	FileDeleted  bool                     `json:"file_deleted"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

// PendingDestinationIDs returns the destinations that still need a delivery
// attempt (pending or previously failed; transient failures remain eligible
// while the source file exists). Delivered and permanently failed
// destinations are excluded.
func (r *EventRecord) PendingDestinationIDs() []string {
	var ids []string
	for id, state := range r.Destinations {
		if state != DeliveryDelivered && state != DeliveryFailedPermanent {
			ids = append(ids, id)
		}
	}
	return ids
}

// AllDelivered reports whether every destination has succeeded. True for an
// event with zero destinations (a dropped event is trivially complete).
func (r *EventRecord) AllDelivered() bool {
	for _, state := range r.Destinations {
		if state != DeliveryDelivered {
			return false
		}
	}
	return true
}
