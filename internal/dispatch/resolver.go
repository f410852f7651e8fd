// Garmin Relay - InReach Media Relay for Matrix and Email
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/garmin-relay

package dispatch

import (
	"strings"

	"github.com/tomtom215/garmin-relay/internal/models"
	"github.com/tomtom215/garmin-relay/internal/store"
)

// CatchAllID is the synthetic subscription ID used for the configured
// catch-all webhook. It never collides with store-issued UUIDs.
const CatchAllID = "catch-all"

// Target is one resolved destination for an event, with the caption that
// destination should receive.
type Target struct {
	Subscription models.Subscription
	Caption      string
}

// Resolver decides which destinations receive an event. Routing is by
// caption first word: when the first word of the caption exactly matches
// the normalized name of one of the sender's active subscriptions, only
// that subscription receives the event; otherwise all of them do. Names
// from other senders never match.
type Resolver struct {
	subs             *store.SubscriptionStore
	captionTargeting bool
	stripTargetWord  bool
	catchAll         *models.Subscription
}

// NewResolver creates a resolver. catchAllURL may be empty; when set,
// senders with no active subscriptions route to it instead of dropping.
func NewResolver(subs *store.SubscriptionStore, captionTargeting, stripTargetWord bool, catchAllURL, catchAllToken string) *Resolver {
	r := &Resolver{
		subs:             subs,
		captionTargeting: captionTargeting,
		stripTargetWord:  stripTargetWord,
	}
	if catchAllURL != "" {
		r.catchAll = &models.Subscription{
			ID:   CatchAllID,
			Name: CatchAllID,
			Destination: models.Destination{
				Kind:        models.DestinationWebhook,
				WebhookURL:  catchAllURL,
				BearerToken: catchAllToken,
			},
			Status: models.SubscriptionActive,
		}
	}
	return r
}

// Resolve returns the event's targets. An empty slice means the event has
// nowhere to go and should be marked handled without delivery.
func (r *Resolver) Resolve(ev *models.MediaEvent) ([]Target, error) {
	subs, err := r.subs.ActiveForPhone(ev.SourcePhone)
	if err != nil {
		return nil, err
	}

	if len(subs) == 0 {
		if r.catchAll != nil {
			return []Target{{Subscription: *r.catchAll, Caption: ev.Caption}}, nil
		}
		return nil, nil
	}

	caption := ev.Caption
	if r.captionTargeting && caption != "" {
		first, rest := splitFirstWord(caption)
		if first != "" {
			normalized := models.NormalizeName(first)
			for _, sub := range subs {
				if sub.Name == normalized {
					if r.stripTargetWord {
						caption = rest
					}
					return []Target{{Subscription: sub, Caption: caption}}, nil
				}
			}
		}
	}

	targets := make([]Target, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, Target{Subscription: sub, Caption: caption})
	}
	return targets, nil
}

// splitFirstWord splits a caption into its first whitespace-delimited word
// and the rest.
func splitFirstWord(s string) (first, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	if i := strings.IndexAny(s, " \t\r\n"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i:])
	}
	return s, ""
}
