// Garmin Relay - InReach Media Relay for Matrix and Email
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/garmin-relay

package dispatch

import (
	"testing"

	"github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/garmin-relay/internal/models"
	"github.com/tomtom215/garmin-relay/internal/store"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("close test db: %v", err)
		}
	})
	return db
}

func activateSub(t *testing.T, subs *store.SubscriptionStore, name, phone, url string) *models.Subscription {
	t.Helper()
	pending, err := subs.CreatePending(name, phone, models.Destination{
		Kind:        models.DestinationWebhook,
		WebhookURL:  url,
		BearerToken: "tok-" + name,
	})
	if err != nil {
		t.Fatalf("CreatePending(%s): %v", name, err)
	}
	active, err := subs.Activate(phone, name, pending.AckToken)
	if err != nil {
		t.Fatalf("Activate(%s): %v", name, err)
	}
	return active
}

func mediaEvent(phone, caption string) *models.MediaEvent {
	return &models.MediaEvent{
		MessageID:    1,
		AttachmentID: "att-1",
		SourcePhone:  phone,
		Caption:      caption,
		FilePath:     "/media/high/att-1.jpg",
	}
}

func TestResolveCaptionRouting(t *testing.T) {
	subs := store.NewSubscriptionStore(openTestDB(t))
	activateSub(t, subs, "cam", "+15551234567", "https://a.example.com/hook")
	activateSub(t, subs, "base", "+15551234567", "https://b.example.com/hook")

	tests := []struct {
		name        string
		caption     string
		wantNames   []string
		wantCaption string
	}{
		{"first word match routes single", "cam at the ridge", []string{"cam"}, "at the ridge"},
		{"match is whole caption", "base", []string{"base"}, ""},
		{"mixed case match", "CAM snowing", []string{"cam"}, "snowing"},
		{"no match fans out", "hello from the trail", []string{"cam", "base"}, "hello from the trail"},
		{"substring does not match", "camera broken", []string{"cam", "base"}, "camera broken"},
		{"empty caption fans out", "", []string{"cam", "base"}, ""},
	}

	r := NewResolver(subs, true, true, "", "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			targets, err := r.Resolve(mediaEvent("+15551234567", tt.caption))
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if len(targets) != len(tt.wantNames) {
				t.Fatalf("got %d targets, want %d", len(targets), len(tt.wantNames))
			}
			got := make(map[string]bool)
			for _, target := range targets {
				got[target.Subscription.Name] = true
				if target.Caption != tt.wantCaption {
					t.Errorf("caption = %q, want %q", target.Caption, tt.wantCaption)
				}
			}
			for _, name := range tt.wantNames {
				if !got[name] {
					t.Errorf("missing target %q", name)
				}
			}
		})
	}
}

func TestResolveStripDisabled(t *testing.T) {
	subs := store.NewSubscriptionStore(openTestDB(t))
	activateSub(t, subs, "cam", "+15551234567", "https://a.example.com/hook")

	r := NewResolver(subs, true, false, "", "")
	targets, err := r.Resolve(mediaEvent("+15551234567", "cam at the ridge"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(targets) != 1 || targets[0].Caption != "cam at the ridge" {
		t.Errorf("targets = %+v, want single with unstripped caption", targets)
	}
}

func TestResolveTargetingDisabled(t *testing.T) {
	subs := store.NewSubscriptionStore(openTestDB(t))
	activateSub(t, subs, "cam", "+15551234567", "https://a.example.com/hook")
	activateSub(t, subs, "base", "+15551234567", "https://b.example.com/hook")

	r := NewResolver(subs, false, true, "", "")
	targets, err := r.Resolve(mediaEvent("+15551234567", "cam at the ridge"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(targets) != 2 {
		t.Errorf("got %d targets, want fan-out to 2", len(targets))
	}
}

func TestResolveCrossSenderNameNoMatch(t *testing.T) {
	subs := store.NewSubscriptionStore(openTestDB(t))
	activateSub(t, subs, "cam", "+15550000000", "https://a.example.com/hook")
	activateSub(t, subs, "base", "+15551234567", "https://b.example.com/hook")

	// "cam" belongs to a different sender; this sender's caption fans out
	// to their own subscriptions only.
	r := NewResolver(subs, true, true, "", "")
	targets, err := r.Resolve(mediaEvent("+15551234567", "cam at the ridge"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(targets) != 1 || targets[0].Subscription.Name != "base" {
		t.Errorf("targets = %+v, want only base", targets)
	}
	if targets[0].Caption != "cam at the ridge" {
		t.Errorf("caption = %q, foreign name must not be stripped", targets[0].Caption)
	}
}

func TestResolveNoSubscriptions(t *testing.T) {
	subs := store.NewSubscriptionStore(openTestDB(t))

	r := NewResolver(subs, true, true, "", "")
	targets, err := r.Resolve(mediaEvent("+15551234567", "anyone"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(targets) != 0 {
		t.Errorf("got %d targets, want 0", len(targets))
	}
}

func TestResolveCatchAll(t *testing.T) {
	subs := store.NewSubscriptionStore(openTestDB(t))

	r := NewResolver(subs, true, true, "https://all.example.com/hook", "catch-tok")
	targets, err := r.Resolve(mediaEvent("+15551234567", "hello"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(targets) != 1 {
		t.Fatalf("got %d targets, want 1", len(targets))
	}
	target := targets[0]
	if target.Subscription.ID != CatchAllID {
		t.Errorf("id = %q, want %q", target.Subscription.ID, CatchAllID)
	}
	if target.Subscription.Destination.WebhookURL != "https://all.example.com/hook" {
		t.Errorf("url = %q", target.Subscription.Destination.WebhookURL)
	}
	if target.Caption != "hello" {
		t.Errorf("caption = %q", target.Caption)
	}

	// The catch-all only covers senders with no subscriptions of their own.
	activateSub(t, subs, "cam", "+15551234567", "https://a.example.com/hook")
	targets, err = r.Resolve(mediaEvent("+15551234567", "hello"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(targets) != 1 || targets[0].Subscription.Name != "cam" {
		t.Errorf("targets = %+v, want only cam", targets)
	}
}

func TestSplitFirstWord(t *testing.T) {
	tests := []struct {
		in        string
		wantFirst string
		wantRest  string
	}{
		{"", "", ""},
		{"   ", "", ""},
		{"one", "one", ""},
		{"one two three", "one", "two three"},
		{"  padded   words  ", "padded", "words"},
		{"tab\tseparated", "tab", "separated"},
	}
	for _, tt := range tests {
		first, rest := splitFirstWord(tt.in)
		if first != tt.wantFirst || rest != tt.wantRest {
			t.Errorf("splitFirstWord(%q) = (%q, %q), want (%q, %q)",
				tt.in, first, rest, tt.wantFirst, tt.wantRest)
		}
	}
}
