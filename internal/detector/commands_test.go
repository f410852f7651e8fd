// Garmin Relay - InReach Media Relay for Matrix and Email
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/garmin-relay

package detector

import (
	"testing"
	"time"

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

func pendingSub(t *testing.T, subs *store.SubscriptionStore, name, phone string) *models.Subscription {
	t.Helper()
	sub, err := subs.CreatePending(name, phone, models.Destination{
		Kind:        models.DestinationWebhook,
		WebhookURL:  "https://hooks.example.com/" + name,
		BearerToken: "tok",
	})
	if err != nil {
		t.Fatalf("CreatePending(%s): %v", name, err)
	}
	return sub
}

func text(phone, body string) *models.InboundText {
	return &models.InboundText{SourcePhone: phone, Body: body, ReceivedAt: time.Now()}
}

func subStatus(t *testing.T, subs *store.SubscriptionStore, id string) models.SubscriptionStatus {
	t.Helper()
	sub, err := subs.Get(id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return sub.Status
}

func TestHandleTextActivation(t *testing.T) {
	subs := store.NewSubscriptionStore(openTestDB(t))
	m := NewAckMonitor(subs)
	sub := pendingSub(t, subs, "cam", "+15551234567")

	if !m.HandleText(text("+15551234567", "sub cam "+sub.AckToken)) {
		t.Fatal("valid sub command not recognized")
	}
	if got := subStatus(t, subs, sub.ID); got != models.SubscriptionActive {
		t.Errorf("status = %q, want active", got)
	}
}

func TestHandleTextActivationCaseAndWhitespace(t *testing.T) {
	subs := store.NewSubscriptionStore(openTestDB(t))
	m := NewAckMonitor(subs)
	sub := pendingSub(t, subs, "cam", "+15551234567")

	// Device keyboards lowercase and pad freely.
	body := "  SUB  CAM  " + sub.AckToken + "  "
	if !m.HandleText(text("+15551234567", body)) {
		t.Fatal("padded mixed-case sub command not recognized")
	}
	if got := subStatus(t, subs, sub.ID); got != models.SubscriptionActive {
		t.Errorf("status = %q, want active", got)
	}
}

func TestHandleTextActivationRejected(t *testing.T) {
	subs := store.NewSubscriptionStore(openTestDB(t))
	m := NewAckMonitor(subs)
	sub := pendingSub(t, subs, "cam", "+15551234567")

	tests := []struct {
		name  string
		phone string
		body  string
	}{
		{"wrong token", "+15551234567", "sub cam XXXX"},
		{"wrong name", "+15551234567", "sub other " + sub.AckToken},
		{"wrong phone", "+15559999999", "sub cam " + sub.AckToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m.HandleText(text(tt.phone, tt.body))
			if got := subStatus(t, subs, sub.ID); got != models.SubscriptionPending {
				t.Errorf("status = %q, want still pending", got)
			}
		})
	}
}

func TestHandleTextUnsub(t *testing.T) {
	subs := store.NewSubscriptionStore(openTestDB(t))
	m := NewAckMonitor(subs)

	a := pendingSub(t, subs, "cam", "+15551234567")
	b := pendingSub(t, subs, "base", "+15551234567")
	m.HandleText(text("+15551234567", "sub cam "+a.AckToken))
	m.HandleText(text("+15551234567", "sub base "+b.AckToken))

	if !m.HandleText(text("+15551234567", "unsub cam")) {
		t.Fatal("unsub command not recognized")
	}
	if got := subStatus(t, subs, a.ID); got != models.SubscriptionRevoked {
		t.Errorf("cam status = %q, want revoked", got)
	}
	if got := subStatus(t, subs, b.ID); got != models.SubscriptionActive {
		t.Errorf("base status = %q, want still active", got)
	}
}

func TestHandleTextUnsubAll(t *testing.T) {
	subs := store.NewSubscriptionStore(openTestDB(t))
	m := NewAckMonitor(subs)

	a := pendingSub(t, subs, "cam", "+15551234567")
	b := pendingSub(t, subs, "base", "+15551234567")
	m.HandleText(text("+15551234567", "sub cam "+a.AckToken))
	m.HandleText(text("+15551234567", "sub base "+b.AckToken))

	if !m.HandleText(text("+15551234567", "unsub")) {
		t.Fatal("bare unsub not recognized")
	}
	active, err := subs.ActiveForPhone("+15551234567")
	if err != nil {
		t.Fatalf("ActiveForPhone: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("%d subscriptions still active after unsub all", len(active))
	}
}

func TestHandleTextIgnoresOrdinaryMessages(t *testing.T) {
	subs := store.NewSubscriptionStore(openTestDB(t))
	m := NewAckMonitor(subs)

	tests := []string{
		"",
		"   ",
		"hello from the trail",
		"sub",
		"sub cam", // missing token
		"subscribe cam ABCD",
		"resub cam ABCD",
	}
	for _, body := range tests {
		if m.HandleText(text("+15551234567", body)) {
			t.Errorf("HandleText(%q) = true, want ignored", body)
		}
	}
}
