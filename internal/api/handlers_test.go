// Garmin Relay - InReach Media Relay for Matrix and Email
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/garmin-relay

package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/garmin-relay/internal/config"
	"github.com/tomtom215/garmin-relay/internal/models"
	"github.com/tomtom215/garmin-relay/internal/store"
)

const testSecret = "op-secret"

func newTestServer(t *testing.T) (*Server, *store.SubscriptionStore) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	subs := store.NewSubscriptionStore(db)
	srv := NewServer(subs, config.ServerConfig{
		Host:            "127.0.0.1",
		Port:            8788,
		Timeout:         5 * time.Second,
		ProvisionSecret: testSecret,
	})
	return srv, subs
}

func doJSON(t *testing.T, h http.Handler, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func webhookProvision(name string) map[string]any {
	return map[string]any{
		"name":         name,
		"msisdn":       "+15551234567",
		"kind":         "webhook",
		"webhook_url":  "https://hooks.example.com/media",
		"bearer_token": "hook-secret",
	}
}

func TestProvisionCreatesPendingSubscription(t *testing.T) {
	srv, subs := newTestServer(t)
	h := srv.Routes()

	rr := doJSON(t, h, http.MethodPost, "/api/v1/provision", testSecret, webhookProvision("cam"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body.String())
	}

	resp := decode[ProvisionResponse](t, rr)
	if resp.Name != "cam" || resp.SourcePhone != "+15551234567" {
		t.Errorf("response identity = %q/%q", resp.Name, resp.SourcePhone)
	}
	if resp.Status != string(models.SubscriptionPending) {
		t.Errorf("status = %q, want pending", resp.Status)
	}
	if resp.AckToken == "" {
		t.Fatal("response carries no ack token")
	}
	if want := "sub cam " + resp.AckToken; resp.AckCommand != want {
		t.Errorf("ack_command = %q, want %q", resp.AckCommand, want)
	}

	// The returned token is the one the store accepts.
	if _, err := subs.Activate("+15551234567", "cam", resp.AckToken); err != nil {
		t.Errorf("Activate with returned token: %v", err)
	}
}

func TestProvisionRotatesExisting(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	first := decode[ProvisionResponse](t,
		doJSON(t, h, http.MethodPost, "/api/v1/provision", testSecret, webhookProvision("cam")))

	rr := doJSON(t, h, http.MethodPost, "/api/v1/provision", testSecret, webhookProvision("cam"))
	if rr.Code != http.StatusOK {
		t.Fatalf("rotation status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	second := decode[ProvisionResponse](t, rr)
	if second.ID != first.ID {
		t.Errorf("rotation changed subscription ID: %q -> %q", first.ID, second.ID)
	}
	if second.AckToken == first.AckToken {
		t.Error("rotation did not issue a fresh token")
	}
}

func TestProvisionValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{"msisdn": "+15551234567", "kind": "webhook", "webhook_url": "https://x.example.com"}},
		{"bad msisdn", map[string]any{"name": "cam", "msisdn": "not-a-number", "kind": "webhook", "webhook_url": "https://x.example.com"}},
		{"bad kind", map[string]any{"name": "cam", "msisdn": "+15551234567", "kind": "carrier-pigeon"}},
		{"bad webhook url", map[string]any{"name": "cam", "msisdn": "+15551234567", "kind": "webhook", "webhook_url": "::"}},
		{"bad email", map[string]any{"name": "cam", "msisdn": "+15551234567", "kind": "email", "email_addresses": []string{"nope"}}},
		{"webhook without url", map[string]any{"name": "cam", "msisdn": "+15551234567", "kind": "webhook"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doJSON(t, h, http.MethodPost, "/api/v1/provision", testSecret, tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestProvisionAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()

	tests := []struct {
		name   string
		sub    string
		bearer string
		want   int
	}{
		{"no token", "cam-a", "", http.StatusUnauthorized},
		{"wrong token", "cam-b", "nope", http.StatusUnauthorized},
		{"right token", "cam-c", testSecret, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doJSON(t, h, http.MethodPost, "/api/v1/provision", tt.bearer, webhookProvision(tt.sub))
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
}

func TestProvisionOpenWhenSecretUnset(t *testing.T) {
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	srv := NewServer(store.NewSubscriptionStore(db), config.ServerConfig{Timeout: 5 * time.Second})
	rr := doJSON(t, srv.Routes(), http.MethodPost, "/api/v1/provision", "", webhookProvision("cam"))
	if rr.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201 with no secret configured", rr.Code)
	}
}

func TestListSubscriptions(t *testing.T) {
	srv, subs := newTestServer(t)
	h := srv.Routes()

	created := decode[ProvisionResponse](t,
		doJSON(t, h, http.MethodPost, "/api/v1/provision", testSecret, webhookProvision("cam")))
	if _, err := subs.Activate("+15551234567", "cam", created.AckToken); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	// A second, never-acked provision stays invisible in the active list.
	doJSON(t, h, http.MethodPost, "/api/v1/provision", testSecret, webhookProvision("base"))

	rr := doJSON(t, h, http.MethodGet, "/api/v1/subscriptions?msisdn=%2B15551234567", testSecret, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	views := decode[[]SubscriptionView](t, rr)
	if len(views) != 1 {
		t.Fatalf("len(views) = %d, want 1", len(views))
	}
	if views[0].Name != "cam" || views[0].Status != string(models.SubscriptionActive) {
		t.Errorf("view = %+v", views[0])
	}

	rr = doJSON(t, h, http.MethodGet, "/api/v1/subscriptions", testSecret, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing msisdn status = %d, want 400", rr.Code)
	}
}

func TestRevokeSubscription(t *testing.T) {
	srv, subs := newTestServer(t)
	h := srv.Routes()

	created := decode[ProvisionResponse](t,
		doJSON(t, h, http.MethodPost, "/api/v1/provision", testSecret, webhookProvision("cam")))
	if _, err := subs.Activate("+15551234567", "cam", created.AckToken); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	rr := doJSON(t, h, http.MethodDelete, "/api/v1/subscriptions/"+created.ID, testSecret, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204: %s", rr.Code, rr.Body.String())
	}
	sub, err := subs.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sub.Status != models.SubscriptionRevoked {
		t.Errorf("status = %q, want revoked", sub.Status)
	}

	rr = doJSON(t, h, http.MethodDelete, "/api/v1/subscriptions/"+created.ID, testSecret, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("double revoke status = %d, want 404", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doJSON(t, srv.Routes(), http.MethodGet, "/api/v1/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decode[map[string]any](t, rr)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}
