// Garmin Relay - InReach Media Relay for Matrix and Email
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/garmin-relay

// Package api is the operator-facing HTTP surface: subscription
// provisioning and inspection, health, and Prometheus metrics. It binds
// to loopback by default; the trust anchor for media flow is the SMS
// acknowledgment, not this API.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/garmin-relay/internal/config"
	"github.com/tomtom215/garmin-relay/internal/logging"
	"github.com/tomtom215/garmin-relay/internal/metrics"
	"github.com/tomtom215/garmin-relay/internal/models"
	"github.com/tomtom215/garmin-relay/internal/store"
)

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	subs      *store.SubscriptionStore
	cfg       config.ServerConfig
	validate  *validator.Validate
	logger    zerolog.Logger
	startedAt time.Time
}

// NewServer creates the API server.
func NewServer(subs *store.SubscriptionStore, cfg config.ServerConfig) *Server {
	return &Server{
		subs:      subs,
		cfg:       cfg,
		validate:  validator.New(),
		logger:    logging.With().Str("component", "api").Logger(),
		startedAt: time.Now().UTC(),
	}
}

// ProvisionRequest creates or rotates a pending subscription.
type ProvisionRequest struct {
	// Name is the subscription name the sender will reference in SMS
	// commands and caption routing.
	Name string `json:"name" validate:"required,min=1,max=32"`

	// SourcePhone is the sender's number in E.164 form.
	SourcePhone string `json:"msisdn" validate:"required,e164"`

	// Kind selects the destination backend.
	Kind string `json:"kind" validate:"required,oneof=webhook email"`

	// Webhook destination fields.
	WebhookURL  string `json:"webhook_url,omitempty" validate:"omitempty,url"`
	BearerToken string `json:"bearer_token,omitempty"`

	// Email destination fields.
	EmailAddresses []string `json:"email_addresses,omitempty" validate:"omitempty,dive,email"`
}

// ProvisionResponse returns the pending subscription and the exact SMS
// the sender must text to activate it.
type ProvisionResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	SourcePhone string `json:"msisdn"`
	Status      string `json:"status"`
	AckToken    string `json:"ack_token"`
	AckCommand  string `json:"ack_command"`
}

// SubscriptionView is a subscription without its secrets.
type SubscriptionView struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	SourcePhone string     `json:"msisdn"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// handleProvision creates a pending subscription and returns its ack
// token. Re-provisioning an existing (msisdn, name) pair rotates the
// token and destination and answers 200 instead of 201.
func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	dest := models.Destination{
		Kind:           models.DestinationKind(req.Kind),
		WebhookURL:     req.WebhookURL,
		BearerToken:    req.BearerToken,
		EmailAddresses: req.EmailAddresses,
	}

	sub, err := s.subs.CreatePending(req.Name, req.SourcePhone, dest)
	if err != nil {
		if errors.Is(err, store.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Err(err).Msg("provision failed")
		writeError(w, http.StatusInternalServerError, "provision failed")
		return
	}

	status := http.StatusCreated
	if !sub.CreatedAt.Equal(sub.UpdatedAt) {
		status = http.StatusOK
	}

	s.logger.Info().
		Str("subscription", sub.ID).
		Str("name", sub.Name).
		Str("source", sub.SourcePhone).
		Str("kind", req.Kind).
		Bool("rotated", status == http.StatusOK).
		Msg("subscription provisioned")

	writeJSON(w, status, ProvisionResponse{
		ID:          sub.ID,
		Name:        sub.Name,
		SourcePhone: sub.SourcePhone,
		Status:      string(sub.Status),
		AckToken:    sub.AckToken,
		AckCommand:  "sub " + sub.Name + " " + sub.AckToken,
	})
}

// handleListSubscriptions returns the sender's active subscriptions.
func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	phone := r.URL.Query().Get("msisdn")
	if phone == "" {
		writeError(w, http.StatusBadRequest, "msisdn query parameter is required")
		return
	}

	subs, err := s.subs.ActiveForPhone(phone)
	if err != nil {
		s.logger.Err(err).Msg("subscription list failed")
		writeError(w, http.StatusInternalServerError, "subscription list failed")
		return
	}

	views := make([]SubscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, SubscriptionView{
			ID:          sub.ID,
			Name:        sub.Name,
			SourcePhone: sub.SourcePhone,
			Kind:        string(sub.Destination.Kind),
			Status:      string(sub.Status),
			CreatedAt:   sub.CreatedAt,
			ActivatedAt: sub.ActivatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// handleRevoke revokes a subscription by ID.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.subs.Revoke(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "subscription not found")
			return
		}
		s.logger.Err(err).Str("subscription", id).Msg("revoke failed")
		writeError(w, http.StatusInternalServerError, "revoke failed")
		return
	}
	metrics.Revocations.WithLabelValues("api").Inc()
	s.logger.Info().Str("subscription", id).Msg("subscription revoked by operator")
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}
