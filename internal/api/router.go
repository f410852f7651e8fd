// Garmin Relay - InReach Media Relay for Matrix and Email
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/garmin-relay

package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes builds the HTTP handler tree.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(s.cfg.Timeout))

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	rate := s.cfg.RateLimitPerMinute
	if rate <= 0 {
		rate = 60
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(rate, time.Minute))

		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.requireProvisionSecret)
			r.Post("/provision", s.handleProvision)
			r.Get("/subscriptions", s.handleListSubscriptions)
			r.Delete("/subscriptions/{id}", s.handleRevoke)
		})
	})

	return r
}

// requireProvisionSecret enforces the operator bearer secret. An empty
// configured secret leaves the endpoints open for loopback-only setups.
func (s *Server) requireProvisionSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.ProvisionSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.ProvisionSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "bad_token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return strings.TrimSpace(auth[len(prefix):]), true
}
