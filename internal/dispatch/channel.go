// Garmin Relay - InReach Media Relay for Matrix and Email
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/garmin-relay

// Package dispatch fans a media event out to its subscription
// destinations: Matrix-style webhooks and SMTP email. Each backend
// implements the Channel interface; the Dispatcher owns retry,
// per-destination ledger state, and post-delivery file cleanup.
//
// All channels support:
//   - Timeout handling via context
//   - Error categorization (permanent vs transient)
//   - Metrics and logging
//
// Security:
//   - Credentials are never logged
//   - Webhook URLs are validated before first use
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/tomtom215/garmin-relay/internal/models"
)

// Channel is one delivery backend.
type Channel interface {
	// Name returns the channel identifier (webhook, email).
	Name() string

	// Validate checks whether the destination carries a usable
	// configuration for this channel.
	Validate(dest *models.Destination) error

	// Send delivers one media file. A delivery failure is reported in the
	// result, not as an error; the error return is reserved for broken
	// invariants (nil params, wrong destination kind).
	Send(ctx context.Context, params *SendParams) (*DeliveryResult, error)
}

// SendParams carries one media event to one destination.
type SendParams struct {
	// Event is the detected media event.
	Event *models.MediaEvent

	// Subscription is the destination being delivered to.
	Subscription *models.Subscription

	// Caption is the forwarded caption, after routing may have stripped a
	// leading subscription name.
	Caption string

	// FileData is the media file contents, read once per event and shared
	// across destinations.
	FileData []byte

	// Filename is the base name of the source file.
	Filename string

	// MimeType is the detected media type, best effort.
	MimeType string
}

// DeliveryResult is the outcome of a single delivery attempt.
type DeliveryResult struct {
	// Success indicates the destination accepted the media.
	Success bool

	// Duplicate indicates the receiver had already accepted this
	// idempotency key. Counts as success.
	Duplicate bool

	// ErrorMessage contains error details if failed.
	ErrorMessage string

	// ErrorCode is a machine-readable error code.
	ErrorCode string

	// IsTransient indicates the failure may clear on retry.
	IsTransient bool

	// RetryAfter suggests when to retry (for rate limiting).
	RetryAfter *time.Duration

	// RevokeSubscription indicates the destination's credentials were
	// rejected outright; the subscription should stop receiving media.
	RevokeSubscription bool

	// ResponseCode is the HTTP response code (webhook channel).
	ResponseCode int
}

// Error codes for delivery failures.
const (
	ErrorCodeInvalidConfig    = "INVALID_CONFIG"
	ErrorCodeConnectionFailed = "CONNECTION_FAILED"
	ErrorCodeAuthFailed       = "AUTH_FAILED"
	ErrorCodeRateLimited      = "RATE_LIMITED"
	ErrorCodeContentTooLarge  = "CONTENT_TOO_LARGE"
	ErrorCodeServerError      = "SERVER_ERROR"
	ErrorCodeTimeout          = "TIMEOUT"
	ErrorCodeUnknown          = "UNKNOWN"
)

// classifyHTTPError classifies a transport-level error into an error code.
func classifyHTTPError(err error) string {
	errStr := err.Error()

	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline") {
		return ErrorCodeTimeout
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "refused") {
		return ErrorCodeConnectionFailed
	}

	return ErrorCodeUnknown
}

// classifyHTTPStatusCode classifies an HTTP status code into an error code.
func classifyHTTPStatusCode(code int) string {
	switch {
	case code == 401 || code == 403:
		return ErrorCodeAuthFailed
	case code == 429:
		return ErrorCodeRateLimited
	case code == 413:
		return ErrorCodeContentTooLarge
	case code >= 500:
		return ErrorCodeServerError
	default:
		return ErrorCodeUnknown
	}
}

// isTransientCode returns true if the error code is worth a retry.
func isTransientCode(code string) bool {
	switch code {
	case ErrorCodeConnectionFailed, ErrorCodeTimeout, ErrorCodeRateLimited, ErrorCodeServerError:
		return true
	default:
		return false
	}
}

// classifySMTPError classifies an SMTP error into an error code.
func classifySMTPError(err error) string {
	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "authentication") || strings.Contains(errStr, "auth") {
		return ErrorCodeAuthFailed
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "connect") {
		return ErrorCodeConnectionFailed
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline") {
		return ErrorCodeTimeout
	}
	if strings.Contains(errStr, "rate") || strings.Contains(errStr, "limit") {
		return ErrorCodeRateLimited
	}
	if strings.Contains(errStr, "too large") || strings.Contains(errStr, "size") {
		return ErrorCodeContentTooLarge
	}

	return ErrorCodeUnknown
}
