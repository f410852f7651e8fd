// Garmin Relay - InReach Media Relay for Matrix and Email
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/garmin-relay

package dispatch

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/tomtom215/garmin-relay/internal/models"
)

// ForwardMode selects the webhook payload shape.
const (
	ForwardModeBase64  = "base64"
	ForwardModeFileURL = "file_url"
)

// WebhookChannel posts media to a Matrix-style webhook receiver. A circuit
// breaker shields unreachable receivers: once a receiver keeps failing, its
// deliveries short-circuit to a transient failure and stay in the ledger
// for a later retry cycle.
type WebhookChannel struct {
	client      *http.Client
	forwardMode string
	breaker     *gobreaker.CircuitBreaker[*DeliveryResult]
}

// NewWebhookChannel creates a webhook channel. timeout bounds one attempt
// end to end; retries are the Dispatcher's job.
func NewWebhookChannel(forwardMode string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{
		client: &http.Client{
			Timeout: timeout,
		},
		forwardMode: forwardMode,
		breaker: gobreaker.NewCircuitBreaker[*DeliveryResult](gobreaker.Settings{
			Name:        "webhook-delivery",
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 10 &&
					float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
			},
		}),
	}
}

// Name returns the channel identifier.
func (c *WebhookChannel) Name() string {
	return "webhook"
}

// Validate checks the webhook destination configuration.
func (c *WebhookChannel) Validate(dest *models.Destination) error {
	if dest == nil {
		return fmt.Errorf("webhook destination is required")
	}
	if dest.Kind != models.DestinationWebhook {
		return fmt.Errorf("destination kind %q is not webhook", dest.Kind)
	}
	if err := models.ValidateWebhookURL(dest.WebhookURL); err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if dest.BearerToken == "" {
		return fmt.Errorf("webhook bearer token is required")
	}
	return nil
}

// webhookPayload is the JSON body posted to the receiver. Exactly one of
// DataB64 and URL is set depending on the forward mode.
type webhookPayload struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimetype"`
	DataB64  string `json:"data_b64,omitempty"`
	URL      string `json:"url,omitempty"`
	Caption  string `json:"caption"`
}

// Send posts one media file to the subscription's webhook.
//
// Receiver status handling:
//   - 2xx: delivered
//   - 409: the receiver already has this idempotency key; counts as
//     delivered
//   - 401/403: credentials rejected; permanent, and the subscription is
//     flagged for revocation
//   - 429 and 5xx: transient, eligible for retry
func (c *WebhookChannel) Send(ctx context.Context, params *SendParams) (*DeliveryResult, error) {
	if params == nil || params.Event == nil || params.Subscription == nil {
		return nil, fmt.Errorf("webhook send: incomplete params")
	}
	dest := &params.Subscription.Destination
	if err := c.Validate(dest); err != nil {
		return &DeliveryResult{
			ErrorMessage: err.Error(),
			ErrorCode:    ErrorCodeInvalidConfig,
		}, nil
	}

	result, err := c.breaker.Execute(func() (*DeliveryResult, error) {
		res := c.post(ctx, params, dest)
		if !res.Success && res.IsTransient {
			// Feed transient failures to the breaker so a dead receiver
			// trips it; permanent failures are the receiver answering.
			return res, fmt.Errorf("webhook delivery: %s", res.ErrorCode)
		}
		return res, nil
	})
	if result != nil {
		return result, nil
	}
	// Breaker open: no attempt was made.
	return &DeliveryResult{
		ErrorMessage: err.Error(),
		ErrorCode:    ErrorCodeConnectionFailed,
		IsTransient:  true,
	}, nil
}

func (c *WebhookChannel) post(ctx context.Context, params *SendParams, dest *models.Destination) *DeliveryResult {
	result := &DeliveryResult{}

	payload := webhookPayload{
		Filename: params.Filename,
		MimeType: params.MimeType,
		Caption:  params.Caption,
	}
	if c.forwardMode == ForwardModeFileURL {
		payload.URL = "file://" + params.Event.FilePath
	} else {
		payload.DataB64 = base64.StdEncoding.EncodeToString(params.FileData)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to marshal payload: %v", err)
		result.ErrorCode = ErrorCodeUnknown
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.WebhookURL, bytes.NewReader(body))
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to create request: %v", err)
		result.ErrorCode = ErrorCodeUnknown
		return result
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "GarminRelay/1.0")
	req.Header.Set("Authorization", "Bearer "+dest.BearerToken)
	req.Header.Set("Idempotency-Key", params.Event.IdempotencyKey())

	resp, err := c.client.Do(req)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to post webhook: %v", err)
		result.ErrorCode = classifyHTTPError(err)
		result.IsTransient = isTransientCode(result.ErrorCode)
		return result
	}
	defer resp.Body.Close()

	result.ResponseCode = resp.StatusCode
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		respBody = []byte("(failed to read response)")
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result.Success = true
		return result

	case resp.StatusCode == http.StatusConflict:
		// The receiver saw this idempotency key before.
		result.Success = true
		result.Duplicate = true
		return result

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		result.ErrorMessage = fmt.Sprintf("webhook rejected credentials: %d", resp.StatusCode)
		result.ErrorCode = ErrorCodeAuthFailed
		result.RevokeSubscription = true
		return result
	}

	result.ErrorMessage = fmt.Sprintf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	result.ErrorCode = classifyHTTPStatusCode(resp.StatusCode)
	result.IsTransient = isTransientCode(result.ErrorCode)

	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				d := time.Duration(seconds) * time.Second
				result.RetryAfter = &d
			}
		}
	}
	return result
}
