// Garmin Relay - InReach Media Relay for Matrix and Email
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/garmin-relay

package dispatch

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/tomtom215/garmin-relay/internal/config"
	"github.com/tomtom215/garmin-relay/internal/models"
)

// EmailChannel delivers media as an email attachment over SMTP with
// STARTTLS. One message goes to all of the destination's recipients;
// threading headers group every attachment from the same conversation
// into one mail thread.
type EmailChannel struct {
	cfg     config.SMTPConfig
	timeout time.Duration
}

// NewEmailChannel creates an email channel. timeout bounds the TCP dial;
// the SMTP conversation itself is bounded by the caller's context.
func NewEmailChannel(cfg config.SMTPConfig, timeout time.Duration) *EmailChannel {
	return &EmailChannel{cfg: cfg, timeout: timeout}
}

// Name returns the channel identifier.
func (c *EmailChannel) Name() string {
	return "email"
}

// Validate checks the email destination configuration.
func (c *EmailChannel) Validate(dest *models.Destination) error {
	if dest == nil {
		return fmt.Errorf("email destination is required")
	}
	if dest.Kind != models.DestinationEmail {
		return fmt.Errorf("destination kind %q is not email", dest.Kind)
	}
	if len(dest.EmailAddresses) == 0 {
		return fmt.Errorf("at least one email address is required")
	}
	for _, addr := range dest.EmailAddresses {
		if err := models.ValidateEmail(addr); err != nil {
			return err
		}
	}
	if c.cfg.Host == "" || c.cfg.From == "" {
		return fmt.Errorf("SMTP host and from address are required")
	}
	return nil
}

// Send emails one media file to the destination's recipients.
func (c *EmailChannel) Send(ctx context.Context, params *SendParams) (*DeliveryResult, error) {
	if params == nil || params.Event == nil || params.Subscription == nil {
		return nil, fmt.Errorf("email send: incomplete params")
	}
	dest := &params.Subscription.Destination
	if err := c.Validate(dest); err != nil {
		return &DeliveryResult{
			ErrorMessage: err.Error(),
			ErrorCode:    ErrorCodeInvalidConfig,
		}, nil
	}

	// Oversize attachments fail permanently; mail relays will bounce them
	// anyway and the file never shrinks.
	if c.cfg.MaxAttachmentMB > 0 && len(params.FileData) > c.cfg.MaxAttachmentMB*1024*1024 {
		return &DeliveryResult{
			ErrorMessage: fmt.Sprintf("attachment %s is %d bytes, cap is %d MB",
				params.Filename, len(params.FileData), c.cfg.MaxAttachmentMB),
			ErrorCode: ErrorCodeContentTooLarge,
		}, nil
	}

	msg := c.buildMessage(params, dest.EmailAddresses)
	if err := c.sendSMTP(ctx, dest.EmailAddresses, msg); err != nil {
		code := classifySMTPError(err)
		return &DeliveryResult{
			ErrorMessage: err.Error(),
			ErrorCode:    code,
			IsTransient:  isTransientCode(code),
		}, nil
	}
	return &DeliveryResult{Success: true}, nil
}

// osmURL builds an OpenStreetMap link for the sender's position.
func osmURL(lat, lon float64) string {
	return fmt.Sprintf("https://www.openstreetmap.org/?mlat=%.6f&mlon=%.6f#map=14/%.6f/%.6f&layers=M",
		lat, lon, lat, lon)
}

// buildMessage assembles the full RFC 5322 message: headers, a plaintext
// part describing the event, and the media file as a base64 attachment.
func (c *EmailChannel) buildMessage(params *SendParams, recipients []string) string {
	ev := params.Event
	sentLocal := ev.SentAt.Local().Format("2006-01-02 15:04:05")

	fromName := c.cfg.FromName
	if fromName == "" {
		fromName = "Garmin Relay"
	}
	domain := "local"
	if at := strings.LastIndex(c.cfg.From, "@"); at >= 0 {
		domain = c.cfg.From[at+1:]
	}

	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s <%s>\r\n", fromName, c.cfg.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(recipients, ", ")))
	msg.WriteString(fmt.Sprintf("Subject: [InReach] %s • %s • %s\r\n",
		ev.SourcePhone, sentLocal, params.Filename))

	// One mail thread per conversation thread.
	msg.WriteString(fmt.Sprintf("Message-ID: <inreach-%d-%s@%s>\r\n", ev.MessageID, ev.AttachmentID, domain))
	msg.WriteString(fmt.Sprintf("In-Reply-To: <inreach-thread-%d@%s>\r\n", ev.ThreadID, domain))
	msg.WriteString(fmt.Sprintf("References: <inreach-thread-%d@%s>\r\n", ev.ThreadID, domain))

	msg.WriteString("MIME-Version: 1.0\r\n")
	boundary := fmt.Sprintf("boundary_%d_%s", ev.MessageID, ev.AttachmentID)
	msg.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=%q\r\n", boundary))
	msg.WriteString("\r\n")

	// Body part
	msg.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(c.buildBody(params, sentLocal))
	msg.WriteString("\r\n")

	// Attachment part
	msg.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	msg.WriteString(fmt.Sprintf("Content-Type: %s; name=%q\r\n", params.MimeType, params.Filename))
	msg.WriteString("Content-Transfer-Encoding: base64\r\n")
	msg.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=%q\r\n", params.Filename))
	msg.WriteString("\r\n")

	encoded := base64.StdEncoding.EncodeToString(params.FileData)
	for len(encoded) > 76 {
		msg.WriteString(encoded[:76])
		msg.WriteString("\r\n")
		encoded = encoded[76:]
	}
	msg.WriteString(encoded)
	msg.WriteString("\r\n")

	msg.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	return msg.String()
}

func (c *EmailChannel) buildBody(params *SendParams, sentLocal string) string {
	ev := params.Event

	phone := ev.SourcePhone
	if phone == "" {
		phone = "(unknown)"
	}
	caption := params.Caption
	if caption == "" {
		caption = "(empty)"
	}

	lines := []string{
		"From: " + phone,
		"Caption: " + caption,
	}
	if ev.Latitude != nil && ev.Longitude != nil {
		lines = append(lines,
			fmt.Sprintf("Location: %.6f, %.6f", *ev.Latitude, *ev.Longitude),
			"Map: "+osmURL(*ev.Latitude, *ev.Longitude),
		)
	}
	if ev.Altitude != nil {
		lines = append(lines, fmt.Sprintf("Altitude: %.1f m", *ev.Altitude))
	}
	lines = append(lines,
		"Sent: "+sentLocal,
		fmt.Sprintf("Message ID: %d", ev.MessageID),
		"Attachment: "+params.Filename,
		"Note: the messaging app may delay secondary attachments. Send one file per message for best results.",
	)
	return strings.Join(lines, "\r\n")
}

// sendSMTP runs one SMTP conversation: dial, STARTTLS, auth, send.
func (c *EmailChannel) sendSMTP(ctx context.Context, recipients []string, msg string) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)

	dialer := &net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if c.cfg.UseTLS {
		tlsConfig := &tls.Config{
			ServerName: c.cfg.Host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if c.cfg.User != "" && c.cfg.Password != "" {
		auth := smtp.PlainAuth("", c.cfg.User, c.cfg.Password, c.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(c.cfg.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", rcpt, err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start message: %w", err)
	}
	if _, err := writer.Write([]byte(msg)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close message: %w", err)
	}

	// The message was accepted; a failed QUIT is not a delivery failure.
	_ = client.Quit()
	return nil
}
