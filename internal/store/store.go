// Garmin Relay - InReach Media Relay for Matrix and Email
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/garmin-relay

// Package store persists the relay's own state in BadgerDB: the
// subscription records and the media event delivery ledger. It is the
// single writer for both; all other components go through its API.
package store

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound covers every activation mismatch: missing subscription,
	// wrong name, wrong token, or an already-consumed token. Callers get no
	// signal about which part was wrong.
	ErrNotFound = errors.New("subscription not found")

	// ErrValidation indicates a malformed record that was rejected before
	// anything was persisted.
	ErrValidation = errors.New("validation failed")
)

// Open opens the relay's badger database at dir. The returned DB backs both
// the subscription store and the ledger and must be closed on shutdown.
func Open(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open state store %s: %w", dir, err)
	}
	return db, nil
}

// ackTokenChars deliberately omits look-alike characters (0/O, 1/I/L) since
// the token is typed on an inReach keypad.
const ackTokenChars = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// ackTokenLen keeps the token short enough for an SMS command while leaving
// ~1e6 possibilities per pending subscription.
const ackTokenLen = 4

// newAckToken generates a fresh single-use acknowledgment token.
func newAckToken() (string, error) {
	buf := make([]byte, ackTokenLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate ack token: %w", err)
	}
	for i := range buf {
		buf[i] = ackTokenChars[int(buf[i])%len(ackTokenChars)]
	}
	return string(buf), nil
}
