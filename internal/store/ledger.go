// Garmin Relay - InReach Media Relay for Matrix and Email
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/garmin-relay

package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/garmin-relay/internal/models"
)

// Ledger key layout.
const (
	seenKeyPrefix = "seen:"
	cursorKey     = "cursor:last_message_id"
)

// Ledger is the append-only record of observed media events and their
// per-destination delivery state. An event key is written before the first
// delivery attempt, which biases a crash toward at-least-once delivery
// rather than a silent drop.
type Ledger struct {
	db *badger.DB
}

// NewLedger creates a ledger on the given database.
func NewLedger(db *badger.DB) *Ledger {
	return &Ledger{db: db}
}

func seenKey(eventKey string) []byte {
	return []byte(seenKeyPrefix + eventKey)
}

// conflictRetries bounds re-execution of a ledger transaction that loses
// badger's SSI conflict detection. Concurrent dispatch workers update the
// same event record, so all but one committer sees ErrConflict and must
// re-read and re-apply.
const conflictRetries = 16

// update runs fn as a badger update transaction, retrying on ErrConflict.
// fn must be idempotent and re-read any state it modifies.
func (l *Ledger) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = l.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("ledger update: %w", err)
}

// Seen reports whether the event identity has already been recorded.
func (l *Ledger) Seen(eventKey string) (bool, error) {
	var seen bool
	err := l.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(seenKey(eventKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		seen = true
		return nil
	})
	return seen, err
}

// Record writes the event with pending state for each destination, or
// returns the existing record if the identity was already seen. Re-records
// with a changed destination set merge: new destinations start pending,
// destinations no longer present are marked failed (a subscription revoked
// mid-flight is a permanent failure for the event).
func (l *Ledger) Record(ev *models.MediaEvent, destIDs []string) (*models.EventRecord, error) {
	var rec models.EventRecord

	err := l.update(func(txn *badger.Txn) error {
		// Start clean on every (re)execution; a conflict retry must not see
		// state from the aborted attempt.
		rec = models.EventRecord{}

		key := seenKey(ev.Key())
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			rec = models.EventRecord{
				Event:        *ev,
				Destinations: make(map[string]models.DeliveryState, len(destIDs)),
			}
			for _, id := range destIDs {
				rec.Destinations[id] = models.DeliveryPending
			}
		case err != nil:
			return fmt.Errorf("get event record: %w", err)
		default:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("unmarshal event record: %w", err)
			}
			if rec.Done {
				return nil
			}
			current := make(map[string]bool, len(destIDs))
			for _, id := range destIDs {
				current[id] = true
				if _, ok := rec.Destinations[id]; !ok {
					rec.Destinations[id] = models.DeliveryPending
				}
			}
			for id, state := range rec.Destinations {
				if !current[id] && state == models.DeliveryPending {
					rec.Destinations[id] = models.DeliveryFailed
				}
			}
		}

		rec.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal event record: %w", err)
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Get returns the record for an event identity, or ErrNotFound.
func (l *Ledger) Get(eventKey string) (*models.EventRecord, error) {
	var rec models.EventRecord
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(seenKey(eventKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// MarkDelivered records a successful delivery to one destination.
func (l *Ledger) MarkDelivered(eventKey, destID string) error {
	return l.setDestinationState(eventKey, destID, models.DeliveryDelivered)
}

// MarkFailed records a failed delivery to one destination. The destination
// stays eligible for retry on later cycles until the event is done.
func (l *Ledger) MarkFailed(eventKey, destID string) error {
	return l.setDestinationState(eventKey, destID, models.DeliveryFailed)
}

// MarkFailedPermanent records a delivery failure that no retry can clear.
// The destination drops out of retry cycles and stays visible in the record
// for manual intervention.
func (l *Ledger) MarkFailedPermanent(eventKey, destID string) error {
	return l.setDestinationState(eventKey, destID, models.DeliveryFailedPermanent)
}

func (l *Ledger) setDestinationState(eventKey, destID string, state models.DeliveryState) error {
	return l.update(func(txn *badger.Txn) error {
		key := seenKey(eventKey)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var rec models.EventRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return fmt.Errorf("unmarshal event record: %w", err)
		}

		// Delivered and permanently failed are terminal per destination; a
		// late report must not reopen either.
		switch rec.Destinations[destID] {
		case models.DeliveryDelivered, models.DeliveryFailedPermanent:
			return nil
		}
		rec.Destinations[destID] = state
		rec.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal event record: %w", err)
		}
		return txn.Set(key, data)
	})
}

// Finish marks the event terminally resolved; fileDeleted records whether
// the source file was removed. A finished event is never reprocessed even
// if a stale listing shows it again.
func (l *Ledger) Finish(eventKey string, fileDeleted bool) error {
	return l.update(func(txn *badger.Txn) error {
		key := seenKey(eventKey)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var rec models.EventRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return fmt.Errorf("unmarshal event record: %w", err)
		}

		rec.Done = true
		rec.FileDeleted = rec.FileDeleted || fileDeleted
		rec.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("marshal event record: %w", err)
		}
		return txn.Set(key, data)
	})
}

// Unresolved returns records with at least one destination still awaiting a
// successful delivery, oldest first is not guaranteed.
func (l *Ledger) Unresolved() ([]models.EventRecord, error) {
	var recs []models.EventRecord
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(seenKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec models.EventRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("unmarshal event record: %w", err)
			}
			if !rec.Done {
				recs = append(recs, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// LastMessageID returns the persisted detector cursor, 0 if unset.
func (l *Ledger) LastMessageID() (int64, error) {
	var id int64
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(cursorKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 8 {
				id = int64(binary.BigEndian.Uint64(val))
			}
			return nil
		})
	})
	return id, err
}

// SetLastMessageID advances the detector cursor. The cursor never moves
// backwards.
func (l *Ledger) SetLastMessageID(id int64) error {
	return l.update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(cursorKey))
		if err == nil {
			var current int64
			if err := item.Value(func(val []byte) error {
				if len(val) == 8 {
					current = int64(binary.BigEndian.Uint64(val))
				}
				return nil
			}); err != nil {
				return err
			}
			if current >= id {
				return nil
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(id))
		return txn.Set([]byte(cursorKey), buf)
	})
}
