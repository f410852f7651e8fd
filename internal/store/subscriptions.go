// Garmin Relay - InReach Media Relay for Matrix and Email
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/garmin-relay

package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/garmin-relay/internal/models"
)

// Key prefixes for subscription storage. Subscriptions are keyed by
// (phone, normalized name) with a secondary index by ID for revocation.
const (
	subKeyPrefix   = "sub:"
	subIDKeyPrefix = "sub_id:"
)

// SubscriptionStore is the badger-backed subscription store. All state
// transitions happen inside badger update transactions, which gives the
// atomic read-modify-write the pending→active handshake requires: two
// concurrent activations of the same token serialize, and the second sees
// the already-consumed record and fails with ErrNotFound.
type SubscriptionStore struct {
	db *badger.DB
}

// NewSubscriptionStore creates a subscription store on the given database.
func NewSubscriptionStore(db *badger.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

func subKey(phone, name string) []byte {
	return []byte(subKeyPrefix + phone + ":" + models.NormalizeName(name))
}

func subIDKey(id string) []byte {
	return []byte(subIDKeyPrefix + id)
}

// CreatePending creates (or rotates) a pending subscription for
// (phone, name) and issues a fresh ack token. A request for a name that
// already exists for that phone updates the record in place — new token,
// new destination, status back to pending — preserving per-sender name
// uniqueness. Returns ErrValidation if the name or destination is
// malformed.
func (s *SubscriptionStore) CreatePending(name, phone string, dest models.Destination) (*models.Subscription, error) {
	normalized := models.NormalizeName(name)
	if err := models.ValidateName(normalized); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}
	if phone == "" {
		return nil, fmt.Errorf("%w: source phone is required", ErrValidation)
	}
	if err := dest.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	token, err := newAckToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sub := &models.Subscription{
		ID:          uuid.NewString(),
		Name:        normalized,
		SourcePhone: phone,
		Destination: dest,
		AckToken:    token,
		Status:      models.SubscriptionPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		key := subKey(phone, normalized)

		// Rotate an existing record in place so the (phone, name) pair
		// stays unique and the subscription ID stays stable.
		item, err := txn.Get(key)
		if err == nil {
			var existing models.Subscription
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); err != nil {
				return fmt.Errorf("unmarshal subscription: %w", err)
			}
			sub.ID = existing.ID
			sub.CreatedAt = existing.CreatedAt
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("get subscription: %w", err)
		}

		data, err := json.Marshal(sub)
		if err != nil {
			return fmt.Errorf("marshal subscription: %w", err)
		}
		if err := txn.Set(key, data); err != nil {
			return fmt.Errorf("set subscription: %w", err)
		}
		return txn.Set(subIDKey(sub.ID), key)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Activate promotes a pending subscription to active iff the exact
// (phone, name, token) triple matches. The token is consumed on success;
// any mismatch, and any reuse after success, yields ErrNotFound.
func (s *SubscriptionStore) Activate(phone, name, token string) (*models.Subscription, error) {
	normalized := models.NormalizeName(name)
	var activated *models.Subscription

	err := s.db.Update(func(txn *badger.Txn) error {
		key := subKey(phone, normalized)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get subscription: %w", err)
		}

		var sub models.Subscription
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sub)
		}); err != nil {
			return fmt.Errorf("unmarshal subscription: %w", err)
		}

		if sub.Status != models.SubscriptionPending || sub.AckToken == "" || sub.AckToken != token {
			return ErrNotFound
		}

		now := time.Now().UTC()
		sub.Status = models.SubscriptionActive
		sub.AckToken = ""
		sub.ActivatedAt = &now
		sub.UpdatedAt = now

		data, err := json.Marshal(&sub)
		if err != nil {
			return fmt.Errorf("marshal subscription: %w", err)
		}
		if err := txn.Set(key, data); err != nil {
			return fmt.Errorf("set subscription: %w", err)
		}
		activated = &sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return activated, nil
}

// ActiveForPhone returns the sender's active subscriptions, empty if none.
func (s *SubscriptionStore) ActiveForPhone(phone string) ([]models.Subscription, error) {
	var subs []models.Subscription

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(subKeyPrefix + phone + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var sub models.Subscription
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sub)
			})
			if err != nil {
				return fmt.Errorf("unmarshal subscription: %w", err)
			}
			if sub.IsActive() {
				subs = append(subs, sub)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// Get returns a subscription by ID.
func (s *SubscriptionStore) Get(id string) (*models.Subscription, error) {
	var sub models.Subscription

	err := s.db.View(func(txn *badger.Txn) error {
		key, err := s.resolveID(txn, id)
		if err != nil {
			return err
		}
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get subscription: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sub)
		})
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// Revoke marks a subscription revoked by ID. Revoking an already-revoked or
// missing subscription returns ErrNotFound.
func (s *SubscriptionStore) Revoke(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key, err := s.resolveID(txn, id)
		if err != nil {
			return err
		}
		return revokeAtKey(txn, key)
	})
}

// RevokeByName revokes the sender's subscription with the given name.
func (s *SubscriptionStore) RevokeByName(phone, name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return revokeAtKey(txn, subKey(phone, name))
	})
}

// RevokeAll revokes every subscription for the sender and returns the
// number revoked.
func (s *SubscriptionStore) RevokeAll(phone string) (int, error) {
	count := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		prefix := []byte(subKeyPrefix + phone + ":")
		var keys [][]byte
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := revokeAtKey(txn, key); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func (s *SubscriptionStore) resolveID(txn *badger.Txn, id string) ([]byte, error) {
	item, err := txn.Get(subIDKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve subscription id: %w", err)
	}
	var key []byte
	if err := item.Value(func(val []byte) error {
		key = append([]byte(nil), val...)
		return nil
	}); err != nil {
		return nil, err
	}
	return key, nil
}

func revokeAtKey(txn *badger.Txn, key []byte) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get subscription: %w", err)
	}

	var sub models.Subscription
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &sub)
	}); err != nil {
		return fmt.Errorf("unmarshal subscription: %w", err)
	}
	if sub.Status == models.SubscriptionRevoked {
		return ErrNotFound
	}

	sub.Status = models.SubscriptionRevoked
	sub.AckToken = ""
	sub.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(&sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	return txn.Set(key, data)
}
