// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionStore persists session metadata.
//
// Key layout: session:{clientID}
type SessionStore struct {
	kv KV
}

// NewSessionStore creates a session store over the given KV backend.
func NewSessionStore(kv KV) *SessionStore {
	return &SessionStore{kv: kv}
}

const sessionPrefix = "session:"

// Save persists a session.
func (s *SessionStore) Save(sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.kv.Put([]byte(sessionPrefix+sess.ClientID), data)
}

// Get retrieves a session by client ID.
func (s *SessionStore) Get(clientID string) (*Session, error) {
	data, err := s.kv.Get([]byte(sessionPrefix + clientID))
	if err != nil {
		return nil, err
	}
	sess := &Session{}
	if err := json.Unmarshal(data, sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return sess, nil
}

// Delete removes a session.
func (s *SessionStore) Delete(clientID string) error {
	return s.kv.Delete([]byte(sessionPrefix + clientID))
}

// DeleteOps returns the batch operation removing a session, for composition.
func (s *SessionStore) DeleteOps(clientID string) []Op {
	return []Op{DeleteOp([]byte(sessionPrefix + clientID))}
}

// GetExpired returns client IDs of disconnected sessions whose expiry
// interval elapsed before the given instant.
func (s *SessionStore) GetExpired(before time.Time) ([]string, error) {
	var expired []string
	err := s.kv.Iterate([]byte(sessionPrefix), func(_, value []byte) error {
		sess := &Session{}
		if err := json.Unmarshal(value, sess); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}
		if sess.Connected || sess.ExpiryInterval == 0 {
			return nil
		}
		deadline := sess.DisconnectedAt.Add(time.Duration(sess.ExpiryInterval) * time.Second)
		if deadline.Before(before) {
			expired = append(expired, sess.ClientID)
		}
		return nil
	})
	return expired, err
}

// List returns all persisted sessions.
func (s *SessionStore) List() ([]*Session, error) {
	var sessions []*Session
	err := s.kv.Iterate([]byte(sessionPrefix), func(_, value []byte) error {
		sess := &Session{}
		if err := json.Unmarshal(value, sess); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}
		sessions = append(sessions, sess)
		return nil
	})
	return sessions, err
}
