// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package broker

// Authenticator validates client credentials.
type Authenticator interface {
	Authenticate(clientID, username, secret string) (bool, error)
}

// Authorizer checks topic permissions.
type Authorizer interface {
	CanPublish(clientID string, topic string) bool
	CanSubscribe(clientID string, filter string) bool
}

// AuthEngine handles authentication and authorization checks. A nil
// authenticator or authorizer allows everything.
type AuthEngine struct {
	auth  Authenticator
	authz Authorizer
}

// NewAuthEngine creates an auth engine from the given hooks.
func NewAuthEngine(auth Authenticator, authz Authorizer) *AuthEngine {
	return &AuthEngine{auth: auth, authz: authz}
}

// CanPublish checks if a client is authorized to publish to a topic.
func (e *AuthEngine) CanPublish(clientID, topic string) bool {
	if e.authz == nil {
		return true
	}
	return e.authz.CanPublish(clientID, topic)
}

// CanSubscribe checks if a client is authorized to subscribe to a filter.
func (e *AuthEngine) CanSubscribe(clientID, filter string) bool {
	if e.authz == nil {
		return true
	}
	return e.authz.CanSubscribe(clientID, filter)
}

// Authenticate validates client credentials.
func (e *AuthEngine) Authenticate(clientID, username, password string) (bool, error) {
	if e.auth == nil {
		return true, nil
	}
	return e.auth.Authenticate(clientID, username, password)
}
