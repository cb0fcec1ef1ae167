// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package broker

import "errors"

var (
	// ErrSessionNotFound is returned for operations on unknown client IDs.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotAuthorized is returned when the authorizer denies an operation.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrInvalidPacketType is returned when a handler receives a packet it
	// cannot process.
	ErrInvalidPacketType = errors.New("invalid packet type")

	// ErrConnectExpected is returned when the first packet on a connection
	// is not CONNECT.
	ErrConnectExpected = errors.New("first packet must be CONNECT")

	// ErrClientIDRequired is returned for v3 clients connecting with an
	// empty client ID and clean session off.
	ErrClientIDRequired = errors.New("client ID required")

	// ErrServerClosed is returned for operations on a stopped broker.
	ErrServerClosed = errors.New("broker closed")
)
