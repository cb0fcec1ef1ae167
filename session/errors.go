// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package session

import "errors"

var (
	// ErrNotConnected is returned when the session has no active connection.
	ErrNotConnected = errors.New("session not connected")

	// ErrQueueFull is returned when the offline queue is at capacity.
	ErrQueueFull = errors.New("offline queue full")

	// ErrInflightFull is returned when the inflight window is at capacity.
	ErrInflightFull = errors.New("inflight window full")

	// ErrPacketNotFound is returned for acknowledgments that reference an
	// unknown packet ID.
	ErrPacketNotFound = errors.New("packet ID not found")

	// ErrPacketIDInUse is returned when a publisher reuses a packet ID that
	// still has an open handshake.
	ErrPacketIDInUse = errors.New("packet ID in use")

	// ErrWriteQueueFull is returned when the outbound writer queue is full,
	// usually because the client is too slow to drain it.
	ErrWriteQueueFull = errors.New("write queue full")
)
