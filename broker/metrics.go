// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry instruments for the broker. All record
// methods are safe on a nil receiver so metrics can be disabled by
// leaving the field unset.
type Metrics struct {
	meter metric.Meter

	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	messagesReceived    metric.Int64Counter
	messagesSent        metric.Int64Counter
	bytesReceived       metric.Int64Counter
	bytesSent           metric.Int64Counter
	retriesTotal        metric.Int64Counter
	droppedTotal        metric.Int64Counter
	forwardedTotal      metric.Int64Counter
	errorsTotal         metric.Int64Counter

	connectionsCurrent  metric.Int64UpDownCounter
	subscriptionsActive metric.Int64UpDownCounter
	retainedMessages    metric.Int64UpDownCounter

	messageSize metric.Int64Histogram
}

// NewMetrics creates a Metrics instance with all instruments registered on
// the global meter provider.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{meter: otel.Meter("driftmq")}

	var err error

	m.connectionsTotal, err = m.meter.Int64Counter(
		"mqtt.connections.total",
		metric.WithDescription("Total number of MQTT connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("create connectionsTotal counter: %w", err)
	}

	m.disconnectionsTotal, err = m.meter.Int64Counter(
		"mqtt.disconnections.total",
		metric.WithDescription("Total number of MQTT disconnections"),
	)
	if err != nil {
		return nil, fmt.Errorf("create disconnectionsTotal counter: %w", err)
	}

	m.messagesReceived, err = m.meter.Int64Counter(
		"mqtt.messages.received.total",
		metric.WithDescription("Total messages received from clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("create messagesReceived counter: %w", err)
	}

	m.messagesSent, err = m.meter.Int64Counter(
		"mqtt.messages.sent.total",
		metric.WithDescription("Total messages sent to clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("create messagesSent counter: %w", err)
	}

	m.bytesReceived, err = m.meter.Int64Counter(
		"mqtt.bytes.received.total",
		metric.WithDescription("Total payload bytes received"),
	)
	if err != nil {
		return nil, fmt.Errorf("create bytesReceived counter: %w", err)
	}

	m.bytesSent, err = m.meter.Int64Counter(
		"mqtt.bytes.sent.total",
		metric.WithDescription("Total payload bytes sent"),
	)
	if err != nil {
		return nil, fmt.Errorf("create bytesSent counter: %w", err)
	}

	m.retriesTotal, err = m.meter.Int64Counter(
		"mqtt.retries.total",
		metric.WithDescription("Total QoS redeliveries"),
	)
	if err != nil {
		return nil, fmt.Errorf("create retriesTotal counter: %w", err)
	}

	m.droppedTotal, err = m.meter.Int64Counter(
		"mqtt.dropped.total",
		metric.WithDescription("Messages dropped by overflow or retry policy"),
	)
	if err != nil {
		return nil, fmt.Errorf("create droppedTotal counter: %w", err)
	}

	m.forwardedTotal, err = m.meter.Int64Counter(
		"mqtt.cluster.forwarded.total",
		metric.WithDescription("Messages forwarded to peer nodes"),
	)
	if err != nil {
		return nil, fmt.Errorf("create forwardedTotal counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"mqtt.errors.total",
		metric.WithDescription("Total errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errorsTotal counter: %w", err)
	}

	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"mqtt.connections.current",
		metric.WithDescription("Current number of active MQTT connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("create connectionsCurrent gauge: %w", err)
	}

	m.subscriptionsActive, err = m.meter.Int64UpDownCounter(
		"mqtt.subscriptions.active",
		metric.WithDescription("Number of active subscriptions"),
	)
	if err != nil {
		return nil, fmt.Errorf("create subscriptionsActive gauge: %w", err)
	}

	m.retainedMessages, err = m.meter.Int64UpDownCounter(
		"mqtt.retained.messages",
		metric.WithDescription("Number of retained messages"),
	)
	if err != nil {
		return nil, fmt.Errorf("create retainedMessages gauge: %w", err)
	}

	m.messageSize, err = m.meter.Int64Histogram(
		"mqtt.message.size.bytes",
		metric.WithDescription("Message payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("create messageSize histogram: %w", err)
	}

	return m, nil
}

// RecordConnection records a new connection.
func (m *Metrics) RecordConnection(protocol string, version byte) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("protocol", protocol),
		attribute.Int("version", int(version)),
	))
	m.connectionsCurrent.Add(ctx, 1)
}

// RecordDisconnection records a disconnection.
func (m *Metrics) RecordDisconnection(reason string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.disconnectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
	m.connectionsCurrent.Add(ctx, -1)
}

// RecordMessageReceived records a message received from a client.
func (m *Metrics) RecordMessageReceived(qos byte, sizeBytes int64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.messagesReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("qos", int(qos)),
	))
	m.bytesReceived.Add(ctx, sizeBytes)
	m.messageSize.Record(ctx, sizeBytes)
}

// RecordMessageSent records a message sent to a client.
func (m *Metrics) RecordMessageSent(qos byte, sizeBytes int64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.messagesSent.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("qos", int(qos)),
	))
	m.bytesSent.Add(ctx, sizeBytes)
}

// RecordRetry records a QoS redelivery.
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.retriesTotal.Add(context.Background(), 1)
}

// RecordDropped records a message dropped by policy.
func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.droppedTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordForwarded records a publish forwarded to a peer node.
func (m *Metrics) RecordForwarded(nodeID string) {
	if m == nil {
		return
	}
	m.forwardedTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("node", nodeID),
	))
}

// RecordSubscriptionAdded records a new subscription.
func (m *Metrics) RecordSubscriptionAdded() {
	if m == nil {
		return
	}
	m.subscriptionsActive.Add(context.Background(), 1)
}

// RecordSubscriptionRemoved records a subscription removal.
func (m *Metrics) RecordSubscriptionRemoved() {
	if m == nil {
		return
	}
	m.subscriptionsActive.Add(context.Background(), -1)
}

// RecordRetainedSet records a retained message being set.
func (m *Metrics) RecordRetainedSet() {
	if m == nil {
		return
	}
	m.retainedMessages.Add(context.Background(), 1)
}

// RecordRetainedDeleted records a retained message being deleted.
func (m *Metrics) RecordRetainedDeleted() {
	if m == nil {
		return
	}
	m.retainedMessages.Add(context.Background(), -1)
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}
