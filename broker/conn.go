// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/driftmq/driftmq/packets"
	"github.com/driftmq/driftmq/session"
	"github.com/driftmq/driftmq/storage"
)

// connectTimeout bounds how long a fresh TCP connection may sit idle
// before sending CONNECT.
const connectTimeout = 10 * time.Second

// HandleConnection runs the full lifecycle of one client connection:
// CONNECT handshake, session binding, offline queue drain, and the read
// loop. It blocks until the connection ends.
func (b *Broker) HandleConnection(netConn net.Conn) {
	conn := session.NewConnection(netConn)

	sess, err := b.handshake(conn)
	if err != nil {
		b.stats.IncrementProtocolErrors()
		b.metrics.RecordError("connect")
		if !errors.Is(err, io.EOF) {
			b.logger.Debug("connect handshake failed",
				"remote_addr", netConn.RemoteAddr(), "error", err)
		}
		conn.Close()
		return
	}

	b.stats.IncrementConnections()
	b.metrics.RecordConnection("tcp", sess.Version)
	b.logger.Info("client connected",
		"client_id", sess.ID,
		"version", sess.Version,
		"remote_addr", netConn.RemoteAddr())

	b.drainOfflineQueue(sess)
	b.readLoop(sess, conn)
}

// handshake reads and validates CONNECT, binds the session and sends
// CONNACK.
func (b *Broker) handshake(conn session.Connection) (*session.Session, error) {
	conn.SetReadDeadline(time.Now().Add(connectTimeout))
	pkt, err := conn.ReadPacket()
	if err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})

	connect, ok := pkt.(*packets.Connect)
	if !ok {
		return nil, ErrConnectExpected
	}

	switch connect.Version {
	case packets.V31, packets.V311, packets.V5:
	default:
		sendConnAckError(conn, packets.V311, packets.ConnAckBadProtocolVersion)
		return nil, packets.ErrUnsupportedLevel
	}
	session.SetConnectionVersion(conn, connect.Version)

	clientID := connect.ClientID
	assignedID := false
	if clientID == "" {
		if !connect.CleanStart {
			sendConnAckError(conn, connect.Version, connAckCode(connect.Version,
				packets.ConnAckIDRejected, packets.ConnAckClientIDNotValid))
			return nil, ErrClientIDRequired
		}
		clientID = "auto-" + uuid.NewString()
		assignedID = true
	}

	ok, err = b.auth.Authenticate(clientID, connect.Username, string(connect.Password))
	if err != nil || !ok {
		b.stats.IncrementAuthErrors()
		sendConnAckError(conn, connect.Version, connAckCode(connect.Version,
			packets.ConnAckBadCredentials, packets.ConnAckBadUserOrPassword))
		if err != nil {
			return nil, err
		}
		return nil, ErrNotAuthorized
	}

	opts := b.sessionOptions(connect)
	sess, resumed, err := b.sessions.GetOrCreate(clientID, connect.Version, opts)
	if err != nil {
		sendConnAckError(conn, connect.Version, connAckCode(connect.Version,
			packets.ConnAckServerUnavailable, packets.ConnAckServerBusy))
		return nil, err
	}

	if err := sess.Connect(conn); err != nil {
		return nil, err
	}

	// A resumed session keeps state from before the restart; the trie is
	// in-memory and must relearn its filters.
	if resumed {
		for filter, subOpts := range sess.GetSubscriptions() {
			sub := subscriptionFrom(clientID, filter, subOpts)
			if err := b.router.Subscribe(context.Background(), sub); err != nil {
				b.logger.Error("restore subscription",
					"client_id", clientID, "filter", filter, "error", err)
			}
		}
	}

	ack := &packets.ConnAck{
		FixedHeader:    packets.FixedHeader{PacketType: packets.ConnAckType},
		Version:        connect.Version,
		SessionPresent: resumed && !connect.CleanStart,
		ReasonCode:     packets.ConnAckAccepted,
	}
	if connect.Version == packets.V5 {
		ack.Properties = b.connAckProperties(assignedID, clientID)
	}
	if err := conn.WritePacket(ack); err != nil {
		sess.Disconnect(false)
		return nil, err
	}

	return sess, nil
}

// sessionOptions maps CONNECT fields and properties onto session options.
func (b *Broker) sessionOptions(connect *packets.Connect) session.Options {
	opts := session.DefaultOptions()
	opts.CleanStart = connect.CleanStart
	opts.KeepAlive = connect.KeepAlive
	opts.QueueSize = b.cfg.OfflineQueueSize
	opts.QueuePolicy = b.cfg.OfflineQueuePolicy

	if p := connect.Properties; p != nil {
		if p.SessionExpiry != nil {
			opts.ExpiryInterval = *p.SessionExpiry
		}
		if p.ReceiveMaximum != nil {
			opts.ReceiveMaximum = *p.ReceiveMaximum
		}
		if p.MaxPacketSize != nil {
			opts.MaxPacketSize = *p.MaxPacketSize
		}
		if p.TopicAliasMax != nil {
			opts.TopicAliasMax = *p.TopicAliasMax
		}
	}

	if connect.WillFlag {
		will := &storage.WillMessage{
			ClientID: connect.ClientID,
			Topic:    connect.WillTopic,
			Payload:  connect.WillPayload,
			QoS:      connect.WillQoS,
			Retain:   connect.WillRetain,
		}
		if wp := connect.WillProperties; wp != nil {
			if wp.WillDelay != nil {
				will.Delay = *wp.WillDelay
			}
			if wp.MessageExpiry != nil {
				will.Expiry = *wp.MessageExpiry
			}
			if wp.ContentType != "" {
				if will.Properties == nil {
					will.Properties = map[string]string{}
				}
				will.Properties["content_type"] = wp.ContentType
			}
		}
		opts.Will = will
	}

	return opts
}

// connAckProperties builds the v5 CONNACK property set advertising
// broker limits.
func (b *Broker) connAckProperties(assignedID bool, clientID string) *packets.Properties {
	props := &packets.Properties{}
	if assignedID {
		props.AssignedClientID = clientID
	}
	if b.cfg.MaxPacketSize > 0 {
		size := b.cfg.MaxPacketSize
		props.MaxPacketSize = &size
	}
	if b.cfg.MaxInflight > 0 && b.cfg.MaxInflight < 65535 {
		rm := b.cfg.MaxInflight
		props.ReceiveMaximum = &rm
	}
	aliasMax := uint16(topicAliasMaximum)
	props.TopicAliasMax = &aliasMax
	return props
}

// topicAliasMaximum is the number of inbound topic aliases the broker
// accepts per connection.
const topicAliasMaximum = 64

// drainOfflineQueue delivers messages queued while the client was away.
func (b *Broker) drainOfflineQueue(sess *session.Session) {
	msgs := sess.DrainOffline()
	for _, msg := range msgs {
		if msg.Expired(time.Now()) {
			b.stats.IncrementDropped()
			b.metrics.RecordDropped("expired")
			continue
		}
		if err := b.sendPublish(sess, msg); err != nil {
			b.logger.Debug("offline drain failed",
				"client_id", sess.ID, "topic", msg.Topic, "error", err)
			return
		}
	}
	if len(msgs) > 0 {
		b.logger.Debug("drained offline queue",
			"client_id", sess.ID, "count", len(msgs))
	}
}

// readLoop reads packets until the connection drops or the client sends
// DISCONNECT.
func (b *Broker) readLoop(sess *session.Session, conn session.Connection) {
	for {
		pkt, err := conn.ReadPacket()
		if err != nil {
			if sess.IsConnected() {
				b.logger.Debug("connection read error",
					"client_id", sess.ID, "error", err)
				sess.Disconnect(false)
				b.stats.IncrementDisconnections()
				b.metrics.RecordDisconnection("read_error")
			}
			return
		}
		sess.TouchActivity()

		done, err := b.handlePacket(sess, pkt)
		if err != nil {
			b.stats.IncrementPacketErrors()
			b.logger.Warn("packet handling failed",
				"client_id", sess.ID,
				"packet", packets.PacketNames[pkt.Type()],
				"error", err)
			if errors.Is(err, ErrInvalidPacketType) || errors.Is(err, packets.ErrMalformedPacket) {
				sess.Disconnect(false)
				b.stats.IncrementDisconnections()
				b.metrics.RecordDisconnection("protocol_error")
				return
			}
		}
		if done {
			b.stats.IncrementDisconnections()
			b.metrics.RecordDisconnection("client_request")
			return
		}
	}
}

// sendConnAckError writes a CONNACK refusal; the connection is about to
// close so write errors are ignored.
func sendConnAckError(conn session.Connection, version byte, code byte) {
	ack := &packets.ConnAck{
		FixedHeader: packets.FixedHeader{PacketType: packets.ConnAckType},
		Version:     version,
		ReasonCode:  code,
	}
	_ = conn.WritePacket(ack)
}

// connAckCode picks the v3 return code or v5 reason code by version.
func connAckCode(version, v3code, v5code byte) byte {
	if version == packets.V5 {
		return v5code
	}
	return v3code
}
