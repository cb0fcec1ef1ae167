// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/driftmq/driftmq/packets"
	"github.com/driftmq/driftmq/session"
	"github.com/driftmq/driftmq/storage"
	"github.com/driftmq/driftmq/topics"
)

// handlePacket dispatches one inbound packet. It returns done=true when
// the connection should end (client sent DISCONNECT).
func (b *Broker) handlePacket(sess *session.Session, pkt packets.ControlPacket) (bool, error) {
	switch p := pkt.(type) {
	case *packets.Publish:
		return false, b.handlePublish(sess, p)
	case *packets.PubAck:
		return false, b.handlePubAck(sess, p)
	case *packets.PubRec:
		return false, b.handlePubRec(sess, p)
	case *packets.PubRel:
		return false, b.handlePubRel(sess, p)
	case *packets.PubComp:
		return false, b.handlePubComp(sess, p)
	case *packets.Subscribe:
		return false, b.handleSubscribe(sess, p)
	case *packets.Unsubscribe:
		return false, b.handleUnsubscribe(sess, p)
	case *packets.PingReq:
		return false, sess.WritePacket(&packets.PingResp{
			FixedHeader: packets.FixedHeader{PacketType: packets.PingRespType},
		})
	case *packets.Disconnect:
		b.handleClientDisconnect(sess, p)
		return true, nil
	case *packets.Connect:
		// A second CONNECT on a live connection is a protocol error.
		sess.Disconnect(false)
		return true, fmt.Errorf("%w: duplicate CONNECT", ErrInvalidPacketType)
	case *packets.Auth:
		// Enhanced authentication is not offered, so AUTH is unexpected.
		return false, fmt.Errorf("%w: AUTH", ErrInvalidPacketType)
	default:
		return false, fmt.Errorf("%w: %d", ErrInvalidPacketType, pkt.Type())
	}
}

// handlePublish processes an inbound PUBLISH through the QoS handshake
// and routes it.
func (b *Broker) handlePublish(sess *session.Session, p *packets.Publish) error {
	topic, err := b.resolveTopicAlias(sess, p)
	if err != nil {
		return err
	}

	if err := topics.ValidateTopicName(topic); err != nil {
		return fmt.Errorf("%w: %s", packets.ErrMalformedPacket, err)
	}

	b.stats.IncrementPublishReceived()
	b.stats.IncrementMessagesReceived()
	b.stats.AddBytesReceived(uint64(len(p.Payload)))
	b.metrics.RecordMessageReceived(p.QoS, int64(len(p.Payload)))

	if b.limiter != nil && !b.limiter.AllowPublish(sess.ID) {
		b.stats.IncrementDropped()
		b.metrics.RecordError("rate_limited")
		switch p.QoS {
		case 1:
			return b.sendAck(sess, packets.PubAckType, p.ID, quotaReason(sess.Version))
		case 2:
			return b.sendAck(sess, packets.PubRecType, p.ID, quotaReason(sess.Version))
		}
		return nil
	}

	// Topics starting with $ belong to the broker.
	authorized := !strings.HasPrefix(topic, "$") && b.auth.CanPublish(sess.ID, topic)
	if !authorized {
		b.stats.IncrementAuthzErrors()
		b.metrics.RecordError("authz_publish")
	}

	switch p.QoS {
	case 0:
		if !authorized {
			return nil
		}
		return b.routePublish(sess, p, topic)

	case 1:
		var routeErr error
		if authorized {
			routeErr = b.routePublish(sess, p, topic)
		}
		code := ackReason(sess.Version, authorized, routeErr)
		if err := b.sendAck(sess, packets.PubAckType, p.ID, code); err != nil {
			return err
		}
		return routeErr

	case 2:
		// The message is parked until PUBREL; only then is it routed.
		// Duplicate attempts re-acknowledge without replacing the parked
		// message.
		code := ackReason(sess.Version, authorized, nil)
		if code < 0x80 && !sess.Inflight.WasReceived(p.ID) {
			var msg *storage.Message
			if authorized {
				msg = messageFrom(p, topic)
			}
			sess.Inflight.MarkReceived(p.ID, msg)
		}
		return b.sendAck(sess, packets.PubRecType, p.ID, code)

	default:
		return fmt.Errorf("%w: publish qos %d", packets.ErrInvalidQoS, p.QoS)
	}
}

// resolveTopicAlias applies v5 topic alias rules and returns the
// effective topic name.
func (b *Broker) resolveTopicAlias(sess *session.Session, p *packets.Publish) (string, error) {
	if sess.Version != packets.V5 || p.Properties == nil || p.Properties.TopicAlias == nil {
		if p.TopicName == "" {
			return "", fmt.Errorf("%w: empty topic", packets.ErrMalformedPacket)
		}
		return p.TopicName, nil
	}

	alias := *p.Properties.TopicAlias
	if alias == 0 || alias > topicAliasMaximum {
		return "", fmt.Errorf("%w: topic alias %d out of range", packets.ErrMalformedPacket, alias)
	}

	if p.TopicName != "" {
		sess.SetInboundAlias(alias, p.TopicName)
		return p.TopicName, nil
	}

	topic, ok := sess.ResolveInboundAlias(alias)
	if !ok {
		return "", fmt.Errorf("%w: unknown topic alias %d", packets.ErrMalformedPacket, alias)
	}
	return topic, nil
}

// routePublish converts the packet to a stored message and routes it.
func (b *Broker) routePublish(sess *session.Session, p *packets.Publish, topic string) error {
	msg := messageFrom(p, topic)
	return b.router.Route(context.Background(), msg, sess.ID, false)
}

// messageFrom builds a storage message from an inbound PUBLISH.
func messageFrom(p *packets.Publish, topic string) *storage.Message {
	msg := &storage.Message{
		Topic:       topic,
		Payload:     p.Payload,
		QoS:         p.QoS,
		Retain:      p.Retain,
		PublishTime: time.Now(),
	}
	if props := p.Properties; props != nil {
		msg.ContentType = props.ContentType
		msg.ResponseTopic = props.ResponseTopic
		msg.CorrelationData = props.CorrelationData
		msg.PayloadFormat = props.PayloadFormat
		if props.MessageExpiry != nil {
			msg.MessageExpiry = props.MessageExpiry
			msg.Expiry = time.Now().Add(time.Duration(*props.MessageExpiry) * time.Second)
		}
		for _, u := range props.User {
			if msg.UserProperties == nil {
				msg.UserProperties = map[string]string{}
			}
			msg.UserProperties[u.Key] = u.Value
		}
	}
	return msg
}

// ackReason picks the reason code for a PUBACK/PUBREC. v3 acks carry no
// codes, so anything non-zero is suppressed there.
func ackReason(version byte, authorized bool, routeErr error) byte {
	if version != packets.V5 {
		return 0
	}
	if !authorized {
		return packets.ReasonNotAuthorized
	}
	if routeErr != nil {
		return packets.ReasonUnspecifiedError
	}
	return packets.ReasonSuccess
}

// quotaReason is the rejection code for rate-limited requests. In a v3
// SUBACK 0x80 marks the subscription as failed; v3 PUBACK/PUBREC do not
// encode the byte at all.
func quotaReason(version byte) byte {
	if version == packets.V5 {
		return packets.ReasonQuotaExceeded
	}
	return packets.ReasonUnspecifiedError
}

// sendAck writes a QoS acknowledgment of the given type.
func (b *Broker) sendAck(sess *session.Session, packetType byte, id uint16, reason byte) error {
	pkt := packets.NewControlPacket(packetType, sess.Version)
	switch a := pkt.(type) {
	case *packets.PubAck:
		a.ID, a.ReasonCode = id, reason
	case *packets.PubRec:
		a.ID, a.ReasonCode = id, reason
	case *packets.PubRel:
		a.ID, a.ReasonCode = id, reason
	case *packets.PubComp:
		a.ID, a.ReasonCode = id, reason
	default:
		return fmt.Errorf("%w: ack type %d", ErrInvalidPacketType, packetType)
	}
	return sess.WritePacket(pkt)
}

// handlePubAck completes an outbound QoS 1 delivery.
func (b *Broker) handlePubAck(sess *session.Session, p *packets.PubAck) error {
	if _, err := sess.Inflight.Ack(p.ID); err != nil {
		b.logger.Debug("puback for unknown packet",
			"client_id", sess.ID, "packet_id", p.ID)
	}
	return nil
}

// handlePubRec advances an outbound QoS 2 delivery to the PUBREL phase.
func (b *Broker) handlePubRec(sess *session.Session, p *packets.PubRec) error {
	if sess.Version == packets.V5 && p.ReasonCode >= 0x80 {
		// Receiver refused the message; the handshake is over.
		sess.Inflight.Remove(p.ID)
		return nil
	}

	reason := byte(packets.ReasonSuccess)
	if err := sess.Inflight.UpdateState(p.ID, session.StatePubRecReceived); err != nil {
		if sess.Version != packets.V5 {
			return nil
		}
		reason = packets.ReasonPacketIDNotFound
	}
	return b.sendAck(sess, packets.PubRelType, p.ID, reason)
}

// handlePubRel routes the parked QoS 2 message and completes the
// inbound handshake.
func (b *Broker) handlePubRel(sess *session.Session, p *packets.PubRel) error {
	msg, known := sess.Inflight.ReleaseReceived(p.ID)

	reason := byte(packets.ReasonSuccess)
	if !known && sess.Version == packets.V5 {
		reason = packets.ReasonPacketIDNotFound
	}

	if msg != nil {
		if err := b.router.Route(context.Background(), msg, sess.ID, false); err != nil {
			b.logger.Error("route released publish",
				"client_id", sess.ID, "topic", msg.Topic, "error", err)
		}
	}
	return b.sendAck(sess, packets.PubCompType, p.ID, reason)
}

// handlePubComp closes an outbound QoS 2 delivery.
func (b *Broker) handlePubComp(sess *session.Session, p *packets.PubComp) error {
	if _, err := sess.Inflight.Ack(p.ID); err != nil {
		b.logger.Debug("pubcomp for unknown packet",
			"client_id", sess.ID, "packet_id", p.ID)
	}
	return nil
}

// handleSubscribe registers subscriptions and replays retained messages.
func (b *Broker) handleSubscribe(sess *session.Session, p *packets.Subscribe) error {
	if len(p.Topics) == 0 {
		return fmt.Errorf("%w: subscribe with no topics", packets.ErrMalformedPacket)
	}

	if b.limiter != nil && !b.limiter.AllowSubscribe(sess.ID) {
		b.metrics.RecordError("rate_limited")
		codes := make([]byte, len(p.Topics))
		for i := range codes {
			codes[i] = quotaReason(sess.Version)
		}
		ack := &packets.SubAck{
			FixedHeader: packets.FixedHeader{PacketType: packets.SubAckType},
			Version:     sess.Version,
			ID:          p.ID,
			ReasonCodes: codes,
		}
		return sess.WritePacket(ack)
	}

	var subscriptionID uint32
	if sess.Version == packets.V5 && p.Properties != nil && p.Properties.SubscriptionID != nil {
		subscriptionID = *p.Properties.SubscriptionID
	}

	type granted struct {
		sub     *topics.Subscription
		existed bool
	}
	codes := make([]byte, 0, len(p.Topics))
	accepted := make([]granted, 0, len(p.Topics))

	for _, t := range p.Topics {
		if err := topics.ValidateFilter(t.Filter); err != nil {
			codes = append(codes, packets.ReasonTopicFilterInvalid)
			continue
		}
		if !b.auth.CanSubscribe(sess.ID, t.Filter) {
			b.stats.IncrementAuthzErrors()
			codes = append(codes, packets.ReasonNotAuthorized)
			continue
		}

		existed := sess.HasSubscription(t.Filter)
		sub := subscriptionFrom(sess.ID, t.Filter, t.Options)
		sub.SubscriptionID = subscriptionID

		if err := b.router.Subscribe(context.Background(), sub); err != nil {
			b.logger.Error("subscribe failed",
				"client_id", sess.ID, "filter", t.Filter, "error", err)
			codes = append(codes, packets.ReasonUnspecifiedError)
			continue
		}

		opts := t.Options
		opts.SubscriptionID = subscriptionID
		sess.AddSubscription(t.Filter, opts)
		if !existed {
			b.stats.IncrementSubscriptions()
			b.metrics.RecordSubscriptionAdded()
		}

		codes = append(codes, t.Options.QoS)
		accepted = append(accepted, granted{sub: sub, existed: existed})
	}

	// Subscriptions are durable session state; persist before the ack so
	// a restart never forgets a granted subscription.
	if len(accepted) > 0 {
		if err := b.sessions.Save(sess); err != nil {
			b.logger.Error("persist subscriptions",
				"client_id", sess.ID, "error", err)
		}
	}

	ack := &packets.SubAck{
		FixedHeader: packets.FixedHeader{PacketType: packets.SubAckType},
		Version:     sess.Version,
		ID:          p.ID,
		ReasonCodes: codes,
	}
	if err := sess.WritePacket(ack); err != nil {
		return err
	}

	for _, g := range accepted {
		if err := b.router.RouteRetainedFor(b.store.Retained, g.sub, g.existed); err != nil {
			b.logger.Error("retained replay failed",
				"client_id", sess.ID, "filter", g.sub.Filter, "error", err)
		}
	}
	return nil
}

// handleUnsubscribe removes subscriptions.
func (b *Broker) handleUnsubscribe(sess *session.Session, p *packets.Unsubscribe) error {
	codes := make([]byte, 0, len(p.Topics))
	removed := 0
	for _, filter := range p.Topics {
		existed := sess.HasSubscription(filter)
		if err := b.router.Unsubscribe(context.Background(), sess.ID, filter); err != nil {
			b.logger.Error("unsubscribe failed",
				"client_id", sess.ID, "filter", filter, "error", err)
			codes = append(codes, packets.ReasonUnspecifiedError)
			continue
		}
		sess.RemoveSubscription(filter)
		if existed {
			removed++
			b.stats.DecrementSubscriptions()
			b.metrics.RecordSubscriptionRemoved()
			codes = append(codes, packets.ReasonSuccess)
		} else {
			codes = append(codes, packets.ReasonNoSubscriptionExisted)
		}
	}

	if removed > 0 {
		if err := b.sessions.Save(sess); err != nil {
			b.logger.Error("persist subscriptions",
				"client_id", sess.ID, "error", err)
		}
	}

	ack := &packets.UnsubAck{
		FixedHeader: packets.FixedHeader{PacketType: packets.UnsubAckType},
		Version:     sess.Version,
		ID:          p.ID,
		ReasonCodes: codes,
	}
	return sess.WritePacket(ack)
}

// handleClientDisconnect processes a client-initiated DISCONNECT.
func (b *Broker) handleClientDisconnect(sess *session.Session, p *packets.Disconnect) {
	// Normal disconnect discards the will; reason 0x04 asks for it to be
	// published anyway.
	graceful := p.ReasonCode != packets.DisconnectWithWill

	if sess.Version == packets.V5 && p.Properties != nil && p.Properties.SessionExpiry != nil {
		sess.SetExpiryInterval(*p.Properties.SessionExpiry)
	}

	b.logger.Info("client disconnected",
		"client_id", sess.ID, "graceful", graceful)
	sess.Disconnect(graceful)
}

// subscriptionFrom builds a trie subscription from stored options.
func subscriptionFrom(clientID, filter string, opts packets.SubOptions) *topics.Subscription {
	return &topics.Subscription{
		ClientID:          clientID,
		Filter:            filter,
		QoS:               opts.QoS,
		NoLocal:           opts.NoLocal,
		RetainAsPublished: opts.RetainAsPublished,
		RetainHandling:    opts.RetainHandling,
		SubscriptionID:    opts.SubscriptionID,
	}
}
