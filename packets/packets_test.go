// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"errors"
	"testing"
)

func roundTrip(t *testing.T, pkt ControlPacket, version byte) ControlPacket {
	t.Helper()
	var buf bytes.Buffer
	if err := pkt.Pack(&buf); err != nil {
		t.Fatalf("pack %s: %v", PacketNames[pkt.Type()], err)
	}
	decoded, err := ReadPacket(&buf, version)
	if err != nil {
		t.Fatalf("read %s: %v", PacketNames[pkt.Type()], err)
	}
	return decoded
}

func TestConnectRoundTripV311(t *testing.T) {
	c := NewControlPacket(ConnectType, V311).(*Connect)
	c.ProtocolName = "MQTT"
	c.Version = V311
	c.CleanStart = true
	c.KeepAlive = 60
	c.ClientID = "device-17"
	c.UsernameFlag = true
	c.Username = "sensor"
	c.PasswordFlag = true
	c.Password = []byte("hunter2")

	// CONNECT is read with version 0: the body carries the level byte.
	got := roundTrip(t, c, 0).(*Connect)

	if got.Version != V311 {
		t.Errorf("version = %d", got.Version)
	}
	if got.ClientID != "device-17" || !got.CleanStart || got.KeepAlive != 60 {
		t.Errorf("fields = %+v", got)
	}
	if got.Username != "sensor" || string(got.Password) != "hunter2" {
		t.Errorf("credentials = %q / %q", got.Username, got.Password)
	}
}

func TestConnectRoundTripV5WithWill(t *testing.T) {
	sessionExpiry := uint32(300)
	willDelay := uint32(5)

	c := NewControlPacket(ConnectType, V5).(*Connect)
	c.ProtocolName = "MQTT"
	c.Version = V5
	c.ClientID = "v5-client"
	c.KeepAlive = 30
	c.Properties = &Properties{SessionExpiry: &sessionExpiry}
	c.WillFlag = true
	c.WillQoS = 1
	c.WillRetain = true
	c.WillTopic = "clients/v5-client/status"
	c.WillPayload = []byte("offline")
	c.WillProperties = &Properties{WillDelay: &willDelay}

	got := roundTrip(t, c, 0).(*Connect)

	if got.Properties == nil || got.Properties.SessionExpiry == nil || *got.Properties.SessionExpiry != 300 {
		t.Errorf("session expiry not preserved: %+v", got.Properties)
	}
	if !got.WillFlag || got.WillQoS != 1 || !got.WillRetain {
		t.Errorf("will flags = %+v", got)
	}
	if got.WillTopic != "clients/v5-client/status" || string(got.WillPayload) != "offline" {
		t.Errorf("will = %q / %q", got.WillTopic, got.WillPayload)
	}
	if got.WillProperties == nil || got.WillProperties.WillDelay == nil || *got.WillProperties.WillDelay != 5 {
		t.Errorf("will delay not preserved: %+v", got.WillProperties)
	}
}

func TestConnectRejectsUnknownLevel(t *testing.T) {
	c := NewControlPacket(ConnectType, 0).(*Connect)
	c.ProtocolName = "MQTT"
	c.Version = 0x09
	c.ClientID = "x"

	var buf bytes.Buffer
	if err := c.Pack(&buf); err != nil {
		t.Fatalf("pack: %v", err)
	}
	if _, err := ReadPacket(&buf, 0); err == nil {
		t.Error("unknown protocol level accepted")
	}
}

func TestPublishRoundTrip(t *testing.T) {
	for _, version := range []byte{V31, V311, V5} {
		p := NewControlPacket(PublishType, version).(*Publish)
		p.TopicName = "sensors/room1/temp"
		p.QoS = 1
		p.ID = 42
		p.Retain = true
		p.Payload = []byte("21.5")

		got := roundTrip(t, p, version).(*Publish)

		if got.TopicName != p.TopicName || got.ID != 42 {
			t.Errorf("v%d: topic/id = %q/%d", version, got.TopicName, got.ID)
		}
		if got.QoS != 1 || !got.Retain || got.Dup {
			t.Errorf("v%d: flags = qos %d retain %t dup %t", version, got.QoS, got.Retain, got.Dup)
		}
		if !bytes.Equal(got.Payload, p.Payload) {
			t.Errorf("v%d: payload = %q", version, got.Payload)
		}
	}
}

func TestPublishV5Properties(t *testing.T) {
	expiry := uint32(120)
	alias := uint16(3)

	p := NewControlPacket(PublishType, V5).(*Publish)
	p.TopicName = "events"
	p.Payload = []byte("{}")
	p.Properties = &Properties{
		MessageExpiry: &expiry,
		TopicAlias:    &alias,
		ContentType:   "application/json",
		User:          []User{{Key: "origin", Value: "edge-1"}},
	}

	got := roundTrip(t, p, V5).(*Publish)

	props := got.Properties
	if props == nil {
		t.Fatal("properties lost")
	}
	if props.MessageExpiry == nil || *props.MessageExpiry != 120 {
		t.Errorf("message expiry = %v", props.MessageExpiry)
	}
	if props.TopicAlias == nil || *props.TopicAlias != 3 {
		t.Errorf("topic alias = %v", props.TopicAlias)
	}
	if props.ContentType != "application/json" {
		t.Errorf("content type = %q", props.ContentType)
	}
	if len(props.User) != 1 || props.User[0].Key != "origin" || props.User[0].Value != "edge-1" {
		t.Errorf("user properties = %+v", props.User)
	}
}

func TestQoSZeroPublishCarriesNoID(t *testing.T) {
	p := NewControlPacket(PublishType, V311).(*Publish)
	p.TopicName = "t"
	p.Payload = []byte("x")

	got := roundTrip(t, p, V311).(*Publish)
	if got.ID != 0 {
		t.Errorf("qos 0 publish decoded with id %d", got.ID)
	}
}

func TestAckRoundTrip(t *testing.T) {
	// v3 acks are bare packet IDs; v5 adds a reason code.
	a := NewControlPacket(PubAckType, V311).(*PubAck)
	a.ID = 7
	got := roundTrip(t, a, V311).(*PubAck)
	if got.ID != 7 {
		t.Errorf("v311 id = %d", got.ID)
	}

	a5 := NewControlPacket(PubAckType, V5).(*PubAck)
	a5.ID = 9
	a5.ReasonCode = ReasonNotAuthorized
	got5 := roundTrip(t, a5, V5).(*PubAck)
	if got5.ID != 9 || got5.ReasonCode != ReasonNotAuthorized {
		t.Errorf("v5 ack = id %d code 0x%02x", got5.ID, got5.ReasonCode)
	}
}

func TestPubRelHasRequiredFlags(t *testing.T) {
	rel := NewControlPacket(PubRelType, V311).(*PubRel)
	rel.ID = 3

	var buf bytes.Buffer
	if err := rel.Pack(&buf); err != nil {
		t.Fatalf("pack: %v", err)
	}
	// PUBREL's fixed header must carry flags 0b0010.
	if first := buf.Bytes()[0]; first != (PubRelType<<4)|0x02 {
		t.Errorf("first byte = 0x%02x", first)
	}

	got, err := ReadPacket(&buf, V311)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.(*PubRel).ID != 3 {
		t.Errorf("id = %d", got.(*PubRel).ID)
	}
}

func TestSubscribeRoundTrip(t *testing.T) {
	subID := uint32(11)

	s := NewControlPacket(SubscribeType, V5).(*Subscribe)
	s.ID = 21
	s.Properties = &Properties{SubscriptionID: &subID}
	s.Topics = []SubscribeTopic{
		{Filter: "a/+", Options: SubOptions{QoS: 1, NoLocal: true}},
		{Filter: "b/#", Options: SubOptions{QoS: 2, RetainAsPublished: true, RetainHandling: 2}},
	}

	got := roundTrip(t, s, V5).(*Subscribe)

	if got.ID != 21 {
		t.Errorf("id = %d", got.ID)
	}
	if got.Properties == nil || got.Properties.SubscriptionID == nil || *got.Properties.SubscriptionID != 11 {
		t.Errorf("subscription id = %+v", got.Properties)
	}
	if len(got.Topics) != 2 {
		t.Fatalf("topics = %d", len(got.Topics))
	}
	if got.Topics[0].Filter != "a/+" || !got.Topics[0].Options.NoLocal || got.Topics[0].Options.QoS != 1 {
		t.Errorf("first topic = %+v", got.Topics[0])
	}
	if !got.Topics[1].Options.RetainAsPublished || got.Topics[1].Options.RetainHandling != 2 {
		t.Errorf("second topic = %+v", got.Topics[1])
	}
}

func TestSubAckRoundTrip(t *testing.T) {
	a := NewControlPacket(SubAckType, V5).(*SubAck)
	a.ID = 5
	a.ReasonCodes = []byte{0x01, ReasonTopicFilterInvalid}

	got := roundTrip(t, a, V5).(*SubAck)
	if got.ID != 5 || len(got.ReasonCodes) != 2 || got.ReasonCodes[1] != ReasonTopicFilterInvalid {
		t.Errorf("suback = %+v", got)
	}
}

func TestUnsubscribeRoundTrip(t *testing.T) {
	u := NewControlPacket(UnsubscribeType, V311).(*Unsubscribe)
	u.ID = 8
	u.Topics = []string{"a/b", "c/#"}

	got := roundTrip(t, u, V311).(*Unsubscribe)
	if got.ID != 8 || len(got.Topics) != 2 || got.Topics[1] != "c/#" {
		t.Errorf("unsubscribe = %+v", got)
	}

	ua := NewControlPacket(UnsubAckType, V5).(*UnsubAck)
	ua.ID = 8
	ua.ReasonCodes = []byte{ReasonSuccess, ReasonNoSubscriptionExisted}
	gotAck := roundTrip(t, ua, V5).(*UnsubAck)
	if gotAck.ID != 8 || len(gotAck.ReasonCodes) != 2 || gotAck.ReasonCodes[1] != ReasonNoSubscriptionExisted {
		t.Errorf("unsuback = %+v", gotAck)
	}
}

func TestDisconnectRoundTrip(t *testing.T) {
	d := NewControlPacket(DisconnectType, V5).(*Disconnect)
	d.ReasonCode = DisconnectWithWill

	got := roundTrip(t, d, V5).(*Disconnect)
	if got.ReasonCode != DisconnectWithWill {
		t.Errorf("reason = 0x%02x", got.ReasonCode)
	}

	// v3 DISCONNECT is an empty body.
	d3 := NewControlPacket(DisconnectType, V311).(*Disconnect)
	if got := roundTrip(t, d3, V311).(*Disconnect); got.Type() != DisconnectType {
		t.Errorf("type = %d", got.Type())
	}
}

func TestPingRoundTrip(t *testing.T) {
	req := NewControlPacket(PingReqType, V311)
	if got := roundTrip(t, req, V311); got.Type() != PingReqType {
		t.Errorf("type = %d", got.Type())
	}
	resp := NewControlPacket(PingRespType, V311)
	if got := roundTrip(t, resp, V311); got.Type() != PingRespType {
		t.Errorf("type = %d", got.Type())
	}
}

func TestConnAckRoundTrip(t *testing.T) {
	keepAlive := uint16(45)

	a := NewControlPacket(ConnAckType, V5).(*ConnAck)
	a.SessionPresent = true
	a.ReasonCode = ConnAckAccepted
	a.Properties = &Properties{
		AssignedClientID: "auto-123",
		ServerKeepAlive:  &keepAlive,
	}

	got := roundTrip(t, a, V5).(*ConnAck)
	if !got.SessionPresent || got.ReasonCode != ConnAckAccepted {
		t.Errorf("connack = %+v", got)
	}
	if got.Properties == nil || got.Properties.AssignedClientID != "auto-123" {
		t.Errorf("assigned client id lost: %+v", got.Properties)
	}
}

func TestReadPacketRejectsInvalidType(t *testing.T) {
	// Type 0 is forbidden by the protocol.
	buf := bytes.NewReader([]byte{0x00, 0x00})
	if _, err := ReadPacket(buf, V311); !errors.Is(err, ErrInvalidPacketType) {
		t.Errorf("error = %v, want ErrInvalidPacketType", err)
	}
}

func TestReadPacketRejectsOversizedFrame(t *testing.T) {
	// Fixed header advertising a body near the VBI ceiling; the frame
	// must be refused before the body allocation.
	frame := []byte{PublishType << 4, 0xFF, 0xFF, 0xFF, 0x7F}
	if _, err := ReadPacket(bytes.NewReader(frame), V311); !errors.Is(err, ErrPacketTooLarge) {
		t.Errorf("error = %v, want ErrPacketTooLarge", err)
	}
}

func TestReadPacketTruncatedBody(t *testing.T) {
	p := NewControlPacket(PublishType, V311).(*Publish)
	p.TopicName = "a/b"
	p.Payload = []byte("payload")

	var buf bytes.Buffer
	if err := p.Pack(&buf); err != nil {
		t.Fatalf("pack: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-3]
	if _, err := ReadPacket(bytes.NewReader(truncated), V311); err == nil {
		t.Error("truncated packet accepted")
	}
}
