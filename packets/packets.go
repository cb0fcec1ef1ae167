// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

// Package packets provides a normalized, version-tagged representation of
// MQTT control packets. A single set of packet structs covers both v3.1.1
// and v5.0; v5-only fields (properties, reason codes) are optional and are
// only put on the wire when the packet's Version is V5.
package packets

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/driftmq/driftmq/packets/codec"
)

// Protocol version constants.
const (
	V31  byte = 0x03 // MQTT 3.1
	V311 byte = 0x04 // MQTT 3.1.1
	V5   byte = 0x05 // MQTT 5.0
)

// Packet type constants.
const (
	ConnectType = iota + 1 // 0 value is forbidden
	ConnAckType
	PublishType
	PubAckType
	PubRecType
	PubRelType
	PubCompType
	SubscribeType
	SubAckType
	UnsubscribeType
	UnsubAckType
	PingReqType
	PingRespType
	DisconnectType
	AuthType // MQTT 5.0 only
)

// PacketNames maps packet type constants to string names.
var PacketNames = map[byte]string{
	ConnectType:     "CONNECT",
	ConnAckType:     "CONNACK",
	PublishType:     "PUBLISH",
	PubAckType:      "PUBACK",
	PubRecType:      "PUBREC",
	PubRelType:      "PUBREL",
	PubCompType:     "PUBCOMP",
	SubscribeType:   "SUBSCRIBE",
	SubAckType:      "SUBACK",
	UnsubscribeType: "UNSUBSCRIBE",
	UnsubAckType:    "UNSUBACK",
	PingReqType:     "PINGREQ",
	PingRespType:    "PINGRESP",
	DisconnectType:  "DISCONNECT",
	AuthType:        "AUTH",
}

// Common packet errors.
var (
	ErrMalformedPacket   = errors.New("malformed packet")
	ErrInvalidPacketType = errors.New("invalid packet type")
	ErrInvalidQoS        = errors.New("invalid QoS value")
	ErrUnsupportedLevel  = errors.New("unsupported protocol level")
	ErrPacketTooLarge    = errors.New("packet exceeds maximum size")
)

// maxIncomingBytes caps what a single frame may allocate before the
// body is read. The variable byte integer ceiling is 256 MB; no packet
// this broker handles legitimately approaches it.
const maxIncomingBytes = 16 * 1024 * 1024

// Reason codes shared between v5 acknowledgments.
const (
	ReasonSuccess                byte = 0x00
	ReasonNoMatchingSubscribers  byte = 0x10
	ReasonNoSubscriptionExisted  byte = 0x11
	ReasonUnspecifiedError       byte = 0x80
	ReasonImplSpecificError      byte = 0x83
	ReasonNotAuthorized          byte = 0x87
	ReasonTopicFilterInvalid     byte = 0x8F
	ReasonPacketIDInUse          byte = 0x91
	ReasonPacketIDNotFound       byte = 0x92
	ReasonQuotaExceeded          byte = 0x97
	ReasonPayloadFormatInvalid   byte = 0x99
	ReasonSessionTakenOver       byte = 0x8E
	ReasonProtocolError          byte = 0x82
	ReasonMalformedPacketCode    byte = 0x81
	ReasonServerShuttingDown     byte = 0x8B
	ReasonKeepAliveTimeout       byte = 0x8D
	ReasonSubIdentifiersNotAvail byte = 0xA1
	ReasonWildcardSubsNotAvail   byte = 0xA2
)

// ControlPacket is the interface satisfied by every MQTT control packet.
type ControlPacket interface {
	// Encode serializes the complete packet, fixed header included.
	Encode() []byte

	// Pack writes the encoded packet to the writer.
	Pack(w io.Writer) error

	// Unpack deserializes the variable header and payload from the reader.
	// The fixed header has already been consumed by the caller.
	Unpack(r io.Reader) error

	// Type returns the packet type constant.
	Type() byte

	// String returns a human-readable representation.
	String() string
}

// FixedHeader is the two-to-five byte header present in every packet.
type FixedHeader struct {
	PacketType      byte
	Dup             bool
	QoS             byte
	Retain          bool
	RemainingLength int
}

// String returns a human-readable representation of the fixed header.
func (fh FixedHeader) String() string {
	return fmt.Sprintf("type: %s dup: %t qos: %d retain: %t remaining_length: %d",
		PacketNames[fh.PacketType], fh.Dup, fh.QoS, fh.Retain, fh.RemainingLength)
}

// Encode serializes the fixed header.
func (fh FixedHeader) Encode() []byte {
	var dup, retain byte
	if fh.Dup {
		dup = 1
	}
	if fh.Retain {
		retain = 1
	}
	ret := []byte{fh.PacketType<<4 | dup<<3 | fh.QoS<<1 | retain}
	return append(ret, codec.EncodeVBI(fh.RemainingLength)...)
}

// Decode parses the fixed header from the type/flags byte and reader.
func (fh *FixedHeader) Decode(typeAndFlags byte, r io.Reader) error {
	fh.PacketType = typeAndFlags >> 4
	fh.Dup = (typeAndFlags>>3)&0x01 > 0
	fh.QoS = (typeAndFlags >> 1) & 0x03
	fh.Retain = typeAndFlags&0x01 > 0

	var err error
	fh.RemainingLength, err = codec.DecodeVBI(r)
	return err
}

// Details contains packet metadata useful for QoS handling.
type Details struct {
	Type byte
	ID   uint16
	QoS  byte
}

// Detailer is an optional interface for packets that provide QoS details.
type Detailer interface {
	Details() Details
}

// User represents a user property key-value pair (MQTT 5.0).
type User struct {
	Key, Value string
}

// NewControlPacket creates an empty packet of the given type for the given
// protocol version.
func NewControlPacket(packetType, version byte) ControlPacket {
	fh := FixedHeader{PacketType: packetType}
	switch packetType {
	case ConnectType:
		return &Connect{FixedHeader: fh}
	case ConnAckType:
		return &ConnAck{FixedHeader: fh, Version: version}
	case PublishType:
		return &Publish{FixedHeader: fh, Version: version}
	case PubAckType:
		p := &PubAck{FixedHeader: fh}
		p.Version = version
		return p
	case PubRecType:
		p := &PubRec{FixedHeader: fh}
		p.Version = version
		return p
	case PubRelType:
		p := &PubRel{FixedHeader: FixedHeader{PacketType: PubRelType, QoS: 1}}
		p.Version = version
		return p
	case PubCompType:
		p := &PubComp{FixedHeader: fh}
		p.Version = version
		return p
	case SubscribeType:
		return &Subscribe{FixedHeader: FixedHeader{PacketType: SubscribeType, QoS: 1}, Version: version}
	case SubAckType:
		return &SubAck{FixedHeader: fh, Version: version}
	case UnsubscribeType:
		return &Unsubscribe{FixedHeader: FixedHeader{PacketType: UnsubscribeType, QoS: 1}, Version: version}
	case UnsubAckType:
		return &UnsubAck{FixedHeader: fh, Version: version}
	case PingReqType:
		return &PingReq{FixedHeader: fh}
	case PingRespType:
		return &PingResp{FixedHeader: fh}
	case DisconnectType:
		return &Disconnect{FixedHeader: fh, Version: version}
	case AuthType:
		return &Auth{FixedHeader: fh}
	}
	return nil
}

// ReadPacket reads one complete control packet from the reader. The version
// selects which wire variant the body is parsed as; CONNECT carries its own
// version and may be read with version 0.
func ReadPacket(r io.Reader, version byte) (ControlPacket, error) {
	t, err := codec.DecodeByte(r)
	if err != nil {
		return nil, err
	}

	var fh FixedHeader
	if err := fh.Decode(t, r); err != nil {
		return nil, err
	}
	if fh.PacketType < ConnectType || fh.PacketType > AuthType {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPacketType, fh.PacketType)
	}
	if fh.RemainingLength > maxIncomingBytes {
		return nil, fmt.Errorf("%w: remaining length %d", ErrPacketTooLarge, fh.RemainingLength)
	}

	body := make([]byte, fh.RemainingLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	pkt := NewControlPacket(fh.PacketType, version)
	if pkt == nil {
		return nil, ErrInvalidPacketType
	}
	setHeader(pkt, fh)

	if err := pkt.Unpack(bytes.NewReader(body)); err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrMalformedPacket, PacketNames[fh.PacketType], err)
	}
	return pkt, nil
}

// setHeader copies the parsed fixed header into the packet struct.
func setHeader(pkt ControlPacket, fh FixedHeader) {
	switch p := pkt.(type) {
	case *Connect:
		p.FixedHeader = fh
	case *ConnAck:
		p.FixedHeader = fh
	case *Publish:
		p.FixedHeader = fh
	case *PubAck:
		p.FixedHeader = fh
	case *PubRec:
		p.FixedHeader = fh
	case *PubRel:
		p.FixedHeader = fh
	case *PubComp:
		p.FixedHeader = fh
	case *Subscribe:
		p.FixedHeader = fh
	case *SubAck:
		p.FixedHeader = fh
	case *Unsubscribe:
		p.FixedHeader = fh
	case *UnsubAck:
		p.FixedHeader = fh
	case *PingReq:
		p.FixedHeader = fh
	case *PingResp:
		p.FixedHeader = fh
	case *Disconnect:
		p.FixedHeader = fh
	case *Auth:
		p.FixedHeader = fh
	}
}

// pack is the shared Pack implementation.
func pack(w io.Writer, pkt ControlPacket) error {
	_, err := w.Write(pkt.Encode())
	return err
}
