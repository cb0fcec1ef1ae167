// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/driftmq/driftmq/packets/codec"
)

// ackBody holds the fields shared by PUBACK, PUBREC, PUBREL and PUBCOMP.
// In v3.1.1 the body is the packet identifier alone; v5 adds an optional
// reason code and properties. A reason code of 0 with no properties is
// encoded in the short two-byte form the protocol permits.
type ackBody struct {
	Version    byte
	ID         uint16
	ReasonCode byte
	Properties *Properties
}

func (a *ackBody) encode(fh FixedHeader) []byte {
	var body bytes.Buffer
	body.Write(codec.EncodeUint16(a.ID))
	if a.Version == V5 && (a.ReasonCode != 0 || a.Properties != nil) {
		body.WriteByte(a.ReasonCode)
		body.Write(a.Properties.Encode())
	}
	fh.RemainingLength = body.Len()
	return append(fh.Encode(), body.Bytes()...)
}

func (a *ackBody) unpack(r io.Reader, remaining int) error {
	var err error
	if a.ID, err = codec.DecodeUint16(r); err != nil {
		return err
	}
	if a.Version == V5 && remaining > 2 {
		if a.ReasonCode, err = codec.DecodeByte(r); err != nil {
			return err
		}
		if remaining > 3 {
			a.Properties = &Properties{}
			return a.Properties.Unpack(r)
		}
	}
	return nil
}

// PubAck acknowledges a QoS 1 PUBLISH.
type PubAck struct {
	FixedHeader
	ackBody
}

func (p *PubAck) Type() byte { return PubAckType }
func (p *PubAck) String() string {
	return fmt.Sprintf("PUBACK: id: %d reason: 0x%02x", p.ID, p.ReasonCode)
}
func (p *PubAck) Details() Details       { return Details{Type: PubAckType, ID: p.ID} }
func (p *PubAck) Encode() []byte         { return p.encode(p.FixedHeader) }
func (p *PubAck) Pack(w io.Writer) error { return pack(w, p) }
func (p *PubAck) Unpack(r io.Reader) error {
	return p.unpack(r, p.RemainingLength)
}

// PubRec is the first response in the QoS 2 handshake.
type PubRec struct {
	FixedHeader
	ackBody
}

func (p *PubRec) Type() byte { return PubRecType }
func (p *PubRec) String() string {
	return fmt.Sprintf("PUBREC: id: %d reason: 0x%02x", p.ID, p.ReasonCode)
}
func (p *PubRec) Details() Details       { return Details{Type: PubRecType, ID: p.ID} }
func (p *PubRec) Encode() []byte         { return p.encode(p.FixedHeader) }
func (p *PubRec) Pack(w io.Writer) error { return pack(w, p) }
func (p *PubRec) Unpack(r io.Reader) error {
	return p.unpack(r, p.RemainingLength)
}

// PubRel is the second request in the QoS 2 handshake. Its fixed header
// carries QoS 1 per the protocol.
type PubRel struct {
	FixedHeader
	ackBody
}

func (p *PubRel) Type() byte { return PubRelType }
func (p *PubRel) String() string {
	return fmt.Sprintf("PUBREL: id: %d reason: 0x%02x", p.ID, p.ReasonCode)
}
func (p *PubRel) Details() Details { return Details{Type: PubRelType, ID: p.ID} }
func (p *PubRel) Encode() []byte {
	p.FixedHeader.PacketType = PubRelType
	p.FixedHeader.QoS = 1
	return p.encode(p.FixedHeader)
}
func (p *PubRel) Pack(w io.Writer) error { return pack(w, p) }
func (p *PubRel) Unpack(r io.Reader) error {
	return p.unpack(r, p.RemainingLength)
}

// PubComp completes the QoS 2 handshake.
type PubComp struct {
	FixedHeader
	ackBody
}

func (p *PubComp) Type() byte { return PubCompType }
func (p *PubComp) String() string {
	return fmt.Sprintf("PUBCOMP: id: %d reason: 0x%02x", p.ID, p.ReasonCode)
}
func (p *PubComp) Details() Details       { return Details{Type: PubCompType, ID: p.ID} }
func (p *PubComp) Encode() []byte         { return p.encode(p.FixedHeader) }
func (p *PubComp) Pack(w io.Writer) error { return pack(w, p) }
func (p *PubComp) Unpack(r io.Reader) error {
	return p.unpack(r, p.RemainingLength)
}
