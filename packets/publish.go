// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/driftmq/driftmq/packets/codec"
)

// ErrPublishInvalidLength reports a payload length below zero after parsing
// the variable header.
var ErrPublishInvalidLength = errors.New("error unpacking publish, payload length < 0")

// Publish is the normalized PUBLISH packet.
type Publish struct {
	FixedHeader
	Version    byte
	TopicName  string
	ID         uint16
	Properties *Properties
	Payload    []byte
}

func (p *Publish) Type() byte { return PublishType }

func (p *Publish) String() string {
	return fmt.Sprintf("PUBLISH: topic: %s id: %d qos: %d retain: %t dup: %t payload_len: %d",
		p.TopicName, p.ID, p.QoS, p.Retain, p.Dup, len(p.Payload))
}

// Details returns the QoS metadata for inflight tracking.
func (p *Publish) Details() Details {
	return Details{Type: PublishType, ID: p.ID, QoS: p.QoS}
}

func (p *Publish) Encode() []byte {
	var body bytes.Buffer
	body.Write(codec.EncodeString(p.TopicName))
	if p.QoS > 0 {
		body.Write(codec.EncodeUint16(p.ID))
	}
	if p.Version == V5 {
		body.Write(p.Properties.Encode())
	}
	body.Write(p.Payload)

	p.FixedHeader.PacketType = PublishType
	p.RemainingLength = body.Len()
	return append(p.FixedHeader.Encode(), body.Bytes()...)
}

func (p *Publish) Pack(w io.Writer) error { return pack(w, p) }

func (p *Publish) Unpack(r io.Reader) error {
	payloadLength := p.RemainingLength

	var err error
	if p.TopicName, err = codec.DecodeString(r); err != nil {
		return err
	}
	payloadLength -= len(p.TopicName) + 2

	if p.QoS > 0 {
		if p.ID, err = codec.DecodeUint16(r); err != nil {
			return err
		}
		payloadLength -= 2
	}

	if p.Version == V5 {
		br, ok := r.(*bytes.Reader)
		if ok {
			before := br.Len()
			p.Properties = &Properties{}
			if err := p.Properties.Unpack(br); err != nil {
				return err
			}
			payloadLength -= before - br.Len()
		} else {
			p.Properties = &Properties{}
			if err := p.Properties.Unpack(r); err != nil {
				return err
			}
			// Reader length unknown; fall back to reading the rest.
			p.Payload, err = io.ReadAll(r)
			return err
		}
	}

	if payloadLength < 0 {
		return ErrPublishInvalidLength
	}

	p.Payload = make([]byte, payloadLength)
	_, err = io.ReadFull(r, p.Payload)
	return err
}

// Copy returns a deep copy of the packet with the fixed header flags reset,
// used when re-publishing to subscribers.
func (p *Publish) Copy() *Publish {
	cp := &Publish{
		FixedHeader: FixedHeader{PacketType: PublishType},
		Version:     p.Version,
		TopicName:   p.TopicName,
	}
	if len(p.Payload) > 0 {
		cp.Payload = make([]byte, len(p.Payload))
		copy(cp.Payload, p.Payload)
	}
	if p.Properties != nil {
		props := *p.Properties
		cp.Properties = &props
	}
	return cp
}
