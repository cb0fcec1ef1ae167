// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/driftmq/driftmq/packets/codec"
)

// SubOptions holds the per-filter subscription options. RetainHandling and
// the boolean options are v5-only; v3 encodes the QoS byte alone.
type SubOptions struct {
	QoS               byte
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte // 0=send, 1=send if new, 2=do not send

	// SubscriptionID is carried in the SUBSCRIBE properties, not the
	// option byte; it is kept here so stored subscriptions round-trip.
	SubscriptionID uint32
}

func (o SubOptions) encode() byte {
	b := o.QoS & 0x03
	if o.NoLocal {
		b |= 0x04
	}
	if o.RetainAsPublished {
		b |= 0x08
	}
	b |= (o.RetainHandling & 0x03) << 4
	return b
}

func decodeSubOptions(b byte) SubOptions {
	return SubOptions{
		QoS:               b & 0x03,
		NoLocal:           b&0x04 > 0,
		RetainAsPublished: b&0x08 > 0,
		RetainHandling:    (b >> 4) & 0x03,
	}
}

// SubscribeTopic pairs a topic filter with its options.
type SubscribeTopic struct {
	Filter  string
	Options SubOptions
}

// Subscribe is the normalized SUBSCRIBE packet.
type Subscribe struct {
	FixedHeader
	Version    byte
	ID         uint16
	Properties *Properties
	Topics     []SubscribeTopic
}

func (s *Subscribe) Type() byte { return SubscribeType }

func (s *Subscribe) String() string {
	filters := make([]string, 0, len(s.Topics))
	for _, t := range s.Topics {
		filters = append(filters, t.Filter)
	}
	return fmt.Sprintf("SUBSCRIBE: id: %d filters: %s", s.ID, strings.Join(filters, ","))
}

func (s *Subscribe) Details() Details { return Details{Type: SubscribeType, ID: s.ID, QoS: 1} }

func (s *Subscribe) Encode() []byte {
	var body bytes.Buffer
	body.Write(codec.EncodeUint16(s.ID))
	if s.Version == V5 {
		body.Write(s.Properties.Encode())
	}
	for _, t := range s.Topics {
		body.Write(codec.EncodeString(t.Filter))
		if s.Version == V5 {
			body.WriteByte(t.Options.encode())
		} else {
			body.WriteByte(t.Options.QoS)
		}
	}

	s.FixedHeader.PacketType = SubscribeType
	s.FixedHeader.QoS = 1
	s.RemainingLength = body.Len()
	return append(s.FixedHeader.Encode(), body.Bytes()...)
}

func (s *Subscribe) Pack(w io.Writer) error { return pack(w, s) }

func (s *Subscribe) Unpack(r io.Reader) error {
	var err error
	if s.ID, err = codec.DecodeUint16(r); err != nil {
		return err
	}
	if s.Version == V5 {
		s.Properties = &Properties{}
		if err := s.Properties.Unpack(r); err != nil {
			return err
		}
	}

	for {
		filter, err := codec.DecodeString(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		opts, err := codec.DecodeByte(r)
		if err != nil {
			return err
		}
		s.Topics = append(s.Topics, SubscribeTopic{Filter: filter, Options: decodeSubOptions(opts)})
	}
	if len(s.Topics) == 0 {
		return fmt.Errorf("subscribe with no topic filters")
	}
	return nil
}

// SubAck return code for a failed subscription.
const SubAckFailure byte = 0x80

// SubAck is the normalized SUBACK packet.
type SubAck struct {
	FixedHeader
	Version     byte
	ID          uint16
	Properties  *Properties
	ReasonCodes []byte
}

func (s *SubAck) Type() byte { return SubAckType }

func (s *SubAck) String() string {
	return fmt.Sprintf("SUBACK: id: %d codes: %v", s.ID, s.ReasonCodes)
}

func (s *SubAck) Details() Details { return Details{Type: SubAckType, ID: s.ID} }

func (s *SubAck) Encode() []byte {
	var body bytes.Buffer
	body.Write(codec.EncodeUint16(s.ID))
	if s.Version == V5 {
		body.Write(s.Properties.Encode())
	}
	body.Write(s.ReasonCodes)

	s.RemainingLength = body.Len()
	return append(s.FixedHeader.Encode(), body.Bytes()...)
}

func (s *SubAck) Pack(w io.Writer) error { return pack(w, s) }

func (s *SubAck) Unpack(r io.Reader) error {
	var err error
	if s.ID, err = codec.DecodeUint16(r); err != nil {
		return err
	}
	if s.Version == V5 {
		s.Properties = &Properties{}
		if err := s.Properties.Unpack(r); err != nil {
			return err
		}
	}
	s.ReasonCodes, err = io.ReadAll(r)
	return err
}

// Unsubscribe is the normalized UNSUBSCRIBE packet.
type Unsubscribe struct {
	FixedHeader
	Version    byte
	ID         uint16
	Properties *Properties
	Topics     []string
}

func (u *Unsubscribe) Type() byte { return UnsubscribeType }

func (u *Unsubscribe) String() string {
	return fmt.Sprintf("UNSUBSCRIBE: id: %d filters: %s", u.ID, strings.Join(u.Topics, ","))
}

func (u *Unsubscribe) Details() Details { return Details{Type: UnsubscribeType, ID: u.ID, QoS: 1} }

func (u *Unsubscribe) Encode() []byte {
	var body bytes.Buffer
	body.Write(codec.EncodeUint16(u.ID))
	if u.Version == V5 {
		body.Write(u.Properties.Encode())
	}
	for _, t := range u.Topics {
		body.Write(codec.EncodeString(t))
	}

	u.FixedHeader.PacketType = UnsubscribeType
	u.FixedHeader.QoS = 1
	u.RemainingLength = body.Len()
	return append(u.FixedHeader.Encode(), body.Bytes()...)
}

func (u *Unsubscribe) Pack(w io.Writer) error { return pack(w, u) }

func (u *Unsubscribe) Unpack(r io.Reader) error {
	var err error
	if u.ID, err = codec.DecodeUint16(r); err != nil {
		return err
	}
	if u.Version == V5 {
		u.Properties = &Properties{}
		if err := u.Properties.Unpack(r); err != nil {
			return err
		}
	}

	for {
		topic, err := codec.DecodeString(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		u.Topics = append(u.Topics, topic)
	}
	if len(u.Topics) == 0 {
		return fmt.Errorf("unsubscribe with no topic filters")
	}
	return nil
}

// UnsubAck is the normalized UNSUBACK packet.
type UnsubAck struct {
	FixedHeader
	Version     byte
	ID          uint16
	Properties  *Properties
	ReasonCodes []byte
}

func (u *UnsubAck) Type() byte { return UnsubAckType }

func (u *UnsubAck) String() string {
	return fmt.Sprintf("UNSUBACK: id: %d codes: %v", u.ID, u.ReasonCodes)
}

func (u *UnsubAck) Details() Details { return Details{Type: UnsubAckType, ID: u.ID} }

func (u *UnsubAck) Encode() []byte {
	var body bytes.Buffer
	body.Write(codec.EncodeUint16(u.ID))
	if u.Version == V5 {
		body.Write(u.Properties.Encode())
		body.Write(u.ReasonCodes)
	}

	u.RemainingLength = body.Len()
	return append(u.FixedHeader.Encode(), body.Bytes()...)
}

func (u *UnsubAck) Pack(w io.Writer) error { return pack(w, u) }

func (u *UnsubAck) Unpack(r io.Reader) error {
	var err error
	if u.ID, err = codec.DecodeUint16(r); err != nil {
		return err
	}
	if u.Version == V5 {
		u.Properties = &Properties{}
		if err := u.Properties.Unpack(r); err != nil {
			return err
		}
		u.ReasonCodes, err = io.ReadAll(r)
	}
	return err
}
