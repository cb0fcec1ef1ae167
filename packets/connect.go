// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/driftmq/driftmq/packets/codec"
)

// Connect is the normalized CONNECT packet. Version is taken from the
// protocol level byte on the wire; v5 property sets stay nil for v3 clients.
type Connect struct {
	FixedHeader
	ProtocolName   string
	Version        byte
	CleanStart     bool
	WillFlag       bool
	WillQoS        byte
	WillRetain     bool
	PasswordFlag   bool
	UsernameFlag   bool
	KeepAlive      uint16
	ClientID       string
	Properties     *Properties
	WillProperties *Properties
	WillTopic      string
	WillPayload    []byte
	Username       string
	Password       []byte
}

func (c *Connect) Type() byte { return ConnectType }

func (c *Connect) String() string {
	return fmt.Sprintf("CONNECT: client_id: %s clean_start: %t keep_alive: %d version: %d",
		c.ClientID, c.CleanStart, c.KeepAlive, c.Version)
}

func (c *Connect) Encode() []byte {
	var body bytes.Buffer

	body.Write(codec.EncodeString(c.ProtocolName))
	body.WriteByte(c.Version)

	var flags byte
	if c.CleanStart {
		flags |= 0x02
	}
	if c.WillFlag {
		flags |= 0x04
		flags |= c.WillQoS << 3
		if c.WillRetain {
			flags |= 0x20
		}
	}
	if c.PasswordFlag {
		flags |= 0x40
	}
	if c.UsernameFlag {
		flags |= 0x80
	}
	body.WriteByte(flags)
	body.Write(codec.EncodeUint16(c.KeepAlive))

	if c.Version == V5 {
		body.Write(c.Properties.Encode())
	}

	body.Write(codec.EncodeString(c.ClientID))
	if c.WillFlag {
		if c.Version == V5 {
			body.Write(c.WillProperties.Encode())
		}
		body.Write(codec.EncodeString(c.WillTopic))
		body.Write(codec.EncodeBytes(c.WillPayload))
	}
	if c.UsernameFlag {
		body.Write(codec.EncodeString(c.Username))
	}
	if c.PasswordFlag {
		body.Write(codec.EncodeBytes(c.Password))
	}

	c.RemainingLength = body.Len()
	return append(c.FixedHeader.Encode(), body.Bytes()...)
}

func (c *Connect) Pack(w io.Writer) error { return pack(w, c) }

func (c *Connect) Unpack(r io.Reader) error {
	var err error
	if c.ProtocolName, err = codec.DecodeString(r); err != nil {
		return err
	}
	if c.Version, err = codec.DecodeByte(r); err != nil {
		return err
	}
	if c.Version != V31 && c.Version != V311 && c.Version != V5 {
		return ErrUnsupportedLevel
	}

	flags, err := codec.DecodeByte(r)
	if err != nil {
		return err
	}
	if flags&0x01 != 0 {
		return fmt.Errorf("reserved connect flag set")
	}
	c.CleanStart = flags&0x02 > 0
	c.WillFlag = flags&0x04 > 0
	c.WillQoS = (flags >> 3) & 0x03
	c.WillRetain = flags&0x20 > 0
	c.PasswordFlag = flags&0x40 > 0
	c.UsernameFlag = flags&0x80 > 0
	if c.WillQoS > 2 {
		return ErrInvalidQoS
	}

	if c.KeepAlive, err = codec.DecodeUint16(r); err != nil {
		return err
	}

	if c.Version == V5 {
		c.Properties = &Properties{}
		if err := c.Properties.Unpack(r); err != nil {
			return err
		}
	}

	if c.ClientID, err = codec.DecodeString(r); err != nil {
		return err
	}
	if c.WillFlag {
		if c.Version == V5 {
			c.WillProperties = &Properties{}
			if err := c.WillProperties.Unpack(r); err != nil {
				return err
			}
		}
		if c.WillTopic, err = codec.DecodeString(r); err != nil {
			return err
		}
		if c.WillPayload, err = codec.DecodeBytes(r); err != nil {
			return err
		}
	}
	if c.UsernameFlag {
		if c.Username, err = codec.DecodeString(r); err != nil {
			return err
		}
	}
	if c.PasswordFlag {
		if c.Password, err = codec.DecodeBytes(r); err != nil {
			return err
		}
	}
	return nil
}

// CONNACK return codes (v3.1.1).
const (
	ConnAckAccepted           byte = 0x00
	ConnAckBadProtocolVersion byte = 0x01
	ConnAckIDRejected         byte = 0x02
	ConnAckServerUnavailable  byte = 0x03
	ConnAckBadCredentials     byte = 0x04
	ConnAckNotAuthorized      byte = 0x05
)

// CONNACK reason codes (v5).
const (
	ConnAckUnsupportedProtocol byte = 0x84
	ConnAckClientIDNotValid    byte = 0x85
	ConnAckBadUserOrPassword   byte = 0x86
	ConnAckNotAuthorizedV5     byte = 0x87
	ConnAckServerBusy          byte = 0x89
)

// ConnAck is the normalized CONNACK packet; ReasonCode doubles as the v3
// return code.
type ConnAck struct {
	FixedHeader
	Version        byte
	SessionPresent bool
	ReasonCode     byte
	Properties     *Properties
}

func (c *ConnAck) Type() byte { return ConnAckType }

func (c *ConnAck) String() string {
	return fmt.Sprintf("CONNACK: session_present: %t reason: 0x%02x", c.SessionPresent, c.ReasonCode)
}

func (c *ConnAck) Encode() []byte {
	var body bytes.Buffer
	body.WriteByte(codec.EncodeBool(c.SessionPresent))
	body.WriteByte(c.ReasonCode)
	if c.Version == V5 {
		body.Write(c.Properties.Encode())
	}

	c.RemainingLength = body.Len()
	return append(c.FixedHeader.Encode(), body.Bytes()...)
}

func (c *ConnAck) Pack(w io.Writer) error { return pack(w, c) }

func (c *ConnAck) Unpack(r io.Reader) error {
	flags, err := codec.DecodeByte(r)
	if err != nil {
		return err
	}
	c.SessionPresent = flags&0x01 > 0

	if c.ReasonCode, err = codec.DecodeByte(r); err != nil {
		return err
	}
	if c.Version == V5 {
		c.Properties = &Properties{}
		return c.Properties.Unpack(r)
	}
	return nil
}
