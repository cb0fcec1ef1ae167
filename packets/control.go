// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/driftmq/driftmq/packets/codec"
)

// PingReq is the PINGREQ packet; it carries no body.
type PingReq struct {
	FixedHeader
}

func (p *PingReq) Type() byte               { return PingReqType }
func (p *PingReq) String() string           { return "PINGREQ" }
func (p *PingReq) Encode() []byte           { return p.FixedHeader.Encode() }
func (p *PingReq) Pack(w io.Writer) error   { return pack(w, p) }
func (p *PingReq) Unpack(r io.Reader) error { return nil }

// PingResp is the PINGRESP packet; it carries no body.
type PingResp struct {
	FixedHeader
}

func (p *PingResp) Type() byte               { return PingRespType }
func (p *PingResp) String() string           { return "PINGRESP" }
func (p *PingResp) Encode() []byte           { return p.FixedHeader.Encode() }
func (p *PingResp) Pack(w io.Writer) error   { return pack(w, p) }
func (p *PingResp) Unpack(r io.Reader) error { return nil }

// DISCONNECT reason codes (v5).
const (
	DisconnectNormal            byte = 0x00
	DisconnectWithWill          byte = 0x04
	DisconnectProtocolError     byte = 0x82
	DisconnectSessionTakenOver  byte = 0x8E
	DisconnectKeepAliveTimeout  byte = 0x8D
	DisconnectServerShutting    byte = 0x8B
	DisconnectQuotaExceeded     byte = 0x97
	DisconnectPacketIDInUseCode byte = 0x91
)

// Disconnect is the normalized DISCONNECT packet. v3 has an empty body;
// v5 optionally carries a reason code and properties.
type Disconnect struct {
	FixedHeader
	Version    byte
	ReasonCode byte
	Properties *Properties
}

func (d *Disconnect) Type() byte { return DisconnectType }

func (d *Disconnect) String() string {
	return fmt.Sprintf("DISCONNECT: reason: 0x%02x", d.ReasonCode)
}

func (d *Disconnect) Encode() []byte {
	var body bytes.Buffer
	if d.Version == V5 && (d.ReasonCode != 0 || d.Properties != nil) {
		body.WriteByte(d.ReasonCode)
		body.Write(d.Properties.Encode())
	}
	d.RemainingLength = body.Len()
	return append(d.FixedHeader.Encode(), body.Bytes()...)
}

func (d *Disconnect) Pack(w io.Writer) error { return pack(w, d) }

func (d *Disconnect) Unpack(r io.Reader) error {
	if d.Version != V5 || d.RemainingLength == 0 {
		return nil
	}
	var err error
	if d.ReasonCode, err = codec.DecodeByte(r); err != nil {
		return err
	}
	if d.RemainingLength > 1 {
		d.Properties = &Properties{}
		return d.Properties.Unpack(r)
	}
	return nil
}

// AUTH reason codes (v5).
const (
	AuthSuccess        byte = 0x00
	AuthContinue       byte = 0x18
	AuthReauthenticate byte = 0x19
)

// Auth is the MQTT 5.0 AUTH packet used for extended authentication
// exchanges.
type Auth struct {
	FixedHeader
	ReasonCode byte
	Properties *Properties
}

func (a *Auth) Type() byte { return AuthType }

func (a *Auth) String() string {
	return fmt.Sprintf("AUTH: reason: 0x%02x", a.ReasonCode)
}

func (a *Auth) Encode() []byte {
	var body bytes.Buffer
	if a.ReasonCode != 0 || a.Properties != nil {
		body.WriteByte(a.ReasonCode)
		body.Write(a.Properties.Encode())
	}
	a.RemainingLength = body.Len()
	return append(a.FixedHeader.Encode(), body.Bytes()...)
}

func (a *Auth) Pack(w io.Writer) error { return pack(w, a) }

func (a *Auth) Unpack(r io.Reader) error {
	if a.RemainingLength == 0 {
		return nil
	}
	var err error
	if a.ReasonCode, err = codec.DecodeByte(r); err != nil {
		return err
	}
	if a.RemainingLength > 1 {
		a.Properties = &Properties{}
		return a.Properties.Unpack(r)
	}
	return nil
}
