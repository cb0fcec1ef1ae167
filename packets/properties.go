// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"fmt"
	"io"

	"github.com/driftmq/driftmq/packets/codec"
)

// MQTT 5.0 property identifiers.
const (
	PayloadFormatProp       byte = 0x01
	MessageExpiryProp       byte = 0x02
	ContentTypeProp         byte = 0x03
	ResponseTopicProp       byte = 0x08
	CorrelationDataProp     byte = 0x09
	SubscriptionIDProp      byte = 0x0B
	SessionExpiryProp       byte = 0x11
	AssignedClientIDProp    byte = 0x12
	ServerKeepAliveProp     byte = 0x13
	AuthMethodProp          byte = 0x15
	AuthDataProp            byte = 0x16
	RequestProblemInfoProp  byte = 0x17
	WillDelayProp           byte = 0x18
	RequestResponseInfoProp byte = 0x19
	ResponseInfoProp        byte = 0x1A
	ServerReferenceProp     byte = 0x1C
	ReasonStringProp        byte = 0x1F
	ReceiveMaximumProp      byte = 0x21
	TopicAliasMaxProp       byte = 0x22
	TopicAliasProp          byte = 0x23
	MaximumQoSProp          byte = 0x24
	RetainAvailableProp     byte = 0x25
	UserProp                byte = 0x26
	MaxPacketSizeProp       byte = 0x27
	WildcardSubAvailProp    byte = 0x28
	SubIDAvailableProp      byte = 0x29
	SharedSubAvailableProp  byte = 0x2A
)

// Properties is the normalized MQTT 5.0 property set. Each packet type uses
// the subset the protocol permits; encoding skips unset fields so one struct
// serves all packets.
type Properties struct {
	PayloadFormat       *byte
	MessageExpiry       *uint32
	ContentType         string
	ResponseTopic       string
	CorrelationData     []byte
	SubscriptionID      *uint32
	SessionExpiry       *uint32
	AssignedClientID    string
	ServerKeepAlive     *uint16
	AuthMethod          string
	AuthData            []byte
	RequestProblemInfo  *byte
	WillDelay           *uint32
	RequestResponseInfo *byte
	ResponseInfo        string
	ServerReference     string
	ReasonString        string
	ReceiveMaximum      *uint16
	TopicAliasMax       *uint16
	TopicAlias          *uint16
	MaximumQoS          *byte
	RetainAvailable     *byte
	User                []User
	MaxPacketSize       *uint32
	WildcardSubAvail    *byte
	SubIDAvail          *byte
	SharedSubAvail      *byte
}

// Encode serializes the property set, VBI length prefix included.
func (p *Properties) Encode() []byte {
	if p == nil {
		return codec.EncodeVBI(0)
	}

	var body bytes.Buffer
	writeByteProp := func(id byte, v *byte) {
		if v != nil {
			body.WriteByte(id)
			body.WriteByte(*v)
		}
	}
	writeUint16Prop := func(id byte, v *uint16) {
		if v != nil {
			body.WriteByte(id)
			body.Write(codec.EncodeUint16(*v))
		}
	}
	writeUint32Prop := func(id byte, v *uint32) {
		if v != nil {
			body.WriteByte(id)
			body.Write(codec.EncodeUint32(*v))
		}
	}
	writeStringProp := func(id byte, v string) {
		if v != "" {
			body.WriteByte(id)
			body.Write(codec.EncodeString(v))
		}
	}
	writeBytesProp := func(id byte, v []byte) {
		if len(v) > 0 {
			body.WriteByte(id)
			body.Write(codec.EncodeBytes(v))
		}
	}

	writeByteProp(PayloadFormatProp, p.PayloadFormat)
	writeUint32Prop(MessageExpiryProp, p.MessageExpiry)
	writeStringProp(ContentTypeProp, p.ContentType)
	writeStringProp(ResponseTopicProp, p.ResponseTopic)
	writeBytesProp(CorrelationDataProp, p.CorrelationData)
	if p.SubscriptionID != nil {
		body.WriteByte(SubscriptionIDProp)
		body.Write(codec.EncodeVBI(int(*p.SubscriptionID)))
	}
	writeUint32Prop(SessionExpiryProp, p.SessionExpiry)
	writeStringProp(AssignedClientIDProp, p.AssignedClientID)
	writeUint16Prop(ServerKeepAliveProp, p.ServerKeepAlive)
	writeStringProp(AuthMethodProp, p.AuthMethod)
	writeBytesProp(AuthDataProp, p.AuthData)
	writeByteProp(RequestProblemInfoProp, p.RequestProblemInfo)
	writeUint32Prop(WillDelayProp, p.WillDelay)
	writeByteProp(RequestResponseInfoProp, p.RequestResponseInfo)
	writeStringProp(ResponseInfoProp, p.ResponseInfo)
	writeStringProp(ServerReferenceProp, p.ServerReference)
	writeStringProp(ReasonStringProp, p.ReasonString)
	writeUint16Prop(ReceiveMaximumProp, p.ReceiveMaximum)
	writeUint16Prop(TopicAliasMaxProp, p.TopicAliasMax)
	writeUint16Prop(TopicAliasProp, p.TopicAlias)
	writeByteProp(MaximumQoSProp, p.MaximumQoS)
	writeByteProp(RetainAvailableProp, p.RetainAvailable)
	for _, u := range p.User {
		body.WriteByte(UserProp)
		body.Write(codec.EncodeString(u.Key))
		body.Write(codec.EncodeString(u.Value))
	}
	writeUint32Prop(MaxPacketSizeProp, p.MaxPacketSize)
	writeByteProp(WildcardSubAvailProp, p.WildcardSubAvail)
	writeByteProp(SubIDAvailableProp, p.SubIDAvail)
	writeByteProp(SharedSubAvailableProp, p.SharedSubAvail)

	return append(codec.EncodeVBI(body.Len()), body.Bytes()...)
}

// Unpack deserializes a property set, VBI length prefix included.
func (p *Properties) Unpack(r io.Reader) error {
	length, err := codec.DecodeVBI(r)
	if err != nil {
		return err
	}
	if length == 0 {
		return nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	br := bytes.NewReader(buf)

	for br.Len() > 0 {
		prop, err := codec.DecodeByte(br)
		if err != nil {
			return err
		}
		switch prop {
		case PayloadFormatProp:
			v, err := codec.DecodeByte(br)
			if err != nil {
				return err
			}
			p.PayloadFormat = &v
		case MessageExpiryProp:
			v, err := codec.DecodeUint32(br)
			if err != nil {
				return err
			}
			p.MessageExpiry = &v
		case ContentTypeProp:
			if p.ContentType, err = codec.DecodeString(br); err != nil {
				return err
			}
		case ResponseTopicProp:
			if p.ResponseTopic, err = codec.DecodeString(br); err != nil {
				return err
			}
		case CorrelationDataProp:
			if p.CorrelationData, err = codec.DecodeBytes(br); err != nil {
				return err
			}
		case SubscriptionIDProp:
			v, err := codec.DecodeVBI(br)
			if err != nil {
				return err
			}
			id := uint32(v)
			p.SubscriptionID = &id
		case SessionExpiryProp:
			v, err := codec.DecodeUint32(br)
			if err != nil {
				return err
			}
			p.SessionExpiry = &v
		case AssignedClientIDProp:
			if p.AssignedClientID, err = codec.DecodeString(br); err != nil {
				return err
			}
		case ServerKeepAliveProp:
			v, err := codec.DecodeUint16(br)
			if err != nil {
				return err
			}
			p.ServerKeepAlive = &v
		case AuthMethodProp:
			if p.AuthMethod, err = codec.DecodeString(br); err != nil {
				return err
			}
		case AuthDataProp:
			if p.AuthData, err = codec.DecodeBytes(br); err != nil {
				return err
			}
		case RequestProblemInfoProp:
			v, err := codec.DecodeByte(br)
			if err != nil {
				return err
			}
			p.RequestProblemInfo = &v
		case WillDelayProp:
			v, err := codec.DecodeUint32(br)
			if err != nil {
				return err
			}
			p.WillDelay = &v
		case RequestResponseInfoProp:
			v, err := codec.DecodeByte(br)
			if err != nil {
				return err
			}
			p.RequestResponseInfo = &v
		case ResponseInfoProp:
			if p.ResponseInfo, err = codec.DecodeString(br); err != nil {
				return err
			}
		case ServerReferenceProp:
			if p.ServerReference, err = codec.DecodeString(br); err != nil {
				return err
			}
		case ReasonStringProp:
			if p.ReasonString, err = codec.DecodeString(br); err != nil {
				return err
			}
		case ReceiveMaximumProp:
			v, err := codec.DecodeUint16(br)
			if err != nil {
				return err
			}
			p.ReceiveMaximum = &v
		case TopicAliasMaxProp:
			v, err := codec.DecodeUint16(br)
			if err != nil {
				return err
			}
			p.TopicAliasMax = &v
		case TopicAliasProp:
			v, err := codec.DecodeUint16(br)
			if err != nil {
				return err
			}
			p.TopicAlias = &v
		case MaximumQoSProp:
			v, err := codec.DecodeByte(br)
			if err != nil {
				return err
			}
			p.MaximumQoS = &v
		case RetainAvailableProp:
			v, err := codec.DecodeByte(br)
			if err != nil {
				return err
			}
			p.RetainAvailable = &v
		case UserProp:
			k, err := codec.DecodeString(br)
			if err != nil {
				return err
			}
			v, err := codec.DecodeString(br)
			if err != nil {
				return err
			}
			p.User = append(p.User, User{Key: k, Value: v})
		case MaxPacketSizeProp:
			v, err := codec.DecodeUint32(br)
			if err != nil {
				return err
			}
			p.MaxPacketSize = &v
		case WildcardSubAvailProp:
			v, err := codec.DecodeByte(br)
			if err != nil {
				return err
			}
			p.WildcardSubAvail = &v
		case SubIDAvailableProp:
			v, err := codec.DecodeByte(br)
			if err != nil {
				return err
			}
			p.SubIDAvail = &v
		case SharedSubAvailableProp:
			v, err := codec.DecodeByte(br)
			if err != nil {
				return err
			}
			p.SharedSubAvail = &v
		default:
			return fmt.Errorf("unknown property identifier 0x%02x", prop)
		}
	}
	return nil
}
