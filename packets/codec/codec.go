// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

// Package codec implements the primitive MQTT wire encodings: big-endian
// integers, length-prefixed strings and the variable byte integer.
package codec

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrMaxLengthExceeded is returned when a variable byte integer uses more
// than the four bytes the protocol allows.
var ErrMaxLengthExceeded = errors.New("max length value exceeded")

// ErrBufferTooShort is returned when a buffer does not hold a complete field.
var ErrBufferTooShort = errors.New("buffer too short")

const maxMultiplier = 128 * 128 * 128

func DecodeByte(r io.Reader) (byte, error) {
	b := make([]byte, 1)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, err
	}
	return b[0], nil
}

func DecodeUint16(r io.Reader) (uint16, error) {
	num := make([]byte, 2)
	if _, err := io.ReadFull(r, num); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(num), nil
}

func DecodeUint32(r io.Reader) (uint32, error) {
	num := make([]byte, 4)
	if _, err := io.ReadFull(r, num); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(num), nil
}

func DecodeBytes(r io.Reader) ([]byte, error) {
	fieldLength, err := DecodeUint16(r)
	if err != nil {
		return nil, err
	}

	field := make([]byte, fieldLength)
	if _, err := io.ReadFull(r, field); err != nil {
		return nil, err
	}

	return field, nil
}

func DecodeString(r io.Reader) (string, error) {
	buf, err := DecodeBytes(r)
	return string(buf), err
}

// DecodeVBI decodes a Variable Byte Integer, used by MQTT to encode lengths
// in a minimal number of bytes.
func DecodeVBI(r io.Reader) (int, error) {
	var vbi uint32
	var multiplier uint32
	b := make([]byte, 1)

	for {
		if _, err := io.ReadFull(r, b); err != nil {
			return 0, err
		}
		digit := b[0]
		vbi |= uint32(digit&0x7F) << multiplier
		if (digit & 0x80) == 0 {
			return int(vbi), nil
		}
		multiplier += 7
		if multiplier > maxMultiplier {
			return 0, ErrMaxLengthExceeded
		}
	}
}

func EncodeBytes(field []byte) []byte {
	v := len(field)
	b := []byte{byte(v >> 8), byte(v)}
	return append(b, field...)
}

func EncodeUint16(num uint16) []byte {
	return []byte{byte(num >> 8), byte(num)}
}

func EncodeUint32(num uint32) []byte {
	return []byte{byte(num >> 24), byte(num >> 16), byte(num >> 8), byte(num)}
}

// EncodeVBI encodes a Variable Byte Integer.
func EncodeVBI(num int) []byte {
	var x int
	ret := [4]byte{}
	v := uint32(num)
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v > 0 {
			b |= 0x80
		}
		ret[x] = b
		x++
		if v == 0 {
			return ret[:x]
		}
	}
}

func EncodeString(field string) []byte {
	return EncodeBytes([]byte(field))
}

func EncodeBool(b bool) byte {
	if b {
		return 1
	}
	return 0
}
