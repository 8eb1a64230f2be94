// File: protocol/wire.go
// Package protocol implements the printf-oriented message wire format:
// format scanning, payload encoding/decoding and message framing.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// On the wire a message is a 12 byte header (magic, id, total size, all
// little-endian) followed by a self-describing payload. The payload is a
// concatenation of records, each a single tag byte followed by a
// type-dependent body.

package protocol

import (
	"fmt"

	"github.com/momentics/pompio/api"
)

// Magic is the header marker of every message ("POMP" little-endian).
const Magic uint32 = 0x504F4D50

// HeaderSize is the fixed encoded size of the message header.
const HeaderSize = 12

// MaxMsgSize is the hard cap on a single encoded message, header included.
// Larger sizes in a received header poison the connection.
const MaxMsgSize = 256 << 20

// MaxStrLen is the longest string the encoder accepts, excluding the
// trailing NUL.
const MaxStrLen = 65535

// Wire tags, one per argument type.
const (
	TagI8  byte = 1
	TagU8  byte = 2
	TagI16 byte = 3
	TagU16 byte = 4
	TagI32 byte = 5
	TagU32 byte = 6
	TagI64 byte = 7
	TagU64 byte = 8
	TagStr byte = 9
	TagBuf byte = 10
	TagF32 byte = 11
	TagF64 byte = 12
	TagFD  byte = 13
)

func tagName(tag byte) string {
	switch tag {
	case TagI8:
		return "I8"
	case TagU8:
		return "U8"
	case TagI16:
		return "I16"
	case TagU16:
		return "U16"
	case TagI32:
		return "I32"
	case TagU32:
		return "U32"
	case TagI64:
		return "I64"
	case TagU64:
		return "U64"
	case TagStr:
		return "STR"
	case TagBuf:
		return "BUF"
	case TagF32:
		return "F32"
	case TagF64:
		return "F64"
	case TagFD:
		return "FD"
	default:
		return fmt.Sprintf("TAG(%d)", tag)
	}
}

// walkPayload iterates the records of an encoded payload, invoking fn with
// each tag and its body. It never reads past the end of p; truncated
// records yield ErrInvalidData.
func walkPayload(p []byte, fn func(tag byte, body []byte) error) error {
	off := 0
	for off < len(p) {
		tag := p[off]
		off++
		var n int
		switch tag {
		case TagI8, TagU8:
			n = 1
		case TagI16, TagU16:
			n = 2
		case TagI32, TagU32, TagF32, TagFD:
			n = 4
		case TagI64, TagU64, TagF64:
			n = 8
		case TagStr, TagBuf:
			if off+4 > len(p) {
				return fmt.Errorf("truncated %s length: %w", tagName(tag), api.ErrInvalidData)
			}
			bodyLen := int64(le32(p[off:]))
			if bodyLen > int64(len(p)) {
				return fmt.Errorf("oversized %s body: %w", tagName(tag), api.ErrInvalidData)
			}
			n = 4 + int(bodyLen)
		default:
			return fmt.Errorf("unknown tag %d: %w", tag, api.ErrInvalidData)
		}
		if off+n > len(p) {
			return fmt.Errorf("truncated %s body: %w", tagName(tag), api.ErrInvalidData)
		}
		if fn != nil {
			if err := fn(tag, p[off:off+n]); err != nil {
				return err
			}
		}
		off += n
	}
	return nil
}

// CountFDs returns the number of descriptor records in an encoded payload.
// The connection layer uses it to pair ancillary descriptors with the
// message that declared them.
func CountFDs(payload []byte) (int, error) {
	count := 0
	err := walkPayload(payload, func(tag byte, _ []byte) error {
		if tag == TagFD {
			count++
		}
		return nil
	})
	return count, err
}

func le32(p []byte) uint32 {
	return uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24
}
