// File: protocol/dump.go
// Package protocol implements the printf-oriented message wire format.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Human readable rendering of encoded messages for tooling and logs.

package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Dump renders a finished message in a human readable form, e.g.
//
//	{ID:42, U32:10, STR:"PING", FD:7}
//
// Malformed payloads render with a trailing error note instead of failing.
func (m *Message) Dump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "{ID:%d", m.id)
	fdIdx := 0
	fds := []int(nil)
	if m.buf != nil {
		fds = m.buf.Fds()
	}
	err := walkPayload(m.Payload(), func(tag byte, body []byte) error {
		sb.WriteString(", ")
		switch tag {
		case TagI8:
			fmt.Fprintf(&sb, "I8:%d", int8(body[0]))
		case TagU8:
			fmt.Fprintf(&sb, "U8:%d", body[0])
		case TagI16:
			fmt.Fprintf(&sb, "I16:%d", int16(binary.LittleEndian.Uint16(body)))
		case TagU16:
			fmt.Fprintf(&sb, "U16:%d", binary.LittleEndian.Uint16(body))
		case TagI32:
			fmt.Fprintf(&sb, "I32:%d", int32(binary.LittleEndian.Uint32(body)))
		case TagU32:
			fmt.Fprintf(&sb, "U32:%d", binary.LittleEndian.Uint32(body))
		case TagI64:
			fmt.Fprintf(&sb, "I64:%d", int64(binary.LittleEndian.Uint64(body)))
		case TagU64:
			fmt.Fprintf(&sb, "U64:%d", binary.LittleEndian.Uint64(body))
		case TagF32:
			fmt.Fprintf(&sb, "F32:%g", math.Float32frombits(binary.LittleEndian.Uint32(body)))
		case TagF64:
			fmt.Fprintf(&sb, "F64:%g", math.Float64frombits(binary.LittleEndian.Uint64(body)))
		case TagStr:
			s := body[4:]
			if len(s) > 0 && s[len(s)-1] == 0 {
				s = s[:len(s)-1]
			}
			fmt.Fprintf(&sb, "STR:%q", string(s))
		case TagBuf:
			fmt.Fprintf(&sb, "BUF:[%d]", binary.LittleEndian.Uint32(body))
		case TagFD:
			if fdIdx < len(fds) {
				fmt.Fprintf(&sb, "FD:%d", fds[fdIdx])
			} else {
				sb.WriteString("FD:?")
			}
			fdIdx++
		}
		return nil
	})
	if err != nil {
		sb.WriteString(", ...")
	}
	sb.WriteString("}")
	return sb.String()
}
