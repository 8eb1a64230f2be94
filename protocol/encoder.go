// File: protocol/encoder.go
// Package protocol implements the printf-oriented message wire format.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Encoder appends typed records to a message under construction. Each
// record is a tag byte plus a little-endian body. Descriptors are
// duplicated at encode time and owned by the message buffer.

package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/momentics/pompio/api"
)

// Encoder writes typed records into a message between Init and Finish.
type Encoder struct {
	msg *Message
}

// NewEncoder creates an unattached encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Init attaches the encoder to a message opened for writing.
func (e *Encoder) Init(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("nil message: %w", api.ErrInvalidArgument)
	}
	if msg.State() != StateWriting {
		return fmt.Errorf("message not writable: %w", api.ErrInvalidArgument)
	}
	e.msg = msg
	return nil
}

// Clear detaches the encoder. The message is left untouched.
func (e *Encoder) Clear() {
	e.msg = nil
}

func (e *Encoder) writable() error {
	if e.msg == nil {
		return fmt.Errorf("encoder not initialized: %w", api.ErrInvalidArgument)
	}
	if e.msg.State() != StateWriting {
		return fmt.Errorf("message not writable: %w", api.ErrInvalidArgument)
	}
	return nil
}

func (e *Encoder) writeScalar(tag byte, v uint64, width int) error {
	if err := e.writable(); err != nil {
		return err
	}
	buf := e.msg.buf
	buf.AppendByte(tag)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Append(tmp[:width])
	return nil
}

// WriteI8 encodes an 8-bit signed integer.
func (e *Encoder) WriteI8(v int8) error { return e.writeScalar(TagI8, uint64(uint8(v)), 1) }

// WriteU8 encodes an 8-bit unsigned integer.
func (e *Encoder) WriteU8(v uint8) error { return e.writeScalar(TagU8, uint64(v), 1) }

// WriteI16 encodes a 16-bit signed integer.
func (e *Encoder) WriteI16(v int16) error { return e.writeScalar(TagI16, uint64(uint16(v)), 2) }

// WriteU16 encodes a 16-bit unsigned integer.
func (e *Encoder) WriteU16(v uint16) error { return e.writeScalar(TagU16, uint64(v), 2) }

// WriteI32 encodes a 32-bit signed integer.
func (e *Encoder) WriteI32(v int32) error { return e.writeScalar(TagI32, uint64(uint32(v)), 4) }

// WriteU32 encodes a 32-bit unsigned integer.
func (e *Encoder) WriteU32(v uint32) error { return e.writeScalar(TagU32, uint64(v), 4) }

// WriteI64 encodes a 64-bit signed integer.
func (e *Encoder) WriteI64(v int64) error { return e.writeScalar(TagI64, uint64(v), 8) }

// WriteU64 encodes a 64-bit unsigned integer.
func (e *Encoder) WriteU64(v uint64) error { return e.writeScalar(TagU64, v, 8) }

// WriteF32 encodes an IEEE-754 binary32 value.
func (e *Encoder) WriteF32(v float32) error {
	return e.writeScalar(TagF32, uint64(math.Float32bits(v)), 4)
}

// WriteF64 encodes an IEEE-754 binary64 value.
func (e *Encoder) WriteF64(v float64) error {
	return e.writeScalar(TagF64, math.Float64bits(v), 8)
}

// WriteStr encodes a string as length (trailing NUL included), bytes, NUL.
// Strings longer than MaxStrLen are rejected.
func (e *Encoder) WriteStr(s string) error {
	if err := e.writable(); err != nil {
		return err
	}
	if len(s) > MaxStrLen {
		return fmt.Errorf("string of %d bytes: %w", len(s), api.ErrTooLarge)
	}
	if strings.IndexByte(s, 0) >= 0 {
		return fmt.Errorf("string with embedded NUL: %w", api.ErrInvalidArgument)
	}
	buf := e.msg.buf
	buf.AppendByte(TagStr)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(s)+1))
	buf.Append(tmp[:])
	buf.Append([]byte(s))
	buf.AppendByte(0)
	return nil
}

// WriteBuf encodes an opaque byte buffer as length then bytes.
func (e *Encoder) WriteBuf(p []byte) error {
	if err := e.writable(); err != nil {
		return err
	}
	if len(p) > MaxMsgSize-HeaderSize {
		return fmt.Errorf("buffer of %d bytes: %w", len(p), api.ErrTooLarge)
	}
	buf := e.msg.buf
	buf.AppendByte(TagBuf)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(p)))
	buf.Append(tmp[:])
	buf.Append(p)
	return nil
}

// WriteFD encodes a file descriptor. The descriptor is duplicated; the
// duplicate is owned by the message and delivered to the peer as ancillary
// data by the connection layer. The wire body is a zero placeholder.
func (e *Encoder) WriteFD(fd int) error {
	if err := e.writable(); err != nil {
		return err
	}
	if fd < 0 {
		return fmt.Errorf("fd %d: %w", fd, api.ErrInvalidArgument)
	}
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return api.NewIOError("dup", err)
	}
	if err := e.writeScalar(TagFD, 0, 4); err != nil {
		_ = unix.Close(dup)
		return err
	}
	e.msg.buf.AppendFd(dup)
	return nil
}

// Write encodes all arguments according to the format string, consuming
// one argument per directive (a %p%u pair consumes a single []byte).
func (e *Encoder) Write(format string, args ...any) error {
	sc := newScanner(format)
	idx := 0
	for {
		d, ok, err := sc.next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if d.alloc {
			return fmt.Errorf("%%ms is decode only: %w", api.ErrInvalidFormat)
		}
		if idx >= len(args) {
			return fmt.Errorf("missing argument %d: %w", idx, api.ErrInvalidArgument)
		}
		if err := e.writeArg(d, args[idx]); err != nil {
			return fmt.Errorf("argument %d: %w", idx, err)
		}
		idx++
	}
	if idx != len(args) {
		return fmt.Errorf("%d extra arguments: %w", len(args)-idx, api.ErrInvalidArgument)
	}
	return nil
}

func (e *Encoder) writeArg(d directive, arg any) error {
	switch d.kind {
	case argI8, argI16, argI32, argI64:
		v, ok := toInt64(arg)
		if !ok {
			return fmt.Errorf("want signed integer, got %T: %w", arg, api.ErrInvalidArgument)
		}
		switch d.kind {
		case argI8:
			if v < math.MinInt8 || v > math.MaxInt8 {
				return fmt.Errorf("%d out of i8 range: %w", v, api.ErrInvalidArgument)
			}
			return e.WriteI8(int8(v))
		case argI16:
			if v < math.MinInt16 || v > math.MaxInt16 {
				return fmt.Errorf("%d out of i16 range: %w", v, api.ErrInvalidArgument)
			}
			return e.WriteI16(int16(v))
		case argI32:
			if v < math.MinInt32 || v > math.MaxInt32 {
				return fmt.Errorf("%d out of i32 range: %w", v, api.ErrInvalidArgument)
			}
			return e.WriteI32(int32(v))
		default:
			return e.WriteI64(v)
		}
	case argU8, argU16, argU32, argU64:
		v, ok := toUint64(arg)
		if !ok {
			return fmt.Errorf("want unsigned integer, got %T: %w", arg, api.ErrInvalidArgument)
		}
		switch d.kind {
		case argU8:
			if v > math.MaxUint8 {
				return fmt.Errorf("%d out of u8 range: %w", v, api.ErrInvalidArgument)
			}
			return e.WriteU8(uint8(v))
		case argU16:
			if v > math.MaxUint16 {
				return fmt.Errorf("%d out of u16 range: %w", v, api.ErrInvalidArgument)
			}
			return e.WriteU16(uint16(v))
		case argU32:
			if v > math.MaxUint32 {
				return fmt.Errorf("%d out of u32 range: %w", v, api.ErrInvalidArgument)
			}
			return e.WriteU32(uint32(v))
		default:
			return e.WriteU64(v)
		}
	case argF32:
		switch v := arg.(type) {
		case float32:
			return e.WriteF32(v)
		case float64:
			return e.WriteF32(float32(v))
		default:
			return fmt.Errorf("want float, got %T: %w", arg, api.ErrInvalidArgument)
		}
	case argF64:
		switch v := arg.(type) {
		case float32:
			return e.WriteF64(float64(v))
		case float64:
			return e.WriteF64(v)
		default:
			return fmt.Errorf("want float, got %T: %w", arg, api.ErrInvalidArgument)
		}
	case argStr:
		s, ok := arg.(string)
		if !ok {
			return fmt.Errorf("want string, got %T: %w", arg, api.ErrInvalidArgument)
		}
		return e.WriteStr(s)
	case argBuf:
		p, ok := arg.([]byte)
		if !ok {
			return fmt.Errorf("want []byte, got %T: %w", arg, api.ErrInvalidArgument)
		}
		return e.WriteBuf(p)
	case argFD:
		fd, ok := arg.(int)
		if !ok {
			return fmt.Errorf("want fd as int, got %T: %w", arg, api.ErrInvalidArgument)
		}
		return e.WriteFD(fd)
	default:
		return api.ErrInvalidFormat
	}
}

// WriteArgv encodes arguments given in string form, one argv element per
// directive except %p%u which takes a raw-bytes element followed by a
// decimal length element. Integers are decimal unless prefixed: 0x for
// hex, 0 or 0o for octal, 0b for binary.
func (e *Encoder) WriteArgv(format string, argv []string) error {
	sc := newScanner(format)
	idx := 0
	for {
		d, ok, err := sc.next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if d.alloc {
			return fmt.Errorf("%%ms is decode only: %w", api.ErrInvalidFormat)
		}
		need := 1
		if d.kind == argBuf {
			need = 2
		}
		if idx+need > len(argv) {
			return fmt.Errorf("missing argument %d: %w", idx, api.ErrInvalidArgument)
		}
		if err := e.writeArgvOne(d, argv[idx:idx+need]); err != nil {
			return fmt.Errorf("argument %d %q: %w", idx, argv[idx], err)
		}
		idx += need
	}
	if idx != len(argv) {
		return fmt.Errorf("%d extra arguments: %w", len(argv)-idx, api.ErrInvalidArgument)
	}
	return nil
}

func (e *Encoder) writeArgvOne(d directive, argv []string) error {
	switch d.kind {
	case argI8, argI16, argI32, argI64:
		v, err := strconv.ParseInt(argv[0], 0, intBits(d.kind))
		if err != nil {
			return fmt.Errorf("parse signed: %w", api.ErrInvalidArgument)
		}
		return e.writeArg(d, v)
	case argU8, argU16, argU32, argU64:
		v, err := strconv.ParseUint(argv[0], 0, intBits(d.kind))
		if err != nil {
			return fmt.Errorf("parse unsigned: %w", api.ErrInvalidArgument)
		}
		return e.writeArg(d, v)
	case argF32, argF64:
		v, err := strconv.ParseFloat(argv[0], 64)
		if err != nil {
			return fmt.Errorf("parse float: %w", api.ErrInvalidArgument)
		}
		return e.writeArg(d, v)
	case argStr:
		return e.WriteStr(argv[0])
	case argBuf:
		n, err := strconv.ParseUint(argv[1], 10, 32)
		if err != nil || int(n) > len(argv[0]) {
			return fmt.Errorf("bad buffer length: %w", api.ErrInvalidArgument)
		}
		return e.WriteBuf([]byte(argv[0])[:n])
	case argFD:
		fd, err := strconv.ParseInt(argv[0], 10, 32)
		if err != nil {
			return fmt.Errorf("parse fd: %w", api.ErrInvalidArgument)
		}
		return e.WriteFD(int(fd))
	default:
		return api.ErrInvalidFormat
	}
}

func intBits(k argKind) int {
	switch k {
	case argI8, argU8:
		return 8
	case argI16, argU16:
		return 16
	case argI32, argU32:
		return 32
	default:
		return 64
	}
}

func toInt64(arg any) (int64, bool) {
	switch v := arg.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

func toUint64(arg any) (uint64, bool) {
	switch v := arg.(type) {
	case uint:
		return uint64(v), true
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	default:
		return 0, false
	}
}
