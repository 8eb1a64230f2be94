// File: protocol/decoder.go
// Package protocol implements the printf-oriented message wire format.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Decoder reads typed records back out of a finished message, verifying
// each wire tag against the caller's format directive. It fails fast:
// a mismatch or malformed record stops decoding before any byte past the
// payload end is touched, and out-arguments already filled are reset.

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/sys/unix"

	"github.com/momentics/pompio/api"
)

// Decoder extracts typed records from a finished message.
type Decoder struct {
	msg   *Message
	off   int // offset into payload
	fdIdx int // next unconsumed descriptor
}

// NewDecoder creates an unattached decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Init attaches the decoder to a finished message and rewinds it.
func (d *Decoder) Init(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("nil message: %w", api.ErrInvalidArgument)
	}
	if msg.State() != StateFinished && msg.State() != StateReading {
		return fmt.Errorf("message not finished: %w", api.ErrInvalidArgument)
	}
	msg.state = StateReading
	d.msg = msg
	d.off = 0
	d.fdIdx = 0
	return nil
}

// Clear detaches the decoder, returning the message to the finished state.
func (d *Decoder) Clear() {
	if d.msg != nil && d.msg.state == StateReading {
		d.msg.state = StateFinished
	}
	d.msg = nil
	d.off = 0
	d.fdIdx = 0
}

func (d *Decoder) payload() []byte {
	return d.msg.Payload()
}

// nextTag consumes the next tag byte and verifies it against want.
func (d *Decoder) nextTag(want byte) error {
	if d.msg == nil {
		return fmt.Errorf("decoder not initialized: %w", api.ErrInvalidArgument)
	}
	p := d.payload()
	if d.off >= len(p) {
		return fmt.Errorf("no more arguments: %w", api.ErrInvalidData)
	}
	got := p[d.off]
	if got != want {
		return fmt.Errorf("have %s, format says %s: %w",
			tagName(got), tagName(want), api.ErrTypeMismatch)
	}
	d.off++
	return nil
}

func (d *Decoder) body(n int) ([]byte, error) {
	p := d.payload()
	if d.off+n > len(p) {
		return nil, fmt.Errorf("truncated record: %w", api.ErrInvalidData)
	}
	b := p[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *Decoder) readScalar(tag byte, width int) (uint64, error) {
	if err := d.nextTag(tag); err != nil {
		return 0, err
	}
	b, err := d.body(width)
	if err != nil {
		return 0, err
	}
	var tmp [8]byte
	copy(tmp[:], b)
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

// ReadI8 decodes an 8-bit signed integer.
func (d *Decoder) ReadI8() (int8, error) {
	v, err := d.readScalar(TagI8, 1)
	return int8(uint8(v)), err
}

// ReadU8 decodes an 8-bit unsigned integer.
func (d *Decoder) ReadU8() (uint8, error) {
	v, err := d.readScalar(TagU8, 1)
	return uint8(v), err
}

// ReadI16 decodes a 16-bit signed integer.
func (d *Decoder) ReadI16() (int16, error) {
	v, err := d.readScalar(TagI16, 2)
	return int16(uint16(v)), err
}

// ReadU16 decodes a 16-bit unsigned integer.
func (d *Decoder) ReadU16() (uint16, error) {
	v, err := d.readScalar(TagU16, 2)
	return uint16(v), err
}

// ReadI32 decodes a 32-bit signed integer.
func (d *Decoder) ReadI32() (int32, error) {
	v, err := d.readScalar(TagI32, 4)
	return int32(uint32(v)), err
}

// ReadU32 decodes a 32-bit unsigned integer.
func (d *Decoder) ReadU32() (uint32, error) {
	v, err := d.readScalar(TagU32, 4)
	return uint32(v), err
}

// ReadI64 decodes a 64-bit signed integer.
func (d *Decoder) ReadI64() (int64, error) {
	v, err := d.readScalar(TagI64, 8)
	return int64(v), err
}

// ReadU64 decodes a 64-bit unsigned integer.
func (d *Decoder) ReadU64() (uint64, error) {
	return d.readScalar(TagU64, 8)
}

// ReadF32 decodes an IEEE-754 binary32 value.
func (d *Decoder) ReadF32() (float32, error) {
	v, err := d.readScalar(TagF32, 4)
	return math.Float32frombits(uint32(v)), err
}

// ReadF64 decodes an IEEE-754 binary64 value.
func (d *Decoder) ReadF64() (float64, error) {
	v, err := d.readScalar(TagF64, 8)
	return math.Float64frombits(v), err
}

// readStrBytes validates and returns the string bytes without NUL.
func (d *Decoder) readStrBytes() ([]byte, error) {
	if err := d.nextTag(TagStr); err != nil {
		return nil, err
	}
	lb, err := d.body(4)
	if err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(lb))
	if n < 1 || int64(n) > int64(len(d.payload())) {
		return nil, fmt.Errorf("string length %d: %w", n, api.ErrInvalidData)
	}
	b, err := d.body(n)
	if err != nil {
		return nil, err
	}
	if b[n-1] != 0 {
		return nil, fmt.Errorf("string missing NUL: %w", api.ErrInvalidData)
	}
	if bytes.IndexByte(b[:n-1], 0) >= 0 {
		return nil, fmt.Errorf("string with embedded NUL: %w", api.ErrInvalidData)
	}
	return b[:n-1], nil
}

// ReadStr decodes a string into freshly allocated storage.
func (d *Decoder) ReadStr() (string, error) {
	b, err := d.readStrBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadCStr decodes a string as a view into the message buffer, without the
// trailing NUL. The view is valid for the lifetime of the message.
func (d *Decoder) ReadCStr() ([]byte, error) {
	return d.readStrBytes()
}

func (d *Decoder) readBufBytes() ([]byte, error) {
	if err := d.nextTag(TagBuf); err != nil {
		return nil, err
	}
	lb, err := d.body(4)
	if err != nil {
		return nil, err
	}
	n := int64(binary.LittleEndian.Uint32(lb))
	if n > int64(len(d.payload())) {
		return nil, fmt.Errorf("buffer length %d: %w", n, api.ErrInvalidData)
	}
	return d.body(int(n))
}

// ReadBuf decodes a byte buffer into freshly allocated storage.
func (d *Decoder) ReadBuf() ([]byte, error) {
	b, err := d.readBufBytes()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// ReadCBuf decodes a byte buffer as a view into the message buffer, valid
// for the lifetime of the message.
func (d *Decoder) ReadCBuf() ([]byte, error) {
	return d.readBufBytes()
}

// ReadFD decodes a file descriptor. The returned descriptor is borrowed
// from the message and stays valid until the message is cleared; use DupFd
// to extend its lifetime.
func (d *Decoder) ReadFD() (int, error) {
	if _, err := d.readScalar(TagFD, 4); err != nil {
		return -1, err
	}
	fds := d.msg.buf.Fds()
	if d.fdIdx >= len(fds) {
		return -1, fmt.Errorf("message carries %d descriptors, need %d: %w",
			len(fds), d.fdIdx+1, api.ErrInvalidData)
	}
	fd := fds[d.fdIdx]
	d.fdIdx++
	return fd, nil
}

// DupFd clones a descriptor returned by ReadFD so it survives the message.
func DupFd(fd int) (int, error) {
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, api.NewIOError("dup", err)
	}
	return dup, nil
}

// Read decodes all arguments according to the format string into pointer
// out-arguments, one per directive:
//
//	%hhi *int8   %hhu *uint8   %hi *int16  %hu *uint16
//	%i   *int32  %u   *uint32  %lli *int64 %llu *uint64
//	%f   *float32  %lf *float64
//	%s / %ms *string   %p%u *[]byte   %x *int
//
// On failure the out-arguments already filled are reset to zero values
// (descriptor out-arguments to -1) and the error reports the offending
// directive.
func (d *Decoder) Read(format string, args ...any) error {
	sc := newScanner(format)
	idx := 0
	err := func() error {
		for {
			dir, ok, serr := sc.next()
			if serr != nil {
				return serr
			}
			if !ok {
				break
			}
			if idx >= len(args) {
				return fmt.Errorf("missing out-argument %d: %w", idx, api.ErrInvalidArgument)
			}
			if rerr := d.readArg(dir, args[idx]); rerr != nil {
				return fmt.Errorf("argument %d: %w", idx, rerr)
			}
			idx++
		}
		if idx != len(args) {
			return fmt.Errorf("%d extra out-arguments: %w", len(args)-idx, api.ErrInvalidArgument)
		}
		return nil
	}()
	if err != nil {
		n := idx + 1
		if n > len(args) {
			n = len(args)
		}
		zeroArgs(args[:n])
	}
	return err
}

func (d *Decoder) readArg(dir directive, arg any) error {
	switch dir.kind {
	case argI8:
		p, ok := arg.(*int8)
		if !ok {
			return fmt.Errorf("want *int8, got %T: %w", arg, api.ErrInvalidArgument)
		}
		v, err := d.ReadI8()
		if err != nil {
			return err
		}
		*p = v
	case argU8:
		p, ok := arg.(*uint8)
		if !ok {
			return fmt.Errorf("want *uint8, got %T: %w", arg, api.ErrInvalidArgument)
		}
		v, err := d.ReadU8()
		if err != nil {
			return err
		}
		*p = v
	case argI16:
		p, ok := arg.(*int16)
		if !ok {
			return fmt.Errorf("want *int16, got %T: %w", arg, api.ErrInvalidArgument)
		}
		v, err := d.ReadI16()
		if err != nil {
			return err
		}
		*p = v
	case argU16:
		p, ok := arg.(*uint16)
		if !ok {
			return fmt.Errorf("want *uint16, got %T: %w", arg, api.ErrInvalidArgument)
		}
		v, err := d.ReadU16()
		if err != nil {
			return err
		}
		*p = v
	case argI32:
		p, ok := arg.(*int32)
		if !ok {
			return fmt.Errorf("want *int32, got %T: %w", arg, api.ErrInvalidArgument)
		}
		v, err := d.ReadI32()
		if err != nil {
			return err
		}
		*p = v
	case argU32:
		p, ok := arg.(*uint32)
		if !ok {
			return fmt.Errorf("want *uint32, got %T: %w", arg, api.ErrInvalidArgument)
		}
		v, err := d.ReadU32()
		if err != nil {
			return err
		}
		*p = v
	case argI64:
		p, ok := arg.(*int64)
		if !ok {
			return fmt.Errorf("want *int64, got %T: %w", arg, api.ErrInvalidArgument)
		}
		v, err := d.ReadI64()
		if err != nil {
			return err
		}
		*p = v
	case argU64:
		p, ok := arg.(*uint64)
		if !ok {
			return fmt.Errorf("want *uint64, got %T: %w", arg, api.ErrInvalidArgument)
		}
		v, err := d.ReadU64()
		if err != nil {
			return err
		}
		*p = v
	case argF32:
		p, ok := arg.(*float32)
		if !ok {
			return fmt.Errorf("want *float32, got %T: %w", arg, api.ErrInvalidArgument)
		}
		v, err := d.ReadF32()
		if err != nil {
			return err
		}
		*p = v
	case argF64:
		p, ok := arg.(*float64)
		if !ok {
			return fmt.Errorf("want *float64, got %T: %w", arg, api.ErrInvalidArgument)
		}
		v, err := d.ReadF64()
		if err != nil {
			return err
		}
		*p = v
	case argStr:
		p, ok := arg.(*string)
		if !ok {
			return fmt.Errorf("want *string, got %T: %w", arg, api.ErrInvalidArgument)
		}
		v, err := d.ReadStr()
		if err != nil {
			return err
		}
		*p = v
	case argBuf:
		p, ok := arg.(*[]byte)
		if !ok {
			return fmt.Errorf("want *[]byte, got %T: %w", arg, api.ErrInvalidArgument)
		}
		v, err := d.ReadBuf()
		if err != nil {
			return err
		}
		*p = v
	case argFD:
		p, ok := arg.(*int)
		if !ok {
			return fmt.Errorf("want *int, got %T: %w", arg, api.ErrInvalidArgument)
		}
		v, err := d.ReadFD()
		if err != nil {
			return err
		}
		*p = v
	default:
		return api.ErrInvalidFormat
	}
	return nil
}

// zeroArgs resets already-filled out-arguments after a decode failure so
// callers never observe a partially decoded argument list.
func zeroArgs(args []any) {
	for _, arg := range args {
		switch p := arg.(type) {
		case *int8:
			*p = 0
		case *uint8:
			*p = 0
		case *int16:
			*p = 0
		case *uint16:
			*p = 0
		case *int32:
			*p = 0
		case *uint32:
			*p = 0
		case *int64:
			*p = 0
		case *uint64:
			*p = 0
		case *float32:
			*p = 0
		case *float64:
			*p = 0
		case *string:
			*p = ""
		case *[]byte:
			*p = nil
		case *int:
			*p = -1
		}
	}
}
