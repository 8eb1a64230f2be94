// File: protocol/message.go
// Package protocol implements the printf-oriented message wire format.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Message is the envelope around one encoded payload: a 32-bit id plus a
// reference-counted buffer holding the full frame (header included).

package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/momentics/pompio/api"
	"github.com/momentics/pompio/pool"
)

// State tracks the lifecycle of a message.
type State uint8

const (
	// StateEmpty: no payload, Init is allowed.
	StateEmpty State = iota
	// StateWriting: between Init and Finish, encoder writes allowed.
	StateWriting
	// StateFinished: header patched, message immutable and readable.
	StateFinished
	// StateReading: a decoder is attached.
	StateReading
)

// Message is a typed message envelope.
type Message struct {
	id    uint32
	buf   *pool.Buffer
	state State
}

// NewMessage creates an empty message.
func NewMessage() *Message {
	return &Message{}
}

// NewReceived wraps a complete received frame (header included) into a
// finished message. The buffer reference is taken over by the message.
func NewReceived(id uint32, buf *pool.Buffer) *Message {
	return &Message{id: id, buf: buf, state: StateFinished}
}

// ID returns the message id.
func (m *Message) ID() uint32 {
	return m.id
}

// State returns the lifecycle state.
func (m *Message) State() State {
	return m.state
}

// Buffer exposes the underlying frame buffer, or nil before Init.
func (m *Message) Buffer() *pool.Buffer {
	return m.buf
}

// Size returns the total encoded size, header included.
func (m *Message) Size() int {
	if m.buf == nil {
		return 0
	}
	return m.buf.Len()
}

// Payload returns the encoded records after the header.
func (m *Message) Payload() []byte {
	if m.buf == nil || m.buf.Len() < HeaderSize {
		return nil
	}
	return m.buf.Bytes()[HeaderSize:]
}

// Init starts encoding a new message with the given id, reserving room for
// the header. The message must be empty (or cleared).
func (m *Message) Init(id uint32) error {
	if m.state != StateEmpty {
		return fmt.Errorf("init in state %d: %w", m.state, api.ErrInvalidArgument)
	}
	m.id = id
	m.buf = pool.GetBuffer(64)
	m.buf.Extend(HeaderSize)
	m.state = StateWriting
	return nil
}

// Finish patches the header with magic, id and total size and freezes the
// message. Writes after Finish are rejected.
func (m *Message) Finish() error {
	if m.state != StateWriting {
		return fmt.Errorf("finish in state %d: %w", m.state, api.ErrInvalidArgument)
	}
	size := m.buf.Len()
	if size > MaxMsgSize {
		return fmt.Errorf("message of %d bytes: %w", size, api.ErrTooLarge)
	}
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], Magic)
	binary.LittleEndian.PutUint32(hdr[4:], m.id)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(size))
	if err := m.buf.WriteAt(0, hdr[:]); err != nil {
		return err
	}
	m.state = StateFinished
	return nil
}

// Clear releases the payload, closing any owned descriptors, and returns
// the message to the empty state so Init can be called again.
func (m *Message) Clear() {
	if m.buf != nil {
		m.buf.Release()
		m.buf = nil
	}
	m.id = 0
	m.state = StateEmpty
}

// Write encodes a complete message in one call: Init, encode all arguments
// according to format, Finish.
func (m *Message) Write(id uint32, format string, args ...any) error {
	if err := m.Init(id); err != nil {
		return err
	}
	enc := NewEncoder()
	if err := enc.Init(m); err != nil {
		return err
	}
	if err := enc.Write(format, args...); err != nil {
		m.Clear()
		return err
	}
	return m.Finish()
}

// WriteArgv encodes a complete message from string-form arguments, each
// converted according to its directive. Used by the command line tooling.
func (m *Message) WriteArgv(id uint32, format string, argv []string) error {
	if err := m.Init(id); err != nil {
		return err
	}
	enc := NewEncoder()
	if err := enc.Init(m); err != nil {
		return err
	}
	if err := enc.WriteArgv(format, argv); err != nil {
		m.Clear()
		return err
	}
	return m.Finish()
}

// Read decodes the message arguments according to format into the given
// pointers. See Decoder.Read for the pointer types each directive expects.
func (m *Message) Read(format string, args ...any) error {
	dec := NewDecoder()
	if err := dec.Init(m); err != nil {
		return err
	}
	defer dec.Clear()
	return dec.Read(format, args...)
}

// Copy returns a deep copy of a finished message. The frame bytes get
// their own storage and any descriptors are duplicated, so the copy
// outlives the original.
func (m *Message) Copy() (*Message, error) {
	if m.state != StateFinished && m.state != StateReading {
		return nil, fmt.Errorf("copy in state %d: %w", m.state, api.ErrInvalidArgument)
	}
	nb, err := m.buf.Clone()
	if err != nil {
		return nil, err
	}
	return &Message{id: m.id, buf: nb, state: StateFinished}, nil
}
