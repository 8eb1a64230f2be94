// File: protocol/message_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/pompio/api"
)

func TestMessageHeader(t *testing.T) {
	msg := NewMessage()
	require.NoError(t, msg.Write(42, "%u%s", uint32(10), "PING"))
	defer msg.Clear()

	frame := msg.Buffer().Bytes()
	require.GreaterOrEqual(t, len(frame), HeaderSize)
	assert.Equal(t, Magic, binary.LittleEndian.Uint32(frame[0:]))
	assert.Equal(t, uint32(42), binary.LittleEndian.Uint32(frame[4:]))
	assert.Equal(t, uint32(len(frame)), binary.LittleEndian.Uint32(frame[8:]))
	assert.Equal(t, HeaderSize+len(msg.Payload()), msg.Size())
}

func TestMessageLifecycle(t *testing.T) {
	msg := NewMessage()
	assert.Equal(t, StateEmpty, msg.State())

	require.NoError(t, msg.Init(1))
	assert.Equal(t, StateWriting, msg.State())

	// Double init is a misuse.
	err := msg.Init(2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))

	require.NoError(t, msg.Finish())
	assert.Equal(t, StateFinished, msg.State())

	// No writes after finish.
	enc := NewEncoder()
	err = enc.Init(msg)
	require.Error(t, err)

	// Finish twice is a misuse.
	require.Error(t, msg.Finish())

	msg.Clear()
	assert.Equal(t, StateEmpty, msg.State())
	require.NoError(t, msg.Init(3))
	require.NoError(t, msg.Finish())
	msg.Clear()
}

func TestMessageReadRequiresFinished(t *testing.T) {
	msg := NewMessage()
	require.NoError(t, msg.Init(1))
	var v uint32
	err := msg.Read("%u", &v)
	require.Error(t, err)
	msg.Clear()
}

func TestMessageCopy(t *testing.T) {
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	msg := NewMessage()
	require.NoError(t, msg.Write(8, "%s%x", "payload", p[0]))

	cp, err := msg.Copy()
	require.NoError(t, err)
	assert.Equal(t, msg.ID(), cp.ID())
	assert.Equal(t, msg.Buffer().Bytes(), cp.Buffer().Bytes())
	require.Len(t, cp.Buffer().Fds(), 1)
	assert.NotEqual(t, msg.Buffer().Fds()[0], cp.Buffer().Fds()[0])

	// The copy stays readable after the original is gone.
	msg.Clear()
	var s string
	var fd int
	require.NoError(t, cp.Read("%s%x", &s, &fd))
	assert.Equal(t, "payload", s)
	cp.Clear()
}

func TestMessageDump(t *testing.T) {
	msg := NewMessage()
	require.NoError(t, msg.Write(42, "%u%s%i", uint32(10), "PING", int32(-1)))
	defer msg.Clear()

	dump := msg.Dump()
	assert.True(t, strings.HasPrefix(dump, "{ID:42"), dump)
	assert.Contains(t, dump, "U32:10")
	assert.Contains(t, dump, `STR:"PING"`)
	assert.Contains(t, dump, "I32:-1")
}

func TestMessageTooLarge(t *testing.T) {
	msg := NewMessage()
	require.NoError(t, msg.Init(1))
	enc := NewEncoder()
	require.NoError(t, enc.Init(msg))
	err := enc.WriteBuf(make([]byte, MaxMsgSize))
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrTooLarge))
	msg.Clear()
}
