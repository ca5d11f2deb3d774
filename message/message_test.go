package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogue(t *testing.T) {
	require.Equal(t, "control_ping_51077d14", ID(&ControlPing{}))

	typ, ok := Lookup("control_ping_reply_f6b0b8ca")
	require.True(t, ok)
	assert.Equal(t, "ControlPingReply", typ.Name())

	msg, err := New("sockclnt_delete_8ac76db6")
	require.NoError(t, err)
	assert.IsType(t, &SockclntDelete{}, msg)

	_, err = New("show_version_51077d14")
	assert.Error(t, err)

	assert.Contains(t, Registered(), "sockclnt_create_455fb9c4")
}

func TestRegisterSameTypeTwice(t *testing.T) {
	assert.NotPanics(t, func() { Register(&ControlPing{}) })
}

type fakePing struct{ ControlPing }

func TestRegisterConflict(t *testing.T) {
	assert.Panics(t, func() { Register(&fakePing{}) })
}

func TestBufferFixedString(t *testing.T) {
	b := NewBuffer(nil)
	b.EncodeString("vpp-ping", 16)
	b.EncodeString("0123456789", 4)
	require.Len(t, b.Bytes(), 20)

	r := NewBuffer(b.Bytes())
	assert.Equal(t, "vpp-ping", r.DecodeString(16))
	assert.Equal(t, "012", r.DecodeString(4))
	assert.NoError(t, r.Err())
	assert.Zero(t, r.Remaining())
}

func TestBufferShort(t *testing.T) {
	r := NewBuffer([]byte{0x00, 0x01})
	assert.Equal(t, uint16(1), r.DecodeUint16())
	assert.Zero(t, r.DecodeUint32())
	assert.ErrorIs(t, r.Err(), ErrShortBuffer)

	// the first error sticks
	assert.Zero(t, r.DecodeUint8())
	assert.ErrorIs(t, r.Err(), ErrShortBuffer)
}

func TestSockclntCreateReplyTable(t *testing.T) {
	in := &SockclntCreateReply{
		Index: 7,
		MessageTable: []MessageTableEntry{
			{Index: 16, Name: "sockclnt_create_reply_35166268"},
			{Index: 100, Name: "control_ping_51077d14"},
		},
	}
	b := NewBuffer(make([]byte, 0, in.Size()))
	in.Marshal(b)
	require.Len(t, b.Bytes(), in.Size())

	var out SockclntCreateReply
	require.NoError(t, out.Unmarshal(NewBuffer(b.Bytes())))
	assert.Equal(t, uint16(2), out.Count)
	assert.Equal(t, in.MessageTable, out.MessageTable)
	assert.Equal(t, uint32(7), out.Index)
}

func TestSockclntCreateReplyTruncatedTable(t *testing.T) {
	b := NewBuffer(nil)
	b.EncodeInt32(0)
	b.EncodeUint32(1)
	b.EncodeUint16(500)

	var out SockclntCreateReply
	assert.Error(t, out.Unmarshal(NewBuffer(b.Bytes())))
}

func TestControlPingReplyString(t *testing.T) {
	r := &ControlPingReply{Retval: 0, ClientIndex: 3, VpePID: 4242}
	assert.Equal(t, "ControlPingReply{retval=0, clientIndex=3, vpePid=4242}", r.String())
	assert.Equal(t, int32(0), r.GetRetval())
}
