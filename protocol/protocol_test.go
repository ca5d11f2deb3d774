package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	body := []byte{0x00, 0x64, 0, 0, 0, 1, 0, 0, 0, 42}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{DataLen: 999}, body))
	require.Equal(t, HeaderSize+len(body), buf.Len())

	// DataLen on the wire comes from the body, not from the header argument
	assert.Equal(t, uint32(len(body)), binary.BigEndian.Uint32(buf.Bytes()[8:12]))

	h, got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(body)), h.DataLen)
	assert.Equal(t, body, got)

	id, err := PeekMsgID(got)
	require.NoError(t, err)
	assert.Equal(t, uint16(100), id)
}

func TestDecodeSequentialFrames(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		require.NoError(t, Encode(&buf, &Header{}, []byte{0, byte(i), 0xff}))
	}
	for i := 0; i < 3; i++ {
		_, body, err := Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, byte(i), body[1])
	}
	_, _, err := Decode(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeTooLarge(t *testing.T) {
	hdr := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(hdr[8:12], MaxDataLen+1)

	_, _, err := Decode(bytes.NewReader(hdr))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestDecodeTooShort(t *testing.T) {
	hdr := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(hdr[8:12], 1)

	_, _, err := Decode(bytes.NewReader(append(hdr, 0x01)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too short")
}

func TestDecodeTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{}, []byte("hello world")))
	truncated := buf.Bytes()[:buf.Len()-3]

	_, _, err := Decode(bytes.NewReader(truncated))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestPeekMsgIDShort(t *testing.T) {
	_, err := PeekMsgID([]byte{1})
	assert.Error(t, err)
}
