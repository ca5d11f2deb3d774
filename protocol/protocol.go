// Package protocol implements the frame format of the VPP socket API.
//
// A stream socket carries no message boundaries, so every message body is preceded
// by a fixed 16-byte header. The receiver reads the header first to learn the body
// length, then reads exactly that many bytes.
//
// Frame format:
//
//	0                8         12        16
//	┌────────────────┬─────────┬─────────┬───────────────┐
//	│    queue id    │ dataLen │ gc mark │   body ...    │
//	│    uint64      │ uint32  │ uint32  │ dataLen bytes │
//	└────────────────┴─────────┴─────────┴───────────────┘
//
// The body always starts with the big-endian uint16 message id.
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	HeaderSize = 16       // 8 (queue id) + 4 (data length) + 4 (gc mark)
	MaxDataLen = 16 << 20 // Upper bound for a single body, guards against garbage lengths
	MsgIDSize  = 2
)

// Header is the fixed 16-byte frame header.
// VPP leaves QueueID and GCMark zero on the socket transport; they are kept
// so that frames round-trip unchanged.
type Header struct {
	QueueID uint64
	DataLen uint32 // Body length in bytes
	GCMark  uint32
}

// Encode writes a complete frame (header + body) to w.
// DataLen is taken from the body, not from h.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if len(body) > MaxDataLen {
		return errors.Errorf("frame body too large: %d bytes", len(body))
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	binary.BigEndian.PutUint64(buf[0:8], h.QueueID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(body)))
	binary.BigEndian.PutUint32(buf[12:16], h.GCMark)

	// One write per frame, so a frame is never split by a concurrent writer
	// that forgot the lock.
	_, err := w.Write(append(buf, body...))
	return err
}

// Decode reads a complete frame (header + body) from r.
// Uses io.ReadFull to guarantee exactly N bytes are read, preventing partial reads.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	h := &Header{
		QueueID: binary.BigEndian.Uint64(headerBuf[0:8]),
		DataLen: binary.BigEndian.Uint32(headerBuf[8:12]),
		GCMark:  binary.BigEndian.Uint32(headerBuf[12:16]),
	}
	if h.DataLen > MaxDataLen {
		return nil, nil, errors.Errorf("frame body too large: %d bytes", h.DataLen)
	}
	if h.DataLen < MsgIDSize {
		return nil, nil, errors.Errorf("frame body too short: %d bytes", h.DataLen)
	}

	body := make([]byte, h.DataLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}

// PeekMsgID returns the message id a frame body starts with.
func PeekMsgID(body []byte) (uint16, error) {
	if len(body) < MsgIDSize {
		return 0, errors.Errorf("frame body too short: %d bytes", len(body))
	}
	return binary.BigEndian.Uint16(body[0:2]), nil
}
