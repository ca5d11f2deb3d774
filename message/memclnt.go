package message

import (
	"fmt"

	"github.com/pkg/errors"
)

// Message names and CRCs of the memclnt messages this module speaks.
const (
	NameLen = 64 // Fixed size of client and message table names

	// SockclntCreateMsgID is the hard-coded id of sockclnt_create. It is the only
	// id known before the handshake; every other id comes from the message table.
	SockclntCreateMsgID uint16 = 15
)

// MessageTableEntry maps a "name_crc" to the id VPP assigned to it.
type MessageTableEntry struct {
	Index uint16 `json:"index"`
	Name  string `json:"name"`
}

// SockclntCreate opens a socket API session under a client name.
// Its header carries a context but no client index, hence ReplyMessage.
type SockclntCreate struct {
	Name string `json:"name"`
}

func (*SockclntCreate) GetMessageName() string      { return "sockclnt_create" }
func (*SockclntCreate) GetCrcString() string        { return "455fb9c4" }
func (*SockclntCreate) GetMessageType() MessageType { return ReplyMessage }
func (*SockclntCreate) Size() int                   { return NameLen }

func (m *SockclntCreate) Marshal(b *Buffer) { b.EncodeString(m.Name, NameLen) }

func (m *SockclntCreate) Unmarshal(b *Buffer) error {
	m.Name = b.DecodeString(NameLen)
	return b.Err()
}

// SockclntCreateReply returns the client index and the engine's message table.
// Its header carries a client index and a context, hence RequestMessage.
type SockclntCreateReply struct {
	Response     int32               `json:"response"`
	Index        uint32              `json:"index"`
	Count        uint16              `json:"count"`
	MessageTable []MessageTableEntry `json:"message_table"`
}

func (*SockclntCreateReply) GetMessageName() string      { return "sockclnt_create_reply" }
func (*SockclntCreateReply) GetCrcString() string        { return "35166268" }
func (*SockclntCreateReply) GetMessageType() MessageType { return RequestMessage }
func (m *SockclntCreateReply) GetRetval() int32          { return m.Response }

func (m *SockclntCreateReply) Size() int {
	return 4 + 4 + 2 + len(m.MessageTable)*(2+NameLen)
}

func (m *SockclntCreateReply) Marshal(b *Buffer) {
	b.EncodeInt32(m.Response)
	b.EncodeUint32(m.Index)
	b.EncodeUint16(uint16(len(m.MessageTable)))
	for _, e := range m.MessageTable {
		b.EncodeUint16(e.Index)
		b.EncodeString(e.Name, NameLen)
	}
}

func (m *SockclntCreateReply) Unmarshal(b *Buffer) error {
	m.Response = b.DecodeInt32()
	m.Index = b.DecodeUint32()
	m.Count = b.DecodeUint16()
	if b.Err() != nil {
		return b.Err()
	}
	if int(m.Count)*(2+NameLen) > b.Remaining() {
		return errors.Errorf("message: table of %d entries exceeds %d bytes left", m.Count, b.Remaining())
	}
	m.MessageTable = make([]MessageTableEntry, m.Count)
	for i := range m.MessageTable {
		m.MessageTable[i].Index = b.DecodeUint16()
		m.MessageTable[i].Name = b.DecodeString(NameLen)
	}
	return b.Err()
}

// SockclntDelete closes the session identified by Index.
type SockclntDelete struct {
	Index uint32 `json:"index"`
}

func (*SockclntDelete) GetMessageName() string      { return "sockclnt_delete" }
func (*SockclntDelete) GetCrcString() string        { return "8ac76db6" }
func (*SockclntDelete) GetMessageType() MessageType { return RequestMessage }
func (*SockclntDelete) Size() int                   { return 4 }

func (m *SockclntDelete) Marshal(b *Buffer) { b.EncodeUint32(m.Index) }

func (m *SockclntDelete) Unmarshal(b *Buffer) error {
	m.Index = b.DecodeUint32()
	return b.Err()
}

type SockclntDeleteReply struct {
	Response int32 `json:"response"`
}

func (*SockclntDeleteReply) GetMessageName() string      { return "sockclnt_delete_reply" }
func (*SockclntDeleteReply) GetCrcString() string        { return "8f38b1ee" }
func (*SockclntDeleteReply) GetMessageType() MessageType { return ReplyMessage }
func (*SockclntDeleteReply) Size() int                   { return 4 }
func (m *SockclntDeleteReply) GetRetval() int32          { return m.Response }

func (m *SockclntDeleteReply) Marshal(b *Buffer) { b.EncodeInt32(m.Response) }

func (m *SockclntDeleteReply) Unmarshal(b *Buffer) error {
	m.Response = b.DecodeInt32()
	return b.Err()
}

// ControlPing is the liveness probe. It has no payload.
type ControlPing struct{}

func (*ControlPing) GetMessageName() string      { return "control_ping" }
func (*ControlPing) GetCrcString() string        { return "51077d14" }
func (*ControlPing) GetMessageType() MessageType { return RequestMessage }
func (*ControlPing) Size() int                   { return 0 }
func (*ControlPing) Marshal(*Buffer)             {}
func (*ControlPing) Unmarshal(b *Buffer) error   { return b.Err() }

// ControlPingReply answers a ControlPing.
type ControlPingReply struct {
	Retval      int32  `json:"retval"`
	ClientIndex uint32 `json:"client_index"`
	VpePID      uint32 `json:"vpe_pid"`
}

func (*ControlPingReply) GetMessageName() string      { return "control_ping_reply" }
func (*ControlPingReply) GetCrcString() string        { return "f6b0b8ca" }
func (*ControlPingReply) GetMessageType() MessageType { return ReplyMessage }
func (*ControlPingReply) Size() int                   { return 12 }
func (m *ControlPingReply) GetRetval() int32          { return m.Retval }

func (m *ControlPingReply) Marshal(b *Buffer) {
	b.EncodeInt32(m.Retval)
	b.EncodeUint32(m.ClientIndex)
	b.EncodeUint32(m.VpePID)
}

func (m *ControlPingReply) Unmarshal(b *Buffer) error {
	m.Retval = b.DecodeInt32()
	m.ClientIndex = b.DecodeUint32()
	m.VpePID = b.DecodeUint32()
	return b.Err()
}

func (m *ControlPingReply) String() string {
	return fmt.Sprintf("ControlPingReply{retval=%d, clientIndex=%d, vpePid=%d}", m.Retval, m.ClientIndex, m.VpePID)
}

func init() {
	Register(&SockclntCreate{})
	Register(&SockclntCreateReply{})
	Register(&SockclntDelete{})
	Register(&SockclntDeleteReply{})
	Register(&ControlPing{})
	Register(&ControlPingReply{})
}
