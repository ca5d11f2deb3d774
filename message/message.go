// Package message defines the VPP binary API messages exchanged with the engine.
//
// Every message travels inside an Envelope. The codec layer turns an Envelope into
// the body of a socket frame and back; the protocol layer frames that body.
//
//	┌──────────┬──────────────┬─────────┬───────────────────┐
//	│ msg_id   │ client_index │ context │ message fields ... │
//	│ uint16   │ uint32       │ uint32  │                    │
//	└──────────┴──────────────┴─────────┴───────────────────┘
//
// Which of client_index and context are present depends on the MessageType.
package message

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// MessageType selects the header layout of a message on the wire.
type MessageType int

const (
	RequestMessage MessageType = iota // msg_id, client_index, context
	ReplyMessage                      // msg_id, context
	EventMessage                      // msg_id, context
	OtherMessage                      // msg_id
)

func (t MessageType) String() string {
	switch t {
	case RequestMessage:
		return "request"
	case ReplyMessage:
		return "reply"
	case EventMessage:
		return "event"
	default:
		return "other"
	}
}

// Message is a single VPP binary API message.
type Message interface {
	GetMessageName() string
	GetCrcString() string
	GetMessageType() MessageType

	// Size is the encoded length of the message fields, header excluded.
	Size() int
	Marshal(b *Buffer)
	Unmarshal(b *Buffer) error
}

// Retvaler is implemented by replies that carry a return value.
// A non-zero return value means the engine rejected the request.
type Retvaler interface {
	GetRetval() int32
}

// Envelope carries a message together with its header fields.
//
//   - On send:    MsgID comes from the connection's message table, Context is assigned by the transport.
//   - On receive: MsgID and Context are read from the wire, Message is allocated from the table.
type Envelope struct {
	MsgID       uint16
	ClientIndex uint32
	Context     uint32
	Message     Message
}

// ID returns the catalogue key of a message, "name_crc", e.g. "control_ping_51077d14".
// It is also the name VPP uses in its message table.
func ID(m Message) string {
	return m.GetMessageName() + "_" + m.GetCrcString()
}

var catalogue = struct {
	sync.RWMutex
	types map[string]reflect.Type
}{types: make(map[string]reflect.Type)}

// Register adds a message type to the global catalogue. It is meant to be
// called from init functions and panics when the same ID is registered twice
// with different types.
func Register(m Message) {
	typ := reflect.TypeOf(m)
	if typ.Kind() != reflect.Ptr {
		panic(fmt.Sprintf("message: %T must be a pointer", m))
	}
	id := ID(m)

	catalogue.Lock()
	defer catalogue.Unlock()
	if prev, ok := catalogue.types[id]; ok && prev != typ.Elem() {
		panic(fmt.Sprintf("message: %s registered twice (%s and %s)", id, prev, typ.Elem()))
	}
	catalogue.types[id] = typ.Elem()
}

// Lookup reports whether a message with the given ID is registered.
func Lookup(id string) (reflect.Type, bool) {
	catalogue.RLock()
	defer catalogue.RUnlock()
	typ, ok := catalogue.types[id]
	return typ, ok
}

// New allocates a zero message for the given ID.
func New(id string) (Message, error) {
	typ, ok := Lookup(id)
	if !ok {
		return nil, errors.Errorf("message: unknown message %q", id)
	}
	return reflect.New(typ).Interface().(Message), nil
}

// Registered returns all catalogue IDs in sorted order.
func Registered() []string {
	catalogue.RLock()
	ids := make([]string, 0, len(catalogue.types))
	for id := range catalogue.types {
		ids = append(ids, id)
	}
	catalogue.RUnlock()
	sort.Strings(ids)
	return ids
}
