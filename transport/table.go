package transport

import (
	"sort"

	"vpp-ping/message"
)

// MessageTable maps "name_crc" message IDs to the numeric ids one engine
// instance assigned at connect time. Ids differ between VPP builds and plugin
// sets, so the table is per connection and never hard-coded.
//
// A table is immutable once built and safe for concurrent use.
type MessageTable struct {
	byName map[string]uint16
	byID   map[uint16]string
}

// NewMessageTable builds a table from handshake entries.
func NewMessageTable(entries []message.MessageTableEntry) *MessageTable {
	t := &MessageTable{
		byName: make(map[string]uint16, len(entries)+1),
		byID:   make(map[uint16]string, len(entries)+1),
	}
	// sockclnt_create is the one id known before any table exists
	create := message.ID(&message.SockclntCreate{})
	t.byName[create] = message.SockclntCreateMsgID
	t.byID[message.SockclntCreateMsgID] = create

	for _, e := range entries {
		t.byName[e.Name] = e.Index
		t.byID[e.Index] = e.Name
	}
	return t
}

// ID returns the numeric id of a "name_crc" message ID.
func (t *MessageTable) ID(name string) (uint16, bool) {
	id, ok := t.byName[name]
	return id, ok
}

// Name returns the "name_crc" message ID for a numeric id.
func (t *MessageTable) Name(id uint16) (string, bool) {
	name, ok := t.byID[id]
	return name, ok
}

func (t *MessageTable) Len() int { return len(t.byID) }

// Entries returns the table ordered by numeric id.
func (t *MessageTable) Entries() []message.MessageTableEntry {
	entries := make([]message.MessageTableEntry, 0, len(t.byID))
	for id, name := range t.byID {
		entries = append(entries, message.MessageTableEntry{Index: id, Name: name})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })
	return entries
}
