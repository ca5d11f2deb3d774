package codec

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"vpp-ping/message"
)

// JSONCodec uses encoding/json for serialization.
// Envelopes are written with their message name and CRC so that Decode can
// allocate the right message type; any other value is marshalled as is.
type JSONCodec struct{}

type jsonEnvelope struct {
	Name        string          `json:"name"`
	CRC         string          `json:"crc"`
	MsgID       uint16          `json:"msg_id"`
	ClientIndex uint32          `json:"client_index"`
	Context     uint32          `json:"context"`
	Message     json.RawMessage `json:"message"`
}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	env, ok := v.(*message.Envelope)
	if !ok {
		return json.Marshal(v)
	}
	if env.Message == nil {
		return nil, errors.Errorf("codec: envelope has no message")
	}

	body, err := json.Marshal(env.Message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&jsonEnvelope{
		Name:        env.Message.GetMessageName(),
		CRC:         env.Message.GetCrcString(),
		MsgID:       env.MsgID,
		ClientIndex: env.ClientIndex,
		Context:     env.Context,
		Message:     body,
	})
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	env, ok := v.(*message.Envelope)
	if !ok {
		return json.Unmarshal(data, v)
	}

	// Peek at the type before committing to a full unmarshal
	name := gjson.GetBytes(data, "name")
	crc := gjson.GetBytes(data, "crc")
	if !name.Exists() || !crc.Exists() {
		return errors.Errorf("codec: json envelope without name or crc")
	}
	msg, err := message.New(name.String() + "_" + crc.String())
	if err != nil {
		return err
	}

	var wire jsonEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if len(wire.Message) > 0 {
		if err := json.Unmarshal(wire.Message, msg); err != nil {
			return err
		}
	}

	env.MsgID = wire.MsgID
	env.ClientIndex = wire.ClientIndex
	env.Context = wire.Context
	env.Message = msg
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
