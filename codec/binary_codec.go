package codec

import (
	"github.com/pkg/errors"

	"vpp-ping/message"
)

var errNotEnvelope = errors.New("codec: v must be *message.Envelope")

// BinaryCodec encodes envelopes in the VPP binary API layout.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	env, ok := v.(*message.Envelope)
	if !ok {
		return nil, errNotEnvelope
	}
	if env.Message == nil {
		return nil, errors.New("codec: envelope has no message")
	}

	msg := env.Message
	buf := message.NewBuffer(make([]byte, 0, headerSize(msg.GetMessageType())+msg.Size()))

	// msg_id -- 2 bytes, always present
	buf.EncodeUint16(env.MsgID)

	switch msg.GetMessageType() {
	case message.RequestMessage:
		buf.EncodeUint32(env.ClientIndex)
		buf.EncodeUint32(env.Context)
	case message.ReplyMessage, message.EventMessage:
		buf.EncodeUint32(env.Context)
	}

	msg.Marshal(buf)
	return buf.Bytes(), nil
}

// Decode fills env from data. env.Message must already hold a zero message of
// the type the message id resolves to; the codec does not know the id mapping.
func (c *BinaryCodec) Decode(data []byte, v any) error {
	env, ok := v.(*message.Envelope)
	if !ok {
		return errNotEnvelope
	}
	if env.Message == nil {
		return errors.New("codec: envelope message must be allocated before decoding")
	}

	msg := env.Message
	buf := message.NewBuffer(data)

	env.MsgID = buf.DecodeUint16()
	switch msg.GetMessageType() {
	case message.RequestMessage:
		env.ClientIndex = buf.DecodeUint32()
		env.Context = buf.DecodeUint32()
	case message.ReplyMessage, message.EventMessage:
		env.Context = buf.DecodeUint32()
	}
	if err := buf.Err(); err != nil {
		return errors.Wrapf(err, "codec: %s header", msg.GetMessageName())
	}

	if err := msg.Unmarshal(buf); err != nil {
		return errors.Wrapf(err, "codec: %s body", msg.GetMessageName())
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func headerSize(t message.MessageType) int {
	switch t {
	case message.RequestMessage:
		return 2 + 4 + 4
	case message.ReplyMessage, message.EventMessage:
		return 2 + 4
	default:
		return 2
	}
}
