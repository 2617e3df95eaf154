package messaging

import (
	"bytes"
	"strconv"

	amqp "github.com/Azure/go-amqp"

	"github.com/skupperproject/skupper-messenger/pkg/messenger"
)

// Encode a message for transfer. Byte slices are carried in a data section,
// any other body as an amqp-value.
func Encode(msg messenger.Message) *amqp.Message {
	result := &amqp.Message{
		Header: &amqp.MessageHeader{
			Durable: msg.Durable,
		},
	}
	if msg.ID != 0 {
		result.Properties = &amqp.MessageProperties{
			MessageID: msg.ID,
		}
	}
	switch body := msg.Body.(type) {
	case []byte:
		result.Data = [][]byte{body}
	default:
		result.Value = body
	}
	return result
}

// Decode the parts of an amqp message the sessions use. Identifiers that are
// not positive integers decode as zero.
func Decode(msg *amqp.Message) messenger.Message {
	var result messenger.Message
	if msg == nil {
		return result
	}
	if msg.Header != nil {
		result.Durable = msg.Header.Durable
	}
	if msg.Properties != nil {
		result.ID = messageID(msg.Properties.MessageID)
	}
	switch {
	case msg.Value != nil:
		result.Body = msg.Value
	case len(msg.Data) == 1:
		result.Body = msg.Data[0]
	case len(msg.Data) > 1:
		result.Body = bytes.Join(msg.Data, nil)
	case len(msg.Sequence) > 0:
		result.Body = msg.Sequence
	}
	return result
}

func messageID(id any) uint64 {
	switch v := id.(type) {
	case uint64:
		return v
	case uint32:
		return uint64(v)
	case uint16:
		return uint64(v)
	case uint8:
		return uint64(v)
	case int64:
		if v > 0 {
			return uint64(v)
		}
	case int32:
		if v > 0 {
			return uint64(v)
		}
	case int:
		if v > 0 {
			return uint64(v)
		}
	case string:
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
