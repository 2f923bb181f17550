package eventbus

import (
	"encoding/json"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatwidget/pkg/chat"
)

const (
	MetadataGeneration = "session_gen"
	MetadataContextID  = "context_id"
)

// envelope reuses the real-time wire form so the bus payload stays readable in Redis.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEventMessage wraps ev for publishing, tagged with the session generation that received it.
func NewEventMessage(contextID string, gen uint64, ev chat.Event) (*message.Message, error) {
	name, body, err := chat.EncodePayload(ev)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal event payload")
	}
	payload, err := json.Marshal(envelope{Event: name, Data: data})
	if err != nil {
		return nil, errors.Wrap(err, "marshal event envelope")
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(MetadataGeneration, strconv.FormatUint(gen, 10))
	msg.Metadata.Set(MetadataContextID, contextID)
	return msg, nil
}

// DecodeEventMessage is the inverse of NewEventMessage.
func DecodeEventMessage(msg *message.Message) (chat.Event, uint64, error) {
	if msg == nil {
		return chat.Event{}, 0, errors.New("nil message")
	}
	gen, err := strconv.ParseUint(msg.Metadata.Get(MetadataGeneration), 10, 64)
	if err != nil {
		return chat.Event{}, 0, errors.Wrap(err, "parse session generation")
	}
	var env envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return chat.Event{}, gen, errors.Wrap(err, "decode event envelope")
	}
	ev, err := chat.DecodeEvent(env.Event, env.Data)
	if err != nil {
		return chat.Event{}, gen, err
	}
	return ev, gen, nil
}
