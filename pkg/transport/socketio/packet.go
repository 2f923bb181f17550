package socketio

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// Engine.IO v4 packet types (first byte of every websocket text frame).
type EIOType byte

const (
	EIOOpen    EIOType = '0'
	EIOClose   EIOType = '1'
	EIOPing    EIOType = '2'
	EIOPong    EIOType = '3'
	EIOMessage EIOType = '4'
	EIOUpgrade EIOType = '5'
	EIONoop    EIOType = '6'
)

// Socket.IO v5 packet types, carried inside an EIOMessage.
type SIOType byte

const (
	SIOConnect      SIOType = '0'
	SIODisconnect   SIOType = '1'
	SIOEvent        SIOType = '2'
	SIOAck          SIOType = '3'
	SIOConnectError SIOType = '4'
	SIOBinaryEvent  SIOType = '5'
	SIOBinaryAck    SIOType = '6'
)

var ErrMalformedPacket = errors.New("malformed packet")

// OpenPayload is the body of the Engine.IO open packet. Durations are milliseconds.
type OpenPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload,omitempty"`
}

// Packet is a decoded Socket.IO packet. Namespace is empty for the default "/" namespace.
type Packet struct {
	Type      SIOType
	Namespace string
	AckID     int
	HasAck    bool
	Data      json.RawMessage
}

func EncodeEIO(t EIOType, data []byte) []byte {
	out := make([]byte, 0, len(data)+1)
	out = append(out, byte(t))
	return append(out, data...)
}

func DecodeEIO(frame []byte) (EIOType, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, errors.Wrap(ErrMalformedPacket, "empty engine.io frame")
	}
	t := EIOType(frame[0])
	if t < EIOOpen || t > EIONoop {
		return 0, nil, errors.Wrapf(ErrMalformedPacket, "engine.io type %q", frame[0])
	}
	return t, frame[1:], nil
}

// EncodeSIO encodes p as a complete Engine.IO message frame.
func EncodeSIO(p Packet) []byte {
	var b bytes.Buffer
	b.WriteByte(byte(EIOMessage))
	b.WriteByte(byte(p.Type))
	if p.Namespace != "" && p.Namespace != "/" {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.HasAck {
		b.WriteString(strconv.Itoa(p.AckID))
	}
	b.Write(p.Data)
	return b.Bytes()
}

// DecodeSIO decodes the body of an EIOMessage.
func DecodeSIO(data []byte) (Packet, error) {
	if len(data) == 0 {
		return Packet{}, errors.Wrap(ErrMalformedPacket, "empty socket.io packet")
	}
	p := Packet{Type: SIOType(data[0])}
	if p.Type < SIOConnect || p.Type > SIOBinaryAck {
		return Packet{}, errors.Wrapf(ErrMalformedPacket, "socket.io type %q", data[0])
	}
	if p.Type == SIOBinaryEvent || p.Type == SIOBinaryAck {
		return Packet{}, errors.Wrap(ErrMalformedPacket, "binary packets are not supported")
	}
	rest := data[1:]

	if len(rest) > 0 && rest[0] == '/' {
		idx := bytes.IndexByte(rest, ',')
		if idx < 0 {
			p.Namespace = string(rest)
			return p, nil
		}
		p.Namespace = string(rest[:idx])
		rest = rest[idx+1:]
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		id, err := strconv.Atoi(string(rest[:i]))
		if err != nil {
			return Packet{}, errors.Wrap(ErrMalformedPacket, "ack id")
		}
		p.AckID = id
		p.HasAck = true
		rest = rest[i:]
	}
	if len(rest) > 0 {
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// EventFrame builds the frame for emitting name with a single payload argument.
func EventFrame(name string, payload any) ([]byte, error) {
	args := []any{name}
	if payload != nil {
		args = append(args, payload)
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, errors.Wrap(err, "marshal event")
	}
	return EncodeSIO(Packet{Type: SIOEvent, Data: data}), nil
}

// ParseEvent splits an event packet into the event name and its first argument.
func ParseEvent(p Packet) (string, json.RawMessage, error) {
	if p.Type != SIOEvent {
		return "", nil, errors.Wrapf(ErrMalformedPacket, "not an event packet (%q)", p.Type)
	}
	var args []json.RawMessage
	if err := json.Unmarshal(p.Data, &args); err != nil {
		return "", nil, errors.Wrap(ErrMalformedPacket, "event arguments")
	}
	if len(args) == 0 {
		return "", nil, errors.Wrap(ErrMalformedPacket, "event without name")
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return "", nil, errors.Wrap(ErrMalformedPacket, "event name")
	}
	if len(args) < 2 {
		return name, nil, nil
	}
	return name, args[1], nil
}

// ConnectFrame builds the CONNECT packet carrying auth for the default namespace.
func ConnectFrame(auth any) ([]byte, error) {
	var data []byte
	if auth != nil {
		b, err := json.Marshal(auth)
		if err != nil {
			return nil, errors.Wrap(err, "marshal auth")
		}
		data = b
	}
	return EncodeSIO(Packet{Type: SIOConnect, Data: data}), nil
}

// ConnectError is the body of a CONNECT_ERROR packet.
type ConnectError struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}
