package socketio

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnectFrame_CarriesContextID(t *testing.T) {
	frame, err := ConnectFrame(Auth{ContextID: "ctx-1"})
	require.NoError(t, err)
	require.Equal(t, `40{"contextId":"ctx-1"}`, string(frame))

	typ, body, err := DecodeEIO(frame)
	require.NoError(t, err)
	require.Equal(t, EIOMessage, typ)
	p, err := DecodeSIO(body)
	require.NoError(t, err)
	require.Equal(t, SIOConnect, p.Type)
	require.JSONEq(t, `{"contextId":"ctx-1"}`, string(p.Data))
}

func TestEventFrame_ParsesBack(t *testing.T) {
	frame, err := EventFrame("messageContextChatUpdate", map[string]any{"id": 1, "message": "hi"})
	require.NoError(t, err)
	require.Equal(t, byte('4'), frame[0])
	require.Equal(t, byte('2'), frame[1])

	p, err := DecodeSIO(frame[1:])
	require.NoError(t, err)
	name, payload, err := ParseEvent(p)
	require.NoError(t, err)
	require.Equal(t, "messageContextChatUpdate", name)
	require.JSONEq(t, `{"id":1,"message":"hi"}`, string(payload))
}

func TestDecodeSIO_NamespaceAndAck(t *testing.T) {
	p, err := DecodeSIO([]byte(`2/admin,13["stopTypingChatUpdate"]`))
	require.NoError(t, err)
	require.Equal(t, "/admin", p.Namespace)
	require.True(t, p.HasAck)
	require.Equal(t, 13, p.AckID)

	name, payload, err := ParseEvent(p)
	require.NoError(t, err)
	require.Equal(t, "stopTypingChatUpdate", name)
	require.Nil(t, payload)

	p, err = DecodeSIO([]byte(`1/admin`))
	require.NoError(t, err)
	require.Equal(t, SIODisconnect, p.Type)
	require.Equal(t, "/admin", p.Namespace)
}

func TestDecode_RejectsMalformed(t *testing.T) {
	_, _, err := DecodeEIO(nil)
	require.ErrorIs(t, err, ErrMalformedPacket)
	_, _, err = DecodeEIO([]byte("9"))
	require.ErrorIs(t, err, ErrMalformedPacket)

	_, err = DecodeSIO([]byte(`5-["bin"]`))
	require.ErrorIs(t, err, ErrMalformedPacket)

	_, _, err = ParseEvent(Packet{Type: SIOEvent, Data: json.RawMessage(`[]`)})
	require.ErrorIs(t, err, ErrMalformedPacket)
	_, _, err = ParseEvent(Packet{Type: SIOConnect})
	require.ErrorIs(t, err, ErrMalformedPacket)
}

func TestEndpointURL(t *testing.T) {
	u, err := EndpointURL("https://chat.example.com/base/", "")
	require.NoError(t, err)
	require.Equal(t, "wss://chat.example.com/base/socket.io/?EIO=4&transport=websocket", u)

	u, err = EndpointURL("http://localhost:8080", "/rt/")
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:8080/rt/?EIO=4&transport=websocket", u)

	_, err = EndpointURL("ftp://x", "")
	require.Error(t, err)
	_, err = EndpointURL("http://", "")
	require.Error(t, err)
}
