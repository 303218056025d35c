package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0x00, 0xFF, 'a'}, 1000)

	raw, err := Encode(NewData("sid-1", 7, payload))
	require.NoError(t, err)

	m, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeData, m.Type)
	assert.Equal(t, "sid-1", m.SessionID)
	assert.Equal(t, uint64(7), m.Seq)

	got, err := m.Payload()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDecodeValidation(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{{{`, ErrMalformedFrame},
		{"unknown type", `{"type":"Banana"}`, ErrUnknownType},
		{"empty type", `{"session_id":"x"}`, ErrUnknownType},
		{"data without session", `{"type":"Data","seq":1,"data":"aGk="}`, ErrMalformedFrame},
		{"close without session", `{"type":"Close"}`, ErrMalformedFrame},
		{"connect without session", `{"type":"Connect","host":"example.test","port":80}`, ErrMalformedFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecodeAcceptsEveryVariant(t *testing.T) {
	frames := []Message{
		NewRegister(Metadata{CountryCode: "JP", PublicIP: "203.0.113.7", OSName: "linux"}),
		NewRegistered("aBcDeFgHiJkLm"),
		NewConnect("sid", "example.test", 443),
		NewConnectOK("sid", "198.51.100.4:51442"),
		NewConnectFailed("sid", "connection refused"),
		NewData("sid", 1, []byte("hello")),
		NewCloseWrite("sid"),
		NewClose("sid", "done"),
		NewPing(),
		NewPong(),
	}

	for _, frame := range frames {
		raw, err := Encode(frame)
		require.NoError(t, err)
		got, err := Decode(raw)
		require.NoError(t, err, "variant %s", frame.Type)
		assert.Equal(t, frame.Type, got.Type)
	}
}

func TestPayloadRejectsBadBase64(t *testing.T) {
	m := Message{Type: TypeData, SessionID: "sid", Data: "not//valid--base64!!"}
	_, err := m.Payload()
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestTypeDiscriminatorOnWire(t *testing.T) {
	raw, err := Encode(NewCloseWrite("sid"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"CloseWrite"`)
}
