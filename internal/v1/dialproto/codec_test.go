package dialproto

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildServerFrame assembles a server-side frame the way the provider's
// reference writer does, so decoder tests exercise real wire bytes.
func buildServerFrame(t *testing.T, msgType byte, eventID int32, sessionID string, payload []byte, useGzip bool) []byte {
	t.Helper()
	var buf bytes.Buffer

	compression := byte(CompressionNone)
	if useGzip {
		compression = CompressionGzip
		var gz bytes.Buffer
		w := gzip.NewWriter(&gz)
		_, err := w.Write(payload)
		require.NoError(t, err)
		require.NoError(t, w.Close())
		payload = gz.Bytes()
	}

	buf.Write([]byte{
		0x11,
		msgType<<4 | FlagEvent,
		SerializationJSON<<4 | compression,
		0x00,
	})
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(eventID))
	buf.Write(b[:])
	if eventID >= EventClientStartSession {
		binary.BigEndian.PutUint32(b[:], uint32(len(sessionID)))
		buf.Write(b[:])
		buf.WriteString(sessionID)
	}
	binary.BigEndian.PutUint32(b[:], uint32(len(payload)))
	buf.Write(b[:])
	buf.Write(payload)
	return buf.Bytes()
}

func TestDecode_FullServerJSON(t *testing.T) {
	payload := []byte(`{"content":"hello"}`)
	data := buildServerFrame(t, MsgFullServer, EventChatResponse, "sess-1", payload, false)

	frame, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, byte(MsgFullServer), frame.MessageType)
	assert.Equal(t, EventChatResponse, frame.EventID)
	assert.Equal(t, "sess-1", frame.SessionID)
	assert.Equal(t, payload, frame.Payload)
	assert.False(t, frame.IsRawText)
}

func TestDecode_GzipInflated(t *testing.T) {
	payload := []byte(`{"results":[{"text":"hi","definite":true}]}`)
	data := buildServerFrame(t, MsgFullServer, EventASRResponse, "sess-2", payload, true)

	frame, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, payload, frame.Payload)
}

func TestDecode_RawUUIDUnderJSONFlag(t *testing.T) {
	// The provider sends bare UUIDs with the JSON serialization bit set.
	uuid := []byte("0de7cbeb-e8b5-447c-a8ad-6d17e24f0ab9")
	data := buildServerFrame(t, MsgFullServer, EventSessionStarted, "sess-3", uuid, false)

	frame, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, frame.IsRawText)
	assert.Equal(t, string(uuid), frame.Text())
}

func TestDecode_ConnectClassHasNoSessionID(t *testing.T) {
	data := buildServerFrame(t, MsgFullServer, EventConnectionStarted, "", []byte(`{}`), false)

	frame, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, EventConnectionStarted, frame.EventID)
	assert.Empty(t, frame.SessionID)
}

func TestDecode_AudioServer(t *testing.T) {
	audio := []byte{0x00, 0x01, 0x02, 0x03, 0xFF}
	var buf bytes.Buffer
	buf.Write([]byte{0x11, MsgAudioServer<<4 | FlagEvent, SerializationRaw << 4, 0x00})
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(EventTTSResponse))
	buf.Write(b[:])
	binary.BigEndian.PutUint32(b[:], uint32(len("sess-4")))
	buf.Write(b[:])
	buf.WriteString("sess-4")
	binary.BigEndian.PutUint32(b[:], uint32(len(audio)))
	buf.Write(b[:])
	buf.Write(audio)

	frame, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, byte(MsgAudioServer), frame.MessageType)
	assert.Equal(t, EventTTSResponse, frame.EventID)
	assert.Equal(t, audio, frame.Payload)
}

func TestDecode_ErrorFrameCarriesCode(t *testing.T) {
	payload := []byte(`{"error":"quota exceeded"}`)
	var buf bytes.Buffer
	buf.Write([]byte{0x11, MsgError << 4, SerializationJSON << 4, 0x00})
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], 55002001)
	buf.Write(b[:])
	binary.BigEndian.PutUint32(b[:], uint32(len(payload)))
	buf.Write(b[:])
	buf.Write(payload)

	frame, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, byte(MsgError), frame.MessageType)
	assert.Equal(t, uint32(55002001), frame.ErrorCode)
	assert.Equal(t, payload, frame.Payload)
}

func TestDecode_SequenceFlag(t *testing.T) {
	payload := []byte(`{}`)
	var buf bytes.Buffer
	buf.Write([]byte{0x11, MsgFullServer<<4 | FlagSequence, SerializationJSON << 4, 0x00})
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], 42)
	buf.Write(b[:])
	binary.BigEndian.PutUint32(b[:], uint32(len(payload)))
	buf.Write(b[:])
	buf.Write(payload)

	frame, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, int32(42), frame.Sequence)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", []byte{0x11, 0x94}},
		{"bad version", []byte{0x21, 0x94, 0x10, 0x00, 0, 0, 0, 0}},
		{"truncated event id", []byte{0x11, 0x94, 0x10, 0x00, 0, 0}},
		{"payload overflow", func() []byte {
			data := buildServerFrame(t, MsgFullServer, EventConnectionStarted, "", []byte(`{}`), false)
			// Inflate the declared payload size past the end of the frame.
			binary.BigEndian.PutUint32(data[8:12], 9999)
			return data
		}()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data)
			assert.Error(t, err)
		})
	}
}

func TestEncodeClientEvent_RoundTrip(t *testing.T) {
	// Every client event id round-trips through the decoder unchanged.
	cases := []struct {
		eventID   int32
		sessionID string
	}{
		{EventClientStartConnection, ""},
		{EventClientStartSession, "sess-a"},
		{EventClientFinishSession, "sess-a"},
		{EventClientTextQuery, "sess-a"},
	}
	for _, tc := range cases {
		payload := []byte(`{"k":"v"}`)
		data := EncodeClientEvent(tc.eventID, tc.sessionID, payload)

		frame, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, byte(MsgFullClient), frame.MessageType)
		assert.Equal(t, tc.eventID, frame.EventID)
		assert.Equal(t, tc.sessionID, frame.SessionID)
		assert.Equal(t, payload, frame.Payload)
	}
}

func TestEncodeClientEvent_Deterministic(t *testing.T) {
	a := EncodeClientEvent(EventClientStartSession, "s", []byte(`{}`))
	b := EncodeClientEvent(EventClientStartSession, "s", []byte(`{}`))
	assert.Equal(t, a, b)
}

func TestEncodeClientAudio_RoundTrip(t *testing.T) {
	audio := []byte{0x52, 0x49, 0x46, 0x46, 0x00, 0x10}
	data := EncodeClientAudio("sess-b", audio)

	frame, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, byte(MsgAudioClient), frame.MessageType)
	assert.Equal(t, EventClientAudioTask, frame.EventID)
	assert.Equal(t, "sess-b", frame.SessionID)
	assert.Equal(t, audio, frame.Payload)
}
