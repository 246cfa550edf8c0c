package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/v1/types"
)

func TestParseClient_SendMessage(t *testing.T) {
	raw := []byte(`{
		"type": "message",
		"messageType": "text",
		"content": "hello @ai",
		"mentions": ["user-2"],
		"mentionsAI": true,
		"replyTo": "msg-9"
	}`)

	payload, err := ParseClient(raw)
	require.NoError(t, err)

	msg, ok := payload.(*SendMessagePayload)
	require.True(t, ok, "expected *SendMessagePayload, got %T", payload)
	assert.Equal(t, types.MessageTypeText, msg.MsgType)
	assert.Equal(t, "hello @ai", msg.Content)
	assert.Equal(t, []types.ClientIDType{"user-2"}, msg.Mentions)
	assert.True(t, msg.MentionsAI)
	assert.Equal(t, "msg-9", msg.ReplyTo)
	assert.Equal(t, ClientMessage, payload.ClientType())
}

func TestParseClient_FilePayloadVariant(t *testing.T) {
	raw := []byte(`{
		"type": "message",
		"messageType": "file",
		"content": "report.pdf",
		"fileData": {"fileName":"report.pdf","fileSize":1024,"mimeType":"application/pdf"}
	}`)

	payload, err := ParseClient(raw)
	require.NoError(t, err)

	msg := payload.(*SendMessagePayload)
	require.NotNil(t, msg.FileData)
	assert.Equal(t, "report.pdf", msg.FileData.FileName)
	assert.Equal(t, int64(1024), msg.FileData.FileSize)
	assert.Nil(t, msg.VoiceData)
}

func TestParseClient_ModerationAndPassword(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`{"type":"kick","userId":"u2","reason":"spam"}`, ClientKick},
		{`{"type":"change_role","userId":"u2","newRole":"admin"}`, ClientChangeRole},
		{`{"type":"verify_password","answer":"Blue"}`, ClientVerifyPassword},
		{`{"type":"set_password","question":"color?","answer":"blue"}`, ClientSetPassword},
		{`{"type":"get_history","limit":25}`, ClientGetHistory},
	}
	for _, tc := range tests {
		payload, err := ParseClient([]byte(tc.raw))
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, payload.ClientType())
	}

	kick, _ := ParseClient([]byte(`{"type":"kick","userId":"u2","reason":"spam"}`))
	assert.Equal(t, "spam", kick.(*KickPayload).Reason)
}

func TestParseClient_VoicePresenceKeepsTag(t *testing.T) {
	for _, tag := range []string{ClientVoiceJoin, ClientVoiceLeave, ClientVoiceStartSpeak, ClientVoiceStopSpeak} {
		payload, err := ParseClient([]byte(`{"type":"` + tag + `"}`))
		require.NoError(t, err)
		assert.Equal(t, tag, payload.ClientType())
	}
}

func TestParseClient_BareTypeMessages(t *testing.T) {
	for _, tag := range []string{
		ClientConnect, ClientSummarize, ClientClearAIMemory,
		ClientSharedAILeave, ClientButtonASRStart, ClientButtonASRStop,
		ClientChatVoiceLeave, ClientListFiles, ClientVoiceAIAnalyze,
	} {
		payload, err := ParseClient([]byte(`{"type":"` + tag + `"}`))
		require.NoError(t, err, tag)
		assert.Equal(t, tag, payload.ClientType())
	}
}

func TestParseClient_UnknownType(t *testing.T) {
	_, err := ParseClient([]byte(`{"type":"warp_drive"}`))
	require.Error(t, err)

	var unknown *ErrUnknownType
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "warp_drive", unknown.Type)
}

func TestParseClient_MalformedJSON(t *testing.T) {
	_, err := ParseClient([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestServerEvents_WireShape(t *testing.T) {
	data, err := Marshal(Pong{Type: EvtPong, ClientTimestamp: 100, ServerTimestamp: 200})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, EvtPong, decoded["type"])
	assert.EqualValues(t, 100, decoded["clientTimestamp"])
	assert.EqualValues(t, 200, decoded["serverTimestamp"])
}

func TestServerEvents_ErrorOmitsEmptyDetails(t *testing.T) {
	data := MustMarshal(NewError("Invalid message format", ""))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "Invalid message format", decoded["message"])
	_, hasDetails := decoded["details"]
	assert.False(t, hasDetails)
}

func TestServerEvents_MessageNewRoundTrip(t *testing.T) {
	msg := &types.ChatMessage{
		ID:         "m1",
		RoomID:     "room-1",
		SenderID:   "u1",
		SenderName: "Ada",
		SenderRole: types.RoleTypeMember,
		Type:       types.MessageTypeText,
		Content:    "hi",
		Timestamp:  types.NowISO(),
	}
	data := MustMarshal(NewMessageNew(msg))

	var decoded MessageEvent
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, EvtMessageNew, decoded.Type)
	assert.Equal(t, msg.ID, decoded.Message.ID)
	assert.Equal(t, msg.SenderRole, decoded.Message.SenderRole)
}
