package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/v1/types"
)

func newMsg(id, roomID, sender, content, ts string) *types.ChatMessage {
	return &types.ChatMessage{
		ID:         id,
		RoomID:     types.RoomIDType(roomID),
		SenderID:   types.ClientIDType(sender),
		SenderName: "Sender",
		SenderRole: types.RoleTypeMember,
		Type:       types.MessageTypeText,
		Content:    content,
		Timestamp:  ts,
	}
}

func TestMemory_SaveThenGetContainsMessage(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	msg := newMsg("m1", "room-1", "u1", "hello", "2026-08-24T10:00:00Z")
	require.NoError(t, m.SaveMessage(ctx, msg))

	got, err := m.GetMessages(ctx, "room-1", 100, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Content)
}

func TestMemory_SaveMessageIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	msg := newMsg("m1", "room-1", "u1", "hello", "2026-08-24T10:00:00Z")
	require.NoError(t, m.SaveMessage(ctx, msg))
	require.NoError(t, m.SaveMessage(ctx, msg))
	require.NoError(t, m.SaveMessage(ctx, msg))

	got, err := m.GetMessages(ctx, "room-1", 100, "")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemory_GetMessagesNewestFirstWithPagination(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i := 0; i < 5; i++ {
		ts := fmt.Sprintf("2026-08-24T10:00:0%dZ", i)
		require.NoError(t, m.SaveMessage(ctx, newMsg(fmt.Sprintf("m%d", i), "room-1", "u1", fmt.Sprintf("msg %d", i), ts)))
	}

	got, err := m.GetMessages(ctx, "room-1", 2, "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m4", got[0].ID)
	assert.Equal(t, "m3", got[1].ID)

	// Page older than the last one received.
	older, err := m.GetMessages(ctx, "room-1", 10, got[1].Timestamp)
	require.NoError(t, err)
	require.Len(t, older, 3)
	assert.Equal(t, "m2", older[0].ID)
}

func TestMemory_PasswordCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SetRoomPassword(ctx, "room-1", "sky color", "blue"))

	for answer, want := range map[string]bool{
		"blue": true, "Blue": true, "BLUE": true, "green": false, "": false,
	} {
		ok, err := m.VerifyRoomPassword(ctx, "room-1", answer)
		require.NoError(t, err)
		assert.Equal(t, want, ok, "answer %q", answer)
	}

	question, err := m.GetRoomPasswordQuestion(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "sky color", question)
}

func TestMemory_NoPasswordAlwaysVerifies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.VerifyRoomPassword(ctx, "never-seen", "anything")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemory_EnsureRoomDoesNotOverwrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.EnsureRoom(ctx, "room-1", "First", "u1", "q", "a"))
	require.NoError(t, m.EnsureRoom(ctx, "room-1", "Second", "u2", "other", "pw"))

	question, err := m.GetRoomPasswordQuestion(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "q", question)
}

func TestMemory_EditAndDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.SaveMessage(ctx, newMsg("m1", "room-1", "u1", "typo", "2026-08-24T10:00:00Z")))

	require.NoError(t, m.UpdateMessageContent(ctx, "room-1", "m1", "fixed", "2026-08-24T10:01:00Z"))
	got, _ := m.GetMessages(ctx, "room-1", 10, "")
	require.Len(t, got, 1)
	assert.Equal(t, "fixed", got[0].Content)
	assert.NotEmpty(t, got[0].EditedAt)

	require.NoError(t, m.DeleteMessage(ctx, "room-1", "m1"))
	got, _ = m.GetMessages(ctx, "room-1", 10, "")
	assert.Empty(t, got)
}

func TestMemory_ClearRoomMessages(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.SaveMessage(ctx, newMsg(fmt.Sprintf("m%d", i), "room-1", "u1", "x", "2026-08-24T10:00:00Z")))
	}
	require.NoError(t, m.ClearRoomMessages(ctx, "room-1"))
	got, _ := m.GetMessages(ctx, "room-1", 10, "")
	assert.Empty(t, got)

	// Re-saving a cleared id works again.
	require.NoError(t, m.SaveMessage(ctx, newMsg("m0", "room-1", "u1", "again", "2026-08-24T11:00:00Z")))
	got, _ = m.GetMessages(ctx, "room-1", 10, "")
	assert.Len(t, got, 1)
}

func TestMemory_Files(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()

	f := &types.FileRecord{
		ID: "f1", RoomID: "room-1", MessageID: "m1",
		FileName: "notes.txt", FileSize: 12, MimeType: "text/plain",
		BlobKey: "room-1/user/notes.txt", BlobURL: "http://x/notes.txt",
		UploadedBy: "u1", UploadedAt: now,
	}
	require.NoError(t, m.SaveFileMetadata(ctx, f))

	byID, err := m.GetFileByID(ctx, "f1")
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "notes.txt", byID.FileName)

	byMsg, err := m.GetFileByMessageID(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, byMsg)
	assert.Equal(t, "f1", byMsg.ID)

	require.NoError(t, m.RenameFile(ctx, "f1", "renamed.txt", "room-1/user/renamed.txt", "http://x/renamed.txt"))
	byID, _ = m.GetFileByID(ctx, "f1")
	assert.Equal(t, "renamed.txt", byID.FileName)

	listed, err := m.GetRoomFiles(ctx, "room-1")
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	require.NoError(t, m.DeleteFile(ctx, "f1"))
	byID, err = m.GetFileByID(ctx, "f1")
	require.NoError(t, err)
	assert.Nil(t, byID)
}

func TestMemory_SummaryUpsertKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first := &types.ConversationSummary{
		ID: "s1", RoomID: "room-1", Summary: "short", MessageCount: 10,
	}
	require.NoError(t, m.UpsertSummary(ctx, first))

	second := &types.ConversationSummary{
		ID: "s2", RoomID: "room-1", Summary: "longer", MessageCount: 20,
	}
	require.NoError(t, m.UpsertSummary(ctx, second))

	got, err := m.GetSummary(ctx, "room-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.ID, "upsert keeps the original row identity")
	assert.Equal(t, "longer", got.Summary)
	assert.Equal(t, 20, got.MessageCount)
}

func TestMemory_Participants(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	p := &types.ParticipantRecord{
		ID: "u1", RoomID: "room-1", Name: "Ada",
		Role: types.RoleTypeMember, Status: "online",
		JoinedAt: time.Now(), LastSeen: time.Now(),
	}
	require.NoError(t, m.SaveParticipant(ctx, p))
	require.NoError(t, m.UpdateParticipantStatus(ctx, "room-1", "u1", "offline"))
}
