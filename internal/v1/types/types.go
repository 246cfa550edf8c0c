// Package types holds the shared domain types and port interfaces used across
// the hub. Keeping them in one place avoids import cycles between the room,
// transport, and upstream-session packages.
package types

import (
	"context"
	"errors"
	"time"
)

// --- Core Domain Types ---

// RoleType defines the permission level of a participant within a room.
type RoleType string

// ClientIDType represents a unique identifier for a connected user.
type ClientIDType string

// RoomIDType represents a unique identifier for a collaboration room.
type RoomIDType string

// DisplayNameType represents the human-readable name for a participant.
type DisplayNameType string

// DeviceIDType identifies the physical device a participant connected from.
type DeviceIDType string

// Role constants, ordered by rank. Owner and admin require a deployment-wide
// role password at connect time.
const (
	RoleTypeGuest   RoleType = "guest"
	RoleTypeAI      RoleType = "ai"
	RoleTypeMember  RoleType = "member"
	RoleTypeAdmin   RoleType = "admin"
	RoleTypeOwner   RoleType = "owner"
	RoleTypeUnknown RoleType = "unknown"
)

var roleRanks = map[RoleType]int{
	RoleTypeGuest:  0,
	RoleTypeAI:     1,
	RoleTypeMember: 2,
	RoleTypeAdmin:  3,
	RoleTypeOwner:  4,
}

// Rank returns the numeric rank of a role. Unknown roles rank below guest.
func (r RoleType) Rank() int {
	if rank, ok := roleRanks[r]; ok {
		return rank
	}
	return -1
}

// IsValid reports whether r is one of the five defined roles.
func (r RoleType) IsValid() bool {
	_, ok := roleRanks[r]
	return ok
}

// RequiresRolePassword reports whether connecting with this role must present
// the deployment-wide role password.
func (r RoleType) RequiresRolePassword() bool {
	return r == RoleTypeOwner || r == RoleTypeAdmin
}

// --- Chat Messages ---

// MessageType discriminates the payload carried by a ChatMessage.
type MessageType string

const (
	MessageTypeText       MessageType = "text"
	MessageTypeImage      MessageType = "image"
	MessageTypeVoice      MessageType = "voice"
	MessageTypeFile       MessageType = "file"
	MessageTypeCode       MessageType = "code"
	MessageTypeSystem     MessageType = "system"
	MessageTypeAIThinking MessageType = "ai_thinking"
)

// FileData describes a shared file attachment.
type FileData struct {
	FileID   string `json:"fileId,omitempty"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
	BlobKey  string `json:"blobKey,omitempty"`
	BlobURL  string `json:"blobUrl,omitempty"`
}

// VoiceData describes an inline voice clip.
type VoiceData struct {
	DurationMs int    `json:"durationMs"`
	Format     string `json:"format,omitempty"`
	AudioB64   string `json:"audioBase64,omitempty"`
}

// CodeData describes a code snippet payload.
type CodeData struct {
	Language string `json:"language,omitempty"`
	Code     string `json:"code"`
	FileName string `json:"fileName,omitempty"`
}

// ImageData describes an inline or uploaded image.
type ImageData struct {
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	BlobKey  string `json:"blobKey,omitempty"`
	BlobURL  string `json:"blobUrl,omitempty"`
}

// ChatMessage is the immutable unit of room history. Edits update Content and
// set EditedAt; everything else is fixed once the hub accepts the message.
// At most one of the typed payloads is non-nil.
type ChatMessage struct {
	ID         string          `json:"id"`
	RoomID     RoomIDType      `json:"roomId"`
	SenderID   ClientIDType    `json:"senderId"`
	SenderName DisplayNameType `json:"senderName"`
	SenderRole RoleType        `json:"senderRole"`
	Type       MessageType     `json:"type"`
	Content    string          `json:"content"`
	Mentions   []ClientIDType  `json:"mentions,omitempty"`
	MentionsAI bool            `json:"mentionsAI,omitempty"`
	ReplyTo    string          `json:"replyTo,omitempty"`
	Timestamp  string          `json:"timestamp"` // ISO-8601
	EditedAt   string          `json:"editedAt,omitempty"`
	FileData   *FileData       `json:"fileData,omitempty"`
	VoiceData  *VoiceData      `json:"voiceData,omitempty"`
	CodeData   *CodeData       `json:"codeData,omitempty"`
	ImageData  *ImageData      `json:"imageData,omitempty"`
}

// NowISO returns the server timestamp format used on every wire message.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// --- Participants and Files ---

// ParticipantInfo is the wire representation of a room member.
type ParticipantInfo struct {
	ClientID    ClientIDType    `json:"clientId"`
	DisplayName DisplayNameType `json:"displayName"`
	Role        RoleType        `json:"role"`
	Status      string          `json:"status,omitempty"`
}

// ParticipantRecord is the durable representation of a room member.
type ParticipantRecord struct {
	ID       ClientIDType
	RoomID   RoomIDType
	Name     DisplayNameType
	Role     RoleType
	Status   string
	JoinedAt time.Time
	LastSeen time.Time
}

// FileRecord is the durable metadata of an uploaded file. It doubles as the
// wire shape for file.shared events and file listings.
type FileRecord struct {
	ID         string       `json:"id"`
	RoomID     RoomIDType   `json:"roomId"`
	MessageID  string       `json:"messageId,omitempty"`
	FileName   string       `json:"fileName"`
	FileSize   int64        `json:"fileSize"`
	MimeType   string       `json:"mimeType"`
	BlobURL    string       `json:"blobUrl,omitempty"`
	BlobKey    string       `json:"blobKey,omitempty"`
	UploadedBy ClientIDType `json:"uploadedBy"`
	UploadedAt time.Time    `json:"uploadedAt"`
}

// ConversationSummary is the durable context-compression artifact for a room.
type ConversationSummary struct {
	ID            string
	RoomID        RoomIDType
	Summary       string
	MessageCount  int
	LastMessageID string
	LastMessageAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// --- Message Store port ---

// ErrStoreUnavailable is returned by MessageStore implementations when the
// backing store is disconnected. Callers degrade to the in-memory ring.
var ErrStoreUnavailable = errors.New("message store unavailable")

// MessageStore is the durable persistence port for rooms, messages,
// participants, files, and room password challenges.
type MessageStore interface {
	EnsureRoom(ctx context.Context, id RoomIDType, name string, creator ClientIDType, pwQuestion, pwAnswer string) error
	GetRoomPasswordQuestion(ctx context.Context, id RoomIDType) (string, error)
	VerifyRoomPassword(ctx context.Context, id RoomIDType, answer string) (bool, error)
	SetRoomPassword(ctx context.Context, id RoomIDType, question, answer string) error

	SaveMessage(ctx context.Context, msg *ChatMessage) error
	GetMessages(ctx context.Context, roomID RoomIDType, limit int, before string) ([]*ChatMessage, error)
	UpdateMessageContent(ctx context.Context, roomID RoomIDType, messageID, content, editedAt string) error
	DeleteMessage(ctx context.Context, roomID RoomIDType, messageID string) error
	ClearRoomMessages(ctx context.Context, roomID RoomIDType) error

	SaveParticipant(ctx context.Context, p *ParticipantRecord) error
	UpdateParticipantStatus(ctx context.Context, roomID RoomIDType, id ClientIDType, status string) error

	SaveFileMetadata(ctx context.Context, f *FileRecord) error
	GetFileByID(ctx context.Context, id string) (*FileRecord, error)
	GetFileByMessageID(ctx context.Context, messageID string) (*FileRecord, error)
	RenameFile(ctx context.Context, id, newName, newKey, newURL string) error
	DeleteFile(ctx context.Context, id string) error
	GetRoomFiles(ctx context.Context, roomID RoomIDType) ([]*FileRecord, error)

	UpsertSummary(ctx context.Context, s *ConversationSummary) error
	GetSummary(ctx context.Context, roomID RoomIDType) (*ConversationSummary, error)
}

// --- Blob Store port ---

// UploadTarget is a presigned upload destination returned by the blob store.
type UploadTarget struct {
	URL     string
	Headers map[string]string
}

// BlobStore is the object-storage port used for file sharing and
// server-originated artifacts such as chat-history exports.
type BlobStore interface {
	GenerateUploadURL(ctx context.Context, key, mime string, ttl time.Duration) (*UploadTarget, error)
	GetSignedDownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Rename(ctx context.Context, oldKey, newKey string) (string, error)
	Delete(ctx context.Context, key string) error
	UploadBytes(ctx context.Context, key string, data []byte, headers map[string]string) (string, error)
}

// --- LLM port ---

// LLMToolCall is a tool invocation requested by the model.
type LLMToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON
}

// LLMMessage is one entry in a chat completion request. Content is a pointer
// because assistant records that carry tool calls have null content.
type LLMMessage struct {
	Role       string        `json:"role"`
	Content    *string       `json:"content"`
	Name       string        `json:"name,omitempty"`
	ToolCalls  []LLMToolCall `json:"toolCalls,omitempty"`
	ToolCallID string        `json:"toolCallId,omitempty"`
}

// LLMToolSpec advertises a callable tool to the model.
type LLMToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
}

// LLMRequest is a single chat completion call.
type LLMRequest struct {
	Messages    []LLMMessage
	Tools       []LLMToolSpec
	Temperature float64
}

// LLMResponse is the model's reply to an LLMRequest.
type LLMResponse struct {
	Content   string
	ToolCalls []LLMToolCall
}

// LLMClient is the port to the external chat model.
type LLMClient interface {
	Chat(ctx context.Context, req LLMRequest) (*LLMResponse, error)
}

// TextMessage pairs a plain role with content for helper construction.
func TextMessage(role, content string) LLMMessage {
	c := content
	return LLMMessage{Role: role, Content: &c}
}

// --- Upstream provider ports ---

// UpstreamConn is the subset of a websocket connection the upstream session
// managers need. Satisfied by *websocket.Conn in production and by fakes in
// tests.
type UpstreamConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ASRClient dials the streaming speech-recognition provider.
type ASRClient interface {
	Dial(ctx context.Context) (UpstreamConn, error)
}

// DialogClient dials the end-to-end conversational voice provider.
type DialogClient interface {
	Dial(ctx context.Context) (UpstreamConn, error)
}

// --- Shared Interfaces ---

// BusService is the optional Redis event mirror. When nil, the hub runs in
// single-instance mode and events stay in-process.
type BusService interface {
	Publish(ctx context.Context, roomID string, event string, payload any, senderID string) error
	Close() error
}
