package protocol

import (
	"encoding/json"

	"github.com/parleyhq/parley/internal/v1/types"
)

// Server event type tags.
const (
	EvtConnectionEstablished = "connection.established"
	EvtPong                  = "connection.pong"
	EvtMessageNew            = "message.new"
	EvtMessageUpdated        = "message.updated"
	EvtMessageDeleted        = "message.deleted"
	EvtMessageReaction       = "message.reaction"
	EvtUserJoined            = "user.joined"
	EvtUserLeft              = "user.left"
	EvtUserStatusChanged     = "user.status_changed"
	EvtUserInvited           = "user.invited"
	EvtUserKicked            = "user.kicked"
	EvtUserRoleChanged       = "user.role_changed"
	EvtTypingStart           = "typing.start"
	EvtTypingStop            = "typing.stop"
	EvtAIThinking            = "ai.thinking"
	EvtAIResponse            = "ai.response"
	EvtAIToolCall            = "ai.tool_call"
	EvtAITaskPlan            = "ai.task_plan"
	EvtAITaskUpdate          = "ai.task_update"
	EvtAIMemoryCleared       = "ai.memory_cleared"
	EvtVoiceFrame            = "voice_continuous_audio"
	EvtVoiceTranscribing     = "voice.transcribing"
	EvtVoiceTranscribed      = "voice.transcribed"
	EvtVoiceTranscript       = "voice.transcript"
	EvtVoiceTranscriptFinal  = "voice.transcript.final"
	EvtVoiceAIAnalyze        = "voice.ai_analyze"
	EvtVoiceAIError          = "voice_ai.error"
	EvtSharedAIStarted       = "shared_ai.started"
	EvtSharedAIJoined        = "shared_ai.joined"
	EvtSharedAILeft          = "shared_ai.left"
	EvtSharedAIState         = "shared_ai.state"
	EvtSharedAIASR           = "shared_ai.asr"
	EvtSharedAIResponse      = "shared_ai.response"
	EvtSharedAIAudio         = "shared_ai.audio"
	EvtSharedAIUserAudio     = "shared_ai.user_audio"
	EvtSharedAISummary       = "shared_ai.summary"
	EvtSharedAIError         = "shared_ai.error"
	EvtHistoryLoaded         = "history.loaded"
	EvtPasswordRequired      = "password.required"
	EvtPasswordIncorrect     = "password.incorrect"
	EvtPasswordSet           = "password.set"
	EvtFileShared            = "file.shared"
	EvtFileDeleted           = "file.deleted"
	EvtFileRenamed           = "file.renamed"
	EvtFileList              = "file.list"
	EvtDownloadURLRefreshed  = "download_url_refreshed"
	EvtTranslationResult     = "translation_result"
	EvtTranslationError      = "translation_error"
	EvtError                 = "error"
)

// ServerEvent is any outbound envelope. Every event struct carries its own
// Type tag so a plain json.Marshal yields the wire form.
type ServerEvent interface {
	EventType() string
}

// ConnectionEstablished greets a freshly admitted connection.
type ConnectionEstablished struct {
	Type         string                   `json:"type"`
	UserID       types.ClientIDType       `json:"userId"`
	UserName     types.DisplayNameType    `json:"userName"`
	Role         types.RoleType           `json:"role"`
	RoomID       types.RoomIDType         `json:"roomId"`
	Participants []types.ParticipantInfo  `json:"participants"`
}

// Pong answers a client ping with both clocks.
type Pong struct {
	Type            string `json:"type"`
	ClientTimestamp int64  `json:"clientTimestamp"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

// MessageEvent wraps a chat message for message.new and message.updated.
type MessageEvent struct {
	Type    string             `json:"type"`
	Message *types.ChatMessage `json:"message"`
}

// MessageDeleted announces a removed message.
type MessageDeleted struct {
	Type      string             `json:"type"`
	MessageID string             `json:"messageId"`
	DeletedBy types.ClientIDType `json:"deletedBy"`
}

// MessageReaction broadcasts a reaction add/remove.
type MessageReaction struct {
	Type      string             `json:"type"`
	MessageID string             `json:"messageId"`
	Emoji     string             `json:"emoji"`
	Action    string             `json:"action"`
	UserID    types.ClientIDType `json:"userId"`
}

// PresenceEvent covers user.joined, user.left and user.status_changed.
type PresenceEvent struct {
	Type     string                `json:"type"`
	UserID   types.ClientIDType    `json:"userId"`
	UserName types.DisplayNameType `json:"userName"`
	Role     types.RoleType        `json:"role,omitempty"`
	Status   string                `json:"status,omitempty"`
}

// UserInvited announces an invitation.
type UserInvited struct {
	Type      string                `json:"type"`
	UserID    types.ClientIDType    `json:"userId"`
	UserName  types.DisplayNameType `json:"userName"`
	Role      types.RoleType        `json:"role"`
	InvitedBy types.ClientIDType    `json:"invitedBy"`
}

// UserKicked is sent to the room and, with TargetIsYou set, to the target.
type UserKicked struct {
	Type        string             `json:"type"`
	UserID      types.ClientIDType `json:"userId"`
	KickedBy    types.ClientIDType `json:"kickedBy"`
	Reason      string             `json:"reason,omitempty"`
	TargetIsYou bool               `json:"targetIsYou,omitempty"`
}

// UserRoleChanged announces a role reassignment.
type UserRoleChanged struct {
	Type      string             `json:"type"`
	UserID    types.ClientIDType `json:"userId"`
	NewRole   types.RoleType     `json:"newRole"`
	ChangedBy types.ClientIDType `json:"changedBy"`
}

// TypingEvent covers typing.start and typing.stop.
type TypingEvent struct {
	Type     string                `json:"type"`
	UserID   types.ClientIDType    `json:"userId"`
	UserName types.DisplayNameType `json:"userName"`
}

// AIThinking signals the agent loop has started; ephemeral, never persisted.
type AIThinking struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// AIToolCall narrates one tool invocation inside the agent loop.
type AIToolCall struct {
	Type      string `json:"type"`
	Tool      string `json:"tool"`
	Arguments string `json:"arguments,omitempty"`
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
}

// AITaskEvent covers ai.task_plan and ai.task_update progress frames.
type AITaskEvent struct {
	Type    string   `json:"type"`
	Tasks   []string `json:"tasks,omitempty"`
	Current int      `json:"current,omitempty"`
	Detail  string   `json:"detail,omitempty"`
}

// AIMemoryCleared confirms a context reset.
type AIMemoryCleared struct {
	Type      string             `json:"type"`
	ClearedBy types.ClientIDType `json:"clearedBy"`
}

// VoiceFrame relays one member's audio to the rest of the room. Broadcast is
// independent of recognition state.
type VoiceFrame struct {
	Type      string                `json:"type"`
	UserID    types.ClientIDType    `json:"userId"`
	UserName  types.DisplayNameType `json:"userName"`
	AudioData string                `json:"audioData"`
	IsSpeech  bool                  `json:"isSpeech"`
	Timestamp int64                 `json:"timestamp"`
}

// VoiceTranscript carries ASR output; used for transcribing/transcribed and
// the transcript/transcript.final pair with the Final flag.
type VoiceTranscript struct {
	Type     string                `json:"type"`
	UserID   types.ClientIDType    `json:"userId"`
	UserName types.DisplayNameType `json:"userName"`
	Text     string                `json:"text"`
	Final    bool                  `json:"final,omitempty"`
}

// VoiceAIError surfaces a failed ASR upstream after reconnects are exhausted.
type VoiceAIError struct {
	Type    string             `json:"type"`
	UserID  types.ClientIDType `json:"userId"`
	Message string             `json:"message"`
}

// SharedAIEvent is the common shape for shared dialog session notifications
// (started, joined, left, state).
type SharedAIEvent struct {
	Type         string                `json:"type"`
	UserID       types.ClientIDType    `json:"userId,omitempty"`
	UserName     types.DisplayNameType `json:"userName,omitempty"`
	State        string                `json:"state,omitempty"`
	Participants int                   `json:"participants,omitempty"`
}

// SharedAIASR relays recognized speech inside the shared dialog session.
type SharedAIASR struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Definite bool   `json:"definite"`
}

// SharedAIResponse relays assistant text from the shared dialog session.
type SharedAIResponse struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Done    bool   `json:"done,omitempty"`
}

// SharedAIAudio relays synthesized audio (base64) from the dialog session.
// shared_ai.user_audio mirrors a speaking member's audio level to the room.
type SharedAIAudio struct {
	Type      string             `json:"type"`
	AudioData string             `json:"audioData"`
	UserID    types.ClientIDType `json:"userId,omitempty"`
}

// SharedAISummary delivers the transcript digest on session teardown.
type SharedAISummary struct {
	Type    string `json:"type"`
	Summary string `json:"summary"`
}

// SharedAIError surfaces a failed dialog upstream.
type SharedAIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// HistoryLoaded replays a slice of durable history, oldest first.
type HistoryLoaded struct {
	Type     string               `json:"type"`
	Messages []*types.ChatMessage `json:"messages"`
	HasMore  bool                 `json:"hasMore"`
}

// PasswordChallenge covers password.required and password.incorrect.
type PasswordChallenge struct {
	Type     string `json:"type"`
	Question string `json:"question,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// PasswordSet confirms a new room password.
type PasswordSet struct {
	Type  string             `json:"type"`
	SetBy types.ClientIDType `json:"setBy"`
}

// FileShared announces a completed upload.
type FileShared struct {
	Type string            `json:"type"`
	File *types.FileRecord `json:"file"`
}

// FileDeleted announces a removed file.
type FileDeleted struct {
	Type      string             `json:"type"`
	FileID    string             `json:"fileId"`
	DeletedBy types.ClientIDType `json:"deletedBy"`
}

// FileRenamed announces a renamed file.
type FileRenamed struct {
	Type        string `json:"type"`
	FileID      string `json:"fileId"`
	NewFileName string `json:"newFileName"`
}

// FileList answers a list_session_files request.
type FileList struct {
	Type  string              `json:"type"`
	Files []*types.FileRecord `json:"files"`
}

// DownloadURLRefreshed returns a re-signed download URL; RequestID echoes the
// client's correlation token.
type DownloadURLRefreshed struct {
	Type      string `json:"type"`
	BlobKey   string `json:"ossKey"`
	URL       string `json:"url"`
	RequestID string `json:"requestId"`
}

// TranslationResult returns a translated message body.
type TranslationResult struct {
	Type           string `json:"type"`
	MessageID      string `json:"messageId"`
	Translation    string `json:"translation"`
	TargetLanguage string `json:"targetLanguage"`
}

// TranslationError reports a failed translation.
type TranslationError struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
}

// ErrorEvent is the generic soft error reply. It never closes the socket.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e ConnectionEstablished) EventType() string { return e.Type }
func (e Pong) EventType() string                  { return e.Type }
func (e MessageEvent) EventType() string          { return e.Type }
func (e MessageDeleted) EventType() string        { return e.Type }
func (e MessageReaction) EventType() string       { return e.Type }
func (e PresenceEvent) EventType() string         { return e.Type }
func (e UserInvited) EventType() string           { return e.Type }
func (e UserKicked) EventType() string            { return e.Type }
func (e UserRoleChanged) EventType() string       { return e.Type }
func (e TypingEvent) EventType() string           { return e.Type }
func (e AIThinking) EventType() string            { return e.Type }
func (e AIToolCall) EventType() string            { return e.Type }
func (e AITaskEvent) EventType() string           { return e.Type }
func (e AIMemoryCleared) EventType() string       { return e.Type }
func (e VoiceFrame) EventType() string            { return e.Type }
func (e VoiceTranscript) EventType() string       { return e.Type }
func (e VoiceAIError) EventType() string          { return e.Type }
func (e SharedAIEvent) EventType() string         { return e.Type }
func (e SharedAIASR) EventType() string           { return e.Type }
func (e SharedAIResponse) EventType() string      { return e.Type }
func (e SharedAIAudio) EventType() string         { return e.Type }
func (e SharedAISummary) EventType() string       { return e.Type }
func (e SharedAIError) EventType() string         { return e.Type }
func (e HistoryLoaded) EventType() string         { return e.Type }
func (e PasswordChallenge) EventType() string     { return e.Type }
func (e PasswordSet) EventType() string           { return e.Type }
func (e FileShared) EventType() string            { return e.Type }
func (e FileDeleted) EventType() string           { return e.Type }
func (e FileRenamed) EventType() string           { return e.Type }
func (e FileList) EventType() string              { return e.Type }
func (e DownloadURLRefreshed) EventType() string  { return e.Type }
func (e TranslationResult) EventType() string     { return e.Type }
func (e TranslationError) EventType() string      { return e.Type }
func (e ErrorEvent) EventType() string            { return e.Type }

// Marshal serializes a server event for the wire.
func Marshal(ev ServerEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// MustMarshal serializes a server event, panicking on failure. The event
// structs contain no unmarshalable fields, so failure means a programming
// error.
func MustMarshal(ev ServerEvent) []byte {
	data, err := json.Marshal(ev)
	if err != nil {
		panic(err)
	}
	return data
}

// NewError builds the generic error reply.
func NewError(message, details string) ErrorEvent {
	return ErrorEvent{Type: EvtError, Message: message, Details: details}
}

// NewMessageNew wraps an accepted chat message.
func NewMessageNew(msg *types.ChatMessage) MessageEvent {
	return MessageEvent{Type: EvtMessageNew, Message: msg}
}

// NewMessageUpdated wraps an edited chat message.
func NewMessageUpdated(msg *types.ChatMessage) MessageEvent {
	return MessageEvent{Type: EvtMessageUpdated, Message: msg}
}
