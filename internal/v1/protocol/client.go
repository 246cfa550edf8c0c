// Package protocol defines the JSON envelopes exchanged with clients over
// the websocket. Client messages are a discriminated union keyed by "type";
// ParseClient returns the typed payload for the tag so handlers never touch
// raw JSON.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/parleyhq/parley/internal/v1/types"
)

// Client message type tags.
const (
	ClientConnect         = "connect"
	ClientPing            = "ping"
	ClientMessage         = "message"
	ClientTyping          = "typing"
	ClientStatus          = "status"
	ClientEditMessage     = "edit_message"
	ClientDeleteMessage   = "delete_message"
	ClientReaction        = "reaction"
	ClientInvite          = "invite"
	ClientKick            = "kick"
	ClientChangeRole      = "change_role"
	ClientShareFile       = "share_file"
	ClientGetHistory      = "get_history"
	ClientSummarize       = "summarize"
	ClientClearAIMemory   = "clear_ai_memory"
	ClientVerifyPassword  = "verify_password"
	ClientSetPassword     = "set_password"
	ClientVoiceJoin       = "voice_join"
	ClientVoiceLeave      = "voice_leave"
	ClientVoiceStartSpeak = "voice_start_speaking"
	ClientVoiceStopSpeak  = "voice_stop_speaking"
	ClientVoiceAudio      = "voice_continuous_audio"
	ClientVoiceAIAnalyze  = "voice_ai_analyze"
	ClientSharedAIJoin    = "shared_ai_join"
	ClientSharedAILeave   = "shared_ai_leave"
	ClientSharedAIAudio   = "shared_ai_audio"
	ClientSharedAIText    = "shared_ai_text"
	ClientSharedAIContext = "shared_ai_add_context"
	ClientButtonASRStart  = "ai_button_asr_start"
	ClientButtonASRAudio  = "ai_button_asr_audio"
	ClientButtonASRStop   = "ai_button_asr_stop"
	ClientChatVoiceJoin   = "chat_voice_ai_join"
	ClientChatVoiceAudio  = "chat_voice_ai_audio"
	ClientChatVoiceLeave  = "chat_voice_ai_leave"
	ClientChatVoiceMode   = "chat_voice_ai_set_mode"
	ClientChatVoiceWords  = "chat_voice_ai_set_wakewords"
	ClientRefreshURL      = "refresh_download_url"
	ClientTranslate       = "translate_message"
	ClientDeleteFile      = "delete_file"
	ClientRenameFile      = "rename_file"
	ClientListFiles       = "list_session_files"
)

// ClientPayload is implemented by every decoded client message variant.
type ClientPayload interface {
	ClientType() string
}

// ConnectPayload re-announces a connection; carries no fields.
type ConnectPayload struct{}

// PingPayload is a heartbeat probe carrying the client clock.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// SendMessagePayload is an outgoing chat message before the hub stamps
// identity and time onto it.
type SendMessagePayload struct {
	MsgType   types.MessageType     `json:"messageType"`
	Content   string                `json:"content"`
	Mentions  []types.ClientIDType  `json:"mentions,omitempty"`
	MentionsAI bool                 `json:"mentionsAI,omitempty"`
	ReplyTo   string                `json:"replyTo,omitempty"`
	FileData  *types.FileData       `json:"fileData,omitempty"`
	VoiceData *types.VoiceData      `json:"voiceData,omitempty"`
	CodeData  *types.CodeData       `json:"codeData,omitempty"`
	ImageData *types.ImageData      `json:"imageData,omitempty"`
}

// TypingPayload toggles the typing indicator.
type TypingPayload struct {
	IsTyping bool `json:"isTyping"`
}

// StatusPayload updates presence status.
type StatusPayload struct {
	Status string `json:"status"`
}

// EditMessagePayload edits a previously sent message.
type EditMessagePayload struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// DeleteMessagePayload deletes a message.
type DeleteMessagePayload struct {
	MessageID string `json:"messageId"`
}

// ReactionPayload adds or removes an emoji reaction.
type ReactionPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	Action    string `json:"action"` // "add" or "remove"
}

// InvitePayload announces an invited user to the room.
type InvitePayload struct {
	UserID   types.ClientIDType    `json:"userId"`
	UserName types.DisplayNameType `json:"userName"`
	Role     types.RoleType        `json:"role"`
}

// KickPayload removes a user from the room.
type KickPayload struct {
	UserID types.ClientIDType `json:"userId"`
	Reason string             `json:"reason,omitempty"`
}

// ChangeRolePayload reassigns a member's role.
type ChangeRolePayload struct {
	UserID  types.ClientIDType `json:"userId"`
	NewRole types.RoleType     `json:"newRole"`
}

// ShareFilePayload uploads a file through the blob broker.
type ShareFilePayload struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
	Content  string `json:"content,omitempty"` // base64, for inline uploads
}

// GetHistoryPayload requests a history slice.
type GetHistoryPayload struct {
	Before string `json:"before,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// SummarizePayload forces a context summary.
type SummarizePayload struct{}

// ClearAIMemoryPayload resets the room's AI context.
type ClearAIMemoryPayload struct{}

// VerifyPasswordPayload answers a pending room password challenge.
type VerifyPasswordPayload struct {
	Answer string `json:"answer"`
}

// SetPasswordPayload creates or replaces the room password challenge.
type SetPasswordPayload struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// VoicePresencePayload covers the four voice presence transitions
// (join, leave, start speaking, stop speaking); Tag preserves which one.
type VoicePresencePayload struct {
	Tag string
}

// VoiceAudioPayload is one continuous-broadcast audio frame.
type VoiceAudioPayload struct {
	AudioData string `json:"audioData"` // base64 PCM
	IsSpeech  bool   `json:"isSpeech"`
}

// VoiceAIAnalyzePayload asks the AI to analyze the recent voice transcript.
type VoiceAIAnalyzePayload struct{}

// SharedAIJoinPayload joins the room's shared dialog session.
type SharedAIJoinPayload struct {
	VoiceType string   `json:"voiceType,omitempty"`
	Files     []string `json:"files,omitempty"`
}

// SharedAILeavePayload leaves the shared dialog session.
type SharedAILeavePayload struct{}

// SharedAIAudioPayload is one audio frame for the shared dialog session.
type SharedAIAudioPayload struct {
	AudioData  string `json:"audioData"`
	IsSpeaking bool   `json:"isSpeaking"`
}

// SharedAITextPayload sends a typed text query into the dialog session.
type SharedAITextPayload struct {
	Text string `json:"text"`
}

// SharedAIContextPayload attaches a context file to the dialog session.
type SharedAIContextPayload struct {
	FileName string `json:"fileName"`
	Content  string `json:"content"`
}

// ButtonASRStartPayload starts a push-button ASR capture.
type ButtonASRStartPayload struct{}

// ButtonASRAudioPayload is one push-button ASR audio frame.
type ButtonASRAudioPayload struct {
	AudioData string `json:"audioData"`
}

// ButtonASRStopPayload ends a push-button ASR capture.
type ButtonASRStopPayload struct{}

// ChatVoiceJoinPayload starts or joins the per-user chat voice session.
type ChatVoiceJoinPayload struct {
	VoiceType string `json:"voiceType,omitempty"`
}

// ChatVoiceAudioPayload is one per-user chat voice audio frame.
type ChatVoiceAudioPayload struct {
	AudioData string `json:"audioData"`
}

// ChatVoiceLeavePayload ends the per-user chat voice session.
type ChatVoiceLeavePayload struct{}

// ChatVoiceModePayload toggles wake-word mode for the room.
type ChatVoiceModePayload struct {
	WakeWordMode bool `json:"wakeWordMode"`
}

// ChatVoiceWordsPayload replaces the room's wake-word list.
type ChatVoiceWordsPayload struct {
	WakeWords []string `json:"wakeWords"`
}

// RefreshURLPayload re-signs an expired download URL.
type RefreshURLPayload struct {
	BlobKey   string `json:"ossKey"`
	RequestID string `json:"requestId"`
}

// TranslatePayload requests a translation of a message.
type TranslatePayload struct {
	MessageID      string `json:"messageId"`
	Text           string `json:"text"`
	TargetLanguage string `json:"targetLanguage"`
}

// DeleteFilePayload deletes an uploaded file.
type DeleteFilePayload struct {
	FileID string `json:"fileId"`
}

// RenameFilePayload renames an uploaded file.
type RenameFilePayload struct {
	FileID      string `json:"fileId"`
	NewFileName string `json:"newFileName"`
}

// ListFilesPayload lists the room's uploaded files.
type ListFilesPayload struct{}

func (ConnectPayload) ClientType() string         { return ClientConnect }
func (PingPayload) ClientType() string            { return ClientPing }
func (SendMessagePayload) ClientType() string     { return ClientMessage }
func (TypingPayload) ClientType() string          { return ClientTyping }
func (StatusPayload) ClientType() string          { return ClientStatus }
func (EditMessagePayload) ClientType() string     { return ClientEditMessage }
func (DeleteMessagePayload) ClientType() string   { return ClientDeleteMessage }
func (ReactionPayload) ClientType() string        { return ClientReaction }
func (InvitePayload) ClientType() string          { return ClientInvite }
func (KickPayload) ClientType() string            { return ClientKick }
func (ChangeRolePayload) ClientType() string      { return ClientChangeRole }
func (ShareFilePayload) ClientType() string       { return ClientShareFile }
func (GetHistoryPayload) ClientType() string      { return ClientGetHistory }
func (SummarizePayload) ClientType() string       { return ClientSummarize }
func (ClearAIMemoryPayload) ClientType() string   { return ClientClearAIMemory }
func (VerifyPasswordPayload) ClientType() string  { return ClientVerifyPassword }
func (SetPasswordPayload) ClientType() string     { return ClientSetPassword }
func (VoiceAudioPayload) ClientType() string      { return ClientVoiceAudio }
func (VoiceAIAnalyzePayload) ClientType() string  { return ClientVoiceAIAnalyze }
func (SharedAIJoinPayload) ClientType() string    { return ClientSharedAIJoin }
func (SharedAILeavePayload) ClientType() string   { return ClientSharedAILeave }
func (SharedAIAudioPayload) ClientType() string   { return ClientSharedAIAudio }
func (SharedAITextPayload) ClientType() string    { return ClientSharedAIText }
func (SharedAIContextPayload) ClientType() string { return ClientSharedAIContext }
func (ButtonASRStartPayload) ClientType() string  { return ClientButtonASRStart }
func (ButtonASRAudioPayload) ClientType() string  { return ClientButtonASRAudio }
func (ButtonASRStopPayload) ClientType() string   { return ClientButtonASRStop }
func (ChatVoiceJoinPayload) ClientType() string   { return ClientChatVoiceJoin }
func (ChatVoiceAudioPayload) ClientType() string  { return ClientChatVoiceAudio }
func (ChatVoiceLeavePayload) ClientType() string  { return ClientChatVoiceLeave }
func (ChatVoiceModePayload) ClientType() string   { return ClientChatVoiceMode }
func (ChatVoiceWordsPayload) ClientType() string  { return ClientChatVoiceWords }
func (RefreshURLPayload) ClientType() string      { return ClientRefreshURL }
func (TranslatePayload) ClientType() string       { return ClientTranslate }
func (DeleteFilePayload) ClientType() string      { return ClientDeleteFile }
func (RenameFilePayload) ClientType() string      { return ClientRenameFile }
func (ListFilesPayload) ClientType() string       { return ClientListFiles }

func (v VoicePresencePayload) ClientType() string { return v.Tag }

// ErrUnknownType is wrapped by ParseClient for unrecognized tags.
type ErrUnknownType struct {
	Type string
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("protocol: unknown client message type %q", e.Type)
}

// ParseClient decodes a raw client envelope into its typed payload.
func ParseClient(data []byte) (ClientPayload, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}

	decode := func(v ClientPayload) (ClientPayload, error) {
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("protocol: decode %s payload: %w", head.Type, err)
		}
		return v, nil
	}

	switch head.Type {
	case ClientConnect:
		return &ConnectPayload{}, nil
	case ClientPing:
		return decode(&PingPayload{})
	case ClientMessage:
		return decode(&SendMessagePayload{})
	case ClientTyping:
		return decode(&TypingPayload{})
	case ClientStatus:
		return decode(&StatusPayload{})
	case ClientEditMessage:
		return decode(&EditMessagePayload{})
	case ClientDeleteMessage:
		return decode(&DeleteMessagePayload{})
	case ClientReaction:
		return decode(&ReactionPayload{})
	case ClientInvite:
		return decode(&InvitePayload{})
	case ClientKick:
		return decode(&KickPayload{})
	case ClientChangeRole:
		return decode(&ChangeRolePayload{})
	case ClientShareFile:
		return decode(&ShareFilePayload{})
	case ClientGetHistory:
		return decode(&GetHistoryPayload{})
	case ClientSummarize:
		return &SummarizePayload{}, nil
	case ClientClearAIMemory:
		return &ClearAIMemoryPayload{}, nil
	case ClientVerifyPassword:
		return decode(&VerifyPasswordPayload{})
	case ClientSetPassword:
		return decode(&SetPasswordPayload{})
	case ClientVoiceJoin, ClientVoiceLeave, ClientVoiceStartSpeak, ClientVoiceStopSpeak:
		return VoicePresencePayload{Tag: head.Type}, nil
	case ClientVoiceAudio:
		return decode(&VoiceAudioPayload{})
	case ClientVoiceAIAnalyze:
		return &VoiceAIAnalyzePayload{}, nil
	case ClientSharedAIJoin:
		return decode(&SharedAIJoinPayload{})
	case ClientSharedAILeave:
		return &SharedAILeavePayload{}, nil
	case ClientSharedAIAudio:
		return decode(&SharedAIAudioPayload{})
	case ClientSharedAIText:
		return decode(&SharedAITextPayload{})
	case ClientSharedAIContext:
		return decode(&SharedAIContextPayload{})
	case ClientButtonASRStart:
		return &ButtonASRStartPayload{}, nil
	case ClientButtonASRAudio:
		return decode(&ButtonASRAudioPayload{})
	case ClientButtonASRStop:
		return &ButtonASRStopPayload{}, nil
	case ClientChatVoiceJoin:
		return decode(&ChatVoiceJoinPayload{})
	case ClientChatVoiceAudio:
		return decode(&ChatVoiceAudioPayload{})
	case ClientChatVoiceLeave:
		return &ChatVoiceLeavePayload{}, nil
	case ClientChatVoiceMode:
		return decode(&ChatVoiceModePayload{})
	case ClientChatVoiceWords:
		return decode(&ChatVoiceWordsPayload{})
	case ClientRefreshURL:
		return decode(&RefreshURLPayload{})
	case ClientTranslate:
		return decode(&TranslatePayload{})
	case ClientDeleteFile:
		return decode(&DeleteFilePayload{})
	case ClientRenameFile:
		return decode(&RenameFilePayload{})
	case ClientListFiles:
		return &ListFilesPayload{}, nil
	default:
		return nil, &ErrUnknownType{Type: head.Type}
	}
}
