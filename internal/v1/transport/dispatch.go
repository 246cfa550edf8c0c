package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/blob"
	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/metrics"
	"github.com/parleyhq/parley/internal/v1/protocol"
	"github.com/parleyhq/parley/internal/v1/room"
	"github.com/parleyhq/parley/internal/v1/types"
)

const downloadURLTTL = time.Hour

// Dispatch routes one decoded client event. It runs on the connection's read
// pump; anything that dials an upstream or calls the LLM goes to a goroutine.
func (h *Hub) Dispatch(ctx context.Context, c *Client, payload protocol.ClientPayload) {
	typ := payload.ClientType()
	start := time.Now()
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
	}()

	if !c.Authenticated() {
		switch payload.(type) {
		case *protocol.PingPayload, *protocol.VerifyPasswordPayload:
		default:
			c.SendError("Password required", "answer the room password challenge first")
			metrics.WebsocketEvents.WithLabelValues(typ, "denied").Inc()
			return
		}
	}

	err := h.dispatch(ctx, c, payload)
	status := "ok"
	if err != nil {
		status = "error"
		c.SendError(userFacing(err), err.Error())
	}
	metrics.WebsocketEvents.WithLabelValues(typ, status).Inc()
}

func userFacing(err error) string {
	switch {
	case errors.Is(err, room.ErrPermissionDenied):
		return "Permission denied"
	case errors.Is(err, room.ErrNotFound):
		return "Not found"
	default:
		return "Request failed"
	}
}

func (h *Hub) dispatch(ctx context.Context, c *Client, payload protocol.ClientPayload) error {
	switch p := payload.(type) {
	case *protocol.PingPayload:
		c.SendEvent(protocol.Pong{
			Type:            protocol.EvtPong,
			ClientTimestamp: p.Timestamp,
			ServerTimestamp: time.Now().UnixMilli(),
		})
		return nil

	case *protocol.ConnectPayload:
		rm, ok := h.roomOf(c)
		if !ok {
			return room.ErrNotFound
		}
		c.SendEvent(protocol.ConnectionEstablished{
			Type:   protocol.EvtConnectionEstablished,
			UserID: c.id, UserName: c.name, Role: c.Role(),
			RoomID: c.roomID, Participants: rm.Participants(),
		})
		return nil

	case *protocol.VerifyPasswordPayload:
		return h.handleVerifyPassword(ctx, c, p)

	case *protocol.SendMessagePayload:
		return h.handleMessage(ctx, c, p)

	case *protocol.TypingPayload:
		rm, ok := h.roomOf(c)
		if !ok {
			return room.ErrNotFound
		}
		typ := protocol.EvtTypingStop
		if p.IsTyping {
			typ = protocol.EvtTypingStart
		}
		rm.Broadcast(ctx, protocol.MustMarshal(protocol.TypingEvent{
			Type: typ, UserID: c.id, UserName: c.name,
		}), c.id)
		return nil

	case *protocol.StatusPayload:
		rm, ok := h.roomOf(c)
		if !ok {
			return room.ErrNotFound
		}
		rm.Broadcast(ctx, protocol.MustMarshal(protocol.PresenceEvent{
			Type: protocol.EvtUserStatusChanged, UserID: c.id, UserName: c.name, Status: p.Status,
		}), c.id)
		return nil

	case *protocol.EditMessagePayload:
		rm, ok := h.roomOf(c)
		if !ok {
			return room.ErrNotFound
		}
		return rm.EditMessage(ctx, c, p.MessageID, p.Content)

	case *protocol.DeleteMessagePayload:
		rm, ok := h.roomOf(c)
		if !ok {
			return room.ErrNotFound
		}
		return rm.DeleteMessage(ctx, c, p.MessageID)

	case *protocol.ReactionPayload:
		if p.Action != "add" && p.Action != "remove" {
			return fmt.Errorf("reaction action must be add or remove")
		}
		rm, ok := h.roomOf(c)
		if !ok {
			return room.ErrNotFound
		}
		rm.React(ctx, c, p)
		return nil

	case *protocol.InvitePayload:
		rm, ok := h.roomOf(c)
		if !ok {
			return room.ErrNotFound
		}
		return rm.Invite(ctx, c, p)

	case *protocol.KickPayload:
		rm, ok := h.roomOf(c)
		if !ok {
			return room.ErrNotFound
		}
		return rm.Kick(ctx, c, p.UserID, p.Reason)

	case *protocol.ChangeRolePayload:
		rm, ok := h.roomOf(c)
		if !ok {
			return room.ErrNotFound
		}
		return rm.ChangeRole(ctx, c, p.UserID, p.NewRole)

	case *protocol.GetHistoryPayload:
		rm, ok := h.roomOf(c)
		if !ok {
			return room.ErrNotFound
		}
		msgs, hasMore := rm.History(ctx, p.Limit, p.Before)
		c.SendEvent(protocol.HistoryLoaded{
			Type: protocol.EvtHistoryLoaded, Messages: msgs, HasMore: hasMore,
		})
		return nil

	case *protocol.SetPasswordPayload:
		rm, ok := h.roomOf(c)
		if !ok {
			return room.ErrNotFound
		}
		return rm.SetPassword(ctx, c, p.Question, p.Answer)

	case *protocol.ShareFilePayload:
		return h.handleShareFile(ctx, c, p)

	case *protocol.DeleteFilePayload:
		return h.handleDeleteFile(ctx, c, p)

	case *protocol.RenameFilePayload:
		return h.handleRenameFile(ctx, c, p)

	case *protocol.ListFilesPayload:
		if h.store == nil {
			return fmt.Errorf("file listing requires the durable store")
		}
		files, err := h.store.GetRoomFiles(ctx, c.roomID)
		if err != nil {
			return fmt.Errorf("list files: %w", err)
		}
		c.SendEvent(protocol.FileList{Type: protocol.EvtFileList, Files: files})
		return nil

	case *protocol.RefreshURLPayload:
		if h.blob == nil {
			return fmt.Errorf("file storage is not configured")
		}
		url, err := h.blob.GetSignedDownloadURL(ctx, p.BlobKey, downloadURLTTL)
		if err != nil {
			return fmt.Errorf("refresh url: %w", err)
		}
		c.SendEvent(protocol.DownloadURLRefreshed{
			Type: protocol.EvtDownloadURLRefreshed, BlobKey: p.BlobKey, URL: url, RequestID: p.RequestID,
		})
		return nil

	case *protocol.SummarizePayload:
		return h.handleSummarize(ctx, c)

	case *protocol.ClearAIMemoryPayload:
		if !room.HasPermission(c.Role(), room.PermSessionManage) {
			return room.ErrPermissionDenied
		}
		if h.agent == nil {
			return fmt.Errorf("AI assistant is not configured")
		}
		rm, ok := h.roomOf(c)
		if !ok {
			return room.ErrNotFound
		}
		h.agent.ClearMemory(ctx, rm, c.id)
		return nil

	case protocol.VoicePresencePayload:
		return h.handleVoicePresence(ctx, c, p.Tag)

	case *protocol.VoiceAudioPayload:
		return h.handleVoiceAudio(ctx, c, p)

	case *protocol.VoiceAIAnalyzePayload:
		return h.handleVoiceAnalyze(ctx, c)

	case *protocol.SharedAIJoinPayload:
		h.joinDialog(ctx, c, p.VoiceType, p.Files)
		return nil

	case *protocol.SharedAILeavePayload:
		h.leaveDialog(ctx, c)
		return nil

	case *protocol.SharedAIAudioPayload:
		return h.handleDialogAudio(c, p.AudioData, p.IsSpeaking, true)

	case *protocol.SharedAITextPayload:
		s, ok := h.dialogMgr.Get(c.roomID)
		if !ok {
			return fmt.Errorf("no shared AI session")
		}
		return s.Text(p.Text)

	case *protocol.SharedAIContextPayload:
		return h.handleDialogContext(ctx, c, p)

	case *protocol.ButtonASRStartPayload:
		h.startRecognition(ctx, c, false)
		return nil

	case *protocol.ButtonASRAudioPayload:
		frame, err := decodeAudio(p.AudioData)
		if err != nil {
			return err
		}
		if !h.asrMgr.Feed(c.roomID, c.id, frame) {
			return fmt.Errorf("no active recognition session")
		}
		return nil

	case *protocol.ButtonASRStopPayload:
		h.asrMgr.Stop(c.roomID, c.id)
		return nil

	case *protocol.ChatVoiceJoinPayload:
		h.joinDialog(ctx, c, p.VoiceType, nil)
		return nil

	case *protocol.ChatVoiceAudioPayload:
		return h.handleDialogAudio(c, p.AudioData, true, false)

	case *protocol.ChatVoiceLeavePayload:
		h.leaveDialog(ctx, c)
		return nil

	case *protocol.ChatVoiceModePayload:
		s, ok := h.dialogMgr.Get(c.roomID)
		if !ok {
			return fmt.Errorf("no shared AI session")
		}
		s.SetWakeWordMode(p.WakeWordMode)
		state := "wake_word_off"
		if p.WakeWordMode {
			state = "wake_word_on"
		}
		h.broadcast(c.roomID, protocol.SharedAIEvent{
			Type: protocol.EvtSharedAIState, State: state,
		})
		return nil

	case *protocol.ChatVoiceWordsPayload:
		s, ok := h.dialogMgr.Get(c.roomID)
		if !ok {
			return fmt.Errorf("no shared AI session")
		}
		s.SetWakeWords(p.WakeWords)
		return nil

	case *protocol.TranslatePayload:
		return h.handleTranslate(ctx, c, p)

	default:
		return fmt.Errorf("unhandled message type %q", payload.ClientType())
	}
}

// --- Admission ---

func (h *Hub) handleVerifyPassword(ctx context.Context, c *Client, p *protocol.VerifyPasswordPayload) error {
	h.mu.Lock()
	entry, parked := h.pending[c]
	h.mu.Unlock()
	if !parked {
		return fmt.Errorf("no pending password challenge")
	}

	rm := h.getOrCreateRoom(ctx, c.roomID, c.id, "", "", c.Role())
	if rm.VerifyPassword(ctx, p.Answer) {
		h.mu.Lock()
		delete(h.pending, c)
		h.mu.Unlock()
		metrics.PendingPasswordConnections.Dec()
		h.admit(ctx, rm, c)
		return nil
	}

	entry.attempts++
	if entry.attempts >= maxPasswordAttempts {
		h.mu.Lock()
		delete(h.pending, c)
		h.mu.Unlock()
		metrics.PendingPasswordConnections.Dec()
		c.closeWithPolicy("PASSWORD_ATTEMPTS_EXCEEDED", "Too many wrong answers")
		return nil
	}
	c.SendEvent(protocol.PasswordChallenge{
		Type: protocol.EvtPasswordIncorrect, Question: entry.question, Attempts: entry.attempts,
	})
	return nil
}

// --- Chat ---

func (h *Hub) handleMessage(ctx context.Context, c *Client, p *protocol.SendMessagePayload) error {
	rm, ok := h.roomOf(c)
	if !ok {
		return room.ErrNotFound
	}
	msg, err := rm.PostMessage(ctx, c, p)
	if err != nil {
		return err
	}

	if (p.MentionsAI || mentionsAI(p.Content)) &&
		h.agent != nil && room.HasPermission(c.Role(), room.PermAITrigger) {
		go h.agent.Trigger(ctx, rm, msg)
	}
	return nil
}

func mentionsAI(content string) bool {
	return strings.Contains(strings.ToLower(content), "@ai")
}

func (h *Hub) handleSummarize(ctx context.Context, c *Client) error {
	if h.summaries == nil {
		return fmt.Errorf("summaries are not configured")
	}
	rm, ok := h.roomOf(c)
	if !ok {
		return room.ErrNotFound
	}
	msgs := rm.RecentMessages(200)
	if len(msgs) == 0 {
		return fmt.Errorf("nothing to summarize")
	}

	go func() {
		sum, err := h.summaries.Summarize(ctx, c.roomID, msgs)
		if err != nil {
			logging.Warn(ctx, "summarize failed", zap.Error(err))
			c.SendError("Summarization failed", err.Error())
			return
		}
		rm.PostSystemMessage(ctx, &types.ChatMessage{
			SenderID:   "system",
			SenderName: "System",
			SenderRole: types.RoleTypeAI,
			Type:       types.MessageTypeSystem,
			Content:    "Conversation summary:\n" + sum.Summary,
		})
	}()
	return nil
}

// --- Files ---

func (h *Hub) handleShareFile(ctx context.Context, c *Client, p *protocol.ShareFilePayload) error {
	if !room.HasPermission(c.Role(), room.PermFileManage) {
		return room.ErrPermissionDenied
	}
	if h.blob == nil {
		return fmt.Errorf("file storage is not configured")
	}
	if p.FileName == "" {
		return fmt.Errorf("file name required")
	}

	key := blob.Key(c.roomID, "user", p.FileName)
	var (
		url  string
		size = p.FileSize
		err  error
	)
	if p.Content != "" {
		data, decErr := base64.StdEncoding.DecodeString(p.Content)
		if decErr != nil {
			return fmt.Errorf("decode file content: %w", decErr)
		}
		size = int64(len(data))
		url, err = h.blob.UploadBytes(ctx, key, data, map[string]string{"Content-Type": p.MimeType})
	} else {
		// Out-of-band uploads go through the REST route first; here we only
		// sign the download and record the metadata.
		url, err = h.blob.GetSignedDownloadURL(ctx, key, downloadURLTTL)
	}
	if err != nil {
		return fmt.Errorf("store file: %w", err)
	}

	rec := &types.FileRecord{
		ID:         uuid.NewString(),
		RoomID:     c.roomID,
		FileName:   blob.SafeName(p.FileName),
		FileSize:   size,
		MimeType:   p.MimeType,
		BlobKey:    key,
		BlobURL:    url,
		UploadedBy: c.id,
		UploadedAt: time.Now().UTC(),
	}
	if h.store != nil {
		if err := h.store.SaveFileMetadata(ctx, rec); err != nil {
			logging.Warn(ctx, "file metadata persist failed", zap.Error(err))
		}
	}
	h.broadcast(c.roomID, protocol.FileShared{Type: protocol.EvtFileShared, File: rec})
	return nil
}

func (h *Hub) handleDeleteFile(ctx context.Context, c *Client, p *protocol.DeleteFilePayload) error {
	if h.store == nil || h.blob == nil {
		return fmt.Errorf("file storage is not configured")
	}
	rec, err := h.store.GetFileByID(ctx, p.FileID)
	if err != nil || rec == nil {
		return room.ErrNotFound
	}
	if rec.UploadedBy != c.id && !room.HasPermission(c.Role(), room.PermMessageDeleteAny) {
		return room.ErrPermissionDenied
	}

	if err := h.blob.Delete(ctx, rec.BlobKey); err != nil {
		logging.Warn(ctx, "blob delete failed", zap.Error(err), zap.String("key", rec.BlobKey))
	}
	if err := h.store.DeleteFile(ctx, rec.ID); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	h.broadcast(c.roomID, protocol.FileDeleted{
		Type: protocol.EvtFileDeleted, FileID: rec.ID, DeletedBy: c.id,
	})
	return nil
}

func (h *Hub) handleRenameFile(ctx context.Context, c *Client, p *protocol.RenameFilePayload) error {
	if h.store == nil || h.blob == nil {
		return fmt.Errorf("file storage is not configured")
	}
	if p.NewFileName == "" {
		return fmt.Errorf("new file name required")
	}
	rec, err := h.store.GetFileByID(ctx, p.FileID)
	if err != nil || rec == nil {
		return room.ErrNotFound
	}
	if rec.UploadedBy != c.id && !room.HasPermission(c.Role(), room.PermMessageEditAny) {
		return room.ErrPermissionDenied
	}

	newKey := blob.Key(c.roomID, "user", p.NewFileName)
	newURL, err := h.blob.Rename(ctx, rec.BlobKey, newKey)
	if err != nil {
		return fmt.Errorf("rename blob: %w", err)
	}
	newName := blob.SafeName(p.NewFileName)
	if err := h.store.RenameFile(ctx, rec.ID, newName, newKey, newURL); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	h.broadcast(c.roomID, protocol.FileRenamed{
		Type: protocol.EvtFileRenamed, FileID: rec.ID, NewFileName: newName,
	})
	return nil
}

// --- Voice broadcast and recognition ---

func (h *Hub) handleVoicePresence(ctx context.Context, c *Client, tag string) error {
	rm, ok := h.roomOf(c)
	if !ok {
		return room.ErrNotFound
	}

	var status string
	switch tag {
	case protocol.ClientVoiceJoin:
		status = "voice_joined"
		h.startRecognition(ctx, c, true)
	case protocol.ClientVoiceLeave:
		status = "voice_left"
		h.asrMgr.Stop(c.roomID, c.id)
	case protocol.ClientVoiceStartSpeak:
		status = "speaking"
	case protocol.ClientVoiceStopSpeak:
		status = "listening"
	}
	rm.Broadcast(ctx, protocol.MustMarshal(protocol.PresenceEvent{
		Type: protocol.EvtUserStatusChanged, UserID: c.id, UserName: c.name, Status: status,
	}), c.id)
	return nil
}

// startRecognition dials the recognition provider off the read pump. When the
// provider is absent, voice presence stays silent and only the push-button
// flow reports an error.
func (h *Hub) startRecognition(ctx context.Context, c *Client, bestEffort bool) {
	go func() {
		if _, err := h.asrMgr.Start(ctx, c.roomID, c.id, c.name); err != nil {
			if bestEffort {
				logging.Info(ctx, "voice recognition unavailable", zap.Error(err))
				return
			}
			c.SendError("Speech recognition unavailable", err.Error())
		}
	}()
}

func (h *Hub) handleVoiceAudio(ctx context.Context, c *Client, p *protocol.VoiceAudioPayload) error {
	rm, ok := h.roomOf(c)
	if !ok {
		return room.ErrNotFound
	}
	// The room hears the speaker even when recognition is down.
	rm.BroadcastVoice(ctx, c, p)

	if frame, err := decodeAudio(p.AudioData); err == nil {
		h.asrMgr.Feed(c.roomID, c.id, frame)
	}
	return nil
}

func (h *Hub) handleVoiceAnalyze(ctx context.Context, c *Client) error {
	if h.agent == nil {
		return fmt.Errorf("AI assistant is not configured")
	}
	if !room.HasPermission(c.Role(), room.PermAITrigger) {
		return room.ErrPermissionDenied
	}
	rm, ok := h.roomOf(c)
	if !ok {
		return room.ErrNotFound
	}
	tail := h.tailOf(h.voiceTranscripts, c.roomID)
	if len(tail) == 0 {
		return fmt.Errorf("no recent voice transcript to analyze")
	}

	trigger := &types.ChatMessage{
		ID:         uuid.NewString(),
		RoomID:     c.roomID,
		SenderID:   c.id,
		SenderName: c.name,
		SenderRole: c.Role(),
		Type:       types.MessageTypeText,
		Content:    "Analyze the recent voice conversation:\n" + strings.Join(tail, "\n"),
		Timestamp:  types.NowISO(),
	}
	go h.agent.Trigger(ctx, rm, trigger)
	return nil
}

// --- Shared dialog session ---

// joinDialog dials or joins the room's shared session off the read pump.
func (h *Hub) joinDialog(ctx context.Context, c *Client, voiceType string, files []string) {
	if voiceType == "" && h.cfg != nil {
		voiceType = h.cfg.DialogVoice
	}
	go func() {
		s, created, err := h.dialogMgr.Join(ctx, c.roomID, c.id, c.name, voiceType, files)
		if err != nil {
			c.SendEvent(protocol.SharedAIError{
				Type: protocol.EvtSharedAIError, Message: "Voice AI unavailable: " + err.Error(),
			})
			return
		}
		if created {
			h.mu.Lock()
			h.dialogRetained[c.roomID] = true
			h.mu.Unlock()
			if rm, ok := h.roomOf(c); ok {
				rm.RetainUpstream()
			}
			h.broadcast(c.roomID, protocol.SharedAIEvent{
				Type: protocol.EvtSharedAIStarted, UserID: c.id, UserName: c.name,
			})
		}
		h.broadcast(c.roomID, protocol.SharedAIEvent{
			Type: protocol.EvtSharedAIJoined, UserID: c.id, UserName: c.name,
			Participants: s.ParticipantCount(),
		})
	}()
}

func (h *Hub) leaveDialog(ctx context.Context, c *Client) {
	if _, ok := h.dialogMgr.Get(c.roomID); !ok {
		return
	}
	h.dialogMgr.Leave(c.roomID, c.id)
	h.broadcast(c.roomID, protocol.SharedAIEvent{
		Type: protocol.EvtSharedAILeft, UserID: c.id, UserName: c.name,
	})
	h.afterDialogLeave(ctx, c.roomID)
}

// afterDialogLeave releases the room's upstream reference and publishes the
// transcript digest once the session is gone.
func (h *Hub) afterDialogLeave(ctx context.Context, roomID types.RoomIDType) {
	if _, alive := h.dialogMgr.Get(roomID); alive {
		return
	}

	h.mu.Lock()
	retained := h.dialogRetained[roomID]
	delete(h.dialogRetained, roomID)
	tail := h.dialogTails[roomID]
	delete(h.dialogTails, roomID)
	rm := h.rooms[roomID]
	h.mu.Unlock()

	if len(tail) > 0 {
		h.broadcast(roomID, protocol.SharedAISummary{
			Type: protocol.EvtSharedAISummary, Summary: strings.Join(tail, "\n"),
		})
	}
	if retained && rm != nil {
		rm.ReleaseUpstream()
	}
}

func (h *Hub) handleDialogAudio(c *Client, audioB64 string, isSpeaking, mirror bool) error {
	s, ok := h.dialogMgr.Get(c.roomID)
	if !ok {
		return fmt.Errorf("no shared AI session")
	}
	frame, err := decodeAudio(audioB64)
	if err != nil {
		return err
	}
	s.Audio(c.id, c.name, frame, isSpeaking)

	if mirror && isSpeaking {
		if rm, found := h.roomOf(c); found {
			rm.Broadcast(context.Background(), protocol.MustMarshal(protocol.SharedAIAudio{
				Type: protocol.EvtSharedAIUserAudio, AudioData: audioB64, UserID: c.id,
			}), c.id)
		}
	}
	return nil
}

func (h *Hub) handleDialogContext(ctx context.Context, c *Client, p *protocol.SharedAIContextPayload) error {
	s, ok := h.dialogMgr.Get(c.roomID)
	if !ok {
		return fmt.Errorf("no shared AI session")
	}
	if p.FileName == "" {
		return fmt.Errorf("file name required")
	}
	if p.Content != "" && h.blob != nil {
		key := blob.Key(c.roomID, "context", p.FileName)
		data, err := base64.StdEncoding.DecodeString(p.Content)
		if err != nil {
			// Plain text context is accepted as-is.
			data = []byte(p.Content)
		}
		if _, err := h.blob.UploadBytes(ctx, key, data, nil); err != nil {
			logging.Warn(ctx, "context file upload failed", zap.Error(err))
		}
	}
	if added := s.AddContextFiles([]string{p.FileName}); added == 0 {
		return fmt.Errorf("context file limit reached")
	}
	return nil
}

// --- Translation ---

func (h *Hub) handleTranslate(ctx context.Context, c *Client, p *protocol.TranslatePayload) error {
	if h.llm == nil {
		return fmt.Errorf("translation is not configured")
	}
	if p.Text == "" || p.TargetLanguage == "" {
		return fmt.Errorf("text and target language required")
	}

	go func() {
		req := types.LLMRequest{
			Messages: []types.LLMMessage{
				types.TextMessage("system",
					"You are a translator. Translate the user's message into "+
						p.TargetLanguage+". Reply with the translation only."),
				types.TextMessage("user", p.Text),
			},
			Temperature: 0.2,
		}
		resp, err := h.llm.Chat(ctx, req)
		if err != nil {
			c.SendEvent(protocol.TranslationError{
				Type: protocol.EvtTranslationError, MessageID: p.MessageID, Message: err.Error(),
			})
			return
		}
		c.SendEvent(protocol.TranslationResult{
			Type:           protocol.EvtTranslationResult,
			MessageID:      p.MessageID,
			Translation:    resp.Content,
			TargetLanguage: p.TargetLanguage,
		})
	}()
	return nil
}

// --- Audio helpers ---

func decodeAudio(b64 string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	return data, nil
}

func encodeAudio(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
