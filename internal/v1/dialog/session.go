// Package dialog maintains room-scoped conversational voice sessions. One
// upstream socket serves every participant of a room; audio carries speaker
// attribution, and in wake-word mode assistant output is gated until a
// configured word is heard in a final transcript.
package dialog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/dialproto"
	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/metrics"
	"github.com/parleyhq/parley/internal/v1/types"
)

// Session tuning.
const (
	// audioBufferCap bounds audio frames buffered before the session is ready.
	audioBufferCap = 250

	// transcriptRingCap is the rolling window scanned for wake-word context.
	transcriptRingCap = 20

	// contextFileCap bounds the files the first joiner may attach.
	contextFileCap = 10

	// historyWindow is how many chat lines the history delegate contributes.
	historyWindow = 50

	maxReconnectAttempts = 3
	reconnectBaseDelay   = time.Second

	closeFlushDelay = 100 * time.Millisecond
)

// DefaultWakeWords ship with every room until overridden.
var DefaultWakeWords = []string{"AI", "ai", "Ai", "小爱", "小艾", "哎", "诶"}

// TranscriptLine is one recognized utterance with its speaker.
type TranscriptLine struct {
	UserID   types.ClientIDType
	UserName types.DisplayNameType
	Text     string
	Definite bool
}

// Listener receives session output. The hub is the only production listener.
type Listener interface {
	OnState(s *Session, state string)
	OnASR(s *Session, line TranscriptLine)
	OnResponse(s *Session, content string, done bool)
	OnAudio(s *Session, audio []byte)
	OnError(s *Session, err error)
}

// HistoryDelegate supplies recent chat lines for wake-word context.
type HistoryDelegate func(roomID types.RoomIDType, n int) []string

// Session is one room's shared upstream dialog.
type Session struct {
	RoomID types.RoomIDType

	client   types.DialogClient
	listener Listener
	history  HistoryDelegate

	mu           sync.Mutex
	participants map[types.ClientIDType]types.DisplayNameType
	ready        bool
	closing      bool
	conn         types.UpstreamConn
	sessionID    string
	voiceType    string
	contextFiles []string
	audioBuffer  [][]byte
	attempts     int

	currentSpeaker  types.ClientIDType
	currentSpkName  types.DisplayNameType
	speakingSet     map[types.ClientIDType]bool
	wakeWordMode    bool
	wakeWords       []string
	wakeWordFired   bool
	transcripts     []TranscriptLine

	lastActive time.Time
	sleep      func(time.Duration)
}

func newSession(roomID types.RoomIDType, client types.DialogClient, listener Listener, history HistoryDelegate) *Session {
	return &Session{
		RoomID:       roomID,
		client:       client,
		listener:     listener,
		history:      history,
		participants: make(map[types.ClientIDType]types.DisplayNameType),
		speakingSet:  make(map[types.ClientIDType]bool),
		wakeWords:    append([]string(nil), DefaultWakeWords...),
		lastActive:   time.Now(),
		sleep:        time.Sleep,
	}
}

// --- Participants ---

// addParticipant registers a joiner. The first joiner's voice type and
// context files configure the session; later values are ignored.
func (s *Session) addParticipant(userID types.ClientIDType, userName types.DisplayNameType, voiceType string, files []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.participants) == 0 {
		s.voiceType = voiceType
		if len(files) > contextFileCap {
			files = files[:contextFileCap]
		}
		s.contextFiles = append([]string(nil), files...)
	}
	s.participants[userID] = userName
	s.lastActive = time.Now()
}

// removeParticipant drops a member and reports whether the session is now
// empty.
func (s *Session) removeParticipant(userID types.ClientIDType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants, userID)
	delete(s.speakingSet, userID)
	if s.currentSpeaker == userID {
		s.currentSpeaker = ""
		s.currentSpkName = ""
	}
	return len(s.participants) == 0
}

// ParticipantCount returns the current number of joined members.
func (s *Session) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

// Participants lists the joined member ids.
func (s *Session) Participants() []types.ClientIDType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ClientIDType, 0, len(s.participants))
	for id := range s.participants {
		out = append(out, id)
	}
	return out
}

// CurrentSpeaker returns the attributed speaker for the ongoing burst.
func (s *Session) CurrentSpeaker() (types.ClientIDType, types.DisplayNameType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentSpeaker, s.currentSpkName
}

// AddContextFiles appends files up to the cap, for late joiners sharing
// material. It returns how many of the given files were accepted.
func (s *Session) AddContextFiles(files []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, f := range files {
		if len(s.contextFiles) >= contextFileCap {
			break
		}
		s.contextFiles = append(s.contextFiles, f)
		added++
	}
	return added
}

// --- Wake words ---

// SetWakeWordMode toggles gated mode for the room.
func (s *Session) SetWakeWordMode(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakeWordMode = on
	if !on {
		s.wakeWordFired = false
	}
}

// SetWakeWords replaces the room's wake-word list. An empty list restores the
// defaults.
func (s *Session) SetWakeWords(words []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(words) == 0 {
		s.wakeWords = append([]string(nil), DefaultWakeWords...)
		return
	}
	s.wakeWords = append([]string(nil), words...)
}

// WakeWordDetected reports whether the current turn is ungated.
func (s *Session) WakeWordDetected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wakeWordFired
}

// --- Upstream lifecycle ---

// start dials and begins the handshake; the read loop drives the rest.
func (s *Session) start(ctx context.Context) error {
	conn, err := s.client.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dialog: dial upstream: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.sessionID = uuid.NewString()
	s.ready = false
	s.mu.Unlock()

	if err := conn.WriteMessage(websocket.BinaryMessage,
		dialproto.EncodeClientEvent(dialproto.EventClientStartConnection, "", []byte("{}"))); err != nil {
		conn.Close()
		return fmt.Errorf("dialog: start connection: %w", err)
	}
	s.emitState("connecting")

	go s.readLoop(conn)
	return nil
}

// Audio ingests one attributed audio frame. isSpeaking updates the speaker
// bookkeeping; the bytes are buffered or streamed depending on readiness.
func (s *Session) Audio(userID types.ClientIDType, userName types.DisplayNameType, frame []byte, isSpeaking bool) {
	s.mu.Lock()
	s.lastActive = time.Now()
	if isSpeaking {
		s.currentSpeaker = userID
		s.currentSpkName = userName
		s.speakingSet[userID] = true
	} else {
		delete(s.speakingSet, userID)
	}

	if !s.ready {
		s.audioBuffer = append(s.audioBuffer, frame)
		if len(s.audioBuffer) > audioBufferCap {
			s.audioBuffer = s.audioBuffer[len(s.audioBuffer)-audioBufferCap:]
		}
		s.mu.Unlock()
		return
	}
	conn, sessionID := s.conn, s.sessionID
	s.mu.Unlock()

	if err := conn.WriteMessage(websocket.BinaryMessage, dialproto.EncodeClientAudio(sessionID, frame)); err != nil {
		logging.Warn(context.Background(), "dialog audio write failed",
			zap.String("room_id", string(s.RoomID)), zap.Error(err))
	}
}

// Text sends a typed query straight to the upstream, bypassing recognition.
func (s *Session) Text(content string) error {
	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		return fmt.Errorf("dialog: session not ready")
	}
	conn, sessionID := s.conn, s.sessionID
	s.mu.Unlock()

	payload, _ := json.Marshal(dialproto.TextQueryPayload{Content: content})
	return conn.WriteMessage(websocket.BinaryMessage,
		dialproto.EncodeClientEvent(dialproto.EventClientTextQuery, sessionID, payload))
}

// BufferedAudio returns the number of frames held for the handshake.
func (s *Session) BufferedAudio() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audioBuffer)
}

// LastActive returns the last ingest or upstream activity time.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Close finishes the upstream session, waits briefly for the flush, and tears
// the socket down. All callbacks are suppressed from this point.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	conn, sessionID := s.conn, s.sessionID
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.BinaryMessage,
			dialproto.EncodeClientEvent(dialproto.EventClientFinishSession, sessionID, []byte("{}")))
		time.Sleep(closeFlushDelay)
		conn.Close()
	}
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// --- Read side ---

func (s *Session) readLoop(conn types.UpstreamConn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(err)
			return
		}
		frame, err := dialproto.Decode(data)
		if err != nil {
			logging.Warn(context.Background(), "dialog frame decode failed",
				zap.String("room_id", string(s.RoomID)), zap.Error(err))
			continue
		}
		s.handleFrame(conn, frame)
	}
}

func (s *Session) handleFrame(conn types.UpstreamConn, frame *dialproto.Frame) {
	if s.isClosing() {
		return
	}
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()

	switch frame.EventID {
	case dialproto.EventConnectionStarted:
		s.mu.Lock()
		sessionID, voiceType := s.sessionID, s.voiceType
		s.mu.Unlock()
		payload, _ := json.Marshal(dialproto.StartSessionPayload{
			Dialog: dialproto.DialogParams{Extra: map[string]string{"mode": "dialog"}},
			TTSConfig: &dialproto.TTSConfig{VoiceType: voiceType},
		})
		if err := conn.WriteMessage(websocket.BinaryMessage,
			dialproto.EncodeClientEvent(dialproto.EventClientStartSession, sessionID, payload)); err != nil {
			s.handleDisconnect(err)
		}

	case dialproto.EventSessionStarted:
		s.mu.Lock()
		s.ready = true
		s.attempts = 0
		buffered := s.audioBuffer
		s.audioBuffer = nil
		sessionID := s.sessionID
		s.mu.Unlock()
		for _, frame := range buffered {
			if err := conn.WriteMessage(websocket.BinaryMessage, dialproto.EncodeClientAudio(sessionID, frame)); err != nil {
				break
			}
		}
		s.emitState("ready")

	case dialproto.EventConnectionFailed, dialproto.EventSessionFailed, dialproto.EventDialogError:
		s.handleDisconnect(fmt.Errorf("dialog: upstream event %d: %s", frame.EventID, frame.Text()))

	case dialproto.EventASRResponse:
		var payload dialproto.ASRResultPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return
		}
		for _, u := range payload.Results {
			s.handleTranscript(u.Text, u.Definite)
		}

	case dialproto.EventChatResponse:
		var payload dialproto.ChatResponsePayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return
		}
		if s.gated() {
			return
		}
		if s.listener != nil {
			s.listener.OnResponse(s, payload.Content, false)
		}

	case dialproto.EventChatEnded:
		gatedBefore := s.gated()
		s.clearWakeWord()
		if !gatedBefore && s.listener != nil {
			s.listener.OnResponse(s, "", true)
		}

	case dialproto.EventTTSSentenceStart, dialproto.EventTTSResponse:
		if s.gated() {
			return
		}
		if frame.EventID == dialproto.EventTTSResponse && s.listener != nil {
			s.listener.OnAudio(s, frame.Payload)
		}

	case dialproto.EventTTSEnded:
		s.clearWakeWord()
	}
}

// handleTranscript records the line, forwards it to the room, and in gated
// mode scans finals for a wake word.
func (s *Session) handleTranscript(text string, definite bool) {
	s.mu.Lock()
	line := TranscriptLine{
		UserID:   s.currentSpeaker,
		UserName: s.currentSpkName,
		Text:     text,
		Definite: definite,
	}
	s.transcripts = append(s.transcripts, line)
	if len(s.transcripts) > transcriptRingCap {
		s.transcripts = s.transcripts[len(s.transcripts)-transcriptRingCap:]
	}
	mode, fired := s.wakeWordMode, s.wakeWordFired
	words := s.wakeWords
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.OnASR(s, line)
	}

	if !mode || fired || !definite {
		return
	}
	if !containsWakeWord(text, words) {
		return
	}

	s.mu.Lock()
	s.wakeWordFired = true
	recent := make([]TranscriptLine, len(s.transcripts))
	copy(recent, s.transcripts)
	s.mu.Unlock()

	s.sendWakeContext(text, recent)
}

// sendWakeContext sends the single context-laden text query that opens the
// assistant's turn.
func (s *Session) sendWakeContext(trigger string, recent []TranscriptLine) {
	var b strings.Builder
	if s.history != nil {
		if lines := s.history(s.RoomID, historyWindow); len(lines) > 0 {
			b.WriteString("Recent chat history:\n")
			for _, l := range lines {
				b.WriteString(l)
				b.WriteByte('\n')
			}
			b.WriteByte('\n')
		}
	}
	b.WriteString("Recent voice transcripts:\n")
	for _, line := range recent {
		fmt.Fprintf(&b, "%s: %s\n", line.UserName, line.Text)
	}
	b.WriteString("\nTrigger: " + trigger)

	if err := s.Text(b.String()); err != nil {
		logging.Warn(context.Background(), "wake-word context send failed",
			zap.String("room_id", string(s.RoomID)), zap.Error(err))
	}
}

func (s *Session) gated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wakeWordMode && !s.wakeWordFired
}

func (s *Session) clearWakeWord() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakeWordFired = false
}

// handleDisconnect retries up to the attempt cap with linear backoff. A
// session that emptied during the outage is abandoned.
func (s *Session) handleDisconnect(cause error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.ready = false
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	if attempt > maxReconnectAttempts {
		metrics.UpstreamReconnects.WithLabelValues("dialog", "exhausted").Inc()
		if s.listener != nil && !s.isClosing() {
			s.listener.OnError(s, fmt.Errorf("dialog: upstream lost after %d attempts: %w", maxReconnectAttempts, cause))
		}
		return
	}

	s.emitState("reconnecting")
	s.sleep(reconnectBaseDelay * time.Duration(attempt))

	if s.ParticipantCount() == 0 || s.isClosing() {
		// Everyone left during the outage; nothing to reconnect for.
		return
	}

	if err := s.start(context.Background()); err != nil {
		metrics.UpstreamReconnects.WithLabelValues("dialog", "error").Inc()
		s.handleDisconnect(err)
		return
	}
	metrics.UpstreamReconnects.WithLabelValues("dialog", "ok").Inc()
}

func (s *Session) emitState(state string) {
	if s.listener != nil && !s.isClosing() {
		s.listener.OnState(s, state)
	}
}

// containsWakeWord reports whether any configured word appears in the text.
func containsWakeWord(text string, words []string) bool {
	for _, w := range words {
		if w != "" && strings.Contains(text, w) {
			return true
		}
	}
	return false
}
