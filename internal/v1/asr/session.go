// Package asr maintains per-user streaming speech-recognition sessions
// against the upstream dialog provider. Each session owns one upstream
// socket, gates audio behind the handshake, coalesces noisy finals, and
// reports results through a listener interface.
package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/dialproto"
	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/metrics"
	"github.com/parleyhq/parley/internal/v1/types"
)

// State is the upstream session lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateReconnecting
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session tuning.
const (
	// pendingAudioCap bounds buffered frames before the handshake completes,
	// roughly five seconds of 16 kHz PCM.
	pendingAudioCap = 500

	maxReconnectAttempts = 3
	reconnectBaseDelay   = time.Second

	// singleCharHold delays a one-character final so a following fragment can
	// be merged with it.
	singleCharHold = 5 * time.Second

	// dedupeWindow drops a final that is mostly identical to the previous one.
	dedupeWindow    = 3 * time.Second
	similarityFloor = 0.5

	// emitCooldown suppresses all recognition output briefly after a final.
	emitCooldown = 2 * time.Second

	endSmoothWindowMs = 500
)

// Listener receives session output. The hub is the only production listener.
type Listener interface {
	OnStateChange(s *Session, state State)
	OnASRResult(s *Session, text string, interim bool)
	OnAIResponse(s *Session, text string)
	OnAIAudio(s *Session, audio []byte)
	OnError(s *Session, err error)
}

// Session is one user's recognition stream.
type Session struct {
	RoomID   types.RoomIDType
	UserID   types.ClientIDType
	UserName types.DisplayNameType

	client   types.ASRClient
	listener Listener

	mu           sync.Mutex
	state        State
	conn         types.UpstreamConn
	sessionID    string
	pendingAudio [][]byte
	attempts     int
	closing      bool

	lastTranscript string
	lastEmittedAt  time.Time
	cooldownUntil  time.Time
	pendingChar    string
	pendingCharAt  time.Time
	charTimer      *time.Timer

	createdAt  time.Time
	lastActive time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

func newSession(roomID types.RoomIDType, userID types.ClientIDType, userName types.DisplayNameType, client types.ASRClient, listener Listener) *Session {
	return &Session{
		RoomID:     roomID,
		UserID:     userID,
		UserName:   userName,
		client:     client,
		listener:   listener,
		state:      StateIdle,
		createdAt:  time.Now(),
		lastActive: time.Now(),
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	if s.listener != nil {
		s.listener.OnStateChange(s, state)
	}
}

// start dials the upstream, sends StartConnection, and launches the read
// loop. The rest of the handshake is driven by server frames.
func (s *Session) start(ctx context.Context) error {
	s.setState(StateConnecting)

	conn, err := s.client.Dial(ctx)
	if err != nil {
		s.setState(StateClosed)
		return fmt.Errorf("asr: dial upstream: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.sessionID = uuid.NewString()
	s.mu.Unlock()

	if err := conn.WriteMessage(websocket.BinaryMessage,
		dialproto.EncodeClientEvent(dialproto.EventClientStartConnection, "", []byte("{}"))); err != nil {
		conn.Close()
		s.setState(StateClosed)
		return fmt.Errorf("asr: start connection: %w", err)
	}
	s.setState(StateHandshaking)

	go s.readLoop(conn)
	return nil
}

// Ingest accepts one audio frame. Before the session is ready frames are
// buffered FIFO with the oldest dropped past the cap; after, they stream
// straight upstream.
func (s *Session) Ingest(frame []byte) {
	s.mu.Lock()
	s.lastActive = s.now()
	if s.state != StateReady {
		s.pendingAudio = append(s.pendingAudio, frame)
		if len(s.pendingAudio) > pendingAudioCap {
			s.pendingAudio = s.pendingAudio[len(s.pendingAudio)-pendingAudioCap:]
		}
		s.mu.Unlock()
		return
	}
	conn, sessionID := s.conn, s.sessionID
	s.mu.Unlock()

	if err := conn.WriteMessage(websocket.BinaryMessage, dialproto.EncodeClientAudio(sessionID, frame)); err != nil {
		logging.Warn(context.Background(), "asr audio write failed",
			zap.String("user_id", string(s.UserID)), zap.Error(err))
	}
}

// PendingCount returns the number of buffered frames.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingAudio)
}

// LastActive returns the time of the last ingest or upstream frame.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Close finishes the upstream session and stops the read loop.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	conn, sessionID := s.conn, s.sessionID
	if s.charTimer != nil {
		s.charTimer.Stop()
	}
	s.mu.Unlock()

	s.setState(StateClosing)
	if conn != nil {
		_ = conn.WriteMessage(websocket.BinaryMessage,
			dialproto.EncodeClientEvent(dialproto.EventClientFinishSession, sessionID, []byte("{}")))
		time.Sleep(100 * time.Millisecond)
		conn.Close()
	}
	s.setState(StateClosed)
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
			logging.Warn(context.Background(), "asr frame decode failed",
				zap.String("user_id", string(s.UserID)), zap.Error(err))
			continue
		}
		s.handleFrame(conn, frame)
	}
}

func (s *Session) handleFrame(conn types.UpstreamConn, frame *dialproto.Frame) {
	s.mu.Lock()
	s.lastActive = s.now()
	s.mu.Unlock()

	switch frame.EventID {
	case dialproto.EventConnectionStarted:
		s.mu.Lock()
		sessionID := s.sessionID
		s.mu.Unlock()
		payload, _ := json.Marshal(dialproto.StartSessionPayload{
			Dialog:          dialproto.DialogParams{Extra: map[string]string{"mode": "asr"}},
			EndSmoothWindow: endSmoothWindowMs,
		})
		if err := conn.WriteMessage(websocket.BinaryMessage,
			dialproto.EncodeClientEvent(dialproto.EventClientStartSession, sessionID, payload)); err != nil {
			s.handleDisconnect(err)
		}

	case dialproto.EventSessionStarted:
		s.finishHandshake(conn)

	case dialproto.EventConnectionFailed, dialproto.EventSessionFailed, dialproto.EventDialogError:
		s.handleDisconnect(fmt.Errorf("asr: upstream event %d: %s", frame.EventID, frame.Text()))

	case dialproto.EventASRResponse:
		var payload dialproto.ASRResultPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return
		}
		for _, u := range payload.Results {
			s.handleUtterance(u.Text, u.Definite)
		}

	case dialproto.EventChatResponse:
		var payload dialproto.ChatResponsePayload
		if err := json.Unmarshal(frame.Payload, &payload); err == nil && s.listener != nil {
			s.listener.OnAIResponse(s, payload.Content)
		}

	case dialproto.EventTTSResponse:
		if s.listener != nil {
			s.listener.OnAIAudio(s, frame.Payload)
		}
	}
}

// finishHandshake forwards the buffered frames FIFO and marks the session
// ready. The emptiness check and the state flip happen under the same lock
// hold, so a frame ingested while a batch is being written is picked up by
// the next pass instead of sitting in the buffer forever.
func (s *Session) finishHandshake(conn types.UpstreamConn) {
	for {
		s.mu.Lock()
		if len(s.pendingAudio) == 0 {
			s.state = StateReady
			s.attempts = 0
			s.mu.Unlock()
			if s.listener != nil {
				s.listener.OnStateChange(s, StateReady)
			}
			return
		}
		pending := s.pendingAudio
		s.pendingAudio = nil
		sessionID := s.sessionID
		s.mu.Unlock()

		for _, frame := range pending {
			if err := conn.WriteMessage(websocket.BinaryMessage, dialproto.EncodeClientAudio(sessionID, frame)); err != nil {
				logging.Warn(context.Background(), "asr flush write failed",
					zap.String("user_id", string(s.UserID)), zap.Error(err))
				return
			}
		}
	}
}

// handleDisconnect runs the reconnect policy: up to 3 attempts with linear
// backoff, then give up and surface the error.
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
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	if attempt > maxReconnectAttempts {
		metrics.UpstreamReconnects.WithLabelValues("asr", "exhausted").Inc()
		s.setState(StateClosed)
		if s.listener != nil {
			s.listener.OnError(s, fmt.Errorf("asr: upstream lost after %d attempts: %w", maxReconnectAttempts, cause))
		}
		return
	}

	s.setState(StateReconnecting)
	s.sleep(reconnectBaseDelay * time.Duration(attempt))

	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return
	}

	if err := s.start(context.Background()); err != nil {
		metrics.UpstreamReconnects.WithLabelValues("asr", "error").Inc()
		s.handleDisconnect(err)
		return
	}
	metrics.UpstreamReconnects.WithLabelValues("asr", "ok").Inc()
}

// --- Final-transcript coalescing ---

// handleUtterance applies cooldown, single-char merging, and duplicate
// suppression before anything reaches the listener.
func (s *Session) handleUtterance(text string, definite bool) {
	s.mu.Lock()
	if s.now().Before(s.cooldownUntil) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if !definite {
		if s.listener != nil && strings.TrimSpace(text) != "" {
			s.listener.OnASRResult(s, text, true)
		}
		return
	}

	normalized := normalizeTranscript(text)
	if normalized == "" {
		return
	}

	s.mu.Lock()
	if s.pendingChar != "" {
		merged := s.pendingChar + text
		s.pendingChar = ""
		if s.charTimer != nil {
			s.charTimer.Stop()
			s.charTimer = nil
		}
		s.mu.Unlock()
		s.emitFinal(merged)
		return
	}
	if len([]rune(normalized)) == 1 {
		s.pendingChar = text
		s.pendingCharAt = s.now()
		s.charTimer = time.AfterFunc(singleCharHold, s.flushPendingChar)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.emitFinal(text)
}

// flushPendingChar emits a held single-character final after the hold expires.
func (s *Session) flushPendingChar() {
	s.mu.Lock()
	held := s.pendingChar
	s.pendingChar = ""
	s.charTimer = nil
	s.mu.Unlock()
	if held != "" {
		s.emitFinal(held)
	}
}

func (s *Session) emitFinal(text string) {
	s.mu.Lock()
	now := s.now()
	if s.lastTranscript != "" && now.Sub(s.lastEmittedAt) < dedupeWindow &&
		similarity(normalizeTranscript(s.lastTranscript), normalizeTranscript(text)) > similarityFloor {
		s.mu.Unlock()
		return
	}
	s.lastTranscript = text
	s.lastEmittedAt = now
	s.cooldownUntil = now.Add(emitCooldown)
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.OnASRResult(s, text, false)
	}
}

// normalizeTranscript strips punctuation and whitespace for comparison.
func normalizeTranscript(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// similarity is the positional character match ratio over the longer string.
func similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1
	}
	shortest := len(ra)
	if len(rb) < shortest {
		shortest = len(rb)
	}
	matches := 0
	for i := 0; i < shortest; i++ {
		if ra[i] == rb[i] {
			matches++
		}
	}
	return float64(matches) / float64(longest)
}
