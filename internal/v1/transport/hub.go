package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/agent"
	"github.com/parleyhq/parley/internal/v1/asr"
	"github.com/parleyhq/parley/internal/v1/auth"
	"github.com/parleyhq/parley/internal/v1/config"
	"github.com/parleyhq/parley/internal/v1/dialog"
	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/metrics"
	"github.com/parleyhq/parley/internal/v1/protocol"
	"github.com/parleyhq/parley/internal/v1/ratelimit"
	"github.com/parleyhq/parley/internal/v1/room"
	"github.com/parleyhq/parley/internal/v1/summary"
	"github.com/parleyhq/parley/internal/v1/types"
)

const (
	// PendingPasswordTTL bounds how long a parked connection may sit on the
	// room password challenge before the reaper closes it.
	PendingPasswordTTL = 5 * time.Minute

	// maxPasswordAttempts closes the connection after repeated wrong answers.
	maxPasswordAttempts = 3

	// emptyRoomGrace delays room teardown so a quick reconnect finds its
	// ring intact.
	emptyRoomGrace = 30 * time.Second

	// transcriptTailLen bounds the per-room transcript tails kept for
	// voice analysis and dialog teardown summaries.
	transcriptTailLen = 20
)

// TokenValidator abstracts over the JWKS, HMAC, and mock validators.
type TokenValidator interface {
	ValidateToken(token string) (*auth.CustomClaims, error)
}

// Deps carries everything the hub wires together. Nil optional fields
// disable the matching feature; the related client events get a soft error.
type Deps struct {
	Config        *config.Config
	Validator     TokenValidator
	RolePasswords auth.RolePasswords
	Store         types.MessageStore
	Blob          types.BlobStore
	Bus           types.BusService
	Limiter       *ratelimit.RateLimiter
	Agent         *agent.Service
	Summaries     *summary.Manager
	LLM           types.LLMClient
	ASRClient     types.ASRClient
	DialogClient  types.DialogClient
}

type parkedConn struct {
	client   *Client
	question string
	attempts int
}

// Hub owns the room table and routes every decoded client event. It is the
// single listener for both upstream session managers.
type Hub struct {
	cfg           *config.Config
	validator     TokenValidator
	rolePasswords auth.RolePasswords
	store         types.MessageStore
	blob          types.BlobStore
	bus           types.BusService
	limiter       *ratelimit.RateLimiter
	agent         *agent.Service
	summaries     *summary.Manager
	llm           types.LLMClient

	asrMgr    *asr.Manager
	dialogMgr *dialog.Manager

	upgrader       websocket.Upgrader
	allowedOrigins []string

	mu               sync.RWMutex
	rooms            map[types.RoomIDType]*room.Room
	pending          map[*Client]*parkedConn
	cleanupTimers    map[types.RoomIDType]*time.Timer
	voiceTranscripts map[types.RoomIDType][]string
	dialogTails      map[types.RoomIDType][]string
	dialogRetained   map[types.RoomIDType]bool
}

// NewHub wires the hub and its upstream session managers.
func NewHub(deps Deps) *Hub {
	h := &Hub{
		cfg:              deps.Config,
		validator:        deps.Validator,
		rolePasswords:    deps.RolePasswords,
		store:            deps.Store,
		blob:             deps.Blob,
		bus:              deps.Bus,
		limiter:          deps.Limiter,
		agent:            deps.Agent,
		summaries:        deps.Summaries,
		llm:              deps.LLM,
		rooms:            make(map[types.RoomIDType]*room.Room),
		pending:          make(map[*Client]*parkedConn),
		cleanupTimers:    make(map[types.RoomIDType]*time.Timer),
		voiceTranscripts: make(map[types.RoomIDType][]string),
		dialogTails:      make(map[types.RoomIDType][]string),
		dialogRetained:   make(map[types.RoomIDType]bool),
	}
	if deps.Config != nil && deps.Config.AllowedOrigins != "" {
		for _, o := range strings.Split(deps.Config.AllowedOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				h.allowedOrigins = append(h.allowedOrigins, o)
			}
		}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	h.asrMgr = asr.NewManager(deps.ASRClient, asrEvents{h})
	h.dialogMgr = dialog.NewManager(deps.DialogClient, dialogEvents{h}, h.historyLines)
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.cfg != nil && h.cfg.DevelopmentMode {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	if len(h.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// --- Connection accept ---

// ServeWs is the gin handler for GET /ws/:roomId. It authenticates, rate
// limits, upgrades, and either admits the connection or parks it behind the
// room password challenge.
func (h *Hub) ServeWs(c *gin.Context) {
	roomID := types.RoomIDType(c.Param("roomId"))
	if roomID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room id required"})
		return
	}

	if h.limiter != nil && !h.limiter.CheckWebSocket(c) {
		return
	}

	q := c.Request.URL.Query()
	userID, userName, err := h.identify(q.Get("token"), q.Get("name"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if h.limiter != nil {
		if err := h.limiter.CheckWebSocketUser(c.Request.Context(), string(userID)); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
	}

	role := types.RoleType(q.Get("role"))
	if role == "" {
		role = types.RoleTypeMember
	}
	if !role.IsValid() || role == types.RoleTypeAI {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid role"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(conn, h, roomID, userID, userName, role, types.DeviceIDType(q.Get("device_id")))
	metrics.IncConnection()
	go client.writePump()
	go client.readPump()

	ctx := context.WithValue(context.Background(), logging.UserIDKey, string(userID))
	ctx = context.WithValue(ctx, logging.RoomIDKey, string(roomID))

	// Privileged roles present the deployment-wide role password before
	// anything else.
	if role.RequiresRolePassword() && !h.rolePasswords.Verify(role, q.Get("role_password")) {
		logging.Warn(ctx, "role password rejected", zap.String("role", string(role)))
		client.closeWithPolicy("ROLE_PASSWORD_REQUIRED", "Role password missing or incorrect")
		return
	}

	pwQuestion := q.Get("pwd_question")
	pwAnswer := q.Get("pwd_answer")
	rm := h.getOrCreateRoom(ctx, roomID, userID, pwQuestion, pwAnswer, role)

	// Privileged roles bypass the room challenge; they already hold the
	// deployment secret.
	question := rm.PasswordQuestion(ctx)
	if question != "" && !role.RequiresRolePassword() {
		if pwAnswer == "" || !rm.VerifyPassword(ctx, pwAnswer) {
			h.parkClient(client, question)
			return
		}
	}

	h.admit(ctx, rm, client)
}

// identify resolves the connecting user from the token, falling back to an
// anonymous identity when allowed.
func (h *Hub) identify(token, name string) (types.ClientIDType, types.DisplayNameType, error) {
	if token == "" {
		if h.cfg != nil && h.cfg.AllowAnonymous {
			id := "anon-" + uuid.NewString()[:8]
			if name == "" {
				name = "Guest-" + id[len(id)-4:]
			}
			return types.ClientIDType(id), types.DisplayNameType(name), nil
		}
		return "", "", fmt.Errorf("token required")
	}
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		return "", "", fmt.Errorf("invalid token: %w", err)
	}
	displayName := claims.Name
	if name != "" {
		displayName = name
	}
	if displayName == "" {
		displayName = claims.Subject
	}
	return types.ClientIDType(claims.Subject), types.DisplayNameType(displayName), nil
}

func (h *Hub) parkClient(client *Client, question string) {
	client.park()
	h.mu.Lock()
	h.pending[client] = &parkedConn{client: client, question: question}
	h.mu.Unlock()
	metrics.PendingPasswordConnections.Inc()

	client.SendEvent(protocol.PasswordChallenge{
		Type:     protocol.EvtPasswordRequired,
		Question: question,
	})
}

// admit clears the password gate and joins the client to its room.
func (h *Hub) admit(ctx context.Context, rm *room.Room, client *Client) {
	client.setAuthenticated(true)
	rm.Join(ctx, client)
}

// getOrCreateRoom returns the live room, creating it and its durable record
// on first admission. A creator-supplied challenge seeds the password gate.
func (h *Hub) getOrCreateRoom(ctx context.Context, id types.RoomIDType, creator types.ClientIDType, pwQuestion, pwAnswer string, creatorRole types.RoleType) *room.Room {
	h.mu.Lock()
	if timer, ok := h.cleanupTimers[id]; ok {
		timer.Stop()
		delete(h.cleanupTimers, id)
	}
	rm, ok := h.rooms[id]
	if !ok {
		rm = room.New(id, h.store, h.bus, h.onRoomEmpty)
		h.rooms[id] = rm
	}
	h.mu.Unlock()

	if !ok {
		metrics.ActiveRooms.Inc()
		seedQ, seedA := "", ""
		if pwQuestion != "" && pwAnswer != "" && creatorRole.Rank() >= types.RoleTypeMember.Rank() {
			seedQ, seedA = pwQuestion, pwAnswer
			rm.SeedPassword(seedQ, seedA)
		}
		if h.store != nil {
			if err := h.store.EnsureRoom(ctx, id, string(id), creator, seedQ, seedA); err != nil {
				logging.Warn(ctx, "room persist failed", zap.Error(err))
			}
		}
		logging.Info(ctx, "room created", zap.String("room_id", string(id)))
	}
	return rm
}

func (h *Hub) roomOf(c *Client) (*room.Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rm, ok := h.rooms[c.roomID]
	return rm, ok
}

// onRoomEmpty schedules teardown with a grace period; a reconnect in the
// window cancels it.
func (h *Hub) onRoomEmpty(id types.RoomIDType) {
	h.mu.Lock()
	if timer, ok := h.cleanupTimers[id]; ok {
		timer.Stop()
	}
	h.cleanupTimers[id] = time.AfterFunc(emptyRoomGrace, func() {
		h.removeRoomIfEmpty(id)
	})
	h.mu.Unlock()
}

func (h *Hub) removeRoomIfEmpty(id types.RoomIDType) {
	h.mu.Lock()
	delete(h.cleanupTimers, id)
	rm, ok := h.rooms[id]
	if !ok || !rm.IsEmpty() {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, id)
	delete(h.voiceTranscripts, id)
	delete(h.dialogTails, id)
	h.mu.Unlock()

	metrics.ActiveRooms.Dec()
	h.asrMgr.StopRoom(id)
	h.dialogMgr.CloseRoom(id)
	logging.Info(context.Background(), "room removed", zap.String("room_id", string(id)))
}

// HandleDisconnect detaches a closed connection from the room and its
// upstream sessions.
func (h *Hub) HandleDisconnect(c *Client) {
	h.mu.Lock()
	if _, parked := h.pending[c]; parked {
		delete(h.pending, c)
		metrics.PendingPasswordConnections.Dec()
	}
	h.mu.Unlock()

	if !c.Authenticated() {
		return
	}

	ctx := context.WithValue(context.Background(), logging.UserIDKey, string(c.id))
	ctx = context.WithValue(ctx, logging.RoomIDKey, string(c.roomID))

	h.asrMgr.Stop(c.roomID, c.id)
	if _, ok := h.dialogMgr.Get(c.roomID); ok {
		h.dialogMgr.Leave(c.roomID, c.id)
		h.afterDialogLeave(ctx, c.roomID)
	}

	if rm, ok := h.roomOf(c); ok {
		rm.Leave(ctx, c)
	}
}

// --- Reaper and stats surface ---

// ReapParked closes parked connections older than ttl and returns the count.
func (h *Hub) ReapParked(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	h.mu.Lock()
	var victims []*Client
	for c := range h.pending {
		if c.parkedSince().Before(cutoff) {
			victims = append(victims, c)
			delete(h.pending, c)
		}
	}
	h.mu.Unlock()

	for _, c := range victims {
		metrics.PendingPasswordConnections.Dec()
		c.closeWithPolicy("PASSWORD_TIMEOUT", "Password challenge expired")
	}
	if len(victims) > 0 {
		metrics.ReaperEvictions.WithLabelValues("pending_passwords").Add(float64(len(victims)))
	}
	return len(victims)
}

// ClearParked force-closes every parked connection. Used under heap pressure.
func (h *Hub) ClearParked() int {
	return h.ReapParked(0)
}

// ReapEmptyRooms removes rooms with no members and no upstream session.
func (h *Hub) ReapEmptyRooms() int {
	h.mu.RLock()
	var empties []types.RoomIDType
	for id, rm := range h.rooms {
		if rm.IsEmpty() {
			empties = append(empties, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range empties {
		h.removeRoomIfEmpty(id)
	}
	if len(empties) > 0 {
		metrics.ReaperEvictions.WithLabelValues("rooms").Add(float64(len(empties)))
	}
	return len(empties)
}

// ClipRings trims every room's message ring to max entries.
func (h *Hub) ClipRings(max int) {
	h.mu.RLock()
	rooms := make([]*room.Room, 0, len(h.rooms))
	for _, rm := range h.rooms {
		rooms = append(rooms, rm)
	}
	h.mu.RUnlock()
	for _, rm := range rooms {
		rm.ClipRing(max)
	}
}

// ASRSessions exposes the recognition manager for the reaper.
func (h *Hub) ASRSessions() *asr.Manager { return h.asrMgr }

// DialogSessions exposes the dialog manager for the reaper.
func (h *Hub) DialogSessions() *dialog.Manager { return h.dialogMgr }

// Stats reports runtime counters for the status endpoint.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	roomCount := len(h.rooms)
	parked := len(h.pending)
	connections := 0
	for _, rm := range h.rooms {
		connections += rm.MemberCount()
	}
	h.mu.RUnlock()

	stats := map[string]any{
		"rooms":             roomCount,
		"connections":       connections,
		"pending_passwords": parked,
		"asr_sessions":      h.asrMgr.Count(),
		"dialog_sessions":   h.dialogMgr.Count(),
	}
	if h.summaries != nil {
		stats["cached_summaries"] = h.summaries.CacheLen()
	}
	return stats
}

// Shutdown closes every connection and upstream session.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	var clients []*Client
	for c := range h.pending {
		clients = append(clients, c)
	}
	rooms := make([]*room.Room, 0, len(h.rooms))
	ids := make([]types.RoomIDType, 0, len(h.rooms))
	for id, rm := range h.rooms {
		rooms = append(rooms, rm)
		ids = append(ids, id)
	}
	for _, timer := range h.cleanupTimers {
		timer.Stop()
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Kill("server shutdown")
	}
	for i, rm := range rooms {
		for _, p := range rm.Participants() {
			if m, ok := rm.Get(p.ClientID); ok {
				m.Kill("server shutdown")
			}
		}
		h.asrMgr.StopRoom(ids[i])
		h.dialogMgr.CloseRoom(ids[i])
	}
	logging.Info(ctx, "hub shut down",
		zap.Int("rooms", len(rooms)), zap.Int("parked", len(clients)))
}

// --- Transcript tails ---

func (h *Hub) appendTail(tails map[types.RoomIDType][]string, roomID types.RoomIDType, line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tail := append(tails[roomID], line)
	if len(tail) > transcriptTailLen {
		tail = tail[len(tail)-transcriptTailLen:]
	}
	tails[roomID] = tail
}

func (h *Hub) tailOf(tails map[types.RoomIDType][]string, roomID types.RoomIDType) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), tails[roomID]...)
}

// historyLines feeds recent chat into the dialog wake-word context.
func (h *Hub) historyLines(roomID types.RoomIDType, n int) []string {
	h.mu.RLock()
	rm, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	msgs := rm.RecentMessages(n)
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Type == types.MessageTypeText || m.Type == types.MessageTypeSystem {
			lines = append(lines, fmt.Sprintf("%s: %s", m.SenderName, m.Content))
		}
	}
	return lines
}

// broadcast marshals ev and fans it out to every member of roomID.
func (h *Hub) broadcast(roomID types.RoomIDType, ev protocol.ServerEvent) {
	h.mu.RLock()
	rm, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	rm.Broadcast(context.Background(), protocol.MustMarshal(ev), "")
}

func (h *Hub) sendTo(roomID types.RoomIDType, userID types.ClientIDType, ev protocol.ServerEvent) {
	h.mu.RLock()
	rm, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	rm.SendTo(userID, protocol.MustMarshal(ev))
}

// --- Upstream listeners ---

// asrEvents adapts the hub to asr.Listener.
type asrEvents struct{ h *Hub }

// OnStateChange announces recognition readiness to the room.
func (l asrEvents) OnStateChange(s *asr.Session, state asr.State) {
	if state == asr.StateReady {
		l.h.broadcast(s.RoomID, protocol.VoiceTranscript{
			Type: protocol.EvtVoiceTranscribing, UserID: s.UserID, UserName: s.UserName,
		})
	}
}

// OnASRResult fans out transcripts; finals also land in the analysis tail.
func (l asrEvents) OnASRResult(s *asr.Session, text string, interim bool) {
	if interim {
		l.h.broadcast(s.RoomID, protocol.VoiceTranscript{
			Type: protocol.EvtVoiceTranscript, UserID: s.UserID, UserName: s.UserName, Text: text,
		})
		return
	}
	l.h.appendTail(l.h.voiceTranscripts, s.RoomID, fmt.Sprintf("%s: %s", s.UserName, text))
	l.h.broadcast(s.RoomID, protocol.VoiceTranscript{
		Type: protocol.EvtVoiceTranscriptFinal, UserID: s.UserID, UserName: s.UserName,
		Text: text, Final: true,
	})
}

// OnAIResponse delivers assistant text from the recognition channel to the
// speaking user only.
func (l asrEvents) OnAIResponse(s *asr.Session, text string) {
	l.h.sendTo(s.RoomID, s.UserID, protocol.SharedAIResponse{
		Type: protocol.EvtSharedAIResponse, Content: text, Done: true,
	})
}

// OnAIAudio delivers synthesized audio from the recognition channel to the
// speaking user only.
func (l asrEvents) OnAIAudio(s *asr.Session, audio []byte) {
	l.h.sendTo(s.RoomID, s.UserID, protocol.SharedAIAudio{
		Type: protocol.EvtSharedAIAudio, AudioData: encodeAudio(audio),
	})
}

// OnError surfaces an exhausted recognition upstream.
func (l asrEvents) OnError(s *asr.Session, err error) {
	l.h.broadcast(s.RoomID, protocol.VoiceAIError{
		Type: protocol.EvtVoiceAIError, UserID: s.UserID, Message: err.Error(),
	})
}

// dialogEvents adapts the hub to dialog.Listener.
type dialogEvents struct{ h *Hub }

// OnState relays dialog session state transitions.
func (l dialogEvents) OnState(s *dialog.Session, state string) {
	l.h.broadcast(s.RoomID, protocol.SharedAIEvent{
		Type: protocol.EvtSharedAIState, State: state, Participants: s.ParticipantCount(),
	})
}

// OnASR relays recognized speech inside the shared session.
func (l dialogEvents) OnASR(s *dialog.Session, line dialog.TranscriptLine) {
	if line.Definite {
		l.h.appendTail(l.h.dialogTails, s.RoomID, fmt.Sprintf("%s: %s", line.UserName, line.Text))
	}
	l.h.broadcast(s.RoomID, protocol.SharedAIASR{
		Type: protocol.EvtSharedAIASR, Text: line.Text, Definite: line.Definite,
	})
}

// OnResponse relays assistant text from the shared session.
func (l dialogEvents) OnResponse(s *dialog.Session, content string, done bool) {
	l.h.broadcast(s.RoomID, protocol.SharedAIResponse{
		Type: protocol.EvtSharedAIResponse, Content: content, Done: done,
	})
}

// OnAudio relays synthesized audio from the shared session.
func (l dialogEvents) OnAudio(s *dialog.Session, audio []byte) {
	l.h.broadcast(s.RoomID, protocol.SharedAIAudio{
		Type: protocol.EvtSharedAIAudio, AudioData: encodeAudio(audio),
	})
}

// OnError surfaces a failed dialog upstream.
func (l dialogEvents) OnError(s *dialog.Session, err error) {
	l.h.broadcast(s.RoomID, protocol.SharedAIError{
		Type: protocol.EvtSharedAIError, Message: err.Error(),
	})
}
