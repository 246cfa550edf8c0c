// Package room owns per-room state: the live connection table, the bounded
// ring of recent messages, moderation, and fan-out. A room is created on
// first admission and destroyed when the last connection departs and no
// upstream session is active.
package room

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/metrics"
	"github.com/parleyhq/parley/internal/v1/protocol"
	"github.com/parleyhq/parley/internal/v1/types"
)

// RingCapacity bounds the in-memory message ring per room. The durable store
// is authoritative; the ring covers store outages and hot replay.
const RingCapacity = 1000

// Member is a live connection from the room's point of view. Implemented by
// the transport client; fakes stand in for it in tests.
type Member interface {
	ID() types.ClientIDType
	Name() types.DisplayNameType
	Role() types.RoleType
	SetRole(types.RoleType)
	// Enqueue hands data to the member's send queue without blocking.
	// A false return means the queue is full or closed.
	Enqueue(data []byte) bool
	// Kill schedules the connection for close. Safe to call more than once.
	Kill(reason string)
}

// Room is one collaboration session.
type Room struct {
	ID types.RoomIDType

	mu          sync.RWMutex
	conns       map[types.ClientIDType]Member
	ring        []*types.ChatMessage
	pwQuestion  string
	pwAnswer    string
	upstreamRef int

	store   types.MessageStore
	bus     types.BusService
	onEmpty func(types.RoomIDType)
}

// New creates a room. onEmpty fires once the room has no connections and no
// active upstream session.
func New(id types.RoomIDType, store types.MessageStore, bus types.BusService, onEmpty func(types.RoomIDType)) *Room {
	return &Room{
		ID:      id,
		conns:   make(map[types.ClientIDType]Member),
		store:   store,
		bus:     bus,
		onEmpty: onEmpty,
	}
}

// --- Membership ---

// Join inserts a member, superseding any prior connection with the same user
// id. It persists the participant, greets the joiner with
// connection.established, and announces user.joined to the rest.
func (r *Room) Join(ctx context.Context, m Member) {
	r.mu.Lock()
	if prior, ok := r.conns[m.ID()]; ok && prior != m {
		prior.Kill("superseded by new connection")
	}
	r.conns[m.ID()] = m
	count := len(r.conns)
	participants := r.participantsLocked()
	r.mu.Unlock()

	metrics.RoomMembers.WithLabelValues(string(r.ID)).Set(float64(count))

	if r.store != nil {
		now := time.Now().UTC()
		if err := r.store.SaveParticipant(ctx, &types.ParticipantRecord{
			ID: m.ID(), RoomID: r.ID, Name: m.Name(), Role: m.Role(),
			Status: "online", JoinedAt: now, LastSeen: now,
		}); err != nil {
			logging.Warn(ctx, "participant persist failed", zap.Error(err))
		}
	}

	m.Enqueue(protocol.MustMarshal(protocol.ConnectionEstablished{
		Type: protocol.EvtConnectionEstablished,
		UserID: m.ID(), UserName: m.Name(), Role: m.Role(),
		RoomID: r.ID, Participants: participants,
	}))
	r.Broadcast(ctx, protocol.MustMarshal(protocol.PresenceEvent{
		Type: protocol.EvtUserJoined,
		UserID: m.ID(), UserName: m.Name(), Role: m.Role(),
	}), m.ID())
	r.publish(ctx, protocol.EvtUserJoined, m.ID())

	logging.Info(ctx, "member joined",
		zap.String("room_id", string(r.ID)),
		zap.String("user_id", string(m.ID())),
		zap.String("role", string(m.Role())))
}

// Leave removes a member and announces user.left. When the room drains it
// fires onEmpty unless an upstream session is still active.
func (r *Room) Leave(ctx context.Context, m Member) {
	r.mu.Lock()
	current, ok := r.conns[m.ID()]
	if !ok || current != m {
		// Superseded connections must not evict their replacement.
		r.mu.Unlock()
		return
	}
	delete(r.conns, m.ID())
	count := len(r.conns)
	upstreamActive := r.upstreamRef > 0
	r.mu.Unlock()

	metrics.RoomMembers.WithLabelValues(string(r.ID)).Set(float64(count))

	if r.store != nil {
		if err := r.store.UpdateParticipantStatus(ctx, r.ID, m.ID(), "offline"); err != nil {
			logging.Warn(ctx, "participant status update failed", zap.Error(err))
		}
	}

	r.Broadcast(ctx, protocol.MustMarshal(protocol.PresenceEvent{
		Type: protocol.EvtUserLeft,
		UserID: m.ID(), UserName: m.Name(),
	}), m.ID())

	if count == 0 && !upstreamActive && r.onEmpty != nil {
		go func() {
			defer func() {
				if recover() != nil {
					logging.Error(context.Background(), "panic in onEmpty callback",
						zap.String("room_id", string(r.ID)))
				}
			}()
			r.onEmpty(r.ID)
		}()
	}
}

// Get returns the live member for a user id.
func (r *Room) Get(id types.ClientIDType) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.conns[id]
	return m, ok
}

// MemberCount returns the number of live connections.
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IsEmpty reports whether the room has no connections and no upstream.
func (r *Room) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns) == 0 && r.upstreamRef == 0
}

// RetainUpstream marks an upstream session (shared dialog) as active,
// deferring room destruction. ReleaseUpstream undoes it.
func (r *Room) RetainUpstream() {
	r.mu.Lock()
	r.upstreamRef++
	r.mu.Unlock()
}

func (r *Room) ReleaseUpstream() {
	r.mu.Lock()
	if r.upstreamRef > 0 {
		r.upstreamRef--
	}
	empty := len(r.conns) == 0 && r.upstreamRef == 0
	r.mu.Unlock()
	if empty && r.onEmpty != nil {
		r.onEmpty(r.ID)
	}
}

// Participants returns the wire view of the current member set.
func (r *Room) Participants() []types.ParticipantInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.participantsLocked()
}

func (r *Room) participantsLocked() []types.ParticipantInfo {
	out := make([]types.ParticipantInfo, 0, len(r.conns))
	for _, m := range r.conns {
		out = append(out, types.ParticipantInfo{
			ClientID: m.ID(), DisplayName: m.Name(), Role: m.Role(),
		})
	}
	return out
}

// --- Fan-out ---

// Broadcast enqueues data on every live connection except excludeID. A full
// or closed queue schedules that one connection for close; delivery to the
// rest continues.
func (r *Room) Broadcast(ctx context.Context, data []byte, excludeID types.ClientIDType) {
	r.mu.RLock()
	members := make([]Member, 0, len(r.conns))
	for id, m := range r.conns {
		if excludeID != "" && id == excludeID {
			continue
		}
		members = append(members, m)
	}
	r.mu.RUnlock()

	for _, m := range members {
		if m.Enqueue(data) {
			metrics.FanoutMessages.WithLabelValues("sent").Inc()
		} else {
			metrics.FanoutMessages.WithLabelValues("dropped").Inc()
			logging.Warn(ctx, "send queue full, scheduling close",
				zap.String("room_id", string(r.ID)),
				zap.String("user_id", string(m.ID())))
			m.Kill("send queue overflow")
		}
	}
}

// SendTo enqueues data on one member's queue.
func (r *Room) SendTo(id types.ClientIDType, data []byte) bool {
	r.mu.RLock()
	m, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return m.Enqueue(data)
}

// publish mirrors an event to the optional bus. No-op in single-instance mode.
func (r *Room) publish(ctx context.Context, event string, senderID types.ClientIDType) {
	if r.bus == nil {
		return
	}
	go func() {
		if err := r.bus.Publish(ctx, string(r.ID), event, nil, string(senderID)); err != nil {
			logging.Warn(ctx, "bus publish failed", zap.Error(err), zap.String("event", event))
		}
	}()
}

// --- Messages ---

// PostMessage validates, stamps, persists, rings, and fans out a chat
// message. Persistence failure does not block fan-out; the sender is warned
// and the ring stays authoritative for the room's lifetime.
func (r *Room) PostMessage(ctx context.Context, sender Member, p *protocol.SendMessagePayload) (*types.ChatMessage, error) {
	if !HasPermission(sender.Role(), PermMessageSend) {
		return nil, ErrPermissionDenied
	}

	msgType := p.MsgType
	if msgType == "" {
		msgType = types.MessageTypeText
	}
	msg := &types.ChatMessage{
		ID:         uuid.NewString(),
		RoomID:     r.ID,
		SenderID:   sender.ID(),
		SenderName: sender.Name(),
		SenderRole: sender.Role(),
		Type:       msgType,
		Content:    p.Content,
		Mentions:   p.Mentions,
		MentionsAI: p.MentionsAI,
		ReplyTo:    p.ReplyTo,
		Timestamp:  types.NowISO(),
		FileData:   p.FileData,
		VoiceData:  p.VoiceData,
		CodeData:   p.CodeData,
		ImageData:  p.ImageData,
	}

	persisted := true
	if r.store != nil {
		if err := r.store.SaveMessage(ctx, msg); err != nil {
			persisted = false
			logging.Warn(ctx, "message persist failed, ring is authoritative",
				zap.Error(err), zap.String("message_id", msg.ID))
		}
	}

	r.appendToRing(msg)
	r.Broadcast(ctx, protocol.MustMarshal(protocol.NewMessageNew(msg)), "")
	r.publish(ctx, protocol.EvtMessageNew, sender.ID())

	if !persisted {
		sender.Enqueue(protocol.MustMarshal(protocol.NewError(
			"Message delivered but not persisted", "store unavailable")))
	}
	return msg, nil
}

// PostSystemMessage injects a server-originated message (agent responses,
// system notices) into the ring, store, and fan-out.
func (r *Room) PostSystemMessage(ctx context.Context, msg *types.ChatMessage) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == "" {
		msg.Timestamp = types.NowISO()
	}
	msg.RoomID = r.ID

	// ai_thinking frames are ephemeral: fan out, never persist or ring.
	if msg.Type != types.MessageTypeAIThinking && r.store != nil {
		if err := r.store.SaveMessage(ctx, msg); err != nil {
			logging.Warn(ctx, "system message persist failed", zap.Error(err))
		}
	}
	if msg.Type != types.MessageTypeAIThinking {
		r.appendToRing(msg)
	}
	r.Broadcast(ctx, protocol.MustMarshal(protocol.NewMessageNew(msg)), "")
}

// EditMessage updates content in store and ring and fans out message.updated.
func (r *Room) EditMessage(ctx context.Context, actor Member, messageID, content string) error {
	target := r.ringFind(messageID)
	own := target != nil && target.SenderID == actor.ID()
	if own {
		if !HasPermission(actor.Role(), PermMessageEditOwn) {
			return ErrPermissionDenied
		}
	} else if !HasPermission(actor.Role(), PermMessageEditAny) {
		return ErrPermissionDenied
	}

	editedAt := types.NowISO()
	if r.store != nil {
		if err := r.store.UpdateMessageContent(ctx, r.ID, messageID, content, editedAt); err != nil {
			logging.Warn(ctx, "message edit persist failed", zap.Error(err))
		}
	}

	r.mu.Lock()
	for _, m := range r.ring {
		if m.ID == messageID {
			m.Content = content
			m.EditedAt = editedAt
			target = m
			break
		}
	}
	r.mu.Unlock()

	if target == nil {
		target = &types.ChatMessage{ID: messageID, RoomID: r.ID, Content: content, EditedAt: editedAt}
	}
	r.Broadcast(ctx, protocol.MustMarshal(protocol.NewMessageUpdated(target)), "")
	return nil
}

// DeleteMessage removes a message from store and ring and fans out
// message.deleted.
func (r *Room) DeleteMessage(ctx context.Context, actor Member, messageID string) error {
	target := r.ringFind(messageID)
	own := target != nil && target.SenderID == actor.ID()
	if own {
		if !HasPermission(actor.Role(), PermMessageDeleteOwn) {
			return ErrPermissionDenied
		}
	} else if !HasPermission(actor.Role(), PermMessageDeleteAny) {
		return ErrPermissionDenied
	}

	if r.store != nil {
		if err := r.store.DeleteMessage(ctx, r.ID, messageID); err != nil {
			logging.Warn(ctx, "message delete persist failed", zap.Error(err))
		}
	}

	r.mu.Lock()
	for i, m := range r.ring {
		if m.ID == messageID {
			r.ring = append(r.ring[:i], r.ring[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.Broadcast(ctx, protocol.MustMarshal(protocol.MessageDeleted{
		Type: protocol.EvtMessageDeleted, MessageID: messageID, DeletedBy: actor.ID(),
	}), "")
	return nil
}

// React fans out a reaction; reactions are ephemeral and never persisted.
func (r *Room) React(ctx context.Context, actor Member, p *protocol.ReactionPayload) {
	r.Broadcast(ctx, protocol.MustMarshal(protocol.MessageReaction{
		Type: protocol.EvtMessageReaction,
		MessageID: p.MessageID, Emoji: p.Emoji, Action: p.Action, UserID: actor.ID(),
	}), "")
}

// --- Moderation ---

// Invite announces an invited user. Admission still happens at connect time.
func (r *Room) Invite(ctx context.Context, actor Member, p *protocol.InvitePayload) error {
	if !HasPermission(actor.Role(), PermUserInvite) {
		return ErrPermissionDenied
	}
	if !CanAssign(actor.Role(), p.Role) {
		return ErrPermissionDenied
	}
	r.Broadcast(ctx, protocol.MustMarshal(protocol.UserInvited{
		Type: protocol.EvtUserInvited,
		UserID: p.UserID, UserName: p.UserName, Role: p.Role, InvitedBy: actor.ID(),
	}), "")
	return nil
}

// Kick removes a user. Self-kick and owner-kick are forbidden.
func (r *Room) Kick(ctx context.Context, actor Member, targetID types.ClientIDType, reason string) error {
	if !HasPermission(actor.Role(), PermUserKick) {
		return ErrPermissionDenied
	}
	if targetID == actor.ID() {
		return ErrPermissionDenied
	}
	target, ok := r.Get(targetID)
	if !ok {
		return ErrNotFound
	}
	if !CanManage(actor.Role(), target.Role()) {
		return ErrPermissionDenied
	}

	target.Enqueue(protocol.MustMarshal(protocol.UserKicked{
		Type: protocol.EvtUserKicked,
		UserID: targetID, KickedBy: actor.ID(), Reason: reason, TargetIsYou: true,
	}))
	target.Kill("kicked: " + reason)

	r.Broadcast(ctx, protocol.MustMarshal(protocol.UserKicked{
		Type: protocol.EvtUserKicked,
		UserID: targetID, KickedBy: actor.ID(), Reason: reason,
	}), targetID)
	return nil
}

// ChangeRole reassigns a member's role within the management rules.
func (r *Room) ChangeRole(ctx context.Context, actor Member, targetID types.ClientIDType, newRole types.RoleType) error {
	if !HasPermission(actor.Role(), PermUserChangeRole) {
		return ErrPermissionDenied
	}
	target, ok := r.Get(targetID)
	if !ok {
		return ErrNotFound
	}
	if !CanManage(actor.Role(), target.Role()) || !CanAssign(actor.Role(), newRole) {
		return ErrPermissionDenied
	}

	target.SetRole(newRole)
	if r.store != nil {
		now := time.Now().UTC()
		if err := r.store.SaveParticipant(ctx, &types.ParticipantRecord{
			ID: targetID, RoomID: r.ID, Name: target.Name(), Role: newRole,
			Status: "online", JoinedAt: now, LastSeen: now,
		}); err != nil {
			logging.Warn(ctx, "role persist failed", zap.Error(err))
		}
	}
	r.Broadcast(ctx, protocol.MustMarshal(protocol.UserRoleChanged{
		Type: protocol.EvtUserRoleChanged,
		UserID: targetID, NewRole: newRole, ChangedBy: actor.ID(),
	}), "")
	return nil
}

// --- History and ring ---

// History returns up to limit messages for replay, chronological order.
// Store first; ring fallback when the store is unavailable.
func (r *Room) History(ctx context.Context, limit int, before string) ([]*types.ChatMessage, bool) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if r.store != nil {
		msgs, err := r.store.GetMessages(ctx, r.ID, limit, before)
		if err == nil {
			// Store returns newest-first; the wire is chronological.
			reverse(msgs)
			return msgs, len(msgs) == limit
		}
		logging.Warn(ctx, "history query failed, falling back to ring", zap.Error(err))
	}
	return r.RecentMessages(limit), false
}

// RecentMessages returns the newest n ring entries in chronological order.
func (r *Room) RecentMessages(n int) []*types.ChatMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > len(r.ring) {
		n = len(r.ring)
	}
	out := make([]*types.ChatMessage, n)
	copy(out, r.ring[len(r.ring)-n:])
	return out
}

// RingLen returns the current ring size.
func (r *Room) RingLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ring)
}

// ClipRing trims the ring to at most max entries, oldest first. Used by the
// reaper; normal appends already clip at RingCapacity.
func (r *Room) ClipRing(max int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ring) > max {
		r.ring = append([]*types.ChatMessage(nil), r.ring[len(r.ring)-max:]...)
	}
}

// ClearMessages wipes the ring and durable history.
func (r *Room) ClearMessages(ctx context.Context) {
	if r.store != nil {
		if err := r.store.ClearRoomMessages(ctx, r.ID); err != nil {
			logging.Warn(ctx, "clear messages persist failed", zap.Error(err))
		}
	}
	r.mu.Lock()
	r.ring = nil
	r.mu.Unlock()
}

func (r *Room) appendToRing(msg *types.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring = append(r.ring, msg)
	if len(r.ring) > RingCapacity {
		r.ring = append([]*types.ChatMessage(nil), r.ring[len(r.ring)-RingCapacity:]...)
	}
}

func (r *Room) ringFind(messageID string) *types.ChatMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.ring {
		if m.ID == messageID {
			return m
		}
	}
	return nil
}

func reverse(msgs []*types.ChatMessage) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// --- Password challenge ---

// SetPassword stores a new challenge in memory and the durable store.
func (r *Room) SetPassword(ctx context.Context, actor Member, question, answer string) error {
	if !HasPermission(actor.Role(), PermSessionManage) {
		return ErrPermissionDenied
	}
	r.mu.Lock()
	r.pwQuestion = question
	r.pwAnswer = answer
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SetRoomPassword(ctx, r.ID, question, answer); err != nil {
			logging.Warn(ctx, "password persist failed", zap.Error(err))
		}
	}
	r.Broadcast(ctx, protocol.MustMarshal(protocol.PasswordSet{
		Type: protocol.EvtPasswordSet, SetBy: actor.ID(),
	}), "")
	return nil
}

// SeedPassword primes the in-memory challenge without broadcasting, used when
// an owner creates the room at connect time.
func (r *Room) SeedPassword(question, answer string) {
	r.mu.Lock()
	r.pwQuestion = question
	r.pwAnswer = answer
	r.mu.Unlock()
}

// PasswordQuestion returns the challenge question, store first then memory.
func (r *Room) PasswordQuestion(ctx context.Context) string {
	if r.store != nil {
		if q, err := r.store.GetRoomPasswordQuestion(ctx, r.ID); err == nil && q != "" {
			return q
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pwQuestion
}

// VerifyPassword checks an answer case-insensitively. A room with no
// challenge admits everyone.
func (r *Room) VerifyPassword(ctx context.Context, answer string) bool {
	if r.store != nil {
		if ok, err := r.store.VerifyRoomPassword(ctx, r.ID, answer); err == nil {
			return ok
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.pwAnswer == "" {
		return true
	}
	return strings.EqualFold(r.pwAnswer, answer)
}

// --- Voice broadcast ---

// BroadcastVoice relays one continuous-audio frame to every other member.
// Independent of recognition state: an ASR outage never mutes presence.
func (r *Room) BroadcastVoice(ctx context.Context, sender Member, p *protocol.VoiceAudioPayload) {
	r.Broadcast(ctx, protocol.MustMarshal(protocol.VoiceFrame{
		Type:      protocol.EvtVoiceFrame,
		UserID:    sender.ID(),
		UserName:  sender.Name(),
		AudioData: p.AudioData,
		IsSpeech:  p.IsSpeech,
		Timestamp: time.Now().UnixMilli(),
	}), sender.ID())
}
