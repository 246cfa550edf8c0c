package dialog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/v1/metrics"
	"github.com/parleyhq/parley/internal/v1/types"
)

// Manager owns the one-session-per-room invariant.
type Manager struct {
	client   types.DialogClient
	listener Listener
	history  HistoryDelegate

	mu       sync.Mutex
	sessions map[types.RoomIDType]*Session
}

// NewManager wires the manager against the provider client, the hub
// listener, and the chat-history delegate for wake-word context.
func NewManager(client types.DialogClient, listener Listener, history HistoryDelegate) *Manager {
	return &Manager{
		client:   client,
		listener: listener,
		history:  history,
		sessions: make(map[types.RoomIDType]*Session),
	}
}

// Join adds a member to the room's shared session, creating and connecting
// it on the first join. The bool reports whether the session was created.
func (m *Manager) Join(ctx context.Context, roomID types.RoomIDType, userID types.ClientIDType, userName types.DisplayNameType, voiceType string, files []string) (*Session, bool, error) {
	if m.client == nil {
		return nil, false, fmt.Errorf("dialog: no provider configured")
	}

	m.mu.Lock()
	s, ok := m.sessions[roomID]
	if !ok {
		s = newSession(roomID, m.client, m.listener, m.history)
		m.sessions[roomID] = s
	}
	m.mu.Unlock()

	s.addParticipant(userID, userName, voiceType, files)

	if !ok {
		if err := s.start(ctx); err != nil {
			m.mu.Lock()
			if m.sessions[roomID] == s {
				delete(m.sessions, roomID)
			}
			m.mu.Unlock()
			return nil, false, err
		}
		metrics.UpstreamSessions.WithLabelValues("dialog").Inc()
	}
	return s, !ok, nil
}

// Leave removes a member; the last leaver tears the session down.
func (m *Manager) Leave(roomID types.RoomIDType, userID types.ClientIDType) {
	m.mu.Lock()
	s := m.sessions[roomID]
	m.mu.Unlock()
	if s == nil {
		return
	}
	if s.removeParticipant(userID) {
		m.drop(roomID, s)
	}
}

// Get returns the room's live session, if any.
func (m *Manager) Get(roomID types.RoomIDType) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[roomID]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseRoom force-closes the room's session regardless of participants.
func (m *Manager) CloseRoom(roomID types.RoomIDType) {
	m.mu.Lock()
	s := m.sessions[roomID]
	m.mu.Unlock()
	if s != nil {
		m.drop(roomID, s)
	}
}

// ReapIdle closes sessions idle for longer than maxAge.
func (m *Manager) ReapIdle(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	victims := make(map[types.RoomIDType]*Session)
	for roomID, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			victims[roomID] = s
		}
	}
	m.mu.Unlock()

	for roomID, s := range victims {
		m.drop(roomID, s)
	}
	if len(victims) > 0 {
		metrics.ReaperEvictions.WithLabelValues("dialog_sessions").Add(float64(len(victims)))
	}
	return len(victims)
}

func (m *Manager) drop(roomID types.RoomIDType, s *Session) {
	m.mu.Lock()
	if m.sessions[roomID] == s {
		delete(m.sessions, roomID)
	}
	m.mu.Unlock()
	s.Close()
	metrics.UpstreamSessions.WithLabelValues("dialog").Dec()
}
