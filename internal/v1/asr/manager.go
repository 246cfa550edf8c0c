package asr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/v1/metrics"
	"github.com/parleyhq/parley/internal/v1/types"
)

type sessionKey struct {
	roomID types.RoomIDType
	userID types.ClientIDType
}

// Manager owns all per-user recognition sessions.
type Manager struct {
	client   types.ASRClient
	listener Listener

	mu       sync.Mutex
	sessions map[sessionKey]*Session
}

// NewManager wires the manager against the provider client and the single
// listener that receives every session's output.
func NewManager(client types.ASRClient, listener Listener) *Manager {
	return &Manager{
		client:   client,
		listener: listener,
		sessions: make(map[sessionKey]*Session),
	}
}

// Start creates and connects a session for (roomID, userID), replacing any
// prior one for the same pair.
func (m *Manager) Start(ctx context.Context, roomID types.RoomIDType, userID types.ClientIDType, userName types.DisplayNameType) (*Session, error) {
	if m.client == nil {
		return nil, fmt.Errorf("asr: no provider configured")
	}

	key := sessionKey{roomID: roomID, userID: userID}
	s := newSession(roomID, userID, userName, m.client, m.listener)

	m.mu.Lock()
	prior := m.sessions[key]
	m.sessions[key] = s
	m.mu.Unlock()
	if prior != nil {
		prior.Close()
		metrics.UpstreamSessions.WithLabelValues("asr").Dec()
	}

	if err := s.start(ctx); err != nil {
		m.mu.Lock()
		if m.sessions[key] == s {
			delete(m.sessions, key)
		}
		m.mu.Unlock()
		return nil, err
	}
	metrics.UpstreamSessions.WithLabelValues("asr").Inc()
	return s, nil
}

// Feed routes one audio frame to the user's session. Frames for unknown
// sessions are dropped.
func (m *Manager) Feed(roomID types.RoomIDType, userID types.ClientIDType, frame []byte) bool {
	m.mu.Lock()
	s := m.sessions[sessionKey{roomID: roomID, userID: userID}]
	m.mu.Unlock()
	if s == nil {
		return false
	}
	s.Ingest(frame)
	return true
}

// Get returns the live session for (roomID, userID), if any.
func (m *Manager) Get(roomID types.RoomIDType, userID types.ClientIDType) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey{roomID: roomID, userID: userID}]
	return s, ok
}

// Stop closes and removes the user's session.
func (m *Manager) Stop(roomID types.RoomIDType, userID types.ClientIDType) {
	key := sessionKey{roomID: roomID, userID: userID}
	m.mu.Lock()
	s := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if s != nil {
		s.Close()
		metrics.UpstreamSessions.WithLabelValues("asr").Dec()
	}
}

// StopRoom closes every session belonging to the room.
func (m *Manager) StopRoom(roomID types.RoomIDType) {
	m.mu.Lock()
	var victims []*Session
	for key, s := range m.sessions {
		if key.roomID == roomID {
			victims = append(victims, s)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()
	for _, s := range victims {
		s.Close()
		metrics.UpstreamSessions.WithLabelValues("asr").Dec()
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ReapIdle closes sessions whose last activity is older than maxAge and
// returns how many were evicted. A zero maxAge closes everything.
func (m *Manager) ReapIdle(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	var victims []*Session
	for key, s := range m.sessions {
		if maxAge <= 0 || s.LastActive().Before(cutoff) {
			victims = append(victims, s)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	for _, s := range victims {
		s.Close()
		metrics.UpstreamSessions.WithLabelValues("asr").Dec()
	}
	if len(victims) > 0 {
		metrics.ReaperEvictions.WithLabelValues("asr_sessions").Add(float64(len(victims)))
	}
	return len(victims)
}
