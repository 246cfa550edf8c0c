package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/parleyhq/parley/internal/v1/types"
)

var _ types.MessageStore = (*Memory)(nil)

type memoryRoom struct {
	name       string
	creator    types.ClientIDType
	pwQuestion string
	pwAnswer   string
	messages   []*types.ChatMessage
	byID       map[string]*types.ChatMessage
}

// Memory is an in-process MessageStore. It backs the hub when no database is
// configured and substitutes for Postgres in tests.
type Memory struct {
	mu           sync.RWMutex
	rooms        map[types.RoomIDType]*memoryRoom
	participants map[types.RoomIDType]map[types.ClientIDType]*types.ParticipantRecord
	files        map[string]*types.FileRecord
	summaries    map[types.RoomIDType]*types.ConversationSummary
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rooms:        make(map[types.RoomIDType]*memoryRoom),
		participants: make(map[types.RoomIDType]map[types.ClientIDType]*types.ParticipantRecord),
		files:        make(map[string]*types.FileRecord),
		summaries:    make(map[types.RoomIDType]*types.ConversationSummary),
	}
}

func (m *Memory) room(id types.RoomIDType) *memoryRoom {
	r, ok := m.rooms[id]
	if !ok {
		r = &memoryRoom{byID: make(map[string]*types.ChatMessage)}
		m.rooms[id] = r
	}
	return r
}

func (m *Memory) EnsureRoom(_ context.Context, id types.RoomIDType, name string, creator types.ClientIDType, pwQuestion, pwAnswer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rooms[id]; exists {
		return nil
	}
	r := m.room(id)
	r.name = name
	r.creator = creator
	r.pwQuestion = pwQuestion
	r.pwAnswer = pwAnswer
	return nil
}

func (m *Memory) GetRoomPasswordQuestion(_ context.Context, id types.RoomIDType) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.rooms[id]; ok {
		return r.pwQuestion, nil
	}
	return "", nil
}

func (m *Memory) VerifyRoomPassword(_ context.Context, id types.RoomIDType, answer string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok || r.pwAnswer == "" {
		return true, nil
	}
	return strings.EqualFold(r.pwAnswer, answer), nil
}

func (m *Memory) SetRoomPassword(_ context.Context, id types.RoomIDType, question, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(id)
	r.pwQuestion = question
	r.pwAnswer = answer
	return nil
}

func (m *Memory) SaveMessage(_ context.Context, msg *types.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.room(msg.RoomID)
	if _, dup := r.byID[msg.ID]; dup {
		return nil
	}
	cp := *msg
	r.byID[cp.ID] = &cp
	r.messages = append(r.messages, &cp)
	return nil
}

func (m *Memory) GetMessages(_ context.Context, roomID types.RoomIDType, limit int, before string) ([]*types.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, nil
	}

	filtered := make([]*types.ChatMessage, 0, len(r.messages))
	for _, msg := range r.messages {
		if before != "" && msg.Timestamp >= before {
			continue
		}
		filtered = append(filtered, msg)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp > filtered[j].Timestamp
	})
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}

	out := make([]*types.ChatMessage, len(filtered))
	for i, msg := range filtered {
		cp := *msg
		out[i] = &cp
	}
	return out, nil
}

func (m *Memory) UpdateMessageContent(_ context.Context, roomID types.RoomIDType, messageID, content, editedAt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[roomID]; ok {
		if msg, ok := r.byID[messageID]; ok {
			msg.Content = content
			msg.EditedAt = editedAt
		}
	}
	return nil
}

func (m *Memory) DeleteMessage(_ context.Context, roomID types.RoomIDType, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	delete(r.byID, messageID)
	for i, msg := range r.messages {
		if msg.ID == messageID {
			r.messages = append(r.messages[:i], r.messages[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) ClearRoomMessages(_ context.Context, roomID types.RoomIDType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[roomID]; ok {
		r.messages = nil
		r.byID = make(map[string]*types.ChatMessage)
	}
	return nil
}

func (m *Memory) SaveParticipant(_ context.Context, p *types.ParticipantRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.participants[p.RoomID]
	if !ok {
		byID = make(map[types.ClientIDType]*types.ParticipantRecord)
		m.participants[p.RoomID] = byID
	}
	cp := *p
	byID[p.ID] = &cp
	return nil
}

func (m *Memory) UpdateParticipantStatus(_ context.Context, roomID types.RoomIDType, id types.ClientIDType, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byID, ok := m.participants[roomID]; ok {
		if p, ok := byID[id]; ok {
			p.Status = status
		}
	}
	return nil
}

func (m *Memory) SaveFileMetadata(_ context.Context, f *types.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	m.files[f.ID] = &cp
	return nil
}

func (m *Memory) GetFileByID(_ context.Context, id string) (*types.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if f, ok := m.files[id]; ok {
		cp := *f
		return &cp, nil
	}
	return nil, nil
}

func (m *Memory) GetFileByMessageID(_ context.Context, messageID string) (*types.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.files {
		if f.MessageID == messageID {
			cp := *f
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) RenameFile(_ context.Context, id, newName, newKey, newURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.files[id]; ok {
		f.FileName = newName
		f.BlobKey = newKey
		f.BlobURL = newURL
	}
	return nil
}

func (m *Memory) DeleteFile(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, id)
	return nil
}

func (m *Memory) GetRoomFiles(_ context.Context, roomID types.RoomIDType) ([]*types.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.FileRecord
	for _, f := range m.files {
		if f.RoomID == roomID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UploadedAt.After(out[j].UploadedAt)
	})
	return out, nil
}

func (m *Memory) UpsertSummary(_ context.Context, s *types.ConversationSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	if prev, ok := m.summaries[s.RoomID]; ok {
		cp.ID = prev.ID
		cp.CreatedAt = prev.CreatedAt
	}
	m.summaries[s.RoomID] = &cp
	return nil
}

func (m *Memory) GetSummary(_ context.Context, roomID types.RoomIDType) (*types.ConversationSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.summaries[roomID]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}
