// Package summary compresses room context. When a room's combined message
// text exceeds the threshold, the manager asks the LLM for a structured
// digest, writes an append-only markdown artifact to disk, and upserts the
// durable ConversationSummary record. Later AI invocations start from
// {prior summaries, latest summary, messages since}.
package summary

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/metrics"
	"github.com/parleyhq/parley/internal/v1/types"
)

// Defaults for the trigger and the bounded cache.
const (
	ThresholdChars = 12000
	CacheMaxCount  = 100
	CacheMaxAge    = 30 * time.Minute
)

const summaryPrompt = `Summarize the following conversation. Structure the output as markdown with these sections:
## Topics
## Decisions
## Action Items
## Key Resources
Be concise. Preserve names, file names, and links exactly.`

type cacheEntry struct {
	summary  *types.ConversationSummary
	cachedAt time.Time
}

// Manager owns the summary lifecycle for all rooms.
type Manager struct {
	llm   types.LLMClient
	store types.MessageStore
	dir   string

	mu    sync.Mutex
	cache map[types.RoomIDType]*cacheEntry

	now func() time.Time
}

// NewManager creates a Manager writing artifacts under dir.
func NewManager(llm types.LLMClient, store types.MessageStore, dir string) *Manager {
	if dir == "" {
		dir = "summaries"
	}
	return &Manager{
		llm:   llm,
		store: store,
		dir:   dir,
		cache: make(map[types.RoomIDType]*cacheEntry),
		now:   time.Now,
	}
}

// ContextSize returns the combined character length of the given messages.
func ContextSize(msgs []*types.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
	}
	return total
}

// ShouldSummarize reports whether the context has crossed the threshold.
func ShouldSummarize(msgs []*types.ChatMessage) bool {
	return ContextSize(msgs) > ThresholdChars
}

// Summarize produces a new summary for the room from msgs, persists it, and
// appends the on-disk artifact. Prior on-disk summaries are fed back into
// the prompt so digests stay cumulative.
func (m *Manager) Summarize(ctx context.Context, roomID types.RoomIDType, msgs []*types.ChatMessage) (*types.ConversationSummary, error) {
	if m.llm == nil {
		return nil, fmt.Errorf("summary: no llm configured")
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("summary: nothing to summarize")
	}

	var transcript strings.Builder
	for _, msg := range msgs {
		fmt.Fprintf(&transcript, "[%s] %s: %s\n", msg.Timestamp, msg.SenderName, msg.Content)
	}

	prompt := summaryPrompt
	if prior := m.PriorSummariesText(roomID); prior != "" {
		prompt += "\n\nEarlier summaries of this conversation:\n" + prior
	}

	resp, err := m.llm.Chat(ctx, types.LLMRequest{
		Messages: []types.LLMMessage{
			types.TextMessage("system", prompt),
			types.TextMessage("user", transcript.String()),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("summary: llm call: %w", err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil, fmt.Errorf("summary: llm returned empty digest")
	}

	last := msgs[len(msgs)-1]
	lastAt, _ := time.Parse(time.RFC3339Nano, last.Timestamp)
	record := &types.ConversationSummary{
		ID:            uuid.NewString(),
		RoomID:        roomID,
		Summary:       resp.Content,
		MessageCount:  len(msgs),
		LastMessageID: last.ID,
		LastMessageAt: lastAt,
		CreatedAt:     m.now().UTC(),
		UpdatedAt:     m.now().UTC(),
	}

	if err := m.writeArtifact(roomID, resp.Content); err != nil {
		logging.Warn(ctx, "summary artifact write failed", zap.Error(err))
	}
	if m.store != nil {
		if err := m.store.UpsertSummary(ctx, record); err != nil {
			logging.Warn(ctx, "summary persist failed", zap.Error(err))
		}
	}

	m.mu.Lock()
	m.cache[roomID] = &cacheEntry{summary: record, cachedAt: m.now()}
	m.mu.Unlock()

	logging.Info(ctx, "conversation summarized",
		zap.String("room_id", string(roomID)),
		zap.Int("messages", len(msgs)),
		zap.Int("chars", len(resp.Content)))
	return record, nil
}

// Latest returns the room's current summary, cache first then store.
func (m *Manager) Latest(ctx context.Context, roomID types.RoomIDType) *types.ConversationSummary {
	m.mu.Lock()
	if entry, ok := m.cache[roomID]; ok && m.now().Sub(entry.cachedAt) < CacheMaxAge {
		m.mu.Unlock()
		return entry.summary
	}
	m.mu.Unlock()

	if m.store == nil {
		return nil
	}
	record, err := m.store.GetSummary(ctx, roomID)
	if err != nil || record == nil {
		return nil
	}
	m.mu.Lock()
	m.cache[roomID] = &cacheEntry{summary: record, cachedAt: m.now()}
	m.mu.Unlock()
	return record
}

// PriorSummariesText concatenates the room's on-disk artifacts, oldest first.
func (m *Manager) PriorSummariesText(roomID types.RoomIDType) string {
	roomDir := filepath.Join(m.dir, string(roomID))
	entries, err := os.ReadDir(roomDir)
	if err != nil {
		return ""
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "summary_") && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(roomDir, name))
		if err != nil {
			continue
		}
		b.Write(data)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

// Forget drops the room's cache entry, used by clear_ai_memory.
func (m *Manager) Forget(roomID types.RoomIDType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, roomID)
}

// CacheLen returns the current number of cached summaries.
func (m *Manager) CacheLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}

// Reap enforces the cache bounds: entries aged maxAge or more are dropped,
// then the count is clipped to maxCount, oldest first. A non-positive maxAge
// skips the age pass so callers can clip by count alone.
func (m *Manager) Reap(maxAge time.Duration, maxCount int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	if maxAge > 0 {
		cutoff := m.now().Add(-maxAge)
		for id, entry := range m.cache {
			if !entry.cachedAt.After(cutoff) {
				delete(m.cache, id)
				evicted++
			}
		}
	}

	if len(m.cache) > maxCount {
		ids := make([]types.RoomIDType, 0, len(m.cache))
		for id := range m.cache {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			return m.cache[ids[i]].cachedAt.Before(m.cache[ids[j]].cachedAt)
		})
		for _, id := range ids[:len(m.cache)-maxCount] {
			delete(m.cache, id)
			evicted++
		}
	}

	if evicted > 0 {
		metrics.ReaperEvictions.WithLabelValues("summaries").Add(float64(evicted))
	}
	return evicted
}

// writeArtifact appends a timestamped markdown file; artifacts are never
// rewritten.
func (m *Manager) writeArtifact(roomID types.RoomIDType, body string) error {
	roomDir := filepath.Join(m.dir, string(roomID))
	if err := os.MkdirAll(roomDir, 0o755); err != nil {
		return err
	}
	ts := m.now().UTC().Format("2006-01-02T15-04-05Z")
	name := filepath.Join(roomDir, fmt.Sprintf("summary_%s.md", ts))
	content := fmt.Sprintf("# Conversation Summary\n\nRoom: %s\nGenerated: %s\n\n%s\n", roomID, ts, body)
	return os.WriteFile(name, []byte(content), 0o644)
}
