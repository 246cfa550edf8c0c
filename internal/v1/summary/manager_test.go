package summary

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/v1/store"
	"github.com/parleyhq/parley/internal/v1/types"
)

// scriptedLLM returns canned responses and records requests.
type scriptedLLM struct {
	responses []string
	calls     []types.LLMRequest
	err       error
}

func (s *scriptedLLM) Chat(_ context.Context, req types.LLMRequest) (*types.LLMResponse, error) {
	s.calls = append(s.calls, req)
	if s.err != nil {
		return nil, s.err
	}
	content := "## Topics\n- testing"
	if len(s.responses) > 0 {
		content = s.responses[0]
		s.responses = s.responses[1:]
	}
	return &types.LLMResponse{Content: content}, nil
}

func msgsOfSize(n, chars int) []*types.ChatMessage {
	out := make([]*types.ChatMessage, n)
	for i := range out {
		out[i] = &types.ChatMessage{
			ID:         fmt.Sprintf("m%d", i),
			SenderName: "User",
			Content:    strings.Repeat("x", chars),
			Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		}
	}
	return out
}

func TestShouldSummarize_Threshold(t *testing.T) {
	assert.False(t, ShouldSummarize(msgsOfSize(10, 100)))
	assert.True(t, ShouldSummarize(msgsOfSize(13, 1000)))
}

func TestSummarize_WritesArtifactAndRecord(t *testing.T) {
	dir := t.TempDir()
	llm := &scriptedLLM{}
	mem := store.NewMemory()
	m := NewManager(llm, mem, dir)

	record, err := m.Summarize(context.Background(), "room-1", msgsOfSize(3, 10))
	require.NoError(t, err)
	assert.Equal(t, 3, record.MessageCount)
	assert.Equal(t, "m2", record.LastMessageID)
	assert.Contains(t, record.Summary, "Topics")

	// Durable record.
	stored, err := mem.GetSummary(context.Background(), "room-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, record.ID, stored.ID)

	// On-disk artifact under summaries/{roomId}/summary_{ts}.md.
	entries, err := os.ReadDir(filepath.Join(dir, "room-1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "summary_"))
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".md"))
}

func TestSummarize_FeedsPriorArtifactsBack(t *testing.T) {
	dir := t.TempDir()
	llm := &scriptedLLM{responses: []string{"first digest", "second digest"}}
	m := NewManager(llm, store.NewMemory(), dir)
	// Distinct artifact timestamps need distinct seconds.
	base := time.Now()
	m.now = func() time.Time { return base }

	_, err := m.Summarize(context.Background(), "room-1", msgsOfSize(2, 10))
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(time.Second) }
	_, err = m.Summarize(context.Background(), "room-1", msgsOfSize(2, 10))
	require.NoError(t, err)

	require.Len(t, llm.calls, 2)
	sys := *llm.calls[1].Messages[0].Content
	assert.Contains(t, sys, "first digest", "second call carries the earlier digest")
}

func TestLatest_CacheThenStore(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.UpsertSummary(context.Background(), &types.ConversationSummary{
		ID: "s1", RoomID: "room-1", Summary: "from store",
	}))

	m := NewManager(nil, mem, t.TempDir())
	got := m.Latest(context.Background(), "room-1")
	require.NotNil(t, got)
	assert.Equal(t, "from store", got.Summary)
	assert.Equal(t, 1, m.CacheLen())
}

func TestReap_Bounds(t *testing.T) {
	m := NewManager(nil, nil, t.TempDir())
	now := time.Now()
	m.now = func() time.Time { return now }

	for i := 0; i < 120; i++ {
		roomID := types.RoomIDType(fmt.Sprintf("room-%d", i))
		m.mu.Lock()
		m.cache[roomID] = &cacheEntry{
			summary:  &types.ConversationSummary{RoomID: roomID},
			cachedAt: now.Add(-time.Duration(i) * time.Minute),
		}
		m.mu.Unlock()
	}

	evicted := m.Reap(CacheMaxAge, CacheMaxCount)
	assert.Greater(t, evicted, 0)
	assert.LessOrEqual(t, m.CacheLen(), CacheMaxCount)

	// Age bound: nothing older than 30 minutes survives.
	m.mu.Lock()
	for _, entry := range m.cache {
		assert.True(t, now.Sub(entry.cachedAt) < CacheMaxAge)
	}
	m.mu.Unlock()
}

func TestReap_CountOnlyClip(t *testing.T) {
	m := NewManager(nil, nil, t.TempDir())
	now := time.Now()
	m.now = func() time.Time { return now }

	for i := 0; i < 40; i++ {
		roomID := types.RoomIDType(fmt.Sprintf("room-%d", i))
		m.mu.Lock()
		m.cache[roomID] = &cacheEntry{
			summary:  &types.ConversationSummary{RoomID: roomID},
			cachedAt: now.Add(-time.Duration(i) * time.Hour),
		}
		m.mu.Unlock()
	}

	// Non-positive maxAge clips by count alone; old entries may survive.
	evicted := m.Reap(0, 10)
	assert.Equal(t, 30, evicted)
	assert.Equal(t, 10, m.CacheLen())

	m.mu.Lock()
	_, newest := m.cache["room-0"]
	_, oldest := m.cache["room-39"]
	m.mu.Unlock()
	assert.True(t, newest)
	assert.False(t, oldest)
}

func TestSummarize_EmptyAndErrors(t *testing.T) {
	m := NewManager(&scriptedLLM{}, nil, t.TempDir())

	_, err := m.Summarize(context.Background(), "room-1", nil)
	assert.Error(t, err)

	m2 := NewManager(&scriptedLLM{responses: []string{"   "}}, nil, t.TempDir())
	_, err = m2.Summarize(context.Background(), "room-1", msgsOfSize(1, 5))
	assert.Error(t, err)
}
