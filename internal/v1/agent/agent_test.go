package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/v1/protocol"
	"github.com/parleyhq/parley/internal/v1/room"
	"github.com/parleyhq/parley/internal/v1/store"
	"github.com/parleyhq/parley/internal/v1/summary"
	"github.com/parleyhq/parley/internal/v1/types"
)

// scriptedLLM pops one response per call and records every request.
type scriptedLLM struct {
	responses []*types.LLMResponse
	requests  []types.LLMRequest
	err       error
}

func (s *scriptedLLM) Chat(_ context.Context, req types.LLMRequest) (*types.LLMResponse, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return &types.LLMResponse{Content: "done"}, nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func text(content string) *types.LLMResponse {
	return &types.LLMResponse{Content: content}
}

func toolCall(id, name, args string) *types.LLMResponse {
	return &types.LLMResponse{ToolCalls: []types.LLMToolCall{{ID: id, Name: name, Arguments: args}}}
}

// fakeBlob records uploads and mints predictable URLs.
type fakeBlob struct {
	uploads map[string][]byte
	fail    bool
}

func newFakeBlob() *fakeBlob { return &fakeBlob{uploads: map[string][]byte{}} }

func (f *fakeBlob) UploadBytes(_ context.Context, key string, data []byte, _ map[string]string) (string, error) {
	if f.fail {
		return "", fmt.Errorf("blob unavailable")
	}
	f.uploads[key] = data
	return "https://files.example/" + key, nil
}

func (f *fakeBlob) GenerateUploadURL(context.Context, string, string, time.Duration) (*types.UploadTarget, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeBlob) GetSignedDownloadURL(context.Context, string, time.Duration) (string, error) {
	return "", fmt.Errorf("not implemented")
}
func (f *fakeBlob) Rename(context.Context, string, string) (string, error) {
	return "", fmt.Errorf("not implemented")
}
func (f *fakeBlob) Delete(context.Context, string) error { return nil }

// fakeMember collects everything the room fans out.
type fakeMember struct {
	id     types.ClientIDType
	inbox  [][]byte
	killed bool
}

func (m *fakeMember) ID() types.ClientIDType      { return m.id }
func (m *fakeMember) Name() types.DisplayNameType { return types.DisplayNameType("user-" + m.id) }
func (m *fakeMember) Role() types.RoleType        { return types.RoleTypeMember }
func (m *fakeMember) SetRole(types.RoleType)      {}
func (m *fakeMember) Kill(string)                 { m.killed = true }
func (m *fakeMember) Enqueue(data []byte) bool {
	m.inbox = append(m.inbox, data)
	return true
}

func (m *fakeMember) eventsOfType(t *testing.T, eventType string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, raw := range m.inbox {
		var ev map[string]any
		require.NoError(t, json.Unmarshal(raw, &ev))
		if ev["type"] == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func newTestRoom(t *testing.T) (*room.Room, *fakeMember) {
	t.Helper()
	rm := room.New("room-1", store.NewMemory(), nil, nil)
	member := &fakeMember{id: "u1"}
	rm.Join(context.Background(), member)
	member.inbox = nil // drop the join handshake frames
	return rm, member
}

func newService(llm types.LLMClient, blob types.BlobStore, dir string) *Service {
	registry := NewDefaultRegistry(DefaultPolicy(dir))
	return NewService(llm, registry, summary.NewManager(llm, nil, filepath.Join(dir, "summaries")), blob)
}

func trigger(content string) *types.ChatMessage {
	return &types.ChatMessage{
		ID: "t1", SenderID: "u1", SenderName: "Alice",
		Type: types.MessageTypeText, Content: content, MentionsAI: true,
		Timestamp: types.NowISO(),
	}
}

func TestTrigger_DirectAnswer(t *testing.T) {
	rm, member := newTestRoom(t)
	llm := &scriptedLLM{responses: []*types.LLMResponse{text("Paris is the capital of France.")}}
	svc := newService(llm, newFakeBlob(), t.TempDir())

	svc.Trigger(context.Background(), rm, trigger("@AI what is the capital of France?"))

	require.Len(t, member.eventsOfType(t, protocol.EvtAIThinking), 1)
	news := member.eventsOfType(t, protocol.EvtMessageNew)
	require.Len(t, news, 1)
	msg := news[0]["message"].(map[string]any)
	assert.Equal(t, "Paris is the capital of France.", msg["content"])
	assert.Equal(t, string(types.RoleTypeAI), msg["senderRole"])
	assert.Equal(t, "t1", msg["replyTo"])
}

func TestTrigger_ToolLoop(t *testing.T) {
	rm, member := newTestRoom(t)
	blob := newFakeBlob()
	llm := &scriptedLLM{responses: []*types.LLMResponse{
		toolCall("c1", "save_chat_history", `{"format":"txt"}`),
		text("History saved."),
	}}
	svc := newService(llm, blob, t.TempDir())

	rm.PostSystemMessage(context.Background(), &types.ChatMessage{
		SenderName: "Alice", Type: types.MessageTypeText, Content: "hello world",
	})
	member.inbox = nil

	svc.Trigger(context.Background(), rm, trigger("@AI save the chat please"))

	require.Len(t, blob.uploads, 1)
	calls := member.eventsOfType(t, protocol.EvtAIToolCall)
	require.Len(t, calls, 2)
	assert.Equal(t, "running", calls[0]["status"])
	assert.Equal(t, "done", calls[1]["status"])
	assert.Equal(t, "save_chat_history", calls[1]["tool"])

	// The tool result went back to the model on the second call.
	require.Len(t, llm.requests, 2)
	last := llm.requests[1].Messages[len(llm.requests[1].Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
}

func TestTrigger_IterationCapSummarizes(t *testing.T) {
	rm, member := newTestRoom(t)
	var responses []*types.LLMResponse
	for i := 0; i < maxIterations; i++ {
		responses = append(responses, toolCall(
			fmt.Sprintf("c%d", i), "get_capabilities", fmt.Sprintf(`{"n":%d}`, i)))
	}
	responses = append(responses, text("I listed capabilities repeatedly; nothing else was done."))
	llm := &scriptedLLM{responses: responses}
	svc := newService(llm, newFakeBlob(), t.TempDir())

	svc.Trigger(context.Background(), rm, trigger("@AI do something"))

	// Cap iterations plus one summarizing call, and the final call has no tools.
	require.Len(t, llm.requests, maxIterations+1)
	assert.Empty(t, llm.requests[maxIterations].Tools)
	news := member.eventsOfType(t, protocol.EvtMessageNew)
	require.Len(t, news, 1)
	assert.Contains(t, news[0]["message"].(map[string]any)["content"], "capabilities")
}

func TestTrigger_RepeatedCallCutsOff(t *testing.T) {
	rm, member := newTestRoom(t)
	llm := &scriptedLLM{responses: []*types.LLMResponse{
		toolCall("c1", "get_capabilities", `{}`),
		toolCall("c2", "get_capabilities", `{}`), // identical name+args
	}}
	svc := newService(llm, newFakeBlob(), t.TempDir())

	svc.Trigger(context.Background(), rm, trigger("@AI loop forever"))

	require.Len(t, llm.requests, 2)
	news := member.eventsOfType(t, protocol.EvtMessageNew)
	require.Len(t, news, 1)
	assert.Contains(t, news[0]["message"].(map[string]any)["content"], "further progress")
}

func TestTrigger_ForcedToolOnRefusal(t *testing.T) {
	rm, _ := newTestRoom(t)
	blob := newFakeBlob()
	llm := &scriptedLLM{responses: []*types.LLMResponse{
		text("I'm sorry, but I cannot save files as an AI."),
		text("Done, the chat history is saved."),
	}}
	svc := newService(llm, blob, t.TempDir())

	rm.PostSystemMessage(context.Background(), &types.ChatMessage{
		SenderName: "Alice", Type: types.MessageTypeText, Content: "hi",
	})
	svc.Trigger(context.Background(), rm, trigger("@AI please save the chat history"))

	assert.Len(t, blob.uploads, 1, "forced save_chat_history ran despite the refusal")
	require.Len(t, llm.requests, 2)
}

func TestTrigger_ForcedToolOnChineseKeyword(t *testing.T) {
	rm, member := newTestRoom(t)
	blob := newFakeBlob()
	llm := &scriptedLLM{responses: []*types.LLMResponse{
		text("好的, 我来处理。"), // text only, no tool call
		text("已完成。"),       // closing text omits the URL
	}}
	svc := newService(llm, blob, t.TempDir())

	rm.PostSystemMessage(context.Background(), &types.ChatMessage{
		SenderName: "Alice", Type: types.MessageTypeText, Content: "你好",
	})
	member.inbox = nil
	svc.Trigger(context.Background(), rm, trigger("保存聊天记录"))

	require.Len(t, blob.uploads, 1)
	news := member.eventsOfType(t, protocol.EvtMessageNew)
	require.Len(t, news, 1)
	content := news[0]["message"].(map[string]any)["content"].(string)
	assert.Contains(t, content, "https://files.example/", "download URL carried into the answer")
}

func TestTrigger_ForcedToolFiresOnce(t *testing.T) {
	rm, member := newTestRoom(t)
	llm := &scriptedLLM{responses: []*types.LLMResponse{
		text("I cannot save that."),
		text("I still cannot save that."),
	}}
	// No blob, so the forced tool fails; the second refusal must not re-force.
	svc := newService(llm, nil, t.TempDir())

	rm.PostSystemMessage(context.Background(), &types.ChatMessage{
		SenderName: "Alice", Type: types.MessageTypeText, Content: "hi",
	})
	member.inbox = nil
	svc.Trigger(context.Background(), rm, trigger("@AI save the chat history"))

	require.Len(t, llm.requests, 2)
	news := member.eventsOfType(t, protocol.EvtMessageNew)
	require.Len(t, news, 1)
}

func TestTrigger_LLMErrorApologizes(t *testing.T) {
	rm, member := newTestRoom(t)
	llm := &scriptedLLM{err: fmt.Errorf("upstream down")}
	svc := newService(llm, newFakeBlob(), t.TempDir())

	svc.Trigger(context.Background(), rm, trigger("@AI hello"))

	news := member.eventsOfType(t, protocol.EvtMessageNew)
	require.Len(t, news, 1)
	assert.Equal(t, apologyFallback, news[0]["message"].(map[string]any)["content"])
}

func TestClearMemory(t *testing.T) {
	rm, member := newTestRoom(t)
	svc := newService(&scriptedLLM{}, newFakeBlob(), t.TempDir())

	rm.PostSystemMessage(context.Background(), &types.ChatMessage{
		SenderName: "Alice", Type: types.MessageTypeText, Content: "wipe me",
	})
	require.Equal(t, 1, rm.RingLen())
	member.inbox = nil

	svc.ClearMemory(context.Background(), rm, "u1")

	assert.Equal(t, 0, rm.RingLen())
	cleared := member.eventsOfType(t, protocol.EvtAIMemoryCleared)
	require.Len(t, cleared, 1)
	assert.Equal(t, "u1", cleared[0]["clearedBy"])
}

func TestMaybeAutoSave_CollapsesContext(t *testing.T) {
	rm, _ := newTestRoom(t)
	blob := newFakeBlob()
	svc := newService(&scriptedLLM{}, blob, t.TempDir())

	history := make([]*types.ChatMessage, autoSaveThreshold)
	for i := range history {
		history[i] = &types.ChatMessage{
			ID: fmt.Sprintf("m%d", i), SenderName: "Alice",
			Content: "msg", Timestamp: types.NowISO(),
		}
	}
	for _, m := range history {
		rm.PostSystemMessage(context.Background(), m)
	}

	env := &Env{RoomID: rm.ID, Messages: rm.RecentMessages, Blob: blob}
	out := svc.maybeAutoSave(context.Background(), rm, env, history)

	require.Len(t, blob.uploads, 1)
	require.Len(t, out, autoSaveKeep+1)
	assert.Contains(t, out[0].Content, "archived")
	assert.Equal(t, history[len(history)-1].ID, out[len(out)-1].ID)

	// Within the interval a second pass is a no-op.
	out2 := svc.maybeAutoSave(context.Background(), rm, env, history)
	assert.Len(t, blob.uploads, 1)
	assert.Len(t, out2, len(history))
}

func TestClassifyForcedTool(t *testing.T) {
	call, ok := classifyForcedTool("please save the chat history", "")
	require.True(t, ok)
	assert.Equal(t, "save_chat_history", call.Name)

	call, ok = classifyForcedTool("请帮我导出聊天记录", "")
	require.True(t, ok)
	assert.Equal(t, "save_chat_history", call.Name)

	_, ok = classifyForcedTool("what's the weather", "It is sunny.")
	assert.False(t, ok)

	// Refusal text plus a loose export intent.
	call, ok = classifyForcedTool("can you export this?", "I do not have access to files.")
	require.True(t, ok)
	assert.Equal(t, "save_chat_history", call.Name)
}

func TestClassifyForcedTool_FileAndCommandIntents(t *testing.T) {
	call, ok := classifyForcedTool("please read the file notes/todo.txt", "")
	require.True(t, ok)
	assert.Equal(t, "read_file", call.Name)
	assert.JSONEq(t, `{"path":"notes/todo.txt"}`, call.Arguments)

	// Named intent without an extractable path is not forced.
	_, ok = classifyForcedTool("read the file please", "")
	assert.False(t, ok)

	call, ok = classifyForcedTool("list the files in exports/", "")
	require.True(t, ok)
	assert.Equal(t, "list_directory", call.Name)
	assert.JSONEq(t, `{"path":"exports/"}`, call.Arguments)

	call, ok = classifyForcedTool("list the directory for me", "")
	require.True(t, ok)
	assert.Equal(t, "list_directory", call.Name)
	assert.Equal(t, `{}`, call.Arguments)

	call, ok = classifyForcedTool(`search the chat for "deadline"`, "")
	require.True(t, ok)
	assert.Equal(t, "search_chat_history", call.Name)
	assert.JSONEq(t, `{"query":"deadline"}`, call.Arguments)

	call, ok = classifyForcedTool("run the command `ls -la`", "")
	require.True(t, ok)
	assert.Equal(t, "execute_command", call.Name)
	assert.JSONEq(t, `{"command":"ls -la"}`, call.Arguments)

	call, ok = classifyForcedTool(`make a downloadable called notes.txt with "hello world"`, "")
	require.True(t, ok)
	assert.Equal(t, "create_downloadable", call.Name)
	assert.JSONEq(t, `{"fileName":"notes.txt","content":"hello world"}`, call.Arguments)

	call, ok = classifyForcedTool("what tools do you have?", "")
	require.True(t, ok)
	assert.Equal(t, "get_capabilities", call.Name)
}

func TestPolicy_PathConfinement(t *testing.T) {
	dir := t.TempDir()
	p := DefaultPolicy(dir)

	got, err := p.checkPath("notes/todo.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "notes", "todo.txt"), got)

	_, err = p.checkPath("../outside.txt")
	assert.Error(t, err)
	_, err = p.checkPath("a/../../outside.txt")
	assert.Error(t, err)
}

func TestPolicy_CommandDenyList(t *testing.T) {
	p := DefaultPolicy(t.TempDir())
	assert.NoError(t, p.checkCommand("ls -la"))
	assert.Error(t, p.checkCommand("rm -rf /"))
	assert.Error(t, p.checkCommand("sudo cat /etc/shadow"))
}

func TestRegistry_FileTools(t *testing.T) {
	dir := t.TempDir()
	registry := NewDefaultRegistry(DefaultPolicy(dir))
	ctx := context.Background()

	res := registry.Execute(ctx, nil, types.LLMToolCall{
		ID: "1", Name: "write_file",
		Arguments: `{"path":"out/hello.txt","content":"hi there"}`,
	}, time.Second)
	require.True(t, res.Success, res.Error)

	data, err := os.ReadFile(filepath.Join(dir, "out", "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi there", string(data))

	res = registry.Execute(ctx, nil, types.LLMToolCall{
		ID: "2", Name: "read_file", Arguments: `{"path":"out/hello.txt"}`,
	}, time.Second)
	require.True(t, res.Success)
	assert.Equal(t, "hi there", res.Output)

	res = registry.Execute(ctx, nil, types.LLMToolCall{
		ID: "3", Name: "list_directory", Arguments: `{"path":"out"}`,
	}, time.Second)
	require.True(t, res.Success)
	assert.Contains(t, res.Output, "hello.txt")
}

func TestRegistry_UnknownToolAndBadArgs(t *testing.T) {
	registry := NewDefaultRegistry(DefaultPolicy(t.TempDir()))
	ctx := context.Background()

	res := registry.Execute(ctx, nil, types.LLMToolCall{ID: "1", Name: "nope"}, time.Second)
	assert.False(t, res.Success)

	res = registry.Execute(ctx, nil, types.LLMToolCall{
		ID: "2", Name: "read_file", Arguments: `{broken`,
	}, time.Second)
	assert.False(t, res.Success)
}

func TestSearchChatHistory(t *testing.T) {
	registry := NewDefaultRegistry(DefaultPolicy(t.TempDir()))
	env := &Env{
		RoomID: "room-1",
		Messages: func(int) []*types.ChatMessage {
			return []*types.ChatMessage{
				{SenderName: "Alice", Content: "the deploy is on friday"},
				{SenderName: "Bob", Content: "lunch?"},
			}
		},
	}
	res := registry.Execute(context.Background(), env, types.LLMToolCall{
		ID: "1", Name: "search_chat_history", Arguments: `{"query":"deploy"}`,
	}, time.Second)
	require.True(t, res.Success)
	assert.Contains(t, res.Output, "friday")
	assert.NotContains(t, res.Output, "lunch")
}
