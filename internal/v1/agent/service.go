package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/metrics"
	"github.com/parleyhq/parley/internal/v1/protocol"
	"github.com/parleyhq/parley/internal/v1/room"
	"github.com/parleyhq/parley/internal/v1/summary"
	"github.com/parleyhq/parley/internal/v1/types"
)

const (
	// maxIterations bounds the tool loop. After the cap, one extra LLM call
	// summarizes the work done so far.
	maxIterations = 10

	toolTimeout = 30 * time.Second

	// contextWindow is how many ring messages the agent sees.
	contextWindow = 50

	// Auto-save fires when the working context is at least this many
	// messages and the last auto-save is older than autoSaveInterval.
	autoSaveThreshold = 80
	autoSaveInterval  = 5 * time.Minute
	autoSaveKeep      = 20

	aiSenderID   = types.ClientIDType("ai-assistant")
	aiSenderName = types.DisplayNameType("AI Assistant")
)

const systemPromptEN = `You are the AI assistant of a collaboration room. You can read the
conversation, and you have tools for files, commands, chat history export and
search. Use tools when they help; answer directly when they do not. Reply in
the language the user wrote in. Be concise.`

const systemPromptZH = `你是协作房间里的 AI 助手。你可以阅读对话, 并拥有文件, 命令,
聊天记录导出与搜索等工具。需要时调用工具, 不需要时直接回答。使用用户的语言回复, 保持简洁。`

const apologyFallback = "Sorry, I could not complete that request. Please try rephrasing it."

// Service runs the AI agent for @AI-mentioned messages.
type Service struct {
	llm       types.LLMClient
	registry  *Registry
	summaries *summary.Manager
	blob      types.BlobStore

	iterationCap  int
	saveThreshold int

	mu           sync.Mutex
	lastAutoSave map[types.RoomIDType]time.Time

	now func() time.Time
}

// NewService wires the agent against the chat model, tool registry, summary
// manager, and blob store. summaries and blob may be nil; the dependent
// behaviors degrade.
func NewService(llm types.LLMClient, registry *Registry, summaries *summary.Manager, blobStore types.BlobStore) *Service {
	return &Service{
		llm:           llm,
		registry:      registry,
		summaries:     summaries,
		blob:          blobStore,
		iterationCap:  maxIterations,
		saveThreshold: autoSaveThreshold,
		lastAutoSave:  make(map[types.RoomIDType]time.Time),
		now:           time.Now,
	}
}

// Tune overrides the loop bound and the auto-save trigger size. Zero keeps
// the default for that knob.
func (s *Service) Tune(iterationCap, saveThreshold int) {
	if iterationCap > 0 {
		s.iterationCap = iterationCap
	}
	if saveThreshold > 0 {
		s.saveThreshold = saveThreshold
	}
}

// Trigger runs one agent invocation for the room: announce thinking, run the
// tool loop over the recent context, and post the final answer as an AI
// message. Errors surface to the room as a visible AI apology, never as a
// dropped request.
func (s *Service) Trigger(ctx context.Context, rm *room.Room, trigger *types.ChatMessage) {
	rm.Broadcast(ctx, protocol.MustMarshal(protocol.AIThinking{Type: protocol.EvtAIThinking}), "")

	env := &Env{
		RoomID:   rm.ID,
		Messages: rm.RecentMessages,
		Blob:     s.blob,
	}

	answer, err := s.run(ctx, rm, env, trigger)
	if err != nil {
		logging.Error(ctx, "agent invocation failed",
			zap.String("room_id", string(rm.ID)), zap.Error(err))
		answer = apologyFallback
	}
	if strings.TrimSpace(answer) == "" {
		answer = apologyFallback
	}

	rm.PostSystemMessage(ctx, &types.ChatMessage{
		SenderID:   aiSenderID,
		SenderName: aiSenderName,
		SenderRole: types.RoleTypeAI,
		Type:       types.MessageTypeText,
		Content:    answer,
		ReplyTo:    trigger.ID,
	})
}

// ClearMemory wipes the room's durable history, ring, cached summary, and
// auto-save clock, then announces the reset.
func (s *Service) ClearMemory(ctx context.Context, rm *room.Room, actor types.ClientIDType) {
	rm.ClearMessages(ctx)
	if s.summaries != nil {
		s.summaries.Forget(rm.ID)
	}
	s.mu.Lock()
	delete(s.lastAutoSave, rm.ID)
	s.mu.Unlock()

	rm.Broadcast(ctx, protocol.MustMarshal(protocol.AIMemoryCleared{
		Type:      protocol.EvtAIMemoryCleared,
		ClearedBy: actor,
	}), "")
}

// run executes the bounded loop and returns the final assistant text.
func (s *Service) run(ctx context.Context, rm *room.Room, env *Env, trigger *types.ChatMessage) (string, error) {
	if s.llm == nil {
		return "", fmt.Errorf("agent: no llm configured")
	}

	history := rm.RecentMessages(contextWindow)
	history = s.maybeAutoSave(ctx, rm, env, history)

	msgs := s.seedMessages(ctx, rm.ID, history, trigger)

	executed := map[string]bool{} // name + raw args, for loop cutoff
	forcedFired := false
	forcedOutput := ""
	iterations := 0
	defer func() { metrics.AgentIterations.Observe(float64(iterations)) }()

	// withForced makes sure a forced tool's artifact (the download URL) is
	// never lost even when the model's closing text omits it.
	withForced := func(answer string) string {
		if forcedOutput != "" && !strings.Contains(answer, forcedOutput) {
			return strings.TrimSpace(answer + "\n\n" + forcedOutput)
		}
		return answer
	}

	for i := 1; i <= s.iterationCap; i++ {
		iterations = i
		resp, err := s.chat(ctx, types.LLMRequest{Messages: msgs, Tools: s.registry.Specs()})
		if err != nil {
			return "", fmt.Errorf("agent: llm call: %w", err)
		}

		calls := resp.ToolCalls
		if len(calls) == 0 {
			// A model that answers in prose when the request plainly needs a
			// tool, or refuses a capability it has, gets one forced call.
			if i == 1 && !forcedFired {
				if forced, ok := classifyForcedTool(trigger.Content, resp.Content); ok {
					forcedFired = true
					calls = []types.LLMToolCall{forced}
				}
			}
			if len(calls) == 0 {
				return withForced(resp.Content), nil
			}
		}

		fresh := calls[:0:0]
		for _, call := range calls {
			sig := call.Name + "\x00" + call.Arguments
			if !executed[sig] {
				executed[sig] = true
				fresh = append(fresh, call)
			}
		}
		if len(fresh) == 0 {
			if resp.Content != "" {
				return withForced(resp.Content), nil
			}
			return withForced("I could not make further progress on this request."), nil
		}

		msgs = append(msgs, types.LLMMessage{Role: "assistant", ToolCalls: fresh})
		for _, call := range fresh {
			rm.Broadcast(ctx, protocol.MustMarshal(protocol.AIToolCall{
				Type: protocol.EvtAIToolCall, Tool: call.Name,
				Arguments: call.Arguments, Status: "running",
			}), "")

			result := s.registry.Execute(ctx, env, call, toolTimeout)
			if call.ID == "forced-1" && result.Success {
				forcedOutput = result.Output
			}

			status := "done"
			detail := result.Output
			if !result.Success {
				status = "error"
				detail = result.Error
			}
			rm.Broadcast(ctx, protocol.MustMarshal(protocol.AIToolCall{
				Type: protocol.EvtAIToolCall, Tool: call.Name,
				Status: status, Result: clip(detail, 500),
			}), "")

			msgs = append(msgs, types.LLMMessage{
				Role:       "tool",
				Content:    ptr(renderResult(result)),
				ToolCallID: call.ID,
			})
		}
	}

	// Cap reached. One last call, without tools, to summarize what happened.
	msgs = append(msgs, types.TextMessage("user",
		"Tool budget exhausted. Summarize what was accomplished and what remains, in the user's language."))
	resp, err := s.chat(ctx, types.LLMRequest{Messages: msgs})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		return apologyFallback, nil
	}
	return withForced(resp.Content), nil
}

// seedMessages builds {system prompt, prior summary, recent history, trigger}.
func (s *Service) seedMessages(ctx context.Context, roomID types.RoomIDType, history []*types.ChatMessage, trigger *types.ChatMessage) []types.LLMMessage {
	prompt := systemPromptEN
	if containsCJK(trigger.Content) {
		prompt = systemPromptZH
	}
	if s.summaries != nil {
		if latest := s.summaries.Latest(ctx, roomID); latest != nil {
			prompt += "\n\nSummary of the earlier conversation:\n" + latest.Summary
		}
	}

	msgs := []types.LLMMessage{types.TextMessage("system", prompt)}
	for _, m := range history {
		if m.ID == trigger.ID {
			continue
		}
		role := "user"
		if m.SenderRole == types.RoleTypeAI {
			role = "assistant"
		}
		msgs = append(msgs, types.TextMessage(role,
			fmt.Sprintf("%s: %s", m.SenderName, m.Content)))
	}
	msgs = append(msgs, types.TextMessage("user",
		fmt.Sprintf("%s: %s", trigger.SenderName, trigger.Content)))
	return msgs
}

// maybeAutoSave exports a long-running context to a file and collapses the
// working history to a notice plus the newest messages. The room's ring and
// store are untouched; only what the model sees shrinks.
func (s *Service) maybeAutoSave(ctx context.Context, rm *room.Room, env *Env, history []*types.ChatMessage) []*types.ChatMessage {
	if s.blob == nil || len(history) < s.saveThreshold {
		return history
	}

	s.mu.Lock()
	last, ok := s.lastAutoSave[rm.ID]
	if ok && s.now().Sub(last) < autoSaveInterval {
		s.mu.Unlock()
		return history
	}
	s.lastAutoSave[rm.ID] = s.now()
	s.mu.Unlock()

	result := s.registry.Execute(ctx, env, types.LLMToolCall{
		ID: "auto-save", Name: "save_chat_history", Arguments: `{"format":"txt"}`,
	}, toolTimeout)
	if !result.Success {
		logging.Warn(ctx, "auto-save of chat history failed",
			zap.String("room_id", string(rm.ID)), zap.String("error", result.Error))
		return history
	}

	notice := &types.ChatMessage{
		SenderID:   aiSenderID,
		SenderName: aiSenderName,
		SenderRole: types.RoleTypeAI,
		Type:       types.MessageTypeSystem,
		Content:    "Earlier conversation was archived. " + result.Output,
		Timestamp:  types.NowISO(),
	}
	keep := history
	if len(keep) > autoSaveKeep {
		keep = keep[len(keep)-autoSaveKeep:]
	}
	out := make([]*types.ChatMessage, 0, len(keep)+1)
	out = append(out, notice)
	return append(out, keep...)
}

func (s *Service) chat(ctx context.Context, req types.LLMRequest) (*types.LLMResponse, error) {
	start := time.Now()
	resp, err := s.llm.Chat(ctx, req)
	metrics.LLMCallDuration.Observe(time.Since(start).Seconds())
	return resp, err
}

// --- Forced-tool heuristics ---

type forcedRule struct {
	tool     string
	keywords []string
	// buildArgs derives the call arguments from the original user text. A
	// false return skips the rule (intent named but target unextractable).
	buildArgs func(raw string) (string, bool)
}

func staticArgs(args string) func(string) (string, bool) {
	return func(string) (string, bool) { return args, true }
}

// forcedRules map unmistakable user intents to a tool, for models that
// narrate instead of calling. First match wins.
var forcedRules = []forcedRule{
	{
		tool: "save_chat_history",
		keywords: []string{
			"save the chat", "save chat history", "export the chat",
			"export chat history", "download the chat", "back up the chat",
			"保存聊天", "导出聊天", "下载聊天记录", "备份聊天",
		},
		buildArgs: staticArgs(`{"format":"txt"}`),
	},
	{
		tool: "read_file",
		keywords: []string{
			"read the file", "open the file", "show me the file",
			"what's in the file", "contents of the file",
			"读取文件", "打开文件", "查看文件内容",
		},
		buildArgs: func(raw string) (string, bool) {
			path, ok := extractPathToken(raw)
			if !ok {
				return "", false
			}
			return marshalArgs(map[string]any{"path": path}), true
		},
	},
	{
		tool: "list_directory",
		keywords: []string{
			"list the files", "list the directory", "what files are there",
			"show the directory", "list directory contents",
			"列出文件", "列出目录", "目录下有什么",
		},
		buildArgs: func(raw string) (string, bool) {
			if path, ok := extractPathToken(raw); ok {
				return marshalArgs(map[string]any{"path": path}), true
			}
			return `{}`, true
		},
	},
	{
		tool: "search_chat_history",
		keywords: []string{
			"search the chat", "search chat history", "search the history",
			"find in the chat", "搜索聊天", "查找聊天记录",
		},
		buildArgs: func(raw string) (string, bool) {
			query, ok := extractQuoted(raw)
			if !ok {
				return "", false
			}
			return marshalArgs(map[string]any{"query": query}), true
		},
	},
	{
		tool: "execute_command",
		keywords: []string{
			"run the command", "execute the command", "run this command",
			"执行命令", "运行命令",
		},
		buildArgs: func(raw string) (string, bool) {
			command, ok := extractQuoted(raw)
			if !ok {
				return "", false
			}
			return marshalArgs(map[string]any{"command": command}), true
		},
	},
	{
		tool: "create_downloadable",
		keywords: []string{
			"make a downloadable", "create a downloadable", "create a download link",
			"give me a download link", "生成下载链接", "做成可下载文件",
		},
		buildArgs: func(raw string) (string, bool) {
			content, ok := extractQuoted(raw)
			if !ok {
				return "", false
			}
			name := "download.txt"
			if path, ok := extractPathToken(raw); ok {
				name = path
			}
			return marshalArgs(map[string]any{"fileName": name, "content": content}), true
		},
	},
	{
		tool: "get_capabilities",
		keywords: []string{
			"what can you do", "what tools do you have", "list your tools",
			"你能做什么", "你有什么工具", "你会什么",
		},
		buildArgs: staticArgs(`{}`),
	},
}

// refusalPatterns are phrases a model emits when it wrongly claims it cannot
// act. Matched against the assistant text, case-insensitively.
var refusalPatterns = []string{
	"i cannot save", "i can't save", "i am unable to save", "i'm unable to",
	"i don't have the ability", "i do not have access", "as an ai", "无法保存",
	"我不能", "我无法", "没有权限",
}

// classifyForcedTool inspects the user text and the model's first reply and
// synthesizes a tool call when intent is unmistakable.
func classifyForcedTool(userText, assistantText string) (types.LLMToolCall, bool) {
	user := strings.ToLower(userText)
	for _, rule := range forcedRules {
		for _, kw := range rule.keywords {
			if strings.Contains(user, kw) {
				args, ok := rule.buildArgs(userText)
				if !ok {
					break
				}
				return types.LLMToolCall{ID: "forced-1", Name: rule.tool, Arguments: args}, true
			}
		}
	}

	reply := strings.ToLower(assistantText)
	for _, pattern := range refusalPatterns {
		if strings.Contains(reply, pattern) {
			// The refusal alone does not say which tool; only force when the
			// user text names an exportable intent loosely.
			if strings.Contains(user, "save") || strings.Contains(user, "export") ||
				strings.Contains(user, "保存") || strings.Contains(user, "导出") {
				return types.LLMToolCall{ID: "forced-1", Name: "save_chat_history", Arguments: `{"format":"txt"}`}, true
			}
		}
	}
	return types.LLMToolCall{}, false
}

// --- helpers ---

func marshalArgs(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// extractQuoted returns the first span wrapped in backticks or double or
// single quotes.
func extractQuoted(s string) (string, bool) {
	for _, q := range []string{"`", `"`, "'"} {
		start := strings.Index(s, q)
		if start < 0 {
			continue
		}
		rest := s[start+1:]
		end := strings.Index(rest, q)
		if end > 0 {
			return rest[:end], true
		}
	}
	return "", false
}

// extractPathToken returns the first whitespace-delimited token that looks
// like a file path.
func extractPathToken(s string) (string, bool) {
	if quoted, ok := extractQuoted(s); ok && looksLikePath(quoted) {
		return quoted, true
	}
	for _, tok := range strings.Fields(s) {
		tok = strings.Trim(tok, `"'?.,:;()`+"`")
		if looksLikePath(tok) {
			return tok, true
		}
	}
	return "", false
}

func looksLikePath(tok string) bool {
	if tok == "" || strings.HasPrefix(tok, "http") {
		return false
	}
	return strings.Contains(tok, "/") || strings.Contains(tok, ".")
}

func containsCJK(s string) bool {
	for _, r := range s {
		if r >= 0x4E00 && r <= 0x9FFF {
			return true
		}
	}
	return false
}

func renderResult(r *Result) string {
	if r.Success {
		if r.Output != "" {
			return r.Output
		}
		return "ok"
	}
	return "error: " + r.Error
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func ptr(s string) *string { return &s }
