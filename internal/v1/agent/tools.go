// Package agent drives the bounded tool-calling loop behind @AI mentions:
// render context, call the model, execute requested tools, feed results
// back, and stop at the iteration cap with one summarizing call.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/v1/blob"
	"github.com/parleyhq/parley/internal/v1/metrics"
	"github.com/parleyhq/parley/internal/v1/types"
)

// Result is the uniform tool outcome fed back to the model. Errors stay
// inside the result; they never abort the loop.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func failure(format string, args ...any) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

func success(output string) *Result {
	return &Result{Success: true, Output: output}
}

// Env carries the per-invocation collaborators a tool may touch.
type Env struct {
	RoomID   types.RoomIDType
	Messages func(n int) []*types.ChatMessage
	Blob     types.BlobStore
}

// Tool is one callable entry in the registry.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, env *Env, args map[string]any) *Result
}

// Policy gates file and command tools.
type Policy struct {
	// AllowedDirs are the only base paths file tools may touch.
	AllowedDirs []string
	// DeniedCommands are substrings that reject an execute_command request.
	DeniedCommands []string
	// CommandTimeout bounds one execute_command run.
	CommandTimeout time.Duration
}

// DefaultPolicy confines file access to workdir and blocks destructive or
// privilege-escalating commands.
func DefaultPolicy(workdir string) *Policy {
	return &Policy{
		AllowedDirs: []string{workdir},
		DeniedCommands: []string{
			"rm -rf", "rm -fr", "mkfs", "dd if", ":(){", "shutdown", "reboot",
			"sudo", "chmod 777", "> /dev/", "curl", "wget", "nc ",
		},
		CommandTimeout: 30 * time.Second,
	}
}

// checkPath resolves a user-supplied path against the allowed base dirs.
func (p *Policy) checkPath(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("path is required")
	}
	for _, base := range p.AllowedDirs {
		abs, err := filepath.Abs(filepath.Join(base, raw))
		if err != nil {
			continue
		}
		baseAbs, err := filepath.Abs(base)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(baseAbs, abs)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("path %q is outside the allowed directories", raw)
}

func (p *Policy) checkCommand(cmd string) error {
	lowered := strings.ToLower(cmd)
	for _, denied := range p.DeniedCommands {
		if strings.Contains(lowered, denied) {
			return fmt.Errorf("command contains denied pattern %q", denied)
		}
	}
	return nil
}

// Registry maps tool names to implementations.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Specs returns the tool catalog for the LLM request, sorted by name.
func (r *Registry) Specs() []types.LLMToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.LLMToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, types.LLMToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs one tool call under the timeout, decoding arguments from the
// model's raw JSON. Unknown tools and bad arguments become failed Results.
func (r *Registry) Execute(ctx context.Context, env *Env, call types.LLMToolCall, timeout time.Duration) *Result {
	tool, ok := r.Get(call.Name)
	if !ok {
		metrics.AgentToolCalls.WithLabelValues(call.Name, "unknown").Inc()
		return failure("unknown tool %q", call.Name)
	}

	args := map[string]any{}
	if strings.TrimSpace(call.Arguments) != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			metrics.AgentToolCalls.WithLabelValues(call.Name, "bad_args").Inc()
			return failure("invalid arguments: %v", err)
		}
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := tool.Execute(ctx, env, args)
	status := "success"
	if !result.Success {
		status = "error"
	}
	metrics.AgentToolCalls.WithLabelValues(call.Name, status).Inc()
	return result
}

// NewDefaultRegistry wires the built-in catalog.
func NewDefaultRegistry(policy *Policy) *Registry {
	r := NewRegistry()
	r.Register(&saveChatHistoryTool{})
	r.Register(&searchChatHistoryTool{})
	r.Register(&readFileTool{policy: policy})
	r.Register(&writeFileTool{policy: policy})
	r.Register(&listDirectoryTool{policy: policy})
	r.Register(&executeCommandTool{policy: policy})
	r.Register(&createDownloadableTool{})
	r.Register(&getCapabilitiesTool{registry: r})
	return r
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// --- save_chat_history ---

type saveChatHistoryTool struct{}

func (t *saveChatHistoryTool) Name() string { return "save_chat_history" }
func (t *saveChatHistoryTool) Description() string {
	return "Export the recent chat history to a downloadable file. Use when asked to save, export, or back up the conversation."
}
func (t *saveChatHistoryTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"format": map[string]any{
				"type": "string", "enum": []string{"txt", "md", "json"},
				"description": "Output format, defaults to txt.",
			},
		},
	}
}

func (t *saveChatHistoryTool) Execute(ctx context.Context, env *Env, args map[string]any) *Result {
	if env == nil || env.Messages == nil || env.Blob == nil {
		return failure("chat history export is not available here")
	}
	format := stringArg(args, "format")
	if format == "" {
		format = "txt"
	}

	msgs := env.Messages(0)
	if len(msgs) == 0 {
		return failure("no messages to export")
	}

	var body []byte
	switch format {
	case "json":
		data, err := json.MarshalIndent(msgs, "", "  ")
		if err != nil {
			return failure("encode history: %v", err)
		}
		body = data
	default:
		var b strings.Builder
		for _, m := range msgs {
			fmt.Fprintf(&b, "[%s] %s (%s): %s\n", m.Timestamp, m.SenderName, m.SenderRole, m.Content)
		}
		body = []byte(b.String())
	}

	key := blob.Key(env.RoomID, "export", fmt.Sprintf("chat_history.%s", format))
	url, err := env.Blob.UploadBytes(ctx, key, body, nil)
	if err != nil {
		return failure("store export: %v", err)
	}
	return &Result{
		Success: true,
		Output:  fmt.Sprintf("Chat history (%d messages) saved. Download: %s", len(msgs), url),
		Data:    map[string]any{"url": url, "messages": len(msgs), "format": format},
	}
}

// --- search_chat_history ---

type searchChatHistoryTool struct{}

func (t *searchChatHistoryTool) Name() string { return "search_chat_history" }
func (t *searchChatHistoryTool) Description() string {
	return "Search the recent chat history for messages containing a query string."
}
func (t *searchChatHistoryTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "Text to search for."},
		},
		"required": []string{"query"},
	}
}

func (t *searchChatHistoryTool) Execute(_ context.Context, env *Env, args map[string]any) *Result {
	if env == nil || env.Messages == nil {
		return failure("chat history is not available here")
	}
	query := strings.ToLower(strings.TrimSpace(stringArg(args, "query")))
	if query == "" {
		return failure("query is required")
	}

	var hits []string
	for _, m := range env.Messages(0) {
		if strings.Contains(strings.ToLower(m.Content), query) {
			hits = append(hits, fmt.Sprintf("[%s] %s: %s", m.Timestamp, m.SenderName, m.Content))
			if len(hits) >= 20 {
				break
			}
		}
	}
	if len(hits) == 0 {
		return success("No messages matched.")
	}
	return success(fmt.Sprintf("%d match(es):\n%s", len(hits), strings.Join(hits, "\n")))
}

// --- read_file ---

type readFileTool struct {
	policy *Policy
}

func (t *readFileTool) Name() string { return "read_file" }
func (t *readFileTool) Description() string {
	return "Read a text file from the shared workspace."
}
func (t *readFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Workspace-relative file path."},
		},
		"required": []string{"path"},
	}
}

const maxToolFileBytes = 256 * 1024

func (t *readFileTool) Execute(_ context.Context, _ *Env, args map[string]any) *Result {
	path, err := t.policy.checkPath(stringArg(args, "path"))
	if err != nil {
		return failure("%v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return failure("read file: %v", err)
	}
	if info.Size() > maxToolFileBytes {
		return failure("file too large (%d bytes, limit %d)", info.Size(), maxToolFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return failure("read file: %v", err)
	}
	return success(string(data))
}

// --- write_file ---

type writeFileTool struct {
	policy *Policy
}

func (t *writeFileTool) Name() string { return "write_file" }
func (t *writeFileTool) Description() string {
	return "Write a text file into the shared workspace, creating parent directories."
}
func (t *writeFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *writeFileTool) Execute(_ context.Context, _ *Env, args map[string]any) *Result {
	path, err := t.policy.checkPath(stringArg(args, "path"))
	if err != nil {
		return failure("%v", err)
	}
	content := stringArg(args, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return failure("create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return failure("write file: %v", err)
	}
	return success(fmt.Sprintf("Wrote %d bytes to %s", len(content), stringArg(args, "path")))
}

// --- list_directory ---

type listDirectoryTool struct {
	policy *Policy
}

func (t *listDirectoryTool) Name() string { return "list_directory" }
func (t *listDirectoryTool) Description() string {
	return "List the contents of a workspace directory."
}
func (t *listDirectoryTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Workspace-relative directory, defaults to the root."},
		},
	}
}

func (t *listDirectoryTool) Execute(_ context.Context, _ *Env, args map[string]any) *Result {
	raw := stringArg(args, "path")
	if raw == "" {
		raw = "."
	}
	path, err := t.policy.checkPath(raw)
	if err != nil {
		return failure("%v", err)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return failure("list directory: %v", err)
	}
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
		} else {
			fmt.Fprintf(&b, "%s\n", e.Name())
		}
	}
	if b.Len() == 0 {
		return success("(empty)")
	}
	return success(b.String())
}

// --- execute_command ---

type executeCommandTool struct {
	policy *Policy
}

func (t *executeCommandTool) Name() string { return "execute_command" }
func (t *executeCommandTool) Description() string {
	return "Run a shell command in the workspace. Destructive commands are rejected."
}
func (t *executeCommandTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string"},
		},
		"required": []string{"command"},
	}
}

func (t *executeCommandTool) Execute(ctx context.Context, _ *Env, args map[string]any) *Result {
	command := strings.TrimSpace(stringArg(args, "command"))
	if command == "" {
		return failure("command is required")
	}
	if err := t.policy.checkCommand(command); err != nil {
		return failure("%v", err)
	}

	timeout := t.policy.CommandTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if len(t.policy.AllowedDirs) > 0 {
		cmd.Dir = t.policy.AllowedDirs[0]
	}
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return failure("command timed out after %s", timeout)
	}
	if err != nil {
		return &Result{Success: false, Output: string(out), Error: err.Error()}
	}
	return success(string(out))
}

// --- create_downloadable ---

type createDownloadableTool struct{}

func (t *createDownloadableTool) Name() string { return "create_downloadable" }
func (t *createDownloadableTool) Description() string {
	return "Create a downloadable file from given content and return its URL."
}
func (t *createDownloadableTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"fileName": map[string]any{"type": "string"},
			"content":  map[string]any{"type": "string"},
		},
		"required": []string{"fileName", "content"},
	}
}

func (t *createDownloadableTool) Execute(ctx context.Context, env *Env, args map[string]any) *Result {
	if env == nil || env.Blob == nil {
		return failure("downloads are not available here")
	}
	fileName := stringArg(args, "fileName")
	if fileName == "" {
		return failure("fileName is required")
	}
	key := blob.Key(env.RoomID, "generated", fileName)
	url, err := env.Blob.UploadBytes(ctx, key, []byte(stringArg(args, "content")), nil)
	if err != nil {
		return failure("store file: %v", err)
	}
	return &Result{
		Success: true,
		Output:  fmt.Sprintf("File %s created. Download: %s", fileName, url),
		Data:    map[string]any{"url": url, "fileName": fileName},
	}
}

// --- get_capabilities ---

type getCapabilitiesTool struct {
	registry *Registry
}

func (t *getCapabilitiesTool) Name() string { return "get_capabilities" }
func (t *getCapabilitiesTool) Description() string {
	return "List the tools available to the assistant."
}
func (t *getCapabilitiesTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *getCapabilitiesTool) Execute(_ context.Context, _ *Env, _ map[string]any) *Result {
	var b strings.Builder
	for _, spec := range t.registry.Specs() {
		fmt.Fprintf(&b, "- %s: %s\n", spec.Name, spec.Description)
	}
	return success(b.String())
}
