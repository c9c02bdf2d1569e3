// Package rawlog is the process-wide raw LLM request/response logger: one
// of the two pieces of global mutable state this runtime carries. It is
// initialized once at startup from config and passed down as a field,
// never touched again as a package global.
package rawlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const separator = "================================================================================"

// Logger appends every raw LLM request/response/error to an append-only,
// per-day log file, independent of the structured messages.jsonl audit
// trail a run keeps for itself.
type Logger struct {
	mu      sync.Mutex
	logDir  string
	file    *os.File
	dateTag string
}

// New creates a logger rooted at logDir, creating the directory if needed
// and opening today's log file.
func New(logDir string) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("rawlog: create log dir: %w", err)
	}
	l := &Logger{logDir: logDir}
	if err := l.rollIfNeeded(); err != nil {
		return nil, err
	}
	return l, nil
}

// rollIfNeeded opens a fresh file when the UTC date has changed since the
// last write, matching the "append-only file per day" requirement even
// across a process that outlives midnight.
func (l *Logger) rollIfNeeded() error {
	today := time.Now().UTC().Format("2006-01-02")
	if today == l.dateTag && l.file != nil {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
	}

	path := filepath.Join(l.logDir, fmt.Sprintf("llm_raw.log.%s", today))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("rawlog: open %s: %w", path, err)
	}
	l.file = f
	l.dateTag = today
	return nil
}

func (l *Logger) writeEntry(header string, entry map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rollIfNeeded(); err != nil {
		return
	}

	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return
	}

	fmt.Fprintf(l.file, "\n%s\n%s\n%s\n%s\n%s\n", separator, header, separator, data, separator)
}

// LogRequest records an outgoing chat-completion request before it is sent.
func (l *Logger) LogRequest(provider, model string, messages []Message, tools []ToolDefinition, extra map[string]any) {
	entry := map[string]any{
		"type":     "request",
		"provider": provider,
		"model":    model,
		"messages": messages,
	}
	if len(tools) > 0 {
		entry["tools"] = tools
	}
	if len(extra) > 0 {
		entry["additional_params"] = extra
	}
	l.writeEntry("REQUEST", entry)
}

// LogResponse records the raw response body (already decoded) for a request.
func (l *Logger) LogResponse(provider string, response any, statusCode int) {
	entry := map[string]any{
		"type":     "response",
		"provider": provider,
		"response": response,
	}
	if statusCode != 0 {
		entry["status_code"] = statusCode
	}
	l.writeEntry("RESPONSE", entry)
}

// LogError records a failed LLM call.
func (l *Logger) LogError(provider string, err error, context map[string]any) {
	entry := map[string]any{
		"type":     "error",
		"provider": provider,
		"error":    err.Error(),
	}
	if len(context) > 0 {
		entry["context"] = context
	}
	l.writeEntry("ERROR", entry)
}

// Close releases the underlying file handle.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Message is the minimal shape rawlog needs to render a request entry;
// pkg/llm converts its own Message values to it with toRawLogMessages.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolDefinition mirrors the function-calling schema entries a request carries.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
