// Package tools implements the agent's research tools: web search, page
// reading, and source capture.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quillhaven/research-agent/internal/llm"
	"github.com/quillhaven/research-agent/pkg/logger"
)

// Tool is implemented by every agent tool.
type Tool interface {
	// Name returns the unique identifier for the tool.
	Name() string

	// Description tells the model what the tool does and when to use it.
	Description() string

	// InputSchema returns the JSON schema for the tool's input.
	InputSchema() map[string]any

	// Execute runs the tool and returns the text handed back to the model.
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// Execution tracks one tool run for diagnostics.
type Execution struct {
	ToolName   string        `json:"tool_name"`
	Duration   time.Duration `json:"duration_ms"`
	Error      string        `json:"error,omitempty"`
	ExecutedAt time.Time     `json:"executed_at"`
	Success    bool          `json:"success"`
}

// Registry holds the agent's tools and executes model tool calls.
type Registry struct {
	tools      map[string]Tool
	logger     *logger.Logger
	mu         sync.RWMutex
	execMu     sync.Mutex
	executions []Execution
}

func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: log.WithComponent("tools"),
	}
}

// Register adds a tool. Registering the same name twice is an error.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}
	r.tools[name] = tool
	r.logger.Info("tool registered", "name", name)
	return nil
}

// MustRegister registers a tool and panics on error. For startup wiring.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// List returns registered tool names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tool definitions offered to the model.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		defs = append(defs, llm.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.InputSchema(),
		})
	}
	return defs
}

// Execute runs a tool by name.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}

	start := time.Now()
	result, err := tool.Execute(ctx, input)
	duration := time.Since(start)

	exec := Execution{ToolName: name, Duration: duration, ExecutedAt: start, Success: err == nil}
	if err != nil {
		exec.Error = err.Error()
	}
	r.trackExecution(exec)

	if err != nil {
		r.logger.Warn("tool execution failed", "name", name, "duration_ms", duration.Milliseconds(), "error", err)
		return "", fmt.Errorf("tool %s: %w", name, err)
	}
	r.logger.Info("tool executed", "name", name, "duration_ms", duration.Milliseconds(), "output_size", len(result))
	return result, nil
}

// ExecuteCall runs one model tool call. Failures come back as error
// results so the model can recover rather than aborting the turn.
func (r *Registry) ExecuteCall(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	content, err := r.Execute(ctx, call.Name, call.Input)
	result := llm.ToolResult{ToolUseID: call.ID, Content: content}
	if err != nil {
		result.Content = fmt.Sprintf("Error: %v", err)
		result.IsError = true
	}
	return result
}

// ExecuteCalls runs a batch of tool calls in order.
func (r *Registry) ExecuteCalls(ctx context.Context, calls []llm.ToolCall) []llm.ToolResult {
	results := make([]llm.ToolResult, len(calls))
	for i, call := range calls {
		results[i] = r.ExecuteCall(ctx, call)
	}
	return results
}

func (r *Registry) trackExecution(exec Execution) {
	r.execMu.Lock()
	defer r.execMu.Unlock()
	if len(r.executions) >= 1000 {
		r.executions = r.executions[1:]
	}
	r.executions = append(r.executions, exec)
}

// RecentExecutions returns the most recent executions, newest first.
func (r *Registry) RecentExecutions(limit int) []Execution {
	r.execMu.Lock()
	defer r.execMu.Unlock()

	if limit <= 0 || limit > len(r.executions) {
		limit = len(r.executions)
	}
	out := make([]Execution, limit)
	for i := 0; i < limit; i++ {
		out[i] = r.executions[len(r.executions)-1-i]
	}
	return out
}
