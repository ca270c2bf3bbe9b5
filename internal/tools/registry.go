// Package tools implements the tool-execution side of the session: a
// registry of named tools the AI may call mid-conversation.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/derekja/sample-s2s-voip-gateway/internal/event"
	"github.com/derekja/sample-s2s-voip-gateway/internal/observability"
)

// ErrUnknownTool is returned when the session asks for a tool that is not
// registered
var ErrUnknownTool = errors.New("unknown tool")

// Tool is a callable the session can invoke. Run writes its result into
// output, which is serialized to JSON and returned as the tool result.
type Tool interface {
	Name() string
	Spec() event.ToolSpec
	Run(ctx context.Context, content string, output map[string]any) error
}

// Registry dispatches tool-use requests by tool name
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger.With().Str("component", "tools").Logger(),
	}
}

// NewDefaultRegistry creates a registry holding the built-in tools
func NewDefaultRegistry(logger zerolog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(NewDateTimeTool(nil, nil))
	return r
}

// Register adds t, replacing any tool with the same name
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Specs returns the specs of all registered tools ordered by name
func (r *Registry) Specs() []event.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]event.ToolSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, r.tools[name].Spec())
	}
	return specs
}

// Invoke runs the tool named by use and fills output with its result
func (r *Registry) Invoke(ctx context.Context, use event.ToolUse, output map[string]any) error {
	r.mu.RLock()
	t, ok := r.tools[use.ToolName]
	r.mu.RUnlock()
	if !ok {
		observability.RecordToolInvocation(use.ToolName, false, 0)
		return fmt.Errorf("%w: %s", ErrUnknownTool, use.ToolName)
	}

	start := time.Now()
	err := t.Run(ctx, use.Content, output)
	latency := time.Since(start)
	observability.RecordToolInvocation(use.ToolName, err == nil, latency)

	if err != nil {
		r.logger.Error().
			Err(err).
			Str("tool_name", use.ToolName).
			Str("tool_use_id", use.ToolUseID).
			Msg("Tool invocation failed")
		return fmt.Errorf("tool %s failed: %w", use.ToolName, err)
	}

	r.logger.Debug().
		Str("tool_name", use.ToolName).
		Str("tool_use_id", use.ToolUseID).
		Dur("latency", latency).
		Msg("Tool invocation completed")
	return nil
}
